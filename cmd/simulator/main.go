// Command simulator plays one or more devices against a running ingest
// service, over MQTT or the HTTP ingest endpoint.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"vitals-ingest/internal/httpapi"
	"vitals-ingest/internal/mqtt"
)

type options struct {
	broker    string
	port      int
	devices   []string
	interval  time.Duration
	count     int
	fragments int
	httpURL   string
	apiKey    string
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("simulator", pflag.ContinueOnError)
	flagSet.StringVar(&opts.broker, "broker", "localhost", "MQTT broker host")
	flagSet.IntVar(&opts.port, "port", 1883, "MQTT broker port")
	flagSet.StringSliceVarP(&opts.devices, "device", "d", []string{"sim-1"}, "device id (repeatable)")
	flagSet.DurationVar(&opts.interval, "interval", 5*time.Second, "time between readings")
	flagSet.IntVarP(&opts.count, "count", "n", 0, "readings per device (0 runs until interrupted)")
	flagSet.IntVar(&opts.fragments, "fragments", 1, "split each MQTT payload into this many messages")
	flagSet.StringVar(&opts.httpURL, "http", "", "post to this ingest base URL instead of MQTT")
	flagSet.StringVar(&opts.apiKey, "api-key", os.Getenv("INGEST_API_KEY"), "API key for HTTP ingest")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if len(opts.devices) == 0 {
		return errors.New("at least one --device is required")
	}
	if opts.interval <= 0 {
		return errors.New("--interval must be positive")
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.Kitchen}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	send, closeSender, err := newSender(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer closeSender()

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(os.Getpid())))
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for sent := 0; opts.count == 0 || sent < opts.count; sent++ {
		now := time.Now()
		for _, id := range opts.devices {
			payload, err := healthPayload(newReading(now, rng))
			if err != nil {
				return err
			}
			if err := send(ctx, id, payload); err != nil {
				logger.Warn("send failed", "device", id, "err", err)
				continue
			}
			logger.Info("reading sent", "device", id, "bytes", len(payload))
		}
		if opts.count != 0 && sent+1 == opts.count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

type sendFunc func(ctx context.Context, deviceID string, payload []byte) error

func newSender(ctx context.Context, opts options, logger *slog.Logger) (sendFunc, func(), error) {
	if opts.httpURL != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		return func(ctx context.Context, deviceID string, payload []byte) error {
			return postIngest(ctx, client, opts.httpURL, opts.apiKey, deviceID, payload)
		}, func() {}, nil
	}

	pub := mqtt.NewPublisher(mqtt.PublisherConfig{
		Broker:   opts.broker,
		Port:     opts.port,
		ClientID: fmt.Sprintf("vitals-simulator-%d", os.Getpid()),
	}, logger)
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pub.Connect(connectCtx); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return func(_ context.Context, deviceID string, payload []byte) error {
		return pub.PublishFragments(deviceID, payload, opts.fragments)
	}, pub.Disconnect, nil
}

func postIngest(ctx context.Context, client *http.Client, baseURL, apiKey, deviceID string, payload []byte) error {
	body, err := ingestRequest(deviceID, payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set(httpapi.APIKeyHeader, apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ingest returned %s", resp.Status)
	}
	return nil
}
