package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PublisherConfig describes the broker a Publisher talks to.
type PublisherConfig struct {
	Broker   string
	Port     int
	ClientID string
	Username string
	Password string
}

// Publisher sends device payloads to the broker. It plays the device side of
// the topic tree for the simulator and end-to-end tests.
type Publisher struct {
	client    mqtt.Client
	cfg       PublisherConfig
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPublisher(cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt publisher connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt publisher connection lost", "error", err)
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// Connect waits for the broker connection, respecting ctx and Disconnect.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}
	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return fmt.Errorf("publisher stopped")
		default:
		}
	}
}

// Topic returns the data topic of a device.
func Topic(deviceID string) string {
	return fmt.Sprintf("device/%s/data", deviceID)
}

// Publish sends payload to the device's data topic at QoS 0.
func (p *Publisher) Publish(deviceID string, payload []byte) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	topic := Topic(deviceID)
	token := p.client.Publish(topic, subscribeQoS, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("published payload", "topic", topic, "size", len(payload))
	return nil
}

// PublishFragments splits payload into n roughly equal chunks and publishes
// them in order, the way constrained devices stream large objects.
func (p *Publisher) PublishFragments(deviceID string, payload []byte, n int) error {
	for _, chunk := range Fragment(payload, n) {
		if err := p.Publish(deviceID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Fragment splits payload into at most n non-empty chunks.
func Fragment(payload []byte, n int) [][]byte {
	if n <= 1 || len(payload) <= 1 {
		return [][]byte{payload}
	}
	if n > len(payload) {
		n = len(payload)
	}
	size := (len(payload) + n - 1) / n
	out := make([][]byte, 0, n)
	for start := 0; start < len(payload); start += size {
		end := min(start+size, len(payload))
		out = append(out, payload[start:end])
	}
	return out
}

// IsConnected returns whether the client is connected.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect closes the connection. Idempotent.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("mqtt publisher disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
