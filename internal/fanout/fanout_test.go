package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"vitals-ingest/internal/metrics"
	"vitals-ingest/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []published
	err    error
}

type published struct {
	channel string
	event   Event
}

func (r *recorder) Publish(_ context.Context, channel string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{channel: channel, event: event})
	return r.err
}

func (r *recorder) snapshot() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

func closeFanout(t *testing.T, f *Fanout) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPublishTelemetry_sendsSanitizedProjection(t *testing.T) {
	rec := &recorder{}
	f := New(rec, nil)

	ts := int64(1700000000)
	f.PublishTelemetry("dev-1", telemetry.Record{
		ID:                "internal-id",
		DeviceID:          "dev-1",
		ObservedAtSeconds: &ts,
		Fields:            map[string]float64{"heartRate": 70},
		Extras:            map[string]any{"secret": "x"},
	})
	closeFanout(t, f)

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("published %d events; want 1", len(got))
	}
	if got[0].channel != "device:dev-1" || got[0].event.Type != EventTelemetry {
		t.Fatalf("event = %+v", got[0])
	}
	body, err := json.Marshal(got[0].event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(body), "internal-id") || strings.Contains(string(body), "secret") {
		t.Fatalf("projection leaked internals: %s", body)
	}
	if !strings.Contains(string(body), `"heartRate":70`) {
		t.Fatalf("projection missing fields: %s", body)
	}
}

func TestPublishStatus(t *testing.T) {
	rec := &recorder{}
	f := New(rec, nil)
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.PublishStatus("dev-2", StatusDelta{Status: "active", LastActiveAt: &at, WiFiStatus: "connected"})
	closeFanout(t, f)

	got := rec.snapshot()
	if len(got) != 1 || got[0].event.Type != EventStatus {
		t.Fatalf("events = %+v", got)
	}
	delta, ok := got[0].event.Data.(StatusDelta)
	if !ok || delta.WiFiStatus != "connected" || !delta.LastActiveAt.Equal(at) {
		t.Fatalf("data = %#v", got[0].event.Data)
	}
}

func TestPublish_failuresAreIsolatedAndCounted(t *testing.T) {
	m := metrics.New()
	panicking := Func(func(context.Context, string, Event) error { panic("sink exploded") })
	failing := &recorder{err: errors.New("broker down")}
	healthy := &recorder{}

	f := New(Multi{panicking, failing, healthy}, nil, WithMetrics(m))
	f.PublishStatus("dev-1", StatusDelta{Status: "inactive"})
	closeFanout(t, f)

	if n := len(healthy.snapshot()); n != 1 {
		t.Fatalf("healthy sink got %d events; want 1", n)
	}
	if got := testutil.ToFloat64(m.FanoutFailures.WithLabelValues(EventStatus)); got != 1 {
		t.Fatalf("failures = %v; want 1", got)
	}
}

func TestPublish_preservesOrderPerDevice(t *testing.T) {
	rec := &recorder{}
	var calls sync.Map
	slowFirst := Func(func(ctx context.Context, channel string, event Event) error {
		if _, seen := calls.LoadOrStore(channel, true); !seen {
			time.Sleep(20 * time.Millisecond)
		}
		return rec.Publish(ctx, channel, event)
	})

	f := New(slowFirst, nil)
	const n = 50
	for i := 0; i < n; i++ {
		f.PublishStatus("dev-1", StatusDelta{Status: fmt.Sprintf("s%d", i)})
	}
	closeFanout(t, f)

	got := rec.snapshot()
	if len(got) != n {
		t.Fatalf("delivered %d events; want %d", len(got), n)
	}
	for i, p := range got {
		if want := fmt.Sprintf("s%d", i); p.event.Data.(StatusDelta).Status != want {
			t.Fatalf("event %d = %v; want %s", i, p.event.Data, want)
		}
	}
}

func TestPublish_slowDeviceDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	delivered := make(chan string, 4)
	b := Func(func(_ context.Context, channel string, _ Event) error {
		if channel == Channel("slow") {
			<-release
		}
		delivered <- channel
		return nil
	})

	f := New(b, nil)
	f.PublishStatus("slow", StatusDelta{Status: "active"})
	f.PublishStatus("fast", StatusDelta{Status: "active"})

	select {
	case ch := <-delivered:
		if ch != Channel("fast") {
			t.Fatalf("first delivery on %q; want the fast device", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast device waited on the slow one")
	}
	close(release)
	closeFanout(t, f)
}

func TestPublish_fullDeviceQueueDropsAndCounts(t *testing.T) {
	m := metrics.New()
	release := make(chan struct{})
	rec := &recorder{}
	b := Func(func(ctx context.Context, channel string, event Event) error {
		<-release
		return rec.Publish(ctx, channel, event)
	})

	f := New(b, nil, WithMetrics(m))
	// One event is taken by the delivery goroutine, the rest wait in the lane.
	for i := 0; i < maxPendingPerDevice+10; i++ {
		f.PublishStatus("dev-1", StatusDelta{Status: "active"})
	}
	close(release)
	closeFanout(t, f)

	dropped := testutil.ToFloat64(m.FanoutFailures.WithLabelValues(EventStatus))
	if dropped == 0 {
		t.Fatal("expected dropped events to be counted")
	}
	if total := len(rec.snapshot()) + int(dropped); total != maxPendingPerDevice+10 {
		t.Errorf("delivered+dropped = %d; want %d", total, maxPendingPerDevice+10)
	}
}

func TestPublish_panicInBroadcasterIsRecovered(t *testing.T) {
	f := New(Func(func(context.Context, string, Event) error { panic("boom") }), nil)
	f.PublishStatus("dev-1", StatusDelta{Status: "active"})
	closeFanout(t, f)
}

func TestPublish_afterCloseIsDropped(t *testing.T) {
	rec := &recorder{}
	f := New(rec, nil)
	closeFanout(t, f)
	f.PublishStatus("dev-1", StatusDelta{Status: "active"})
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("published %d events after close", n)
	}
}

func TestNilFanoutAndNilBroadcaster(t *testing.T) {
	var f *Fanout
	f.PublishStatus("dev-1", StatusDelta{Status: "active"})
	if err := f.Close(context.Background()); err != nil {
		t.Fatalf("nil Close: %v", err)
	}

	g := New(nil, nil)
	g.PublishTelemetry("dev-1", telemetry.Record{})
	closeFanout(t, g)
}

func TestChannelRoundTrip(t *testing.T) {
	id, ok := DeviceFromChannel(Channel("abc"))
	if !ok || id != "abc" {
		t.Fatalf("DeviceFromChannel = %q, %v", id, ok)
	}
	if _, ok := DeviceFromChannel("device:"); ok {
		t.Error("empty device id accepted")
	}
	if _, ok := DeviceFromChannel("room:abc"); ok {
		t.Error("foreign channel accepted")
	}
}
