package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/FateUnix29/Hollowfire-1/internal/config"
	"github.com/FateUnix29/Hollowfire-1/internal/events"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
}

func (r *recordingPublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (r *recordingPublisher) topics() map[string]*paho.Publish {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*paho.Publish, len(r.msgs))
	for _, m := range r.msgs {
		out[m.Topic] = m
	}
	return out
}

type staticStats struct{}

func (staticStats) Uptime() time.Duration   { return 90*time.Second + 400*time.Millisecond }
func (staticStats) Version() string         { return "v1.2.3" }
func (staticStats) Conversations() int      { return 2 }
func (staticStats) DefaultProvider() string { return "ollama" }

func newTestForwarder(bus *events.Bus) (*Forwarder, *recordingPublisher) {
	rp := &recordingPublisher{}
	f := New(config.MQTTConfig{TopicPrefix: "hollowfire/"}, "0190d7e4-8c2a-7b3e-9f10-a1b2c3d4e5f6", bus, staticStats{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.pub = rp
	return f, rp
}

func TestForwarder_Topics(t *testing.T) {
	f, _ := newTestForwarder(events.New())
	if got := f.eventTopic("tool_call"); got != "hollowfire/events/tool_call" {
		t.Errorf("eventTopic = %q", got)
	}
	if got := f.availabilityTopic(); got != "hollowfire/availability" {
		t.Errorf("availabilityTopic = %q", got)
	}
	if got := f.clientID(); got != "hollowfire-a1b2c3d4e5f6" {
		t.Errorf("clientID = %q", got)
	}
}

func TestForwarder_RunForwardsEvents(t *testing.T) {
	bus := events.New()
	f, rp := newTestForwarder(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.run(ctx, time.Hour)
		close(done)
	}()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	bus.Emit(events.SourceCompletion, events.KindRequestComplete, map[string]any{
		"request_id": "r1", "ok": true, "tokens_in": 30, "tokens_out": 12,
	})

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rp.topics()["hollowfire/events/request_complete"]; ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	msg, ok := rp.topics()["hollowfire/events/request_complete"]
	if !ok {
		t.Fatal("event was not forwarded")
	}
	var e events.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if e.Source != events.SourceCompletion || e.Data["request_id"] != "r1" {
		t.Errorf("event = %+v", e)
	}
	if msg.Retain {
		t.Error("events must not be retained")
	}

	if got := f.daily.Snapshot(); got.Requests != 1 || got.InputTokens != 30 || got.OutputTokens != 12 {
		t.Errorf("daily = %+v", got)
	}
}

func TestForwarder_PublishStates(t *testing.T) {
	f, rp := newTestForwarder(events.New())
	f.daily.OnRequest(10, 5, true)
	f.publishStates(context.Background())

	want := map[string]string{
		"hollowfire/state/uptime":           "1m30s",
		"hollowfire/state/version":          "v1.2.3",
		"hollowfire/state/conversations":    "2",
		"hollowfire/state/default_provider": "ollama",
		"hollowfire/state/requests_today":   "1",
		"hollowfire/state/tokens_today":     "15",
	}
	got := rp.topics()
	for topic, value := range want {
		m, ok := got[topic]
		if !ok {
			t.Errorf("missing %s", topic)
			continue
		}
		if string(m.Payload) != value || !m.Retain {
			t.Errorf("%s = %q (retain %v), want %q", topic, m.Payload, m.Retain, value)
		}
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q is not a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != first {
		t.Errorf("file = %q, want %q", data, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second != first {
		t.Errorf("id changed: %q then %q", first, second)
	}
}
