package viewers

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cartoonrewatch/crt80/internal/analytics"
	"github.com/cartoonrewatch/crt80/internal/metrics"
	"github.com/cartoonrewatch/crt80/internal/throttle"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeSender struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{id: id}
}

func (s *fakeSender) ID() string {
	return s.id
}

func (s *fakeSender) Send(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.frames = append(s.frames, payload)
	return true
}

func (s *fakeSender) messages(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.frames))
	for _, frame := range s.frames {
		var decoded map[string]any
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("failed to decode frame %s: %v", frame, err)
		}
		out = append(out, decoded)
	}
	return out
}

func (s *fakeSender) ofType(t *testing.T, messageType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, message := range s.messages(t) {
		if message["type"] == messageType {
			out = append(out, message)
		}
	}
	return out
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

type fakeAnalytics struct {
	mu       sync.Mutex
	visits   []analytics.Event
	channels []analytics.Event
}

func (f *fakeAnalytics) RecordVisit(event analytics.Event) <-chan error {
	f.mu.Lock()
	f.visits = append(f.visits, event)
	f.mu.Unlock()
	return completed(nil)
}

func (f *fakeAnalytics) RecordChannelView(event analytics.Event) <-chan error {
	f.mu.Lock()
	f.channels = append(f.channels, event)
	f.mu.Unlock()
	return completed(nil)
}

func (f *fakeAnalytics) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visits), len(f.channels)
}

func completed(err error) <-chan error {
	done := make(chan error, 1)
	done <- err
	close(done)
	return done
}

type fakeCensor struct{}

func (fakeCensor) Mask(text string) string {
	if text == "darn it" {
		return "**** it"
	}
	return text
}

type protocolFixture struct {
	protocol  *Protocol
	registry  *Registry
	hub       *Hub
	analytics *fakeAnalytics
	metrics   *metrics.Metrics
	now       *time.Time
}

func newProtocolFixture(t *testing.T) *protocolFixture {
	t.Helper()
	now := time.Date(2025, 1, 1, 18, 0, 0, 0, time.UTC)
	registry := NewRegistry()
	hub := NewHub(HubConfig{Registry: registry})
	recorder := &fakeAnalytics{}
	meters := metrics.New(prometheus.NewRegistry())
	location, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	protocol, err := NewProtocol(ProtocolConfig{
		Registry:  registry,
		Hub:       hub,
		Visits:    throttle.NewWindow(throttle.WindowConfig{Window: 48 * time.Hour}),
		Joins:     throttle.NewWindow(throttle.WindowConfig{Window: time.Hour}),
		Analytics: recorder,
		Censor:    fakeCensor{},
		Location:  location,
		Metrics:   meters,
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to build protocol: %v", err)
	}
	return &protocolFixture{protocol: protocol, registry: registry, hub: hub, analytics: recorder, metrics: meters, now: &now}
}

func (f *protocolFixture) send(sender Sender, frame string) {
	f.protocol.HandleMessage(sender, []byte(frame))
}
