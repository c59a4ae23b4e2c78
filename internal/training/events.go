package training

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clipscommerce/improvement/internal/domain"
	"github.com/clipscommerce/improvement/internal/logging"
)

// EventType names a training session lifecycle event.
type EventType string

const (
	EventSessionStarted          EventType = "session_started"
	EventSessionUpdated          EventType = "session_updated"
	EventDataCollectionCompleted EventType = "data_collection_completed"
	EventModelCompleted          EventType = "model_completed"
	EventSessionCompleted        EventType = "session_completed"
	EventSessionFailed           EventType = "session_failed"
)

// Event is one lifecycle notification. Data carries event-specific values
// (per-platform sample counts, model metrics, the failure reason).
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Progress  float64        `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventSink receives every event of every session.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event) error

func (f EventSinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// broadcaster fans events out to in-process subscribers. Slow subscribers
// lose events rather than stalling the session. Drops are counted; the
// warning is logged at most once per second.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int

	dropped     atomic.Int64
	dropCounter prometheus.Counter
	logger      *zap.Logger
}

func newBroadcaster(logger *zap.Logger, dropCounter prometheus.Counter) *broadcaster {
	sampled := logging.OrNop(logger).WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(c, time.Second, 1, 0)
	}))
	return &broadcaster{subs: make(map[int]chan Event), dropCounter: dropCounter, logger: sampled}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *broadcaster) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			total := b.dropped.Add(1)
			if b.dropCounter != nil {
				b.dropCounter.Inc()
			}
			b.logger.Warn("subscriber buffer full, event dropped",
				zap.Int("subscriber", id),
				zap.String("event", string(event.Type)),
				zap.Int64("dropped_total", total))
		}
	}
	return nil
}

// publisher is the subset of *nats.Conn the sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSEventSink publishes events as JSON to "<subject>.<event type>".
type NATSEventSink struct {
	conn    publisher
	nc      *nats.Conn
	subject string
}

// NewNATSEventSink connects to url and publishes under subject.
func NewNATSEventSink(url, subject string) (*NATSEventSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("improvement-training"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, domain.Dependency("failed to connect to NATS", err)
	}
	return &NATSEventSink{conn: nc, nc: nc, subject: subject}, nil
}

func newNATSEventSink(conn publisher, subject string) *NATSEventSink {
	return &NATSEventSink{conn: conn, subject: subject}
}

func (s *NATSEventSink) Publish(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.conn.Publish(s.subject+"."+string(event.Type), body); err != nil {
		return domain.Dependency("failed to publish training event", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (s *NATSEventSink) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
