package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"groundlink/internal/metrics"
	"groundlink/internal/telemetry"
	"groundlink/pkg/logging"
)

// Message types delivered to subscribers.
const (
	MessageTypeTelemetry    = "satellite-data"
	MessageTypeSourceStatus = "data-sources-status"
)

// DefaultQueueCapacity bounds each subscriber's outbound queue.
const DefaultQueueCapacity = 100

// Message is the envelope delivered to subscribers.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// PushHealth is the externally visible state of the push source.
type PushHealth struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// PollHealth is the externally visible state of the poll source.
type PollHealth struct {
	Enabled bool `json:"enabled"`
	Polling bool `json:"polling"`
}

// SourceHealth is the last-known health of both sources.
type SourceHealth struct {
	Push PushHealth `json:"push"`
	Poll PollHealth `json:"poll"`
}

// Subscriber is an opaque handle to one connected viewer. It carries no
// state beyond its identity and its outbound queue.
type Subscriber struct {
	id  string
	out chan []byte
}

// ID returns the subscriber's unique identifier
func (s *Subscriber) ID() string { return s.id }

// C returns the subscriber's outbound message stream. The channel is
// closed on unsubscribe.
func (s *Subscriber) C() <-chan []byte { return s.out }

// enqueue adds a payload to the subscriber's queue. When the queue is
// full the oldest buffered message is discarded so that a stalled viewer
// never exerts backpressure upstream. Returns the number of messages
// dropped to make room.
func (s *Subscriber) enqueue(payload []byte) int {
	dropped := 0
	for {
		select {
		case s.out <- payload:
			return dropped
		default:
		}
		select {
		case <-s.out:
			dropped++
		default:
		}
	}
}

// Broadcaster owns the subscriber registry and the last-known source
// health flags, the only state shared between the adapters and the
// viewer connections.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	health      SourceHealth
	queueCap    int
	logger      logging.Logger
	metrics     *metrics.Metrics
}

// New creates a Broadcaster. metrics may be nil in tests.
func New(logger logging.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[*Subscriber]struct{}),
		queueCap:    DefaultQueueCapacity,
		logger:      logger,
		metrics:     m,
	}
}

// Subscribe registers a new subscriber. Its first queued message is the
// current source-health snapshot; it receives nothing published before it
// joined.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:  uuid.New().String(),
		out: make(chan []byte, b.queueCap),
	}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	count := len(b.subscribers)
	if payload, ok := b.encode(MessageTypeSourceStatus, b.health); ok {
		sub.enqueue(payload)
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Subscribers.WithLabelValues("websocket").Inc()
	}
	b.logger.WithFields(logging.Fields{
		"subscriber_id":    sub.id,
		"subscriber_count": count,
	}).Info("Subscriber joined")

	return sub
}

// Unsubscribe removes a subscriber and closes its stream. Safe to call
// for a handle that was already removed.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subscribers[sub]
	if ok {
		delete(b.subscribers, sub)
		close(sub.out)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if !ok {
		return
	}
	if b.metrics != nil {
		b.metrics.Subscribers.WithLabelValues("websocket").Dec()
	}
	b.logger.WithFields(logging.Fields{
		"subscriber_id":    sub.id,
		"subscriber_count": count,
	}).Info("Subscriber left")
}

// Publish fans a telemetry event out to every registered subscriber.
// Delivery to one subscriber never delays delivery to another; a full
// queue loses only that subscriber's oldest buffered message.
func (b *Broadcaster) Publish(ev telemetry.Event) {
	payload, ok := b.encode(MessageTypeTelemetry, ev)
	if !ok {
		return
	}

	start := time.Now()
	dropped := 0

	b.mu.RLock()
	for sub := range b.subscribers {
		dropped += sub.enqueue(payload)
	}
	subscriberCount := len(b.subscribers)
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventsBroadcast.WithLabelValues(MessageTypeTelemetry).Inc()
		if dropped > 0 {
			b.metrics.EventsDropped.WithLabelValues("slow_subscriber").Add(float64(dropped))
		}
		b.metrics.FanoutDuration.WithLabelValues(MessageTypeTelemetry).Observe(time.Since(start).Seconds())
	}

	b.logger.WithFields(logging.Fields{
		"source":      ev.Source,
		"satellite":   ev.SatelliteID,
		"subscribers": subscriberCount,
		"dropped":     dropped,
	}).Debug("Event broadcast")
}

// SetPushHealth records the push source's enabled/connected state
func (b *Broadcaster) SetPushHealth(enabled, connected bool) {
	b.mu.Lock()
	b.health.Push = PushHealth{Enabled: enabled, Connected: connected}
	b.mu.Unlock()
}

// SetPollHealth records the poll source's enabled/polling state
func (b *Broadcaster) SetPollHealth(enabled, polling bool) {
	b.mu.Lock()
	b.health.Poll = PollHealth{Enabled: enabled, Polling: polling}
	b.mu.Unlock()
}

// Health returns the last-known source health snapshot
func (b *Broadcaster) Health() SourceHealth {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health
}

// SubscriberCount returns the current registry size
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) encode(msgType string, data interface{}) ([]byte, bool) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.logger.WithError(err).WithField("type", msgType).Error("Failed to marshal broadcast message")
		return nil, false
	}
	return payload, true
}
