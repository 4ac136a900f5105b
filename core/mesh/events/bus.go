// Package events is the coordinator's internal event bus. Components publish state changes
// here; the dashboard push channel, metrics and the NATS bridge subscribe.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Topics published by coordinator components.
const (
	TopicPeerStatus      = "peer.status"
	TopicPeerHeartbeat   = "peer.heartbeat"
	TopicJobState        = "job.state"
	TopicJobToken        = "job.token"
	TopicTransferStarted = "transfer.started"
	TopicTransferChunk   = "transfer.chunk"
	TopicTransferDone    = "transfer.done"
	TopicContentIngested = "content.ingested"
	TopicContentAnnounce = "content.announced"
)

// Event is a single bus message.
type Event struct {
	Seq   uint64      `json:"seq"`
	Topic string      `json:"topic"`
	Time  time.Time   `json:"time"`
	Data  interface{} `json:"data"`
}

// Publisher is what components depend on. A nil *Bus is a valid no-op Publisher.
type Publisher interface {
	Publish(topic string, data interface{})
}

// Subscription receives events matching its topic patterns.
type Subscription struct {
	id     uint64
	topics map[string]struct{}
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

// C returns the delivery channel. It is closed by Close or when the bus closes.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans events out to subscribers without blocking publishers. A subscriber whose
// buffer is full loses that event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	seq     atomic.Uint64
	dropped atomic.Uint64
	closed  bool
	logger  *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger.Named("events"),
	}
}

// Subscribe registers interest in topics. Patterns may be exact ("job.state"),
// prefix wildcards ("job.*") or "*". No patterns means every topic.
func (b *Bus) Subscribe(buffer int, topics ...string) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, buffer),
		bus:    b,
	}
	for _, topic := range topics {
		trimmed := strings.TrimSpace(topic)
		if trimmed == "" {
			continue
		}
		sub.topics[trimmed] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(topic string, data interface{}) {
	if b == nil {
		return
	}
	ev := Event{
		Seq:   b.seq.Add(1),
		Topic: topic,
		Time:  time.Now().UTC(),
		Data:  data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !topicMatches(sub.topics, topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if n := b.dropped.Add(1); n%1000 == 1 {
				b.logger.Warn("subscriber too slow, dropping events",
					zap.String("topic", topic), zap.Uint64("dropped_total", n))
			}
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func topicMatches(topics map[string]struct{}, topic string) bool {
	if len(topics) == 0 {
		return true
	}
	if _, ok := topics["*"]; ok {
		return true
	}
	if _, ok := topics[topic]; ok {
		return true
	}
	for t := range topics {
		if strings.HasSuffix(t, ".*") {
			prefix := strings.TrimSuffix(t, ".*")
			if strings.HasPrefix(topic, prefix+".") {
				return true
			}
		}
	}
	return false
}
