// Package bus implements the transport / fan-out bus (core specification
// §4.5): pub/sub channels keyed by (projectId, executionId) or
// (projectId, workflowId). Grounded on the teacher's
// internal/events/bus.MemoryEventBus, simplified from NATS-style subject
// wildcards down to exact-key topics (the spec names no wildcard
// subscription requirement) and changed to drop slow subscribers instead
// of ever blocking the producer.
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sudocode-ai/execweave/internal/obs/logger"
)

// Topic identifies one pub/sub channel.
type Topic struct {
	ProjectID string
	Kind      TopicKind
	ID        string // executionId or workflowId, matching Kind
}

type TopicKind string

const (
	TopicExecution TopicKind = "execution"
	TopicWorkflow  TopicKind = "workflow"
)

// subscriberQueueSize bounds how far a subscriber may lag before being
// dropped; the producer never blocks waiting for a slow reader.
const subscriberQueueSize = 256

// Message is one bus delivery. Payload is left as `any` so execution
// entries, workflow events, and control notices can all ride the same bus.
type Message struct {
	Topic   Topic
	Payload any
}

// Subscription is returned by Subscribe; call Unsubscribe to stop
// receiving and release the channel.
type Subscription interface {
	Channel() <-chan Message
	Unsubscribe()
}

// Bus is the narrow collaborator interface C6/C7 depend on.
type Bus interface {
	Publish(topic Topic, payload any)
	Subscribe(topic Topic) Subscription
	Close()
}

type subscriber struct {
	ch     chan Message
	topic  Topic
	bus    *MemoryBus
	closed bool
	mu     sync.Mutex
}

func (s *subscriber) Channel() <-chan Message { return s.ch }

func (s *subscriber) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.bus.remove(s)
	close(s.ch)
}

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscriber
	closed bool
	log    *logger.Logger
}

func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{subs: make(map[Topic][]*subscriber), log: log}
}

// Publish delivers payload to every current subscriber of topic. Delivery
// is best-effort and non-blocking: a subscriber whose queue is full is
// dropped rather than allowed to backpressure the producer.
func (b *MemoryBus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	msg := Message{Topic: topic, Payload: payload}
	var slow []*subscriber
	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("dropping slow bus subscriber", zap.String("project_id", topic.ProjectID), zap.String("kind", string(topic.Kind)), zap.String("id", topic.ID))
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()
	for _, sub := range slow {
		sub.Unsubscribe()
	}
}

// Subscribe joins topic from this point onward; historical entries are
// the logs store's responsibility, not the bus's.
func (b *MemoryBus) Subscribe(topic Topic) Subscription {
	sub := &subscriber{ch: make(chan Message, subscriberQueueSize), topic: topic, bus: b}
	b.mu.Lock()
	if !b.closed {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	b.mu.Unlock()
	return sub
}

func (b *MemoryBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Close tears down the bus and every subscriber channel.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
			close(sub.ch)
		}
	}
	b.subs = make(map[Topic][]*subscriber)
	b.log.Info("bus closed")
}
