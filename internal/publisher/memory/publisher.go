// Package memory keeps job completion events in process, for development
// runs without a broker and for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Event captures one publish call.
type Event struct {
	Topic   string
	Payload any
}

// Publisher stores published events for inspection. When a limit is set only
// the most recent events are kept.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
	limit  int
	seq    int
	err    error
}

// New returns a memory Publisher that keeps every event.
func New() *Publisher {
	return &Publisher{}
}

// NewBounded returns a memory Publisher that keeps at most limit events.
func NewBounded(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the event and returns a sequential id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.err)
	}
	p.seq++
	p.events = append(p.events, Event{Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.events) > p.limit {
		p.events = append(p.events[:0:0], p.events[len(p.events)-p.limit:]...)
	}
	return fmt.Sprintf("memory-%d", p.seq), nil
}

// Events returns the recorded events for topic, or all events when topic is
// empty.
func (p *Publisher) Events(topic string) []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, 0, len(p.events))
	for _, e := range p.events {
		if topic == "" || e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
