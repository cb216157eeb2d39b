// Package eventbus carries backtest events to observers such as the
// artifact writer, telemetry and the websocket hub.
package eventbus

import (
	"fmt"
	"sync"
	"time"
)

// Topics published by the backtest engine, in per-bar order.
const (
	TopicBar          = "bar"
	TopicRiskDecision = "risk_decision"
	TopicFill         = "fill"
	TopicSnapshot     = "snapshot"
	TopicGovernance   = "governance"
	TopicKillSwitch   = "kill_switch"
	TopicRunComplete  = "run_complete"

	// Wildcard subscribes to every topic.
	Wildcard = "*"
)

// Event is one published message.
type Event struct {
	RunID     string    `json:"run_id"`
	Topic     string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	Bar       int       `json:"bar"`
	Data      any       `json:"data"`
}

type Handler func(Event) error

// Bus publishes events to subscribers.
type Bus interface {
	Publish(ev Event) error
	Subscribe(topic string, h Handler)
}

// InMemory delivers events synchronously, in subscription order, on the
// publisher's goroutine. The first handler error stops delivery and is
// returned to the publisher.
type InMemory struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewInMemory() *InMemory {
	return &InMemory{handlers: make(map[string][]Handler)}
}

func (b *InMemory) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], h)
	b.mu.Unlock()
}

func (b *InMemory) Publish(ev Event) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Topic])+len(b.handlers[Wildcard]))
	hs = append(hs, b.handlers[ev.Topic]...)
	if ev.Topic != Wildcard {
		hs = append(hs, b.handlers[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		if err := h(ev); err != nil {
			return fmt.Errorf("%s handler: %w", ev.Topic, err)
		}
	}
	return nil
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(Event) error       { return nil }
func (Nop) Subscribe(string, Handler) {}
