// Package memory contains an in-process publisher that captures crawl
// lifecycle events for tests and dry runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Event is one captured publish. Data holds the JSON encoding of the
// payload; Kind and SessionID are lifted from it when present so tests
// can filter without decoding.
type Event struct {
	ID        string
	Topic     string
	Kind      string
	SessionID string
	Data      []byte
}

// Publisher records crawl events in memory.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes the payload the same way the Pub/Sub publisher does
// and records the resulting event.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode event payload: %w", err)
	}
	var envelope struct {
		Event     string `json:"event"`
		SessionID string `json:"session_id"`
	}
	// Non-envelope payloads are still recorded, just untyped.
	_ = json.Unmarshal(data, &envelope)

	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.events)+1)
	p.events = append(p.events, Event{
		ID:        id,
		Topic:     topic,
		Kind:      envelope.Event,
		SessionID: envelope.SessionID,
		Data:      data,
	})
	return id, nil
}

// Events returns a copy of the recorded events.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Kinds returns the recorded event kinds in publish order.
func (p *Publisher) Kinds() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}
