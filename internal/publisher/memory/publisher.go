// Package memory contains an in-memory publisher for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/site-crawler/internal/publisher"
)

// DefaultRetention is how many messages New keeps.
const DefaultRetention = 1000

// Publisher stores the most recent encoded notifications for inspection.
type Publisher struct {
	mu        sync.RWMutex
	messages  []PublishedMessage
	retention int
	seq       int
}

// PublishedMessage captures one publish call as it would go on the wire.
type PublishedMessage struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// New returns a memory Publisher that keeps the last DefaultRetention messages.
func New() *Publisher {
	return NewWithRetention(DefaultRetention)
}

// NewWithRetention keeps at most n messages, dropping the oldest first.
// n <= 0 keeps everything.
func NewWithRetention(n int) *Publisher {
	return &Publisher{retention: n}
}

// Publish encodes and records the message, returning a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, attrs, err := publisher.Encode(payload)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Data: data, Attributes: attrs})
	if p.retention > 0 && len(p.messages) > p.retention {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.retention:]...)
	}
	return id, nil
}

// Messages returns the recorded publishes, optionally filtered by topic.
func (p *Publisher) Messages(topic ...string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, 0, len(p.messages))
	for _, m := range p.messages {
		if len(topic) > 0 && m.Topic != topic[0] {
			continue
		}
		out = append(out, m)
	}
	return out
}
