package queue

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/xid"

	"github.com/oarkflow/conveyor/pkg/contracts"
)

type entry struct {
	id             string
	body           []byte
	deliveries     int
	invisibleUntil time.Time
}

// Memory is an in-process Queue with real visibility-timeout semantics: a
// received message is hidden from other receivers until acked or until the
// visibility window elapses, at which point it is redelivered with an
// incremented delivery count. It is the reference implementation for the
// queue contract and the backend used by tests and dev mode.
type Memory struct {
	entries  []*entry
	pollWait time.Duration
	mu       sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{pollWait: time.Second}
}

// SetPollWait adjusts how long Receive blocks waiting for a message before
// returning empty.
func (m *Memory) SetPollWait(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollWait = d
}

func (m *Memory) Send(ctx context.Context, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst := make([]byte, len(body))
	copy(dst, body)
	m.entries = append(m.entries, &entry{id: xid.New().String(), body: dst})
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int, visibility time.Duration) ([]contracts.Message, error) {
	if max <= 0 {
		max = 1
	}
	m.mu.Lock()
	wait := m.pollWait
	m.mu.Unlock()
	deadline := time.Now().Add(wait)
	for {
		if msgs := m.take(max, visibility); len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (m *Memory) take(max int, visibility time.Duration) []contracts.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []contracts.Message
	for _, e := range m.entries {
		if len(out) >= max {
			break
		}
		if now.Before(e.invisibleUntil) {
			continue
		}
		e.deliveries++
		e.invisibleUntil = now.Add(visibility)
		body := make([]byte, len(e.body))
		copy(body, e.body)
		out = append(out, contracts.Message{
			ID:            e.id,
			Body:          body,
			DeliveryCount: e.deliveries,
		})
	}
	return out
}

func (m *Memory) Ack(ctx context.Context, msg contracts.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		if e.id == msg.ID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Depth reports how many messages are held, visible or not.
func (m *Memory) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	return nil
}
