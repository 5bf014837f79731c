package broker

import (
	"context"
	"sync"
)

// Memory is an in-process channel with the same delivery contract as the
// MQTT client: one delivery in flight per consumer, redelivery of anything
// not acked. It serves tests and single-process development.
type Memory struct {
	mu     sync.Mutex
	queues map[string][][]byte
	signal chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][][]byte),
		signal: make(chan struct{}, 1),
	}
}

func (m *Memory) Publish(ctx context.Context, topic string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.queues[topic] = append(m.queues[topic], append([]byte(nil), body...))
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *Memory) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Pending returns copies of the messages still queued on topic.
func (m *Memory) Pending(topic string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, 0, len(m.queues[topic]))
	for _, b := range m.queues[topic] {
		out = append(out, append([]byte(nil), b...))
	}
	return out
}

func (m *Memory) Consume(ctx context.Context, topic string, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		body, ok := m.peek(topic)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-m.signal:
			}
			continue
		}

		acked := false
		h(NewDelivery(topic, body, func() { acked = true }))
		if acked {
			m.pop(topic)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.signal:
		}
	}
}

func (m *Memory) peek(topic string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[topic]
	if len(q) == 0 {
		return nil, false
	}
	return q[0], true
}

func (m *Memory) pop(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[topic]; len(q) > 0 {
		m.queues[topic] = q[1:]
	}
}
