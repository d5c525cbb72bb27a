// Package bus holds the MessageBus implementations: Redis pub/sub for a
// cluster and an in-process bus for a single instance and tests.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/teleconsult/internal/core"
)

var ErrClosed = errors.New("bus closed")

type memorySub struct {
	mu      sync.Mutex
	handler func([]byte)
}

// Memory delivers synchronously inside Publish, so one publisher observes
// its own events in order.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*memorySub
	next   uint64
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[uint64]*memorySub)}
}

var _ core.MessageBus = (*Memory)(nil)

func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.subs[topic]))
	for _, s := range m.subs[topic] {
		subs = append(subs, s)
	}
	m.mu.RUnlock()

	for _, s := range subs {
		s.mu.Lock()
		s.handler(append([]byte(nil), data...))
		s.mu.Unlock()
	}
	return nil
}

func (m *Memory) Subscribe(topic string, handler func([]byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	id := m.next
	m.next++
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[uint64]*memorySub)
	}
	m.subs[topic][id] = &memorySub{handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[topic], id)
			if len(m.subs[topic]) == 0 {
				delete(m.subs, topic)
			}
			m.mu.Unlock()
		})
	}, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[string]map[uint64]*memorySub)
	m.mu.Unlock()
	return nil
}
