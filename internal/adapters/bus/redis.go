package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/teleconsult/internal/core"
)

const reconnectBackoff = time.Second

// Redis is a MessageBus over Redis PUBLISH/SUBSCRIBE. Publishing uses the
// pool; one dedicated connection receives for all subscriptions, so handlers
// run one at a time in arrival order. Run owns that connection.
type Redis struct {
	pool *redis.Pool

	mu       sync.Mutex
	handlers map[string]map[uint64]func([]byte)
	next     uint64
	psc      *redis.PubSubConn
	closed   bool
}

func NewRedis(addr, password string) *Redis {
	pool := &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr,
				redis.DialPassword(password),
				redis.DialConnectTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return &Redis{pool: pool, handlers: make(map[string]map[uint64]func([]byte))}
}

var _ core.MessageBus = (*Redis)(nil)

func (b *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("redis conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Do("PUBLISH", topic, data); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler. Subscriptions made before Run connects are
// issued once the receiving connection is up.
func (b *Redis) Subscribe(topic string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if len(b.handlers[topic]) == 0 {
		if b.handlers[topic] == nil {
			b.handlers[topic] = make(map[uint64]func([]byte))
		}
		if b.psc != nil {
			if err := b.psc.Subscribe(topic); err != nil {
				return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
			}
		}
	}
	id := b.next
	b.next++
	b.handlers[topic][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}, nil
}

func (b *Redis) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[topic], id)
	if len(b.handlers[topic]) > 0 {
		return
	}
	delete(b.handlers, topic)
	if b.psc != nil {
		if err := b.psc.Unsubscribe(topic); err != nil {
			log.Warn().Err(err).Str("module", "adapters.bus").Str("topic", topic).Msg("redis unsubscribe")
		}
	}
}

// Run receives until ctx is done, reconnecting after failures.
func (b *Redis) Run(ctx context.Context) error {
	for {
		err := b.listen(ctx)
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return nil
		}
		log.Error().Err(err).Str("module", "adapters.bus").Msg("redis receive failed, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectBackoff):
		}
	}
}

func (b *Redis) listen(ctx context.Context) error {
	conn, err := b.pool.Dial()
	if err != nil {
		return err
	}
	psc := &redis.PubSubConn{Conn: conn}
	defer psc.Close()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	topics := make([]any, 0, len(b.handlers))
	for t := range b.handlers {
		topics = append(topics, t)
	}
	if len(topics) > 0 {
		if err := psc.Subscribe(topics...); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	b.psc = psc
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.psc == psc {
			b.psc = nil
		}
		b.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { _ = psc.Close() })
	defer stop()

	log.Info().Str("module", "adapters.bus").Int("topics", len(topics)).Msg("redis subscriber connected")
	for {
		switch v := psc.Receive().(type) {
		case redis.Message:
			b.dispatch(v.Channel, v.Data)
		case redis.Subscription:
			log.Debug().Str("module", "adapters.bus").Str("topic", v.Channel).Str("kind", v.Kind).Int("count", v.Count).Msg("redis subscription")
		case error:
			return v
		}
	}
}

func (b *Redis) dispatch(topic string, data []byte) {
	b.mu.Lock()
	hs := make([]func([]byte), 0, len(b.handlers[topic]))
	for _, h := range b.handlers[topic] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (b *Redis) Ping(ctx context.Context) error {
	conn, err := b.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.String(conn.Do("PING"))
	return err
}

func (b *Redis) Close() error {
	b.mu.Lock()
	b.closed = true
	if b.psc != nil {
		_ = b.psc.Close()
	}
	b.mu.Unlock()
	return b.pool.Close()
}
