package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix namespaces mirrored live channels in redis.
const DefaultChannelPrefix = "shipyard:deploy:"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisMirror republishes live events on redis pub/sub so processes other
// than the engine can follow deployments. Events are queued and dropped when
// the queue is full; the engine never waits on redis.
type RedisMirror struct {
	client  publisher
	prefix  string
	queue   chan Event
	log     *slog.Logger
	timeout time.Duration
	dropped func()

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisMirror builds a mirror publishing through client.
func NewRedisMirror(client publisher, prefix string, size int, logger *slog.Logger) *RedisMirror {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisMirror{
		client:  client,
		prefix:  prefix,
		queue:   make(chan Event, size),
		log:     logger.With("component", "redis_mirror"),
		timeout: 250 * time.Millisecond,
		done:    make(chan struct{}),
	}
}

// OnDrop registers a hook called for each event dropped on a full queue.
func (m *RedisMirror) OnDrop(fn func()) {
	m.dropped = fn
}

// Channel returns the redis channel carrying projectID's events.
func (m *RedisMirror) Channel(projectID string) string {
	return m.prefix + projectID
}

// Start launches the publishing goroutine.
func (m *RedisMirror) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Mirror implements the hub's Mirror.
func (m *RedisMirror) Mirror(ev Event) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.queue <- ev:
	default:
		if m.dropped != nil {
			m.dropped()
		}
	}
}

// Close stops the publisher after draining queued events.
func (m *RedisMirror) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *RedisMirror) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.publish(ctx, ev)
		case <-ctx.Done():
			return
		case <-m.done:
			for {
				select {
				case ev := <-m.queue:
					m.publish(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (m *RedisMirror) publish(parent context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.log.Error("encode mirrored event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()
	if err := m.client.Publish(ctx, m.Channel(ev.ProjectID), payload).Err(); err != nil {
		m.log.Warn("redis publish failed", "project_id", ev.ProjectID, "error", err)
	}
}
