package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/clinic-engine/clinic"
)

const (
	DefaultBuffer         = 256
	defaultPublishTimeout = 2 * time.Second
)

// Redis publishes events as JSON on a pub/sub channel. Notify only queues;
// a single worker publishes. When the queue is full the event is dropped.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	queue   chan clinic.Event
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewRedis(client *redis.Client, channel string, logger *zap.Logger, buffer int) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Redis{
		client:  client,
		channel: channel,
		logger:  logger,
		queue:   make(chan clinic.Event, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Notify implements clinic.Notifier.
func (r *Redis) Notify(_ context.Context, ev clinic.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		r.logger.Warn("event queue full, dropping event", zap.String("event", string(ev.Type)))
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Redis) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events and waits until the queue is drained.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Redis) run() {
	defer r.wg.Done()
	for ev := range r.queue {
		r.publish(ev)
	}
}

func (r *Redis) publish(ev clinic.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to encode event", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("failed to publish event",
			zap.String("event", string(ev.Type)),
			zap.String("channel", r.channel),
			zap.Error(err))
	}
}
