// Package notify implements the notification intent queue: a single consumer
// draining breach and escalation intents into a pluggable deliverer with
// delivery retries.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/slaguard/slaguard/internal/log"
	"github.com/slaguard/slaguard/internal/model"
)

// Deliverer sends a notification over a concrete transport. Delivery backends
// (mail, chat, paging) are external collaborators.
type Deliverer interface {
	Deliver(ctx context.Context, intent model.NotificationIntent) error
}

// DelivererFunc is a helper to use functions as deliverers.
type DelivererFunc func(ctx context.Context, intent model.NotificationIntent) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, intent model.NotificationIntent) error {
	return f(ctx, intent)
}

// Recorder receives queue delivery observations.
type Recorder interface {
	ObserveDelivery(channel string, success bool, attempts int)
	SetQueueDepth(n int)
}

type noopRecorder int

func (noopRecorder) ObserveDelivery(channel string, success bool, attempts int) {}
func (noopRecorder) SetQueueDepth(n int)                                        {}

// QueueConfig is the notification queue configuration.
type QueueConfig struct {
	Deliverer Deliverer
	Recorder  Recorder

	// BufferSize is the queue capacity. A full queue drops new intents,
	// delivery is best effort.
	BufferSize int
	// MaxAttempts is the per-intent delivery attempt count.
	MaxAttempts int
	// RetryDelay is the base of the linear backoff: attempt n waits n times
	// this duration.
	RetryDelay time.Duration

	Logger log.Logger
}

func (c *QueueConfig) defaults() error {
	if c.Deliverer == nil {
		return fmt.Errorf("deliverer is required")
	}
	if c.Recorder == nil {
		c.Recorder = noopRecorder(0)
	}

	if c.BufferSize == 0 {
		c.BufferSize = 256
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 5 * time.Second
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "notify.Queue"})

	return nil
}

// Stats are the queue delivery counters.
type Stats struct {
	Delivered int
	Failed    int
	Dropped   int
	Pending   int
}

// Queue buffers notification intents and delivers them from a single consumer
// goroutine, so delivery never blocks detection.
type Queue struct {
	deliverer   Deliverer
	recorder    Recorder
	maxAttempts int
	retryDelay  time.Duration
	logger      log.Logger

	intents chan model.NotificationIntent

	mu        sync.Mutex
	delivered int
	failed    int
	dropped   int
}

// NewQueue returns a new notification queue. Run must be started for intents
// to be delivered.
func NewQueue(config QueueConfig) (*Queue, error) {
	err := config.defaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Queue{
		deliverer:   config.Deliverer,
		recorder:    config.Recorder,
		maxAttempts: config.MaxAttempts,
		retryDelay:  config.RetryDelay,
		logger:      config.Logger,
		intents:     make(chan model.NotificationIntent, config.BufferSize),
	}, nil
}

// Enqueue adds an intent to the queue without blocking. A full queue drops the
// intent: delivery is at most once, best effort.
func (q *Queue) Enqueue(ctx context.Context, intent model.NotificationIntent) error {
	select {
	case q.intents <- intent:
		q.recorder.SetQueueDepth(len(q.intents))
		return nil
	default:
	}

	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
	q.logger.WithValues(log.Kv{"intent": intent.ID, "channel": intent.Channel}).
		Warningf("notification queue full, intent dropped")

	return nil
}

// Run drains the queue until the context is cancelled. It is the single
// consumer: per-intent delivery order is the enqueue order.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Infof("notification queue started")
	defer q.logger.Infof("notification queue stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent := <-q.intents:
			q.recorder.SetQueueDepth(len(q.intents))
			q.deliver(ctx, intent)
		}
	}
}

// deliver attempts the delivery with linear backoff. A final failure is
// recorded on the intent and counted, never re-raised: a notification that
// cannot be delivered must not take the queue down.
func (q *Queue) deliver(ctx context.Context, intent model.NotificationIntent) {
	logger := q.logger.WithValues(log.Kv{"intent": intent.ID, "channel": intent.Channel, "sla": intent.SLAID})

	attempts := 0
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(q.maxAttempts)),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return time.Duration(n+1) * q.retryDelay
		}),
	)

	err := r.Do(func() error {
		attempts++
		return q.deliverer.Deliver(ctx, intent)
	})

	intent.Attempts = attempts
	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		intent.Delivered = false
		intent.LastError = err.Error()
		q.failed++
		q.recorder.ObserveDelivery(intent.Channel, false, attempts)
		logger.WithValues(log.Kv{"attempts": attempts}).Errorf("could not deliver notification: %s", err)
		return
	}

	intent.Delivered = true
	q.delivered++
	q.recorder.ObserveDelivery(intent.Channel, true, attempts)
	logger.Debugf("notification delivered")
}

// Stats returns the delivery counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Delivered: q.delivered,
		Failed:    q.failed,
		Dropped:   q.dropped,
		Pending:   len(q.intents),
	}
}
