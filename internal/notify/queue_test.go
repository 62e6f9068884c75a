package notify_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaguard/slaguard/internal/model"
	"github.com/slaguard/slaguard/internal/notify"
)

type captureDeliverer struct {
	mu        sync.Mutex
	delivered []model.NotificationIntent
	failUntil map[string]int
	calls     map[string]int
}

func newCaptureDeliverer() *captureDeliverer {
	return &captureDeliverer{failUntil: map[string]int{}, calls: map[string]int{}}
}

func (d *captureDeliverer) Deliver(_ context.Context, intent model.NotificationIntent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls[intent.ID]++
	if d.calls[intent.ID] <= d.failUntil[intent.ID] {
		return fmt.Errorf("transport unavailable")
	}

	d.delivered = append(d.delivered, intent)
	return nil
}

func (d *captureDeliverer) deliveredIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.delivered))
	for _, i := range d.delivered {
		ids = append(ids, i.ID)
	}
	return ids
}

func runQueue(t *testing.T, queue *notify.Queue) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = queue.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func intent(id string) model.NotificationIntent {
	return model.NotificationIntent{
		ID:         id,
		SLAID:      "sla1",
		Channel:    "pager",
		Recipients: []string{"oncall"},
		Subject:    "SLA breach",
	}
}

func TestQueueDeliversInOrder(t *testing.T) {
	deliverer := newCaptureDeliverer()
	queue, err := notify.NewQueue(notify.QueueConfig{Deliverer: deliverer, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	runQueue(t, queue)

	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, queue.Enqueue(context.TODO(), intent(id)))
	}

	require.Eventually(t, func() bool {
		return len(deliverer.deliveredIDs()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"n1", "n2", "n3"}, deliverer.deliveredIDs())
	assert.Equal(t, 3, queue.Stats().Delivered)
}

func TestQueueRetriesTransientFailure(t *testing.T) {
	deliverer := newCaptureDeliverer()
	deliverer.failUntil["n1"] = 2
	queue, err := notify.NewQueue(notify.QueueConfig{
		Deliverer:   deliverer,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)
	runQueue(t, queue)

	require.NoError(t, queue.Enqueue(context.TODO(), intent("n1")))

	require.Eventually(t, func() bool {
		return len(deliverer.deliveredIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := queue.Stats()
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 0, stats.Failed)
}

func TestQueueRecordsFinalFailure(t *testing.T) {
	deliverer := newCaptureDeliverer()
	deliverer.failUntil["n1"] = 10
	queue, err := notify.NewQueue(notify.QueueConfig{
		Deliverer:   deliverer,
		MaxAttempts: 2,
		RetryDelay:  time.Millisecond,
	})
	require.NoError(t, err)
	runQueue(t, queue)

	// The failing intent must not block the one behind it.
	require.NoError(t, queue.Enqueue(context.TODO(), intent("n1")))
	require.NoError(t, queue.Enqueue(context.TODO(), intent("n2")))

	require.Eventually(t, func() bool {
		return len(deliverer.deliveredIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"n2"}, deliverer.deliveredIDs())

	stats := queue.Stats()
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 1, stats.Failed)
}

func TestQueueDropsWhenFull(t *testing.T) {
	deliverer := newCaptureDeliverer()
	queue, err := notify.NewQueue(notify.QueueConfig{Deliverer: deliverer, BufferSize: 1})
	require.NoError(t, err)

	// No consumer running: the second intent does not fit and is dropped
	// without blocking.
	require.NoError(t, queue.Enqueue(context.TODO(), intent("n1")))
	require.NoError(t, queue.Enqueue(context.TODO(), intent("n2")))

	stats := queue.Stats()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Dropped)
}
