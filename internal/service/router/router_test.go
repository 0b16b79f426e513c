package router

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/queue"
)

type fakeAcker struct {
	acks  atomic.Int32
	nacks atomic.Int32
}

func (f *fakeAcker) Ack(_ uint64, _ bool) error {
	f.acks.Add(1)
	return nil
}

func (f *fakeAcker) Nack(_ uint64, _ bool, _ bool) error {
	f.nacks.Add(1)
	return nil
}

func (f *fakeAcker) Reject(_ uint64, _ bool) error {
	f.nacks.Add(1)
	return nil
}

func TestAwaitReceivesDeliveredAnswer(t *testing.T) {
	r := New(time.Second, zap.NewNop())

	item := queue.ResultItem{
		SubmissionID: 42,
		IdentityID:   7,
		Question:     "When is the registration deadline?",
		Answer:       "The deadline is the last Friday of September.",
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := r.Await(context.Background(), 42)
		assert.NoError(t, err)
		assert.Equal(t, item, got)
	}()

	// Wait for the waiter to register before delivering.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.waiters[42]
		return ok
	}, time.Second, time.Millisecond)

	assert.True(t, r.Deliver(item))
	<-done
}

func TestAwaitTimesOut(t *testing.T) {
	r := New(10*time.Millisecond, zap.NewNop())

	_, err := r.Await(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTimeout)

	// The waiter entry is gone: a late result finds nobody.
	assert.False(t, r.Deliver(queue.ResultItem{SubmissionID: 42}))
}

func TestAwaitContextCanceled(t *testing.T) {
	r := New(time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Await(ctx, 42)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeliverWithoutWaiter(t *testing.T) {
	r := New(time.Second, zap.NewNop())
	assert.False(t, r.Deliver(queue.ResultItem{SubmissionID: 99}))
}

func TestDeliverConsumesWaiterOnce(t *testing.T) {
	r := New(time.Second, zap.NewNop())
	ch := r.register(42)

	assert.True(t, r.Deliver(queue.ResultItem{SubmissionID: 42, Answer: "first"}))
	assert.False(t, r.Deliver(queue.ResultItem{SubmissionID: 42, Answer: "second"}))

	got := <-ch
	assert.Equal(t, "first", got.Answer)
}

func TestRunAcksAndHandsOff(t *testing.T) {
	r := New(time.Second, zap.NewNop())
	acker := &fakeAcker{}

	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`{"submission_id":42,"identity_id":7,"answer":"ok"}`),
	}
	// Malformed payload: dropped with an ack, never requeued.
	deliveries <- amqp.Delivery{
		Acknowledger: acker,
		Body:         []byte(`not json`),
	}

	ch := r.register(42)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, deliveries)
	}()

	got := <-ch
	assert.Equal(t, int64(42), got.SubmissionID)
	assert.Equal(t, "ok", got.Answer)

	require.Eventually(t, func() bool { return acker.acks.Load() == 2 }, time.Second, time.Millisecond)
	assert.Zero(t, acker.nacks.Load())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	r := New(time.Second, zap.NewNop())

	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	err := r.Run(context.Background(), deliveries)
	assert.Error(t, err)
}
