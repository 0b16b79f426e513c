// Package router matches asynchronous answer messages back to the callers
// waiting on them.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/metrics"
	"github.com/campusai/qbridge/internal/queue"
)

// ErrTimeout is returned when no answer arrives within the configured bound.
// The caller shows the fallback text; the worker's answer still lands in the
// store and stays discoverable by direct lookup.
var ErrTimeout = errors.New("timed out waiting for answer")

// FallbackAnswer is the caller-facing text for a timed-out wait.
const FallbackAnswer = "Sorry, I cannot generate a response at the moment. Please try again later."

// Router correlates results to waiters through a wait table keyed by
// submission id. Each entry is a single-shot channel: set at most once by
// Deliver, received at most once by Await. At most one caller waits per
// submission id.
type Router struct {
	mu      sync.Mutex
	waiters map[int64]chan queue.ResultItem
	timeout time.Duration
	log     *zap.Logger
}

// New creates a router with the given wait bound.
func New(timeout time.Duration, log *zap.Logger) *Router {
	return &Router{
		waiters: make(map[int64]chan queue.ResultItem),
		timeout: timeout,
		log:     log.With(zap.String("module", "router")),
	}
}

func (r *Router) register(submissionID int64) chan queue.ResultItem {
	ch := make(chan queue.ResultItem, 1)
	r.mu.Lock()
	if _, exists := r.waiters[submissionID]; exists {
		r.log.Warn("replacing existing waiter", zap.Int64("submission_id", submissionID))
	}
	r.waiters[submissionID] = ch
	r.mu.Unlock()
	return ch
}

func (r *Router) unregister(submissionID int64, ch chan queue.ResultItem) {
	r.mu.Lock()
	if cur, ok := r.waiters[submissionID]; ok && cur == ch {
		delete(r.waiters, submissionID)
	}
	r.mu.Unlock()
}

// Await blocks until the answer for the submission arrives, the wait bound
// expires, or the context is canceled.
func (r *Router) Await(ctx context.Context, submissionID int64) (queue.ResultItem, error) {
	ch := r.register(submissionID)
	defer r.unregister(submissionID, ch)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case item := <-ch:
		return item, nil
	case <-timer.C:
		metrics.AnswerTimeouts.Inc()
		r.log.Warn("answer wait timed out", zap.Int64("submission_id", submissionID))
		return queue.ResultItem{}, ErrTimeout
	case <-ctx.Done():
		return queue.ResultItem{}, ctx.Err()
	}
}

// Deliver completes the waiter for the result's submission id, if one exists.
// Returns whether a waiter consumed the result. Undelivered results are
// dropped: the worker already persisted the answer.
func (r *Router) Deliver(item queue.ResultItem) bool {
	r.mu.Lock()
	ch, ok := r.waiters[item.SubmissionID]
	if ok {
		delete(r.waiters, item.SubmissionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- item // buffered, set exactly once
	return true
}

// Run consumes the answers queue until the context ends or the delivery
// channel closes. Every message is acknowledged after the hand-off attempt:
// the answer was durable before it was published, so a missing waiter loses
// nothing.
func (r *Router) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, open := <-deliveries:
			if !open {
				return errors.New("answers channel closed")
			}
			var item queue.ResultItem
			if err := json.Unmarshal(d.Body, &item); err != nil {
				// Deterministic failure: drop rather than loop forever.
				r.log.Error("malformed answer message dropped", zap.Error(err))
				if err := d.Ack(false); err != nil {
					r.log.Warn("ack failed", zap.Error(err))
				}
				continue
			}

			consumed := r.Deliver(item)
			if !consumed {
				r.log.Debug("no waiter for answer",
					zap.Int64("submission_id", item.SubmissionID))
			}
			if err := d.Ack(false); err != nil {
				r.log.Warn("ack failed",
					zap.Int64("submission_id", item.SubmissionID),
					zap.Error(err),
				)
			}
		}
	}
}
