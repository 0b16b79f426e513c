// Package worker consumes the questions queue, invokes the inference engine,
// and publishes results.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/metrics"
	"github.com/campusai/qbridge/internal/queue"
	"github.com/campusai/qbridge/internal/repository/submission"
)

// State is the worker lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateProcessing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// ErrNotReady is returned when Run is called before a successful Load.
var ErrNotReady = errors.New("worker is not ready")

// Engine is the external text-generation engine.
type Engine interface {
	Load(ctx context.Context) error
	Generate(ctx context.Context, prompt string) (string, error)
}

// SubmissionStore is the slice of the submission repository the worker needs.
type SubmissionStore interface {
	GetByID(ctx context.Context, id int64) (*submission.Submission, error)
	UpdateAnswer(ctx context.Context, id int64, answer string) error
}

// ResultPublisher enqueues result items for the correlation router.
type ResultPublisher interface {
	PublishResult(ctx context.Context, item queue.ResultItem) error
}

// QuestionScanner runs duplicate detection on a newly answered submission.
type QuestionScanner interface {
	ScanQuestion(ctx context.Context, id int64, text string) (bool, error)
}

// RetryPolicy bounds the submission lookup that absorbs write-visibility lag
// between the gateway's commit and the queue delivery. Injected so tests can
// use zero delays.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(attempts-1)),
		ctx,
	)
}

// Worker is the single-threaded inference worker loop. Horizontal scaling is
// more worker processes, each with its own prefetch=1 consumer, not threads.
type Worker struct {
	engine      Engine
	subs        SubmissionStore
	pub         ResultPublisher
	scanner     QuestionScanner
	lookupRetry RetryPolicy
	state       atomic.Int32
	log         *zap.Logger
}

// New creates a worker. scanner may be nil to disable duplicate scanning.
func New(engine Engine, subs SubmissionStore, pub ResultPublisher, scanner QuestionScanner, lookupRetry RetryPolicy, log *zap.Logger) *Worker {
	return &Worker{
		engine:      engine,
		subs:        subs,
		pub:         pub,
		scanner:     scanner,
		lookupRetry: lookupRetry,
		log:         log.With(zap.String("module", "worker")),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Load brings the engine up. A worker whose engine fails to load must never
// consume work it cannot serve; the caller is expected to exit non-zero.
func (w *Worker) Load(ctx context.Context) error {
	w.state.Store(int32(StateLoading))
	w.log.Info("loading inference engine")
	if err := w.engine.Load(ctx); err != nil {
		w.state.Store(int32(StateStopped))
		return fmt.Errorf("engine load failed: %w", err)
	}
	w.state.Store(int32(StateReady))
	w.log.Info("inference engine ready")
	return nil
}

// Run consumes deliveries until the context ends or the channel closes.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	if w.State() != StateReady {
		return ErrNotReady
	}
	defer w.state.Store(int32(StateStopped))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, open := <-deliveries:
			if !open {
				return errors.New("questions channel closed")
			}
			w.state.Store(int32(StateProcessing))
			w.handle(ctx, d)
			w.state.Store(int32(StateReady))
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var item queue.WorkItem
	if err := json.Unmarshal(d.Body, &item); err != nil {
		// Deterministic failure: drop rather than loop forever.
		w.log.Error("malformed work item dropped", zap.Error(err))
		w.ack(d)
		return
	}
	log := w.log.With(zap.Int64("submission_id", item.SubmissionID))

	sub, err := w.lookup(ctx, item.SubmissionID)
	switch {
	case errors.Is(err, submission.ErrNotFound):
		// Lost reference: the row never became visible. Not fatal.
		metrics.LostReferences.Inc()
		log.Error("submission not found after retries, dropping work item")
		w.ack(d)
		return
	case err != nil:
		log.Error("submission lookup failed, requeueing", zap.Error(err))
		w.nack(d)
		return
	}

	start := time.Now()
	answer, err := w.engine.Generate(ctx, item.Question)
	if err != nil {
		log.Error("generation failed, requeueing", zap.Error(err))
		w.nack(d)
		return
	}
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	// The answer must be durable before the message is acknowledged. A crash
	// after this write causes redelivery and an idempotent re-generation.
	if err := w.subs.UpdateAnswer(ctx, item.SubmissionID, answer); err != nil {
		log.Error("answer persist failed, requeueing", zap.Error(err))
		w.nack(d)
		return
	}

	result := queue.ResultItem{
		SubmissionID: item.SubmissionID,
		IdentityID:   item.IdentityID,
		Question:     item.Question,
		Answer:       answer,
		ThreadID:     item.ThreadID,
	}
	if err := w.pub.PublishResult(ctx, result); err != nil {
		log.Error("result publish failed, requeueing", zap.Error(err))
		w.nack(d)
		return
	}

	metrics.AnswersTotal.Inc()
	w.ack(d)
	log.Info("answer published",
		zap.Duration("inference_time", time.Since(start)),
		zap.Int("answer_length", len(answer)),
	)

	if w.scanner != nil {
		if _, err := w.scanner.ScanQuestion(ctx, item.SubmissionID, sub.Question); err != nil {
			// Marking failures leave the submission unflagged; not escalated.
			log.Warn("duplicate scan failed", zap.Error(err))
		}
	}
}

// lookup retries the submission read to absorb write-visibility lag.
func (w *Worker) lookup(ctx context.Context, id int64) (*submission.Submission, error) {
	var sub *submission.Submission
	err := backoff.Retry(func() error {
		var err error
		sub, err = w.subs.GetByID(ctx, id)
		if err != nil && !errors.Is(err, submission.ErrNotFound) {
			// Only the not-yet-visible case is worth waiting out.
			return backoff.Permanent(err)
		}
		return err
	}, w.lookupRetry.backOff(ctx))
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.log.Warn("ack failed", zap.Error(err))
	}
}

func (w *Worker) nack(d amqp.Delivery) {
	if err := d.Nack(false, true); err != nil {
		w.log.Warn("nack failed", zap.Error(err))
	}
}
