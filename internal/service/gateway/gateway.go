// Package gateway accepts questions, persists them, and hands them to the
// durable work queue.
package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/metrics"
	"github.com/campusai/qbridge/internal/queue"
	"github.com/campusai/qbridge/internal/repository/submission"
)

var (
	// ErrPersistence is returned when the submission row cannot be written.
	// Nothing is published in that case.
	ErrPersistence = errors.New("failed to persist submission")
	// ErrQueueUnavailable is returned when the row was committed but the work
	// item could not be published. The submission exists but is orphaned and
	// must be retried or expired externally.
	ErrQueueUnavailable = errors.New("work queue unavailable")
)

// SubmissionCreator is the slice of the submission repository the gateway needs.
type SubmissionCreator interface {
	Create(ctx context.Context, s *submission.Submission) (*submission.Submission, error)
}

// WorkPublisher enqueues work items for the inference worker.
type WorkPublisher interface {
	PublishWork(ctx context.Context, item queue.WorkItem) error
}

// Gateway is the work submission gateway.
type Gateway struct {
	subs SubmissionCreator
	pub  WorkPublisher
	log  *zap.Logger
}

// New creates a gateway.
func New(subs SubmissionCreator, pub WorkPublisher, log *zap.Logger) *Gateway {
	return &Gateway{
		subs: subs,
		pub:  pub,
		log:  log.With(zap.String("module", "gateway")),
	}
}

// Submit persists a new submission and publishes it to the questions queue.
// Returns the submission ID.
func (g *Gateway) Submit(ctx context.Context, identityID int64, text, language string, threadID int64) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("%w: empty question", ErrPersistence)
	}
	if language == "" {
		language = DetectLanguage(text)
	}

	s := &submission.Submission{
		IdentityID: identityID,
		Question:   text,
		Language:   sql.NullString{String: language, Valid: language != ""},
	}
	if threadID != 0 {
		s.ThreadID = sql.NullInt64{Int64: threadID, Valid: true}
	}

	if _, err := g.subs.Create(ctx, s); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	item := queue.WorkItem{
		SubmissionID: s.ID,
		IdentityID:   identityID,
		Question:     text,
		Language:     language,
		ThreadID:     threadID,
	}
	if err := g.pub.PublishWork(ctx, item); err != nil {
		// The row is committed; surface the orphan instead of hiding it.
		g.log.Error("submission persisted but not published",
			zap.Int64("submission_id", s.ID),
			zap.Error(err),
		)
		return s.ID, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	metrics.SubmissionsTotal.Inc()
	g.log.Info("submission accepted",
		zap.Int64("submission_id", s.ID),
		zap.Int64("identity_id", identityID),
		zap.String("language", language),
	)
	return s.ID, nil
}
