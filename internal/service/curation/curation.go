// Package curation promotes approved submissions into the training corpus.
package curation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/repository/training"
)

// SubmissionApprover is the slice of the submission repository curation needs.
type SubmissionApprover interface {
	SetApproved(ctx context.Context, id int64, approved bool) error
}

// TrainingStore promotes submissions into the curated set.
type TrainingStore interface {
	Promote(ctx context.Context, sourceID int64) (*training.Record, error)
}

// AnswerScanner runs answer-level duplicate detection on a new record.
type AnswerScanner interface {
	ScanAnswer(ctx context.Context, id int64, text string) (bool, error)
}

// Curator applies the approval workflow's systems side: flag, promote, scan.
type Curator struct {
	subs     SubmissionApprover
	training TrainingStore
	scanner  AnswerScanner
	log      *zap.Logger
}

// New creates a curator. scanner may be nil to disable answer deduplication.
func New(subs SubmissionApprover, trainingStore TrainingStore, scanner AnswerScanner, log *zap.Logger) *Curator {
	return &Curator{
		subs:     subs,
		training: trainingStore,
		scanner:  scanner,
		log:      log.With(zap.String("module", "curation")),
	}
}

// Approve marks a submission approved and promotes it into the training
// corpus. The promoted record's answer is scanned against the full corpus.
func (c *Curator) Approve(ctx context.Context, submissionID int64) (*training.Record, error) {
	if err := c.subs.SetApproved(ctx, submissionID, true); err != nil {
		return nil, fmt.Errorf("approving submission %d: %w", submissionID, err)
	}
	rec, err := c.training.Promote(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	c.log.Info("submission promoted",
		zap.Int64("submission_id", submissionID),
		zap.Int64("training_id", rec.ID),
	)

	if c.scanner != nil {
		if _, err := c.scanner.ScanAnswer(ctx, rec.ID, rec.Answer); err != nil {
			// The record stays unflagged; a later rescan can pick it up.
			c.log.Warn("answer duplicate scan failed",
				zap.Int64("training_id", rec.ID),
				zap.Error(err),
			)
		}
	}
	return rec, nil
}
