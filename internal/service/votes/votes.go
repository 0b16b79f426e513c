// Package votes tracks per-identity feedback on submissions with a hard cap
// on how many times a vote may change.
package votes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/metrics"
	"github.com/campusai/qbridge/internal/repository"
	"github.com/campusai/qbridge/internal/repository/vote"
)

// Value is a feedback value.
type Value int16

const (
	// Upvote marks an answer as helpful.
	Upvote Value = 1
	// Downvote marks an answer as unhelpful.
	Downvote Value = -1
)

// Valid reports whether the value is one of the two defined votes.
func (v Value) Valid() bool {
	switch v {
	case Upvote, Downvote:
		return true
	}
	return false
}

// ChangeCap is the maximum number of times one identity may change its vote
// on one submission. The first vote does not count as a change.
const ChangeCap = 2

// ErrInvalidValue is returned for vote values outside {+1, -1}.
var ErrInvalidValue = errors.New("invalid vote value")

// Receipt reports the outcome of a cast. Rejections are outcomes, not errors.
type Receipt struct {
	Accepted         bool   `json:"accepted"`
	Message          string `json:"message"`
	ChangesRemaining int    `json:"changes_remaining"`
}

// Stats aggregates the current ledger state for one submission. Always
// computed by counting records, never from running counters.
type Stats struct {
	Likes    int64 `json:"likes"`
	Dislikes int64 `json:"dislikes"`
	Total    int64 `json:"total"`
	Score    int64 `json:"score"`
}

// VoteStore is the slice of the vote repository the ledger needs.
type VoteStore interface {
	GetForUpdate(ctx context.Context, q repository.DBTX, submissionID, identityID int64) (*vote.Record, error)
	Insert(ctx context.Context, q repository.DBTX, submissionID, identityID int64, value int16) error
	Update(ctx context.Context, q repository.DBTX, submissionID, identityID int64, value int16, changes int) error
	CountByValue(ctx context.Context, submissionID int64) (likes, dislikes int64, err error)
}

// SubmissionMarker mirrors the latest accepted value onto the submission row.
type SubmissionMarker interface {
	SetVote(ctx context.Context, q repository.DBTX, id int64, value int16) error
}

// TxRunner executes a function within one transaction so a cast is never
// partially visible.
type TxRunner func(ctx context.Context, fn func(repository.DBTX) error) error

// Ledger applies the bounded-mutation voting rules.
type Ledger struct {
	votes VoteStore
	subs  SubmissionMarker
	runTx TxRunner
	log   *zap.Logger
}

// NewLedger creates a vote ledger.
func NewLedger(votes VoteStore, subs SubmissionMarker, runTx TxRunner, log *zap.Logger) *Ledger {
	return &Ledger{
		votes: votes,
		subs:  subs,
		runTx: runTx,
		log:   log.With(zap.String("module", "votes")),
	}
}

// CastVote registers feedback from one identity on one submission.
//
// State machine per pair: NoVote -> Voted(changes=0), then each accepted
// different-value cast increments changes until ChangeCap, after which the
// record is terminal. Recasting the current value is rejected without
// consuming a change.
func (l *Ledger) CastVote(ctx context.Context, submissionID, identityID int64, value Value) (Receipt, error) {
	if !value.Valid() {
		return Receipt{}, fmt.Errorf("%w: %d", ErrInvalidValue, value)
	}

	var receipt Receipt
	err := l.runTx(ctx, func(q repository.DBTX) error {
		rec, err := l.votes.GetForUpdate(ctx, q, submissionID, identityID)
		switch {
		case errors.Is(err, vote.ErrNotFound):
			if err := l.votes.Insert(ctx, q, submissionID, identityID, int16(value)); err != nil {
				return err
			}
			if err := l.subs.SetVote(ctx, q, submissionID, int16(value)); err != nil {
				return err
			}
			receipt = Receipt{Accepted: true, Message: "vote recorded", ChangesRemaining: ChangeCap}
			return nil
		case err != nil:
			return err
		}

		remaining := ChangeCap - rec.Changes
		if rec.Value == int16(value) {
			receipt = Receipt{Message: "you already voted this way", ChangesRemaining: remaining}
			return nil
		}
		if rec.Changes >= ChangeCap {
			receipt = Receipt{Message: "no vote changes left", ChangesRemaining: 0}
			return nil
		}

		if err := l.votes.Update(ctx, q, submissionID, identityID, int16(value), rec.Changes+1); err != nil {
			return err
		}
		if err := l.subs.SetVote(ctx, q, submissionID, int16(value)); err != nil {
			return err
		}
		receipt = Receipt{Accepted: true, Message: "vote updated", ChangesRemaining: remaining - 1}
		return nil
	})
	if err != nil {
		return Receipt{}, err
	}

	switch {
	case receipt.Accepted:
		metrics.VotesTotal.WithLabelValues("accepted").Inc()
	case receipt.ChangesRemaining == 0 && receipt.Message == "no vote changes left":
		metrics.VotesTotal.WithLabelValues("capped").Inc()
	default:
		metrics.VotesTotal.WithLabelValues("unchanged").Inc()
	}

	l.log.Debug("vote processed",
		zap.Int64("submission_id", submissionID),
		zap.Int64("identity_id", identityID),
		zap.Bool("accepted", receipt.Accepted),
		zap.Int("changes_remaining", receipt.ChangesRemaining),
	)
	return receipt, nil
}

// GetStats tallies the ledger for one submission.
func (l *Ledger) GetStats(ctx context.Context, submissionID int64) (Stats, error) {
	likes, dislikes, err := l.votes.CountByValue(ctx, submissionID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Likes:    likes,
		Dislikes: dislikes,
		Total:    likes + dislikes,
		Score:    likes - dislikes,
	}, nil
}

// NewDBTxRunner adapts the repository transaction helper into a TxRunner.
func NewDBTxRunner(db *sql.DB) TxRunner {
	return func(ctx context.Context, fn func(repository.DBTX) error) error {
		return repository.WithTransaction(ctx, db, func(tx *sql.Tx) error {
			return fn(tx)
		})
	}
}
