package vote

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/repository"
)

// ErrNotFound is returned when no vote exists for a (submission, identity) pair.
var ErrNotFound = errors.New("vote not found")

// Record is one identity's feedback on one submission, with a bounded number
// of value changes.
type Record struct {
	SubmissionID int64
	IdentityID   int64
	Value        int16
	Changes      int
	FirstVotedAt time.Time
	LastVotedAt  time.Time
}

// Repository handles operations on the votes table. The mutating methods take
// a DBTX so the ledger service can run the read-decide-write cycle inside one
// transaction.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new vote repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log),
	}
}

// GetForUpdate loads a vote record and locks it for the rest of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, q repository.DBTX, submissionID, identityID int64) (*Record, error) {
	rec := &Record{}
	err := q.QueryRowContext(ctx,
		`SELECT submission_id, identity_id, value, changes, first_voted_at, last_voted_at
		 FROM votes
		 WHERE submission_id = $1 AND identity_id = $2
		 FOR UPDATE`,
		submissionID, identityID,
	).Scan(
		&rec.SubmissionID, &rec.IdentityID, &rec.Value,
		&rec.Changes, &rec.FirstVotedAt, &rec.LastVotedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Insert creates the first vote for a pair with changes = 0.
func (r *Repository) Insert(ctx context.Context, q repository.DBTX, submissionID, identityID int64, value int16) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO votes (submission_id, identity_id, value)
		 VALUES ($1, $2, $3)`,
		submissionID, identityID, value,
	)
	return err
}

// Update rewrites the current value, bumps the change counter, and refreshes
// the last-vote timestamp.
func (r *Repository) Update(ctx context.Context, q repository.DBTX, submissionID, identityID int64, value int16, changes int) error {
	_, err := q.ExecContext(ctx,
		`UPDATE votes
		 SET value = $3, changes = $4, last_voted_at = NOW()
		 WHERE submission_id = $1 AND identity_id = $2`,
		submissionID, identityID, value, changes,
	)
	return err
}

// CountByValue tallies current votes for a submission by scanning the ledger.
func (r *Repository) CountByValue(ctx context.Context, submissionID int64) (likes, dislikes int64, err error) {
	err = r.GetDB().QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE value = 1),
			COUNT(*) FILTER (WHERE value = -1)
		 FROM votes WHERE submission_id = $1`,
		submissionID,
	).Scan(&likes, &dislikes)
	return likes, dislikes, err
}
