package training

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/repository"
)

var (
	// ErrNotFound is returned when a training record cannot be found.
	ErrNotFound = errors.New("training record not found")
	// ErrAlreadyPromoted is returned when the source submission already has a
	// training record.
	ErrAlreadyPromoted = errors.New("submission already promoted")
	// ErrSourceNotReady is returned when the source submission is missing,
	// unanswered, or not approved.
	ErrSourceNotReady = errors.New("submission not ready for promotion")
	// ErrCanonicalMissing mirrors the submission-side guard for dangling
	// canonical references.
	ErrCanonicalMissing = errors.New("canonical training record missing")
)

// Record is an approved submission promoted into the curated training corpus.
// Its duplicate-detection state is independent of the source submission and is
// computed over answers rather than questions.
type Record struct {
	ID          int64
	SourceID    int64
	Question    string
	Answer      string
	Language    sql.NullString
	IsDuplicate bool
	CanonicalID sql.NullInt64
	Similarity  sql.NullFloat64
	CreatedAt   time.Time
}

// Candidate is the slim projection used by the answer-duplicate scanner.
type Candidate struct {
	ID   int64
	Text string
}

// ClusterMember pairs a record with its similarity against the cluster canonical.
type ClusterMember struct {
	ID         int64
	Similarity float64
}

// Repository handles operations on the training_records table.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new training record repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log),
	}
}

// Promote copies an approved, answered submission into the training corpus.
// The read and the insert run in one transaction so a concurrent approval
// cannot produce two records for the same source.
func (r *Repository) Promote(ctx context.Context, sourceID int64) (*Record, error) {
	rec := &Record{SourceID: sourceID}
	err := repository.WithTransaction(ctx, r.GetDB(), func(tx *sql.Tx) error {
		var answer sql.NullString
		var approved bool
		err := tx.QueryRowContext(ctx,
			`SELECT question, answer, language, approved
			 FROM submissions WHERE id = $1 FOR SHARE`,
			sourceID,
		).Scan(&rec.Question, &answer, &rec.Language, &approved)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSourceNotReady
			}
			return err
		}
		if !answer.Valid || !approved {
			return ErrSourceNotReady
		}
		rec.Answer = answer.String

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM training_records WHERE source_id = $1)`,
			sourceID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrAlreadyPromoted
		}

		return tx.QueryRowContext(ctx,
			`INSERT INTO training_records (source_id, question, answer, language)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at`,
			rec.SourceID, rec.Question, rec.Answer, rec.Language,
		).Scan(&rec.ID, &rec.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByID retrieves a training record by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Record, error) {
	rec := &Record{}
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT id, source_id, question, answer, language,
			is_duplicate, canonical_id, similarity, created_at
		 FROM training_records WHERE id = $1`,
		id,
	).Scan(
		&rec.ID, &rec.SourceID, &rec.Question, &rec.Answer, &rec.Language,
		&rec.IsDuplicate, &rec.CanonicalID, &rec.Similarity, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListAnswers returns every answer in the corpus except the given record.
// Answer-level deduplication scans the full corpus, not a recency window.
func (r *Repository) ListAnswers(ctx context.Context, exclude int64) ([]Candidate, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT id, answer FROM training_records WHERE id <> $1 ORDER BY id`, exclude)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			r.GetLogger().Error("error closing rows", zap.Error(cerr))
		}
	}()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Text); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCluster returns every record currently pointing at the given canonical.
func (r *Repository) ListCluster(ctx context.Context, canonicalID int64) ([]int64, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT id FROM training_records WHERE canonical_id = $1 ORDER BY id`, canonicalID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			r.GetLogger().Error("error closing rows", zap.Error(cerr))
		}
	}()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkDuplicateCluster re-points every member at the canonical in a single
// transaction, unflagging the canonical so pointers never chain.
func (r *Repository) MarkDuplicateCluster(ctx context.Context, canonicalID int64, members []ClusterMember) error {
	return repository.WithTransaction(ctx, r.GetDB(), func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM training_records WHERE id = $1 FOR UPDATE`, canonicalID,
		).Scan(&one)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrCanonicalMissing
			}
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE training_records
			 SET is_duplicate = FALSE, canonical_id = NULL, similarity = NULL
			 WHERE id = $1`,
			canonicalID,
		); err != nil {
			return err
		}

		for _, m := range members {
			if m.ID == canonicalID {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE training_records
				 SET is_duplicate = TRUE, canonical_id = $2, similarity = $3
				 WHERE id = $1`,
				m.ID, canonicalID, m.Similarity,
			); err != nil {
				return fmt.Errorf("re-pointing training record %d: %w", m.ID, err)
			}
		}
		return nil
	})
}
