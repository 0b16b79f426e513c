package submission

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
	// ErrNotFound is returned when a submission cannot be found.
	ErrNotFound = errors.New("submission not found")
	// ErrCanonicalMissing is returned when a duplicate cluster references a
	// canonical row that no longer exists.
	ErrCanonicalMissing = errors.New("canonical submission missing")
)

// Submission is one question/answer interaction record.
type Submission struct {
	ID          int64
	IdentityID  int64
	Question    string
	Answer      sql.NullString
	Language    sql.NullString
	Vote        sql.NullInt16
	Approved    bool
	IsDuplicate bool
	CanonicalID sql.NullInt64
	Similarity  sql.NullFloat64
	ThreadID    sql.NullInt64
	CreatedAt   time.Time
	AnsweredAt  sql.NullTime
}

// Candidate is the slim projection used by the duplicate scanner.
type Candidate struct {
	ID   int64
	Text string
}

// ClusterMember pairs a submission with its similarity against the cluster canonical.
type ClusterMember struct {
	ID         int64
	Similarity float64
}

// Stats aggregates corpus-level counts. Computed by querying, never by
// maintaining running counters.
type Stats struct {
	Total      int64
	Answered   int64
	Approved   int64
	Duplicates int64
	Languages  map[string]int64
}

// Repository handles operations on the submissions table.
type Repository struct {
	*repository.BaseRepository
}

// NewRepository creates a new submission repository instance.
func NewRepository(db *sql.DB, log *zap.Logger) *Repository {
	return &Repository{
		BaseRepository: repository.NewBaseRepository(db, log),
	}
}

// Create inserts a new submission record. The answer fields stay null until the
// worker processes it.
func (r *Repository) Create(ctx context.Context, s *Submission) (*Submission, error) {
	err := r.GetDB().QueryRowContext(ctx,
		`INSERT INTO submissions (
			identity_id, question, language, thread_id
		) VALUES (
			$1, $2, $3, $4
		) RETURNING id, created_at`,
		s.IdentityID, s.Question, s.Language, s.ThreadID,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

const submissionColumns = `
	id, identity_id, question, answer, language, vote, approved,
	is_duplicate, canonical_id, similarity, thread_id, created_at, answered_at`

func scanSubmission(row *sql.Row) (*Submission, error) {
	s := &Submission{}
	err := row.Scan(
		&s.ID, &s.IdentityID, &s.Question, &s.Answer, &s.Language,
		&s.Vote, &s.Approved, &s.IsDuplicate, &s.CanonicalID,
		&s.Similarity, &s.ThreadID, &s.CreatedAt, &s.AnsweredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a submission by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Submission, error) {
	return scanSubmission(r.GetDB().QueryRowContext(ctx,
		`SELECT`+submissionColumns+` FROM submissions WHERE id = $1`, id))
}

// UpdateAnswer persists the generated answer and the answered timestamp.
// Overwriting an existing answer with the same content is harmless, which is
// what makes redelivered queue messages safe.
func (r *Repository) UpdateAnswer(ctx context.Context, id int64, answer string) error {
	res, err := r.GetDB().ExecContext(ctx,
		`UPDATE submissions SET answer = $2, answered_at = NOW() WHERE id = $1`,
		id, answer,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetApproved flips the approval flag.
func (r *Repository) SetApproved(ctx context.Context, id int64, approved bool) error {
	res, err := r.GetDB().ExecContext(ctx,
		`UPDATE submissions SET approved = $2 WHERE id = $1`, id, approved)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetVote records the latest accepted feedback value on the row itself. The
// per-identity ledger in the votes table stays authoritative.
func (r *Repository) SetVote(ctx context.Context, q repository.DBTX, id int64, value int16) error {
	_, err := q.ExecContext(ctx,
		`UPDATE submissions SET vote = $2 WHERE id = $1`, id, value)
	return err
}

// ListRecent returns the most recently created submissions, newest first,
// excluding the given ID. This bounds the duplicate scanner's candidate set.
func (r *Repository) ListRecent(ctx context.Context, exclude int64, limit int) ([]Candidate, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT id, question FROM submissions
		 WHERE id <> $1
		 ORDER BY id DESC
		 LIMIT $2`,
		exclude, limit,
	)
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

// ListCluster returns every member currently pointing at the given canonical.
func (r *Repository) ListCluster(ctx context.Context, canonicalID int64) ([]int64, error) {
	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT id FROM submissions WHERE canonical_id = $1 ORDER BY id`, canonicalID)
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
// transaction. The canonical itself is unflagged so pointers never chain, and
// the canonical row is locked first so a concurrent scan cannot interleave a
// conflicting re-point or delete.
func (r *Repository) MarkDuplicateCluster(ctx context.Context, canonicalID int64, members []ClusterMember) error {
	return repository.WithTransaction(ctx, r.GetDB(), func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM submissions WHERE id = $1 FOR UPDATE`, canonicalID,
		).Scan(&one)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrCanonicalMissing
			}
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE submissions
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
				`UPDATE submissions
				 SET is_duplicate = TRUE, canonical_id = $2, similarity = $3
				 WHERE id = $1`,
				m.ID, canonicalID, m.Similarity,
			); err != nil {
				return fmt.Errorf("re-pointing submission %d: %w", m.ID, err)
			}
		}
		return nil
	})
}

// GetStats computes aggregate corpus statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Languages: map[string]int64{}}
	err := r.GetDB().QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COUNT(answer),
			COUNT(*) FILTER (WHERE approved),
			COUNT(*) FILTER (WHERE is_duplicate)
		 FROM submissions`,
	).Scan(&stats.Total, &stats.Answered, &stats.Approved, &stats.Duplicates)
	if err != nil {
		return nil, err
	}

	rows, err := r.GetDB().QueryContext(ctx,
		`SELECT COALESCE(language, 'und'), COUNT(*) FROM submissions GROUP BY 1`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			r.GetLogger().Error("error closing rows", zap.Error(cerr))
		}
	}()
	for rows.Next() {
		var lang string
		var n int64
		if err := rows.Scan(&lang, &n); err != nil {
			return nil, err
		}
		stats.Languages[lang] = n
	}
	return stats, rows.Err()
}
