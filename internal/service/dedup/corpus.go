package dedup

import (
	"context"

	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/repository/submission"
	"github.com/campusai/qbridge/internal/repository/training"
)

// SubmissionStore is the slice of the submission repository the question
// corpus needs.
type SubmissionStore interface {
	GetByID(ctx context.Context, id int64) (*submission.Submission, error)
	ListRecent(ctx context.Context, exclude int64, limit int) ([]submission.Candidate, error)
	ListCluster(ctx context.Context, canonicalID int64) ([]int64, error)
	MarkDuplicateCluster(ctx context.Context, canonicalID int64, members []submission.ClusterMember) error
}

// TrainingStore is the slice of the training repository the answer corpus needs.
type TrainingStore interface {
	GetByID(ctx context.Context, id int64) (*training.Record, error)
	ListAnswers(ctx context.Context, exclude int64) ([]training.Candidate, error)
	ListCluster(ctx context.Context, canonicalID int64) ([]int64, error)
	MarkDuplicateCluster(ctx context.Context, canonicalID int64, members []training.ClusterMember) error
}

// QuestionCorpus compares submission questions against a bounded recency
// window, optionally served from the Redis cache.
type QuestionCorpus struct {
	store SubmissionStore
	cache *RecentCache
	limit int
	log   *zap.Logger
}

// NewQuestionCorpus creates the question-side corpus. cache may be nil.
func NewQuestionCorpus(store SubmissionStore, cache *RecentCache, limit int, log *zap.Logger) *QuestionCorpus {
	return &QuestionCorpus{store: store, cache: cache, limit: limit, log: log}
}

func (c *QuestionCorpus) Candidates(ctx context.Context, exclude int64) ([]Candidate, error) {
	if c.cache != nil {
		cached, err := c.cache.Recent(ctx)
		if err != nil {
			c.log.Warn("recent-question cache unavailable, using store", zap.Error(err))
		} else if len(cached) > 0 {
			out := cached[:0]
			for _, cand := range cached {
				if cand.ID != exclude {
					out = append(out, cand)
				}
			}
			return out, nil
		}
	}
	recent, err := c.store.ListRecent(ctx, exclude, c.limit)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(recent))
	for _, r := range recent {
		out = append(out, Candidate{ID: r.ID, Text: r.Text})
	}
	return out, nil
}

func (c *QuestionCorpus) TextByID(ctx context.Context, id int64) (string, error) {
	s, err := c.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Question, nil
}

func (c *QuestionCorpus) CanonicalOf(ctx context.Context, id int64) (int64, bool, error) {
	s, err := c.store.GetByID(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if !s.CanonicalID.Valid {
		return 0, false, nil
	}
	return s.CanonicalID.Int64, true, nil
}

func (c *QuestionCorpus) ClusterMembers(ctx context.Context, canonicalID int64) ([]int64, error) {
	return c.store.ListCluster(ctx, canonicalID)
}

func (c *QuestionCorpus) MarkCluster(ctx context.Context, canonicalID int64, members []Member) error {
	converted := make([]submission.ClusterMember, 0, len(members))
	for _, m := range members {
		converted = append(converted, submission.ClusterMember{ID: m.ID, Similarity: m.Similarity})
	}
	return c.store.MarkDuplicateCluster(ctx, canonicalID, converted)
}

// Remember records a freshly answered question in the recency cache.
func (c *QuestionCorpus) Remember(ctx context.Context, id int64, text string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Remember(ctx, id, text); err != nil {
		c.log.Warn("failed to cache recent question", zap.Int64("id", id), zap.Error(err))
	}
}

// AnswerCorpus compares training-record answers against the full corpus.
type AnswerCorpus struct {
	store TrainingStore
}

// NewAnswerCorpus creates the answer-side corpus.
func NewAnswerCorpus(store TrainingStore) *AnswerCorpus {
	return &AnswerCorpus{store: store}
}

func (c *AnswerCorpus) Candidates(ctx context.Context, exclude int64) ([]Candidate, error) {
	answers, err := c.store.ListAnswers(ctx, exclude)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(answers))
	for _, a := range answers {
		out = append(out, Candidate{ID: a.ID, Text: a.Text})
	}
	return out, nil
}

func (c *AnswerCorpus) TextByID(ctx context.Context, id int64) (string, error) {
	rec, err := c.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Answer, nil
}

func (c *AnswerCorpus) CanonicalOf(ctx context.Context, id int64) (int64, bool, error) {
	rec, err := c.store.GetByID(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if !rec.CanonicalID.Valid {
		return 0, false, nil
	}
	return rec.CanonicalID.Int64, true, nil
}

func (c *AnswerCorpus) ClusterMembers(ctx context.Context, canonicalID int64) ([]int64, error) {
	return c.store.ListCluster(ctx, canonicalID)
}

func (c *AnswerCorpus) MarkCluster(ctx context.Context, canonicalID int64, members []Member) error {
	converted := make([]training.ClusterMember, 0, len(members))
	for _, m := range members {
		converted = append(converted, training.ClusterMember{ID: m.ID, Similarity: m.Similarity})
	}
	return c.store.MarkDuplicateCluster(ctx, canonicalID, converted)
}
