// Package dedup clusters near-identical texts and maintains one canonical
// original per cluster.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/metrics"
)

// ErrMarkingFailed is returned when cluster re-pointing could not be
// persisted. The new item stays unflagged so it reads as not-yet-scanned
// rather than falsely canonical.
var ErrMarkingFailed = errors.New("duplicate marking failed")

// Candidate is one existing text the scanner compares against.
type Candidate struct {
	ID   int64
	Text string
}

// Member pairs an item with its similarity against the cluster canonical.
type Member struct {
	ID         int64
	Similarity float64
}

// Corpus abstracts the two deduplicated collections (submission questions and
// training-record answers) behind the operations a scan needs.
type Corpus interface {
	// Candidates returns the comparison set for a new item, excluding the
	// item itself.
	Candidates(ctx context.Context, exclude int64) ([]Candidate, error)
	// TextByID fetches the comparison text of one item.
	TextByID(ctx context.Context, id int64) (string, error)
	// CanonicalOf reports the canonical reference of an item, if it is
	// currently flagged as a duplicate.
	CanonicalOf(ctx context.Context, id int64) (int64, bool, error)
	// ClusterMembers lists items currently pointing at the given canonical.
	ClusterMembers(ctx context.Context, canonicalID int64) ([]int64, error)
	// MarkCluster transactionally re-points every member at the canonical.
	MarkCluster(ctx context.Context, canonicalID int64, members []Member) error
}

// Config carries the two similarity thresholds. The question threshold is
// lower to surface more near-duplicates for human review; the answer
// threshold is higher so only near-verbatim repeats are flagged.
type Config struct {
	QuestionThreshold float64
	AnswerThreshold   float64
}

// Scanner runs duplicate detection over both corpora.
type Scanner struct {
	questions Corpus
	answers   Corpus
	cfg       Config
	log       *zap.Logger
}

// NewScanner creates a scanner over the given corpora.
func NewScanner(questions, answers Corpus, cfg Config, log *zap.Logger) *Scanner {
	return &Scanner{
		questions: questions,
		answers:   answers,
		cfg:       cfg,
		log:       log.With(zap.String("module", "dedup")),
	}
}

// ScanQuestion checks a submission's question against the recent corpus and
// records cluster membership. Returns whether a duplicate was found.
func (s *Scanner) ScanQuestion(ctx context.Context, id int64, text string) (bool, error) {
	found, err := s.scan(ctx, s.questions, s.cfg.QuestionThreshold, id, text)
	if found {
		metrics.DuplicatesTotal.WithLabelValues("question").Inc()
	}
	return found, err
}

// ScanAnswer checks a training record's answer against the full answer corpus
// and records cluster membership. Returns whether a duplicate was found.
func (s *Scanner) ScanAnswer(ctx context.Context, id int64, text string) (bool, error) {
	found, err := s.scan(ctx, s.answers, s.cfg.AnswerThreshold, id, text)
	if found {
		metrics.DuplicatesTotal.WithLabelValues("answer").Inc()
	}
	return found, err
}

func (s *Scanner) scan(ctx context.Context, corpus Corpus, threshold float64, newID int64, newText string) (bool, error) {
	candidates, err := corpus.Candidates(ctx, newID)
	if err != nil {
		return false, fmt.Errorf("loading candidates: %w", err)
	}

	texts := map[int64]string{newID: newText}
	var matched []int64
	for _, c := range candidates {
		if c.ID == newID {
			continue
		}
		if Similarity(newText, c.Text) >= threshold {
			matched = append(matched, c.ID)
			texts[c.ID] = c.Text
		}
	}
	if len(matched) == 0 {
		return false, nil
	}

	cluster, err := s.expandCluster(ctx, corpus, newID, matched)
	if err != nil {
		return false, err
	}

	canonical := newID
	for id := range cluster {
		if id < canonical {
			canonical = id
		}
	}

	canonText, err := s.textOf(ctx, corpus, texts, canonical)
	if err != nil {
		return false, err
	}

	members := make([]Member, 0, len(cluster))
	for id := range cluster {
		if id == canonical {
			continue
		}
		text, err := s.textOf(ctx, corpus, texts, id)
		if err != nil {
			return false, err
		}
		members = append(members, Member{ID: id, Similarity: Similarity(canonText, text)})
	}

	if err := corpus.MarkCluster(ctx, canonical, members); err != nil {
		s.log.Error("cluster re-point failed",
			zap.Int64("canonical", canonical),
			zap.Int64("new_id", newID),
			zap.Error(err),
		)
		return false, fmt.Errorf("%w: %v", ErrMarkingFailed, err)
	}

	s.log.Info("duplicate cluster updated",
		zap.Int64("new_id", newID),
		zap.Int64("canonical", canonical),
		zap.Int("members", len(members)),
	)
	return true, nil
}

// expandCluster closes the matched set over existing cluster structure: a
// matched item drags in its current canonical and every sibling, and a matched
// canonical drags in its whole cluster. That is what keeps re-pointing flat
// when an even-older original shows up late.
func (s *Scanner) expandCluster(ctx context.Context, corpus Corpus, newID int64, matched []int64) (map[int64]struct{}, error) {
	cluster := map[int64]struct{}{newID: {}}
	queue := append([]int64(nil), matched...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := cluster[id]; ok {
			continue
		}
		cluster[id] = struct{}{}

		if canon, isDup, err := corpus.CanonicalOf(ctx, id); err != nil {
			return nil, fmt.Errorf("resolving canonical of %d: %w", id, err)
		} else if isDup {
			queue = append(queue, canon)
		}

		siblings, err := corpus.ClusterMembers(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("listing cluster of %d: %w", id, err)
		}
		queue = append(queue, siblings...)
	}
	return cluster, nil
}

func (s *Scanner) textOf(ctx context.Context, corpus Corpus, cache map[int64]string, id int64) (string, error) {
	if t, ok := cache[id]; ok {
		return t, nil
	}
	t, err := corpus.TextByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("fetching text of %d: %w", id, err)
	}
	cache[id] = t
	return t, nil
}
