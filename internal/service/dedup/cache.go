package dedup

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	pkgredis "github.com/campusai/qbridge/pkg/redis"
)

const recentQuestionsKey = "qbridge:recent:questions"

// sep keeps ids and texts apart in cache entries; it never survives Clean.
const sep = "\x1f"

// RecentCache keeps the most recent question texts in a capped Redis list so
// the common scan path skips the store entirely. Misses and errors fall back
// to the store, so the cache is never load-bearing.
type RecentCache struct {
	client *pkgredis.Client
	limit  int
}

// NewRecentCache creates a recent-question cache capped at limit entries.
func NewRecentCache(client *pkgredis.Client, limit int) *RecentCache {
	return &RecentCache{client: client, limit: limit}
}

// Remember pushes one question onto the head of the list and trims to the cap.
func (c *RecentCache) Remember(ctx context.Context, id int64, text string) error {
	entry := fmt.Sprintf("%d%s%s", id, sep, text)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, recentQuestionsKey, entry)
	pipe.LTrim(ctx, recentQuestionsKey, 0, int64(c.limit-1))
	_, err := pipe.Exec(ctx)
	return err
}

// Recent returns the cached candidates, newest first.
func (c *RecentCache) Recent(ctx context.Context) ([]Candidate, error) {
	entries, err := c.client.LRange(ctx, recentQuestionsKey, 0, int64(c.limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		rawID, text, ok := strings.Cut(e, sep)
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Candidate{ID: id, Text: text})
	}
	return out, nil
}
