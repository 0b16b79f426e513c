package votes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/repository"
	"github.com/campusai/qbridge/internal/repository/vote"
)

type pairKey struct {
	submissionID int64
	identityID   int64
}

type fakeVoteStore struct {
	records map[pairKey]*vote.Record
}

func newFakeVoteStore() *fakeVoteStore {
	return &fakeVoteStore{records: map[pairKey]*vote.Record{}}
}

func (f *fakeVoteStore) GetForUpdate(_ context.Context, _ repository.DBTX, submissionID, identityID int64) (*vote.Record, error) {
	rec, ok := f.records[pairKey{submissionID, identityID}]
	if !ok {
		return nil, vote.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeVoteStore) Insert(_ context.Context, _ repository.DBTX, submissionID, identityID int64, value int16) error {
	now := time.Now()
	f.records[pairKey{submissionID, identityID}] = &vote.Record{
		SubmissionID: submissionID,
		IdentityID:   identityID,
		Value:        value,
		FirstVotedAt: now,
		LastVotedAt:  now,
	}
	return nil
}

func (f *fakeVoteStore) Update(_ context.Context, _ repository.DBTX, submissionID, identityID int64, value int16, changes int) error {
	rec := f.records[pairKey{submissionID, identityID}]
	rec.Value = value
	rec.Changes = changes
	rec.LastVotedAt = time.Now()
	return nil
}

func (f *fakeVoteStore) CountByValue(_ context.Context, submissionID int64) (int64, int64, error) {
	var likes, dislikes int64
	for k, rec := range f.records {
		if k.submissionID != submissionID {
			continue
		}
		switch rec.Value {
		case 1:
			likes++
		case -1:
			dislikes++
		}
	}
	return likes, dislikes, nil
}

type fakeMarker struct {
	lastValue map[int64]int16
}

func (f *fakeMarker) SetVote(_ context.Context, _ repository.DBTX, id int64, value int16) error {
	if f.lastValue == nil {
		f.lastValue = map[int64]int16{}
	}
	f.lastValue[id] = value
	return nil
}

func passthroughTx(ctx context.Context, fn func(repository.DBTX) error) error {
	return fn(nil)
}

func newTestLedger() (*Ledger, *fakeVoteStore, *fakeMarker) {
	store := newFakeVoteStore()
	marker := &fakeMarker{}
	return NewLedger(store, marker, passthroughTx, zap.NewNop()), store, marker
}

func TestCastVoteSequence(t *testing.T) {
	// U casts +1 (first vote), then -1, then +1, then -1: the first three are
	// accepted, the fourth hits the change cap.
	ledger, _, marker := newTestLedger()
	ctx := context.Background()

	r, err := ledger.CastVote(ctx, 5, 100, Upvote)
	require.NoError(t, err)
	assert.True(t, r.Accepted)
	assert.Equal(t, ChangeCap, r.ChangesRemaining)

	r, err = ledger.CastVote(ctx, 5, 100, Downvote)
	require.NoError(t, err)
	assert.True(t, r.Accepted)
	assert.Equal(t, 1, r.ChangesRemaining)

	r, err = ledger.CastVote(ctx, 5, 100, Upvote)
	require.NoError(t, err)
	assert.True(t, r.Accepted)
	assert.Equal(t, 0, r.ChangesRemaining)

	r, err = ledger.CastVote(ctx, 5, 100, Downvote)
	require.NoError(t, err)
	assert.False(t, r.Accepted)
	assert.Equal(t, 0, r.ChangesRemaining)
	assert.Equal(t, "no vote changes left", r.Message)

	assert.Equal(t, int16(1), marker.lastValue[5])
}

func TestCastVoteSameValueRejected(t *testing.T) {
	tests := []struct {
		name  string
		setup []Value
		cast  Value
	}{
		{
			name:  "immediately after first vote",
			setup: []Value{Upvote},
			cast:  Upvote,
		},
		{
			name:  "after one change",
			setup: []Value{Upvote, Downvote},
			cast:  Downvote,
		},
		{
			name:  "at the cap",
			setup: []Value{Upvote, Downvote, Upvote},
			cast:  Upvote,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, store, _ := newTestLedger()
			ctx := context.Background()
			for _, v := range tt.setup {
				_, err := ledger.CastVote(ctx, 5, 100, v)
				require.NoError(t, err)
			}
			before := *store.records[pairKey{5, 100}]

			r, err := ledger.CastVote(ctx, 5, 100, tt.cast)
			require.NoError(t, err)
			assert.False(t, r.Accepted)
			assert.Equal(t, "you already voted this way", r.Message)

			// A same-value recast never consumes a change.
			after := *store.records[pairKey{5, 100}]
			assert.Equal(t, before.Changes, after.Changes)
			assert.Equal(t, before.Value, after.Value)
		})
	}
}

func TestCastVoteInvalidValue(t *testing.T) {
	ledger, _, _ := newTestLedger()
	_, err := ledger.CastVote(context.Background(), 5, 100, Value(0))
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = ledger.CastVote(context.Background(), 5, 100, Value(2))
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestCastVoteIndependentPairs(t *testing.T) {
	// The cap applies per (submission, identity) pair.
	ledger, _, _ := newTestLedger()
	ctx := context.Background()

	for _, identity := range []int64{1, 2, 3} {
		r, err := ledger.CastVote(ctx, 5, identity, Upvote)
		require.NoError(t, err)
		assert.True(t, r.Accepted)
	}
	r, err := ledger.CastVote(ctx, 6, 1, Downvote)
	require.NoError(t, err)
	assert.True(t, r.Accepted)
	assert.Equal(t, ChangeCap, r.ChangesRemaining)
}

func TestGetStats(t *testing.T) {
	ledger, _, _ := newTestLedger()
	ctx := context.Background()

	require.NoError(t, castOK(ctx, ledger, 5, 1, Upvote))
	require.NoError(t, castOK(ctx, ledger, 5, 2, Upvote))
	require.NoError(t, castOK(ctx, ledger, 5, 3, Downvote))
	require.NoError(t, castOK(ctx, ledger, 9, 1, Downvote))

	stats, err := ledger.GetStats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, Stats{Likes: 2, Dislikes: 1, Total: 3, Score: 1}, stats)

	stats, err = ledger.GetStats(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, Stats{Likes: 0, Dislikes: 1, Total: 1, Score: -1}, stats)
}

func castOK(ctx context.Context, ledger *Ledger, submissionID, identityID int64, v Value) error {
	_, err := ledger.CastVote(ctx, submissionID, identityID, v)
	return err
}
