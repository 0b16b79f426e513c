package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/queue"
	"github.com/campusai/qbridge/internal/repository/submission"
)

type fakeCreator struct {
	nextID  int64
	created []*submission.Submission
	err     error
}

func (f *fakeCreator) Create(_ context.Context, s *submission.Submission) (*submission.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	s.ID = f.nextID
	f.created = append(f.created, s)
	return s, nil
}

type fakePublisher struct {
	items []queue.WorkItem
	err   error
}

func (f *fakePublisher) PublishWork(_ context.Context, item queue.WorkItem) error {
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

func TestSubmit(t *testing.T) {
	creator := &fakeCreator{}
	pub := &fakePublisher{}
	g := New(creator, pub, zap.NewNop())

	id, err := g.Submit(context.Background(), 7, "When is the registration deadline?", "", 99)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Len(t, creator.created, 1)
	s := creator.created[0]
	assert.Equal(t, int64(7), s.IdentityID)
	assert.Equal(t, "When is the registration deadline?", s.Question)
	assert.Equal(t, "en", s.Language.String)
	assert.Equal(t, int64(99), s.ThreadID.Int64)

	require.Len(t, pub.items, 1)
	item := pub.items[0]
	assert.Equal(t, id, item.SubmissionID)
	assert.Equal(t, int64(7), item.IdentityID)
	assert.Equal(t, "en", item.Language)
	assert.Equal(t, int64(99), item.ThreadID)
}

func TestSubmitEmptyQuestion(t *testing.T) {
	creator := &fakeCreator{}
	pub := &fakePublisher{}
	g := New(creator, pub, zap.NewNop())

	_, err := g.Submit(context.Background(), 7, "   \t\n", "", 0)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Empty(t, creator.created)
	assert.Empty(t, pub.items)
}

func TestSubmitPersistenceFailure(t *testing.T) {
	creator := &fakeCreator{err: errors.New("connection refused")}
	pub := &fakePublisher{}
	g := New(creator, pub, zap.NewNop())

	_, err := g.Submit(context.Background(), 7, "question", "", 0)
	assert.ErrorIs(t, err, ErrPersistence)
	// Nothing reaches the queue when the row was never written.
	assert.Empty(t, pub.items)
}

func TestSubmitQueueFailureReturnsID(t *testing.T) {
	creator := &fakeCreator{}
	pub := &fakePublisher{err: errors.New("broker down")}
	g := New(creator, pub, zap.NewNop())

	id, err := g.Submit(context.Background(), 7, "question", "en", 0)
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	// The committed row's id comes back so the orphan can be retried.
	assert.Equal(t, int64(1), id)
}

func TestSubmitExplicitLanguageWins(t *testing.T) {
	creator := &fakeCreator{}
	pub := &fakePublisher{}
	g := New(creator, pub, zap.NewNop())

	_, err := g.Submit(context.Background(), 7, "Mezuniyet şartları nelerdir?", "en", 0)
	require.NoError(t, err)
	assert.Equal(t, "en", creator.created[0].Language.String)
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "turkish characters", text: "Mezuniyet şartları nelerdir?", want: "tr"},
		{name: "plain english", text: "What are the graduation requirements?", want: "en"},
		{name: "no letters", text: "12345 !!!", want: "und"},
		{name: "empty", text: "", want: "und"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLanguage(tt.text))
		})
	}
}
