package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/queue"
	"github.com/campusai/qbridge/internal/repository"
	"github.com/campusai/qbridge/internal/repository/submission"
	"github.com/campusai/qbridge/internal/repository/training"
	"github.com/campusai/qbridge/internal/repository/vote"
	"github.com/campusai/qbridge/internal/service/gateway"
	"github.com/campusai/qbridge/internal/service/router"
	"github.com/campusai/qbridge/internal/service/votes"
)

type fakeCreator struct {
	nextID int64
}

func (f *fakeCreator) Create(_ context.Context, s *submission.Submission) (*submission.Submission, error) {
	f.nextID++
	s.ID = f.nextID
	return s, nil
}

type fakePublisher struct{}

func (fakePublisher) PublishWork(context.Context, queue.WorkItem) error { return nil }

type fakeVoteStore struct {
	recs map[int64]*vote.Record
}

func (f *fakeVoteStore) GetForUpdate(_ context.Context, _ repository.DBTX, submissionID, identityID int64) (*vote.Record, error) {
	rec, ok := f.recs[submissionID*1000+identityID]
	if !ok {
		return nil, vote.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeVoteStore) Insert(_ context.Context, _ repository.DBTX, submissionID, identityID int64, value int16) error {
	if f.recs == nil {
		f.recs = map[int64]*vote.Record{}
	}
	f.recs[submissionID*1000+identityID] = &vote.Record{SubmissionID: submissionID, IdentityID: identityID, Value: value}
	return nil
}

func (f *fakeVoteStore) Update(_ context.Context, _ repository.DBTX, submissionID, identityID int64, value int16, changes int) error {
	rec := f.recs[submissionID*1000+identityID]
	rec.Value = value
	rec.Changes = changes
	return nil
}

func (f *fakeVoteStore) CountByValue(_ context.Context, submissionID int64) (int64, int64, error) {
	var likes, dislikes int64
	for _, rec := range f.recs {
		if rec.SubmissionID != submissionID {
			continue
		}
		if rec.Value == 1 {
			likes++
		} else {
			dislikes++
		}
	}
	return likes, dislikes, nil
}

type fakeReader struct {
	subs  map[int64]*submission.Submission
	stats *submission.Stats
}

func (f *fakeReader) GetByID(_ context.Context, id int64) (*submission.Submission, error) {
	s, ok := f.subs[id]
	if !ok {
		return nil, submission.ErrNotFound
	}
	return s, nil
}

func (f *fakeReader) GetStats(context.Context) (*submission.Stats, error) {
	return f.stats, nil
}

func (f *fakeReader) SetVote(_ context.Context, _ repository.DBTX, _ int64, _ int16) error {
	return nil
}

type fakeCurator struct {
	rec *training.Record
	err error
}

func (f *fakeCurator) Approve(_ context.Context, submissionID int64) (*training.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec := *f.rec
	rec.SourceID = submissionID
	return &rec, nil
}

func passthroughTx(ctx context.Context, fn func(repository.DBTX) error) error {
	return fn(nil)
}

type fixture struct {
	server *Server
	router *router.Router
	reader *fakeReader
}

func newFixture(t *testing.T, waitTimeout time.Duration, curator Curator) *fixture {
	t.Helper()
	log := zap.NewNop()
	reader := &fakeReader{
		subs:  map[int64]*submission.Submission{},
		stats: &submission.Stats{Total: 10, Answered: 8, Approved: 3, Duplicates: 2},
	}
	rt := router.New(waitTimeout, log)
	gw := gateway.New(&fakeCreator{}, fakePublisher{}, log)
	ledger := votes.NewLedger(&fakeVoteStore{}, reader, passthroughTx, log)
	return &fixture{
		server: New(gw, rt, ledger, reader, curator, log),
		router: rt,
		reader: reader,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAskReturnsAnswer(t *testing.T) {
	f := newFixture(t, 2*time.Second, nil)
	h := f.server.Handler()

	go func() {
		item := queue.ResultItem{SubmissionID: 1, Answer: "The deadline is Friday."}
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if f.router.Deliver(item) {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	rr := doJSON(t, h, http.MethodPost, "/v1/ask",
		`{"identity_id":7,"question":"When is the registration deadline?"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp askResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.SubmissionID)
	assert.Equal(t, "The deadline is Friday.", resp.Answer)
	assert.False(t, resp.TimedOut)
}

func TestAskTimeoutReturnsFallback(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond, nil)

	rr := doJSON(t, f.server.Handler(), http.MethodPost, "/v1/ask",
		`{"identity_id":7,"question":"When is the registration deadline?"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp askResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.TimedOut)
	assert.Equal(t, router.FallbackAnswer, resp.Answer)
	assert.Equal(t, int64(1), resp.SubmissionID)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	f := newFixture(t, time.Second, nil)

	rr := doJSON(t, f.server.Handler(), http.MethodPost, "/v1/ask",
		`{"identity_id":7,"question":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAskRejectsBadBody(t *testing.T) {
	f := newFixture(t, time.Second, nil)

	rr := doJSON(t, f.server.Handler(), http.MethodPost, "/v1/ask", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestVote(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	h := f.server.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/vote",
		`{"submission_id":5,"identity_id":7,"value":1}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var receipt votes.Receipt
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &receipt))
	assert.True(t, receipt.Accepted)
	assert.Equal(t, votes.ChangeCap, receipt.ChangesRemaining)

	// Same value again: rejected but still a 200 with a receipt.
	rr = doJSON(t, h, http.MethodPost, "/v1/vote",
		`{"submission_id":5,"identity_id":7,"value":1}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &receipt))
	assert.False(t, receipt.Accepted)
}

func TestVoteInvalidValue(t *testing.T) {
	f := newFixture(t, time.Second, nil)

	rr := doJSON(t, f.server.Handler(), http.MethodPost, "/v1/vote",
		`{"submission_id":5,"identity_id":7,"value":3}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetSubmission(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	f.reader.subs[42] = &submission.Submission{
		ID:         42,
		IdentityID: 7,
		Question:   "When is the registration deadline?",
		CreatedAt:  time.Now(),
	}

	rr := doJSON(t, f.server.Handler(), http.MethodGet, "/v1/submissions/42", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp submissionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.ID)
	assert.Nil(t, resp.Answer)
	require.NotNil(t, resp.VoteStats)
	assert.Zero(t, resp.VoteStats.Total)
}

func TestGetSubmissionNotFound(t *testing.T) {
	f := newFixture(t, time.Second, nil)

	rr := doJSON(t, f.server.Handler(), http.MethodGet, "/v1/submissions/42", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetSubmissionBadID(t *testing.T) {
	f := newFixture(t, time.Second, nil)

	rr := doJSON(t, f.server.Handler(), http.MethodGet, "/v1/submissions/abc", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApprove(t *testing.T) {
	curator := &fakeCurator{rec: &training.Record{ID: 9}}
	f := newFixture(t, time.Second, curator)

	rr := doJSON(t, f.server.Handler(), http.MethodPost, "/v1/submissions/42/approve", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]int64
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp["submission_id"])
	assert.Equal(t, int64(9), resp["training_id"])
}

func TestApproveConflicts(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "not answered or not approved", err: training.ErrSourceNotReady},
		{name: "already promoted", err: training.ErrAlreadyPromoted},
		{name: "missing submission", err: submission.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second, &fakeCurator{err: tt.err})
			rr := doJSON(t, f.server.Handler(), http.MethodPost, "/v1/submissions/42/approve", "")
			assert.Equal(t, http.StatusConflict, rr.Code)
		})
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, time.Second, nil)

	rr := doJSON(t, f.server.Handler(), http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var stats submission.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, int64(10), stats.Total)
	assert.Equal(t, int64(8), stats.Answered)
}
