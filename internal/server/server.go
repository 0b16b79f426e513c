// Package server exposes the mediation engine over a small JSON/HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/campusai/qbridge/internal/repository/submission"
	"github.com/campusai/qbridge/internal/repository/training"
	"github.com/campusai/qbridge/internal/service/gateway"
	"github.com/campusai/qbridge/internal/service/router"
	"github.com/campusai/qbridge/internal/service/votes"
)

// SubmissionReader is the read-only slice of the submission repository the
// HTTP surface needs.
type SubmissionReader interface {
	GetByID(ctx context.Context, id int64) (*submission.Submission, error)
	GetStats(ctx context.Context) (*submission.Stats, error)
}

// Curator approves and promotes submissions.
type Curator interface {
	Approve(ctx context.Context, submissionID int64) (*training.Record, error)
}

// Server wires the gateway, router, ledger, and store into HTTP handlers.
type Server struct {
	gateway *gateway.Gateway
	router  *router.Router
	ledger  *votes.Ledger
	subs    SubmissionReader
	curator Curator
	log     *zap.Logger
}

// New creates the HTTP server facade.
func New(gw *gateway.Gateway, rt *router.Router, ledger *votes.Ledger, subs SubmissionReader, curator Curator, log *zap.Logger) *Server {
	return &Server{
		gateway: gw,
		router:  rt,
		ledger:  ledger,
		subs:    subs,
		curator: curator,
		log:     log.With(zap.String("module", "server")),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("POST /v1/vote", s.handleVote)
	mux.HandleFunc("GET /v1/submissions/{id}", s.handleGetSubmission)
	mux.HandleFunc("POST /v1/submissions/{id}/approve", s.handleApprove)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	return mux
}

// NewHTTPServer wraps the handler in a tuned http.Server.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type askRequest struct {
	IdentityID int64  `json:"identity_id"`
	Question   string `json:"question"`
	Language   string `json:"language,omitempty"`
	ThreadID   int64  `json:"thread_id,omitempty"`
}

type askResponse struct {
	SubmissionID int64  `json:"submission_id"`
	Answer       string `json:"answer"`
	TimedOut     bool   `json:"timed_out"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.gateway.Submit(r.Context(), req.IdentityID, req.Question, req.Language, req.ThreadID)
	switch {
	case errors.Is(err, gateway.ErrPersistence):
		http.Error(w, "could not store question", http.StatusBadRequest)
		return
	case errors.Is(err, gateway.ErrQueueUnavailable):
		http.Error(w, "service temporarily unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Error("submit failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	result, err := s.router.Await(r.Context(), id)
	switch {
	case errors.Is(err, router.ErrTimeout):
		s.writeJSON(w, http.StatusOK, askResponse{
			SubmissionID: id,
			Answer:       router.FallbackAnswer,
			TimedOut:     true,
		})
		return
	case err != nil:
		// Caller went away; the answer still lands in the store.
		return
	}

	s.writeJSON(w, http.StatusOK, askResponse{
		SubmissionID: id,
		Answer:       result.Answer,
	})
}

type voteRequest struct {
	SubmissionID int64 `json:"submission_id"`
	IdentityID   int64 `json:"identity_id"`
	Value        int16 `json:"value"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.ledger.CastVote(r.Context(), req.SubmissionID, req.IdentityID, votes.Value(req.Value))
	switch {
	case errors.Is(err, votes.ErrInvalidValue):
		http.Error(w, "vote value must be 1 or -1", http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error("vote failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

type submissionResponse struct {
	ID           int64        `json:"id"`
	IdentityID   int64        `json:"identity_id"`
	Question     string       `json:"question"`
	Answer       *string      `json:"answer,omitempty"`
	Language     string       `json:"language,omitempty"`
	Approved     bool         `json:"approved"`
	IsDuplicate  bool         `json:"is_duplicate"`
	CanonicalID  *int64       `json:"canonical_id,omitempty"`
	Similarity   *float64     `json:"similarity,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	AnsweredAt   *time.Time   `json:"answered_at,omitempty"`
	VoteStats    *votes.Stats `json:"vote_stats,omitempty"`
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid submission id", http.StatusBadRequest)
		return
	}

	sub, err := s.subs.GetByID(r.Context(), id)
	switch {
	case errors.Is(err, submission.ErrNotFound):
		http.Error(w, "submission not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error("lookup failed", zap.Int64("submission_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := submissionResponse{
		ID:          sub.ID,
		IdentityID:  sub.IdentityID,
		Question:    sub.Question,
		Approved:    sub.Approved,
		IsDuplicate: sub.IsDuplicate,
		CreatedAt:   sub.CreatedAt,
	}
	if sub.Answer.Valid {
		resp.Answer = &sub.Answer.String
	}
	if sub.Language.Valid {
		resp.Language = sub.Language.String
	}
	if sub.CanonicalID.Valid {
		resp.CanonicalID = &sub.CanonicalID.Int64
	}
	if sub.Similarity.Valid {
		resp.Similarity = &sub.Similarity.Float64
	}
	if sub.AnsweredAt.Valid {
		resp.AnsweredAt = &sub.AnsweredAt.Time
	}
	if stats, err := s.ledger.GetStats(r.Context(), id); err == nil {
		resp.VoteStats = &stats
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid submission id", http.StatusBadRequest)
		return
	}

	rec, err := s.curator.Approve(r.Context(), id)
	switch {
	case errors.Is(err, submission.ErrNotFound), errors.Is(err, training.ErrSourceNotReady):
		http.Error(w, "submission not ready for approval", http.StatusConflict)
		return
	case errors.Is(err, training.ErrAlreadyPromoted):
		http.Error(w, "submission already promoted", http.StatusConflict)
		return
	case err != nil:
		s.log.Error("approve failed", zap.Int64("submission_id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int64{
		"submission_id": id,
		"training_id":   rec.ID,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.subs.GetStats(r.Context())
	if err != nil {
		s.log.Error("stats failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}
