package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SubmissionsTotal counts accepted submissions.
	SubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qbridge_submissions_total",
		Help: "Number of submissions accepted by the gateway.",
	})

	// AnswersTotal counts answers persisted by the worker.
	AnswersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qbridge_answers_total",
		Help: "Number of answers generated and persisted.",
	})

	// AnswerTimeouts counts callers that received the fallback result.
	AnswerTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qbridge_answer_timeouts_total",
		Help: "Number of callers that timed out waiting for an answer.",
	})

	// DuplicatesTotal counts duplicate matches by corpus ("question" or "answer").
	DuplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qbridge_duplicates_total",
		Help: "Number of duplicate matches found per corpus.",
	}, []string{"corpus"})

	// VotesTotal counts vote outcomes by result ("accepted", "unchanged", "capped").
	VotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qbridge_votes_total",
		Help: "Number of vote events per outcome.",
	}, []string{"outcome"})

	// InferenceDuration observes wall-clock time per generation.
	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qbridge_inference_duration_seconds",
		Help:    "Time spent generating one answer.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// LostReferences counts queue messages dropped because the referenced
	// submission never became visible.
	LostReferences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qbridge_lost_references_total",
		Help: "Number of queue messages dropped for missing submissions.",
	})
)

// NewServer returns an HTTP server exposing /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
