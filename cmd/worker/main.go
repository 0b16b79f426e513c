// Package main is the entry point for the qbridge inference worker: it loads
// the engine, consumes the questions queue with prefetch=1, and publishes
// answers. If the engine fails to load, the process exits non-zero so the
// supervisor can restart it.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/campusai/qbridge/database/connect"
	"github.com/campusai/qbridge/database/migrate"
	"github.com/campusai/qbridge/internal/config"
	"github.com/campusai/qbridge/internal/metrics"
	"github.com/campusai/qbridge/internal/queue"
	"github.com/campusai/qbridge/internal/repository/submission"
	"github.com/campusai/qbridge/internal/repository/training"
	"github.com/campusai/qbridge/internal/service/dedup"
	"github.com/campusai/qbridge/internal/service/worker"
	"github.com/campusai/qbridge/pkg/logger"
	pkgredis "github.com/campusai/qbridge/pkg/redis"
)

// scanAndRemember runs the duplicate scan and then records the question in
// the recency cache so later scans can match against it.
type scanAndRemember struct {
	scanner *dedup.Scanner
	corpus  *dedup.QuestionCorpus
}

func (s scanAndRemember) ScanQuestion(ctx context.Context, id int64, text string) (bool, error) {
	found, err := s.scanner.ScanQuestion(ctx, id, text)
	s.corpus.Remember(ctx, id, text)
	return found, err
}

func main() {
	log := logger.New(logger.Config{
		Environment: os.Getenv("APP_ENV"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		ServiceName: "qbridge-worker",
	})
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	db, err := connect.Postgres(ctx, log, cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		_ = db.Close()
	}()
	if err := migrate.Run(ctx, db, log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	qc, err := queue.Dial(ctx, cfg.AMQPURL, log)
	if err != nil {
		log.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer func() {
		_ = qc.Close()
	}()

	var cache *dedup.RecentCache
	if cfg.RedisHost != "" {
		rc, err := pkgredis.NewClient(pkgredis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			log.Warn("Redis unavailable, duplicate scans will use the store", zap.Error(err))
		} else {
			defer func() {
				_ = rc.Close()
			}()
			cache = dedup.NewRecentCache(rc, cfg.DedupCandidateLimit)
		}
	}

	subRepo := submission.NewRepository(db, log)
	trainRepo := training.NewRepository(db, log)

	qCorpus := dedup.NewQuestionCorpus(subRepo, cache, cfg.DedupCandidateLimit, log)
	scanner := dedup.NewScanner(
		qCorpus,
		dedup.NewAnswerCorpus(trainRepo),
		dedup.Config{
			QuestionThreshold: cfg.QuestionSimilarityThreshold,
			AnswerThreshold:   cfg.AnswerSimilarityThreshold,
		},
		log,
	)

	engine := worker.NewHTTPEngine(cfg.EngineEndpoint, cfg.EngineTimeout, log)
	w := worker.New(
		engine,
		subRepo,
		qc,
		scanAndRemember{scanner: scanner, corpus: qCorpus},
		worker.RetryPolicy{MaxAttempts: cfg.LookupMaxAttempts, Backoff: cfg.LookupBackoff},
		log,
	)

	// A worker that cannot serve must not consume.
	if err := w.Load(ctx); err != nil {
		log.Fatal("Engine load failed", zap.Error(err))
	}

	deliveries, err := qc.Consume(queue.Questions, "qbridge-worker")
	if err != nil {
		log.Fatal("Failed to start questions consumer", zap.Error(err))
	}

	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx, deliveries)
	})
	g.Go(func() error {
		log.Info("Metrics server listening", zap.String("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Worker exited with error", zap.Error(err))
	}
	log.Info("Worker stopped")
}
