// Package main is the entry point for the qbridge gateway process: it hosts
// the submission gateway, the answer correlation router, the vote ledger, and
// the curation endpoint.
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
	"github.com/campusai/qbridge/internal/repository/vote"
	"github.com/campusai/qbridge/internal/server"
	"github.com/campusai/qbridge/internal/service/curation"
	"github.com/campusai/qbridge/internal/service/dedup"
	"github.com/campusai/qbridge/internal/service/gateway"
	"github.com/campusai/qbridge/internal/service/router"
	"github.com/campusai/qbridge/internal/service/votes"
	"github.com/campusai/qbridge/pkg/logger"
	pkgredis "github.com/campusai/qbridge/pkg/redis"
)

func main() {
	log := logger.New(logger.Config{
		Environment: os.Getenv("APP_ENV"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		ServiceName: "qbridge-gateway",
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
	voteRepo := vote.NewRepository(db, log)

	scanner := dedup.NewScanner(
		dedup.NewQuestionCorpus(subRepo, cache, cfg.DedupCandidateLimit, log),
		dedup.NewAnswerCorpus(trainRepo),
		dedup.Config{
			QuestionThreshold: cfg.QuestionSimilarityThreshold,
			AnswerThreshold:   cfg.AnswerSimilarityThreshold,
		},
		log,
	)

	gw := gateway.New(subRepo, qc, log)
	rt := router.New(cfg.AnswerWaitTimeout, log)
	ledger := votes.NewLedger(voteRepo, subRepo, votes.NewDBTxRunner(db), log)
	curator := curation.New(subRepo, trainRepo, scanner, log)

	srv := server.New(gw, rt, ledger, subRepo, curator, log)
	httpSrv := srv.NewHTTPServer(":" + cfg.AppPort)
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)

	deliveries, err := qc.Consume(queue.Answers, cfg.AppName+"-router")
	if err != nil {
		log.Fatal("Failed to start answers consumer", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Run(gctx, deliveries)
	})
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("port", cfg.AppPort))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
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
		_ = httpSrv.Shutdown(shutdownCtx)
		_ = metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Gateway exited with error", zap.Error(err))
	}
	log.Info("Gateway stopped")
}
