package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// statements are idempotent so every process can run the bootstrap on startup.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS submissions (
		id            BIGSERIAL PRIMARY KEY,
		identity_id   BIGINT NOT NULL,
		question      TEXT NOT NULL,
		answer        TEXT,
		language      VARCHAR(10),
		vote          SMALLINT,
		approved      BOOLEAN NOT NULL DEFAULT FALSE,
		is_duplicate  BOOLEAN NOT NULL DEFAULT FALSE,
		canonical_id  BIGINT REFERENCES submissions(id),
		similarity    DOUBLE PRECISION,
		thread_id     BIGINT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		answered_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_identity_id ON submissions(identity_id)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_language ON submissions(language)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_created_at ON submissions(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_is_duplicate ON submissions(is_duplicate)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_approved ON submissions(approved)`,

	`CREATE TABLE IF NOT EXISTS training_records (
		id            BIGSERIAL PRIMARY KEY,
		source_id     BIGINT UNIQUE REFERENCES submissions(id),
		question      TEXT NOT NULL,
		answer        TEXT NOT NULL,
		language      VARCHAR(10),
		is_duplicate  BOOLEAN NOT NULL DEFAULT FALSE,
		canonical_id  BIGINT REFERENCES training_records(id),
		similarity    DOUBLE PRECISION,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_training_records_source_id ON training_records(source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_training_records_is_duplicate ON training_records(is_duplicate)`,

	`CREATE TABLE IF NOT EXISTS votes (
		submission_id  BIGINT NOT NULL REFERENCES submissions(id),
		identity_id    BIGINT NOT NULL,
		value          SMALLINT NOT NULL,
		changes        INT NOT NULL DEFAULT 0,
		first_voted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_voted_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (submission_id, identity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_submission_id ON votes(submission_id)`,
}

// Run creates the schema if it does not exist yet.
func Run(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	log.Info("Database schema ready")
	return nil
}
