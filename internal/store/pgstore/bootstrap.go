package pgstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// schema holds the document tables. Every statement is idempotent so
// Bootstrap can run on each startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS prayer_times (
		date       TEXT PRIMARY KEY,
		doc        JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS mosque_events (
		id         TEXT PRIMARY KEY,
		doc        JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS mosque_info (
		id         BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
		doc        JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS clients (
		id            TEXT PRIMARY KEY,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Bootstrap creates the document tables if they do not already exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap statement %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("postgres schema ready", zap.Int("statements", len(schema)))
	return nil
}
