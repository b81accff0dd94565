// Package postgres persists missions and chat sessions in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgreSQL error codes the stores translate.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Schema is applied by Migrate. Each statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS missions (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		is_public     BOOLEAN NOT NULL DEFAULT FALSE,
		introduction  TEXT NOT NULL DEFAULT '',
		main_content  TEXT NOT NULL,
		examples      TEXT[] NOT NULL DEFAULT '{}',
		conclusion    TEXT NOT NULL DEFAULT '',
		created_by    TEXT NOT NULL,
		assigned_to   TEXT[] NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL,
		due_date      TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS missions_assigned_to ON missions USING GIN (assigned_to)`,
	`CREATE TABLE IF NOT EXISTS mission_completions (
		mission_id    TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
		user_id       TEXT NOT NULL,
		team_id       TEXT NOT NULL,
		completed_at  TIMESTAMPTZ NOT NULL,
		summary       TEXT NOT NULL,
		chat_history  JSONB NOT NULL DEFAULT '[]',
		PRIMARY KEY (mission_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id          TEXT PRIMARY KEY,
		team_id     TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		mission_id  TEXT NOT NULL DEFAULT '',
		messages    JSONB NOT NULL DEFAULT '[]',
		status      TEXT NOT NULL,
		summary     TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS chat_sessions_active_key
		ON chat_sessions (team_id, user_id, mission_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS chat_sessions_owner_recent
		ON chat_sessions (team_id, user_id, created_at DESC)`,
}

// Open 创建连接池并检查连通性
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	logger.Info("connected to postgres")
	return db, nil
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

func hasCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

// queryBuilder accumulates WHERE clauses with positional arguments.
type queryBuilder struct {
	where []string
	args  []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) add(clause string) {
	b.where = append(b.where, clause)
}

func (b *queryBuilder) whereSQL() string {
	if len(b.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.where, " AND ")
}
