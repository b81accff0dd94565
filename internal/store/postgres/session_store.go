package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
)

const sessionColumns = `id, team_id, user_id, mission_id, messages, status, summary, created_at, updated_at`

// SessionStore implements chat.Store on the chat_sessions table.
type SessionStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSessionStore(db *sql.DB, logger *zap.Logger) *SessionStore {
	return &SessionStore{db: db, logger: logger.Named("postgres.sessions")}
}

// FindOrCreateActive inserts against the partial unique index and falls back
// to reading the row that won. A session completed between the two statements
// sends the loop round again.
func (s *SessionStore) FindOrCreateActive(ctx context.Context, key chat.Key) (chat.Session, bool, error) {
	if err := key.Validate(); err != nil {
		return chat.Session{}, false, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		candidate := chat.NewSession(key)
		var id string
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO chat_sessions (id, team_id, user_id, mission_id, messages, status, summary, created_at, updated_at)
			VALUES ($1, $2, $3, $4, '[]', $5, '', $6, $6)
			ON CONFLICT (team_id, user_id, mission_id) WHERE status = 'active' DO NOTHING
			RETURNING id`,
			candidate.ID, key.TeamID, key.UserID, key.MissionID, string(chat.StatusActive), candidate.CreatedAt,
		).Scan(&id)
		switch {
		case err == nil:
			return candidate, true, nil
		case !errors.Is(err, sql.ErrNoRows):
			return chat.Session{}, false, fmt.Errorf("postgres: insert session: %w", err)
		}

		row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions
			WHERE team_id = $1 AND user_id = $2 AND mission_id = $3 AND status = 'active'`,
			key.TeamID, key.UserID, key.MissionID)
		session, err := scanSession(row)
		if err == nil {
			return session, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return chat.Session{}, false, fmt.Errorf("postgres: load active session: %w", err)
		}
		s.logger.Debug("active session vanished, retrying", zap.String("key", key.String()))
	}
	return chat.Session{}, false, fmt.Errorf("postgres: resolve session for %s/%s: retries exhausted", key.TeamID, key.UserID)
}

func (s *SessionStore) Get(ctx context.Context, id string) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	return session, nil
}

// AppendMessages concatenates onto the JSONB log of an active session.
func (s *SessionStore) AppendMessages(ctx context.Context, id string, messages ...chat.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for _, msg := range messages {
		if !msg.Role.Valid() {
			return fmt.Errorf("postgres: append to session %s: invalid role %q", id, msg.Role)
		}
	}
	payload, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("postgres: encode messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET messages = messages || $2::jsonb, updated_at = $3
		WHERE id = $1 AND status = 'active'`,
		id, string(payload), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: append to session %s: %w", id, err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SessionStore) SetSummary(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET summary = $2, updated_at = $3 WHERE id = $1`,
		id, summary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: set summary on session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: set summary on session %s: %w", id, err)
	}
	if n == 0 {
		return chat.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'active'`,
		id, string(chat.StatusCompleted), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: complete session %s: %w", id, err)
	}
	return s.checkAffected(ctx, res, id)
}

func (s *SessionStore) List(ctx context.Context, filter chat.Filter) ([]chat.Session, error) {
	query, args := listSessionsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0, 8)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	return sessions, nil
}

func listSessionsQuery(filter chat.Filter) (string, []any) {
	var b queryBuilder
	if filter.TeamID != "" {
		b.add("team_id = " + b.arg(filter.TeamID))
	}
	if filter.UserID != "" {
		b.add("user_id = " + b.arg(filter.UserID))
	}
	if filter.MissionID != "" {
		b.add("mission_id = " + b.arg(filter.MissionID))
	}
	if filter.Status != "" {
		b.add("status = " + b.arg(string(filter.Status)))
	}

	order := "DESC"
	if filter.OldestFirst {
		order = "ASC"
	}
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions` + b.whereSQL() +
		` ORDER BY created_at ` + order + `, id ASC`
	if filter.Limit > 0 {
		query += " LIMIT " + b.arg(filter.Limit)
	}
	return query, b.args
}

func (s *SessionStore) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: session %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return chat.ErrSessionClosed
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chat.Session, error) {
	var (
		session  chat.Session
		messages []byte
		status   string
	)
	if err := row.Scan(&session.ID, &session.TeamID, &session.UserID, &session.MissionID,
		&messages, &status, &session.Summary, &session.CreatedAt, &session.UpdatedAt); err != nil {
		return chat.Session{}, err
	}
	session.Status = chat.Status(status)
	session.Messages = make([]chat.Message, 0)
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &session.Messages); err != nil {
			return chat.Session{}, fmt.Errorf("decode messages of session %s: %w", session.ID, err)
		}
	}
	return session, nil
}
