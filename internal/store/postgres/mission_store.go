package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
)

const missionColumns = `id, title, is_public, introduction, main_content, examples, conclusion,
	created_by, assigned_to, status, due_date, created_at, updated_at`

// MissionStore implements mission.Store. Completions live in their own table
// keyed by (mission_id, user_id).
type MissionStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewMissionStore(db *sql.DB, logger *zap.Logger) *MissionStore {
	return &MissionStore{db: db, logger: logger.Named("postgres.missions")}
}

func (s *MissionStore) Create(ctx context.Context, m mission.Mission) (mission.Mission, error) {
	if err := m.Validate(); err != nil {
		return mission.Mission{}, err
	}
	m = mission.Prepare(m)

	_, err := s.db.ExecContext(ctx, `INSERT INTO missions (`+missionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.Title, m.IsPublic, m.Introduction, m.MainContent, pq.Array(m.Examples), m.Conclusion,
		m.CreatedBy, pq.Array(m.AssignedTo), string(m.Status), nullTime(m.DueDate), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if hasCode(err, codeUniqueViolation) {
			return mission.Mission{}, mission.ErrMissionExists
		}
		return mission.Mission{}, fmt.Errorf("postgres: insert mission: %w", err)
	}
	return m, nil
}

func (s *MissionStore) Get(ctx context.Context, id string) (mission.Mission, error) {
	m, err := scanMission(s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return mission.Mission{}, mission.ErrMissionNotFound
	}
	if err != nil {
		return mission.Mission{}, fmt.Errorf("postgres: get mission %s: %w", id, err)
	}

	completions, err := s.completions(ctx, []string{id})
	if err != nil {
		return mission.Mission{}, err
	}
	m.Completions = completions[id]
	if m.Completions == nil {
		m.Completions = []mission.Completion{}
	}
	return m, nil
}

// List returns matching missions, newest first.
func (s *MissionStore) List(ctx context.Context, filter mission.Filter) ([]mission.Mission, error) {
	query, args := listMissionsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list missions: %w", err)
	}
	defer rows.Close()

	missions := make([]mission.Mission, 0, 16)
	ids := make([]string, 0, 16)
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan mission: %w", err)
		}
		missions = append(missions, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list missions: %w", err)
	}
	if len(ids) == 0 {
		return missions, nil
	}

	completions, err := s.completions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range missions {
		missions[i].Completions = completions[missions[i].ID]
		if missions[i].Completions == nil {
			missions[i].Completions = []mission.Completion{}
		}
	}
	return missions, nil
}

// Update locks the row, checks ownership and writes the patched fields.
func (s *MissionStore) Update(ctx context.Context, id, ownerID string, patch mission.Patch) (mission.Mission, error) {
	if err := patch.Validate(); err != nil {
		return mission.Mission{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mission.Mission{}, fmt.Errorf("postgres: begin update: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return mission.Mission{}, mission.ErrMissionNotFound
	}
	if err != nil {
		return mission.Mission{}, fmt.Errorf("postgres: load mission %s: %w", id, err)
	}
	if m.CreatedBy != ownerID {
		return mission.Mission{}, mission.ErrNotOwner
	}

	patch.Apply(&m)
	m.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE missions SET title = $2, is_public = $3, introduction = $4,
		main_content = $5, examples = $6, conclusion = $7, assigned_to = $8, status = $9,
		due_date = $10, updated_at = $11 WHERE id = $1`,
		m.ID, m.Title, m.IsPublic, m.Introduction, m.MainContent, pq.Array(m.Examples), m.Conclusion,
		pq.Array(m.AssignedTo), string(m.Status), nullTime(m.DueDate), m.UpdatedAt)
	if err != nil {
		return mission.Mission{}, fmt.Errorf("postgres: update mission %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return mission.Mission{}, fmt.Errorf("postgres: commit mission %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

func (s *MissionStore) Delete(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM missions WHERE id = $1 AND created_by = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("postgres: delete mission %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: delete mission %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return mission.ErrNotOwner
}

// AddCompletion relies on the (mission_id, user_id) primary key for write-once.
func (s *MissionStore) AddCompletion(ctx context.Context, missionID string, c mission.Completion) error {
	history := c.ChatHistory
	if history == nil {
		history = []chat.Message{}
	}
	payload, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("postgres: encode chat history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO mission_completions
		(mission_id, user_id, team_id, completed_at, summary, chat_history)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		missionID, c.UserID, c.TeamID, c.CompletedAt, c.Summary, string(payload))
	switch {
	case err == nil:
		return nil
	case hasCode(err, codeUniqueViolation):
		return mission.ErrAlreadyCompleted
	case hasCode(err, codeForeignKeyViolation):
		return mission.ErrMissionNotFound
	default:
		return fmt.Errorf("postgres: add completion to mission %s: %w", missionID, err)
	}
}

func (s *MissionStore) completions(ctx context.Context, missionIDs []string) (map[string][]mission.Completion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mission_id, user_id, team_id, completed_at, summary, chat_history
		FROM mission_completions WHERE mission_id = ANY($1) ORDER BY completed_at ASC`, pq.Array(missionIDs))
	if err != nil {
		return nil, fmt.Errorf("postgres: load completions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]mission.Completion, len(missionIDs))
	for rows.Next() {
		var (
			missionID string
			c         mission.Completion
			history   []byte
		)
		if err := rows.Scan(&missionID, &c.UserID, &c.TeamID, &c.CompletedAt, &c.Summary, &history); err != nil {
			return nil, fmt.Errorf("postgres: scan completion: %w", err)
		}
		if err := json.Unmarshal(history, &c.ChatHistory); err != nil {
			return nil, fmt.Errorf("postgres: decode completion history: %w", err)
		}
		out[missionID] = append(out[missionID], c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load completions: %w", err)
	}
	return out, nil
}

func listMissionsQuery(filter mission.Filter) (string, []any) {
	var b queryBuilder
	if filter.CreatedBy != "" {
		b.add("created_by = " + b.arg(filter.CreatedBy))
	}
	if filter.TeamID != "" {
		audience := []string{filter.TeamID}
		if filter.UserID != "" {
			audience = append(audience, filter.UserID)
		}
		b.add("(is_public OR assigned_to && " + b.arg(pq.Array(audience)) + ")")
	}
	return `SELECT ` + missionColumns + ` FROM missions` + b.whereSQL() + ` ORDER BY created_at DESC, id ASC`, b.args
}

func scanMission(row rowScanner) (mission.Mission, error) {
	var (
		m      mission.Mission
		status string
		due    sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.Title, &m.IsPublic, &m.Introduction, &m.MainContent,
		pq.Array(&m.Examples), &m.Conclusion, &m.CreatedBy, pq.Array(&m.AssignedTo),
		&status, &due, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return mission.Mission{}, err
	}
	m.Status = mission.Status(status)
	if due.Valid {
		t := due.Time.UTC()
		m.DueDate = &t
	}
	if m.Examples == nil {
		m.Examples = []string{}
	}
	if m.AssignedTo == nil {
		m.AssignedTo = []string{}
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
