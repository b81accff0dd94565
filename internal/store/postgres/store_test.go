package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

func TestListSessionsQuery(t *testing.T) {
	query, args := listSessionsQuery(chat.Filter{TeamID: "t", UserID: "u", Status: chat.StatusActive, Limit: 10})
	assert.Contains(t, query, "WHERE team_id = $1 AND user_id = $2 AND status = $3")
	assert.Contains(t, query, "ORDER BY created_at DESC, id ASC LIMIT $4")
	assert.Equal(t, []any{"t", "u", "active", 10}, args)

	query, args = listSessionsQuery(chat.Filter{OldestFirst: true})
	assert.NotContains(t, query, "WHERE")
	assert.Contains(t, query, "ORDER BY created_at ASC")
	assert.Empty(t, args)
}

func TestListMissionsQuery(t *testing.T) {
	query, args := listMissionsQuery(mission.Filter{TeamID: "teamA", UserID: "u1"})
	assert.Contains(t, query, "WHERE (is_public OR assigned_to && $1)")
	require.Len(t, args, 1)
	assert.Equal(t, pq.Array([]string{"teamA", "u1"}), args[0])
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &pq.Error{Code: "23505"})
	assert.True(t, hasCode(err, codeUniqueViolation))
	assert.False(t, hasCode(err, codeForeignKeyViolation))
	assert.False(t, hasCode(errors.New("plain"), codeUniqueViolation))
}

// The tests below need a live server: POSTGRES_TEST_DSN=postgres://localhost/mission_mentor_test?sslmode=disable
func testDB(t *testing.T) (*SessionStore, *MissionStore) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))
	t.Cleanup(func() {
		_, _ = db.Exec(`TRUNCATE chat_sessions, mission_completions, missions`)
		db.Close()
	})
	return NewSessionStore(db, zap.NewNop()), NewMissionStore(db, zap.NewNop())
}

func TestSessionStoreConcurrentResolve(t *testing.T) {
	sessions, _ := testDB(t)
	ctx := context.Background()
	key := chat.Key{TeamID: "teamA", UserID: "u1", MissionID: "m1"}

	const callers = 12
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := sessions.FindOrCreateActive(ctx, key)
			assert.NoError(t, err)
			results[i] = s.ID
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		assert.Equal(t, results[0], id)
	}
}

func TestSessionStoreAppendAndClose(t *testing.T) {
	sessions, _ := testDB(t)
	ctx := context.Background()

	s, created, err := sessions.FindOrCreateActive(ctx, chat.Key{TeamID: "teamA", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, sessions.AppendMessages(ctx, s.ID, chat.NewMessage(chat.RoleUser, "one")))
	require.NoError(t, sessions.AppendMessages(ctx, s.ID, chat.NewMessage(chat.RoleAssistant, "two")))
	require.NoError(t, sessions.MarkCompleted(ctx, s.ID))

	got, err := sessions.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "one", got.Messages[0].Content)
	assert.Equal(t, "two", got.Messages[1].Content)

	err = sessions.AppendMessages(ctx, s.ID, chat.NewMessage(chat.RoleUser, "three"))
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	err = sessions.AppendMessages(ctx, "missing", chat.NewMessage(chat.RoleUser, "x"))
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMissionStoreRoundTrip(t *testing.T) {
	_, missions := testDB(t)
	ctx := context.Background()

	due := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	m, err := missions.Create(ctx, mission.Mission{
		Title: "T", MainContent: "c", Examples: []string{"ex1"}, CreatedBy: "admin",
		AssignedTo: []string{"teamA"}, DueDate: &due,
	})
	require.NoError(t, err)

	got, err := missions.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ex1"}, got.Examples)
	require.NotNil(t, got.DueDate)
	assert.True(t, due.Equal(*got.DueDate))

	c := mission.Completion{UserID: "u1", TeamID: "teamA", CompletedAt: time.Now().UTC(), Summary: "s",
		ChatHistory: []chat.Message{chat.NewMessage(chat.RoleUser, "hi")}}
	require.NoError(t, missions.AddCompletion(ctx, m.ID, c))
	assert.ErrorIs(t, missions.AddCompletion(ctx, m.ID, c), mission.ErrAlreadyCompleted)
	assert.ErrorIs(t, missions.AddCompletion(ctx, "missing", c), mission.ErrMissionNotFound)

	listed, err := missions.List(ctx, mission.Filter{TeamID: "teamA"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Len(t, listed[0].Completions, 1)
	assert.Equal(t, "hi", listed[0].Completions[0].ChatHistory[0].Content)

	hidden, err := missions.List(ctx, mission.Filter{TeamID: "teamB"})
	require.NoError(t, err)
	assert.Empty(t, hidden)

	assert.ErrorIs(t, missions.Delete(ctx, m.ID, "intruder"), mission.ErrNotOwner)
	require.NoError(t, missions.Delete(ctx, m.ID, "admin"))
}
