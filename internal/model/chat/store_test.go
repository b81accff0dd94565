package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

func TestMemoryStoreFindOrCreateReusesActive(t *testing.T) {
	store := chat.NewMemoryStore()
	ctx := context.Background()
	key := chat.Key{TeamID: "teamA", UserID: "u1", MissionID: "m1"}

	first, created, err := store.FindOrCreateActive(ctx, key)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, chat.StatusActive, first.Status)
	assert.Empty(t, first.Messages)

	second, created, err := store.FindOrCreateActive(ctx, key)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestMemoryStoreFindOrCreateConcurrent(t *testing.T) {
	store := chat.NewMemoryStore()
	ctx := context.Background()
	key := chat.Key{TeamID: "teamA", UserID: "u1", MissionID: "m1"}

	const callers = 32
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, _, err := store.FindOrCreateActive(ctx, key)
			if err == nil {
				ids[i] = session.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	active, err := store.List(ctx, chat.Filter{TeamID: "teamA", UserID: "u1", Status: chat.StatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestMemoryStoreFindOrCreateRequiresOwner(t *testing.T) {
	store := chat.NewMemoryStore()
	_, _, err := store.FindOrCreateActive(context.Background(), chat.Key{TeamID: "teamA"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestMemoryStoreAppendKeepsOrder(t *testing.T) {
	store := chat.NewMemoryStore()
	ctx := context.Background()
	session, _, err := store.FindOrCreateActive(ctx, chat.Key{TeamID: "t", UserID: "u"})
	require.NoError(t, err)

	require.NoError(t, store.AppendMessages(ctx, session.ID, chat.NewMessage(chat.RoleUser, "hi")))
	require.NoError(t, store.AppendMessages(ctx, session.ID, chat.NewMessage(chat.RoleAssistant, "hello")))

	got, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chat.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "hello", got.Messages[1].Content)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := chat.NewMemoryStore()
	ctx := context.Background()
	session, _, err := store.FindOrCreateActive(ctx, chat.Key{TeamID: "t", UserID: "u"})
	require.NoError(t, err)
	require.NoError(t, store.AppendMessages(ctx, session.ID, chat.NewMessage(chat.RoleUser, "original")))

	got, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"

	again, err := store.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Messages[0].Content)
}

func TestMemoryStoreCompletedSessionRejectsAppend(t *testing.T) {
	store := chat.NewMemoryStore()
	ctx := context.Background()
	key := chat.Key{TeamID: "t", UserID: "u", MissionID: "m"}
	session, _, err := store.FindOrCreateActive(ctx, key)
	require.NoError(t, err)

	require.NoError(t, store.MarkCompleted(ctx, session.ID))
	err = store.AppendMessages(ctx, session.ID, chat.NewMessage(chat.RoleUser, "late"))
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.True(t, errors.Is(store.MarkCompleted(ctx, session.ID), apperr.ErrConflict))

	next, created, err := store.FindOrCreateActive(ctx, key)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, session.ID, next.ID)
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	store := chat.NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, chat.ErrSessionNotFound))
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMemoryStoreListFiltersAndLimits(t *testing.T) {
	store := chat.NewMemoryStore()
	ctx := context.Background()
	for _, mission := range []string{"m1", "m2", "m3"} {
		_, _, err := store.FindOrCreateActive(ctx, chat.Key{TeamID: "t", UserID: "u", MissionID: mission})
		require.NoError(t, err)
	}
	_, _, err := store.FindOrCreateActive(ctx, chat.Key{TeamID: "t", UserID: "other", MissionID: "m1"})
	require.NoError(t, err)

	mine, err := store.List(ctx, chat.Filter{TeamID: "t", UserID: "u"})
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	limited, err := store.List(ctx, chat.Filter{TeamID: "t", UserID: "u", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	byMission, err := store.List(ctx, chat.Filter{TeamID: "t", MissionID: "m1"})
	require.NoError(t, err)
	assert.Len(t, byMission, 2)
}
