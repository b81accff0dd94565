package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/config"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
)

func TestOpenMemory(t *testing.T) {
	stores, err := Open(context.Background(), config.StoreConfig{Driver: config.DriverMemory}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &mission.MemoryStore{}, stores.Missions)
	assert.IsType(t, &chat.MemoryStore{}, stores.Sessions)
	assert.NoError(t, stores.Close(context.Background()))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite"}, zap.NewNop())
	assert.ErrorContains(t, err, `unknown driver "sqlite"`)
}

func TestSeedMissionsIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`missions:
  - id: ethics
    title: Ethics 101
    mainContent: Discuss ethics
    createdBy: admin
    isPublic: true
`), 0o600))

	missions := mission.NewMemoryStore(nil)
	created, err := SeedMissions(context.Background(), missions, path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	created, err = SeedMissions(context.Background(), missions, path, zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, created)
}
