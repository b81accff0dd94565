// Package store selects the persistence backend named by configuration.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/config"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
	"github.com/zhouzirui/mission-mentor/backend/internal/store/mongo"
	"github.com/zhouzirui/mission-mentor/backend/internal/store/postgres"
)

// Stores bundles the mission and session stores of one backend.
type Stores struct {
	Missions mission.Store
	Sessions chat.Store
	close    func(context.Context) error
}

// Close releases the backend connection. It is safe on memory stores.
func (s *Stores) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}

// Open connects to the configured backend and prepares its schema or indexes.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Stores, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		logger.Info("using in-memory stores")
		return &Stores{
			Missions: mission.NewMemoryStore(nil),
			Sessions: chat.NewMemoryStore(),
		}, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, cfg.MongoURI, logger)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.MongoDatabase)
		if err := mongo.EnsureIndexes(ctx, db); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		logger.Info("using mongodb stores", zap.String("database", cfg.MongoDatabase))
		return &Stores{
			Missions: mongo.NewMissionStore(db, logger),
			Sessions: mongo.NewSessionStore(db, logger),
			close:    client.Disconnect,
		}, nil

	case config.DriverPostgres:
		db, err := postgres.Open(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info("using postgres stores")
		return &Stores{
			Missions: postgres.NewMissionStore(db, logger),
			Sessions: postgres.NewSessionStore(db, logger),
			close:    func(context.Context) error { return db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// SeedMissions loads path and inserts the missions not yet stored.
func SeedMissions(ctx context.Context, missions mission.Store, path string, logger *zap.Logger) (int, error) {
	items, err := mission.LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	created, err := mission.Seed(ctx, missions, items)
	if err != nil {
		return created, err
	}
	logger.Info("missions seeded", zap.String("file", path), zap.Int("created", created), zap.Int("total", len(items)))
	return created, nil
}
