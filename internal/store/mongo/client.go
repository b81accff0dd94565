// Package mongo persists missions and chat sessions in MongoDB.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	missionsCollection = "missions"
	sessionsCollection = "chat_sessions"
)

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, uri string, logger *zap.Logger) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	logger.Info("connected to mongodb")
	return client, nil
}

// EnsureIndexes creates the indexes both stores rely on. The partial unique
// index on active sessions backs the single-active-session guarantee.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	sessions := db.Collection(sessionsCollection)
	_, err := sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "teamId", Value: 1}, {Key: "userId", Value: 1}, {Key: "missionId", Value: 1}},
			Options: options.Index().
				SetName("active_session_key").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": "active"}),
		},
		{
			Keys:    bson.D{{Key: "teamId", Value: 1}, {Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}},
			Options: options.Index().SetName("owner_recent"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: create session indexes: %w", err)
	}

	missions := db.Collection(missionsCollection)
	_, err = missions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "isPublic", Value: 1}, {Key: "assignedTo", Value: 1}},
			Options: options.Index().SetName("visibility"),
		},
		{
			Keys:    bson.D{{Key: "createdBy", Value: 1}},
			Options: options.Index().SetName("owner"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: create mission indexes: %w", err)
	}
	return nil
}
