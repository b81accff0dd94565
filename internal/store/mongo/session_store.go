package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
)

const upsertRetries = 3

// SessionStore implements chat.Store on a MongoDB collection.
type SessionStore struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewSessionStore returns a store over db's chat_sessions collection.
func NewSessionStore(db *mongo.Database, logger *zap.Logger) *SessionStore {
	return &SessionStore{coll: db.Collection(sessionsCollection), logger: logger.Named("mongo.sessions")}
}

// FindOrCreateActive upserts on the active-key filter. Two concurrent upserts
// may both attempt the insert; the loser hits the partial unique index and
// retries, which then matches the winner's document.
func (s *SessionStore) FindOrCreateActive(ctx context.Context, key chat.Key) (chat.Session, bool, error) {
	if err := key.Validate(); err != nil {
		return chat.Session{}, false, err
	}

	filter := bson.M{
		"teamId":    key.TeamID,
		"userId":    key.UserID,
		"missionId": key.MissionID,
		"status":    chat.StatusActive,
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var lastErr error
	for attempt := 0; attempt < upsertRetries; attempt++ {
		candidate := chat.NewSession(key)
		update := bson.M{"$setOnInsert": bson.M{
			"_id":       candidate.ID,
			"messages":  bson.A{},
			"createdAt": candidate.CreatedAt,
			"updatedAt": candidate.UpdatedAt,
		}}

		var session chat.Session
		err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&session)
		if err == nil {
			return session, session.ID == candidate.ID, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return chat.Session{}, false, fmt.Errorf("mongo: upsert session: %w", err)
		}
		lastErr = err
		s.logger.Debug("session upsert raced, retrying", zap.String("key", key.String()), zap.Int("attempt", attempt+1))
	}
	return chat.Session{}, false, fmt.Errorf("mongo: upsert session: %w", lastErr)
}

func (s *SessionStore) Get(ctx context.Context, id string) (chat.Session, error) {
	var session chat.Session
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("mongo: get session %s: %w", id, err)
	}
	return session, nil
}

// AppendMessages pushes onto active sessions only.
func (s *SessionStore) AppendMessages(ctx context.Context, id string, messages ...chat.Message) error {
	if len(messages) == 0 {
		return nil
	}
	for i := range messages {
		if !messages[i].Role.Valid() {
			return fmt.Errorf("mongo: append to session %s: invalid role %q", id, messages[i].Role)
		}
		if messages[i].ID == "" {
			messages[i].ID = uuid.NewString()
		}
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": chat.StatusActive},
		bson.M{
			"$push": bson.M{"messages": bson.M{"$each": messages}},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		})
	if err != nil {
		return fmt.Errorf("mongo: append to session %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return s.missingOrClosed(ctx, id)
	}
	return nil
}

func (s *SessionStore) SetSummary(ctx context.Context, id, summary string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"summary": summary, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("mongo: set summary on session %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return chat.ErrSessionNotFound
	}
	return nil
}

func (s *SessionStore) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": chat.StatusActive},
		bson.M{"$set": bson.M{"status": chat.StatusCompleted, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("mongo: complete session %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return s.missingOrClosed(ctx, id)
	}
	return nil
}

func (s *SessionStore) List(ctx context.Context, filter chat.Filter) ([]chat.Session, error) {
	cursor, err := s.coll.Find(ctx, sessionFilter(filter), sessionFindOptions(filter))
	if err != nil {
		return nil, fmt.Errorf("mongo: list sessions: %w", err)
	}
	defer cursor.Close(ctx)

	sessions := make([]chat.Session, 0, 8)
	if err := cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("mongo: decode sessions: %w", err)
	}
	return sessions, nil
}

func (s *SessionStore) missingOrClosed(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return chat.ErrSessionClosed
}

func sessionFilter(f chat.Filter) bson.M {
	filter := bson.M{}
	if f.TeamID != "" {
		filter["teamId"] = f.TeamID
	}
	if f.UserID != "" {
		filter["userId"] = f.UserID
	}
	if f.MissionID != "" {
		filter["missionId"] = f.MissionID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	return filter
}

func sessionFindOptions(f chat.Filter) *options.FindOptions {
	order := -1
	if f.OldestFirst {
		order = 1
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: order}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return opts
}
