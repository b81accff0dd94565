package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
)

// MissionStore implements mission.Store on a MongoDB collection.
type MissionStore struct {
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMissionStore returns a store over db's missions collection.
func NewMissionStore(db *mongo.Database, logger *zap.Logger) *MissionStore {
	return &MissionStore{coll: db.Collection(missionsCollection), logger: logger.Named("mongo.missions")}
}

func (s *MissionStore) Create(ctx context.Context, m mission.Mission) (mission.Mission, error) {
	if err := m.Validate(); err != nil {
		return mission.Mission{}, err
	}
	m = mission.Prepare(m)

	if _, err := s.coll.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return mission.Mission{}, mission.ErrMissionExists
		}
		return mission.Mission{}, fmt.Errorf("mongo: insert mission: %w", err)
	}
	return m, nil
}

func (s *MissionStore) Get(ctx context.Context, id string) (mission.Mission, error) {
	var m mission.Mission
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mission.Mission{}, mission.ErrMissionNotFound
	}
	if err != nil {
		return mission.Mission{}, fmt.Errorf("mongo: get mission %s: %w", id, err)
	}
	return m, nil
}

// List returns matching missions, newest first.
func (s *MissionStore) List(ctx context.Context, filter mission.Filter) ([]mission.Mission, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, missionFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list missions: %w", err)
	}
	defer cursor.Close(ctx)

	missions := make([]mission.Mission, 0, 16)
	if err := cursor.All(ctx, &missions); err != nil {
		return nil, fmt.Errorf("mongo: decode missions: %w", err)
	}
	return missions, nil
}

// Update applies patch when ownerID created the mission.
func (s *MissionStore) Update(ctx context.Context, id, ownerID string, patch mission.Patch) (mission.Mission, error) {
	if err := patch.Validate(); err != nil {
		return mission.Mission{}, err
	}

	set := patchDocument(patch)
	set["updatedAt"] = time.Now().UTC()

	var m mission.Mission
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "createdBy": ownerID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return mission.Mission{}, s.missingOrForeign(ctx, id)
	}
	if err != nil {
		return mission.Mission{}, fmt.Errorf("mongo: update mission %s: %w", id, err)
	}
	return m, nil
}

func (s *MissionStore) Delete(ctx context.Context, id, ownerID string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id, "createdBy": ownerID})
	if err != nil {
		return fmt.Errorf("mongo: delete mission %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return s.missingOrForeign(ctx, id)
	}
	return nil
}

// AddCompletion pushes c only when no record for c.UserID exists, so the
// check and the write happen in one document update.
func (s *MissionStore) AddCompletion(ctx context.Context, missionID string, c mission.Completion) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": missionID, "completions.userId": bson.M{"$ne": c.UserID}},
		bson.M{
			"$push": bson.M{"completions": c},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		})
	if err != nil {
		return fmt.Errorf("mongo: add completion to mission %s: %w", missionID, err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, missionID); err != nil {
			return err
		}
		return mission.ErrAlreadyCompleted
	}
	return nil
}

func (s *MissionStore) missingOrForeign(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return mission.ErrNotOwner
}

// missionFilter mirrors mission.Filter.Matches as a query document.
func missionFilter(f mission.Filter) bson.M {
	filter := bson.M{}
	if f.CreatedBy != "" {
		filter["createdBy"] = f.CreatedBy
	}
	if f.TeamID != "" {
		audience := bson.A{f.TeamID}
		if f.UserID != "" {
			audience = append(audience, f.UserID)
		}
		filter["$or"] = bson.A{
			bson.M{"isPublic": true},
			bson.M{"assignedTo": bson.M{"$in": audience}},
		}
	}
	return filter
}

func patchDocument(p mission.Patch) bson.M {
	set := bson.M{}
	if p.Title != nil {
		set["title"] = *p.Title
	}
	if p.IsPublic != nil {
		set["isPublic"] = *p.IsPublic
	}
	if p.Introduction != nil {
		set["introduction"] = *p.Introduction
	}
	if p.MainContent != nil {
		set["mainContent"] = *p.MainContent
	}
	if p.Examples != nil {
		set["examples"] = *p.Examples
	}
	if p.Conclusion != nil {
		set["conclusion"] = *p.Conclusion
	}
	if p.AssignedTo != nil {
		set["assignedTo"] = *p.AssignedTo
	}
	if p.Status != nil {
		set["status"] = *p.Status
	}
	if p.DueDate != nil {
		set["dueDate"] = p.DueDate.UTC()
	}
	return set
}
