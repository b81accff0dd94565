package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

var (
	ErrSessionNotFound = &apperr.Error{Kind: apperr.KindNotFound, Message: "session not found"}
	ErrSessionClosed   = &apperr.Error{Kind: apperr.KindConflict, Message: "session is already completed"}
)

// Key identifies the single active session a member may hold for a mission.
// An empty MissionID denotes free-form chat.
type Key struct {
	TeamID    string
	UserID    string
	MissionID string
}

func (k Key) String() string {
	return k.TeamID + "\x00" + k.UserID + "\x00" + k.MissionID
}

// Validate rejects keys without an owning team and user.
func (k Key) Validate() error {
	if strings.TrimSpace(k.TeamID) == "" {
		return apperr.Validation("chat.Key", "team id is required")
	}
	if strings.TrimSpace(k.UserID) == "" {
		return apperr.Validation("chat.Key", "user id is required")
	}
	return nil
}

// Session captures one member's conversation, optionally bound to a mission.
type Session struct {
	ID        string    `json:"id" bson:"_id"`
	TeamID    string    `json:"teamId" bson:"teamId"`
	UserID    string    `json:"userId" bson:"userId"`
	MissionID string    `json:"missionId,omitempty" bson:"missionId"`
	Messages  []Message `json:"messages" bson:"messages"`
	Status    Status    `json:"status" bson:"status"`
	Summary   string    `json:"summary,omitempty" bson:"summary,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// NewSession returns an empty active session for key.
func NewSession(key Key) Session {
	now := time.Now().UTC()
	return Session{
		ID:        uuid.NewString(),
		TeamID:    key.TeamID,
		UserID:    key.UserID,
		MissionID: key.MissionID,
		Messages:  make([]Message, 0, 16),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s Session) Key() Key {
	return Key{TeamID: s.TeamID, UserID: s.UserID, MissionID: s.MissionID}
}

func (s Session) Active() bool {
	return s.Status == StatusActive
}

// Clone copies the message log so callers cannot mutate stored state.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}
