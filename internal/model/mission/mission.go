package mission

import (
	"slices"
	"strings"
	"time"

	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

// Status is descriptive only; it never gates chat access.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	default:
		return false
	}
}

var (
	ErrMissionNotFound  = &apperr.Error{Kind: apperr.KindNotFound, Message: "mission not found"}
	ErrNotOwner         = &apperr.Error{Kind: apperr.KindAuth, Message: "mission is owned by another administrator"}
	ErrAlreadyCompleted = &apperr.Error{Kind: apperr.KindConflict, Message: "mission already completed by this user"}
	ErrMissionExists    = &apperr.Error{Kind: apperr.KindConflict, Message: "mission id already exists"}
)

// Mission is an authored lesson that members discuss with the mentor.
type Mission struct {
	ID           string       `json:"id" bson:"_id" yaml:"id"`
	Title        string       `json:"title" bson:"title" yaml:"title"`
	IsPublic     bool         `json:"isPublic" bson:"isPublic" yaml:"isPublic"`
	Introduction string       `json:"introduction,omitempty" bson:"introduction,omitempty" yaml:"introduction"`
	MainContent  string       `json:"mainContent" bson:"mainContent" yaml:"mainContent"`
	Examples     []string     `json:"examples" bson:"examples" yaml:"examples"`
	Conclusion   string       `json:"conclusion,omitempty" bson:"conclusion,omitempty" yaml:"conclusion"`
	CreatedBy    string       `json:"createdBy" bson:"createdBy" yaml:"createdBy"`
	AssignedTo   []string     `json:"assignedTo" bson:"assignedTo" yaml:"assignedTo"`
	Status       Status       `json:"status" bson:"status" yaml:"status"`
	DueDate      *time.Time   `json:"dueDate,omitempty" bson:"dueDate,omitempty" yaml:"dueDate"`
	Completions  []Completion `json:"completions,omitempty" bson:"completions" yaml:"-"`
	CreatedAt    time.Time    `json:"createdAt" bson:"createdAt" yaml:"-"`
	UpdatedAt    time.Time    `json:"updatedAt" bson:"updatedAt" yaml:"-"`
}

// Completion records that a user finished a mission. It is written once.
type Completion struct {
	UserID      string         `json:"userId" bson:"userId"`
	TeamID      string         `json:"teamId" bson:"teamId"`
	CompletedAt time.Time      `json:"completedAt" bson:"completedAt"`
	Summary     string         `json:"summary" bson:"summary"`
	ChatHistory []chat.Message `json:"chatHistory" bson:"chatHistory"`
}

// Validate enforces the required narrative fields.
func (m Mission) Validate() error {
	if strings.TrimSpace(m.Title) == "" {
		return apperr.Validation("mission.Validate", "title is required")
	}
	if strings.TrimSpace(m.MainContent) == "" {
		return apperr.Validation("mission.Validate", "mainContent is required")
	}
	if m.Status != "" && !m.Status.Valid() {
		return apperr.Validation("mission.Validate", "status must be pending, in-progress or completed")
	}
	return nil
}

// VisibleTo reports whether a member of team (or the user directly) may see the mission.
func (m Mission) VisibleTo(teamID, userID string) bool {
	if m.IsPublic {
		return true
	}
	for _, assignee := range m.AssignedTo {
		if assignee == "" {
			continue
		}
		if assignee == teamID || assignee == userID {
			return true
		}
	}
	return false
}

// CompletionFor returns the completion record of userID, if any.
func (m Mission) CompletionFor(userID string) (Completion, bool) {
	for _, c := range m.Completions {
		if c.UserID == userID {
			return c, true
		}
	}
	return Completion{}, false
}

// WithCompletionsOf drops every completion record except the caller's.
func (m Mission) WithCompletionsOf(userID string) Mission {
	out := m
	out.Completions = nil
	if c, ok := m.CompletionFor(userID); ok {
		out.Completions = []Completion{c}
	}
	return out
}

// Patch describes a partial update. Nil fields are left untouched.
type Patch struct {
	Title        *string
	IsPublic     *bool
	Introduction *string
	MainContent  *string
	Examples     *[]string
	Conclusion   *string
	AssignedTo   *[]string
	Status       *Status
	DueDate      *time.Time
}

func (p Patch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return apperr.Validation("mission.Patch", "title cannot be empty")
	}
	if p.MainContent != nil && strings.TrimSpace(*p.MainContent) == "" {
		return apperr.Validation("mission.Patch", "mainContent cannot be empty")
	}
	if p.Status != nil && !p.Status.Valid() {
		return apperr.Validation("mission.Patch", "status must be pending, in-progress or completed")
	}
	return nil
}

// Apply copies the set fields onto m.
func (p Patch) Apply(m *Mission) {
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.IsPublic != nil {
		m.IsPublic = *p.IsPublic
	}
	if p.Introduction != nil {
		m.Introduction = *p.Introduction
	}
	if p.MainContent != nil {
		m.MainContent = *p.MainContent
	}
	if p.Examples != nil {
		m.Examples = slices.Clone(*p.Examples)
	}
	if p.Conclusion != nil {
		m.Conclusion = *p.Conclusion
	}
	if p.AssignedTo != nil {
		m.AssignedTo = slices.Clone(*p.AssignedTo)
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.DueDate != nil {
		due := *p.DueDate
		m.DueDate = &due
	}
}

func (m Mission) clone() Mission {
	out := m
	out.Examples = slices.Clone(m.Examples)
	out.AssignedTo = slices.Clone(m.AssignedTo)
	if m.DueDate != nil {
		due := *m.DueDate
		out.DueDate = &due
	}
	out.Completions = make([]Completion, len(m.Completions))
	for i, c := range m.Completions {
		c.ChatHistory = slices.Clone(c.ChatHistory)
		out.Completions[i] = c
	}
	return out
}
