package mission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Filter narrows mission listings.
type Filter struct {
	// TeamID restricts results to missions visible to the team: public or assigned.
	TeamID string
	// UserID additionally admits missions assigned directly to the user.
	UserID    string
	CreatedBy string
}

// Store exposes mission persistence.
type Store interface {
	Create(ctx context.Context, m Mission) (Mission, error)
	Get(ctx context.Context, id string) (Mission, error)
	List(ctx context.Context, filter Filter) ([]Mission, error)
	// Update and Delete only succeed for the owning administrator.
	Update(ctx context.Context, id, ownerID string, patch Patch) (Mission, error)
	Delete(ctx context.Context, id, ownerID string) error
	// AddCompletion appends c unless c.UserID already has a record.
	AddCompletion(ctx context.Context, missionID string, c Completion) error
}

// Prepare fills defaults for a mission about to be inserted.
func Prepare(m Mission) Mission {
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.Examples == nil {
		m.Examples = []string{}
	}
	if m.AssignedTo == nil {
		m.AssignedTo = []string{}
	}
	m.Completions = []Completion{}
	m.CreatedAt = now
	m.UpdatedAt = now
	return m
}

// Matches reports whether m satisfies filter.
func (f Filter) Matches(m Mission) bool {
	if f.CreatedBy != "" && m.CreatedBy != f.CreatedBy {
		return false
	}
	if f.TeamID != "" && !m.VisibleTo(f.TeamID, f.UserID) {
		return false
	}
	return true
}

// MemoryStore implements Store with an in-memory map.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Mission
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied missions.
func NewMemoryStore(items []Mission) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Mission, len(items))}
	for _, item := range items {
		prepared := Prepare(item)
		s.items[prepared.ID] = prepared
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, m Mission) (Mission, error) {
	if err := m.Validate(); err != nil {
		return Mission{}, err
	}
	m = Prepare(m)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[m.ID]; exists {
		return Mission{}, ErrMissionExists
	}
	s.items[m.ID] = m
	return m.clone(), nil
}

// Get looks up a mission by identifier.
func (s *MemoryStore) Get(_ context.Context, id string) (Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.items[id]
	if !ok {
		return Mission{}, ErrMissionNotFound
	}
	return m.clone(), nil
}

// List returns matching missions, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Mission, error) {
	s.mu.RLock()
	out := make([]Mission, 0, len(s.items))
	for _, m := range s.items {
		if filter.Matches(m) {
			out = append(out, m.clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id, ownerID string, patch Patch) (Mission, error) {
	if err := patch.Validate(); err != nil {
		return Mission{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return Mission{}, ErrMissionNotFound
	}
	if m.CreatedBy != ownerID {
		return Mission{}, ErrNotOwner
	}
	patch.Apply(&m)
	m.UpdatedAt = time.Now().UTC()
	s.items[id] = m
	return m.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return ErrMissionNotFound
	}
	if m.CreatedBy != ownerID {
		return ErrNotOwner
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) AddCompletion(_ context.Context, missionID string, c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[missionID]
	if !ok {
		return ErrMissionNotFound
	}
	if _, done := m.CompletionFor(c.UserID); done {
		return ErrAlreadyCompleted
	}
	m.Completions = append(m.Completions, c)
	s.items[missionID] = m
	return nil
}
