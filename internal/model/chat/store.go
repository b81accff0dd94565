package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

// Filter narrows session listings. Empty fields match everything.
type Filter struct {
	TeamID    string
	UserID    string
	MissionID string
	Status    Status
	Limit     int
	// OldestFirst sorts by creation time ascending; the default is newest first.
	OldestFirst bool
}

// Store persists sessions. Every mutation targets a single session.
type Store interface {
	// FindOrCreateActive atomically returns the active session for key, creating an
	// empty one when none exists. created reports whether this call inserted it.
	FindOrCreateActive(ctx context.Context, key Key) (session Session, created bool, err error)
	Get(ctx context.Context, id string) (Session, error)
	// AppendMessages pushes turns onto an active session's log in order.
	AppendMessages(ctx context.Context, id string, messages ...Message) error
	SetSummary(ctx context.Context, id, summary string) error
	// MarkCompleted moves an active session to completed.
	MarkCompleted(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter) ([]Session, error)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	active   map[Key]string
}

// NewMemoryStore bootstraps the in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		active:   make(map[Key]string),
	}
}

// FindOrCreateActive looks up and inserts under one write lock.
func (s *MemoryStore) FindOrCreateActive(_ context.Context, key Key) (Session, bool, error) {
	if err := key.Validate(); err != nil {
		return Session{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[key]; ok {
		if existing, ok := s.sessions[id]; ok && existing.Active() {
			return existing.Clone(), false, nil
		}
	}

	session := NewSession(key)
	s.sessions[session.ID] = &session
	s.active[key] = session.ID
	return session.Clone(), true, nil
}

// Get retrieves a session by identifier.
func (s *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// AppendMessages appends turns to the session history.
func (s *MemoryStore) AppendMessages(_ context.Context, id string, messages ...Message) error {
	for _, msg := range messages {
		if !msg.Role.Valid() {
			return apperr.Validation("chat.AppendMessages", "message role must be user or assistant")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !session.Active() {
		return ErrSessionClosed
	}

	session.Messages = append(session.Messages, messages...)
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetSummary(_ context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.Summary = summary
	session.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !session.Active() {
		return ErrSessionClosed
	}
	session.Status = StatusCompleted
	session.UpdatedAt = time.Now().UTC()
	if s.active[session.Key()] == id {
		delete(s.active, session.Key())
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Session, error) {
	s.mu.RLock()
	out := make([]Session, 0, 8)
	for _, session := range s.sessions {
		if filter.TeamID != "" && session.TeamID != filter.TeamID {
			continue
		}
		if filter.UserID != "" && session.UserID != filter.UserID {
			continue
		}
		if filter.MissionID != "" && session.MissionID != filter.MissionID {
			continue
		}
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		out = append(out, session.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if filter.OldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
