// Package chat runs mission-grounded conversations: it resolves sessions,
// executes turns against the completion backend and closes missions out with
// a summary.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/mission-mentor/backend/internal/config"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
	"github.com/zhouzirui/mission-mentor/backend/internal/service/ai"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultHistoryLimit = 10
	defaultHistoryPage  = 10
	maxHistoryPage      = 100
)

// ErrCompletionUnavailable is returned when no completion backend is configured.
var ErrCompletionUnavailable = &apperr.Error{Kind: apperr.KindUnavailable, Message: "ai service is not configured"}

// Config tunes completion calls.
type Config struct {
	MaxTokens        int
	SummaryMaxTokens int
	Temperature      *float32
	Timeout          time.Duration
	HistoryLimit     int
	SummaryMaxChars  int
}

// ConfigFrom derives engine settings from the AI configuration.
func ConfigFrom(cfg config.AIConfig) Config {
	return Config{
		MaxTokens:        cfg.MaxTokens,
		SummaryMaxTokens: cfg.SummaryMaxTokens,
		Temperature:      ai.Temperature(cfg),
		Timeout:          cfg.Timeout,
		HistoryLimit:     cfg.HistoryLimit,
		SummaryMaxChars:  cfg.SummaryMaxChars,
	}
}

// Engine coordinates the mission and session stores with the completion backend.
type Engine struct {
	missions  mission.Store
	sessions  chat.Store
	completer ai.Completer
	cfg       Config
	logger    *zap.Logger

	resolves singleflight.Group
	locks    *keyedLocks
}

// NewEngine wires an engine. completer may be nil, in which case turns and
// summaries fail with ErrCompletionUnavailable.
func NewEngine(missions mission.Store, sessions chat.Store, completer ai.Completer, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.SummaryMaxChars <= 0 {
		cfg.SummaryMaxChars = 300
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		missions:  missions,
		sessions:  sessions,
		completer: completer,
		cfg:       cfg,
		logger:    logger.Named("chat"),
		locks:     newKeyedLocks(),
	}
}

// TurnResult is the outcome of one successful turn.
type TurnResult struct {
	SessionID string       `json:"sessionId"`
	UserTurn  chat.Message `json:"userTurn"`
	Reply     chat.Message `json:"reply"`
}

// StartResult is returned by StartMission.
type StartResult struct {
	Session chat.Session `json:"session"`
	Created bool         `json:"created"`
	// Turn is set when the start call carried a first message.
	Turn *TurnResult `json:"turn,omitempty"`
}

// ResolveOrCreateSession returns the active session for key, creating an empty
// one if needed. Concurrent calls for the same key converge on one session.
func (e *Engine) ResolveOrCreateSession(ctx context.Context, key chat.Key) (chat.Session, error) {
	session, _, err := e.resolve(ctx, key)
	return session, err
}

func (e *Engine) resolve(ctx context.Context, key chat.Key) (chat.Session, bool, error) {
	if err := key.Validate(); err != nil {
		return chat.Session{}, false, err
	}

	type resolved struct {
		session chat.Session
		created bool
	}
	v, err, _ := e.resolves.Do(key.String(), func() (any, error) {
		session, created, err := e.sessions.FindOrCreateActive(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		if created {
			e.logger.Info("session created",
				zap.String("session_id", session.ID),
				zap.String("team", key.TeamID),
				zap.String("user", key.UserID),
				zap.String("mission_id", key.MissionID))
		}
		return resolved{session: session, created: created}, nil
	})
	if err != nil {
		return chat.Session{}, false, fmt.Errorf("chat: resolve session for %s/%s: %w", key.TeamID, key.UserID, err)
	}
	r := v.(resolved)
	return r.session.Clone(), r.created, nil
}

// StartMission opens (or reopens) the caller's mission session. A non-empty
// text runs the first turn in the same call.
func (e *Engine) StartMission(ctx context.Context, key chat.Key, text string) (StartResult, error) {
	if strings.TrimSpace(key.MissionID) == "" {
		return StartResult{}, apperr.Validation("chat.StartMission", "mission id is required")
	}
	m, err := e.loadMission(ctx, key)
	if err != nil {
		return StartResult{}, err
	}
	if _, err := Preamble(&m); err != nil {
		return StartResult{}, err
	}

	session, created, err := e.resolve(ctx, key)
	if err != nil {
		return StartResult{}, err
	}

	result := StartResult{Session: session, Created: created}
	if strings.TrimSpace(text) == "" {
		return result, nil
	}

	turn, err := e.runTurn(ctx, session.ID, &m, text)
	if err != nil {
		return StartResult{}, err
	}
	result.Turn = &turn
	if refreshed, err := e.sessions.Get(ctx, session.ID); err == nil {
		result.Session = refreshed
	}
	return result, nil
}

// SendMessage runs one turn on the active session for key. A missionless key
// is free-form chat.
func (e *Engine) SendMessage(ctx context.Context, key chat.Key, text string) (TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, apperr.Validation("chat.SendMessage", "message is required")
	}

	var bound *mission.Mission
	if key.MissionID != "" {
		m, err := e.loadMission(ctx, key)
		if err != nil {
			return TurnResult{}, err
		}
		if _, err := Preamble(&m); err != nil {
			return TurnResult{}, err
		}
		bound = &m
	}

	session, _, err := e.resolve(ctx, key)
	if err != nil {
		return TurnResult{}, err
	}
	return e.runTurn(ctx, session.ID, bound, text)
}

// SendToSession runs one turn on a session addressed by id. Completed
// sessions are rejected with a conflict.
func (e *Engine) SendToSession(ctx context.Context, owner chat.Key, sessionID, text string) (TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return TurnResult{}, apperr.Validation("chat.SendToSession", "message is required")
	}
	session, err := e.GetSession(ctx, owner, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	if !session.Active() {
		return TurnResult{}, chat.ErrSessionClosed
	}

	var bound *mission.Mission
	if session.MissionID != "" {
		m, err := e.missions.Get(ctx, session.MissionID)
		if err != nil {
			return TurnResult{}, fmt.Errorf("chat: load mission %s: %w", session.MissionID, err)
		}
		bound = &m
	}
	return e.runTurn(ctx, session.ID, bound, text)
}

// runTurn holds the session lock from the user append through the assistant
// append, so turns on one session are applied in arrival order.
func (e *Engine) runTurn(ctx context.Context, sessionID string, m *mission.Mission, text string) (TurnResult, error) {
	if e.completer == nil {
		return TurnResult{}, ErrCompletionUnavailable
	}

	release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return TurnResult{}, apperr.Wrap(apperr.KindUnavailable, "chat.runTurn", err, "request cancelled while waiting for the session")
	}
	defer release()

	// The caller may go away from here on; the turn still completes.
	ctx = context.WithoutCancel(ctx)

	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("chat: load session %s: %w", sessionID, err)
	}
	if !session.Active() {
		return TurnResult{}, chat.ErrSessionClosed
	}

	msgs, err := BuildPrompt(ctx, m, session.Messages, text, e.cfg.HistoryLimit)
	if err != nil {
		return TurnResult{}, err
	}

	userTurn := chat.NewMessage(chat.RoleUser, text)
	if err := e.sessions.AppendMessages(ctx, sessionID, userTurn); err != nil {
		return TurnResult{}, fmt.Errorf("chat: append user turn to session %s: %w", sessionID, err)
	}

	reply, err := e.complete(ctx, ai.Request{
		Messages:    msgs,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	})
	if err != nil {
		e.logger.Warn("completion failed, user turn kept",
			zap.String("session_id", sessionID),
			zap.Int("history", len(session.Messages)+1),
			zap.Error(err))
		return TurnResult{}, apperr.Wrap(apperr.KindUnavailable, "chat.runTurn", err, "ai service unavailable, please retry")
	}

	assistantTurn := chat.NewMessage(chat.RoleAssistant, reply)
	if err := e.sessions.AppendMessages(ctx, sessionID, assistantTurn); err != nil {
		return TurnResult{}, fmt.Errorf("chat: append reply to session %s: %w", sessionID, err)
	}

	e.logger.Debug("turn completed",
		zap.String("session_id", sessionID),
		zap.Int("entries", len(session.Messages)+2))
	return TurnResult{SessionID: sessionID, UserTurn: userTurn, Reply: assistantTurn}, nil
}

// CompleteMission records the caller's completion of a mission. It succeeds
// once per (user, mission); later calls fail with a conflict.
func (e *Engine) CompleteMission(ctx context.Context, key chat.Key) (mission.Completion, error) {
	if err := key.Validate(); err != nil {
		return mission.Completion{}, err
	}
	if strings.TrimSpace(key.MissionID) == "" {
		return mission.Completion{}, apperr.Validation("chat.CompleteMission", "mission id is required")
	}

	release, err := e.locks.acquire(ctx, "complete\x00"+key.MissionID+"\x00"+key.UserID)
	if err != nil {
		return mission.Completion{}, apperr.Wrap(apperr.KindUnavailable, "chat.CompleteMission", err, "request cancelled while waiting")
	}
	defer release()

	if _, err := e.loadMission(ctx, key); err != nil {
		return mission.Completion{}, err
	}

	filter := chat.Filter{
		TeamID:      key.TeamID,
		UserID:      key.UserID,
		MissionID:   key.MissionID,
		OldestFirst: true,
	}
	sessions, err := e.sessions.List(ctx, filter)
	if err != nil {
		return mission.Completion{}, fmt.Errorf("chat: list sessions for mission %s: %w", key.MissionID, err)
	}

	// Turns in flight finish before the history is snapshotted.
	releaseSessions, err := e.lockActiveSessions(ctx, sessions)
	if err != nil {
		return mission.Completion{}, err
	}
	defer releaseSessions()

	sessions, err = e.sessions.List(ctx, filter)
	if err != nil {
		return mission.Completion{}, fmt.Errorf("chat: list sessions for mission %s: %w", key.MissionID, err)
	}

	var history []chat.Message
	for _, s := range sessions {
		history = append(history, s.Messages...)
	}

	summary, err := e.summarize(ctx, history)
	if err != nil {
		return mission.Completion{}, apperr.Wrap(apperr.KindUnavailable, "chat.CompleteMission", err, "ai service unavailable, please retry")
	}

	completion := mission.Completion{
		UserID:      key.UserID,
		TeamID:      key.TeamID,
		CompletedAt: time.Now().UTC(),
		Summary:     summary,
		ChatHistory: history,
	}
	if completion.ChatHistory == nil {
		completion.ChatHistory = []chat.Message{}
	}
	if err := e.missions.AddCompletion(ctx, key.MissionID, completion); err != nil {
		return mission.Completion{}, fmt.Errorf("chat: record completion of mission %s: %w", key.MissionID, err)
	}

	for _, s := range sessions {
		if !s.Active() {
			continue
		}
		if err := e.sessions.SetSummary(ctx, s.ID, summary); err != nil {
			e.logger.Warn("failed to store session summary", zap.String("session_id", s.ID), zap.Error(err))
		}
		if err := e.sessions.MarkCompleted(ctx, s.ID); err != nil && !errors.Is(err, chat.ErrSessionClosed) {
			return mission.Completion{}, fmt.Errorf("chat: close session %s: %w", s.ID, err)
		}
	}

	e.logger.Info("mission completed",
		zap.String("mission_id", key.MissionID),
		zap.String("user", key.UserID),
		zap.Int("entries", len(history)))
	return completion, nil
}

// lockActiveSessions takes the turn lock of every active session in id order.
func (e *Engine) lockActiveSessions(ctx context.Context, sessions []chat.Session) (func(), error) {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if s.Active() {
			ids = append(ids, s.ID)
		}
	}
	sort.Strings(ids)

	releases := make([]func(), 0, len(ids))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, id := range ids {
		release, err := e.locks.acquire(ctx, id)
		if err != nil {
			releaseAll()
			return nil, apperr.Wrap(apperr.KindUnavailable, "chat.CompleteMission", err, "request cancelled while waiting for the session")
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// SummarizeChat summarizes a whole session, stores the summary on it and
// returns the stored text.
func (e *Engine) SummarizeChat(ctx context.Context, owner chat.Key, sessionID string) (string, error) {
	session, err := e.GetSession(ctx, owner, sessionID)
	if err != nil {
		return "", err
	}

	summary, err := e.summarize(ctx, session.Messages)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, "chat.SummarizeChat", err, "ai service unavailable, please retry")
	}

	if err := e.sessions.SetSummary(context.WithoutCancel(ctx), session.ID, summary); err != nil {
		return "", fmt.Errorf("chat: store summary for session %s: %w", session.ID, err)
	}
	return summary, nil
}

// GetSession returns a session owned by owner's team and user.
func (e *Engine) GetSession(ctx context.Context, owner chat.Key, sessionID string) (chat.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return chat.Session{}, apperr.Validation("chat.GetSession", "session id is required")
	}
	session, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return chat.Session{}, fmt.Errorf("chat: load session %s: %w", sessionID, err)
	}
	if session.TeamID != owner.TeamID || session.UserID != owner.UserID {
		return chat.Session{}, apperr.Auth("chat.GetSession", "session belongs to another member")
	}
	return session, nil
}

// History lists the caller's sessions, newest first. An empty MissionID in key
// lists every session of the caller.
func (e *Engine) History(ctx context.Context, key chat.Key, limit int) ([]chat.Session, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	if limit > maxHistoryPage {
		limit = maxHistoryPage
	}

	sessions, err := e.sessions.List(ctx, chat.Filter{
		TeamID:    key.TeamID,
		UserID:    key.UserID,
		MissionID: key.MissionID,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: list history for %s/%s: %w", key.TeamID, key.UserID, err)
	}
	return sessions, nil
}

// loadMission fetches a mission the caller may chat about and has not finished.
func (e *Engine) loadMission(ctx context.Context, key chat.Key) (mission.Mission, error) {
	m, err := e.missions.Get(ctx, key.MissionID)
	if err != nil {
		return mission.Mission{}, fmt.Errorf("chat: load mission %s: %w", key.MissionID, err)
	}
	if !m.VisibleTo(key.TeamID, key.UserID) {
		return mission.Mission{}, apperr.Auth("chat.loadMission", "mission is not assigned to this team")
	}
	if _, done := m.CompletionFor(key.UserID); done {
		return mission.Mission{}, mission.ErrAlreadyCompleted
	}
	return m, nil
}

// summarize returns the placeholder for an empty log without calling the backend.
func (e *Engine) summarize(ctx context.Context, history []chat.Message) (string, error) {
	if len(history) == 0 {
		return NoConversationSummary, nil
	}
	if e.completer == nil {
		return "", ErrCompletionUnavailable
	}

	msgs, err := buildSummaryPrompt(ctx, history, e.cfg.SummaryMaxChars)
	if err != nil {
		return "", err
	}
	maxTokens := e.cfg.SummaryMaxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxTokens
	}
	return e.complete(ctx, ai.Request{Messages: msgs, MaxTokens: maxTokens, Temperature: e.cfg.Temperature})
}

// complete bounds one backend call by the configured timeout, independent of
// the caller's context.
func (e *Engine) complete(ctx context.Context, req ai.Request) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	reply, err := e.completer.Complete(callCtx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply.Content), nil
}
