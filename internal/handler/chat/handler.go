package chat

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/auth"
	chatmodel "github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/mission-mentor/backend/internal/service/chat"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
	"github.com/zhouzirui/mission-mentor/backend/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	engine *chatservice.Engine
	logger *zap.Logger
	ws     *WebSocketHandler
}

// New 创建聊天处理器
func New(engine *chatservice.Engine, logger *zap.Logger) *Handler {
	logger = logger.Named("handler.chat")
	return &Handler{
		engine: engine,
		logger: logger,
		ws:     NewWebSocketHandler(engine, logger),
	}
}

// RegisterRoutes 注册聊天相关的路由，r 应挂载在 /teams/{team} 之下
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/missions/{id}/chat/start", h.handleStart)
	r.Post("/missions/{id}/chat/continue", h.handleContinue)
	r.Post("/missions/{id}/complete", h.handleComplete)
	r.Get("/missions/{id}/chat/ws", h.ws.handleWebSocket)

	r.Post("/chat", h.handleChat)
	r.Get("/chat/history", h.handleHistory)
	r.Get("/chat/{sessionID}", h.handleGetSession)
	r.Post("/chat/{sessionID}/messages", h.handleSessionMessage)
	r.Post("/chat/{sessionID}/summarize", h.handleSummarize)
}

type startPayload struct {
	Message string `json:"message" validate:"max=8000"`
}

type messagePayload struct {
	Message string `json:"message" validate:"required,max=8000"`
}

type chatPayload struct {
	Message   string `json:"message" validate:"required,max=8000"`
	MissionID string `json:"missionId"`
}

// callerKey builds the session key of the authenticated caller.
func callerKey(r *http.Request, missionID string) chatmodel.Key {
	id, _ := auth.FromContext(r.Context())
	return chatmodel.Key{
		TeamID:    chi.URLParam(r, "team"),
		UserID:    id.UserID,
		MissionID: missionID,
	}
}

// handleStart 开始（或恢复）任务对话，可携带第一条消息
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload startPayload
	if err := utils.DecodeOptionalJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	key := callerKey(r, chi.URLParam(r, "id"))
	result, err := h.engine.StartMission(r.Context(), key, payload.Message)
	if err != nil {
		h.respondEngineError(w, "start mission chat", key, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	utils.RespondJSON(w, status, result)
}

// handleContinue 在任务会话中继续对话
func (h *Handler) handleContinue(w http.ResponseWriter, r *http.Request) {
	var payload messagePayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	key := callerKey(r, chi.URLParam(r, "id"))
	turn, err := h.engine.SendMessage(r.Context(), key, payload.Message)
	if err != nil {
		h.respondEngineError(w, "continue mission chat", key, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, turn)
}

// handleComplete 完成任务并生成对话总结
func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	key := callerKey(r, chi.URLParam(r, "id"))
	completion, err := h.engine.CompleteMission(r.Context(), key)
	if err != nil {
		h.respondEngineError(w, "complete mission", key, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, completion)
}

// handleChat 团队自由对话，missionId 可选
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	key := callerKey(r, payload.MissionID)
	turn, err := h.engine.SendMessage(r.Context(), key, payload.Message)
	if err != nil {
		h.respondEngineError(w, "send chat message", key, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, turn)
}

// handleHistory 按时间倒序返回调用者的会话
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			utils.RespondAppError(w, apperr.Validation("chat.History", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	key := callerKey(r, r.URL.Query().Get("missionId"))
	sessions, err := h.engine.History(r.Context(), key, limit)
	if err != nil {
		h.respondEngineError(w, "list chat history", key, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := callerKey(r, "")
	session, err := h.engine.GetSession(r.Context(), key, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondEngineError(w, "get chat session", key, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	var payload messagePayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	key := callerKey(r, "")
	turn, err := h.engine.SendToSession(r.Context(), key, chi.URLParam(r, "sessionID"), payload.Message)
	if err != nil {
		h.respondEngineError(w, "send session message", key, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, turn)
}

// handleSummarize 总结整个会话
func (h *Handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	key := callerKey(r, "")
	summary, err := h.engine.SummarizeChat(r.Context(), key, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondEngineError(w, "summarize chat", key, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (h *Handler) respondEngineError(w http.ResponseWriter, action string, key chatmodel.Key, err error) {
	fields := []zap.Field{
		zap.String("team", key.TeamID),
		zap.String("user", key.UserID),
		zap.String("mission_id", key.MissionID),
		zap.Error(err),
	}
	switch apperr.KindOf(err) {
	case apperr.KindInternal:
		h.logger.Error(action+" failed", fields...)
	case apperr.KindUnavailable:
		h.logger.Warn(action+" unavailable", fields...)
	default:
		h.logger.Debug(action+" rejected", fields...)
	}
	utils.RespondAppError(w, err)
}
