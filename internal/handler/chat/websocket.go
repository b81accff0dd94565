package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	chatmodel "github.com/zhouzirui/mission-mentor/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/mission-mentor/backend/internal/service/chat"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
	"github.com/zhouzirui/mission-mentor/backend/pkg/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// Frame types exchanged over the mission chat socket.
const (
	frameMessage   = "message"
	frameComplete  = "complete"
	frameConnected = "connected"
	frameReply     = "reply"
	frameCompleted = "completed"
	frameError     = "error"
)

// WebSocketHandler 任务对话的WebSocket处理器
type WebSocketHandler struct {
	engine   *chatservice.Engine
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(engine *chatservice.Engine, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		engine: engine,
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			// Origins are enforced by the CORS layer and the bearer token.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type inboundMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type errorData struct {
	Kind  apperr.Kind `json:"kind"`
	Error string      `json:"error"`
}

// handleWebSocket 处理任务对话连接，升级前先解析会话，前置校验失败时返回普通HTTP错误
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := callerKey(r, chi.URLParam(r, "id"))

	start, err := h.engine.StartMission(r.Context(), key, "")
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	sessionID := start.Session.ID

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := h.logger.With(
		zap.String("session_id", sessionID),
		zap.String("team", key.TeamID),
		zap.String("user", key.UserID),
	)
	logger.Info("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.pingLoop(ctx, conn)

	h.send(conn, logger, outgoingMessage{Type: frameConnected, SessionID: sessionID, Data: start.Session})

	for {
		// A turn may outlast the previous deadline, so it is renewed per read.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		if done := h.handleMessage(ctx, conn, logger, key, sessionID, msg); done {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "mission completed"),
				time.Now().Add(writeWait))
			logger.Info("connection closed after completion")
			return
		}
	}
}

// handleMessage runs one inbound frame and reports whether the mission was completed.
func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *websocket.Conn, logger *zap.Logger, key chatmodel.Key, sessionID string, msg inboundMessage) bool {
	switch msg.Type {
	case frameMessage:
		turn, err := h.engine.SendMessage(ctx, key, msg.Message)
		if err != nil {
			h.sendError(conn, logger, sessionID, err)
			return false
		}
		h.send(conn, logger, outgoingMessage{Type: frameReply, SessionID: sessionID, Data: turn})
		return false
	case frameComplete:
		completion, err := h.engine.CompleteMission(ctx, key)
		if err != nil {
			h.sendError(conn, logger, sessionID, err)
			return false
		}
		h.send(conn, logger, outgoingMessage{Type: frameCompleted, SessionID: sessionID, Data: completion})
		return true
	default:
		h.sendError(conn, logger, sessionID, apperr.Validation("chat.ws", "unknown message type: "+msg.Type))
		return false
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, logger *zap.Logger, msg outgoingMessage) {
	msg.Timestamp = time.Now().Unix()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		logger.Warn("write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(conn *websocket.Conn, logger *zap.Logger, sessionID string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logger.Error("turn failed", zap.Error(err))
	}
	h.send(conn, logger, outgoingMessage{
		Type:      frameError,
		SessionID: sessionID,
		Data:      errorData{Kind: kind, Error: apperr.MessageOf(err)},
	})
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
