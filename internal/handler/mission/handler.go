package mission

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/internal/auth"
	"github.com/zhouzirui/mission-mentor/backend/internal/model/mission"
	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
	"github.com/zhouzirui/mission-mentor/backend/pkg/utils"
)

// Handler 任务管理的HTTP处理器
type Handler struct {
	missions mission.Store
	logger   *zap.Logger
}

// New 创建任务处理器
func New(missions mission.Store, logger *zap.Logger) *Handler {
	return &Handler{missions: missions, logger: logger.Named("handler.mission")}
}

// RegisterRoutes 注册任务相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/missions", h.handleList)
	r.Get("/missions/{id}", h.handleGet)

	r.Group(func(admin chi.Router) {
		admin.Use(auth.RequireAdmin)
		admin.Post("/missions", h.handleCreate)
		admin.Put("/missions/{id}", h.handleUpdate)
		admin.Delete("/missions/{id}", h.handleDelete)
	})
}

type createPayload struct {
	Title        string         `json:"title" validate:"required,max=200"`
	IsPublic     bool           `json:"isPublic"`
	Introduction string         `json:"introduction" validate:"max=20000"`
	MainContent  string         `json:"mainContent" validate:"required,max=50000"`
	Examples     []string       `json:"examples" validate:"max=50,dive,required"`
	Conclusion   string         `json:"conclusion" validate:"max=20000"`
	AssignedTo   []string       `json:"assignedTo" validate:"dive,required"`
	Status       mission.Status `json:"status" validate:"omitempty,oneof=pending in-progress completed"`
	DueDate      *time.Time     `json:"dueDate"`
}

type updatePayload struct {
	Title        *string         `json:"title" validate:"omitempty,max=200"`
	IsPublic     *bool           `json:"isPublic"`
	Introduction *string         `json:"introduction" validate:"omitempty,max=20000"`
	MainContent  *string         `json:"mainContent" validate:"omitempty,max=50000"`
	Examples     *[]string       `json:"examples" validate:"omitempty,max=50,dive,required"`
	Conclusion   *string         `json:"conclusion" validate:"omitempty,max=20000"`
	AssignedTo   *[]string       `json:"assignedTo" validate:"omitempty,dive,required"`
	Status       *mission.Status `json:"status" validate:"omitempty,oneof=pending in-progress completed"`
	DueDate      *time.Time      `json:"dueDate"`
}

func (p updatePayload) patch() mission.Patch {
	return mission.Patch{
		Title:        p.Title,
		IsPublic:     p.IsPublic,
		Introduction: p.Introduction,
		MainContent:  p.MainContent,
		Examples:     p.Examples,
		Conclusion:   p.Conclusion,
		AssignedTo:   p.AssignedTo,
		Status:       p.Status,
		DueDate:      p.DueDate,
	}
}

// handleList 列出调用者可见的任务，管理员可按 ?team= 与 ?createdBy=me 过滤
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	filter := mission.Filter{}
	if id.IsAdmin {
		filter.TeamID = r.URL.Query().Get("team")
		if r.URL.Query().Get("createdBy") == "me" {
			filter.CreatedBy = id.UserID
		}
	} else {
		filter.TeamID = id.TeamID
		filter.UserID = id.UserID
	}

	missions, err := h.missions.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list missions failed", zap.Error(err))
		utils.RespondAppError(w, err)
		return
	}

	if !id.IsAdmin {
		for i := range missions {
			missions[i] = missions[i].WithCompletionsOf(id.UserID)
		}
	}
	utils.RespondJSON(w, http.StatusOK, missions)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	m, err := h.missions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if !id.IsAdmin {
		if !m.VisibleTo(id.TeamID, id.UserID) {
			utils.RespondAppError(w, apperr.Auth("mission.Get", "mission is not assigned to this team"))
			return
		}
		m = m.WithCompletionsOf(id.UserID)
	}
	utils.RespondJSON(w, http.StatusOK, m)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var payload createPayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	created, err := h.missions.Create(r.Context(), mission.Mission{
		Title:        payload.Title,
		IsPublic:     payload.IsPublic,
		Introduction: payload.Introduction,
		MainContent:  payload.MainContent,
		Examples:     payload.Examples,
		Conclusion:   payload.Conclusion,
		AssignedTo:   payload.AssignedTo,
		Status:       payload.Status,
		DueDate:      payload.DueDate,
		CreatedBy:    id.UserID,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			h.logger.Error("create mission failed", zap.Error(err))
		}
		utils.RespondAppError(w, err)
		return
	}

	h.logger.Info("mission created", zap.String("mission_id", created.ID), zap.String("owner", id.UserID))
	utils.RespondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var payload updatePayload
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	updated, err := h.missions.Update(r.Context(), chi.URLParam(r, "id"), id.UserID, payload.patch())
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	if err := h.missions.Delete(r.Context(), chi.URLParam(r, "id"), id.UserID); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
