package utils

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/zhouzirui/mission-mentor/backend/pkg/apperr"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondAppError maps an apperr kind onto an HTTP status and writes {"error","kind"}.
func RespondAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := StatusForKind(kind)
	if kind == apperr.KindUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	RespondJSON(w, status, map[string]string{
		"error": apperr.MessageOf(err),
		"kind":  string(kind),
	})
}

// StatusForKind returns the HTTP status code for an error kind.
func StatusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
