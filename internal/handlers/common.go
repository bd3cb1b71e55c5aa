package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mutualaid/backend/internal/models"
	"github.com/mutualaid/backend/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}

// writeServiceError maps service errors onto statuses. Anything unknown is a
// 500 with the generic message and gets logged.
func writeServiceError(w http.ResponseWriter, log *zap.Logger, op string, err error, generic string) {
	switch {
	case errors.Is(err, services.ErrProfileNotFound):
		writeJSON(w, http.StatusNotFound, models.NewErrorResponse("Profile not found"))
	case errors.Is(err, services.ErrProfileExists):
		writeJSON(w, http.StatusConflict, models.NewErrorResponse("Profile already exists"))
	case errors.Is(err, services.ErrEmailNotVerified):
		writeJSON(w, http.StatusForbidden, models.NewErrorResponse("Email address is not verified"))
	case services.IsForbidden(err):
		writeJSON(w, http.StatusForbidden, models.NewErrorResponse("Forbidden"))
	case errors.Is(err, services.ErrTokenExpired):
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Token expired"))
	case services.IsBadRequest(err):
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse(err.Error()))
	case errors.Is(err, services.ErrNoPhotoStore):
		writeJSON(w, http.StatusServiceUnavailable, models.NewErrorResponse("Photo uploads are unavailable"))
	default:
		log.Error(op+" failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.NewErrorResponse(generic))
	}
}
