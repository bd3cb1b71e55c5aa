package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mutualaid/backend/internal/middleware"
	"github.com/mutualaid/backend/internal/models"
	"github.com/mutualaid/backend/internal/services"
)

// ProfileService is what the handlers need from services.MongoProfileService.
type ProfileService interface {
	Search(ctx context.Context, viewer *models.Identity, params services.SearchParams) (*models.SearchPage, error)
	GetProfile(ctx context.Context, viewer *models.Identity, id string) (*models.ProfileView, error)
	GetOwnProfile(ctx context.Context, viewer *models.Identity) (*models.ProfileView, error)
	CreateProfile(ctx context.Context, identity *models.Identity, req *models.CreateProfileRequest) (*models.ProfileView, error)
	UpdateProfile(ctx context.Context, viewer *models.Identity, req *models.UpdateProfileRequest) (*models.ProfileView, error)
	UploadAvatar(ctx context.Context, viewer *models.Identity, filename, contentType string, r io.Reader) (*models.ProfileView, error)
	DeleteAvatar(ctx context.Context, viewer *models.Identity) (*models.ProfileView, error)
	SetRole(ctx context.Context, actor *models.Identity, subjectID, role string) (*models.ProfileView, error)
	Unsubscribe(ctx context.Context, token string) error
}

type ProfileHandler struct {
	profiles  ProfileService
	log       *zap.Logger
	timeout   time.Duration
	maxSizeMB int64
}

func NewProfileHandler(profiles ProfileService, log *zap.Logger, timeout time.Duration, maxUploadSizeMB int64) *ProfileHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if maxUploadSizeMB <= 0 {
		maxUploadSizeMB = 5
	}
	return &ProfileHandler{profiles: profiles, log: log, timeout: timeout, maxSizeMB: maxUploadSizeMB}
}

// Routes mounts the profile API. auth requires a caller, optional attaches one if present.
func (h *ProfileHandler) Routes(auth, optional func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/unsubscribe", h.Unsubscribe)

	r.Group(func(r chi.Router) {
		r.Use(optional)
		r.Get("/", h.SearchProfiles)
		r.Get("/{userId}", h.GetProfile)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/", h.CreateProfile)
		r.Get("/current", h.GetOwnProfile)
		r.Patch("/current", h.UpdateProfile)
		r.Post("/current/avatar", h.UploadAvatar)
		r.Delete("/current/avatar", h.DeleteAvatar)
		r.Put("/{userId}/role", h.SetRole)
	})

	return r
}

func (h *ProfileHandler) SearchProfiles(w http.ResponseWriter, r *http.Request) {
	params, err := parseSearchParams(r.URL.Query())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse(err.Error()))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	viewer := middleware.GetIdentity(r.Context())
	if params.Limit == services.UnlimitedResults && viewer == nil {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authentication required for unlimited results"))
		return
	}

	page, err := h.profiles.Search(ctx, viewer, params)
	if err != nil {
		writeServiceError(w, h.log.With(zap.String("user", middleware.GetUserID(r.Context()))), "SearchProfiles", err, "Failed to search profiles")
		return
	}
	if params.IncludeMeta {
		writeJSON(w, http.StatusOK, models.NewSuccessResponse(page))
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(page.Data))
}

func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "userId")
	if targetID == "" {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Missing userId"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	prof, err := h.profiles.GetProfile(ctx, middleware.GetIdentity(r.Context()), targetID)
	if err != nil {
		writeServiceError(w, h.log.With(zap.String("target", targetID)), "GetProfile", err, "Failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(prof))
}

func (h *ProfileHandler) GetOwnProfile(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetIdentity(r.Context())
	if viewer == nil {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	prof, err := h.profiles.GetOwnProfile(ctx, viewer)
	if err != nil {
		writeServiceError(w, h.log.With(zap.String("user", viewer.AuthID)), "GetOwnProfile", err, "Failed to load profile")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(prof))
}

func (h *ProfileHandler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	var req models.CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Invalid request body"))
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	prof, err := h.profiles.CreateProfile(ctx, identity, &req)
	if err != nil {
		writeServiceError(w, h.log.With(zap.String("user", identity.AuthID)), "CreateProfile", err, "Failed to create profile")
		return
	}
	h.log.Info("profile created", zap.String("user", identity.AuthID), zap.String("profile_id", prof.ID.Hex()))
	writeJSON(w, http.StatusCreated, models.NewSuccessResponse(prof))
}

func (h *ProfileHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetIdentity(r.Context())
	if viewer == nil {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	var req models.UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Invalid request body"))
		return
	}
	if errors := req.Validate(); len(errors) > 0 {
		writeJSON(w, http.StatusBadRequest, models.NewValidationErrorResponse(errors))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	prof, err := h.profiles.UpdateProfile(ctx, viewer, &req)
	if err != nil {
		writeServiceError(w, h.log.With(zap.String("user", viewer.AuthID)), "UpdateProfile", err, "Failed to update profile")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(prof))
}

func (h *ProfileHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetIdentity(r.Context())
	if viewer == nil {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxSizeMB*1024*1024)
	if err := r.ParseMultipartForm(h.maxSizeMB * 1024 * 1024); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("File too large or invalid form data"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("No image file provided"))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !isValidImageType(contentType) {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Invalid image type. Allowed: JPEG, PNG, GIF, WebP"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	prof, err := h.profiles.UploadAvatar(ctx, viewer, header.Filename, contentType, file)
	if err != nil {
		writeServiceError(w, h.log.With(zap.String("user", viewer.AuthID)), "UploadAvatar", err, "Failed to upload avatar")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(prof))
}

func (h *ProfileHandler) DeleteAvatar(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetIdentity(r.Context())
	if viewer == nil {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	prof, err := h.profiles.DeleteAvatar(ctx, viewer)
	if err != nil {
		writeServiceError(w, h.log.With(zap.String("user", viewer.AuthID)), "DeleteAvatar", err, "Failed to delete avatar")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(prof))
}

func (h *ProfileHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	actor := middleware.GetIdentity(r.Context())
	if actor == nil {
		writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Unauthorized"))
		return
	}

	var req models.SetRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Invalid request body"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	targetID := chi.URLParam(r, "userId")
	prof, err := h.profiles.SetRole(ctx, actor, targetID, req.Role)
	if err != nil {
		writeServiceError(w, h.log.With(zap.String("user", actor.AuthID), zap.String("target", targetID)), "SetRole", err, "Failed to set role")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(prof))
}

func (h *ProfileHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req models.UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeJSON(w, http.StatusBadRequest, models.NewErrorResponse("Missing token"))
		return
	}

	ctx, cancel := contextWithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.profiles.Unsubscribe(ctx, req.Token); err != nil {
		writeServiceError(w, h.log, "Unsubscribe", err, "Failed to unsubscribe")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(map[string]string{"message": "Unsubscribed"}))
}

// parseSearchParams validates the directory query string.
func parseSearchParams(q url.Values) (services.SearchParams, error) {
	var p services.SearchParams

	if raw := strings.TrimSpace(q.Get("location")); raw != "" {
		var loc models.Location
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			return p, errors.New("location must be a JSON object")
		}
		if !loc.HasPoint() {
			return p, errors.New("location must carry coordinates [lng, lat]")
		}
		if !loc.InRange() {
			return p, errors.New("location coordinates out of range")
		}
		p.Location = &loc
	}

	switch obj := services.Objective(q.Get("objective")); obj {
	case "", services.ObjectiveRequest, services.ObjectiveOffer:
		p.Objective = obj
	default:
		return p, errors.New("objective must be request or offer")
	}

	p.Keywords = strings.TrimSpace(q.Get("keywords"))

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || (n < 1 && n != services.UnlimitedResults) {
			return p, errors.New("limit must be a positive integer or -1")
		}
		p.Limit = n
	}
	if raw := q.Get("skip"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return p, errors.New("skip must be a non-negative integer")
		}
		p.Skip = n
	}

	var err error
	if p.IncludeMeta, err = parseBool(q.Get("includeMeta")); err != nil {
		return p, errors.New("includeMeta must be a boolean")
	}
	if p.IgnoreUserLocation, err = parseBool(q.Get("ignoreUserLocation")); err != nil {
		return p, errors.New("ignoreUserLocation must be a boolean")
	}
	return p, nil
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func isValidImageType(contentType string) bool {
	validTypes := map[string]bool{
		"image/jpeg": true,
		"image/jpg":  true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	}
	return validTypes[contentType]
}
