package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mutualaid/backend/internal/cache"
	"github.com/mutualaid/backend/internal/config"
	"github.com/mutualaid/backend/internal/models"
	"github.com/mutualaid/backend/internal/observability"
	"github.com/mutualaid/backend/internal/services"
	"github.com/mutualaid/backend/internal/storage"
)

// Eventarc delivers CloudEvents; for GCS finalized events the body contains object info.
type gcsFinalizeEvent struct {
	Bucket   string            `json:"bucket"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

// cloudEventEnvelope handles Eventarc structured content mode where the GCS
// payload is nested inside a "data" field.
type cloudEventEnvelope struct {
	Data gcsFinalizeEvent `json:"data"`
}

type avatarPromoter interface {
	Promote(ctx context.Context, pendingName string, metadata map[string]string) (string, error)
	Metadata(ctx context.Context, name string) (map[string]string, error)
}

type avatarApplier interface {
	ApplyAvatar(ctx context.Context, profileID, ref string) (*models.ProfileView, error)
}

type worker struct {
	bucket   string
	photos   avatarPromoter
	profiles avatarApplier
	log      *zap.Logger
	timeout  time.Duration
}

func main() {
	cfg := config.Load()
	logger := observability.NewLogger("avatar-worker")
	defer logger.Sync()

	if cfg.GCSBucket == "" {
		logger.Fatal("GCS_BUCKET is required")
	}

	ctx := context.Background()
	client, err := services.Connect(ctx, cfg.MongoURI)
	if err != nil {
		logger.Fatal("mongo connect failed", zap.Error(err))
	}
	defer client.Disconnect(ctx)
	db := client.Database(cfg.MongoDB)

	photos, err := storage.NewGCSPhotoStore(ctx, cfg.GCSBucket, cfg.FirebaseCredentialsJSON)
	if err != nil {
		logger.Fatal("storage client failed", zap.Error(err))
	}
	defer photos.Close()

	metrics := observability.NewMetrics(nil)
	propagator := services.NewPropagator(
		db.Collection(services.PostsCollection),
		db.Collection(services.CommentsCollection),
		db.Collection(services.ThreadsCollection),
		cfg.PropagationTimeout,
		logger.Named("propagation"),
		metrics,
	)
	svcCfg := services.ProfileServiceConfig{
		Photos:  photos,
		Logger:  logger.Named("profiles"),
		Metrics: metrics,
	}
	// Share the API's cache so applied avatars invalidate what it serves.
	if cfg.RedisAddr != "" {
		pc := cache.NewProfileCache(cfg.RedisAddr, cfg.RedisPassword, cfg.ProfileCacheTTL, cfg.ProfileCacheMarkerTTL)
		defer pc.Close()
		svcCfg.Cache = pc
		svcCfg.CacheFillWindow = cfg.ProfileCacheMarkerTTL / 2
	}
	profiles := services.NewMongoProfileService(db.Collection(services.ProfilesCollection), propagator, svcCfg)

	wk := &worker{bucket: cfg.GCSBucket, photos: photos, profiles: profiles, log: logger, timeout: 60 * time.Second}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/events", wk.handleFinalize)

	logger.Info("avatar-worker listening", zap.String("addr", cfg.ServerAddress))
	if err := http.ListenAndServe(cfg.ServerAddress, mux); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// decodeFinalizeEvent accepts both binary and structured content mode bodies.
func decodeFinalizeEvent(raw []byte) (gcsFinalizeEvent, error) {
	var ev gcsFinalizeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, err
	}
	if ev.Bucket == "" || ev.Name == "" {
		var envelope cloudEventEnvelope
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Data.Bucket != "" && envelope.Data.Name != "" {
			ev = envelope.Data
		}
	}
	return ev, nil
}

// handleFinalize acks events it will never be able to process and returns
// 500 for transient failures so Eventarc retries.
func (wk *worker) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ev, err := decodeFinalizeEvent(raw)
	if err != nil {
		wk.log.Warn("undecodable event", zap.Error(err), zap.String("ce_type", r.Header.Get("Ce-Type")))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	log := wk.log.With(zap.String("bucket", ev.Bucket), zap.String("name", ev.Name))
	if ev.Bucket != wk.bucket {
		log.Debug("skipping event for foreign bucket")
		w.WriteHeader(http.StatusOK)
		return
	}
	owner, ok := storage.PendingAvatarOwner(ev.Name)
	if !ok {
		log.Debug("skipping non-avatar object")
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wk.timeout)
	defer cancel()

	if ev.Metadata == nil {
		if md, err := wk.photos.Metadata(ctx, ev.Name); err != nil {
			log.Warn("metadata fetch failed", zap.Error(err))
		} else {
			ev.Metadata = md
		}
	}

	ref, err := wk.photos.Promote(ctx, ev.Name, ev.Metadata)
	if err != nil {
		log.Error("promote failed", zap.Error(err))
		http.Error(w, "promote failed", http.StatusInternalServerError)
		return
	}

	if _, err := wk.profiles.ApplyAvatar(ctx, owner, ref); err != nil {
		if errors.Is(err, services.ErrProfileNotFound) {
			log.Warn("avatar owner not found", zap.String("profile_id", owner))
			w.WriteHeader(http.StatusOK)
			return
		}
		log.Error("apply avatar failed", zap.String("profile_id", owner), zap.Error(err))
		http.Error(w, "apply failed", http.StatusInternalServerError)
		return
	}

	log.Info("avatar promoted", zap.String("profile_id", owner))
	w.WriteHeader(http.StatusOK)
}
