package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mutualaid/backend/internal/cache"
	"github.com/mutualaid/backend/internal/config"
	"github.com/mutualaid/backend/internal/handlers"
	appMiddleware "github.com/mutualaid/backend/internal/middleware"
	"github.com/mutualaid/backend/internal/observability"
	"github.com/mutualaid/backend/internal/services"
	"github.com/mutualaid/backend/internal/storage"
)

const localUploadPrefix = "/uploads"

func main() {
	cfg := config.Load()
	logger := observability.NewLogger("profile-directory")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	client, err := services.Connect(connectCtx, cfg.MongoURI)
	cancel()
	if err != nil {
		logger.Fatal("mongo connect failed", zap.Error(err))
	}
	defer client.Disconnect(context.Background())

	db := client.Database(cfg.MongoDB)
	services.EnsureIndexes(ctx, db, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	propagator := services.NewPropagator(
		db.Collection(services.PostsCollection),
		db.Collection(services.CommentsCollection),
		db.Collection(services.ThreadsCollection),
		cfg.PropagationTimeout,
		logger.Named("propagation"),
		metrics,
	)

	svcCfg := services.ProfileServiceConfig{
		Tokens:   services.NewUnsubscribeTokens(cfg.UnsubscribeSecret, cfg.UnsubscribeTTL),
		Logger:   logger.Named("profiles"),
		Metrics:  metrics,
		PageSize: cfg.DefaultPageSize,
	}

	if cfg.RedisAddr != "" {
		pc := cache.NewProfileCache(cfg.RedisAddr, cfg.RedisPassword, cfg.ProfileCacheTTL, cfg.ProfileCacheMarkerTTL)
		defer pc.Close()
		svcCfg.Cache = pc
		// Loads slower than this are not cached, so a fill never outlives a tombstone.
		svcCfg.CacheFillWindow = cfg.ProfileCacheMarkerTTL / 2
	}

	serveLocal := false
	if cfg.GCSBucket != "" {
		photos, err := storage.NewGCSPhotoStore(ctx, cfg.GCSBucket, cfg.FirebaseCredentialsJSON)
		if err != nil {
			logger.Warn("cloud storage unavailable, avatar uploads disabled", zap.Error(err))
		} else {
			defer photos.Close()
			svcCfg.Photos = photos
		}
	} else {
		photos, err := storage.NewLocalPhotoStore(cfg.UploadDir, localUploadPrefix)
		if err != nil {
			logger.Warn("upload dir unavailable, avatar uploads disabled", zap.Error(err))
		} else {
			svcCfg.Photos = photos
			serveLocal = true
		}
	}

	profileService := services.NewMongoProfileService(db.Collection(services.ProfilesCollection), propagator, svcCfg)

	// Firebase Auth (server-side verification of ID tokens)
	var verifier appMiddleware.TokenVerifier
	authClient, err := appMiddleware.NewFirebaseAuthClient(ctx, appMiddleware.FirebaseAuthConfig{
		ProjectID:       cfg.FirebaseProjectID,
		CredentialsJSON: cfg.FirebaseCredentialsJSON,
	})
	if err != nil {
		logger.Warn("failed to initialize Firebase Auth client", zap.Error(err))
	} else {
		verifier = authClient
	}

	profileHandler := handlers.NewProfileHandler(profileService, logger.Named("http"), cfg.RequestTimeout, cfg.MaxUploadSizeMB)

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Mount("/users", profileHandler.Routes(
			appMiddleware.FirebaseAuth(verifier, logger),
			appMiddleware.OptionalFirebaseAuth(verifier, logger),
		))
	})

	if serveLocal {
		r.Handle(localUploadPrefix+"/*", http.StripPrefix(localUploadPrefix+"/", http.FileServer(http.Dir(cfg.UploadDir))))
	}

	srv := &http.Server{Addr: cfg.ServerAddress, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("profile directory API starting", zap.String("addr", cfg.ServerAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}
