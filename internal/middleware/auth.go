package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	firebase "firebase.google.com/go/v4"
	fbauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/mutualaid/backend/internal/models"
)

type contextKey string

const identityKey contextKey = "identity"

// TokenVerifier checks a presented ID token. *fbauth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

type FirebaseAuthConfig struct {
	ProjectID       string
	CredentialsJSON string
}

// NewFirebaseAuthClient builds the Firebase Auth client used to verify ID tokens.
func NewFirebaseAuthClient(ctx context.Context, cfg FirebaseAuthConfig) (*fbauth.Client, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, err
	}
	return app.Auth(ctx)
}

// FirebaseAuth rejects requests without a valid ID token.
func FirebaseAuth(verifier TokenVerifier, log *zap.Logger) func(http.Handler) http.Handler {
	return authenticate(verifier, log, true)
}

// OptionalFirebaseAuth attaches the caller's identity when a token is sent
// and lets anonymous requests through. A bad token is still rejected.
func OptionalFirebaseAuth(verifier TokenVerifier, log *zap.Logger) func(http.Handler) http.Handler {
	return authenticate(verifier, log, false)
}

func authenticate(verifier TokenVerifier, log *zap.Logger, required bool) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				if required {
					writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Authorization header required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Invalid authorization header format"))
				return
			}

			if verifier == nil {
				log.Error("auth client not configured")
				writeJSON(w, http.StatusServiceUnavailable, models.NewErrorResponse("Authentication unavailable"))
				return
			}

			tok, err := verifier.VerifyIDToken(r.Context(), parts[1])
			if err != nil || tok == nil || tok.UID == "" {
				log.Info("id token rejected", zap.Error(err))
				writeJSON(w, http.StatusUnauthorized, models.NewErrorResponse("Invalid or expired token"))
				return
			}

			id := identityFromToken(tok)
			ctx := context.WithValue(r.Context(), identityKey, &id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromToken(tok *fbauth.Token) models.Identity {
	id := models.Identity{AuthID: tok.UID}
	if email, ok := tok.Claims["email"].(string); ok {
		id.Email = email
	}
	if verified, ok := tok.Claims["email_verified"].(bool); ok {
		id.EmailVerified = verified
	}
	id.UsesPassword = tok.Firebase.SignInProvider == "password"
	return id
}

// GetIdentity returns the authenticated caller, or nil for anonymous requests.
func GetIdentity(ctx context.Context) *models.Identity {
	id, _ := ctx.Value(identityKey).(*models.Identity)
	return id
}

// WithIdentity is used by tests and internal callers to act as id.
func WithIdentity(ctx context.Context, id *models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetUserID extracts the caller's auth id from context
func GetUserID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.AuthID
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
