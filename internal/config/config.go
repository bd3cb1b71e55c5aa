package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddress  string
	RequestTimeout time.Duration

	MongoURI string
	MongoDB  string

	RedisAddr       string
	RedisPassword   string
	ProfileCacheTTL time.Duration
	// ProfileCacheMarkerTTL is how long an invalidated key refuses fills.
	ProfileCacheMarkerTTL time.Duration

	FirebaseProjectID       string
	FirebaseCredentialsJSON string

	// GCSBucket selects Cloud Storage for avatars; empty means local disk under UploadDir.
	GCSBucket       string
	UploadDir       string
	MaxUploadSizeMB int64

	UnsubscribeSecret string
	UnsubscribeTTL    time.Duration

	PropagationTimeout time.Duration
	DefaultPageSize    int64
}

func Load() *Config {
	return &Config{
		ServerAddress:  getEnv("SERVER_ADDRESS", ":8080"),
		RequestTimeout: getDuration("REQUEST_TIMEOUT", 10*time.Second),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:  getEnv("MONGO_DB", "mutualaid"),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		ProfileCacheTTL: getDuration("PROFILE_CACHE_TTL", time.Hour),

		ProfileCacheMarkerTTL: getDuration("PROFILE_CACHE_MARKER_TTL", 30*time.Second),

		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseCredentialsJSON: getEnv("FIREBASE_CREDENTIALS_JSON", ""),

		GCSBucket:       getEnv("GCS_BUCKET", ""),
		UploadDir:       getEnv("UPLOAD_DIR", "./uploads"),
		MaxUploadSizeMB: getInt("MAX_UPLOAD_SIZE_MB", 5),

		UnsubscribeSecret: getEnv("UNSUBSCRIBE_SECRET", "change-me-in-production"),
		UnsubscribeTTL:    getDuration("UNSUBSCRIBE_TTL", 30*24*time.Hour),

		PropagationTimeout: getDuration("PROPAGATION_TIMEOUT", 15*time.Second),
		DefaultPageSize:    getInt("DEFAULT_PAGE_SIZE", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int64) int64 {
	if v, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return defaultValue
}
