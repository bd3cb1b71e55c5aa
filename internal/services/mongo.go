package services

import (
	"context"
	"crypto/tls"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	ProfilesCollection = "profiles"
	PostsCollection    = "posts"
	CommentsCollection = "comments"
	ThreadsCollection  = "threads"
)

// Connect dials Mongo and pings it.
func Connect(ctx context.Context, mongoURI string) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(mongoURI)
	if strings.HasPrefix(mongoURI, "mongodb+srv://") {
		// Atlas occasionally fails TLS negotiation unless pinned to TLS 1.2.
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS12,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

// EnsureIndexes creates the indexes the directory and propagation rely on.
// Failures are logged, not fatal.
func EnsureIndexes(ctx context.Context, db *mongo.Database, log *zap.Logger) {
	indexes := map[string][]mongo.IndexModel{
		ProfilesCollection: {
			{Keys: bson.D{{Key: "auth_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "location.coordinates", Value: "2dsphere"}}},
			{Keys: bson.D{{Key: "type", Value: 1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{
				{Key: "first_name", Value: "text"},
				{Key: "last_name", Value: "text"},
				{Key: "about", Value: "text"},
				{Key: "location.city", Value: "text"},
				{Key: "location.state", Value: "text"},
				{Key: "location.country", Value: "text"},
			}},
		},
		PostsCollection:    {{Keys: bson.D{{Key: "author.id", Value: 1}}}},
		CommentsCollection: {{Keys: bson.D{{Key: "author.id", Value: 1}}}},
		ThreadsCollection:  {{Keys: bson.D{{Key: "participants.id", Value: 1}}}},
	}

	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			log.Warn("index creation failed", zap.String("collection", name), zap.Error(err))
		}
	}
}
