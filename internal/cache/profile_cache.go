package cache

import (
	"bytes"
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/mutualaid/backend/internal/models"
)

// tombstone marks a recently invalidated profile. A document is never a
// single byte, so the marker cannot collide with an encoded profile.
var tombstone = []byte{0}

// ProfileCache stores whole profile documents in Redis. Documents are BSON
// encoded so owner-only fields survive the round trip.
//
// Invalidate leaves a tombstone for MarkerTTL and Fill only writes into an
// empty key, so a reader holding a document loaded before the write cannot
// put it back. Readers must not fill after MarkerTTL has passed since their
// load began.
type ProfileCache struct {
	R         *redis.Client
	TTL       time.Duration
	MarkerTTL time.Duration
}

func NewProfileCache(addr, password string, ttl, markerTTL time.Duration) *ProfileCache {
	return &ProfileCache{
		R:         redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		TTL:       ttl,
		MarkerTTL: markerTTL,
	}
}

func key(id string) string { return "profile:" + id }

// Get returns redis.Nil on a miss, including a tombstoned key.
func (c *ProfileCache) Get(ctx context.Context, id string) (*models.Profile, error) {
	b, err := c.R.Get(ctx, key(id)).Bytes()
	if err != nil {
		return nil, err
	}
	if bytes.Equal(b, tombstone) {
		return nil, redis.Nil
	}
	var p models.Profile
	if err := bson.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Fill caches p unless the key already holds a document or a tombstone. It
// reports whether p was stored.
func (c *ProfileCache) Fill(ctx context.Context, p *models.Profile) (bool, error) {
	b, err := bson.Marshal(p)
	if err != nil {
		return false, err
	}
	return c.R.SetNX(ctx, key(p.ID.Hex()), b, c.ttl()).Result()
}

// Invalidate replaces any cached document with a tombstone.
func (c *ProfileCache) Invalidate(ctx context.Context, id string) error {
	return c.R.Set(ctx, key(id), tombstone, c.markerTTL()).Err()
}

func (c *ProfileCache) Close() error { return c.R.Close() }

func (c *ProfileCache) ttl() time.Duration {
	if c.TTL <= 0 {
		return time.Hour
	}
	return c.TTL
}

func (c *ProfileCache) markerTTL() time.Duration {
	if c.MarkerTTL <= 0 {
		return 30 * time.Second
	}
	return c.MarkerTTL
}
