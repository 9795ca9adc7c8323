package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// VariantCache is a read-through Redis cache for variant documents. Variants
// are read-only reference data, so a short TTL is only a guard against
// redeploys that edit exercises in place. Cache failures fall back to the
// database silently.
type VariantCache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewVariantCache creates a new VariantCache.
func NewVariantCache(rdb *redis.Client, log zerolog.Logger) *VariantCache {
	return &VariantCache{
		rdb: rdb,
		ttl: 10 * time.Minute,
		log: log.With().Str("component", "variant_cache").Logger(),
	}
}

func cacheKey(id primitive.ObjectID) string {
	return "grader:variant:" + id.Hex()
}

// Get returns the cached variant, or false on miss or cache failure.
func (c *VariantCache) Get(ctx context.Context, id primitive.ObjectID) (*Variant, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("variant", id.Hex()).Msg("Cache read failed")
		return nil, false
	}

	var variant Variant
	if err := json.Unmarshal(raw, &variant); err != nil {
		c.log.Warn().Err(err).Str("variant", id.Hex()).Msg("Cache entry corrupt")
		return nil, false
	}
	return &variant, true
}

// Set stores the variant; failures are logged and ignored.
func (c *VariantCache) Set(ctx context.Context, variant *Variant) {
	raw, err := json.Marshal(variant)
	if err != nil {
		c.log.Warn().Err(err).Msg("Cache marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(variant.ID), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("variant", variant.ID.Hex()).Msg("Cache write failed")
	}
}
