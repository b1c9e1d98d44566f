package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const vectorTTL = 7 * 24 * time.Hour

// TieredCache caches memory vectors in-process with a Redis tier behind it,
// so vectors survive restarts without re-embedding. Redis being down only
// costs the second tier; lookups degrade to the in-process one.
type TieredCache struct {
	local  *ristretto.Cache
	redis  *redis.Client
	logger *zap.Logger
}

// NewTieredCache creates the cache. rdb may be nil for a purely in-process
// cache.
func NewTieredCache(rdb *redis.Client, logger *zap.Logger) (*TieredCache, error) {
	local, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20, // 64 MiB of vectors
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create vector cache: %w", err)
	}
	return &TieredCache{local: local, redis: rdb, logger: logger}, nil
}

func vectorKey(groupID, memoryID string) string {
	return "mnemo:vec:" + groupID + ":" + memoryID
}

// Get returns the cached vector for a memory, if any tier holds it.
func (c *TieredCache) Get(ctx context.Context, groupID, memoryID string) ([]float32, bool) {
	key := vectorKey(groupID, memoryID)
	if v, ok := c.local.Get(key); ok {
		return v.([]float32), true
	}
	if c.redis == nil {
		return nil, false
	}

	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("vector cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	vec, err := decodeVector(raw)
	if err != nil {
		c.logger.Warn("vector cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	c.local.Set(key, vec, int64(len(vec)*4))
	return vec, true
}

// Put stores a vector in both tiers. Redis failures are logged, not
// returned: caching is advisory.
func (c *TieredCache) Put(ctx context.Context, groupID, memoryID string, vec []float32) {
	key := vectorKey(groupID, memoryID)
	c.local.Set(key, vec, int64(len(vec)*4))
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, key, encodeVector(vec), vectorTTL).Err(); err != nil {
		c.logger.Warn("vector cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the in-process tier.
func (c *TieredCache) Close() {
	c.local.Close()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d not a multiple of 4", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
