package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// VectorCache caches embedding vectors keyed by the text that produced them,
// saving repeat calls to the embedding client for recurring vendors.
type VectorCache interface {
	Get(ctx context.Context, text string) ([]float32, bool)
	Set(ctx context.Context, text string, vec []float32)
}

// LocalVectorCache is the in-process fallback used when redis is not
// configured (and in tests).
type LocalVectorCache struct {
	mu   sync.RWMutex
	data map[string][]float32
}

// NewLocalVectorCache creates an empty local cache.
func NewLocalVectorCache() *LocalVectorCache {
	return &LocalVectorCache{data: make(map[string][]float32)}
}

func (c *LocalVectorCache) Get(_ context.Context, text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.data[cacheKey(text)]
	return vec, ok
}

func (c *LocalVectorCache) Set(_ context.Context, text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[cacheKey(text)] = vec
}

// RedisVectorCache stores vectors in redis with a TTL. Failures degrade to
// cache misses; retrieval never depends on redis health.
type RedisVectorCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

// NewRedisVectorCache creates a redis-backed cache.
func NewRedisVectorCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *RedisVectorCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisVectorCache{
		client: client,
		ttl:    ttl,
		prefix: "lp:vec:",
		log:    log.With().Str("component", "memory.cache").Logger(),
	}
}

func (c *RedisVectorCache) Get(ctx context.Context, text string) ([]float32, bool) {
	raw, err := c.client.Get(ctx, c.prefix+cacheKey(text)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Msg("vector cache read failed")
		}
		return nil, false
	}
	vec, ok := decodeVector(raw)
	return vec, ok
}

func (c *RedisVectorCache) Set(ctx context.Context, text string, vec []float32) {
	if err := c.client.Set(ctx, c.prefix+cacheKey(text), encodeVector(vec), c.ttl).Err(); err != nil {
		c.log.Debug().Err(err).Msg("vector cache write failed")
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(raw []byte) ([]float32, bool) {
	if len(raw)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, true
}
