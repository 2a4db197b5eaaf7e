package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"rag-gateway/internal/config"
)

// Cache stores vectors by key. A miss is reported as found == false with a
// nil error.
type Cache interface {
	Get(ctx context.Context, key string) (found bool, vector []float32, err error)
	Set(ctx context.Context, key string, vector []float32, expiration time.Duration) error
}

// RedisCache keeps vectors as JSON strings in redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache opens a client for cfg. The connection is lazy.
func NewRedisCache(cfg config.RedisConfig) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// Ping checks connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (bool, []float32, error) {
	s, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	var vector []float32
	if err := json.Unmarshal([]byte(s), &vector); err != nil {
		return false, nil, fmt.Errorf("failed to decode cached vector: %v", err)
	}
	return true, vector, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, vector []float32, expiration time.Duration) error {
	b, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, b, expiration).Err()
}

// Close releases the redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedEmbedder serves repeated texts from a Cache. Cache failures are
// logged and fall through to the wrapped Embedder.
type CachedEmbedder struct {
	next  Embedder
	cache Cache
	model string
	ttl   time.Duration
}

// NewCachedEmbedder wraps next. model namespaces the keys so embedders with
// different dimensions never share entries.
func NewCachedEmbedder(next Embedder, cache Cache, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, model: model, ttl: ttl}
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "embedding:" + c.model + ":" + hex.EncodeToString(sum[:])
}

func (c *CachedEmbedder) lookup(ctx context.Context, text string) []float32 {
	found, vector, err := c.cache.Get(ctx, c.key(text))
	if err != nil {
		log.Warn().Err(err).Msg("Embedding cache lookup failed")
		return nil
	}
	if !found {
		return nil
	}
	return vector
}

func (c *CachedEmbedder) store(ctx context.Context, text string, vector []float32) {
	if err := c.cache.Set(ctx, c.key(text), vector, c.ttl); err != nil {
		log.Warn().Err(err).Msg("Embedding cache store failed")
	}
}

func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vector := c.lookup(ctx, text); vector != nil {
		return vector, nil
	}
	vector, err := c.next.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.store(ctx, text, vector)
	return vector, nil
}

func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, text := range texts {
		if vector := c.lookup(ctx, text); vector != nil {
			out[i] = vector
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.next.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(missTexts))
	}
	for j, vector := range vectors {
		out[missIdx[j]] = vector
		c.store(ctx, missTexts[j], vector)
	}
	return out, nil
}
