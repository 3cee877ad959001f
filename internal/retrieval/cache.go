package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/metrics"
	"github.com/cluebase/backend/pkg/logger"
	"github.com/cluebase/backend/pkg/utils"
)

// EmbeddingCache stores query embeddings keyed by a text hash.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder consults the cache before calling the wrapped embedder.
// Cache failures degrade to a direct call.
type CachedEmbedder struct {
	next  Embedder
	cache EmbeddingCache
	ttl   time.Duration
}

func NewCachedEmbedder(next Embedder, cache EmbeddingCache, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, ttl: ttl}
}

func (c *CachedEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)

	if vec, ok, err := c.cache.GetEmbedding(ctx, key); err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return vec, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	vec, err := c.next.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetEmbedding(ctx, key, vec, c.ttl); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}
