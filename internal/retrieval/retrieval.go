// Package retrieval defines the search contract the response generator
// consumes and the backends that satisfy it.
package retrieval

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cluebase/backend/pkg/logger"
)

// Chunk is one ranked piece of source material. Score is in [0,1], higher is
// better, regardless of the backend's native metric.
type Chunk struct {
	ID      string
	Content string
	Title   string
	URL     string
	Type    string
	Score   float64
}

// Filter narrows a search beyond the workspace.
type Filter struct {
	// BotID restricts results to chunks shared with every bot or assigned to
	// this bot. Empty means no restriction.
	BotID string
	TopK  int
}

type Searcher interface {
	Search(ctx context.Context, query, workspaceID string, filter Filter) ([]Chunk, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// FusedSearcher queries a primary index and optional secondary indexes in
// parallel. Only a primary failure fails the search.
type FusedSearcher struct {
	primary   Searcher
	secondary []Searcher
	topK      int
	minScore  float64
}

func NewFusedSearcher(primary Searcher, topK int, minScore float64, secondary ...Searcher) *FusedSearcher {
	if topK <= 0 {
		topK = 5
	}
	return &FusedSearcher{
		primary:   primary,
		secondary: secondary,
		topK:      topK,
		minScore:  minScore,
	}
}

func (f *FusedSearcher) Search(ctx context.Context, query, workspaceID string, filter Filter) ([]Chunk, error) {
	if filter.TopK <= 0 {
		filter.TopK = f.topK
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		extra []Chunk
	)
	for _, s := range f.secondary {
		wg.Add(1)
		go func(s Searcher) {
			defer wg.Done()
			chunks, err := s.Search(ctx, query, workspaceID, filter)
			if err != nil {
				logger.Warn("Secondary retrieval failed", zap.Error(err), zap.String("workspace_id", workspaceID))
				return
			}
			mu.Lock()
			extra = append(extra, chunks...)
			mu.Unlock()
		}(s)
	}

	primary, err := f.primary.Search(ctx, query, workspaceID, filter)
	wg.Wait()
	if err != nil {
		return nil, err
	}

	fused := Merge(filter.TopK, f.minScore, primary, extra)

	logger.Debug("Results fused",
		zap.Int("primary_results", len(primary)),
		zap.Int("secondary_results", len(extra)),
		zap.Int("fused_results", len(fused)),
	)

	return fused, nil
}

// Merge drops chunks below minScore, keeps the best-scoring copy of each id
// and returns at most topK chunks ordered by score.
func Merge(topK int, minScore float64, lists ...[]Chunk) []Chunk {
	best := make(map[string]Chunk)
	for _, list := range lists {
		for _, c := range list {
			if c.Score < minScore {
				continue
			}
			key := c.ID
			if key == "" {
				key = c.URL + "\x1f" + c.Content
			}
			if prev, ok := best[key]; !ok || c.Score > prev.Score {
				best[key] = c
			}
		}
	}

	out := make([]Chunk, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
