// Package chromem is an in-process vector index for single-node deployments.
// Each workspace gets its own collection.
package chromem

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/retrieval"
	"github.com/cluebase/backend/pkg/logger"
)

type Store struct {
	db          *chromemgo.DB
	prefix      string
	embed       chromemgo.EmbeddingFunc
	topK        int
	collections sync.Map // collection name -> *chromemgo.Collection
	mu          sync.Mutex
}

// Open loads a persistent database from path, or an in-memory one when path is empty.
func Open(path, prefix string, embedder retrieval.Embedder, topK int) (*Store, error) {
	var db *chromemgo.DB
	if path == "" {
		db = chromemgo.NewDB()
	} else {
		var err error
		db, err = chromemgo.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
	}

	logger.Info("Chromem vector store initialized", zap.String("path", path), zap.String("prefix", prefix))
	return New(db, prefix, embedder, topK), nil
}

func New(db *chromemgo.DB, prefix string, embedder retrieval.Embedder, topK int) *Store {
	if prefix == "" {
		prefix = "kb"
	}
	if topK <= 0 {
		topK = 5
	}
	return &Store{
		db:     db,
		prefix: prefix,
		embed:  embedder.GenerateEmbedding,
		topK:   topK,
	}
}

func (s *Store) collection(workspaceID string) (*chromemgo.Collection, error) {
	name := s.prefix + "_" + workspaceID
	if col, ok := s.collections.Load(name); ok {
		return col.(*chromemgo.Collection), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections.Load(name); ok {
		return col.(*chromemgo.Collection), nil
	}

	col, err := s.db.GetOrCreateCollection(name, map[string]string{"workspace_id": workspaceID}, s.embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
	}
	s.collections.Store(name, col)
	return col, nil
}

// Upsert indexes one chunk. An empty botID shares the chunk with every bot.
func (s *Store) Upsert(ctx context.Context, workspaceID, botID string, chunk retrieval.Chunk) error {
	col, err := s.collection(workspaceID)
	if err != nil {
		return err
	}

	err = col.AddDocument(ctx, chromemgo.Document{
		ID:      chunk.ID,
		Content: chunk.Content,
		Metadata: map[string]string{
			"title":    chunk.Title,
			"url":      chunk.URL,
			"doc_type": chunk.Type,
			"bot_id":   botID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to index chunk %s: %w", chunk.ID, err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, query, workspaceID string, filter retrieval.Filter) ([]retrieval.Chunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	col, err := s.collection(workspaceID)
	if err != nil {
		return nil, err
	}

	topK := filter.TopK
	if topK <= 0 {
		topK = s.topK
	}

	// Bot-specific chunks are filtered after the query, so over-fetch.
	n := topK
	if filter.BotID != "" {
		n = topK * 3
	}
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	chunks := make([]retrieval.Chunk, 0, len(results))
	for _, r := range results {
		if bot := r.Metadata["bot_id"]; filter.BotID != "" && bot != "" && bot != filter.BotID {
			continue
		}
		score := float64(r.Similarity)
		if score < 0 {
			score = 0
		}
		chunks = append(chunks, retrieval.Chunk{
			ID:      r.ID,
			Content: r.Content,
			Title:   r.Metadata["title"],
			URL:     r.Metadata["url"],
			Type:    r.Metadata["doc_type"],
			Score:   score,
		})
		if len(chunks) == topK {
			break
		}
	}

	logger.Debug("Vector search completed",
		zap.String("workspace_id", workspaceID),
		zap.Int("results", len(chunks)),
	)
	return chunks, nil
}
