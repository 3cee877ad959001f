package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/retrieval"
	"github.com/cluebase/backend/pkg/circuitbreaker"
	"github.com/cluebase/backend/pkg/config"
	"github.com/cluebase/backend/pkg/logger"
	"github.com/cluebase/backend/pkg/retry"
)

var outputFields = []string{"chunk_id", "content", "title", "url", "doc_type"}

type Client struct {
	client         client.Client
	embedder       retrieval.Embedder
	collectionName string
	vectorDim      int
	topK           int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(ctx context.Context, cfg config.ZillizConfig, embedder retrieval.Embedder, topK int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("zilliz", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		embedder:       embedder,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		topK:           topK,
		cb:             cb,
		retryConfig: retry.Config{
			MaxAttempts:    2,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

// EnsureCollection creates and loads the chunk collection when it is missing.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	varchar := func(name string, maxLen int, pk bool) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			PrimaryKey: pk,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Knowledge base chunks",
		Fields: []*entity.Field{
			varchar("chunk_id", 64, true),
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.vectorDim)},
			},
			varchar("workspace_id", 64, false),
			varchar("bot_id", 64, false),
			varchar("content", 8192, false),
			varchar("title", 512, false),
			varchar("url", 1024, false),
			varchar("doc_type", 64, false),
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

// Upsert embeds and writes one chunk, replacing any row with the same chunk id.
func (z *Client) Upsert(ctx context.Context, workspaceID, botID string, chunk retrieval.Chunk) error {
	embedding, err := z.embedder.GenerateEmbedding(ctx, chunk.Title+"\n"+chunk.Content)
	if err != nil {
		return fmt.Errorf("failed to embed chunk: %w", err)
	}

	_, err = z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", []string{chunk.ID}),
		entity.NewColumnFloatVector("embedding", z.vectorDim, [][]float32{embedding}),
		entity.NewColumnVarChar("workspace_id", []string{workspaceID}),
		entity.NewColumnVarChar("bot_id", []string{botID}),
		entity.NewColumnVarChar("content", []string{chunk.Content}),
		entity.NewColumnVarChar("title", []string{chunk.Title}),
		entity.NewColumnVarChar("url", []string{chunk.URL}),
		entity.NewColumnVarChar("doc_type", []string{chunk.Type}),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk: %w", err)
	}
	return nil
}

// Flush persists pending writes.
func (z *Client) Flush(ctx context.Context) error {
	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (z *Client) Search(ctx context.Context, query, workspaceID string, filter retrieval.Filter) ([]retrieval.Chunk, error) {
	embedding, err := z.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	topK := filter.TopK
	if topK <= 0 {
		topK = z.topK
	}

	expr := FilterExpr(workspaceID, filter.BotID)
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	var results []client.SearchResult
	err = z.cb.Execute(ctx, func() error {
		return retry.Do(ctx, z.retryConfig, func() error {
			var err error
			results, err = z.client.Search(
				ctx,
				z.collectionName,
				[]string{},
				expr,
				outputFields,
				[]entity.Vector{entity.FloatVector(embedding)},
				"embedding",
				entity.L2,
				topK,
				sp,
			)
			if err != nil {
				return fmt.Errorf("failed to search: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	chunks := make([]retrieval.Chunk, 0, topK)
	for _, sr := range results {
		for i := 0; i < sr.ResultCount; i++ {
			chunks = append(chunks, retrieval.Chunk{
				ID:      columnString(sr.Fields.GetColumn("chunk_id"), i),
				Content: columnString(sr.Fields.GetColumn("content"), i),
				Title:   columnString(sr.Fields.GetColumn("title"), i),
				URL:     columnString(sr.Fields.GetColumn("url"), i),
				Type:    columnString(sr.Fields.GetColumn("doc_type"), i),
				Score:   DistanceToScore(sr.Scores[i]),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(chunks)),
		zap.String("filters", expr),
	)

	return chunks, nil
}

// FilterExpr scopes a search to a workspace and to chunks either shared by
// all bots or assigned to botID.
func FilterExpr(workspaceID, botID string) string {
	expr := "workspace_id == " + strconv.Quote(workspaceID)
	if botID != "" {
		expr += ` && bot_id in ["", ` + strconv.Quote(botID) + `]`
	}
	return expr
}

// DistanceToScore maps an L2 distance onto (0,1].
func DistanceToScore(d float32) float64 {
	if d < 0 {
		d = 0
	}
	return 1 / (1 + float64(d))
}

func columnString(col entity.Column, i int) string {
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
