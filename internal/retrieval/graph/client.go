// Package graph answers retrieval queries from a Neo4j knowledge graph of
// workspace facts.
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/retrieval"
	"github.com/cluebase/backend/pkg/circuitbreaker"
	"github.com/cluebase/backend/pkg/config"
	"github.com/cluebase/backend/pkg/logger"
	"github.com/cluebase/backend/pkg/retry"
)

type Client struct {
	driver        neo4j.DriverWithContext
	database      string
	minConfidence float64
	cb            *circuitbreaker.CircuitBreaker
	retryConfig   retry.Config
}

type Entity struct {
	Name string
	Type string
}

// Triple is one relation between two entities, with the documents it was
// extracted from.
type Triple struct {
	Subject    Entity
	Predicate  string
	Object     Entity
	Confidence float64
	SourceURLs []string
}

func NewClient(ctx context.Context, cfg config.Neo4jConfig) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j client initialized", zap.String("uri", cfg.URI))

	return &Client{
		driver:        driver,
		database:      database,
		minConfidence: cfg.MinConfidence,
		cb:            cb,
		retryConfig:   retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, mode neo4j.AccessMode, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   mode,
			})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// Search matches query terms against entity names in the workspace graph.
func (c *Client) Search(ctx context.Context, query, workspaceID string, filter retrieval.Filter) ([]retrieval.Chunk, error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	limit := filter.TopK
	if limit <= 0 {
		limit = 10
	}

	triples, err := c.searchByTerms(ctx, workspaceID, terms, limit)
	if err != nil {
		return nil, err
	}

	chunks := make([]retrieval.Chunk, 0, len(triples))
	for _, t := range triples {
		chunks = append(chunks, TripleToChunk(t))
	}
	return chunks, nil
}

func (c *Client) searchByTerms(ctx context.Context, workspaceID string, terms []string, limit int) ([]Triple, error) {
	var triples []Triple

	err := c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		triples = triples[:0]

		query := `
			MATCH (s:Entity {workspace_id: $workspace_id})-[r:RELATES]->(o:Entity {workspace_id: $workspace_id})
			WHERE (toLower(s.name) IN $terms OR toLower(o.name) IN $terms)
			  AND r.confidence >= $min_confidence
			RETURN s.name AS s_name, coalesce(s.type, '') AS s_type,
			       r.type AS predicate, r.confidence AS confidence, coalesce(r.source_docs, []) AS source_docs,
			       o.name AS o_name, coalesce(o.type, '') AS o_type
			ORDER BY r.confidence DESC
			LIMIT $limit
		`

		result, err := session.Run(ctx, query, map[string]any{
			"workspace_id":   workspaceID,
			"terms":          terms,
			"min_confidence": c.minConfidence,
			"limit":          limit,
		})
		if err != nil {
			return fmt.Errorf("failed to search graph: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()

			sName, _, _ := neo4j.GetRecordValue[string](record, "s_name")
			sType, _, _ := neo4j.GetRecordValue[string](record, "s_type")
			oName, _, _ := neo4j.GetRecordValue[string](record, "o_name")
			oType, _, _ := neo4j.GetRecordValue[string](record, "o_type")
			predicate, _, _ := neo4j.GetRecordValue[string](record, "predicate")
			confidence, _, _ := neo4j.GetRecordValue[float64](record, "confidence")
			docs, _, _ := neo4j.GetRecordValue[[]any](record, "source_docs")

			var sourceURLs []string
			for _, doc := range docs {
				if url, ok := doc.(string); ok {
					sourceURLs = append(sourceURLs, url)
				}
			}

			triples = append(triples, Triple{
				Subject:    Entity{Name: sName, Type: sType},
				Predicate:  predicate,
				Object:     Entity{Name: oName, Type: oType},
				Confidence: confidence,
				SourceURLs: sourceURLs,
			})
		}

		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Graph search completed",
		zap.Int("num_terms", len(terms)),
		zap.Int("results_found", len(triples)),
	)
	return triples, nil
}

// MergeTriple writes a relation into the workspace graph, creating either
// entity when missing. Source URLs accumulate across documents.
func (c *Client) MergeTriple(ctx context.Context, workspaceID string, t Triple) error {
	err := c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (s:Entity {workspace_id: $workspace_id, name: $s_name})
			  ON CREATE SET s.type = $s_type
			MERGE (o:Entity {workspace_id: $workspace_id, name: $o_name})
			  ON CREATE SET o.type = $o_type
			MERGE (s)-[r:RELATES {type: $predicate}]->(o)
			SET r.confidence = CASE WHEN r.confidence IS NULL OR r.confidence < $confidence THEN $confidence ELSE r.confidence END,
			    r.source_docs = [d IN coalesce(r.source_docs, []) WHERE NOT d IN $source_docs] + $source_docs,
			    r.updated_at = timestamp()
		`

		_, err := session.Run(ctx, query, map[string]any{
			"workspace_id": workspaceID,
			"s_name":       t.Subject.Name,
			"s_type":       t.Subject.Type,
			"o_name":       t.Object.Name,
			"o_type":       t.Object.Type,
			"predicate":    t.Predicate,
			"confidence":   t.Confidence,
			"source_docs":  t.SourceURLs,
		})
		if err != nil {
			return fmt.Errorf("failed to merge relation: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Relation merged into graph",
		zap.String("subject", t.Subject.Name),
		zap.String("predicate", t.Predicate),
		zap.String("object", t.Object.Name),
	)
	return nil
}

// TripleToChunk renders a relation as a citable sentence.
func TripleToChunk(t Triple) retrieval.Chunk {
	predicate := strings.ToLower(strings.ReplaceAll(t.Predicate, "_", " "))
	content := fmt.Sprintf("%s %s %s", t.Subject.Name, predicate, t.Object.Name)

	var url string
	if len(t.SourceURLs) > 0 {
		url = t.SourceURLs[0]
	}

	return retrieval.Chunk{
		ID:      "kg:" + strings.ToLower(t.Subject.Name+"|"+t.Predicate+"|"+t.Object.Name),
		Content: content,
		Title:   t.Subject.Name,
		URL:     url,
		Type:    "graph",
		Score:   t.Confidence,
	}
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "what": {}, "how": {}, "why": {},
	"when": {}, "where": {}, "who": {}, "which": {}, "does": {}, "can": {}, "our": {}, "your": {},
	"you": {}, "with": {}, "this": {}, "that": {}, "there": {}, "have": {}, "has": {}, "about": {},
	"from": {}, "into": {}, "is": {}, "it": {}, "do": {}, "we": {}, "my": {}, "me": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "at": {}, "an": {}, "a": {}, "be": {}, "i": {}, "should": {},
	"would": {}, "could": {}, "will": {}, "get": {}, "tell": {},
}

// Terms lowercases and deduplicates the content words of a query, keeping
// adjacent pairs so multi-word entity names can match.
func Terms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})

	seen := make(map[string]struct{})
	var terms []string
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	var prev string
	for _, w := range words {
		if _, stop := stopwords[w]; stop || len(w) < 2 {
			prev = ""
			continue
		}
		add(w)
		if prev != "" {
			add(prev + " " + w)
		}
		prev = w
	}
	return terms
}
