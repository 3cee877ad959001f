package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/llm"
	"github.com/cluebase/backend/internal/retrieval/graph"
	"github.com/cluebase/backend/pkg/logger"
)

const (
	maxGraphInput      = 5000
	minGraphConfidence = 0.6
)

const relationPrompt = `You extract a knowledge graph from internal company documentation.

Identify concrete entities (teams, systems, policies, tools, benefits, processes, locations) and the relations between them.
Use short UPPER_SNAKE_CASE predicates such as OWNS, REQUIRES, APPLIES_TO, MANAGED_BY, PART_OF, GRANTS, USES.

Return a JSON array only:
[{"subject": "Vacation Policy", "subject_type": "policy", "predicate": "APPLIES_TO", "object": "Full-time Employees", "object_type": "group", "confidence": 0.9}]`

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type TripleWriter interface {
	MergeTriple(ctx context.Context, workspaceID string, t graph.Triple) error
}

// GraphBuilder extracts relations from documents into the knowledge graph.
type GraphBuilder struct {
	llm   Completer
	graph TripleWriter
}

func NewGraphBuilder(llmClient Completer, kg TripleWriter) *GraphBuilder {
	return &GraphBuilder{llm: llmClient, graph: kg}
}

type extractedRelation struct {
	Subject     string  `json:"subject"`
	SubjectType string  `json:"subject_type"`
	Predicate   string  `json:"predicate"`
	Object      string  `json:"object"`
	ObjectType  string  `json:"object_type"`
	Confidence  float64 `json:"confidence"`
}

// BuildFromDocument returns the number of relations written.
func (b *GraphBuilder) BuildFromDocument(ctx context.Context, workspaceID, url, title, text string) (int, error) {
	if len(text) > maxGraphInput {
		text = text[:maxGraphInput]
	}

	resp, err := b.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: relationPrompt,
		UserPrompt:   fmt.Sprintf("Document: %s\n\n%s\n\nReturn JSON only.", title, text),
		Temperature:  0.1,
		MaxTokens:    800,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to extract relations: %w", err)
	}

	relations, err := parseRelations(resp.Content)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, rel := range relations {
		if rel.Confidence < minGraphConfidence || rel.Subject == "" || rel.Object == "" || rel.Predicate == "" {
			continue
		}

		err := b.graph.MergeTriple(ctx, workspaceID, graph.Triple{
			Subject:    graph.Entity{Name: strings.TrimSpace(rel.Subject), Type: rel.SubjectType},
			Predicate:  normalizePredicate(rel.Predicate),
			Object:     graph.Entity{Name: strings.TrimSpace(rel.Object), Type: rel.ObjectType},
			Confidence: rel.Confidence,
			SourceURLs: []string{url},
		})
		if err != nil {
			logger.Error("Failed to write relation", zap.String("url", url), zap.Error(err))
			continue
		}
		written++
	}

	logger.Info("Graph built from document",
		zap.String("url", url),
		zap.Int("extracted", len(relations)),
		zap.Int("written", written),
	)
	return written, nil
}

// parseRelations accepts a bare JSON array, optionally wrapped in a markdown
// code fence.
func parseRelations(content string) ([]extractedRelation, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no relation array in model output")
	}

	var relations []extractedRelation
	if err := json.Unmarshal([]byte(content[start:end+1]), &relations); err != nil {
		return nil, fmt.Errorf("failed to parse relations: %w", err)
	}
	return relations, nil
}

func normalizePredicate(p string) string {
	p = strings.ToUpper(strings.TrimSpace(p))
	return strings.Join(strings.FieldsFunc(p, func(r rune) bool {
		return r == ' ' || r == '-'
	}), "_")
}
