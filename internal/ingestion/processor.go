// Package ingestion turns knowledge-base documents into indexed chunks.
package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/cluebase/backend/internal/retrieval"
	"github.com/cluebase/backend/pkg/logger"
	"github.com/cluebase/backend/pkg/utils"
)

var whitespace = regexp.MustCompile(`\s+`)

// Indexer stores chunks for later retrieval.
type Indexer interface {
	Upsert(ctx context.Context, workspaceID, botID string, chunk retrieval.Chunk) error
}

// Document is one source page. Content may be HTML or plain text.
type Document struct {
	WorkspaceID string
	// BotID restricts the document to one bot; empty shares it.
	BotID   string
	URL     string
	Title   string
	Content string
}

type Processor struct {
	index        Indexer
	graph        *GraphBuilder
	chunkSize    int
	chunkOverlap int
}

type Option func(*Processor)

// WithGraph also extracts each document into the knowledge graph.
func WithGraph(b *GraphBuilder) Option {
	return func(p *Processor) { p.graph = b }
}

func NewProcessor(index Indexer, opts ...Option) *Processor {
	p := &Processor{
		index:        index,
		chunkSize:    1000,
		chunkOverlap: 100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessDocument cleans, chunks and indexes doc. Chunk ids derive from the
// workspace, URL and position, so re-ingesting a page overwrites its chunks.
func (p *Processor) ProcessDocument(ctx context.Context, doc Document) (int, error) {
	if doc.WorkspaceID == "" {
		return 0, fmt.Errorf("workspace id is required")
	}

	logger.Info("Processing document", zap.String("url", doc.URL), zap.String("workspace_id", doc.WorkspaceID))

	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(doc.Content))
	if err != nil {
		return 0, fmt.Errorf("failed to parse document: %w", err)
	}

	title := doc.Title
	if title == "" {
		title = extractTitle(parsed)
	}
	text := cleanHTML(parsed)
	if text == "" {
		return 0, fmt.Errorf("no content extracted from %s", doc.URL)
	}

	docType := extractDocType(doc.URL)
	chunks := p.chunkText(text)
	for i, content := range chunks {
		chunk := retrieval.Chunk{
			ID:      utils.HashParts(doc.WorkspaceID, doc.URL, fmt.Sprint(i)),
			Content: content,
			Title:   title,
			URL:     doc.URL,
			Type:    docType,
		}
		if err := p.index.Upsert(ctx, doc.WorkspaceID, doc.BotID, chunk); err != nil {
			return i, fmt.Errorf("failed to index chunk %d of %s: %w", i, doc.URL, err)
		}
	}

	// Graph extraction is best effort; the chunks are already searchable.
	if p.graph != nil {
		if _, err := p.graph.BuildFromDocument(ctx, doc.WorkspaceID, doc.URL, title, text); err != nil {
			logger.Warn("Failed to build graph from document", zap.String("url", doc.URL), zap.Error(err))
		}
	}

	logger.Info("Document processed successfully",
		zap.String("url", doc.URL),
		zap.String("title", title),
		zap.Int("chunks", len(chunks)),
	)
	return len(chunks), nil
}

func cleanHTML(doc *goquery.Document) string {
	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text := doc.Find("body").Text()
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func extractTitle(doc *goquery.Document) string {
	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "Untitled"
	}
	return title
}

func extractDocType(url string) string {
	lowerURL := strings.ToLower(url)

	switch {
	case strings.Contains(lowerURL, "policy") || strings.Contains(lowerURL, "policies"):
		return "policy"
	case strings.Contains(lowerURL, "faq"):
		return "faq"
	case strings.Contains(lowerURL, "handbook"):
		return "handbook"
	case strings.Contains(lowerURL, "guide") || strings.Contains(lowerURL, "how-to"):
		return "guide"
	case strings.Contains(lowerURL, "runbook") || strings.Contains(lowerURL, "troubleshoot"):
		return "runbook"
	}
	return "documentation"
}

// chunkText splits on word boundaries into chunks of about chunkSize bytes,
// carrying the last few words of each chunk into the next.
func (p *Processor) chunkText(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	overlapWords := p.chunkOverlap / 10
	var (
		chunks  []string
		current []string
		size    int
	)

	for _, word := range words {
		wordLen := len(word) + 1

		if size+wordLen > p.chunkSize && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, " "))

			start := max(0, len(current)-overlapWords)
			current = append([]string(nil), current[start:]...)
			size = 0
			for _, w := range current {
				size += len(w) + 1
			}
		}

		current = append(current, word)
		size += wordLen
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}
