package generator

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/cluebase/backend/internal/retrieval"
	"github.com/cluebase/backend/internal/storage/models"
	"github.com/cluebase/backend/pkg/utils"
)

const (
	maxChunkRunes = 1500
	maxSources    = 5
)

var (
	citationPattern = regexp.MustCompile(`\[(\d{1,2})\]`)
	whitespace      = regexp.MustCompile(`\s+`)
)

var uncertainPhrases = []string{
	"i don't know", "i do not know", "not sure", "couldn't find", "could not find",
	"no information", "don't have information", "do not have information", "unable to find",
	"not mentioned", "isn't covered", "is not covered",
}

func systemPrompt(opts BotOptions) string {
	name := opts.Name
	if name == "" {
		name = "the workspace knowledge assistant"
	}

	base := fmt.Sprintf(`You are %s. You answer questions from members of this workspace using ONLY the numbered sources provided.

Your answers must:
1. Be accurate and grounded in the sources
2. Cite the sources you used with [n] markers
3. Be concise and formatted for a chat message
4. Say plainly when the sources do not contain the answer instead of guessing`, name)

	if opts.SystemPrompt != "" {
		base += "\n\nAdditional instructions:\n" + opts.SystemPrompt
	}
	return base
}

func userPrompt(question string, chunks []retrieval.Chunk) string {
	var b strings.Builder

	if len(chunks) == 0 {
		b.WriteString("Sources: none found.\n")
	} else {
		b.WriteString("Sources:\n")
		for i, c := range chunks {
			fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, sourceTitle(c), c.Content)
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s", question)
	return b.String()
}

func correctionSystemPrompt(opts BotOptions) string {
	name := opts.Name
	if name == "" {
		name = "the workspace knowledge assistant"
	}
	return fmt.Sprintf(`You are %s. A user has corrected one of your previous answers.
Treat the user's correction as the source of truth. Write a short revised answer to the original question that incorporates it.
Acknowledge the correction briefly and do not argue with it.`, name)
}

func correctionPrompt(c Correction) string {
	return fmt.Sprintf(`Original question: %s

Your previous answer: %s

User's correction: %s

Revised answer:`, c.OriginalQuestion, c.OriginalAnswer, c.CorrectionText)
}

// cleanChunks strips markup from chunk text and bounds its length.
func cleanChunks(chunks []retrieval.Chunk) []retrieval.Chunk {
	out := make([]retrieval.Chunk, 0, len(chunks))
	for _, c := range chunks {
		c.Content = utils.Truncate(stripHTML(c.Content), maxChunkRunes)
		if c.Content == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	doc.Find("script, style, nav, footer").Remove()

	return strings.TrimSpace(whitespace.ReplaceAllString(doc.Text(), " "))
}

func sourceTitle(c retrieval.Chunk) string {
	if c.Title != "" {
		return c.Title
	}
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err == nil && u.Host != "" {
			return u.Host + u.Path
		}
		return c.URL
	}
	return "Knowledge base"
}

// citedIndexes returns the zero-based chunk indexes referenced as [n] in the
// answer, in order of first citation.
func citedIndexes(answer string, n int) []int {
	var order []int
	seen := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		i, err := strconv.Atoi(m[1])
		if err != nil || i < 1 || i > n || seen[i-1] {
			continue
		}
		seen[i-1] = true
		order = append(order, i-1)
	}
	return order
}

// buildSources lists the chunks the answer cites in citation order, or every
// chunk in retrieval order when it cites none, deduplicated by document.
func buildSources(chunks []retrieval.Chunk, answer string) []models.Source {
	order := citedIndexes(answer, len(chunks))
	if len(order) == 0 {
		order = make([]int, len(chunks))
		for i := range chunks {
			order[i] = i
		}
	}

	seen := make(map[string]bool)
	sources := make([]models.Source, 0, len(order))
	for _, i := range order {
		c := chunks[i]
		title := sourceTitle(c)
		key := strings.ToLower(c.URL)
		if key == "" {
			key = strings.ToLower(title)
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		sources = append(sources, models.Source{
			Title:   title,
			URL:     c.URL,
			ChunkID: c.ID,
			Type:    c.Type,
			Score:   c.Score,
		})
		if len(sources) == maxSources {
			break
		}
	}
	return sources
}

func calculateConfidence(chunks []retrieval.Chunk, answer, finishReason string) float64 {
	if len(chunks) == 0 {
		return 0.2
	}

	top := chunks
	if len(top) > 3 {
		top = top[:3]
	}
	var avg float64
	for _, c := range top {
		avg += c.Score
	}
	avg /= float64(len(top))

	confidence := 0.3 + avg*0.5

	if len(citedIndexes(answer, len(chunks))) > 0 {
		confidence += 0.15
	}

	lower := strings.ToLower(answer)
	for _, p := range uncertainPhrases {
		if strings.Contains(lower, p) {
			confidence -= 0.3
			break
		}
	}

	if finishReason == "length" {
		confidence -= 0.1
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}
