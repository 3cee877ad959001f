package intent

import (
	"github.com/jdkato/prose/v2"
)

type Token struct {
	Text string
	Tag  string
}

// Tagger assigns Penn Treebank part-of-speech tags.
type Tagger interface {
	Tag(text string) []Token
}

// ProseTagger tags with the averaged perceptron model bundled in prose.
type ProseTagger struct{}

func (ProseTagger) Tag(text string) []Token {
	doc, err := prose.NewDocument(text,
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return nil
	}

	toks := doc.Tokens()
	out := make([]Token, 0, len(toks))
	for _, t := range toks {
		out = append(out, Token{Text: t.Text, Tag: t.Tag})
	}
	return out
}
