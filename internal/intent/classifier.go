// Package intent decides whether an inbound chat message deserves a reply.
//
// Classification is a pure function of the message text and two thread
// flags. Unsolicited replies cannot be taken back, so outside of threads the
// bot already participates in, low-confidence messages are ignored.
package intent

import (
	"strings"
	"unicode"
)

type Intent string

const (
	Question       Intent = "question"
	Correction     Intent = "correction"
	Acknowledgment Intent = "acknowledgment"
	Unrelated      Intent = "unrelated"
	Ambiguous      Intent = "ambiguous"
)

const DefaultThreshold = 0.6

type Input struct {
	Text             string
	IsThreadReply    bool
	HasPriorBotReply bool
	// Mentioned is set when the bot was addressed explicitly.
	Mentioned bool
}

type Result struct {
	Intent        Intent
	Confidence    float64
	ShouldRespond bool
}

type Classifier struct {
	threshold float64
	tagger    Tagger
}

type Option func(*Classifier)

// WithTagger replaces the part-of-speech tagger. A nil tagger disables tagging.
func WithTagger(t Tagger) Option {
	return func(c *Classifier) { c.tagger = t }
}

func New(threshold float64, opts ...Option) *Classifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	c := &Classifier{
		threshold: threshold,
		tagger:    ProseTagger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var acknowledgments = map[string]struct{}{
	"thanks": {}, "thank you": {}, "thank you so much": {}, "thanks a lot": {}, "thx": {}, "ty": {},
	"ok": {}, "okay": {}, "k": {}, "kk": {}, "cool": {}, "great": {}, "nice": {}, "perfect": {},
	"awesome": {}, "got it": {}, "sounds good": {}, "makes sense": {}, "lol": {}, "yep": {},
	"yes": {}, "sure": {}, "np": {}, "no worries": {}, "will do": {}, "cheers": {}, "noted": {},
	"great thanks": {}, "ok thanks": {}, "perfect thanks": {}, "cool thanks": {},
}

// Declines answer the bot's offer of more help. They start like corrections
// but assert nothing about the answer.
var declines = map[string]struct{}{
	"no": {}, "nope": {}, "nah": {}, "no thanks": {}, "no thank you": {}, "nope thanks": {},
	"nah thanks": {}, "no thx": {}, "no need": {}, "no i'm good": {}, "no im good": {},
	"i'm good": {}, "all good": {}, "no all good": {}, "no worries": {}, "nothing else": {},
}

var declinePrefixes = []string{
	"no thanks ", "no thank you ", "no that's all", "no thats all", "no that is all",
	"nope that's all", "nah that's all", "that's all", "thats all", "that is all",
	"no i'm good ", "no im good ", "no all good ", "no need ", "no nothing else",
}

// Openers that precede a correction or a new question alike.
var interjections = map[string]struct{}{
	"actually": {}, "no": {}, "nope": {}, "nah": {}, "well": {}, "wait": {}, "hmm": {}, "oh": {}, "but": {},
}

var followUpStarters = map[string]struct{}{
	"what": {}, "how": {}, "why": {}, "when": {}, "where": {}, "who": {}, "which": {},
	"can": {}, "could": {}, "would": {}, "should": {},
}

var correctionPrefixes = []string{
	"no,", "no that", "no it", "no the", "nope", "wrong", "incorrect", "not quite", "not true",
	"that's wrong", "thats wrong", "that is wrong", "that's not right", "that is not right",
	"that's not correct", "that is not correct", "that's incorrect", "that is incorrect",
	"that's outdated", "that is outdated", "you're wrong", "you are wrong",
	"actually", "correction:", "it's actually", "it is actually",
}

var correctionPhrases = []string{
	"that's wrong", "that is wrong", "not correct", "is incorrect", "is outdated",
	"that's not how", "no longer", "you got it wrong", "the correct answer", "all wrong",
}

var questionStarters = []string{
	"what", "how", "why", "when", "where", "who", "whom", "whose", "which",
	"can", "could", "does", "do", "did", "is", "are", "was", "were", "should",
	"will", "would", "may", "might", "has", "have", "shall",
}

var requestPhrases = []string{
	"tell me", "explain", "help me", "i need", "looking for", "show me", "any idea",
	"anyone know", "does anyone", "how do i", "how to", "where can i", "is there",
	"walk me through", "remind me", "what's the", "whats the",
}

// Classify is safe to call speculatively; it has no side effects.
func (c *Classifier) Classify(in Input) Result {
	text := normalize(in.Text)
	botThread := in.IsThreadReply && in.HasPriorBotReply

	if text == "" || !hasLetterOrDigit(text) {
		return Result{Intent: Acknowledgment, Confidence: 0.95}
	}

	if _, ok := acknowledgments[strings.Trim(text, " .!")]; ok {
		return Result{Intent: Acknowledgment, Confidence: 0.9}
	}

	if isDecline(text) {
		return Result{Intent: Acknowledgment, Confidence: 0.85}
	}

	if in.HasPriorBotReply && isCorrection(text) {
		return Result{Intent: Correction, Confidence: 0.9, ShouldRespond: true}
	}

	score := c.questionScore(in.Text, text)
	if in.Mentioned {
		score = clamp(score + 0.4)
		if score < c.threshold {
			score = c.threshold
		}
	}
	if botThread {
		score = clamp(score + 0.15)
	}

	bar := c.threshold
	if botThread {
		bar = c.threshold / 2
	}

	switch {
	case score >= c.threshold:
		return Result{Intent: Question, Confidence: score, ShouldRespond: true}
	case score < 0.2 && !botThread:
		return Result{Intent: Unrelated, Confidence: clamp(1 - score)}
	default:
		return Result{Intent: Ambiguous, Confidence: score, ShouldRespond: score >= bar}
	}
}

func (c *Classifier) questionScore(raw, text string) float64 {
	var score float64

	if strings.HasSuffix(strings.TrimRight(text, " .!"), "?") {
		score += 0.45
	}

	first := leadWord(text)
	for _, w := range questionStarters {
		if first == w {
			score += 0.3
			break
		}
	}

	for _, p := range requestPhrases {
		if strings.Contains(text, p) {
			score += 0.3
			break
		}
	}

	if c.tagger != nil {
		score += tagBoost(c.tagger.Tag(raw))
	}

	return clamp(score)
}

// tagBoost rewards interrogative words and sentence-initial modals or
// auxiliaries that keyword rules miss (e.g. inside longer sentences).
func tagBoost(tokens []Token) float64 {
	var boost float64
	for i, tok := range tokens {
		switch tok.Tag {
		case "WDT", "WP", "WP$", "WRB":
			if i > 0 {
				boost = 0.15
			}
		case "MD", "VBZ", "VBP":
			if i == 0 {
				boost = max(boost, 0.1)
			}
		}
	}
	return boost
}

// words splits on anything but letters, digits and apostrophes.
func words(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func isDecline(text string) bool {
	for _, p := range correctionPhrases {
		if strings.Contains(text, p) {
			return false
		}
	}

	w := words(text)
	candidates := []string{strings.Join(w, " ")}
	if len(w) > 1 && (w[0] == "no" || w[0] == "nope" || w[0] == "nah") {
		candidates = append(candidates, strings.Join(w[1:], " "))
	}

	for _, joined := range candidates {
		if _, ok := declines[joined]; ok {
			return true
		}
		if _, ok := acknowledgments[joined]; ok {
			return true
		}
		for _, p := range declinePrefixes {
			if strings.HasPrefix(joined+" ", p) {
				return true
			}
		}
	}
	return false
}

// asksInstead reports whether a message that opens like a correction is
// really a new question ("Actually, what about contractors?").
func asksInstead(text string) bool {
	if strings.HasSuffix(strings.TrimRight(text, " .!"), "?") {
		return true
	}
	_, ok := followUpStarters[leadWord(text)]
	return ok
}

// leadWord is the first word after any opening interjections.
func leadWord(text string) string {
	w := words(text)
	for len(w) > 1 {
		if _, ok := interjections[w[0]]; !ok {
			break
		}
		w = w[1:]
	}
	if len(w) == 0 {
		return ""
	}
	return w[0]
}

func isCorrection(text string) bool {
	if asksInstead(text) {
		return false
	}
	for _, p := range correctionPrefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	for _, p := range correctionPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "’", "'")
	return strings.Join(strings.Fields(s), " ")
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
