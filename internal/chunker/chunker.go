// Package chunker splits extracted document text into sentence-aligned chunks.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the default character budget per chunk.
const DefaultMaxChars = 800

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)
)

type Chunker struct {
	maxChars int
}

// Option configures the chunker.
type Option func(*Chunker)

// WithMaxChars sets the character budget per chunk. Non-positive values are ignored.
func WithMaxChars(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{maxChars: DefaultMaxChars}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chunker) MaxChars() int {
	return c.maxChars
}

// Chunk packs sentences greedily into chunks of at most MaxChars characters.
// A sentence longer than the budget becomes a chunk of its own.
func (c *Chunker) Chunk(text string) []string {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		chunks  []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if size > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			size = 0
		}
	}

	for _, s := range sentences {
		n := utf8.RuneCountInString(s)
		if size > 0 && size+1+n > c.maxChars {
			flush()
		}
		if size > 0 {
			current.WriteByte(' ')
			size++
		}
		current.WriteString(s)
		size += n
		if size >= c.maxChars {
			flush()
		}
	}
	flush()

	return chunks
}

// SplitSentences normalises whitespace and cuts after every '.', '!' or '?'
// that is followed by whitespace.
func SplitSentences(text string) []string {
	normalized := strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
	if normalized == "" {
		return nil
	}

	var sentences []string
	start := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(normalized, -1) {
		end := loc[0] + 1
		if s := strings.TrimSpace(normalized[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = loc[1]
	}
	if s := strings.TrimSpace(normalized[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
