// Package chunker splits extracted text into overlapping segments for embedding.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkSize is the default number of runes per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of runes shared by neighbouring chunks.
const DefaultChunkOverlap = 200

// separatorLevels are tried in order: paragraph, line, sentence, word, rune.
var separatorLevels = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "? ", "! "},
	{" "},
	{""},
}

// Chunk is one segment of a source's text.
type Chunk struct {
	Index int
	Text  string
}

// Chunker splits text recursively on the coarsest separator that keeps
// segments within the size limit.
type Chunker struct {
	size    int
	overlap int
}

// Option configures the chunker.
type Option func(*Chunker)

// WithChunkSize sets the chunk size in runes.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets the overlap between chunks in runes.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New creates a chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:    DefaultChunkSize,
		overlap: DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

// Size returns the configured chunk size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the effective overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns the chunks of text in order. Empty or blank text yields none.
// The same input always produces the same chunks.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	parts := c.split(text, separatorLevels)
	chunks := make([]Chunk, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, Chunk{Index: len(chunks), Text: p})
	}
	return chunks
}

func (c *Chunker) split(text string, levels [][]string) []string {
	level, rest := levels[len(levels)-1], [][]string(nil)
	for i, seps := range levels {
		if containsAny(text, seps) {
			level, rest = seps, levels[i+1:]
			break
		}
	}

	var (
		out     []string
		pending []string
	)
	for _, piece := range splitKeep(text, level) {
		if utf8.RuneCountInString(piece) <= c.size {
			pending = append(pending, piece)
			continue
		}
		if len(pending) > 0 {
			out = append(out, c.merge(pending)...)
			pending = nil
		}
		out = append(out, c.split(piece, rest)...)
	}
	if len(pending) > 0 {
		out = append(out, c.merge(pending)...)
	}
	return out
}

// merge packs pieces into chunks of at most size runes, carrying up to
// overlap runes of trailing pieces into the next chunk.
func (c *Chunker) merge(pieces []string) []string {
	var (
		out    []string
		window []string
		total  int
	)
	emit := func() {
		if s := strings.TrimSpace(strings.Join(window, "")); s != "" {
			out = append(out, s)
		}
	}

	for _, piece := range pieces {
		n := utf8.RuneCountInString(piece)
		if total+n > c.size && len(window) > 0 {
			emit()
			for len(window) > 0 && (total > c.overlap || total+n > c.size) {
				total -= utf8.RuneCountInString(window[0])
				window = window[1:]
			}
		}
		window = append(window, piece)
		total += n
	}
	emit()
	return out
}

func containsAny(text string, seps []string) bool {
	for _, sep := range seps {
		if sep == "" || strings.Contains(text, sep) {
			return true
		}
	}
	return false
}

// splitKeep splits text after each separator, keeping the separator on the
// preceding piece so that joining the pieces restores the text.
func splitKeep(text string, seps []string) []string {
	if len(seps) == 1 && seps[0] == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}

	var out []string
	start := 0
	for i := 0; i < len(text); {
		matched := ""
		for _, sep := range seps {
			if strings.HasPrefix(text[i:], sep) {
				matched = sep
				break
			}
		}
		if matched == "" {
			i++
			continue
		}
		i += len(matched)
		out = append(out, text[start:i])
		start = i
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
