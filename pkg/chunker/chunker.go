// Package chunker splits memory text into overlapping, sentence-aligned
// pieces sized for embedding-provider input limits.
package chunker

import (
	"strings"
	"unicode"
)

// Chunk is one piece of split text.
type Chunk struct {
	Text       string
	Index      int
	TokenCount int
}

// Chunker splits text on sentence boundaries into chunks of at most
// MaxTokens, carrying Overlap trailing tokens into the next chunk so
// context spans the cut.
type Chunker struct {
	MaxTokens int // Default 512
	Overlap   int // Default 50
}

// Chunk splits text. Short text yields a single chunk; empty text yields
// none.
func (c *Chunker) Chunk(text string) []Chunk {
	maxTokens := c.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	overlap := c.Overlap
	if overlap <= 0 {
		overlap = 50
	}

	parts := sentences(text)
	if len(parts) == 0 {
		return nil
	}

	var chunks []Chunk
	var pending []string
	tokens := 0

	flush := func() {
		chunks = append(chunks, Chunk{
			Text:       strings.Join(pending, " "),
			Index:      len(chunks),
			TokenCount: tokens,
		})
	}

	for _, s := range parts {
		n := tokenEstimate(s)
		if tokens+n > maxTokens && len(pending) > 0 {
			flush()
			pending = carryOver(pending, overlap)
			tokens = 0
			for _, kept := range pending {
				tokens += tokenEstimate(kept)
			}
		}
		pending = append(pending, s)
		tokens += n
	}
	if len(pending) > 0 {
		flush()
	}
	return chunks
}

// sentences splits on ., !, ? followed by whitespace or end of text.
// Text with no terminator comes back as a single sentence.
func sentences(text string) []string {
	var out []string
	var current strings.Builder

	emit := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				emit()
			}
		}
	}
	emit()
	return out
}

// tokenEstimate approximates provider token counts by whitespace words.
func tokenEstimate(s string) int {
	return len(strings.Fields(s))
}

// carryOver returns the trailing sentences worth roughly overlapTokens of
// context to seed the next chunk.
func carryOver(parts []string, overlapTokens int) []string {
	total := 0
	start := len(parts)
	for i := len(parts) - 1; i >= 0; i-- {
		n := tokenEstimate(parts[i])
		if total+n > overlapTokens && start != len(parts) {
			break
		}
		total += n
		start = i
	}
	return append([]string(nil), parts[start:]...)
}
