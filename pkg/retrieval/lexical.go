package retrieval

import (
	"strings"
	"unicode"
)

// lexicalScore computes a normalized term-overlap score between a query and
// a document. It is the soft-degradation path when the embedding provider
// is unavailable: cheap, deterministic, and good enough to keep retrieval
// answering.
func lexicalScore(query, doc string) float64 {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return 0
	}
	docTerms := make(map[string]bool)
	for _, t := range tokenize(doc) {
		docTerms[t] = true
	}

	matched := 0
	seen := make(map[string]bool)
	for _, t := range queryTerms {
		if seen[t] {
			continue
		}
		seen[t] = true
		if docTerms[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(seen))
}

// tokenize splits text into lowercase alphanumeric words.
func tokenize(text string) []string {
	var words []string
	var word strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
		} else if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	if word.Len() > 0 {
		words = append(words, word.String())
	}
	return words
}
