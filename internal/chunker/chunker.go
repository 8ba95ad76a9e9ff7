// Package chunker splits an article into word-aligned pieces small enough
// for a single synthesis request.
package chunker

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidSize is returned when the size bound is not positive.
var ErrInvalidSize = errors.New("chunk size must be positive")

// Split breaks text into chunks of at most maxSize characters without
// splitting words. A single word longer than maxSize is emitted whole as its
// own chunk; that is the only case where a chunk exceeds the bound.
// Empty or whitespace-only text yields no chunks.
func Split(text string, maxSize int) ([]string, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}

	var (
		chunks  []string
		current string
	)
	for _, word := range strings.Fields(text) {
		tentative := strings.TrimSpace(current + " " + word)
		if utf8.RuneCountInString(tentative) <= maxSize {
			current += " " + word
			continue
		}
		if trimmed := strings.TrimSpace(current); trimmed != "" {
			chunks = append(chunks, trimmed)
			current = word
			continue
		}
		// word alone is over the bound
		chunks = append(chunks, word)
		current = ""
	}

	if trimmed := strings.TrimSpace(current); trimmed != "" {
		chunks = append(chunks, trimmed)
	}
	return chunks, nil
}

// Oversized reports whether chunk is a single word exceeding maxSize.
func Oversized(chunk string, maxSize int) bool {
	return utf8.RuneCountInString(chunk) > maxSize && !strings.ContainsFunc(chunk, unicode.IsSpace)
}
