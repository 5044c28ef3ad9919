// Package chunker splits episode bodies into ordered, hash-identified
// chunks. Sizes are approximate word counts, not tokens; paragraph
// boundaries are preserved so a small edit only perturbs nearby chunks.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultTargetWords is the per-chunk word budget.
const DefaultTargetWords = 400

// Chunk is one ordered slice of an episode body. Hash is a stable content
// digest used by the versioning engine for change detection.
type Chunk struct {
	Index int
	Text  string
	Hash  string
}

// Chunker splits text into word-budget chunks.
type Chunker struct {
	targetWords int
}

// New creates a chunker with the given word budget. Non-positive budgets
// fall back to the default.
func New(targetWords int) *Chunker {
	if targetWords <= 0 {
		targetWords = DefaultTargetWords
	}
	return &Chunker{targetWords: targetWords}
}

// Split produces the ordered chunk sequence for body. Empty input yields no
// chunks. Paragraphs are packed greedily; a paragraph larger than the budget
// is split on word boundaries rather than mid-word.
func (c *Chunker) Split(body string) []Chunk {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}

	paragraphs := splitParagraphs(body)

	var chunks []Chunk
	var current []string
	currentWords := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		text := strings.Join(current, "\n\n")
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  text,
			Hash:  HashContent(text),
		})
		current = nil
		currentWords = 0
	}

	for _, p := range paragraphs {
		words := countWords(p)
		if words > c.targetWords {
			// Oversized paragraph: flush what we have, then split it.
			flush()
			for _, piece := range splitWords(p, c.targetWords) {
				current = []string{piece}
				flush()
			}
			continue
		}
		if currentWords+words > c.targetWords && currentWords > 0 {
			flush()
		}
		current = append(current, p)
		currentWords += words
	}
	flush()

	return chunks
}

// HashContent returns the hex sha256 digest of text after trailing
// whitespace normalization. The same text always hashes the same.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimRight(text, " \t\n")))
	return hex.EncodeToString(sum[:])
}

// Hashes returns the positional hash vector for a chunk sequence.
func Hashes(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, ch := range chunks {
		out[i] = ch.Hash
	}
	return out
}

func splitParagraphs(body string) []string {
	raw := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// splitWords breaks an oversized paragraph into budget-sized word runs.
func splitWords(p string, budget int) []string {
	fields := strings.Fields(p)
	var out []string
	for start := 0; start < len(fields); start += budget {
		end := start + budget
		if end > len(fields) {
			end = len(fields)
		}
		out = append(out, strings.Join(fields[start:end], " "))
	}
	return out
}
