package ingestion

import (
	"regexp"
	"strings"

	"github.com/chatmesh/chatmesh/pkg/retrieval"
)

// Chunk is one unit of text bound for embedding. Index is stable within the
// asset so re-ingestion replaces rather than duplicates.
type Chunk struct {
	Index int
	Text  string
}

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// splitChunks splits text into chunks of at most maxTokens estimated tokens,
// breaking on paragraph boundaries. Consecutive chunks share roughly
// overlapTokens of trailing context so answers spanning a boundary stay
// retrievable. A single paragraph larger than maxTokens is split on word
// boundaries.
func splitChunks(text string, maxTokens, overlapTokens int) []Chunk {
	if maxTokens < 1 {
		maxTokens = 512
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		overlapTokens = 0
	}

	var paragraphs []string
	for _, p := range paragraphBreak.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if retrieval.EstimateTokens(p) > maxTokens {
			paragraphs = append(paragraphs, splitOversized(p, maxTokens)...)
			continue
		}
		paragraphs = append(paragraphs, p)
	}
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []string
	currentTokens := 0
	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: strings.Join(current, "\n\n")})
		current, currentTokens = overlapTail(current, overlapTokens)
	}

	for _, p := range paragraphs {
		tokens := retrieval.EstimateTokens(p)
		if currentTokens+tokens > maxTokens {
			flush()
		}
		current = append(current, p)
		currentTokens += tokens
	}
	flush()
	return chunks
}

// overlapTail returns the trailing paragraphs of the flushed chunk that fit
// the overlap budget, seeding the next chunk.
func overlapTail(paragraphs []string, overlapTokens int) ([]string, int) {
	if overlapTokens == 0 {
		return nil, 0
	}
	var tail []string
	tokens := 0
	for i := len(paragraphs) - 1; i >= 0; i-- {
		t := retrieval.EstimateTokens(paragraphs[i])
		if tokens+t > overlapTokens {
			break
		}
		tail = append([]string{paragraphs[i]}, tail...)
		tokens += t
	}
	return tail, tokens
}

// splitOversized cuts a paragraph on word boundaries into pieces under
// maxTokens each.
func splitOversized(p string, maxTokens int) []string {
	words := strings.Fields(p)
	var out []string
	var current []string
	tokens := 0
	for _, w := range words {
		t := retrieval.EstimateTokens(w) + 1
		if tokens+t > maxTokens && len(current) > 0 {
			out = append(out, strings.Join(current, " "))
			current, tokens = nil, 0
		}
		current = append(current, w)
		tokens += t
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, " "))
	}
	return out
}
