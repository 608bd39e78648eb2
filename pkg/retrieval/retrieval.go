// Package retrieval selects the knowledge snippets that ground a reply. The
// query is embedded and searched in the tenant's vector namespace, the dense
// score is blended with a lexical overlap score, and the surviving snippets
// are packed greedily into the context token budget.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/chatmesh/chatmesh/pkg/llm"
	"github.com/chatmesh/chatmesh/pkg/models"
	"github.com/chatmesh/chatmesh/pkg/vectorstore"
)

// Snippet is one retrieved chunk offered to the prompt builder.
type Snippet struct {
	AssetID    string  `json:"asset_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// Retriever runs hybrid retrieval against a namespace.
type Retriever struct {
	store    vectorstore.Store
	embedder llm.Embedder
	logger   *slog.Logger
}

// New creates a Retriever.
func New(store vectorstore.Store, embedder llm.Embedder, logger *slog.Logger) *Retriever {
	return &Retriever{store: store, embedder: embedder, logger: logger}
}

// Retrieve returns the snippets for the query under the tenant's retrieval
// config. An empty result is not an error; the caller falls back to
// answering without grounding.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, brandID, query string, cfg *models.RetrievalConfig) ([]Snippet, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// Over-fetch so lexical re-ranking has candidates beyond the dense top-K.
	candidates, err := r.store.Search(ctx, tenantID, brandID, vectors[0], cfg.MaxDocuments*3, scalarFilters(cfg.Filters))
	if err != nil {
		return nil, fmt.Errorf("failed to search vector store: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryTokens := tokenize(query)
	snippets := make([]Snippet, 0, len(candidates))
	for _, c := range candidates {
		score := cfg.HybridWeight*c.Score + (1-cfg.HybridWeight)*lexicalOverlap(queryTokens, c.ChunkText)
		if score < cfg.MinScore {
			continue
		}
		snippets = append(snippets, Snippet{
			AssetID:    c.AssetID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.ChunkText,
			Score:      score,
		})
	}
	sortByScore(snippets)
	if len(snippets) > cfg.MaxDocuments {
		snippets = snippets[:cfg.MaxDocuments]
	}
	snippets = packBudget(snippets, cfg.ContextBudgetTokens)

	r.logger.Debug("Retrieval complete",
		"tenant_id", tenantID, "candidates", len(candidates), "selected", len(snippets))
	return snippets, nil
}

func sortByScore(s []Snippet) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}

// packBudget keeps snippets in score order while their cumulative token
// estimate fits the budget. Lower-scored snippets are dropped, never
// truncated mid-text.
func packBudget(snippets []Snippet, budget int) []Snippet {
	if budget <= 0 {
		return snippets
	}
	out := snippets[:0]
	used := 0
	for _, s := range snippets {
		cost := EstimateTokens(s.Text)
		if used+cost > budget {
			continue
		}
		used += cost
		out = append(out, s)
	}
	return out
}

// EstimateTokens approximates the token count of text at four characters
// per token.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// lexicalOverlap is the fraction of distinct query tokens present in the
// chunk text.
func lexicalOverlap(queryTokens map[string]bool, text string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	chunkTokens := tokenize(text)
	hits := 0
	for tok := range queryTokens {
		if chunkTokens[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

func tokenize(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[tok] = true
	}
	return out
}

func scalarFilters(filters models.JSONMap) map[string]string {
	if len(filters) == 0 {
		return nil
	}
	out := make(map[string]string, len(filters))
	for k, v := range filters {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
