package matcher

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
)

// Candidate is one item to rank against a query.
type Candidate struct {
	ID   string
	Text string
}

// Match is a ranked candidate with cosine similarity in [0,1].
type Match struct {
	ID         string
	Similarity float64
}

// Embedder produces vector embeddings. Implemented by the LLM provider.
type Embedder interface {
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// Matcher ranks candidates by embedding similarity. For a fixed embedding
// model version the ranking is deterministic: ties are broken by candidate id.
type Matcher struct {
	embedder Embedder
	logger   *log.Logger
}

func New(embedder Embedder, logger *log.Logger) *Matcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[MATCHER] ", log.LstdFlags)
	}
	return &Matcher{embedder: embedder, logger: logger}
}

// Rank embeds the query together with all candidate texts and returns the
// topK candidates ordered by similarity descending.
func (m *Matcher) Rank(ctx context.Context, query string, candidates []Candidate, topK int) ([]Match, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	input := make([]string, 0, len(candidates)+1)
	input = append(input, query)
	for _, c := range candidates {
		input = append(input, c.Text)
	}
	vectors, err := m.embedder.Embed(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(vectors) != len(input) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(input))
	}
	queryVec := vectors[0]
	matches := make([]Match, len(candidates))
	for i, c := range candidates {
		matches[i] = Match{ID: c.ID, Similarity: Cosine(queryVec, vectors[i+1])}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of two vectors, clamped to [0,1].
// Mismatched or zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}
