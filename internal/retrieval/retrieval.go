// Package retrieval keeps a small in-memory vector index per
// conversation and answers top-k queries against it. Completion requests
// use it to splice relevant passages into the outgoing prompt.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/FateUnix29/Hollowfire-1/internal/embeddings"
)

// Metric selects how stored vectors are ranked against the query.
type Metric string

const (
	L2           Metric = "l2"
	InnerProduct Metric = "ip"
	Cosine       Metric = "cosine"
)

// ErrUnknownMetric is returned for an index type other than l2, ip or
// cosine.
var ErrUnknownMetric = errors.New("unknown index type")

// ParseMetric maps a client-supplied index type to a Metric. The empty
// string selects L2. FAISS-style names such as "IndexFlatL2" are
// accepted.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(s, "IndexFlat"), "indexflat")) {
	case "", "l2":
		return L2, nil
	case "ip", "innerproduct", "inner_product":
		return InnerProduct, nil
	case "cosine", "cos":
		return Cosine, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
	}
}

// score returns a higher-is-better score for the metric.
func (m Metric) score(a, b []float32) float32 {
	switch m {
	case InnerProduct:
		return embeddings.InnerProduct(a, b)
	case Cosine:
		return embeddings.CosineSimilarity(a, b)
	default:
		return -embeddings.L2Distance(a, b)
	}
}

// Embedder turns text into a vector. The embeddings client satisfies it.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// Query is the retrieval block of a completion request.
type Query struct {
	Data      []string `json:"data"`
	Query     string   `json:"query"`
	K         int      `json:"k"`
	IndexType string   `json:"faiss_type"`
}

// Match is one retrieved passage.
type Match struct {
	Text  string
	Score float32
}

// Index is a flat vector index. Texts are stored once; adding a text
// that is already indexed is a no-op.
type Index struct {
	mu      sync.RWMutex
	texts   []string
	vectors [][]float32
	seen    map[string]bool
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{seen: make(map[string]bool)}
}

// Len returns the number of indexed texts.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.texts)
}

// Add embeds and stores texts not already present. It returns how many
// were added. On an embedding error, texts embedded before it are kept.
func (ix *Index) Add(ctx context.Context, emb Embedder, texts []string) (int, error) {
	added := 0
	for _, t := range texts {
		if t == "" {
			continue
		}
		ix.mu.RLock()
		dup := ix.seen[t]
		ix.mu.RUnlock()
		if dup {
			continue
		}

		v, err := emb.Generate(ctx, t)
		if err != nil {
			return added, fmt.Errorf("embed passage: %w", err)
		}

		ix.mu.Lock()
		if !ix.seen[t] {
			ix.seen[t] = true
			ix.texts = append(ix.texts, t)
			ix.vectors = append(ix.vectors, v)
			added++
		}
		ix.mu.Unlock()
	}
	return added, nil
}

// Search returns up to k passages ranked by metric against query.
func (ix *Index) Search(query []float32, k int, metric Metric) []Match {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	idx := embeddings.TopKBy(query, ix.vectors, k, metric.score)
	out := make([]Match, len(idx))
	for i, j := range idx {
		out[i] = Match{Text: ix.texts[j], Score: metric.score(query, ix.vectors[j])}
	}
	return out
}

// Indexes holds one index per conversation id.
type Indexes struct {
	emb Embedder

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewIndexes returns an empty set of indexes that embed with emb.
func NewIndexes(emb Embedder) *Indexes {
	return &Indexes{emb: emb, indexes: make(map[string]*Index)}
}

// For returns the index for a conversation, creating it if needed.
func (s *Indexes) For(id string) *Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, ok := s.indexes[id]
	if !ok {
		ix = NewIndex()
		s.indexes[id] = ix
	}
	return ix
}

// Retrieve extends the conversation's index with q.Data and returns the
// top q.K matches for q.Query. K defaults to 1.
func (s *Indexes) Retrieve(ctx context.Context, id string, q Query) ([]Match, error) {
	metric, err := ParseMetric(q.IndexType)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(q.Query) == "" {
		return nil, errors.New("retrieval query is empty")
	}
	k := q.K
	if k <= 0 {
		k = 1
	}

	ix := s.For(id)
	if _, err := ix.Add(ctx, s.emb, q.Data); err != nil {
		return nil, err
	}
	qv, err := s.emb.Generate(ctx, q.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.Search(qv, k, metric), nil
}

// Format renders matches as the content of the spliced context message.
func Format(matches []Match) string {
	var b strings.Builder
	b.WriteString("Relevant context retrieved for this request:\n")
	for i, m := range matches {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
