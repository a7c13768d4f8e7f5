package vectorstore

import (
	"context"
	"math"
	"sort"

	"github.com/graphrag-go/graphrag/rerrors"
)

// record is one embedded item held by MemoryStore.
type record struct {
	id  string
	vec []float32
}

// MemoryStore is a deterministic, in-process VectorStore implementation
// used for tests and small corpora.
type MemoryStore struct {
	embedder Embedder
	records  []record
}

// NewMemoryStore builds an empty in-memory store. embedder may be nil if
// the caller only ever uses SimilarByVector.
func NewMemoryStore(embedder Embedder) *MemoryStore {
	return &MemoryStore{embedder: embedder}
}

// Add indexes id under vector v, overwriting any prior vector for id.
func (m *MemoryStore) Add(id string, v []float32) {
	for i := range m.records {
		if m.records[i].id == id {
			m.records[i].vec = v
			return
		}
	}
	m.records = append(m.records, record{id: id, vec: v})
}

// SimilarByVector implements VectorStore using exact cosine similarity
// rescaled to the [0,2] "1 + cosine" convention, scanned in full. Correct
// and deterministic, appropriate for the corpus sizes tests exercise.
func (m *MemoryStore) SimilarByVector(_ context.Context, v []float32, k int, filter *Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	matches := make([]Match, 0, len(m.records))
	for _, r := range m.records {
		if filter != nil {
			if _, ok := filter.IDs[r.id]; !ok {
				continue
			}
		}
		cos, err := cosine(v, r.vec)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{ID: r.id, Score: 1 + cos})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID // deterministic tiebreak
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// SimilarByText embeds text via the configured Embedder then searches.
func (m *MemoryStore) SimilarByText(ctx context.Context, text string, k int, filter *Filter) ([]Match, error) {
	if m.embedder == nil {
		return nil, rerrors.NewConfigError("memory store has no embedder configured")
	}
	v, err := m.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, rerrors.NewRetrievalError(err)
	}
	return m.SimilarByVector(ctx, v, k, filter)
}

func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, rerrors.NewDataError("embedding dimension mismatch in similarity search")
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
