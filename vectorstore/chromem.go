package vectorstore

import (
	"context"
	"fmt"
	"runtime"

	"github.com/philippgille/chromem-go"

	"github.com/graphrag-go/graphrag/rerrors"
)

// ChromemStore is the production VectorStore backend, built on
// github.com/philippgille/chromem-go.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// ChromemConfig configures a ChromemStore.
type ChromemConfig struct {
	// PersistenceDir stores the database on disk; empty means in-memory.
	PersistenceDir string
	// CollectionName defaults to "default".
	CollectionName string
	// Embedder is invoked by chromem to embed query text in SimilarByText
	// and for documents added without a precomputed embedding (Index and
	// BatchIndex always supply one).
	Embedder Embedder
}

// NewChromemStore opens (or creates) a chromem collection.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	var db *chromem.DB
	var err error
	if cfg.PersistenceDir != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistenceDir, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	name := cfg.CollectionName
	if name == "" {
		name = "default"
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		if cfg.Embedder == nil {
			return nil, rerrors.NewConfigError("chromem store has no embedder configured for on-demand embedding")
		}
		return cfg.Embedder.EmbedQuery(ctx, text)
	}

	collection := db.GetCollection(name, embeddingFunc)
	if collection == nil {
		collection, err = db.CreateCollection(name, nil, embeddingFunc)
		if err != nil {
			return nil, fmt.Errorf("create chromem collection: %w", err)
		}
	}

	return &ChromemStore{db: db, collection: collection}, nil
}

// Index upserts id with a precomputed embedding and no document body. The
// query core only ever searches by vector, never retrieves chromem's
// stored content, so content is left empty.
func (s *ChromemStore) Index(ctx context.Context, id string, embedding []float32) error {
	doc, err := chromem.NewDocument(ctx, id, nil, embedding, "", nil)
	if err != nil {
		return fmt.Errorf("build chromem document %s: %w", id, err)
	}
	return s.collection.AddDocument(ctx, doc)
}

// BatchIndex upserts many (id, embedding) pairs at once, parallelized the
// way rag/store/chromem.go's Add did via runtimeNumWorkers.
func (s *ChromemStore) BatchIndex(ctx context.Context, ids []string, embeddings [][]float32) error {
	if len(ids) != len(embeddings) {
		return rerrors.NewConfigError("BatchIndex: ids and embeddings length mismatch")
	}
	if len(ids) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(ids))
	for i, id := range ids {
		doc, err := chromem.NewDocument(ctx, id, nil, embeddings[i], "", nil)
		if err != nil {
			return fmt.Errorf("build chromem document %s: %w", id, err)
		}
		docs[i] = doc
	}
	return s.collection.AddDocuments(ctx, docs, numWorkers(len(docs)))
}

// SimilarByVector implements VectorStore.
func (s *ChromemStore) SimilarByVector(ctx context.Context, v []float32, k int, filter *Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem has no id-allowlist query primitive; over-fetch and apply
	// the filter client-side, which keeps Filter non-stateful and shared
	// safely across concurrent callers.
	fetch := k
	if filter != nil {
		fetch = count
	}
	if fetch > count {
		fetch = count
	}

	results, err := s.collection.QueryEmbedding(ctx, v, fetch, nil, nil)
	if err != nil {
		return nil, rerrors.NewRetrievalError(fmt.Errorf("query chromem collection: %w", err))
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if filter != nil {
			if _, ok := filter.IDs[r.ID]; !ok {
				continue
			}
		}
		matches = append(matches, Match{ID: r.ID, Score: 1 + float64(r.Similarity)})
		if len(matches) == k {
			break
		}
	}
	return matches, nil
}

// SimilarByText embeds text via the store's configured Embedder, then
// searches.
func (s *ChromemStore) SimilarByText(ctx context.Context, text string, k int, filter *Filter) ([]Match, error) {
	count := s.collection.Count()
	if k <= 0 || count == 0 {
		return nil, nil
	}
	fetch := k
	if filter != nil {
		fetch = count
	}
	if fetch > count {
		fetch = count
	}
	results, err := s.collection.Query(ctx, text, fetch, nil, nil)
	if err != nil {
		return nil, rerrors.NewRetrievalError(fmt.Errorf("query chromem collection by text: %w", err))
	}
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		if filter != nil {
			if _, ok := filter.IDs[r.ID]; !ok {
				continue
			}
		}
		matches = append(matches, Match{ID: r.ID, Score: 1 + float64(r.Similarity)})
		if len(matches) == k {
			break
		}
	}
	return matches, nil
}

// numWorkers bounds batch-indexing parallelism to the host's CPU count.
func numWorkers(n int) int {
	w := runtime.NumCPU()
	if n < w {
		return max(n, 1)
	}
	return w
}
