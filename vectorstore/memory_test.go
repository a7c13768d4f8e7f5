package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSimilarByVectorRanksByScoreDesc(t *testing.T) {
	s := NewMemoryStore(nil)
	s.Add("a", []float32{1, 0})
	s.Add("b", []float32{0, 1})
	s.Add("c", []float32{0.9, 0.1})

	matches, err := s.SimilarByVector(context.Background(), []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, "a", matches[0].ID)
	require.Equal(t, "c", matches[1].ID)
	require.Equal(t, "b", matches[2].ID)
	for i := 1; i < len(matches); i++ {
		require.LessOrEqual(t, matches[i].Score, matches[i-1].Score)
	}
}

func TestMemoryStoreFilterRestrictsResults(t *testing.T) {
	s := NewMemoryStore(nil)
	s.Add("a", []float32{1, 0})
	s.Add("b", []float32{0, 1})

	matches, err := s.SimilarByVector(context.Background(), []float32{1, 0}, 5, FilterByIDs([]string{"b"}))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "b", matches[0].ID)
}

func TestMemoryStoreKZeroReturnsNil(t *testing.T) {
	s := NewMemoryStore(nil)
	s.Add("a", []float32{1, 0})
	matches, err := s.SimilarByVector(context.Background(), []float32{1, 0}, 0, nil)
	require.NoError(t, err)
	require.Nil(t, matches)
}

func TestMemoryStoreDimensionMismatchErrors(t *testing.T) {
	s := NewMemoryStore(nil)
	s.Add("a", []float32{1, 0, 0})
	_, err := s.SimilarByVector(context.Background(), []float32{1, 0}, 1, nil)
	require.Error(t, err)
}

type stubEmbedder struct{ vec []float32 }

func (s stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) { return s.vec, nil }

func TestMemoryStoreSimilarByText(t *testing.T) {
	s := NewMemoryStore(stubEmbedder{vec: []float32{1, 0}})
	s.Add("a", []float32{1, 0})
	matches, err := s.SimilarByText(context.Background(), "anything", 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "a", matches[0].ID)
}
