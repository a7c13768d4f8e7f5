package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/vectorstore"
)

func buildCollection(t *testing.T) (*model.Collection, *vectorstore.MemoryStore) {
	t.Helper()
	entities := []*model.Entity{
		{ID: "1", Title: "ALPHA", Rank: 5, DescriptionEmbedding: []float32{1, 0}},
		{ID: "2", Title: "BETA", Rank: 3, DescriptionEmbedding: []float32{0, 1}},
		{ID: "3", Title: "GAMMA", Rank: 1, DescriptionEmbedding: []float32{0.9, 0.1}},
		{ID: "4", Title: "DELTA", Rank: 9, DescriptionEmbedding: []float32{0.5, 0.5}},
	}
	rels := []*model.Relationship{
		{ID: "r1", Source: "ALPHA", Target: "BETA", Weight: 2},
		{ID: "r2", Source: "ALPHA", Target: "GAMMA", Weight: 1},
		{ID: "r3", Source: "BETA", Target: "DELTA", Weight: 5},
		{ID: "r4", Source: "GAMMA", Target: "DELTA", Weight: 3},
	}
	coll, err := model.NewCollection(entities, rels, nil, nil, nil, nil)
	require.NoError(t, err)

	store := vectorstore.NewMemoryStore(nil)
	for _, e := range entities {
		store.Add(e.ID, e.DescriptionEmbedding)
	}
	return coll, store
}

func TestMapQueryToEntitiesEmptyQueryRanksByRank(t *testing.T) {
	coll, store := buildCollection(t)
	selected, err := MapQueryToEntities(context.Background(), coll, store, "", MapQueryOptions{K: 2})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	require.Equal(t, "DELTA", selected[0].Title)
	require.Equal(t, "ALPHA", selected[1].Title)
}

func TestMapQueryToEntitiesExcludeAndInclude(t *testing.T) {
	coll, store := buildCollection(t)
	selected, err := MapQueryToEntities(context.Background(), coll, store, "", MapQueryOptions{
		K:            2,
		ExcludeNames: []string{"DELTA"},
		IncludeNames: []string{"GAMMA"},
	})
	require.NoError(t, err)
	titles := make([]string, len(selected))
	for i, e := range selected {
		titles[i] = e.Title
	}
	require.Contains(t, titles, "GAMMA")
	require.NotContains(t, titles, "DELTA")
}

func TestInOutNetworkRelationships(t *testing.T) {
	coll, _ := buildCollection(t)
	selected := []*model.Entity{
		{Title: "ALPHA"},
		{Title: "BETA"},
	}
	in := InNetworkRelationships(coll.Relationships, selected)
	require.Len(t, in, 1)
	require.Equal(t, "r1", in[0].ID)

	out := OutNetworkRelationships(coll.Relationships, selected)
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	require.ElementsMatch(t, []string{"r2", "r3"}, ids)
}

func TestRankRelationshipsByWeight(t *testing.T) {
	coll, _ := buildCollection(t)
	rels := append([]*model.Relationship(nil), coll.Relationships...)
	ranked := RankRelationships(coll, rels, "weight")
	require.Equal(t, "r3", ranked[0].ID) // weight 5
	require.Equal(t, "r4", ranked[1].ID) // weight 3
	require.Equal(t, "r1", ranked[2].ID) // weight 2
	require.Equal(t, "r2", ranked[3].ID) // weight 1
}

func TestRankRelationshipsByCombinedRank(t *testing.T) {
	coll, _ := buildCollection(t)
	rels := append([]*model.Relationship(nil), coll.Relationships...)
	ranked := RankRelationships(coll, rels, "combined_rank")
	// r3: BETA(3)+DELTA(9)=12, r4: GAMMA(1)+DELTA(9)=10, r1: ALPHA(5)+BETA(3)=8, r2: ALPHA(5)+GAMMA(1)=6
	require.Equal(t, []string{"r3", "r4", "r1", "r2"}, idsOf(ranked))
}

func TestMutualRankingOrdersByDistinctLinks(t *testing.T) {
	coll, _ := buildCollection(t)
	selected := []*model.Entity{{Title: "ALPHA"}, {Title: "BETA"}}
	out := OutNetworkRelationships(coll.Relationships, selected)
	// r2 (ALPHA-GAMMA) links to 1 selected entity; r3 (BETA-DELTA) links to 1 selected entity,
	// so the tie falls to weight: r3 (5) before r2 (1).
	ranked := MutualRanking(coll, out, selected, "weight", 10)
	require.Len(t, ranked, 2)
	require.Equal(t, []string{"r3", "r2"}, idsOf(ranked))
}

func TestMutualRankingTruncatesToTopK(t *testing.T) {
	coll, _ := buildCollection(t)
	selected := []*model.Entity{{Title: "ALPHA"}, {Title: "BETA"}}
	out := OutNetworkRelationships(coll.Relationships, selected)
	ranked := MutualRanking(coll, out, selected, "weight", 1)
	require.Len(t, ranked, 2) // topKRelationships(1) * len(selected)(2)
}

func idsOf(rels []*model.Relationship) []string {
	out := make([]string, len(rels))
	for i, r := range rels {
		out[i] = r.ID
	}
	return out
}
