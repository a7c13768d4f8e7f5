package contextpack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/tokencount"
)

func newPacker(t *testing.T) *Packer {
	t.Helper()
	counter, err := tokencount.New(tokencount.DefaultEncoding)
	require.NoError(t, err)
	return New(counter)
}

func TestPackNeverExceedsBudgetPlusHeader(t *testing.T) {
	p := newPacker(t)
	columns := []string{"id", "title"}
	var rows []Row
	for i := 0; i < 50; i++ {
		rows = append(rows, Row{"id": "e" + string(rune('0'+i%10)), "title": "a rather long entity title to burn tokens"})
	}

	budget := 40
	result := p.Pack("Entities", columns, rows, budget)

	headerTokens := p.Counter.Count(p.header("Entities", columns))
	require.LessOrEqual(t, p.Counter.Count(result.Text), budget+headerTokens)
	require.True(t, strings.HasPrefix(result.Text, "-----Entities-----\n"))
}

func TestPackStopsAtFirstOverflowingRow(t *testing.T) {
	p := newPacker(t)
	columns := []string{"id"}
	rows := []Row{{"id": "1"}, {"id": "2"}, {"id": "3"}}

	result := p.Pack("Entities", columns, rows, 1)
	require.LessOrEqual(t, len(result.Rows), len(rows))
	// Packing stops at the first row that overflows, so the packed rows are
	// a prefix of the input.
	for i, r := range result.Rows {
		require.Equal(t, rows[i], r)
	}
}

func TestPackBatchedSplitsIntoMultipleChunks(t *testing.T) {
	p := newPacker(t)
	columns := []string{"id", "content"}
	var rows []Row
	for i := 0; i < 20; i++ {
		rows = append(rows, Row{"id": "r", "content": "some moderately long community report content block"})
	}

	chunks := p.PackBatched("Reports", columns, rows, 30)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.True(t, strings.HasPrefix(c, "-----Reports-----\n"))
	}
}

func TestPackBatchedEmptyRowsReturnsNil(t *testing.T) {
	p := newPacker(t)
	chunks := p.PackBatched("Reports", []string{"id"}, nil, 100)
	require.Nil(t, chunks)
}

func TestPackCommunityReportsSortsByMatchesThenRank(t *testing.T) {
	p := newPacker(t)
	reports := []*model.CommunityReport{
		{ID: "a", CommunityID: "ca", Title: "A", FullContent: "content a", Rank: 5},
		{ID: "b", CommunityID: "cb", Title: "B", FullContent: "content b", Rank: 9},
		{ID: "c", CommunityID: "cc", Title: "C", FullContent: "content c", Rank: 1},
	}
	matches := map[string]int{"a": 1, "b": 2, "c": 2}

	result, packed := p.PackCommunityReports(reports, nil, CommunityPackOptions{Matches: matches}, 10_000)
	require.NotNil(t, result)
	require.Len(t, packed, 3)
	// b and c tie on matches(2) but b has higher rank, so order is b, c, a.
	require.Equal(t, []string{"b", "c", "a"}, idsOf(packed))
}

func TestPackCommunityReportsWeightNormalization(t *testing.T) {
	p := newPacker(t)
	entities := []*model.Entity{
		{Title: "E1", CommunityIDs: []string{"ca"}, TextUnitIDs: []string{"t1", "t2"}},
		{Title: "E2", CommunityIDs: []string{"cb"}, TextUnitIDs: []string{"t3"}},
	}
	reports := []*model.CommunityReport{
		{ID: "a", CommunityID: "ca", Title: "A", FullContent: "x"},
		{ID: "b", CommunityID: "cb", Title: "B", FullContent: "y"},
	}
	result, _ := p.PackCommunityReports(reports, entities, CommunityPackOptions{
		IncludeWeight:   true,
		NormalizeWeight: true,
	}, 10_000)
	require.Contains(t, result.Text, "weight")
	require.Contains(t, result.Text, "1.0000") // report a: 2 text units / max(2) = 1.0
}

func idsOf(reports []*model.CommunityReport) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.ID
	}
	return out
}
