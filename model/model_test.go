package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphrag-go/graphrag/rerrors"
)

func TestNewCollectionIndexesByIDAndTitle(t *testing.T) {
	entities := []*Entity{
		{ID: "e1", Title: "Alice"},
		{ID: "e2", Title: "Bob"},
	}
	textUnits := []*TextUnit{{ID: "t1", Text: "hello"}}

	c, err := NewCollection(entities, nil, nil, textUnits, nil, nil)
	require.NoError(t, err)

	byID, ok := c.EntityByID("e2")
	require.True(t, ok)
	require.Equal(t, "Bob", byID.Title)

	byTitle, ok := c.EntityByTitle("Alice")
	require.True(t, ok)
	require.Equal(t, "e1", byTitle.ID)

	_, ok = c.TextUnitByID("missing")
	require.False(t, ok)
}

func TestNewCollectionRejectsDuplicateTitles(t *testing.T) {
	entities := []*Entity{
		{ID: "e1", Title: "Alice"},
		{ID: "e2", Title: "Alice"},
	}
	_, err := NewCollection(entities, nil, nil, nil, nil, nil)
	require.Error(t, err)
	var dataErr *rerrors.DataError
	require.ErrorAs(t, err, &dataErr)
}

func TestNewCollectionRejectsMismatchedEmbeddingDims(t *testing.T) {
	entities := []*Entity{
		{ID: "e1", Title: "Alice", DescriptionEmbedding: []float32{1, 0}},
		{ID: "e2", Title: "Bob", DescriptionEmbedding: []float32{1, 0, 0}},
	}
	_, err := NewCollection(entities, nil, nil, nil, nil, nil)
	require.Error(t, err)
	var dataErr *rerrors.DataError
	require.ErrorAs(t, err, &dataErr)
}

func TestConversationHistoryUserTurnsAndLastN(t *testing.T) {
	h := NewConversationHistory(
		Turn{Role: RoleUser, Content: "first"},
		Turn{Role: RoleAssistant, Content: "reply"},
		Turn{Role: RoleUser, Content: "second"},
		Turn{Role: RoleUser, Content: "third"},
	)

	users := h.UserTurns()
	require.Len(t, users, 3)
	require.Equal(t, "first", users[0].Content)

	last := h.LastN(2)
	turns := last.Turns()
	require.Len(t, turns, 2)
	require.Equal(t, "second", turns[0].Content)
	require.Equal(t, "third", turns[1].Content)

	require.Empty(t, h.LastN(0).Turns())
	require.Len(t, h.LastN(10).Turns(), 4)
}

func TestConversationHistoryTurnsReturnsCopy(t *testing.T) {
	h := NewConversationHistory(Turn{Role: RoleUser, Content: "original"})
	turns := h.Turns()
	turns[0].Content = "mutated"
	require.Equal(t, "original", h.Turns()[0].Content)
}
