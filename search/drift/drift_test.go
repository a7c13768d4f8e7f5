package drift

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/graphrag-go/graphrag/llmclient"
	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/search/local"
	"github.com/graphrag-go/graphrag/tokencount"
	"github.com/graphrag-go/graphrag/vectorstore"
)

// scriptedChat answers the primer decomposition with a fixed 3-way
// follow-up set, then gives every first-level follow-up ("q1".."q3") two
// children of its own and every second-level query a terminal, childless
// answer, so the expected complete-action count is the same regardless of
// which first-level actions the ranker happens to pick first.
type scriptedChat struct{}

func (c *scriptedChat) Chat(_ context.Context, messages []llmclient.Message, _ llmclient.ChatParams) (string, error) {
	sys := messages[0].Content
	user := messages[len(messages)-1].Content

	if strings.Contains(sys, "Decompose the question") {
		return `{"intermediate_answer":"root answer","score":50,"follow_up_queries":["q1","q2","q3"]}`, nil
	}

	switch user {
	case "q1", "q2", "q3":
		return fmt.Sprintf(`{"response":"answer for %s","score":10,"follow_up_queries":["%s-a","%s-b"]}`, user, user, user), nil
	default:
		return fmt.Sprintf(`{"response":"leaf answer for %s","score":5,"follow_up_queries":[]}`, user), nil
	}
}

func (c *scriptedChat) ChatStream(context.Context, []llmclient.Message, llmclient.ChatParams) (<-chan llmclient.Delta, error) {
	out := make(chan llmclient.Delta, 1)
	out <- llmclient.Delta{Done: true}
	close(out)
	return out, nil
}

type stubEmbedder struct{ vec []float32 }

func (s stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) { return s.vec, nil }

func buildDriftFixture(t *testing.T) (*Search, *model.Collection) {
	t.Helper()
	entities := []*model.Entity{
		{ID: "e1", ShortID: "1", Title: "Alice", Description: "person", DescriptionEmbedding: []float32{1, 0}, TextUnitIDs: []string{"t1"}},
	}
	textUnits := []*model.TextUnit{
		{ID: "t1", ShortID: "1", Text: "Alice appears here.", EntityIDs: []string{"e1"}},
	}
	coll, err := model.NewCollection(entities, nil, nil, textUnits, nil, nil)
	require.NoError(t, err)
	store := vectorstore.NewMemoryStore(stubEmbedder{vec: []float32{1, 0}})
	store.Add("e1", []float32{1, 0})
	counter, err := tokencount.New(tokencount.DefaultEncoding)
	require.NoError(t, err)

	chat := &scriptedChat{}
	localSearch, err := local.New(coll, store, chat, counter, local.DefaultConfig())
	require.NoError(t, err)

	cfg := Config{SearchPrimerK: 2, PrimerFolds: 1, Iterations: 2}
	s, err := New(coll, store, chat, counter, localSearch, cfg)
	require.NoError(t, err)
	return s, coll
}

func TestDriftTerminatesWithExpectedCompleteCount(t *testing.T) {
	s, _ := buildDriftFixture(t)

	result, err := s.Search(context.Background(), "big question")
	require.NoError(t, err)

	actions := result.State.Actions()
	complete := 0
	for _, a := range actions {
		if a.Complete {
			complete++
		}
	}
	require.Equal(t, 5, complete)

	var incompleteLeaves int
	for _, a := range actions {
		if !a.Complete {
			incompleteLeaves++
		}
	}
	require.Equal(t, len(actions)-5, incompleteLeaves)
}

func TestDriftRootSeededFromMergedPrimer(t *testing.T) {
	s, _ := buildDriftFixture(t)

	result, err := s.Search(context.Background(), "big question")
	require.NoError(t, err)

	actions := result.State.Actions()
	require.NotEmpty(t, actions)
	root := actions[0]
	require.Equal(t, "big question", root.Query)
	require.Equal(t, "root answer", root.Answer)
	require.True(t, root.Complete)
	require.ElementsMatch(t, []string{"q1", "q2", "q3"}, root.FollowUps)
}

func TestConfigValidateRejectsNonPositiveBreadth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchPrimerK = 0
	require.Error(t, cfg.Validate())
}

func TestDriftResponseIsSerializedQueryState(t *testing.T) {
	s, _ := buildDriftFixture(t)

	result, err := s.Search(context.Background(), "big question")
	require.NoError(t, err)
	require.Contains(t, result.ResponseText, `"actions"`)
	require.Contains(t, result.ResponseText, "big question")
	require.Greater(t, result.LLMCalls, 0)
	require.Greater(t, result.LLMCallsByPhase["primer"], 0)
	require.Greater(t, result.LLMCallsByPhase["followup"], 0)
}

// hydeChat records the system prompts it sees so the test can confirm the
// primer drafted a hypothetical answer before retrieval.
type hydeChat struct {
	scriptedChat
	sawHyde bool
}

func (c *hydeChat) Chat(ctx context.Context, messages []llmclient.Message, params llmclient.ChatParams) (string, error) {
	if strings.Contains(messages[0].Content, "hypothetical answer") {
		c.sawHyde = true
		return "a drafted hypothetical answer", nil
	}
	return c.scriptedChat.Chat(ctx, messages, params)
}

func TestDriftPrimerDraftsHypotheticalAnswerWhenReportsExist(t *testing.T) {
	entities := []*model.Entity{
		{ID: "e1", ShortID: "1", Title: "Alice", DescriptionEmbedding: []float32{1, 0}, TextUnitIDs: []string{"t1"}},
	}
	textUnits := []*model.TextUnit{{ID: "t1", ShortID: "1", Text: "Alice appears here."}}
	reports := []*model.CommunityReport{
		{ID: "cr1", CommunityID: "c1", Title: "Community One", FullContent: "a report about Alice", FullContentEmbedding: []float32{1, 0}},
		{ID: "cr2", CommunityID: "c2", Title: "Community Two", FullContent: "a report about Bob", FullContentEmbedding: []float32{0, 1}},
	}
	coll, err := model.NewCollection(entities, nil, nil, textUnits, reports, nil)
	require.NoError(t, err)

	store := vectorstore.NewMemoryStore(stubEmbedder{vec: []float32{1, 0}})
	store.Add("e1", []float32{1, 0})
	for _, r := range reports {
		store.Add(r.ID, r.FullContentEmbedding)
	}
	counter, err := tokencount.New(tokencount.DefaultEncoding)
	require.NoError(t, err)

	chat := &hydeChat{}
	localSearch, err := local.New(coll, store, chat, counter, local.DefaultConfig())
	require.NoError(t, err)

	s, err := New(coll, store, chat, counter, localSearch, Config{SearchPrimerK: 1, PrimerFolds: 1, Iterations: 1})
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "who is Alice?")
	require.NoError(t, err)
	require.True(t, chat.sawHyde)
}
