// Package local implements LocalSearch: a single-query, single-LLM-call
// search over the entities/relationships/covariates/text-units/community
// reports reachable from a small set of mapped entities, with an optional
// token-streamed response.
package local

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/graphrag-go/graphrag/contextpack"
	"github.com/graphrag-go/graphrag/llmclient"
	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/rerrors"
	"github.com/graphrag-go/graphrag/retrieval"
	"github.com/graphrag-go/graphrag/tokencount"
	"github.com/graphrag-go/graphrag/vectorstore"
)

// SystemPromptTemplate is the chat system prompt skeleton: the packed
// context block plus a caller-selected response register.
const SystemPromptTemplate = `---Role---

You are a helpful assistant responding to questions about data in the tables provided.

---Context---

%s

---Response Format---

%s`

// Config controls LocalSearch's budget split and retrieval breadth. The
// proportions need not sum to exactly 1.0; the remainder after
// CommunityProp and TextUnitProp is the entities/relationships/covariates
// section's share.
type Config struct {
	CommunityProp               float64
	TextUnitProp                float64
	TopKMappedEntities          int
	Oversample                  int
	TopKRelationships           int
	ConversationHistoryMaxTurns int
	MaxTokens                   int
	Temperature                 float64
	ResponseType                string
	IncludeCommunityWeight      bool
	NormalizeCommunityWeight    bool
	IncludeCommunityRank        bool
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		CommunityProp:               0.25,
		TextUnitProp:                0.25,
		TopKMappedEntities:          10,
		Oversample:                  2,
		TopKRelationships:           10,
		ConversationHistoryMaxTurns: 5,
		MaxTokens:                   8000,
		ResponseType:                "multiple paragraphs",
		IncludeCommunityWeight:      true,
		NormalizeCommunityWeight:    true,
		IncludeCommunityRank:        true,
	}
}

// Validate reports a ConfigError when the proportions are negative or sum
// past 1.0.
func (c Config) Validate() error {
	if c.CommunityProp < 0 || c.TextUnitProp < 0 {
		return rerrors.NewConfigError("community_prop and text_unit_prop must be non-negative")
	}
	if c.CommunityProp+c.TextUnitProp > 1.0 {
		return rerrors.NewConfigError("community_prop + text_unit_prop must not exceed 1.0")
	}
	if c.MaxTokens <= 0 {
		return rerrors.NewConfigError("max_tokens must be positive")
	}
	return nil
}

// Search is a LocalSearch engine bound to one collection/vector store/chat
// model/token counter for the lifetime of a query session.
type Search struct {
	Collection *model.Collection
	Store      vectorstore.VectorStore
	Chat       llmclient.ChatModel
	Counter    *tokencount.Counter
	Packer     *contextpack.Packer
	Config     Config
}

// New validates cfg and builds a Search.
func New(coll *model.Collection, store vectorstore.VectorStore, chat llmclient.ChatModel, counter *tokencount.Counter, cfg Config) (*Search, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if coll == nil {
		return nil, rerrors.NewConfigError("collection must not be nil")
	}
	if store == nil {
		return nil, rerrors.NewConfigError("vector store must not be nil")
	}
	return &Search{
		Collection: coll,
		Store:      store,
		Chat:       chat,
		Counter:    counter,
		Packer:     contextpack.New(counter),
		Config:     cfg,
	}, nil
}

// Params are the per-call inputs to Search.Search.
type Params struct {
	Query string
	// History is consumed but never mutated; previous user turns are
	// prepended to the semantic match query only, never to the message
	// sent to the model.
	History *model.ConversationHistory
	// DriftQuery anchors the sub-question to the original user question
	// when LocalSearch is invoked from DRIFT.
	DriftQuery string
}

// ContextRecords groups the rows that made it into each packed section.
type ContextRecords struct {
	Entities      []contextpack.Row
	Relationships []contextpack.Row
	Covariates    []contextpack.Row
	Reports       []contextpack.Row
	Sources       []contextpack.Row
}

// Result is the SearchResult the Orchestrator surfaces for LocalSearch.
type Result struct {
	ResponseText          string
	ContextText           string
	ContextRecords        ContextRecords
	CompletionTimeSeconds float64
	LLMCalls              int
	PromptTokens          int
	OutputTokens          int
	ErrKind               string // set when the chat call failed and was degraded
}

// StreamEvent carries either the context-records payload (emitted exactly
// once, before any token) or a model token delta.
type StreamEvent struct {
	Context *Result
	Delta   llmclient.Delta
}

func systemPrompt(contextText, responseType, driftQuery string) string {
	base := fmt.Sprintf(SystemPromptTemplate, contextText, responseType)
	if driftQuery == "" {
		return base
	}
	// Anchors the sub-question to the original question driving a DRIFT
	// refinement round.
	return base + fmt.Sprintf("\n\n---Original Question---\n\n%s", driftQuery)
}

func semanticQuery(query string, history *model.ConversationHistory, maxTurns int) string {
	if history == nil || maxTurns <= 0 {
		return query
	}
	turns := history.LastN(maxTurns).UserTurns()
	if len(turns) == 0 {
		return query
	}
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	sb.WriteString(query)
	return sb.String()
}

// buildContext maps the query to entities and assembles the community,
// local, and text-unit sections, producing the concatenated prompt context
// text alongside the per-section rows that made it into budget.
func (s *Search) buildContext(ctx context.Context, params Params) (*Result, []*model.Entity, error) {
	query := params.Query
	matchQuery := semanticQuery(query, params.History, s.Config.ConversationHistoryMaxTurns)

	selected, err := retrieval.MapQueryToEntities(ctx, s.Collection, s.Store, matchQuery, retrieval.MapQueryOptions{
		K:          s.Config.TopKMappedEntities,
		Oversample: s.Config.Oversample,
	})
	if err != nil {
		return nil, nil, err
	}

	communityBudget := int(float64(s.Config.MaxTokens) * s.Config.CommunityProp)
	communityText, communityRows := s.buildCommunityContext(selected, communityBudget)

	localBudget := int(float64(s.Config.MaxTokens) * (1 - s.Config.CommunityProp - s.Config.TextUnitProp))
	localText, entityRows, relRows, covRows := s.buildLocalContext(selected, localBudget)

	textUnitBudget := int(float64(s.Config.MaxTokens) * s.Config.TextUnitProp)
	textUnitText, sourceRows := s.buildTextUnitContext(selected, textUnitBudget)

	contextText := strings.Join(nonEmpty(communityText, localText, textUnitText), "\n\n")

	result := &Result{
		ContextText: contextText,
		ContextRecords: ContextRecords{
			Entities:      entityRows,
			Relationships: relRows,
			Covariates:    covRows,
			Reports:       communityRows,
			Sources:       sourceRows,
		},
		PromptTokens: s.Counter.Count(contextText) + s.Counter.Count(query),
	}
	return result, selected, nil
}

// Search builds the context, issues the single chat call, and returns the
// final result, always populating ContextRecords even when the chat call
// fails.
func (s *Search) Search(ctx context.Context, params Params) (*Result, error) {
	start := time.Now()

	result, _, err := s.buildContext(ctx, params)
	if err != nil {
		return nil, err
	}
	contextText := result.ContextText
	query := params.Query

	// An empty context means retrieval found nothing to ground an answer
	// in; the engine says so by returning an empty response rather than
	// letting the model invent one.
	if s.Chat == nil || contextText == "" {
		result.CompletionTimeSeconds = time.Since(start).Seconds()
		return result, nil
	}

	messages := []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: systemPrompt(contextText, s.Config.ResponseType, params.DriftQuery)},
		{Role: llmclient.RoleUser, Content: query},
	}

	text, err := s.Chat.Chat(ctx, messages, llmclient.ChatParams{MaxTokens: s.Config.MaxTokens, Temperature: s.Config.Temperature})
	result.LLMCalls++
	if err != nil {
		if rerrors.IsCancelled(err) {
			return nil, rerrors.NewCancelled(err)
		}
		log.Printf("local search chat failed, returning context without response: %v", err)
		result.ErrKind = "LLMError"
		result.CompletionTimeSeconds = time.Since(start).Seconds()
		return result, nil
	}

	result.ResponseText = text
	result.OutputTokens = s.Counter.Count(text)
	result.CompletionTimeSeconds = time.Since(start).Seconds()
	return result, nil
}

// SearchStream runs the same algorithm but streams the model's response,
// emitting the context payload exactly once before the first token and
// never buffering the full output.
func (s *Search) SearchStream(ctx context.Context, params Params) (<-chan StreamEvent, error) {
	ctxResult, _, err := s.buildContext(ctx, params)
	if err != nil {
		return nil, err
	}
	contextText := ctxResult.ContextText
	query := params.Query

	out := make(chan StreamEvent, 1)
	out <- StreamEvent{Context: ctxResult}

	if s.Chat == nil || contextText == "" {
		close(out)
		return out, nil
	}

	messages := []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: systemPrompt(contextText, s.Config.ResponseType, params.DriftQuery)},
		{Role: llmclient.RoleUser, Content: query},
	}

	deltas, err := s.Chat.ChatStream(ctx, messages, llmclient.ChatParams{MaxTokens: s.Config.MaxTokens, Temperature: s.Config.Temperature, Stream: true})
	if err != nil {
		close(out)
		return nil, err
	}

	go func() {
		defer close(out)
		for d := range deltas {
			select {
			case out <- StreamEvent{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func nonEmpty(parts ...string) []string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Search) buildCommunityContext(selected []*model.Entity, budget int) (string, []contextpack.Row) {
	if budget <= 0 || len(s.Collection.CommunityReports) == 0 {
		return "", nil
	}

	matches := make(map[string]int)
	for _, e := range selected {
		for _, cid := range e.CommunityIDs {
			matches[cid]++
		}
	}
	// A community reported at several levels contributes only its
	// highest-level report; lower levels are superseded.
	topByComm := make(map[string]*model.CommunityReport)
	for _, r := range s.Collection.CommunityReports {
		if cur, ok := topByComm[r.CommunityID]; !ok || r.Level > cur.Level {
			topByComm[r.CommunityID] = r
		}
	}
	reports := make([]*model.CommunityReport, 0, len(topByComm))
	reportMatches := make(map[string]int, len(topByComm))
	for _, r := range s.Collection.CommunityReports {
		if topByComm[r.CommunityID] != r {
			continue
		}
		reports = append(reports, r)
		reportMatches[r.ID] = matches[r.CommunityID]
	}

	result, _ := s.Packer.PackCommunityReports(reports, selected, contextpack.CommunityPackOptions{
		Matches:         reportMatches,
		IncludeWeight:   s.Config.IncludeCommunityWeight,
		NormalizeWeight: s.Config.NormalizeCommunityWeight,
		IncludeRank:     s.Config.IncludeCommunityRank,
	}, budget)
	return result.Text, result.Rows
}

// buildLocalContext starts with the entity table, then for each selected
// entity in order tentatively appends its relationship/covariate rows,
// committing the snapshot only while it still fits the budget and stopping
// at the first snapshot that would not.
func (s *Search) buildLocalContext(selected []*model.Entity, budget int) (string, []contextpack.Row, []contextpack.Row, []contextpack.Row) {
	if budget <= 0 || len(selected) == 0 {
		return "", nil, nil, nil
	}

	entityRows := make([]contextpack.Row, len(selected))
	for i, e := range selected {
		entityRows[i] = contextpack.Row{"id": e.ShortID, "title": e.Title, "type": e.Type, "description": e.Description}
	}

	inNetwork := retrieval.InNetworkRelationships(s.Collection.Relationships, selected)
	outNetwork := retrieval.OutNetworkRelationships(s.Collection.Relationships, selected)
	outRanked := retrieval.MutualRanking(s.Collection, outNetwork, selected, "combined_rank", s.Config.TopKRelationships)
	allRels := append(append([]*model.Relationship(nil), inNetwork...), outRanked...)

	// Each relationship belongs to the earliest selected entity touching it,
	// so that snapshot n only carries rows for selected[:n+1].
	selIdx := make(map[string]int, len(selected))
	for i, e := range selected {
		selIdx[e.Title] = i
	}
	relIdx := func(r *model.Relationship) int {
		si, sok := selIdx[r.Source]
		ti, tok := selIdx[r.Target]
		switch {
		case sok && tok:
			if si < ti {
				return si
			}
			return ti
		case sok:
			return si
		default:
			return ti
		}
	}

	covByEntity := make(map[string][]*model.Covariate)
	for _, c := range s.Collection.Covariates {
		covByEntity[c.SubjectID] = append(covByEntity[c.SubjectID], c)
	}

	entityCols := []string{"id", "title", "type", "description"}
	relCols := []string{"id", "source", "target", "description", "weight"}
	covCols := []string{"id", "subject", "type"}

	var lastRel, lastCov *contextpack.Result

	entityResult := s.Packer.Pack("Entities", entityCols, entityRows, budget)
	used := s.Counter.Count(entityResult.Text)

	for n := range selected {
		var prefixRels []*model.Relationship
		for _, r := range allRels {
			if relIdx(r) <= n {
				prefixRels = append(prefixRels, r)
			}
		}
		relRows := relRowsForEntities(prefixRels)
		covRows := covRowsForEntities(selected[:n+1], covByEntity)

		relResult := s.Packer.Pack("Relationships", relCols, relRows, max0(budget-used))
		covResult := s.Packer.Pack("Claims", covCols, covRows, max0(budget-used-s.Counter.Count(relResult.Text)))

		snapshotTokens := used + s.Counter.Count(relResult.Text) + s.Counter.Count(covResult.Text)
		if snapshotTokens > budget {
			break
		}
		lastRel, lastCov = relResult, covResult
	}

	var sb strings.Builder
	sb.WriteString(entityResult.Text)
	if lastRel != nil {
		sb.WriteString("\n")
		sb.WriteString(lastRel.Text)
	}
	if lastCov != nil {
		sb.WriteString("\n")
		sb.WriteString(lastCov.Text)
	}

	var relRows, covRows []contextpack.Row
	if lastRel != nil {
		relRows = lastRel.Rows
	}
	if lastCov != nil {
		covRows = lastCov.Rows
	}
	return sb.String(), entityResult.Rows, relRows, covRows
}

func relRowsForEntities(rels []*model.Relationship) []contextpack.Row {
	rows := make([]contextpack.Row, len(rels))
	for i, r := range rels {
		rows[i] = contextpack.Row{
			"id":          r.ID,
			"source":      r.Source,
			"target":      r.Target,
			"description": r.Description,
			"weight":      fmt.Sprintf("%.2f", r.Weight),
		}
	}
	return rows
}

func covRowsForEntities(selected []*model.Entity, covByEntity map[string][]*model.Covariate) []contextpack.Row {
	seen := make(map[string]struct{}, len(selected))
	var rows []contextpack.Row
	for _, e := range selected {
		if _, dup := seen[e.Title]; dup {
			continue
		}
		seen[e.Title] = struct{}{}
		for _, c := range covByEntity[e.Title] {
			rows = append(rows, contextpack.Row{"id": c.ShortID, "subject": c.SubjectID, "type": c.Type})
		}
	}
	return rows
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// buildTextUnitContext walks each selected entity's text unit ids in
// order, dedups, attaches entity-order/num-relationships sort keys in a
// scratch map (never mutating the records), sorts, and packs.
func (s *Search) buildTextUnitContext(selected []*model.Entity, budget int) (string, []contextpack.Row) {
	if budget <= 0 {
		return "", nil
	}

	inNetwork := retrieval.InNetworkRelationships(s.Collection.Relationships, selected)
	relsByTextUnit := make(map[string]int)
	for _, r := range inNetwork {
		for _, tid := range r.TextUnitIDs {
			relsByTextUnit[tid]++
		}
	}

	scratch := model.NewScratch()
	seen := make(map[string]struct{})
	var ordered []*model.TextUnit
	for order, e := range selected {
		for _, tid := range e.TextUnitIDs {
			if _, dup := seen[tid]; dup {
				continue
			}
			tu, ok := s.Collection.TextUnitByID(tid)
			if !ok {
				continue
			}
			seen[tid] = struct{}{}
			scratch.EntityOrder[tid] = order
			scratch.NumRelationships[tid] = relsByTextUnit[tid]
			ordered = append(ordered, tu)
		}
	}
	if len(ordered) == 0 {
		return "", nil
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		oi, oj := scratch.EntityOrder[ordered[i].ID], scratch.EntityOrder[ordered[j].ID]
		if oi != oj {
			return oi < oj
		}
		return scratch.NumRelationships[ordered[i].ID] > scratch.NumRelationships[ordered[j].ID]
	})

	cols := []string{"id", "text"}
	rows := make([]contextpack.Row, len(ordered))
	for i, tu := range ordered {
		rows[i] = contextpack.Row{"id": tu.ShortID, "text": tu.Text}
	}

	result := s.Packer.Pack("Sources", cols, rows, budget)
	return result.Text, result.Rows
}
