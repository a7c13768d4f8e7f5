// Package global implements GlobalSearch: a map/reduce search over every
// community report in the graph, for questions that need a synthesis
// spanning the whole corpus. Map batches fan out concurrently under a
// bounded cap; the single reduce call synthesizes the top-scoring points.
package global

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/graphrag-go/graphrag/contextpack"
	"github.com/graphrag-go/graphrag/llmclient"
	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/rerrors"
	"github.com/graphrag-go/graphrag/tokencount"
)

const mapSystemPrompt = `---Role---

You are an analyst summarizing a batch of community reports to answer a user question.

Return a JSON object of the form {"points": [{"description": string, "score": integer 0-100}, ...]}.
Only include points grounded in the provided reports.

---Reports---

%s`

const reduceSystemPrompt = `---Role---

You are synthesizing analyst findings into a final answer.

---Analyst Findings---

%s

---Response Format---

%s`

// reduceNoKnowledgeClause is appended to the reduce prompt unless
// AllowGeneralKnowledge is set.
const reduceNoKnowledgeClause = `

Do not include information not supported by the analyst findings. If the findings are empty or insufficient, answer exactly: %s`

// Config controls GlobalSearch's map/reduce behavior.
type Config struct {
	MaxDataTokens         int
	ConcurrentCoroutines  int
	ShuffleData           bool
	Seed                  int64
	AllowGeneralKnowledge bool
	NoDataAnswer          string
	ResponseType          string
	MaxTokens             int
	Temperature           float64
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxDataTokens:         2000,
		ConcurrentCoroutines:  32,
		ShuffleData:           true,
		AllowGeneralKnowledge: false,
		NoDataAnswer:          "I am unable to answer this question given the provided data.",
		ResponseType:          "multiple paragraphs",
		MaxTokens:             2000,
	}
}

// Validate reports a ConfigError for unusable settings.
func (c Config) Validate() error {
	if c.MaxDataTokens <= 0 {
		return rerrors.NewConfigError("max_data_tokens must be positive")
	}
	if c.ConcurrentCoroutines <= 0 {
		return rerrors.NewConfigError("concurrent_coroutines must be positive")
	}
	return nil
}

// Search is a GlobalSearch engine bound to one collection/chat model/token
// counter for the lifetime of a query session.
type Search struct {
	Collection *model.Collection
	Chat       llmclient.ChatModel
	Counter    *tokencount.Counter
	Packer     *contextpack.Packer
	Config     Config
}

// New validates cfg and builds a Search.
func New(coll *model.Collection, chat llmclient.ChatModel, counter *tokencount.Counter, cfg Config) (*Search, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if coll == nil {
		return nil, rerrors.NewConfigError("collection must not be nil")
	}
	return &Search{
		Collection: coll,
		Chat:       chat,
		Counter:    counter,
		Packer:     contextpack.New(counter),
		Config:     cfg,
	}, nil
}

// Point is one map-phase finding.
type Point struct {
	Description string `json:"description"`
	Score       int    `json:"score"`
}

type mapResponse struct {
	Points []Point `json:"points"`
}

// Result is the SearchResult the Orchestrator surfaces for GlobalSearch.
type Result struct {
	ResponseText          string
	ContextText           string
	ContextRecords        []contextpack.Row // report rows fed to the map phase
	Points                []Point
	CompletionTimeSeconds float64
	LLMCalls              int
	PromptTokens          int
	OutputTokens          int
	LLMCallsByPhase       map[string]int
	PromptTokensByPhase   map[string]int
	OutputTokensByPhase   map[string]int
	MapDiagnostics        []string // one per batch that failed
	ErrKind               string   // set when the reduce call failed and was degraded
}

// StreamEvent carries either the assembled reduce context (emitted exactly
// once, first) or a reduce-call token delta. Only the reduce call streams;
// map calls always run to completion first.
type StreamEvent struct {
	Context *Result
	Delta   llmclient.Delta
}

func (s *Search) reportRows() []contextpack.Row {
	reports := s.Collection.CommunityReports
	order := make([]int, len(reports))
	for i := range order {
		order[i] = i
	}
	if s.Config.ShuffleData {
		rnd := rand.New(rand.NewSource(s.Config.Seed))
		rnd.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	rows := make([]contextpack.Row, len(reports))
	for i, idx := range order {
		r := reports[idx]
		rows[i] = contextpack.Row{"id": r.ID, "title": r.Title, "content": r.FullContent}
	}
	return rows
}

// mapPhase packs the report batches, fans the map calls out under the
// concurrency cap, and returns the Result populated through the reduce
// context assembly.
func (s *Search) mapPhase(ctx context.Context, query string) (*Result, error) {
	result := &Result{
		LLMCallsByPhase:     map[string]int{},
		PromptTokensByPhase: map[string]int{},
		OutputTokensByPhase: map[string]int{},
	}

	if len(s.Collection.CommunityReports) == 0 {
		return result, nil
	}

	rows := s.reportRows()
	result.ContextRecords = rows

	chunks := s.Packer.PackBatched("Reports", []string{"id", "title", "content"}, rows, s.Config.MaxDataTokens)
	if len(chunks) == 0 {
		return result, nil
	}

	mapResults := make([]mapOutcome, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Config.ConcurrentCoroutines)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			outcome := s.mapBatch(gctx, query, chunk)
			mapResults[i] = outcome
			return nil // batch failures degrade locally, never fail the group
		})
	}
	if err := g.Wait(); err != nil {
		if rerrors.IsCancelled(err) {
			return nil, rerrors.NewCancelled(err)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, rerrors.NewCancelled(err)
	}

	var allPoints []Point
	for _, outcome := range mapResults {
		result.LLMCalls++
		result.LLMCallsByPhase["map"]++
		result.PromptTokens += outcome.promptTokens
		result.PromptTokensByPhase["map"] += outcome.promptTokens
		result.OutputTokens += outcome.outputTokens
		result.OutputTokensByPhase["map"] += outcome.outputTokens
		if outcome.diagnostic != "" {
			result.MapDiagnostics = append(result.MapDiagnostics, outcome.diagnostic)
			continue
		}
		allPoints = append(allPoints, outcome.points...)
	}

	// Reorder deterministically by score so the reduce prompt is invariant
	// to map-call scheduling.
	filtered := allPoints[:0:0]
	for _, p := range allPoints {
		if p.Score > 0 {
			filtered = append(filtered, p)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	result.Points = filtered
	result.ContextText = s.packReduceContext(filtered)
	return result, nil
}

func (s *Search) reducePrompt(reduceContext string) string {
	prompt := fmt.Sprintf(reduceSystemPrompt, reduceContext, s.Config.ResponseType)
	if !s.Config.AllowGeneralKnowledge {
		prompt += fmt.Sprintf(reduceNoKnowledgeClause, s.Config.NoDataAnswer)
	}
	return prompt
}

// Search runs the full map/reduce pass. An empty graph yields an empty
// response with zero LLM calls; a non-empty graph whose map phase produced
// no usable points yields the configured NoDataAnswer without a reduce
// call.
func (s *Search) Search(ctx context.Context, query string) (*Result, error) {
	start := time.Now()

	result, err := s.mapPhase(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() { result.CompletionTimeSeconds = time.Since(start).Seconds() }()

	if len(s.Collection.CommunityReports) == 0 {
		return result, nil
	}
	if result.ContextText == "" {
		result.ResponseText = s.Config.NoDataAnswer
		return result, nil
	}
	if s.Chat == nil {
		return result, nil
	}

	prompt := s.reducePrompt(result.ContextText)
	messages := []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: prompt},
		{Role: llmclient.RoleUser, Content: query},
	}
	text, err := s.Chat.Chat(ctx, messages, llmclient.ChatParams{MaxTokens: s.Config.MaxTokens, Temperature: s.Config.Temperature})
	result.LLMCalls++
	result.LLMCallsByPhase["reduce"]++
	promptTokens := s.Counter.Count(prompt) + s.Counter.Count(query)
	result.PromptTokens += promptTokens
	result.PromptTokensByPhase["reduce"] += promptTokens
	if err != nil {
		if rerrors.IsCancelled(err) {
			return nil, rerrors.NewCancelled(err)
		}
		// The reduce failure degrades to an empty response with the
		// assembled context still attached.
		log.Printf("global search reduce call failed: %v", err)
		result.ErrKind = "LLMError"
		return result, nil
	}
	result.ResponseText = text
	outputTokens := s.Counter.Count(text)
	result.OutputTokens += outputTokens
	result.OutputTokensByPhase["reduce"] += outputTokens
	return result, nil
}

// SearchStream runs the map phase to completion, emits the Result (with the
// assembled reduce context) exactly once, then streams the reduce call's
// token deltas in order.
func (s *Search) SearchStream(ctx context.Context, query string) (<-chan StreamEvent, error) {
	result, err := s.mapPhase(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent, 1)
	out <- StreamEvent{Context: result}

	if len(s.Collection.CommunityReports) == 0 || result.ContextText == "" || s.Chat == nil {
		close(out)
		return out, nil
	}

	messages := []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: s.reducePrompt(result.ContextText)},
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

type mapOutcome struct {
	points       []Point
	diagnostic   string
	promptTokens int
	outputTokens int
}

func (s *Search) mapBatch(ctx context.Context, query string, chunk string) mapOutcome {
	prompt := fmt.Sprintf(mapSystemPrompt, chunk)
	messages := []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: prompt},
		{Role: llmclient.RoleUser, Content: query},
	}
	outcome := mapOutcome{promptTokens: s.Counter.Count(prompt) + s.Counter.Count(query)}

	if s.Chat == nil {
		return outcome
	}

	text, err := s.Chat.Chat(ctx, messages, llmclient.ChatParams{
		Temperature:    s.Config.Temperature,
		ResponseFormat: &llmclient.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		log.Printf("global search map batch failed, continuing without it: %v", err)
		outcome.diagnostic = fmt.Sprintf("map batch llm error: %v", err)
		return outcome
	}
	outcome.outputTokens = s.Counter.Count(text)

	var parsed mapResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		log.Printf("global search map batch returned malformed JSON, continuing without it: %v", err)
		outcome.diagnostic = fmt.Sprintf("map batch parse error: %v", err)
		return outcome
	}
	outcome.points = parsed.Points
	return outcome
}

// packReduceContext greedily packs labeled "-----Analyst N-----" blocks
// under MaxDataTokens, stopping at the first block that would overflow.
func (s *Search) packReduceContext(points []Point) string {
	var sb strings.Builder
	used := 0
	for i, p := range points {
		block := fmt.Sprintf("-----Analyst %d-----\nHelpfulness Score: %d\n%s\n", i+1, p.Score, p.Description)
		cost := s.Counter.Count(block)
		if used+cost > s.Config.MaxDataTokens {
			break
		}
		sb.WriteString(block)
		used += cost
	}
	return sb.String()
}
