// Package drift implements DRIFTSearch: iterative, tree-structured
// refinement of a query via a HyDE-seeded primer followed by bounded
// rounds of LocalSearch expansion, accumulated into an action graph.
package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/graphrag-go/graphrag/llmclient"
	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/rerrors"
	"github.com/graphrag-go/graphrag/search/local"
	"github.com/graphrag-go/graphrag/tokencount"
	"github.com/graphrag-go/graphrag/vectorstore"
)

const hydeSystemPrompt = `---Role---

You are drafting a hypothetical answer to a question, in the style of the following community report, to seed a retrieval search (HyDE).

---Style Reference---

%s

---Question---

%s`

const decomposeSystemPrompt = `---Role---

Decompose the question into an intermediate answer and follow-up sub-questions, grounded only in the reports below.

Return a JSON object {"intermediate_answer": string, "score": integer 0-100, "follow_up_queries": [string, ...]}.

---Reports---

%s`

// Config controls DRIFTSearch's primer and refinement breadth.
type Config struct {
	SearchPrimerK int // top-k community reports for the primer, and actions expanded per round
	PrimerFolds   int
	Iterations    int // n, max main-loop rounds
	Seed          int64
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig() Config {
	return Config{SearchPrimerK: 5, PrimerFolds: 3, Iterations: 3}
}

// Validate reports a ConfigError for unusable settings.
func (c Config) Validate() error {
	if c.SearchPrimerK <= 0 {
		return rerrors.NewConfigError("search_primer_k must be positive")
	}
	if c.PrimerFolds <= 0 {
		return rerrors.NewConfigError("primer_folds must be positive")
	}
	if c.Iterations < 0 {
		return rerrors.NewConfigError("iterations must be non-negative")
	}
	return nil
}

// Action is one node in the QueryState tree: a sub-question, its answer
// once expanded, and the follow-ups it spawned.
type Action struct {
	ID        string   `json:"id"`
	Query     string   `json:"query"`
	Answer    string   `json:"answer,omitempty"`
	Score     float64  `json:"score,omitempty"`
	HasScore  bool     `json:"has_score,omitempty"`
	FollowUps []string `json:"follow_ups,omitempty"`
	ParentID  string   `json:"parent_id,omitempty"`
	Complete  bool     `json:"complete"`
}

// QueryState is the directed multi-graph of Action nodes DRIFTSearch
// builds and mutates across rounds.
type QueryState struct {
	mu      sync.Mutex
	actions []*Action
	byID    map[string]*Action
}

// NewQueryState builds an empty state.
func NewQueryState() *QueryState {
	return &QueryState{byID: make(map[string]*Action)}
}

func (qs *QueryState) addAction(a *Action) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	qs.actions = append(qs.actions, a)
	qs.byID[a.ID] = a
}

// Actions returns a snapshot of every action in the state, in creation order.
func (qs *QueryState) Actions() []*Action {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	out := make([]*Action, len(qs.actions))
	copy(out, qs.actions)
	return out
}

func (qs *QueryState) incomplete() []*Action {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	var out []*Action
	for _, a := range qs.actions {
		if !a.Complete {
			out = append(out, a)
		}
	}
	return out
}

// Serialize renders the state as JSON: the full action list in creation
// order, with parent ids encoding the refinement edges. This is the
// response DRIFTSearch returns.
func (qs *QueryState) Serialize() (string, error) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	b, err := json.MarshalIndent(struct {
		Actions []*Action `json:"actions"`
	}{Actions: qs.actions}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize query state: %w", err)
	}
	return string(b), nil
}

// Search is a DRIFTSearch engine bound to one collection/vector
// store/chat model for the lifetime of a query session.
type Search struct {
	Collection *model.Collection
	Store      vectorstore.VectorStore
	Chat       llmclient.ChatModel
	Counter    *tokencount.Counter
	Local      *local.Search
	Config     Config
}

// New validates cfg and builds a Search. localSearch is the LocalSearch
// engine DRIFT threads drift_query through for each refinement step.
func New(coll *model.Collection, store vectorstore.VectorStore, chat llmclient.ChatModel, counter *tokencount.Counter, localSearch *local.Search, cfg Config) (*Search, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if coll == nil {
		return nil, rerrors.NewConfigError("collection must not be nil")
	}
	return &Search{
		Collection: coll,
		Store:      store,
		Chat:       chat,
		Counter:    counter,
		Local:      localSearch,
		Config:     cfg,
	}, nil
}

// Result is the SearchResult the Orchestrator surfaces for DRIFTSearch.
// ResponseText is the serialized QueryState.
type Result struct {
	State                 *QueryState
	ResponseText          string
	CompletionTimeSeconds float64
	LLMCalls              int
	PromptTokens          int
	OutputTokens          int
	LLMCallsByPhase       map[string]int
	PromptTokensByPhase   map[string]int
	OutputTokensByPhase   map[string]int
}

type decomposition struct {
	IntermediateAnswer string   `json:"intermediate_answer"`
	Score              int      `json:"score"`
	FollowUpQueries    []string `json:"follow_up_queries"`
}

// usage accumulates call/token counts across the concurrent primer-fold
// and follow-up fan-outs; a mutex keeps the bookkeeping race-free without
// the goroutines sharing any other mutable state.
type usage struct {
	mu            sync.Mutex
	calls         int
	prompt        int
	output        int
	callsByPhase  map[string]int
	promptByPhase map[string]int
	outputByPhase map[string]int
}

func newUsage() *usage {
	return &usage{
		callsByPhase:  make(map[string]int),
		promptByPhase: make(map[string]int),
		outputByPhase: make(map[string]int),
	}
}

func (u *usage) add(phase string, calls, prompt, output int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls += calls
	u.callsByPhase[phase] += calls
	u.prompt += prompt
	u.promptByPhase[phase] += prompt
	u.output += output
	u.outputByPhase[phase] += output
}

// Search runs the primer, seeds the action tree with the merged
// decomposition, then expands the highest-ranked incomplete actions for up
// to Iterations rounds.
func (s *Search) Search(ctx context.Context, query string) (*Result, error) {
	start := time.Now()
	state := NewQueryState()
	use := newUsage()

	primerReports := s.primerReports(ctx, query, use)

	folds := splitFolds(primerReports, s.Config.PrimerFolds)

	decomps := make([]decomposition, len(folds))
	g, gctx := errgroup.WithContext(ctx)
	for i, fold := range folds {
		i, fold := i, fold
		g.Go(func() error {
			d, err := s.decomposeFold(gctx, query, fold, use)
			if err != nil {
				return err
			}
			decomps[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if rerrors.IsCancelled(err) {
			return nil, rerrors.NewCancelled(err)
		}
		return nil, rerrors.NewLLMError("primer", err)
	}

	root := mergeDecompositions(query, decomps)
	state.addAction(root)
	for _, q := range root.FollowUps {
		state.addAction(&Action{Query: q, ParentID: root.ID})
	}

	for iter := 0; iter < s.Config.Iterations; iter++ {
		incomplete := state.incomplete()
		if len(incomplete) == 0 {
			break
		}
		ranked := rankActions(incomplete)
		batch := ranked
		if len(batch) > s.Config.SearchPrimerK {
			batch = batch[:s.Config.SearchPrimerK]
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, action := range batch {
			action := action
			g.Go(func() error {
				return s.expand(gctx, query, action, state, use)
			})
		}
		if err := g.Wait(); err != nil {
			if rerrors.IsCancelled(err) {
				return nil, rerrors.NewCancelled(err)
			}
			return nil, rerrors.NewLLMError("followup", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, rerrors.NewCancelled(err)
		}
	}

	serialized, err := state.Serialize()
	if err != nil {
		return nil, err
	}
	return &Result{
		State:                 state,
		ResponseText:          serialized,
		CompletionTimeSeconds: time.Since(start).Seconds(),
		LLMCalls:              use.calls,
		PromptTokens:          use.prompt,
		OutputTokens:          use.output,
		LLMCallsByPhase:       use.callsByPhase,
		PromptTokensByPhase:   use.promptByPhase,
		OutputTokensByPhase:   use.outputByPhase,
	}, nil
}

// primerReports expands the query into a hypothetical answer mirroring the
// style of a (seeded-)random community report, embeds it, and takes the
// top-k reports by similarity over the full-content space. Falls back to
// the raw query when no chat model is wired, and to the leading reports
// when no vector store is.
func (s *Search) primerReports(ctx context.Context, query string, use *usage) []*model.CommunityReport {
	reports := s.Collection.CommunityReports
	if len(reports) == 0 {
		return nil
	}

	k := s.Config.SearchPrimerK
	if k > len(reports) {
		k = len(reports)
	}

	if s.Store == nil {
		return append([]*model.CommunityReport(nil), reports[:k]...)
	}

	searchText := query
	if s.Chat != nil {
		rnd := rand.New(rand.NewSource(s.Config.Seed))
		style := reports[rnd.Intn(len(reports))]
		messages := []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: fmt.Sprintf(hydeSystemPrompt, style.FullContent, query)},
			{Role: llmclient.RoleUser, Content: query},
		}
		hyde, err := s.Chat.Chat(ctx, messages, llmclient.ChatParams{})
		outputTokens := 0
		if err != nil {
			log.Printf("drift hyde expansion failed, searching with the raw query: %v", err)
		} else if hyde != "" {
			outputTokens = s.Counter.Count(hyde)
			searchText = hyde
		}
		use.add("primer", 1, s.Counter.Count(messages[0].Content)+s.Counter.Count(query), outputTokens)
	}

	matches, err := s.Store.SimilarByText(ctx, searchText, k, vectorstore.FilterByIDs(reportIDs(reports)))
	if err != nil || len(matches) == 0 {
		return append([]*model.CommunityReport(nil), reports[:k]...)
	}

	byID := make(map[string]*model.CommunityReport, len(reports))
	for _, r := range reports {
		byID[r.ID] = r
	}
	var out []*model.CommunityReport
	for _, m := range matches {
		if r, ok := byID[m.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

// expand runs one LocalSearch refinement step for action and marks it
// complete, adding each follow-up as a new incomplete child action. A
// failed step is localized: the action completes empty and the branch goes
// terminal rather than failing the query.
func (s *Search) expand(ctx context.Context, originalQuery string, action *Action, state *QueryState, use *usage) error {
	localResult, err := s.Local.Search(ctx, local.Params{
		Query:      action.Query,
		DriftQuery: originalQuery,
	})
	if err != nil {
		if rerrors.IsCancelled(err) {
			return err
		}
		log.Printf("drift refinement step failed for %q, closing the branch: %v", action.Query, err)
		action.Complete = true
		return nil
	}

	use.add("followup", localResult.LLMCalls, localResult.PromptTokens, localResult.OutputTokens)

	var parsed struct {
		Response        string   `json:"response"`
		Score           float64  `json:"score"`
		FollowUpQueries []string `json:"follow_up_queries"`
	}
	if err := json.Unmarshal([]byte(localResult.ResponseText), &parsed); err != nil {
		// A non-JSON answer is still an answer; the branch just has no
		// machine-readable follow-ups and goes terminal.
		action.Answer = localResult.ResponseText
		action.Complete = true
		return nil
	}

	action.Answer = parsed.Response
	action.Score = parsed.Score
	action.HasScore = true
	action.FollowUps = parsed.FollowUpQueries
	action.Complete = true

	for _, q := range parsed.FollowUpQueries {
		state.addAction(&Action{Query: q, ParentID: action.ID})
	}
	return nil
}

// rankActions ranks incomplete actions by stored score descending, falling
// back to a stable random order when none carry a score.
func rankActions(actions []*Action) []*Action {
	out := make([]*Action, len(actions))
	copy(out, actions)

	anyScored := false
	for _, a := range out {
		if a.HasScore {
			anyScored = true
			break
		}
	}
	if anyScored {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		return out
	}

	rnd := rand.New(rand.NewSource(int64(len(out))))
	rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func reportIDs(reports []*model.CommunityReport) []string {
	ids := make([]string, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
	}
	return ids
}

func splitFolds(reports []*model.CommunityReport, folds int) [][]*model.CommunityReport {
	if folds <= 0 {
		folds = 1
	}
	if len(reports) == 0 {
		return make([][]*model.CommunityReport, folds)
	}
	out := make([][]*model.CommunityReport, folds)
	for i, r := range reports {
		idx := i % folds
		out[idx] = append(out[idx], r)
	}
	return out
}

func (s *Search) decomposeFold(ctx context.Context, query string, fold []*model.CommunityReport, use *usage) (decomposition, error) {
	var sb strings.Builder
	for _, r := range fold {
		sb.WriteString(r.Title)
		sb.WriteString(": ")
		sb.WriteString(r.FullContent)
		sb.WriteString("\n\n")
	}

	if s.Chat == nil {
		return decomposition{}, nil
	}

	prompt := fmt.Sprintf(decomposeSystemPrompt, sb.String())
	messages := []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: prompt},
		{Role: llmclient.RoleUser, Content: query},
	}
	text, err := s.Chat.Chat(ctx, messages, llmclient.ChatParams{
		ResponseFormat: &llmclient.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		use.add("primer", 1, s.Counter.Count(prompt)+s.Counter.Count(query), 0)
		return decomposition{}, err
	}
	use.add("primer", 1, s.Counter.Count(prompt)+s.Counter.Count(query), s.Counter.Count(text))

	var d decomposition
	if err := json.Unmarshal([]byte(text), &d); err != nil {
		// A fold that returned malformed JSON contributes nothing to the
		// merge; the other folds still seed the root.
		log.Printf("drift primer fold returned malformed JSON, skipping it: %v", err)
		return decomposition{}, nil
	}
	return d, nil
}

// mergeDecompositions concatenates intermediate answers, unions follow-ups,
// and averages scores across primer folds.
func mergeDecompositions(query string, decomps []decomposition) *Action {
	var answers []string
	seen := make(map[string]struct{})
	var followUps []string
	var scoreSum float64
	var scoreCount int

	for _, d := range decomps {
		if d.IntermediateAnswer != "" {
			answers = append(answers, d.IntermediateAnswer)
			scoreSum += float64(d.Score)
			scoreCount++
		}
		for _, f := range d.FollowUpQueries {
			if _, dup := seen[f]; dup {
				continue
			}
			seen[f] = struct{}{}
			followUps = append(followUps, f)
		}
	}

	root := &Action{
		Query:     query,
		Answer:    strings.Join(answers, "\n\n"),
		FollowUps: followUps,
		Complete:  true,
	}
	if scoreCount > 0 {
		root.Score = scoreSum / float64(scoreCount)
		root.HasScore = true
	}
	return root
}
