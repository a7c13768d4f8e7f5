// Package orchestrator dispatches a query to LocalSearch, GlobalSearch, or
// DRIFTSearch by strategy name, and extracts citations from the final
// response text.
package orchestrator

import (
	"context"

	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/rerrors"
	"github.com/graphrag-go/graphrag/search/drift"
	"github.com/graphrag-go/graphrag/search/global"
	"github.com/graphrag-go/graphrag/search/local"
)

// Engine names the search strategy to dispatch to.
type Engine string

const (
	EngineLocal  Engine = "local"
	EngineGlobal Engine = "global"
	EngineDrift  Engine = "drift"
)

// Orchestrator binds one instance of each search strategy and dispatches
// queries to the one the caller selects.
type Orchestrator struct {
	Local  *local.Search
	Global *global.Search
	Drift  *drift.Search
}

// New builds an Orchestrator. Any of the three engines may be nil if the
// caller never intends to select it; Query returns a ConfigError if a
// caller selects an engine that wasn't wired in.
func New(localSearch *local.Search, globalSearch *global.Search, driftSearch *drift.Search) *Orchestrator {
	return &Orchestrator{Local: localSearch, Global: globalSearch, Drift: driftSearch}
}

// Result is the strategy-agnostic envelope the Orchestrator returns,
// carrying whichever one of the three underlying results was produced plus
// the extracted citation mapping.
type Result struct {
	Engine       Engine
	LocalResult  *local.Result
	GlobalResult *global.Result
	DriftResult  *drift.Result
	Citations    map[string][]string
}

// Params are the per-call inputs to Query.
type Params struct {
	Engine  Engine
	Query   string
	History *model.ConversationHistory
}

// Query validates engine selection strictly, dispatches, and extracts
// citations from whichever response text came back.
func (o *Orchestrator) Query(ctx context.Context, params Params) (*Result, error) {
	switch params.Engine {
	case EngineLocal:
		if o.Local == nil {
			return nil, rerrors.NewConfigError("local engine not configured")
		}
		res, err := o.Local.Search(ctx, local.Params{Query: params.Query, History: params.History})
		if err != nil {
			return nil, err
		}
		return &Result{Engine: EngineLocal, LocalResult: res, Citations: ExtractCitations(res.ResponseText)}, nil

	case EngineGlobal:
		if o.Global == nil {
			return nil, rerrors.NewConfigError("global engine not configured")
		}
		res, err := o.Global.Search(ctx, params.Query)
		if err != nil {
			return nil, err
		}
		return &Result{Engine: EngineGlobal, GlobalResult: res, Citations: ExtractCitations(res.ResponseText)}, nil

	case EngineDrift:
		if o.Drift == nil {
			return nil, rerrors.NewConfigError("drift engine not configured")
		}
		res, err := o.Drift.Search(ctx, params.Query)
		if err != nil {
			return nil, err
		}
		return &Result{Engine: EngineDrift, DriftResult: res, Citations: driftCitations(res)}, nil

	default:
		return nil, rerrors.NewConfigError("unknown engine: " + string(params.Engine))
	}
}

func driftCitations(res *drift.Result) map[string][]string {
	merged := make(map[string]map[string]struct{})
	for _, a := range res.State.Actions() {
		for kind, ids := range ExtractCitations(a.Answer) {
			if merged[kind] == nil {
				merged[kind] = make(map[string]struct{})
			}
			for _, id := range ids {
				merged[kind][id] = struct{}{}
			}
		}
	}
	out := make(map[string][]string, len(merged))
	for kind, set := range merged {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[kind] = sortedStrings(ids)
	}
	return out
}
