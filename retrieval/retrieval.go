// Package retrieval implements the map/expand/rank primitives the search
// strategies compose: query-to-entity mapping, relationship network
// expansion, and the rank/links ordering rules.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/rerrors"
	"github.com/graphrag-go/graphrag/vectorstore"
)

// MapQueryOptions configures MapQueryToEntities.
type MapQueryOptions struct {
	// K is the number of entities to return.
	K int
	// Oversample multiplies K for the initial vector-store fetch before
	// exclusion/filtering narrows it back down; defaults to 2.
	Oversample int
	// IncludeNames forces these entity titles into the result regardless
	// of similarity rank.
	IncludeNames []string
	// ExcludeNames removes these entity titles from the candidates (the
	// vector-store matches, or the rank-ordered list for an empty query)
	// before the union with IncludeNames.
	ExcludeNames []string
}

// MapQueryToEntities embeds query (via the vector store's SimilarByText),
// retrieves k*oversample candidates, resolves them to full entities,
// excludes by title, then unions in any explicitly forced names. An empty
// query instead takes the top-k non-excluded entities by Rank descending.
func MapQueryToEntities(
	ctx context.Context,
	coll *model.Collection,
	store vectorstore.VectorStore,
	query string,
	opts MapQueryOptions,
) ([]*model.Entity, error) {
	if opts.K <= 0 {
		return nil, nil
	}
	oversample := opts.Oversample
	if oversample <= 0 {
		oversample = 2
	}

	excluded := toSet(opts.ExcludeNames)

	var selected []*model.Entity
	seen := make(map[string]struct{})

	if query == "" {
		ranked := make([]*model.Entity, len(coll.Entities))
		copy(ranked, coll.Entities)
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Rank > ranked[j].Rank })
		for _, e := range ranked {
			if len(selected) >= opts.K {
				break
			}
			if _, excl := excluded[e.Title]; excl {
				continue
			}
			selected = append(selected, e)
			seen[e.Title] = struct{}{}
		}
	} else {
		matches, err := store.SimilarByText(ctx, query, opts.K*oversample, nil)
		if err != nil {
			return nil, rerrors.NewRetrievalError(fmt.Errorf("map query to entities: %w", err))
		}
		for _, m := range matches {
			e, ok := coll.EntityByID(m.ID)
			if !ok {
				continue // missing ids are silently skipped
			}
			if _, excl := excluded[e.Title]; excl {
				continue
			}
			if _, dup := seen[e.Title]; dup {
				continue
			}
			selected = append(selected, e)
			seen[e.Title] = struct{}{}
			if len(selected) >= opts.K {
				break
			}
		}
	}

	for _, name := range opts.IncludeNames {
		if _, dup := seen[name]; dup {
			continue
		}
		if e, ok := coll.EntityByTitle(name); ok {
			selected = append(selected, e)
			seen[name] = struct{}{}
		}
	}

	return selected, nil
}

func toSet(xs []string) map[string]struct{} {
	s := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		s[x] = struct{}{}
	}
	return s
}

// entitySet builds a title-keyed membership set from selected entities.
func entitySet(selected []*model.Entity) map[string]struct{} {
	s := make(map[string]struct{}, len(selected))
	for _, e := range selected {
		s[e.Title] = struct{}{}
	}
	return s
}

// InNetworkRelationships returns relationships with both endpoints in the
// selected-entity set E.
func InNetworkRelationships(all []*model.Relationship, selected []*model.Entity) []*model.Relationship {
	set := entitySet(selected)
	var out []*model.Relationship
	for _, r := range all {
		_, s := set[r.Source]
		_, t := set[r.Target]
		if s && t {
			out = append(out, r)
		}
	}
	return out
}

// OutNetworkRelationships returns relationships with exactly one endpoint
// in the selected-entity set E.
func OutNetworkRelationships(all []*model.Relationship, selected []*model.Entity) []*model.Relationship {
	set := entitySet(selected)
	var out []*model.Relationship
	for _, r := range all {
		_, s := set[r.Source]
		_, t := set[r.Target]
		if s != t { // exactly one
			out = append(out, r)
		}
	}
	return out
}

// RankRelationships sorts rels in place (and returns them) by a three-way
// rule:
//  1. if a relationship carries attr in Attributes as an int, sort by that
//     value descending;
//  2. else if attr == "weight", sort by Weight descending;
//  3. else compute combined rank = rank(source) + rank(target) and sort by
//     that descending.
func RankRelationships(coll *model.Collection, rels []*model.Relationship, attr string) []*model.Relationship {
	if len(rels) == 0 {
		return rels
	}

	key := rankKeys(coll, rels, attr)
	sort.SliceStable(rels, func(i, j int) bool { return key[rels[i]] > key[rels[j]] })
	return rels
}

// rankKeys computes the sort key for each relationship without mutating
// the shared records: the combined-rank fallback lives in this per-call
// map rather than being written into Attributes.
func rankKeys(coll *model.Collection, rels []*model.Relationship, attr string) map[*model.Relationship]float64 {
	hasAttr := false
	for _, r := range rels {
		if _, ok := intAttr(r, attr); ok {
			hasAttr = true
			break
		}
	}

	key := make(map[*model.Relationship]float64, len(rels))
	switch {
	case hasAttr:
		for _, r := range rels {
			v, _ := intAttr(r, attr)
			key[r] = float64(v)
		}
	case attr == "weight":
		for _, r := range rels {
			key[r] = r.Weight
		}
	default:
		for _, r := range rels {
			combined := 0
			if e, ok := coll.EntityByTitle(r.Source); ok {
				combined += e.Rank
			}
			if e, ok := coll.EntityByTitle(r.Target); ok {
				combined += e.Rank
			}
			key[r] = float64(combined)
		}
	}
	return key
}

func intAttr(r *model.Relationship, attr string) (int, bool) {
	if r.Attributes == nil {
		return 0, false
	}
	v, ok := r.Attributes[attr]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// MutualRanking ranks out-of-network relationships by how many distinct
// selected entities they link to ("links"), then by attr, both descending,
// and truncates to topKRelationships * len(selected) entries.
func MutualRanking(
	coll *model.Collection,
	outNetwork []*model.Relationship,
	selected []*model.Entity,
	attr string,
	topKRelationships int,
) []*model.Relationship {
	set := entitySet(selected)

	// links[title] = count of distinct selected entities that title's
	// out-network relationships connect to.
	linked := make(map[string]map[string]struct{})
	for _, r := range outNetwork {
		var outside, inside string
		if _, ok := set[r.Source]; ok {
			inside, outside = r.Source, r.Target
		} else {
			inside, outside = r.Target, r.Source
		}
		if linked[outside] == nil {
			linked[outside] = make(map[string]struct{})
		}
		linked[outside][inside] = struct{}{}
	}

	links := func(r *model.Relationship) int {
		var outside string
		if _, ok := set[r.Source]; ok {
			outside = r.Target
		} else {
			outside = r.Source
		}
		return len(linked[outside])
	}

	ranked := append([]*model.Relationship(nil), outNetwork...)
	key := rankKeys(coll, ranked, attr)
	sort.SliceStable(ranked, func(i, j int) bool {
		li, lj := links(ranked[i]), links(ranked[j])
		if li != lj {
			return li > lj
		}
		return key[ranked[i]] > key[ranked[j]]
	})

	limit := topKRelationships * len(selected)
	if limit < 0 {
		limit = 0
	}
	if limit < len(ranked) {
		ranked = ranked[:limit]
	}
	return ranked
}
