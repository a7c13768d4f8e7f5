package orchestrator

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// referenceRe matches a whole `[Data: ...]` block. Kind groups inside are
// split on ';' rather than captured individually, since a kind's id list
// may itself contain parentheses-free commas that would otherwise confuse
// a single monolithic regex.
var referenceRe = regexp.MustCompile(`\[Data:\s*([^\[\]]+)\]`)

var kindGroupRe = regexp.MustCompile(`^\s*([A-Za-z]+)\s*\(([^()]*)\)\s*$`)

// ExtractCitations scans text for the `[Data: Kind (id, id, +more); ...]`
// reference grammar and returns a mapping of kind -> sorted distinct ids.
// Whitespace variation and the `+more` truncation marker are tolerated.
func ExtractCitations(text string) map[string][]string {
	merged := make(map[string]map[string]struct{})

	for _, block := range referenceRe.FindAllStringSubmatch(text, -1) {
		inner := block[1]
		for _, group := range strings.Split(inner, ";") {
			m := kindGroupRe.FindStringSubmatch(group)
			if m == nil {
				continue
			}
			kind, idList := m[1], m[2]
			for _, id := range strings.Split(idList, ",") {
				id = strings.TrimSpace(id)
				if id == "" || id == "+more" {
					continue
				}
				if merged[kind] == nil {
					merged[kind] = make(map[string]struct{})
				}
				merged[kind][id] = struct{}{}
			}
		}
	}

	if len(merged) == 0 {
		return nil
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

// RenderCitations is the inverse of ExtractCitations: given a kind -> ids
// mapping, it renders the `[Data: ...]` block with kinds in a fixed
// canonical order, dropping any would-be `+more` truncation, so that
// extract-then-render round-trips on the id-sets.
func RenderCitations(citations map[string][]string) string {
	if len(citations) == 0 {
		return ""
	}

	kinds := make([]string, 0, len(citations))
	for k := range citations {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var groups []string
	for _, kind := range kinds {
		ids := sortedStrings(citations[kind])
		groups = append(groups, kind+" ("+strings.Join(ids, ", ")+")")
	}
	return "[Data: " + strings.Join(groups, "; ") + "]"
}

// sortedStrings sorts numerically when every element parses as an
// integer, falling back to a lexical sort otherwise (short ids are
// typically small integers, but the grammar does not require it).
func sortedStrings(ids []string) []string {
	type entry struct {
		id string
		n  int
	}
	entries := make([]entry, len(ids))
	allNumeric := true
	for i, id := range ids {
		n, err := strconv.Atoi(id)
		if err != nil {
			allNumeric = false
		}
		entries[i] = entry{id: id, n: n}
	}

	if allNumeric {
		sort.Slice(entries, func(i, j int) bool { return entries[i].n < entries[j].n })
	} else {
		sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	}

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out
}
