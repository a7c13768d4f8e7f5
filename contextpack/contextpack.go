// Package contextpack implements the single greedy, token-budgeted packer
// the search strategies use to turn ranked records into delimited-table
// prompt blocks.
package contextpack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/graphrag-go/graphrag/model"
	"github.com/graphrag-go/graphrag/tokencount"
)

// DefaultDelimiter is the column separator used in packed rows.
const DefaultDelimiter = "|"

// Row is one record rendered as column name -> cell text.
type Row map[string]string

// Result is a packed section: the exact prompt text and the rows that made
// it into the budget, for caller observability.
type Result struct {
	Text string
	Rows []Row
}

// Packer is the single greedy packer every section shares. It is stateless
// apart from the token counter, so one instance is shared across a query.
type Packer struct {
	Counter   *tokencount.Counter
	Delimiter string
}

// New builds a Packer using the given counter and the default delimiter.
func New(counter *tokencount.Counter) *Packer {
	return &Packer{Counter: counter, Delimiter: DefaultDelimiter}
}

func (p *Packer) delimiter() string {
	if p.Delimiter == "" {
		return DefaultDelimiter
	}
	return p.Delimiter
}

func (p *Packer) header(section string, columns []string) string {
	return fmt.Sprintf("-----%s-----\n%s\n", section, strings.Join(columns, p.delimiter()))
}

func (p *Packer) renderRow(columns []string, row Row) string {
	cells := make([]string, len(columns))
	for i, c := range columns {
		cells[i] = row[c]
	}
	return strings.Join(cells, p.delimiter()) + "\n"
}

// Pack emits the section header then appends rows, one at a time, until
// the next row would push the running row-token total past budget. The
// header itself is always emitted in full: the produced text's token count
// is therefore bounded by budget plus the header's own token count, never
// more, and no row is ever emitted partially.
func (p *Packer) Pack(section string, columns []string, rows []Row, budget int) *Result {
	header := p.header(section, columns)

	var sb strings.Builder
	sb.WriteString(header)

	var packed []Row
	used := 0
	for _, row := range rows {
		rendered := p.renderRow(columns, row)
		cost := p.Counter.Count(rendered)
		if used+cost > budget {
			break
		}
		sb.WriteString(rendered)
		used += cost
		packed = append(packed, row)
	}

	return &Result{Text: sb.String(), Rows: packed}
}

// PackBatched packs rows into as many budget-sized chunks as needed instead
// of truncating, each a standalone section with its own header. Used by
// GlobalSearch to build map batches.
func (p *Packer) PackBatched(section string, columns []string, rows []Row, budget int) []string {
	if len(rows) == 0 {
		return nil
	}

	header := p.header(section, columns)
	var chunks []string
	var sb strings.Builder
	sb.WriteString(header)
	used := 0
	hasRows := false

	flush := func() {
		if hasRows {
			chunks = append(chunks, sb.String())
		}
	}

	for _, row := range rows {
		rendered := p.renderRow(columns, row)
		cost := p.Counter.Count(rendered)
		if cost > budget {
			continue // a single row that can never fit is dropped, not looped forever
		}
		if used+cost > budget {
			flush()
			sb.Reset()
			sb.WriteString(header)
			used = 0
			hasRows = false
		}
		sb.WriteString(rendered)
		used += cost
		hasRows = true
	}
	flush()

	return chunks
}

// CommunityPackOptions configures PackCommunityReports.
type CommunityPackOptions struct {
	// Matches maps community report id -> count of selected entities
	// belonging to that community (the transient "matches" sort key).
	Matches map[string]int
	// IncludeWeight adds a "weight" column: the count of distinct text
	// units contributed by the provided selected entities that belong to
	// the report's community, recomputed on demand.
	IncludeWeight bool
	// NormalizeWeight rescales the weight column into [0, 1] across the
	// batch being packed, dividing by the batch's maximum weight.
	NormalizeWeight bool
	// IncludeRank adds a "rank" column (the report's own Rank field).
	IncludeRank bool
}

// PackCommunityReports sorts reports by (matches desc, rank desc), augments
// each with the transient "matches" (and optionally "weight"/"rank")
// columns, packs them, and returns the packed *model.CommunityReport slice
// with transients discarded. The shared records are never mutated; all
// transient keys live in per-call maps.
func (p *Packer) PackCommunityReports(
	reports []*model.CommunityReport,
	selected []*model.Entity,
	opts CommunityPackOptions,
	budget int,
) (*Result, []*model.CommunityReport) {
	if len(reports) == 0 {
		return &Result{Text: p.header("Reports", communityColumns(opts))}, nil
	}

	ordered := make([]*model.CommunityReport, len(reports))
	copy(ordered, reports)

	matches := opts.Matches
	if matches == nil {
		matches = map[string]int{}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		mi, mj := matches[ordered[i].ID], matches[ordered[j].ID]
		if mi != mj {
			return mi > mj
		}
		return ordered[i].Rank > ordered[j].Rank
	})

	weights := make(map[string]int, len(ordered))
	maxWeight := 0
	if opts.IncludeWeight {
		for _, r := range ordered {
			w := communityWeight(r, selected)
			weights[r.ID] = w
			if w > maxWeight {
				maxWeight = w
			}
		}
	}

	columns := communityColumns(opts)
	rows := make([]Row, len(ordered))
	byID := make(map[string]*model.CommunityReport, len(ordered))
	for i, r := range ordered {
		byID[r.ID] = r
		row := Row{
			"id":      r.ID,
			"title":   r.Title,
			"content": r.FullContent,
		}
		if opts.IncludeRank {
			row["rank"] = fmt.Sprintf("%.1f", r.Rank)
		}
		if opts.IncludeWeight {
			w := float64(weights[r.ID])
			if opts.NormalizeWeight && maxWeight > 0 {
				w = w / float64(maxWeight)
			}
			row["weight"] = fmt.Sprintf("%.4f", w)
		}
		rows[i] = row
	}

	result := p.Pack("Reports", columns, rows, budget)

	packed := make([]*model.CommunityReport, len(result.Rows))
	for i, row := range result.Rows {
		packed[i] = byID[row["id"]]
	}
	return result, packed
}

func communityColumns(opts CommunityPackOptions) []string {
	cols := []string{"id", "title", "content"}
	if opts.IncludeRank {
		cols = append(cols, "rank")
	}
	if opts.IncludeWeight {
		cols = append(cols, "weight")
	}
	return cols
}

// communityWeight counts the distinct text units contributed by the
// selected entities that belong to report's community.
func communityWeight(report *model.CommunityReport, selected []*model.Entity) int {
	seen := make(map[string]struct{})
	for _, e := range selected {
		member := false
		for _, cid := range e.CommunityIDs {
			if cid == report.CommunityID {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		for _, tid := range e.TextUnitIDs {
			seen[tid] = struct{}{}
		}
	}
	return len(seen)
}
