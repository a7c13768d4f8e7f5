package model

import "github.com/graphrag-go/graphrag/rerrors"

// Collection is the read-only, query-session view over the six tabular
// artifacts. It is built once at query-engine construction and never
// mutated afterward.
type Collection struct {
	Entities         []*Entity
	Relationships    []*Relationship
	Covariates       []*Covariate
	TextUnits        []*TextUnit
	CommunityReports []*CommunityReport
	Communities      []*Community

	entityByID    map[string]*Entity
	entityByTitle map[string]*Entity
	textUnitByID  map[string]*TextUnit
	communityByID map[string]*Community
	reportsByComm map[string][]*CommunityReport // communityID -> reports across levels
}

// NewCollection indexes the tabular artifacts. It returns a *rerrors.DataError
// if entity titles collide or if entity description embeddings disagree in
// dimension. Community report embeddings are not checked.
func NewCollection(
	entities []*Entity,
	relationships []*Relationship,
	covariates []*Covariate,
	textUnits []*TextUnit,
	reports []*CommunityReport,
	communities []*Community,
) (*Collection, error) {
	c := &Collection{
		Entities:         entities,
		Relationships:    relationships,
		Covariates:       covariates,
		TextUnits:        textUnits,
		CommunityReports: reports,
		Communities:      communities,
		entityByID:       make(map[string]*Entity, len(entities)),
		entityByTitle:    make(map[string]*Entity, len(entities)),
		textUnitByID:     make(map[string]*TextUnit, len(textUnits)),
		communityByID:    make(map[string]*Community, len(communities)),
		reportsByComm:    make(map[string][]*CommunityReport),
	}

	var embedDim int
	checkDim := func(v []float32, what string) error {
		if len(v) == 0 {
			return nil
		}
		if embedDim == 0 {
			embedDim = len(v)
			return nil
		}
		if len(v) != embedDim {
			return rerrors.NewDataError(
				"embedding dimension mismatch in " + what)
		}
		return nil
	}

	for _, e := range entities {
		if _, exists := c.entityByTitle[e.Title]; exists {
			return nil, rerrors.NewDataError("duplicate entity title: " + e.Title)
		}
		c.entityByID[e.ID] = e
		c.entityByTitle[e.Title] = e
		if err := checkDim(e.DescriptionEmbedding, "entity description embeddings"); err != nil {
			return nil, err
		}
	}
	for _, tu := range textUnits {
		c.textUnitByID[tu.ID] = tu
	}
	for _, cm := range communities {
		c.communityByID[cm.ID] = cm
	}
	for _, r := range reports {
		c.reportsByComm[r.CommunityID] = append(c.reportsByComm[r.CommunityID], r)
	}

	return c, nil
}

// EntityByID resolves an entity by its vector-store-joining id.
func (c *Collection) EntityByID(id string) (*Entity, bool) {
	e, ok := c.entityByID[id]
	return e, ok
}

// EntityByTitle resolves an entity by its unique title (the relationship/
// covariate join key).
func (c *Collection) EntityByTitle(title string) (*Entity, bool) {
	e, ok := c.entityByTitle[title]
	return e, ok
}

// TextUnitByID resolves a text unit by id. Missing ids are not an error at
// this layer; callers silently skip them.
func (c *Collection) TextUnitByID(id string) (*TextUnit, bool) {
	tu, ok := c.textUnitByID[id]
	return tu, ok
}

// CommunityByID resolves a community by id.
func (c *Collection) CommunityByID(id string) (*Community, bool) {
	cm, ok := c.communityByID[id]
	return cm, ok
}

// ReportsForCommunity returns every report attached to a community id
// (one per level it was reported at).
func (c *Collection) ReportsForCommunity(communityID string) []*CommunityReport {
	return c.reportsByComm[communityID]
}

// Scratch is the per-query scratch space for transient, non-persisted
// sort keys. It is discarded at query end; records themselves are never
// mutated.
type Scratch struct {
	Matches          map[string]int     // report id -> matching selected-entity count
	EntityOrder      map[string]int     // text unit id -> rank of owning entity in selection order
	NumRelationships map[string]int     // text unit id -> count of selected relationships referencing it
	Links            map[string]int     // entity id -> count of distinct selected entities it links to
}

// NewScratch allocates an empty scratch space.
func NewScratch() *Scratch {
	return &Scratch{
		Matches:          make(map[string]int),
		EntityOrder:      make(map[string]int),
		NumRelationships: make(map[string]int),
		Links:            make(map[string]int),
	}
}
