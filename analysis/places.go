package analysis

import (
	"cmp"
	"context"
	"slices"

	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

// Place is a cell and how often in-scope rows touched it.
type Place struct {
	Operator string   `json:"operator"`
	CellKey  string   `json:"cell_key"`
	Label    string   `json:"label"`
	Hits     int64    `json:"hits"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
}

// places counts start and end cells separately, so one row can add to two
// buckets, or twice to one. Labels fall back to the first cell name the
// records carry.
func places(rows []model.CallRecord) map[store.CellRef]*Place {
	out := make(map[store.CellRef]*Place)
	add := func(op, cell, name string) {
		key := normalize.CellKey(cell)
		if key == "" {
			return
		}
		ref := store.CellRef{Operator: op, Key: key}
		p := out[ref]
		if p == nil {
			p = &Place{Operator: op, CellKey: key}
			out[ref] = p
		}
		p.Hits++
		if p.Label == "" {
			p.Label = normalize.Text(name)
		}
	}
	for _, r := range rows {
		add(r.Operator, r.CellStart, r.CellNameStart)
		add(r.Operator, r.CellEnd, r.CellNameEnd)
	}
	return out
}

func sortPlaces(ps []Place) {
	slices.SortFunc(ps, func(a, b Place) int {
		if c := cmp.Compare(b.Hits, a.Hits); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Operator, b.Operator); c != 0 {
			return c
		}
		return cmp.Compare(a.CellKey, b.CellKey)
	})
}

// TopPlaces ranks the cells of the scope, optionally narrowed to one
// phone, and resolves what the antenna registry knows about them. Cells
// the registry cannot resolve keep their hit count without coordinates.
func (e *Engine) TopPlaces(ctx context.Context, runID uint, f Filter, phone string, limit int) (_ []Place, err error) {
	defer e.track("places")(&err)

	rows, err := e.calls(ctx, scopeQuery{runID: runID, filter: f, phone: normalize.Phone(phone)})
	if err != nil {
		return nil, err
	}
	out := make([]Place, 0)
	for _, p := range places(rows) {
		out = append(out, *p)
	}
	sortPlaces(out)
	out = page(out, 0, e.limit(limit))
	if err := e.enrich(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// enrich fills labels and coordinates from the antenna registry in place.
func (e *Engine) enrich(ctx context.Context, ps []Place) error {
	if len(ps) == 0 {
		return nil
	}
	refs := make([]store.CellRef, len(ps))
	for i, p := range ps {
		refs[i] = store.CellRef{Operator: p.Operator, Key: p.CellKey}
	}
	info, err := e.src.LookupCells(ctx, refs)
	if err != nil {
		return err
	}
	for i := range ps {
		ci, ok := info[refs[i]]
		if !ok {
			continue
		}
		if ci.Label != "" {
			ps[i].Label = ci.Label
		}
		ps[i].Lat, ps[i].Lon = ci.Lat, ci.Lon
	}
	return nil
}

// Visit is a call that touched a given cell and the side that matched.
type Visit struct {
	Side string `json:"match_side"` // START or END
	model.CallRecord
}

// Cell sides of a visit.
const (
	SideStart = "START"
	SideEnd   = "END"
)

// PlaceDetail pages the calls whose start or end cell is cellKey, in time
// order. phone is optional.
func (e *Engine) PlaceDetail(ctx context.Context, runID uint, f Filter, phone, cellKey string, offset, limit int) (_ []Visit, err error) {
	defer e.track("place_detail")(&err)

	key := normalize.CellKey(cellKey)
	if key == "" {
		return nil, invalid("cell key is required")
	}
	rows, err := e.calls(ctx, scopeQuery{
		runID:   runID,
		filter:  f,
		phone:   normalize.Phone(phone),
		cellKey: key,
		offset:  offset,
		limit:   e.limit(limit),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Visit, 0, len(rows))
	for _, r := range rows {
		side := SideEnd
		if normalize.CellKey(r.CellStart) == key {
			side = SideStart
		}
		out = append(out, Visit{Side: side, CallRecord: r})
	}
	return out, nil
}

// CommonPlace is a cell both targets were seen on.
type CommonPlace struct {
	Operator string   `json:"operator"`
	CellKey  string   `json:"cell_key"`
	Label    string   `json:"label"`
	HitsA    int64    `json:"hits1"`
	HitsB    int64    `json:"hits2"`
	Total    int64    `json:"total_hits"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
}

// CommonPlaces intersects the cells of two targets by operator and key.
func (e *Engine) CommonPlaces(ctx context.Context, runID uint, a, b Target, limit int) (_ []CommonPlace, err error) {
	defer e.track("common_places")(&err)

	rowsA, rowsB, _, _, err := e.loadTargets(ctx, runID, a, b)
	if err != nil {
		return nil, err
	}
	pa, pb := places(rowsA), places(rowsB)
	var both []Place
	hits := make(map[store.CellRef][2]int64)
	for ref, x := range pa {
		y, ok := pb[ref]
		if !ok {
			continue
		}
		p := *x
		if p.Label == "" {
			p.Label = y.Label
		}
		p.Hits = x.Hits + y.Hits
		both = append(both, p)
		hits[ref] = [2]int64{x.Hits, y.Hits}
	}
	sortPlaces(both)
	both = page(both, 0, e.limit(limit))
	if err := e.enrich(ctx, both); err != nil {
		return nil, err
	}
	out := make([]CommonPlace, 0, len(both))
	for _, p := range both {
		h := hits[store.CellRef{Operator: p.Operator, Key: p.CellKey}]
		out = append(out, CommonPlace{
			Operator: p.Operator,
			CellKey:  p.CellKey,
			Label:    p.Label,
			HitsA:    h[0],
			HitsB:    h[1],
			Total:    p.Hits,
			Lat:      p.Lat,
			Lon:      p.Lon,
		})
	}
	return out, nil
}
