package analysis

import (
	"cmp"
	"context"
	"slices"
	"sort"
	"time"

	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

// Coincidence is a pair of visits, one per target, to the same cell of the
// same operator within the window.
type Coincidence struct {
	Operator string    `json:"operator"`
	CellKey  string    `json:"cell_key"`
	Label    string    `json:"label"`
	Lat      *float64  `json:"lat"`
	Lon      *float64  `json:"lon"`
	TSA      time.Time `json:"ts1"`
	TSB      time.Time `json:"ts2"`
	DeltaSec int64     `json:"delta_sec"`
	CallA    uint64    `json:"call1"`
	CallB    uint64    `json:"call2"`
}

// visit is one (operator, cell, time) event of a target.
type visit struct {
	ref  store.CellRef
	ts   time.Time
	call uint64
}

// visits lists the start and end cells of rows. A call whose start and end
// cell are the same yields one visit.
func visits(rows []model.CallRecord) []visit {
	out := make([]visit, 0, 2*len(rows))
	for _, r := range rows {
		start := normalize.CellKey(r.CellStart)
		if start != "" {
			out = append(out, visit{ref: store.CellRef{Operator: r.Operator, Key: start}, ts: r.CallTS, call: r.ID})
		}
		if end := normalize.CellKey(r.CellEnd); end != "" && end != start {
			out = append(out, visit{ref: store.CellRef{Operator: r.Operator, Key: end}, ts: r.CallTS, call: r.ID})
		}
	}
	return out
}

// Coincidences joins the visits of two targets on operator and cell and
// keeps the pairs at most window apart, closest first. A zero window only
// matches identical timestamps; a negative one uses the configured default.
func (e *Engine) Coincidences(ctx context.Context, runID uint, a, b Target, window time.Duration, limit int) (_ []Coincidence, err error) {
	defer e.track("coincidences")(&err)

	if window < 0 {
		window = e.opt.CoincidenceWindow
	}
	rowsA, rowsB, _, _, err := e.loadTargets(ctx, runID, a, b)
	if err != nil {
		return nil, err
	}
	out := matchVisits(visits(rowsA), visits(rowsB), window)
	out = page(out, 0, e.limit(limit))
	if err := e.enrichCoincidences(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchVisits pairs every visit of va with the visits of vb on the same
// cell within window.
func matchVisits(va, vb []visit, window time.Duration) []Coincidence {
	byCell := make(map[store.CellRef][]visit)
	for _, v := range vb {
		byCell[v.ref] = append(byCell[v.ref], v)
	}
	for _, vs := range byCell {
		slices.SortFunc(vs, func(x, y visit) int { return x.ts.Compare(y.ts) })
	}

	out := make([]Coincidence, 0)
	for _, x := range va {
		vs := byCell[x.ref]
		lo := x.ts.Add(-window)
		i := sort.Search(len(vs), func(i int) bool { return !vs[i].ts.Before(lo) })
		for ; i < len(vs); i++ {
			y := vs[i]
			d := y.ts.Sub(x.ts)
			if d > window {
				break
			}
			if d < 0 {
				d = -d
			}
			out = append(out, Coincidence{
				Operator: x.ref.Operator,
				CellKey:  x.ref.Key,
				TSA:      x.ts,
				TSB:      y.ts,
				DeltaSec: int64(d / time.Second),
				CallA:    x.call,
				CallB:    y.call,
			})
		}
	}
	slices.SortFunc(out, func(p, q Coincidence) int {
		if c := cmp.Compare(p.DeltaSec, q.DeltaSec); c != 0 {
			return c
		}
		if c := p.TSA.Compare(q.TSA); c != 0 {
			return c
		}
		if c := cmp.Compare(p.Operator, q.Operator); c != 0 {
			return c
		}
		if c := cmp.Compare(p.CellKey, q.CellKey); c != 0 {
			return c
		}
		return p.TSB.Compare(q.TSB)
	})
	return out
}

func (e *Engine) enrichCoincidences(ctx context.Context, cs []Coincidence) error {
	if len(cs) == 0 {
		return nil
	}
	refs := make([]store.CellRef, 0, len(cs))
	seen := make(map[store.CellRef]bool)
	for _, c := range cs {
		ref := store.CellRef{Operator: c.Operator, Key: c.CellKey}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	info, err := e.src.LookupCells(ctx, refs)
	if err != nil {
		return err
	}
	for i := range cs {
		if ci, ok := info[store.CellRef{Operator: cs[i].Operator, Key: cs[i].CellKey}]; ok {
			cs[i].Label, cs[i].Lat, cs[i].Lon = ci.Label, ci.Lat, ci.Lon
		}
	}
	return nil
}
