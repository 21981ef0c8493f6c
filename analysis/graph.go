package analysis

import (
	"cmp"
	"context"
	"slices"
	"time"
)

// GraphParams bound the network. Zero values take the configured caps.
type GraphParams struct {
	Phone    string // optional, restricts the graph to this number's calls
	MinCalls int
	MaxEdges int
	MaxNodes int
}

// Edge is the directed A→B traffic of a pair of numbers.
type Edge struct {
	From          string    `json:"source"`
	To            string    `json:"target"`
	Calls         int64     `json:"calls"`
	TotalDuration int64     `json:"total_duration"`
	First         time.Time `json:"first_ts"`
	Last          time.Time `json:"last_ts"`
}

// Node is a number of the graph with its traffic over the kept edges.
type Node struct {
	ID    string `json:"id"`
	Calls int64  `json:"calls"`
	Out   int64  `json:"out"`
	In    int64  `json:"in"`
}

// Graph is the call network of a scope.
type Graph struct {
	Nodes     []Node `json:"nodes"`
	Edges     []Edge `json:"edges"`
	Truncated bool   `json:"truncated"`
}

// Graph aggregates directed A→B edges, drops those under MinCalls and
// keeps the heaviest ones while both caps hold. An edge that would bring
// in a node past MaxNodes is skipped.
func (e *Engine) Graph(ctx context.Context, runID uint, f Filter, p GraphParams) (_ *Graph, err error) {
	defer e.track("graph")(&err)

	p = e.graphDefaults(p)
	rows, err := e.calls(ctx, scopeQuery{runID: runID, filter: f, phone: p.Phone})
	if err != nil {
		return nil, err
	}

	type pair struct{ from, to string }
	agg := make(map[pair]*Edge)
	for _, r := range rows {
		if r.ANumber == "" || r.BNumber == "" {
			continue
		}
		k := pair{r.ANumber, r.BNumber}
		ed := agg[k]
		if ed == nil {
			ed = &Edge{From: r.ANumber, To: r.BNumber, First: r.CallTS, Last: r.CallTS}
			agg[k] = ed
		}
		ed.Calls++
		ed.TotalDuration += duration(r)
		if r.CallTS.Before(ed.First) {
			ed.First = r.CallTS
		}
		if r.CallTS.After(ed.Last) {
			ed.Last = r.CallTS
		}
	}

	candidates := make([]Edge, 0, len(agg))
	for _, ed := range agg {
		if ed.Calls >= int64(p.MinCalls) {
			candidates = append(candidates, *ed)
		}
	}
	slices.SortFunc(candidates, func(a, b Edge) int {
		if c := cmp.Compare(b.Calls, a.Calls); c != 0 {
			return c
		}
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})

	g := &Graph{Edges: make([]Edge, 0)}
	nodes := make(map[string]*Node)
	for _, ed := range candidates {
		if len(g.Edges) >= p.MaxEdges {
			g.Truncated = true
			break
		}
		fresh := 0
		for _, id := range []string{ed.From, ed.To} {
			if nodes[id] == nil {
				fresh++
			}
		}
		if ed.From == ed.To && fresh > 0 {
			fresh = 1
		}
		if len(nodes)+fresh > p.MaxNodes {
			g.Truncated = true
			continue
		}
		for _, id := range []string{ed.From, ed.To} {
			if nodes[id] == nil {
				nodes[id] = &Node{ID: id}
			}
		}
		nodes[ed.From].Out += ed.Calls
		nodes[ed.To].In += ed.Calls
		g.Edges = append(g.Edges, ed)
	}

	g.Nodes = make([]Node, 0, len(nodes))
	for _, n := range nodes {
		n.Calls = n.Out + n.In
		g.Nodes = append(g.Nodes, *n)
	}
	slices.SortFunc(g.Nodes, func(a, b Node) int {
		if c := cmp.Compare(b.Calls, a.Calls); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return g, nil
}

func (e *Engine) graphDefaults(p GraphParams) GraphParams {
	if p.MinCalls <= 0 {
		p.MinCalls = max(e.opt.GraphMinCalls, 1)
	}
	if p.MaxEdges <= 0 {
		p.MaxEdges = cmp.Or(e.opt.GraphMaxEdges, 500)
	}
	if p.MaxNodes <= 0 {
		p.MaxNodes = cmp.Or(e.opt.GraphMaxNodes, 300)
	}
	return p
}
