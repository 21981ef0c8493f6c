package analysis

import (
	"context"
	"time"

	"github.com/jalad-shrimali/cdr-correlator/normalize"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

// Sides of a call record.
const (
	SideA = store.SideA
	SideB = store.SideB
)

// Objective is the inferred target of a run.
type Objective struct {
	Phone      string  `json:"phone"`
	Hits       int64   `json:"hits"`
	Total      int64   `json:"total_rows"`
	Confidence float64 `json:"confidence"`
	Side       string  `json:"side_hint"`
}

type sideCount struct{ hits, a, b int64 }

// DetectObjective picks the number present on the most in-scope rows. A
// confidence of 1 means it is on one side of every row. Ties go to the
// lowest number. An empty scope yields a zero Objective.
func (e *Engine) DetectObjective(ctx context.Context, runID uint, f Filter) (_ *Objective, err error) {
	defer e.track("objective")(&err)

	var (
		total  int64
		counts map[string]*sideCount
	)
	if f.hourWindow() {
		total, counts, err = e.foldPhones(ctx, runID, f)
	} else {
		total, counts, err = e.groupPhones(ctx, runID, f)
	}
	if err != nil {
		return nil, err
	}

	out := &Objective{Total: total}
	var best string
	for p, c := range counts {
		if best == "" || c.hits > counts[best].hits || (c.hits == counts[best].hits && p < best) {
			best = p
		}
	}
	if best == "" || total == 0 {
		return out, nil
	}
	c := counts[best]
	out.Phone = best
	out.Hits = c.hits
	out.Confidence = min(1, max(0, float64(c.hits)/float64(total)))
	out.Side = SideA
	if c.b > c.a {
		out.Side = SideB
	}
	return out, nil
}

// groupPhones lets the database count each number per side.
func (e *Engine) groupPhones(ctx context.Context, runID uint, f Filter) (int64, map[string]*sideCount, error) {
	if err := e.check(ctx, runID, f); err != nil {
		return 0, nil, err
	}
	q := scopeQuery{runID: runID, filter: f}.store()
	total, err := e.src.CountCalls(ctx, q)
	if err != nil {
		return 0, nil, err
	}
	rows, err := e.src.PhoneCounts(ctx, q)
	if err != nil {
		return 0, nil, err
	}
	counts := make(map[string]*sideCount)
	for _, r := range rows {
		c := counts[r.Phone]
		if c == nil {
			c = &sideCount{}
			counts[r.Phone] = c
		}
		c.hits += r.Calls
		if r.Side == SideA {
			c.a += r.Calls
		} else {
			c.b += r.Calls
		}
	}
	return total, counts, nil
}

// foldPhones counts in memory the rows that survive the hour window.
func (e *Engine) foldPhones(ctx context.Context, runID uint, f Filter) (int64, map[string]*sideCount, error) {
	rows, err := e.calls(ctx, scopeQuery{runID: runID, filter: f})
	if err != nil {
		return 0, nil, err
	}
	counts := make(map[string]*sideCount)
	get := func(p string) *sideCount {
		c := counts[p]
		if c == nil {
			c = &sideCount{}
			counts[p] = c
		}
		return c
	}
	for _, r := range rows {
		if r.ANumber != "" {
			c := get(r.ANumber)
			c.hits++
			c.a++
		}
		if r.BNumber != "" && r.BNumber != r.ANumber {
			c := get(r.BNumber)
			c.hits++
			c.b++
		}
	}
	return int64(len(rows)), counts, nil
}

// Summary is the headline of one target.
type Summary struct {
	Phone    string     `json:"phone"`
	Calls    int64      `json:"total_calls"`
	First    *time.Time `json:"min_ts"`
	Last     *time.Time `json:"max_ts"`
	Contacts int        `json:"uniq_contacts"`
}

// Summary counts the target's calls, their time span and distinct
// counterparts.
func (e *Engine) Summary(ctx context.Context, runID uint, f Filter, phone string) (_ *Summary, err error) {
	defer e.track("summary")(&err)

	phone = normalize.Phone(phone)
	if phone == "" {
		return nil, invalid("phone is required")
	}
	rows, err := e.calls(ctx, scopeQuery{runID: runID, filter: f, phone: phone})
	if err != nil {
		return nil, err
	}
	out := &Summary{Phone: phone, Calls: int64(len(rows))}
	others := make(map[string]struct{})
	for i, r := range rows {
		ts := r.CallTS
		if i == 0 || ts.Before(*out.First) {
			out.First = &ts
		}
		if i == 0 || ts.After(*out.Last) {
			out.Last = &ts
		}
		if o := otherParty(r, phone); o != "" && o != phone {
			others[o] = struct{}{}
		}
	}
	out.Contacts = len(others)
	return out, nil
}
