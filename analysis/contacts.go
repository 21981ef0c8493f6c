package analysis

import (
	"cmp"
	"context"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// Contact aggregates the calls between the target and one counterpart.
type Contact struct {
	Other         string    `json:"other"`
	Calls         int64     `json:"calls"`
	TotalDuration int64     `json:"total_duration"`
	First         time.Time `json:"first_ts"`
	Last          time.Time `json:"last_ts"`
}

// contacts folds rows into per-counterpart aggregates. Rows where the
// target talks to itself or to nobody are ignored.
func contacts(rows []model.CallRecord, phone string) map[string]*Contact {
	out := make(map[string]*Contact)
	for _, r := range rows {
		o := otherParty(r, phone)
		if o == "" || o == phone {
			continue
		}
		c := out[o]
		if c == nil {
			c = &Contact{Other: o, First: r.CallTS, Last: r.CallTS}
			out[o] = c
		}
		c.Calls++
		c.TotalDuration += duration(r)
		if r.CallTS.Before(c.First) {
			c.First = r.CallTS
		}
		if r.CallTS.After(c.Last) {
			c.Last = r.CallTS
		}
	}
	return out
}

// TopContacts ranks the target's counterparts by call count.
func (e *Engine) TopContacts(ctx context.Context, runID uint, f Filter, phone string, limit int) (_ []Contact, err error) {
	defer e.track("contacts")(&err)

	phone = normalize.Phone(phone)
	if phone == "" {
		return nil, invalid("phone is required")
	}
	rows, err := e.calls(ctx, scopeQuery{runID: runID, filter: f, phone: phone})
	if err != nil {
		return nil, err
	}
	out := make([]Contact, 0)
	for _, c := range contacts(rows, phone) {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Contact) int {
		if c := cmp.Compare(b.Calls, a.Calls); c != 0 {
			return c
		}
		return cmp.Compare(a.Other, b.Other)
	})
	return page(out, 0, e.limit(limit)), nil
}

// ContactDetail pages the calls between phone and other in time order.
func (e *Engine) ContactDetail(ctx context.Context, runID uint, f Filter, phone, other string, offset, limit int) (_ []model.CallRecord, err error) {
	defer e.track("contact_detail")(&err)

	phone, other = normalize.Phone(phone), normalize.Phone(other)
	if phone == "" || other == "" {
		return nil, invalid("phone and other are required")
	}
	return e.calls(ctx, scopeQuery{
		runID:  runID,
		filter: f,
		phone:  phone,
		other:  other,
		offset: offset,
		limit:  e.limit(limit),
	})
}

// CommonContact is a counterpart both targets talked to.
type CommonContact struct {
	Other  string `json:"other"`
	CallsA int64  `json:"calls1"`
	CallsB int64  `json:"calls2"`
	Total  int64  `json:"total_calls"`
}

// CommonContacts intersects the counterparts of two targets. The targets
// themselves never appear in the result.
func (e *Engine) CommonContacts(ctx context.Context, runID uint, a, b Target, limit int) (_ []CommonContact, err error) {
	defer e.track("common_contacts")(&err)

	if a, err = a.normalized(); err != nil {
		return nil, err
	}
	if b, err = b.normalized(); err != nil {
		return nil, err
	}
	var ca, cb map[string]int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ca, err = e.contactCounts(gctx, runID, a)
		return err
	})
	g.Go(func() error {
		var err error
		cb, err = e.contactCounts(gctx, runID, b)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]CommonContact, 0)
	for other, x := range ca {
		y, ok := cb[other]
		if !ok || other == a.Phone || other == b.Phone {
			continue
		}
		out = append(out, CommonContact{Other: other, CallsA: x, CallsB: y, Total: x + y})
	}
	slices.SortFunc(out, func(x, y CommonContact) int {
		if c := cmp.Compare(y.Total, x.Total); c != 0 {
			return c
		}
		return cmp.Compare(x.Other, y.Other)
	})
	return page(out, 0, e.limit(limit)), nil
}

// contactCounts counts calls per counterpart of t, in the database unless
// its hour window needs the rows.
func (e *Engine) contactCounts(ctx context.Context, runID uint, t Target) (map[string]int64, error) {
	q := scopeQuery{runID: runID, filter: t.Filter, phone: t.Phone}
	out := make(map[string]int64)
	if t.Filter.hourWindow() {
		rows, err := e.calls(ctx, q)
		if err != nil {
			return nil, err
		}
		for o, c := range contacts(rows, t.Phone) {
			out[o] = c.Calls
		}
		return out, nil
	}
	if err := e.check(ctx, runID, t.Filter); err != nil {
		return nil, err
	}
	rows, err := e.src.ContactCounts(ctx, q.store())
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.Other] = r.Calls
	}
	return out, nil
}

// loadTargets loads both targets' scoped rows concurrently.
func (e *Engine) loadTargets(ctx context.Context, runID uint, a, b Target) (rowsA, rowsB []model.CallRecord, _ Target, _ Target, err error) {
	if a, err = a.normalized(); err != nil {
		return nil, nil, a, b, err
	}
	if b, err = b.normalized(); err != nil {
		return nil, nil, a, b, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rowsA, err = e.calls(gctx, scopeQuery{runID: runID, filter: a.Filter, phone: a.Phone})
		return err
	})
	g.Go(func() error {
		var err error
		rowsB, err = e.calls(gctx, scopeQuery{runID: runID, filter: b.Filter, phone: b.Phone})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, a, b, err
	}
	return rowsA, rowsB, a, b, nil
}
