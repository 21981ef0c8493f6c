package analysis

import (
	"context"
	"slices"
	"time"

	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

// Timeline lists the most recent calls of the scope, newest first. phone
// is optional.
func (e *Engine) Timeline(ctx context.Context, runID uint, f Filter, phone string, limit int) (_ []model.CallRecord, err error) {
	defer e.track("timeline")(&err)

	if limit <= 0 {
		limit = 2000
	}
	return e.calls(ctx, scopeQuery{
		runID:  runID,
		filter: f,
		phone:  normalize.Phone(phone),
		desc:   true,
		limit:  limit,
	})
}

// Bucket sizes for TimeSeries.
const (
	BucketHour = "hour"
	BucketDay  = "day"
)

// Bucket is the call count of one hour or day, starting at Start in the
// configured zone.
type Bucket struct {
	Start time.Time `json:"bucket_ts"`
	Calls int64     `json:"n"`
}

// TimeSeries counts the target's calls per hour or day. Any bucket other
// than "hour" means day. Empty buckets are not reported.
func (e *Engine) TimeSeries(ctx context.Context, runID uint, f Filter, phone, bucket string) (_ []Bucket, err error) {
	defer e.track("timeseries")(&err)

	phone = normalize.Phone(phone)
	if phone == "" {
		return nil, invalid("phone is required")
	}
	rows, err := e.calls(ctx, scopeQuery{runID: runID, filter: f, phone: phone})
	if err != nil {
		return nil, err
	}
	loc := e.opt.Location
	counts := make(map[int64]*Bucket)
	for _, r := range rows {
		t := r.CallTS.In(loc)
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if bucket == BucketHour {
			start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
		}
		b := counts[start.Unix()]
		if b == nil {
			b = &Bucket{Start: start}
			counts[start.Unix()] = b
		}
		b.Calls++
	}
	out := make([]Bucket, 0, len(counts))
	for _, b := range counts {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b Bucket) int { return a.Start.Compare(b.Start) })
	return out, nil
}

// Hits lists the run's prioritized watchlist hits, newest call first.
func (e *Engine) Hits(ctx context.Context, runID uint, limit int) (_ []store.Hit, err error) {
	defer e.track("hits")(&err)

	if _, err := e.src.Run(ctx, runID); err != nil {
		return nil, err
	}
	return e.src.Hits(ctx, runID, e.limit(limit))
}
