// Package analysis answers the investigation questions over a run's
// loaded call records: who the objective is, whom and where they talk
// from, where two targets met, and how the numbers connect.
//
// The store narrows rows by run, time range, direction, group and phone,
// and groups them for the counting queries. The local hour-of-day window is
// applied here, in the configured zone, so a filter that sets one loads the
// rows and counts them in memory.
package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/jalad-shrimali/cdr-correlator/internal/config"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/internal/logging"
	"github.com/jalad-shrimali/cdr-correlator/internal/metrics"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

// Source is the read surface of the store the engine needs.
type Source interface {
	Run(ctx context.Context, id uint) (*model.AnalysisRun, error)
	Calls(ctx context.Context, q store.CallQuery) ([]model.CallRecord, error)
	CountCalls(ctx context.Context, q store.CallQuery) (int64, error)
	PhoneCounts(ctx context.Context, q store.CallQuery) ([]store.PhoneCount, error)
	ContactCounts(ctx context.Context, q store.CallQuery) ([]store.ContactCount, error)
	LookupCells(ctx context.Context, refs []store.CellRef) (map[store.CellRef]store.CellInfo, error)
	Hits(ctx context.Context, runID uint, limit int) ([]store.Hit, error)
	Detections(ctx context.Context, q store.DetectionQuery) ([]model.Detection, error)
}

// Options tune query defaults.
type Options struct {
	Location          *time.Location
	CoincidenceWindow time.Duration
	TopLimit          int
	GraphMinCalls     int
	GraphMaxEdges     int
	GraphMaxNodes     int
}

// DefaultOptions mirrors the configuration defaults, except that the zone
// is UTC.
func DefaultOptions() Options {
	return Options{
		Location:          time.UTC,
		CoincidenceWindow: 3 * time.Hour,
		TopLimit:          50,
		GraphMinCalls:     1,
		GraphMaxEdges:     500,
		GraphMaxNodes:     300,
	}
}

// OptionsFrom reads the analysis section of the settings.
func OptionsFrom(s *config.Settings) Options {
	return Options{
		Location:          s.Location(),
		CoincidenceWindow: s.Analysis.CoincidenceWindow,
		TopLimit:          s.Analysis.TopLimit,
		GraphMinCalls:     s.Analysis.GraphMinCalls,
		GraphMaxEdges:     s.Analysis.GraphMaxEdges,
		GraphMaxNodes:     s.Analysis.GraphMaxNodes,
	}
}

// Engine runs correlation queries. It is safe for concurrent use.
type Engine struct {
	src     Source
	opt     Options
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New builds an engine. log and m may be nil.
func New(src Source, opt Options, log *slog.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	return &Engine{src: src, opt: opt, log: logging.Module(log, "analysis"), metrics: m}
}

// Location is the zone hour windows and buckets are computed in.
func (e *Engine) Location() *time.Location { return e.opt.Location }

// Filter is the scope shared by every query. Zero values do not filter.
// The hour window only applies when both ends are set; it is inclusive and
// wraps past midnight when HourFrom > HourTo.
type Filter struct {
	From, To  *time.Time
	Direction string // IN, OUT, BOTH
	HourFrom  *int
	HourTo    *int
	Group     string
}

// Validate rejects filters no row could ever match for a reason other
// than the data.
func (f Filter) Validate() error {
	switch f.Direction {
	case "", "BOTH", string(normalize.DirIn), string(normalize.DirOut):
	default:
		return invalid("direction must be IN, OUT or BOTH, got %q", f.Direction)
	}
	for _, h := range []*int{f.HourFrom, f.HourTo} {
		if h != nil && (*h < 0 || *h > 23) {
			return invalid("hour %d outside 0..23", *h)
		}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return invalid("time range ends before it starts")
	}
	return nil
}

func (f Filter) hourWindow() bool { return f.HourFrom != nil && f.HourTo != nil }

// inHours reports whether ts falls in the hour window, read in loc.
func (f Filter) inHours(ts time.Time, loc *time.Location) bool {
	if !f.hourWindow() {
		return true
	}
	h, from, to := ts.In(loc).Hour(), *f.HourFrom, *f.HourTo
	if from <= to {
		return h >= from && h <= to
	}
	return h >= from || h <= to
}

// Target is one side of a two-target query: a phone and its own scope.
type Target struct {
	Phone  string `json:"phone"`
	Filter Filter `json:"-"`
}

func (t Target) normalized() (Target, error) {
	t.Phone = normalize.Phone(t.Phone)
	if t.Phone == "" {
		return t, invalid("target phone is required")
	}
	return t, t.Filter.Validate()
}

// scopeQuery describes one call load.
type scopeQuery struct {
	runID   uint
	filter  Filter
	phone   string
	other   string
	cellKey string
	desc    bool
	offset  int
	limit   int
}

// check validates the scope of a query and that its run exists.
func (e *Engine) check(ctx context.Context, runID uint, f Filter) error {
	if err := f.Validate(); err != nil {
		return err
	}
	_, err := e.src.Run(ctx, runID)
	return err
}

func (q scopeQuery) store() store.CallQuery {
	return store.CallQuery{
		RunID:     q.runID,
		From:      q.filter.From,
		To:        q.filter.To,
		Direction: q.filter.Direction,
		Group:     q.filter.Group,
		Phone:     q.phone,
		Other:     q.other,
		CellKey:   q.cellKey,
		Desc:      q.desc,
	}
}

// calls loads the scoped rows of a run. Paging is pushed to the store
// unless the hour window has to drop rows first.
func (e *Engine) calls(ctx context.Context, q scopeQuery) ([]model.CallRecord, error) {
	if err := e.check(ctx, q.runID, q.filter); err != nil {
		return nil, err
	}
	sq := q.store()
	hours := q.filter.hourWindow()
	if !hours {
		sq.Offset, sq.Limit = q.offset, q.limit
	}
	rows, err := e.src.Calls(ctx, sq)
	if err != nil || !hours {
		return rows, err
	}
	kept := rows[:0]
	for _, r := range rows {
		if q.filter.inHours(r.CallTS, e.opt.Location) {
			kept = append(kept, r)
		}
	}
	return page(kept, q.offset, q.limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// track times a query; the returned func records its outcome and is
// meant to be deferred with the named error result.
func (e *Engine) track(name string) func(*error) {
	start := time.Now()
	return func(errp *error) { e.observe(name, start, *errp) }
}

func (e *Engine) observe(name string, start time.Time, err error) {
	took := time.Since(start)
	e.metrics.Query(name, took, err)
	if err != nil {
		e.log.Warn("query failed", "query", name, "took", took, "error", err)
		return
	}
	e.log.Debug("query done", "query", name, "took", took)
}

func (e *Engine) limit(n int) int {
	if n > 0 {
		return n
	}
	if e.opt.TopLimit > 0 {
		return e.opt.TopLimit
	}
	return 50
}

func invalid(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("analysis").
		Category(errors.CategoryValidation).
		Build()
}

// otherParty returns the counterpart of phone on r, or "" when phone is
// on neither side.
func otherParty(r model.CallRecord, phone string) string {
	switch phone {
	case r.ANumber:
		return r.BNumber
	case r.BNumber:
		return r.ANumber
	}
	return ""
}

func duration(r model.CallRecord) int64 {
	if r.DurationSec == nil {
		return 0
	}
	return *r.DurationSec
}
