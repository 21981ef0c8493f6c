package server

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jalad-shrimali/cdr-correlator/analysis"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

func badRequest(format string, args ...any) error {
	return errors.Newf(format, args...).
		Component("server").
		Category(errors.CategoryValidation).
		Build()
}

// runID reads the {id} path parameter, or the run query parameter on
// routes outside /runs/{id}.
func runID(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")
	if raw == "" {
		raw = r.URL.Query().Get("run")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, badRequest("invalid run id %q", raw)
	}
	return uint(id), nil
}

// clampInt parses an integer query value; absent or malformed values take
// def, the rest is clamped to [lo, hi].
func clampInt(q url.Values, key string, def, lo, hi int) int {
	n, err := strconv.Atoi(strings.TrimSpace(q.Get(key)))
	if err != nil {
		return def
	}
	return max(lo, min(hi, n))
}

func optInt(q url.Values, key string) (*int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, badRequest("%s must be an integer", key)
	}
	return &n, nil
}

// parseTime accepts RFC 3339 or any timestamp shape the importers accept,
// the latter read in loc.
func parseTime(raw string, loc *time.Location) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	canonical, ok := normalize.Timestamp(raw)
	if !ok {
		return nil, badRequest("unrecognized timestamp %q", raw)
	}
	t, err := normalize.ParseTime(canonical, loc)
	if err != nil {
		return nil, badRequest("unrecognized timestamp %q", raw)
	}
	return &t, nil
}

// filterFrom builds the shared filter from from, to, dir, hour_from,
// hour_to and group, each optionally suffixed (group1, group2).
func filterFrom(q url.Values, suffix string, loc *time.Location) (analysis.Filter, error) {
	var f analysis.Filter
	var err error
	if f.From, err = parseTime(q.Get("from"), loc); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to"), loc); err != nil {
		return f, err
	}
	f.Direction = strings.ToUpper(strings.TrimSpace(q.Get("dir")))
	if f.HourFrom, err = optInt(q, "hour_from"); err != nil {
		return f, err
	}
	if f.HourTo, err = optInt(q, "hour_to"); err != nil {
		return f, err
	}
	f.Group = strings.TrimSpace(q.Get("group" + suffix))
	return f, f.Validate()
}

func optFloat(q url.Values, key string) (*float64, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	v := normalize.Float(raw)
	if v == nil {
		return nil, badRequest("%s must be a number", key)
	}
	return v, nil
}
