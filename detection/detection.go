// Package detection reads IMSI-catcher exports: delimited text in two
// layouts, and SQLite databases carrying either the flat idcatcher table or
// the per-technology interrogation views.
package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// DefaultPageSize is how many rows are fetched per page from the flat table.
const DefaultPageSize = 5000

// Options steer reading of one file.
type Options struct {
	SourceFile string
	Location   *time.Location // zone of naive timestamps; UTC when nil
	SaveRaw    bool
	PageSize   int
}

func (o Options) withDefaults(path string) Options {
	if o.SourceFile == "" {
		o.SourceFile = filepath.Base(path)
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	return o
}

// Stats counts what a reader saw. Skipped rows had no usable timestamp,
// or, for the view layout, no coordinates.
type Stats struct {
	SourceType int
	Seen       int
	Skipped    int
}

// Sink receives every loadable detection in file order. Returning an error
// stops the reader, which returns that error unchanged.
type Sink func(model.Detection) error

// ReadFile dispatches on extension: .csv / .txt are delimited text,
// anything else is opened as an embedded database.
func ReadFile(ctx context.Context, path string, opt Options, emit Sink) (Stats, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return ReadCSV(ctx, path, opt, emit)
	default:
		return ReadDatabase(ctx, path, opt, emit)
	}
}

// build fills the fields every layout shares.
func build(ts time.Time, imsi, imei, operator string, lat, lon, dist *float64, sourceType int, opt Options, row string) model.Detection {
	d := model.Detection{
		TS:         ts.UTC(),
		IMEI:       normalize.Text(imei),
		Operator:   normalize.Text(operator),
		Lat:        lat,
		Lon:        lon,
		DistanceM:  dist,
		SourceType: sourceType,
		SourceFile: opt.SourceFile,
		SourceRow:  row,
	}
	if s := normalize.Text(imsi); s != "" {
		d.IMSI = &s
	}
	if normalize.ValidLatLon(lat, lon) {
		d.Geom = model.Point(*lat, *lon)
	}
	return d
}

// pickCoords prefers the UE fix and falls back to the GPS fix.
func pickCoords(ueLat, ueLon, gpsLat, gpsLon *float64) (*float64, *float64) {
	switch {
	case normalize.ValidLatLon(ueLat, ueLon):
		return ueLat, ueLon
	case normalize.ValidLatLon(gpsLat, gpsLon):
		return gpsLat, gpsLon
	}
	return nil, nil
}

// epochCutoff separates spreadsheet serials from unix epochs.
const epochCutoff = 2958465

// parseTime reads any timestamp shape the exports use. Numbers beyond the
// spreadsheet serial range are unix seconds, or milliseconds past 1e12.
// Driver values in UTC come from zone-less columns, so their wall clock is
// read in loc like any other naive timestamp.
func parseTime(v any, loc *time.Location) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		if x.Location() == time.UTC && loc != nil {
			x = time.Date(x.Year(), x.Month(), x.Day(), x.Hour(), x.Minute(), x.Second(), x.Nanosecond(), loc)
		}
		return x.UTC(), true
	case int64:
		return parseNumber(float64(x), loc)
	case float64:
		return parseNumber(x, loc)
	case []byte:
		return parseTime(string(x), loc)
	case string:
		s := strings.TrimSpace(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return parseNumber(f, loc)
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
	}
	canonical, ok := normalize.Timestamp(v)
	if !ok {
		return time.Time{}, false
	}
	t, err := normalize.ParseTime(canonical, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func parseNumber(f float64, loc *time.Location) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	if f > epochCutoff {
		return time.Unix(int64(f), 0).UTC(), true
	}
	canonical, ok := normalize.Timestamp(f)
	if !ok {
		return time.Time{}, false
	}
	t, err := normalize.ParseTime(canonical, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// text renders a database value as a string.
func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(normalize.Layout)
	}
	return fmt.Sprint(v)
}

func float(v any) *float64 {
	switch x := v.(type) {
	case int64:
		f := float64(x)
		return &f
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return &x
	}
	return normalize.Float(text(v))
}

func rawJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func readError(file string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", file, err)).
		Component("detection").
		Category(errors.CategoryFileIO).
		Context("file", file).
		Build()
}
