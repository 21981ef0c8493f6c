package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
)

// Detection source types.
const (
	SourceFlatGPS   = 1 // flat idcatcher table, or CSV with datetime + GPS/UE columns
	SourceTimeLatLn = 2 // CSV with time + latitude + longitude
	SourceViews     = 3 // per-technology interrogation views
)

// FlatTable is the single-table layout of .db exports.
const FlatTable = "idcatcher"

// InterrogationViews is the per-technology layout of .db3 exports.
var InterrogationViews = []string{
	"DBViewer_LTE_InterrogationResultsView",
	"DBViewer_GSM_InterrogationResultsView",
	"DBViewer_UMTS_InterrogationResultsView",
}

// ErrUnsupported marks files whose structure matched no known signature.
var ErrUnsupported = errors.NewStd("unsupported format")

// UnsupportedError lists what was observed in a rejected file.
type UnsupportedError struct {
	File     string
	Kind     string // "headers" or "tables"
	Observed []string
}

func (e *UnsupportedError) Error() string {
	obs := e.Observed
	if len(obs) > 50 {
		obs = obs[:50]
	}
	return fmt.Sprintf("%s: unsupported format, %s: %s", e.File, e.Kind, strings.Join(obs, ", "))
}

func (e *UnsupportedError) Unwrap() error { return ErrUnsupported }

// Unsupported builds the categorized error returned for rejected files.
func Unsupported(file, kind string, observed []string) error {
	return errors.New(&UnsupportedError{File: file, Kind: kind, Observed: observed}).
		Component("format").
		Category(errors.CategoryUnsupportedFormat).
		Context("file", file).
		Build()
}

// EmbeddedLayout says which known structures an embedded database carries.
type EmbeddedLayout struct {
	Flat  bool
	Views []string
}

// SourceType is the tag recorded on the file's detections. Files with the
// view layout are tagged as such even when the flat table is also present.
func (l EmbeddedLayout) SourceType() int {
	if len(l.Views) > 0 {
		return SourceViews
	}
	return SourceFlatGPS
}

// DetectEmbedded matches the table and view names of an embedded database
// against the known layouts.
func DetectEmbedded(file string, names []string) (EmbeddedLayout, error) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	var l EmbeddedLayout
	l.Flat = set[FlatTable]
	for _, v := range InterrogationViews {
		if set[v] {
			l.Views = append(l.Views, v)
		}
	}
	if !l.Flat && len(l.Views) == 0 {
		obs := append([]string(nil), names...)
		sort.Strings(obs)
		return l, Unsupported(file, "tables", obs)
	}
	return l, nil
}

// DetectCSV sniffs the delimiter and detection type of a CSV export from
// its first two lines.
func DetectCSV(file, header, sample string) (rune, []string, int, error) {
	d, cols := SniffDelimiter(header, sample)
	t := Default().DetectionType(NewHeaderSet(cols))
	if t == 0 {
		return d, cols, 0, Unsupported(file, "headers", cols)
	}
	return d, cols, t, nil
}
