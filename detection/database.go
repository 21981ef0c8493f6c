package detection

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jalad-shrimali/cdr-correlator/format"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
)

// Column candidates of the interrogation views, in preference order.
var (
	viewTimeColumns  = []string{"Time", "Timestamp", "Time (UTC)"}
	viewRangeColumns = []string{"Estimated Range (m)"}
)

// ReadDatabase reads an embedded SQLite export opened read-only. The flat
// idcatcher table is paged by _id; each interrogation view present is read
// in full afterwards. Flat rows are tagged type 1 and view rows type 3; the
// returned Stats carry the file's overall type.
func ReadDatabase(ctx context.Context, path string, opt Options, emit Sink) (Stats, error) {
	opt = opt.withDefaults(path)
	var st Stats

	db, err := sql.Open("sqlite3", "file:"+(&url.URL{Path: path}).EscapedPath()+"?mode=ro")
	if err != nil {
		return st, readError(opt.SourceFile, err)
	}
	defer db.Close()

	names, err := objectNames(ctx, db)
	if err != nil {
		return st, readError(opt.SourceFile, err)
	}
	layout, err := format.DetectEmbedded(opt.SourceFile, names)
	if err != nil {
		return st, err
	}
	st.SourceType = layout.SourceType()

	if layout.Flat {
		if err := readFlat(ctx, db, opt, &st, emit); err != nil {
			return st, err
		}
	}
	for _, view := range layout.Views {
		if err := readView(ctx, db, view, opt, &st, emit); err != nil {
			return st, err
		}
	}
	return st, nil
}

func objectNames(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type IN ('table','view')")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

const flatQuery = `SELECT _id, dateTime, imsi, imei, ueLatitude, ueLongitude,
	gps_latitude, gps_longitude, relative_ue_distance, operator
FROM idcatcher ORDER BY _id LIMIT ? OFFSET ?`

var flatColumns = []string{"_id", "dateTime", "imsi", "imei", "ueLatitude", "ueLongitude",
	"gps_latitude", "gps_longitude", "relative_ue_distance", "operator"}

// readFlat pages the idcatcher table. source_row is the row's _id.
func readFlat(ctx context.Context, db *sql.DB, opt Options, st *Stats, emit Sink) error {
	for offset := 0; ; offset += opt.PageSize {
		page, err := queryPage(ctx, db, flatQuery, len(flatColumns), opt.PageSize, offset)
		if err != nil {
			return dbReadError(opt.SourceFile, format.FlatTable, err)
		}
		for _, v := range page {
			st.Seen++
			ts, ok := parseTime(v[1], opt.Location)
			if !ok {
				st.Skipped++
				continue
			}
			lat, lon := pickCoords(float(v[4]), float(v[5]), float(v[6]), float(v[7]))
			row := text(v[0])
			if row == "" {
				row = strconv.Itoa(st.Seen)
			}
			d := build(ts, text(v[2]), text(v[3]), text(v[9]), lat, lon, float(v[8]), format.SourceFlatGPS, opt, row)
			if opt.SaveRaw {
				d.Raw = rawJSON(record(flatColumns, v))
			}
			if err := emit(d); err != nil {
				return err
			}
		}
		if len(page) < opt.PageSize {
			return nil
		}
	}
}

func queryPage(ctx context.Context, db *sql.DB, q string, width, limit, offset int) ([][]any, error) {
	rows, err := db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]any
	for rows.Next() {
		v := make([]any, width)
		ptrs := make([]any, width)
		for i := range v {
			ptrs[i] = &v[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// readView reads one interrogation view. Rows missing either coordinate are
// skipped. source_row is "<view>:<n>" with n counting from 1.
func readView(ctx context.Context, db *sql.DB, view string, opt Options, st *Stats, emit Sink) error {
	cols, err := viewColumns(ctx, db, view)
	if err != nil {
		return dbReadError(opt.SourceFile, view, err)
	}
	timeCol := firstPresent(cols, viewTimeColumns)
	if timeCol == "" {
		return format.Unsupported(opt.SourceFile, "headers", sortedKeys(cols))
	}
	sel := []string{timeCol, "IMSI", "IMEI", "Latitude", "Longitude", firstPresent(cols, viewRangeColumns), "Provider"}
	exprs := make([]string, len(sel))
	for i, c := range sel {
		if c == "" || !cols[c] {
			exprs[i] = "NULL"
			continue
		}
		exprs[i] = quoteIdent(c)
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), quoteIdent(view))

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return dbReadError(opt.SourceFile, view, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		v := make([]any, len(sel))
		ptrs := make([]any, len(sel))
		for i := range v {
			ptrs[i] = &v[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return dbReadError(opt.SourceFile, view, err)
		}
		n++
		st.Seen++

		ts, ok := parseTime(v[0], opt.Location)
		lat, lon := float(v[3]), float(v[4])
		if !ok || lat == nil || lon == nil {
			st.Skipped++
			continue
		}
		d := build(ts, text(v[1]), text(v[2]), text(v[6]), lat, lon, float(v[5]), format.SourceViews, opt, view+":"+strconv.Itoa(n))
		if opt.SaveRaw {
			raw := record([]string{timeCol, "IMSI", "IMEI", "Latitude", "Longitude", "Estimated Range (m)", "Provider"}, v)
			raw["_view"] = view
			d.Raw = rawJSON(raw)
		}
		if err := emit(d); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return dbReadError(opt.SourceFile, view, err)
	}
	return nil
}

func viewColumns(ctx context.Context, db *sql.DB, view string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", view)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		cols[n] = true
	}
	return cols, rows.Err()
}

/* helpers */

func firstPresent(cols map[string]bool, candidates []string) string {
	for _, c := range candidates {
		if cols[c] {
			return c
		}
	}
	return ""
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func record(cols []string, v []any) map[string]any {
	m := make(map[string]any, len(cols))
	for i, c := range cols {
		if i >= len(v) {
			break
		}
		if b, ok := v[i].([]byte); ok {
			m[c] = string(b)
			continue
		}
		m[c] = v[i]
	}
	return m
}

func dbReadError(file, object string, err error) error {
	return errors.New(fmt.Errorf("%s: read %s: %w", file, object, err)).
		Component("detection").
		Category(errors.CategoryFileParsing).
		Context("file", file).
		Context("object", object).
		Build()
}
