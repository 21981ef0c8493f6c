package detection

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jalad-shrimali/cdr-correlator/format"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// ReadCSV streams a delimited detection export. The layout is typed from the
// header: type 1 carries UE and GPS fixes, type 2 a single lat/lon pair.
// source_row is the 1-based position among data rows.
func ReadCSV(ctx context.Context, path string, opt Options, emit Sink) (Stats, error) {
	opt = opt.withDefaults(path)
	var st Stats

	f, err := os.Open(path)
	if err != nil {
		return st, readError(opt.SourceFile, err)
	}
	defer f.Close()

	header, sample, err := format.FirstLines(f)
	if err != nil {
		return st, readError(opt.SourceFile, err)
	}
	delim, _, sourceType, err := format.DetectCSV(opt.SourceFile, header, sample)
	if err != nil {
		return st, err
	}
	st.SourceType = sourceType
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return st, readError(opt.SourceFile, err)
	}

	r := csv.NewReader(f)
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var keys []string
	fields := format.Default().DetectionFields(sourceType)
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, errors.New(fmt.Errorf("%s: %w", opt.SourceFile, err)).
				Component("detection").
				Category(errors.CategoryFileParsing).
				Context("file", opt.SourceFile).
				Build()
		}
		if keys == nil {
			if format.BlankRow(rec) {
				continue
			}
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
			keys = format.Keys(rec)
			continue
		}
		if format.BlankRow(rec) {
			continue
		}
		st.Seen++
		m := format.RowMap(keys, rec)

		ts, ok := parseTime(fields.Get(m, "timestamp"), opt.Location)
		if !ok {
			st.Skipped++
			continue
		}

		var lat, lon *float64
		if sourceType == format.SourceFlatGPS {
			lat, lon = pickCoords(
				normalize.Float(fields.Get(m, "ue_lat")), normalize.Float(fields.Get(m, "ue_lon")),
				normalize.Float(fields.Get(m, "gps_lat")), normalize.Float(fields.Get(m, "gps_lon")),
			)
		} else {
			lat, lon = normalize.Float(fields.Get(m, "lat")), normalize.Float(fields.Get(m, "lon"))
		}

		d := build(ts,
			fields.Get(m, "imsi"), fields.Get(m, "imei"), fields.Get(m, "operator"),
			lat, lon, normalize.Float(fields.Get(m, "distance")),
			sourceType, opt, strconv.Itoa(st.Seen))
		if opt.SaveRaw {
			d.Raw = rawJSON(m)
		}
		if err := emit(d); err != nil {
			return st, err
		}
	}
	return st, nil
}
