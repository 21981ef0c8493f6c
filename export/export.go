// Package export renders a run's analysis as an XLSX workbook.
package export

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jalad-shrimali/cdr-correlator/analysis"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

// Row caps per sheet.
const (
	MaxCalls    = 20000
	MaxContacts = 1000
	MaxPlaces   = 500
)

// Report is everything the workbook shows for one target of a run.
type Report struct {
	RunID     uint
	Phone     string
	Objective *analysis.Objective
	Summary   *analysis.Summary
	Calls     []model.CallRecord
	Contacts  []analysis.Contact
	Places    []analysis.Place
	Hits      []store.Hit
}

// Build runs the queries behind the workbook. When phone is empty the
// detected objective of the scope is used.
func Build(ctx context.Context, eng *analysis.Engine, runID uint, f analysis.Filter, phone string) (*Report, error) {
	r := &Report{RunID: runID}
	obj, err := eng.DetectObjective(ctx, runID, f)
	if err != nil {
		return nil, err
	}
	r.Objective = obj
	r.Phone = normalize.Phone(phone)
	if r.Phone == "" {
		r.Phone = obj.Phone
	}
	if r.Phone == "" {
		return nil, errors.Newf("run %d has no calls in scope", runID).
			Component("export").
			Category(errors.CategoryNotFound).
			Build()
	}

	if r.Summary, err = eng.Summary(ctx, runID, f, r.Phone); err != nil {
		return nil, err
	}
	if r.Calls, err = eng.Timeline(ctx, runID, f, r.Phone, MaxCalls); err != nil {
		return nil, err
	}
	slices.Reverse(r.Calls)
	if r.Contacts, err = eng.TopContacts(ctx, runID, f, r.Phone, MaxContacts); err != nil {
		return nil, err
	}
	if r.Places, err = eng.TopPlaces(ctx, runID, f, r.Phone, MaxPlaces); err != nil {
		return nil, err
	}
	if r.Hits, err = eng.Hits(ctx, runID, MaxCalls); err != nil {
		return nil, err
	}
	return r, nil
}

// Workbook lays the report out in sheets. Timestamps are written in loc.
func (r *Report) Workbook(loc *time.Location) (*excelize.File, error) {
	if loc == nil {
		loc = time.UTC
	}
	ts := func(t time.Time) string { return t.In(loc).Format(normalize.Layout) }
	opt := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return ts(*t)
	}
	num := func(v int64) string { return strconv.FormatInt(v, 10) }
	coord := func(v *float64) string {
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', 6, 64)
	}

	summary := [][]string{{"Run", "Phone", "Total Calls", "Contacts", "First", "Last", "Confidence", "Side"}}
	if r.Summary != nil {
		conf, side := "", ""
		if r.Objective != nil && r.Objective.Phone == r.Phone {
			conf, side = fmt.Sprintf("%.2f", r.Objective.Confidence), r.Objective.Side
		}
		summary = append(summary, []string{
			num(int64(r.RunID)), r.Phone, num(r.Summary.Calls), strconv.Itoa(r.Summary.Contacts),
			opt(r.Summary.First), opt(r.Summary.Last), conf, side,
		})
	}

	report := [][]string{{"Date", "Direction", "A Party", "B Party", "Duration", "Type", "Operator",
		"LAC Start", "Cell Start", "Cell Name Start", "LAC End", "Cell End", "Cell Name End", "IMSI", "IMEI", "Group", "Source"}}
	for _, c := range r.Calls {
		dur := ""
		if c.DurationSec != nil {
			dur = num(*c.DurationSec)
		}
		report = append(report, []string{ts(c.CallTS), c.Direction, c.ANumber, c.BNumber, dur, c.Tipo, c.Operator,
			c.LACStart, c.CellStart, c.CellNameStart, c.LACEnd, c.CellEnd, c.CellNameEnd, c.IMSI, c.IMEI, c.GroupTag, c.SourceFile})
	}

	maxC := [][]string{{"Phone", "Other", "Total Calls", "Total Duration", "First", "Last"}}
	for _, c := range r.Contacts {
		maxC = append(maxC, []string{r.Phone, c.Other, num(c.Calls), num(c.TotalDuration), ts(c.First), ts(c.Last)})
	}
	byDur := slices.Clone(r.Contacts)
	slices.SortStableFunc(byDur, func(a, b analysis.Contact) int { return cmp.Compare(b.TotalDuration, a.TotalDuration) })
	maxD := [][]string{{"Phone", "Other", "Total Duration", "Total Calls"}}
	for _, c := range byDur {
		maxD = append(maxD, []string{r.Phone, c.Other, num(c.TotalDuration), num(c.Calls)})
	}

	maxS := [][]string{{"Phone", "Operator", "Cell", "Place", "Hits", "Lat", "Long"}}
	for _, p := range r.Places {
		maxS = append(maxS, []string{r.Phone, p.Operator, p.CellKey, p.Label, num(p.Hits), coord(p.Lat), coord(p.Lon)})
	}

	hits := [][]string{{"Date", "Objective", "Match", "A Party", "B Party", "Operator", "Cell Start"}}
	for _, h := range r.Hits {
		hits = append(hits, []string{ts(h.CallTS), h.Label, h.MatchType, h.ANumber, h.BNumber, h.Operator, h.CellStart})
	}

	x := excelize.NewFile()
	add := func(name string, rows [][]string) error {
		idx, err := x.NewSheet(name)
		if err != nil {
			return err
		}
		for i, row := range rows {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			if err != nil {
				return err
			}
			if err := x.SetSheetRow(name, cell, &row); err != nil {
				return err
			}
		}
		if name == "summary" {
			x.SetActiveSheet(idx)
		}
		return nil
	}
	sheets := []struct {
		name string
		rows [][]string
	}{
		{"summary", summary},
		{"report", report},
		{"max_calls", maxC},
		{"max_duration", maxD},
		{"max_stay", maxS},
		{"hits", hits},
	}
	for _, s := range sheets {
		if err := add(s.name, s.rows); err != nil {
			_ = x.Close()
			return nil, writeError(err)
		}
	}
	if err := x.DeleteSheet("Sheet1"); err != nil {
		_ = x.Close()
		return nil, writeError(err)
	}
	return x, nil
}

// Write streams the workbook to w.
func (r *Report) Write(w io.Writer, loc *time.Location) error {
	x, err := r.Workbook(loc)
	if err != nil {
		return err
	}
	defer x.Close()
	if _, err := x.WriteTo(w); err != nil {
		return writeError(err)
	}
	return nil
}

// Save writes the workbook to path.
func (r *Report) Save(path string, loc *time.Location) error {
	x, err := r.Workbook(loc)
	if err != nil {
		return err
	}
	defer x.Close()
	if err := x.SaveAs(path); err != nil {
		return errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return nil
}

func writeError(err error) error {
	return errors.New(fmt.Errorf("write workbook: %w", err)).
		Component("export").
		Category(errors.CategoryFileIO).
		Build()
}
