// Package xdr reads carrier call-detail exports (XLSX workbooks or
// delimited text) into normalized call records.
package xdr

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/datatypes"

	"github.com/jalad-shrimali/cdr-correlator/format"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// Schema is the tag reported for every parsed XDR file.
const Schema = "XDR"

// techSheet is the name of the technical sheet that maps numbers to
// IMSI / IMEI.
const techSheet = "DT"

// blockSep separates fields inside the technical sheet's single cells.
const blockSep = "ß"

// Options steer parsing of one file.
type Options struct {
	Operator   string // declared carrier; the operator column is used when empty
	Group      string
	Fallback   normalize.Direction
	Location   *time.Location
	Truncate   map[string]bool
	SourceFile string
	SaveRaw    bool
}

// Tech is what the technical sheet says about one number.
type Tech struct {
	IMSI string
	IMEI string
}

// Result of parsing one file.
type Result struct {
	Records []model.CallRecord
	Seen    int
	Skipped int
	Schema  string
	Tech    map[string]Tech
}

// ParseFile dispatches on the file extension.
func ParseFile(path string, opt Options) (*Result, error) {
	if opt.SourceFile == "" {
		opt.SourceFile = filepath.Base(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return parseCSV(path, opt)
	default:
		return parseWorkbook(path, opt)
	}
}

func parseWorkbook(path string, opt Options) (*Result, error) {
	x, err := excelize.OpenFile(path)
	if err != nil {
		return nil, readError(opt.SourceFile, err)
	}
	defer x.Close()

	sheets := x.GetSheetList()
	grids := make(map[string][][]string, len(sheets))
	tech := map[string]Tech{}
	for _, name := range sheets {
		rows, err := x.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, readError(opt.SourceFile, err)
		}
		if strings.EqualFold(strings.TrimSpace(name), techSheet) {
			if t := ParseTechBlocks(rows); len(t) > 0 {
				tech = t
			}
			continue
		}
		grids[name] = rows
	}

	res := &Result{Schema: Schema, Tech: tech}
	found := false
	var firstObserved []string
	for _, name := range sheets {
		rows, ok := grids[name]
		if !ok {
			continue
		}
		if firstObserved == nil {
			firstObserved = format.Observed(rows)
		}
		if parseGrid(name, rows, opt, res) {
			found = true
		}
	}
	if !found {
		return nil, format.Unsupported(opt.SourceFile, "headers", firstObserved)
	}
	return res, nil
}

func parseCSV(path string, opt Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, readError(opt.SourceFile, err)
	}
	defer f.Close()

	r, err := format.NewDelimitedReader(f)
	if err != nil {
		return nil, readError(opt.SourceFile, err)
	}
	head, hi, err := format.ScanHeader(r, format.Default().XDR.Header)
	if err != nil {
		return nil, parseError(opt.SourceFile, err)
	}
	if hi < 0 {
		return nil, format.Unsupported(opt.SourceFile, "headers", format.Observed(head))
	}

	res := &Result{Schema: Schema, Tech: map[string]Tech{}}
	p := newSheetParser("", head[hi], hi, opt, res)
	r.ReuseRecord = true
	for i := hi + 1; ; i++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, parseError(opt.SourceFile, err)
		}
		p.add(i, row)
	}
	return res, nil
}

// parseGrid appends the records of one sheet. It reports false when the
// sheet has no XDR header.
func parseGrid(sheet string, rows [][]string, opt Options, res *Result) bool {
	hi, ok := format.FindHeaderRow(rows, format.Default().XDR.Header)
	if !ok {
		return false
	}
	p := newSheetParser(sheet, rows[hi], hi, opt, res)
	for i := hi + 1; i < len(rows); i++ {
		p.add(i, rows[i])
	}
	return true
}

// sheetParser turns the data rows below one XDR header into records.
type sheetParser struct {
	sheet  string
	header int
	keys   []string
	fields format.Fields
	opt    Options
	res    *Result
}

func newSheetParser(sheet string, header []string, hi int, opt Options, res *Result) *sheetParser {
	if opt.Location == nil {
		opt.Location = time.UTC
	}
	if opt.Fallback == "" {
		opt.Fallback = normalize.DirIn
	}
	if opt.Truncate == nil {
		opt.Truncate = normalize.DefaultTruncate
	}
	return &sheetParser{
		sheet:  sheet,
		header: hi,
		keys:   format.Keys(header),
		fields: format.Default().XDR.Fields,
		opt:    opt,
		res:    res,
	}
}

// add parses the row at zero-based position i of the sheet.
func (p *sheetParser) add(i int, row []string) {
	if format.BlankRow(row) {
		return
	}
	res, fields, opt := p.res, p.fields, p.opt
	res.Seen++
	m := format.RowMap(p.keys, row)

	a := normalize.Phone(fields.Get(m, "a_number"))
	b := normalize.Phone(fields.Get(m, "b_number"))
	canonical, ok := normalize.Timestamp(fields.Get(m, "timestamp"))
	if a == "" || b == "" || !ok {
		res.Skipped++
		return
	}
	ts, err := normalize.ParseTime(canonical, opt.Location)
	if err != nil {
		res.Skipped++
		return
	}

	op := normalize.Operator(opt.Operator)
	if op == "" {
		op = normalize.Operator(fields.Get(m, "operator"))
	}
	tipo := fields.Get(m, "tipo")
	rec := model.CallRecord{
		CallTS:        ts.UTC(),
		Direction:     string(normalize.InferDirection(fields.Get(m, "direction"), tipo, opt.Fallback)),
		ANumber:       a,
		BNumber:       b,
		DurationSec:   normalize.Duration(fields.Get(m, "duration")),
		Tipo:          tipo,
		Operator:      op,
		LACStart:      fields.Get(m, "lac_start"),
		CellStart:     normalize.CellID(op, fields.Get(m, "cell_start"), opt.Truncate),
		CellNameStart: fields.Get(m, "cell_name_start"),
		LACEnd:        fields.Get(m, "lac_end"),
		CellEnd:       normalize.CellID(op, fields.Get(m, "cell_end"), opt.Truncate),
		CellNameEnd:   fields.Get(m, "cell_name_end"),
		IMSI:          fields.Get(m, "imsi"),
		IMEI:          fields.Get(m, "imei"),
		GroupTag:      opt.Group,
		SourceFile:    opt.SourceFile,
	}
	if rec.IMSI == "" || rec.IMEI == "" {
		ta, tb := res.Tech[a], res.Tech[b]
		if rec.IMSI == "" {
			rec.IMSI = firstNonEmpty(ta.IMSI, tb.IMSI)
		}
		if rec.IMEI == "" {
			rec.IMEI = firstNonEmpty(ta.IMEI, tb.IMEI)
		}
	}
	if opt.SaveRaw {
		rec.Raw = rawPayload(p.sheet, i+1, p.header+1, m)
	}
	res.Records = append(res.Records, rec)
}

// ParseTechBlocks reads the technical sheet. Its cells hold whole records
// joined by blockSep: a header block naming DN_NUM and IMSI or IMEI, followed
// by a data block. Consecutive block pairs are tried in order.
func ParseTechBlocks(rows [][]string) map[string]Tech {
	var blocks []string
	for _, row := range rows {
		for _, c := range row {
			if strings.Contains(c, blockSep) {
				blocks = append(blocks, c)
			}
		}
	}

	out := make(map[string]Tech)
	for i := 0; i+1 < len(blocks); i++ {
		head := splitBlock(blocks[i])
		data := splitBlock(blocks[i+1])
		dn, imsi, imei := index(head, "DN_NUM"), index(head, "IMSI"), index(head, "IMEI")
		if dn < 0 || (imsi < 0 && imei < 0) || len(data) < len(head) {
			continue
		}
		phone := normalize.Phone(data[dn])
		if phone == "" {
			continue
		}
		var t Tech
		if imsi >= 0 {
			t.IMSI = data[imsi]
		}
		if imei >= 0 {
			t.IMEI = data[imei]
		}
		out[phone] = t
	}
	return out
}

/* helpers */

func splitBlock(s string) []string {
	parts := strings.Split(s, blockSep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func index(h []string, name string) int {
	for i, v := range h {
		if strings.EqualFold(v, name) {
			return i
		}
	}
	return -1
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func rawPayload(sheet string, row, headerRow int, cells map[string]string) datatypes.JSON {
	b, err := json.Marshal(map[string]any{
		"sheet":      sheet,
		"row":        row,
		"header_row": headerRow,
		"cells":      cells,
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func parseError(file string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", file, err)).
		Component("xdr").
		Category(errors.CategoryFileParsing).
		Context("file", file).
		Build()
}

func readError(file string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", file, err)).
		Component("xdr").
		Category(errors.CategoryFileIO).
		Context("file", file).
		Build()
}
