// Package antenna reads operator cell registries (XLSX or delimited text)
// into registry rows.
package antenna

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"gorm.io/datatypes"

	"github.com/jalad-shrimali/cdr-correlator/format"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// UnknownOperator tags rows whose carrier could not be determined.
const UnknownOperator = "UNKNOWN"

// Options steer parsing of one registry file.
type Options struct {
	Operator   string // declared operator; used when a row has none
	ImportID   string
	Actor      string
	SourceFile string
	SaveRaw    bool
}

// Result of parsing one registry file.
type Result struct {
	Records       []model.Antenna
	Seen          int
	Skipped       int
	Duplicates    int
	Schema        string
	OperatorGuess string
}

// ParseFile reads the first sheet of a workbook, or streams a delimited
// file.
func ParseFile(path string, opt Options) (*Result, error) {
	if opt.SourceFile == "" {
		opt.SourceFile = filepath.Base(path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return parseDelimited(path, opt)
	}
	rows, err := readFirstSheet(path)
	if err != nil {
		return nil, fileError(opt.SourceFile, err)
	}
	return ParseRows(rows, opt)
}

// ParseRows turns a sheet grid into registry rows.
func ParseRows(rows [][]string, opt Options) (*Result, error) {
	hi, ok := format.FindHeaderRow(rows, format.Default().Antenna.Header)
	if !ok {
		return nil, format.Unsupported(opt.SourceFile, "headers", format.Observed(rows))
	}
	p := newRowParser(rows[hi], opt)
	for _, row := range rows[hi+1:] {
		p.add(row)
	}
	return p.res, nil
}

func parseDelimited(path string, opt Options) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileError(opt.SourceFile, err)
	}
	defer f.Close()

	r, err := format.NewDelimitedReader(f)
	if err != nil {
		return nil, fileError(opt.SourceFile, err)
	}
	head, hi, err := format.ScanHeader(r, format.Default().Antenna.Header)
	if err != nil {
		return nil, fileError(opt.SourceFile, err)
	}
	if hi < 0 {
		return nil, format.Unsupported(opt.SourceFile, "headers", format.Observed(head))
	}
	p := newRowParser(head[hi], opt)
	r.ReuseRecord = true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fileError(opt.SourceFile, err)
		}
		p.add(row)
	}
	return p.res, nil
}

// rowParser turns the data rows below one registry header into records,
// dropping exact repeats.
type rowParser struct {
	cat      *format.Catalog
	keys     []string
	byHeader format.Profile
	declared string
	opt      Options
	seen     map[string]bool
	res      *Result
}

func newRowParser(header []string, opt Options) *rowParser {
	cat := format.Default()
	byHeader := cat.AntennaProfile(format.NewHeaderSet(header))
	return &rowParser{
		cat:      cat,
		keys:     format.Keys(header),
		byHeader: byHeader,
		declared: normalize.Operator(opt.Operator),
		opt:      opt,
		seen:     make(map[string]bool),
		res:      &Result{Schema: byHeader.Name},
	}
}

func (p *rowParser) add(row []string) {
	if format.BlankRow(row) {
		return
	}
	res, opt := p.res, p.opt
	res.Seen++
	m := format.RowMap(p.keys, row)

	rawOp := normalize.Pick(m, "operador", "operator")
	if rawOp != "" && res.OperatorGuess == "" {
		res.OperatorGuess = rawOp
	}
	op := normalize.Operator(rawOp)
	if op == "" {
		op = normalize.Operator(res.OperatorGuess)
	}
	if op == "" {
		op = p.declared
	}
	if op == "" {
		op = UnknownOperator
	}

	prof, ok := p.cat.ProfileForOperator(op)
	if !ok {
		prof = p.byHeader
	}
	f := prof.Fields

	cellID := normalize.CellKey(f.Get(m, "cell_id"))
	if cellID == "" {
		res.Skipped++
		return
	}
	a := model.Antenna{
		Operator:          op,
		CellID:            cellID,
		CellName:          f.Get(m, "cell_name"),
		LACTAC:            f.Get(m, "lac_tac"),
		SiteName:          f.Get(m, "site_name"),
		Address:           f.Get(m, "address"),
		Department:        f.Get(m, "department"),
		Municipality:      f.Get(m, "municipality"),
		Technology:        f.Get(m, "technology"),
		Vendor:            f.Get(m, "vendor"),
		Azimuth:           normalize.Float(f.Get(m, "azimuth")),
		HorizBeamAngle:    normalize.Float(f.Get(m, "horiz_beam_angle")),
		VerticalBeamAngle: normalize.Float(f.Get(m, "vertical_beam_angle")),
		BeamAngle:         normalize.Float(f.Get(m, "beam_angle")),
		Radius:            normalize.Float(f.Get(m, "radius")),
		Height:            normalize.Float(f.Get(m, "height")),
		Gain:              normalize.Float(f.Get(m, "gain")),
		Beam:              normalize.Float(f.Get(m, "beam")),
		Twist:             normalize.Float(f.Get(m, "twist")),
		StructureType:     f.Get(m, "structure_type"),
		StructureDetail:   f.Get(m, "structure_detail"),
		Band:              f.Get(m, "band"),
		Carrier:           f.Get(m, "carrier"),
		IsActive:          true,
		LastImportID:      opt.ImportID,
		UpdatedBy:         opt.Actor,
	}
	lat, lon := normalize.Float(f.Get(m, "lat")), normalize.Float(f.Get(m, "lon"))
	if normalize.ValidLatLon(lat, lon) {
		a.Lat, a.Lon = lat, lon
	}

	k := ExactKey(a)
	if p.seen[k] {
		res.Duplicates++
		return
	}
	p.seen[k] = true

	if opt.SaveRaw {
		a.Raw = rawPayload(prof.Name, op, m)
	}
	res.Records = append(res.Records, a)
}

// ExactKey identifies a registry row exactly as exported: operator, cell,
// LAC/TAC and cell name.
func ExactKey(a model.Antenna) string {
	up := func(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
	return up(a.Operator) + "|" + up(a.CellID) + "|" + up(a.LACTAC) + "|" + up(a.CellName)
}

func readFirstSheet(path string) ([][]string, error) {
	x, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer x.Close()
	sheets := x.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	return x.GetRows(sheets[0], excelize.Options{RawCellValue: true})
}

func rawPayload(schema, op string, cells map[string]string) datatypes.JSON {
	b, err := json.Marshal(map[string]any{
		"schema":      schema,
		"op_detected": op,
		"cells":       cells,
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func fileError(file string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", file, err)).
		Component("antenna").
		Category(errors.CategoryFileIO).
		Context("file", file).
		Build()
}
