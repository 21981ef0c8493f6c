package antenna

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/jalad-shrimali/cdr-correlator/format"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
)

func writeSheet(t *testing.T, rows [][]any) string {
	t.Helper()
	x := excelize.NewFile()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, x.SetSheetRow("Sheet1", cell, &r))
	}
	path := filepath.Join(t.TempDir(), "registry.xlsx")
	require.NoError(t, x.SaveAs(path))
	require.NoError(t, x.Close())
	return path
}

func TestParseClaroWorkbook(t *testing.T) {
	path := writeSheet(t, [][]any{
		{"REPORTE DE CELDAS"},
		{"OPERADOR", "CELLID", "LAC", "LATITUD", "LONGITUD", "BTS_NAME", "MUNICIPIO"},
		{"Claro", "1234567", "101", "4.65", "-74.05", "CHAPINERO", "BOGOTA"},
		{"Claro", "1234567", "101", "4.65", "-74.05", "CHAPINERO", "BOGOTA"},
		{"", "2-345", "102", "200", "-74.1", "SUBA", "BOGOTA"},
		{"Claro", "", "103", "4.7", "-74.2", "USME", "BOGOTA"},
	})

	res, err := ParseFile(path, Options{ImportID: "imp-1", Actor: "ana", SaveRaw: true})
	require.NoError(t, err)
	assert.Equal(t, "CLARO", res.Schema)
	assert.Equal(t, "Claro", res.OperatorGuess)
	assert.Equal(t, 4, res.Seen)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Records, 2)

	a := res.Records[0]
	assert.Equal(t, "CLARO", a.Operator)
	assert.Equal(t, "1234567", a.CellID)
	assert.Equal(t, "101", a.LACTAC)
	assert.Equal(t, "CHAPINERO", a.CellName)
	assert.Equal(t, "BOGOTA", a.Municipality)
	require.NotNil(t, a.Lat)
	assert.InDelta(t, 4.65, *a.Lat, 1e-9)
	assert.InDelta(t, -74.05, *a.Lon, 1e-9)
	assert.True(t, a.IsActive)
	assert.Equal(t, "imp-1", a.LastImportID)
	assert.Equal(t, "ana", a.UpdatedBy)
	assert.Contains(t, string(a.Raw), `"op_detected":"CLARO"`)

	// operator falls back to the first one seen; out-of-range coordinates are dropped
	b := res.Records[1]
	assert.Equal(t, "CLARO", b.Operator)
	assert.Equal(t, "2345", b.CellID)
	assert.Nil(t, b.Lat)
	assert.Nil(t, b.Lon)
}

func TestParseDelimitedRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mv.csv")
	data := "\ufeffOPERATOR;CELLID_FULL;DEC_LATITUDE;DEC_LONGITUD;CELL_NAME;LAC_TAC;AZIMUTH\n" +
		"Movistar;7001;6.25;-75.56;MED_1;20;120\n" +
		"WOM;7002;6.26;-75.57;MED_2;21;\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	res, err := ParseFile(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "MV_WOM", res.Schema)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "MOVISTAR", res.Records[0].Operator)
	assert.Equal(t, "WOM", res.Records[1].Operator)
	require.NotNil(t, res.Records[0].Azimuth)
	assert.InDelta(t, 120, *res.Records[0].Azimuth, 1e-9)
	assert.Nil(t, res.Records[1].Azimuth)
	assert.Nil(t, res.Records[0].Raw)
}

func TestParseDelimitedRegistryBelowBanner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mv.csv")
	data := "INVENTARIO DE CELDAS;;;;;\n" +
		"OPERATOR;CELLID_FULL;DEC_LATITUDE;DEC_LONGITUD;CELL_NAME;LAC_TAC\n" +
		"Movistar;7001;6.25;-75.56;MED_1;20\n" +
		"movistar;7001;6.25;-75.56;med_1;20\n" +
		"Movistar;;6.25;-75.56;MED_X;20\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	res, err := ParseFile(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Seen)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "MED_1", res.Records[0].CellName)
}

func TestParseRowsWithoutOperatorColumn(t *testing.T) {
	_, err := ParseRows([][]string{{"celda", "latitud"}, {"1", "2"}}, Options{SourceFile: "x.xlsx"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, format.ErrUnsupported))
}

func TestExactKeyIgnoresCaseAndSpace(t *testing.T) {
	rows := [][]string{
		{"operador", "celda", "sector", "latitud", "longitud"},
		{"TIGO", "55", "norte ", "1", "1"},
		{"tigo", "55", "NORTE", "1", "1"},
	}
	res, err := ParseRows(rows, Options{})
	require.NoError(t, err)
	assert.Equal(t, "TIGO", res.Schema)
	assert.Len(t, res.Records, 1)
	assert.Equal(t, 1, res.Duplicates)
}
