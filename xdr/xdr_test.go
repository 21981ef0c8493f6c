package xdr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/jalad-shrimali/cdr-correlator/format"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

var cot = time.FixedZone("COT", -5*3600)

func writeWorkbook(t *testing.T, sheets map[string][][]any) string {
	t.Helper()
	x := excelize.NewFile()
	for name, rows := range sheets {
		if name != "Sheet1" {
			_, err := x.NewSheet(name)
			require.NoError(t, err)
		}
		for i, row := range rows {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			require.NoError(t, err)
			r := row
			require.NoError(t, x.SetSheetRow(name, cell, &r))
		}
	}
	path := filepath.Join(t.TempDir(), "calls.xlsx")
	require.NoError(t, x.SaveAs(path))
	require.NoError(t, x.Close())
	return path
}

func TestParseWorkbook(t *testing.T) {
	path := writeWorkbook(t, map[string][][]any{
		"Sheet1": {
			{"INFORME DE COMUNICACIONES"},
			{"Abonado", "3001234567"},
			{"ORIGINADOR", "RECEPTOR", "Fecha Hora", "Duración", "Tipo", "Celda Inicio Llamada", "Celda Final Llamada", "Nombre Celda Inicio"},
			{"+57 300 123 4567", "3109876543", "15/03/2024 09:30 PM", 60, "VOZ SALIENTE", "1234567", "7654321", "CENTRO"},
			{},
			{"3109876543", "3001234567", "16/03/2024 08:05 a.m.", "", "VOZ ENTRANTE", "", "", ""},
			{"3001234567", "3109876543", "not-a-date", 10, "", "", "", ""},
			{"", "3109876543", "16/03/2024 09:00", 10, "", "", "", ""},
		},
		"DT": {
			{"DN_NUMßIMSIßIMEI"},
			{"3109876543ß732101234567890ß356938035643809"},
		},
	})

	res, err := ParseFile(path, Options{Operator: "Claro", Group: "1", Location: cot, SaveRaw: true})
	require.NoError(t, err)
	assert.Equal(t, Schema, res.Schema)
	assert.Equal(t, 4, res.Seen)
	assert.Equal(t, 2, res.Skipped)
	require.Len(t, res.Records, 2)

	first := res.Records[0]
	assert.Equal(t, "3001234567", first.ANumber)
	assert.Equal(t, "3109876543", first.BNumber)
	assert.Equal(t, time.Date(2024, 3, 16, 2, 30, 0, 0, time.UTC), first.CallTS)
	assert.Equal(t, "OUT", first.Direction)
	require.NotNil(t, first.DurationSec)
	assert.EqualValues(t, 60, *first.DurationSec)
	assert.Equal(t, "CLARO", first.Operator)
	assert.Equal(t, "123456", first.CellStart)
	assert.Equal(t, "765432", first.CellEnd)
	assert.Equal(t, "CENTRO", first.CellNameStart)
	assert.Equal(t, "732101234567890", first.IMSI)
	assert.Equal(t, "356938035643809", first.IMEI)
	assert.Equal(t, "1", first.GroupTag)
	assert.Equal(t, "calls.xlsx", first.SourceFile)
	assert.Contains(t, string(first.Raw), `"header_row":3`)

	second := res.Records[1]
	assert.Equal(t, "IN", second.Direction)
	assert.Equal(t, time.Date(2024, 3, 16, 13, 5, 0, 0, time.UTC), second.CallTS)
	assert.Nil(t, second.DurationSec)
	assert.Empty(t, second.CellStart)
}

func TestParseWorkbookWithoutHeader(t *testing.T) {
	path := writeWorkbook(t, map[string][][]any{
		"Sheet1": {{"numero", "fecha"}, {"1", "2"}},
	})
	_, err := ParseFile(path, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, format.ErrUnsupported))
	assert.True(t, errors.IsCategory(err, errors.CategoryUnsupportedFormat))

	var ue *format.UnsupportedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []string{"numero", "fecha"}, ue.Observed)
}

func TestParseCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.csv")
	data := "\ufeffORIGINADOR;RECEPTOR;FECHA_HORA;DURACION;OPERADOR\n" +
		"3001234567;3109876543;2024-03-15 10:00:00;30;Movistar\n" +
		"3001234567;3109876543;2024-03-15 10:00;12.9;Movistar\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	res, err := ParseFile(path, Options{Fallback: normalize.DirOut})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "MOVISTAR", res.Records[0].Operator)
	assert.Equal(t, "OUT", res.Records[0].Direction)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), res.Records[1].CallTS)
	assert.EqualValues(t, 12, *res.Records[1].DurationSec)
	assert.Nil(t, res.Records[0].Raw)
}

func TestParseCSVBelowBanner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.csv")
	data := "INFORME DE LLAMADAS;;;;\n" +
		"ORIGINADOR;RECEPTOR;FECHA_HORA;DURACION;OPERADOR\n" +
		"3001234567;3109876543;2024-03-15 10:00:00;30;Claro\n" +
		";;;;\n" +
		"3001234567;;2024-03-15 11:00:00;5;Claro\n" +
		"3109876543;3001234567;2024-03-16 09:00:00;12;Claro\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	res, err := ParseFile(path, Options{SaveRaw: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Seen)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "3109876543", res.Records[1].ANumber)
	assert.Contains(t, string(res.Records[0].Raw), `"header_row":2`)
	assert.Contains(t, string(res.Records[1].Raw), `"row":6`)
}

func TestParseCSVWithoutHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.csv")
	require.NoError(t, os.WriteFile(path, []byte("numero;fecha;x;y\n1;2;3;4\n"), 0o644))

	_, err := ParseFile(path, Options{})
	require.Error(t, err)
	var ue *format.UnsupportedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, []string{"numero", "fecha", "x", "y"}, ue.Observed)
}

func TestParseTechBlocks(t *testing.T) {
	rows := [][]string{
		{"x", "DN_NUM ß IMSI ß IMEI"},
		{"573001112233 ß 732100000000001 ß 350000000000001"},
		{"DN_NUMßIMEI"},
		{"short"},
	}
	got := ParseTechBlocks(rows)
	assert.Equal(t, map[string]Tech{
		"3001112233": {IMSI: "732100000000001", IMEI: "350000000000001"},
	}, got)
}
