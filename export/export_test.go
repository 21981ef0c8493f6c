package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/jalad-shrimali/cdr-correlator/analysis"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/internal/logging"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

func ptr[T any](v T) *T { return &v }

func openWritten(t *testing.T, r *Report, loc *time.Location) *excelize.File {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf, loc))
	x, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func TestWorkbookSheets(t *testing.T) {
	first := time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)
	r := &Report{
		RunID:     7,
		Phone:     "3001112222",
		Objective: &analysis.Objective{Phone: "3001112222", Confidence: 1, Side: analysis.SideA},
		Summary:   &analysis.Summary{Phone: "3001112222", Calls: 2, Contacts: 2, First: &first},
		Calls: []model.CallRecord{
			{CallTS: first, Direction: "OUT", ANumber: "3001112222", BNumber: "3101000001", DurationSec: ptr(int64(5)), Operator: "CLARO", CellStart: "100"},
		},
		Contacts: []analysis.Contact{
			{Other: "3101000001", Calls: 3, TotalDuration: 10, First: first, Last: first},
			{Other: "3202000002", Calls: 1, TotalDuration: 90, First: first, Last: first},
		},
		Places: []analysis.Place{{Operator: "CLARO", CellKey: "100", Label: "BOGOTA", Hits: 4, Lat: ptr(4.6), Lon: ptr(-74.1)}},
	}
	x := openWritten(t, r, time.FixedZone("COT", -5*3600))

	assert.Equal(t, []string{"summary", "report", "max_calls", "max_duration", "max_stay", "hits"}, x.GetSheetList())

	rows, err := x.GetRows("summary")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"7", "3001112222", "2", "2", "2024-03-15 10:00:00", "", "1.00", "A"}, rows[1])

	rows, err = x.GetRows("report")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-03-15 10:00:00", rows[1][0])
	assert.Equal(t, "5", rows[1][4])

	rows, err = x.GetRows("max_duration")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "3202000002", rows[1][1])

	rows, err = x.GetRows("max_stay")
	require.NoError(t, err)
	assert.Equal(t, []string{"3001112222", "CLARO", "100", "BOGOTA", "4", "4.600000", "-74.100000"}, rows[1])

	rows, err = x.GetRows("hits")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func setupEngine(t *testing.T) (*store.Store, *analysis.Engine) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{
		Driver:       store.SQLite,
		DSN:          filepath.Join(t.TempDir(), "export.db"),
		MaxOpenConns: 1,
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s, analysis.New(s, analysis.DefaultOptions(), nil, nil)
}

func TestBuildUsesDetectedObjective(t *testing.T) {
	ctx := context.Background()
	s, eng := setupEngine(t)
	run, err := s.CreateRun(ctx, "export", "")
	require.NoError(t, err)

	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	_, err = s.InsertCalls(ctx, []model.CallRecord{
		{RunID: run.ID, CallTS: base, Direction: "OUT", ANumber: "3001112222", BNumber: "3101000001", Operator: "TIGO", CellStart: "7"},
		{RunID: run.ID, CallTS: base.Add(time.Hour), Direction: "IN", ANumber: "3202000002", BNumber: "3001112222", Operator: "TIGO", CellStart: "7"},
	})
	require.NoError(t, err)

	r, err := Build(ctx, eng, run.ID, analysis.Filter{}, "")
	require.NoError(t, err)
	assert.Equal(t, "3001112222", r.Phone)
	require.Len(t, r.Calls, 2)
	assert.True(t, r.Calls[0].CallTS.Before(r.Calls[1].CallTS))
	assert.Len(t, r.Contacts, 2)
	require.Len(t, r.Places, 1)
	assert.EqualValues(t, 2, r.Places[0].Hits)

	path := filepath.Join(t.TempDir(), "out.xlsx")
	require.NoError(t, r.Save(path, nil))
	x, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer x.Close()
	rows, err := x.GetRows("report")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestBuildEmptyRun(t *testing.T) {
	ctx := context.Background()
	s, eng := setupEngine(t)
	run, err := s.CreateRun(ctx, "empty", "")
	require.NoError(t, err)

	_, err = Build(ctx, eng, run.ID, analysis.Filter{}, "")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))
}
