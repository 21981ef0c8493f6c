package analysis

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/internal/logging"
	"github.com/jalad-shrimali/cdr-correlator/internal/metrics"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

const (
	phoneT = "3001112222"
	phoneU = "3005556666"
	phoneA = "3101000001"
	phoneB = "3202000002"
	phoneC = "3303000003"
)

var cot = time.FixedZone("COT", -5*3600)

func ptr[T any](v T) *T { return &v }

func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, time.UTC)
}

type fixture struct {
	store *store.Store
	run   uint
	reg   *prometheus.Registry
	eng   *Engine
}

// setupFixture loads two targets' calls into one run: T in group 1 and U
// in group 2, plus a registry row for cell 100.
func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{
		Driver:       store.SQLite,
		DSN:          filepath.Join(t.TempDir(), "analysis.db"),
		MaxOpenConns: 1,
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	run, err := s.CreateRun(ctx, "fixture", "tester")
	require.NoError(t, err)

	call := func(ts time.Time, dir, a, b string, dur int64, start, end, group string) model.CallRecord {
		return model.CallRecord{
			RunID:       run.ID,
			CallTS:      ts,
			Direction:   dir,
			ANumber:     a,
			BNumber:     b,
			DurationSec: ptr(dur),
			Operator:    "CLARO",
			CellStart:   start,
			CellEnd:     end,
			GroupTag:    group,
		}
	}
	r2 := call(at(15, 11, 0), "IN", phoneA, phoneT, 10, "100", "200", "1")
	r2.CellNameEnd = "SITE 200"
	calls := []model.CallRecord{
		call(at(15, 10, 0), "OUT", phoneT, phoneA, 30, "100", "100", "1"),
		r2,
		call(at(15, 12, 0), "OUT", phoneT, phoneB, 5, "200", "", "1"),
		call(at(16, 3, 30), "OUT", phoneT, phoneA, 20, "300", "300", "1"),
		call(at(15, 10, 30), "OUT", phoneU, phoneA, 60, "100", "", "2"),
		call(at(15, 14, 0), "OUT", phoneU, phoneC, 1, "200", "200", "2"),
		call(at(15, 12, 0), "OUT", phoneU, phoneT, 7, "200", "", "2"),
	}
	n, err := s.InsertCalls(ctx, calls)
	require.NoError(t, err)
	require.Equal(t, len(calls), n)

	_, _, err = s.UpsertAntennas(ctx, []model.Antenna{{
		Operator:     "CLARO",
		CellID:       "100",
		CellName:     "C100",
		Municipality: "BOGOTA",
		Lat:          ptr(4.6),
		Lon:          ptr(-74.1),
		IsActive:     true,
	}})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	opt := DefaultOptions()
	opt.Location = cot
	return &fixture{store: s, run: run.ID, reg: reg, eng: New(s, opt, nil, m)}
}

func queryCount(t *testing.T, reg *prometheus.Registry, query, status string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "cdr_query_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["query"] == query && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestDetectObjective(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		filter     Filter
		phone      string
		hits       int64
		total      int64
		confidence float64
		side       string
	}{
		{"whole run", Filter{}, phoneT, 5, 7, 5.0 / 7.0, SideA},
		{"group one", Filter{Group: "1"}, phoneT, 4, 4, 1, SideA},
		{"incoming only", Filter{Direction: "IN"}, phoneT, 1, 1, 1, SideB},
		{"tie goes to lowest number", Filter{Group: "2", From: ptr(at(15, 14, 0)), To: ptr(at(15, 14, 0))}, phoneU, 1, 1, 1, SideA},
		{"hour window", Filter{HourFrom: ptr(5), HourTo: ptr(6)}, phoneA, 3, 3, 1, SideB},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := fx.eng.DetectObjective(ctx, fx.run, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.phone, obj.Phone)
			assert.Equal(t, tt.hits, obj.Hits)
			assert.Equal(t, tt.total, obj.Total)
			assert.InDelta(t, tt.confidence, obj.Confidence, 1e-9)
			assert.Equal(t, tt.side, obj.Side)
		})
	}
	assert.InDelta(t, float64(len(tests)), queryCount(t, fx.reg, "objective", "success"), 1e-9)
}

func TestDetectObjectiveEmptyScope(t *testing.T) {
	fx := setupFixture(t)
	obj, err := fx.eng.DetectObjective(context.Background(), fx.run, Filter{Group: "9"})
	require.NoError(t, err)
	assert.Empty(t, obj.Phone)
	assert.Zero(t, obj.Total)
	assert.Zero(t, obj.Confidence)
}

func TestQueriesRejectBadInput(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()

	_, err := fx.eng.DetectObjective(ctx, 99, Filter{})
	assert.True(t, errors.IsCategory(err, errors.CategoryNotFound))

	_, err = fx.eng.DetectObjective(ctx, fx.run, Filter{Direction: "SIDEWAYS"})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = fx.eng.DetectObjective(ctx, fx.run, Filter{HourFrom: ptr(25), HourTo: ptr(2)})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = fx.eng.TopContacts(ctx, fx.run, Filter{}, "  ", 10)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = fx.eng.Coincidences(ctx, fx.run, Target{Phone: phoneT}, Target{}, time.Hour, 10)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	assert.InDelta(t, 1, queryCount(t, fx.reg, "coincidences", "error"), 1e-9)
}

func TestSummary(t *testing.T) {
	fx := setupFixture(t)
	sum, err := fx.eng.Summary(context.Background(), fx.run, Filter{}, "+57 300 111 2222")
	require.NoError(t, err)
	assert.Equal(t, phoneT, sum.Phone)
	assert.EqualValues(t, 5, sum.Calls)
	assert.Equal(t, 3, sum.Contacts)
	require.NotNil(t, sum.First)
	require.NotNil(t, sum.Last)
	assert.True(t, sum.First.Equal(at(15, 10, 0)))
	assert.True(t, sum.Last.Equal(at(16, 3, 30)))
}

func TestTopContacts(t *testing.T) {
	fx := setupFixture(t)
	rows, err := fx.eng.TopContacts(context.Background(), fx.run, Filter{}, phoneT, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, phoneA, rows[0].Other)
	assert.EqualValues(t, 3, rows[0].Calls)
	assert.EqualValues(t, 60, rows[0].TotalDuration)
	assert.True(t, rows[0].First.Equal(at(15, 10, 0)))
	assert.True(t, rows[0].Last.Equal(at(16, 3, 30)))
	// equal counts fall back to number order
	assert.Equal(t, phoneU, rows[1].Other)
	assert.Equal(t, phoneB, rows[2].Other)

	top, err := fx.eng.TopContacts(context.Background(), fx.run, Filter{}, phoneT, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}

func TestContactDetail(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()
	rows, err := fx.eng.ContactDetail(ctx, fx.run, Filter{}, phoneT, phoneA, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].CallTS.Equal(at(15, 10, 0)))
	assert.True(t, rows[2].CallTS.Equal(at(16, 3, 30)))

	rows, err = fx.eng.ContactDetail(ctx, fx.run, Filter{}, phoneT, phoneA, 1, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, phoneA, rows[0].ANumber)
}

func TestTopPlacesCountsBothCells(t *testing.T) {
	fx := setupFixture(t)
	rows, err := fx.eng.TopPlaces(context.Background(), fx.run, Filter{Group: "1"}, "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "100", rows[0].CellKey)
	assert.EqualValues(t, 3, rows[0].Hits)
	assert.Equal(t, "BOGOTA", rows[0].Label)
	require.NotNil(t, rows[0].Lat)
	assert.InDelta(t, 4.6, *rows[0].Lat, 1e-9)

	assert.Equal(t, "200", rows[1].CellKey)
	assert.EqualValues(t, 2, rows[1].Hits)
	assert.Equal(t, "SITE 200", rows[1].Label)
	assert.Nil(t, rows[1].Lat)

	assert.Equal(t, "300", rows[2].CellKey)
	assert.EqualValues(t, 2, rows[2].Hits)
}

func TestPlaceDetail(t *testing.T) {
	fx := setupFixture(t)
	rows, err := fx.eng.PlaceDetail(context.Background(), fx.run, Filter{Group: "1"}, phoneT, "2-00", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, SideEnd, rows[0].Side)
	assert.True(t, rows[0].CallTS.Equal(at(15, 11, 0)))
	assert.Equal(t, SideStart, rows[1].Side)
}

func TestCoincidences(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()
	a := Target{Phone: phoneT, Filter: Filter{Group: "1"}}
	b := Target{Phone: phoneU, Filter: Filter{Group: "2"}}

	rows, err := fx.eng.Coincidences(ctx, fx.run, a, b, time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, "200", rows[0].CellKey)
	assert.Zero(t, rows[0].DeltaSec)

	assert.Equal(t, "100", rows[1].CellKey)
	assert.EqualValues(t, 1800, rows[1].DeltaSec)
	assert.True(t, rows[1].TSA.Equal(at(15, 10, 0)))
	assert.Equal(t, "BOGOTA", rows[1].Label)
	require.NotNil(t, rows[1].Lon)
	assert.InDelta(t, -74.1, *rows[1].Lon, 1e-9)

	assert.EqualValues(t, 1800, rows[2].DeltaSec)
	assert.True(t, rows[2].TSA.Equal(at(15, 11, 0)))

	assert.Equal(t, "200", rows[3].CellKey)
	assert.EqualValues(t, 3600, rows[3].DeltaSec)

	exact, err := fx.eng.Coincidences(ctx, fx.run, a, b, 0, 0)
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.True(t, exact[0].TSA.Equal(exact[0].TSB))
}

func TestMatchVisitsZeroWindow(t *testing.T) {
	ref := store.CellRef{Operator: "TIGO", Key: "9"}
	va := []visit{{ref: ref, ts: at(1, 10, 0)}, {ref: ref, ts: at(1, 11, 0)}}
	vb := []visit{{ref: ref, ts: at(1, 10, 0)}, {ref: ref, ts: at(1, 10, 1)}}
	got := matchVisits(va, vb, 0)
	require.Len(t, got, 1)
	assert.True(t, got[0].TSA.Equal(at(1, 10, 0)))

	other := []visit{{ref: store.CellRef{Operator: "CLARO", Key: "9"}, ts: at(1, 10, 0)}}
	assert.Empty(t, matchVisits(va, other, time.Hour))
}

func TestCommonContactsAndPlaces(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()

	contacts, err := fx.eng.CommonContacts(ctx, fx.run, Target{Phone: phoneT}, Target{Phone: phoneU}, 0)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, CommonContact{Other: phoneA, CallsA: 3, CallsB: 1, Total: 4}, contacts[0])

	a := Target{Phone: phoneT, Filter: Filter{Group: "1"}}
	b := Target{Phone: phoneU, Filter: Filter{Group: "2"}}
	places, err := fx.eng.CommonPlaces(ctx, fx.run, a, b, 0)
	require.NoError(t, err)
	require.Len(t, places, 2)
	assert.Equal(t, "200", places[0].CellKey)
	assert.EqualValues(t, 2, places[0].HitsA)
	assert.EqualValues(t, 3, places[0].HitsB)
	assert.EqualValues(t, 5, places[0].Total)
	assert.Equal(t, "100", places[1].CellKey)
	assert.EqualValues(t, 4, places[1].Total)
	assert.Equal(t, "BOGOTA", places[1].Label)
	assert.NotNil(t, places[1].Lat)
}

func TestCommonContactsHourWindow(t *testing.T) {
	fx := setupFixture(t)

	a := Target{Phone: phoneT, Filter: Filter{HourFrom: ptr(5), HourTo: ptr(6)}}
	contacts, err := fx.eng.CommonContacts(context.Background(), fx.run, a, Target{Phone: phoneU}, 0)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, CommonContact{Other: phoneA, CallsA: 2, CallsB: 1, Total: 3}, contacts[0])
}

func TestGraph(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()

	g, err := fx.eng.Graph(ctx, fx.run, Filter{}, GraphParams{})
	require.NoError(t, err)
	assert.Len(t, g.Edges, 6)
	assert.Len(t, g.Nodes, 5)
	assert.False(t, g.Truncated)
	assert.Equal(t, Edge{
		From: phoneT, To: phoneA, Calls: 2, TotalDuration: 50,
		First: g.Edges[0].First, Last: g.Edges[0].Last,
	}, g.Edges[0])
	assert.True(t, g.Edges[0].First.Equal(at(15, 10, 0)))

	g, err = fx.eng.Graph(ctx, fx.run, Filter{}, GraphParams{MinCalls: 2})
	require.NoError(t, err)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, []Node{
		{ID: phoneT, Calls: 2, Out: 2},
		{ID: phoneA, Calls: 2, In: 2},
	}, g.Nodes)

	g, err = fx.eng.Graph(ctx, fx.run, Filter{}, GraphParams{MaxNodes: 3})
	require.NoError(t, err)
	assert.True(t, g.Truncated)
	require.Len(t, g.Edges, 3)
	assert.Equal(t, phoneB, g.Edges[1].To)
	assert.Equal(t, phoneA, g.Edges[2].From)
	assert.Equal(t, []Node{
		{ID: phoneT, Calls: 4, Out: 3, In: 1},
		{ID: phoneA, Calls: 3, Out: 1, In: 2},
		{ID: phoneB, Calls: 1, In: 1},
	}, g.Nodes)

	g, err = fx.eng.Graph(ctx, fx.run, Filter{}, GraphParams{MaxEdges: 2})
	require.NoError(t, err)
	assert.True(t, g.Truncated)
	assert.Len(t, g.Edges, 2)
}

func TestTimelineWrapsHourWindow(t *testing.T) {
	fx := setupFixture(t)
	// 22:00 to 06:59 local time
	f := Filter{Group: "1", HourFrom: ptr(22), HourTo: ptr(6)}
	rows, err := fx.eng.Timeline(context.Background(), fx.run, f, "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].CallTS.Equal(at(16, 3, 30)))
	assert.True(t, rows[1].CallTS.Equal(at(15, 11, 0)))
	assert.True(t, rows[2].CallTS.Equal(at(15, 10, 0)))

	rows, err = fx.eng.Timeline(context.Background(), fx.run, f, "", 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestTimeSeriesBucketsInLocalTime(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()

	days, err := fx.eng.TimeSeries(ctx, fx.run, Filter{}, phoneT, BucketDay)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.True(t, days[0].Start.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, cot)))
	assert.EqualValues(t, 5, days[0].Calls)

	hours, err := fx.eng.TimeSeries(ctx, fx.run, Filter{}, phoneT, BucketHour)
	require.NoError(t, err)
	require.Len(t, hours, 4)
	assert.Equal(t, []int64{1, 1, 2, 1}, []int64{hours[0].Calls, hours[1].Calls, hours[2].Calls, hours[3].Calls})
	assert.Equal(t, 22, hours[3].Start.Hour())
}

func TestHits(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.store.AddObjective(ctx, &model.Objective{Label: "second target", Phone: phoneU}))
	n, err := fx.store.RefreshHits(ctx, fx.run)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	hits, err := fx.eng.Hits(ctx, fx.run, 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		assert.Equal(t, "second target", h.Label)
		assert.Equal(t, model.MatchTelA, h.MatchType)
		assert.Equal(t, phoneU, h.ANumber)
	}
}

func TestDetectionsNear(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()
	det := func(row string, lat, lon *float64) model.Detection {
		return model.Detection{
			TS: at(15, 10, 0), IMSI: ptr("73210" + row), Lat: lat, Lon: lon,
			SourceType: 2, SourceFile: "scan.csv", SourceRow: row,
		}
	}
	_, err := fx.store.InsertDetections(ctx, []model.Detection{
		det("1", ptr(4.6), ptr(-74.1)),
		det("2", ptr(4.601), ptr(-74.1)),
		det("3", ptr(4.7), ptr(-74.1)),
		det("4", nil, nil),
	})
	require.NoError(t, err)

	near, err := fx.eng.DetectionsNear(ctx, NearQuery{Lat: 4.6, Lon: -74.1, RadiusM: 500})
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "1", near[0].SourceRow)
	assert.InDelta(t, 0, near[0].DistM, 1e-6)
	assert.Equal(t, "2", near[1].SourceRow)
	assert.InDelta(t, 111, near[1].DistM, 1)

	_, err = fx.eng.DetectionsNear(ctx, NearQuery{Lat: 4.6, Lon: -74.1})
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestDetectionsNearAntimeridian(t *testing.T) {
	fx := setupFixture(t)
	ctx := context.Background()
	_, err := fx.store.InsertDetections(ctx, []model.Detection{
		{TS: at(15, 10, 0), IMSI: ptr("732101"), Lat: ptr(0.0), Lon: ptr(-179.999), SourceType: 2, SourceFile: "fiji.csv", SourceRow: "1"},
		{TS: at(15, 10, 0), IMSI: ptr("732102"), Lat: ptr(0.0), Lon: ptr(179.0), SourceType: 2, SourceFile: "fiji.csv", SourceRow: "2"},
		{TS: at(15, 10, 0), IMSI: ptr("732103"), Lat: ptr(89.999), Lon: ptr(100.0), SourceType: 2, SourceFile: "pole.csv", SourceRow: "1"},
	})
	require.NoError(t, err)

	near, err := fx.eng.DetectionsNear(ctx, NearQuery{Lat: 0, Lon: 179.999, RadiusM: 1000})
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "fiji.csv", near[0].SourceFile)
	assert.Equal(t, "1", near[0].SourceRow)
	assert.InDelta(t, 222, near[0].DistM, 1)

	near, err = fx.eng.DetectionsNear(ctx, NearQuery{Lat: 89.999, Lon: -80, RadiusM: 1000})
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "pole.csv", near[0].SourceFile)
}

func TestHaversine(t *testing.T) {
	// one degree of latitude
	assert.InDelta(t, 111195, Haversine(0, 0, 1, 0), 1)
	assert.Zero(t, Haversine(4.6, -74.1, 4.6, -74.1))
}

func TestFilterHourWindow(t *testing.T) {
	f := Filter{HourFrom: ptr(22), HourTo: ptr(2)}
	assert.True(t, f.inHours(time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC), time.UTC))
	assert.True(t, f.inHours(time.Date(2024, 1, 1, 2, 59, 0, 0, time.UTC), time.UTC))
	assert.False(t, f.inHours(time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), time.UTC))
	assert.True(t, Filter{HourFrom: ptr(22)}.inHours(time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), time.UTC))
}
