package detection

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jalad-shrimali/cdr-correlator/format"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
)

func collect(out *[]model.Detection) Sink {
	return func(d model.Detection) error {
		*out = append(*out, d)
		return nil
	}
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestReadCSVFlatGPS(t *testing.T) {
	path := writeFile(t, "catcher.csv",
		"\ufeffdateTime;imsi;imei;ueLatitude;ueLongitude;gps_latitude;gps_longitude;relative_ue_distance;operator\n"+
			"2024-03-15 10:00:00;732101111111111;351111111111111;4.6;-74.1;4.7;-74.2;120;Claro\n"+
			"2024-03-15 10:01:00;;352222222222222;0;0;4.7;-74.2;;Tigo\n"+
			"garbage;732103333333333;;;;;;;\n"+
			"2024-03-15 10:02:00;732104444444444;;;;;;;\n")

	var got []model.Detection
	st, err := ReadCSV(context.Background(), path, Options{}, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, Stats{SourceType: format.SourceFlatGPS, Seen: 4, Skipped: 1}, st)
	require.Len(t, got, 3)

	first := got[0]
	assert.Equal(t, time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), first.TS)
	require.NotNil(t, first.IMSI)
	assert.Equal(t, "732101111111111", *first.IMSI)
	assert.InDelta(t, 4.6, *first.Lat, 1e-9)
	assert.Equal(t, "SRID=4326;POINT(-74.1 4.6)", first.Geom)
	assert.InDelta(t, 120, *first.DistanceM, 1e-9)
	assert.Equal(t, "Claro", first.Operator)
	assert.Equal(t, "1", first.SourceRow)
	assert.Equal(t, "catcher.csv", first.SourceFile)

	// 0,0 UE fix falls back to GPS, missing IMSI stays NULL
	second := got[1]
	assert.Nil(t, second.IMSI)
	assert.InDelta(t, 4.7, *second.Lat, 1e-9)
	assert.Nil(t, second.DistanceM)

	third := got[2]
	assert.Equal(t, "4", third.SourceRow)
	assert.Nil(t, third.Lat)
	assert.Empty(t, third.Geom)
}

func TestReadCSVTimeLatLon(t *testing.T) {
	path := writeFile(t, "scan.csv",
		"Time,IMSI,IMEI,Latitude,Longitude,Distancia\n"+
			"15/03/2024 05:00 PM,732101111111111,,\"4,5\",-74,30\n")

	bogota := time.FixedZone("COT", -5*3600)
	var got []model.Detection
	st, err := ReadCSV(context.Background(), path, Options{Location: bogota, SaveRaw: true}, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, format.SourceTimeLatLn, st.SourceType)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2024, 3, 15, 22, 0, 0, 0, time.UTC), got[0].TS)
	assert.InDelta(t, 4.5, *got[0].Lat, 1e-9)
	assert.InDelta(t, -74, *got[0].Lon, 1e-9)
	assert.Equal(t, format.SourceTimeLatLn, got[0].SourceType)
	assert.Contains(t, string(got[0].Raw), `"imsi":"732101111111111"`)
}

func TestReadCSVUnsupported(t *testing.T) {
	path := writeFile(t, "other.csv", "a,b,c,d\n1,2,3,4\n")
	_, err := ReadCSV(context.Background(), path, Options{}, collect(new([]model.Detection)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, format.ErrUnsupported))
}

func TestReadCSVStopsOnSinkError(t *testing.T) {
	path := writeFile(t, "catcher.csv",
		"datetime,imsi,gps_latitude,gps_longitude\n"+
			"2024-03-15 10:00:00,1,4.6,-74.1\n"+
			"2024-03-15 10:01:00,2,4.6,-74.1\n")
	boom := errors.NewStd("boom")
	calls := 0
	_, err := ReadCSV(context.Background(), path, Options{}, func(model.Detection) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func buildDB(t *testing.T, name string, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return path
}

func TestReadDatabaseFlatTable(t *testing.T) {
	path := buildDB(t, "capture.db",
		`CREATE TABLE idcatcher (_id INTEGER PRIMARY KEY, dateTime TEXT, imsi TEXT, imei TEXT,
			ueLatitude REAL, ueLongitude REAL, gps_latitude REAL, gps_longitude REAL,
			relative_ue_distance REAL, operator TEXT)`,
		`INSERT INTO idcatcher VALUES (10, '2024-03-15 10:00:00', '732101111111111', '351', 4.6, -74.1, NULL, NULL, 50, 'Claro')`,
		`INSERT INTO idcatcher VALUES (11, '2024-03-15 10:01:00', '', '352', NULL, NULL, 4.7, -74.2, NULL, NULL)`,
		`INSERT INTO idcatcher VALUES (12, NULL, '732103333333333', '', NULL, NULL, NULL, NULL, NULL, NULL)`,
		`INSERT INTO idcatcher VALUES (13, '2024-03-15 10:03:00', '732104444444444', '', NULL, NULL, NULL, NULL, NULL, 'Tigo')`,
	)

	var got []model.Detection
	st, err := ReadDatabase(context.Background(), path, Options{PageSize: 2, SaveRaw: true}, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, Stats{SourceType: format.SourceFlatGPS, Seen: 4, Skipped: 1}, st)
	require.Len(t, got, 3)

	assert.Equal(t, "10", got[0].SourceRow)
	assert.InDelta(t, 50, *got[0].DistanceM, 1e-9)
	assert.Contains(t, string(got[0].Raw), `"operator":"Claro"`)
	assert.Nil(t, got[1].IMSI)
	assert.InDelta(t, -74.2, *got[1].Lon, 1e-9)
	assert.Equal(t, "13", got[2].SourceRow)
	assert.Equal(t, "Tigo", got[2].Operator)
	for _, d := range got {
		assert.Equal(t, format.SourceFlatGPS, d.SourceType)
		assert.Equal(t, "capture.db", d.SourceFile)
	}
}

func TestReadDatabaseViews(t *testing.T) {
	path := buildDB(t, "capture.db3",
		`CREATE TABLE lte (Time INTEGER, IMSI TEXT, IMEI TEXT, Latitude REAL, Longitude REAL, "Estimated Range (m)" REAL, Provider TEXT)`,
		`INSERT INTO lte VALUES (1710496800, '732101111111111', '351', 4.6, -74.1, 300, 'Claro')`,
		`INSERT INTO lte VALUES (1710496860, '732102222222222', '352', NULL, -74.1, NULL, 'Claro')`,
		`CREATE VIEW DBViewer_LTE_InterrogationResultsView AS SELECT * FROM lte`,
		`CREATE TABLE gsm ("Time (UTC)" TEXT, IMSI TEXT, IMEI TEXT, Latitude REAL, Longitude REAL, Provider TEXT)`,
		`INSERT INTO gsm VALUES ('2024-03-15 10:05:00', '732103333333333', '', 4.8, -74.3, 'Tigo')`,
		`CREATE VIEW DBViewer_GSM_InterrogationResultsView AS SELECT * FROM gsm`,
	)

	var got []model.Detection
	st, err := ReadDatabase(context.Background(), path, Options{}, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, Stats{SourceType: format.SourceViews, Seen: 3, Skipped: 1}, st)
	require.Len(t, got, 2)

	assert.Equal(t, "DBViewer_LTE_InterrogationResultsView:1", got[0].SourceRow)
	assert.Equal(t, time.Unix(1710496800, 0).UTC(), got[0].TS)
	assert.InDelta(t, 300, *got[0].DistanceM, 1e-9)
	assert.Equal(t, "Claro", got[0].Operator)

	assert.Equal(t, "DBViewer_GSM_InterrogationResultsView:1", got[1].SourceRow)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 5, 0, 0, time.UTC), got[1].TS)
	assert.Nil(t, got[1].DistanceM)
	for _, d := range got {
		assert.Equal(t, format.SourceViews, d.SourceType)
	}
}

func TestReadDatabaseUnknownTables(t *testing.T) {
	path := buildDB(t, "other.db", `CREATE TABLE foo (x INTEGER)`)
	_, err := ReadFile(context.Background(), path, Options{}, collect(new([]model.Detection)))
	require.Error(t, err)

	var ue *format.UnsupportedError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "tables", ue.Kind)
	assert.Equal(t, []string{"foo"}, ue.Observed)
}

func TestParseTimeShapes(t *testing.T) {
	cot := time.FixedZone("COT", -5*3600)
	cases := []struct {
		in   any
		want time.Time
		ok   bool
	}{
		{"2024-03-15 10:00:00", time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC), true},
		{"2024-03-15T10:00:00Z", time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), true},
		{int64(1710496800), time.Unix(1710496800, 0).UTC(), true},
		{"1710496800000", time.UnixMilli(1710496800000).UTC(), true},
		{45366.5, time.Date(2024, 3, 15, 17, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 15, 10, 0, 0, 0, time.FixedZone("CET", 3600)), time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC), true},
		{time.Time{}, time.Time{}, false},
		{"", time.Time{}, false},
		{nil, time.Time{}, false},
	}
	for _, c := range cases {
		got, ok := parseTime(c.in, cot)
		assert.Equal(t, c.ok, ok, "%v", c.in)
		if c.ok {
			assert.Equal(t, c.want, got, "%v", c.in)
		}
	}
}
