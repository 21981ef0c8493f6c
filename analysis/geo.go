package analysis

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
	"github.com/jalad-shrimali/cdr-correlator/store"
)

const earthRadiusM = 6371008.8

// NearQuery selects detections within RadiusM meters of a point.
type NearQuery struct {
	Lat, Lon float64
	RadiusM  float64
	From, To *time.Time
	IMSI     string
	IMEI     string
	Limit    int
}

// Near is a detection and its distance to the query point.
type Near struct {
	model.Detection
	DistM float64 `json:"dist_m"`
}

// DetectionsNear prefilters detections with a bounding box in the store
// and keeps those within the great-circle radius, nearest first. The box
// drops its longitude band when the circle crosses the antimeridian or
// reaches a pole.
func (e *Engine) DetectionsNear(ctx context.Context, q NearQuery) (_ []Near, err error) {
	defer e.track("detections_near")(&err)

	if !normalize.ValidLatLon(&q.Lat, &q.Lon) {
		return nil, invalid("invalid point %g,%g", q.Lat, q.Lon)
	}
	if q.RadiusM <= 0 {
		return nil, invalid("radius must be positive")
	}
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, invalid("time range ends before it starts")
	}

	rad := math.Pi / 180
	ang := q.RadiusM / earthRadiusM
	minLat, maxLat := q.Lat-ang/rad, q.Lat+ang/rad
	dq := store.DetectionQuery{
		From:   q.From,
		To:     q.To,
		IMSI:   q.IMSI,
		IMEI:   q.IMEI,
		MinLat: &minLat,
		MaxLat: &maxLat,
	}
	if minLat > -90 && maxLat < 90 {
		if x := math.Sin(ang) / math.Cos(q.Lat*rad); x < 1 {
			dLon := math.Asin(x) / rad
			minLon, maxLon := q.Lon-dLon, q.Lon+dLon
			if minLon >= -180 && maxLon <= 180 {
				dq.MinLon, dq.MaxLon = &minLon, &maxLon
			}
		}
	}
	rows, err := e.src.Detections(ctx, dq)
	if err != nil {
		return nil, err
	}

	out := make([]Near, 0)
	for _, d := range rows {
		if d.Lat == nil || d.Lon == nil {
			continue
		}
		dist := Haversine(q.Lat, q.Lon, *d.Lat, *d.Lon)
		if dist <= q.RadiusM {
			out = append(out, Near{Detection: d, DistM: dist})
		}
	}
	slices.SortStableFunc(out, func(a, b Near) int { return cmp.Compare(a.DistM, b.DistM) })
	return page(out, 0, e.limit(q.Limit)), nil
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(min(1, a)))
}
