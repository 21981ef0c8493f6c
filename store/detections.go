package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
)

// InsertDetections appends detections, skipping rows that collide with
// either detection unique index.
func (s *Store) InsertDetections(ctx context.Context, rows []model.Detection) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, stmtRows)
	if res.Error != nil {
		return 0, dbError("insert detections", res.Error)
	}
	return int(res.RowsAffected), nil
}

// EnsurePartition asks the database to create the monthly detections
// partition holding ts. Only Postgres deployments partition; elsewhere this
// is a no-op, as it is when no function is configured.
func (s *Store) EnsurePartition(ctx context.Context, ts time.Time) error {
	if s.partitionFn == "" || s.Dialect() != Postgres {
		return nil
	}
	ts = ts.UTC()
	sql := fmt.Sprintf("SELECT %s(?, ?)", s.partitionFn)
	if err := s.db.WithContext(ctx).Exec(sql, ts.Year(), int(ts.Month())).Error; err != nil {
		return errors.New(fmt.Errorf("ensure partition %04d-%02d: %w", ts.Year(), ts.Month(), err)).
			Component("store").
			Category(errors.CategoryPartition).
			Context("function", s.partitionFn).
			Build()
	}
	return nil
}

// DetectionQuery filters detections. Box bounds are inclusive and only
// applied when set.
type DetectionQuery struct {
	From, To       *time.Time
	IMSI, IMEI     string
	MinLat, MaxLat *float64
	MinLon, MaxLon *float64
	Limit          int
}

// Detections returns matching detections ordered by timestamp.
func (s *Store) Detections(ctx context.Context, q DetectionQuery) ([]model.Detection, error) {
	tx := s.db.WithContext(ctx).Model(&model.Detection{}).Omit("raw")
	if q.From != nil {
		tx = tx.Where("ts >= ?", q.From.UTC())
	}
	if q.To != nil {
		tx = tx.Where("ts <= ?", q.To.UTC())
	}
	if q.IMSI != "" {
		tx = tx.Where("imsi = ?", q.IMSI)
	}
	if q.IMEI != "" {
		tx = tx.Where("imei = ?", q.IMEI)
	}
	if q.MinLat != nil && q.MaxLat != nil {
		tx = tx.Where("lat BETWEEN ? AND ?", *q.MinLat, *q.MaxLat)
	}
	if q.MinLon != nil && q.MaxLon != nil {
		tx = tx.Where("lon BETWEEN ? AND ?", *q.MinLon, *q.MaxLon)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var out []model.Detection
	if err := tx.Order("ts").Order("id").Find(&out).Error; err != nil {
		return nil, dbError("select detections", err)
	}
	return out, nil
}
