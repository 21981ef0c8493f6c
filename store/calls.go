package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jalad-shrimali/cdr-correlator/model"
)

// InsertCalls writes call records, silently skipping rows that collide
// with the dedupe index. It returns how many rows were actually inserted.
func (s *Store) InsertCalls(ctx context.Context, recs []model.CallRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&recs, stmtRows)
	if res.Error != nil {
		return 0, dbError("insert calls", res.Error)
	}
	return int(res.RowsAffected), nil
}

// CallQuery narrows the call records of one run. Zero values do not
// filter.
type CallQuery struct {
	RunID     uint
	From, To  *time.Time
	Direction string // IN, OUT; BOTH or empty for either
	Group     string
	Phone     string // on either side
	Other     string // the other party, with Phone
	CellKey   string // start or end cell
	Desc      bool
	Limit     int
	Offset    int
}

func (s *Store) callScope(ctx context.Context, q CallQuery) *gorm.DB {
	tx := s.db.WithContext(ctx).Model(&model.CallRecord{}).Where("run_id = ?", q.RunID)
	if q.From != nil {
		tx = tx.Where("call_ts >= ?", q.From.UTC())
	}
	if q.To != nil {
		tx = tx.Where("call_ts <= ?", q.To.UTC())
	}
	switch q.Direction {
	case "IN", "OUT":
		tx = tx.Where("direction = ?", q.Direction)
	}
	if q.Group != "" {
		tx = tx.Where("group_tag = ?", q.Group)
	}
	switch {
	case q.Phone != "" && q.Other != "":
		tx = tx.Where("((a_number = ? AND b_number = ?) OR (a_number = ? AND b_number = ?))", q.Phone, q.Other, q.Other, q.Phone)
	case q.Phone != "":
		tx = tx.Where("(a_number = ? OR b_number = ?)", q.Phone, q.Phone)
	}
	if q.CellKey != "" {
		tx = tx.Where("(cell_start = ? OR cell_end = ?)", q.CellKey, q.CellKey)
	}
	return tx
}

// Calls returns the records matching q ordered by timestamp.
func (s *Store) Calls(ctx context.Context, q CallQuery) ([]model.CallRecord, error) {
	tx := s.callScope(ctx, q).Omit("raw")
	if q.Desc {
		tx = tx.Order("call_ts DESC").Order("id DESC")
	} else {
		tx = tx.Order("call_ts").Order("id")
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}
	var out []model.CallRecord
	if err := tx.Find(&out).Error; err != nil {
		return nil, dbError("select calls", err)
	}
	return out, nil
}

// CountCalls counts the records matching q, ignoring paging.
func (s *Store) CountCalls(ctx context.Context, q CallQuery) (int64, error) {
	var n int64
	if err := s.callScope(ctx, q).Count(&n).Error; err != nil {
		return 0, dbError("count calls", err)
	}
	return n, nil
}

// Sides of a call record, as reported by PhoneCounts.
const (
	SideA = "A"
	SideB = "B"
)

// PhoneCount is how many matching records carry Phone on one side.
type PhoneCount struct {
	Phone string
	Side  string
	Calls int64
}

// PhoneCounts groups the records matching q by A number and by B number.
// A record whose B number repeats its A number counts once, on side A.
func (s *Store) PhoneCounts(ctx context.Context, q CallQuery) ([]PhoneCount, error) {
	var a, b []PhoneCount
	if err := s.callScope(ctx, q).
		Select("a_number AS phone, COUNT(*) AS calls").
		Where("a_number <> ''").
		Group("a_number").
		Scan(&a).Error; err != nil {
		return nil, dbError("count a numbers", err)
	}
	if err := s.callScope(ctx, q).
		Select("b_number AS phone, COUNT(*) AS calls").
		Where("b_number <> '' AND b_number <> a_number").
		Group("b_number").
		Scan(&b).Error; err != nil {
		return nil, dbError("count b numbers", err)
	}
	for i := range a {
		a[i].Side = SideA
	}
	for i := range b {
		b[i].Side = SideB
	}
	return append(a, b...), nil
}

// ContactCount is how many matching records q.Phone shared with Other.
type ContactCount struct {
	Other string
	Calls int64
}

// ContactCounts groups the records of q.Phone by counterpart. Records of
// the number with itself are ignored.
func (s *Store) ContactCounts(ctx context.Context, q CallQuery) ([]ContactCount, error) {
	if q.Phone == "" {
		return nil, nil
	}
	q.Other = ""
	var out []ContactCount
	if err := s.callScope(ctx, q).
		Select("CASE WHEN a_number = ? THEN b_number ELSE a_number END AS other, COUNT(*) AS calls", q.Phone).
		Where("a_number <> '' AND b_number <> '' AND a_number <> b_number").
		Group("other").
		Scan(&out).Error; err != nil {
		return nil, dbError("count contacts", err)
	}
	return out, nil
}
