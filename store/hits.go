package store

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// AddObjective stores a watchlist entry. The phone is normalized; at least
// one identifier is required.
func (s *Store) AddObjective(ctx context.Context, o *model.Objective) error {
	o.Phone = normalize.Phone(o.Phone)
	o.IMSI = strings.TrimSpace(o.IMSI)
	o.IMEI = strings.TrimSpace(o.IMEI)
	if o.Phone == "" && o.IMSI == "" && o.IMEI == "" {
		return errors.Newf("objective needs a phone, IMSI or IMEI").
			Component("store").
			Category(errors.CategoryValidation).
			Build()
	}
	return dbError("add objective", s.db.WithContext(ctx).Create(o).Error)
}

// Objectives lists the watchlist.
func (s *Store) Objectives(ctx context.Context) ([]model.Objective, error) {
	var out []model.Objective
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, dbError("list objectives", err)
	}
	return out, nil
}

// RefreshHits recomputes the watchlist hits of a run: previous hits are
// dropped and every call whose A or B number, IMSI or IMEI equals an
// objective's identifier produces one hit per match type.
func (s *Store) RefreshHits(ctx context.Context, runID uint) (int64, error) {
	objectives, err := s.Objectives(ctx)
	if err != nil {
		return 0, err
	}
	phones := make(map[string][]uint)
	imsis := make(map[string][]uint)
	imeis := make(map[string][]uint)
	for _, o := range objectives {
		if o.Phone != "" {
			phones[o.Phone] = append(phones[o.Phone], o.ID)
		}
		if o.IMSI != "" {
			imsis[o.IMSI] = append(imsis[o.IMSI], o.ID)
		}
		if o.IMEI != "" {
			imeis[o.IMEI] = append(imeis[o.IMEI], o.ID)
		}
	}

	var total int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&model.PrioritizedHit{}).Error; err != nil {
			return err
		}
		if len(objectives) == 0 {
			return nil
		}
		var batch []model.CallRecord
		return tx.Model(&model.CallRecord{}).
			Select("id", "a_number", "b_number", "imsi", "imei").
			Where("run_id = ?", runID).
			FindInBatches(&batch, 2000, func(_ *gorm.DB, _ int) error {
				var hits []model.PrioritizedHit
				add := func(call uint64, ids []uint, match string) {
					for _, id := range ids {
						hits = append(hits, model.PrioritizedHit{
							RunID: runID, CallRecordID: call, ObjectiveID: id, MatchType: match,
						})
					}
				}
				for _, c := range batch {
					add(c.ID, phones[c.ANumber], model.MatchTelA)
					add(c.ID, phones[c.BNumber], model.MatchTelB)
					if c.IMSI != "" {
						add(c.ID, imsis[c.IMSI], model.MatchIMSI)
					}
					if c.IMEI != "" {
						add(c.ID, imeis[c.IMEI], model.MatchIMEI)
					}
				}
				if len(hits) == 0 {
					return nil
				}
				res := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&hits, stmtRows)
				total += res.RowsAffected
				return res.Error
			}).Error
	})
	if err != nil {
		return 0, dbError("refresh hits", err)
	}
	return total, nil
}

// Hit is a watchlist hit joined with its call and objective.
type Hit struct {
	ObjectiveID uint   `json:"objective_id"`
	Label       string `json:"label"`
	MatchType   string `json:"match_type"`
	model.CallRecord
}

// Hits lists the run's hits, newest call first.
func (s *Store) Hits(ctx context.Context, runID uint, limit int) ([]Hit, error) {
	var ids []model.PrioritizedHit
	tx := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("call_record_id DESC").Order("objective_id")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&ids).Error; err != nil {
		return nil, dbError("list hits", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	callIDs := make([]uint64, 0, len(ids))
	for _, h := range ids {
		callIDs = append(callIDs, h.CallRecordID)
	}
	calls := make(map[uint64]model.CallRecord, len(callIDs))
	err := chunked(callIDs, stmtRows, func(part []uint64) error {
		var rows []model.CallRecord
		if err := s.db.WithContext(ctx).Omit("raw").Where("id IN ?", part).Find(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			calls[r.ID] = r
		}
		return nil
	})
	if err != nil {
		return nil, dbError("list hits", err)
	}
	objectives, err := s.Objectives(ctx)
	if err != nil {
		return nil, err
	}
	labels := make(map[uint]string, len(objectives))
	for _, o := range objectives {
		labels[o.ID] = o.Label
	}

	out := make([]Hit, 0, len(ids))
	for _, h := range ids {
		out = append(out, Hit{
			ObjectiveID: h.ObjectiveID,
			Label:       labels[h.ObjectiveID],
			MatchType:   h.MatchType,
			CallRecord:  calls[h.CallRecordID],
		})
	}
	return out, nil
}
