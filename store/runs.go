package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
)

// CreateRun opens a new analysis run. An empty name gets a timestamped
// default.
func (s *Store) CreateRun(ctx context.Context, name, actor string) (*model.AnalysisRun, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Analysis " + time.Now().Format("2006-01-02 15:04:05")
	}
	run := &model.AnalysisRun{Name: name, CreatedBy: actor}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, dbError("create run", err)
	}
	return run, nil
}

// Run loads one run.
func (s *Store) Run(ctx context.Context, id uint) (*model.AnalysisRun, error) {
	var run model.AnalysisRun
	err := s.db.WithContext(ctx).First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, dbError("get run", err)
	}
	return &run, nil
}

// Runs lists runs newest first.
func (s *Store) Runs(ctx context.Context) ([]model.AnalysisRun, error) {
	var out []model.AnalysisRun
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&out).Error; err != nil {
		return nil, dbError("list runs", err)
	}
	return out, nil
}

// RenameRun changes the display name.
func (s *Store) RenameRun(ctx context.Context, id uint, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.Newf("run name is required").
			Component("store").
			Category(errors.CategoryValidation).
			Build()
	}
	res := s.db.WithContext(ctx).Model(&model.AnalysisRun{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return dbError("rename run", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("run", id)
	}
	return nil
}

// ClearRun deletes the run's call records and hits, keeping the run.
func (s *Store) ClearRun(ctx context.Context, id uint) (calls, hits int64, err error) {
	if _, err := s.Run(ctx, id); err != nil {
		return 0, 0, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("run_id = ?", id).Delete(&model.PrioritizedHit{})
		if res.Error != nil {
			return res.Error
		}
		hits = res.RowsAffected
		res = tx.Where("run_id = ?", id).Delete(&model.CallRecord{})
		if res.Error != nil {
			return res.Error
		}
		calls = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, 0, dbError("clear run", err)
	}
	return calls, hits, nil
}
