package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jalad-shrimali/cdr-correlator/model"
)

var antennaKey = []clause.Column{{Name: "operator"}, {Name: "cell_id"}, {Name: "cell_name"}}

// antennaMutable are the columns a re-import refreshes.
var antennaMutable = []string{
	"lac_tac", "site_name", "address", "department", "municipality",
	"technology", "vendor", "azimuth", "horiz_beam_angle",
	"vertical_beam_angle", "beam_angle", "radius", "height", "gain", "beam",
	"twist", "structure_type", "structure_detail", "band", "carrier",
	"lat", "lon", "is_active", "last_import_id", "updated_by", "updated_at",
	"raw",
}

// AntennaKey identifies a registry row.
type AntennaKey struct {
	Operator, CellID, CellName string
}

func keyOf(a model.Antenna) AntennaKey {
	return AntennaKey{Operator: a.Operator, CellID: a.CellID, CellName: a.CellName}
}

// UpsertAntennas inserts new registry rows and refreshes the mutable
// columns of existing ones, inside one transaction. Rows must be unique
// by (operator, cell_id, cell_name) within the call.
func (s *Store) UpsertAntennas(ctx context.Context, rows []model.Antenna) (inserted, updated int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := existingAntennaKeys(tx, rows)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if existing[keyOf(r)] {
				updated++
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   antennaKey,
			DoUpdates: clause.AssignmentColumns(antennaMutable),
		}).CreateInBatches(&rows, stmtRows).Error
	})
	if err != nil {
		return 0, 0, dbError("upsert antennas", err)
	}
	return len(rows) - updated, updated, nil
}

func existingAntennaKeys(tx *gorm.DB, rows []model.Antenna) (map[AntennaKey]bool, error) {
	ids := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if !seen[r.CellID] {
			seen[r.CellID] = true
			ids = append(ids, r.CellID)
		}
	}
	out := make(map[AntennaKey]bool)
	err := chunked(ids, stmtRows, func(part []string) error {
		var found []AntennaKey
		if err := tx.Model(&model.Antenna{}).
			Select("operator", "cell_id", "cell_name").
			Where("cell_id IN ?", part).
			Scan(&found).Error; err != nil {
			return err
		}
		for _, k := range found {
			out[k] = true
		}
		return nil
	})
	return out, err
}

// DeactivateOperator marks every active registry row of op inactive.
func (s *Store) DeactivateOperator(ctx context.Context, op, actor string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Antenna{}).
		Where("operator = ? AND is_active = ?", strings.ToUpper(op), true).
		Updates(map[string]any{
			"is_active":  false,
			"updated_by": actor,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, dbError("deactivate operator", res.Error)
	}
	return res.RowsAffected, nil
}

// CreateAntennaImport stores the provenance row of a registry import.
func (s *Store) CreateAntennaImport(ctx context.Context, imp *model.AntennaImport) error {
	return dbError("create antenna import", s.db.WithContext(ctx).Create(imp).Error)
}

// SaveAntennaImport updates the counters of an import.
func (s *Store) SaveAntennaImport(ctx context.Context, imp *model.AntennaImport) error {
	return dbError("save antenna import", s.db.WithContext(ctx).Save(imp).Error)
}

// Antennas lists registry rows of op (all operators when empty).
func (s *Store) Antennas(ctx context.Context, op string, activeOnly bool) ([]model.Antenna, error) {
	tx := s.db.WithContext(ctx).Order("operator").Order("cell_id").Order("cell_name")
	if op != "" {
		tx = tx.Where("operator = ?", strings.ToUpper(op))
	}
	if activeOnly {
		tx = tx.Where("is_active = ?", true)
	}
	var out []model.Antenna
	if err := tx.Find(&out).Error; err != nil {
		return nil, dbError("select antennas", err)
	}
	return out, nil
}
