// Package model holds the persisted entities.
package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// AnalysisRun scopes the call records of one investigation session.
type AnalysisRun struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:200;not null" json:"name"`
	CreatedBy string    `gorm:"size:120" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// CallRecord is one normalized XDR row. Cell columns hold '' rather than
// NULL so the dedupe index compares them.
type CallRecord struct {
	ID            uint64         `gorm:"primaryKey" json:"id"`
	RunID         uint           `gorm:"not null;uniqueIndex:ux_call_dedupe,priority:1;index:idx_call_run_ts,priority:1" json:"run_id"`
	CallTS        time.Time      `gorm:"column:call_ts;not null;uniqueIndex:ux_call_dedupe,priority:2;index:idx_call_run_ts,priority:2" json:"call_ts"`
	Direction     string         `gorm:"size:3;not null" json:"direction"`
	ANumber       string         `gorm:"column:a_number;size:32;not null;uniqueIndex:ux_call_dedupe,priority:3;index" json:"a_number"`
	BNumber       string         `gorm:"column:b_number;size:32;not null;uniqueIndex:ux_call_dedupe,priority:4;index" json:"b_number"`
	DurationSec   *int64         `json:"duration_sec"`
	Tipo          string         `gorm:"size:80" json:"tipo"`
	Operator      string         `gorm:"size:40;not null;uniqueIndex:ux_call_dedupe,priority:5" json:"operator"`
	LACStart      string         `gorm:"column:lac_start;size:20" json:"lac_start"`
	CellStart     string         `gorm:"size:40;not null;uniqueIndex:ux_call_dedupe,priority:6" json:"cell_start"`
	CellNameStart string         `gorm:"size:200" json:"cell_name_start"`
	LACEnd        string         `gorm:"column:lac_end;size:20" json:"lac_end"`
	CellEnd       string         `gorm:"size:40;not null;uniqueIndex:ux_call_dedupe,priority:7" json:"cell_end"`
	CellNameEnd   string         `gorm:"size:200" json:"cell_name_end"`
	IMSI          string         `gorm:"column:imsi;size:20" json:"imsi,omitempty"`
	IMEI          string         `gorm:"column:imei;size:20" json:"imei,omitempty"`
	GroupTag      string         `gorm:"size:20;index" json:"group_tag,omitempty"`
	SourceFile    string         `gorm:"size:255" json:"source_file"`
	Raw           datatypes.JSON `json:"raw,omitempty"`
}

// Antenna is a row of the shared cell registry.
type Antenna struct {
	ID                uint64         `gorm:"primaryKey" json:"id"`
	Operator          string         `gorm:"size:40;not null;uniqueIndex:ux_antenna_key,priority:1" json:"operator"`
	CellID            string         `gorm:"column:cell_id;size:40;not null;uniqueIndex:ux_antenna_key,priority:2" json:"cell_id"`
	CellName          string         `gorm:"size:200;not null;uniqueIndex:ux_antenna_key,priority:3" json:"cell_name"`
	LACTAC            string         `gorm:"column:lac_tac;size:20" json:"lac_tac"`
	SiteName          string         `gorm:"size:200" json:"site_name"`
	Address           string         `gorm:"size:300" json:"address"`
	Department        string         `gorm:"size:120" json:"department"`
	Municipality      string         `gorm:"size:120" json:"municipality"`
	Technology        string         `gorm:"size:40" json:"technology"`
	Vendor            string         `gorm:"size:80" json:"vendor"`
	Azimuth           *float64       `json:"azimuth"`
	HorizBeamAngle    *float64       `json:"horiz_beam_angle"`
	VerticalBeamAngle *float64       `json:"vertical_beam_angle"`
	BeamAngle         *float64       `json:"beam_angle"`
	Radius            *float64       `json:"radius"`
	Height            *float64       `json:"height"`
	Gain              *float64       `json:"gain"`
	Beam              *float64       `json:"beam"`
	Twist             *float64       `json:"twist"`
	StructureType     string         `gorm:"size:80" json:"structure_type"`
	StructureDetail   string         `gorm:"size:120" json:"structure_detail"`
	Band              string         `gorm:"size:40" json:"band"`
	Carrier           string         `gorm:"size:40" json:"carrier"`
	Lat               *float64       `json:"lat"`
	Lon               *float64       `json:"lon"`
	IsActive          bool           `gorm:"not null;index" json:"is_active"`
	LastImportID      string         `gorm:"size:36;index" json:"last_import_id"`
	UpdatedBy         string         `gorm:"size:120" json:"updated_by"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Raw               datatypes.JSON `json:"raw,omitempty"`
}

// Antenna import modes.
const (
	ModeUpsert          = "upsert"
	ModeReplaceOperator = "replace_operator"
)

// AntennaImport records who loaded which registry file and what it did.
type AntennaImport struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedBy       string    `gorm:"size:120" json:"created_by"`
	Operator        string    `gorm:"size:40" json:"operator"`
	FileName        string    `gorm:"size:255" json:"file_name"`
	Mode            string    `gorm:"size:20" json:"mode"`
	RowsSeen        int       `json:"rows_seen"`
	RowsInserted    int       `json:"rows_inserted"`
	RowsUpdated     int       `json:"rows_updated"`
	RowsSkipped     int       `json:"rows_skipped"`
	RowsDuplicate   int       `json:"rows_duplicate"`
	RowsDeactivated int64     `json:"rows_deactivated"`
	CreatedAt       time.Time `json:"created_at"`
}

// Detection is one device sighting. IMSI is NULL when absent so that the
// (ts, imsi) index only constrains identified rows.
type Detection struct {
	ID         uint64         `gorm:"primaryKey" json:"id"`
	TS         time.Time      `gorm:"column:ts;not null;uniqueIndex:ux_detection_ts_imsi,priority:1;uniqueIndex:ux_detection_source,priority:3;index" json:"ts"`
	IMSI       *string        `gorm:"column:imsi;size:20;uniqueIndex:ux_detection_ts_imsi,priority:2" json:"imsi"`
	IMEI       string         `gorm:"column:imei;size:20;index" json:"imei"`
	Operator   string         `gorm:"size:60" json:"operator"`
	Lat        *float64       `json:"lat"`
	Lon        *float64       `json:"lon"`
	Geom       string         `gorm:"size:80" json:"geom,omitempty"`
	DistanceM  *float64       `gorm:"column:distance_m" json:"distance_m"`
	SourceType int            `gorm:"not null" json:"source_type"`
	SourceFile string         `gorm:"size:255;not null;uniqueIndex:ux_detection_source,priority:1" json:"source_file"`
	SourceRow  string         `gorm:"size:120;not null;uniqueIndex:ux_detection_source,priority:2" json:"source_row"`
	Raw        datatypes.JSON `json:"raw,omitempty"`
}

// Point renders the EWKT point of valid coordinates.
func Point(lat, lon float64) string {
	return fmt.Sprintf("SRID=4326;POINT(%g %g)", lon, lat)
}

// Objective is a watchlist entry. Any of phone, IMSI or IMEI may be empty.
type Objective struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Label     string    `gorm:"size:200" json:"label"`
	Phone     string    `gorm:"size:32;index" json:"phone"`
	IMSI      string    `gorm:"column:imsi;size:20;index" json:"imsi"`
	IMEI      string    `gorm:"column:imei;size:20;index" json:"imei"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit match types.
const (
	MatchTelA = "TEL_A"
	MatchTelB = "TEL_B"
	MatchIMSI = "IMSI"
	MatchIMEI = "IMEI"
)

// PrioritizedHit joins a call record to a watchlist entry.
type PrioritizedHit struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	RunID        uint      `gorm:"not null;index" json:"run_id"`
	CallRecordID uint64    `gorm:"not null;uniqueIndex:ux_hit,priority:1" json:"call_record_id"`
	ObjectiveID  uint      `gorm:"not null;uniqueIndex:ux_hit,priority:2" json:"objective_id"`
	MatchType    string    `gorm:"size:8;not null;uniqueIndex:ux_hit,priority:3" json:"match_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// All lists every entity for migration.
func All() []any {
	return []any{
		&AnalysisRun{},
		&CallRecord{},
		&Antenna{},
		&AntennaImport{},
		&Detection{},
		&Objective{},
		&PrioritizedHit{},
	}
}
