package store

import (
	"context"
	"strings"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

const (
	schemaCacheKey  = "antenna_schema"
	postgisCacheKey = "postgis"
)

// Registry column candidates, most specific first.
var (
	opColumns     = []string{"operator", "operador", "carrier"}
	keyColumns    = []string{"antenna", "cell_id", "cellid", "celda", "cell", "cell_key"}
	labelColumns  = []string{"localidad", "municipio", "municipality", "ciudad", "nombre_celda", "cell_name", "name", "site_name"}
	latColumns    = []string{"lat", "latitude", "latitud", "y"}
	lonColumns    = []string{"lon", "lng", "longitude", "longitud", "x"}
	geomColumns   = []string{"geom", "geometry", "shape"}
	activeColumns = []string{"is_active", "active", "activo"}
)

// AntennaSchema describes which registry columns a deployment actually
// has. Empty names mean the column is absent.
type AntennaSchema struct {
	Table    string
	Present  bool
	Operator string
	Key      string
	Label    string
	Lat      string
	Lon      string
	Geom     string
	Active   string
	PostGIS  bool
}

// Joinable reports whether cells can be looked up at all.
func (d AntennaSchema) Joinable() bool { return d.Present && d.Key != "" }

// HasCoords reports whether lookups can resolve coordinates.
func (d AntennaSchema) HasCoords() bool {
	return (d.Lat != "" && d.Lon != "") || (d.Geom != "" && d.PostGIS)
}

// ResetSchemaCache forgets the probed descriptor and PostGIS flag.
func (s *Store) ResetSchemaCache() {
	s.cache.Flush()
}

// AntennaSchema probes the registry table once and caches the result.
func (s *Store) AntennaSchema(ctx context.Context) (AntennaSchema, error) {
	if v, ok := s.cache.Get(schemaCacheKey); ok {
		return v.(AntennaSchema), nil
	}
	d := AntennaSchema{Table: "antennas"}
	db := s.db.WithContext(ctx)
	if db.Migrator().HasTable(d.Table) {
		d.Present = true
		cols, err := db.Migrator().ColumnTypes(d.Table)
		if err != nil {
			return AntennaSchema{}, dbError("probe antenna schema", err)
		}
		have := make(map[string]string, len(cols))
		for _, c := range cols {
			have[strings.ToLower(c.Name())] = c.Name()
		}
		pick := func(candidates []string) string {
			for _, c := range candidates {
				if name, ok := have[c]; ok {
					return name
				}
			}
			return ""
		}
		d.Operator = pick(opColumns)
		d.Key = pick(keyColumns)
		d.Label = pick(labelColumns)
		d.Lat = pick(latColumns)
		d.Lon = pick(lonColumns)
		d.Geom = pick(geomColumns)
		d.Active = pick(activeColumns)
	}
	d.PostGIS = s.postGIS(ctx)
	s.cache.Set(schemaCacheKey, d, cache.DefaultExpiration)
	s.log.Debug("antenna schema probed",
		"present", d.Present, "key", d.Key, "label", d.Label,
		"lat", d.Lat, "lon", d.Lon, "geom", d.Geom, "postgis", d.PostGIS)
	return d, nil
}

// postGIS reports whether the extension is installed. Probe failures count
// as absent.
func (s *Store) postGIS(ctx context.Context) bool {
	if v, ok := s.cache.Get(postgisCacheKey); ok {
		return v.(bool)
	}
	var ok bool
	if s.Dialect() == Postgres {
		err := s.db.WithContext(ctx).
			Raw("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'postgis')").
			Scan(&ok).Error
		if err != nil {
			s.log.Warn("postgis probe failed", "error", err)
			ok = false
		}
	}
	s.cache.Set(postgisCacheKey, ok, cache.DefaultExpiration)
	return ok
}

// CellRef names a cell as seen on a call record.
type CellRef struct {
	Operator string
	Key      string
}

// CellInfo is what the registry knows about a cell.
type CellInfo struct {
	Label    string
	Lat, Lon *float64
}

type cellRow struct {
	Op      *string `gorm:"column:op"`
	CellKey *string `gorm:"column:cell_key"`
	Label   *string `gorm:"column:label"`
	Lat     *string `gorm:"column:lat"`
	Lon     *string `gorm:"column:lon"`
	Active  *bool   `gorm:"column:active"`
}

// LookupCells resolves registry data for the given cells through the probed
// descriptor. Cells the registry does not know are absent from the result.
// When several registry rows share a key an active row beats an inactive
// one, then a row with coordinates beats one without.
func (s *Store) LookupCells(ctx context.Context, refs []CellRef) (map[CellRef]CellInfo, error) {
	out := make(map[CellRef]CellInfo)
	if len(refs) == 0 {
		return out, nil
	}
	d, err := s.AntennaSchema(ctx)
	if err != nil {
		return nil, err
	}
	if !d.Joinable() {
		return out, nil
	}

	wanted := make(map[CellRef]bool, len(refs))
	var keys []string
	seen := make(map[string]bool)
	for _, r := range refs {
		wanted[r] = true
		if !seen[r.Key] {
			seen[r.Key] = true
			keys = append(keys, r.Key)
		}
	}

	col := func(name string) any {
		if name == "" {
			return gorm.Expr("NULL")
		}
		return clause.Column{Name: name}
	}
	lat, lon := col(d.Lat), col(d.Lon)
	if (d.Lat == "" || d.Lon == "") && d.Geom != "" && d.PostGIS {
		lat = gorm.Expr("ST_Y(?::geometry)", clause.Column{Name: d.Geom})
		lon = gorm.Expr("ST_X(?::geometry)", clause.Column{Name: d.Geom})
	}

	rank := make(map[CellRef]int)
	err = chunked(keys, stmtRows, func(part []string) error {
		var rows []cellRow
		tx := s.db.WithContext(ctx).Table(d.Table).
			Select("? AS op, ? AS cell_key, ? AS label, ? AS lat, ? AS lon, ? AS active",
				col(d.Operator), clause.Column{Name: d.Key}, col(d.Label), lat, lon, col(d.Active)).
			Where("? IN ?", clause.Column{Name: d.Key}, part)
		if d.Active != "" {
			tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: d.Active}, Desc: true})
		}
		if err := tx.Scan(&rows).Error; err != nil {
			return err
		}
		for _, r := range rows {
			ref := CellRef{Key: normalize.CellKey(deref(r.CellKey))}
			if r.Op != nil {
				ref.Operator = normalize.Operator(*r.Op)
			}
			candidates := []CellRef{ref}
			if d.Operator == "" {
				candidates = candidates[:0]
				for w := range wanted {
					if w.Key == ref.Key {
						candidates = append(candidates, w)
					}
				}
			}
			info := CellInfo{Label: strings.TrimSpace(deref(r.Label))}
			la, lo := parseCoord(r.Lat), parseCoord(r.Lon)
			if normalize.ValidLatLon(la, lo) {
				info.Lat, info.Lon = la, lo
			}
			score := 0
			if r.Active == nil || *r.Active {
				score += 2
			}
			if info.Lat != nil {
				score++
			}
			for _, c := range candidates {
				if !wanted[c] {
					continue
				}
				if prev, ok := rank[c]; ok && prev >= score {
					continue
				}
				out[c], rank[c] = info, score
			}
		}
		return nil
	})
	if err != nil {
		return nil, dbError("lookup cells", err)
	}
	return out, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func parseCoord(p *string) *float64 {
	if p == nil {
		return nil
	}
	return normalize.Float(*p)
}
