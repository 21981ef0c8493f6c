// Package store persists normalized records through gorm. SQLite backs
// tests and single-user runs; Postgres (through lib/pq) and MySQL are the
// shared deployments.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/patrickmn/go-cache"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/internal/logging"
	"github.com/jalad-shrimali/cdr-correlator/model"
)

// Dialects.
const (
	SQLite   = "sqlite"
	Postgres = "postgres"
	MySQL    = "mysql"
)

// stmtRows bounds rows per INSERT statement so wide records stay under
// every engine's bind-parameter limit.
const stmtRows = 500

// Config selects the engine and pool.
type Config struct {
	Driver            string
	DSN               string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	SlowQuery         time.Duration
	PartitionFunction string
}

// Store wraps the gorm handle.
type Store struct {
	db          *gorm.DB
	log         *slog.Logger
	partitionFn string
	cache       *cache.Cache
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Open connects, sizes the pool and pings.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	log = logging.Module(log, "store")

	var dialector gorm.Dialector
	switch cfg.Driver {
	case SQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	case Postgres:
		dialector = postgres.New(postgres.Config{DriverName: "postgres", DSN: cfg.DSN})
	case MySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, errors.Newf("unknown database driver %q", cfg.Driver).
			Component("store").
			Category(errors.CategoryConfiguration).
			Build()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logging.NewGormAdapter(log, cfg.SlowQuery),
	})
	if err != nil {
		return nil, dbError("open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, dbError("open", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, dbError("ping", err)
	}

	s, err := New(db, log, cfg.PartitionFunction)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info("database connected", "driver", db.Dialector.Name())
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, log *slog.Logger, partitionFn string) (*Store, error) {
	if partitionFn != "" && !identRE.MatchString(partitionFn) {
		return nil, errors.Newf("invalid partition function name %q", partitionFn).
			Component("store").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if log == nil {
		log = logging.Module(nil, "store")
	}
	return &Store{
		db:          db,
		log:         log,
		partitionFn: partitionFn,
		cache:       cache.New(10*time.Minute, 0),
	}, nil
}

// Migrate creates or updates the tables of every entity.
func (s *Store) Migrate(ctx context.Context) error {
	for _, m := range model.All() {
		if err := s.db.WithContext(ctx).AutoMigrate(m); err != nil {
			return dbError(fmt.Sprintf("migrate %T", m), err)
		}
	}
	s.ResetSchemaCache()
	return nil
}

// Dialect returns sqlite, postgres or mysql.
func (s *Store) Dialect() string { return s.db.Dialector.Name() }

// DB exposes the handle for callers composing their own queries.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsUniqueViolation reports whether err is a unique-constraint failure
// from any supported engine.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	b := errors.New(fmt.Errorf("%s: %w", op, err)).
		Component("store").
		Category(errors.CategoryDatabase).
		Context("operation", op)
	if IsUniqueViolation(err) {
		b = b.Context("unique_violation", true)
	}
	return b.Build()
}

func notFound(what string, id any) error {
	return errors.Newf("%s %v not found", what, id).
		Component("store").
		Category(errors.CategoryNotFound).
		Build()
}

// chunked calls fn on consecutive slices of at most n items.
func chunked[T any](items []T, n int, fn func([]T) error) error {
	for start := 0; start < len(items); start += n {
		end := min(start+n, len(items))
		if err := fn(items[start:end]); err != nil {
			return err
		}
	}
	return nil
}
