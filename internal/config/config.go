// Package config loads settings from config.yaml and CDR_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // analysis.timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
)

// Settings is the full configuration tree.
type Settings struct {
	Database DatabaseSettings `mapstructure:"database"`
	Ingest   IngestSettings   `mapstructure:"ingest"`
	Analysis AnalysisSettings `mapstructure:"analysis"`
	Log      LogSettings      `mapstructure:"log"`
	Server   ServerSettings   `mapstructure:"server"`
	Archive  ArchiveSettings  `mapstructure:"archive"`
}

type DatabaseSettings struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

type IngestSettings struct {
	AntennaChunk          int      `mapstructure:"antenna_chunk"`
	CallChunk             int      `mapstructure:"call_chunk"`
	DetectionChunk        int      `mapstructure:"detection_chunk"`
	PartitionEvery        int      `mapstructure:"partition_every"`
	PartitionFunction     string   `mapstructure:"partition_function"`
	TruncateCellOperators []string `mapstructure:"truncate_cell_operators"`
	DBPageSize            int      `mapstructure:"db_page_size"`
	SaveRaw               bool     `mapstructure:"save_raw"`
}

type AnalysisSettings struct {
	Timezone          string        `mapstructure:"timezone"`
	CoincidenceWindow time.Duration `mapstructure:"coincidence_window"`
	TopLimit          int           `mapstructure:"top_limit"`
	GraphMinCalls     int           `mapstructure:"graph_min_calls"`
	GraphMaxEdges     int           `mapstructure:"graph_max_edges"`
	GraphMaxNodes     int           `mapstructure:"graph_max_nodes"`
}

type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerSettings struct {
	Addr           string   `mapstructure:"addr"`
	UploadDir      string   `mapstructure:"upload_dir"`
	MaxUploadMB    int64    `mapstructure:"max_upload_mb"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type ArchiveSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// Location resolves the analysis timezone.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Analysis.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TruncateSet returns the truncate-cell operator list as a lookup set.
func (s *Settings) TruncateSet() map[string]bool {
	m := make(map[string]bool, len(s.Ingest.TruncateCellOperators))
	for _, op := range s.Ingest.TruncateCellOperators {
		m[strings.ToUpper(strings.TrimSpace(op))] = true
	}
	return m
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "cdr.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.slow_query", 500*time.Millisecond)

	v.SetDefault("ingest.antenna_chunk", 2000)
	v.SetDefault("ingest.call_chunk", 3000)
	v.SetDefault("ingest.detection_chunk", 5000)
	v.SetDefault("ingest.partition_every", 10000)
	v.SetDefault("ingest.partition_function", "ensure_detection_partition")
	v.SetDefault("ingest.truncate_cell_operators", []string{"CLARO"})
	v.SetDefault("ingest.db_page_size", 5000)
	v.SetDefault("ingest.save_raw", true)

	v.SetDefault("analysis.timezone", "America/Bogota")
	v.SetDefault("analysis.coincidence_window", 3*time.Hour)
	v.SetDefault("analysis.top_limit", 50)
	v.SetDefault("analysis.graph_min_calls", 1)
	v.SetDefault("analysis.graph_max_edges", 500)
	v.SetDefault("analysis.graph_max_nodes", 300)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.upload_dir", filepath.Join(os.TempDir(), "cdr-uploads"))
	v.SetDefault("server.max_upload_mb", 512)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "evidence")
	v.SetDefault("archive.prefix", "uploads/")
}

// Load reads configFile (or config.yaml from the search path when empty)
// and applies CDR_* environment overrides. A missing config file is not an
// error; defaults apply.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix("CDR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cdr-correlator"))
		}
		v.AddConfigPath("/etc/cdr-correlator")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("read config: %w", err)).
				Component("config").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.New(fmt.Errorf("decode config: %w", err)).
			Component("config").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects settings the rest of the program cannot run with.
func (s *Settings) Validate() error {
	var problems []string
	switch s.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not one of sqlite, postgres, mysql", s.Database.Driver))
	}
	if s.Database.DSN == "" {
		problems = append(problems, "database.dsn is empty")
	}
	for name, n := range map[string]int{
		"ingest.antenna_chunk":   s.Ingest.AntennaChunk,
		"ingest.call_chunk":      s.Ingest.CallChunk,
		"ingest.detection_chunk": s.Ingest.DetectionChunk,
		"ingest.partition_every": s.Ingest.PartitionEvery,
		"ingest.db_page_size":    s.Ingest.DBPageSize,
	} {
		if n <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", name))
		}
	}
	if _, err := time.LoadLocation(s.Analysis.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("analysis.timezone: %v", err))
	}
	if s.Analysis.CoincidenceWindow < 0 {
		problems = append(problems, "analysis.coincidence_window must not be negative")
	}
	if s.Archive.Enabled && (s.Archive.Endpoint == "" || s.Archive.Bucket == "") {
		problems = append(problems, "archive.endpoint and archive.bucket are required when archive is enabled")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.Newf("invalid configuration: %s", strings.Join(problems, "; ")).
		Component("config").
		Category(errors.CategoryValidation).
		Build()
}
