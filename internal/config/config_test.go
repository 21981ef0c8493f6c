package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	s, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Database.Driver)
	assert.Equal(t, 2000, s.Ingest.AntennaChunk)
	assert.Equal(t, 3000, s.Ingest.CallChunk)
	assert.Equal(t, 5000, s.Ingest.DetectionChunk)
	assert.Equal(t, 10000, s.Ingest.PartitionEvery)
	assert.Equal(t, 3*time.Hour, s.Analysis.CoincidenceWindow)
	assert.Equal(t, "America/Bogota", s.Location().String())
	assert.Equal(t, map[string]bool{"CLARO": true}, s.TruncateSet())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://localhost/cdr
ingest:
  call_chunk: 1000
  truncate_cell_operators: [claro, tigo]
analysis:
  coincidence_window: 90m
`), 0o600))
	t.Setenv("CDR_DATABASE_DSN", "postgres://override/cdr")

	s, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", s.Database.Driver)
	assert.Equal(t, "postgres://override/cdr", s.Database.DSN)
	assert.Equal(t, 1000, s.Ingest.CallChunk)
	assert.Equal(t, 90*time.Minute, s.Analysis.CoincidenceWindow)
	assert.Equal(t, map[string]bool{"CLARO": true, "TIGO": true}, s.TruncateSet())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: oracle
ingest:
  detection_chunk: 0
analysis:
  timezone: Mars/Olympus
`), 0o600))

	_, err := Load(viper.New(), path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "ingest.detection_chunk")
	assert.Contains(t, err.Error(), "analysis.timezone")
}
