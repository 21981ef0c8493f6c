package archive

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	now := time.Date(2024, 3, 15, 23, 0, 0, 0, time.FixedZone("COT", -5*3600))
	key := Key("xdr", "../casos/Señal 1:claro.xlsx", now)

	parts := strings.Split(key, "/")
	require.Len(t, parts, 5)
	assert.Equal(t, []string{"xdr", "2024", "03", "16"}, parts[:4])
	id, name, ok := strings.Cut(parts[4], "__")
	require.True(t, ok)
	assert.Len(t, id, 36)
	assert.Equal(t, "Se_al 1_claro.xlsx", name)

	assert.NotEqual(t, key, Key("xdr", "../casos/Señal 1:claro.xlsx", now))
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.CSV":     "text/csv",
		"a.xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"scan.db3":  "application/vnd.sqlite3",
		"notes.pdf": "application/octet-stream",
	}
	for path, want := range tests {
		assert.Equal(t, want, ContentType(path), path)
	}
}
