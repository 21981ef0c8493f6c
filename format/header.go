package format

import (
	"strings"

	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// MaxHeaderScan bounds how many leading rows are searched for a header.
const MaxHeaderScan = 250

// HeaderSet holds normalized header keys.
type HeaderSet map[string]struct{}

// NewHeaderSet normalizes cells into a set.
func NewHeaderSet(cells []string) HeaderSet {
	h := make(HeaderSet, len(cells))
	for _, c := range cells {
		if k := normalize.HeaderKey(c); k != "" {
			h[k] = struct{}{}
		}
	}
	return h
}

func (h HeaderSet) Has(k string) bool {
	_, ok := h[k]
	return ok
}

func (h HeaderSet) HasAny(keys ...string) bool {
	for _, k := range keys {
		if h.Has(k) {
			return true
		}
	}
	return false
}

// FindHeaderRow returns the index of the first row, among the first
// MaxHeaderScan, that satisfies m. Rows above it are banner material.
func FindHeaderRow(rows [][]string, m Matcher) (int, bool) {
	n := min(len(rows), MaxHeaderScan)
	for i := 0; i < n; i++ {
		if len(rows[i]) == 0 {
			continue
		}
		if m.Match(NewHeaderSet(rows[i])) {
			return i, true
		}
	}
	return -1, false
}

// Keys normalizes a header row, keeping column positions.
func Keys(header []string) []string {
	keys := make([]string, len(header))
	for i, c := range header {
		keys[i] = normalize.HeaderKey(c)
	}
	return keys
}

// RowMap pairs a data row with normalized header keys. When two columns
// share a key the first non-empty value wins.
func RowMap(keys, row []string) map[string]string {
	m := make(map[string]string, len(keys))
	for i, k := range keys {
		if k == "" || i >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[i])
		if prev, ok := m[k]; ok && prev != "" {
			continue
		}
		m[k] = v
	}
	return m
}

// BlankRow reports whether every cell is empty.
func BlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// Observed returns the non-empty cells of the first non-blank row, for
// diagnostics when nothing matched.
func Observed(rows [][]string) []string {
	for _, r := range rows {
		if BlankRow(r) {
			continue
		}
		out := make([]string, 0, len(r))
		for _, c := range r {
			if s := strings.TrimSpace(c); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
