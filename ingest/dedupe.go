package ingest

import (
	"strings"

	"github.com/jalad-shrimali/cdr-correlator/antenna"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// KeyFunc derives a dedupe key. An empty key never collides.
type KeyFunc[T any] func(T) string

// Deduper drops items that repeat any of its keys. Each key has its own
// seen-set; an item is a duplicate when one of its non-empty keys was seen.
type Deduper[T any] struct {
	keys []KeyFunc[T]
	seen []map[string]struct{}
}

func NewDeduper[T any](keys ...KeyFunc[T]) *Deduper[T] {
	d := &Deduper[T]{keys: keys, seen: make([]map[string]struct{}, len(keys))}
	for i := range d.seen {
		d.seen[i] = make(map[string]struct{})
	}
	return d
}

// Duplicate reports whether item repeats an earlier one, and remembers it
// otherwise.
func (d *Deduper[T]) Duplicate(item T) bool {
	ks := make([]string, len(d.keys))
	for i, f := range d.keys {
		ks[i] = f(item)
		if ks[i] == "" {
			continue
		}
		if _, ok := d.seen[i][ks[i]]; ok {
			return true
		}
	}
	for i, k := range ks {
		if k != "" {
			d.seen[i][k] = struct{}{}
		}
	}
	return false
}

// Dedupe keeps the first occurrence of every item in order and reports how
// many were dropped.
func Dedupe[T any](items []T, keys ...KeyFunc[T]) ([]T, int) {
	d := NewDeduper(keys...)
	out := make([]T, 0, len(items))
	for _, it := range items {
		if d.Duplicate(it) {
			continue
		}
		out = append(out, it)
	}
	return out, len(items) - len(out)
}

// Chunk splits items into consecutive batches of at most n.
func Chunk[T any](items []T, n int) [][]T {
	if n <= 0 {
		n = len(items)
	}
	var out [][]T
	for start := 0; start < len(items); start += n {
		out = append(out, items[start:min(start+n, len(items))])
	}
	return out
}

func join(parts ...string) string { return strings.Join(parts, "|") }

// CallKey is the in-file identity of a call: timestamp, both numbers,
// operator and both cells.
func CallKey(r model.CallRecord) string {
	return join(r.CallTS.UTC().Format(normalize.Layout), r.ANumber, r.BNumber, r.Operator, r.CellStart, r.CellEnd)
}

// DetectionIMSIKey is (ts, imsi); detections without IMSI have no key.
func DetectionIMSIKey(d model.Detection) string {
	if d.IMSI == nil || *d.IMSI == "" {
		return ""
	}
	return join(d.TS.UTC().Format(normalize.Layout), *d.IMSI)
}

// DetectionSourceKey is (source_file, source_row, ts).
func DetectionSourceKey(d model.Detection) string {
	return join(d.SourceFile, d.SourceRow, d.TS.UTC().Format(normalize.Layout))
}

// AntennaExactKey is the exact-duplicate identity of a registry row.
func AntennaExactKey(a model.Antenna) string { return antenna.ExactKey(a) }

// AntennaStoreKey is the registry's unique key. Two rows sharing it cannot
// be upserted in the same statement.
func AntennaStoreKey(a model.Antenna) string { return join(a.Operator, a.CellID, a.CellName) }
