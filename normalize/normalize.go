// Package normalize turns raw cell values from carrier exports into the
// canonical shapes the rest of the module compares on. Every function is
// total: bad input yields an empty / false / nil result, never a panic.
package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Direction of a call relative to the A-number.
type Direction string

const (
	DirIn  Direction = "IN"
	DirOut Direction = "OUT"
)

// Layout is the canonical timestamp layout produced by Timestamp.
const Layout = "2006-01-02 15:04:05"

const countryCode = "57"

/* helpers */
var (
	spaceRE  = regexp.MustCompile(`\s+`)
	nonDigit = regexp.MustCompile(`\D`)
	nonKey   = regexp.MustCompile(`[^a-z0-9_]`)
)

func digits(s string) string { return nonDigit.ReplaceAllString(s, "") }

// Phone canonicalizes a subscriber number: digits only, no leading "+",
// and the Colombian country code removed while the number is longer than
// ten digits.
func Phone(v string) string {
	p := digits(strings.TrimSpace(v))
	for strings.HasPrefix(p, countryCode) && len(p) > 10 {
		p = p[len(countryCode):]
	}
	return p
}

// CellKey reduces a cell identifier to its digits.
func CellKey(v string) string { return digits(v) }

// CellID normalizes a cell identifier as exported by operator. Operators in
// truncate append a check digit that the antenna registry does not carry.
func CellID(operator, v string, truncate map[string]bool) string {
	d := digits(v)
	if d == "" {
		return ""
	}
	if truncate[strings.ToUpper(strings.TrimSpace(operator))] && len(d) > 1 {
		return d[:len(d)-1]
	}
	return d
}

// DefaultTruncate is the operator set whose cell ids carry a trailing digit.
var DefaultTruncate = map[string]bool{"CLARO": true}

// Duration parses a call duration in seconds. Fractions are truncated and
// negatives clamp to zero.
func Duration(v string) *int64 {
	s := strings.TrimSpace(v)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	n := int64(math.Trunc(f))
	if n < 0 {
		n = 0
	}
	return &n
}

// InferDirection resolves the call direction from an explicit value, then
// from the free-text call type, then falls back.
func InferDirection(explicit, tipo string, fallback Direction) Direction {
	switch strings.ToUpper(strings.TrimSpace(explicit)) {
	case "IN":
		return DirIn
	case "OUT":
		return DirOut
	}
	t := strings.ToUpper(tipo)
	switch {
	case strings.Contains(t, "SALIENTE"):
		return DirOut
	case strings.Contains(t, "ENTRANTE"):
		return DirIn
	}
	return fallback
}

// Operator folds the carrier spellings seen in registries and exports.
func Operator(v string) string {
	s := strings.ToUpper(strings.TrimSpace(v))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "CLARO"):
		return "CLARO"
	case strings.Contains(s, "MOV"):
		return "MOVISTAR"
	case strings.Contains(s, "TIGO"):
		return "TIGO"
	case strings.Contains(s, "WOM"), strings.Contains(s, "WON"):
		return "WOM"
	}
	return s
}

var foldAccents = runes.Remove(runes.In(unicode.Mn))

// HeaderKey turns a header cell into a matching key: lower case, accents
// folded, whitespace runs become "_" and anything else non-alphanumeric is
// dropped. "Fecha Hora" and "fecha_hora" both yield "fecha_hora".
func HeaderKey(v string) string {
	s := strings.ToLower(strings.TrimSpace(v))
	t := transform.Chain(norm.NFD, foldAccents, norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	s = spaceRE.ReplaceAllString(s, "_")
	return nonKey.ReplaceAllString(s, "")
}

// Missing reports whether a cell carries no usable value.
func Missing(v string) bool {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "UNKNOWN", "NA", "N/A", "NULL":
		return true
	}
	return false
}

// Text trims v and returns "" for missing markers.
func Text(v string) string {
	if Missing(v) {
		return ""
	}
	return strings.TrimSpace(v)
}

// Float parses a decimal that may use a comma separator.
func Float(v string) *float64 {
	s := strings.ReplaceAll(Text(v), ",", ".")
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ValidLatLon reports whether the pair is a plausible WGS84 fix. The 0,0
// placeholder some equipment emits is rejected.
func ValidLatLon(lat, lon *float64) bool {
	if lat == nil || lon == nil {
		return false
	}
	if *lat == 0 && *lon == 0 {
		return false
	}
	return math.Abs(*lat) <= 90 && math.Abs(*lon) <= 180
}

// Pick returns the first non-missing value among keys in row.
func Pick(row map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok && !Missing(v) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ParseTime reads a canonical timestamp in loc.
func ParseTime(canonical string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(Layout, canonical, loc)
}

func itoa(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
