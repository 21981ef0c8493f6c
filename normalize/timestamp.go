package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// serial dates are days since 1899-12-30; 2958465 is 9999-12-31.
var (
	serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	maxSerial   = 2958465.0
)

var (
	meridiemRE = regexp.MustCompile(`(?i)([0-9])\s*([ap])\.?\s?m\.?(\s|$)`)
	isoRE      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})[ T](\d{2}):(\d{2})(?::(\d{2}))?`)
	dmyRE      = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})[ T](\d{1,2}):(\d{2})(?::(\d{2}))?(?:\s?(AM|PM))?`)
	dateOnlyRE = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
)

// Timestamp converts a raw cell value into the canonical
// "YYYY-MM-DD HH:MM:SS" form. Accepted inputs are time.Time, spreadsheet
// serial numbers, "YYYY-MM-DD[ T]HH:MM[:SS]" and
// "DD/MM/YYYY[ T]HH:MM[:SS][ AM|PM]" (Spanish "a. m."/"p.m." included).
func Timestamp(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case time.Time:
		if x.IsZero() {
			return "", false
		}
		return x.Format(Layout), true
	case *time.Time:
		if x == nil {
			return "", false
		}
		return Timestamp(*x)
	case float64:
		return fromSerial(x)
	case float32:
		return fromSerial(float64(x))
	case int:
		return fromSerial(float64(x))
	case int64:
		return fromSerial(float64(x))
	case string:
		return fromText(x)
	case []byte:
		return fromText(string(x))
	}
	return fromText(fmt.Sprint(v))
}

func fromSerial(days float64) (string, bool) {
	if math.IsNaN(days) || days <= 0 || days > maxSerial {
		return "", false
	}
	secs := math.Round(days * 86400)
	return serialEpoch.Add(time.Duration(secs) * time.Second).Format(Layout), true
}

func fromText(raw string) (string, bool) {
	s := spaceRE.ReplaceAllString(strings.TrimSpace(raw), " ")
	if s == "" {
		return "", false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromSerial(f)
	}
	s = meridiemRE.ReplaceAllStringFunc(s, func(m string) string {
		sub := meridiemRE.FindStringSubmatch(m)
		return sub[1] + " " + strings.ToUpper(sub[2]) + "M" + sub[3]
	})
	s = strings.TrimSpace(s)

	if m := isoRE.FindStringSubmatch(s); m != nil {
		return build(itoa(m[1]), itoa(m[2]), itoa(m[3]), itoa(m[4]), itoa(m[5]), itoa(m[6]))
	}
	if m := dmyRE.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		hh := itoa(m[4])
		switch m[7] {
		case "PM":
			if hh > 12 {
				return "", false
			}
			if hh < 12 {
				hh += 12
			}
		case "AM":
			if hh > 12 {
				return "", false
			}
			if hh == 12 {
				hh = 0
			}
		}
		return build(itoa(m[3]), itoa(m[2]), itoa(m[1]), hh, itoa(m[5]), itoa(m[6]))
	}
	if m := dateOnlyRE.FindStringSubmatch(s); m != nil {
		return build(itoa(m[3]), itoa(m[2]), itoa(m[1]), 0, 0, 0)
	}
	return "", false
}

// build rejects values time.Date would silently roll over (31/02, 25:00).
func build(y, mo, d, hh, mi, ss int) (string, bool) {
	if mo < 1 || mo > 12 || d < 1 || hh > 23 || mi > 59 || ss > 59 {
		return "", false
	}
	t := time.Date(y, time.Month(mo), d, hh, mi, ss, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != mo {
		return "", false
	}
	return t.Format(Layout), true
}
