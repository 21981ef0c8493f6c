// Package format classifies evidence files: it finds the header row of
// spreadsheets that carry banner blocks, tags antenna registries by
// operator layout, sniffs delimiters and recognizes embedded databases.
package format

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

/* embedded data */
//go:embed profiles.yaml
var profilesYAML []byte

// Fields maps a canonical field name to the header keys tried in order.
type Fields map[string][]string

// Get returns the first non-missing value for field in row.
func (f Fields) Get(row map[string]string, field string) string {
	return normalize.Pick(row, f[field]...)
}

// Matcher is a named header signature.
type Matcher struct {
	Name string     `yaml:"name"`
	All  []string   `yaml:"all"`
	Any  [][]string `yaml:"any"`
}

// Match reports whether the header set carries the signature. A matcher
// with no columns matches everything.
func (m Matcher) Match(h HeaderSet) bool {
	for _, k := range m.All {
		if !h.Has(k) {
			return false
		}
	}
	for _, group := range m.Any {
		if !h.HasAny(group...) {
			return false
		}
	}
	return true
}

// Profile is an antenna registry layout.
type Profile struct {
	Matcher   `yaml:",inline"`
	Operators []string `yaml:"operators"`
	Fields    Fields   `yaml:"fields"`
}

// Catalog is the parsed profiles.yaml.
type Catalog struct {
	XDR struct {
		Header Matcher `yaml:"header"`
		Fields Fields  `yaml:"fields"`
	} `yaml:"xdr"`
	Antenna struct {
		Header   Matcher   `yaml:"header"`
		Profiles []Profile `yaml:"profiles"`
	} `yaml:"antenna"`
	Detection struct {
		CSV    []Matcher         `yaml:"csv"`
		Fields map[string]Fields `yaml:"fields"`
	} `yaml:"detection"`
}

var (
	catalogOnce sync.Once
	catalog     *Catalog
	catalogErr  error
)

// Default returns the embedded catalog. It panics if the embedded file is
// malformed, which only a broken build can cause.
func Default() *Catalog {
	catalogOnce.Do(func() {
		catalog, catalogErr = ParseCatalog(profilesYAML)
	})
	if catalogErr != nil {
		panic(fmt.Errorf("format: embedded profiles: %w", catalogErr))
	}
	return catalog
}

// ParseCatalog reads a catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if len(c.Antenna.Profiles) == 0 {
		return nil, fmt.Errorf("no antenna profiles")
	}
	if c.XDR.Fields["timestamp"] == nil {
		return nil, fmt.Errorf("xdr fields need a timestamp entry")
	}
	for _, m := range c.Detection.CSV {
		if n, err := strconv.Atoi(m.Name); err != nil || n <= 0 {
			return nil, fmt.Errorf("detection csv matcher %q: name must be a positive source type", m.Name)
		}
	}
	return &c, nil
}

// AntennaProfile returns the first profile whose signature matches the
// header set. The last profile without markers acts as the fallback.
func (c *Catalog) AntennaProfile(h HeaderSet) Profile {
	for _, p := range c.Antenna.Profiles {
		if p.Match(h) {
			return p
		}
	}
	return c.Antenna.Profiles[len(c.Antenna.Profiles)-1]
}

// ProfileForOperator returns the profile declared for a normalized operator.
func (c *Catalog) ProfileForOperator(op string) (Profile, bool) {
	for _, p := range c.Antenna.Profiles {
		for _, o := range p.Operators {
			if strings.EqualFold(o, op) {
				return p, true
			}
		}
	}
	return Profile{}, false
}

// DetectionType returns the CSV detection source type for a header set,
// or 0 when none matches.
func (c *Catalog) DetectionType(h HeaderSet) int {
	for _, m := range c.Detection.CSV {
		if !m.Match(h) {
			continue
		}
		if n, err := strconv.Atoi(m.Name); err == nil {
			return n
		}
	}
	return 0
}

// DetectionFields returns the field map of a CSV detection type.
func (c *Catalog) DetectionFields(sourceType int) Fields {
	return c.Detection.Fields[fmt.Sprint(sourceType)]
}
