// Package catalog loads and serves the static district/division reference
// data. The catalog is read once at startup and is immutable afterwards.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tallywire/tallywire/errs"
	"github.com/tallywire/tallywire/internal/schema"
)

// Default dataset bundled into tallywire binaries; a configured catalog path
// takes precedence.
//
//go:embed districts.json
var embedded []byte

// Catalog is the immutable district → divisions reference set.
type Catalog struct {
	districts []schema.District
	byID      map[string]int
	divisions map[string]string // division id -> owning district id
}

// Load reads the catalog from path, falling back to the embedded dataset when
// path is empty.
func Load(path string) (*Catalog, error) {
	raw := embedded
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog file: %w", err)
		}
		raw = data
	}
	return Parse(raw)
}

// Parse builds a catalog from raw JSON district data.
func Parse(raw []byte) (*Catalog, error) {
	var districts []schema.District
	if err := json.Unmarshal(raw, &districts); err != nil {
		return nil, errs.New("catalog/parse", errs.CodeParse, errs.WithCause(err))
	}
	c := &Catalog{
		districts: districts,
		byID:      make(map[string]int, len(districts)),
		divisions: make(map[string]string),
	}
	for i, d := range districts {
		if strings.TrimSpace(d.ID) == "" {
			return nil, errs.New("catalog/parse", errs.CodeInvalid, errs.WithMessage("district id required"))
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, errs.New("catalog/parse", errs.CodeInvalid, errs.WithMessage("duplicate district id "+d.ID))
		}
		c.byID[d.ID] = i
		seen := make(map[string]struct{}, len(d.Divisions))
		for _, div := range d.Divisions {
			if _, dup := seen[div.ID]; dup {
				return nil, errs.New("catalog/parse", errs.CodeInvalid, errs.WithMessage("duplicate division id "+div.ID+" in district "+d.ID))
			}
			seen[div.ID] = struct{}{}
			c.divisions[div.ID] = d.ID
		}
	}
	return c, nil
}

// Districts returns the ordered district list. Callers must not mutate it.
func (c *Catalog) Districts() []schema.District {
	return c.districts
}

// District looks up a district by its code.
func (c *Catalog) District(id string) (schema.District, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return schema.District{}, false
	}
	return c.districts[idx], true
}

// DistrictOfDivision resolves the owning district code for a division code.
func (c *Catalog) DistrictOfDivision(divisionID string) (string, bool) {
	id, ok := c.divisions[divisionID]
	return id, ok
}

// Len returns the number of districts.
func (c *Catalog) Len() int {
	return len(c.districts)
}
