// Package pricing computes the cost of generated images.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/basel-ax/streamgen/internal/domain"
)

// SchemaV1 is the only schema tag this package understands
const SchemaV1 = "pricing/v1"

// DefaultQuality is the fallback key used when a quality has no own entry
const DefaultQuality = "default"

var (
	// ErrUnknownMode is returned for a mode missing from the table
	ErrUnknownMode = errors.New("no pricing for mode")
	// ErrUnknownQuality is returned for a quality missing from the mode and without a default
	ErrUnknownQuality = errors.New("no pricing for quality")
)

// ModePricing holds base costs per quality and the per-reference surcharge, in cents
type ModePricing struct {
	Base               map[string]int `json:"base"`
	ReferenceSurcharge int            `json:"referenceSurcharge"`
}

// Table is a versioned pricing table. It is read-only once loaded.
type Table struct {
	Schema string                 `json:"schema"`
	Modes  map[string]ModePricing `json:"modes"`
}

// Default returns the built-in pricing table
func Default() *Table {
	return &Table{
		Schema: SchemaV1,
		Modes: map[string]ModePricing{
			string(domain.ModeOpenAI): {
				Base: map[string]int{
					"low":    1,
					"medium": 4,
					"high":   17,
					"auto":   17,
				},
				ReferenceSurcharge: 3,
			},
			string(domain.ModeGemini): {
				Base: map[string]int{
					DefaultQuality: 4,
				},
				ReferenceSurcharge: 1,
			},
		},
	}
}

// Load reads a pricing table from a JSON file. An empty path yields Default.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing table: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a pricing table
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode pricing table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the schema tag and that no price is negative
func (t *Table) Validate() error {
	if t.Schema != SchemaV1 {
		return fmt.Errorf("unsupported pricing schema %q", t.Schema)
	}
	if len(t.Modes) == 0 {
		return errors.New("pricing table has no modes")
	}
	for mode, p := range t.Modes {
		if p.ReferenceSurcharge < 0 {
			return fmt.Errorf("negative reference surcharge for mode %s", mode)
		}
		for quality, cents := range p.Base {
			if cents < 0 {
				return fmt.Errorf("negative base cost for %s/%s", mode, quality)
			}
		}
	}
	return nil
}

// Cost returns base cost plus referenceImageCount times the surcharge, in cents
func (t *Table) Cost(mode domain.Mode, quality string, referenceImageCount int) (int, error) {
	p, ok := t.Modes[string(mode)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	base, ok := p.Base[quality]
	if !ok {
		base, ok = p.Base[DefaultQuality]
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownQuality, mode, quality)
	}

	if referenceImageCount < 0 {
		referenceImageCount = 0
	}
	return base + referenceImageCount*p.ReferenceSurcharge, nil
}
