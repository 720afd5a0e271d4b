package core

import (
	"fmt"
	"regexp"
	"strings"
)

// MinPaletteColors is the smallest number of colors an accepted palette carries.
const MinPaletteColors = 5

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Palette is one accepted, fully formed record of hex color tokens ("#rrggbb").
// Palettes are never mutated once extracted.
type Palette []string

// IsColor reports whether s has the "#rrggbb" token shape.
func IsColor(s string) bool { return colorPattern.MatchString(s) }

// Validate checks the record shape: at least MinPaletteColors entries, every
// one of them a "#rrggbb" token.
func (p Palette) Validate() error {
	if len(p) < MinPaletteColors {
		return fmt.Errorf("palette has %d colors, need at least %d", len(p), MinPaletteColors)
	}
	for i, c := range p {
		if !IsColor(c) {
			return fmt.Errorf("palette entry %d (%q) is not a #rrggbb color", i, c)
		}
	}
	return nil
}

// ID returns the stable identifier used for session bookkeeping: the
// lower-cased hex digits of every color joined by "-".
func (p Palette) ID() string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = strings.ToLower(strings.TrimPrefix(c, "#"))
	}
	return strings.Join(parts, "-")
}

// Clone returns an independent copy of the palette.
func (p Palette) Clone() Palette {
	if p == nil {
		return nil
	}
	out := make(Palette, len(p))
	copy(out, p)
	return out
}

// ParsePaletteID reverses Palette.ID. Identifiers that do not decode into a
// valid palette return an error.
func ParsePaletteID(id string) (Palette, error) {
	if id == "" {
		return nil, fmt.Errorf("empty palette id")
	}
	parts := strings.Split(id, "-")
	p := make(Palette, len(parts))
	for i, part := range parts {
		p[i] = "#" + part
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid palette id %q: %w", id, err)
	}
	return p, nil
}
