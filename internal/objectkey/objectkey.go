// Package objectkey implements the object-key grammar that drives index
// tree placement.
package objectkey

import "strings"

const marker = "universe.fo."

// Usage values recognized by the grammar.
const (
	UsageNodes                   = "nodes"
	UsageElements                = "elements"
	UsageNodal                   = "nodal"
	UsageElemental               = "elemental"
	UsageSkin                    = "skin"
	UsageElset                   = "elset"
	UsageNset                    = "nset"
	UsageElementActivationBitmap = "elementactivationbitmap"
	UsageBoundingBox             = "boundingbox"
)

var validUsages = map[string]bool{
	UsageNodes:                   true,
	UsageElements:                true,
	UsageNodal:                   true,
	UsageElemental:               true,
	UsageSkin:                    true,
	UsageElset:                   true,
	UsageNset:                    true,
	UsageElementActivationBitmap: true,
	UsageBoundingBox:             true,
}

// Decoded holds the components of a successfully parsed key.
type Decoded struct {
	Simtype   string // first token; empty when the usage token is tokens[0]
	Usage     string
	Fieldname string // set for nodal/nset/elemental/elset
	Elemtype  string // set for elements/elementactivationbitmap/skin/elemental/elset, and optionally nodal/nset
	Skintype  string // set for skin
	Timestep  string
}

// Parse decodes key: everything up to and including the "universe.fo."
// marker is discarded, the substring after "@" is the timestep, and the
// dot-separated tokens before it name the simtype, usage, and the
// usage-dependent field/element/skin components. It returns false if key
// does not match the grammar; callers must discard such keys without
// inserting them into the index tree.
func Parse(key string) (Decoded, bool) {
	idx := strings.Index(key, marker)
	if idx == -1 {
		return Decoded{}, false
	}
	rest := key[idx+len(marker):]

	objects, timestep, found := strings.Cut(rest, "@")
	if !found || objects == "" || timestep == "" {
		return Decoded{}, false
	}

	tokens := strings.Split(objects, ".")
	if len(tokens) == 0 {
		return Decoded{}, false
	}

	var simtype, usage string
	var remaining []string

	if len(tokens) >= 2 && validUsages[tokens[1]] {
		simtype = tokens[0]
		usage = tokens[1]
		remaining = tokens[2:]
	} else if validUsages[tokens[0]] {
		usage = tokens[0]
		remaining = tokens[1:]
	} else {
		return Decoded{}, false
	}

	d := Decoded{Simtype: simtype, Usage: usage, Timestep: timestep}

	switch usage {
	case UsageNodes, UsageBoundingBox:
		// no further tokens required

	case UsageElements, UsageElementActivationBitmap:
		if len(remaining) < 1 {
			return Decoded{}, false
		}
		d.Elemtype = remaining[0]

	case UsageSkin:
		if len(remaining) < 2 {
			return Decoded{}, false
		}
		d.Skintype = remaining[0]
		d.Elemtype = remaining[1]

	case UsageNodal, UsageNset:
		if len(remaining) < 1 {
			return Decoded{}, false
		}
		d.Fieldname = remaining[0]
		if len(remaining) >= 2 {
			d.Elemtype = remaining[1]
		}

	case UsageElemental, UsageElset:
		if len(remaining) < 2 {
			return Decoded{}, false
		}
		d.Fieldname = remaining[0]
		d.Elemtype = remaining[1]

	default:
		return Decoded{}, false
	}

	return d, true
}
