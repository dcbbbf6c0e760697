package animate

import (
	"fmt"
	"math"
	"strings"
)

// HeadingMode selects how heading is interpolated between two fixes.
type HeadingMode int

const (
	// HeadingLiteral interpolates end-start directly, so 350 -> 10 turns
	// through 180 the long way. This is what the map marker has always done.
	HeadingLiteral HeadingMode = iota
	// HeadingShortestArc wraps across 0/360 and takes the short way round.
	HeadingShortestArc
)

func (m HeadingMode) String() string {
	if m == HeadingShortestArc {
		return "shortest"
	}
	return "literal"
}

// ParseHeadingMode resolves a config name. Empty means literal.
func ParseHeadingMode(name string) (HeadingMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "literal":
		return HeadingLiteral, nil
	case "shortest", "shortest_arc":
		return HeadingShortestArc, nil
	}
	return HeadingLiteral, fmt.Errorf("animate: unknown heading mode %q", name)
}

// interpolateHeading returns the heading at eased progress e.
func interpolateHeading(mode HeadingMode, start, end, e float64) float64 {
	if mode == HeadingShortestArc {
		diff := normalizeDegrees(end-start+180) - 180
		return normalizeDegrees(start + diff*e)
	}
	return start + (end-start)*e
}

func normalizeDegrees(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}
