package pql

import (
	"strconv"
	"strings"

	"vo_platform/base"
	"vo_platform/stc"
)

// ParsePosition parses a POS value "ra,dec[;frame]" into an ICRS point.
func ParsePosition(name, literal string) (stc.Point, error) {
	body, frame := literal, ""
	if idx := strings.Index(literal, ";"); idx != -1 {
		body, frame = literal[:idx], literal[idx+1:]
	}
	parts := strings.Split(body, ",")
	if len(parts) != 2 {
		return stc.Point{}, base.NewValidationError(name, "a position needs exactly two coordinates, got '%s'", literal)
	}
	ra, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	dec, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return stc.Point{}, base.NewValidationError(name, "'%s' is not a valid position", literal)
	}
	if dec < -90 || dec > 90 {
		return stc.Point{}, base.NewValidationError(name, "declination %g out of range", dec)
	}
	p, err := stc.ToICRS(stc.Point{Frame: strings.TrimSpace(frame), RA: ra, Dec: dec})
	if err != nil {
		return stc.Point{}, base.NewValidationError(name, "%v", err)
	}
	return p, nil
}

// ParseSize parses a SIZE value of one or two angles in degrees; a
// single value applies to both axes.
func ParseSize(name, literal string) (float64, float64, error) {
	parts := strings.Split(literal, ",")
	if len(parts) > 2 {
		return 0, 0, base.NewValidationError(name, "at most two sizes are allowed")
	}
	var sizes [2]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return 0, 0, base.NewValidationError(name, "'%s' is not a valid size", p)
		}
		sizes[i] = v
	}
	if len(parts) == 1 {
		sizes[1] = sizes[0]
	}
	return sizes[0], sizes[1], nil
}
