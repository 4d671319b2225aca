package stc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var pgsNumber = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?d?`)

func pgsNumbers(literal string) ([]float64, error) {
	matches := pgsNumber.FindAllString(literal, -1)
	nums := make([]float64, 0, len(matches))
	for _, m := range matches {
		degrees := strings.HasSuffix(m, "d")
		f, err := strconv.ParseFloat(strings.TrimSuffix(m, "d"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid pgsphere number '%s': %w", m, err)
		}
		if !degrees {
			f /= degToRad
		}
		nums = append(nums, f)
	}
	return nums, nil
}

// FromPgSphere parses the text output of pgsphere for the given SQL type.
// pgsphere emits radians unless a value is suffixed with d.
func FromPgSphere(sqlType, literal string) (Geometry, error) {
	nums, err := pgsNumbers(literal)
	if err != nil {
		return nil, err
	}

	switch sqlType {
	case "spoint":
		if len(nums) != 2 {
			return nil, fmt.Errorf("bad spoint literal '%s'", literal)
		}
		return Point{Frame: "ICRS", RA: nums[0], Dec: nums[1]}, nil
	case "scircle":
		if len(nums) != 3 {
			return nil, fmt.Errorf("bad scircle literal '%s'", literal)
		}
		return Circle{Frame: "ICRS", Center: Point{Frame: "ICRS", RA: nums[0], Dec: nums[1]}, Radius: nums[2]}, nil
	case "spoly":
		if len(nums) < 6 || len(nums)%2 != 0 {
			return nil, fmt.Errorf("bad spoly literal '%s'", literal)
		}
		poly := Polygon{Frame: "ICRS"}
		for i := 0; i < len(nums); i += 2 {
			poly.Vertices = append(poly.Vertices, Point{Frame: "ICRS", RA: nums[i], Dec: nums[i+1]})
		}
		return poly, nil
	case "sbox":
		if len(nums) != 4 {
			return nil, fmt.Errorf("bad sbox literal '%s'", literal)
		}
		return Box{
			Frame:  "ICRS",
			Center: Point{Frame: "ICRS", RA: (nums[0] + nums[2]) / 2, Dec: (nums[1] + nums[3]) / 2},
			Width:  nums[2] - nums[0],
			Height: nums[3] - nums[1],
		}, nil
	}
	return nil, fmt.Errorf("%s is not a pgsphere type", sqlType)
}

func pgsPoint(p Point) string {
	return fmt.Sprintf("(%sd,%sd)", fmtFloat(p.RA), fmtFloat(p.Dec))
}

// ToPgSphere renders g as a pgsphere input literal in degrees.
func ToPgSphere(g Geometry) string {
	switch v := g.(type) {
	case Point:
		return pgsPoint(v)
	case Circle:
		return fmt.Sprintf("<%s,%sd>", pgsPoint(v.Center), fmtFloat(v.Radius))
	case Polygon:
		parts := make([]string, 0, len(v.Vertices))
		for _, p := range v.Vertices {
			parts = append(parts, pgsPoint(p))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case Box:
		sw := Point{RA: v.Center.RA - v.Width/2, Dec: v.Center.Dec - v.Height/2}
		ne := Point{RA: v.Center.RA + v.Width/2, Dec: v.Center.Dec + v.Height/2}
		return fmt.Sprintf("(%s,%s)", pgsPoint(sw), pgsPoint(ne))
	}
	return ""
}

// PgSphereType gives the SQL type a geometry is stored in.
func PgSphereType(g Geometry) string {
	switch g.(type) {
	case Point:
		return "spoint"
	case Circle:
		return "scircle"
	case Polygon:
		return "spoly"
	case Box:
		return "sbox"
	}
	return ""
}
