// Package stc holds the small geometry model used by the server together with
// its STC-S serialization and the translation from and to pgsphere literals.
package stc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Geometry is one of Point, Circle, Polygon or Box. All angles are in degrees.
type Geometry interface {
	GetFrame() string
	// XType is the VOTable xtype the geometry serializes as.
	XType() string
	isGeometry()
}

type Point struct {
	Frame string
	RA    float64
	Dec   float64
}

type Circle struct {
	Frame  string
	Center Point
	Radius float64
}

type Polygon struct {
	Frame    string
	Vertices []Point
}

type Box struct {
	Frame  string
	Center Point
	Width  float64
	Height float64
}

func (p Point) GetFrame() string   { return p.Frame }
func (c Circle) GetFrame() string  { return c.Frame }
func (p Polygon) GetFrame() string { return p.Frame }
func (b Box) GetFrame() string     { return b.Frame }

func (Point) XType() string   { return "adql:POINT" }
func (Circle) XType() string  { return "adql:REGION" }
func (Polygon) XType() string { return "adql:REGION" }
func (Box) XType() string     { return "adql:REGION" }

func (Point) isGeometry()   {}
func (Circle) isGeometry()  {}
func (Polygon) isGeometry() {}
func (Box) isGeometry()     {}

const degToRad = math.Pi / 180

// DistanceTo returns the great-circle distance in degrees.
func (p Point) DistanceTo(o Point) float64 {
	ra1, dec1 := p.RA*degToRad, p.Dec*degToRad
	ra2, dec2 := o.RA*degToRad, o.Dec*degToRad
	sdd := math.Sin((dec2 - dec1) / 2)
	sdr := math.Sin((ra2 - ra1) / 2)
	a := sdd*sdd + math.Cos(dec1)*math.Cos(dec2)*sdr*sdr
	return 2 * math.Asin(math.Min(1, math.Sqrt(a))) / degToRad
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func framePrefix(frame string) string {
	if frame == "" {
		return ""
	}
	return " " + frame
}

// STCS serializes g as an STC-S string.
func STCS(g Geometry) string {
	switch v := g.(type) {
	case Point:
		return fmt.Sprintf("Position%s %s %s", framePrefix(v.Frame), fmtFloat(v.RA), fmtFloat(v.Dec))
	case Circle:
		return fmt.Sprintf("Circle%s %s %s %s", framePrefix(v.Frame),
			fmtFloat(v.Center.RA), fmtFloat(v.Center.Dec), fmtFloat(v.Radius))
	case Polygon:
		parts := make([]string, 0, 2*len(v.Vertices))
		for _, p := range v.Vertices {
			parts = append(parts, fmtFloat(p.RA), fmtFloat(p.Dec))
		}
		return fmt.Sprintf("Polygon%s %s", framePrefix(v.Frame), strings.Join(parts, " "))
	case Box:
		return fmt.Sprintf("Box%s %s %s %s %s", framePrefix(v.Frame),
			fmtFloat(v.Center.RA), fmtFloat(v.Center.Dec), fmtFloat(v.Width), fmtFloat(v.Height))
	}
	return ""
}

var knownFrames = map[string]bool{
	"ICRS": true, "FK5": true, "FK4": true, "GALACTIC": true,
	"ECLIPTIC": true, "UNKNOWNFrame": true,
}

// ParseSTCS parses the subset of STC-S produced by STCS.
func ParseSTCS(s string) (Geometry, error) {
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty STC-S string")
	}

	shape := tokens[0]
	rest := tokens[1:]
	frame := ""
	if len(rest) > 0 {
		if rest[0] == "UNKNOWNFrame" {
			frame = rest[0]
			rest = rest[1:]
		} else if knownFrames[strings.ToUpper(rest[0])] {
			frame = strings.ToUpper(rest[0])
			rest = rest[1:]
		}
	}

	nums := make([]float64, 0, len(rest))
	for _, tok := range rest {
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number '%s' in STC-S", tok)
		}
		nums = append(nums, f)
	}

	switch strings.ToLower(shape) {
	case "position":
		if len(nums) != 2 {
			return nil, fmt.Errorf("Position needs exactly two coordinates")
		}
		return Point{Frame: frame, RA: nums[0], Dec: nums[1]}, nil
	case "circle":
		if len(nums) != 3 {
			return nil, fmt.Errorf("Circle needs center and radius")
		}
		return Circle{Frame: frame, Center: Point{Frame: frame, RA: nums[0], Dec: nums[1]}, Radius: nums[2]}, nil
	case "polygon":
		if len(nums) < 6 || len(nums)%2 != 0 {
			return nil, fmt.Errorf("Polygon needs at least three vertices")
		}
		poly := Polygon{Frame: frame}
		for i := 0; i < len(nums); i += 2 {
			poly.Vertices = append(poly.Vertices, Point{Frame: frame, RA: nums[i], Dec: nums[i+1]})
		}
		return poly, nil
	case "box":
		if len(nums) != 4 {
			return nil, fmt.Errorf("Box needs center, width and height")
		}
		return Box{Frame: frame, Center: Point{Frame: frame, RA: nums[0], Dec: nums[1]}, Width: nums[2], Height: nums[3]}, nil
	}
	return nil, fmt.Errorf("unsupported STC-S shape '%s'", shape)
}
