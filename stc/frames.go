package stc

import (
	"fmt"
	"math"
	"strings"
)

type matrix [3][3]float64

func (m matrix) apply(v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
	}
	return out
}

func (m matrix) transpose() matrix {
	var t matrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = m[j][i]
		}
	}
	return t
}

// Equatorial J2000 to galactic, Hipparcos definition.
var icrsToGalactic = matrix{
	{-0.0548755604162154, -0.8734370902348850, -0.4838350155487132},
	{+0.4941094278755837, -0.4448296299600112, +0.7469822444972189},
	{-0.8676661490190047, -0.1980763734312015, +0.4559837761750669},
}

// B1950 to J2000 position rotation as used by SLALIB's FK45Z, without
// E-terms or proper motions.
var fk4ToFK5 = matrix{
	{+0.9999256782, -0.0111820611, -0.0048579477},
	{+0.0111820610, +0.9999374784, -0.0000271765},
	{+0.0048579479, -0.0000271474, +0.9999881997},
}

func toCartesian(p Point) [3]float64 {
	ra, dec := p.RA*degToRad, p.Dec*degToRad
	return [3]float64{math.Cos(dec) * math.Cos(ra), math.Cos(dec) * math.Sin(ra), math.Sin(dec)}
}

func fromCartesian(v [3]float64, frame string) Point {
	ra := math.Atan2(v[1], v[0]) / degToRad
	if ra < 0 {
		ra += 360
	}
	dec := math.Atan2(v[2], math.Hypot(v[0], v[1])) / degToRad
	return Point{Frame: frame, RA: ra, Dec: dec}
}

func normalizeFrame(frame string) (string, error) {
	switch strings.ToUpper(frame) {
	case "", "ICRS", "UNKNOWNFRAME":
		return "ICRS", nil
	case "FK5", "J2000":
		return "FK5", nil
	case "FK4", "B1950":
		return "FK4", nil
	case "GALACTIC", "GALACTIC_II":
		return "GALACTIC", nil
	}
	return "", fmt.Errorf("unsupported reference frame '%s'", frame)
}

// ToICRS converts p to ICRS. FK5 is treated as identical to ICRS.
func ToICRS(p Point) (Point, error) {
	frame, err := normalizeFrame(p.Frame)
	if err != nil {
		return Point{}, err
	}

	switch frame {
	case "ICRS", "FK5":
		return Point{Frame: "ICRS", RA: p.RA, Dec: p.Dec}, nil
	case "FK4":
		return fromCartesian(fk4ToFK5.apply(toCartesian(p)), "ICRS"), nil
	case "GALACTIC":
		return fromCartesian(icrsToGalactic.transpose().apply(toCartesian(p)), "ICRS"), nil
	}
	return Point{}, fmt.Errorf("unsupported reference frame '%s'", p.Frame)
}

// FromICRS converts an ICRS position into frame.
func FromICRS(p Point, frame string) (Point, error) {
	target, err := normalizeFrame(frame)
	if err != nil {
		return Point{}, err
	}

	switch target {
	case "ICRS", "FK5":
		return Point{Frame: target, RA: p.RA, Dec: p.Dec}, nil
	case "FK4":
		return fromCartesian(fk4ToFK5.transpose().apply(toCartesian(p)), "FK4"), nil
	case "GALACTIC":
		return fromCartesian(icrsToGalactic.apply(toCartesian(p)), "GALACTIC"), nil
	}
	return Point{}, fmt.Errorf("unsupported reference frame '%s'", frame)
}
