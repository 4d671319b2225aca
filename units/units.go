// Package units parses VOUnit strings and computes conversion factors
// between compatible units.
package units

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var ErrIncompatible = errors.New("incompatible units")

// Unit is a parsed unit: a scale factor relative to the SI (or base)
// unit and the exponents of the base dimensions.
type Unit struct {
	Factor float64
	Dims   map[string]float64
	// NonLinear units (log, mag) are only convertible to themselves.
	NonLinear string
}

type baseUnit struct {
	factor   float64
	dims     map[string]float64
	prefixOk bool
}

func dims(pairs ...any) map[string]float64 {
	d := make(map[string]float64)
	for i := 0; i < len(pairs); i += 2 {
		d[pairs[i].(string)] = float64(pairs[i+1].(int))
	}
	return d
}

var knownUnits = map[string]baseUnit{
	"m":   {1, dims("m", 1), true},
	"g":   {1e-3, dims("kg", 1), true},
	"s":   {1, dims("s", 1), true},
	"A":   {1, dims("A", 1), true},
	"K":   {1, dims("K", 1), true},
	"mol": {1, dims("mol", 1), true},
	"cd":  {1, dims("cd", 1), true},
	"rad": {1, dims("rad", 1), true},
	"sr":  {1, dims("rad", 2), true},
	"Hz":  {1, dims("s", -1), true},
	"N":   {1, dims("kg", 1, "m", 1, "s", -2), true},
	"Pa":  {1, dims("kg", 1, "m", -1, "s", -2), true},
	"J":   {1, dims("kg", 1, "m", 2, "s", -2), true},
	"W":   {1, dims("kg", 1, "m", 2, "s", -3), true},
	"C":   {1, dims("A", 1, "s", 1), true},
	"V":   {1, dims("kg", 1, "m", 2, "s", -3, "A", -1), true},
	"Ohm": {1, dims("kg", 1, "m", 2, "s", -3, "A", -2), true},
	"S":   {1, dims("kg", -1, "m", -2, "s", 3, "A", 2), true},
	"F":   {1, dims("kg", -1, "m", -2, "s", 4, "A", 2), true},
	"Wb":  {1, dims("kg", 1, "m", 2, "s", -2, "A", -1), true},
	"T":   {1, dims("kg", 1, "s", -2, "A", -1), true},
	"H":   {1, dims("kg", 1, "m", 2, "s", -2, "A", -2), true},
	"lm":  {1, dims("cd", 1, "rad", 2), true},
	"lx":  {1, dims("cd", 1, "rad", 2, "m", -2), true},

	"deg":    {math.Pi / 180, dims("rad", 1), false},
	"arcmin": {math.Pi / 180 / 60, dims("rad", 1), false},
	"arcsec": {math.Pi / 180 / 3600, dims("rad", 1), true},
	"mas":    {math.Pi / 180 / 3600e3, dims("rad", 1), false},
	"min":    {60, dims("s", 1), false},
	"h":      {3600, dims("s", 1), false},
	"d":      {86400, dims("s", 1), false},
	"a":      {365.25 * 86400, dims("s", 1), true},
	"yr":     {365.25 * 86400, dims("s", 1), true},

	"AU":       {1.495978707e11, dims("m", 1), false},
	"au":       {1.495978707e11, dims("m", 1), false},
	"pc":       {3.0856775814913673e16, dims("m", 1), true},
	"lyr":      {9.4607304725808e15, dims("m", 1), false},
	"solMass":  {1.98847e30, dims("kg", 1), false},
	"solLum":   {3.828e26, dims("kg", 1, "m", 2, "s", -3), false},
	"solRad":   {6.957e8, dims("m", 1), false},
	"Angstrom": {1e-10, dims("m", 1), false},
	"angstrom": {1e-10, dims("m", 1), false},
	"Jy":       {1e-26, dims("kg", 1, "s", -2), true},
	"erg":      {1e-7, dims("kg", 1, "m", 2, "s", -2), false},
	"eV":       {1.602176634e-19, dims("kg", 1, "m", 2, "s", -2), true},
	"Ry":       {13.605693122994 * 1.602176634e-19, dims("kg", 1, "m", 2, "s", -2), false},
	"barn":     {1e-28, dims("m", 2), true},
	"u":        {1.66053906660e-27, dims("kg", 1), false},
	"D":        {3.33564e-30, dims("A", 1, "s", 1, "m", 1), false},
	"G":        {1e-4, dims("kg", 1, "s", -2, "A", -1), true},

	"bit":    {1, dims("bit", 1), true},
	"byte":   {8, dims("bit", 1), true},
	"B":      {8, dims("bit", 1), true},
	"ct":     {1, dims("ct", 1), true},
	"count":  {1, dims("ct", 1), true},
	"ph":     {1, dims("ph", 1), true},
	"photon": {1, dims("ph", 1), true},
	"pix":    {1, dims("pix", 1), true},
	"pixel":  {1, dims("pix", 1), true},
	"adu":    {1, dims("adu", 1), true},
	"chan":   {1, dims("chan", 1), true},
	"beam":   {1, dims("beam", 1), true},
	"bin":    {1, dims("bin", 1), true},
	"voxel":  {1, dims("voxel", 1), true},
	"%":      {0.01, dims(), false},
}

// Ordered longest first so "da" wins over "d".
var prefixes = []struct {
	name   string
	factor float64
}{
	{"da", 1e1}, {"y", 1e-24}, {"z", 1e-21}, {"a", 1e-18}, {"f", 1e-15},
	{"p", 1e-12}, {"n", 1e-9}, {"u", 1e-6}, {"m", 1e-3}, {"c", 1e-2},
	{"d", 1e-1}, {"h", 1e2}, {"k", 1e3}, {"M", 1e6}, {"G", 1e9},
	{"T", 1e12}, {"P", 1e15}, {"E", 1e18}, {"Z", 1e21}, {"Y", 1e24},
}

func one() Unit {
	return Unit{Factor: 1, Dims: map[string]float64{}}
}

func (u Unit) mul(o Unit, power float64) Unit {
	res := Unit{Factor: u.Factor * math.Pow(o.Factor, power), Dims: map[string]float64{}}
	for k, v := range u.Dims {
		res.Dims[k] = v
	}
	for k, v := range o.Dims {
		res.Dims[k] += v * power
		if res.Dims[k] == 0 {
			delete(res.Dims, k)
		}
	}
	return res
}

func (u Unit) pow(p float64) Unit {
	return one().mul(u, p)
}

func (u Unit) sameDims(o Unit) bool {
	if len(u.Dims) != len(o.Dims) {
		return false
	}
	for k, v := range u.Dims {
		if math.Abs(o.Dims[k]-v) > 1e-12 {
			return false
		}
	}
	return true
}

// DimString renders the dimension vector, mostly for diagnostics.
func (u Unit) DimString() string {
	keys := make([]string, 0, len(u.Dims))
	for k := range u.Dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s**%g", k, u.Dims[k]))
	}
	return strings.Join(parts, ".")
}

func lookupSymbol(name string) (baseUnit, bool) {
	if u, ok := knownUnits[name]; ok {
		return u, true
	}
	for _, p := range prefixes {
		if !strings.HasPrefix(name, p.name) || len(name) == len(p.name) {
			continue
		}
		if u, ok := knownUnits[name[len(p.name):]]; ok && u.prefixOk {
			return baseUnit{factor: u.factor * p.factor, dims: u.dims, prefixOk: false}, true
		}
	}
	return baseUnit{}, false
}

type parser struct {
	src string
	pos int
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("bad unit '%s' at %d: %s", p.src, p.pos, fmt.Sprintf(format, args...))
}

func isUnitChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '%'
}

func (p *parser) parseNumber() (float64, bool) {
	start := p.pos
	if c := p.peek(); c == '+' || c == '-' {
		p.pos++
	}
	digits := false
	for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
		// a dot directly followed by a letter is a product, not a decimal point
		if p.src[p.pos] == '.' && (p.pos+1 >= len(p.src) || !(p.src[p.pos+1] >= '0' && p.src[p.pos+1] <= '9')) {
			break
		}
		digits = true
		p.pos++
	}
	if digits && p.pos < len(p.src) && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
		save := p.pos
		p.pos++
		if c := p.peek(); c == '+' || c == '-' {
			p.pos++
		}
		expDigits := false
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
			expDigits = true
		}
		if !expDigits {
			p.pos = save
		}
	}
	if !digits {
		p.pos = start
		return 0, false
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		p.pos = start
		return 0, false
	}
	return f, true
}

func (p *parser) parsePower() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		num, ok := p.parseNumber()
		if !ok {
			return 0, p.errorf("expected exponent")
		}
		if p.peek() == '/' {
			p.pos++
			den, ok := p.parseNumber()
			if !ok || den == 0 {
				return 0, p.errorf("bad fractional exponent")
			}
			num /= den
		}
		if p.peek() != ')' {
			return 0, p.errorf("missing ')' in exponent")
		}
		p.pos++
		return num, nil
	}
	num, ok := p.parseNumber()
	if !ok {
		return 0, p.errorf("expected exponent")
	}
	return num, nil
}

func (p *parser) parseTerm() (Unit, error) {
	if p.peek() == '(' {
		p.pos++
		u, err := p.parseProduct()
		if err != nil {
			return Unit{}, err
		}
		if p.peek() != ')' {
			return Unit{}, p.errorf("missing ')'")
		}
		p.pos++
		return p.parseExponent(u)
	}

	start := p.pos
	for p.pos < len(p.src) && isUnitChar(p.src[p.pos]) {
		p.pos++
	}
	name := p.src[start:p.pos]
	if name == "" {
		return Unit{}, p.errorf("expected unit symbol")
	}

	switch name {
	case "log", "ln", "exp", "sqrt":
		if p.peek() != '(' {
			return Unit{}, p.errorf("function %s needs an argument", name)
		}
		p.pos++
		inner, err := p.parseProduct()
		if err != nil {
			return Unit{}, err
		}
		if p.peek() != ')' {
			return Unit{}, p.errorf("missing ')'")
		}
		p.pos++
		if name == "sqrt" {
			return inner.pow(0.5), nil
		}
		return Unit{Factor: 1, Dims: map[string]float64{}, NonLinear: name + "(" + inner.DimString() + ")"}, nil
	case "mag":
		return Unit{Factor: 1, Dims: map[string]float64{}, NonLinear: "mag"}, nil
	}

	base, ok := lookupSymbol(name)
	if !ok {
		return Unit{}, p.errorf("unknown unit '%s'", name)
	}
	return p.parseExponent(Unit{Factor: base.factor, Dims: base.dims})
}

func (p *parser) parseExponent(u Unit) (Unit, error) {
	switch {
	case strings.HasPrefix(p.src[p.pos:], "**"):
		p.pos += 2
	case p.peek() == '^':
		p.pos++
	case p.peek() == '+' || p.peek() == '-' || (p.peek() >= '0' && p.peek() <= '9'):
		// CDS-style juxtaposed exponent, m2 or s-1
	default:
		return u, nil
	}
	power, err := p.parsePower()
	if err != nil {
		return Unit{}, err
	}
	return u.pow(power), nil
}

func (p *parser) parseProduct() (Unit, error) {
	result := one()

	if f, ok := p.parseScale(); ok {
		result.Factor = f
	}

	nonLinear := ""
	power := 1.0
	for {
		u, err := p.parseTerm()
		if err != nil {
			return Unit{}, err
		}
		if u.NonLinear != "" {
			nonLinear = u.NonLinear
		}
		result = result.mul(u, power)

		switch p.peek() {
		case '.', '*', ' ':
			power = 1
		case '/':
			power = -1
		default:
			result.NonLinear = nonLinear
			return result, nil
		}
		p.pos++
	}
}

// parseScale reads a leading numeric factor such as 10**-3 or 1e-3.
func (p *parser) parseScale() (float64, bool) {
	start := p.pos
	f, ok := p.parseNumber()
	if !ok {
		return 0, false
	}
	if strings.HasPrefix(p.src[p.pos:], "**") || p.peek() == '^' {
		if p.peek() == '^' {
			p.pos++
		} else {
			p.pos += 2
		}
		exp, err := p.parsePower()
		if err != nil {
			p.pos = start
			return 0, false
		}
		f = math.Pow(f, exp)
	}
	if p.peek() == ' ' || p.peek() == '.' || p.peek() == '*' {
		p.pos++
	}
	if !isUnitChar(p.peek()) && p.peek() != '(' {
		p.pos = start
		return 0, false
	}
	return f, true
}

// Parse parses a VOUnit string. The empty string and "1" are dimensionless.
func Parse(s string) (Unit, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "1" || s == "---" {
		return one(), nil
	}
	p := &parser{src: s}
	u, err := p.parseProduct()
	if err != nil {
		return Unit{}, err
	}
	if p.pos != len(p.src) {
		return Unit{}, p.errorf("trailing garbage")
	}
	return u, nil
}

// ConversionFactor returns f such that value_in_from * f == value_in_to.
func ConversionFactor(from, to string) (float64, error) {
	if from == to {
		return 1, nil
	}
	fu, err := Parse(from)
	if err != nil {
		return 0, err
	}
	tu, err := Parse(to)
	if err != nil {
		return 0, err
	}
	if fu.NonLinear != "" || tu.NonLinear != "" {
		if fu.NonLinear == tu.NonLinear && fu.sameDims(tu) {
			return fu.Factor / tu.Factor, nil
		}
		return 0, fmt.Errorf("%w: '%s' and '%s' (non-linear)", ErrIncompatible, from, to)
	}
	if !fu.sameDims(tu) {
		return 0, fmt.Errorf("%w: '%s' is %s, '%s' is %s", ErrIncompatible, from, fu.DimString(), to, tu.DimString())
	}
	return fu.Factor / tu.Factor, nil
}

// Valid reports whether s parses as a unit.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}
