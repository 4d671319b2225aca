package svcs

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"vo_platform/base"
	"vo_platform/dates"
	"vo_platform/pql"
	"vo_platform/rd"
	"vo_platform/stc"
)

func init() {
	RegisterPhraseMaker("scs.cone", scsCone)
	RegisterPhraseMaker("scs.humanCone", scsHumanCone)
	RegisterPhraseMaker("siap.input", siapInput)
	RegisterPhraseMaker("ssap.input", ssapInput)
}

// findColumn returns the first column of t carrying any of the ucds.
func findColumn(t *rd.Table, ucds ...string) (*rd.Column, error) {
	if t == nil {
		return nil, fmt.Errorf("no queried table to look up %s in", ucds[0])
	}
	for _, ucd := range ucds {
		if c, err := t.ColumnByUCD(ucd); err == nil {
			return c, nil
		}
	}
	return nil, base.NewNotFoundError("column with UCD", ucds[0], "table "+t.ID)
}

func positionColumns(pc *PhraseContext) (string, string, error) {
	ra, err := findColumn(pc.Table, "pos.eq.ra;meta.main", "POS_EQ_RA_MAIN", "pos.eq.ra")
	if err != nil {
		return "", "", err
	}
	dec, err := findColumn(pc.Table, "pos.eq.dec;meta.main", "POS_EQ_DEC_MAIN", "pos.eq.dec")
	if err != nil {
		return "", "", err
	}
	return pc.Column(ra.Name), pc.Column(dec.Name), nil
}

func coneSQL(pc *PhraseContext, ra, dec, radius float64) (string, error) {
	raCol, decCol, err := positionColumns(pc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s <= %s",
		pc.DB.Dialect.Distance(raCol, decCol, pc.Args.Add(ra), pc.Args.Add(dec)),
		pc.Args.Add(radius)), nil
}

// scsCone handles the RA, DEC and SR parameters of simple cone search.
func scsCone(pc *PhraseContext) (string, error) {
	ra, okRA := pc.Inputs.GetFloat("RA")
	dec, okDec := pc.Inputs.GetFloat("DEC")
	sr, okSR := pc.Inputs.GetFloat("SR")
	if !okRA || !okDec || !okSR {
		return "", base.NewValidationError("", "RA, DEC and SR are all required for a cone search")
	}
	return coneSQL(pc, ra, dec, sr)
}

// scsHumanCone takes a position in decimal or sexagesimal notation and
// a radius in arcminutes.
func scsHumanCone(pc *PhraseContext) (string, error) {
	lit := pc.Inputs.GetString("hscs_pos")
	if lit == "" {
		return "", nil
	}
	pos, err := ParseHumanPosition(lit)
	if err != nil {
		return "", base.NewValidationError("hscs_pos", "%v", err)
	}
	sr, ok := pc.Inputs.GetFloat("hscs_sr")
	if !ok {
		sr = 1
	}
	return coneSQL(pc, pos.RA, pos.Dec, sr/60)
}

func parseSexagesimal(fields []string, hours bool) (float64, error) {
	sign := 1.0
	if strings.HasPrefix(fields[0], "-") {
		sign = -1
	}
	var val float64
	scale := 1.0
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimLeft(f, "+-"), 64)
		if err != nil {
			return 0, fmt.Errorf("'%s' is not a number", f)
		}
		if i > 0 && v >= 60 {
			return 0, fmt.Errorf("'%s' out of range for minutes or seconds", f)
		}
		val += v / scale
		scale *= 60
	}
	if hours {
		val *= 15
	}
	return sign * val, nil
}

// ParseHumanPosition parses "ra, dec" in decimal degrees or sexagesimal
// notation (hours for RA, degrees for Dec) separated by blanks or colons.
func ParseHumanPosition(literal string) (stc.Point, error) {
	lit := strings.TrimSpace(literal)
	if a, d, ok := strings.Cut(lit, ","); ok {
		ra, err1 := strconv.ParseFloat(strings.TrimSpace(a), 64)
		dec, err2 := strconv.ParseFloat(strings.TrimSpace(d), 64)
		if err1 == nil && err2 == nil {
			return checkedPoint(ra, dec)
		}
	}

	fields := strings.Fields(strings.NewReplacer(":", " ", ",", " ").Replace(lit))
	switch len(fields) {
	case 2:
		ra, err1 := strconv.ParseFloat(fields[0], 64)
		dec, err2 := strconv.ParseFloat(fields[1], 64)
		if err1 != nil || err2 != nil {
			return stc.Point{}, fmt.Errorf("'%s' is not a position", literal)
		}
		return checkedPoint(ra, dec)
	case 4, 6:
		half := len(fields) / 2
		ra, err := parseSexagesimal(fields[:half], true)
		if err != nil {
			return stc.Point{}, err
		}
		dec, err := parseSexagesimal(fields[half:], false)
		if err != nil {
			return stc.Point{}, err
		}
		return checkedPoint(ra, dec)
	}
	return stc.Point{}, fmt.Errorf("'%s' is neither a decimal nor a sexagesimal position", literal)
}

func checkedPoint(ra, dec float64) (stc.Point, error) {
	if dec < -90 || dec > 90 {
		return stc.Point{}, fmt.Errorf("declination %g out of range", dec)
	}
	return stc.Point{Frame: "ICRS", RA: math.Mod(ra+360, 360), Dec: dec}, nil
}

var mimeAliases = map[string]string{
	"votable": "application/x-votable+xml",
	"fits":    "application/fits",
	"xml":     "text/xml",
	"image":   "image/fits",
}

// formatPhrase restricts the mime column to the requested formats.
// Generic values select everything.
func formatPhrase(pc *PhraseContext, mimeCol string) string {
	lit := pc.Inputs.GetString("FORMAT")
	if lit == "" {
		return ""
	}
	var mimes []any
	for _, f := range strings.Split(lit, ",") {
		f = strings.TrimSpace(f)
		switch strings.ToLower(f) {
		case "", "all", "compliant", "native", "graphic", "metadata":
			return ""
		}
		if alias, ok := mimeAliases[strings.ToLower(f)]; ok {
			f = alias
		}
		mimes = append(mimes, f)
	}
	return inList(pc.Column(mimeCol), mimes, pc.Args)
}

// siapInput implements POS, SIZE and INTERSECT of simple image access.
// Postgres compares footprints with pgsphere; other engines only know
// image centers.
func siapInput(pc *PhraseContext) (string, error) {
	if pc.Meta != nil && pc.Meta.MetadataOnly {
		return "", nil
	}
	posLit := pc.Inputs.GetString("POS")
	if posLit == "" {
		return "", base.NewValidationError("POS", "value needed")
	}
	pos, err := pql.ParsePosition("POS", posLit)
	if err != nil {
		return "", err
	}
	sizeLit := pc.Inputs.GetString("SIZE")
	if sizeLit == "" {
		return "", base.NewValidationError("SIZE", "value needed")
	}
	w, h, err := pql.ParseSize("SIZE", sizeLit)
	if err != nil {
		return "", err
	}
	intersect := strings.ToUpper(pc.Inputs.GetString("INTERSECT"))
	if intersect == "" {
		intersect = "OVERLAPS"
	}

	cosDec := math.Max(math.Cos(pos.Dec*math.Pi/180), 1e-6)
	raLo, raHi := pos.RA-w/2/cosDec, pos.RA+w/2/cosDec
	decLo, decHi := math.Max(pos.Dec-h/2, -90), math.Min(pos.Dec+h/2, 90)

	var cond string
	if pc.DB.Dialect.Name() == "postgres" {
		box := fmt.Sprintf("sbox(spoint(RADIANS(%s), RADIANS(%s)), spoint(RADIANS(%s), RADIANS(%s)))",
			pc.Args.Add(raLo), pc.Args.Add(decLo), pc.Args.Add(raHi), pc.Args.Add(decHi))
		coverage := pc.Column("coverage")
		switch intersect {
		case "COVERS":
			cond = fmt.Sprintf("%s @ %s", box, coverage)
		case "ENCLOSED":
			cond = fmt.Sprintf("%s @ %s", coverage, box)
		case "CENTER":
			cond = fmt.Sprintf("spoint(RADIANS(%s), RADIANS(%s)) @ %s",
				pc.Column("centerAlpha"), pc.Column("centerDelta"), box)
		default:
			cond = fmt.Sprintf("%s && %s", coverage, box)
		}
	} else {
		ra, dec := pc.Column("centerAlpha"), pc.Column("centerDelta")
		cond = fmt.Sprintf("%s BETWEEN %s AND %s AND %s",
			dec, pc.Args.Add(decLo), pc.Args.Add(decHi), raRange(ra, raLo, raHi, pc.Args))
	}

	return joinConditions(nonEmpty(cond, formatPhrase(pc, "mime"))), nil
}

// raRange is an RA interval condition, split when it crosses 0.
func raRange(col string, lo, hi float64, args *pql.Args) string {
	if hi-lo >= 360 {
		return "1=1"
	}
	lo, hi = math.Mod(lo+360, 360), math.Mod(hi+360, 360)
	if lo <= hi {
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, args.Add(lo), args.Add(hi))
	}
	return fmt.Sprintf("(%s >= %s OR %s <= %s)", col, args.Add(lo), col, args.Add(hi))
}

func nonEmpty(conds ...string) []string {
	res := conds[:0]
	for _, c := range conds {
		if c != "" {
			res = append(res, c)
		}
	}
	return res
}

// ssapInput implements the queryData parameters of simple spectral
// access.
func ssapInput(pc *PhraseContext) (string, error) {
	if pc.Meta != nil && pc.Meta.MetadataOnly {
		return "", nil
	}
	if req := pc.Inputs.GetString("REQUEST"); !strings.EqualFold(req, "queryData") {
		return "", base.NewValidationError("REQUEST", "only queryData is supported, not '%s'", req)
	}

	var conds []string
	if posLit := pc.Inputs.GetString("POS"); posLit != "" {
		pos, err := pql.ParsePosition("POS", posLit)
		if err != nil {
			return "", err
		}
		size, ok := pc.Inputs.GetFloat("SIZE")
		if !ok {
			size = 0.1
		}
		cone, err := coneSQL(pc, pos.RA, pos.Dec, size/2)
		if err != nil {
			return "", err
		}
		conds = append(conds, cone)
	}

	if lit := pc.Inputs.GetString("BAND"); lit != "" {
		par, err := pql.Parse("BAND", lit, pql.Float)
		if err != nil {
			return "", err
		}
		conds = append(conds, bandSQL(pc, par))
	}

	if lit := pc.Inputs.GetString("TIME"); lit != "" {
		par, err := pql.Parse("TIME", lit, pql.Date)
		if err != nil {
			return "", err
		}
		par.ColumnRep = dates.RepMJD
		frag, err := par.SQL(pc.Column("ssa_dateObs"), pc.Args)
		if err != nil {
			return "", err
		}
		conds = append(conds, frag)
	}

	if lit := pc.Inputs.GetString("TARGETNAME"); lit != "" {
		par, err := pql.Parse("TARGETNAME", lit, pql.String)
		if err != nil {
			return "", err
		}
		par.Caseless = true
		frag, err := par.SQL(pc.Column("ssa_targname"), pc.Args)
		if err != nil {
			return "", err
		}
		conds = append(conds, frag)
	}

	conds = append(conds, formatPhrase(pc, "mime"))
	return joinConditions(nonEmpty(conds...)), nil
}

// bandSQL selects spectra whose spectral coverage overlaps any of the
// ranges in par.
func bandSQL(pc *PhraseContext, par *pql.Par) string {
	start, end := pc.Column("ssa_specstart"), pc.Column("ssa_specend")
	var alts []string
	for _, r := range par.Ranges {
		if r.IsValue() {
			ph := pc.Args.Add(r.Value)
			alts = append(alts, fmt.Sprintf("%s <= %s AND %s >= %s", start, ph, end, ph))
			continue
		}
		var parts []string
		if r.Start != nil {
			parts = append(parts, fmt.Sprintf("%s >= %s", end, pc.Args.Add(r.Start)))
		}
		if r.Stop != nil {
			parts = append(parts, fmt.Sprintf("%s <= %s", start, pc.Args.Add(r.Stop)))
		}
		alts = append(alts, strings.Join(parts, " AND "))
	}
	if len(alts) == 1 {
		return alts[0]
	}
	return "(" + strings.Join(alts, ") OR (") + ")"
}
