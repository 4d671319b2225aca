package svcs

import (
	"strconv"
	"strings"
	"time"

	"vo_platform/base"
	"vo_platform/valuemap"
)

// ParameterStyle says how a renderer's parameters are interpreted.
type ParameterStyle string

const (
	StyleForm ParameterStyle = "form"
	StylePQL  ParameterStyle = "pql"
	StyleDALI ParameterStyle = "dali"
	StyleTAP  ParameterStyle = "tap"
	StyleNone ParameterStyle = "none"
)

// DefaultVerbLevel is the verbosity of results when VERB is not given.
const DefaultVerbLevel = 20

// QueryMeta holds the request-level information that controls how a core
// runs and how its result is rendered.
type QueryMeta struct {
	Renderer string
	Style    ParameterStyle
	// Format is the requested output format, empty for the renderer's
	// default.
	Format    string
	Limit     int
	VerbLevel int
	// AddItems are output columns included regardless of verbosity.
	AddItems []string
	// MetadataOnly requests the result structure without rows.
	MetadataOnly bool
	Timeout      time.Duration
	// User is the authenticated user, if any.
	User string
	Ctx  *valuemap.Context
}

// Limits bounds the row limit a client may request.
type Limits struct {
	Default int
	Hard    int
}

var formatlessValues = map[string]bool{
	"metadata": true, "all": true, "compliant": true, "native": true, "graphic": true,
}

// NewQueryMeta reads the protocol-level parameters (MAXREC, VERB,
// RESPONSEFORMAT and friends) from a request.
func NewQueryMeta(p *Params, renderer string, style ParameterStyle, limits Limits) (*QueryMeta, error) {
	qm := &QueryMeta{
		Renderer:  renderer,
		Style:     style,
		Limit:     limits.Default,
		VerbLevel: DefaultVerbLevel,
	}

	for _, name := range []string{"RESPONSEFORMAT", "_FORMAT"} {
		if v := p.Get(name); v != "" {
			qm.Format = v
			break
		}
	}
	if f := p.Get("FORMAT"); f != "" {
		if strings.EqualFold(f, "METADATA") {
			qm.MetadataOnly = true
		} else if qm.Format == "" && !formatlessValues[strings.ToLower(f)] {
			qm.Format = f
		}
	}

	for _, name := range []string{"MAXREC", "_DBOPTIONS_LIMIT", "TOP"} {
		lit := p.Get(name)
		if lit == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(lit))
		if err != nil || n < 0 {
			return nil, base.NewValidationError(name, "'%s' is not a non-negative integer", lit)
		}
		qm.Limit = n
		if limits.Hard > 0 && n > limits.Hard {
			qm.Limit = limits.Hard
		}
		if n == 0 {
			qm.MetadataOnly = true
		}
		break
	}

	if lit := p.Get("VERB"); lit != "" {
		n, err := strconv.Atoi(lit)
		if err != nil || n < 1 || n > 3 {
			return nil, base.NewValidationError("VERB", "must be 1, 2 or 3")
		}
		qm.VerbLevel = n * 10
	} else if lit := p.Get("_VERB"); lit != "" {
		n, err := strconv.Atoi(lit)
		if err != nil || n < 0 {
			return nil, base.NewValidationError("_VERB", "'%s' is not a verbosity", lit)
		}
		qm.VerbLevel = n * 10
	}

	for _, item := range p.GetAll("_ADDITEM") {
		qm.AddItems = append(qm.AddItems, strings.Split(item, ",")...)
	}
	return qm, nil
}
