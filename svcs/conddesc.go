package svcs

import (
	"fmt"
	"strings"
	"sync"

	"vo_platform/base"
	"vo_platform/pql"
	"vo_platform/rd"
	"vo_platform/schema"
)

// PhraseContext is what a phrase maker sees while building the WHERE
// clause of a query.
type PhraseContext struct {
	Desc   *rd.CondDesc
	Inputs *InputTable
	Args   *pql.Args
	Table  *rd.Table
	DB     *schema.DB
	Meta   *QueryMeta
}

// Column returns an SQL reference to a column of the queried table.
func (pc *PhraseContext) Column(name string) string {
	return schema.QuoteName(name)
}

// PhraseMaker returns an SQL condition for a condition descriptor, or the
// empty string if it does not constrain the query.
type PhraseMaker func(pc *PhraseContext) (string, error)

var (
	phraseMakersMu sync.RWMutex
	phraseMakers   = map[string]PhraseMaker{}
)

// RegisterPhraseMaker makes a phrase maker available to condDescs under
// name.
func RegisterPhraseMaker(name string, pm PhraseMaker) {
	phraseMakersMu.Lock()
	defer phraseMakersMu.Unlock()
	phraseMakers[name] = pm
}

func getPhraseMaker(name string) (PhraseMaker, error) {
	phraseMakersMu.RLock()
	defer phraseMakersMu.RUnlock()
	pm, ok := phraseMakers[name]
	if !ok {
		return nil, base.NewNotFoundError("phrase maker", name, "")
	}
	return pm, nil
}

// condKeys returns the input keys of cd as seen in a request.
func condKeys(cd *rd.CondDesc) []*rd.InputKey {
	return AdaptKeys(cd.InputKeys)
}

// condActive is true if the request gives a value for any key of cd.
func condActive(cd *rd.CondDesc, it *InputTable) bool {
	for _, key := range condKeys(cd) {
		if it.Params.Has(key.Name) {
			return true
		}
	}
	return false
}

// checkCondInput validates presence of the keys of cd. Inactive
// required condDescs fail unless only metadata was requested; on
// protocol-free form input, condDescs made of standard keys only are
// never required.
func checkCondInput(cd *rd.CondDesc, it *InputTable, qm *QueryMeta) error {
	keys := condKeys(cd)
	if len(keys) == 0 {
		return nil
	}
	if !condActive(cd, it) {
		if !cd.Required || qm.MetadataOnly || (qm.Style == StyleForm && allStd(keys)) {
			return nil
		}
		return base.NewValidationError(keys[0].Name, "value needed")
	}
	if cd.Combining {
		return nil
	}
	for _, key := range keys {
		if key.Required && !it.Has(key.Name) {
			return base.NewValidationError(key.Name, "value needed")
		}
	}
	return nil
}

func allStd(keys []*rd.InputKey) bool {
	for _, k := range keys {
		if !k.Std {
			return false
		}
	}
	return true
}

// condPhrase returns the SQL condition contributed by cd.
func condPhrase(pc *PhraseContext) (string, error) {
	cd := pc.Desc
	var parts []string
	if cd.FixedSQL != "" {
		parts = append(parts, cd.FixedSQL)
	}
	if !cd.Silent && condActive(cd, pc.Inputs) {
		pm := defaultPhrase
		if cd.PhraseMaker != "" {
			var err error
			if pm, err = getPhraseMaker(cd.PhraseMaker); err != nil {
				return "", err
			}
		}
		frag, err := pm(pc)
		if err != nil {
			return "", err
		}
		if frag != "" {
			parts = append(parts, frag)
		}
	}
	return joinConditions(parts), nil
}

// joinConditions ANDs SQL conditions, parenthesizing compound ones.
func joinConditions(conds []string) string {
	switch len(conds) {
	case 0:
		return ""
	case 1:
		return conds[0]
	}
	wrapped := make([]string, len(conds))
	for i, c := range conds {
		wrapped[i] = "(" + c + ")"
	}
	return strings.Join(wrapped, " AND ")
}

func inList(column string, values []any, args *pql.Args) string {
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = args.Add(v)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(phs, ", "))
}

// defaultPhrase constrains the column named like each key: range lists
// through their own SQL, point keys by distance, plain values by
// equality.
func defaultPhrase(pc *PhraseContext) (string, error) {
	var parts []string
	for _, key := range pc.Desc.InputKeys {
		col := pc.Column(key.Name)
		if key.FromColumn && strings.EqualFold(key.Type, "spoint") {
			frag, err := pointPhrase(pc, key.Name)
			if err != nil {
				return "", err
			}
			if frag != "" {
				parts = append(parts, frag)
			}
			continue
		}
		if par, ok := pc.Inputs.Pars[key.Name]; ok {
			frag, err := par.SQL(col, pc.Args)
			if err != nil {
				return "", err
			}
			parts = append(parts, frag)
			continue
		}
		switch v := pc.Inputs.Get(key.Name).(type) {
		case nil:
		case []any:
			parts = append(parts, inList(col, v, pc.Args))
		default:
			parts = append(parts, col+" = "+pc.Args.Add(v))
		}
	}
	return joinConditions(parts), nil
}

// pointPhrase builds a cone condition on a point column from the
// position and radius keys AdaptKeys makes for it.
func pointPhrase(pc *PhraseContext, name string) (string, error) {
	lit := pc.Inputs.GetString(name)
	if lit == "" {
		return "", nil
	}
	pos, err := pql.ParsePosition(name, lit)
	if err != nil {
		return "", err
	}
	radius, ok := pc.Inputs.GetFloat(name + RadiusSuffix)
	if !ok {
		radius = 1
	}
	return fmt.Sprintf("%s <= %s",
		pc.DB.Dialect.PointDistance(pc.Column(name), pc.Args.Add(pos.RA), pc.Args.Add(pos.Dec)),
		pc.Args.Add(radius/60)), nil
}
