package rd

import (
	"fmt"
	"regexp"
	"strings"

	"vo_platform/base"
	"vo_platform/typesys"
	"vo_platform/units"
)

var (
	regularIdentifier   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	delimitedIdentifier = regexp.MustCompile(`^"[^"]+"$`)
)

func validateColumn(c *Column) error {
	if !regularIdentifier.MatchString(c.Name) && !delimitedIdentifier.MatchString(c.Name) {
		return &base.StructureError{Pos: c.Pos, Msg: fmt.Sprintf("'%s' is not a valid column name", c.Name),
			Hint: "use a quoted name for non-SQL identifiers"}
	}
	t, err := typesys.ParseType(c.Type)
	if err != nil {
		return &base.LiteralParseError{Attr: "type", Literal: c.Type, Pos: c.Pos, Err: err}
	}
	if c.VerbLevel < 0 || c.VerbLevel > 30 {
		return &base.LiteralParseError{Attr: "verbLevel", Literal: fmt.Sprint(c.VerbLevel), Pos: c.Pos,
			Err: fmt.Errorf("must be between 1 and 30")}
	}
	if c.Unit != "" && !units.Valid(c.Unit) {
		return &base.LiteralParseError{Attr: "unit", Literal: c.Unit, Pos: c.Pos, Err: fmt.Errorf("not a VOUnit")}
	}
	if c.Values != nil {
		for attr, lit := range map[string]string{"min": c.Values.Min, "max": c.Values.Max} {
			if lit == "" {
				continue
			}
			if _, err := typesys.ParseLiteral(t, lit); err != nil {
				return &base.LiteralParseError{Attr: attr, Literal: lit, Pos: c.Values.Pos, Err: err}
			}
		}
		for _, o := range c.Values.Options {
			if _, err := typesys.ParseLiteral(t, o.Content); err != nil {
				return &base.LiteralParseError{Attr: "option", Literal: o.Content, Pos: o.Pos, Err: err}
			}
		}
	}
	return nil
}

func (c *Column) complete(ctx *parseContext) ParseOutcome {
	if err := validateColumn(c); err != nil {
		return raise(err)
	}
	return continueWith(c)
}

func (p *Param) complete(ctx *parseContext) ParseOutcome {
	if err := validateColumn(&p.Column); err != nil {
		return raise(err)
	}
	if p.Value != "" && p.Value != p.NullLiteral() {
		if _, err := typesys.ParseLiteral(typesys.MustParseType(p.Type), p.Value); err != nil {
			return raise(&base.LiteralParseError{Attr: p.Name, Literal: p.Value, Pos: p.Pos, Err: err})
		}
	}
	return continueWith(p)
}

func (k *InputKey) complete(ctx *parseContext) ParseOutcome {
	if err := validateColumn(&k.Column); err != nil {
		return raise(err)
	}
	return continueWith(k)
}

func (f *OutputField) complete(ctx *parseContext) ParseOutcome {
	if err := validateColumn(&f.Column); err != nil {
		return raise(err)
	}
	return continueWith(f)
}

func (t *Table) complete(ctx *parseContext) ParseOutcome {
	names := map[string]bool{}
	for _, c := range t.Columns {
		key := strings.ToLower(c.Name)
		if names[key] {
			return raise(base.NewStructureError(c.Pos, "duplicate column name %s in table %s", c.Name, t.ID))
		}
		names[key] = true
	}
	for _, p := range t.Primary {
		if !names[strings.ToLower(p)] {
			return raise(base.NewStructureError(t.Pos, "primary key column %s is not in table %s", p, t.ID))
		}
	}
	for _, idx := range t.Indices {
		for _, col := range idx.Columns {
			if !names[strings.ToLower(col)] {
				return raise(base.NewStructureError(idx.Pos, "index column %s is not in table %s", col, t.ID))
			}
		}
	}
	var checkGroup func(g *Group) error
	checkGroup = func(g *Group) error {
		for _, ref := range g.ColumnRefs {
			if !names[strings.ToLower(ref.Dest)] {
				return base.NewStructureError(ref.Pos, "group %s references unknown column %s", g.Name, ref.Dest)
			}
		}
		for _, ref := range g.ParamRefs {
			if _, err := t.Param(ref.Dest); err != nil {
				return base.NewStructureError(ref.Pos, "group %s references unknown param %s", g.Name, ref.Dest)
			}
		}
		for _, sub := range g.Groups {
			if err := checkGroup(sub); err != nil {
				return err
			}
		}
		return nil
	}
	for _, g := range t.Groups {
		if err := checkGroup(g); err != nil {
			return raise(err)
		}
	}
	return continueWith(t)
}

func (s *Service) complete(ctx *parseContext) ParseOutcome {
	if len(s.Allowed) == 0 {
		return raise(base.NewStructureError(s.Pos, "service %s allows no renderers", s.ID))
	}
	ref := s.Core
	ctx.onComplete = append(ctx.onComplete, func() error {
		if _, ok := ref.Target.(Core); !ok {
			return base.NewStructureError(ref.Pos, "%s is not a core", ref.Spec)
		}
		return nil
	})
	for _, p := range s.Publications {
		if !s.Allows(p.Render) && p.Render != "oai" {
			return raise(base.NewStructureError(p.Pos, "service %s publishes renderer %s it does not allow", s.ID, p.Render))
		}
	}
	return continueWith(s)
}

func (c *DBCore) complete(ctx *parseContext) ParseOutcome {
	ref := c.QueriedTable
	ctx.onComplete = append(ctx.onComplete, func() error {
		if _, ok := ref.Target.(*Table); !ok {
			return base.NewStructureError(ref.Pos, "queriedTable %s is not a table", ref.Spec)
		}
		return nil
	})
	return continueWith(c)
}

// buildFromColumn derives an input key from a column.
func buildFromColumn(col *Column, required bool) *InputKey {
	key := &InputKey{Multiplicity: "single", ShowItems: 3}
	key.Column = *clone(col).(*Column)
	key.Column.ID = ""
	key.Column.Original = ""
	key.Required = required
	key.FromColumn = true
	if key.Values != nil {
		key.Values.parent = key
	}
	return key
}

// lookupBuildFrom finds the column named by buildFrom. Plain names are
// looked up in the queried table of the enclosing core.
func (cd *CondDesc) lookupBuildFrom(ctx *parseContext) (*Column, bool, error) {
	if strings.Contains(cd.BuildFrom, "#") {
		s, err := ctx.resolve(cd.BuildFrom, cd.Pos)
		if err != nil {
			return nil, false, err
		}
		col, ok := s.(*Column)
		if !ok {
			return nil, false, base.NewStructureError(cd.Pos, "buildFrom %s is not a column", cd.BuildFrom)
		}
		return col, true, nil
	}

	core, ok := cd.parent.(*DBCore)
	if !ok {
		return nil, false, base.NewStructureError(cd.Pos, "buildFrom with a plain column name needs a dbCore parent")
	}
	table := core.Table()
	if table == nil {
		s, found := ctx.rd.ids[core.QueriedTable.Spec]
		if !found {
			// queried table defined later or elsewhere
			return nil, false, nil
		}
		if table, ok = s.(*Table); !ok {
			return nil, false, base.NewStructureError(core.QueriedTable.Pos, "queriedTable %s is not a table", core.QueriedTable.Spec)
		}
	}
	col, err := table.Column(cd.BuildFrom)
	if err != nil {
		return nil, false, &base.StructureError{Pos: cd.Pos, Msg: err.Error(), Err: err}
	}
	return col, true, nil
}

func (cd *CondDesc) complete(ctx *parseContext) ParseOutcome {
	if cd.BuildFrom == "" {
		return continueWith(cd)
	}

	col, found, err := cd.lookupBuildFrom(ctx)
	if err != nil {
		return raise(err)
	}
	if found {
		built := clone(cd).(*CondDesc)
		built.InputKeys = append([]*InputKey{buildFromColumn(col, cd.Required)}, built.InputKeys...)
		built.InputKeys[0].parent = built
		built.BuildFrom = ""
		return replaceWith(built)
	}

	ctx.onComplete = append(ctx.onComplete, func() error {
		col, found, err := cd.lookupBuildFrom(ctx)
		if err != nil {
			return err
		}
		if !found {
			return base.NewNotFoundError("column", cd.BuildFrom, ctx.rd.ID)
		}
		key := buildFromColumn(col, cd.Required)
		key.parent = cd
		cd.InputKeys = append([]*InputKey{key}, cd.InputKeys...)
		cd.BuildFrom = ""
		return nil
	})
	return continueWith(cd)
}
