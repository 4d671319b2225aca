package valuemap

import (
	"fmt"

	"vo_platform/rd"
	"vo_platform/rsc"
)

// AnnotatedParam is a param with its mapped value.
type AnnotatedParam struct {
	*AnnotatedColumn
	Param *rd.Param
	Value any
}

// SerManager maps the rows of a result table for one output format.
type SerManager struct {
	Table   *rsc.Table
	Columns []*AnnotatedColumn
	Params  []*AnnotatedParam
	IDs     *IdManager

	mappers []Mapper
	// indices of columns that have a mapper
	mapped []int
}

type serOptions struct {
	registry *Registry
	ids      *IdManager
	ctx      *Context
}

type Option func(*serOptions)

func WithRegistry(r *Registry) Option {
	return func(o *serOptions) { o.registry = r }
}

// WithIDs shares an id manager between several tables of a document.
func WithIDs(ids *IdManager) Option {
	return func(o *serOptions) { o.ids = ids }
}

func WithContext(ctx *Context) Option {
	return func(o *serOptions) { o.ctx = ctx }
}

func NewSerManager(table *rsc.Table, opts ...Option) (*SerManager, error) {
	o := serOptions{registry: Default}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ids == nil {
		o.ids = NewIdManager()
	}
	if o.ctx == nil {
		o.ctx = &Context{}
	}

	s := &SerManager{Table: table, IDs: o.ids}
	for i, col := range table.Def.Columns {
		ac, err := Annotate(col, o.ctx)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		m := o.registry.Mapper(ac)
		s.Columns = append(s.Columns, ac)
		s.mappers = append(s.mappers, m)
		if m != nil {
			s.mapped = append(s.mapped, i)
		}
	}

	// mappers may have changed the column metadata, so ids are assigned
	// only now
	for _, ac := range s.Columns {
		ac.ID = s.IDs.GetOrMakeID(ac.Original, ac.Original.ID, ac.Name)
	}

	for _, p := range table.Def.Params {
		ac, err := Annotate(&p.Column, o.ctx)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
		v, err := table.ParamValue(p)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", p.Name, err)
		}
		if m := o.registry.Mapper(ac); m != nil {
			v = m(v)
		}
		ac.ID = s.IDs.GetOrMakeID(p, p.ID, p.Name)
		s.Params = append(s.Params, &AnnotatedParam{AnnotatedColumn: ac, Param: p, Value: v})
	}
	return s, nil
}

// MapRow returns the row with all mappers applied. Columns without a
// mapper are copied.
func (s *SerManager) MapRow(row []any) []any {
	res := make([]any, len(row))
	copy(res, row)
	for _, i := range s.mapped {
		res[i] = s.mappers[i](row[i])
	}
	return res
}

// MapDict returns the mapped row keyed by column name.
func (s *SerManager) MapDict(row []any) map[string]any {
	mapped := s.MapRow(row)
	res := make(map[string]any, len(mapped))
	for i, ac := range s.Columns {
		res[ac.Name] = mapped[i]
	}
	return res
}

// EachRow calls fn with every mapped row, stopping at the first error.
func (s *SerManager) EachRow(fn func(row []any) error) error {
	for n, row := range s.Table.Rows {
		if len(row) != len(s.Columns) {
			return fmt.Errorf("row %d has %d values for %d columns", n, len(row), len(s.Columns))
		}
		if err := fn(s.MapRow(row)); err != nil {
			return err
		}
	}
	return nil
}
