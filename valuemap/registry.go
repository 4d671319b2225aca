// Package valuemap turns the native values of result tables into what the
// output formats write.
package valuemap

import (
	"strings"
	"sync"

	"vo_platform/rd"
	"vo_platform/typesys"
)

// Mapper converts one native value. Mappers must accept nil.
type Mapper func(v any) any

// Context carries request-level information some mappers need.
type Context struct {
	// ServerURL prefixes links to products and previews.
	ServerURL string
	// ProductToken, if set, signs product links for embargoed data.
	ProductToken func(accref string) string
}

// AnnotatedColumn is a column with the serialization properties that
// mappers may change.
type AnnotatedColumn struct {
	Original *rd.Column
	Type     typesys.Type

	Name        string
	ID          string
	Datatype    string
	Arraysize   string
	XType       string
	Unit        string
	UCD         string
	Utype       string
	Description string
	// NullValue is the VOTable null literal for integer columns.
	NullValue string
	Min       string
	Max       string
	Options   []string

	// Hints starts as a copy of the column's display hints.
	Hints map[string]string
	Ctx   *Context
}

// Annotate derives the default serialization properties of a column.
func Annotate(col *rd.Column, ctx *Context) (*AnnotatedColumn, error) {
	t, err := typesys.ParseType(col.Type)
	if err != nil {
		return nil, err
	}
	vt := typesys.ToVOTable(t)
	ac := &AnnotatedColumn{
		Original:    col,
		Type:        t,
		Name:        col.Name,
		ID:          col.ID,
		Datatype:    vt.Datatype,
		Arraysize:   vt.Arraysize,
		XType:       vt.XType,
		Unit:        col.Unit,
		UCD:         col.UCD,
		Utype:       col.Utype,
		Description: col.Description,
		Hints:       map[string]string{},
		Ctx:         ctx,
	}
	if col.XType != "" {
		ac.XType = col.XType
	}
	for k, v := range col.DisplayHint {
		ac.Hints[k] = v
	}
	if ctx == nil {
		ac.Ctx = &Context{}
	}

	if col.Values != nil {
		ac.Min, ac.Max = col.Values.Min, col.Values.Max
		for _, o := range col.Values.Options {
			ac.Options = append(ac.Options, o.Content)
		}
		if typesys.IsInteger(t.Base) && !t.Array {
			ac.NullValue = col.Values.NullLiteral
		}
	}
	return ac, nil
}

// Hint returns a display hint.
func (ac *AnnotatedColumn) Hint(key string) string {
	return ac.Hints[key]
}

// HintType is the value of the "type" display hint.
func (ac *AnnotatedColumn) HintType() string {
	return strings.ToLower(ac.Hints["type"])
}

// Factory returns a mapper for columns it knows how to handle, nil
// otherwise.
type Factory func(ac *AnnotatedColumn) Mapper

// Registry is an ordered list of factories. Factories registered later
// are tried first.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
}

func NewRegistry(factories ...Factory) *Registry {
	return &Registry{factories: factories}
}

func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
}

// Clone returns an independent registry with the same factories.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Registry{factories: append([]Factory{}, r.factories...)}
}

// Mapper returns the mapper of the most recently registered factory
// accepting the column, nil if values can be written unchanged.
func (r *Registry) Mapper(ac *AnnotatedColumn) Mapper {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.factories) - 1; i >= 0; i-- {
		if m := r.factories[i](ac); m != nil {
			return m
		}
	}
	return nil
}

var (
	// Default is used for machine-readable formats.
	Default = NewRegistry(byteaFactory, geometryFactory, datetimeFactory)
	// HTML adds the presentational mappers.
	HTML = newHTMLRegistry()
)

func newHTMLRegistry() *Registry {
	r := Default.Clone()
	for _, f := range []Factory{
		unitFactory,
		sexagesimalFactory,
		checkmarkFactory,
		urlFactory,
		bibcodeFactory,
		productFactory,
		keepHTMLFactory,
	} {
		r.Register(f)
	}
	return r
}
