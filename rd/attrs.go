package rd

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"vo_platform/base"
)

type attrKind int

const (
	kindAtom attrKind = iota
	kindList
	kindDict
	kindStruct
	kindStructs
	kindMulti
	kindRef
	kindContent
	kindOriginal
	kindProperty
	kindMeta
)

var kindNames = map[string]attrKind{
	"atom":     kindAtom,
	"list":     kindList,
	"dict":     kindDict,
	"struct":   kindStruct,
	"structs":  kindStructs,
	"multi":    kindMulti,
	"ref":      kindRef,
	"content":  kindContent,
	"original": kindOriginal,
	"property": kindProperty,
	"meta":     kindMeta,
}

// attrDef is one managed attribute, declared through an `rd` struct tag:
//
//	rd:"name[,kind][,required][,default=literal][,enum=a|b]"
//
// For multi attributes the name is a |-separated list of element names.
type attrDef struct {
	names      []string
	kind       attrKind
	index      []int
	required   bool
	defaultLit string
	hasDefault bool
	enum       []string
}

func (a *attrDef) name() string {
	return a.names[0]
}

type attrTable struct {
	defs   []*attrDef
	byName map[string]*attrDef
}

var attrTables sync.Map

func parseTag(tag string) (*attrDef, error) {
	parts := strings.Split(tag, ",")
	def := &attrDef{names: strings.Split(parts[0], "|"), kind: kindAtom}
	for _, p := range parts[1:] {
		switch {
		case p == "required":
			def.required = true
		case strings.HasPrefix(p, "default="):
			def.defaultLit = strings.TrimPrefix(p, "default=")
			def.hasDefault = true
		case strings.HasPrefix(p, "enum="):
			def.enum = strings.Split(strings.TrimPrefix(p, "enum="), "|")
		default:
			kind, ok := kindNames[p]
			if !ok {
				return nil, fmt.Errorf("bad rd tag option %q", p)
			}
			def.kind = kind
		}
	}
	if def.kind == kindContent && def.names[0] == "" {
		def.names = []string{contentName}
	}
	return def, nil
}

func collectAttrs(t reflect.Type, prefix []int, table *attrTable) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(append([]int{}, prefix...), i)
		tag, ok := f.Tag.Lookup("rd")
		if !ok {
			if f.Anonymous && f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(Node{}) {
				collectAttrs(f.Type, index, table)
			}
			continue
		}
		def, err := parseTag(tag)
		if err != nil {
			panic(fmt.Sprintf("%s.%s: %v", t.Name(), f.Name, err))
		}
		def.index = index
		table.defs = append(table.defs, def)
		for _, n := range def.names {
			table.byName[n] = def
		}
	}
}

func attrsOf(s Structure) *attrTable {
	t := reflect.TypeOf(s).Elem()
	if cached, ok := attrTables.Load(t); ok {
		return cached.(*attrTable)
	}
	table := &attrTable{byName: map[string]*attrDef{}}
	collectAttrs(t, nil, table)
	attrTables.Store(t, table)
	return table
}

func fieldOf(s Structure, def *attrDef) reflect.Value {
	return reflect.ValueOf(s).Elem().FieldByIndex(def.index)
}

func parseBool(lit string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(lit)) {
	case "true", "yes", "1", "t":
		return true, nil
	case "false", "no", "0", "f", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean literal")
}

// splitList accepts comma or whitespace separated items.
func splitList(lit string) []string {
	return strings.FieldsFunc(lit, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
}

// parseDict parses "key=value, key2=value2".
func parseDict(lit string) (map[string]string, error) {
	res := map[string]string{}
	for _, item := range strings.Split(lit, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("'%s' is not a key=value pair", item)
		}
		res[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return res, nil
}

// setAtom parses lit into an atomic, list or dict attribute.
func setAtom(s Structure, def *attrDef, lit string, pos base.Pos) error {
	if lit == "__EMPTY__" {
		lit = ""
	}
	literalError := func(err error) error {
		return &base.LiteralParseError{Attr: def.name(), Literal: lit, Pos: pos, Err: err}
	}

	if len(def.enum) > 0 {
		valid := false
		for _, e := range def.enum {
			if e == lit {
				valid = true
				break
			}
		}
		if !valid {
			return literalError(fmt.Errorf("allowed values are %s", strings.Join(def.enum, ", ")))
		}
	}

	field := fieldOf(s, def)
	switch def.kind {
	case kindList:
		field.Set(reflect.ValueOf(splitList(lit)))
		return nil
	case kindDict:
		d, err := parseDict(lit)
		if err != nil {
			return literalError(err)
		}
		field.Set(reflect.ValueOf(d))
		return nil
	case kindContent:
		field.SetString(lit)
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(lit)
	case reflect.Int, reflect.Int64:
		if strings.TrimSpace(lit) == "" {
			field.SetInt(0)
			return nil
		}
		v, err := strconv.ParseInt(strings.TrimSpace(lit), 10, 64)
		if err != nil {
			return literalError(err)
		}
		field.SetInt(v)
	case reflect.Float64:
		v, err := strconv.ParseFloat(strings.TrimSpace(lit), 64)
		if err != nil {
			return literalError(err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := parseBool(lit)
		if err != nil {
			return literalError(err)
		}
		field.SetBool(v)
	default:
		return base.NewStructureError(pos, "attribute %s has an unsupported field type %s", def.name(), field.Type())
	}
	return nil
}

func applyDefaults(s Structure) {
	for _, def := range attrsOf(s).defs {
		if def.hasDefault {
			if err := setAtom(s, def, def.defaultLit, base.Pos{}); err != nil {
				panic(fmt.Sprintf("bad default for %s: %v", def.name(), err))
			}
		}
	}
}

// isSet reports whether a required attribute has been given.
func isSet(s Structure, def *attrDef) bool {
	f := fieldOf(s, def)
	switch f.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		return !f.IsNil() && (f.Kind() != reflect.Slice || f.Len() > 0)
	}
	return !f.IsZero()
}

func checkRequired(s Structure, elementName string) error {
	for _, def := range attrsOf(s).defs {
		if def.required && !isSet(s, def) {
			return base.NewStructureError(s.node().Pos, "you must set %s on %s elements", def.name(), elementName)
		}
	}
	return nil
}

// attachChild stores a completed child structure in the parent's
// struct, structs or multi attribute.
func attachChild(parent Structure, def *attrDef, child Structure) error {
	field := fieldOf(parent, def)
	cv := reflect.ValueOf(child)
	switch field.Kind() {
	case reflect.Slice:
		if !cv.Type().AssignableTo(field.Type().Elem()) {
			return base.NewStructureError(child.node().Pos, "%T cannot be a child here", child)
		}
		field.Set(reflect.Append(field, cv))
	default:
		if !cv.Type().AssignableTo(field.Type()) {
			return base.NewStructureError(child.node().Pos, "%T cannot be a child here", child)
		}
		field.Set(cv)
	}
	return nil
}

// newChild creates the structure for a struct, structs or multi
// attribute child element.
func newChild(def *attrDef, s Structure, elementName string) (Structure, error) {
	if def.kind == kindMulti {
		factory, ok := elementFactories[elementName]
		if !ok {
			return nil, fmt.Errorf("no factory for %s", elementName)
		}
		return factory(), nil
	}
	t := fieldOf(s, def).Type()
	if t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	if t.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("attribute %s cannot hold structures", def.name())
	}
	child, ok := reflect.New(t.Elem()).Interface().(Structure)
	if !ok {
		return nil, fmt.Errorf("%s is not a structure", t.Elem())
	}
	return child, nil
}
