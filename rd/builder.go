package rd

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"vo_platform/base"
)

type outcomeKind int

const (
	Continue outcomeKind = iota
	Ignore
	Replace
	Raise
)

// ParseOutcome is what completing a structure yields for its parent.
type ParseOutcome struct {
	Kind outcomeKind
	Node Structure
	Err  error
}

func continueWith(s Structure) ParseOutcome { return ParseOutcome{Kind: Continue, Node: s} }
func ignore() ParseOutcome                  { return ParseOutcome{Kind: Ignore} }
func replaceWith(s Structure) ParseOutcome  { return ParseOutcome{Kind: Replace, Node: s} }
func raise(err error) ParseOutcome          { return ParseOutcome{Kind: Raise, Err: err} }

// completer is implemented by structures validating or transforming
// themselves on their end event.
type completer interface {
	complete(ctx *parseContext) ParseOutcome
}

// A buildFrame is a structure under construction together with the
// attribute of its parent it will be stored in.
type buildFrame struct {
	s       Structure
	element string
	def     *attrDef
}

type builder struct {
	ctx   *parseContext
	stack []*buildFrame
	// depth inside swallowed elements
	skip int
	rd   *RD
	done bool
}

func (b *builder) top() *buildFrame {
	if len(b.stack) == 0 {
		return nil
	}
	return b.stack[len(b.stack)-1]
}

func (b *builder) feed(ev Event) error {
	if b.skip > 0 {
		switch ev.Kind {
		case Start:
			b.skip++
		case End:
			b.skip--
		}
		return nil
	}

	switch ev.Kind {
	case Start:
		return b.start(ev)
	case End:
		return b.end(ev)
	default:
		return b.value(ev)
	}
}

func (b *builder) start(ev Event) error {
	parent := b.top()
	if parent == nil {
		if b.done {
			return base.NewStructureError(ev.Pos, "content after the end of the resource element")
		}
		if ev.Name != "resource" {
			return base.NewStructureError(ev.Pos, "RDs must have a resource root element, not %s", ev.Name)
		}
		b.rd.Pos = ev.Pos
		applyDefaults(b.rd)
		b.stack = append(b.stack, &buildFrame{s: b.rd, element: "resource"})
		return nil
	}

	var child Structure
	var def *attrDef
	switch ev.Name {
	case "macDef":
		child = &MacDef{}
	default:
		def = attrsOf(parent.s).byName[ev.Name]
		if def == nil {
			if ev.Name == "data" && parent.s == Structure(b.rd) {
				b.skip = 1
				return nil
			}
			return &base.StructureError{
				Pos:  ev.Pos,
				Msg:  fmt.Sprintf("%s elements have no %s attributes or children", parent.element, ev.Name),
				Hint: b.childHint(parent),
			}
		}
		switch def.kind {
		case kindStruct, kindStructs, kindMulti:
			c, err := newChild(def, parent.s, ev.Name)
			if err != nil {
				return &base.StructureError{Pos: ev.Pos, Msg: err.Error()}
			}
			child = c
		case kindMeta:
			child = &metaItem{}
		case kindProperty:
			child = &propertyItem{}
		case kindAtom, kindList, kindDict, kindContent:
			child = &atomItem{}
		default:
			return base.NewStructureError(ev.Pos, "%s cannot be given as an element", ev.Name)
		}
	}

	n := child.node()
	n.parent = parent.s
	n.Pos = ev.Pos
	applyDefaults(child)
	b.stack = append(b.stack, &buildFrame{s: child, element: ev.Name, def: def})
	return nil
}

func (b *builder) childHint(f *buildFrame) string {
	var names []string
	for _, def := range attrsOf(f.s).defs {
		names = append(names, def.names...)
	}
	return "valid names are " + strings.Join(names, ", ")
}

func (b *builder) value(ev Event) error {
	f := b.top()
	if f == nil {
		return base.NewStructureError(ev.Pos, "value %s outside of any element", ev.Name)
	}

	text := ev.Value
	_, raw := f.s.(*MacDef)
	if ev.Kind == Value && !raw {
		// attribute values may use macros of the element itself
		expanded, err := Expand(text, f.s, ev.Pos)
		if err != nil {
			var merr *base.MacroError
			if errors.As(err, &merr) && ev.Hint != "" {
				merr.Hint = ev.Hint
			}
			return err
		}
		text = expanded
	}

	def := attrsOf(f.s).byName[ev.Name]
	if def == nil {
		if ev.Name == contentName {
			return base.NewStructureError(ev.Pos, "%s elements have no character content", f.element)
		}
		return &base.StructureError{
			Pos:  ev.Pos,
			Msg:  fmt.Sprintf("%s elements have no %s attribute", f.element, ev.Name),
			Hint: b.childHint(f),
		}
	}

	switch def.kind {
	case kindAtom, kindList, kindDict, kindContent:
		return setAtom(f.s, def, text, ev.Pos)
	case kindRef:
		ref := &Ref{Spec: strings.TrimSpace(text), Pos: ev.Pos}
		fieldOf(f.s, def).Set(reflect.ValueOf(ref))
		b.ctx.refs = append(b.ctx.refs, ref)
		return nil
	case kindOriginal:
		return b.ctx.applyOriginal(f.s, def, strings.TrimSpace(text), ev.Pos)
	}
	return base.NewStructureError(ev.Pos, "%s cannot be given as an attribute", ev.Name)
}

func (b *builder) end(ev Event) error {
	f := b.top()
	if f == nil {
		return base.NewStructureError(ev.Pos, "unbalanced end of %s", ev.Name)
	}
	b.stack = b.stack[:len(b.stack)-1]

	if err := checkRequired(f.s, f.element); err != nil {
		return err
	}

	outcome := continueWith(f.s)
	if c, ok := f.s.(completer); ok {
		outcome = c.complete(b.ctx)
	}
	switch outcome.Kind {
	case Raise:
		return outcome.Err
	case Ignore:
		return nil
	}

	if f.s == Structure(b.rd) {
		b.done = true
		return nil
	}

	parent := b.top()
	node := outcome.Node
	switch item := node.(type) {
	case *atomItem:
		return setAtom(parent.s, f.def, item.Content, item.Pos)
	case *metaItem:
		return addMeta(parent.s, f.def, item)
	case *propertyItem:
		props := fieldOf(parent.s, f.def)
		if props.IsNil() {
			props.Set(reflect.ValueOf(map[string]string{}))
		}
		props.SetMapIndex(reflect.ValueOf(item.Name), reflect.ValueOf(item.Content))
		return nil
	}

	if err := b.ctx.registerID(node); err != nil {
		return err
	}
	return attachChild(parent.s, f.def, node)
}

func addMeta(parent Structure, def *attrDef, item *metaItem) error {
	meta := fieldOf(parent, def).Addr().Interface().(*MetaSet)
	if item.Name != "" {
		meta.Add(item.Name, item.Content)
		if item.Title != "" {
			meta.Add(item.Name+".title", item.Title)
		}
		return nil
	}
	// unnamed meta elements contain "key: value" lines
	for _, line := range strings.Split(item.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return base.NewStructureError(item.Pos, "meta line '%s' is not of the form key: value", line)
		}
		meta.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return nil
}

func (m *MacDef) complete(ctx *parseContext) ParseOutcome {
	parent := m.parent.node()
	if parent.macros == nil {
		parent.macros = map[string]string{}
	}
	parent.macros[m.Name] = m.Body
	return ignore()
}

// idOf returns the value of a structure's id attribute, if it has one.
func idOf(s Structure) string {
	def := attrsOf(s).byName["id"]
	if def == nil {
		return ""
	}
	return fieldOf(s, def).String()
}

// clone deep-copies a structure. Child structures are copied and
// re-parented, references are shared.
func clone(s Structure) Structure {
	v := reflect.ValueOf(s).Elem()
	cp := reflect.New(v.Type())
	cp.Elem().Set(v)
	res := cp.Interface().(Structure)
	n := res.node()
	if n.macros != nil {
		macros := make(map[string]string, len(n.macros))
		for k, v := range n.macros {
			macros[k] = v
		}
		n.macros = macros
	}

	for _, def := range attrsOf(res).defs {
		field := fieldOf(res, def)
		switch def.kind {
		case kindStruct:
			if !field.IsNil() {
				child := clone(field.Interface().(Structure))
				child.node().parent = res
				field.Set(reflect.ValueOf(child))
			}
		case kindStructs, kindMulti:
			if field.Kind() != reflect.Slice {
				continue
			}
			copied := reflect.MakeSlice(field.Type(), field.Len(), field.Len())
			for i := 0; i < field.Len(); i++ {
				child := clone(field.Index(i).Interface().(Structure))
				child.node().parent = res
				copied.Index(i).Set(reflect.ValueOf(child))
			}
			field.Set(copied)
		case kindList:
			if !field.IsNil() {
				field.Set(reflect.ValueOf(append([]string{}, field.Interface().([]string)...)))
			}
		case kindDict, kindProperty:
			if !field.IsNil() {
				src := field.Interface().(map[string]string)
				dst := make(map[string]string, len(src))
				for k, v := range src {
					dst[k] = v
				}
				field.Set(reflect.ValueOf(dst))
			}
		case kindMeta:
			ms := field.Addr().Interface().(*MetaSet)
			*ms = ms.copy()
		}
	}
	return res
}

// copyInto makes dst a deep copy of src, keeping dst's position in
// the tree.
func copyInto(dst, src Structure, pos base.Pos) error {
	if reflect.TypeOf(dst) != reflect.TypeOf(src) {
		return base.NewStructureError(pos, "cannot use a %T as original of a %T", src, dst)
	}
	parent := dst.node().parent
	cp := clone(src)
	reflect.ValueOf(dst).Elem().Set(reflect.ValueOf(cp).Elem())
	n := dst.node()
	n.parent = parent
	n.Pos = pos
	// the copies' children must point at dst rather than the temporary
	for _, def := range attrsOf(dst).defs {
		field := fieldOf(dst, def)
		switch def.kind {
		case kindStruct:
			if !field.IsNil() {
				field.Interface().(Structure).node().parent = dst
			}
		case kindStructs, kindMulti:
			if field.Kind() == reflect.Slice {
				for i := 0; i < field.Len(); i++ {
					field.Index(i).Interface().(Structure).node().parent = dst
				}
			}
		}
	}
	if def := attrsOf(dst).byName["id"]; def != nil {
		fieldOf(dst, def).SetString("")
	}
	return nil
}
