// Package stanxml is a small builder for XML documents. Elements keep
// attribute order and skip empty optional attributes and nil children.
package stanxml

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

type Attr struct {
	Name  string
	Value string
	// Optional attributes with an empty value are not written.
	Optional bool
}

func A(name, value string) Attr {
	return Attr{Name: name, Value: value}
}

// OA is an optional attribute.
func OA(name, value string) Attr {
	return Attr{Name: name, Value: value, Optional: true}
}

// Raw is pre-serialized XML inserted verbatim.
type Raw string

type Element struct {
	Name     string
	Attrs    []Attr
	Children []any
	// Elements without children or text are dropped when Prunable.
	Prunable bool
}

// E builds an element. Children may be Attr, *Element, string, Raw,
// []*Element, fmt.Stringer or nil.
func E(name string, children ...any) *Element {
	e := &Element{Name: name}
	return e.Add(children...)
}

// P builds a prunable element, one that vanishes when it ends up empty.
func P(name string, children ...any) *Element {
	e := E(name, children...)
	e.Prunable = true
	return e
}

func (e *Element) Add(children ...any) *Element {
	for _, c := range children {
		switch v := c.(type) {
		case nil:
		case Attr:
			e.Attrs = append(e.Attrs, v)
		case []Attr:
			e.Attrs = append(e.Attrs, v...)
		case *Element:
			if v != nil {
				e.Children = append(e.Children, v)
			}
		case []*Element:
			for _, child := range v {
				if child != nil {
					e.Children = append(e.Children, child)
				}
			}
		case string, Raw:
			e.Children = append(e.Children, v)
		case fmt.Stringer:
			e.Children = append(e.Children, v.String())
		default:
			e.Children = append(e.Children, fmt.Sprint(v))
		}
	}
	return e
}

// Set adds or replaces an attribute.
func (e *Element) Set(name, value string) *Element {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

func (e *Element) Get(name string) string {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

func (e *Element) isEmpty() bool {
	for _, c := range e.Children {
		switch v := c.(type) {
		case *Element:
			if !v.Prunable || !v.isEmpty() {
				return false
			}
		case string:
			if v != "" {
				return false
			}
		case Raw:
			if v != "" {
				return false
			}
		}
	}
	return true
}

func escape(s string) string {
	var buf strings.Builder
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func (e *Element) write(w *bufio.Writer) {
	if e.Prunable && e.isEmpty() {
		return
	}

	w.WriteByte('<')
	w.WriteString(e.Name)
	for _, a := range e.Attrs {
		if a.Optional && a.Value == "" {
			continue
		}
		w.WriteByte(' ')
		w.WriteString(a.Name)
		w.WriteString(`="`)
		w.WriteString(escape(a.Value))
		w.WriteByte('"')
	}

	if len(e.Children) == 0 {
		w.WriteString("/>")
		return
	}
	w.WriteByte('>')
	for _, c := range e.Children {
		switch v := c.(type) {
		case *Element:
			v.write(w)
		case string:
			w.WriteString(escape(v))
		case Raw:
			w.WriteString(string(v))
		}
	}
	w.WriteString("</")
	w.WriteString(e.Name)
	w.WriteByte('>')
}

// Render writes the element (without XML declaration) to out.
func (e *Element) Render(out io.Writer) error {
	w := bufio.NewWriter(out)
	e.write(w)
	return w.Flush()
}

func (e *Element) String() string {
	var buf bytes.Buffer
	_ = e.Render(&buf)
	return buf.String()
}

const Declaration = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n"

// Document renders root with an XML declaration and optional
// processing instructions (e.g. stylesheets).
func Document(root *Element, pis ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString(Declaration)
	for _, pi := range pis {
		buf.WriteString(pi)
		buf.WriteByte('\n')
	}
	_ = root.Render(&buf)
	return buf.Bytes()
}
