package rd

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"vo_platform/base"
)

type EventKind int

const (
	Start EventKind = iota
	End
	// Value carries an attribute value or element content that may still
	// contain macros.
	Value
	// ExpandedValue is a value that a replay has already fully expanded.
	ExpandedValue
)

func (k EventKind) String() string {
	switch k {
	case Start:
		return "start"
	case End:
		return "end"
	case Value:
		return "value"
	case ExpandedValue:
		return "expandedValue"
	}
	return "unknown"
}

// contentName is the name of value events carrying element PCDATA.
const contentName = "content_"

type Event struct {
	Kind  EventKind
	Name  string
	Value string
	Pos   base.Pos
	// Set on events replayed by FEED so macro errors can name the
	// attribute that was probably missing.
	Hint string
}

func (e Event) String() string {
	if e.Kind == Value || e.Kind == ExpandedValue {
		return fmt.Sprintf("%s(%s=%q)", e.Kind, e.Name, e.Value)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Name)
}

func isValue(e Event) bool {
	return e.Kind == Value || e.Kind == ExpandedValue
}

// ParseEvents turns an RD document into its event stream. Attributes
// become value events directly after their start event, with an
// "original" attribute always first; non-blank character data becomes a
// content value event.
func ParseEvents(r io.Reader, source string) ([]Event, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true

	var (
		events []Event
		text   strings.Builder
		depth  int
		textAt base.Pos
	)
	pos := func() base.Pos {
		line, col := dec.InputPos()
		return base.Pos{Source: source, Line: line, Col: col}
	}
	flushText := func() {
		if content := strings.TrimSpace(text.String()); content != "" {
			events = append(events, Event{Kind: Value, Name: contentName, Value: content, Pos: textAt})
		}
		text.Reset()
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &base.StructureError{Pos: pos(), Msg: "malformed XML", Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			flushText()
			depth++
			p := pos()
			events = append(events, Event{Kind: Start, Name: t.Name.Local, Pos: p})
			attrs := make([]xml.Attr, 0, len(t.Attr))
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				if a.Name.Local == "original" {
					attrs = append([]xml.Attr{a}, attrs...)
				} else {
					attrs = append(attrs, a)
				}
			}
			for _, a := range attrs {
				events = append(events, Event{Kind: Value, Name: a.Name.Local, Value: a.Value, Pos: p})
			}
		case xml.EndElement:
			flushText()
			depth--
			events = append(events, Event{Kind: End, Name: t.Name.Local, Pos: pos()})
		case xml.CharData:
			if depth > 0 {
				if text.Len() == 0 {
					textAt = pos()
				}
				text.Write(t)
			}
		}
	}

	if len(events) == 0 {
		return nil, base.NewStructureError(base.Pos{Source: source}, "empty RD document")
	}
	return events, nil
}

func ParseEventsFromBytes(data []byte, source string) ([]Event, error) {
	return ParseEvents(bytes.NewReader(data), source)
}
