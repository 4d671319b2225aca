package rd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"vo_platform/base"
)

const (
	tagStream   = "STREAM"
	tagNXStream = "NXSTREAM"
	tagFeed     = "FEED"
	tagLoop     = "LOOP"
	tagEdit     = "EDIT"
	tagPrune    = "PRUNE"
)

func isActiveTag(name string) bool {
	switch name {
	case tagStream, tagNXStream, tagFeed, tagLoop, tagEdit, tagPrune:
		return true
	}
	return false
}

type edit struct {
	element  string
	nameOrID string
	events   []Event
	pos      base.Pos
	applied  bool
}

// prune drops elements all of whose listed attributes match.
type prune map[string]*regexp.Regexp

// frame is an active tag being processed.
type frame struct {
	tag   string
	pos   base.Pos
	attrs map[string]string
	// element depth within the recorded body
	depth int
	body  []Event
	// NXSTREAM bodies keep nested active tags unprocessed
	raw bool
	// LOOP children: csvItems, codeItems or events
	sub     string
	subText map[string]string
	edits   []*edit
	prunes  []prune
}

func (ctx *parseContext) pushFrame(ev Event) error {
	ctx.frames = append(ctx.frames, &frame{
		tag:     ev.Name,
		pos:     ev.Pos,
		attrs:   map[string]string{},
		raw:     ev.Name == tagNXStream,
		subText: map[string]string{},
	})
	return nil
}

func (ctx *parseContext) popFrame() *frame {
	f := ctx.frames[len(ctx.frames)-1]
	ctx.frames = ctx.frames[:len(ctx.frames)-1]
	return f
}

func (ctx *parseContext) parentFrame() *frame {
	if len(ctx.frames) == 0 {
		return nil
	}
	return ctx.frames[len(ctx.frames)-1]
}

func (f *frame) feed(ctx *parseContext, ev Event) error {
	switch ev.Kind {
	case Start:
		if f.depth == 0 && f.tag == tagLoop && f.sub == "" {
			switch ev.Name {
			case "csvItems", "codeItems", "events":
				f.sub = ev.Name
				return nil
			}
		}
		if !f.raw && isActiveTag(ev.Name) {
			return ctx.pushFrame(ev)
		}
		f.depth++
		f.body = append(f.body, ev)

	case End:
		if f.depth > 0 {
			f.depth--
			f.body = append(f.body, ev)
			return nil
		}
		if f.sub != "" && ev.Name == f.sub {
			f.sub = ""
			return nil
		}
		if ev.Name != f.tag {
			return base.NewStructureError(ev.Pos, "unbalanced end of %s within %s", ev.Name, f.tag)
		}
		ctx.popFrame()
		return f.finish(ctx)

	default:
		if f.depth > 0 {
			f.body = append(f.body, ev)
			return nil
		}
		switch f.sub {
		case "csvItems", "codeItems":
			f.subText[f.sub] += ev.Value
			return nil
		case "events":
			return base.NewStructureError(ev.Pos, "character content in LOOP events")
		}
		if ev.Name == contentName {
			return base.NewStructureError(ev.Pos, "%s elements have no character content", f.tag)
		}
		f.attrs[ev.Name] = ev.Value
	}
	return nil
}

// attr returns a fully expanded attribute of the active tag itself.
func (f *frame) attr(name string) (string, error) {
	v, ok := f.attrs[name]
	if !ok {
		return "", nil
	}
	res, complete, err := expandBindings(v, nil, f.pos)
	if err != nil {
		return "", err
	}
	if !complete {
		return "", &base.StructureError{Pos: f.pos, Msg: fmt.Sprintf("unresolved macro in %s attribute %s", f.tag, name),
			Hint: "use NXSTREAM if the macro is defined by the replaying FEED"}
	}
	return res, nil
}

func (f *frame) requireAttr(name string) (string, error) {
	v, err := f.attr(name)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", base.NewStructureError(f.pos, "%s elements need a %s attribute", f.tag, name)
	}
	return v, nil
}

func (f *frame) finish(ctx *parseContext) error {
	switch f.tag {
	case tagStream, tagNXStream:
		id, err := f.requireAttr("id")
		if err != nil {
			return err
		}
		if ctx.rd.Streams == nil {
			ctx.rd.Streams = map[string][]Event{}
		}
		ctx.rd.Streams[id] = f.body
		return nil

	case tagFeed:
		return f.finishFeed(ctx)

	case tagLoop:
		return f.finishLoop(ctx)

	case tagEdit:
		parent := ctx.parentFrame()
		if parent == nil || (parent.tag != tagFeed && parent.tag != tagLoop) {
			return base.NewStructureError(f.pos, "EDIT is only allowed within FEED or LOOP")
		}
		ref, err := f.requireAttr("ref")
		if err != nil {
			return err
		}
		element, target, ok := parseEditRef(ref)
		if !ok {
			return base.NewStructureError(f.pos, "EDIT ref '%s' is not of the form elementName[nameOrId]", ref)
		}
		parent.edits = append(parent.edits, &edit{element: element, nameOrID: target, events: f.body, pos: f.pos})
		return nil

	case tagPrune:
		parent := ctx.parentFrame()
		if parent == nil || (parent.tag != tagFeed && parent.tag != tagLoop) {
			return base.NewStructureError(f.pos, "PRUNE is only allowed within FEED or LOOP")
		}
		if len(f.body) > 0 {
			return base.NewStructureError(f.pos, "PRUNE elements must be empty")
		}
		p := prune{}
		for name := range f.attrs {
			pattern, err := f.attr(name)
			if err != nil {
				return err
			}
			re, err := regexp.Compile("^(?:" + pattern + ")$")
			if err != nil {
				return &base.LiteralParseError{Attr: name, Literal: pattern, Pos: f.pos, Err: err}
			}
			p[name] = re
		}
		parent.prunes = append(parent.prunes, p)
		return nil
	}
	return base.NewStructureError(f.pos, "unknown active tag %s", f.tag)
}

var editRefPattern = regexp.MustCompile(`^([A-Za-z_][\w]*)\[([^\]]+)\]$`)

func parseEditRef(ref string) (string, string, bool) {
	m := editRefPattern.FindStringSubmatch(strings.TrimSpace(ref))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func (f *frame) finishFeed(ctx *parseContext) error {
	if len(f.body) > 0 {
		return base.NewStructureError(f.pos, "FEED elements may only contain EDIT and PRUNE")
	}
	source, err := f.requireAttr("source")
	if err != nil {
		return err
	}
	events, err := ctx.stream(source, f.pos)
	if err != nil {
		return err
	}

	bindings := map[string]string{}
	for name := range f.attrs {
		if name == "source" {
			continue
		}
		v, err := f.attr(name)
		if err != nil {
			return err
		}
		bindings[name] = v
	}
	leave, err := ctx.enterStream(source, f.pos)
	if err != nil {
		return err
	}
	defer leave()
	hint := fmt.Sprintf("the FEED of %s at %s probably lacks an attribute of that name", source, f.pos)
	return ctx.replay(events, bindings, f.edits, f.prunes, hint)
}

func (f *frame) loopRows() ([]map[string]string, error) {
	var rows []map[string]string

	listItems, err := f.attr("listItems")
	if err != nil {
		return nil, err
	}
	for _, item := range strings.Fields(listItems) {
		rows = append(rows, map[string]string{"item": item})
	}

	if text := strings.TrimSpace(f.subText["csvItems"]); text != "" {
		var lines []string
		for _, l := range strings.Split(text, "\n") {
			lines = append(lines, strings.TrimSpace(l))
		}
		r := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
		r.TrimLeadingSpace = true
		header, err := r.Read()
		if err != nil {
			return nil, base.NewStructureError(f.pos, "bad csvItems header: %v", err)
		}
		for {
			rec, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, base.NewStructureError(f.pos, "bad csvItems: %v", err)
			}
			row := map[string]string{}
			for i, name := range header {
				row[strings.TrimSpace(name)] = strings.TrimSpace(rec[i])
			}
			rows = append(rows, row)
		}
	}

	if text := strings.TrimSpace(f.subText["codeItems"]); text != "" {
		fields := strings.Fields(text)
		gen, ok := rowGenerators[fields[0]]
		if !ok {
			return nil, base.NewNotFoundError("row generator", fields[0], "")
		}
		generated, err := gen(fields[1:])
		if err != nil {
			return nil, &base.StructureError{Pos: f.pos, Msg: "codeItems failed", Err: err}
		}
		rows = append(rows, generated...)
	}
	return rows, nil
}

func (f *frame) finishLoop(ctx *parseContext) error {
	rows, err := f.loopRows()
	if err != nil {
		return err
	}

	body := f.body
	source, err := f.attr("source")
	if err != nil {
		return err
	}
	if source != "" {
		if len(body) > 0 {
			return base.NewStructureError(f.pos, "LOOP elements cannot have both a source and a body")
		}
		if body, err = ctx.stream(source, f.pos); err != nil {
			return err
		}
		leave, err := ctx.enterStream(source, f.pos)
		if err != nil {
			return err
		}
		defer leave()
	}

	for _, row := range rows {
		if err := ctx.replay(body, row, f.edits, f.prunes, ""); err != nil {
			return err
		}
	}
	return nil
}

// expandEvents expands the bindings in value events. Values without
// remaining macros become ExpandedValue events.
func expandEvents(events []Event, bindings map[string]string, hint string) ([]Event, error) {
	res := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Kind == Value {
			v, complete, err := expandBindings(ev.Value, []map[string]string{bindings}, ev.Pos)
			if err != nil {
				return nil, err
			}
			ev.Value = v
			if complete {
				ev.Kind = ExpandedValue
			} else if hint != "" && ev.Hint == "" {
				ev.Hint = hint
			}
		}
		res = append(res, ev)
	}
	return res, nil
}

// elementAttrs returns the attribute values directly following the
// start event at index i.
func elementAttrs(events []Event, i int) map[string]string {
	attrs := map[string]string{}
	for j := i + 1; j < len(events) && isValue(events[j]) && events[j].Name != contentName; j++ {
		attrs[events[j].Name] = events[j].Value
	}
	return attrs
}

func (p prune) matches(attrs map[string]string) bool {
	for name, re := range p {
		v, ok := attrs[name]
		if !ok || !re.MatchString(v) {
			return false
		}
	}
	return true
}

// replay feeds recorded events back into the parser after expanding
// bindings, dropping pruned elements and injecting edits.
func (ctx *parseContext) replay(events []Event, bindings map[string]string, edits []*edit, prunes []prune, hint string) error {
	events, err := expandEvents(events, bindings, hint)
	if err != nil {
		return err
	}
	expandedEdits := make([][]Event, len(edits))
	for i, e := range edits {
		if expandedEdits[i], err = expandEvents(e.events, bindings, hint); err != nil {
			return err
		}
	}

	type open struct {
		name  string
		attrs map[string]string
	}
	var stack []open
	skip := 0

	for i, ev := range events {
		if skip > 0 {
			switch ev.Kind {
			case Start:
				skip++
			case End:
				skip--
			}
			continue
		}

		switch ev.Kind {
		case Start:
			attrs := elementAttrs(events, i)
			pruned := false
			for _, p := range prunes {
				if p.matches(attrs) {
					pruned = true
					break
				}
			}
			if pruned {
				skip = 1
				continue
			}
			stack = append(stack, open{name: ev.Name, attrs: attrs})
		case End:
			if len(stack) > 0 {
				o := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				for k, e := range edits {
					if e.element == o.name && (o.attrs["name"] == e.nameOrID || o.attrs["id"] == e.nameOrID) {
						e.applied = true
						for _, injected := range expandedEdits[k] {
							if err := ctx.process(injected); err != nil {
								return err
							}
						}
					}
				}
			}
		}
		if err := ctx.process(ev); err != nil {
			return err
		}
	}

	for _, e := range edits {
		if !e.applied {
			return base.NewStructureError(e.pos, "EDIT target %s[%s] not found", e.element, e.nameOrID)
		}
	}
	return nil
}

var rowGenerators = map[string]func(args []string) ([]map[string]string, error){
	// range from to [step], excluding to
	"range": func(args []string) ([]map[string]string, error) {
		if len(args) < 2 || len(args) > 3 {
			return nil, fmt.Errorf("range needs from, to and an optional step")
		}
		nums := make([]int, len(args))
		for i, a := range args {
			n, err := strconv.Atoi(a)
			if err != nil {
				return nil, err
			}
			nums[i] = n
		}
		step := 1
		if len(nums) == 3 {
			step = nums[2]
		}
		if step <= 0 {
			return nil, fmt.Errorf("range step must be positive")
		}
		var rows []map[string]string
		for i := nums[0]; i < nums[1]; i += step {
			rows = append(rows, map[string]string{"item": strconv.Itoa(i)})
		}
		return rows, nil
	},
	// split sep text...
	"split": func(args []string) ([]map[string]string, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("split needs a separator and a text")
		}
		var rows []map[string]string
		for _, item := range strings.Split(strings.Join(args[1:], " "), args[0]) {
			if item = strings.TrimSpace(item); item != "" {
				rows = append(rows, map[string]string{"item": item})
			}
		}
		return rows, nil
	},
}

// RegisterRowGenerator makes a generator available to LOOP codeItems.
func RegisterRowGenerator(name string, gen func(args []string) ([]map[string]string, error)) {
	rowGenerators[name] = gen
}
