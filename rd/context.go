package rd

import (
	"strings"

	"vo_platform/base"
)

// parseContext carries the state of parsing one RD: the builder, the
// stack of active tags, ids, references waiting for resolution and
// callbacks to run once the RD is complete.
type parseContext struct {
	rd      *RD
	builder *builder
	frames  []*frame
	loader  *Loader
	// RD ids currently being loaded, for cycle detection
	loading []string
	// streams currently being replayed by FEED or LOOP
	replaying []string

	refs       []*Ref
	onComplete []func() error
}

func newParseContext(r *RD, loader *Loader, loading []string) *parseContext {
	ctx := &parseContext{rd: r, loader: loader, loading: loading}
	ctx.builder = &builder{ctx: ctx, rd: r}
	return ctx
}

// process dispatches an event to the innermost active tag or, if there
// is none, to the builder.
func (ctx *parseContext) process(ev Event) error {
	if len(ctx.frames) > 0 {
		return ctx.frames[len(ctx.frames)-1].feed(ctx, ev)
	}
	if ev.Kind == Start && isActiveTag(ev.Name) {
		return ctx.pushFrame(ev)
	}
	return ctx.builder.feed(ev)
}

func (ctx *parseContext) registerID(s Structure) error {
	id := idOf(s)
	if id == "" {
		return nil
	}
	if _, exists := ctx.rd.ids[id]; exists {
		return base.NewStructureError(s.node().Pos, "element with id %s overwritten", id)
	}
	ctx.rd.ids[id] = s
	return nil
}

func normalizeRDID(rdID string) string {
	if strings.HasPrefix(rdID, "//") {
		return "__system__/" + strings.TrimPrefix(rdID, "//")
	}
	return strings.TrimSuffix(strings.Trim(rdID, "/"), ".rd")
}

// splitRef splits rdId#localId; local references have an empty rdId.
func splitRef(spec string) (string, string) {
	rdID, id, ok := strings.Cut(spec, "#")
	if !ok {
		return "", spec
	}
	return normalizeRDID(rdID), id
}

// foreignRD loads another RD referenced from the one being parsed.
func (ctx *parseContext) foreignRD(rdID string, pos base.Pos) (*RD, error) {
	for _, l := range ctx.loading {
		if l == rdID {
			return nil, base.NewStructureError(pos, "circular reference to RD %s", rdID)
		}
	}
	if ctx.loader == nil {
		return nil, base.NewNotFoundError("RD", rdID, "")
	}
	return ctx.loader.load(rdID, append(append([]string{}, ctx.loading...), ctx.rd.ID))
}

// resolve finds the structure a reference points to.
func (ctx *parseContext) resolve(spec string, pos base.Pos) (Structure, error) {
	rdID, id := splitRef(spec)
	if rdID == "" || rdID == ctx.rd.ID {
		if s, ok := ctx.rd.ids[id]; ok {
			return s, nil
		}
		return nil, base.NewNotFoundError("element with id", id, ctx.rd.ID)
	}
	other, err := ctx.foreignRD(rdID, pos)
	if err != nil {
		return nil, err
	}
	if s, ok := other.ByID(id); ok {
		return s, nil
	}
	return nil, base.NewNotFoundError("element with id", id, rdID)
}

func (ctx *parseContext) applyOriginal(dst Structure, def *attrDef, spec string, pos base.Pos) error {
	src, err := ctx.resolve(spec, pos)
	if err != nil {
		return err
	}
	if err := copyInto(dst, src, pos); err != nil {
		return err
	}
	fieldOf(dst, def).SetString(spec)
	return nil
}

// stream returns the events of a STREAM, possibly from another RD.
func (ctx *parseContext) stream(spec string, pos base.Pos) ([]Event, error) {
	rdID, id := splitRef(spec)
	if rdID == "" || rdID == ctx.rd.ID {
		if evs, ok := ctx.rd.Streams[id]; ok {
			return evs, nil
		}
		return nil, base.NewNotFoundError("stream", id, ctx.rd.ID)
	}
	other, err := ctx.foreignRD(rdID, pos)
	if err != nil {
		return nil, err
	}
	if evs, ok := other.Streams[id]; ok {
		return evs, nil
	}
	return nil, base.NewNotFoundError("stream", id, rdID)
}

// maxReplayDepth bounds the nesting of FEEDs and LOOPs replaying
// streams.
const maxReplayDepth = 32

// enterStream marks source as being replayed. The returned function
// ends the replay.
func (ctx *parseContext) enterStream(source string, pos base.Pos) (func(), error) {
	rdID, id := splitRef(source)
	if rdID == "" {
		rdID = ctx.rd.ID
	}
	key := normalizeRDID(rdID) + "#" + id
	for _, s := range ctx.replaying {
		if s == key {
			return nil, base.NewStructureError(pos, "stream %s is replayed within itself", source)
		}
	}
	if len(ctx.replaying) >= maxReplayDepth {
		return nil, base.NewStructureError(pos, "streams nested too deeply at %s", source)
	}
	ctx.replaying = append(ctx.replaying, key)
	return func() { ctx.replaying = ctx.replaying[:len(ctx.replaying)-1] }, nil
}

// finish resolves references and runs the deferred callbacks.
func (ctx *parseContext) finish() error {
	if !ctx.builder.done {
		return base.NewStructureError(base.Pos{Source: ctx.rd.SourcePath}, "unexpected end of RD source")
	}
	if len(ctx.frames) > 0 {
		return base.NewStructureError(ctx.frames[0].pos, "unclosed %s", ctx.frames[0].tag)
	}
	for _, ref := range ctx.refs {
		if ref.Target != nil {
			continue
		}
		target, err := ctx.resolve(ref.Spec, ref.Pos)
		if err != nil {
			return err
		}
		ref.Target = target
	}
	for _, cb := range ctx.onComplete {
		if err := cb(); err != nil {
			return err
		}
	}
	return nil
}
