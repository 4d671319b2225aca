package rd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vo_platform/base"
)

// MacroFunc computes a macro's expansion from its (already expanded)
// arguments.
type MacroFunc func(args ...string) (string, error)

type macroLookup func(name string) (MacroFunc, bool)

// macroPackage is implemented by structures contributing macros beyond
// the macDef ones.
type macroPackage interface {
	macroTable() map[string]MacroFunc
}

const maxMacroDepth = 50

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

type expander struct {
	lookup macroLookup
	// In partial mode unknown macros and escapes are left in place.
	partial bool
	pos     base.Pos
	depth   int
}

// readArgs collects {...} groups following a macro name, honouring
// nested braces. It returns the arguments and the index after the last
// group.
func readArgs(text string, i int) ([]string, int, bool) {
	var args []string
	for i < len(text) && text[i] == '{' {
		level := 0
		start := i + 1
		j := i
		for ; j < len(text); j++ {
			switch text[j] {
			case '\\':
				j++
			case '{':
				level++
			case '}':
				level--
			}
			if level == 0 {
				break
			}
		}
		if j >= len(text) {
			return nil, i, false
		}
		args = append(args, text[start:j])
		i = j + 1
	}
	return args, i, true
}

// expand returns the expanded text and whether every macro could be
// resolved.
func (x *expander) expand(text string) (string, bool, error) {
	if !strings.Contains(text, `\`) {
		return text, true, nil
	}
	if x.depth > maxMacroDepth {
		return "", false, base.NewStructureError(x.pos, "macro expansion too deep (recursive macro?)")
	}

	var out strings.Builder
	complete := true
	i := 0
	for i < len(text) {
		c := text[i]
		if c != '\\' || i+1 >= len(text) {
			out.WriteByte(c)
			i++
			continue
		}

		next := text[i+1]
		if next == '\\' {
			if x.partial {
				out.WriteString(`\\`)
			} else {
				out.WriteByte('\\')
			}
			i += 2
			continue
		}
		if !isNameStart(next) {
			out.WriteByte(c)
			i++
			continue
		}

		j := i + 1
		for j < len(text) && isNameChar(text[j]) {
			j++
		}
		name := text[i+1 : j]
		args, end, ok := readArgs(text, j)
		if !ok {
			return "", false, base.NewStructureError(x.pos, "unbalanced braces in arguments of macro %s", name)
		}
		call := text[i:end]
		i = end

		fn, found := x.lookup(name)
		if !found {
			if x.partial {
				out.WriteString(call)
				complete = false
				continue
			}
			return "", false, &base.MacroError{Name: name, Pos: x.pos}
		}

		expandedArgs := make([]string, len(args))
		argsComplete := true
		for k, arg := range args {
			x.depth++
			v, argComplete, err := x.expand(arg)
			x.depth--
			if err != nil {
				return "", false, err
			}
			expandedArgs[k] = v
			argsComplete = argsComplete && argComplete
		}
		if !argsComplete {
			out.WriteString(call)
			complete = false
			continue
		}

		res, err := fn(expandedArgs...)
		var serr *base.StructureError
		if errors.As(err, &serr) {
			return "", false, err
		}
		if err != nil {
			return "", false, &base.StructureError{Pos: x.pos, Msg: fmt.Sprintf("macro %s failed", name), Err: err}
		}
		out.WriteString(res)
	}
	return out.String(), complete, nil
}

// Expand expands all macros in text, resolving names through the
// structure's parent chain.
func Expand(text string, scope Structure, pos base.Pos) (string, error) {
	x := &expander{lookup: scopeLookup(scope), pos: pos}
	res, _, err := x.expand(text)
	return res, err
}

// expandBindings expands the macros defined in bindings and leaves the
// rest alone. When nothing is left to expand, escapes are resolved too.
func expandBindings(text string, bindings []map[string]string, pos base.Pos) (string, bool, error) {
	lookup := func(name string) (MacroFunc, bool) {
		for i := len(bindings) - 1; i >= 0; i-- {
			if v, ok := bindings[i][name]; ok {
				return constMacro(v), true
			}
		}
		return nil, false
	}
	x := &expander{lookup: lookup, partial: true, pos: pos}
	res, complete, err := x.expand(text)
	if err != nil || !complete {
		return res, complete, err
	}
	final := &expander{lookup: lookup, pos: pos}
	res, _, err = final.expand(res)
	return res, true, err
}

func constMacro(v string) MacroFunc {
	return func(args ...string) (string, error) {
		return v, nil
	}
}

// scopeLookup resolves macros through the parent chain of scope. macDef
// bodies are expanded where they are used; a body that (directly or not)
// uses its own macro is a StructureError.
func scopeLookup(scope Structure) macroLookup {
	active := map[string]bool{}
	depth := 0
	var lookup macroLookup
	lookup = func(name string) (MacroFunc, bool) {
		for s := scope; s != nil; s = s.node().parent {
			n := s.node()
			if body, ok := n.macros[name]; ok {
				return func(args ...string) (string, error) {
					if active[name] {
						return "", base.NewStructureError(n.Pos, "macro %s is defined in terms of itself", name)
					}
					if depth >= maxMacroDepth {
						return "", base.NewStructureError(n.Pos, "macro expansion too deep in %s", name)
					}
					active[name] = true
					depth++
					defer func() {
						delete(active, name)
						depth--
					}()
					x := &expander{lookup: lookup, pos: n.Pos, depth: depth}
					res, _, err := x.expand(body)
					return res, err
				}, true
			}
			if pkg, ok := s.(macroPackage); ok {
				if fn, ok := pkg.macroTable()[name]; ok {
					return fn, true
				}
			}
		}
		if fn, ok := globalMacros[name]; ok {
			return fn, true
		}
		return nil, false
	}
	return lookup
}

var globalMacros = map[string]MacroFunc{
	"today": func(args ...string) (string, error) {
		return time.Now().UTC().Format("2006-01-02"), nil
	},
	// magicEmpty expands to an empty string that still counts as given.
	"magicEmpty": func(args ...string) (string, error) {
		return "__EMPTY__", nil
	},
	"quote": func(args ...string) (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("quote takes one argument")
		}
		return `"` + strings.ReplaceAll(args[0], `"`, `""`) + `"`, nil
	},
}
