package rd

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// Description is a plain-data rendering of a structure tree used for
// structural comparison and diagnostics.
type Description struct {
	Kind     string
	Attrs    map[string]string
	Children []Description
}

func describeValue(field reflect.Value) string {
	switch v := field.Interface().(type) {
	case []string:
		return strings.Join(v, ",")
	case map[string]string:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + v[k]
		}
		return strings.Join(parts, ",")
	case *Ref:
		if v == nil {
			return ""
		}
		return v.Spec
	case MetaSet:
		var parts []string
		for _, k := range v.Keys() {
			parts = append(parts, k+"="+strings.Join(v.GetAll(k), "|"))
		}
		return strings.Join(parts, ";")
	}
	return fmt.Sprint(field.Interface())
}

// Describe renders a structure and its children.
func Describe(s Structure) Description {
	d := Description{Kind: reflect.TypeOf(s).Elem().Name(), Attrs: map[string]string{}}
	if r, ok := s.(*RD); ok {
		d.Attrs["rdId"] = r.ID
	}
	for _, def := range attrsOf(s).defs {
		field := fieldOf(s, def)
		switch def.kind {
		case kindStruct:
			if !field.IsNil() {
				d.Children = append(d.Children, Describe(field.Interface().(Structure)))
			}
		case kindStructs, kindMulti:
			for i := 0; i < field.Len(); i++ {
				d.Children = append(d.Children, Describe(field.Index(i).Interface().(Structure)))
			}
		default:
			if v := describeValue(field); v != "" {
				d.Attrs[def.name()] = v
			}
		}
	}
	return d
}

// Equals compares two RDs structurally.
func (r *RD) Equals(o *RD) bool {
	if o == nil {
		return false
	}
	return cmp.Equal(Describe(r), Describe(o))
}
