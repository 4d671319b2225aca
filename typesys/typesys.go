// Package typesys maps column types between their SQL, VOTable, native Go
// and display representations.
package typesys

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// The fixed set of SQL base types a column may have.
var baseTypes = map[string]bool{
	"smallint":         true,
	"integer":          true,
	"bigint":           true,
	"real":             true,
	"double precision": true,
	"char":             true,
	"text":             true,
	"boolean":          true,
	"bytea":            true,
	"date":             true,
	"time":             true,
	"timestamp":        true,
	"box":              true,
	"spoint":           true,
	"spoly":            true,
	"scircle":          true,
	"sbox":             true,
	"unicode":          true,
}

var aliases = map[string]string{
	"int":       "integer",
	"int4":      "integer",
	"int2":      "smallint",
	"int8":      "bigint",
	"float4":    "real",
	"float8":    "double precision",
	"double":    "double precision",
	"float":     "double precision",
	"varchar":   "text",
	"bool":      "boolean",
	"character": "char",
}

// Type is a parsed SQL type: a base type with an optional array length.
// Length is 0 for scalars, -1 for variable-length arrays (and text),
// and n for fixed arrays or char(n).
type Type struct {
	Base   string
	Length int
	Array  bool
}

var typePattern = regexp.MustCompile(`^([a-z][a-z0-9 ]*?)\s*(?:\((\d+|\*)\))?\s*(\[(\d*)\])?$`)

func ParseType(s string) (Type, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	m := typePattern.FindStringSubmatch(norm)
	if m == nil {
		return Type{}, fmt.Errorf("'%s' is not a valid SQL type", s)
	}

	base := strings.Join(strings.Fields(m[1]), " ")
	if a, ok := aliases[base]; ok {
		base = a
	}
	if !baseTypes[base] {
		return Type{}, fmt.Errorf("'%s' is not a supported SQL type", s)
	}

	t := Type{Base: base}
	if base == "text" || base == "unicode" {
		t.Length = -1
	}
	if m[2] != "" {
		if base != "char" && base != "unicode" {
			return Type{}, fmt.Errorf("only char types take a length: '%s'", s)
		}
		if m[2] == "*" {
			t.Length = -1
		} else {
			n, _ := strconv.Atoi(m[2])
			t.Length = n
		}
	} else if base == "char" {
		t.Length = 1
	}
	if m[3] != "" {
		if !IsNumeric(base) {
			return Type{}, fmt.Errorf("arrays are only supported for numeric types: '%s'", s)
		}
		t.Array = true
		t.Length = -1
		if m[4] != "" {
			n, _ := strconv.Atoi(m[4])
			t.Length = n
		}
	}
	return t, nil
}

// MustParseType is for type names known to be valid.
func MustParseType(s string) Type {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Type) String() string {
	switch {
	case t.Array && t.Length > 0:
		return fmt.Sprintf("%s[%d]", t.Base, t.Length)
	case t.Array:
		return t.Base + "[]"
	case t.Base == "char" && t.Length == -1:
		return "char(*)"
	case t.Base == "char" && t.Length != 1:
		return fmt.Sprintf("char(%d)", t.Length)
	}
	return t.Base
}

func IsValid(s string) bool {
	_, err := ParseType(s)
	return err == nil
}

func IsInteger(base string) bool {
	return base == "smallint" || base == "integer" || base == "bigint"
}

func IsFloat(base string) bool {
	return base == "real" || base == "double precision"
}

func IsNumeric(base string) bool {
	return IsInteger(base) || IsFloat(base)
}

func IsGeometry(base string) bool {
	switch base {
	case "spoint", "spoly", "scircle", "sbox":
		return true
	}
	return false
}

func IsTemporal(base string) bool {
	return base == "date" || base == "timestamp"
}

func IsString(base string) bool {
	return base == "char" || base == "text" || base == "unicode"
}

// VOTableType describes a FIELD's datatype, arraysize and xtype.
type VOTableType struct {
	Datatype  string
	Arraysize string
	XType     string
}

// ToVOTable maps an SQL type to its VOTable representation.
func ToVOTable(t Type) VOTableType {
	arraysize := ""
	if t.Array {
		if t.Length > 0 {
			arraysize = strconv.Itoa(t.Length)
		} else {
			arraysize = "*"
		}
	}

	switch t.Base {
	case "smallint":
		return VOTableType{Datatype: "short", Arraysize: arraysize}
	case "integer":
		return VOTableType{Datatype: "int", Arraysize: arraysize}
	case "bigint":
		return VOTableType{Datatype: "long", Arraysize: arraysize}
	case "real":
		return VOTableType{Datatype: "float", Arraysize: arraysize}
	case "double precision":
		return VOTableType{Datatype: "double", Arraysize: arraysize}
	case "boolean":
		return VOTableType{Datatype: "boolean"}
	case "bytea":
		return VOTableType{Datatype: "unsignedByte", Arraysize: "*"}
	case "char":
		switch {
		case t.Length == -1:
			return VOTableType{Datatype: "char", Arraysize: "*"}
		case t.Length == 1:
			return VOTableType{Datatype: "char"}
		}
		return VOTableType{Datatype: "char", Arraysize: strconv.Itoa(t.Length)}
	case "text":
		return VOTableType{Datatype: "char", Arraysize: "*"}
	case "unicode":
		if t.Length > 0 {
			return VOTableType{Datatype: "unicodeChar", Arraysize: strconv.Itoa(t.Length)}
		}
		return VOTableType{Datatype: "unicodeChar", Arraysize: "*"}
	case "date", "timestamp":
		return VOTableType{Datatype: "char", Arraysize: "*", XType: "timestamp"}
	case "time":
		return VOTableType{Datatype: "char", Arraysize: "*"}
	case "box":
		return VOTableType{Datatype: "char", Arraysize: "*"}
	case "spoint":
		return VOTableType{Datatype: "char", Arraysize: "*", XType: "adql:POINT"}
	case "spoly", "scircle", "sbox":
		return VOTableType{Datatype: "char", Arraysize: "*", XType: "adql:REGION"}
	}
	return VOTableType{Datatype: "char", Arraysize: "*"}
}

// FromVOTable maps a VOTable FIELD back to an SQL type, as needed for
// uploaded tables.
func FromVOTable(v VOTableType) Type {
	switch v.XType {
	case "timestamp", "adql:TIMESTAMP":
		return Type{Base: "timestamp"}
	case "adql:POINT", "point":
		return Type{Base: "spoint"}
	case "circle":
		return Type{Base: "scircle"}
	case "adql:REGION", "polygon":
		return Type{Base: "spoly"}
	}

	var base string
	switch v.Datatype {
	case "short", "unsignedByte":
		base = "smallint"
	case "int":
		base = "integer"
	case "long":
		base = "bigint"
	case "float":
		base = "real"
	case "double":
		base = "double precision"
	case "boolean", "bit":
		return Type{Base: "boolean"}
	case "char":
		switch v.Arraysize {
		case "", "1":
			return Type{Base: "char", Length: 1}
		}
		return Type{Base: "text", Length: -1}
	case "unicodeChar":
		return Type{Base: "unicode", Length: -1}
	default:
		return Type{Base: "text", Length: -1}
	}

	if v.Datatype == "unsignedByte" && v.Arraysize != "" {
		return Type{Base: "bytea"}
	}
	if v.Arraysize == "" || v.Arraysize == "1" {
		return Type{Base: base}
	}
	t := Type{Base: base, Array: true, Length: -1}
	if n, err := strconv.Atoi(strings.TrimSuffix(v.Arraysize, "*")); err == nil && !strings.HasSuffix(v.Arraysize, "*") {
		t.Length = n
	}
	return t
}

// ADQLType is the TAP_SCHEMA datatype name.
func ADQLType(t Type) string {
	switch t.Base {
	case "smallint":
		return "SMALLINT"
	case "integer":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "real":
		return "REAL"
	case "double precision":
		return "DOUBLE"
	case "char":
		if t.Length == 1 {
			return "CHAR"
		}
		return "VARCHAR"
	case "text", "unicode", "time", "box":
		return "VARCHAR"
	case "boolean":
		return "BOOLEAN"
	case "bytea":
		return "BLOB"
	case "date", "timestamp":
		return "TIMESTAMP"
	case "spoint":
		return "POINT"
	case "spoly", "scircle", "sbox":
		return "REGION"
	}
	return "VARCHAR"
}

// GoKind is the name of the native Go type values of t have after
// normalization.
func GoKind(t Type) string {
	if t.Array {
		return "[]float64"
	}
	switch {
	case IsInteger(t.Base):
		return "int64"
	case IsFloat(t.Base):
		return "float64"
	case t.Base == "boolean":
		return "bool"
	case t.Base == "bytea":
		return "[]byte"
	case IsTemporal(t.Base):
		return "time.Time"
	case IsGeometry(t.Base):
		return "stc.Geometry"
	}
	return "string"
}

// DisplayName is the human-readable type name used in forms and
// table documentation.
func DisplayName(t Type) string {
	name := ""
	switch {
	case IsInteger(t.Base):
		name = "integer"
	case IsFloat(t.Base):
		name = "floating point number"
	case t.Base == "boolean":
		name = "flag"
	case t.Base == "bytea":
		name = "binary data"
	case t.Base == "date":
		name = "date"
	case t.Base == "timestamp":
		name = "date and time"
	case t.Base == "time":
		name = "time of day"
	case IsGeometry(t.Base), t.Base == "box":
		name = "geometry"
	default:
		name = "text"
	}
	if t.Array {
		return "array of " + name
	}
	return name
}

// FITSFormat returns the TFORM code and the byte width of one value.
// Strings get their width from the caller.
func FITSFormat(t Type, strWidth int) (string, int) {
	n := 1
	if t.Array && t.Length > 0 {
		n = t.Length
	}
	prefix := ""
	if n != 1 {
		prefix = strconv.Itoa(n)
	}
	switch t.Base {
	case "smallint":
		return prefix + "I", 2 * n
	case "integer":
		return prefix + "J", 4 * n
	case "bigint":
		return prefix + "K", 8 * n
	case "real":
		return prefix + "E", 4 * n
	case "double precision":
		return prefix + "D", 8 * n
	case "boolean":
		return "L", 1
	}
	if strWidth < 1 {
		strWidth = 1
	}
	return fmt.Sprintf("%dA", strWidth), strWidth
}
