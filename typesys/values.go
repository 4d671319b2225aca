package typesys

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"vo_platform/dates"
	"vo_platform/stc"
)

// ParseLiteral turns a string literal into the native value for t. The
// empty string parses to nil for all non-string types.
func ParseLiteral(t Type, literal string) (any, error) {
	if t.Array {
		return parseArray(t, literal)
	}

	lit := strings.TrimSpace(literal)
	if lit == "" && !IsString(t.Base) {
		return nil, nil
	}

	switch {
	case IsInteger(t.Base):
		v, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("'%s' is not an integer", literal)
		}
		if err := checkIntRange(t.Base, v); err != nil {
			return nil, err
		}
		return v, nil
	case IsFloat(t.Base):
		v, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return nil, fmt.Errorf("'%s' is not a floating point number", literal)
		}
		return v, nil
	case t.Base == "boolean":
		switch strings.ToLower(lit) {
		case "true", "t", "yes", "1", "on":
			return true, nil
		case "false", "f", "no", "0", "off":
			return false, nil
		}
		return nil, fmt.Errorf("'%s' is not a boolean", literal)
	case t.Base == "bytea":
		b, err := hex.DecodeString(strings.TrimPrefix(lit, `\x`))
		if err != nil {
			return nil, fmt.Errorf("'%s' is not hex-encoded binary", literal)
		}
		return b, nil
	case IsTemporal(t.Base):
		return dates.ParseISO(lit)
	case IsGeometry(t.Base):
		if strings.HasPrefix(lit, "(") || strings.HasPrefix(lit, "<") || strings.HasPrefix(lit, "{") {
			return stc.FromPgSphere(t.Base, lit)
		}
		return stc.ParseSTCS(lit)
	}
	return literal, nil
}

func checkIntRange(base string, v int64) error {
	switch base {
	case "smallint":
		if v < math.MinInt16 || v > math.MaxInt16 {
			return fmt.Errorf("%d is out of range for smallint", v)
		}
	case "integer":
		if v < math.MinInt32 || v > math.MaxInt32 {
			return fmt.Errorf("%d is out of range for integer", v)
		}
	}
	return nil
}

func parseArray(t Type, literal string) (any, error) {
	lit := strings.Trim(strings.TrimSpace(literal), "{}[]()")
	if lit == "" {
		return nil, nil
	}
	parts := strings.FieldsFunc(lit, func(r rune) bool { return r == ',' || r == ' ' })
	vals := make([]float64, 0, len(parts))
	for _, p := range parts {
		if p == "NULL" || p == "NaN" {
			vals = append(vals, math.NaN())
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("'%s' in array is not a number", p)
		}
		vals = append(vals, f)
	}
	if t.Length > 0 && len(vals) != t.Length {
		return nil, fmt.Errorf("array needs %d elements, got %d", t.Length, len(vals))
	}
	return vals, nil
}

// Normalize converts a value as returned by a database driver into the
// native value for t.
func Normalize(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	if t.Array {
		switch val := v.(type) {
		case []float64:
			return val, nil
		case []byte:
			return parseArray(t, string(val))
		case string:
			return parseArray(t, val)
		}
		return nil, fmt.Errorf("cannot use %T as %s", v, t)
	}

	switch val := v.(type) {
	case []byte:
		if t.Base == "bytea" {
			return val, nil
		}
		return Normalize(t, string(val))
	case string:
		if IsString(t.Base) || t.Base == "time" || t.Base == "box" {
			return val, nil
		}
		return ParseLiteral(t, val)
	case time.Time:
		if IsTemporal(t.Base) {
			return val.UTC(), nil
		}
		if t.Base == "time" {
			return val.Format("15:04:05.999999"), nil
		}
		return dates.FormatISO(val), nil
	case bool:
		if t.Base == "boolean" {
			return val, nil
		}
	case stc.Geometry:
		return val, nil
	}

	switch {
	case IsInteger(t.Base):
		switch val := v.(type) {
		case int64:
			return val, nil
		case int32:
			return int64(val), nil
		case int16:
			return int64(val), nil
		case int:
			return int64(val), nil
		case float64:
			return int64(val), nil
		}
	case IsFloat(t.Base):
		switch val := v.(type) {
		case float64:
			return val, nil
		case float32:
			return float64(val), nil
		case int64:
			return float64(val), nil
		case int:
			return float64(val), nil
		}
	case t.Base == "boolean":
		switch val := v.(type) {
		case int64:
			return val != 0, nil
		case int:
			return val != 0, nil
		}
	case IsString(t.Base):
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}

// FormatValue renders a native value as a plain literal, the inverse of
// ParseLiteral. nil renders as the empty string.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		if math.IsNaN(val) {
			return ""
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case bool:
		if val {
			return "T"
		}
		return "F"
	case []byte:
		return hex.EncodeToString(val)
	case time.Time:
		return dates.FormatISO(val)
	case stc.Geometry:
		return stc.STCS(val)
	case []float64:
		parts := make([]string, len(val))
		for i, f := range val {
			parts[i] = FormatValue(f)
		}
		return strings.Join(parts, " ")
	}
	return fmt.Sprint(v)
}

// Compare orders two native values of the same kind. It returns an error
// for values that cannot be ordered.
func Compare(a, b any) (int, error) {
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return cmpOrdered(av, bv), nil
		case float64:
			return cmpOrdered(float64(av), bv), nil
		}
	case float64:
		switch bv := b.(type) {
		case float64:
			return cmpOrdered(av, bv), nil
		case int64:
			return cmpOrdered(av, float64(bv)), nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), nil
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, nil
			case !av:
				return -1, nil
			}
			return 1, nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T and %T", a, b)
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
