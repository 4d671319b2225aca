package votable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"

	"vo_platform/typesys"
)

// fieldCodec encodes and decodes the values of one FIELD.
type fieldCodec struct {
	datatype string
	// -1 for scalars, 0 for variable length, n for fixed length
	length   int
	nullLit  string
	nullInt  int64
	hasNull  bool
	isString bool
}

func parseArraysize(arraysize string) int {
	switch {
	case arraysize == "":
		return -1
	case strings.HasSuffix(arraysize, "*"):
		return 0
	}
	n, err := strconv.Atoi(arraysize)
	if err != nil || n < 1 {
		return 0
	}
	return n
}

func newCodec(datatype, arraysize, null string) (*fieldCodec, error) {
	c := &fieldCodec{datatype: datatype, length: parseArraysize(arraysize), nullLit: null}
	switch datatype {
	case "boolean", "bit", "unsignedByte", "short", "int", "long", "float", "double":
	case "char", "unicodeChar":
		c.isString = true
	default:
		return nil, fmt.Errorf("unsupported VOTable datatype %s", datatype)
	}
	if null != "" && c.isInteger() {
		n, err := strconv.ParseInt(null, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad null value '%s'", null)
		}
		c.nullInt, c.hasNull = n, true
	}
	return c, nil
}

func (c *fieldCodec) isInteger() bool {
	switch c.datatype {
	case "unsignedByte", "short", "int", "long":
		return true
	}
	return false
}

// defaultNull is the null value declared for integer columns not
// having one.
func defaultNull(datatype string) string {
	switch datatype {
	case "unsignedByte":
		return "255"
	case "short":
		return strconv.Itoa(math.MinInt16)
	case "int":
		return strconv.Itoa(math.MinInt32)
	case "long":
		return strconv.FormatInt(math.MinInt64, 10)
	}
	return ""
}

func asInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int16:
		return int64(val), true
	case uint8:
		return int64(val), true
	case float64:
		if math.IsNaN(val) {
			return 0, false
		}
		return int64(math.Round(val)), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	}
	return 0, false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return typesys.FormatValue(v)
}

func (c *fieldCodec) formatFloat(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	if c.datatype == "float" {
		return strconv.FormatFloat(f, 'g', -1, 32)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// text renders a value for TABLEDATA and PARAM values.
func (c *fieldCodec) text(v any) string {
	if v == nil {
		if c.hasNull && c.length == -1 {
			return c.nullLit
		}
		return ""
	}
	if c.isString {
		return asString(v)
	}

	if c.length != -1 {
		switch arr := v.(type) {
		case []float64:
			parts := make([]string, len(arr))
			for i, f := range arr {
				if c.isInteger() {
					parts[i] = strconv.FormatInt(int64(f), 10)
				} else if math.IsNaN(f) {
					parts[i] = "NaN"
				} else {
					parts[i] = c.formatFloat(f)
				}
			}
			return strings.Join(parts, " ")
		case []byte:
			parts := make([]string, len(arr))
			for i, b := range arr {
				parts[i] = strconv.Itoa(int(b))
			}
			return strings.Join(parts, " ")
		}
		return asString(v)
	}

	switch c.datatype {
	case "boolean":
		if b, ok := v.(bool); ok {
			if b {
				return "T"
			}
			return "F"
		}
	case "float", "double":
		if f, ok := asFloat64(v); ok {
			return c.formatFloat(f)
		}
	default:
		if n, ok := asInt64(v); ok {
			return strconv.FormatInt(n, 10)
		}
	}
	return asString(v)
}

// parseText is the inverse of text.
func (c *fieldCodec) parseText(s string) (any, error) {
	s = strings.TrimSpace(s)
	if c.isString {
		if s == "" {
			return nil, nil
		}
		return s, nil
	}
	if s == "" || (c.hasNull && s == c.nullLit) {
		return nil, nil
	}

	if c.length != -1 {
		parts := strings.Fields(s)
		if c.datatype == "unsignedByte" {
			res := make([]byte, len(parts))
			for i, p := range parts {
				n, err := strconv.ParseUint(p, 10, 8)
				if err != nil {
					return nil, fmt.Errorf("'%s' is not a byte", p)
				}
				res[i] = byte(n)
			}
			return res, nil
		}
		res := make([]float64, len(parts))
		for i, p := range parts {
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("'%s' is not a number", p)
			}
			res[i] = f
		}
		return res, nil
	}

	switch c.datatype {
	case "boolean", "bit":
		switch strings.ToLower(s) {
		case "t", "true", "1":
			return true, nil
		case "f", "false", "0":
			return false, nil
		case "?":
			return nil, nil
		}
		return nil, fmt.Errorf("'%s' is not a VOTable boolean", s)
	case "float", "double":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("'%s' is not a number", s)
		}
		if math.IsNaN(f) {
			return nil, nil
		}
		return f, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("'%s' is not an integer", s)
	}
	return n, nil
}

func (c *fieldCodec) scalarSize() int {
	switch c.datatype {
	case "short", "unicodeChar":
		return 2
	case "int", "float":
		return 4
	case "long", "double":
		return 8
	}
	return 1
}

func (c *fieldCodec) writeScalar(buf *bytes.Buffer, v any) {
	var scratch [8]byte
	switch c.datatype {
	case "boolean", "bit":
		b, ok := v.(bool)
		switch {
		case !ok:
			buf.WriteByte('?')
		case b:
			buf.WriteByte('T')
		default:
			buf.WriteByte('F')
		}
	case "unsignedByte", "short", "int", "long":
		n, ok := asInt64(v)
		if !ok && c.hasNull {
			n = c.nullInt
		}
		switch c.datatype {
		case "unsignedByte":
			buf.WriteByte(byte(n))
		case "short":
			binary.BigEndian.PutUint16(scratch[:], uint16(int16(n)))
			buf.Write(scratch[:2])
		case "int":
			binary.BigEndian.PutUint32(scratch[:], uint32(int32(n)))
			buf.Write(scratch[:4])
		default:
			binary.BigEndian.PutUint64(scratch[:], uint64(n))
			buf.Write(scratch[:8])
		}
	case "float", "double":
		f, ok := asFloat64(v)
		if !ok {
			f = math.NaN()
		}
		if c.datatype == "float" {
			binary.BigEndian.PutUint32(scratch[:], math.Float32bits(float32(f)))
			buf.Write(scratch[:4])
		} else {
			binary.BigEndian.PutUint64(scratch[:], math.Float64bits(f))
			buf.Write(scratch[:8])
		}
	}
}

func writeLength(buf *bytes.Buffer, n int) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(n))
	buf.Write(scratch[:])
}

// writeBinary appends the BINARY/BINARY2 encoding of v.
func (c *fieldCodec) writeBinary(buf *bytes.Buffer, v any) {
	if c.isString {
		s := ""
		if v != nil {
			s = asString(v)
		}
		var units []byte
		if c.datatype == "unicodeChar" {
			for _, u := range utf16.Encode([]rune(s)) {
				units = append(units, byte(u>>8), byte(u))
			}
		} else {
			units = []byte(s)
		}
		size := c.scalarSize()
		switch c.length {
		case -1:
			for len(units) < size {
				units = append(units, 0)
			}
			buf.Write(units[:size])
		case 0:
			writeLength(buf, len(units)/size)
			buf.Write(units)
		default:
			padded := make([]byte, c.length*size)
			copy(padded, units)
			buf.Write(padded)
		}
		return
	}

	if c.length == -1 {
		c.writeScalar(buf, v)
		return
	}

	var items []any
	switch arr := v.(type) {
	case []float64:
		for _, f := range arr {
			if c.isInteger() {
				items = append(items, int64(f))
			} else {
				items = append(items, f)
			}
		}
	case []byte:
		for _, b := range arr {
			items = append(items, int64(b))
		}
	}
	if c.length == 0 {
		writeLength(buf, len(items))
	} else {
		for len(items) < c.length {
			items = append(items, nil)
		}
		items = items[:c.length]
	}
	for _, item := range items {
		c.writeScalar(buf, item)
	}
}

func (c *fieldCodec) readScalar(r io.Reader) (any, error) {
	var scratch [8]byte
	size := c.scalarSize()
	if _, err := io.ReadFull(r, scratch[:size]); err != nil {
		return nil, err
	}
	switch c.datatype {
	case "boolean", "bit":
		switch scratch[0] {
		case 'T', 't', '1':
			return true, nil
		case 'F', 'f', '0':
			return false, nil
		}
		return nil, nil
	case "float":
		f := float64(math.Float32frombits(binary.BigEndian.Uint32(scratch[:4])))
		if math.IsNaN(f) {
			return nil, nil
		}
		return f, nil
	case "double":
		f := math.Float64frombits(binary.BigEndian.Uint64(scratch[:8]))
		if math.IsNaN(f) {
			return nil, nil
		}
		return f, nil
	}

	var n int64
	switch c.datatype {
	case "unsignedByte":
		n = int64(scratch[0])
	case "short":
		n = int64(int16(binary.BigEndian.Uint16(scratch[:2])))
	case "int":
		n = int64(int32(binary.BigEndian.Uint32(scratch[:4])))
	case "long":
		n = int64(binary.BigEndian.Uint64(scratch[:8]))
	}
	if c.hasNull && n == c.nullInt {
		return nil, nil
	}
	return n, nil
}

// readBinary decodes one value from a BINARY/BINARY2 stream.
func (c *fieldCodec) readBinary(r io.Reader) (any, error) {
	count := c.length
	if count == 0 {
		var scratch [4]byte
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, err
		}
		count = int(binary.BigEndian.Uint32(scratch[:]))
	}

	if c.isString {
		size := c.scalarSize()
		if count == -1 {
			count = 1
		}
		raw := make([]byte, count*size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		var s string
		if c.datatype == "unicodeChar" {
			units := make([]uint16, count)
			for i := range units {
				units[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
			}
			s = string(utf16.Decode(units))
		} else {
			s = string(raw)
		}
		s = strings.TrimRight(s, "\x00")
		if s == "" {
			return nil, nil
		}
		return s, nil
	}

	if count == -1 {
		return c.readScalar(r)
	}
	if c.datatype == "unsignedByte" {
		raw := make([]byte, count)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, err
		}
		return raw, nil
	}
	res := make([]float64, count)
	for i := range res {
		v, err := c.readScalar(r)
		if err != nil {
			return nil, err
		}
		if v == nil {
			res[i] = math.NaN()
			continue
		}
		f, _ := asFloat64(v)
		res[i] = f
	}
	return res, nil
}
