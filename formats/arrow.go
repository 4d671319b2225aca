package formats

import (
	"fmt"
	"io"
	"time"

	"vo_platform/rsc"
	"vo_platform/stc"
	"vo_platform/typesys"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const arrowBatchSize = 10000

func arrowType(t typesys.Type) arrow.DataType {
	if t.Array {
		return arrow.ListOf(arrow.PrimitiveTypes.Float64)
	}
	switch t.Base {
	case "smallint":
		return arrow.PrimitiveTypes.Int16
	case "integer":
		return arrow.PrimitiveTypes.Int32
	case "bigint":
		return arrow.PrimitiveTypes.Int64
	case "real":
		return arrow.PrimitiveTypes.Float32
	case "double precision":
		return arrow.PrimitiveTypes.Float64
	case "boolean":
		return arrow.FixedWidthTypes.Boolean
	case "bytea":
		return arrow.BinaryTypes.Binary
	case "date", "timestamp":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	}
	return arrow.BinaryTypes.String
}

// ArrowSchema derives the arrow schema of a result table. Column
// metadata is kept in the field metadata.
func ArrowSchema(def *rsc.TableDef) (*arrow.Schema, error) {
	types, err := def.Types()
	if err != nil {
		return nil, err
	}
	fields := make([]arrow.Field, len(def.Columns))
	for i, col := range def.Columns {
		var keys, values []string
		for _, kv := range [][2]string{
			{"unit", col.Unit}, {"ucd", col.UCD}, {"utype", col.Utype}, {"description", col.Description},
		} {
			if kv[1] != "" {
				keys = append(keys, kv[0])
				values = append(values, kv[1])
			}
		}
		fields[i] = arrow.Field{
			Name:     col.Name,
			Type:     arrowType(types[i]),
			Nullable: true,
			Metadata: arrow.NewMetadata(keys, values),
		}
	}
	meta := arrow.NewMetadata([]string{"table"}, []string{def.ID})
	return arrow.NewSchema(fields, &meta), nil
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bld := b.(type) {
	case *array.Int16Builder:
		n, ok := toInt(v)
		if !ok {
			bld.AppendNull()
			return nil
		}
		bld.Append(int16(n))
	case *array.Int32Builder:
		n, ok := toInt(v)
		if !ok {
			bld.AppendNull()
			return nil
		}
		bld.Append(int32(n))
	case *array.Int64Builder:
		n, ok := toInt(v)
		if !ok {
			bld.AppendNull()
			return nil
		}
		bld.Append(n)
	case *array.Float32Builder:
		bld.Append(float32(toF(v)))
	case *array.Float64Builder:
		bld.Append(toF(v))
	case *array.BooleanBuilder:
		flag, ok := v.(bool)
		if !ok {
			return fmt.Errorf("cannot write %T as boolean", v)
		}
		bld.Append(flag)
	case *array.BinaryBuilder:
		data, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("cannot write %T as binary", v)
		}
		bld.Append(data)
	case *array.TimestampBuilder:
		ts, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("cannot write %T as timestamp", v)
		}
		bld.Append(arrow.Timestamp(ts.UTC().UnixMicro()))
	case *array.ListBuilder:
		items, ok := v.([]float64)
		if !ok {
			return fmt.Errorf("cannot write %T as array", v)
		}
		bld.Append(true)
		vb := bld.ValueBuilder().(*array.Float64Builder)
		vb.AppendValues(items, nil)
	case *array.StringBuilder:
		switch val := v.(type) {
		case string:
			bld.Append(val)
		case stc.Geometry:
			bld.Append(stc.STCS(val))
		default:
			bld.Append(typesys.FormatValue(val))
		}
	default:
		return fmt.Errorf("no arrow conversion for %T", b)
	}
	return nil
}

// WriteArrow writes the table as an arrow IPC stream in batches of
// arrowBatchSize rows.
func WriteArrow(w io.Writer, t *rsc.Table, opts Options) error {
	schema, err := ArrowSchema(t.Def)
	if err != nil {
		return err
	}
	mem := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	flush := func() error {
		rec := builder.NewRecord()
		defer rec.Release()
		return writer.Write(rec)
	}

	pending := 0
	for _, row := range t.Rows {
		if len(row) != len(t.Def.Columns) {
			writer.Close()
			return fmt.Errorf("row with %d values in table with %d columns", len(row), len(t.Def.Columns))
		}
		for i, v := range row {
			if err := appendValue(builder.Field(i), v); err != nil {
				writer.Close()
				return fmt.Errorf("column %s: %w", t.Def.Columns[i].Name, err)
			}
		}
		pending++
		if pending == arrowBatchSize {
			if err := flush(); err != nil {
				writer.Close()
				return err
			}
			pending = 0
		}
	}
	if pending > 0 || t.Len() == 0 {
		if err := flush(); err != nil {
			writer.Close()
			return err
		}
	}
	return writer.Close()
}
