package votable

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/typesys"
)

type xmlValues struct {
	Null string `xml:"null,attr"`
	Min  *struct {
		Value string `xml:"value,attr"`
	} `xml:"MIN"`
	Max *struct {
		Value string `xml:"value,attr"`
	} `xml:"MAX"`
}

type xmlField struct {
	Name        string     `xml:"name,attr"`
	ID          string     `xml:"ID,attr"`
	Datatype    string     `xml:"datatype,attr"`
	Arraysize   string     `xml:"arraysize,attr"`
	Unit        string     `xml:"unit,attr"`
	UCD         string     `xml:"ucd,attr"`
	Utype       string     `xml:"utype,attr"`
	XType       string     `xml:"xtype,attr"`
	Value       string     `xml:"value,attr"`
	Description string     `xml:"DESCRIPTION"`
	Values      *xmlValues `xml:"VALUES"`
}

type xmlStream struct {
	Encoding string `xml:"encoding,attr"`
	Content  string `xml:",chardata"`
}

type xmlTable struct {
	Name        string     `xml:"name,attr"`
	Description string     `xml:"DESCRIPTION"`
	Params      []xmlField `xml:"PARAM"`
	Fields      []xmlField `xml:"FIELD"`
	Data        *struct {
		TableData *struct {
			Rows []struct {
				Cells []string `xml:"TD"`
			} `xml:"TR"`
		} `xml:"TABLEDATA"`
		Binary *struct {
			Stream xmlStream `xml:"STREAM"`
		} `xml:"BINARY"`
		Binary2 *struct {
			Stream xmlStream `xml:"STREAM"`
		} `xml:"BINARY2"`
	} `xml:"DATA"`
}

type xmlInfo struct {
	Name    string `xml:"name,attr"`
	Value   string `xml:"value,attr"`
	Content string `xml:",chardata"`
}

type xmlResource struct {
	Type      string        `xml:"type,attr"`
	Infos     []xmlInfo     `xml:"INFO"`
	Tables    []xmlTable    `xml:"TABLE"`
	Resources []xmlResource `xml:"RESOURCE"`
}

type xmlVOTable struct {
	XMLName   xml.Name      `xml:"VOTABLE"`
	Infos     []xmlInfo     `xml:"INFO"`
	Resources []xmlResource `xml:"RESOURCE"`
}

var ErrNoTable = errors.New("VOTable contains no table")

func columnFromField(f xmlField) (*rd.Column, error) {
	t := typesys.FromVOTable(typesys.VOTableType{Datatype: f.Datatype, Arraysize: f.Arraysize, XType: f.XType})
	col := &rd.Column{
		Name:        f.Name,
		ID:          f.ID,
		Type:        t.String(),
		Unit:        f.Unit,
		UCD:         f.UCD,
		Utype:       f.Utype,
		XType:       f.XType,
		Description: strings.TrimSpace(f.Description),
		VerbLevel:   20,
	}
	if f.Name == "" {
		return nil, fmt.Errorf("FIELD without a name")
	}
	if f.Values != nil {
		col.Values = &rd.Values{NullLiteral: f.Values.Null}
		if f.Values.Min != nil {
			col.Values.Min = f.Values.Min.Value
		}
		if f.Values.Max != nil {
			col.Values.Max = f.Values.Max.Value
		}
	}
	return col, nil
}

func nullOf(f xmlField) string {
	if f.Values == nil {
		return ""
	}
	return f.Values.Null
}

// typedValue turns a decoded VOTable value into the native value of the
// column's SQL type.
func typedValue(t typesys.Type, v any) (any, error) {
	s, ok := v.(string)
	if !ok || typesys.IsString(t.Base) {
		return v, nil
	}
	return typesys.ParseLiteral(t, s)
}

func findTable(resources []xmlResource, infos *[]rsc.Info) *xmlTable {
	for i := range resources {
		res := &resources[i]
		for _, info := range res.Infos {
			*infos = append(*infos, rsc.Info{Name: info.Name, Value: info.Value, Content: strings.TrimSpace(info.Content)})
		}
		if len(res.Tables) > 0 {
			return &res.Tables[0]
		}
		if t := findTable(res.Resources, infos); t != nil {
			return t
		}
	}
	return nil
}

// Read parses the first table of a VOTable document.
func Read(r io.Reader) (*rsc.Table, error) {
	var doc xmlVOTable
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid VOTable: %w", err)
	}

	var infos []rsc.Info
	for _, info := range doc.Infos {
		infos = append(infos, rsc.Info{Name: info.Name, Value: info.Value, Content: strings.TrimSpace(info.Content)})
	}
	xt := findTable(doc.Resources, &infos)
	if xt == nil {
		return nil, ErrNoTable
	}

	def := rsc.NewTableDef(xt.Name, nil)
	if xt.Description != "" {
		def.Meta.Add("description", strings.TrimSpace(xt.Description))
	}
	codecs := make([]*fieldCodec, len(xt.Fields))
	for i, f := range xt.Fields {
		col, err := columnFromField(f)
		if err != nil {
			return nil, err
		}
		def.Columns = append(def.Columns, col)
		if codecs[i], err = newCodec(f.Datatype, f.Arraysize, nullOf(f)); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	paramValues := map[string]any{}
	for _, f := range xt.Params {
		col, err := columnFromField(f)
		if err != nil {
			return nil, err
		}
		def.Params = append(def.Params, &rd.Param{Column: *col, Value: f.Value})
		codec, err := newCodec(f.Datatype, f.Arraysize, nullOf(f))
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", f.Name, err)
		}
		v, err := codec.parseText(f.Value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", f.Name, err)
		}
		pt, err := typesys.ParseType(col.Type)
		if err != nil {
			return nil, err
		}
		if paramValues[f.Name], err = typedValue(pt, v); err != nil {
			return nil, fmt.Errorf("param %s: %w", f.Name, err)
		}
	}
	types, err := def.Types()
	if err != nil {
		return nil, err
	}

	table := rsc.New(def)
	table.Infos = infos
	for _, info := range infos {
		if info.Name == "QUERY_STATUS" && info.Value == "OVERFLOW" {
			table.Overflowed = true
		}
	}
	for name, v := range paramValues {
		table.SetParam(name, v)
	}
	if xt.Data == nil {
		return table, nil
	}

	addRow := func(row []any) error {
		for i, v := range row {
			tv, err := typedValue(types[i], v)
			if err != nil {
				return fmt.Errorf("field %s: %w", def.Columns[i].Name, err)
			}
			row[i] = tv
		}
		return table.AddRow(row)
	}

	switch {
	case xt.Data.TableData != nil:
		for n, tr := range xt.Data.TableData.Rows {
			if len(tr.Cells) != len(codecs) {
				return nil, fmt.Errorf("row %d has %d cells, expected %d", n, len(tr.Cells), len(codecs))
			}
			row := make([]any, len(codecs))
			for i, cell := range tr.Cells {
				v, err := codecs[i].parseText(cell)
				if err != nil {
					return nil, fmt.Errorf("row %d, field %s: %w", n, def.Columns[i].Name, err)
				}
				row[i] = v
			}
			if err := addRow(row); err != nil {
				return nil, err
			}
		}
	case xt.Data.Binary != nil:
		if err := readStream(xt.Data.Binary.Stream, codecs, false, addRow); err != nil {
			return nil, err
		}
	case xt.Data.Binary2 != nil:
		if err := readStream(xt.Data.Binary2.Stream, codecs, true, addRow); err != nil {
			return nil, err
		}
	}
	return table, nil
}

func readStream(stream xmlStream, codecs []*fieldCodec, withMask bool, addRow func([]any) error) error {
	if stream.Encoding != "base64" {
		return fmt.Errorf("unsupported stream encoding '%s'", stream.Encoding)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(stream.Content), ""))
	if err != nil {
		return fmt.Errorf("bad base64 stream: %w", err)
	}

	r := bytes.NewReader(raw)
	mask := make([]byte, (len(codecs)+7)/8)
	for r.Len() > 0 {
		if withMask {
			if _, err := io.ReadFull(r, mask); err != nil {
				return fmt.Errorf("truncated BINARY2 stream: %w", err)
			}
		}
		row := make([]any, len(codecs))
		for i, c := range codecs {
			v, err := c.readBinary(r)
			if err != nil {
				return fmt.Errorf("truncated binary stream: %w", err)
			}
			if withMask && mask[i/8]&(0x80>>(i%8)) != 0 {
				v = nil
			}
			row[i] = v
		}
		if err := addRow(row); err != nil {
			return err
		}
	}
	return nil
}
