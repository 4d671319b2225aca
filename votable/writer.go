// Package votable writes and reads VOTable documents.
package votable

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"vo_platform/rsc"
	"vo_platform/stanxml"
	"vo_platform/valuemap"
)

type Encoding string

const (
	TableData Encoding = "td"
	Binary    Encoding = "binary"
	Binary2   Encoding = "binary2"
)

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "td", "tabledata":
		return TableData, nil
	case "binary", "":
		return Binary, nil
	case "binary2":
		return Binary2, nil
	}
	return "", fmt.Errorf("unknown VOTable encoding '%s'", s)
}

var namespaces = map[string]string{
	"1.1": "http://www.ivoa.net/xml/VOTable/v1.1",
	"1.2": "http://www.ivoa.net/xml/VOTable/v1.2",
	"1.3": "http://www.ivoa.net/xml/VOTable/v1.3",
}

type Options struct {
	Encoding Encoding
	// Version is 1.3 unless set; BINARY2 needs 1.3.
	Version  string
	Registry *valuemap.Registry
	Context  *valuemap.Context
}

// Resource is a RESOURCE element, optionally containing a table.
type Resource struct {
	Type        string
	ID          string
	Name        string
	Utype       string
	Description string
	Infos       []rsc.Info
	// Extra is written before the table (PARAMs, GROUPs of service
	// descriptors and the like).
	Extra []*stanxml.Element
	Table *rsc.Table
}

type Document struct {
	Description string
	Infos       []rsc.Info
	Resources   []*Resource
}

// ResultDocument wraps a table the way DAL responses need it: a results
// resource with a QUERY_STATUS info, OVERFLOW after the table if it was
// truncated.
func ResultDocument(t *rsc.Table) *Document {
	res := &Resource{Type: "results", Table: t}
	res.Infos = append(res.Infos, rsc.Info{Name: "QUERY_STATUS", Value: "OK"})
	res.Infos = append(res.Infos, t.Infos...)
	if desc := t.Def.Meta.Get("description"); desc != "" {
		res.Description = desc
	}
	return &Document{Resources: []*Resource{res}}
}

// Write writes a single table as a DAL result document.
func Write(w io.Writer, t *rsc.Table, opts Options) error {
	return WriteDocument(w, ResultDocument(t), opts)
}

func infoElement(info rsc.Info) *stanxml.Element {
	e := stanxml.E("INFO", stanxml.A("name", info.Name), stanxml.A("value", info.Value))
	if info.Content != "" {
		e.Add(info.Content)
	}
	return e
}

func valuesElement(ac *valuemap.AnnotatedColumn) *stanxml.Element {
	if ac.NullValue == "" && ac.Min == "" && ac.Max == "" && len(ac.Options) == 0 {
		return nil
	}
	e := stanxml.E("VALUES", stanxml.OA("null", ac.NullValue))
	if ac.Min != "" {
		e.Add(stanxml.E("MIN", stanxml.A("value", ac.Min)))
	}
	if ac.Max != "" {
		e.Add(stanxml.E("MAX", stanxml.A("value", ac.Max)))
	}
	for _, o := range ac.Options {
		e.Add(stanxml.E("OPTION", stanxml.A("value", o)))
	}
	return e
}

func columnElement(tag string, ac *valuemap.AnnotatedColumn) *stanxml.Element {
	return stanxml.E(tag,
		stanxml.A("name", ac.Name),
		stanxml.OA("ID", ac.ID),
		stanxml.A("datatype", ac.Datatype),
		stanxml.OA("arraysize", ac.Arraysize),
		stanxml.OA("unit", ac.Unit),
		stanxml.OA("ucd", ac.UCD),
		stanxml.OA("utype", ac.Utype),
		stanxml.OA("xtype", ac.XType))
}

// FieldElement renders a FIELD for an annotated column.
func FieldElement(ac *valuemap.AnnotatedColumn) *stanxml.Element {
	e := columnElement("FIELD", ac)
	e.Add(stanxml.P("DESCRIPTION", ac.Description), valuesElement(ac))
	return e
}

// ParamElement renders a PARAM with its value.
func ParamElement(ap *valuemap.AnnotatedParam) *stanxml.Element {
	codec, err := newCodec(ap.Datatype, ap.Arraysize, ap.NullValue)
	value := ""
	if err == nil {
		value = codec.text(ap.Value)
	}
	e := columnElement("PARAM", ap.AnnotatedColumn)
	e.Add(stanxml.A("value", value))
	e.Add(stanxml.P("DESCRIPTION", ap.Description), valuesElement(ap.AnnotatedColumn))
	return e
}

// lineWrapper breaks base64 output into lines.
type lineWrapper struct {
	w   io.Writer
	col int
}

func (l *lineWrapper) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := 76 - l.col
		if n > len(p) {
			n = len(p)
		}
		if _, err := l.w.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		l.col += n
		p = p[n:]
		if l.col == 76 {
			if _, err := l.w.Write([]byte("\n")); err != nil {
				return written, err
			}
			l.col = 0
		}
	}
	return written, nil
}

type tableWriter struct {
	out    *bufio.Writer
	sm     *valuemap.SerManager
	codecs []*fieldCodec
	enc    Encoding
}

func (tw *tableWriter) writeRows() error {
	switch tw.enc {
	case TableData:
		tw.out.WriteString("<TABLEDATA>")
		err := tw.sm.EachRow(func(row []any) error {
			tw.out.WriteString("<TR>")
			for i, v := range row {
				tw.out.WriteString("<TD>")
				tw.out.WriteString(xmlEscape(tw.codecs[i].text(v)))
				tw.out.WriteString("</TD>")
			}
			tw.out.WriteString("</TR>")
			return nil
		})
		tw.out.WriteString("</TABLEDATA>")
		return err
	}

	tag := "BINARY"
	if tw.enc == Binary2 {
		tag = "BINARY2"
	}
	tw.out.WriteString("<" + tag + "><STREAM encoding=\"base64\">")
	b64 := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: tw.out})
	var buf bytes.Buffer
	maskLen := (len(tw.codecs) + 7) / 8
	err := tw.sm.EachRow(func(row []any) error {
		buf.Reset()
		if tw.enc == Binary2 {
			mask := make([]byte, maskLen)
			for i, v := range row {
				if v == nil {
					mask[i/8] |= 0x80 >> (i % 8)
				}
			}
			buf.Write(mask)
		}
		for i, v := range row {
			tw.codecs[i].writeBinary(&buf, v)
		}
		_, err := b64.Write(buf.Bytes())
		return err
	})
	if cerr := b64.Close(); err == nil {
		err = cerr
	}
	tw.out.WriteString("</STREAM></" + tag + ">")
	return err
}

func xmlEscape(s string) string {
	if !strings.ContainsAny(s, "<>&\"'\r\n\t") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&apos;")
		case '\r':
			b.WriteString("&#xD;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// writeTable writes a TABLE element. On an error while writing rows
// the table is closed and the error is returned so the caller can
// annotate the document.
func writeTable(out *bufio.Writer, t *rsc.Table, ids *valuemap.IdManager, opts Options) error {
	sm, err := valuemap.NewSerManager(t,
		valuemap.WithRegistry(opts.Registry), valuemap.WithIDs(ids), valuemap.WithContext(opts.Context))
	if err != nil {
		return err
	}

	tw := &tableWriter{out: out, sm: sm, enc: opts.Encoding}
	for _, ac := range sm.Columns {
		if ac.NullValue == "" {
			ac.NullValue = defaultNull(ac.Datatype)
			if ac.Arraysize != "" {
				ac.NullValue = ""
			}
		}
		codec, err := newCodec(ac.Datatype, ac.Arraysize, ac.NullValue)
		if err != nil {
			return fmt.Errorf("column %s: %w", ac.Name, err)
		}
		tw.codecs = append(tw.codecs, codec)
	}

	head := stanxml.E("TABLE", stanxml.OA("name", t.Def.ID))
	head.Add(stanxml.P("DESCRIPTION", t.Def.Meta.Get("description")))
	for _, ap := range sm.Params {
		head.Add(ParamElement(ap))
	}
	for _, ac := range sm.Columns {
		head.Add(FieldElement(ac))
	}
	head.Add(stanxml.Raw("\n"))
	// the head is rendered up to where DATA goes
	rendered := head.String()
	out.WriteString(strings.TrimSuffix(rendered, "</TABLE>"))

	out.WriteString("<DATA>")
	err = tw.writeRows()
	out.WriteString("</DATA></TABLE>")
	return err
}

func writeResource(out *bufio.Writer, res *Resource, ids *valuemap.IdManager, opts Options) error {
	e := stanxml.E("RESOURCE",
		stanxml.OA("type", res.Type),
		stanxml.OA("ID", res.ID),
		stanxml.OA("name", res.Name),
		stanxml.OA("utype", res.Utype))
	e.Add(stanxml.P("DESCRIPTION", res.Description))
	for _, info := range res.Infos {
		e.Add(infoElement(info))
	}
	e.Add(res.Extra)
	e.Add(stanxml.Raw("\n"))
	out.WriteString(strings.TrimSuffix(e.String(), "</RESOURCE>"))

	var tableErr error
	if res.Table != nil {
		tableErr = writeTable(out, res.Table, ids, opts)
		switch {
		case tableErr != nil:
			out.WriteString(infoElement(rsc.Info{Name: "QUERY_STATUS", Value: "ERROR", Content: tableErr.Error()}).String())
		case res.Table.Overflowed:
			out.WriteString(infoElement(rsc.Info{Name: "QUERY_STATUS", Value: "OVERFLOW"}).String())
		}
	}
	out.WriteString("</RESOURCE>")
	return tableErr
}

// WriteDocument serializes doc. If writing a table fails, the document
// is still closed properly with an error INFO, and the error is
// returned.
func WriteDocument(w io.Writer, doc *Document, opts Options) error {
	if opts.Encoding == "" {
		opts.Encoding = Binary
	}
	if opts.Version == "" {
		opts.Version = "1.3"
	}
	ns, ok := namespaces[opts.Version]
	if !ok {
		return fmt.Errorf("unsupported VOTable version %s", opts.Version)
	}
	if opts.Encoding == Binary2 && opts.Version != "1.3" {
		return fmt.Errorf("BINARY2 needs VOTable 1.3")
	}
	if opts.Registry == nil {
		opts.Registry = valuemap.Default
	}

	out := bufio.NewWriter(w)
	out.WriteString(stanxml.Declaration)
	root := stanxml.E("VOTABLE",
		stanxml.A("version", opts.Version),
		stanxml.A("xmlns", ns),
		stanxml.A("xmlns:xsi", "http://www.w3.org/2001/XMLSchema-instance"))
	root.Add(stanxml.P("DESCRIPTION", doc.Description))
	for _, info := range doc.Infos {
		root.Add(infoElement(info))
	}
	root.Add(stanxml.Raw("\n"))
	out.WriteString(strings.TrimSuffix(root.String(), "</VOTABLE>"))

	ids := valuemap.NewIdManager()
	var firstErr error
	for _, res := range doc.Resources {
		if err := writeResource(out, res, ids, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	out.WriteString("</VOTABLE>\n")
	if err := out.Flush(); err != nil {
		return err
	}
	return firstErr
}
