package formats

import (
	"bufio"
	"fmt"
	"io"

	"vo_platform/rsc"
	"vo_platform/typesys"
	"vo_platform/valuemap"

	"golang.org/x/net/html"
)

func htmlCell(v any) string {
	switch val := v.(type) {
	case valuemap.RawHTML:
		return string(val)
	case nil:
		return ""
	}
	return html.EscapeString(typesys.FormatValue(v))
}

// WriteHTML writes a stand-alone HTML document with the result table.
// Columns with notes get footnote markers in their heading, the notes
// follow the table.
func WriteHTML(w io.Writer, t *rsc.Table, opts Options) error {
	sm, err := valuemap.NewSerManager(t,
		valuemap.WithRegistry(valuemap.HTML), valuemap.WithContext(opts.Context))
	if err != nil {
		return err
	}

	title := opts.Title
	if title == "" {
		title = t.Def.Meta.Get("title")
	}
	if title == "" {
		title = t.Def.ID
	}

	out := bufio.NewWriter(w)
	fmt.Fprintf(out, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"/><title>%s</title></head>\n<body>\n",
		html.EscapeString(title))
	fmt.Fprintf(out, "<h1>%s</h1>\n", html.EscapeString(title))
	if desc := t.Def.Meta.Get("description"); desc != "" {
		fmt.Fprintf(out, "<p class=\"description\">%s</p>\n", html.EscapeString(desc))
	}

	if len(sm.Params) > 0 {
		out.WriteString("<dl class=\"params\">\n")
		for _, ap := range sm.Params {
			fmt.Fprintf(out, "<dt>%s</dt><dd>%s</dd>\n", html.EscapeString(ap.Name), htmlCell(ap.Value))
		}
		out.WriteString("</dl>\n")
	}

	var notes []string
	out.WriteString("<table class=\"results\">\n<thead><tr>")
	for _, ac := range sm.Columns {
		head := html.EscapeString(ac.Original.GetTablehead())
		if note := ac.Original.Note; note != "" {
			notes = append(notes, note)
			head += fmt.Sprintf("<sup><a href=\"#note-%d\">%d</a></sup>", len(notes), len(notes))
		}
		tooltip := ac.Description
		if ac.Unit != "" {
			tooltip += " [" + ac.Unit + "]"
		}
		fmt.Fprintf(out, "<th title=\"%s\">%s</th>", html.EscapeString(tooltip), head)
	}
	out.WriteString("</tr></thead>\n<tbody>\n")

	err = sm.EachRow(func(row []any) error {
		out.WriteString("<tr>")
		for _, v := range row {
			out.WriteString("<td>")
			out.WriteString(htmlCell(v))
			out.WriteString("</td>")
		}
		_, err := out.WriteString("</tr>\n")
		return err
	})
	out.WriteString("</tbody>\n</table>\n")
	if t.Overflowed {
		out.WriteString("<p class=\"overflow\">The query limit was reached; more matching rows exist.</p>\n")
	}

	if len(notes) > 0 {
		out.WriteString("<ol class=\"footnotes\">\n")
		for i, note := range notes {
			fmt.Fprintf(out, "<li id=\"note-%d\">%s</li>\n", i+1, html.EscapeString(note))
		}
		out.WriteString("</ol>\n")
	}
	out.WriteString("</body></html>\n")

	if ferr := out.Flush(); err == nil {
		err = ferr
	}
	return err
}
