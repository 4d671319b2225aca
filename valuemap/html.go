package valuemap

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"

	"vo_platform/typesys"
	"vo_platform/units"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// RawHTML is markup the HTML format writes without escaping.
type RawHTML string

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, !math.IsNaN(val)
	case float32:
		return float64(val), true
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	}
	return 0, false
}

func anchor(href, text string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), html.EscapeString(text))
}

// unitFactory converts to the displayUnit hint and rounds to sf digits
// after the decimal point.
func unitFactory(ac *AnnotatedColumn) Mapper {
	if !typesys.IsNumeric(ac.Type.Base) || ac.Type.Array {
		return nil
	}

	factor := 1.0
	if du := ac.Hint("displayUnit"); du != "" && du != ac.Unit {
		f, err := units.ConversionFactor(ac.Unit, du)
		if err != nil {
			slog.Warn("ignoring bad displayUnit", "column", ac.Name, "error", err)
		} else {
			factor = f
			ac.Unit = du
		}
	}
	digits := -1
	if sf := ac.Hint("sf"); sf != "" {
		if n, err := strconv.Atoi(sf); err == nil && n >= 0 {
			digits = n
		}
	}
	if factor == 1 && digits < 0 {
		return nil
	}

	return func(v any) any {
		f, ok := toFloat(v)
		if !ok {
			return v
		}
		f *= factor
		if digits >= 0 {
			return strconv.FormatFloat(f, 'f', digits, 64)
		}
		return f
	}
}

// FormatSexagesimal renders value as "dd mm ss.s" with the given number
// of decimals on the seconds. With sign set, a sign is always written.
func FormatSexagesimal(value float64, decimals int, sign bool) string {
	prefix := ""
	if value < 0 {
		prefix = "-"
		value = -value
	} else if sign {
		prefix = "+"
	}
	scale := math.Pow(10, float64(decimals))
	totalSecs := math.Round(value*3600*scale) / scale
	deg := math.Floor(totalSecs / 3600)
	mins := math.Floor((totalSecs - deg*3600) / 60)
	secs := totalSecs - deg*3600 - mins*60

	width := 2
	if decimals > 0 {
		width = 3 + decimals
	}
	return fmt.Sprintf("%s%02d %02d %0*.*f", prefix, int(deg), int(mins), width, decimals, secs)
}

func sexagesimalFactory(ac *AnnotatedColumn) Mapper {
	kind := ac.HintType()
	if (kind != "hms" && kind != "dms") || !typesys.IsNumeric(ac.Type.Base) {
		return nil
	}
	decimals := 2
	if sf := ac.Hint("sf"); sf != "" {
		if n, err := strconv.Atoi(sf); err == nil && n >= 0 {
			decimals = n
		}
	}
	ac.Unit = ""
	return func(v any) any {
		f, ok := toFloat(v)
		if !ok {
			return v
		}
		if kind == "hms" {
			return FormatSexagesimal(math.Mod(f+360, 360)/15, decimals, false)
		}
		return FormatSexagesimal(f, decimals, true)
	}
}

func checkmarkFactory(ac *AnnotatedColumn) Mapper {
	if ac.HintType() != "checkmark" {
		return nil
	}
	return func(v any) any {
		switch val := v.(type) {
		case bool:
			if val {
				return "✓"
			}
			return ""
		case nil:
			return ""
		}
		return "✓"
	}
}

func urlFactory(ac *AnnotatedColumn) Mapper {
	if ac.HintType() != "url" {
		return nil
	}
	anchorText := ac.Hint("anchorText")
	return func(v any) any {
		s, ok := v.(string)
		if !ok || s == "" {
			return v
		}
		text := anchorText
		if text == "" {
			text = path.Base(strings.TrimRight(s, "/"))
		}
		return RawHTML(anchor(s, text))
	}
}

func bibcodeFactory(ac *AnnotatedColumn) Mapper {
	if ac.HintType() != "bibcode" {
		return nil
	}
	return func(v any) any {
		s, ok := v.(string)
		if !ok || s == "" {
			return v
		}
		var links []string
		for _, code := range strings.Split(s, ",") {
			code = strings.TrimSpace(code)
			if code == "" {
				continue
			}
			links = append(links, anchor("https://ui.adsabs.harvard.edu/abs/"+url.PathEscape(code), code))
		}
		return RawHTML(strings.Join(links, ", "))
	}
}

// ProductURL is the access URL of a product in the products table.
func ProductURL(ctx *Context, accref string, preview bool) string {
	u := strings.TrimRight(ctx.ServerURL, "/") + "/getproduct/" + accref
	q := url.Values{}
	if preview {
		q.Set("preview", "True")
	}
	if ctx.ProductToken != nil {
		if tok := ctx.ProductToken(accref); tok != "" {
			q.Set("token", tok)
		}
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// productFactory links accrefs to the product delivery service. Accrefs
// matching the previewPattern shell pattern get a preview link, too.
func productFactory(ac *AnnotatedColumn) Mapper {
	if ac.HintType() != "product" {
		return nil
	}
	pattern := ac.Hint("previewPattern")
	return func(v any) any {
		accref, ok := v.(string)
		if !ok || accref == "" {
			return v
		}
		res := anchor(ProductURL(ac.Ctx, accref, false), path.Base(accref))
		if pattern != "" {
			matched, _ := path.Match(pattern, accref)
			if !matched {
				matched, _ = path.Match(pattern, path.Base(accref))
			}
			if matched {
				res += " " + anchor(ProductURL(ac.Ctx, accref, true), "[preview]")
			}
		}
		return RawHTML(res)
	}
}

var allowedTags = map[atom.Atom][]string{
	atom.A:      {"href"},
	atom.B:      nil,
	atom.I:      nil,
	atom.Em:     nil,
	atom.Strong: nil,
	atom.Sub:    nil,
	atom.Sup:    nil,
	atom.Br:     nil,
	atom.P:      nil,
	atom.Code:   nil,
	atom.Span:   nil,
}

func safeHref(href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	return u.Scheme == "" || u.Scheme == "http" || u.Scheme == "https"
}

func scrubNode(n *html.Node, out *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		out.WriteString(html.EscapeString(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}
	if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
		return
	}

	attrs, allowed := allowedTags[n.DataAtom]
	if allowed {
		out.WriteString("<" + n.Data)
		for _, a := range n.Attr {
			for _, name := range attrs {
				if a.Key == name && (name != "href" || safeHref(a.Val)) {
					fmt.Fprintf(out, ` %s="%s"`, name, html.EscapeString(a.Val))
				}
			}
		}
		out.WriteString(">")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		scrubNode(c, out)
	}
	if allowed && n.DataAtom != atom.Br {
		out.WriteString("</" + n.Data + ">")
	}
}

// ScrubHTML reduces markup to a small set of harmless inline elements.
func ScrubHTML(s string) (string, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(s), ctx)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, n := range nodes {
		scrubNode(n, &out)
	}
	return out.String(), nil
}

func keepHTMLFactory(ac *AnnotatedColumn) Mapper {
	if ac.HintType() != "keephtml" {
		return nil
	}
	return func(v any) any {
		s, ok := v.(string)
		if !ok {
			return v
		}
		scrubbed, err := ScrubHTML(s)
		if err != nil {
			return s
		}
		return RawHTML(scrubbed)
	}
}
