package stanxml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	doc := E("VOTABLE", A("version", "1.3"), OA("ID", ""),
		E("INFO", A("name", "QUERY_STATUS"), A("value", "ERROR"), "a < b & \"c\""),
		P("DESCRIPTION"),
		nil,
	)
	assert.Equal(t,
		`<VOTABLE version="1.3"><INFO name="QUERY_STATUS" value="ERROR">a &lt; b &amp; &#34;c&#34;</INFO></VOTABLE>`,
		doc.String())
}

func TestPruneNested(t *testing.T) {
	doc := E("root", P("outer", P("inner")), E("keep"))
	assert.Equal(t, `<root><keep/></root>`, doc.String())

	doc = E("root", P("outer", P("inner", "text")))
	assert.Equal(t, `<root><outer><inner>text</inner></outer></root>`, doc.String())
}

func TestSetAndDocument(t *testing.T) {
	e := E("a", A("x", "1")).Set("x", "2").Set("y", "3")
	assert.Equal(t, "2", e.Get("x"))
	out := string(Document(e, `<?xml-stylesheet href="/static/xsl/oai.xsl" type="text/xsl"?>`))
	assert.True(t, strings.HasPrefix(out, Declaration))
	assert.Contains(t, out, `<a x="2" y="3"/>`)
	assert.Contains(t, out, "xml-stylesheet")
}
