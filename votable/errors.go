package votable

import (
	"io"

	"vo_platform/stanxml"
)

func errorRoot() *stanxml.Element {
	return stanxml.E("VOTABLE",
		stanxml.A("version", "1.3"),
		stanxml.A("xmlns", namespaces["1.3"]))
}

// WriteSCSError writes the error document of the simple cone search
// protocol.
func WriteSCSError(w io.Writer, msg string) error {
	doc := errorRoot()
	doc.Add(stanxml.E("INFO", stanxml.A("ID", "Error"), stanxml.A("name", "Error"), stanxml.A("value", msg)))
	_, err := io.WriteString(w, stanxml.Declaration+doc.String())
	return err
}

// WriteDALError writes the error document of the DAL protocols (SIAP,
// SSAP, TAP, datalink): a results resource with QUERY_STATUS ERROR.
func WriteDALError(w io.Writer, msg string) error {
	doc := errorRoot()
	doc.Add(stanxml.E("RESOURCE", stanxml.A("type", "results")).Add(
		stanxml.E("INFO", stanxml.A("name", "QUERY_STATUS"), stanxml.A("value", "ERROR")).Add(msg)))
	_, err := io.WriteString(w, stanxml.Declaration+doc.String())
	return err
}
