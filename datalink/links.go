package datalink

import (
	"errors"
	"fmt"

	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/stanxml"
	"vo_platform/votable"
)

// Standard link semantics.
const (
	SemThis    = "#this"
	SemPreview = "#preview"
	SemProc    = "#proc"
	SemAux     = "#auxiliary"
)

// Link is one row of a links response.
type Link struct {
	ID           string
	AccessURL    string
	ServiceDef   string
	ErrorMessage string
	Semantics    string
	Description  string
	ContentType  string
	// ContentLength is negative when unknown.
	ContentLength int64
}

const idColumnID = "dlid"

func linkColumns() []*rd.Column {
	return []*rd.Column{
		{ID: idColumnID, Name: "ID", Type: "text", UCD: "meta.id;meta.main",
			Description: "Identifier of the dataset the link is about"},
		{Name: "access_url", Type: "text", UCD: "meta.ref.url", Description: "URL to retrieve the linked data"},
		{Name: "service_def", Type: "text", UCD: "meta.ref",
			Description: "Reference to a service descriptor resource"},
		{Name: "error_message", Type: "text", UCD: "meta.code.error",
			Description: "Why no link could be produced"},
		{Name: "semantics", Type: "text", UCD: "meta.code", Description: "Relation of the link to the dataset"},
		{Name: "description", Type: "text", UCD: "meta.note", Description: "Human-readable description of the link"},
		{Name: "content_type", Type: "text", UCD: "meta.code.mime", Description: "MIME type of the linked data"},
		{Name: "content_length", Type: "bigint", UCD: "phys.size;meta.file", Unit: "byte",
			Description: "Size of the linked data"},
	}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LinksTable builds the links table for links.
func LinksTable(links []Link) (*rsc.Table, error) {
	t := rsc.New(rsc.NewTableDef("links", linkColumns()))
	for _, l := range links {
		var length any
		if l.ContentLength >= 0 {
			length = l.ContentLength
		}
		err := t.AddRow([]any{
			l.ID, nullIfEmpty(l.AccessURL), nullIfEmpty(l.ServiceDef), nullIfEmpty(l.ErrorMessage),
			l.Semantics, nullIfEmpty(l.Description), nullIfEmpty(l.ContentType), length,
		})
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ErrorLink reports a failure for id as a link row with the fault type
// datalink clients expect.
func ErrorLink(id string, err error) Link {
	fault := "Error"
	var nerr *base.NotFoundError
	var aerr *base.AuthorizationError
	var verr *base.ValidationError
	switch {
	case errors.As(err, &nerr):
		fault = "NotFoundFault"
	case errors.As(err, &aerr):
		fault = "AuthenticationFault"
	case errors.As(err, &verr):
		fault = "UsageFault"
	}
	return Link{
		ID:            id,
		ErrorMessage:  fmt.Sprintf("%s: %s", fault, err),
		Semantics:     SemThis,
		ContentLength: -1,
	}
}

// ServiceDescriptor is the meta resource describing the processing
// service at accessURL; its ID parameter is filled from the ID column.
func ServiceDescriptor(id, accessURL, standardID string, keys []*rd.InputKey) *votable.Resource {
	params := stanxml.E("GROUP", stanxml.A("name", "inputParams"))
	for _, k := range keys {
		if k.Name == "ID" {
			params.Add(stanxml.E("PARAM",
				stanxml.A("name", "ID"),
				stanxml.A("datatype", "char"),
				stanxml.A("arraysize", "*"),
				stanxml.A("ucd", "meta.id;meta.main"),
				stanxml.A("ref", idColumnID),
				stanxml.A("value", "")))
			continue
		}
		if k.Name == "RESPONSEFORMAT" {
			continue
		}
		params.Add(stanxml.E("PARAM",
			stanxml.A("name", k.Name),
			stanxml.A("datatype", "char"),
			stanxml.A("arraysize", "*"),
			stanxml.OA("ucd", k.UCD),
			stanxml.OA("unit", k.Unit),
			stanxml.A("value", ""),
			stanxml.P("DESCRIPTION", k.Description)))
	}
	res := &votable.Resource{Type: "meta", Utype: "adhoc:service", ID: id}
	res.Extra = append(res.Extra, stringParam("accessURL", "meta.ref.url", accessURL))
	if standardID != "" {
		res.Extra = append(res.Extra, stringParam("standardID", "", standardID))
	}
	res.Extra = append(res.Extra, params)
	return res
}

func stringParam(name, ucd, value string) *stanxml.Element {
	return stanxml.E("PARAM",
		stanxml.A("name", name),
		stanxml.A("datatype", "char"),
		stanxml.A("arraysize", "*"),
		stanxml.OA("ucd", ucd),
		stanxml.A("value", value))
}
