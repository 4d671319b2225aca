package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vo_platform/base"
	"vo_platform/dates"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/schema"
	"vo_platform/stanxml"
	"vo_platform/svcs"
	"vo_platform/utils/logging"
)

const (
	oaiNS       = "http://www.openarchives.org/OAI/2.0/"
	oaiSchema   = "http://www.openarchives.org/OAI/2.0/ http://www.openarchives.org/OAI/2.0/OAI-PMH.xsd"
	oaiDCNS     = "http://www.openarchives.org/OAI/2.0/oai_dc/"
	oaiDCSchema = "http://www.openarchives.org/OAI/2.0/oai_dc.xsd"
	riSchema    = "http://www.ivoa.net/xml/RegistryInterface/v1.0"

	// EarliestDatestamp is announced in Identify; records are never older.
	EarliestDatestamp = "1970-01-01T00:00:00Z"
)

// OAIError is an OAI-PMH protocol error; Code is one of the codes of the
// OAI-PMH specification.
type OAIError struct {
	Code string
	Msg  string
}

func (e *OAIError) Error() string {
	return e.Code + ": " + e.Msg
}

func oaiErrorf(code, format string, args ...any) *OAIError {
	return &OAIError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

var verbArgs = map[string]struct{ required, optional []string }{
	"Identify":            {},
	"ListMetadataFormats": {optional: []string{"identifier"}},
	"ListSets":            {optional: []string{"resumptionToken"}},
	"ListIdentifiers":     {required: []string{"metadataPrefix"}, optional: []string{"from", "until", "set", "resumptionToken"}},
	"ListRecords":         {required: []string{"metadataPrefix"}, optional: []string{"from", "until", "set", "resumptionToken"}},
	"GetRecord":           {required: []string{"identifier", "metadataPrefix"}},
}

var metadataFormats = []struct{ prefix, schema, ns string }{
	{"oai_dc", oaiDCSchema, oaiDCNS},
	{"ivo_vor", riSchema, riNS},
}

// OAI serves the OAI-PMH interface of the publishing registry.
type OAI struct {
	b *Builder
	// BaseURL is the access URL of the endpoint.
	BaseURL string
	now     func() time.Time
}

func NewOAI(b *Builder) *OAI {
	return &OAI{b: b, BaseURL: b.cfg.MakeURL("/oai.xml"), now: time.Now}
}

// parseArgs checks the request arguments against the verb.
func parseArgs(r *http.Request) (string, map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return "", nil, oaiErrorf("badArgument", "Cannot parse request: %s", err)
	}
	args := map[string]string{}
	for k, vs := range r.Form {
		if len(vs) > 1 {
			return "", nil, oaiErrorf("badArgument", "Argument %s repeated", k)
		}
		args[k] = vs[0]
	}
	verb := args["verb"]
	spec, ok := verbArgs[verb]
	if !ok {
		if verb == "" {
			return "", nil, oaiErrorf("badVerb", "No verb given")
		}
		return "", nil, oaiErrorf("badVerb", "Illegal verb %s", verb)
	}
	delete(args, "verb")

	if tok, ok := args["resumptionToken"]; ok {
		if len(args) > 1 {
			return verb, nil, oaiErrorf("badArgument", "resumptionToken is an exclusive argument")
		}
		return verb, nil, oaiErrorf("badResumptionToken", "This registry issues no resumption tokens; '%s' is invalid", tok)
	}

	allowed := map[string]bool{}
	for _, name := range spec.required {
		if args[name] == "" {
			return verb, nil, oaiErrorf("badArgument", "Missing required argument %s", name)
		}
		allowed[name] = true
	}
	for _, name := range spec.optional {
		allowed[name] = true
	}
	for name := range args {
		if !allowed[name] {
			return verb, nil, oaiErrorf("badArgument", "Illegal argument %s for %s", name, verb)
		}
	}
	return verb, args, nil
}

func (o *OAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	root := stanxml.E("OAI-PMH",
		stanxml.A("xmlns", oaiNS),
		stanxml.A("xmlns:xsi", xsiNS),
		stanxml.A("xsi:schemaLocation", oaiSchema),
		stanxml.E("responseDate", o.now().UTC().Format(recTime)))

	verb, args, err := parseArgs(r)
	var body *stanxml.Element
	if err == nil {
		body, err = o.dispatch(r.Context(), verb, args)
	}

	request := stanxml.E("request", o.BaseURL)
	var oaiErr *OAIError
	badSyntax := errors.As(err, &oaiErr) && (oaiErr.Code == "badVerb" || oaiErr.Code == "badArgument")
	if _, known := verbArgs[verb]; known {
		request.Add(stanxml.A("verb", verb))
	}
	if !badSyntax {
		for k, v := range args {
			request.Add(stanxml.A(k, v))
		}
	}
	root.Add(request)

	if err != nil {
		if !errors.As(err, &oaiErr) {
			slog.Error("error serving oai request", "code", logging.RENDER_ERROR, "verb", verb, "error", err)
			oaiErr = oaiErrorf("badArgument", "Internal error: %s", err)
		}
		root.Add(stanxml.E("error", stanxml.A("code", oaiErr.Code), oaiErr.Msg))
	} else {
		root.Add(body)
	}

	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write(stanxml.Document(root)); err != nil {
		slog.Warn("error writing oai response", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

func (o *OAI) dispatch(ctx context.Context, verb string, args map[string]string) (*stanxml.Element, error) {
	switch verb {
	case "Identify":
		return o.identify(), nil
	case "ListMetadataFormats":
		return o.listMetadataFormats(args["identifier"])
	case "ListSets":
		return o.listSets()
	case "ListIdentifiers":
		return o.list(ctx, args, false)
	case "ListRecords":
		return o.list(ctx, args, true)
	case "GetRecord":
		return o.getRecord(ctx, args["identifier"], args["metadataPrefix"])
	}
	return nil, oaiErrorf("badVerb", "Illegal verb %s", verb)
}

func (o *OAI) identify() *stanxml.Element {
	el := stanxml.E("Identify",
		stanxml.E("repositoryName", o.b.cfg.Ivoa.RegistryName),
		stanxml.E("baseURL", o.BaseURL),
		stanxml.E("protocolVersion", "2.0"),
		stanxml.E("adminEmail", o.b.cfg.Ivoa.AdminEmail),
		stanxml.E("earliestDatestamp", EarliestDatestamp),
		stanxml.E("deletedRecord", "transient"),
		stanxml.E("granularity", "YYYY-MM-DDThh:mm:ssZ"))

	if svc, err := o.service("__system__/services", "registry"); err == nil {
		desc := o.b.Resource(svc, o.now())
		desc.Add(stanxml.A("xmlns", ""))
		el.Add(stanxml.E("description", desc))
	} else {
		slog.Warn("cannot describe registry", "code", logging.RENDER_ERROR, "error", err)
	}
	return el
}

func checkPrefix(prefix string) error {
	for _, f := range metadataFormats {
		if f.prefix == prefix {
			return nil
		}
	}
	return oaiErrorf("cannotDisseminateFormat", "Unknown metadata prefix %s", prefix)
}

func (o *OAI) listMetadataFormats(identifier string) (*stanxml.Element, error) {
	if identifier != "" {
		if _, err := o.resource(identifier); err != nil {
			return nil, err
		}
	}
	el := stanxml.E("ListMetadataFormats")
	for _, f := range metadataFormats {
		el.Add(stanxml.E("metadataFormat",
			stanxml.E("metadataPrefix", f.prefix),
			stanxml.E("schema", f.schema),
			stanxml.E("metadataNamespace", f.ns)))
	}
	return el, nil
}

func (o *OAI) listSets() (*stanxml.Element, error) {
	names, err := schema.ListSetNames(o.b.env.DB.DB)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, oaiErrorf("noSetHierarchy", "This registry has no sets")
	}
	el := stanxml.E("ListSets")
	for _, name := range names {
		el.Add(stanxml.E("set", stanxml.E("setSpec", name), stanxml.E("setName", name)))
	}
	return el, nil
}

func parseDatestamp(name, s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := dates.ParseISO(s)
	if err != nil {
		return nil, oaiErrorf("badArgument", "%s: %s", name, err)
	}
	if endOfDay && len(strings.TrimSpace(s)) == len("2006-01-02") {
		t = t.Add(24*time.Hour - time.Second)
	}
	return &t, nil
}

func (o *OAI) list(ctx context.Context, args map[string]string, full bool) (*stanxml.Element, error) {
	prefix := args["metadataPrefix"]
	if err := checkPrefix(prefix); err != nil {
		return nil, err
	}
	from, err := parseDatestamp("from", args["from"], false)
	if err != nil {
		return nil, err
	}
	until, err := parseDatestamp("until", args["until"], true)
	if err != nil {
		return nil, err
	}
	if from != nil && until != nil && from.After(*until) {
		return nil, oaiErrorf("badArgument", "from is later than until")
	}
	if args["set"] != "" {
		names, err := schema.ListSetNames(o.b.env.DB.DB)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, oaiErrorf("noSetHierarchy", "This registry has no sets")
		}
	}

	resources, err := schema.ListResources(o.b.env.DB.WithContext(ctx), schema.ResourceFilter{From: from, Until: until, Set: args["set"]})
	if err != nil {
		return nil, err
	}

	verb := "ListIdentifiers"
	if full {
		verb = "ListRecords"
	}
	el := stanxml.E(verb)
	for _, res := range resources {
		if full {
			rec, err := o.record(res, prefix)
			if err != nil {
				slog.Error("cannot build registry record", "code", logging.RENDER_ERROR, "ivoid", res.Ivoid, "error", err)
				continue
			}
			el.Add(rec)
		} else {
			el.Add(header(res))
		}
	}
	if len(el.Children) == 0 {
		return nil, oaiErrorf("noRecordsMatch", "No records match the request")
	}
	return el, nil
}

func (o *OAI) getRecord(ctx context.Context, identifier, prefix string) (*stanxml.Element, error) {
	if err := checkPrefix(prefix); err != nil {
		return nil, err
	}
	res, err := o.resource(identifier)
	if err != nil {
		return nil, err
	}
	rec, err := o.record(res, prefix)
	if err != nil {
		return nil, err
	}
	return stanxml.E("GetRecord", rec), nil
}

func (o *OAI) resource(identifier string) (schema.Resource, error) {
	res, err := schema.GetResource(o.b.env.DB.DB, identifier)
	if errors.Is(err, schema.ErrResourceNotFound) {
		return res, oaiErrorf("idDoesNotExist", "No resource %s", identifier)
	}
	return res, err
}

func (o *OAI) service(rdID, svcID string) (*svcs.Service, error) {
	return svcs.LoadService(o.b.env, rdID, svcID)
}

func header(res schema.Resource) *stanxml.Element {
	h := stanxml.E("header")
	if res.Deleted {
		h.Add(stanxml.A("status", "deleted"))
	}
	h.Add(stanxml.E("identifier", res.Ivoid),
		stanxml.E("datestamp", res.UpdatedAt.UTC().Format(recTime)))
	seen := map[string]bool{}
	for _, s := range res.Sets {
		if !seen[s.SetName] {
			seen[s.SetName] = true
			h.Add(stanxml.E("setSpec", s.SetName))
		}
	}
	return h
}

func (o *OAI) record(res schema.Resource, prefix string) (*stanxml.Element, error) {
	rec := stanxml.E("record", header(res))
	if res.Deleted {
		return rec, nil
	}
	svc, err := o.service(res.SourceRD, res.ResID)
	if err != nil {
		return nil, err
	}

	var md *stanxml.Element
	if prefix == "oai_dc" {
		md = o.b.DublinCore(svc)
	} else {
		md = o.b.Resource(svc, res.UpdatedAt)
		md.Add(stanxml.A("xmlns", ""))
	}
	rec.Add(stanxml.E("metadata", md))
	return rec, nil
}

// Core is the registry core: it has no tabular output and is served
// through OAI-PMH.
type Core struct{}

func (Core) InputKeys(svcs.ParameterStyle) []*rd.InputKey { return nil }

func (Core) Run(context.Context, *svcs.Request) (*rsc.Table, error) {
	return nil, base.NewValidationError("", "The registry is only accessible through OAI-PMH")
}

func (Core) Handler(svc *svcs.Service, renderer string) (http.Handler, error) {
	if renderer != "pubreg.xml" {
		return nil, base.NewNotFoundError("renderer", renderer, "registry core")
	}
	return NewOAI(NewBuilder(svc.Env)), nil
}

func init() {
	svcs.RegisterCore("registryCore", func(*svcs.Env, rd.Core) (svcs.Core, error) {
		return Core{}, nil
	})
}
