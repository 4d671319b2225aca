// Package registry produces VOResource records for published services
// and serves them through OAI-PMH.
package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"vo_platform/config"
	"vo_platform/formats"
	"vo_platform/rd"
	"vo_platform/stanxml"
	"vo_platform/svcs"
	"vo_platform/typesys"
)

const (
	riNS    = "http://www.ivoa.net/xml/RegistryInterface/v1.0"
	vrNS    = "http://www.ivoa.net/xml/VOResource/v1.0"
	vsNS    = "http://www.ivoa.net/xml/VODataService/v1.1"
	vgNS    = "http://www.ivoa.net/xml/VORegistry/v1.0"
	vstdNS  = "http://www.ivoa.net/xml/StandardsRegExt/v1.0"
	csNS    = "http://www.ivoa.net/xml/ConeSearch/v1.0"
	siaNS   = "http://www.ivoa.net/xml/SIA/v1.1"
	ssaNS   = "http://www.ivoa.net/xml/SSA/v1.1"
	trNS    = "http://www.ivoa.net/xml/TAPRegExt/v1.0"
	vosiNS  = "http://www.ivoa.net/xml/VOSICapabilities/v1.0"
	vtmNS   = "http://www.ivoa.net/xml/VOSITables/v1.0"
	xsiNS   = "http://www.w3.org/2001/XMLSchema-instance"
	recTime = "2006-01-02T15:04:05Z"
)

// nsAttrs declares all namespaces used in VOResource records.
func nsAttrs() []stanxml.Attr {
	return []stanxml.Attr{
		stanxml.A("xmlns:ri", riNS),
		stanxml.A("xmlns:vr", vrNS),
		stanxml.A("xmlns:vs", vsNS),
		stanxml.A("xmlns:vg", vgNS),
		stanxml.A("xmlns:vstd", vstdNS),
		stanxml.A("xmlns:cs", csNS),
		stanxml.A("xmlns:sia", siaNS),
		stanxml.A("xmlns:ssa", ssaNS),
		stanxml.A("xmlns:tr", trNS),
		stanxml.A("xmlns:xsi", xsiNS),
	}
}

// IVOID is the registry identifier of a resource defined in an RD.
func IVOID(cfg *config.Config, rdID, resID string) string {
	return fmt.Sprintf("ivo://%s/%s/%s", cfg.Ivoa.Authority, strings.TrimPrefix(rdID, "__system__/"), resID)
}

// resource types by their resType meta.
var resourceTypes = map[string]string{
	"catalogservice": "vs:CatalogService",
	"dataservice":    "vs:DataService",
	"tap":            "vs:CatalogService",
	"registry":       "vg:Registry",
	"authority":      "vg:Authority",
	"organisation":   "vr:Organisation",
	"organization":   "vr:Organisation",
	"standard":       "vstd:Standard",
	"document":       "vr:Resource",
	"datacollection": "vs:DataCollection",
}

// ResourceType resolves the xsi:type of the record of svc: the resType
// meta of the service or its RD, CatalogService otherwise.
func ResourceType(svc *rd.Service) string {
	if t, ok := resourceTypes[strings.ToLower(rd.GetMeta(svc, "resType"))]; ok {
		return t
	}
	return "vs:CatalogService"
}

type capabilityType struct {
	xsiType string
	extras  func(b *Builder, svc *svcs.Service) []*stanxml.Element
}

var capabilityTypes = map[string]capabilityType{
	"ivo://ivoa.net/std/ConeSearch": {"cs:ConeSearch", func(b *Builder, svc *svcs.Service) []*stanxml.Element {
		return []*stanxml.Element{
			stanxml.E("maxSR", "180"),
			stanxml.E("maxRecords", strconv.Itoa(b.cfg.Ivoa.DalHardLimit)),
			stanxml.E("verbosity", "true"),
			testQuery(svc, "ra", "dec", "sr"),
		}
	}},
	"ivo://ivoa.net/std/SIA": {"sia:SimpleImageAccess", func(b *Builder, svc *svcs.Service) []*stanxml.Element {
		return []*stanxml.Element{
			stanxml.E("imageServiceType", "Pointed"),
			stanxml.E("maxQueryRegionSize", stanxml.E("long", "360"), stanxml.E("lat", "180")),
			stanxml.E("maxImageExtent", stanxml.E("long", "360"), stanxml.E("lat", "180")),
			stanxml.E("maxImageSize", "100000000"),
			stanxml.E("maxFileSize", "2000000000"),
			stanxml.E("maxRecords", strconv.Itoa(b.cfg.Ivoa.DalHardLimit)),
			testQuery(svc, "pos", "size"),
		}
	}},
	"ivo://ivoa.net/std/SSA": {"ssa:SimpleSpectralAccess", func(b *Builder, svc *svcs.Service) []*stanxml.Element {
		return []*stanxml.Element{
			stanxml.E("complianceLevel", "full"),
			stanxml.E("dataSource", "pointed"),
			stanxml.E("creationType", "archival"),
			stanxml.E("maxSearchRadius", "90"),
			stanxml.E("maxRecords", strconv.Itoa(b.cfg.Ivoa.DalHardLimit)),
			stanxml.E("defaultMaxRecords", strconv.Itoa(b.cfg.Ivoa.DalDefaultLimit)),
			stanxml.E("maxAperture", "180"),
			testQuery(svc, "pos", "size"),
		}
	}},
	"ivo://ivoa.net/std/TAP": {"tr:TableAccess", func(b *Builder, svc *svcs.Service) []*stanxml.Element {
		return TAPCapabilityExtras(b.cfg)
	}},
	"ivo://ivoa.net/std/Registry": {"vg:Harvest", func(b *Builder, svc *svcs.Service) []*stanxml.Element {
		return []*stanxml.Element{stanxml.E("maxRecords", "0")}
	}},
}

// testQuery is a query that returns at least one row, from the testQuery
// meta of the service; keys name the parameters it carries.
func testQuery(svc *svcs.Service, keys ...string) *stanxml.Element {
	q := svc.Def.Meta.Get("testQuery")
	if q == "" {
		return nil
	}
	el := stanxml.E("testQuery")
	for _, item := range strings.Split(q, "&") {
		name, value, _ := strings.Cut(item, "=")
		for _, k := range keys {
			if strings.EqualFold(k, name) {
				el.Add(stanxml.E(k, value))
			}
		}
	}
	if len(el.Children) == 0 {
		el.Add(stanxml.E("extras", q))
	}
	return el
}

// TAPCapabilityExtras are the TAPRegExt children of a TAP capability.
func TAPCapabilityExtras(cfg *config.Config) []*stanxml.Element {
	var els []*stanxml.Element
	els = append(els, stanxml.E("dataModel",
		stanxml.A("ivo-id", "ivo://ivoa.net/std/ObsCore#core-1.1"), "Obscore-1.1"))

	lang := stanxml.E("language",
		stanxml.E("name", "ADQL"),
		stanxml.E("version", stanxml.A("ivo-id", "ivo://ivoa.net/std/ADQL#v2.0"), "2.0"),
		stanxml.E("description", "The Astronomical Data Query Language"))
	features := stanxml.E("languageFeatures", stanxml.A("type", "ivo://ivoa.net/std/TAPRegExt#features-adqlgeo"))
	for _, f := range []string{"POINT", "CIRCLE", "CONTAINS", "DISTANCE", "INTERSECTS", "BOX", "POLYGON"} {
		features.Add(stanxml.E("feature", stanxml.E("form", f)))
	}
	lang.Add(features)
	lang.Add(stanxml.E("languageFeatures", stanxml.A("type", "ivo://ivoa.net/std/TAPRegExt#features-adql-unit"),
		stanxml.E("feature", stanxml.E("form", "IN_UNIT"))))
	els = append(els, lang)

	for _, name := range formats.Names() {
		f, err := formats.Get(name)
		if err != nil {
			continue
		}
		out := stanxml.E("outputFormat", stanxml.E("mime", f.MIME))
		for _, alias := range append([]string{f.Name}, f.Aliases...) {
			out.Add(stanxml.E("alias", alias))
		}
		els = append(els, out)
	}

	els = append(els,
		stanxml.E("uploadMethod", stanxml.A("ivo-id", "ivo://ivoa.net/std/TAPRegExt#upload-inline")),
		stanxml.E("uploadMethod", stanxml.A("ivo-id", "ivo://ivoa.net/std/TAPRegExt#upload-http")),
		stanxml.E("retentionPeriod", stanxml.E("default", strconv.Itoa(cfg.Async.DefaultLifetime))),
		stanxml.E("executionDuration", stanxml.E("default", strconv.Itoa(cfg.Async.DefaultExecTime))),
		stanxml.E("outputLimit",
			stanxml.E("default", stanxml.A("unit", "row"), strconv.Itoa(cfg.Async.DefaultMAXREC)),
			stanxml.E("hard", stanxml.A("unit", "row"), strconv.Itoa(cfg.Async.HardMAXREC))),
		stanxml.E("uploadLimit",
			stanxml.E("hard", stanxml.A("unit", "byte"), strconv.FormatInt(cfg.Web.MaxUploadSize, 10))),
	)
	return els
}

// Builder makes VOResource elements for services.
type Builder struct {
	env *svcs.Env
	cfg *config.Config
}

func NewBuilder(env *svcs.Env) *Builder {
	return &Builder{env: env, cfg: env.Config}
}

func (b *Builder) accessURL(svc *rd.Service, renderer string) string {
	if svc.FullID() == "__system__/tap#run" && renderer == "tap" {
		return b.cfg.MakeURL("/tap")
	}
	return b.cfg.MakeURL(svc.URLPath(renderer))
}

func paramElement(k *rd.InputKey) *stanxml.Element {
	t, err := typesys.ParseType(k.Type)
	var dt *stanxml.Element
	if err == nil {
		vt := typesys.ToVOTable(t)
		dt = stanxml.E("dataType",
			stanxml.A("xsi:type", "vs:SimpleDataType"),
			stanxml.OA("arraysize", vt.Arraysize),
			simpleType(vt.Datatype))
	}
	std := "false"
	if k.Std {
		std = "true"
	}
	return stanxml.E("param",
		stanxml.A("std", std),
		stanxml.E("name", k.Name),
		stanxml.P("description", k.Description),
		stanxml.P("unit", k.Unit),
		stanxml.P("ucd", k.UCD),
		dt)
}

// simpleType maps VOTable datatypes to the vs:SimpleDataType vocabulary.
func simpleType(votType string) string {
	switch votType {
	case "short", "int", "long", "unsignedByte":
		return "integer"
	case "float", "double":
		return "real"
	case "boolean":
		return "boolean"
	}
	return "string"
}

// interfaceElement is the interface of svc for one renderer.
func (b *Builder) interfaceElement(svc *svcs.Service, info svcs.RendererInfo, std bool) *stanxml.Element {
	ifaceType := "vs:ParamHTTP"
	switch {
	case info.Browseable:
		ifaceType = "vr:WebBrowser"
	case info.Name == "pubreg.xml":
		ifaceType = "vg:OAIHTTP"
	}
	iface := stanxml.E("interface", stanxml.A("xsi:type", ifaceType))
	if std {
		iface.Add(stanxml.A("role", "std"))
	}
	iface.Add(stanxml.E("accessURL", stanxml.A("use", info.URLUse), b.accessURL(svc.Def, info.Name)))
	if ifaceType == "vs:ParamHTTP" && info.Style != svcs.StyleNone && info.Style != svcs.StyleTAP {
		iface.Add(stanxml.E("queryType", "GET"), stanxml.E("resultType", info.ResultType))
		for _, k := range svc.InputKeys(info.Style) {
			iface.Add(paramElement(k))
		}
	}
	return iface
}

// Capability is the capability element of svc for renderer.
func (b *Builder) Capability(svc *svcs.Service, renderer string) (*stanxml.Element, error) {
	info, err := svcs.Renderer(renderer)
	if err != nil {
		return nil, err
	}
	capEl := stanxml.E("capability", stanxml.OA("standardID", info.StandardID))
	ct, known := capabilityTypes[info.StandardID]
	if known {
		capEl.Add(stanxml.A("xsi:type", ct.xsiType))
	}
	capEl.Add(b.interfaceElement(svc, info, info.StandardID != ""))
	if known {
		capEl.Add(ct.extras(b, svc))
	}
	return capEl, nil
}

// Capabilities lists the capabilities of all allowed renderers plus the
// VOSI endpoints.
func (b *Builder) Capabilities(svc *svcs.Service) []*stanxml.Element {
	var caps []*stanxml.Element
	for _, renderer := range svc.Def.Allowed {
		if c, err := b.Capability(svc, renderer); err == nil {
			caps = append(caps, c)
		}
	}
	for _, renderer := range svcs.VOSIRenderers {
		if c, err := b.Capability(svc, renderer); err == nil {
			caps = append(caps, c)
		}
	}
	return caps
}

// CapabilitiesDocument is the VOSI capabilities document of svc.
func (b *Builder) CapabilitiesDocument(svc *svcs.Service) *stanxml.Element {
	root := stanxml.E("vosi:capabilities", stanxml.A("xmlns:vosi", vosiNS))
	root.Add(nsAttrs())
	root.Add(b.Capabilities(svc))
	return root
}

// ColumnElement is the VODataService description of a column.
func ColumnElement(c *rd.Column, indexed, primary bool) *stanxml.Element {
	el := stanxml.E("column",
		stanxml.E("name", c.Name),
		stanxml.P("description", c.Description),
		stanxml.P("unit", c.Unit),
		stanxml.P("ucd", c.UCD),
		stanxml.P("utype", c.Utype))
	if t, err := typesys.ParseType(c.Type); err == nil {
		vt := typesys.ToVOTable(t)
		el.Add(stanxml.E("dataType",
			stanxml.A("xsi:type", "vs:VOTableType"),
			stanxml.OA("arraysize", vt.Arraysize),
			stanxml.OA("extendedType", vt.XType),
			vt.Datatype))
	}
	if indexed {
		el.Add(stanxml.E("flag", "indexed"))
	}
	if primary {
		el.Add(stanxml.E("flag", "primary"))
	}
	if c.VerbLevel <= 10 {
		el.Add(stanxml.E("flag", "principal"))
	}
	return el
}

// TableElement is the VODataService description of t.
func TableElement(t *rd.Table) *stanxml.Element {
	indexed := map[string]bool{}
	for _, idx := range t.Indices {
		if len(idx.Columns) > 0 {
			indexed[strings.ToLower(idx.Columns[0])] = true
		}
	}
	primary := map[string]bool{}
	for _, p := range t.Primary {
		primary[strings.ToLower(p)] = true
		indexed[strings.ToLower(p)] = true
	}

	el := stanxml.E("table",
		stanxml.E("name", t.QName()),
		stanxml.P("description", t.Meta.Get("description")),
		stanxml.P("utype", t.Meta.Get("utype")))
	for _, c := range t.Columns {
		n := strings.ToLower(c.Name)
		el.Add(ColumnElement(c, indexed[n], primary[n]))
	}
	for _, fk := range t.ForeignKeys {
		target, ok := fk.InTable.Target.(*rd.Table)
		if !ok {
			continue
		}
		dest := fk.Dest
		if len(dest) == 0 {
			dest = fk.Source
		}
		fkEl := stanxml.E("foreignKey", stanxml.E("targetTable", target.QName()))
		for i, src := range fk.Source {
			if i < len(dest) {
				fkEl.Add(stanxml.E("fkColumn", stanxml.E("fromColumn", src), stanxml.E("targetColumn", dest[i])))
			}
		}
		el.Add(fkEl)
	}
	return el
}

// TableSet groups tables into schema elements, ordered by name.
func TableSet(tables []*rd.Table) *stanxml.Element {
	bySchema := map[string][]*rd.Table{}
	descs := map[string]string{}
	for _, t := range tables {
		schemaName := t.QName()
		if idx := strings.Index(schemaName, "."); idx != -1 {
			schemaName = schemaName[:idx]
		}
		bySchema[schemaName] = append(bySchema[schemaName], t)
		if r := rd.RDOf(t); r != nil && descs[schemaName] == "" {
			descs[schemaName] = r.Meta.Get("description")
		}
	}
	names := make([]string, 0, len(bySchema))
	for name := range bySchema {
		names = append(names, name)
	}
	sort.Strings(names)

	set := stanxml.E("tableset")
	for _, name := range names {
		s := stanxml.E("schema", stanxml.E("name", name), stanxml.P("description", descs[name]))
		ts := bySchema[name]
		sort.Slice(ts, func(i, j int) bool { return ts[i].QName() < ts[j].QName() })
		for _, t := range ts {
			s.Add(TableElement(t))
		}
		set.Add(s)
	}
	return set
}

// TablesDocument is the VOSI tables document for tables.
func TablesDocument(tables []*rd.Table) *stanxml.Element {
	set := TableSet(tables)
	set.Name = "vtm:tableset"
	set.Add(stanxml.A("xmlns:vtm", vtmNS), stanxml.A("xmlns:vs", vsNS), stanxml.A("xmlns:xsi", xsiNS))
	return set
}

// ServiceTables are the on-disk tables a service exposes: the queried
// table of a DB core.
func ServiceTables(svc *svcs.Service) []*rd.Table {
	if c, ok := svc.Core.(*svcs.DBCore); ok {
		if t := c.Def.Table(); t != nil {
			return []*rd.Table{t}
		}
	}
	return nil
}

func curation(svc *rd.Service, cfg *config.Config) *stanxml.Element {
	publisher := rd.GetMeta(svc, "publisher")
	if publisher == "" {
		publisher = cfg.Ivoa.RegistryName
	}
	contact := stanxml.E("contact",
		stanxml.E("name", firstNonEmpty(rd.GetMeta(svc, "contact.name"), publisher)),
		stanxml.P("email", firstNonEmpty(rd.GetMeta(svc, "contact.email"), cfg.Ivoa.AdminEmail)))
	return stanxml.E("curation",
		stanxml.E("publisher", publisher),
		stanxml.P("creator", stanxml.P("name", rd.GetMeta(svc, "creator.name"))),
		stanxml.P("version", rd.GetMeta(svc, "version")),
		contact)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func subjects(svc *rd.Service) []string {
	res := svc.Meta.GetAll("subject")
	if len(res) == 0 {
		if r := rd.RDOf(svc); r != nil {
			res = r.Meta.GetAll("subject")
		}
	}
	if len(res) == 0 {
		res = []string{"virtual observatory"}
	}
	return res
}

func content(svc *rd.Service, cfg *config.Config) *stanxml.Element {
	el := stanxml.E("content")
	for _, s := range subjects(svc) {
		el.Add(stanxml.E("subject", s))
	}
	el.Add(stanxml.E("description", firstNonEmpty(rd.GetMeta(svc, "description"), rd.GetMeta(svc, "title"))))
	el.Add(stanxml.E("referenceURL", firstNonEmpty(rd.GetMeta(svc, "referenceURL"), cfg.MakeURL(svc.URLPath("info")))))
	return el
}

// Resource is the ri:Resource record of svc. updated is the datestamp of
// the record.
func (b *Builder) Resource(svc *svcs.Service, updated time.Time) *stanxml.Element {
	def := svc.Def
	resType := ResourceType(def)
	ivoid := IVOID(b.cfg, rd.RDOf(def).ID, def.ID)
	stamp := updated.UTC().Format(recTime)

	el := stanxml.E("ri:Resource", nsAttrs())
	el.Add(
		stanxml.A("xsi:type", resType),
		stanxml.A("created", firstNonEmpty(rd.GetMeta(def, "creationDate"), stamp)),
		stanxml.A("updated", stamp),
		stanxml.A("status", "active"),
		stanxml.E("title", firstNonEmpty(rd.GetMeta(def, "title"), def.ID)),
		stanxml.P("shortName", truncate(rd.GetMeta(def, "shortName"), 16)),
		stanxml.E("identifier", ivoid),
		curation(def, b.cfg),
		content(def, b.cfg),
	)

	switch resType {
	case "vg:Authority":
		el.Add(stanxml.E("managingOrg", b.cfg.Ivoa.RegistryName))
	case "vg:Registry":
		el.Add(stanxml.E("full", "false"))
		el.Add(b.Capabilities(svc))
		el.Add(stanxml.E("managedAuthority", b.cfg.Ivoa.Authority))
	case "vr:Organisation", "vstd:Standard", "vr:Resource":
	case "vs:DataCollection":
		el.Add(b.AuxiliaryCapability())
		if tables := ServiceTables(svc); len(tables) > 0 {
			el.Add(TableSet(tables))
		}
	default:
		el.Add(b.Capabilities(svc))
		for _, pub := range def.Publications {
			if pub.Auxiliary {
				el.Add(b.AuxiliaryCapability())
				break
			}
		}
		if resType == "vs:CatalogService" {
			if tables := ServiceTables(svc); len(tables) > 0 {
				el.Add(TableSet(tables))
			}
		}
	}
	return el
}

// AuxiliaryCapability points discovery clients from a data collection to
// the TAP service that serves its tables.
func (b *Builder) AuxiliaryCapability() *stanxml.Element {
	return stanxml.E("capability",
		stanxml.A("standardID", "ivo://ivoa.net/std/TAP#aux"),
		stanxml.E("interface",
			stanxml.A("xsi:type", "vs:ParamHTTP"),
			stanxml.A("role", "std"),
			stanxml.E("accessURL", stanxml.A("use", "base"), b.cfg.MakeURL("/tap"))))
}

// DublinCore is the oai_dc rendering of svc.
func (b *Builder) DublinCore(svc *svcs.Service) *stanxml.Element {
	def := svc.Def
	el := stanxml.E("oai_dc:dc",
		stanxml.A("xmlns:oai_dc", "http://www.openarchives.org/OAI/2.0/oai_dc/"),
		stanxml.A("xmlns:dc", "http://purl.org/dc/elements/1.1/"),
		stanxml.E("dc:title", firstNonEmpty(rd.GetMeta(def, "title"), def.ID)),
		stanxml.E("dc:identifier", IVOID(b.cfg, rd.RDOf(def).ID, def.ID)),
		stanxml.P("dc:description", rd.GetMeta(def, "description")),
		stanxml.E("dc:publisher", firstNonEmpty(rd.GetMeta(def, "publisher"), b.cfg.Ivoa.RegistryName)))
	for _, s := range subjects(def) {
		el.Add(stanxml.E("dc:subject", s))
	}
	return el
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
