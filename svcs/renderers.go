package svcs

import (
	"net/http"
	"sort"

	"vo_platform/base"
)

// RendererInfo describes a renderer independently of its HTTP handler.
type RendererInfo struct {
	Name       string
	ResultType string
	Style      ParameterStyle
	// URLUse is the VOResource accessURL use: base, full or dir.
	URLUse     string
	Browseable bool
	// StandardID is the IVOA standard implemented, empty for custom
	// interfaces.
	StandardID string
}

const votableMIME = "application/x-votable+xml"

var rendererInfos = map[string]RendererInfo{
	"form":          {Name: "form", ResultType: "text/html", Style: StyleForm, URLUse: "full", Browseable: true},
	"scs.xml":       {Name: "scs.xml", ResultType: votableMIME, Style: StylePQL, URLUse: "base", StandardID: "ivo://ivoa.net/std/ConeSearch"},
	"siap.xml":      {Name: "siap.xml", ResultType: votableMIME, Style: StylePQL, URLUse: "base", StandardID: "ivo://ivoa.net/std/SIA"},
	"ssap.xml":      {Name: "ssap.xml", ResultType: votableMIME, Style: StylePQL, URLUse: "base", StandardID: "ivo://ivoa.net/std/SSA"},
	"api":           {Name: "api", ResultType: votableMIME, Style: StyleDALI, URLUse: "base"},
	"dlmeta":        {Name: "dlmeta", ResultType: votableMIME + ";content=datalink", Style: StyleDALI, URLUse: "base", StandardID: "ivo://ivoa.net/std/DataLink#links-1.0"},
	"dlget":         {Name: "dlget", ResultType: "application/octet-stream", Style: StyleDALI, URLUse: "base"},
	"dlasync":       {Name: "dlasync", ResultType: "text/xml", Style: StyleDALI, URLUse: "base"},
	"tap":           {Name: "tap", ResultType: votableMIME, Style: StyleTAP, URLUse: "base", StandardID: "ivo://ivoa.net/std/TAP"},
	"examples":      {Name: "examples", ResultType: "text/html", Style: StyleNone, URLUse: "full", Browseable: true, StandardID: "ivo://ivoa.net/std/DALI#examples"},
	"pubreg.xml":    {Name: "pubreg.xml", ResultType: "text/xml", Style: StyleNone, URLUse: "base", StandardID: "ivo://ivoa.net/std/Registry"},
	"get":           {Name: "get", ResultType: "application/octet-stream", Style: StyleForm, URLUse: "base"},
	"static":        {Name: "static", ResultType: "text/html", Style: StyleNone, URLUse: "dir", Browseable: true},
	"capabilities":  {Name: "capabilities", ResultType: "text/xml", Style: StyleNone, URLUse: "full", StandardID: "ivo://ivoa.net/std/VOSI#capabilities"},
	"availability":  {Name: "availability", ResultType: "text/xml", Style: StyleNone, URLUse: "full", StandardID: "ivo://ivoa.net/std/VOSI#availability"},
	"tableMetadata": {Name: "tableMetadata", ResultType: "text/xml", Style: StyleNone, URLUse: "full", StandardID: "ivo://ivoa.net/std/VOSI#tables"},
}

// VOSIRenderers are served for every service whether allowed or not.
var VOSIRenderers = []string{"availability", "capabilities", "tableMetadata"}

func Renderer(name string) (RendererInfo, error) {
	info, ok := rendererInfos[name]
	if !ok {
		return RendererInfo{}, base.NewNotFoundError("renderer", name, "")
	}
	return info, nil
}

func RendererNames() []string {
	names := make([]string, 0, len(rendererInfos))
	for name := range rendererInfos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandlerCore is implemented by cores that serve a protocol surface of
// their own (TAP, OAI-PMH, product delivery) instead of returning tables.
type HandlerCore interface {
	Handler(svc *Service, renderer string) (http.Handler, error)
}
