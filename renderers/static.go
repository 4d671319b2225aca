package renderers

import (
	"html/template"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/svcs"
	"vo_platform/utils/logging"

	"github.com/go-chi/chi/v5"
)

type link struct {
	Title string
	URL   string
	Note  string
}

type infoPage struct {
	Title       string
	Description string
	Links       []link
}

var infoTemplate = template.Must(template.New("info").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"/><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{if .Description}}<p class="description">{{.Description}}</p>{{end}}
{{if .Links}}<ul class="links">
{{range .Links}}<li><a href="{{.URL}}">{{.Title}}</a>{{if .Note}} <span class="note">{{.Note}}</span>{{end}}</li>
{{end}}</ul>{{end}}
</body></html>
`))

func writeInfo(w http.ResponseWriter, page infoPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := infoTemplate.Execute(w, page); err != nil {
		slog.Error("error rendering page", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

// staticDir is where the static renderer of an RD finds its files.
func (s *Server) staticDir(r *rd.RD) string {
	if strings.HasPrefix(r.ID, "__system__/") {
		return ""
	}
	resdir := r.ResDir
	if resdir == "" {
		resdir = path.Dir(r.ID)
	}
	return filepath.Join(s.env.Config.InputsDir, filepath.FromSlash(resdir), "static")
}

// static delivers the files below the static directory of the service's
// RD; the renderer root describes the service.
func (s *Server) static(w http.ResponseWriter, r *http.Request, svc *svcs.Service) {
	rest := strings.Trim(chi.URLParam(r, "*"), "/")
	if rest == "" {
		s.serviceInfo(w, svc)
		return
	}
	dir := ""
	if parent := rd.RDOf(svc.Def); parent != nil {
		dir = s.staticDir(parent)
	}
	if dir == "" {
		writePlainError(w, base.NewNotFoundError("file", rest, svc.Def.FullID()))
		return
	}
	// http.Dir rejects paths leaving dir
	f, err := http.Dir(dir).Open("/" + rest)
	if err != nil {
		writePlainError(w, base.NewNotFoundError("file", rest, svc.Def.FullID()))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writePlainError(w, base.NewNotFoundError("file", rest, svc.Def.FullID()))
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) serviceInfo(w http.ResponseWriter, svc *svcs.Service) {
	page := infoPage{
		Title:       rd.GetMeta(svc.Def, "title"),
		Description: rd.GetMeta(svc.Def, "description"),
	}
	if page.Title == "" {
		page.Title = svc.Def.ID
	}
	for _, renderer := range svc.Def.Allowed {
		if renderer == "static" {
			continue
		}
		info, err := svcs.Renderer(renderer)
		if err != nil {
			continue
		}
		page.Links = append(page.Links, link{
			Title: renderer,
			URL:   s.env.Config.MakeURL(svc.Def.URLPath(renderer)),
			Note:  info.StandardID,
		})
	}
	for _, renderer := range svcs.VOSIRenderers {
		page.Links = append(page.Links, link{Title: renderer, URL: s.env.Config.MakeURL(svc.Def.URLPath(renderer))})
	}
	writeInfo(w, page)
}

// Root lists the locally published services.
func (s *Server) Root(w http.ResponseWriter, r *http.Request) {
	resources, err := schema.ListResources(s.env.DB.DB, schema.ResourceFilter{Set: "local"})
	if err != nil {
		writePlainError(w, err)
		return
	}
	page := infoPage{Title: s.env.Config.Ivoa.RegistryName}
	if page.Title == "" {
		page.Title = "Data Center"
	}
	for _, res := range resources {
		if res.Deleted {
			continue
		}
		renderer := ""
		for _, set := range res.Sets {
			if set.SetName == "local" {
				renderer = set.Renderer
				break
			}
		}
		if renderer == "" {
			continue
		}
		p := "/" + strings.TrimPrefix(res.SourceRD, "__system__/") + "/" + res.ResID + "/" + renderer
		page.Links = append(page.Links, link{Title: res.Title, URL: s.env.Config.MakeURL(p), Note: res.ResType})
	}
	sort.SliceStable(page.Links, func(i, j int) bool { return page.Links[i].Title < page.Links[j].Title })
	writeInfo(w, page)
}
