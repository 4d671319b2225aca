package tap

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vo_platform/base"
	"vo_platform/formats"
	"vo_platform/metrics"
	"vo_platform/rd"
	"vo_platform/registry"
	"vo_platform/stanxml"
	"vo_platform/svcs"
	"vo_platform/utils"
	"vo_platform/utils/logging"
	"vo_platform/uws"
	"vo_platform/votable"

	"github.com/go-chi/chi/v5"
)

// Service serves the TAP resources below the root URL of a TAP service.
type Service struct {
	svc     *svcs.Service
	env     *svcs.Env
	jobs    *uws.Manager
	rootURL string
	upSince time.Time
}

func NewService(svc *svcs.Service, rootURL string) (*Service, error) {
	jobs, err := svc.Env.Queue(Queue)
	if err != nil {
		return nil, err
	}
	return &Service{
		svc:     svc,
		env:     svc.Env,
		jobs:    jobs,
		rootURL: strings.TrimSuffix(rootURL, "/"),
		upSince: time.Now(),
	}, nil
}

func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.Capabilities)
	r.HandleFunc("/sync", s.Sync)

	async := uws.NewHandler(s.jobs, s.rootURL+"/async")
	async.CreationRate = s.env.Config.Web.JobCreationRate
	async.MaxUpload = s.env.Config.Web.MaxUploadSize
	r.Mount("/async", async.Routes())

	r.Get("/tables", s.Tables)
	r.Get("/tables/{table}", s.Table)
	r.Get("/capabilities", s.Capabilities)
	r.Get("/availability", s.Availability)
	r.Get("/examples", s.Examples)
	return r
}

// WriteError writes a DAL error document with the status of err.
func WriteError(w http.ResponseWriter, err error) {
	code := utils.DALIStatus(err)
	w.Header().Set("Content-Type", "application/x-votable+xml")
	w.WriteHeader(code)
	if werr := votable.WriteDALError(w, utils.ErrorMessage("tap", code, err)); werr != nil {
		slog.Warn("error writing tap error", "code", logging.RENDER_SERIALIZE, "error", werr)
	}
}

func writeXML(w http.ResponseWriter, el *stanxml.Element) {
	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write(stanxml.Document(el)); err != nil {
		slog.Warn("error writing tap document", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

func (s *Service) Sync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.RequestsTotal.WithLabelValues("tap", status).Inc()
		metrics.RequestDuration.WithLabelValues("tap").Observe(time.Since(start).Seconds())
	}()

	p, err := svcs.ParseRequest(r, s.env.Config.Web.MaxUploadSize)
	if err != nil {
		status = "error"
		WriteError(w, err)
		return
	}
	qm, err := svcs.NewQueryMeta(p, "tap", svcs.StyleTAP, svcs.LimitsFor(s.env.Config, svcs.StyleTAP))
	if err != nil {
		status = "error"
		WriteError(w, err)
		return
	}
	format := qm.Format
	if format == "" {
		format = "votable"
	}
	f, err := formats.Get(format)
	if err != nil {
		status = "error"
		WriteError(w, err)
		return
	}

	res, err := NewRunner(s.env).Run(r.Context(), p, qm)
	if err != nil {
		status = "error"
		WriteError(w, err)
		return
	}
	metrics.RowsServed.WithLabelValues(f.Name).Add(float64(res.Len()))

	w.Header().Set("Content-Type", f.MIME)
	if err := f.Write(w, res, writeOptions(s.env)); err != nil {
		status = "error"
		slog.Error("error serializing tap result", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

func (s *Service) Tables(w http.ResponseWriter, r *http.Request) {
	tables, err := PublishedTables(s.env)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeXML(w, registry.TablesDocument(tables))
}

func (s *Service) Table(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "table")
	tables, err := PublishedTables(s.env)
	if err != nil {
		WriteError(w, err)
		return
	}
	for _, t := range tables {
		if strings.EqualFold(t.QName(), name) {
			writeXML(w, registry.TablesDocument([]*rd.Table{t}))
			return
		}
	}
	WriteError(w, base.NewNotFoundError("table", name, "TAP_SCHEMA"))
}

func (s *Service) Capabilities(w http.ResponseWriter, r *http.Request) {
	writeXML(w, registry.NewBuilder(s.env).CapabilitiesDocument(s.svc))
}

func (s *Service) Availability(w http.ResponseWriter, r *http.Request) {
	writeXML(w, registry.AvailabilityDocument(s.upSince, ""))
}

func (s *Service) Examples(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xhtml+xml")
	if _, err := w.Write([]byte(ExamplesDocument(s.svc.Def).String())); err != nil {
		slog.Warn("error writing examples", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

// ExamplesDocument renders the _example meta items of svc as a DALI
// examples document.
func ExamplesDocument(svc *rd.Service) *stanxml.Element {
	queries := svc.Meta.GetAll("_example")
	titles := svc.Meta.GetAll("_example.title")
	body := stanxml.E("body", stanxml.A("vocab", "http://www.ivoa.net/rdf/examples#"),
		stanxml.E("h1", "Examples for "+rd.GetMeta(svc, "title")))
	for i, q := range queries {
		title := "Example " + strconv.Itoa(i+1)
		if i < len(titles) {
			title = titles[i]
		}
		id := exampleID(title)
		body.Add(stanxml.E("div",
			stanxml.A("id", id),
			stanxml.A("resource", "#"+id),
			stanxml.A("typeof", "example"),
			stanxml.E("h2", stanxml.A("property", "name"), title),
			stanxml.E("pre", stanxml.A("property", "query"), strings.TrimSpace(q))))
	}
	return stanxml.E("html",
		stanxml.A("xmlns", "http://www.w3.org/1999/xhtml"),
		stanxml.E("head", stanxml.E("title", "Examples")),
		body)
}

func exampleID(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Handler serves the TAP tree for the tap renderer and the examples
// document for the examples renderer.
func (c *Core) Handler(svc *svcs.Service, renderer string) (http.Handler, error) {
	switch renderer {
	case "tap":
		ts, err := NewService(svc, c.env.Config.MakeURL("/tap"))
		if err != nil {
			return nil, err
		}
		return ts.Routes(), nil
	case "examples":
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			(&Service{svc: svc, env: c.env}).Examples(w, r)
		}), nil
	}
	return nil, base.NewNotFoundError("renderer", renderer, "TAP core")
}
