package datalink

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vo_platform/base"
	"vo_platform/formats"
	"vo_platform/metrics"
	"vo_platform/svcs"
	"vo_platform/utils"
	"vo_platform/utils/logging"
	"vo_platform/uws"
	"vo_platform/valuemap"
	"vo_platform/votable"
)

// LinksMIME is the media type of links responses.
const LinksMIME = "application/x-votable+xml;content=datalink"

// WriteError reports datalink failures as plain text; parameter errors
// use 422.
func WriteError(w http.ResponseWriter, err error) {
	code := utils.DALIStatus(err)
	var aerr *base.AuthorizationError
	if errors.As(err, &aerr) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", aerr.Realm))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if _, werr := fmt.Fprintln(w, utils.ErrorMessage("datalink", code, err)); werr != nil {
		slog.Warn("error writing datalink error", "code", logging.RENDER_SERIALIZE, "error", werr)
	}
}

type handlers struct {
	svc  *svcs.Service
	core *Core
}

func (h *handlers) context(r *http.Request) (*Context, error) {
	user, err := requestUser(h.svc.Env, r)
	if err != nil {
		return nil, err
	}
	return NewContext(h.svc, user), nil
}

// links serves the dlmeta renderer.
func (h *handlers) links(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.RequestsTotal.WithLabelValues("dlmeta", status).Inc()
		metrics.RequestDuration.WithLabelValues("dlmeta").Observe(time.Since(start).Seconds())
	}()

	fail := func(err error) {
		status = "error"
		WriteError(w, err)
	}
	p, err := svcs.ParseRequest(r, h.svc.Env.Config.Web.MaxUploadSize)
	if err != nil {
		fail(err)
		return
	}
	inputs, err := svcs.ParseInputs(h.svc.InputKeys(svcs.StyleDALI), p, svcs.StyleDALI)
	if err != nil {
		fail(err)
		return
	}
	ids, err := idsFrom(inputs)
	if err != nil {
		fail(err)
		return
	}
	dc, err := h.context(r)
	if err != nil {
		fail(err)
		return
	}
	table, err := LinksTable(h.core.Links(dc, ids))
	if err != nil {
		fail(err)
		return
	}
	metrics.RowsServed.WithLabelValues("votable").Add(float64(table.Len()))

	opts := votable.Options{Context: &valuemap.Context{ServerURL: h.svc.Env.Config.Web.ServerURL}}
	if enc, err := votable.ParseEncoding(h.svc.Env.Config.Ivoa.VotDefaultEncoding); err == nil {
		opts.Encoding = enc
	}

	format := p.Get("RESPONSEFORMAT")
	if format != "" && !isLinksFormat(format) {
		f, err := formats.Get(format)
		if err != nil {
			fail(err)
			return
		}
		w.Header().Set("Content-Type", f.MIME)
		if err := f.Write(w, table, formats.Options{Context: opts.Context, VOTableEncoding: opts.Encoding}); err != nil {
			status = "error"
			slog.Error("error serializing links", "code", logging.RENDER_SERIALIZE, "error", err)
		}
		return
	}

	doc := votable.ResultDocument(table)
	if len(h.core.functions) > 0 && allows(h.svc.Def, "dlget") {
		doc.Resources = append(doc.Resources, ServiceDescriptor(procServiceID,
			h.svc.Env.Config.MakeURL(h.svc.Def.URLPath("dlget")), "", h.svc.InputKeys(svcs.StyleDALI)))
	}
	w.Header().Set("Content-Type", LinksMIME)
	if err := votable.WriteDocument(w, doc, opts); err != nil {
		status = "error"
		slog.Error("error serializing links", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

func isLinksFormat(f string) bool {
	f = strings.ToLower(strings.ReplaceAll(f, " ", ""))
	return f == "votable" || f == strings.ToLower(LinksMIME) || f == "application/x-votable+xml"
}

// get serves the dlget renderer.
func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	defer func() { metrics.RequestsTotal.WithLabelValues("dlget", status).Inc() }()

	p, err := svcs.ParseRequest(r, h.svc.Env.Config.Web.MaxUploadSize)
	if err != nil {
		status = "error"
		WriteError(w, err)
		return
	}
	dc, err := h.context(r)
	if err != nil {
		status = "error"
		WriteError(w, err)
		return
	}
	data, err := h.core.Get(dc, p)
	if err != nil {
		status = "error"
		WriteError(w, err)
		return
	}
	WriteData(w, r, data)
}

func (h *handlers) async() (http.Handler, error) {
	jobs, err := h.svc.Env.Queue(Queue)
	if err != nil {
		return nil, err
	}
	uh := uws.NewHandler(jobs, h.svc.Env.Config.MakeURL(h.svc.Def.URLPath("dlasync")))
	uh.CreationRate = h.svc.Env.Config.Web.JobCreationRate
	uh.MaxUpload = h.svc.Env.Config.Web.MaxUploadSize
	uh.WriteError = func(w http.ResponseWriter, r *http.Request, err error) { WriteError(w, err) }

	var handler http.Handler = withService(h.svc.Def.FullID(), uh.Routes())
	if h.svc.Env.Auth != nil {
		handler = h.svc.Env.Auth.Middleware("", h.svc.Def.FullID())(handler)
	}
	return handler, nil
}

// Handler serves the links, data and async renderers of svc.
func (c *Core) Handler(svc *svcs.Service, renderer string) (http.Handler, error) {
	h := &handlers{svc: svc, core: c}
	switch renderer {
	case "dlmeta":
		return http.HandlerFunc(h.links), nil
	case "dlget":
		return http.HandlerFunc(h.get), nil
	case "dlasync":
		return h.async()
	}
	return nil, base.NewNotFoundError("renderer", renderer, "datalink core")
}
