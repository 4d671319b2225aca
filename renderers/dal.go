package renderers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vo_platform/auth"
	"vo_platform/base"
	"vo_platform/formats"
	"vo_platform/metrics"
	"vo_platform/rd"
	"vo_platform/svcs"
	"vo_platform/utils"
	"vo_platform/utils/logging"
	"vo_platform/valuemap"
	"vo_platform/votable"
)

// writePlainError reports errors outside of any protocol as text.
func writePlainError(w http.ResponseWriter, err error) {
	code := base.StatusCode(err)
	var aerr *base.AuthorizationError
	if errors.As(err, &aerr) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", aerr.Realm))
	}
	http.Error(w, utils.ErrorMessage("", code, err), code)
}

// errorMessage hides the details of server-side failures from clients.
func errorMessage(renderer string, err error) (int, string) {
	code := base.StatusCode(err)
	return code, utils.ErrorMessage(renderer, code, err)
}

// writeDALError writes the error envelope of renderer. The legacy DAL
// protocols report errors with status 200.
func writeDALError(w http.ResponseWriter, renderer string, err error) {
	code, msg := errorMessage(renderer, err)
	write := votable.WriteDALError
	switch renderer {
	case "scs.xml":
		write = votable.WriteSCSError
		code = http.StatusOK
	case "siap.xml", "ssap.xml":
		code = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/x-votable+xml")
	w.WriteHeader(code)
	if werr := write(w, msg); werr != nil {
		slog.Warn("error writing error document", "code", logging.RENDER_SERIALIZE, "renderer", renderer, "error", werr)
	}
}

func (s *Server) valueContext() *valuemap.Context {
	return &valuemap.Context{ServerURL: s.env.Config.Web.ServerURL}
}

func (s *Server) formatOptions() formats.Options {
	opts := formats.Options{Context: s.valueContext()}
	if enc, err := votable.ParseEncoding(s.env.Config.Ivoa.VotDefaultEncoding); err == nil {
		opts.VOTableEncoding = enc
	}
	return opts
}

// queryMeta reads the protocol parameters of a request for renderer.
func (s *Server) queryMeta(r *http.Request, p *svcs.Params, renderer string, style svcs.ParameterStyle) (*svcs.QueryMeta, error) {
	qm, err := svcs.NewQueryMeta(p, renderer, style, svcs.LimitsFor(s.env.Config, style))
	if err != nil {
		return nil, err
	}
	qm.Ctx = s.valueContext()
	if user, ok := auth.UserFromContext(r.Context()); ok {
		qm.User = user
	}
	return qm, nil
}

// dal serves the table-returning protocol renderers (cone search, SIAP,
// SSAP and the generic api renderer).
func (s *Server) dal(w http.ResponseWriter, r *http.Request, svc *svcs.Service, renderer string) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.RequestsTotal.WithLabelValues(renderer, status).Inc()
		metrics.RequestDuration.WithLabelValues(renderer).Observe(time.Since(start).Seconds())
	}()
	fail := func(err error) {
		status = "error"
		writeDALError(w, renderer, err)
	}

	info, err := svcs.Renderer(renderer)
	if err != nil {
		fail(err)
		return
	}
	p, err := svcs.ParseRequest(r, s.env.Config.Web.MaxUploadSize)
	if err != nil {
		fail(err)
		return
	}
	if renderer == "ssap.xml" {
		switch req := strings.ToLower(p.Get("REQUEST")); req {
		case "", "querydata":
		case "getcapabilities":
			s.vosi(w, r, svc, "capabilities")
			return
		default:
			fail(base.NewValidationError("REQUEST", "only queryData and getCapabilities are supported"))
			return
		}
	}

	qm, err := s.queryMeta(r, p, renderer, info.Style)
	if err != nil {
		fail(err)
		return
	}
	format := qm.Format
	if format == "" {
		format = "votable"
	}
	f, err := formats.Get(format)
	if err != nil {
		fail(err)
		return
	}

	res, err := svc.Run(r.Context(), p, qm)
	if err != nil {
		fail(err)
		return
	}
	metrics.RowsServed.WithLabelValues(f.Name).Add(float64(res.Len()))

	w.Header().Set("Content-Type", f.MIME)
	if f.Extension != "" && !strings.HasPrefix(f.MIME, "application/x-votable") && f.MIME != "text/html" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", svc.Def.ID+f.Extension))
	}
	opts := s.formatOptions()
	opts.Title = rd.GetMeta(svc.Def, "title")
	if err := f.Write(w, res, opts); err != nil {
		status = "error"
		slog.Error("error serializing result", "code", logging.RENDER_SERIALIZE, "renderer", renderer, "error", err)
		// the document is truncated already; mark it as failed
		if strings.HasPrefix(f.MIME, "application/x-votable") {
			_, _ = io.WriteString(w, `<INFO name="QUERY_STATUS" value="ERROR">`+utils.InternalErrorMsg+`</INFO>`)
		}
	}
}
