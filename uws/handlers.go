package uws

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vo_platform/auth"
	"vo_platform/base"
	"vo_platform/schema"
	"vo_platform/stanxml"
	"vo_platform/utils"
	"vo_platform/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const maxWait = 60 * time.Second

// Handler serves the UWS REST interface of a queue.
type Handler struct {
	m *Manager
	// RootURL is the absolute URL the job list is mounted at.
	RootURL string
	// CreationRate limits job creations per minute and client address;
	// zero means no limit.
	CreationRate int
	// MaxUpload bounds each file of a multipart request.
	MaxUpload int64
	// WriteError renders failures; plain text by default.
	WriteError func(w http.ResponseWriter, r *http.Request, err error)

	pollInterval time.Duration
}

func NewHandler(m *Manager, rootURL string) *Handler {
	return &Handler{
		m:            m,
		RootURL:      strings.TrimSuffix(rootURL, "/"),
		MaxUpload:    20 << 20,
		WriteError:   WriteTextError,
		pollInterval: 250 * time.Millisecond,
	}
}

// StatusCode maps job errors to HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrJobNotPending):
		return http.StatusBadRequest
	}
	return base.StatusCode(err)
}

func WriteTextError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	http.Error(w, utils.ErrorMessage("uws", code, err), code)
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	if h.CreationRate > 0 {
		r.With(httprate.LimitByIP(h.CreationRate, time.Minute)).Post("/", h.Create)
	} else {
		r.Post("/", h.Create)
	}

	r.Route("/{jobId}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/", h.Post)
		r.Delete("/", h.Delete)

		r.Get("/phase", h.GetPhase)
		r.Post("/phase", h.PostPhase)
		r.Get("/executionduration", h.GetExecutionDuration)
		r.Post("/executionduration", h.PostExecutionDuration)
		r.Get("/destruction", h.GetDestruction)
		r.Post("/destruction", h.PostDestruction)
		r.Get("/error", h.GetError)
		r.Get("/quote", h.GetQuote)
		r.Get("/owner", h.GetOwner)
		r.Get("/parameters", h.GetParameters)
		r.Post("/parameters", h.PostParameters)
		r.Get("/results", h.GetResults)
		r.Get("/results/{result}", h.GetResult)
	})

	return r
}

func (h *Handler) jobURL(id string) string {
	return h.RootURL + "/" + id
}

func (h *Handler) writeXML(w http.ResponseWriter, el *stanxml.Element) {
	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write(stanxml.Document(el)); err != nil {
		slog.Warn("error writing uws document", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

func writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, text)
}

// requestParams collects the first value of every request parameter,
// keyed by lower-cased name.
func (h *Handler) requestParams(r *http.Request) (map[string]string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := utils.ParseMultipartForm(r, h.MaxUpload); err != nil {
			return nil, err
		}
	} else if err := r.ParseForm(); err != nil {
		return nil, base.NewValidationError("", "Cannot parse request parameters: %s", err)
	}

	params := map[string]string{}
	for k, vs := range r.Form {
		if len(vs) > 0 {
			params[strings.ToLower(k)] = vs[0]
		}
	}
	return params, nil
}

func (h *Handler) job(w http.ResponseWriter, r *http.Request) (schema.Job, bool) {
	job, err := h.m.Job(chi.URLParam(r, "jobId"))
	if err != nil {
		h.WriteError(w, r, err)
		return job, false
	}
	return job, true
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var filter ListFilter
	query := r.URL.Query()
	for key, values := range query {
		switch strings.ToUpper(key) {
		case "PHASE":
			for _, p := range values {
				p = strings.ToUpper(p)
				if !IsPhase(p) {
					h.WriteError(w, r, base.NewValidationError("PHASE", "Unknown phase %s", p))
					return
				}
				filter.Phases = append(filter.Phases, p)
			}
		case "AFTER":
			t, err := parseTime(values[0])
			if err != nil {
				h.WriteError(w, r, base.NewValidationError("AFTER", "%s", err))
				return
			}
			filter.After = &t
		case "LAST":
			n, err := strconv.Atoi(values[0])
			if err != nil || n <= 0 {
				h.WriteError(w, r, base.NewValidationError("LAST", "LAST must be a positive integer"))
				return
			}
			filter.Last = n
		}
	}

	jobs, err := h.m.Jobs(filter)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	h.writeXML(w, JobList(jobs, h.RootURL))
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	params, err := h.requestParams(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	owner, _ := auth.UserFromContext(r.Context())
	phase := strings.ToUpper(params["phase"])

	job, err := h.m.CreateJob(r, owner, params)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if phase == "RUN" {
		if _, err := h.m.Start(r.Context(), job.JobID); err != nil {
			h.WriteError(w, r, err)
			return
		}
	}
	http.Redirect(w, r, h.jobURL(job.JobID), http.StatusSeeOther)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}

	if waitParam := r.URL.Query().Get("WAIT"); waitParam != "" {
		wait, err := strconv.Atoi(waitParam)
		if err != nil {
			h.WriteError(w, r, base.NewValidationError("WAIT", "WAIT must be an integer"))
			return
		}
		job = h.waitForChange(r, job, wait, strings.ToUpper(r.URL.Query().Get("PHASE")))
	}

	quote, err := h.m.Quote(&job)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	h.writeXML(w, JobInfo(&job, h.jobURL(job.JobID), quote))
}

// waitForChange blocks until the job leaves its phase, at most wait
// seconds (negative means the maximum). Jobs in a final phase, or not in
// phase when one is given, return at once.
func (h *Handler) waitForChange(r *http.Request, job schema.Job, wait int, phase string) schema.Job {
	if IsFinal(job.Phase) || (phase != "" && job.Phase != phase) {
		return job
	}
	limit := time.Duration(wait) * time.Second
	if wait < 0 || limit > maxWait {
		limit = maxWait
	}

	timeout := time.NewTimer(limit)
	defer timeout.Stop()
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	start := job.Phase
	for {
		select {
		case <-r.Context().Done():
			return job
		case <-timeout.C:
			return job
		case <-ticker.C:
			current, err := h.m.Job(job.JobID)
			if err != nil {
				return job
			}
			if current.Phase != start {
				return current
			}
			job = current
		}
	}
}

func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	params, err := h.requestParams(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	if strings.ToUpper(params["action"]) == "DELETE" {
		if err := h.m.Delete(id); err != nil {
			h.WriteError(w, r, err)
			return
		}
		http.Redirect(w, r, h.RootURL, http.StatusSeeOther)
		return
	}

	phase := strings.ToUpper(params["phase"])
	delete(params, "phase")
	if len(params) > 0 {
		if _, err := h.m.SetParameters(id, params); err != nil {
			h.WriteError(w, r, err)
			return
		}
	}
	if phase != "" {
		if err := h.changePhase(r, id, phase); err != nil {
			h.WriteError(w, r, err)
			return
		}
	}
	http.Redirect(w, r, h.jobURL(id), http.StatusSeeOther)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.m.Delete(chi.URLParam(r, "jobId")); err != nil {
		h.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, h.RootURL, http.StatusSeeOther)
}

func (h *Handler) changePhase(r *http.Request, id, phase string) error {
	var err error
	switch phase {
	case "RUN":
		_, err = h.m.Start(r.Context(), id)
	case "ABORT":
		_, err = h.m.Abort(id)
	default:
		err = base.NewValidationError("PHASE", "Bad phase: %s", phase)
	}
	return err
}

func (h *Handler) GetPhase(w http.ResponseWriter, r *http.Request) {
	if job, ok := h.job(w, r); ok {
		writeText(w, job.Phase)
	}
}

func (h *Handler) PostPhase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	params, err := h.requestParams(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if err := h.changePhase(r, id, strings.ToUpper(params["phase"])); err != nil {
		h.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, h.jobURL(id), http.StatusSeeOther)
}

func (h *Handler) GetExecutionDuration(w http.ResponseWriter, r *http.Request) {
	if job, ok := h.job(w, r); ok {
		writeText(w, strconv.Itoa(job.ExecutionDuration))
	}
}

func (h *Handler) PostExecutionDuration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	params, err := h.requestParams(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	secs, err := strconv.Atoi(strings.TrimSpace(params["executionduration"]))
	if err != nil {
		h.WriteError(w, r, base.NewValidationError("EXECUTIONDURATION", "Execution duration must be an integer number of seconds"))
		return
	}
	if _, err := h.m.SetExecutionDuration(id, secs); err != nil {
		h.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, h.jobURL(id), http.StatusSeeOther)
}

func (h *Handler) GetDestruction(w http.ResponseWriter, r *http.Request) {
	if job, ok := h.job(w, r); ok {
		writeText(w, formatTime(job.DestructionTime))
	}
}

func (h *Handler) PostDestruction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	params, err := h.requestParams(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	t, err := parseTime(params["destruction"])
	if err != nil {
		h.WriteError(w, r, base.NewValidationError("DESTRUCTION", "%s", err))
		return
	}
	if _, err := h.m.SetDestruction(id, t); err != nil {
		h.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, h.jobURL(id), http.StatusSeeOther)
}

func (h *Handler) GetError(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	if job.Phase != Error {
		h.WriteError(w, r, base.NewNotFoundError("error", "error", "job "+job.JobID))
		return
	}
	writeText(w, job.Error)
}

func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	quote, err := h.m.Quote(&job)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	writeText(w, formatTime(quote))
}

func (h *Handler) GetOwner(w http.ResponseWriter, r *http.Request) {
	if job, ok := h.job(w, r); ok {
		writeText(w, job.Owner)
	}
}

func (h *Handler) GetParameters(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	info := JobInfo(&job, h.jobURL(job.JobID), time.Time{})
	for _, child := range info.Children {
		if el, ok := child.(*stanxml.Element); ok && el.Name == "uws:parameters" {
			el.Add(stanxml.A("xmlns:uws", uwsNS))
			h.writeXML(w, el)
			return
		}
	}
}

func (h *Handler) PostParameters(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	params, err := h.requestParams(r)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if _, err := h.m.SetParameters(id, params); err != nil {
		h.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, h.jobURL(id), http.StatusSeeOther)
}

func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	info := JobInfo(&job, h.jobURL(job.JobID), time.Time{})
	for _, child := range info.Children {
		if el, ok := child.(*stanxml.Element); ok && el.Name == "uws:results" {
			el.Add(stanxml.A("xmlns:uws", uwsNS), stanxml.A("xmlns:xlink", xlinkNS))
			h.writeXML(w, el)
			return
		}
	}
}

func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	job, ok := h.job(w, r)
	if !ok {
		return
	}
	rc, res, err := h.m.OpenResult(&job, chi.URLParam(r, "result"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	defer rc.Close()

	if res.Mime != "" {
		w.Header().Set("Content-Type", res.Mime)
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("error streaming job result", "code", logging.RENDER_SERIALIZE, "job_id", job.JobID, "error", err)
	}
}
