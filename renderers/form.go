package renderers

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vo_platform/base"
	"vo_platform/formats"
	"vo_platform/metrics"
	"vo_platform/rd"
	"vo_platform/svcs"
	"vo_platform/utils/logging"
)

// formMarker is sent with every form submission.
const formMarker = "__nevow_form__"

var formFormats = []string{"html", "votable", "votabletd", "csv_header", "tsv", "json", "fits", "arrow"}

type formOption struct {
	Value    string
	Title    string
	Selected bool
}

type formField struct {
	Name        string
	Label       string
	Description string
	Unit        string
	Value       string
	Required    bool
	Multiple    bool
	Options     []formOption
	Error       string
}

type formPage struct {
	Title       string
	Description string
	Action      string
	Error       string
	Fields      []formField
	Formats     []formOption
	Limit       string
}

var formTemplate = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"/><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{if .Description}}<p class="description">{{.Description}}</p>{{end}}
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form action="{{.Action}}" method="GET" enctype="multipart/form-data">
<input type="hidden" name="` + formMarker + `" value="genForm"/>
{{range .Fields}}<div class="field{{if .Error}} invalid{{end}}">
<label for="field-{{.Name}}">{{.Label}}{{if .Required}} *{{end}}</label>
{{if .Options}}<select id="field-{{.Name}}" name="{{.Name}}"{{if .Multiple}} multiple="multiple"{{end}}>
{{range .Options}}<option value="{{.Value}}"{{if .Selected}} selected="selected"{{end}}>{{.Title}}</option>
{{end}}</select>{{else}}<input type="text" id="field-{{.Name}}" name="{{.Name}}" value="{{.Value}}"/>{{end}}
{{if .Unit}}<span class="unit">[{{.Unit}}]</span>{{end}}
{{if .Description}}<span class="hint">{{.Description}}</span>{{end}}
{{if .Error}}<span class="errmsg">{{.Error}}</span>{{end}}
</div>
{{end}}<div class="field"><label for="field-_FORMAT">Output format</label>
<select id="field-_FORMAT" name="_FORMAT">
{{range .Formats}}<option value="{{.Value}}"{{if .Selected}} selected="selected"{{end}}>{{.Title}}</option>
{{end}}</select></div>
<div class="field"><label for="field-_DBOPTIONS_LIMIT">Match limit</label>
<input type="text" id="field-_DBOPTIONS_LIMIT" name="_DBOPTIONS_LIMIT" value="{{.Limit}}"/></div>
<input type="submit" name="submit" value="Go"/>
</form>
</body></html>
`))

func (s *Server) formPage(svc *svcs.Service, p *svcs.Params, err error) formPage {
	page := formPage{
		Title:       rd.GetMeta(svc.Def, "title"),
		Description: rd.GetMeta(svc.Def, "description"),
		Action:      s.env.Config.MakeURL(svc.Def.URLPath("form")),
		Limit:       p.Get("_DBOPTIONS_LIMIT"),
	}
	if page.Title == "" {
		page.Title = svc.Def.ID
	}

	var verr *base.ValidationError
	fieldErr := errors.As(err, &verr) && verr.Field != ""
	placed := false
	for _, k := range svcs.AdaptKeys(svc.InputKeys(svcs.StyleForm)) {
		if k.Std {
			continue
		}
		f := formField{
			Name:        k.Name,
			Label:       k.GetTablehead(),
			Description: k.Description,
			Unit:        k.Unit,
			Value:       p.Get(k.Name),
			Required:    k.Required,
			Multiple:    k.Multiplicity == "multiple",
		}
		if f.Value == "" && k.Values != nil {
			f.Value = k.Values.Default
		}
		if k.Values != nil {
			f.Options = fieldOptions(k, p.GetAll(k.Name))
		}
		if fieldErr && strings.EqualFold(verr.Field, k.Name) {
			f.Error = verr.Msg
			placed = true
		}
		page.Fields = append(page.Fields, f)
	}
	if err != nil && !placed {
		_, page.Error = errorMessage("form", err)
	}

	selected := strings.ToLower(p.Get("_FORMAT"))
	for _, name := range formFormats {
		if f, ferr := formats.Get(name); ferr == nil {
			page.Formats = append(page.Formats, formOption{Value: f.Name, Title: f.Name, Selected: f.Name == selected})
		}
	}
	return page
}

func fieldOptions(k *rd.InputKey, chosen []string) []formOption {
	var opts []formOption
	for _, o := range k.Values.Options {
		title := o.Title
		if title == "" {
			title = o.Content
		}
		selected := false
		for _, c := range chosen {
			selected = selected || c == o.Content
		}
		opts = append(opts, formOption{Value: o.Content, Title: title, Selected: selected})
	}
	return opts
}

func (s *Server) writeForm(w http.ResponseWriter, status int, page formPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := formTemplate.Execute(w, page); err != nil {
		slog.Error("error rendering form", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

func submitted(svc *svcs.Service, p *svcs.Params) bool {
	if p.Has(formMarker) {
		return true
	}
	for _, k := range svc.InputKeys(svcs.StyleForm) {
		if p.Has(k.Name) {
			return true
		}
	}
	return false
}

// form serves the HTML form of a service and the results of its
// submission; input errors are shown in the form next to the field
// they concern.
func (s *Server) form(w http.ResponseWriter, r *http.Request, svc *svcs.Service) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.RequestsTotal.WithLabelValues("form", status).Inc()
		metrics.RequestDuration.WithLabelValues("form").Observe(time.Since(start).Seconds())
	}()

	p, err := svcs.ParseRequest(r, s.env.Config.Web.MaxUploadSize)
	if err != nil {
		status = "error"
		s.writeForm(w, base.StatusCode(err), s.formPage(svc, svcs.NewParams(nil), err))
		return
	}
	if !submitted(svc, p) {
		s.writeForm(w, http.StatusOK, s.formPage(svc, p, nil))
		return
	}

	fail := func(err error) {
		status = "error"
		code, _ := errorMessage("form", err)
		s.writeForm(w, code, s.formPage(svc, p, err))
	}
	qm, err := s.queryMeta(r, p, "form", svcs.StyleForm)
	if err != nil {
		fail(err)
		return
	}
	format := qm.Format
	if format == "" {
		format = "html"
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
	opts := s.formatOptions()
	opts.Title = rd.GetMeta(svc.Def, "title")
	if err := f.Write(w, res, opts); err != nil {
		status = "error"
		slog.Error("error serializing form result", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}
