package svcs

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"vo_platform/base"
	"vo_platform/utils"
)

// Upload is a file sent in a multipart request.
type Upload struct {
	Field    string
	Filename string
	Data     []byte
}

// Params are the request parameters. Names are case-insensitive as
// required by the DAL protocols; empty values count as absent.
type Params struct {
	values  map[string][]string
	names   map[string]string
	Uploads map[string]*Upload
}

func NewParams(v url.Values) *Params {
	p := &Params{values: map[string][]string{}, names: map[string]string{}, Uploads: map[string]*Upload{}}
	for name, vals := range v {
		p.Add(name, vals...)
	}
	return p
}

func (p *Params) Add(name string, values ...string) {
	key := strings.ToLower(name)
	for _, v := range values {
		if v == "" {
			continue
		}
		p.values[key] = append(p.values[key], v)
	}
	if _, ok := p.names[key]; !ok && len(p.values[key]) > 0 {
		p.names[key] = name
	}
}

func (p *Params) Set(name string, values ...string) {
	p.Del(name)
	p.Add(name, values...)
}

func (p *Params) Del(name string) {
	key := strings.ToLower(name)
	delete(p.values, key)
	delete(p.names, key)
}

// Get returns the first value of name.
func (p *Params) Get(name string) string {
	if vals := p.values[strings.ToLower(name)]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (p *Params) GetAll(name string) []string {
	return p.values[strings.ToLower(name)]
}

func (p *Params) Has(name string) bool {
	return len(p.values[strings.ToLower(name)]) > 0
}

// Names returns the parameter names as given in the request, sorted.
func (p *Params) Names() []string {
	names := make([]string, 0, len(p.names))
	for _, n := range p.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *Params) AddUpload(u *Upload) {
	p.Uploads[u.Field] = u
}

// Values returns the parameters as url.Values with their original
// names.
func (p *Params) Values() url.Values {
	v := url.Values{}
	for key, vals := range p.values {
		v[p.names[key]] = append([]string{}, vals...)
	}
	return v
}

// ParseRequest collects the query string, form and multipart parameters
// of r. File parts become uploads; files and form bodies above maxUpload
// bytes fail with a TooLargeError.
func ParseRequest(r *http.Request, maxUpload int64) (*Params, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := utils.ParseMultipartForm(r, maxUpload); err != nil {
			return nil, err
		}
	} else {
		if r.Body != nil && r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(nil, r.Body, maxUpload)
		}
		if err := r.ParseForm(); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, &base.TooLargeError{Limit: maxUpload}
			}
			return nil, base.NewValidationError("", "Cannot parse request parameters: %s", err)
		}
	}

	p := NewParams(r.Form)
	if r.MultipartForm != nil {
		for field, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			f, err := headers[0].Open()
			if err != nil {
				return nil, fmt.Errorf("error opening upload %s: %w", field, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("error reading upload %s: %w", field, err)
			}
			p.AddUpload(&Upload{Field: field, Filename: headers[0].Filename, Data: data})
		}
	}
	return p, nil
}
