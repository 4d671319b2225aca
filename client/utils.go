package client

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an error response ends up in a
// StatusError.
const maxErrorBody = 4096

type credentials struct {
	user, password string
}

// request is a single call being assembled. Parameters go into the query
// string; form values, when present, make it a url-encoded body.
type request struct {
	base   *BaseClient
	method string
	path   string
	query  url.Values
	form   url.Values
	ok     []int
}

// Param adds a query string parameter.
func (r *request) Param(key, value string) *request {
	if r.query == nil {
		r.query = url.Values{}
	}
	r.query.Add(key, value)
	return r
}

// Form adds a parameter to the url-encoded request body.
func (r *request) Form(key, value string) *request {
	if r.form == nil {
		r.form = url.Values{}
	}
	r.form.Add(key, value)
	return r
}

// Accept adds status codes treated as success besides 200.
func (r *request) Accept(codes ...int) *request {
	r.ok = append(r.ok, codes...)
	return r
}

func (r *request) build() (*http.Request, error) {
	u, err := url.Parse(r.base.baseUrl)
	if err != nil {
		return nil, fmt.Errorf("bad server url %v: %w", r.base.baseUrl, err)
	}
	u = u.JoinPath(r.path)
	u.RawQuery = r.query.Encode()

	var body io.Reader
	if r.form != nil {
		body = strings.NewReader(r.form.Encode())
	}
	req, err := http.NewRequest(r.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if r.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if login := r.base.login; login != nil {
		req.SetBasicAuth(login.user, login.password)
	}
	return req, nil
}

// Do sends the request and hands successful responses to handle, which
// may be nil. Other statuses yield a *StatusError.
func (r *request) Do(handle func(*http.Response) error) error {
	req, err := r.build()
	if err != nil {
		return fmt.Errorf("cannot prepare %v %v: %w", r.method, r.path, err)
	}

	start := time.Now()
	res, err := r.base.http.Do(req)
	if err != nil {
		return fmt.Errorf("%v %v failed: %w", r.method, r.path, err)
	}
	defer res.Body.Close()
	slog.Debug("vo client request", "method", r.method, "path", r.path, "status", res.StatusCode, "duration", time.Since(start))

	if res.StatusCode != http.StatusOK && !slices.Contains(r.ok, res.StatusCode) {
		content, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &StatusError{Method: r.method, Endpoint: r.path, Status: res.StatusCode, Content: string(content)}
	}
	if handle == nil {
		return nil
	}
	if err := handle(res); err != nil {
		return fmt.Errorf("bad response to %v %v: %w", r.method, r.path, err)
	}
	return nil
}

// Bytes sends the request and returns the response body.
func (r *request) Bytes() ([]byte, error) {
	var data []byte
	err := r.Do(func(res *http.Response) (err error) {
		data, err = io.ReadAll(res.Body)
		return err
	})
	return data, err
}

// StatusError is returned for responses with an unexpected status.
// Content holds the start of the response body.
type StatusError struct {
	Method   string
	Endpoint string
	Status   int
	Content  string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%v %v: status %d", e.Method, e.Endpoint, e.Status)
	if e.Content != "" {
		msg += ": " + strings.TrimSpace(e.Content)
	}
	return msg
}

// BaseClient talks to one server.
type BaseClient struct {
	baseUrl string
	login   *credentials
	http    *http.Client
}

// NewBaseClient makes a client for the server at baseUrl. Redirects are
// not followed so that job creation can report the job URL.
func NewBaseClient(baseUrl string) BaseClient {
	return BaseClient{
		baseUrl: strings.TrimRight(baseUrl, "/"),
		http: &http.Client{
			Timeout: 5 * time.Minute,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// UseLogin sends basic auth credentials with every request.
func (c *BaseClient) UseLogin(user, password string) {
	c.login = &credentials{user: user, password: password}
}

func (c *BaseClient) Get(path string) *request {
	return &request{base: c, method: http.MethodGet, path: path}
}

func (c *BaseClient) Post(path string) *request {
	return &request{base: c, method: http.MethodPost, path: path}
}

func (c *BaseClient) Delete(path string) *request {
	return &request{base: c, method: http.MethodDelete, path: path}
}
