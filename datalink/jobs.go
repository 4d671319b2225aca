package datalink

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"vo_platform/base"
	"vo_platform/schema"
	"vo_platform/svcs"
	"vo_platform/uws"
)

// Queue is the name of the datalink job queue.
const Queue = "dl_jobs"

// DefaultService runs jobs that do not name their service.
const DefaultService = "//datalink#dl"

const (
	resultName  = "result"
	serviceFile = "dlservice"
)

type contextKey string

const serviceContextKey contextKey = "dlservice"

// withService records the service a job is created for.
func withService(svcID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), serviceContextKey, svcID)))
	})
}

func acceptService(env *svcs.Env) func(*http.Request, string, map[string]string) error {
	return func(r *http.Request, wd string, params map[string]string) error {
		if r == nil {
			return nil
		}
		svcID, ok := r.Context().Value(serviceContextKey).(string)
		if !ok || svcID == "" {
			return nil
		}
		dir, err := env.Storage.Rel(wd)
		if err != nil {
			return err
		}
		_, err = env.Storage.Write(path.Join(dir, serviceFile), strings.NewReader(svcID), -1)
		return err
	}
}

func checkParams(params map[string]string) error {
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	if svcs.NewParams(v).Get("ID") == "" {
		return base.NewValidationError("ID", "value needed")
	}
	return nil
}

// Executor runs datalink jobs: it stores the output of the data
// functions as the job result.
type Executor struct {
	env    *svcs.Env
	client *http.Client
}

func NewExecutor(env *svcs.Env) *Executor {
	return &Executor{env: env, client: &http.Client{Timeout: 10 * time.Minute}}
}

// storedService returns the service recorded for the job in wd.
func (e *Executor) storedService(wd string) (string, error) {
	dir, err := e.env.Storage.Rel(wd)
	if err != nil {
		return "", err
	}
	name := path.Join(dir, serviceFile)
	if ok, err := e.env.Storage.Exists(name); err != nil || !ok {
		return DefaultService, err
	}
	rc, err := e.env.Storage.Read(name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	if svcID := strings.TrimSpace(string(b)); svcID != "" {
		return svcID, nil
	}
	return DefaultService, nil
}

func (e *Executor) service(wd string) (*svcs.Service, error) {
	full, err := e.storedService(wd)
	if err != nil {
		return nil, err
	}
	rdID, svcID, ok := strings.Cut(full, "#")
	if !ok {
		return nil, base.NewValidationError("", "bad service reference %s", full)
	}
	return svcs.LoadService(e.env, rdID, svcID)
}

func (e *Executor) Execute(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error) {
	svc, err := e.service(wd)
	if err != nil {
		return nil, err
	}
	core, ok := svc.Core.(*Core)
	if !ok {
		return nil, base.NewValidationError("", "service %s has no datalink core", svc.Def.FullID())
	}
	v := url.Values{}
	for k, val := range uws.Params(job) {
		v.Set(k, val)
	}

	dc := NewContext(svc, job.Owner)
	data, err := core.Get(dc, svcs.NewParams(v))
	if err != nil {
		return nil, err
	}
	mimeType := data.MIME
	if err := copyData(e.client, data, filepath.Join(wd, resultName)); err != nil {
		return nil, err
	}
	return []schema.JobResult{{Name: resultName, Mime: mimeType}}, nil
}

// NewManager makes the job manager of the datalink queue.
func NewManager(env *svcs.Env) *uws.Manager {
	return uws.NewManager(env.DB, Queue, env.Storage, env.Config, uws.Hooks{
		Check:  checkParams,
		Accept: acceptService(env),
	})
}
