package tap

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"vo_platform/base"
	"vo_platform/formats"
	"vo_platform/rsc"
	"vo_platform/schema"
	"vo_platform/svcs"
	"vo_platform/uws"
	"vo_platform/valuemap"
	"vo_platform/votable"
)

// Queue is the name of the TAP job queue.
const Queue = "tap_jobs"

const resultName = "result"

func jobParams(job *schema.Job) *svcs.Params {
	v := url.Values{}
	for k, val := range uws.Params(job) {
		v.Set(k, val)
	}
	return svcs.NewParams(v)
}

// checkParams validates what can be checked before a job runs.
func checkParams(env *svcs.Env) func(map[string]string) error {
	return func(params map[string]string) error {
		v := url.Values{}
		for k, val := range params {
			v.Set(k, val)
		}
		p := svcs.NewParams(v)
		if err := checkRequest(p); err != nil {
			return err
		}
		if _, err := parseUploads(p.GetAll("UPLOAD")); err != nil {
			return err
		}
		qm, err := svcs.NewQueryMeta(p, "tap", svcs.StyleTAP, svcs.LimitsFor(env.Config, svcs.StyleTAP))
		if err != nil {
			return err
		}
		if qm.Format != "" {
			if _, err := formats.Get(qm.Format); err != nil {
				return err
			}
		}
		return nil
	}
}

// acceptUploads saves the file parts of a job creation request into the
// job directory, where param: upload URIs find them.
func acceptUploads(env *svcs.Env) func(*http.Request, string, map[string]string) error {
	return func(r *http.Request, wd string, params map[string]string) error {
		if r == nil || r.MultipartForm == nil {
			return nil
		}
		dir, err := env.Storage.Rel(wd)
		if err != nil {
			return err
		}
		for field, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			if !uploadName.MatchString(field) {
				return base.NewValidationError("UPLOAD", "'%s' is not a valid upload name", field)
			}
			if err := saveUpload(env, headers[0], path.Join(dir, field)); err != nil {
				return err
			}
		}
		return nil
	}
}

func saveUpload(env *svcs.Env, fh *multipart.FileHeader, dest string) error {
	src, err := fh.Open()
	if err != nil {
		return fmt.Errorf("error reading upload: %w", err)
	}
	defer src.Close()
	if _, err := env.Storage.Write(dest, src, env.Config.Web.MaxUploadSize); err != nil {
		return fmt.Errorf("error saving upload %s: %w", fh.Filename, err)
	}
	return nil
}

// Executor runs TAP jobs; it writes the query result into the job
// directory.
type Executor struct {
	env *svcs.Env
}

func NewExecutor(env *svcs.Env) *Executor {
	return &Executor{env: env}
}

func (e *Executor) Execute(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error) {
	p := jobParams(job)
	qm, err := svcs.NewQueryMeta(p, "tap", svcs.StyleTAP, svcs.LimitsFor(e.env.Config, svcs.StyleTAP))
	if err != nil {
		return nil, err
	}
	runner := NewRunner(e.env)
	runner.WorkDir = wd
	res, err := runner.Run(ctx, p, qm)
	if err != nil {
		return nil, err
	}
	return writeResult(e.env, res, qm, wd)
}

func writeResult(env *svcs.Env, res *rsc.Table, qm *svcs.QueryMeta, wd string) ([]schema.JobResult, error) {
	format := qm.Format
	if format == "" {
		format = "votable"
	}
	f, err := formats.Get(format)
	if err != nil {
		return nil, err
	}
	out, err := os.Create(filepath.Join(wd, resultName))
	if err != nil {
		return nil, fmt.Errorf("error creating result file: %w", err)
	}
	defer out.Close()
	if err := f.Write(out, res, writeOptions(env)); err != nil {
		return nil, fmt.Errorf("error writing result: %w", err)
	}
	return []schema.JobResult{{Name: resultName, Mime: f.MIME}}, nil
}

func writeOptions(env *svcs.Env) formats.Options {
	enc, err := votable.ParseEncoding(env.Config.Ivoa.VotDefaultEncoding)
	if err != nil {
		enc = votable.Binary
	}
	return formats.Options{
		Context:         &valuemap.Context{ServerURL: env.Config.Web.ServerURL},
		VOTableEncoding: enc,
	}
}

// inlineMetadata completes MAXREC=0 jobs without scheduling them.
func inlineMetadata(env *svcs.Env) func(context.Context, *schema.Job, string) ([]schema.JobResult, bool, error) {
	return func(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, bool, error) {
		p := jobParams(job)
		qm, err := svcs.NewQueryMeta(p, "tap", svcs.StyleTAP, svcs.LimitsFor(env.Config, svcs.StyleTAP))
		if err != nil || !qm.MetadataOnly {
			return nil, false, nil
		}
		runner := NewRunner(env)
		runner.WorkDir = wd
		res, err := runner.Run(ctx, p, qm)
		if err != nil {
			return nil, true, err
		}
		results, err := writeResult(env, res, qm, wd)
		return results, true, err
	}
}

// NewManager makes the job manager of the TAP queue.
func NewManager(env *svcs.Env) *uws.Manager {
	return uws.NewManager(env.DB, Queue, env.Storage, env.Config, uws.Hooks{
		Check:  checkParams(env),
		Accept: acceptUploads(env),
		Inline: inlineMetadata(env),
	})
}
