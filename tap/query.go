package tap

import (
	"context"
	"net/http"
	"strings"
	"time"

	"vo_platform/adql"
	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/svcs"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vo_platform/tap")

var supportedLangs = map[string]bool{"ADQL": true, "ADQL-2.0": true}

// checkRequest validates the TAP-level parameters of a query request.
func checkRequest(p *svcs.Params) error {
	if req := p.Get("REQUEST"); req != "" && !strings.EqualFold(req, "doQuery") {
		return base.NewValidationError("REQUEST", "Only doQuery is supported, not '%s'", req)
	}
	if lang := p.Get("LANG"); lang != "" && !supportedLangs[strings.ToUpper(lang)] {
		return base.NewValidationError("LANG", "This service only supports ADQL or ADQL-2.0, not '%s'", lang)
	}
	return nil
}

// Runner executes ADQL queries.
type Runner struct {
	env *svcs.Env
	// WorkDir, if set, holds files uploaded with an async job.
	WorkDir string
	client  *http.Client
}

func NewRunner(env *svcs.Env) *Runner {
	return &Runner{env: env, client: &http.Client{Timeout: time.Minute}}
}

// Run executes the query in p. Limits, format and metadata-only mode come
// from qm.
func (r *Runner) Run(ctx context.Context, p *svcs.Params, qm *svcs.QueryMeta) (*rsc.Table, error) {
	ctx, span := tracer.Start(ctx, "tap.Run", trace.WithAttributes(attribute.Int("maxrec", qm.Limit)))
	defer span.End()

	if err := checkRequest(p); err != nil {
		return nil, err
	}
	query := p.Get("QUERY")
	if strings.TrimSpace(query) == "" {
		return nil, base.NewValidationError("QUERY", "Missing query")
	}

	specs, err := parseUploads(p.GetAll("UPLOAD"))
	if err != nil {
		return nil, err
	}
	loader := &uploadLoader{params: p, wd: r.WorkDir, maxSize: r.env.Config.Web.MaxUploadSize, client: r.client}
	uploads, err := loader.load(ctx, r.env.DB, specs)
	if err != nil {
		return nil, err
	}
	defer uploads.Close()

	tables, err := BuildCatalog(r.env)
	if err != nil {
		return nil, err
	}
	tr, err := adql.Translate(ctx, query, adql.ChainCatalog{uploads.catalog, tables}, r.env.DB.Dialect)
	if err != nil {
		return nil, err
	}

	def := tr.ResultDef("result")
	var res *rsc.Table
	if qm.MetadataOnly {
		res = rsc.New(def)
	} else {
		sql, scan := tr.LimitedSQL(qm.Limit)
		timeout := qm.Timeout
		if timeout == 0 {
			timeout = r.env.Config.SqlTimeout()
		}
		res, err = svcs.RunQuery(ctx, r.env.DB, timeout, def, scan, sql)
		if err != nil {
			return nil, err
		}
	}
	res.AddInfo("QUERY", query, "")
	res.AddInfo("LANG", "ADQL", "")
	for _, t := range tr.Tables {
		res.AddInfo("table", t, "")
	}
	return res, nil
}

// Core is the TAP core of //tap#run.
type Core struct {
	env *svcs.Env
}

func (c *Core) InputKeys(svcs.ParameterStyle) []*rd.InputKey { return nil }

func (c *Core) Run(ctx context.Context, req *svcs.Request) (*rsc.Table, error) {
	return NewRunner(c.env).Run(ctx, req.Params, req.Meta)
}

func init() {
	svcs.RegisterCore("customCore:tap", func(env *svcs.Env, def rd.Core) (svcs.Core, error) {
		return &Core{env: env}, nil
	})
}
