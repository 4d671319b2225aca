package svcs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"vo_platform/auth"
	"vo_platform/base"
	"vo_platform/config"
	"vo_platform/pql"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/schema"
	"vo_platform/storage"
	"vo_platform/uws"
)

// Env gives cores access to the server's shared resources.
type Env struct {
	DB     *schema.DB
	Config *config.Config
	Loader *rd.Loader
	// Storage holds UWS working directories.
	Storage storage.Storage
	// Queues are the job managers by queue name.
	Queues map[string]*uws.Manager
	// Auth checks credentials for protected services and products; nil
	// makes everything public.
	Auth *auth.BasicProvider
	// Tokens signs access URLs of embargoed products.
	Tokens *auth.JwtManager
}

// Queue returns the job manager of a queue.
func (e *Env) Queue(name string) (*uws.Manager, error) {
	if m, ok := e.Queues[name]; ok {
		return m, nil
	}
	return nil, base.NewNotFoundError("job queue", name, "")
}

// Request is one invocation of a core.
type Request struct {
	Service *Service
	Params  *Params
	Inputs  *InputTable
	Meta    *QueryMeta
}

// Core is the executable form of a core definition.
type Core interface {
	// InputKeys returns the keys the core accepts with the given
	// parameter style.
	InputKeys(style ParameterStyle) []*rd.InputKey
	Run(ctx context.Context, req *Request) (*rsc.Table, error)
}

// CoreFactory builds a core from its definition.
type CoreFactory func(env *Env, def rd.Core) (Core, error)

var (
	coreFactoriesMu sync.RWMutex
	coreFactories   = map[string]CoreFactory{}
)

// RegisterCore makes a core kind available. Kinds are the element names
// of the definitions; custom cores register as customCore:<impl>.
func RegisterCore(kind string, f CoreFactory) {
	coreFactoriesMu.Lock()
	defer coreFactoriesMu.Unlock()
	coreFactories[kind] = f
}

func CoreKind(def rd.Core) string {
	switch c := def.(type) {
	case *rd.DBCore:
		return "dbCore"
	case *rd.FixedQueryCore:
		return "fixedQueryCore"
	case *rd.NullCore:
		return "nullCore"
	case *rd.DatalinkCore:
		return "datalinkCore"
	case *rd.RegistryCore:
		return "registryCore"
	case *rd.ProductCore:
		return "productCore"
	case *rd.CustomCore:
		return "customCore:" + c.Impl
	}
	return fmt.Sprintf("%T", def)
}

func MakeCore(env *Env, def rd.Core) (Core, error) {
	kind := CoreKind(def)
	coreFactoriesMu.RLock()
	f, ok := coreFactories[kind]
	coreFactoriesMu.RUnlock()
	if !ok {
		return nil, base.NewNotFoundError("core implementation", kind, "")
	}
	return f(env, def)
}

func init() {
	RegisterCore("dbCore", func(env *Env, def rd.Core) (Core, error) {
		c := def.(*rd.DBCore)
		if c.Table() == nil {
			return nil, fmt.Errorf("core %s has no queried table", c.ID)
		}
		return &DBCore{env: env, Def: c}, nil
	})
	RegisterCore("fixedQueryCore", func(env *Env, def rd.Core) (Core, error) {
		return &fixedQueryCore{env: env, def: def.(*rd.FixedQueryCore)}, nil
	})
	RegisterCore("nullCore", func(*Env, rd.Core) (Core, error) {
		return nullCore{}, nil
	})
}

// DBCore queries a single table with conditions from its condDescs.
type DBCore struct {
	env *Env
	Def *rd.DBCore
}

func (c *DBCore) InputKeys(style ParameterStyle) []*rd.InputKey {
	var keys []*rd.InputKey
	for _, cd := range c.Def.CondDescs {
		keys = append(keys, condKeys(cd)...)
	}
	return keys
}

// Where builds the WHERE clause of a request, without the keyword.
func (c *DBCore) Where(req *Request, args *pql.Args) (string, error) {
	var conds []string
	for _, cd := range c.Def.CondDescs {
		if err := checkCondInput(cd, req.Inputs, req.Meta); err != nil {
			return "", err
		}
		frag, err := condPhrase(&PhraseContext{
			Desc:   cd,
			Inputs: req.Inputs,
			Args:   args,
			Table:  c.Def.Table(),
			DB:     c.env.DB,
			Meta:   req.Meta,
		})
		if err != nil {
			return "", err
		}
		if frag != "" {
			conds = append(conds, frag)
		}
	}
	return joinConditions(conds), nil
}

// ResultDef is the definition of the result table for a request.
func (c *DBCore) ResultDef(req *Request) (*rsc.TableDef, []*rd.OutputField) {
	table := c.Def.Table()
	var fields []*rd.OutputField
	if req.Service != nil {
		fields = req.Service.OutputFields(req.Meta)
	} else {
		fields = SelectOutputFields(table, c.Def.OutputTable, req.Meta)
	}
	cols := make([]*rd.Column, len(fields))
	for i, f := range fields {
		cols[i] = f.Col()
	}
	def := rsc.NewTableDef(table.ID, cols)
	def.Source = table
	def.Params = append(def.Params, table.Params...)
	for _, key := range table.Meta.Keys() {
		for _, v := range table.Meta.GetAll(key) {
			def.Meta.Add(key, v)
		}
	}
	return def, fields
}

// SQL composes the query for a request. The limit is applied by the
// caller, which asks for one row more to detect overflows.
func (c *DBCore) SQL(req *Request, fields []*rd.OutputField, args *pql.Args) (string, error) {
	where, err := c.Where(req, args)
	if err != nil {
		return "", err
	}
	selects := make([]string, len(fields))
	for i, f := range fields {
		if f.Select != "" {
			selects[i] = f.Select + " AS " + schema.QuoteName(f.Name)
		} else {
			selects[i] = schema.QuoteName(f.Name)
		}
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if c.Def.Distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM ")
	b.WriteString(c.env.DB.Dialect.TableName(c.Def.Table().QName()))
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if c.Def.GroupBy != "" {
		b.WriteString(" GROUP BY ")
		b.WriteString(c.Def.GroupBy)
	}
	if c.Def.SortKey != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(c.Def.SortKey)
	}
	return b.String(), nil
}

func (c *DBCore) limit(qm *QueryMeta) int {
	limit := qm.Limit
	if c.Def.Limit > 0 && (limit <= 0 || c.Def.Limit < limit) {
		limit = c.Def.Limit
	}
	return limit
}

func (c *DBCore) Run(ctx context.Context, req *Request) (*rsc.Table, error) {
	def, fields := c.ResultDef(req)
	args := &pql.Args{}
	query, err := c.SQL(req, fields, args)
	if err != nil {
		return nil, err
	}
	if req.Meta.MetadataOnly {
		return rsc.New(def), nil
	}

	limit := c.limit(req.Meta)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit+1)
	} else {
		limit = -1
	}
	return RunQuery(ctx, c.env.DB, req.Meta.Timeout, def, limit, query, args.Values...)
}

type fixedQueryCore struct {
	env *Env
	def *rd.FixedQueryCore
}

func (c *fixedQueryCore) InputKeys(ParameterStyle) []*rd.InputKey {
	return nil
}

func (c *fixedQueryCore) Run(ctx context.Context, req *Request) (*rsc.Table, error) {
	var cols []*rd.Column
	if out := c.def.OutputTable; out != nil {
		cols = append(cols, out.Columns...)
		for _, f := range out.OutputFields {
			cols = append(cols, f.Col())
		}
	}
	def := rsc.NewTableDef(c.def.ID, cols)
	if out := c.def.OutputTable; out != nil {
		def.Params = append(def.Params, out.Params...)
	}
	limit := -1
	if req.Meta != nil && req.Meta.Limit > 0 {
		limit = req.Meta.Limit
	}
	timeout := c.env.Config.SqlTimeout()
	if req.Meta != nil && req.Meta.Timeout > 0 {
		timeout = req.Meta.Timeout
	}
	return RunQuery(ctx, c.env.DB, timeout, def, limit, c.def.Query)
}

// nullCore returns an empty table; services with nullCores only render
// static content.
type nullCore struct{}

func (nullCore) InputKeys(ParameterStyle) []*rd.InputKey { return nil }

func (nullCore) Run(context.Context, *Request) (*rsc.Table, error) {
	return rsc.New(rsc.NewTableDef("null", nil)), nil
}
