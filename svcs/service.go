package svcs

import (
	"context"
	"strings"

	"vo_platform/base"
	"vo_platform/config"
	"vo_platform/rd"
	"vo_platform/rsc"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Service is a service definition bound to its executable core.
type Service struct {
	Def  *rd.Service
	Core Core
	Env  *Env
}

func NewService(env *Env, def *rd.Service) (*Service, error) {
	coreDef := def.CoreDef()
	if coreDef == nil {
		return nil, base.NewNotFoundError("core", def.Core.Spec, "service "+def.FullID())
	}
	core, err := MakeCore(env, coreDef)
	if err != nil {
		return nil, err
	}
	return &Service{Def: def, Core: core, Env: env}, nil
}

// LoadService resolves "rdId#serviceId" or an RD id and service id.
func LoadService(env *Env, rdID, svcID string) (*Service, error) {
	r, err := env.Loader.Load(rdID)
	if err != nil {
		return nil, err
	}
	def, err := r.Service(svcID)
	if err != nil {
		return nil, err
	}
	return NewService(env, def)
}

// InputKeys returns the keys of the core followed by the service's own
// keys. Service keys replace core keys of the same name.
func (s *Service) InputKeys(style ParameterStyle) []*rd.InputKey {
	own := map[string]*rd.InputKey{}
	for _, k := range s.Def.InputKeys {
		own[strings.ToLower(k.Name)] = k
	}
	var keys []*rd.InputKey
	for _, k := range s.Core.InputKeys(style) {
		if repl, ok := own[strings.ToLower(k.Name)]; ok {
			keys = append(keys, repl)
			delete(own, strings.ToLower(k.Name))
			continue
		}
		keys = append(keys, k)
	}
	for _, k := range s.Def.InputKeys {
		if _, ok := own[strings.ToLower(k.Name)]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// LimitsFor returns the default and maximal row limits for a parameter
// style.
func LimitsFor(cfg *config.Config, style ParameterStyle) Limits {
	switch style {
	case StyleForm:
		return Limits{Default: cfg.Db.DefaultLimit, Hard: cfg.Ivoa.DalHardLimit}
	case StyleTAP:
		return Limits{Default: cfg.Async.DefaultMAXREC, Hard: cfg.Async.HardMAXREC}
	}
	return Limits{Default: cfg.Ivoa.DalDefaultLimit, Hard: cfg.Ivoa.DalHardLimit}
}

// OutputFields returns the fields of the result for a request.
func (s *Service) OutputFields(qm *QueryMeta) []*rd.OutputField {
	var table *rd.Table
	var out *rd.OutputTable
	if c, ok := s.Core.(*DBCore); ok {
		table = c.Def.Table()
		out = c.Def.OutputTable
	}
	if s.Def.OutputTable != nil {
		out = s.Def.OutputTable
	}
	return SelectOutputFields(table, out, qm)
}

func fieldFromColumn(c *rd.Column) *rd.OutputField {
	return &rd.OutputField{Column: *c}
}

// SelectOutputFields computes the result columns from an output table
// definition and the queried table. Without an output table all columns
// of the table are used. Fields above the requested verbosity are
// dropped; AddItems are added from the table regardless.
func SelectOutputFields(table *rd.Table, out *rd.OutputTable, qm *QueryMeta) []*rd.OutputField {
	verb := DefaultVerbLevel
	var addItems []string
	if qm != nil {
		verb = qm.VerbLevel
		addItems = qm.AddItems
	}

	var candidates []*rd.OutputField
	var tableCols []*rd.Column
	if table != nil {
		tableCols = table.Columns
	}

	if out == nil || (len(out.AutoCols) == 0 && len(out.OutputFields) == 0 && len(out.Columns) == 0 && out.VerbLevel == 0) {
		for _, c := range tableCols {
			candidates = append(candidates, fieldFromColumn(c))
		}
	} else {
		if out.VerbLevel > 0 {
			for _, c := range tableCols {
				if c.VerbLevel <= out.VerbLevel {
					candidates = append(candidates, fieldFromColumn(c))
				}
			}
		}
		for _, name := range out.AutoCols {
			for _, c := range tableCols {
				if name == "*" || strings.EqualFold(name, c.Name) {
					candidates = append(candidates, fieldFromColumn(c))
				}
			}
		}
		for _, c := range out.Columns {
			candidates = append(candidates, fieldFromColumn(c))
		}
		candidates = append(candidates, out.OutputFields...)
	}

	seen := map[string]bool{}
	var res []*rd.OutputField
	for _, f := range candidates {
		name := strings.ToLower(f.Name)
		if seen[name] || f.VerbLevel > verb {
			continue
		}
		seen[name] = true
		res = append(res, f)
	}
	for _, item := range addItems {
		name := strings.ToLower(strings.TrimSpace(item))
		if seen[name] {
			continue
		}
		for _, c := range tableCols {
			if strings.EqualFold(c.Name, name) {
				seen[name] = true
				res = append(res, fieldFromColumn(c))
			}
		}
	}
	return res
}

// Run parses the request parameters and runs the core.
func (s *Service) Run(ctx context.Context, p *Params, qm *QueryMeta) (*rsc.Table, error) {
	ctx, span := tracer.Start(ctx, "svcs.Service.Run", trace.WithAttributes(
		attribute.String("service", s.Def.FullID()),
		attribute.String("renderer", qm.Renderer),
	))
	defer span.End()

	inputs, err := ParseInputs(s.InputKeys(qm.Style), p, qm.Style)
	if err != nil {
		return nil, err
	}
	for _, k := range s.Def.InputKeys {
		if k.Required && !inputs.Has(k.Name) {
			return nil, base.NewValidationError(k.Name, "value needed")
		}
	}
	if qm.Timeout == 0 && s.Env.Config != nil {
		qm.Timeout = s.Env.Config.SqlTimeout()
	}
	return s.Core.Run(ctx, &Request{Service: s, Params: p, Inputs: inputs, Meta: qm})
}
