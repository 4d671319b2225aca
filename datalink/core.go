package datalink

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vo_platform/auth"
	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/svcs"
	"vo_platform/valuemap"
)

// TokenLifetime is the validity of access tokens in links to embargoed
// products.
const TokenLifetime = time.Hour

const procServiceID = "procsvc"

// Context is the state of one datalink request.
type Context struct {
	Env     *svcs.Env
	Service *svcs.Service
	// User is the authenticated user, empty for anonymous requests.
	User string
	Now  time.Time
}

func NewContext(svc *svcs.Service, user string) *Context {
	return &Context{Env: svc.Env, Service: svc, User: user, Now: time.Now()}
}

// CheckAccess fails for embargoed products unless the user owns them.
func (c *Context) CheckAccess(d *Descriptor) error {
	if !d.Embargoed(c.Now) {
		return nil
	}
	if c.Env.Auth != nil && c.Env.Auth.OwnerAccess(c.User, d.Owner()) {
		return nil
	}
	return &base.AuthorizationError{
		Realm: auth.DefaultRealm,
		Msg:   fmt.Sprintf("%s is embargoed until %s", d.ID, d.Product.Embargo.UTC().Format("2006-01-02")),
	}
}

// ProductURL is the access URL of the product of d; links to embargoed
// products carry an access token.
func (c *Context) ProductURL(d *Descriptor, preview bool) string {
	vctx := &valuemap.Context{ServerURL: c.Env.Config.Web.ServerURL}
	if d.Embargoed(c.Now) && c.Env.Tokens != nil {
		vctx.ProductToken = func(accref string) string {
			tok, err := c.Env.Tokens.CreateProductToken(accref, TokenLifetime)
			if err != nil {
				return ""
			}
			return tok
		}
	}
	return valuemap.ProductURL(vctx, d.Product.Accref, preview)
}

// MetaMaker contributes links for a dataset.
type MetaMaker func(c *Context, d *Descriptor) []Link

var (
	makersMu   sync.RWMutex
	metaMakers = map[string]MetaMaker{"preview": previewLinks}
)

func RegisterMetaMaker(name string, m MetaMaker) {
	makersMu.Lock()
	defer makersMu.Unlock()
	metaMakers[name] = m
}

func thisLink(c *Context, d *Descriptor) Link {
	if err := c.CheckAccess(d); err != nil {
		return ErrorLink(d.ID, err)
	}
	return Link{
		ID:            d.ID,
		AccessURL:     c.ProductURL(d, false),
		Semantics:     SemThis,
		Description:   "The full dataset",
		ContentType:   d.Product.Mime,
		ContentLength: d.Size(c.Env.Config),
	}
}

func previewLinks(c *Context, d *Descriptor) []Link {
	if d.Product.Preview == nil || *d.Product.Preview == "" || c.CheckAccess(d) != nil {
		return nil
	}
	preview := *d.Product.Preview
	link := Link{
		ID:            d.ID,
		Semantics:     SemPreview,
		Description:   "A preview of the dataset",
		ContentType:   mime.TypeByExtension(filepath.Ext(preview)),
		ContentLength: -1,
	}
	if strings.HasPrefix(preview, "http://") || strings.HasPrefix(preview, "https://") {
		link.AccessURL = preview
	} else {
		link.AccessURL = c.ProductURL(d, true)
	}
	return []Link{link}
}

// Core is the executable datalink core.
type Core struct {
	env       *svcs.Env
	def       *rd.DatalinkCore
	generator DescriptorGenerator
	makers    []MetaMaker
	functions []DataFunction
}

func newCore(env *svcs.Env, def rd.Core) (svcs.Core, error) {
	d, ok := def.(*rd.DatalinkCore)
	if !ok {
		return nil, fmt.Errorf("datalink core built from %T", def)
	}
	gen, err := descriptorGenerator(d.DescriptorGenerator)
	if err != nil {
		return nil, err
	}
	c := &Core{env: env, def: d, generator: gen}

	makersMu.RLock()
	defer makersMu.RUnlock()
	for _, name := range d.MetaMakers {
		m, ok := metaMakers[name]
		if !ok {
			return nil, base.NewNotFoundError("meta maker", name, "datalink core "+d.ID)
		}
		c.makers = append(c.makers, m)
	}
	for _, name := range d.DataFunctions {
		f, err := dataFunction(name)
		if err != nil {
			return nil, err
		}
		c.functions = append(c.functions, f)
	}
	return c, nil
}

func (c *Core) InputKeys(svcs.ParameterStyle) []*rd.InputKey {
	return c.def.InputKeys
}

// Links computes the links for ids. Failures become error rows.
func (c *Core) Links(dc *Context, ids []string) []Link {
	var links []Link
	for _, id := range ids {
		d, err := c.generator(c.env, id)
		if err != nil {
			links = append(links, ErrorLink(id, err))
			continue
		}
		links = append(links, thisLink(dc, d))
		for _, m := range c.makers {
			links = append(links, m(dc, d)...)
		}
		if len(c.functions) > 0 && dc.Service != nil && allows(dc.Service.Def, "dlget") && dc.CheckAccess(d) == nil {
			links = append(links, Link{
				ID:            id,
				ServiceDef:    procServiceID,
				Semantics:     SemProc,
				Description:   "Server-side processing of the dataset",
				ContentLength: -1,
			})
		}
	}
	return links
}

func allows(svc *rd.Service, renderer string) bool {
	for _, r := range svc.Allowed {
		if r == renderer {
			return true
		}
	}
	return false
}

func idsFrom(inputs *svcs.InputTable) ([]string, error) {
	var ids []string
	switch v := inputs.Get("ID").(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				ids = append(ids, s)
			}
		}
	case string:
		if v != "" {
			ids = append(ids, v)
		}
	}
	if len(ids) == 0 {
		return nil, base.NewValidationError("ID", "value needed")
	}
	return ids, nil
}

func (c *Core) Run(ctx context.Context, req *svcs.Request) (*rsc.Table, error) {
	ids, err := idsFrom(req.Inputs)
	if err != nil {
		return nil, err
	}
	user, _ := auth.UserFromContext(ctx)
	return LinksTable(c.Links(NewContext(req.Service, user), ids))
}

// requestUser authenticates r if the server checks credentials at all.
func requestUser(env *svcs.Env, r *http.Request) (string, error) {
	if env.Auth == nil {
		return "", nil
	}
	return env.Auth.Authenticate(r)
}

func init() {
	svcs.RegisterCore("datalinkCore", newCore)
}
