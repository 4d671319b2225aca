package datalink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"vo_platform/auth"
	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/schema"
	"vo_platform/svcs"
	"vo_platform/utils/logging"

	"github.com/go-chi/chi/v5"
)

// ProductCore delivers files registered in the products table.
type ProductCore struct {
	env *svcs.Env
	now func() time.Time
}

func (c *ProductCore) InputKeys(svcs.ParameterStyle) []*rd.InputKey { return nil }

func (c *ProductCore) Run(context.Context, *svcs.Request) (*rsc.Table, error) {
	return nil, base.NewValidationError("", "Products are only delivered through the get renderer")
}

// authorize admits requests for public products, requests with a
// token for the product and requests of its owner.
func (c *ProductCore) authorize(r *http.Request, p schema.Product) error {
	if p.Embargo == nil || !p.Embargo.After(c.now()) {
		return nil
	}
	if tok := auth.TokenFromRequest(r); tok != "" && c.env.Tokens != nil {
		accref, err := c.env.Tokens.ProductFromToken(tok)
		if err == nil && accref == p.Accref {
			return nil
		}
		slog.Info("rejected product token", "code", logging.AUTH, "accref", p.Accref, "error", err)
	}
	if c.env.Auth != nil {
		user, err := c.env.Auth.Authenticate(r)
		if err != nil {
			return err
		}
		owner := ""
		if p.Owner != nil {
			owner = *p.Owner
		}
		if c.env.Auth.OwnerAccess(user, owner) {
			c.env.Auth.Audit(r, user, "product "+p.Accref)
			return nil
		}
	}
	return &base.AuthorizationError{
		Realm: auth.DefaultRealm,
		Msg:   fmt.Sprintf("%s is embargoed until %s", p.Accref, p.Embargo.UTC().Format("2006-01-02")),
	}
}

func (c *ProductCore) accref(r *http.Request) string {
	if key := chi.URLParam(r, "*"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

func isTrue(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func (c *ProductCore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accref := c.accref(r)
	if accref == "" {
		WriteError(w, base.NewValidationError("key", "value needed"))
		return
	}
	p, err := schema.GetProduct(c.env.DB.DB, accref)
	if errors.Is(err, schema.ErrProductNotFound) {
		WriteError(w, base.NewNotFoundError("product", accref, "products"))
		return
	} else if err != nil {
		WriteError(w, err)
		return
	}
	if err := c.authorize(r, p); err != nil {
		WriteError(w, err)
		return
	}

	if isTrue(r.URL.Query().Get("preview")) {
		c.servePreview(w, r, p)
		return
	}
	data := &Data{Name: path.Base(p.Accref), MIME: p.Mime}
	if data.MIME == "" {
		data.MIME = "application/octet-stream"
	}
	local := LocalPath(c.env.Config, p)
	if local == "" {
		data.Redirect = p.Accesspath
	} else if _, err := os.Stat(local); err != nil {
		slog.Error("product file missing", "code", logging.RENDER_ERROR, "accref", p.Accref, "error", err)
		WriteError(w, base.NewNotFoundError("file", p.Accref, "products"))
		return
	} else {
		data.Path = local
	}
	WriteData(w, r, data)
}

func (c *ProductCore) servePreview(w http.ResponseWriter, r *http.Request, p schema.Product) {
	if p.Preview == nil || *p.Preview == "" {
		WriteError(w, base.NewNotFoundError("preview", p.Accref, "products"))
		return
	}
	preview := *p.Preview
	if strings.HasPrefix(preview, "http://") || strings.HasPrefix(preview, "https://") {
		http.Redirect(w, r, preview, http.StatusSeeOther)
		return
	}
	local := LocalPath(c.env.Config, schema.Product{Accesspath: preview})
	if _, err := os.Stat(local); err != nil {
		WriteError(w, base.NewNotFoundError("preview", p.Accref, "products"))
		return
	}
	WriteData(w, r, &Data{Name: path.Base(preview), MIME: previewMIME(preview), Path: local})
}

func previewMIME(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	}
	return "application/octet-stream"
}

// Handler serves products for the get renderer, addressed by the key
// parameter or the path below the mount point.
func (c *ProductCore) Handler(svc *svcs.Service, renderer string) (http.Handler, error) {
	if renderer != "get" {
		return nil, base.NewNotFoundError("renderer", renderer, "product core")
	}
	return c, nil
}

func init() {
	svcs.RegisterCore("productCore", func(env *svcs.Env, _ rd.Core) (svcs.Core, error) {
		return &ProductCore{env: env, now: time.Now}, nil
	})
}
