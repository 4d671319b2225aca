// Package datalink implements the datalink core: it resolves dataset
// identifiers to descriptors, lists their links and delivers their data,
// synchronously or through the dl_jobs queue. It also holds the product
// core serving files from the products table.
package datalink

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vo_platform/base"
	"vo_platform/config"
	"vo_platform/schema"
	"vo_platform/svcs"
)

// Descriptor is what a datalink request learns about one dataset.
type Descriptor struct {
	// ID is the identifier as passed by the client.
	ID      string
	Product schema.Product
}

// Embargoed tells whether the product is still under embargo at now.
func (d *Descriptor) Embargoed(now time.Time) bool {
	return d.Product.Embargo != nil && d.Product.Embargo.After(now)
}

// Owner is the user allowed to access the product while embargoed.
func (d *Descriptor) Owner() string {
	if d.Product.Owner == nil {
		return ""
	}
	return *d.Product.Owner
}

// LocalPath is the path of the product file, empty for remote data.
func LocalPath(cfg *config.Config, p schema.Product) string {
	if strings.HasPrefix(p.Accesspath, "http://") || strings.HasPrefix(p.Accesspath, "https://") {
		return ""
	}
	if filepath.IsAbs(p.Accesspath) {
		return p.Accesspath
	}
	return filepath.Join(cfg.InputsDir, p.Accesspath)
}

// Size is the size of the product file, -1 if unknown.
func (d *Descriptor) Size(cfg *config.Config) int64 {
	path := LocalPath(cfg, d.Product)
	if path == "" {
		return -1
	}
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

// DescriptorGenerator resolves a dataset identifier.
type DescriptorGenerator func(env *svcs.Env, id string) (*Descriptor, error)

var (
	generatorsMu sync.RWMutex
	generators   = map[string]DescriptorGenerator{"products": productDescriptor}
)

func RegisterDescriptorGenerator(name string, g DescriptorGenerator) {
	generatorsMu.Lock()
	defer generatorsMu.Unlock()
	generators[name] = g
}

func descriptorGenerator(name string) (DescriptorGenerator, error) {
	generatorsMu.RLock()
	defer generatorsMu.RUnlock()
	g, ok := generators[name]
	if !ok {
		return nil, base.NewNotFoundError("descriptor generator", name, "")
	}
	return g, nil
}

// PubDID is the publisher DID of a product without an explicit one.
func PubDID(cfg *config.Config, accref string) string {
	return "ivo://" + cfg.Ivoa.Authority + "/~?" + accref
}

// productDescriptor looks the ID up as a pubdid first, then as a
// server-generated pubdid or a plain accref.
func productDescriptor(env *svcs.Env, id string) (*Descriptor, error) {
	p, err := schema.GetProductByPubDID(env.DB.DB, id)
	if errors.Is(err, schema.ErrProductNotFound) {
		accref := id
		if prefix := PubDID(env.Config, ""); strings.HasPrefix(id, prefix) {
			accref = strings.TrimPrefix(id, prefix)
		} else if strings.HasPrefix(id, "ivo://") {
			return nil, base.NewNotFoundError("dataset", id, "products")
		}
		p, err = schema.GetProduct(env.DB.DB, accref)
	}
	if errors.Is(err, schema.ErrProductNotFound) {
		return nil, base.NewNotFoundError("dataset", id, "products")
	}
	if err != nil {
		return nil, err
	}
	return &Descriptor{ID: id, Product: p}, nil
}
