package datalink

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"sync"

	"vo_platform/base"
	"vo_platform/svcs"
	"vo_platform/utils/logging"
)

// Data is what the data functions of a dlget request produce.
type Data struct {
	Name string
	MIME string
	// Path is a local file to deliver; Body is used when it is empty.
	Path string
	Body io.ReadCloser
	// Redirect sends the client to remote data instead.
	Redirect string
}

func (d *Data) Close() error {
	if d.Body != nil {
		return d.Body.Close()
	}
	return nil
}

// DataFunction transforms the data produced so far; the first function
// sees nil.
type DataFunction func(c *Context, d *Descriptor, p *svcs.Params, data *Data) (*Data, error)

var (
	functionsMu   sync.RWMutex
	dataFunctions = map[string]DataFunction{"file": fileData}
)

func RegisterDataFunction(name string, f DataFunction) {
	functionsMu.Lock()
	defer functionsMu.Unlock()
	dataFunctions[name] = f
}

func dataFunction(name string) (DataFunction, error) {
	functionsMu.RLock()
	defer functionsMu.RUnlock()
	f, ok := dataFunctions[name]
	if !ok {
		return nil, base.NewNotFoundError("data function", name, "")
	}
	return f, nil
}

// fileData delivers the product file as it is.
func fileData(c *Context, d *Descriptor, _ *svcs.Params, _ *Data) (*Data, error) {
	data := &Data{Name: path.Base(d.Product.Accref), MIME: d.Product.Mime}
	if data.MIME == "" {
		data.MIME = "application/octet-stream"
	}
	local := LocalPath(c.Env.Config, d.Product)
	if local == "" {
		data.Redirect = d.Product.Accesspath
		return data, nil
	}
	if _, err := os.Stat(local); err != nil {
		slog.Error("product file missing", "code", logging.RENDER_ERROR, "accref", d.Product.Accref, "error", err)
		return nil, base.NewNotFoundError("file", d.Product.Accref, "products")
	}
	data.Path = local
	return data, nil
}

// Get runs the data functions of the core for the single ID in p.
func (c *Core) Get(dc *Context, p *svcs.Params) (*Data, error) {
	ids := p.GetAll("ID")
	if len(ids) != 1 {
		return nil, base.NewValidationError("ID", "exactly one ID required, got %d", len(ids))
	}
	if len(c.functions) == 0 {
		return nil, base.NewValidationError("ID", "This service has no data functions")
	}
	d, err := c.generator(c.env, ids[0])
	if err != nil {
		return nil, err
	}
	if err := dc.CheckAccess(d); err != nil {
		return nil, err
	}

	var data *Data
	for _, f := range c.functions {
		next, err := f(dc, d, p, data)
		if err != nil {
			if data != nil {
				data.Close()
			}
			return nil, err
		}
		data = next
	}
	if data == nil {
		return nil, fmt.Errorf("no data produced for %s", ids[0])
	}
	return data, nil
}

// WriteData sends data as the response to r.
func WriteData(w http.ResponseWriter, r *http.Request, data *Data) {
	defer data.Close()
	if data.Redirect != "" {
		http.Redirect(w, r, data.Redirect, http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", data.MIME)
	if data.Name != "" {
		w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(data.Name))
	}
	if data.Path != "" {
		f, err := os.Open(data.Path)
		if err != nil {
			slog.Error("error opening product", "code", logging.RENDER_ERROR, "path", data.Path, "error", err)
			http.Error(w, "Cannot read data", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			http.Error(w, "Cannot read data", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, data.Name, info.ModTime(), f)
		return
	}
	if data.Body != nil {
		if _, err := io.Copy(w, data.Body); err != nil {
			slog.Warn("error writing data", "code", logging.RENDER_SERIALIZE, "error", err)
		}
	}
}

// copyData writes data into dest; remote data is fetched with client.
func copyData(client *http.Client, data *Data, dest string) error {
	defer data.Close()
	var src io.Reader
	switch {
	case data.Redirect != "":
		resp, err := client.Get(data.Redirect)
		if err != nil {
			return fmt.Errorf("error fetching %s: %w", data.Redirect, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("error fetching %s: status %d", data.Redirect, resp.StatusCode)
		}
		src = resp.Body
	case data.Path != "":
		f, err := os.Open(data.Path)
		if err != nil {
			return fmt.Errorf("error reading data: %w", err)
		}
		defer f.Close()
		src = f
	case data.Body != nil:
		src = data.Body
	default:
		return fmt.Errorf("no data to copy")
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating result: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("error writing result: %w", err)
	}
	return nil
}
