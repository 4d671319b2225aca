// Package formats serializes result tables into the output formats the
// renderers offer.
package formats

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"vo_platform/base"
	"vo_platform/rsc"
	"vo_platform/valuemap"
	"vo_platform/votable"
)

type Options struct {
	Context *valuemap.Context
	// VOTable details; empty means the writer defaults.
	VOTableVersion  string
	VOTableEncoding votable.Encoding
	// Title is used by the HTML format.
	Title string
}

type WriterFunc func(w io.Writer, t *rsc.Table, opts Options) error

type Format struct {
	Name      string
	MIME      string
	Extension string
	// Aliases are alternative names accepted in FORMAT/RESPONSEFORMAT.
	Aliases []string
	Write   WriterFunc
}

var (
	registryLock sync.RWMutex
	byKey        = map[string]*Format{}
	byName       = map[string]*Format{}
)

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	// media type parameters other than header/serialization are irrelevant
	if idx := strings.Index(key, ";"); idx != -1 {
		params := strings.Split(key[idx+1:], ";")
		key = key[:idx]
		for _, p := range params {
			p = strings.ReplaceAll(strings.TrimSpace(p), " ", "")
			if strings.HasPrefix(p, "header=") || strings.HasPrefix(p, "serialization=") {
				key += ";" + p
			}
		}
	}
	return key
}

// Register adds a format. Later registrations take over keys of earlier
// ones.
func Register(f *Format) {
	registryLock.Lock()
	defer registryLock.Unlock()

	byName[f.Name] = f
	for _, key := range append([]string{f.Name, f.MIME}, f.Aliases...) {
		if key != "" {
			byKey[normalizeKey(key)] = f
		}
	}
}

// Get finds a format by name, alias or media type.
func Get(key string) (*Format, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	if f, ok := byKey[normalizeKey(key)]; ok {
		return f, nil
	}
	return nil, base.NewValidationError("FORMAT", "unsupported output format '%s'", key)
}

// Names lists the canonical names of the registered formats.
func Names() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MIMETypes lists the media types of all formats, as advertised in TAP
// capabilities.
func MIMETypes() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()

	var res []string
	for _, f := range byName {
		res = append(res, f.MIME)
	}
	sort.Strings(res)
	return res
}

// Write serializes t in the format designated by key.
func Write(w io.Writer, key string, t *rsc.Table, opts Options) error {
	f, err := Get(key)
	if err != nil {
		return err
	}
	if err := f.Write(w, t, opts); err != nil {
		return fmt.Errorf("error writing %s: %w", f.Name, err)
	}
	return nil
}

func votableWriter(enc votable.Encoding) WriterFunc {
	return func(w io.Writer, t *rsc.Table, opts Options) error {
		encoding := enc
		if encoding == "" {
			encoding = opts.VOTableEncoding
		}
		return votable.Write(w, t, votable.Options{
			Encoding: encoding,
			Version:  opts.VOTableVersion,
			Context:  opts.Context,
		})
	}
}

func init() {
	Register(&Format{
		Name:      "votable",
		MIME:      "application/x-votable+xml",
		Extension: ".vot",
		Aliases:   []string{"vot", "text/xml", "application/xml", "votable/b"},
		Write:     votableWriter(""),
	})
	Register(&Format{
		Name:      "votabletd",
		MIME:      "application/x-votable+xml;serialization=tabledata",
		Extension: ".vot",
		Aliases:   []string{"votable/td", "votabletd1.1", "text/xml;serialization=tabledata"},
		Write:     votableWriter(votable.TableData),
	})
	Register(&Format{
		Name:      "votableb2",
		MIME:      "application/x-votable+xml;serialization=binary2",
		Extension: ".vot",
		Aliases:   []string{"votable/b2"},
		Write:     votableWriter(votable.Binary2),
	})
	Register(&Format{
		Name:      "fits",
		MIME:      "application/fits",
		Extension: ".fits",
		Aliases:   []string{"image/fits", "application/x-fits-table"},
		Write:     WriteFITS,
	})
	Register(&Format{
		Name:      "csv",
		MIME:      "text/csv",
		Extension: ".csv",
		Write:     csvWriter(false),
	})
	Register(&Format{
		Name:      "csv_header",
		MIME:      "text/csv;header=present",
		Extension: ".csv",
		Write:     csvWriter(true),
	})
	Register(&Format{
		Name:      "tsv",
		MIME:      "text/tab-separated-values",
		Extension: ".tsv",
		Aliases:   []string{"text/plain"},
		Write:     WriteTSV,
	})
	Register(&Format{
		Name:      "html",
		MIME:      "text/html",
		Extension: ".html",
		Write:     WriteHTML,
	})
	Register(&Format{
		Name:      "json",
		MIME:      "application/json",
		Extension: ".json",
		Write:     WriteJSON,
	})
	Register(&Format{
		Name:      "arrow",
		MIME:      "application/vnd.apache.arrow.stream",
		Extension: ".arrows",
		Write:     WriteArrow,
	})
}
