package rd

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vo_platform/base"
	"vo_platform/metrics"
	"vo_platform/utils/logging"

	"github.com/zeebo/xxh3"
)

//go:embed system/*.rd
var systemRDs embed.FS

const systemPrefix = "__system__/"

type cacheEntry struct {
	rd    *RD
	mtime time.Time
}

// Loader parses RDs and keeps them in a cache keyed by RD id. Entries
// are re-parsed when the source file's mtime changes.
type Loader struct {
	inputsDir string
	config    ConfigSource

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

func NewLoader(inputsDir string, config ConfigSource) *Loader {
	return &Loader{inputsDir: inputsDir, config: config, cache: map[string]*cacheEntry{}}
}

// Load returns the RD with the given id, e.g. "ex/q" or "//tap".
func (l *Loader) Load(rdID string) (*RD, error) {
	return l.load(normalizeRDID(rdID), nil)
}

// Unload drops an RD from the cache.
func (l *Loader) Unload(rdID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, normalizeRDID(rdID))
}

func (l *Loader) cached(rdID string) (*cacheEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[rdID]
	return e, ok
}

func (l *Loader) sourcePath(rdID string) string {
	return filepath.Join(l.inputsDir, filepath.FromSlash(rdID)+".rd")
}

func (l *Loader) load(rdID string, loading []string) (*RD, error) {
	system := strings.HasPrefix(rdID, systemPrefix)

	var mtime time.Time
	path := ""
	if system {
		path = "system/" + strings.TrimPrefix(rdID, systemPrefix) + ".rd"
	} else {
		path = l.sourcePath(rdID)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, base.NewNotFoundError("resource descriptor", rdID, "")
			}
			return nil, fmt.Errorf("cannot access RD %s: %w", rdID, err)
		}
		mtime = info.ModTime()
	}

	if e, ok := l.cached(rdID); ok && e.mtime.Equal(mtime) {
		metrics.RDCacheHits.Inc()
		return e.rd, nil
	}
	metrics.RDCacheMisses.Inc()

	var data []byte
	var err error
	if system {
		data, err = systemRDs.ReadFile(path)
		if err != nil {
			return nil, base.NewNotFoundError("resource descriptor", rdID, "")
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read RD %s: %w", rdID, err)
		}
	}

	r, err := l.parse(rdID, path, data, loading)
	if err != nil {
		slog.Error("failed to load RD", "rd", rdID, "error", err, "code", logging.RD_LOAD)
		return nil, err
	}

	l.mu.Lock()
	previous, reloaded := l.cache[rdID]
	l.cache[rdID] = &cacheEntry{rd: r, mtime: mtime}
	l.mu.Unlock()

	if reloaded && previous.rd.Hash != r.Hash {
		slog.Info("reloaded changed RD", "rd", rdID, "code", logging.RD_RELOAD)
	}
	return r, nil
}

// Parse builds an RD from its source text without caching it.
func (l *Loader) Parse(rdID string, data []byte) (*RD, error) {
	return l.parse(normalizeRDID(rdID), rdID, data, nil)
}

func (l *Loader) parse(rdID, source string, data []byte, loading []string) (*RD, error) {
	events, err := ParseEventsFromBytes(data, source)
	if err != nil {
		return nil, err
	}

	r := &RD{
		ID:         rdID,
		SourcePath: source,
		Hash:       xxh3.Hash(data),
		ids:        map[string]Structure{},
		Streams:    map[string][]Event{},
		config:     l.config,
	}
	ctx := newParseContext(r, l, loading)
	for _, ev := range events {
		if err := ctx.process(ev); err != nil {
			return nil, err
		}
	}
	if err := ctx.finish(); err != nil {
		return nil, err
	}
	return r, nil
}

// SystemRDs lists the ids of the built-in RDs.
func SystemRDs() []string {
	entries, err := systemRDs.ReadDir("system")
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, systemPrefix+strings.TrimSuffix(e.Name(), ".rd"))
	}
	return ids
}

// SystemTables returns the tables of all built-in RDs, as needed for
// creating the system schema.
func (l *Loader) SystemTables() ([]*Table, error) {
	var tables []*Table
	for _, id := range SystemRDs() {
		r, err := l.Load(id)
		if err != nil {
			return nil, err
		}
		tables = append(tables, r.Tables...)
	}
	return tables, nil
}

// AvailableRDs lists the ids of all RDs below the inputs directory.
func (l *Loader) AvailableRDs() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(l.inputsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rd") {
			return nil
		}
		rel, err := filepath.Rel(l.inputsDir, path)
		if err != nil {
			return err
		}
		ids = append(ids, strings.TrimSuffix(filepath.ToSlash(rel), ".rd"))
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error listing RDs: %w", err)
	}
	return ids, nil
}

// Resolve looks up rdId#id.
func (l *Loader) Resolve(spec string) (Structure, error) {
	rdID, id := splitRef(spec)
	if rdID == "" {
		return nil, base.NewNotFoundError("element", spec, "")
	}
	r, err := l.Load(rdID)
	if err != nil {
		return nil, err
	}
	s, ok := r.ByID(id)
	if !ok {
		return nil, base.NewNotFoundError("element with id", id, rdID)
	}
	return s, nil
}
