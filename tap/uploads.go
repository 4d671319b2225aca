package tap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"vo_platform/adql"
	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/svcs"
	"vo_platform/utils/logging"
	"vo_platform/votable"

	"github.com/google/uuid"
)

var uploadName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

type uploadSpec struct {
	name string
	uri  string
}

// parseUploads parses UPLOAD values of the form name,URI;name,URI.
func parseUploads(values []string) ([]uploadSpec, error) {
	var specs []uploadSpec
	seen := map[string]bool{}
	for _, value := range values {
		for _, item := range strings.Split(value, ";") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			name, uri, ok := strings.Cut(item, ",")
			name, uri = strings.TrimSpace(name), strings.TrimSpace(uri)
			if !ok || uri == "" {
				return nil, base.NewValidationError("UPLOAD", "'%s' is not of the form name,URI", item)
			}
			if !uploadName.MatchString(name) {
				return nil, base.NewValidationError("UPLOAD", "'%s' is not a valid table name", name)
			}
			if seen[strings.ToLower(name)] {
				return nil, base.NewValidationError("UPLOAD", "Table %s uploaded twice", name)
			}
			seen[strings.ToLower(name)] = true
			specs = append(specs, uploadSpec{name: name, uri: uri})
		}
	}
	return specs, nil
}

// uploadSet holds the temporary tables made for the uploads of a query.
type uploadSet struct {
	db      *schema.DB
	catalog adql.MapCatalog
	created []string
}

func (u *uploadSet) Close() {
	for _, name := range u.created {
		if err := u.db.DropTable(name); err != nil {
			slog.Warn("cannot drop upload table", "code", logging.DB_QUERY, "table", name, "error", err)
		}
	}
	u.created = nil
}

type uploadLoader struct {
	params *svcs.Params
	// wd is the job directory async uploads were saved to.
	wd      string
	maxSize int64
	client  *http.Client
}

func (l *uploadLoader) open(ctx context.Context, uri string) (io.ReadCloser, error) {
	scheme, rest, _ := strings.Cut(uri, ":")
	switch strings.ToLower(scheme) {
	case "param":
		for field, up := range l.params.Uploads {
			if strings.EqualFold(field, rest) {
				return io.NopCloser(bytes.NewReader(up.Data)), nil
			}
		}
		if l.wd != "" && uploadName.MatchString(rest) {
			f, err := os.Open(filepath.Join(l.wd, rest))
			if err == nil {
				return f, nil
			}
		}
		return nil, base.NewValidationError("UPLOAD", "No file part named %s in the request", rest)

	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, base.NewValidationError("UPLOAD", "Bad upload URL %s: %s", uri, err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return nil, base.NewValidationError("UPLOAD", "Cannot retrieve %s: %s", uri, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, base.NewValidationError("UPLOAD", "Retrieving %s failed with status %d", uri, resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxSize+1))
		resp.Body.Close()
		if err != nil {
			return nil, base.NewValidationError("UPLOAD", "Cannot retrieve %s: %s", uri, err)
		}
		if int64(len(data)) > l.maxSize {
			return nil, &base.TooLargeError{Limit: l.maxSize}
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil, base.NewValidationError("UPLOAD", "Upload URI scheme '%s' is not supported", scheme)
}

// load creates a temporary table for every upload; the tables are
// visible in the returned catalog as TAP_UPLOAD.<name>.
func (l *uploadLoader) load(ctx context.Context, db *schema.DB, specs []uploadSpec) (*uploadSet, error) {
	set := &uploadSet{db: db, catalog: adql.MapCatalog{}}
	for _, spec := range specs {
		if err := l.loadOne(ctx, set, spec); err != nil {
			set.Close()
			return nil, err
		}
	}
	return set, nil
}

func (l *uploadLoader) loadOne(ctx context.Context, set *uploadSet, spec uploadSpec) error {
	src, err := l.open(ctx, spec.uri)
	if err != nil {
		return err
	}
	defer src.Close()

	table, err := votable.Read(src)
	if err != nil {
		return base.NewValidationError("UPLOAD", "Cannot parse upload %s: %s", spec.name, err)
	}

	dbName := fmt.Sprintf("tap_upload_%s_%s", strings.ReplaceAll(uuid.New().String()[:8], "-", ""), strings.ToLower(spec.name))
	if err := set.db.CreateTableNamed(dbName, table.Def.Columns, nil); err != nil {
		return fmt.Errorf("error creating upload table: %w", err)
	}
	set.created = append(set.created, dbName)
	if err := set.db.InsertRows(set.db.WithContext(ctx), dbName, table.Def.Columns, table.Rows); err != nil {
		return fmt.Errorf("error filling upload table: %w", err)
	}

	def := &rd.Table{ID: spec.name, Columns: table.Def.Columns}
	def.Meta.Add("description", "Uploaded table "+spec.name)
	set.catalog.AddAs("TAP_UPLOAD."+spec.name, dbName, def)
	slog.Debug("created upload table", "code", logging.DB_QUERY, "name", spec.name, "rows", table.Len())
	return nil
}
