package renderers

import (
	"log/slog"
	"net/http"
	"time"

	"vo_platform/metrics"
	"vo_platform/pagecache"
	"vo_platform/registry"
	"vo_platform/schema"
	"vo_platform/stanxml"
	"vo_platform/svcs"
	"vo_platform/utils/logging"

	"github.com/zeebo/xxh3"
)

func writeXML(w http.ResponseWriter, el *stanxml.Element) {
	w.Header().Set("Content-Type", "text/xml")
	if _, err := w.Write(stanxml.Document(el)); err != nil {
		slog.Warn("error writing document", "code", logging.RENDER_SERIALIZE, "error", err)
	}
}

// cached runs h through the page cache; pages are valid as long as the
// RD of svc is unchanged.
func (s *Server) cached(w http.ResponseWriter, r *http.Request, svc *svcs.Service, h http.HandlerFunc) {
	hash := rdHash(svc.Def)
	pagecache.Middleware(s.pages, func(*http.Request) uint64 { return hash })(h).ServeHTTP(w, r)
}

// vosi serves the VOSI endpoints every service has.
func (s *Server) vosi(w http.ResponseWriter, r *http.Request, svc *svcs.Service, renderer string) {
	start := time.Now()
	defer func() {
		metrics.RequestsTotal.WithLabelValues(renderer, "ok").Inc()
		metrics.RequestDuration.WithLabelValues(renderer).Observe(time.Since(start).Seconds())
	}()

	switch renderer {
	case "availability":
		writeXML(w, registry.AvailabilityDocument(s.upSince, ""))
	case "capabilities":
		s.cached(w, r, svc, func(w http.ResponseWriter, r *http.Request) {
			writeXML(w, registry.NewBuilder(s.env).CapabilitiesDocument(svc))
		})
	case "tableMetadata":
		s.cached(w, r, svc, func(w http.ResponseWriter, r *http.Request) {
			writeXML(w, registry.TablesDocument(registry.ServiceTables(svc)))
		})
	}
}

// registryVersion changes whenever a resource record is published,
// updated or deleted.
func (s *Server) registryVersion(*http.Request) uint64 {
	var latest schema.Resource
	var count int64
	if err := s.env.DB.Order("updated_at desc").Limit(1).Find(&latest).Error; err != nil {
		slog.Warn("cannot determine registry version", "code", logging.DB_QUERY, "error", err)
		return uint64(time.Now().UnixNano())
	}
	if err := s.env.DB.Model(&schema.Resource{}).Count(&count).Error; err != nil {
		return uint64(time.Now().UnixNano())
	}
	return xxh3.HashString(latest.UpdatedAt.UTC().Format(time.RFC3339Nano)) ^ uint64(count)
}
