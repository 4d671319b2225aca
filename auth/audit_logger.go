package auth

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
)

// remoteAddr prefers the client address reported by a reverse proxy.
func remoteAddr(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// requestParams lists the names of the query and form parameters of r.
// Values are left out; they may contain uploads or credentials.
func requestParams(r *http.Request) []string {
	seen := map[string]bool{}
	for k := range r.URL.Query() {
		seen[strings.ToUpper(k)] = true
	}
	for k := range r.PostForm {
		seen[strings.ToUpper(k)] = true
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AuditLogger records accesses to protected resources as JSON lines.
type AuditLogger struct {
	logger *slog.Logger
}

func NewAuditLogger(stream io.Writer) AuditLogger {
	return AuditLogger{logger: slog.New(slog.NewJSONHandler(stream, nil))}
}

// Record notes that username accessed resource, a service id or a
// product accref.
func (log AuditLogger) Record(r *http.Request, username, resource string) {
	if log.logger == nil {
		return
	}
	log.logger.Info("access",
		"username", username,
		"resource", resource,
		"client_ip", remoteAddr(r),
		"method", r.Method,
		"path", r.URL.Path,
		"params", requestParams(r),
	)
}
