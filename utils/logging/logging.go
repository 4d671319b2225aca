package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

type LogCode string

const (
	SYSTEM LogCode = "SYSTEM"

	// resource descriptors
	RD_LOAD    LogCode = "RD_LOAD"
	RD_RELOAD  LogCode = "RD_RELOAD"
	RD_PUBLISH LogCode = "RD_PUBLISH"

	// database access
	DB_QUERY   LogCode = "DB_QUERY"
	DB_TIMEOUT LogCode = "DB_TIMEOUT"
	DB_MIGRATE LogCode = "DB_MIGRATE"

	// async jobs
	UWS_CREATE  LogCode = "UWS_CREATE"
	UWS_PHASE   LogCode = "UWS_PHASE"
	UWS_QUEUE   LogCode = "UWS_QUEUE"
	UWS_CLEANUP LogCode = "UWS_CLEANUP"
	UWS_WORKER  LogCode = "UWS_WORKER"

	// protocol rendering
	RENDER_ERROR     LogCode = "RENDER_ERROR"
	RENDER_SERIALIZE LogCode = "RENDER_SERIALIZE"
	AUTH             LogCode = "AUTH"
)

// victoriaKeys renames the time and message attributes to the fixed
// field names VictoriaLogs indexes.
func victoriaKeys(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		return slog.String("_time", a.Value.Time().UTC().Format(time.RFC3339Nano))
	case slog.MessageKey:
		a.Key = "_msg"
	}
	return a
}

// Init makes the default logger write JSON records for log shipping to
// logFile and readable text to stderr. serviceType and attrs are
// attached to every JSON record.
func Init(logFile io.Writer, serviceType string, attrs ...slog.Attr) {
	fileAttrs := append([]slog.Attr{slog.String("service_type", serviceType)}, attrs...)
	toFile := slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		AddSource:   true,
		ReplaceAttr: victoriaKeys,
	}).WithAttrs(fileAttrs)
	toConsole := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})

	slog.SetDefault(slog.New(slogmulti.Fanout(toFile, toConsole)))
}
