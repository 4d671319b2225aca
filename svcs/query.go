package svcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vo_platform/base"
	"vo_platform/metrics"
	"vo_platform/rsc"
	"vo_platform/schema"
	"vo_platform/utils/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("vo_platform/svcs")

// RunQuery executes a read-only query in its own transaction and reads at
// most limit rows of the result into a table of def. A negative limit
// reads everything. The transaction is always rolled back.
func RunQuery(ctx context.Context, db *schema.DB, timeout time.Duration, def *rsc.TableDef, limit int, query string, args ...any) (*rsc.Table, error) {
	ctx, span := tracer.Start(ctx, "svcs.RunQuery")
	defer span.End()
	span.SetAttributes(attribute.String("db.statement", query), attribute.Int("limit", limit))

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	table, err := runQuery(ctx, db, timeout, def, limit, query, args)
	metrics.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, queryError(db, err, query)
	}

	slog.Debug("query finished", "code", logging.DB_QUERY, "rows", table.Len(),
		"overflowed", table.Overflowed, "duration", time.Since(start))
	return table, nil
}

func runQuery(ctx context.Context, db *schema.DB, timeout time.Duration, def *rsc.TableDef, limit int, query string, args []any) (*rsc.Table, error) {
	tx := db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	defer tx.Rollback()

	if err := db.Dialect.SetTimeout(tx, timeout); err != nil {
		return nil, err
	}
	rows, err := tx.Raw(query, args...).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return rsc.ScanRows(rows, def, limit)
}

func queryError(db *schema.DB, err error, query string) error {
	if db.Dialect.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		metrics.QueryTimeouts.Inc()
		slog.Warn("query timed out", "code", logging.DB_TIMEOUT, "query", query)
		return &base.TimeoutError{Msg: "Query timed out (took too long). Try a smaller query or a longer timeout.", Err: base.ErrQueryTimeout}
	}
	slog.Error("sql error in query", "code", logging.DB_QUERY, "query", query, "error", err)
	return fmt.Errorf("%w: %v", base.ErrDbAccessFailed, err)
}
