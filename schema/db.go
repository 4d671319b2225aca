package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"vo_platform/config"
	"vo_platform/stc"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormschema "gorm.io/gorm/schema"
)

// Dialect hides the differences between the supported database engines
// from the SQL generators.
type Dialect interface {
	Name() string
	// TableName maps a schema-qualified RD table name to the name in
	// the database.
	TableName(qname string) string
	// Distance is an SQL expression for the great-circle distance in
	// degrees between two positions given in degrees.
	Distance(ra1, dec1, ra2, dec2 string) string
	// PointDistance is the distance in degrees between a point column
	// and a position given in degrees.
	PointDistance(point, ra, dec string) string
	// SetTimeout limits the statements of the transaction tx.
	SetTimeout(tx *gorm.DB, d time.Duration) error
	IsTimeout(err error) bool
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) TableName(qname string) string { return qname }

func (postgresDialect) Distance(ra1, dec1, ra2, dec2 string) string {
	return fmt.Sprintf("DEGREES(spoint(RADIANS(%s), RADIANS(%s)) <-> spoint(RADIANS(%s), RADIANS(%s)))",
		ra1, dec1, ra2, dec2)
}

func (postgresDialect) PointDistance(point, ra, dec string) string {
	return fmt.Sprintf("DEGREES(%s <-> spoint(RADIANS(%s), RADIANS(%s)))", point, ra, dec)
}

func (postgresDialect) SetTimeout(tx *gorm.DB, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", d.Milliseconds())).Error
}

func (postgresDialect) IsTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "57014"
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) TableName(qname string) string {
	return strings.ReplaceAll(qname, ".", "_")
}

func (sqliteDialect) Distance(ra1, dec1, ra2, dec2 string) string {
	return fmt.Sprintf("vo_distance(%s, %s, %s, %s)", ra1, dec1, ra2, dec2)
}

func (sqliteDialect) PointDistance(point, ra, dec string) string {
	return fmt.Sprintf("vo_point_distance(%s, %s, %s)", point, ra, dec)
}

// sqlite has no statement timeout; the context deadline interrupts the
// query instead.
func (sqliteDialect) SetTimeout(*gorm.DB, time.Duration) error { return nil }

func (sqliteDialect) IsTimeout(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrInterrupt
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func DialectFor(iface string) (Dialect, error) {
	switch iface {
	case "postgres":
		return postgresDialect{}, nil
	case "sqlite":
		return sqliteDialect{}, nil
	}
	return nil, fmt.Errorf("%w: unknown database interface '%s'", config.ErrBadConfig, iface)
}

// DB is a connection pool together with the dialect of its engine.
type DB struct {
	*gorm.DB
	Dialect Dialect
}

// SysTable returns the database name of a table in the dc schema.
func (d *DB) SysTable(name string) string {
	return d.Dialect.TableName("dc." + name)
}

// namer keeps the historical name of the table catalog.
type namer struct {
	gormschema.NamingStrategy
}

func (n namer) TableName(str string) string {
	if str == "TableMeta" {
		return n.TablePrefix + "tablemeta"
	}
	return n.NamingStrategy.TableName(str)
}

const sqliteDriver = "sqlite3_vo"

var registerSQLite sync.Once

func degrees(r float64) float64 { return r * 180 / math.Pi }
func radians(d float64) float64 { return d * math.Pi / 180 }

func sphericalDistance(ra1, dec1, ra2, dec2 float64) float64 {
	r1, d1, r2, d2 := radians(ra1), radians(dec1), radians(ra2), radians(dec2)
	sdd := math.Sin((d2 - d1) / 2)
	sdr := math.Sin((r2 - r1) / 2)
	a := sdd*sdd + math.Cos(d1)*math.Cos(d2)*sdr*sdr
	return degrees(2 * math.Asin(math.Min(1, math.Sqrt(a))))
}

// pointDistance works on points stored as STC-S; NULL or unparseable
// points are infinitely far away.
func pointDistance(point any, ra, dec float64) float64 {
	s, ok := point.(string)
	if !ok {
		if b, isBytes := point.([]byte); isBytes {
			s = string(b)
		}
	}
	g, err := stc.ParseSTCS(s)
	if err != nil {
		return math.Inf(1)
	}
	p, ok := g.(stc.Point)
	if !ok {
		return math.Inf(1)
	}
	return sphericalDistance(p.RA, p.Dec, ra, dec)
}

// sqliteFunctions gives sqlite the math the query generators rely on.
var sqliteFunctions = map[string]any{
	"vo_distance":       sphericalDistance,
	"vo_point_distance": pointDistance,
	"radians":           radians,
	"degrees":           degrees,
	"sin":               math.Sin,
	"cos":               math.Cos,
	"tan":               math.Tan,
	"asin":              math.Asin,
	"acos":              math.Acos,
	"atan":              math.Atan,
	"atan2":             math.Atan2,
	"sqrt":              math.Sqrt,
	"exp":               math.Exp,
	"log":               math.Log,
	"log10":             math.Log10,
	"power":             math.Pow,
	"floor":             math.Floor,
	"ceiling":           math.Ceil,
	"mod":               math.Mod,
	"trunc":             math.Trunc,
	"cot":               func(x float64) float64 { return 1 / math.Tan(x) },
	"pi":                func() float64 { return math.Pi },
}

func openSQLite(dsn string) gorm.Dialector {
	registerSQLite.Do(func() {
		sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				for name, fn := range sqliteFunctions {
					if err := conn.RegisterFunc(name, fn, true); err != nil {
						return fmt.Errorf("error registering sqlite function %s: %w", name, err)
					}
				}
				return nil
			},
		})
	})
	if !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		// concurrent job workers write to the same file
		dsn += sep + "_busy_timeout=5000&_txlock=immediate"
	}
	return sqlite.New(sqlite.Config{DriverName: sqliteDriver, DSN: dsn})
}

// Open connects to the database. System tables live in the dc schema,
// which becomes a table name prefix on sqlite.
func Open(iface, dsn string) (*DB, error) {
	dialect, err := DialectFor(iface)
	if err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	prefix := "dc."
	if iface == "sqlite" {
		dialector = openSQLite(dsn)
		prefix = "dc_"
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NamingStrategy: namer{gormschema.NamingStrategy{TablePrefix: prefix}},
	})
	if err != nil {
		return nil, fmt.Errorf("error opening database connection: %w", err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// OpenProfile connects with the credentials of a named db profile.
func OpenProfile(cfg *config.Config, profile string) (*DB, error) {
	p, err := cfg.LoadProfile(profile)
	if err != nil {
		return nil, err
	}
	return Open(cfg.Db.Interface, p.DSN(cfg.Db.Interface))
}
