package core

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect isolates engine specific SQL so the stores can be written once
// with '?' placeholders.
type Dialect interface {
	// Name identifies the dialect ("sqlite", "postgres")
	Name() string
	// DriverName is the database/sql driver name
	DriverName() string
	// DSN builds the driver data source name from the configuration
	DSN(cfg Config) string
	// Rebind rewrites '?' placeholders into the engine's bind syntax
	Rebind(query string) string
	// ILike is the case-insensitive LIKE operator
	ILike() string
	// Migrations returns the ordered schema migrations
	Migrations() []Migration
	// IsUniqueViolation reports whether err is a primary key or unique
	// constraint failure
	IsUniqueViolation(err error) bool
}

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return sqliteDialect{}, nil
	case DriverPostgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return DriverSQLite }
func (sqliteDialect) DriverName() string { return "sqlite" }
func (sqliteDialect) ILike() string      { return "LIKE" }

// DSN enables WAL, foreign keys and IMMEDIATE write transactions so that a
// read-then-write transaction holds the write lock from its first statement.
func (sqliteDialect) DSN(cfg Config) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "foreign_keys(1)")
	if !cfg.inMemory() {
		params.Add("_pragma", "journal_mode(WAL)")
		params.Add("_pragma", "synchronous(NORMAL)")
	}
	params.Set("_txlock", "immediate")

	path := cfg.Path
	if cfg.inMemory() {
		path = MemoryPath
	}
	return "file:" + path + "?" + params.Encode()
}

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) Migrations() []Migration {
	return migrations("BLOB")
}

func (sqliteDialect) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

// isDriverError reports whether err came from an engine driver or from
// database/sql losing its connection or transaction.
func isDriverError(err error) bool {
	var (
		se *sqlite.Error
		pe *pq.Error
	)
	switch {
	case errors.As(err, &se), errors.As(err, &pe):
		return true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), errors.Is(err, sql.ErrTxDone):
		return true
	}
	return false
}

type postgresDialect struct{}

func (postgresDialect) Name() string            { return DriverPostgres }
func (postgresDialect) DriverName() string      { return "postgres" }
func (postgresDialect) ILike() string           { return "ILIKE" }
func (postgresDialect) DSN(cfg Config) string   { return cfg.DSN }
func (postgresDialect) Migrations() []Migration { return migrations("BYTEA") }

func (postgresDialect) IsUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "23505"
}

// Rebind turns each '?' outside a quoted literal into $1, $2, ...
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
