// Package database opens the SQL stores that back the shared cache and rate
// limiter when Redis is not used.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver
)

const (
	// DriverPostgres selects PostgreSQL through pgx
	DriverPostgres = "postgres"
	// DriverSQLite selects an embedded SQLite database file
	DriverSQLite = "sqlite"
)

// Dialect captures the few differences between the supported databases
type Dialect struct {
	Name       string
	driverName string
	blobType   string
	numbered   bool
}

var (
	// Postgres is the PostgreSQL dialect ($1 placeholders, BYTEA blobs)
	Postgres = Dialect{Name: DriverPostgres, driverName: "pgx", blobType: "BYTEA", numbered: true}
	// SQLite is the SQLite dialect (? placeholders, BLOB blobs)
	SQLite = Dialect{Name: DriverSQLite, driverName: "sqlite", blobType: "BLOB"}
)

// DialectFor returns the dialect registered under driver
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql", "pgx":
		return Postgres, nil
	case DriverSQLite, "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// BlobType returns the column type used for raw payload bytes
func (d Dialect) BlobType() string {
	return d.blobType
}

// Rebind rewrites ? placeholders into the dialect's placeholder style.
// Queries in this repository never contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open opens and pings a database for the given driver and DSN
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, Dialect{}, err
	}

	db, err := sql.Open(dialect.driverName, dsn)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("open %s database: %w", dialect.Name, err)
	}

	switch dialect.Name {
	case DriverSQLite:
		// SQLite allows a single writer; serialise access instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	default:
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Dialect{}, fmt.Errorf("ping %s database: %w", dialect.Name, err)
	}

	return db, dialect, nil
}
