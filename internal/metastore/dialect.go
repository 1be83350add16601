package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"           // Registers the "postgres" driver.
	_ "github.com/mattn/go-sqlite3" // Registers the "sqlite3" driver.
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// dialect captures the SQL differences between supported drivers. Queries
// are written with '?' placeholders and rebound per dialect.
type dialect struct {
	driver string
	// Column definition of an auto-generated primary key.
	autoID string
	// Whether inserted ids are read with RETURNING rather than LastInsertId.
	returning bool
	// Whether placeholders are numbered ($1, $2, ...).
	numbered bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{
			driver: driver,
			autoID: "INTEGER PRIMARY KEY AUTOINCREMENT",
		}, nil
	case DriverPostgres:
		return dialect{
			driver:    driver,
			autoID:    "BIGSERIAL PRIMARY KEY",
			returning: true,
			numbered:  true,
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported metastore driver %q", driver)
	}
}

// rebind rewrites '?' placeholders into the dialect's form.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)

	var n int
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// insert runs an INSERT and returns the generated value of idColumn.
func (d dialect) insert(ctx context.Context, db execer, query, idColumn string, args ...interface{}) (int64, error) {
	if d.returning {
		var id int64
		err := db.QueryRowContext(ctx, d.rebind(query+" RETURNING "+idColumn), args...).Scan(&id)
		return id, err
	}
	res, err := db.ExecContext(ctx, d.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
