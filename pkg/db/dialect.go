package db

import (
	"strconv"
	"strings"

	// Registered database/sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names accepted by PoolConfig.DriverName
const (
	DriverSQLite   = "sqlite3"
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
)

// PlaceholderStyle is how a driver spells bind parameters
type PlaceholderStyle int

const (
	// Question uses '?' for every parameter
	Question PlaceholderStyle = iota
	// Dollar uses numbered '$1', '$2', ... parameters
	Dollar
)

// Dialect captures the per-driver SQL differences the store cares about
type Dialect struct {
	Name         string
	Placeholders PlaceholderStyle
	// AutoIncrement is the column definition for a generated integer primary key
	AutoIncrement string
	// CaseInsensitiveLike is the operator for case-insensitive pattern matching
	CaseInsensitiveLike string
	// Now is the SQL expression for the current timestamp as text
	Now string
}

var dialects = map[string]Dialect{
	DriverSQLite: {
		Name:                DriverSQLite,
		Placeholders:        Question,
		AutoIncrement:       "INTEGER PRIMARY KEY AUTOINCREMENT",
		CaseInsensitiveLike: "LIKE",
		Now:                 "CURRENT_TIMESTAMP",
	},
	DriverPgx: {
		Name:                DriverPgx,
		Placeholders:        Dollar,
		AutoIncrement:       "BIGSERIAL PRIMARY KEY",
		CaseInsensitiveLike: "ILIKE",
		Now:                 "CURRENT_TIMESTAMP",
	},
	DriverPostgres: {
		Name:                DriverPostgres,
		Placeholders:        Dollar,
		AutoIncrement:       "BIGSERIAL PRIMARY KEY",
		CaseInsensitiveLike: "ILIKE",
		Now:                 "CURRENT_TIMESTAMP",
	},
}

// LookupDialect returns the dialect registered for a driver name
func LookupDialect(driverName string) (Dialect, bool) {
	d, ok := dialects[driverName]
	return d, ok
}

// Rebind rewrites '?' placeholders into the dialect's style.
// Question marks inside single-quoted literals are left alone.
func (d Dialect) Rebind(query string) string {
	if d.Placeholders != Dollar || !strings.Contains(query, "?") {
		return query
	}

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
