package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// Dialect captures the SQL differences between the supported drivers.
type Dialect struct {
	Name       string // database/sql driver name
	LockClause string // appended to snapshot reads
	Isolation  sql.IsolationLevel
	types      map[domain.FieldKind]string
	timeType   string
	numbered   bool
}

// Postgres uses $n placeholders and row locks on snapshot reads.
var Postgres = Dialect{
	Name:       "postgres",
	LockClause: " FOR UPDATE",
	Isolation:  sql.LevelRepeatableRead,
	types: map[domain.FieldKind]string{
		domain.KindString:    "TEXT",
		domain.KindDecimal:   "NUMERIC",
		domain.KindTimestamp: "TIMESTAMPTZ",
		domain.KindInteger:   "BIGINT",
	},
	timeType: "TIMESTAMPTZ",
	numbered: true,
}

// SQLite serializes writers at the database level; no lock clause is needed.
// Decimals are stored as TEXT so no precision is lost to REAL affinity.
var SQLite = Dialect{
	Name:      "sqlite3",
	Isolation: sql.LevelDefault,
	types: map[domain.FieldKind]string{
		domain.KindString:    "TEXT",
		domain.KindDecimal:   "TEXT",
		domain.KindTimestamp: "TIMESTAMP",
		domain.KindInteger:   "INTEGER",
	},
	timeType: "TIMESTAMP",
}

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, &domain.ValidationError{Field: "database.driver", Msg: fmt.Sprintf("unsupported driver %q", driver)}
	}
}

// Placeholder returns the bind marker for the nth (1-based) argument.
func (d Dialect) Placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// placeholders returns count markers starting at argument from.
func (d Dialect) placeholders(from, count int) string {
	marks := make([]string, count)
	for i := range marks {
		marks[i] = d.Placeholder(from + i)
	}
	return strings.Join(marks, ", ")
}

func (d Dialect) columnType(kind domain.FieldKind) string {
	if t, ok := d.types[kind]; ok {
		return t
	}
	return "TEXT"
}

func (d Dialect) txOptions() *sql.TxOptions {
	if d.Isolation == sql.LevelDefault {
		return nil
	}
	return &sql.TxOptions{Isolation: d.Isolation}
}
