package store

import (
	"fmt"
	"strings"
	"time"
)

// ColumnType is a storage-neutral column type.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeEntryID
	TypeFloat
	TypeInteger
	TypeDate
	TypeTimestamp
	TypeReference
)

// DatePart names a value derived from a date column.
type DatePart string

const (
	PartYear      DatePart = "year"
	PartYearMonth DatePart = "yearmonth"
	PartMonth     DatePart = "month"
	PartDay       DatePart = "day"
)

// EntryIDLength is the width of entry primary keys.
const EntryIDLength = 42

// Dialect captures the SQL differences between supported stores.
type Dialect interface {
	Name() string
	GooseDialect() string
	Placeholder(n int) string
	Quote(ident string) string
	ColumnType(t ColumnType) string
	SerialPrimaryKey() string
	DatePart(expr string, part DatePart) string
	BindDate(t time.Time) any
	BindTime(t time.Time) any
	TableExistsQuery() string
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

type postgresDialect struct{}

// Postgres is the PostgreSQL dialect.
var Postgres Dialect = postgresDialect{}

func (postgresDialect) Name() string         { return "postgres" }
func (postgresDialect) GooseDialect() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (postgresDialect) Quote(ident string) string {
	return quoteIdent(ident)
}

func (postgresDialect) ColumnType(t ColumnType) string {
	switch t {
	case TypeEntryID:
		return fmt.Sprintf("VARCHAR(%d)", EntryIDLength)
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeInteger, TypeReference:
		return "BIGINT"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (postgresDialect) SerialPrimaryKey() string {
	return "BIGSERIAL PRIMARY KEY"
}

func (postgresDialect) DatePart(expr string, part DatePart) string {
	switch part {
	case PartYearMonth:
		return fmt.Sprintf("to_char(%s, 'YYYY-MM')", expr)
	case PartMonth:
		return fmt.Sprintf("to_char(%s, 'MM')", expr)
	case PartDay:
		return fmt.Sprintf("to_char(%s, 'DD')", expr)
	default:
		return fmt.Sprintf("to_char(%s, 'YYYY')", expr)
	}
}

func (postgresDialect) BindDate(t time.Time) any { return t }
func (postgresDialect) BindTime(t time.Time) any { return t.UTC() }

func (postgresDialect) TableExistsQuery() string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1"
}

type sqliteDialect struct{}

// SQLite is the SQLite dialect. Dates and timestamps are stored as ISO-8601 text.
var SQLite Dialect = sqliteDialect{}

func (sqliteDialect) Name() string         { return "sqlite" }
func (sqliteDialect) GooseDialect() string { return "sqlite3" }

func (sqliteDialect) Placeholder(int) string {
	return "?"
}

func (sqliteDialect) Quote(ident string) string {
	return quoteIdent(ident)
}

func (sqliteDialect) ColumnType(t ColumnType) string {
	switch t {
	case TypeEntryID:
		return fmt.Sprintf("VARCHAR(%d)", EntryIDLength)
	case TypeFloat:
		return "REAL"
	case TypeInteger, TypeReference:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func (sqliteDialect) SerialPrimaryKey() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (sqliteDialect) DatePart(expr string, part DatePart) string {
	switch part {
	case PartYearMonth:
		return fmt.Sprintf("strftime('%%Y-%%m', %s)", expr)
	case PartMonth:
		return fmt.Sprintf("strftime('%%m', %s)", expr)
	case PartDay:
		return fmt.Sprintf("strftime('%%d', %s)", expr)
	default:
		return fmt.Sprintf("strftime('%%Y', %s)", expr)
	}
}

func (sqliteDialect) BindDate(t time.Time) any { return t.Format(time.DateOnly) }
func (sqliteDialect) BindTime(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) }

func (sqliteDialect) TableExistsQuery() string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

// DialectByName resolves a dialect from its name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}
