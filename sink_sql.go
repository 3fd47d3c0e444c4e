package mermaidetl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ Sink = (*SQLSink)(nil)

// Dialect captures what differs between the SQL destinations.
type Dialect interface {
	Name() string
	DriverName() string
	// Table returns the quoted, qualified table name.
	Table(t *Table) string
	// Index returns the quoted name of the index of t called suffix.
	Index(t *Table, suffix string) string
	// CreateSchema returns the statement creating schema, or "" when the
	// database has no schemas.
	CreateSchema(schema string) string
	ColumnType(FieldType) string
	Placeholder(n int) string
	// MaxParams is the bind parameter limit of one statement.
	MaxParams() int
}

// Postgres is the default destination dialect.
var Postgres Dialect = postgresDialect{}

// SQLite stores everything in one file; schema.table becomes schema__table.
var SQLite Dialect = sqliteDialect{}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return nil, xerrors.Errorf("unsupported sql driver %q", name)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return "postgres" }
func (postgresDialect) DriverName() string { return "pgx" }
func (postgresDialect) MaxParams() int     { return 65535 }

func (postgresDialect) Table(t *Table) string {
	if t.Schema == "" {
		return quoteIdent(t.Name)
	}
	return quoteIdent(t.Schema) + "." + quoteIdent(t.Name)
}

// Index names are unqualified; Postgres creates them in the schema of the table.
func (postgresDialect) Index(t *Table, suffix string) string {
	return quoteIdent(t.Name + "_" + suffix)
}

func (postgresDialect) CreateSchema(schema string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + quoteIdent(schema)
}

func (postgresDialect) ColumnType(t FieldType) string {
	switch t {
	case TypeUUID:
		return "UUID"
	case TypeInteger:
		return "BIGINT"
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeTimestamp:
		return "TIMESTAMPTZ"
	}
	return "TEXT"
}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

type sqliteDialect struct{}

func (sqliteDialect) Name() string                { return "sqlite" }
func (sqliteDialect) DriverName() string          { return "sqlite" }
func (sqliteDialect) MaxParams() int              { return 32766 }
func (sqliteDialect) CreateSchema(_ string) string { return "" }
func (sqliteDialect) Placeholder(_ int) string     { return "?" }

func (sqliteDialect) Table(t *Table) string {
	if t.Schema == "" {
		return quoteIdent(t.Name)
	}
	return quoteIdent(t.Schema + "__" + t.Name)
}

func (sqliteDialect) Index(t *Table, suffix string) string {
	if t.Schema == "" {
		return quoteIdent(t.Name + "_" + suffix)
	}
	return quoteIdent(t.Schema + "__" + t.Name + "_" + suffix)
}

func (sqliteDialect) ColumnType(t FieldType) string {
	switch t {
	case TypeInteger, TypeBoolean:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	case TypeTimestamp:
		return "TIMESTAMP"
	}
	return "TEXT"
}

// SQLSink writes to Postgres or SQLite through database/sql.
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps an open database.
func NewSQLSink(db *sql.DB, dialect Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

// OpenSQLSink opens the destination database. maxConns bounds the pool
// shared by all concurrent units.
func OpenSQLSink(ctx context.Context, driver, dsn string, maxConns int) (*SQLSink, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", d.Name(), err)
	}
	if d == SQLite {
		// one writer at a time avoids SQLITE_BUSY between concurrent units
		maxConns = 1
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("failed to ping %s: %w", d.Name(), err)
	}

	return NewSQLSink(db, d), nil
}

// DB exposes the underlying pool.
func (s *SQLSink) DB() *sql.DB { return s.db }

// Close closes the pool.
func (s *SQLSink) Close() error { return s.db.Close() }

// CreateTableSQL returns the statement creating t.
func CreateTableSQL(d Dialect, t *Table) string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def := quoteIdent(c.Name) + " " + d.ColumnType(c.Type)
		for _, k := range t.Key {
			if k == c.Name {
				def += " NOT NULL"
			}
		}
		defs = append(defs, def)
	}
	defs = append(defs, "PRIMARY KEY ("+quoteList(t.Key)+")")

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.Table(t), strings.Join(defs, ",\n\t"))
}

// KeyIndexSQL returns the statement adding a unique index on the natural key
// of t, for tables created without a primary key.
func KeyIndexSQL(d Dialect, t *Table) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		d.Index(t, "natural_key"), d.Table(t), quoteList(t.Key))
}

func (s *SQLSink) EnsureTable(ctx context.Context, t *Table) error {
	l := log.Ctx(ctx)

	if t.Schema != "" {
		if stmt := s.dialect.CreateSchema(t.Schema); stmt != "" {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return xerrors.Errorf("failed to create schema %s: %w", t.Schema, err)
			}
		}
	}

	if _, err := s.db.ExecContext(ctx, CreateTableSQL(s.dialect, t)); err != nil {
		return xerrors.Errorf("failed to create table %s: %w", t.QualifiedName(), err)
	}

	existing, err := s.columns(ctx, t)
	if err != nil {
		return err
	}
	for _, c := range t.Columns {
		if existing[c.Name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.dialect.Table(t), quoteIdent(c.Name), s.dialect.ColumnType(c.Type))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Errorf("failed to add column %s to %s: %w", c.Name, t.QualifiedName(), err)
		}
		l.Info().Str("table", t.QualifiedName()).Str("column", c.Name).Msg("added column")
	}

	return s.ensureKey(ctx, t)
}

// ensureKey makes ON CONFLICT usable on tables that exist without a unique
// constraint on the natural key. Both databases resolve the conflict target
// when the statement is planned, so an INSERT of no rows is enough to check.
func (s *SQLSink) ensureKey(ctx context.Context, t *Table) error {
	keys := quoteList(t.Key)
	check := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE 1 = 0 ON CONFLICT (%s) DO NOTHING",
		s.dialect.Table(t), keys, keys, s.dialect.Table(t), keys)
	if _, err := s.db.ExecContext(ctx, check); err == nil {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, KeyIndexSQL(s.dialect, t)); err != nil {
		return xerrors.Errorf("table %s has no unique key on (%s) and one could not be added, "+
			"it may hold duplicate keys: %w", t.QualifiedName(), strings.Join(t.Key, ", "), err)
	}
	log.Ctx(ctx).Info().Str("table", t.QualifiedName()).Strs("key", t.Key).Msg("added natural key index")

	return nil
}

func (s *SQLSink) columns(ctx context.Context, t *Table) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+s.dialect.Table(t)+" WHERE 1 = 0")
	if err != nil {
		return nil, xerrors.Errorf("failed to inspect %s: %w", t.QualifiedName(), err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, xerrors.Errorf("failed to read columns of %s: %w", t.QualifiedName(), err)
	}
	cols := make(map[string]bool, len(names))
	for _, n := range names {
		cols[n] = true
	}
	return cols, rows.Err()
}

func (s *SQLSink) Upsert(ctx context.Context, t *Table, rows []Row) (err error) {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	per := max(s.dialect.MaxParams()/len(t.Columns), 1)
	for start := 0; start < len(rows); start += per {
		chunk := rows[start:min(start+per, len(rows))]
		stmt, args := UpsertSQL(s.dialect, t, chunk)
		if _, err = tx.ExecContext(ctx, stmt, args...); err != nil {
			return xerrors.Errorf("failed to upsert into %s: %w", t.QualifiedName(), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return xerrors.Errorf("failed to commit: %w", err)
	}
	return nil
}

// UpsertSQL builds one multi-row INSERT ... ON CONFLICT statement and its
// arguments.
func UpsertSQL(d Dialect, t *Table, rows []Row) (string, []any) {
	cols := t.ColumnNames()
	args := make([]any, 0, len(rows)*len(cols))
	values := make([]string, 0, len(rows))

	n := 0
	for _, r := range rows {
		ph := make([]string, len(cols))
		for i := range cols {
			n++
			ph[i] = d.Placeholder(n)
			args = append(args, r[i])
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
	}

	var set []string
	for _, c := range cols {
		isKey := false
		for _, k := range t.Key {
			if k == c {
				isKey = true
				break
			}
		}
		if !isKey {
			set = append(set, quoteIdent(c)+" = excluded."+quoteIdent(c))
		}
	}

	action := "DO NOTHING"
	if len(set) > 0 {
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s) %s",
		d.Table(t), quoteList(cols), strings.Join(values, ", "), quoteList(t.Key), action)

	return stmt, args
}

func quoteList(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = quoteIdent(n)
	}
	return strings.Join(q, ", ")
}
