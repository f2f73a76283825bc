// Package store is the durable SQL store for documents, blocks, columns,
// rows and properties. SQLite is the default driver; Postgres is reached
// through pgx's database/sql driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/models"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL DEFAULT '',
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	type        TEXT NOT NULL,
	position    INTEGER NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	is_deleted  BOOLEAN NOT NULL DEFAULT FALSE,
	updated_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_document ON blocks(document_id, position);

CREATE TABLE IF NOT EXISTS properties (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	options     TEXT NOT NULL DEFAULT '[]',
	scope       TEXT NOT NULL,
	org_id      TEXT NOT NULL DEFAULT '',
	project_id  TEXT,
	document_id TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_org ON properties(org_id, scope);

CREATE TABLE IF NOT EXISTS table_columns (
	id          TEXT PRIMARY KEY,
	block_id    TEXT NOT NULL,
	property_id TEXT NOT NULL,
	position    INTEGER NOT NULL,
	width       INTEGER NOT NULL DEFAULT 150,
	is_hidden   BOOLEAN NOT NULL DEFAULT FALSE,
	is_pinned   BOOLEAN NOT NULL DEFAULT FALSE,
	name        TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL DEFAULT '',
	options     TEXT NOT NULL DEFAULT '[]',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_columns_block ON table_columns(block_id, position);

CREATE TABLE IF NOT EXISTS table_rows (
	id          TEXT PRIMARY KEY,
	block_id    TEXT NOT NULL,
	document_id TEXT NOT NULL,
	position    INTEGER NOT NULL,
	properties  TEXT NOT NULL DEFAULT '{}',
	identifier  TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	priority    TEXT NOT NULL DEFAULT '',
	is_deleted  BOOLEAN NOT NULL DEFAULT FALSE,
	updated_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rows_block ON table_rows(block_id, position);
`

// Store wraps a sql.DB with the table-document operations.
type Store struct {
	conn   *sql.DB
	driver Driver
}

// Open opens (or creates) the database and applies the schema.
func Open(driver Driver, dsn string) (*Store, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		conn, err = sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	case DriverPostgres:
		conn, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: apply schema: %w", err)
		}
	}
	return &Store{conn: conn, driver: driver}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
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

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// sibling describes how a positioned table relates to its parent.
type sibling struct {
	table     string
	parentCol string
	soft      bool
}

var (
	blockSiblings  = sibling{table: "blocks", parentCol: "document_id", soft: true}
	columnSiblings = sibling{table: "table_columns", parentCol: "block_id"}
	rowSiblings    = sibling{table: "table_rows", parentCol: "block_id", soft: true}
)

func (sb sibling) live() string {
	if sb.soft {
		return " AND is_deleted = ?"
	}
	return ""
}

func (sb sibling) args(parentID string, extra ...any) []any {
	args := []any{parentID}
	args = append(args, extra...)
	if sb.soft {
		args = append(args, false)
	}
	return args
}

// placeAt resolves the position for a new entity. A negative or
// out-of-range request appends at max+1; otherwise siblings at or after the
// requested position shift up by one.
func (s *Store) placeAt(ctx context.Context, tx *sql.Tx, sb sibling, parentID string, requested int) (int, error) {
	var next int
	q := `SELECT COALESCE(MAX(position), -1) + 1 FROM ` + sb.table + ` WHERE ` + sb.parentCol + ` = ?` + sb.live()
	if err := s.queryRow(ctx, tx, q, sb.args(parentID)...).Scan(&next); err != nil {
		return 0, fmt.Errorf("store: next position: %w", err)
	}
	if requested < 0 || requested >= next {
		return next, nil
	}
	shift := `UPDATE ` + sb.table + ` SET position = position + 1 WHERE ` + sb.parentCol + ` = ? AND position >= ?` + sb.live()
	if _, err := s.exec(ctx, tx, shift, sb.args(parentID, requested)...); err != nil {
		return 0, fmt.Errorf("store: shift positions: %w", err)
	}
	return requested, nil
}

// compact closes the gap left by an entity removed at position.
func (s *Store) compact(ctx context.Context, tx *sql.Tx, sb sibling, parentID string, position int) error {
	q := `UPDATE ` + sb.table + ` SET position = position - 1 WHERE ` + sb.parentCol + ` = ? AND position > ?` + sb.live()
	if _, err := s.exec(ctx, tx, q, sb.args(parentID, position)...); err != nil {
		return fmt.Errorf("store: compact positions: %w", err)
	}
	return nil
}

// reorder resolves placements against the live siblings of parentID and
// rewrites every position that changed, keeping positions dense.
func (s *Store) reorder(ctx context.Context, tx *sql.Tx, sb sibling, parentID string, placements []models.Placement) error {
	q := `SELECT id, position FROM ` + sb.table + ` WHERE ` + sb.parentCol + ` = ?` + sb.live() + ` ORDER BY position, id`
	rows, err := s.query(ctx, tx, q, sb.args(parentID)...)
	if err != nil {
		return fmt.Errorf("store: reorder %s: %w", sb.table, err)
	}
	var (
		ordered []string
		current = map[string]int{}
	)
	for rows.Next() {
		var (
			id  string
			pos int
		)
		if err := rows.Scan(&id, &pos); err != nil {
			rows.Close()
			return fmt.Errorf("store: reorder %s: %w", sb.table, err)
		}
		ordered = append(ordered, id)
		current[id] = pos
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("store: reorder %s: %w", sb.table, err)
	}

	arranged, err := models.Arrange(ordered, placements)
	if err != nil {
		return fmt.Errorf("store: reorder %s: %w", sb.table, err)
	}
	upd := `UPDATE ` + sb.table + ` SET position = ?, updated_at = ? WHERE id = ? AND ` + sb.parentCol + ` = ?`
	for _, p := range arranged {
		if current[p.ID] == p.Position {
			continue
		}
		if _, err := s.exec(ctx, tx, upd, p.Position, now(), p.ID, parentID); err != nil {
			return fmt.Errorf("store: reorder %s: %w", sb.table, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func now() time.Time { return time.Now().UTC() }

// notFound maps sql.ErrNoRows to apperr.ErrNotFound.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s %s: %w", what, id, apperr.ErrNotFound)
	}
	return fmt.Errorf("store: get %s: %w", what, err)
}
