// Package sqlhistory implements history.Store on a relational database,
// through database/sql and the pure-Go SQLite driver.
package sqlhistory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-nodeidentifier/history"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Store is a history.Store backed by an SQL database.
type Store struct {
	db *sql.DB
}

// New returns a Store using db, which must already hold the schema (see
// Bootstrap).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the SQLite database file at path, creating it if needed, and
// bootstraps its schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return New(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS asset_history (
		asset_descriptor   TEXT    NOT NULL,
		canonical_asset_id TEXT    NOT NULL,
		valid_from         INTEGER NOT NULL,
		valid_to           INTEGER,
		PRIMARY KEY (asset_descriptor, valid_from)
	)`,
	`CREATE TABLE IF NOT EXISTS session_history (
		asset_id           TEXT    NOT NULL,
		node_type          TEXT    NOT NULL,
		session_descriptor TEXT    NOT NULL,
		canonical_id       TEXT    NOT NULL,
		valid_from         INTEGER NOT NULL,
		valid_to           INTEGER,
		last_seen          INTEGER NOT NULL,
		PRIMARY KEY (asset_id, node_type, session_descriptor, valid_from)
	)`,
	`CREATE INDEX IF NOT EXISTS session_history_canonical ON session_history (canonical_id)`,
}

// Bootstrap creates the tables and indexes of the history store. It is
// idempotent.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// Connect reserves a single connection of the underlying pool.
func (s *Store) Connect(ctx context.Context) (history.Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sql conn: %w", err)
	}
	return &conn{c: c}, nil
}

// A relation describes one of the interval tables.
type relation struct {
	table     string
	scope     []string // columns identifying the scope, in argument order
	canonical string
	lastSeen  bool
}

var (
	assets   = relation{table: "asset_history", scope: []string{"asset_descriptor"}, canonical: "canonical_asset_id"}
	sessions = relation{table: "session_history", scope: []string{"asset_id", "node_type", "session_descriptor"}, canonical: "canonical_id", lastSeen: true}
)

func (r relation) where() string {
	conds := make([]string, len(r.scope))
	for i, col := range r.scope {
		conds[i] = col + " = ?"
	}
	return strings.Join(conds, " AND ")
}

// columns lists the columns read into an Interval, in scan order.
func (r relation) columns() string {
	lastSeen := "0"
	if r.lastSeen {
		lastSeen = "last_seen"
	}
	return r.canonical + ", valid_from, valid_to, " + lastSeen
}

func sessionArgs(s history.SessionScope) []any {
	return []any{s.AssetID, s.Kind, s.Descriptor}
}

type conn struct {
	c *sql.Conn
}

func (c *conn) LookupAsset(ctx context.Context, descriptor string, at uint64) (history.Interval, error) {
	return lookup(ctx, c.c, assets, []any{descriptor}, at)
}

func (c *conn) OpenAsset(ctx context.Context, descriptor, canonical string, at uint64) (history.Interval, error) {
	return c.open(ctx, assets, []any{descriptor}, canonical, at)
}

func (c *conn) LookupSession(ctx context.Context, scope history.SessionScope, at uint64) (history.Interval, error) {
	return lookup(ctx, c.c, sessions, sessionArgs(scope), at)
}

func (c *conn) OpenSession(ctx context.Context, scope history.SessionScope, canonical string, at uint64) (history.Interval, error) {
	return c.open(ctx, sessions, sessionArgs(scope), canonical, at)
}

func (c *conn) TouchSession(ctx context.Context, scope history.SessionScope, canonical string, at uint64) error {
	ts, err := history.CheckTimestamp(at)
	if err != nil {
		return err
	}
	q := `UPDATE session_history SET last_seen = MAX(last_seen, ?)
		WHERE ` + sessions.where() + ` AND canonical_id = ? AND valid_from <= ? AND (valid_to IS NULL OR ? < valid_to)`
	args := append([]any{ts}, sessionArgs(scope)...)
	res, err := c.c.ExecContext(ctx, q, append(args, canonical, ts, ts)...)
	if err != nil {
		return fmt.Errorf("touch %v: %w", scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch %v: rows affected: %w", scope, err)
	}
	if n == 0 {
		return history.ErrNotFound
	}
	return nil
}

func (c *conn) Close(context.Context) error {
	return c.c.Close()
}

// A querier is either a connection or a transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// A scanner is either *sql.Row or *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInterval(row scanner) (history.Interval, error) {
	var (
		i        history.Interval
		from     int64
		to       sql.NullInt64
		lastSeen int64
	)
	if err := row.Scan(&i.Canonical, &from, &to, &lastSeen); err != nil {
		return history.Interval{}, err
	}
	i.ValidFrom = uint64(from)
	if to.Valid {
		i.ValidTo = uint64(to.Int64)
	}
	i.LastSeen = uint64(lastSeen)
	return i, nil
}

func lookup(ctx context.Context, q querier, r relation, scope []any, at uint64) (history.Interval, error) {
	ts, err := history.CheckTimestamp(at)
	if err != nil {
		return history.Interval{}, err
	}
	query := `SELECT ` + r.columns() + ` FROM ` + r.table + `
		WHERE ` + r.where() + ` AND valid_from <= ? AND (valid_to IS NULL OR ? < valid_to)
		LIMIT 2`
	rows, err := q.QueryContext(ctx, query, append(scope, ts, ts)...)
	if err != nil {
		return history.Interval{}, fmt.Errorf("query %s: %w", r.table, err)
	}
	defer rows.Close()

	var found []history.Interval
	for rows.Next() {
		i, err := scanInterval(rows)
		if err != nil {
			return history.Interval{}, fmt.Errorf("scan %s: %w", r.table, err)
		}
		found = append(found, i)
	}
	if err := rows.Err(); err != nil {
		return history.Interval{}, fmt.Errorf("query %s: %w", r.table, err)
	}
	switch len(found) {
	case 0:
		return history.Interval{}, history.ErrNotFound
	case 1:
		return found[0], nil
	default:
		return history.Interval{}, fmt.Errorf("%w: %s at %d", history.ErrAmbiguous, r.table, at)
	}
}

// open inserts the interval [at, next) where next is the start of the
// following interval of the scope, if any, and cuts the interval covering at
// short. The insert is skipped when an interval already starts at at; either
// way that interval is returned.
func (c *conn) open(ctx context.Context, r relation, scope []any, canonical string, at uint64) (i history.Interval, err error) {
	ts, err := history.CheckTimestamp(at)
	if err != nil {
		return history.Interval{}, err
	}
	tx, err := c.c.BeginTx(ctx, nil)
	if err != nil {
		return history.Interval{}, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			component.Logger(ctx).Error("Failed to roll back", "error", rbErr, "table", r.table)
		}
	}()

	i, err = startingAt(ctx, tx, r, scope, ts)
	if err == nil {
		return i, tx.Commit()
	} else if !errors.Is(err, history.ErrNotFound) {
		return history.Interval{}, err
	}

	var next sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MIN(valid_from) FROM `+r.table+` WHERE `+r.where()+` AND valid_from > ?`,
		append(scope, ts)...)
	if err := row.Scan(&next); err != nil {
		return history.Interval{}, fmt.Errorf("next interval: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE `+r.table+` SET valid_to = ?
		WHERE `+r.where()+` AND valid_from < ? AND (valid_to IS NULL OR valid_to > ?)`,
		append(append([]any{ts}, scope...), ts, ts)...)
	if err != nil {
		return history.Interval{}, fmt.Errorf("close superseded interval: %w", err)
	}

	cols := append(append([]string(nil), r.scope...), r.canonical, "valid_from", "valid_to")
	args := append(append([]any(nil), scope...), canonical, ts, next)
	if r.lastSeen {
		cols = append(cols, "last_seen")
		args = append(args, ts)
	}
	insert := `INSERT INTO ` + r.table + ` (` + strings.Join(cols, ", ") + `)
		VALUES (?` + strings.Repeat(", ?", len(cols)-1) + `)
		ON CONFLICT DO NOTHING`
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return history.Interval{}, fmt.Errorf("insert interval: %w", err)
	}

	// Concurrent writers may have inserted first.
	i, err = startingAt(ctx, tx, r, scope, ts)
	if err != nil {
		return history.Interval{}, fmt.Errorf("read back interval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return history.Interval{}, fmt.Errorf("commit: %w", err)
	}
	return i, nil
}

func startingAt(ctx context.Context, tx *sql.Tx, r relation, scope []any, ts int64) (history.Interval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+r.columns()+` FROM `+r.table+` WHERE `+r.where()+` AND valid_from = ?`,
		append(scope, ts)...)
	i, err := scanInterval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Interval{}, history.ErrNotFound
	} else if err != nil {
		return history.Interval{}, fmt.Errorf("query %s: %w", r.table, err)
	}
	return i, nil
}
