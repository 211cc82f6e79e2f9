// Package sqlstore implements memory.Store on a relational table, with
// PostgreSQL (pgx) and SQLite (modernc) dialects sharing the same DML.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goclaw/memlayer/pkg/memory"
)

// Backend is the backend name reported by Store.
const Backend = "sql"

// Config holds configuration for a relational store.
type Config struct {
	Dialect Dialect
	DSN     string

	// Schema defaults to "public" for postgres and "main" for sqlite.
	Schema string
	Table  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns a Config for the dialect with sensible defaults.
func DefaultConfig(d Dialect) Config {
	cfg := Config{Dialect: d, Table: "memory_entries", MaxIdleConns: 2}
	if d == Postgres {
		cfg.Schema = "public"
		cfg.MaxOpenConns = 10
		cfg.ConnMaxLifetime = 30 * time.Minute
	} else {
		cfg.Schema = "main"
	}
	return cfg
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Dialect)
	if c.Schema == "" {
		c.Schema = d.Schema
	}
	if c.Table == "" {
		c.Table = d.Table
	}
	return c
}

// Store is a memory.Store backed by database/sql.
type Store struct {
	cfg     Config
	table   tableRef
	mu      sync.RWMutex // guards db and ownsDB
	db      *sql.DB
	ownsDB  bool
	lc      *memory.Lifecycle
	logger  memory.Logger
	now     func() time.Time
	initErr error
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l memory.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDB makes the store use db instead of opening its own pool. The caller
// keeps ownership: Cleanup does not close it.
func WithDB(db *sql.DB) Option {
	return func(s *Store) { s.db = db }
}

// New creates a store. The connection pool is opened by Initialize.
func New(cfg Config, opts ...Option) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:    cfg,
		logger: memory.NopLogger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lc = memory.NewLifecycle(Backend, s.logger)

	switch {
	case !cfg.Dialect.Valid():
		s.initErr = fmt.Errorf("unsupported dialect %q", cfg.Dialect)
	default:
		s.table, s.initErr = newTableRef(cfg.Schema, cfg.Table)
	}
	return s
}

// Name returns the backend name.
func (s *Store) Name() string { return Backend }

// Initialize opens the pool if needed, checks connectivity and creates the table.
func (s *Store) Initialize(ctx context.Context) error {
	return s.lc.Start(ctx, func(ctx context.Context) error {
		if s.initErr != nil {
			return s.initErr
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.db == nil {
			db, err := sql.Open(s.cfg.Dialect.Driver(), s.dsn())
			if err != nil {
				return fmt.Errorf("open: %w", err)
			}
			if s.cfg.MaxOpenConns > 0 {
				db.SetMaxOpenConns(s.cfg.MaxOpenConns)
			}
			if s.cfg.MaxIdleConns > 0 {
				db.SetMaxIdleConns(s.cfg.MaxIdleConns)
			}
			if s.cfg.ConnMaxLifetime > 0 {
				db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
			}
			s.db = db
			s.ownsDB = true
		}

		if err := s.db.PingContext(ctx); err != nil {
			s.closeOwned()
			return fmt.Errorf("ping: %w", err)
		}
		if err := s.migrate(ctx); err != nil {
			s.closeOwned()
			return err
		}
		return nil
	})
}

// dsn returns the configured DSN. SQLite DSNs get _time_format=sqlite so
// timestamps are written in a sortable text form.
func (s *Store) dsn() string {
	if s.cfg.Dialect != SQLite || strings.Contains(s.cfg.DSN, "_time_format=") {
		return s.cfg.DSN
	}
	sep := "?"
	if strings.Contains(s.cfg.DSN, "?") {
		sep = "&"
	}
	return s.cfg.DSN + sep + "_time_format=sqlite"
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.cfg.Dialect.migrations(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}

// Cleanup closes the pool when the store opened it.
func (s *Store) Cleanup(ctx context.Context) error {
	return s.lc.Stop(ctx, func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.ownsDB {
			return nil
		}
		err := s.db.Close()
		s.db = nil
		s.ownsDB = false
		return err
	})
}

// pool returns the connection pool. Once Cleanup has closed it, pool returns
// a *memory.NotInitializedError; a call already holding the pool fails with
// the driver's closed-database error.
func (s *Store) pool(op string) (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, &memory.NotInitializedError{Backend: Backend, Op: op}
	}
	return s.db, nil
}

func (s *Store) closeOwned() {
	if s.ownsDB && s.db != nil {
		_ = s.db.Close()
		s.db = nil
		s.ownsDB = false
	}
}

// Store upserts entry. An existing row keeps its created_at.
func (s *Store) Store(ctx context.Context, entry memory.Entry) (memory.Entry, error) {
	if err := s.lc.Check("store"); err != nil {
		return memory.Entry{}, err
	}
	if err := memory.ValidateKey(entry.Key); err != nil {
		return memory.Entry{}, err
	}

	stored := memory.Stamp(entry, nil, s.now())
	row, err := encodeRow(stored)
	if err != nil {
		return memory.Entry{}, memory.NewStorageError(Backend, "encode", err)
	}

	db, err := s.pool("store")
	if err != nil {
		return memory.Entry{}, err
	}
	var created scanTime
	err = db.QueryRowContext(ctx, upsertSQL(s.table), row...).Scan(&created)
	if err != nil {
		return memory.Entry{}, memory.NewStorageError(Backend, "upsert", err)
	}
	if created.Valid {
		stored.CreatedAt = created.Time
	}
	return stored, nil
}

// Retrieve streams matching rows. Key, type and scope constraints are pushed
// into the WHERE clause; the remaining rules are applied per row. The cursor
// is owned by the stream and closed on every exit path.
func (s *Store) Retrieve(ctx context.Context, query memory.Query) (*memory.Stream, error) {
	if err := s.lc.Check("retrieve"); err != nil {
		return nil, err
	}
	q, err := query.Normalize()
	if err != nil {
		return nil, err
	}
	b, err := s.buildSelect(q)
	if err != nil {
		return nil, err
	}
	db, err := s.pool("retrieve")
	if err != nil {
		return nil, err
	}

	return memory.NewStream(ctx, func(ctx context.Context, emit func(memory.SearchResult) bool) error {
		rows, err := db.QueryContext(ctx, b.String(), b.args...)
		if err != nil {
			return memory.NewStorageError(Backend, "query", err)
		}
		defer rows.Close()

		w := memory.NewWindow(q)
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return memory.NewStorageError(Backend, "scan", err)
			}
			res, ok := memory.Match(e, q, s.now())
			if !ok {
				continue
			}
			if !w.Push(emit, res) {
				return nil
			}
		}
		if err := rows.Err(); err != nil {
			return memory.NewStorageError(Backend, "rows", err)
		}
		return nil
	}), nil
}

func (s *Store) buildSelect(q memory.Query) (*selectBuilder, error) {
	b := &selectBuilder{table: s.table}
	if keys := q.DirectKeys(); keys != nil {
		b.whereIn(`"key"`, keys)
	}
	for _, field := range []string{"key", "type", "scope"} {
		if v, ok := q.Filters[field]; ok {
			if str, ok := filterString(v); ok {
				b.whereEq(quoteIdent(field), str)
			}
		}
	}

	order := `"created_at" ASC, "key" ASC`
	if q.OrderBy != "" {
		col, ok := orderColumns[strings.ToLower(q.OrderBy)]
		if !ok {
			return nil, &memory.QueryError{Field: "order_by", Reason: fmt.Sprintf("unsupported column %q", q.OrderBy)}
		}
		dir := memory.OrderAsc
		if q.Order != "" {
			dir = q.Order
		}
		order = fmt.Sprintf(`%s %s, "key" ASC`, col, dir)
	}
	b.order = order
	return b, nil
}

func filterString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case memory.Type:
		return string(val), true
	case memory.Scope:
		return string(val), true
	default:
		return "", false
	}
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("delete"); err != nil {
		return false, err
	}
	db, err := s.pool("delete")
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "key" = $1`, s.table), key)
	if err != nil {
		return false, memory.NewStorageError(Backend, "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, memory.NewStorageError(Backend, "delete", err)
	}
	return n > 0, nil
}

// Exists reports whether key is present and not expired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.lc.Check("exists"); err != nil {
		return false, err
	}
	db, err := s.pool("exists")
	if err != nil {
		return false, err
	}
	var expires scanTime
	err = db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT "expires_at" FROM %s WHERE "key" = $1`, s.table), key,
	).Scan(&expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, memory.NewStorageError(Backend, "exists", err)
	}
	return !expires.Valid || !s.now().After(expires.Time), nil
}

// Clear deletes every row, or only rows in scope.
func (s *Store) Clear(ctx context.Context, scope *memory.Scope) (int, error) {
	if err := s.lc.Check("clear"); err != nil {
		return 0, err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s`, s.table)
	var args []any
	if scope != nil {
		stmt += ` WHERE "scope" = $1`
		args = append(args, string(*scope))
	}
	db, err := s.pool("clear")
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, memory.NewStorageError(Backend, "clear", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, memory.NewStorageError(Backend, "clear", err)
	}
	return int(n), nil
}

// CleanupExpired deletes rows whose expiry has passed. Expiry is evaluated in
// Go so both dialects compare timestamps the same way; each delete is
// conditional on the expires_at that was read, so a row rewritten in between
// is kept.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	if err := s.lc.Check("cleanup_expired"); err != nil {
		return 0, err
	}
	db, err := s.pool("cleanup_expired")
	if err != nil {
		return 0, err
	}

	expired, err := s.expiredRows(ctx, db, s.now())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	removed, err := s.deleteExpired(ctx, db, expired)
	if removed > 0 {
		s.logger.Debug("expired entries removed", "backend", Backend, "count", removed)
	}
	return removed, err
}

// deleteExpired deletes each row that still carries the expiry it was listed with.
func (s *Store) deleteExpired(ctx context.Context, db *sql.DB, expired []expiredRow) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, memory.NewStorageError(Backend, "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE "key" = $1 AND "expires_at" = $2`, s.table)
	removed := 0
	for _, row := range expired {
		res, err := tx.ExecContext(ctx, stmt, row.key, row.expiresAt)
		if err != nil {
			return 0, memory.NewStorageError(Backend, "cleanup_expired", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, memory.NewStorageError(Backend, "commit", err)
	}
	return removed, nil
}

type expiredRow struct {
	key       string
	expiresAt time.Time
}

func (s *Store) expiredRows(ctx context.Context, db *sql.DB, now time.Time) ([]expiredRow, error) {
	rows, err := db.QueryContext(ctx,
		fmt.Sprintf(`SELECT "key", "expires_at" FROM %s WHERE "expires_at" IS NOT NULL`, s.table))
	if err != nil {
		return nil, memory.NewStorageError(Backend, "cleanup_expired", err)
	}
	defer rows.Close()

	var expired []expiredRow
	for rows.Next() {
		var key string
		var expires scanTime
		if err := rows.Scan(&key, &expires); err != nil {
			return nil, memory.NewStorageError(Backend, "scan", err)
		}
		if expires.Valid && now.After(expires.Time) {
			expired = append(expired, expiredRow{key: key, expiresAt: expires.Time.UTC()})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, memory.NewStorageError(Backend, "rows", err)
	}
	return expired, nil
}

// encodeRow returns the upsert arguments for e, in column order.
func encodeRow(e memory.Entry) ([]any, error) {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	var metadata, indices any
	if e.Metadata != nil {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		metadata = string(b)
	}
	if e.Indices != nil {
		b, err := json.Marshal(e.Indices)
		if err != nil {
			return nil, fmt.Errorf("indices: %w", err)
		}
		indices = string(b)
	}
	var expires any
	if e.ExpiresAt != nil {
		expires = e.ExpiresAt.UTC()
	}
	return []any{
		e.Key, string(value), string(e.Type), string(e.Scope), metadata, indices,
		e.CreatedAt.UTC(), e.UpdatedAt.UTC(), expires,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (memory.Entry, error) {
	var (
		e                 memory.Entry
		value             string
		typ, scope        string
		metadata, indices sql.NullString
		created, updated  scanTime
		expires           scanTime
	)
	if err := r.Scan(&e.Key, &value, &typ, &scope, &metadata, &indices, &created, &updated, &expires); err != nil {
		return memory.Entry{}, err
	}
	if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
		return memory.Entry{}, fmt.Errorf("decode value of %q: %w", e.Key, err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return memory.Entry{}, fmt.Errorf("decode metadata of %q: %w", e.Key, err)
		}
	}
	if indices.Valid && indices.String != "" {
		if err := json.Unmarshal([]byte(indices.String), &e.Indices); err != nil {
			return memory.Entry{}, fmt.Errorf("decode indices of %q: %w", e.Key, err)
		}
	}
	e.Type = memory.Type(typ)
	e.Scope = memory.Scope(scope)
	e.CreatedAt = created.Time
	e.UpdatedAt = updated.Time
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	return e, nil
}
