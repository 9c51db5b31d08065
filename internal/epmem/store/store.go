// Package store is the SQLite-backed persistence layer of the episodic
// memory: the temporal hash, node and edge identity tables, validity
// intervals, and the relational interval tree that indexes closed intervals.
package store

import (
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/vthunder/epmem/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// MaxTime stands for "still open" wherever an episode bound is required.
const MaxTime int64 = math.MaxInt64

// RootNode is the node id of the top state.
const RootNode int64 = 0

// Wildcard matches any child in EdgeCursor.
const Wildcard int64 = -1

var (
	// ErrCorrupt reports a broken store invariant, such as a hash id with no
	// reverse row.
	ErrCorrupt = errors.New("episodic store corrupt")

	errSchemaMismatch = errors.New("schema fingerprint mismatch")
)

// OwnerKind separates constant-valued WMEs (nodes) from identifier-valued
// ones (edges). Each kind has its own tables and interval tree.
type OwnerKind int

const (
	Node OwnerKind = iota
	Edge
)

func (k OwnerKind) String() string {
	if k == Edge {
		return "identifier"
	}
	return "constant"
}

func (k OwnerKind) table() string { return "epmem_wmes_" + k.String() }

func (k OwnerKind) idColumn() string {
	if k == Edge {
		return "wi_id"
	}
	return "wc_id"
}

// Options configures Open.
type Options struct {
	Driver      string // "sqlite3" (mattn, default) or "sqlite" (modernc)
	Path        string // empty for an in-memory store
	Append      bool   // keep existing contents
	LazyCommit  bool   // hold one transaction open until Commit/Close
	PageSize    int    // KB
	CacheSize   int    // pages
	Performance bool   // trade durability for speed
	RowPage     int    // rows fetched per cursor page

	// Timer, when set, wraps the hash and rit-N stages.
	Timer func(stage string) func()
}

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Prepare(query string) (*sql.Stmt, error)
}

// Store wraps the database connection and the in-memory mirrors of its
// counters. It is not safe for concurrent use.
type Store struct {
	db       *sql.DB
	tx       *sql.Tx
	q        querier
	stmts    map[string]*sql.Stmt
	opts     Options
	fallback bool

	hashes  map[Value]int64
	symbols map[int64]Value
	rits    [2]ritState
	nextID  int64
}

// Open opens or creates a store. A file whose schema fingerprint differs from
// this build is left untouched and an in-memory store is returned instead;
// Fallback reports when that happened.
func Open(opts Options) (*Store, error) {
	s, err := open(opts)
	if errors.Is(err, errSchemaMismatch) {
		logging.Warn("store", "%s: %v; using an in-memory store for this session", opts.Path, err)
		mem := opts
		mem.Path = ""
		s, err = open(mem)
		if err == nil {
			s.fallback = true
		}
	}
	return s, err
}

func dataSource(driver, path string) string {
	if path == "" {
		return ":memory:"
	}
	if driver == "sqlite" {
		return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func open(opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = "sqlite3"
	}
	if opts.RowPage <= 0 {
		opts.RowPage = 64
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(opts.Driver, dataSource(opts.Driver, opts.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Temp tables and :memory: databases live on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, q: db, stmts: make(map[string]*sql.Stmt), opts: opts}
	s.resetCaches()

	if err := s.pragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if !opts.Append {
		if err := s.clearTables(); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := s.loadVars(); err != nil {
		db.Close()
		return nil, err
	}
	if opts.LazyCommit {
		if err := s.begin(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) pragmas() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA page_size = %d", max(s.opts.PageSize, 1)*1024),
		fmt.Sprintf("PRAGMA cache_size = %d", max(s.opts.CacheSize, 1)),
	}
	if s.opts.Performance {
		pragmas = append(pragmas, "PRAGMA synchronous = OFF", "PRAGMA temp_store = MEMORY")
	} else {
		pragmas = append(pragmas, "PRAGMA synchronous = FULL")
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("failed to set %q: %w", p, err)
		}
	}
	return nil
}

// Fingerprint identifies the schema this build writes.
func Fingerprint() string {
	sum := blake3.Sum256([]byte(schemaSQL))
	return hex.EncodeToString(sum[:])
}

// migrate creates the schema on a fresh database and refuses one written
// under a different schema.
func (s *Store) migrate() error {
	var tables int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'epmem_%'`).Scan(&tables); err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if tables > 0 {
		var stored string
		err := s.db.QueryRow(`SELECT value FROM epmem_meta WHERE key = 'schema'`).Scan(&stored)
		if err != nil && !isNoRowsOrTable(err) {
			return fmt.Errorf("failed to read schema fingerprint: %w", err)
		}
		if stored != Fingerprint() {
			return fmt.Errorf("%w: stored %q", errSchemaMismatch, shortHash(stored))
		}
	} else {
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO epmem_meta (key, value) VALUES ('schema', ?)`, Fingerprint()); err != nil {
			return fmt.Errorf("failed to record schema fingerprint: %w", err)
		}
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (1)`); err != nil {
			return err
		}
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO epmem_nodes (n_id, lti_id) VALUES (?, 0)`, RootNode); err != nil {
			return fmt.Errorf("failed to add root node: %w", err)
		}
	}

	for _, ddl := range []string{
		`CREATE TEMP TABLE IF NOT EXISTS rit_left_nodes (rit_min INTEGER, rit_max INTEGER)`,
		`CREATE TEMP TABLE IF NOT EXISTS rit_right_nodes (rit_id INTEGER)`,
	} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create scratch tables: %w", err)
		}
	}
	return nil
}

func isNoRowsOrTable(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table")
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

var dataTables = []string{
	"epmem_symbols_type", "epmem_symbols_string", "epmem_symbols_integer", "epmem_symbols_float",
	"epmem_nodes", "epmem_episodes", "epmem_vars",
	"epmem_wmes_constant", "epmem_wmes_identifier",
	"epmem_wmes_constant_now", "epmem_wmes_constant_point", "epmem_wmes_constant_range",
	"epmem_wmes_identifier_now", "epmem_wmes_identifier_point", "epmem_wmes_identifier_range",
}

func (s *Store) clearTables() error {
	for _, table := range dataTables {
		if _, err := s.q.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	// Restart AUTOINCREMENT sequences so ids are reproducible after a clear.
	if _, err := s.q.Exec(`DELETE FROM sqlite_sequence`); err != nil && !strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("failed to reset sequences: %w", err)
	}
	if _, err := s.q.Exec(`INSERT INTO epmem_nodes (n_id, lti_id) VALUES (?, 0)`, RootNode); err != nil {
		return fmt.Errorf("failed to add root node: %w", err)
	}
	s.resetCaches()
	return nil
}

// Clear removes every episode, symbol and counter, leaving an empty store.
func (s *Store) Clear() error {
	return s.Batch(func() error {
		if err := s.clearTables(); err != nil {
			return err
		}
		return s.loadVars()
	})
}

func (s *Store) resetCaches() {
	s.hashes = make(map[Value]int64)
	s.symbols = make(map[int64]Value)
}

// Fallback reports whether Open fell back to an in-memory store.
func (s *Store) Fallback() bool { return s.fallback }

// InMemory reports whether the store has no backing file.
func (s *Store) InMemory() bool { return s.opts.Path == "" }

// Path returns the database path, empty for an in-memory store.
func (s *Store) Path() string { return s.opts.Path }

func (s *Store) timer(stage string) func() {
	if s.opts.Timer == nil {
		return func() {}
	}
	return s.opts.Timer(stage)
}

// stmt returns a prepared statement for query on the current connection or
// transaction.
func (s *Store) stmt(query string) (*sql.Stmt, error) {
	if st, ok := s.stmts[query]; ok {
		return st, nil
	}
	st, err := s.q.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %q: %w", logging.Truncate(query, 60), err)
	}
	s.stmts[query] = st
	return st, nil
}

func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	st, err := s.stmt(query)
	if err != nil {
		return nil, err
	}
	return st.Exec(args...)
}

func (s *Store) queryRow(query string, args ...any) (*sql.Row, error) {
	st, err := s.stmt(query)
	if err != nil {
		return nil, err
	}
	return st.QueryRow(args...), nil
}

func (s *Store) query(query string, args ...any) (*sql.Rows, error) {
	st, err := s.stmt(query)
	if err != nil {
		return nil, err
	}
	return st.Query(args...)
}

func (s *Store) dropStmts() {
	for _, st := range s.stmts {
		st.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
}

func (s *Store) begin() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.dropStmts()
	s.tx, s.q = tx, tx
	return nil
}

func (s *Store) finish(commit bool) error {
	if s.tx == nil {
		return nil
	}
	s.dropStmts()
	var err error
	if commit {
		err = s.tx.Commit()
	} else {
		err = s.tx.Rollback()
	}
	s.tx, s.q = nil, s.db
	return err
}

// Batch runs fn atomically. Under lazy commit fn joins the session
// transaction; otherwise it gets its own. A failed batch rolls back and the
// in-memory counters are reloaded from the database.
func (s *Store) Batch(fn func() error) error {
	if s.opts.LazyCommit {
		return fn()
	}
	if err := s.begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rerr := s.finish(false); rerr != nil {
			logging.Error("store", rerr, "rollback failed")
		}
		s.resetCaches()
		if lerr := s.loadVars(); lerr != nil {
			logging.Error("store", lerr, "reloading counters failed")
		}
		return err
	}
	if err := s.finish(true); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Commit flushes the session transaction under lazy commit and starts a new
// one. It is a no-op otherwise.
func (s *Store) Commit() error {
	if s.tx == nil {
		return nil
	}
	if err := s.finish(true); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	if s.opts.LazyCommit {
		return s.begin()
	}
	return nil
}

// Close commits any pending work and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.finish(true)
	s.dropStmts()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	s.db = nil
	return err
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	for _, table := range dataTables {
		var count int
		if err := s.q.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}
