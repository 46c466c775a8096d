// Package checkpoint provides the SQLite-backed store that records merge
// progress, so that an interrupted run resumes after the last merged
// revision without reprocessing it.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"vcs2graph/internal/cas"
	"vcs2graph/internal/graph"
)

// ErrStale is returned when saving a revision that is not newer than the
// stored checkpoint.
var ErrStale = errors.New("checkpoint is newer than revision")

const schema = `
CREATE TABLE IF NOT EXISTS checkpoint (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  revision INTEGER NOT NULL,
  commit_id TEXT NOT NULL,
  run_id TEXT NOT NULL,
  graph BLOB NOT NULL,
  digest TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deltas (
  revision INTEGER PRIMARY KEY,
  commit_id TEXT NOT NULL,
  incomplete INTEGER NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

// Checkpoint is the persisted state after a merged revision.
type Checkpoint struct {
	Revision  int
	CommitID  string
	RunID     string
	Graph     *graph.Graph
	UpdatedAt int64
}

// Store wraps the SQLite database holding the checkpoint and delta log.
type Store struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for corruption warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open opens or creates the store at path. A file that is not a usable
// database is moved aside and replaced by an empty store.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	conn, err := open(path)
	if err == nil {
		s.conn = conn
		return s, nil
	}
	if _, statErr := os.Stat(path); statErr != nil || !isCorrupt(err) {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, cas.NowMs())
	s.logger.Warn("checkpoint database unreadable, starting from scratch",
		"path", path, "moved_to", aside, "error", err)
	if err := os.Rename(path, aside); err != nil {
		return nil, fmt.Errorf("moving corrupt database aside: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Rename(path+suffix, aside+suffix)
	}

	conn, err = open(path)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

func open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Pragmas below are per connection; a single writer needs no more.
	conn.SetMaxOpenConns(1)

	// Fail early if connection is bad
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return conn, nil
}

func isCorrupt(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored checkpoint, or nil when there is none. A
// checkpoint that fails verification is reported, discarded together with
// its delta log, and treated as absent.
func (s *Store) Load(ctx context.Context) (*Checkpoint, error) {
	var (
		cp     Checkpoint
		blob   []byte
		digest string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT revision, commit_id, run_id, graph, digest, updated_at
		FROM checkpoint WHERE id = 1
	`).Scan(&cp.Revision, &cp.CommitID, &cp.RunID, &blob, &digest, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoint: %w", err)
	}

	g, err := decodeGraph(blob, digest)
	if err == nil && g.Revision() != cp.Revision {
		err = fmt.Errorf("graph is at revision %d, checkpoint at %d", g.Revision(), cp.Revision)
	}
	if err != nil {
		s.logger.Warn("checkpoint corrupt, starting from scratch",
			"path", s.path, "revision", cp.Revision, "error", err)
		if err := s.Reset(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	cp.Graph = g
	return &cp, nil
}

func decodeGraph(blob []byte, digest string) (*graph.Graph, error) {
	data, err := cas.Open(blob, digest)
	if err != nil {
		return nil, err
	}
	g := graph.New()
	if err := json.Unmarshal(data, g); err != nil {
		return nil, fmt.Errorf("decoding graph: %w", err)
	}
	return g, nil
}

// Save replaces the checkpoint with cp and appends delta, if not nil, to the
// delta log. Both writes commit together or not at all.
func (s *Store) Save(ctx context.Context, cp *Checkpoint, delta *graph.Delta) error {
	data, err := json.Marshal(cp.Graph)
	if err != nil {
		return fmt.Errorf("encoding graph: %w", err)
	}
	blob, digest, err := cas.Seal(data)
	if err != nil {
		return fmt.Errorf("sealing graph: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var stored int
	err = tx.QueryRowContext(ctx, `SELECT revision FROM checkpoint WHERE id = 1`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("querying checkpoint: %w", err)
	case stored >= cp.Revision:
		return fmt.Errorf("%w: stored %d, saving %d", ErrStale, stored, cp.Revision)
	}

	now := cas.NowMs()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoint (id, revision, commit_id, run_id, graph, digest, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision = excluded.revision,
			commit_id = excluded.commit_id,
			run_id = excluded.run_id,
			graph = excluded.graph,
			digest = excluded.digest,
			updated_at = excluded.updated_at
	`, cp.Revision, cp.CommitID, cp.RunID, blob, digest, now)
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}

	if delta != nil {
		payload, err := json.Marshal(delta)
		if err != nil {
			return fmt.Errorf("encoding delta: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO deltas (revision, commit_id, incomplete, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, delta.Revision, delta.CommitID, delta.Incomplete, string(payload), now)
		if err != nil {
			return fmt.Errorf("writing delta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	cp.UpdatedAt = now
	return nil
}

// Deltas returns the logged deltas with revision >= from, in revision order.
func (s *Store) Deltas(ctx context.Context, from int) ([]*graph.Delta, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT payload FROM deltas WHERE revision >= ? ORDER BY revision
	`, from)
	if err != nil {
		return nil, fmt.Errorf("querying deltas: %w", err)
	}
	defer rows.Close()

	var deltas []*graph.Delta
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		var d graph.Delta
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("decoding delta: %w", err)
		}
		deltas = append(deltas, &d)
	}
	return deltas, rows.Err()
}

// Reset removes the checkpoint and the delta log.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM checkpoint`, `DELETE FROM deltas`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("resetting checkpoint: %w", err)
		}
	}
	return tx.Commit()
}
