// Package snapshot keeps a SQLite history of classified staging areas.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentic-research/stagetree/internal/service"
	"github.com/agentic-research/stagetree/internal/stage"
)

// ErrNotFound is returned when a snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at INTEGER NOT NULL,
	level TEXT NOT NULL,
	source TEXT NOT NULL,
	unparsed INTEGER NOT NULL,
	roots INTEGER NOT NULL,
	studies INTEGER NOT NULL,
	datasets INTEGER NOT NULL,
	mixed INTEGER NOT NULL,
	files INTEGER NOT NULL,
	tree JSON NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_taken ON snapshots(taken_at);
`

// Record is one stored snapshot. Tree is only filled by Get and Latest.
type Record struct {
	ID      int64           `json:"id"`
	TakenAt time.Time       `json:"taken_at"`
	Source  string          `json:"source"`
	Summary stage.Summary   `json:"summary"`
	Tree    json.RawMessage `json:"tree,omitempty"`
}

// Store is a snapshot database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores v and returns the new snapshot id.
func (s *Store) Save(ctx context.Context, v *service.View) (int64, error) {
	tree, err := json.Marshal(v.Tree)
	if err != nil {
		return 0, fmt.Errorf("encode tree: %w", err)
	}
	if v.Tree == nil {
		tree = []byte("[]")
	}
	taken := v.FetchedAt
	if taken.IsZero() {
		taken = time.Now()
	}

	sum := v.Summary
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (taken_at, level, source, unparsed, roots, studies, datasets, mixed, files, tree)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taken.UnixNano(), v.Level.String(), v.Source,
		sum.Unparsed, sum.Roots, sum.Studies, sum.Datasets, sum.Mixed, sum.Files,
		string(tree),
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// Get returns the snapshot with the given id.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, taken_at, level, source, unparsed, roots, studies, datasets, mixed, files, tree
		FROM snapshots WHERE id = ?`, id)
	return scan(row.Scan, true)
}

// Latest returns the most recent snapshot.
func (s *Store) Latest(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, taken_at, level, source, unparsed, roots, studies, datasets, mixed, files, tree
		FROM snapshots ORDER BY id DESC LIMIT 1`)
	return scan(row.Scan, true)
}

// List returns up to limit snapshots, newest first, without their trees.
// A limit of zero or less returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, taken_at, level, source, unparsed, roots, studies, datasets, mixed, files
		FROM snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scan(rows.Scan, false)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scan(fn func(...any) error, withTree bool) (*Record, error) {
	var (
		r     Record
		taken int64
		level string
		tree  string
	)
	dest := []any{
		&r.ID, &taken, &level, &r.Source,
		&r.Summary.Unparsed, &r.Summary.Roots, &r.Summary.Studies,
		&r.Summary.Datasets, &r.Summary.Mixed, &r.Summary.Files,
	}
	if withTree {
		dest = append(dest, &tree)
	}
	if err := fn(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	lv, err := stage.ParseDataLevel(level)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", r.ID, err)
	}
	r.Summary.Level = lv
	r.TakenAt = time.Unix(0, taken).UTC()
	if withTree {
		r.Tree = json.RawMessage(tree)
	}
	return &r, nil
}
