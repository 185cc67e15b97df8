package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ohler55/ojg/oj"
	_ "modernc.org/sqlite"

	"github.com/glockpete/Forecastin-sub000/api"
	"github.com/glockpete/Forecastin-sub000/internal/mpath"
)

// SQLiteStore implements Store on a SQLite database. The path column is
// UNIQUE and indexed; subtree scans use a BINARY range on the path column,
// `>= path || '.'` and `< path || '/'` ('/' is the code point after '.'),
// so the B-tree index serves the range, matching is byte-exact (no
// case-folding, "asia" never matches "asian"), and `%`/`_` in labels are
// inert.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	label       TEXT NOT NULL,
	path        TEXT NOT NULL UNIQUE,
	depth       INTEGER NOT NULL,
	fingerprint INTEGER NOT NULL,
	metadata    TEXT
);
CREATE INDEX IF NOT EXISTS idx_entities_path ON entities(path);
`

// OpenSQLite opens (and creates if needed) the entity database.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// WAL lets resolver reads proceed while a refresh transaction commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entities schema: %w", err)
	}
	db.SetMaxOpenConns(4)
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle so the view store can share one database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error { return s.db.Close() }

const entityCols = "id, label, path, depth, fingerprint, metadata"

func scanEntity(row interface{ Scan(...any) error }) (Entity, error) {
	var e Entity
	var fp int64
	var meta sql.NullString
	if err := row.Scan(&e.ID, &e.Label, &e.Path, &e.Depth, &fp, &meta); err != nil {
		return Entity{}, err
	}
	e.Fingerprint = uint64(fp)
	if meta.Valid && meta.String != "" {
		if err := oj.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
			return Entity{}, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entityCols+" FROM entities WHERE id = ?", id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, api.ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) EntityByPath(ctx context.Context, path string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entityCols+" FROM entities WHERE path = ?", path)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, api.ErrNotFound
	}
	return e, err
}

// AncestorsOf splits the path into its proper prefixes and resolves each in
// one query. Ancestors missing from the table are skipped — the hierarchy
// write path enforces integrity, this is a read.
func (s *SQLiteStore) AncestorsOf(ctx context.Context, path string) ([]Entity, error) {
	prefixes := mpath.Prefixes(path)
	if len(prefixes) == 0 {
		return nil, nil
	}

	args := make([]any, len(prefixes))
	marks := ""
	for i, p := range prefixes {
		args[i] = p
		if i > 0 {
			marks += ","
		}
		marks += "?"
	}
	// ORDER BY depth DESC yields closest-first: the immediate parent has
	// the greatest depth among the prefixes.
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entityCols+" FROM entities WHERE path IN ("+marks+") ORDER BY depth DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("query ancestors of %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DescendantsOf(ctx context.Context, path string, offset, limit int) ([]Entity, int, error) {
	total, err := s.CountDescendants(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entityCols+" FROM entities WHERE path >= ? || '.' AND path < ? || '/' ORDER BY path LIMIT ? OFFSET ?",
		path, path, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("scan descendants of %s: %w", path, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s *SQLiteStore) CountDescendants(ctx context.Context, path string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE path >= ? || '.' AND path < ? || '/'", path, path).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count descendants of %s: %w", path, err)
	}
	return n, nil
}

func (s *SQLiteStore) AllEntities(ctx context.Context) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+entityCols+" FROM entities ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("scan entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertEntity derives depth and fingerprint from the path, validates the
// terminal segment against the label, and writes the row.
func (s *SQLiteStore) UpsertEntity(ctx context.Context, e Entity) error {
	if err := mpath.Validate(e.Path, e.Label); err != nil {
		return err
	}
	e.Depth = mpath.Depth(e.Path)
	e.Fingerprint = mpath.Fingerprint(e.Path)

	var meta any
	if len(e.Metadata) > 0 {
		b, err := oj.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", e.ID, err)
		}
		meta = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, label, path, depth, fingerprint, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			path = excluded.path,
			depth = excluded.depth,
			fingerprint = excluded.fingerprint,
			metadata = excluded.metadata`,
		e.ID, e.Label, e.Path, e.Depth, int64(e.Fingerprint), meta)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.ID, err)
	}
	return nil
}

// DeleteSubtree removes the node at path and everything below it.
func (s *SQLiteStore) DeleteSubtree(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entities WHERE path = ? OR (path >= ? || '.' AND path < ? || '/')", path, path, path)
	if err != nil {
		return fmt.Errorf("delete subtree %s: %w", path, err)
	}
	return nil
}
