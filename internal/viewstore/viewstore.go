// Package viewstore persists the precomputed views: one ancestor chain and
// one descendant count per entity, refreshed asynchronously by the scheduler
// instead of recomputed per request. Each refresh fully replaces a view by
// filling a staging table and swap-renaming it inside a single transaction,
// so readers never observe a partially written view.
package viewstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/glockpete/Forecastin-sub000/api"
)

// View names accepted by the refresh scheduler and the manual trigger.
const (
	ViewAncestors        = "ancestors"
	ViewDescendantCounts = "descendant_counts"
)

// ViewNames lists every view this store owns.
func ViewNames() []string {
	return []string{ViewAncestors, ViewDescendantCounts}
}

// Store reads and atomically replaces the view tables. It shares the
// backing store's database handle; views are derived data living alongside
// the entity table.
type Store struct {
	db *sql.DB
}

const (
	ancestorsDDL = `(
		entity_id   TEXT PRIMARY KEY,
		ancestors   TEXT NOT NULL,
		depth       INTEGER NOT NULL,
		computed_at INTEGER NOT NULL
	)`
	countsDDL = `(
		entity_id        TEXT PRIMARY KEY,
		descendant_count INTEGER NOT NULL,
		computed_at      INTEGER NOT NULL
	)`
)

// New ensures the view tables exist (empty on first run) and returns the store.
func New(db *sql.DB) (*Store, error) {
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS ancestor_view " + ancestorsDDL,
		"CREATE TABLE IF NOT EXISTS descendant_count_view " + countsDDL,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create view table: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// GetAncestors returns the precomputed ancestor chain for an entity.
// api.ErrNotFound is a legitimate outcome: the node may have been created
// since the last refresh, and the caller falls back to a direct query.
func (s *Store) GetAncestors(ctx context.Context, entityID string) (api.AncestorRecord, error) {
	var rec api.AncestorRecord
	var ancJSON string
	var computedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT entity_id, ancestors, depth, computed_at FROM ancestor_view WHERE entity_id = ?",
		entityID).Scan(&rec.EntityID, &ancJSON, &rec.Depth, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return api.AncestorRecord{}, api.ErrNotFound
	}
	if err != nil {
		return api.AncestorRecord{}, fmt.Errorf("read ancestor view for %s: %w", entityID, err)
	}
	if err := oj.Unmarshal([]byte(ancJSON), &rec.Ancestors); err != nil {
		return api.AncestorRecord{}, fmt.Errorf("decode ancestor chain for %s: %w", entityID, err)
	}
	rec.ComputedAt = time.Unix(computedAt, 0).UTC()
	return rec, nil
}

// GetDescendantCount returns the precomputed subtree size for an entity.
func (s *Store) GetDescendantCount(ctx context.Context, entityID string) (api.DescendantCountRecord, error) {
	var rec api.DescendantCountRecord
	var computedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT entity_id, descendant_count, computed_at FROM descendant_count_view WHERE entity_id = ?",
		entityID).Scan(&rec.EntityID, &rec.DescendantCount, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return api.DescendantCountRecord{}, api.ErrNotFound
	}
	if err != nil {
		return api.DescendantCountRecord{}, fmt.Errorf("read descendant count view for %s: %w", entityID, err)
	}
	rec.ComputedAt = time.Unix(computedAt, 0).UTC()
	return rec, nil
}

// ReplaceAncestors atomically replaces the whole ancestor view.
func (s *Store) ReplaceAncestors(ctx context.Context, rows []api.AncestorRecord) error {
	return s.replace(ctx, "ancestor_view", ancestorsDDL, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO ancestor_view_next (entity_id, ancestors, depth, computed_at) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, r := range rows {
			anc := r.Ancestors
			if anc == nil {
				anc = []string{}
			}
			b, err := oj.Marshal(anc)
			if err != nil {
				return fmt.Errorf("encode ancestor chain for %s: %w", r.EntityID, err)
			}
			if _, err := stmt.ExecContext(ctx, r.EntityID, string(b), r.Depth, r.ComputedAt.Unix()); err != nil {
				return fmt.Errorf("insert ancestor row %s: %w", r.EntityID, err)
			}
		}
		return nil
	})
}

// ReplaceDescendantCounts atomically replaces the whole descendant-count view.
func (s *Store) ReplaceDescendantCounts(ctx context.Context, rows []api.DescendantCountRecord) error {
	return s.replace(ctx, "descendant_count_view", countsDDL, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO descendant_count_view_next (entity_id, descendant_count, computed_at) VALUES (?, ?, ?)")
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, r.EntityID, r.DescendantCount, r.ComputedAt.Unix()); err != nil {
				return fmt.Errorf("insert count row %s: %w", r.EntityID, err)
			}
		}
		return nil
	})
}

// replace is the swap-and-rename: fill <table>_next, then drop the live
// table and rename the staging table over it, all in one transaction. This
// is the only code path that mutates view contents.
func (s *Store) replace(ctx context.Context, table, ddl string, fill func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin view replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // no-op once committed

	next := table + "_next"
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS " + next,
		"CREATE TABLE " + next + " " + ddl,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("stage %s: %w", next, err)
		}
	}
	if err := fill(tx); err != nil {
		return err
	}
	for _, stmt := range []string{
		"DROP TABLE " + table,
		"ALTER TABLE " + next + " RENAME TO " + table,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("swap %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit view replace for %s: %w", table, err)
	}
	return nil
}
