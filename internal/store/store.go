// Package store is the backing store for the hierarchy: the live entity
// table with its materialized paths. The resolver only depends on the Store
// interface — a generic "range/prefix query over materialized paths"
// capability — not on the SQLite implementation.
package store

import (
	"context"
)

// Entity is one node of the hierarchy as persisted in the backing store.
type Entity struct {
	ID          string
	Label       string
	Path        string
	Depth       int
	Fingerprint uint64
	Metadata    map[string]any
}

// Store is the backing-store query interface. All reads take a context so a
// caller-supplied budget can abort the direct path query, which is the only
// potentially slow path in the system.
type Store interface {
	// GetEntity returns the entity by ID, or api.ErrNotFound.
	GetEntity(ctx context.Context, id string) (Entity, error)
	// EntityByPath returns the entity owning the exact path, or api.ErrNotFound.
	EntityByPath(ctx context.Context, path string) (Entity, error)
	// AncestorsOf resolves every proper ancestor of path, closest first.
	AncestorsOf(ctx context.Context, path string) ([]Entity, error)
	// DescendantsOf scans the subtree strictly below path in path order,
	// returning one page plus the total descendant count.
	DescendantsOf(ctx context.Context, path string, offset, limit int) ([]Entity, int, error)
	// CountDescendants returns the size of the subtree strictly below path.
	CountDescendants(ctx context.Context, path string) (int, error)
	// AllEntities streams the whole table; input to view recomputation.
	AllEntities(ctx context.Context) ([]Entity, error)

	// UpsertEntity and DeleteSubtree exist for seeding and tests; the
	// production write path lives outside this core and only reaches it
	// through the mutation hook.
	UpsertEntity(ctx context.Context, e Entity) error
	DeleteSubtree(ctx context.Context, path string) error

	Close() error
}
