package api

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound signals that an entity or a precomputed row for it does not
// exist. For view lookups this is a legitimate outcome (the node may have
// been created since the last refresh) and callers fall back to slower tiers.
var ErrNotFound = errors.New("not found")

// EntityRef is the lightweight handle returned by hierarchy queries.
type EntityRef struct {
	// ID is the opaque entity identifier.
	ID string `json:"id"`
	// Label is the entity's own path segment (e.g. "japan").
	Label string `json:"label"`
	// Path is the full materialized path (e.g. "world.asia.japan").
	Path string `json:"path"`
	// Depth is the number of ancestors (segment count - 1).
	Depth int `json:"depth"`
}

// AncestorRecord is one row of the precomputed ancestor view.
// Ancestors are ordered closest-first: index 0 is the immediate parent.
type AncestorRecord struct {
	EntityID   string    `json:"entity_id"`
	Ancestors  []string  `json:"ancestors"`
	Depth      int       `json:"depth"`
	ComputedAt time.Time `json:"computed_at"`
}

// DescendantCountRecord is one row of the precomputed descendant-count view.
type DescendantCountRecord struct {
	EntityID        string    `json:"entity_id"`
	DescendantCount int       `json:"descendant_count"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Page selects a window of a descendant listing.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// PagedEntities is one page of a descendant listing plus the total count,
// so callers can page without issuing a separate count query.
type PagedEntities struct {
	Entities []EntityRef `json:"entities"`
	Total    int         `json:"total"`
	Offset   int         `json:"offset"`
	Limit    int         `json:"limit"`
}

// TierStatus is the read-only health snapshot for one cache tier, consumed
// by the external observability collaborator. It carries no business data.
type TierStatus struct {
	Tier        string    `json:"tier"`
	HitRate     float64   `json:"hit_rate"`
	Size        int       `json:"size"`
	Utilization float64   `json:"utilization"`
	LastError   string    `json:"last_error,omitempty"`
	SampledAt   time.Time `json:"sampled_at"`
}

// ResolutionError is the only caller-visible resolution failure: the backing
// store itself failed or timed out after every faster tier fell through. It
// names the operation and entity being resolved but not the tier topology.
type ResolutionError struct {
	Op       string
	EntityID string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s for entity %q: %v", e.Op, e.EntityID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
