package graph

import (
	"context"
	"time"
)

// PathStep is one traversed edge on the path that reached a node.
type PathStep struct {
	Edge    *Edge
	Forward bool // True when the edge was traversed source→target
}

// Reachable is a node discovered by traversal, annotated with the edge path
// used to reach it from the origin.
type Reachable struct {
	Node *Node
	Path []PathStep
	Hops int
}

// MaintenanceEntry is one row of the append-only maintenance log.
type MaintenanceEntry struct {
	ID        int64
	Operation string
	StartedAt time.Time
	Summary   string // JSON summary counts
}

// Store defines the graph storage contract. Implementations must provide
// indexed lookup by both edge endpoints and by label, and must never
// physically delete nodes.
type Store interface {
	// AddNode inserts a new node and returns its assigned monotonic ID.
	// Strength, status, and timestamps must be populated by the caller.
	AddNode(ctx context.Context, node *Node) (int64, error)

	// UpdateNode rewrites the mutable fields of an existing node
	// (strength, status, embedding, last access, decay flag, subsumed).
	UpdateNode(ctx context.Context, node *Node) error

	// GetNode retrieves a node by ID. Archived nodes are excluded unless
	// includeArchived is set; exclusion surfaces as ErrNotFound.
	GetNode(ctx context.Context, id int64, includeArchived bool) (*Node, error)

	// AddEdge inserts an edge. Fails with ErrDanglingReference when either
	// endpoint does not exist.
	AddEdge(ctx context.Context, edge *Edge) error

	// EdgeExistsBetween reports whether any edge of the given type connects
	// a and b in either direction.
	EdgeExistsBetween(ctx context.Context, a, b int64, t EdgeType) (bool, error)

	// EdgesTouching returns all edges incident to a node, optionally
	// filtered by type.
	EdgesTouching(ctx context.Context, id int64, types []EdgeType) ([]*Edge, error)

	// Neighbors returns the set of nodes reachable from id within maxHops,
	// each annotated with the edge path used to reach it. Traversal is
	// direction-agnostic. An empty types slice means all edge types.
	Neighbors(ctx context.Context, id int64, types []EdgeType, maxHops int) ([]*Reachable, error)

	// NodesByLabel returns nodes carrying the label, optionally restricted
	// to a status.
	NodesByLabel(ctx context.Context, l Label, status Status) ([]*Node, error)

	// AllNodes returns every node with the given status ("" for all).
	AllNodes(ctx context.Context, status Status) ([]*Node, error)

	// TouchAccess records an access event for each node: last_accessed_at
	// is set to now and strength is raised toward 1.0 by the boost factor.
	TouchAccess(ctx context.Context, ids []int64, boost float64) error

	// RecordAccess appends session co-access bookkeeping rows.
	RecordAccess(ctx context.Context, sessionID string, ids []int64, at time.Time) error

	// CoAccessCounts returns, for each unordered node pair, the number of
	// distinct sessions in which both were accessed since the given time.
	CoAccessCounts(ctx context.Context, since time.Time) (map[[2]int64]int, error)

	// TouchedSince returns IDs of active nodes created or accessed since t.
	TouchedSince(ctx context.Context, t time.Time) ([]int64, error)

	// NodeCount and EdgeCount report totals, optionally by status.
	NodeCount(ctx context.Context, status Status) (int64, error)
	EdgeCount(ctx context.Context) (int64, error)

	// NewBatch starts a mutation batch that commits atomically.
	NewBatch() *Batch

	// AppendMaintenanceLog appends one entry to the append-only log.
	AppendMaintenanceLog(ctx context.Context, op string, startedAt time.Time, summaryJSON string) error

	// MaintenanceLog returns the most recent entries, newest first.
	MaintenanceLog(ctx context.Context, limit int) ([]*MaintenanceEntry, error)

	// GetState and SetState read and write small per-identity state records
	// (last-maintenance timestamps, calibration multipliers).
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Close releases database resources.
	Close() error
}
