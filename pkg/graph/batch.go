package graph

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Batch collects graph mutations and applies them in a single transaction.
// A failure anywhere rolls the whole batch back, so a consolidation phase
// never leaves partially-applied edges behind.
type Batch struct {
	store *SQLiteStore
	ops   []func(ctx context.Context, tx *sql.Tx) error
}

// NewBatch starts an empty mutation batch.
func (s *SQLiteStore) NewBatch() *Batch {
	return &Batch{store: s}
}

// Len returns the number of queued mutations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// AddEdge queues an edge insert. Endpoint existence is checked at commit time.
func (b *Batch) AddEdge(edge *Edge) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		if err := ValidateEdge(edge); err != nil {
			return err
		}
		return insertEdgeTx(ctx, tx, edge)
	})
}

// SetEdgeWeight queues a weight update for an existing edge.
func (b *Batch) SetEdgeWeight(edgeID string, weight float64) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE edges SET weight = ? WHERE id = ?`, weight, edgeID)
		if err != nil {
			return fmt.Errorf("failed to update edge weight: %w", err)
		}
		return nil
	})
}

// AddNodeWithEdges queues a node insert followed by edges that reference the
// newly assigned ID. The edges callback runs inside the transaction once the
// ID is known.
func (b *Batch) AddNodeWithEdges(node *Node, edges func(id int64) []*Edge) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		if err := ValidateLabels(node.Labels); err != nil {
			return err
		}
		id, err := insertNodeTx(ctx, tx, node)
		if err != nil {
			return err
		}
		node.ID = id
		if edges == nil {
			return nil
		}
		for _, e := range edges(id) {
			if err := ValidateEdge(e); err != nil {
				return err
			}
			if err := insertEdgeTx(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetStrength queues a strength and decay-flag update for one node.
func (b *Batch) SetStrength(id int64, strength float64, flaggedAt *time.Time) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE nodes SET strength = ?, decay_flagged_at = ? WHERE id = ?`,
			strength, flaggedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update strength: %w", err)
		}
		return nil
	})
}

// SetSubsumed queues a subsumed-marker update for one node.
func (b *Batch) SetSubsumed(id int64, subsumed bool) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE nodes SET subsumed = ? WHERE id = ?`, boolToInt(subsumed), id)
		if err != nil {
			return fmt.Errorf("failed to mark subsumed: %w", err)
		}
		return nil
	})
}

// SetStatus queues a status transition for one node.
func (b *Batch) SetStatus(id int64, status Status) {
	b.ops = append(b.ops, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE nodes SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return fmt.Errorf("failed to set status: %w", err)
		}
		return nil
	})
}

// Commit applies every queued mutation in one transaction.
func (b *Batch) Commit(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range b.ops {
		if err := op(ctx, tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	b.ops = nil
	return nil
}
