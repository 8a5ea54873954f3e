// Package graphstore persists committed knowledge-graph state in SurrealDB.
//
// Mutations are staged client-side in a Tx and applied in a single SurrealQL
// transaction so a batch either lands completely or not at all.
package graphstore

import (
	"context"
	"time"
)

// Node is an upsert of a graph node keyed by its canonical ID.
type Node struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Confidence float64           `json:"confidence"`
	SourceRef  string            `json:"source_ref"`
}

// Edge is a directed relationship between two canonical node IDs.
type Edge struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	SourceRef  string  `json:"source_ref"`
}

// Mutations is one batch of staged graph changes.
type Mutations struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Empty reports whether the batch contains no changes.
func (m *Mutations) Empty() bool {
	return m == nil || (len(m.Nodes) == 0 && len(m.Edges) == 0)
}

// Count returns the total number of staged changes.
func (m *Mutations) Count() int {
	if m == nil {
		return 0
	}
	return len(m.Nodes) + len(m.Edges)
}

// Store is the boundary to the graph database. Errors crossing it are already
// classified.
type Store interface {
	// Commit applies the whole batch atomically.
	Commit(ctx context.Context, m *Mutations) error

	// HealthCheck verifies the store is reachable and answering queries.
	HealthCheck(ctx context.Context) error
}

// Tx stages mutations against a Store. Nothing touches the database until
// Commit; Rollback discards the staged batch.
type Tx struct {
	store     Store
	mutations Mutations
	done      bool
}

// NewTx starts a staging transaction against store.
func NewTx(store Store) *Tx {
	return &Tx{store: store}
}

// StageNode adds a node upsert to the batch.
func (tx *Tx) StageNode(n Node) {
	if tx.done {
		return
	}
	tx.mutations.Nodes = append(tx.mutations.Nodes, n)
}

// StageEdge adds an edge to the batch.
func (tx *Tx) StageEdge(e Edge) {
	if tx.done {
		return
	}
	tx.mutations.Edges = append(tx.mutations.Edges, e)
}

// Mutations returns the staged batch.
func (tx *Tx) Mutations() *Mutations {
	return &tx.mutations
}

// Commit applies the staged batch atomically. The transaction is finished
// afterwards whether or not the commit succeeded.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.mutations.Empty() {
		return nil
	}
	return tx.store.Commit(ctx, &tx.mutations)
}

// Rollback discards the staged batch without touching the store.
func (tx *Tx) Rollback() {
	tx.done = true
	tx.mutations = Mutations{}
}

// HealthState describes the most recent reachability probe of the store.
type HealthState struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}
