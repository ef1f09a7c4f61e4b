// Package graph provides the durable node/edge store backing mnemo's memory graph.
package graph

import (
	"errors"
	"fmt"
	"time"
)

// Label is a node type tag from the fixed taxonomy.
type Label string

const (
	LabelEpisode  Label = "Episode"
	LabelConcept  Label = "Concept"
	LabelPattern  Label = "Pattern"
	LabelDecision Label = "Decision"
	LabelPerson   Label = "Person"
	LabelDomain   Label = "Domain"
)

// decayRates maps each label to its forgetting-curve rate per day.
var decayRates = map[Label]float64{
	LabelEpisode:  0.01,
	LabelPattern:  0.005,
	LabelConcept:  0.003,
	LabelDecision: 0.001,
	LabelPerson:   0.0001,
	LabelDomain:   0.0001,
}

// ValidLabel reports whether l belongs to the taxonomy.
func ValidLabel(l Label) bool {
	_, ok := decayRates[l]
	return ok
}

// Labels returns the full taxonomy in a stable order.
func Labels() []Label {
	return []Label{LabelEpisode, LabelConcept, LabelPattern, LabelDecision, LabelPerson, LabelDomain}
}

// DecayRate returns the per-day decay rate for a label.
// Unknown labels decay at the fastest known rate.
func DecayRate(l Label) float64 {
	if r, ok := decayRates[l]; ok {
		return r
	}
	return decayRates[LabelEpisode]
}

// EffectiveDecayRate returns the minimum decay rate among the node's labels.
// The slowest-forgetting label wins.
func EffectiveDecayRate(labels []Label) float64 {
	if len(labels) == 0 {
		return decayRates[LabelEpisode]
	}
	rate := DecayRate(labels[0])
	for _, l := range labels[1:] {
		if r := DecayRate(l); r < rate {
			rate = r
		}
	}
	return rate
}

// Status is a node lifecycle state. Nodes are never physically deleted.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// EdgeType is a typed relation between two nodes.
type EdgeType string

const (
	EdgeAuthoredBy   EdgeType = "AUTHORED_BY"
	EdgeReferences   EdgeType = "REFERENCES"
	EdgeBelongsTo    EdgeType = "BELONGS_TO"
	EdgeSolvedBy     EdgeType = "SOLVED_BY"
	EdgeSupersedes   EdgeType = "SUPERSEDES"
	EdgeRelatedTo    EdgeType = "RELATED_TO"
	EdgeSameScope    EdgeType = "SAME_SCOPE"
	EdgeModifiesSame EdgeType = "MODIFIES_SAME"
	EdgeCoAccessed   EdgeType = "CO_ACCESSED"
)

var edgeTypes = map[EdgeType]bool{
	EdgeAuthoredBy: true, EdgeReferences: true, EdgeBelongsTo: true,
	EdgeSolvedBy: true, EdgeSupersedes: true, EdgeRelatedTo: true,
	EdgeSameScope: true, EdgeModifiesSame: true, EdgeCoAccessed: true,
}

// ValidEdgeType reports whether t is a known edge type.
func ValidEdgeType(t EdgeType) bool {
	return edgeTypes[t]
}

// Node is a unit of stored knowledge. Content is the sole source of truth;
// there is no external file reference.
type Node struct {
	ID             int64      // Monotonic identifier, never reused
	Labels         []Label    // Non-empty set of taxonomy tags
	Title          string     // Short title
	Content        string     // Full text
	Author         string     // Originating author
	CreatedAt      time.Time  // Timestamp of creation
	LastAccessedAt time.Time  // Timestamp of last access (decay basis)
	Strength       float64    // Current memorability in [0,1]
	Embedding      []float32  // Optional vector, present once embedded
	Status         Status     // active or archived
	DecayFlaggedAt *time.Time // When strength first fell below the archival threshold
	Subsumed       bool       // Marked during consolidation promotion
}

// HasLabel reports whether the node carries the given label.
func (n *Node) HasLabel(l Label) bool {
	for _, have := range n.Labels {
		if have == l {
			return true
		}
	}
	return false
}

// Edge is a directed, typed, weighted relation between two nodes.
// Several types (RELATED_TO, SAME_SCOPE, CO_ACCESSED, MODIFIES_SAME) are used
// symmetrically by callers; the store does not enforce symmetry.
type Edge struct {
	ID        string // UUID
	SourceID  int64
	TargetID  int64
	Type      EdgeType
	Weight    float64 // In (0,1]
	CreatedAt time.Time
}

// Sentinel errors callers can match with errors.Is.
var (
	// ErrValidation indicates malformed encode input (missing labels, empty content).
	ErrValidation = errors.New("graph: validation failed")

	// ErrNotFound indicates a lookup of a missing or archived-excluded node.
	ErrNotFound = errors.New("graph: node not found")

	// ErrDanglingReference indicates an edge referencing a nonexistent node.
	ErrDanglingReference = errors.New("graph: edge references nonexistent node")
)

// ValidateEdge checks structural edge constraints before any store access.
func ValidateEdge(e *Edge) error {
	if !ValidEdgeType(e.Type) {
		return fmt.Errorf("%w: unknown edge type %q", ErrValidation, e.Type)
	}
	if e.Weight <= 0 || e.Weight > 1 {
		return fmt.Errorf("%w: edge weight %v outside (0,1]", ErrValidation, e.Weight)
	}
	if e.SourceID == e.TargetID {
		return fmt.Errorf("%w: self-referencing edge", ErrValidation)
	}
	return nil
}

// ValidateLabels checks that labels are non-empty and drawn from the taxonomy.
func ValidateLabels(labels []Label) error {
	if len(labels) == 0 {
		return fmt.Errorf("%w: at least one label is required", ErrValidation)
	}
	for _, l := range labels {
		if !ValidLabel(l) {
			return fmt.Errorf("%w: unknown label %q", ErrValidation, l)
		}
	}
	return nil
}
