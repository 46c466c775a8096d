// Package graph holds the revision-annotated structural graph of a project
// and the engine that folds per-revision analysis snapshots into it.
package graph

// Kind is the structural kind of an element.
type Kind string

const (
	KindFile     Kind = "File"
	KindModule   Kind = "Module"
	KindType     Kind = "Type"
	KindFunction Kind = "Function"
	KindVariable Kind = "Variable"
)

// RelationKind is the kind of a relation between two elements.
type RelationKind string

const (
	RelCalls     RelationKind = "Calls"
	RelContains  RelationKind = "Contains"
	RelDependsOn RelationKind = "DependsOn"
	RelImports   RelationKind = "Imports"
)

// Status is the lifecycle state of an element or relation.
type Status string

const (
	StatusActive  Status = "Active"
	StatusDeleted Status = "Deleted"
)

// ElementID identifies an element for the whole history. IDs are allocated
// from a counter owned by the graph and are never reused.
type ElementID int64

// RelationID identifies a relation record.
type RelationID int64

// RawNode is a node as reported by an analyzer for a single revision. It has
// no identity beyond its qualified name and kind.
type RawNode struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	Path string `json:"path,omitempty"`
}

// RawEdge connects two raw nodes of the same snapshot by qualified name.
type RawEdge struct {
	From string       `json:"from"`
	To   string       `json:"to"`
	Kind RelationKind `json:"kind"`
}

// Snapshot is the raw structural graph extracted for one revision.
type Snapshot struct {
	Nodes []RawNode `json:"nodes"`
	Edges []RawEdge `json:"edges"`
}

// Empty reports whether the snapshot carries no nodes.
func (s *Snapshot) Empty() bool {
	return s == nil || len(s.Nodes) == 0
}

// Append adds the nodes and edges of other to s. Duplicates are kept; the
// merger reports and drops them.
func (s *Snapshot) Append(other *Snapshot) {
	if other == nil {
		return
	}
	s.Nodes = append(s.Nodes, other.Nodes...)
	s.Edges = append(s.Edges, other.Edges...)
}

// ChangeSet lists the path-level changes of a revision.
type ChangeSet struct {
	Added    []string          `json:"added,omitempty"`
	Modified []string          `json:"modified,omitempty"`
	Deleted  []string          `json:"deleted,omitempty"`
	Renamed  map[string]string `json:"renamed,omitempty"` // old path -> new path
}

// Len returns the number of path changes.
func (c ChangeSet) Len() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted) + len(c.Renamed)
}

// Element is the persistent unit of identity.
type Element struct {
	ID        ElementID `json:"id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path,omitempty"`
	FirstSeen int       `json:"first_seen"`
	LastSeen  int       `json:"last_seen"`
	Status    Status    `json:"status"`
	Modified  []int     `json:"modified,omitempty"` // revisions with a modification event
}

// Relation is a persistent edge between two elements.
type Relation struct {
	ID        RelationID   `json:"id"`
	From      ElementID    `json:"from"`
	To        ElementID    `json:"to"`
	Kind      RelationKind `json:"kind"`
	FirstSeen int          `json:"first_seen"`
	LastSeen  int          `json:"last_seen"`
	Status    Status       `json:"status"`
}

// AnomalyKind classifies identity anomalies found while merging.
type AnomalyKind string

const (
	AnomalyDuplicateNode  AnomalyKind = "DuplicateNode"
	AnomalyUnresolvedEdge AnomalyKind = "UnresolvedEdge"
)

// Anomaly is a non-fatal problem in a snapshot.
type Anomaly struct {
	Kind   AnomalyKind `json:"kind"`
	Detail string      `json:"detail"`
}

// Delta records the identity-level changes produced by merging one revision.
type Delta struct {
	Revision         int          `json:"revision"`
	CommitID         string       `json:"commit,omitempty"`
	Added            []ElementID  `json:"added"`
	Modified         []ElementID  `json:"modified"`
	Deleted          []ElementID  `json:"deleted"`
	RelationsAdded   []RelationID `json:"relations_added"`
	RelationsRemoved []RelationID `json:"relations_removed"`
	Anomalies        []Anomaly    `json:"anomalies,omitempty"`
	Incomplete       bool         `json:"incomplete,omitempty"`
}

// Empty reports whether the delta records no element or relation change.
func (d *Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0 &&
		len(d.RelationsAdded) == 0 && len(d.RelationsRemoved) == 0
}
