package graph

import (
	"errors"
	"fmt"
	"sort"
)

// ErrRevisionOrder is returned when a revision is merged out of order.
var ErrRevisionOrder = errors.New("revision out of order")

// Merger folds revision snapshots into a cumulative graph.
type Merger struct {
	Lifecycle LifecycleTracker
}

// NewMerger returns a merger whose lifecycle tracker honours scope.
func NewMerger(scope Scope) *Merger {
	return &Merger{Lifecycle: LifecycleTracker{Scope: scope}}
}

// Merge applies snap, observed at revision with the given change set, to
// prev. prev is never modified: the result is a new graph and the delta of
// the revision, or an error and neither.
//
// When analysisSucceeded is false the revision carries no information: the
// returned graph only advances its revision and the delta is empty and
// marked incomplete. A successful snapshot without nodes is taken at its
// word and retires every in-scope element.
func (m *Merger) Merge(prev *Graph, snap *Snapshot, changes ChangeSet, revision int, analysisSucceeded bool) (*Graph, *Delta, error) {
	if prev == nil {
		prev = New()
	}
	if revision <= prev.revision {
		return nil, nil, fmt.Errorf("%w: merging %d after %d", ErrRevisionOrder, revision, prev.revision)
	}

	g := prev.Clone()
	g.revision = revision

	if !analysisSucceeded {
		d := newDelta(revision)
		d.Incomplete = true
		return g, d, nil
	}

	if snap == nil {
		snap = &Snapshot{}
	}

	// Nodes at the new side of a rename resolve first so that an explicit
	// rename wins over a name match.
	res := NewIdentityResolver(g, changes, revision)
	var rest []RawNode
	for _, n := range snap.Nodes {
		if res.IsRenamed(n) {
			res.Resolve(n)
		} else {
			rest = append(rest, n)
		}
	}
	for _, n := range rest {
		res.Resolve(n)
	}

	deleted, removed := m.Lifecycle.Reconcile(g, res.Resolved(), res.displaced, revision)

	d := newDelta(revision)
	d.Deleted = deleted
	d.Anomalies = append(d.Anomalies, res.Anomalies()...)
	for id := range res.added {
		d.Added = append(d.Added, id)
	}
	for id := range res.changed {
		if !res.added[id] {
			d.Modified = append(d.Modified, id)
		}
	}
	sortIDs(d.Added)
	sortIDs(d.Modified)

	observed := m.resolveEdges(g, res, snap.Edges, d)

	// Relations seen now but not before are added; active relations not seen
	// now are retired unless both endpoints lie outside the scope.
	for k := range observed {
		if rid, ok := g.activeRel[k]; ok {
			g.relations[rid].LastSeen = revision
			continue
		}
		r := g.allocateRelation(k, revision)
		d.RelationsAdded = append(d.RelationsAdded, r.ID)
	}
	for k, rid := range g.activeRel {
		if _, ok := observed[k]; ok {
			continue
		}
		if !m.Lifecycle.Covers(g, g.relations[rid]) {
			continue
		}
		removed = append(removed, rid)
	}
	for _, rid := range removed {
		r := g.relations[rid]
		if r.Status == StatusActive {
			g.retireRelation(r, revision)
		}
	}
	d.RelationsRemoved = append(d.RelationsRemoved, removed...)
	sortRelationIDs(d.RelationsAdded)
	sortRelationIDs(d.RelationsRemoved)

	return g, d, nil
}

// resolveEdges maps raw edges onto element ids. An endpoint resolves to a
// node of this revision first, then to a unique active element of that
// name. Edges with an unresolved endpoint are dropped as anomalies.
func (m *Merger) resolveEdges(g *Graph, res *IdentityResolver, edges []RawEdge, d *Delta) map[relationKey]bool {
	activeByName := make(map[string][]ElementID)
	for k, id := range g.active {
		activeByName[k.name] = append(activeByName[k.name], id)
	}
	lookup := func(name string) (ElementID, bool) {
		if id, ok := res.Lookup(name); ok && g.elements[id].Status == StatusActive {
			return id, true
		}
		if ids := activeByName[name]; len(ids) == 1 {
			return ids[0], true
		}
		return 0, false
	}

	observed := make(map[relationKey]bool, len(edges))
	for _, e := range edges {
		from, okFrom := lookup(e.From)
		to, okTo := lookup(e.To)
		if !okFrom || !okTo {
			d.Anomalies = append(d.Anomalies, Anomaly{
				Kind:   AnomalyUnresolvedEdge,
				Detail: fmt.Sprintf("%s edge %q -> %q", e.Kind, e.From, e.To),
			})
			continue
		}
		observed[relationKey{from, to, e.Kind}] = true
	}
	return observed
}

func newDelta(revision int) *Delta {
	return &Delta{
		Revision:         revision,
		Added:            []ElementID{},
		Modified:         []ElementID{},
		Deleted:          []ElementID{},
		RelationsAdded:   []RelationID{},
		RelationsRemoved: []RelationID{},
	}
}

func sortIDs(ids []ElementID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortRelationIDs(ids []RelationID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
