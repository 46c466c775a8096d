package graph

// Scope reports whether a source path is covered by the analysis. Elements
// outside the scope are never deleted for being absent from a snapshot.
type Scope interface {
	Contains(path string) bool
}

// LifecycleTracker retires elements that vanished from a revision.
type LifecycleTracker struct {
	Scope Scope // nil means every path is in scope
}

// Reconcile marks every active element that is in scope and not in resolved
// as deleted, with LastSeen set to revision-1. Elements listed in displaced
// lost their name to a renamed element and are deleted regardless of scope.
// Relations touching a deleted element are deleted with the same rule.
// Nothing is ever removed from g.
func (t LifecycleTracker) Reconcile(g *Graph, resolved map[ElementID]bool, displaced []ElementID, revision int) ([]ElementID, []RelationID) {
	gone := make(map[ElementID]bool)
	for _, id := range displaced {
		if !resolved[id] {
			gone[id] = true
		}
	}
	for _, e := range g.elements {
		if e.Status != StatusActive || resolved[e.ID] {
			continue
		}
		if t.inScope(e.Path) {
			gone[e.ID] = true
		}
	}

	deleted := make([]ElementID, 0, len(gone))
	for id := range gone {
		e := g.elements[id]
		if e.Status != StatusActive {
			continue
		}
		g.retire(e, revision)
		deleted = append(deleted, id)
	}
	sortIDs(deleted)

	var removed []RelationID
	for _, rid := range g.activeRel {
		r := g.relations[rid]
		if gone[r.From] || gone[r.To] {
			removed = append(removed, rid)
		}
	}
	for _, rid := range removed {
		g.retireRelation(g.relations[rid], revision)
	}
	sortRelationIDs(removed)

	return deleted, removed
}

// Covers reports whether the analysis covers r, that is whether at least one
// of its endpoints is in scope. A relation it does not cover is never retired
// for being absent from a snapshot.
func (t LifecycleTracker) Covers(g *Graph, r *Relation) bool {
	from, to := g.elements[r.From], g.elements[r.To]
	return from == nil || to == nil || t.inScope(from.Path) || t.inScope(to.Path)
}

func (t LifecycleTracker) inScope(path string) bool {
	if t.Scope == nil || path == "" {
		return true
	}
	return t.Scope.Contains(path)
}
