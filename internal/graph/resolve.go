package graph

import (
	"fmt"
	"sort"
	"strings"
)

// IdentityResolver maps the raw nodes of one revision to stable element ids
// on the graph being built for that revision.
//
// Resolution order for a node: an explicit rename of its source path, then an
// active element with the same name and kind, then a fresh id. There is no
// similarity matching, and each element is claimed by at most one node per
// revision.
type IdentityResolver struct {
	g        *Graph
	revision int

	renamedFrom map[string]string // new path -> old path
	modified    map[string]bool
	byPath      map[string][]ElementID // active elements at renamed-from paths

	seen    map[elementKey]bool
	claimed map[ElementID]bool
	byName  map[string]ElementID

	added     map[ElementID]bool
	changed   map[ElementID]bool
	displaced []ElementID
	anomalies []Anomaly
}

// NewIdentityResolver prepares resolution of revision against g. g must be
// the working copy for that revision; it is mutated as nodes resolve.
func NewIdentityResolver(g *Graph, changes ChangeSet, revision int) *IdentityResolver {
	r := &IdentityResolver{
		g:           g,
		revision:    revision,
		renamedFrom: make(map[string]string, len(changes.Renamed)),
		modified:    make(map[string]bool, len(changes.Modified)),
		byPath:      make(map[string][]ElementID),
		seen:        make(map[elementKey]bool),
		claimed:     make(map[ElementID]bool),
		byName:      make(map[string]ElementID),
		added:       make(map[ElementID]bool),
		changed:     make(map[ElementID]bool),
	}
	for oldPath, newPath := range changes.Renamed {
		r.renamedFrom[newPath] = oldPath
		r.byPath[oldPath] = nil
	}
	for _, p := range changes.Modified {
		r.modified[p] = true
	}
	if len(r.byPath) > 0 {
		for _, id := range g.active {
			e := g.elements[id]
			if _, ok := r.byPath[e.Path]; ok {
				r.byPath[e.Path] = append(r.byPath[e.Path], id)
			}
		}
		for p := range r.byPath {
			ids := r.byPath[p]
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		}
	}
	return r
}

// IsRenamed reports whether the node sits at the new path of a rename.
func (r *IdentityResolver) IsRenamed(raw RawNode) bool {
	_, ok := r.renamedFrom[raw.Path]
	return ok
}

// Resolve returns the element id for raw. The second result is false when
// raw duplicates a node already resolved in this revision; the duplicate is
// recorded as an anomaly and must be discarded.
func (r *IdentityResolver) Resolve(raw RawNode) (ElementID, bool) {
	k := elementKey{raw.Name, raw.Kind}
	if r.seen[k] {
		r.anomalies = append(r.anomalies, Anomaly{
			Kind:   AnomalyDuplicateNode,
			Detail: fmt.Sprintf("%s %q reported more than once", raw.Kind, raw.Name),
		})
		return 0, false
	}
	r.seen[k] = true

	if id, ok := r.fromRename(raw); ok {
		r.claim(id, raw)
		return id, true
	}
	if id, ok := r.g.active[k]; ok && !r.claimed[id] {
		r.claim(id, raw)
		return id, true
	}

	e := r.g.allocate(raw, r.revision)
	r.claimed[e.ID] = true
	r.added[e.ID] = true
	r.index(raw.Name, e.ID)
	return e.ID, true
}

// Lookup returns the element resolved for a qualified name in this revision.
func (r *IdentityResolver) Lookup(name string) (ElementID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Resolved returns the set of ids claimed in this revision.
func (r *IdentityResolver) Resolved() map[ElementID]bool {
	return r.claimed
}

// Anomalies returns the anomalies recorded so far.
func (r *IdentityResolver) Anomalies() []Anomaly {
	return r.anomalies
}

func (r *IdentityResolver) fromRename(raw RawNode) (ElementID, bool) {
	oldPath, ok := r.renamedFrom[raw.Path]
	if !ok {
		return 0, false
	}

	var candidates []*Element
	for _, id := range r.byPath[oldPath] {
		e := r.g.elements[id]
		if r.claimed[id] || e.Kind != raw.Kind || e.Status != StatusActive || e.Path != oldPath {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return 0, false
	}

	for _, e := range candidates {
		if e.Name == raw.Name {
			return e.ID, true
		}
	}
	oldName := strings.ReplaceAll(raw.Name, raw.Path, oldPath)
	for _, e := range candidates {
		if e.Name == oldName {
			return e.ID, true
		}
	}
	if len(candidates) == 1 {
		return candidates[0].ID, true
	}
	return 0, false
}

func (r *IdentityResolver) claim(id ElementID, raw RawNode) {
	e := r.g.elements[id]
	r.claimed[id] = true
	r.index(raw.Name, id)

	changed := false
	if e.Name != raw.Name || e.Path != raw.Path {
		if other := r.g.rename(e, raw.Name, raw.Path); other != 0 {
			r.displaced = append(r.displaced, other)
		}
		changed = true
	}
	if e.Kind == KindFile && r.modified[e.Path] {
		changed = true
	}
	e.LastSeen = r.revision

	if changed {
		e.Modified = append(e.Modified, r.revision)
		r.changed[id] = true
	}
}

func (r *IdentityResolver) index(name string, id ElementID) {
	if _, ok := r.byName[name]; !ok {
		r.byName[name] = id
	}
}
