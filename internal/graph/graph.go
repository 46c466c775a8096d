package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

type elementKey struct {
	name string
	kind Kind
}

type relationKey struct {
	from, to ElementID
	kind     RelationKind
}

// Graph is the cumulative, revision-annotated graph. It is mutated only by
// Merge, which works on a clone; callers may read a Graph freely between
// revisions.
type Graph struct {
	revision     int
	nextElement  ElementID
	nextRelation RelationID

	elements  map[ElementID]*Element
	relations map[RelationID]*Relation

	// Active indexes. At most one active element per (name, kind) and one
	// active relation per (from, to, kind).
	active    map[elementKey]ElementID
	activeRel map[relationKey]RelationID
}

// New returns an empty graph that has not merged any revision.
func New() *Graph {
	return &Graph{
		revision:  -1,
		elements:  make(map[ElementID]*Element),
		relations: make(map[RelationID]*Relation),
		active:    make(map[elementKey]ElementID),
		activeRel: make(map[relationKey]RelationID),
	}
}

// Revision returns the last merged revision index, or -1.
func (g *Graph) Revision() int {
	return g.revision
}

// Element returns a copy of the element with the given id.
func (g *Graph) Element(id ElementID) (Element, bool) {
	e, ok := g.elements[id]
	if !ok {
		return Element{}, false
	}
	return copyElement(e), true
}

// Relation returns a copy of the relation with the given id.
func (g *Graph) Relation(id RelationID) (Relation, bool) {
	r, ok := g.relations[id]
	if !ok {
		return Relation{}, false
	}
	return *r, true
}

// Lookup returns the active element with the given name and kind.
func (g *Graph) Lookup(name string, kind Kind) (Element, bool) {
	id, ok := g.active[elementKey{name, kind}]
	if !ok {
		return Element{}, false
	}
	return g.Element(id)
}

// Elements returns all elements, active and deleted, ordered by id.
func (g *Graph) Elements() []Element {
	out := make([]Element, 0, len(g.elements))
	for _, e := range g.elements {
		out = append(out, copyElement(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Relations returns all relations, active and deleted, ordered by id.
func (g *Graph) Relations() []Relation {
	out := make([]Relation, 0, len(g.relations))
	for _, r := range g.relations {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats summarises the graph.
type Stats struct {
	Elements        int `json:"elements"`
	ActiveElements  int `json:"active_elements"`
	Relations       int `json:"relations"`
	ActiveRelations int `json:"active_relations"`
}

// Stats counts elements and relations.
func (g *Graph) Stats() Stats {
	return Stats{
		Elements:        len(g.elements),
		ActiveElements:  len(g.active),
		Relations:       len(g.relations),
		ActiveRelations: len(g.activeRel),
	}
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		revision:     g.revision,
		nextElement:  g.nextElement,
		nextRelation: g.nextRelation,
		elements:     make(map[ElementID]*Element, len(g.elements)),
		relations:    make(map[RelationID]*Relation, len(g.relations)),
		active:       make(map[elementKey]ElementID, len(g.active)),
		activeRel:    make(map[relationKey]RelationID, len(g.activeRel)),
	}
	for id, e := range g.elements {
		ce := copyElement(e)
		c.elements[id] = &ce
	}
	for id, r := range g.relations {
		cr := *r
		c.relations[id] = &cr
	}
	for k, v := range g.active {
		c.active[k] = v
	}
	for k, v := range g.activeRel {
		c.activeRel[k] = v
	}
	return c
}

func copyElement(e *Element) Element {
	c := *e
	if e.Modified != nil {
		c.Modified = append([]int(nil), e.Modified...)
	}
	return c
}

func (g *Graph) allocate(raw RawNode, revision int) *Element {
	g.nextElement++
	e := &Element{
		ID:        g.nextElement,
		Name:      raw.Name,
		Kind:      raw.Kind,
		Path:      raw.Path,
		FirstSeen: revision,
		LastSeen:  revision,
		Status:    StatusActive,
	}
	g.elements[e.ID] = e
	g.active[elementKey{e.Name, e.Kind}] = e.ID
	return e
}

func (g *Graph) allocateRelation(k relationKey, revision int) *Relation {
	g.nextRelation++
	r := &Relation{
		ID:        g.nextRelation,
		From:      k.from,
		To:        k.to,
		Kind:      k.kind,
		FirstSeen: revision,
		LastSeen:  revision,
		Status:    StatusActive,
	}
	g.relations[r.ID] = r
	g.activeRel[k] = r.ID
	return r
}

// rename moves an active element to a new name and path, keeping the index
// consistent. It returns the id of an active element that previously held
// the new key, or 0.
func (g *Graph) rename(e *Element, name, path string) ElementID {
	oldKey := elementKey{e.Name, e.Kind}
	newKey := elementKey{name, e.Kind}
	if g.active[oldKey] == e.ID {
		delete(g.active, oldKey)
	}
	displaced := g.active[newKey]
	g.active[newKey] = e.ID
	e.Name = name
	e.Path = path
	if displaced == e.ID {
		return 0
	}
	return displaced
}

// retire marks an element deleted. Its last confirmed revision is
// revision-1.
func (g *Graph) retire(e *Element, revision int) {
	e.Status = StatusDeleted
	e.LastSeen = revision - 1
	k := elementKey{e.Name, e.Kind}
	if g.active[k] == e.ID {
		delete(g.active, k)
	}
}

func (g *Graph) retireRelation(r *Relation, revision int) {
	r.Status = StatusDeleted
	r.LastSeen = revision - 1
	k := relationKey{r.From, r.To, r.Kind}
	if g.activeRel[k] == r.ID {
		delete(g.activeRel, k)
	}
}

type wireGraph struct {
	Revision     int        `json:"revision"`
	NextElement  ElementID  `json:"next_element"`
	NextRelation RelationID `json:"next_relation"`
	Elements     []Element  `json:"elements"`
	Relations    []Relation `json:"relations"`
}

// MarshalJSON encodes the graph with elements and relations ordered by id.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireGraph{
		Revision:     g.revision,
		NextElement:  g.nextElement,
		NextRelation: g.nextRelation,
		Elements:     g.Elements(),
		Relations:    g.Relations(),
	})
}

// UnmarshalJSON decodes a graph and rebuilds its indexes. Inconsistent input
// (duplicate ids, two active elements for one name and kind, dangling
// relation endpoints) is rejected.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var w wireGraph
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	n := New()
	n.revision = w.Revision
	n.nextElement = w.NextElement
	n.nextRelation = w.NextRelation

	for i := range w.Elements {
		e := w.Elements[i]
		if e.ID <= 0 || e.ID > n.nextElement {
			return fmt.Errorf("element id %d out of range", e.ID)
		}
		if _, dup := n.elements[e.ID]; dup {
			return fmt.Errorf("duplicate element id %d", e.ID)
		}
		n.elements[e.ID] = &e
		if e.Status == StatusActive {
			k := elementKey{e.Name, e.Kind}
			if other, taken := n.active[k]; taken {
				return fmt.Errorf("elements %d and %d both active as %s %q", other, e.ID, e.Kind, e.Name)
			}
			n.active[k] = e.ID
		}
	}

	for i := range w.Relations {
		r := w.Relations[i]
		if r.ID <= 0 || r.ID > n.nextRelation {
			return fmt.Errorf("relation id %d out of range", r.ID)
		}
		if _, dup := n.relations[r.ID]; dup {
			return fmt.Errorf("duplicate relation id %d", r.ID)
		}
		from, okFrom := n.elements[r.From]
		to, okTo := n.elements[r.To]
		if !okFrom || !okTo {
			return fmt.Errorf("relation %d references unknown element", r.ID)
		}
		n.relations[r.ID] = &r
		if r.Status == StatusActive {
			if from.Status != StatusActive || to.Status != StatusActive {
				return fmt.Errorf("active relation %d has a deleted endpoint", r.ID)
			}
			n.activeRel[relationKey{r.From, r.To, r.Kind}] = r.ID
		}
	}

	*g = *n
	return nil
}
