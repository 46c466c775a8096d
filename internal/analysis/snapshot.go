package analysis

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"vcs2graph/internal/graph"
)

// DecodeJSON reads a snapshot in the native JSON format:
//
//	{"nodes":[{"name","kind","path"}],"edges":[{"from","to","kind"}]}
func DecodeJSON(r io.Reader) (*graph.Snapshot, error) {
	var snap graph.Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding json snapshot: %w", err)
	}
	for i, n := range snap.Nodes {
		if n.Name == "" || n.Kind == "" {
			return nil, fmt.Errorf("decoding json snapshot: node %d has no name or kind", i)
		}
	}
	for i, e := range snap.Edges {
		if e.From == "" || e.To == "" || e.Kind == "" {
			return nil, fmt.Errorf("decoding json snapshot: edge %d is incomplete", i)
		}
	}
	return &snap, nil
}

type gxlDocument struct {
	Graphs []gxlGraph `xml:"graph"`
}

type gxlGraph struct {
	Nodes []gxlNode `xml:"node"`
	Edges []gxlEdge `xml:"edge"`
}

type gxlType struct {
	Href string `xml:"href,attr"`
}

type gxlAttr struct {
	Name   string `xml:"name,attr"`
	String string `xml:"string"`
	Int    string `xml:"int"`
}

type gxlNode struct {
	ID    string    `xml:"id,attr"`
	Type  gxlType   `xml:"type"`
	Attrs []gxlAttr `xml:"attr"`
}

type gxlEdge struct {
	From string  `xml:"from,attr"`
	To   string  `xml:"to,attr"`
	Type gxlType `xml:"type"`
}

func (n *gxlNode) attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name == name {
			if a.String != "" {
				return a.String
			}
			return a.Int
		}
	}
	return ""
}

// gxlNodeKinds maps GXL node types onto element kinds. Unknown types are
// kept verbatim.
var gxlNodeKinds = map[string]graph.Kind{
	"File":        graph.KindFile,
	"Module":      graph.KindModule,
	"Package":     graph.KindModule,
	"Directory":   graph.KindModule,
	"Class":       graph.KindType,
	"Interface":   graph.KindType,
	"Type":        graph.KindType,
	"Record_Type": graph.KindType,
	"Enum_Type":   graph.KindType,
	"Routine":     graph.KindFunction,
	"Method":      graph.KindFunction,
	"Function":    graph.KindFunction,
	"Constructor": graph.KindFunction,
	"Variable":    graph.KindVariable,
	"Member":      graph.KindVariable,
	"Field":       graph.KindVariable,
	"Constant":    graph.KindVariable,
}

var gxlEdgeKinds = map[string]graph.RelationKind{
	"Call":              graph.RelCalls,
	"Static_Call":       graph.RelCalls,
	"Dispatching_Call":  graph.RelCalls,
	"Contains":          graph.RelContains,
	"Source_Dependency": graph.RelImports,
	"Import":            graph.RelImports,
	"Include":           graph.RelImports,
}

// DecodeGXL reads a snapshot in GXL, the graph exchange format written by
// Bauhaus-style analyzers. A node's name is its Linkage.Name attribute
// (Source.Name as fallback) and its path joins Source.Path and Source.File.
// Enclosing edges point from child to parent and become Contains edges from
// parent to child; edge types without a mapping become DependsOn.
func DecodeGXL(r io.Reader) (*graph.Snapshot, error) {
	var doc gxlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding gxl snapshot: %w", err)
	}

	snap := &graph.Snapshot{}
	for _, g := range doc.Graphs {
		names := make(map[string]string, len(g.Nodes))
		for i := range g.Nodes {
			n := &g.Nodes[i]
			name := n.attr("Linkage.Name")
			if name == "" {
				name = n.attr("Source.Name")
			}
			if name == "" {
				name = n.ID
			}
			if name == "" {
				return nil, fmt.Errorf("decoding gxl snapshot: node %d has no name", i)
			}
			kind, ok := gxlNodeKinds[n.Type.Href]
			if !ok {
				kind = graph.Kind(n.Type.Href)
			}
			if kind == "" {
				return nil, fmt.Errorf("decoding gxl snapshot: node %q has no type", name)
			}
			names[n.ID] = name
			snap.Nodes = append(snap.Nodes, graph.RawNode{
				Name: name,
				Kind: kind,
				Path: gxlPath(n.attr("Source.Path"), n.attr("Source.File")),
			})
		}

		for _, e := range g.Edges {
			from, okFrom := names[e.From]
			to, okTo := names[e.To]
			if !okFrom || !okTo {
				return nil, fmt.Errorf("decoding gxl snapshot: edge %s -> %s references unknown node", e.From, e.To)
			}
			if e.Type.Href == "Enclosing" {
				snap.Edges = append(snap.Edges, graph.RawEdge{From: to, To: from, Kind: graph.RelContains})
				continue
			}
			kind, ok := gxlEdgeKinds[e.Type.Href]
			if !ok {
				kind = graph.RelDependsOn
			}
			snap.Edges = append(snap.Edges, graph.RawEdge{From: from, To: to, Kind: kind})
		}
	}
	return snap, nil
}

func gxlPath(dir, file string) string {
	if file == "" {
		return ""
	}
	p := path.Join(strings.ReplaceAll(dir, "\\", "/"), file)
	return strings.TrimPrefix(p, "./")
}
