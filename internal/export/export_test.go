package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"vcs2graph/internal/graph"
)

// history merges two revisions: a file with two functions, then one of the
// functions removed.
func history(t *testing.T) (*graph.Graph, []*graph.Delta) {
	t.Helper()
	m := graph.NewMerger(nil)
	g := graph.New()
	snaps := []*graph.Snapshot{
		{
			Nodes: []graph.RawNode{
				{Name: "a.c", Kind: graph.KindFile, Path: "a.c"},
				{Name: "a.c::f", Kind: graph.KindFunction, Path: "a.c"},
				{Name: "a.c::g", Kind: graph.KindFunction, Path: "a.c"},
			},
			Edges: []graph.RawEdge{{From: "a.c::f", To: "a.c::g", Kind: graph.RelCalls}},
		},
		{
			Nodes: []graph.RawNode{
				{Name: "a.c", Kind: graph.KindFile, Path: "a.c"},
				{Name: "a.c::f", Kind: graph.KindFunction, Path: "a.c"},
			},
		},
	}
	var deltas []*graph.Delta
	for rev, snap := range snaps {
		var (
			d   *graph.Delta
			err error
		)
		g, d, err = m.Merge(g, snap, graph.ChangeSet{Modified: []string{"a.c"}}, rev, true)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		d.CommitID = "commit" + string(rune('0'+rev))
		deltas = append(deltas, d)
	}
	return g, deltas
}

func readDocument(t *testing.T, path string) *Document {
	t.Helper()
	data, err := ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
	return &doc
}

func TestExporter_Revision(t *testing.T) {
	dir := t.TempDir()
	x := New(dir, false)
	g, deltas := history(t)

	for _, d := range deltas {
		if err := x.Revision(g, d); err != nil {
			t.Fatalf("Revision %d failed: %v", d.Revision, err)
		}
	}

	doc := readDocument(t, filepath.Join(dir, GraphFile))
	if doc.Revision != 1 || doc.CommitID != "commit1" || doc.Schema != SchemaVersion {
		t.Errorf("header = %d %q schema %d", doc.Revision, doc.CommitID, doc.Schema)
	}
	if diff := cmp.Diff(ElementColumns, doc.Elements.Columns); diff != "" {
		t.Errorf("element columns (-want +got):\n%s", diff)
	}
	if len(doc.Elements.Rows) != 3 || len(doc.Relations.Rows) != 1 {
		t.Fatalf("got %d elements and %d relations", len(doc.Elements.Rows), len(doc.Relations.Rows))
	}

	// a.c::g is deleted in revision 1 and was last seen in revision 0
	var g2 []any
	for _, row := range doc.Elements.Rows {
		if row[1] == "a.c::g" {
			g2 = row
		}
	}
	if g2 == nil {
		t.Fatal("a.c::g missing from export")
	}
	if g2[5] != float64(0) || g2[6] != string(graph.StatusDeleted) {
		t.Errorf("a.c::g row = %v", g2)
	}
	if rel := doc.Relations.Rows[0]; rel[6] != string(graph.StatusDeleted) {
		t.Errorf("relation row = %v", rel)
	}

	for _, rev := range []string{"0", "1"} {
		data, err := ReadFile(filepath.Join(dir, DeltaDir, rev+".json"))
		if err != nil {
			t.Fatalf("reading delta %s: %v", rev, err)
		}
		var d graph.Delta
		if err := json.Unmarshal(data, &d); err != nil {
			t.Fatal(err)
		}
		if want := "commit" + rev; d.CommitID != want {
			t.Errorf("delta %s commit = %q, want %q", rev, d.CommitID, want)
		}
	}

	m, err := ReadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"deltas/0.json", "deltas/1.json", "graph.json"}
	var got []string
	for name := range m.Files {
		got = append(got, name)
	}
	if diff := cmp.Diff(want, got, cmpSorted); diff != "" {
		t.Errorf("manifest files (-want +got):\n%s", diff)
	}
}

func TestExporter_Compressed(t *testing.T) {
	dir := t.TempDir()
	x := New(dir, true)
	g, deltas := history(t)

	if err := x.Revision(g, deltas[1]); err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, GraphFile)); !os.IsNotExist(err) {
		t.Error("expected no uncompressed graph file")
	}

	doc := readDocument(t, filepath.Join(dir, GraphFile+".zst"))
	if len(doc.Elements.Rows) != 3 {
		t.Errorf("got %d element rows", len(doc.Elements.Rows))
	}

	bad, err := Verify(dir)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("Verify reported %v", bad)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	x := New(dir, false)
	g, deltas := history(t)
	for _, d := range deltas {
		if err := x.Revision(g, d); err != nil {
			t.Fatal(err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, DeltaDir, "0.json"), []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, GraphFile)); err != nil {
		t.Fatal(err)
	}

	bad, err := Verify(dir)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"deltas/0.json", "graph.json"}, bad); diff != "" {
		t.Errorf("Verify (-want +got):\n%s", diff)
	}
}

func TestNewDocument_Empty(t *testing.T) {
	doc := NewDocument(graph.New(), "")
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["revision"]) != "-1" {
		t.Errorf("revision = %s", raw["revision"])
	}
	var elements struct {
		Rows json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(raw["elements"], &elements); err != nil {
		t.Fatal(err)
	}
	if string(elements.Rows) != "[]" {
		t.Errorf("empty graph rows = %s, want []", elements.Rows)
	}
}

var cmpSorted = cmpopts.SortSlices(func(a, b string) bool { return a < b })

func TestExporter_RevisionBatch(t *testing.T) {
	dir := t.TempDir()
	x := New(dir, false)
	if got := x.LastRevision(); got != -1 {
		t.Errorf("LastRevision on empty dir = %d, want -1", got)
	}

	g, deltas := history(t)
	if err := x.Revision(g, deltas...); err != nil {
		t.Fatalf("Revision failed: %v", err)
	}

	m, err := ReadManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.Revision != 1 || m.CommitID != "commit1" || len(m.Files) != 3 {
		t.Errorf("manifest = %+v", m)
	}
	if got := x.LastRevision(); got != 1 {
		t.Errorf("LastRevision = %d, want 1", got)
	}
	if got := New(dir, true).LastRevision(); got != -1 {
		t.Errorf("LastRevision of compressed exporter over plain export = %d, want -1", got)
	}
}
