package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vcs2graph/internal/graph"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "checkpoint.db"), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleGraph(t *testing.T, revisions int) (*graph.Graph, []*graph.Delta) {
	t.Helper()
	m := graph.NewMerger(nil)
	g := graph.New()
	var deltas []*graph.Delta
	for rev := 0; rev < revisions; rev++ {
		nodes := []graph.RawNode{
			{Name: "main.c", Kind: graph.KindFile, Path: "main.c"},
			{Name: "main", Kind: graph.KindFunction, Path: "main.c"},
		}
		if rev%2 == 0 {
			nodes = append(nodes, graph.RawNode{Name: "helper", Kind: graph.KindFunction, Path: "main.c"})
		}
		var (
			d   *graph.Delta
			err error
		)
		g, d, err = m.Merge(g, &graph.Snapshot{
			Nodes: nodes,
			Edges: []graph.RawEdge{{From: "main", To: "helper", Kind: graph.RelCalls}},
		}, graph.ChangeSet{}, rev, true)
		if err != nil {
			t.Fatalf("merge: %v", err)
		}
		deltas = append(deltas, d)
	}
	return g, deltas
}

func TestLoad_Empty(t *testing.T) {
	s := setupTestStore(t)

	cp, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp != nil {
		t.Errorf("expected no checkpoint, got revision %d", cp.Revision)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	g, deltas := sampleGraph(t, 3)

	err := s.Save(ctx, &Checkpoint{Revision: 2, CommitID: "abc123", RunID: "run-1", Graph: g}, deltas[2])
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cp, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp == nil {
		t.Fatal("expected checkpoint, got nil")
	}
	if cp.Revision != 2 || cp.CommitID != "abc123" || cp.RunID != "run-1" {
		t.Errorf("checkpoint header = %d %q %q", cp.Revision, cp.CommitID, cp.RunID)
	}
	if diff := cmp.Diff(g.Elements(), cp.Graph.Elements()); diff != "" {
		t.Errorf("elements (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(g.Relations(), cp.Graph.Relations()); diff != "" {
		t.Errorf("relations (-want +got):\n%s", diff)
	}
	if cp.UpdatedAt == 0 {
		t.Error("expected updated_at to be set")
	}
}

func TestSave_RejectsStaleRevision(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	g, _ := sampleGraph(t, 2)

	if err := s.Save(ctx, &Checkpoint{Revision: 1, CommitID: "b", Graph: g}, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	err := s.Save(ctx, &Checkpoint{Revision: 1, CommitID: "again", Graph: g}, nil)
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	cp, err := s.Load(ctx)
	if err != nil || cp == nil {
		t.Fatalf("Load after rejected save: %v", err)
	}
	if cp.CommitID != "b" {
		t.Errorf("rejected save changed checkpoint to %q", cp.CommitID)
	}
}

func TestDeltas_Log(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	g := graph.New()
	m := graph.NewMerger(nil)

	snaps := [][]graph.RawNode{
		{{Name: "a", Kind: graph.KindFile, Path: "a"}},
		{{Name: "a", Kind: graph.KindFile, Path: "a"}, {Name: "b", Kind: graph.KindFile, Path: "b"}},
		{{Name: "b", Kind: graph.KindFile, Path: "b"}},
	}
	for rev, nodes := range snaps {
		var (
			d   *graph.Delta
			err error
		)
		g, d, err = m.Merge(g, &graph.Snapshot{Nodes: nodes}, graph.ChangeSet{}, rev, rev != 1)
		if err != nil {
			t.Fatal(err)
		}
		d.CommitID = strings.Repeat("c", rev+1)
		if err := s.Save(ctx, &Checkpoint{Revision: rev, CommitID: d.CommitID, Graph: g}, d); err != nil {
			t.Fatalf("Save %d failed: %v", rev, err)
		}
	}

	all, err := s.Deltas(ctx, 0)
	if err != nil {
		t.Fatalf("Deltas failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 deltas, got %d", len(all))
	}
	for i, d := range all {
		if d.Revision != i {
			t.Errorf("delta %d has revision %d", i, d.Revision)
		}
	}
	if !all[1].Incomplete {
		t.Error("expected revision 1 to be incomplete")
	}
	if len(all[2].Added) != 1 {
		t.Errorf("revision 2 added = %v, want b", all[2].Added)
	}

	tail, err := s.Deltas(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 1 || tail[0].CommitID != "ccc" {
		t.Errorf("tail = %+v", tail)
	}
}

func TestLoad_CorruptCheckpointStartsOver(t *testing.T) {
	var logs bytes.Buffer
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s, err := Open(path, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	g, deltas := sampleGraph(t, 1)
	if err := s.Save(ctx, &Checkpoint{Revision: 0, Graph: g}, deltas[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := s.conn.Exec(`UPDATE checkpoint SET graph = x'00112233'`); err != nil {
		t.Fatal(err)
	}

	cp, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error for corrupt checkpoint: %v", err)
	}
	if cp != nil {
		t.Fatal("expected corrupt checkpoint to be discarded")
	}
	if !strings.Contains(logs.String(), "checkpoint corrupt") {
		t.Errorf("expected corruption warning, got %q", logs.String())
	}

	// The store starts over cleanly: revision 0 can be saved again.
	if err := s.Save(ctx, &Checkpoint{Revision: 0, Graph: g}, deltas[0]); err != nil {
		t.Fatalf("Save after reset failed: %v", err)
	}
	if all, _ := s.Deltas(ctx, 0); len(all) != 1 {
		t.Errorf("expected delta log to restart, got %d entries", len(all))
	}
}

func TestOpen_GarbageFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint.db")
	if err := os.WriteFile(path, bytes.Repeat([]byte("not a database "), 512), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Open failed on garbage file: %v", err)
	}
	defer s.Close()

	cp, err := s.Load(context.Background())
	if err != nil || cp != nil {
		t.Errorf("Load = %v, %v; want no checkpoint", cp, err)
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) == 0 {
		t.Error("expected corrupt file to be kept aside")
	}
}
