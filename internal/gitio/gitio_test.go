package gitio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"vcs2graph/internal/graph"
)

type testRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	wt   *git.Worktree
	when time.Time
}

func setupTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	return &testRepo{t: t, dir: dir, repo: repo, wt: wt, when: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (r *testRepo) write(path, content string) {
	r.t.Helper()
	full := filepath.Join(r.dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		r.t.Fatal(err)
	}
	if _, err := r.wt.Add(path); err != nil {
		r.t.Fatalf("add %s: %v", path, err)
	}
}

func (r *testRepo) remove(path string) {
	r.t.Helper()
	if _, err := r.wt.Remove(path); err != nil {
		r.t.Fatalf("remove %s: %v", path, err)
	}
}

func (r *testRepo) move(from, to string) {
	r.t.Helper()
	if err := os.MkdirAll(filepath.Dir(filepath.Join(r.dir, to)), 0755); err != nil {
		r.t.Fatal(err)
	}
	if _, err := r.wt.Move(from, to); err != nil {
		r.t.Fatalf("move %s: %v", from, err)
	}
}

func (r *testRepo) commit(msg string) plumbing.Hash {
	r.t.Helper()
	r.when = r.when.Add(time.Hour)
	h, err := r.wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: r.when},
	})
	if err != nil {
		r.t.Fatalf("commit: %v", err)
	}
	return h
}

// history builds three commits: an initial import, an edit, and a rename
// together with a deletion.
func history(t *testing.T) (*testRepo, []plumbing.Hash) {
	r := setupTestRepo(t)
	var hashes []plumbing.Hash

	r.write("src/a.c", "int a(void) { return 1; }\n")
	r.write("src/b.c", "int b(void) {\n  return 2;\n}\n\nint bb(void) {\n  return 22;\n}\n")
	hashes = append(hashes, r.commit("initial import\n\nwith a body"))

	r.write("src/a.c", "int a(void) { return 3; }\n")
	r.write("src/c.c", "int c(void) { return 4; }\n")
	hashes = append(hashes, r.commit("edit a, add c"))

	r.move("src/b.c", "lib/b.c")
	r.remove("src/c.c")
	hashes = append(hashes, r.commit("move b, drop c"))

	return r, hashes
}

func collect(t *testing.T, c *Crawler) []*Revision {
	t.Helper()
	var revs []*Revision
	for {
		rev, err := c.Next(context.Background())
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if rev == nil {
			return revs
		}
		revs = append(revs, rev)
	}
}

var sortStrings = cmpopts.SortSlices(func(a, b string) bool { return a < b })

func TestCrawler_Changes(t *testing.T) {
	r, hashes := history(t)
	repo, err := Open(r.dir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := repo.Crawl("", "")
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}

	revs := collect(t, c)
	want := []graph.ChangeSet{
		{Added: []string{"src/a.c", "src/b.c"}},
		{Added: []string{"src/c.c"}, Modified: []string{"src/a.c"}},
		{Deleted: []string{"src/c.c"}, Renamed: map[string]string{"src/b.c": "lib/b.c"}},
	}
	if len(revs) != len(want) {
		t.Fatalf("got %d revisions, want %d", len(revs), len(want))
	}
	for i, rev := range revs {
		if rev.Index != i {
			t.Errorf("revision %d has index %d", i, rev.Index)
		}
		if rev.CommitID != hashes[i].String() {
			t.Errorf("revision %d commit = %s, want %s", i, rev.CommitID, hashes[i])
		}
		if diff := cmp.Diff(want[i], rev.Changes, sortStrings, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("revision %d changes (-want +got):\n%s", i, diff)
		}
	}
	if revs[0].Message != "initial import" {
		t.Errorf("Message = %q", revs[0].Message)
	}
	if revs[0].Author != "Test" {
		t.Errorf("Author = %q", revs[0].Author)
	}
}

func TestCrawl_From(t *testing.T) {
	r, hashes := history(t)
	repo, err := Open(r.dir)
	if err != nil {
		t.Fatal(err)
	}

	c, err := repo.Crawl(hashes[1].String(), "")
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	revs := collect(t, c)
	if len(revs) != 2 {
		t.Fatalf("got %d revisions, want 2", len(revs))
	}
	// The first revision still diffs against its parent.
	want := graph.ChangeSet{Added: []string{"src/c.c"}, Modified: []string{"src/a.c"}}
	if diff := cmp.Diff(want, revs[0].Changes, sortStrings, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("changes (-want +got):\n%s", diff)
	}

	if _, err := repo.Crawl(hashes[2].String(), hashes[0].String()); err == nil {
		t.Error("expected error when from is not an ancestor of to")
	}
}

func TestCrawler_Skip(t *testing.T) {
	r, hashes := history(t)
	repo, err := Open(r.dir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := repo.Crawl("", "")
	if err != nil {
		t.Fatal(err)
	}

	if id, ok := c.CommitID(1); !ok || id != hashes[1].String() {
		t.Errorf("CommitID(1) = %s, %v", id, ok)
	}
	if _, ok := c.CommitID(3); ok {
		t.Error("expected CommitID(3) to be out of range")
	}

	c.Skip(2)
	revs := collect(t, c)
	if len(revs) != 1 || revs[0].Index != 2 {
		t.Fatalf("after Skip(2) got %d revisions", len(revs))
	}

	c.Skip(10)
	if rev, err := c.Next(context.Background()); rev != nil || err != nil {
		t.Errorf("Next after end = %v, %v", rev, err)
	}
}

func TestCrawler_Materialize(t *testing.T) {
	r, _ := history(t)
	repo, err := Open(r.dir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := repo.Crawl("", "")
	if err != nil {
		t.Fatal(err)
	}
	revs := collect(t, c)

	work := filepath.Join(t.TempDir(), "work")
	if err := os.MkdirAll(work, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(work, "stale.txt"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := c.Materialize(context.Background(), revs[2], work); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	for path, exists := range map[string]bool{
		"src/a.c":   true,
		"lib/b.c":   true,
		"src/b.c":   false,
		"src/c.c":   false,
		"stale.txt": false,
	} {
		_, err := os.Stat(filepath.Join(work, path))
		if got := err == nil; got != exists {
			t.Errorf("%s exists = %v, want %v", path, got, exists)
		}
	}

	data, err := os.ReadFile(filepath.Join(work, "src", "a.c"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "int a(void) { return 3; }\n" {
		t.Errorf("src/a.c = %q", data)
	}
}

func TestResolveRef(t *testing.T) {
	r, hashes := history(t)
	repo, err := Open(r.dir)
	if err != nil {
		t.Fatal(err)
	}

	head, err := repo.ResolveRef("")
	if err != nil {
		t.Fatalf("resolving HEAD: %v", err)
	}
	if head.Hash != hashes[2] {
		t.Errorf("HEAD = %s, want %s", head.Hash, hashes[2])
	}

	if _, err := r.repo.CreateTag("v1", hashes[0], nil); err != nil {
		t.Fatal(err)
	}
	tagged, err := repo.ResolveRef("v1")
	if err != nil {
		t.Fatalf("resolving tag: %v", err)
	}
	if tagged.Hash != hashes[0] {
		t.Errorf("v1 = %s, want %s", tagged.Hash, hashes[0])
	}

	if _, err := repo.ResolveRef("no-such-branch"); err == nil {
		t.Error("expected error for unknown ref")
	}
}
