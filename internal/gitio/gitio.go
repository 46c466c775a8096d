// Package gitio provides Git repository I/O operations using go-git.
package gitio

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"vcs2graph/internal/graph"
)

// Repository wraps a go-git repository.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens an existing Git repository.
func Open(repoPath string) (*Repository, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repository{repo: repo, path: repoPath}, nil
}

// Path returns the path the repository was opened from.
func (r *Repository) Path() string {
	return r.path
}

// ResolveRef resolves a git reference (branch name, tag, commit hash or any
// other revision expression) to a commit. An empty name resolves HEAD.
func (r *Repository) ResolveRef(refName string) (*object.Commit, error) {
	if refName == "" {
		refName = "HEAD"
	}

	// Try as a branch first
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(refName), true)
	if err == nil {
		commit, err := r.repo.CommitObject(ref.Hash())
		if err != nil {
			return nil, fmt.Errorf("getting commit: %w", err)
		}
		return commit, nil
	}

	// Tags, short hashes, HEAD~n and friends
	hash, err := r.repo.ResolveRevision(plumbing.Revision(refName))
	if err != nil {
		return nil, fmt.Errorf("resolving ref %q: not a branch, tag, or commit hash", refName)
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("getting commit: %w", err)
	}
	return commit, nil
}

// History returns the first-parent history ending at to, oldest first. When
// from is not empty the history starts at that commit, which must be a
// first-parent ancestor of to.
func (r *Repository) History(from, to string) ([]*object.Commit, error) {
	head, err := r.ResolveRef(to)
	if err != nil {
		return nil, err
	}
	var stop plumbing.Hash
	if from != "" {
		first, err := r.ResolveRef(from)
		if err != nil {
			return nil, err
		}
		stop = first.Hash
	}

	var commits []*object.Commit
	for c := head; ; {
		commits = append(commits, c)
		if c.Hash == stop || c.NumParents() == 0 {
			break
		}
		c, err = c.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("walking history: %w", err)
		}
	}
	if from != "" && commits[len(commits)-1].Hash != stop {
		return nil, fmt.Errorf("%q is not a first-parent ancestor of %q", from, to)
	}

	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits, nil
}

// DiffFiles returns the paths that differ between two commits, with rename
// detection. A nil base diffs against the empty tree.
func (r *Repository) DiffFiles(ctx context.Context, baseCommit, headCommit *object.Commit) (graph.ChangeSet, error) {
	var cs graph.ChangeSet

	var baseTree *object.Tree
	if baseCommit != nil {
		t, err := baseCommit.Tree()
		if err != nil {
			return cs, fmt.Errorf("getting base tree: %w", err)
		}
		baseTree = t
	}

	headTree, err := headCommit.Tree()
	if err != nil {
		return cs, fmt.Errorf("getting head tree: %w", err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, &object.DiffTreeOptions{
		DetectRenames: true,
		RenameScore:   60,
		RenameLimit:   1000,
	})
	if err != nil {
		return cs, fmt.Errorf("computing diff: %w", err)
	}

	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			continue
		}

		switch action {
		case merkletrie.Insert:
			cs.Added = append(cs.Added, change.To.Name)
		case merkletrie.Delete:
			cs.Deleted = append(cs.Deleted, change.From.Name)
		case merkletrie.Modify:
			if change.From.Name != change.To.Name {
				if cs.Renamed == nil {
					cs.Renamed = make(map[string]string)
				}
				cs.Renamed[change.From.Name] = change.To.Name
				if change.From.TreeEntry.Hash != change.To.TreeEntry.Hash {
					cs.Modified = append(cs.Modified, change.To.Name)
				}
				continue
			}
			cs.Modified = append(cs.Modified, change.From.Name)
		}
	}

	return cs, nil
}

// Revision is one commit of the linearized history.
type Revision struct {
	Index     int
	CommitID  string
	Timestamp time.Time
	Author    string
	Message   string
	Changes   graph.ChangeSet

	commit *object.Commit
}

// Crawler yields the revisions of a first-parent history in order.
type Crawler struct {
	repo    *Repository
	commits []*object.Commit
	next    int
}

// Crawl returns a crawler over History(from, to).
func (r *Repository) Crawl(from, to string) (*Crawler, error) {
	commits, err := r.History(from, to)
	if err != nil {
		return nil, err
	}
	return &Crawler{repo: r, commits: commits}, nil
}

// Len returns the number of revisions in the history.
func (c *Crawler) Len() int {
	return len(c.commits)
}

// CommitID returns the commit hash of revision index.
func (c *Crawler) CommitID(index int) (string, bool) {
	if index < 0 || index >= len(c.commits) {
		return "", false
	}
	return c.commits[index].Hash.String(), true
}

// Skip advances the crawler past n revisions without diffing them.
func (c *Crawler) Skip(n int) {
	c.next = min(c.next+n, len(c.commits))
}

// Next returns the next revision, or nil when the history is exhausted.
func (c *Crawler) Next(ctx context.Context) (*Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.next >= len(c.commits) {
		return nil, nil
	}

	i := c.next
	commit := c.commits[i]
	var parent *object.Commit
	if i > 0 {
		parent = c.commits[i-1]
	} else if commit.NumParents() > 0 {
		p, err := commit.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("getting parent of %s: %w", commit.Hash, err)
		}
		parent = p
	}

	changes, err := c.repo.DiffFiles(ctx, parent, commit)
	if err != nil {
		return nil, fmt.Errorf("diffing %s: %w", commit.Hash, err)
	}
	c.next++

	return &Revision{
		Index:     i,
		CommitID:  commit.Hash.String(),
		Timestamp: commit.Committer.When,
		Author:    commit.Author.Name,
		Message:   firstLine(commit.Message),
		Changes:   changes,
		commit:    commit,
	}, nil
}

// Materialize replaces the contents of dir with the tree of rev.
func (c *Crawler) Materialize(ctx context.Context, rev *Revision, dir string) error {
	if rev.commit == nil {
		return fmt.Errorf("revision %d was not produced by this crawler", rev.Index)
	}
	tree, err := rev.commit.Tree()
	if err != nil {
		return fmt.Errorf("getting tree: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing work tree: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating work tree: %w", err)
	}

	return tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return writeFile(dir, f)
	})
}

func writeFile(dir string, f *object.File) error {
	dst := filepath.Join(dir, filepath.FromSlash(f.Name))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", f.Name, err)
	}

	if f.Mode == filemode.Symlink {
		target, err := f.Contents()
		if err != nil {
			return fmt.Errorf("reading link %s: %w", f.Name, err)
		}
		return os.Symlink(target, dst)
	}

	perm := os.FileMode(0644)
	if f.Mode == filemode.Executable {
		perm = 0755
	}

	reader, err := f.Reader()
	if err != nil {
		return fmt.Errorf("opening file %s: %w", f.Name, err)
	}
	defer reader.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return out.Close()
}

func firstLine(msg string) string {
	msg = strings.TrimSpace(msg)
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
