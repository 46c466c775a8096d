// Package export writes the evolution graph in a stable tabular JSON schema
// for visualization consumers: one graph document with element and relation
// tables, one delta file per revision, and a manifest of blake3 digests.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"vcs2graph/internal/cas"
	"vcs2graph/internal/graph"
)

// File names inside the export directory.
const (
	GraphFile    = "graph.json"
	ManifestFile = "manifest.json"
	DeltaDir     = "deltas"
)

// SchemaVersion is bumped whenever a column changes meaning.
const SchemaVersion = 1

// Element and relation table columns, in row order.
var (
	ElementColumns  = []string{"id", "name", "kind", "path", "first_seen", "last_seen", "status", "modified"}
	RelationColumns = []string{"id", "from", "to", "kind", "first_seen", "last_seen", "status"}
)

// Table is a column-oriented table.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Document is the graph file.
type Document struct {
	Schema    int    `json:"schema"`
	Revision  int    `json:"revision"`
	CommitID  string `json:"commit"`
	Elements  Table  `json:"elements"`
	Relations Table  `json:"relations"`
}

// Manifest lists the exported files with the blake3 digest of their
// uncompressed content.
type Manifest struct {
	Schema   int               `json:"schema"`
	Revision int               `json:"revision"`
	CommitID string            `json:"commit"`
	Files    map[string]string `json:"files"`
}

// Exporter writes export files below Dir.
type Exporter struct {
	Dir      string
	Compress bool

	pending []manifestEntry // deltas written since the last manifest update
}

// New returns an exporter writing to dir.
func New(dir string, compress bool) *Exporter {
	return &Exporter{Dir: dir, Compress: compress}
}

// NewDocument renders g as element and relation tables ordered by id.
func NewDocument(g *graph.Graph, commitID string) *Document {
	doc := &Document{
		Schema:    SchemaVersion,
		Revision:  g.Revision(),
		CommitID:  commitID,
		Elements:  Table{Columns: ElementColumns, Rows: [][]any{}},
		Relations: Table{Columns: RelationColumns, Rows: [][]any{}},
	}
	for _, e := range g.Elements() {
		modified := e.Modified
		if modified == nil {
			modified = []int{}
		}
		doc.Elements.Rows = append(doc.Elements.Rows, []any{
			e.ID, e.Name, e.Kind, e.Path, e.FirstSeen, e.LastSeen, e.Status, modified,
		})
	}
	for _, r := range g.Relations() {
		doc.Relations.Rows = append(doc.Relations.Rows, []any{
			r.ID, r.From, r.To, r.Kind, r.FirstSeen, r.LastSeen, r.Status,
		})
	}
	return doc
}

// Revision writes the deltas of one or more merged revisions, oldest first,
// then the graph document, and refreshes the manifest. The manifest names
// the commit of the last delta.
func (x *Exporter) Revision(g *graph.Graph, deltas ...*graph.Delta) error {
	var commitID string
	for _, d := range deltas {
		if err := x.WriteDelta(d); err != nil {
			x.pending = nil
			return err
		}
		commitID = d.CommitID
	}
	return x.WriteGraph(g, commitID)
}

// LastRevision returns the revision recorded in the manifest, or -1 when the
// directory holds no readable export.
func (x *Exporter) LastRevision() int {
	m, err := ReadManifest(x.Dir)
	if err != nil || m.Files[x.fileName(GraphFile)] == "" {
		return -1
	}
	return m.Revision
}

// WriteGraph writes the graph document and refreshes the manifest.
func (x *Exporter) WriteGraph(g *graph.Graph, commitID string) error {
	name, digest, err := x.write(GraphFile, NewDocument(g, commitID))
	if err != nil {
		return err
	}
	return x.updateManifest(g.Revision(), commitID, name, digest)
}

// WriteDelta writes deltas/<revision>.json. The manifest is refreshed by
// the next WriteGraph.
func (x *Exporter) WriteDelta(d *graph.Delta) error {
	name := filepath.Join(DeltaDir, strconv.Itoa(d.Revision)+".json")
	_, digest, err := x.write(name, d)
	if err != nil {
		return err
	}
	x.pending = append(x.pending, manifestEntry{x.fileName(name), digest})
	return nil
}

type manifestEntry struct {
	name   string
	digest string
}

func (x *Exporter) fileName(name string) string {
	if x.Compress {
		name += ".zst"
	}
	return filepath.ToSlash(name)
}

// write encodes v and stores it atomically, returning the stored file name
// and the digest of the uncompressed encoding.
func (x *Exporter) write(name string, v any) (string, string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encoding %s: %w", name, err)
	}
	data = append(data, '\n')
	digest := cas.DigestHex(data)

	if x.Compress {
		if data, err = cas.Compress(data); err != nil {
			return "", "", fmt.Errorf("compressing %s: %w", name, err)
		}
	}
	stored := x.fileName(name)
	if err := writeAtomic(filepath.Join(x.Dir, filepath.FromSlash(stored)), data); err != nil {
		return "", "", err
	}
	return stored, digest, nil
}

func (x *Exporter) updateManifest(revision int, commitID, name, digest string) error {
	path := filepath.Join(x.Dir, ManifestFile)
	m := Manifest{Files: make(map[string]string)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading manifest: %w", err)
	default:
		if err := json.Unmarshal(data, &m); err != nil || m.Files == nil {
			// Rebuilt from scratch below
			m = Manifest{Files: make(map[string]string)}
		}
	}

	m.Schema = SchemaVersion
	m.Revision = revision
	m.CommitID = commitID
	m.Files[name] = digest
	for _, p := range x.pending {
		m.Files[p.name] = p.digest
	}
	x.pending = nil

	data, err = json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// ReadManifest loads the manifest of an export directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// Verify checks every file listed in the manifest against its digest and
// returns the names that are missing or do not match, sorted.
func Verify(dir string) ([]string, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	var bad []string
	for name, digest := range m.Files {
		data, err := ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil || cas.DigestHex(data) != digest {
			bad = append(bad, name)
		}
	}
	sort.Strings(bad)
	return bad, nil
}

// ReadFile reads an export file, decompressing .zst files.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) == ".zst" {
		return cas.Decompress(data)
	}
	return data, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}
