package analysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"vcs2graph/internal/gitio"
	"vcs2graph/internal/graph"
	"vcs2graph/internal/parse"
	"vcs2graph/internal/scope"
)

// maxFileSize skips generated or vendored blobs that are not worth parsing.
const maxFileSize = 2 << 20

// TreeSitterAnalyzer is the built-in analyzer. It parses every supported
// source file below Directory and reports files, symbols, containment,
// calls and relative imports.
type TreeSitterAnalyzer struct {
	AnalyzerName string
	Directory    string
	Scope        *scope.Matcher // nil analyzes every file
	Timeout      time.Duration
	Workers      int // defaults to GOMAXPROCS
}

// Name returns the configured analyzer name.
func (a *TreeSitterAnalyzer) Name() string {
	return a.AnalyzerName
}

type sourceFile struct {
	path string // repository-relative, slash separated
	lang string
}

type parsedSource struct {
	sourceFile
	parsed *parse.ParsedFile
}

// Analyze parses the work tree and builds the snapshot.
func (a *TreeSitterAnalyzer) Analyze(ctx context.Context, rev *gitio.Revision, workdir string) (*graph.Snapshot, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	files, err := a.collectFiles(workdir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAnalysisFailed, a.AnalyzerName, err)
	}

	results, err := a.parseAll(ctx, workdir, files)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s: timed out after %s", ErrAnalysisFailed, a.AnalyzerName, a.Timeout)
	case errors.Is(err, context.Canceled):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %s: %v", ErrAnalysisFailed, a.AnalyzerName, err)
	}

	return buildSnapshot(results), nil
}

// collectFiles walks the analyzed directory and collects supported files
// in path order.
func (a *TreeSitterAnalyzer) collectFiles(workdir string) ([]sourceFile, error) {
	root := filepath.Join(workdir, filepath.FromSlash(a.Directory))
	var files []sourceFile

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		// Make path relative to the work tree root
		relPath, err := filepath.Rel(workdir, p)
		if err != nil {
			return fmt.Errorf("getting relative path: %w", err)
		}
		relPath = filepath.ToSlash(relPath)

		lang := parse.DetectLang(relPath)
		if lang == "" || (a.Scope != nil && !a.Scope.Contains(relPath)) {
			return nil
		}
		files = append(files, sourceFile{path: relPath, lang: lang})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

// parseAll parses files concurrently. Results keep the order of files.
func (a *TreeSitterAnalyzer) parseAll(ctx context.Context, workdir string, files []sourceFile) ([]parsedSource, error) {
	workers := a.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// Tree-sitter parsers are not safe for concurrent use; each running
	// task borrows one.
	parsers := make(chan *parse.Parser, workers)
	for i := 0; i < workers; i++ {
		parsers <- parse.NewParser()
	}

	results := make([]parsedSource, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			full := filepath.Join(workdir, filepath.FromSlash(f.path))
			info, err := os.Stat(full)
			if err != nil {
				return fmt.Errorf("stat %s: %w", f.path, err)
			}
			results[i] = parsedSource{sourceFile: f}
			if info.Size() > maxFileSize {
				return nil
			}
			content, err := os.ReadFile(full)
			if err != nil {
				return fmt.Errorf("reading file %s: %w", f.path, err)
			}

			p := <-parsers
			defer func() { parsers <- p }()
			parsed, err := p.Parse(gctx, content, f.lang)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("parsing %s: %w", f.path, err)
			}
			results[i].parsed = parsed
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

var symbolKinds = map[string]graph.Kind{
	parse.KindFunction: graph.KindFunction,
	parse.KindClass:    graph.KindType,
	parse.KindVariable: graph.KindVariable,
}

// SymbolName qualifies a symbol with the file declaring it.
func SymbolName(file, symbol string) string {
	return file + "::" + symbol
}

// shortName is the last segment of a possibly class-qualified symbol name.
func shortName(symbol string) string {
	if i := strings.LastIndexByte(symbol, '.'); i >= 0 {
		return symbol[i+1:]
	}
	return symbol
}

// buildSnapshot turns the parse results into raw nodes and edges. Calls
// resolve against the calling file, then the files it imports, then any
// unique function of that name.
func buildSnapshot(results []parsedSource) *graph.Snapshot {
	snap := &graph.Snapshot{}
	edges := make(map[graph.RawEdge]bool)
	addEdge := func(from, to string, kind graph.RelationKind) {
		e := graph.RawEdge{From: from, To: to, Kind: kind}
		if !edges[e] {
			edges[e] = true
			snap.Edges = append(snap.Edges, e)
		}
	}

	isFile := make(map[string]bool, len(results))
	for _, r := range results {
		isFile[r.path] = true
	}

	// functions[file][short name] lists qualified function nodes
	functions := make(map[string]map[string][]string)
	global := make(map[string][]string)

	for _, r := range results {
		snap.Nodes = append(snap.Nodes, graph.RawNode{Name: r.path, Kind: graph.KindFile, Path: r.path})
		if r.parsed == nil {
			continue
		}
		seen := make(map[string]bool)
		for _, sym := range r.parsed.Symbols {
			kind := symbolKinds[sym.Kind]
			name := SymbolName(r.path, sym.Name)
			key := string(kind) + " " + name
			if seen[key] {
				// Overloads and redefinitions collapse into one element
				continue
			}
			seen[key] = true
			snap.Nodes = append(snap.Nodes, graph.RawNode{Name: name, Kind: kind, Path: r.path})
			addEdge(r.path, name, graph.RelContains)

			if kind == graph.KindFunction {
				if functions[r.path] == nil {
					functions[r.path] = make(map[string][]string)
				}
				short := shortName(sym.Name)
				functions[r.path][short] = append(functions[r.path][short], name)
				global[short] = append(global[short], name)
			}
		}
	}

	for _, r := range results {
		if r.parsed == nil {
			continue
		}

		var imported []string
		for _, imp := range r.parsed.Imports {
			for _, candidate := range parse.ImportCandidates(r.path, r.lang, imp) {
				if isFile[candidate] {
					addEdge(r.path, candidate, graph.RelImports)
					imported = append(imported, candidate)
					break
				}
			}
		}

		for _, call := range r.parsed.Calls {
			callee := resolveCallee(call.CalleeName, r.path, imported, functions, global)
			if callee == "" {
				continue
			}
			caller := r.path
			if sym := r.parsed.Enclosing(call.Range); sym != nil {
				caller = SymbolName(r.path, sym.Name)
			}
			addEdge(caller, callee, graph.RelCalls)
		}
	}

	return snap
}

func resolveCallee(name, file string, imported []string, functions map[string]map[string][]string, global map[string][]string) string {
	if c := functions[file][name]; len(c) == 1 {
		return c[0]
	}
	var found []string
	for _, imp := range imported {
		found = append(found, functions[imp][name]...)
	}
	if len(found) == 1 {
		return found[0]
	}
	if c := global[name]; len(c) == 1 {
		return c[0]
	}
	return ""
}
