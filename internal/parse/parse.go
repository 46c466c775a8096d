// Package parse provides Tree-sitter based symbol, call and import
// extraction for JavaScript/TypeScript, Python, Go, C and Java.
package parse

import (
	"context"
	"fmt"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// Languages understood by the parser.
const (
	LangJS     = "js"
	LangTS     = "ts"
	LangPython = "py"
	LangGo     = "go"
	LangC      = "c"
	LangJava   = "java"
)

// Symbol kinds.
const (
	KindFunction = "function"
	KindClass    = "class"
	KindVariable = "variable"
)

// Range represents a source code range (0-based line and column).
type Range struct {
	Start [2]int `json:"start"` // [line, col]
	End   [2]int `json:"end"`   // [line, col]
}

// Contains reports whether r fully encloses other.
func (r Range) Contains(other Range) bool {
	return !before(other.Start, r.Start) && !before(r.End, other.End)
}

func before(a, b [2]int) bool {
	return a[0] < b[0] || (a[0] == b[0] && a[1] < b[1])
}

// Symbol represents an extracted symbol from source code.
type Symbol struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"` // "function", "class", "variable"
	Range Range  `json:"range"`
}

// CallSite represents a function/method call in source code.
type CallSite struct {
	CalleeName   string `json:"calleeName"`   // Name being called (e.g., "calculateTaxes")
	CalleeObject string `json:"calleeObject"` // Object if method call (e.g., "math" in math.add())
	Range        Range  `json:"range"`
	IsMethodCall bool   `json:"isMethodCall"`
}

// Import represents an import or include statement.
type Import struct {
	Source     string `json:"source"`     // as written, e.g. "./taxes", ".util", "stdio.h"
	IsRelative bool   `json:"isRelative"` // resolved against the importing file's directory
}

// ParsedFile contains everything extracted from one file.
type ParsedFile struct {
	Symbols []*Symbol
	Calls   []*CallSite
	Imports []*Import
}

// Enclosing returns the innermost function symbol whose range contains r,
// or nil for top-level code.
func (pf *ParsedFile) Enclosing(r Range) *Symbol {
	var best *Symbol
	for _, sym := range pf.Symbols {
		if sym.Kind != KindFunction || !sym.Range.Contains(r) {
			continue
		}
		if best == nil || best.Range.Contains(sym.Range) {
			best = sym
		}
	}
	return best
}

type extractor struct {
	symbols func(*sitter.Node, []byte) []*Symbol
	calls   func(*sitter.Node, []byte) []*CallSite
	imports func(*sitter.Node, []byte) []*Import
}

var extractors = map[string]extractor{
	LangJS:     {extractSymbols, extractCallSites, extractImports},
	LangPython: {extractPythonSymbols, extractPythonCalls, extractPythonImports},
	LangGo:     {extractGoSymbols, extractGoCalls, extractGoImports},
	LangC:      {extractCSymbols, extractCCalls, extractCIncludes},
	LangJava:   {extractJavaSymbols, extractJavaCalls, extractJavaImports},
}

// Parser wraps one Tree-sitter parser per language. A Parser must not be
// used from more than one goroutine at a time.
type Parser struct {
	parsers map[string]*sitter.Parser
}

// NewParser creates a new parser for every supported language.
func NewParser() *Parser {
	langs := map[string]*sitter.Language{
		LangJS:     javascript.GetLanguage(),
		LangPython: python.GetLanguage(),
		LangGo:     golang.GetLanguage(),
		LangC:      c.GetLanguage(),
		LangJava:   java.GetLanguage(),
	}
	p := &Parser{parsers: make(map[string]*sitter.Parser, len(langs))}
	for name, lang := range langs {
		parser := sitter.NewParser()
		parser.SetLanguage(lang)
		p.parsers[name] = parser
	}
	return p
}

// Parse parses source code and extracts symbols, calls and imports.
func (p *Parser) Parse(ctx context.Context, content []byte, lang string) (*ParsedFile, error) {
	lang = normalizeLang(lang)
	parser, ok := p.parsers[lang]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q", lang)
	}
	ex := extractors[lang]

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing failed: %w", err)
	}
	root := tree.RootNode()

	return &ParsedFile{
		Symbols: ex.symbols(root, content),
		Calls:   ex.calls(root, content),
		Imports: ex.imports(root, content),
	}, nil
}

func normalizeLang(lang string) string {
	switch lang {
	case "ts", "typescript", "javascript":
		return LangJS
	case "python":
		return LangPython
	case "golang":
		return LangGo
	}
	return lang
}

// DetectLang detects the language based on file extension. It returns the
// empty string for files the parser does not understand.
func DetectLang(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".ts", ".tsx":
		return LangTS
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJS
	case ".py":
		return LangPython
	case ".go":
		return LangGo
	case ".c", ".h":
		return LangC
	case ".java":
		return LangJava
	default:
		return ""
	}
}

// ImportCandidates returns the repository paths a relative import may
// refer to, most likely first. from is the importing file.
func ImportCandidates(from, lang string, imp *Import) []string {
	if !imp.IsRelative {
		return nil
	}
	dir := path.Dir(from)

	switch normalizeLang(lang) {
	case LangPython:
		return pythonModulePaths(dir, imp.Source)
	case LangJS:
		return PossibleFilePaths(ResolveImportPath(dir, imp.Source))
	default:
		return []string{ResolveImportPath(dir, imp.Source)}
	}
}

// ResolveImportPath resolves a relative import path against basePath, the
// directory containing the importing file.
func ResolveImportPath(basePath, importSource string) string {
	if strings.HasPrefix(importSource, "/") {
		return path.Clean(strings.TrimPrefix(importSource, "/"))
	}
	return path.Join(basePath, importSource)
}

// PossibleFilePaths returns possible file paths for a JavaScript import.
// Handles: ./foo → foo.ts, foo.js, foo/index.ts, foo/index.js
func PossibleFilePaths(importPath string) []string {
	// If already has extension, just return it
	ext := path.Ext(importPath)
	if ext == ".ts" || ext == ".tsx" || ext == ".js" || ext == ".jsx" {
		return []string{importPath}
	}

	return []string{
		importPath + ".ts",
		importPath + ".tsx",
		importPath + ".js",
		importPath + ".jsx",
		path.Join(importPath, "index.ts"),
		path.Join(importPath, "index.tsx"),
		path.Join(importPath, "index.js"),
		path.Join(importPath, "index.jsx"),
	}
}

// pythonModulePaths resolves "from .a.b import x" style sources. Each
// leading dot after the first climbs one package up.
func pythonModulePaths(dir, source string) []string {
	rest := strings.TrimLeft(source, ".")
	for i := 1; i < len(source)-len(rest); i++ {
		dir = path.Dir(dir)
	}
	if rest == "" {
		return []string{path.Join(dir, "__init__.py")}
	}
	base := path.Join(dir, strings.ReplaceAll(rest, ".", "/"))
	return []string{base + ".py", path.Join(base, "__init__.py")}
}

func nodeRange(node *sitter.Node) Range {
	startPoint := node.StartPoint()
	endPoint := node.EndPoint()

	return Range{
		Start: [2]int{int(startPoint.Row), int(startPoint.Column)},
		End:   [2]int{int(endPoint.Row), int(endPoint.Column)},
	}
}

// walk visits node and all of its descendants depth-first.
func walk(node *sitter.Node, visit func(*sitter.Node)) {
	iter := sitter.NewIterator(node, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			break
		}
		visit(n)
	}
}

// childOfType returns the first direct child of the given type.
func childOfType(node *sitter.Node, types ...string) *sitter.Node {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		for _, t := range types {
			if child.Type() == t {
				return child
			}
		}
	}
	return nil
}

// fieldContent returns the content of the named field, or "".
func fieldContent(node *sitter.Node, field string, content []byte) string {
	if child := node.ChildByFieldName(field); child != nil {
		return child.Content(content)
	}
	return ""
}

func unquote(s string) string {
	return strings.Trim(s, "\"'`<>")
}
