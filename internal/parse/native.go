package parse

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// ==================== Go ====================

func extractGoSymbols(node *sitter.Node, content []byte) []*Symbol {
	var symbols []*Symbol

	walk(node, func(n *sitter.Node) {
		switch n.Type() {
		case "function_declaration":
			if name := fieldContent(n, "name", content); name != "" {
				symbols = append(symbols, &Symbol{Name: name, Kind: KindFunction, Range: nodeRange(n)})
			}
		case "method_declaration":
			name := fieldContent(n, "name", content)
			if name == "" {
				return
			}
			if recv := goReceiverType(n, content); recv != "" {
				name = recv + "." + name
			}
			symbols = append(symbols, &Symbol{Name: name, Kind: KindFunction, Range: nodeRange(n)})
		case "type_spec", "type_alias":
			if name := fieldContent(n, "name", content); name != "" {
				symbols = append(symbols, &Symbol{Name: name, Kind: KindClass, Range: nodeRange(n)})
			}
		case "var_spec", "const_spec":
			// Package-level only: spec -> declaration -> source_file
			decl := n.Parent()
			if decl != nil && decl.Type() == "var_spec_list" {
				decl = decl.Parent()
			}
			if decl == nil || decl.Parent() == nil || decl.Parent().Type() != "source_file" {
				return
			}
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.Type() != "identifier" {
					break
				}
				if name := child.Content(content); name != "_" {
					symbols = append(symbols, &Symbol{Name: name, Kind: KindVariable, Range: nodeRange(n)})
				}
			}
		}
	})

	return symbols
}

func goReceiverType(method *sitter.Node, content []byte) string {
	recv := method.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	var name string
	walk(recv, func(n *sitter.Node) {
		if name == "" && n.Type() == "type_identifier" {
			name = n.Content(content)
		}
	})
	return name
}

func extractGoCalls(node *sitter.Node, content []byte) []*CallSite {
	var calls []*CallSite

	walk(node, func(n *sitter.Node) {
		if n.Type() != "call_expression" {
			return
		}
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return
		}
		call := &CallSite{Range: nodeRange(n)}
		switch fn.Type() {
		case "identifier":
			call.CalleeName = fn.Content(content)
		case "selector_expression":
			// pkg.Func() or value.Method()
			call.IsMethodCall = true
			call.CalleeName = fieldContent(fn, "field", content)
			call.CalleeObject = fieldContent(fn, "operand", content)
		default:
			return
		}
		if call.CalleeName != "" {
			calls = append(calls, call)
		}
	})

	return calls
}

func extractGoImports(node *sitter.Node, content []byte) []*Import {
	var imports []*Import

	walk(node, func(n *sitter.Node) {
		if n.Type() != "import_spec" {
			return
		}
		source := unquote(fieldContent(n, "path", content))
		if source == "" {
			return
		}
		imports = append(imports, &Import{
			Source:     source,
			IsRelative: strings.HasPrefix(source, "./") || strings.HasPrefix(source, "../"),
		})
	})

	return imports
}

// ==================== C ====================

func extractCSymbols(node *sitter.Node, content []byte) []*Symbol {
	var symbols []*Symbol

	walk(node, func(n *sitter.Node) {
		switch n.Type() {
		case "function_definition":
			if name, _ := declaratorName(n.ChildByFieldName("declarator"), content); name != "" {
				symbols = append(symbols, &Symbol{Name: name, Kind: KindFunction, Range: nodeRange(n)})
			}
		case "struct_specifier", "union_specifier", "enum_specifier":
			// Definitions only, not every use of "struct foo"
			if n.ChildByFieldName("body") == nil {
				return
			}
			if name := fieldContent(n, "name", content); name != "" {
				symbols = append(symbols, &Symbol{Name: name, Kind: KindClass, Range: nodeRange(n)})
			}
		case "type_definition":
			if name, _ := declaratorName(n.ChildByFieldName("declarator"), content); name != "" {
				symbols = append(symbols, &Symbol{Name: name, Kind: KindClass, Range: nodeRange(n)})
			}
		case "declaration":
			// File-scope variables; prototypes are not definitions
			if p := n.Parent(); p == nil || p.Type() != "translation_unit" {
				return
			}
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if !cVariableDeclarators[child.Type()] {
					continue
				}
				if name, isFunc := declaratorName(child, content); name != "" && !isFunc {
					symbols = append(symbols, &Symbol{Name: name, Kind: KindVariable, Range: nodeRange(n)})
				}
			}
		}
	})

	return symbols
}

var cVariableDeclarators = map[string]bool{
	"identifier":         true,
	"init_declarator":    true,
	"pointer_declarator": true,
	"array_declarator":   true,
}

// declaratorName follows a C declarator chain down to its identifier and
// reports whether a function declarator was passed on the way.
func declaratorName(decl *sitter.Node, content []byte) (string, bool) {
	isFunc := false
	for decl != nil {
		switch decl.Type() {
		case "identifier", "type_identifier":
			return decl.Content(content), isFunc
		case "function_declarator":
			isFunc = true
		case "parenthesized_declarator":
			decl = decl.NamedChild(0)
			continue
		}
		decl = decl.ChildByFieldName("declarator")
	}
	return "", isFunc
}

func extractCCalls(node *sitter.Node, content []byte) []*CallSite {
	var calls []*CallSite

	walk(node, func(n *sitter.Node) {
		if n.Type() != "call_expression" {
			return
		}
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return
		}
		call := &CallSite{Range: nodeRange(n)}
		switch fn.Type() {
		case "identifier":
			call.CalleeName = fn.Content(content)
		case "field_expression":
			// ops->run() through a function pointer
			call.IsMethodCall = true
			call.CalleeName = fieldContent(fn, "field", content)
			call.CalleeObject = fieldContent(fn, "argument", content)
		default:
			return
		}
		if call.CalleeName != "" {
			calls = append(calls, call)
		}
	})

	return calls
}

func extractCIncludes(node *sitter.Node, content []byte) []*Import {
	var imports []*Import

	walk(node, func(n *sitter.Node) {
		if n.Type() != "preproc_include" {
			return
		}
		p := n.ChildByFieldName("path")
		if p == nil {
			return
		}
		imports = append(imports, &Import{
			Source: unquote(p.Content(content)),
			// "local.h" is searched next to the includer, <system.h> is not
			IsRelative: p.Type() == "string_literal",
		})
	})

	return imports
}

// ==================== Java ====================

var javaTypeDecls = map[string]bool{
	"class_declaration":     true,
	"interface_declaration": true,
	"enum_declaration":      true,
	"record_declaration":    true,
}

func extractJavaSymbols(node *sitter.Node, content []byte) []*Symbol {
	var symbols []*Symbol

	walk(node, func(n *sitter.Node) {
		switch {
		case javaTypeDecls[n.Type()]:
			if name := fieldContent(n, "name", content); name != "" {
				symbols = append(symbols, &Symbol{Name: qualifyJava(n, name, content), Kind: KindClass, Range: nodeRange(n)})
			}
		case n.Type() == "method_declaration" || n.Type() == "constructor_declaration":
			if name := fieldContent(n, "name", content); name != "" {
				symbols = append(symbols, &Symbol{Name: qualifyJava(n, name, content), Kind: KindFunction, Range: nodeRange(n)})
			}
		case n.Type() == "field_declaration":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.Type() != "variable_declarator" {
					continue
				}
				if name := fieldContent(child, "name", content); name != "" {
					symbols = append(symbols, &Symbol{Name: qualifyJava(n, name, content), Kind: KindVariable, Range: nodeRange(n)})
				}
			}
		}
	})

	return symbols
}

// qualifyJava prefixes name with the names of the enclosing type declarations.
func qualifyJava(n *sitter.Node, name string, content []byte) string {
	for p := n.Parent(); p != nil; p = p.Parent() {
		if javaTypeDecls[p.Type()] {
			if outer := fieldContent(p, "name", content); outer != "" {
				name = outer + "." + name
			}
		}
	}
	return name
}

func extractJavaCalls(node *sitter.Node, content []byte) []*CallSite {
	var calls []*CallSite

	walk(node, func(n *sitter.Node) {
		if n.Type() != "method_invocation" {
			return
		}
		name := fieldContent(n, "name", content)
		if name == "" {
			return
		}
		object := fieldContent(n, "object", content)
		calls = append(calls, &CallSite{
			CalleeName:   name,
			CalleeObject: object,
			IsMethodCall: object != "",
			Range:        nodeRange(n),
		})
	})

	return calls
}

func extractJavaImports(node *sitter.Node, content []byte) []*Import {
	var imports []*Import

	walk(node, func(n *sitter.Node) {
		if n.Type() != "import_declaration" {
			return
		}
		source := strings.TrimSpace(n.Content(content))
		source = strings.TrimPrefix(source, "import")
		source = strings.TrimSuffix(source, ";")
		source = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(source), "static"))
		if source != "" {
			imports = append(imports, &Import{Source: source})
		}
	})

	return imports
}
