package parse

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// extractPythonSymbols walks the Python AST and extracts function, class, and variable declarations.
func extractPythonSymbols(node *sitter.Node, content []byte) []*Symbol {
	var symbols []*Symbol

	walk(node, func(n *sitter.Node) {
		switch n.Type() {
		case "function_definition":
			// Methods are named after their class below
			if isPythonMethod(n) {
				return
			}
			if name := fieldContent(n, "name", content); name != "" {
				symbols = append(symbols, &Symbol{Name: name, Kind: KindFunction, Range: nodeRange(n)})
			}
		case "class_definition":
			className := fieldContent(n, "name", content)
			if className == "" {
				return
			}
			symbols = append(symbols, &Symbol{Name: className, Kind: KindClass, Range: nodeRange(n)})
			symbols = append(symbols, extractPythonMethods(n, className, content)...)
		case "assignment":
			// Module-level assignments are wrapped in expression_statement within module
			parent := n.Parent()
			if parent == nil || parent.Type() != "expression_statement" {
				return
			}
			if gp := parent.Parent(); gp == nil || gp.Type() != "module" {
				return
			}
			symbols = append(symbols, extractPythonAssignment(n, content)...)
		}
	})

	return symbols
}

func isPythonMethod(fn *sitter.Node) bool {
	p := fn.Parent()
	if p != nil && p.Type() == "decorated_definition" {
		p = p.Parent()
	}
	if p == nil || p.Type() != "block" {
		return false
	}
	gp := p.Parent()
	return gp != nil && gp.Type() == "class_definition"
}

func extractPythonMethods(classNode *sitter.Node, className string, content []byte) []*Symbol {
	classBody := classNode.ChildByFieldName("body")
	if classBody == nil {
		return nil
	}

	var methods []*Symbol
	for i := 0; i < int(classBody.ChildCount()); i++ {
		child := classBody.Child(i)
		if child.Type() == "decorated_definition" {
			child = child.ChildByFieldName("definition")
		}
		if child == nil || child.Type() != "function_definition" {
			continue
		}
		if name := fieldContent(child, "name", content); name != "" {
			methods = append(methods, &Symbol{
				Name:  className + "." + name,
				Kind:  KindFunction,
				Range: nodeRange(child),
			})
		}
	}
	return methods
}

func extractPythonAssignment(node *sitter.Node, content []byte) []*Symbol {
	left := node.ChildByFieldName("left")
	if left == nil {
		return nil
	}

	var names []string
	switch left.Type() {
	case "identifier":
		names = append(names, left.Content(content))
	case "pattern_list", "tuple_pattern":
		// a, b = 1, 2
		for i := 0; i < int(left.ChildCount()); i++ {
			if sub := left.Child(i); sub.Type() == "identifier" {
				names = append(names, sub.Content(content))
			}
		}
	}

	var symbols []*Symbol
	for _, name := range names {
		// Skip private/dunder variables
		if strings.HasPrefix(name, "_") {
			continue
		}
		symbols = append(symbols, &Symbol{Name: name, Kind: KindVariable, Range: nodeRange(node)})
	}
	return symbols
}

func extractPythonCalls(node *sitter.Node, content []byte) []*CallSite {
	var calls []*CallSite

	walk(node, func(n *sitter.Node) {
		if n.Type() != "call" {
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
		case "attribute":
			// obj.method()
			call.IsMethodCall = true
			call.CalleeName = fieldContent(fn, "attribute", content)
			call.CalleeObject = fieldContent(fn, "object", content)
		default:
			return
		}
		if call.CalleeName != "" {
			calls = append(calls, call)
		}
	})

	return calls
}

func extractPythonImports(node *sitter.Node, content []byte) []*Import {
	var imports []*Import

	walk(node, func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			// import a.b, c
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.Type() == "aliased_import" {
					child = child.ChildByFieldName("name")
				}
				if child != nil && child.Type() == "dotted_name" {
					imports = append(imports, &Import{Source: child.Content(content)})
				}
			}
		case "import_from_statement":
			// from .util import helper
			source := fieldContent(n, "module_name", content)
			if source == "" {
				return
			}
			imports = append(imports, &Import{
				Source:     source,
				IsRelative: strings.HasPrefix(source, "."),
			})
		}
	})

	return imports
}
