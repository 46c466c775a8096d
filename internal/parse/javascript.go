package parse

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// extractSymbols walks the AST and extracts function, class, and variable declarations.
func extractSymbols(node *sitter.Node, content []byte) []*Symbol {
	var symbols []*Symbol

	walk(node, func(n *sitter.Node) {
		switch n.Type() {
		case "function_declaration", "generator_function_declaration":
			if name := identifier(n, content); name != "" {
				symbols = append(symbols, &Symbol{Name: name, Kind: KindFunction, Range: nodeRange(n)})
			}
		case "class_declaration":
			className := identifier(n, content)
			if className == "" {
				return
			}
			symbols = append(symbols, &Symbol{Name: className, Kind: KindClass, Range: nodeRange(n)})
			// Also extract methods within the class
			symbols = append(symbols, extractMethodsFromClass(n, className, content)...)
		case "lexical_declaration", "variable_declaration":
			// Only module-level bindings; locals are not structural elements
			if p := n.Parent(); p == nil || (p.Type() != "program" && p.Type() != "export_statement") {
				return
			}
			symbols = append(symbols, extractVariableSymbols(n, content)...)
		}
	})

	return symbols
}

func identifier(node *sitter.Node, content []byte) string {
	if child := childOfType(node, "identifier"); child != nil {
		return child.Content(content)
	}
	return ""
}

func extractMethodsFromClass(classNode *sitter.Node, className string, content []byte) []*Symbol {
	classBody := childOfType(classNode, "class_body")
	if classBody == nil {
		return nil
	}

	var methods []*Symbol
	for i := 0; i < int(classBody.ChildCount()); i++ {
		child := classBody.Child(i)
		if child.Type() != "method_definition" {
			continue
		}
		name := childOfType(child, "property_identifier")
		if name == nil {
			continue
		}
		methods = append(methods, &Symbol{
			Name:  className + "." + name.Content(content),
			Kind:  KindFunction,
			Range: nodeRange(child),
		})
	}
	return methods
}

func extractVariableSymbols(node *sitter.Node, content []byte) []*Symbol {
	var symbols []*Symbol

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != "variable_declarator" {
			continue
		}

		var name string
		kind := KindVariable
		for j := 0; j < int(child.ChildCount()); j++ {
			decl := child.Child(j)
			switch decl.Type() {
			case "identifier":
				name = decl.Content(content)
			case "arrow_function", "function", "function_expression":
				// const f = () => ... is a function for the call graph
				kind = KindFunction
			}
		}
		if name != "" {
			symbols = append(symbols, &Symbol{Name: name, Kind: kind, Range: nodeRange(child)})
		}
	}

	return symbols
}

// extractCallSites finds all function/method calls in the AST.
func extractCallSites(node *sitter.Node, content []byte) []*CallSite {
	var calls []*CallSite

	walk(node, func(n *sitter.Node) {
		if n.Type() != "call_expression" {
			return
		}
		if call := parseCallExpression(n, content); call != nil {
			calls = append(calls, call)
		}
	})

	return calls
}

// parseCallExpression extracts call information from a call_expression node.
func parseCallExpression(node *sitter.Node, content []byte) *CallSite {
	if node.ChildCount() == 0 {
		return nil
	}

	callee := node.Child(0) // First child is the thing being called
	call := &CallSite{Range: nodeRange(node)}

	switch callee.Type() {
	case "identifier":
		// Direct call: foo()
		call.CalleeName = callee.Content(content)

	case "member_expression":
		// Method call: obj.method() or obj.prop.method()
		call.IsMethodCall = true
		parseMemberExpression(callee, content, call)

	case "parenthesized_expression":
		// (foo)() - unwrap
		if inner := childOfType(callee, "identifier"); inner != nil {
			call.CalleeName = inner.Content(content)
		}

	default:
		// foo()(), import(), new_expression, await_expression, ...
		return nil
	}

	if call.CalleeName == "" || call.CalleeName == "require" {
		return nil
	}
	return call
}

// parseMemberExpression extracts object and property from member_expression.
func parseMemberExpression(node *sitter.Node, content []byte, call *CallSite) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "identifier":
			// This is the object (leftmost part)
			if call.CalleeObject == "" {
				call.CalleeObject = child.Content(content)
			}
		case "property_identifier":
			call.CalleeName = child.Content(content)
		case "member_expression":
			// Nested: a.b.c() - recurse but keep the deepest property as CalleeName
			parseMemberExpression(child, content, call)
		case "this":
			call.CalleeObject = "this"
		case "call_expression":
			call.CalleeObject = "(call)"
		}
	}
}

// extractImports finds import statements, dynamic imports and CommonJS
// require calls.
func extractImports(node *sitter.Node, content []byte) []*Import {
	var imports []*Import

	walk(node, func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			if src := childOfType(n, "string"); src != nil {
				imports = append(imports, jsImport(src.Content(content)))
			}
		case "call_expression":
			if n.ChildCount() < 2 {
				return
			}
			callee, args := n.Child(0), n.Child(1)
			isImport := callee.Type() == "import"
			isRequire := callee.Type() == "identifier" && callee.Content(content) == "require"
			if (!isImport && !isRequire) || args.Type() != "arguments" {
				return
			}
			if src := childOfType(args, "string"); src != nil {
				imports = append(imports, jsImport(src.Content(content)))
			}
		}
	})

	return imports
}

func jsImport(raw string) *Import {
	source := unquote(raw)
	return &Import{
		Source:     source,
		IsRelative: strings.HasPrefix(source, ".") || strings.HasPrefix(source, "/"),
	}
}
