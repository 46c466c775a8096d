package parse

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func parseOrFail(t *testing.T, code, lang string) *ParsedFile {
	t.Helper()
	parsed, err := NewParser().Parse(context.Background(), []byte(code), lang)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return parsed
}

// symbolSet renders symbols as "kind name" for order-independent comparison.
func symbolSet(symbols []*Symbol) []string {
	var out []string
	for _, sym := range symbols {
		out = append(out, sym.Kind+" "+sym.Name)
	}
	sort.Strings(out)
	return out
}

func callNames(calls []*CallSite) []string {
	var out []string
	for _, c := range calls {
		out = append(out, c.CalleeName)
	}
	sort.Strings(out)
	return out
}

func importSources(imports []*Import) map[string]bool {
	out := make(map[string]bool)
	for _, imp := range imports {
		out[imp.Source] = imp.IsRelative
	}
	return out
}

func TestParse_JavaScript(t *testing.T) {
	parsed := parseOrFail(t, `
import { helper } from './util';
const lodash = require('lodash');

const LIMIT = 10;
const double = (x) => x * 2;

function hello(name) {
  const local = 1;
  return helper(name) + double(local);
}

class User {
  greet() {
    return this.format();
  }
}
`, "js")

	want := []string{
		"class User",
		"function User.greet",
		"function double",
		"function hello",
		"variable LIMIT",
		"variable lodash",
	}
	if diff := cmp.Diff(want, symbolSet(parsed.Symbols)); diff != "" {
		t.Errorf("symbols (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"double", "format", "helper"}, callNames(parsed.Calls)); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}

	imports := importSources(parsed.Imports)
	if rel, ok := imports["./util"]; !ok || !rel {
		t.Errorf("expected relative import ./util, got %v", imports)
	}
	if rel, ok := imports["lodash"]; !ok || rel {
		t.Errorf("expected package import lodash, got %v", imports)
	}
}

func TestParse_Python(t *testing.T) {
	parsed := parseOrFail(t, `
import os
from .util import helper

VERSION = "1.0"
_private = 1

def main():
    helper()
    os.path.join("a", "b")

class Service:
    def start(self):
        self.run()

    @staticmethod
    def create():
        return Service()
`, "python")

	want := []string{
		"class Service",
		"function Service.create",
		"function Service.start",
		"function main",
		"variable VERSION",
	}
	if diff := cmp.Diff(want, symbolSet(parsed.Symbols)); diff != "" {
		t.Errorf("symbols (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"Service", "helper", "join", "run"}, callNames(parsed.Calls)); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}

	imports := importSources(parsed.Imports)
	if rel, ok := imports[".util"]; !ok || !rel {
		t.Errorf("expected relative import .util, got %v", imports)
	}
	if rel, ok := imports["os"]; !ok || rel {
		t.Errorf("expected absolute import os, got %v", imports)
	}
}

func TestParse_Go(t *testing.T) {
	parsed := parseOrFail(t, `package server

import "fmt"

var Version = "1"

type Server struct {
	name string
}

func (s *Server) Start() {
	fmt.Println(s.name)
	helper()
}

func helper() {}
`, "go")

	want := []string{
		"class Server",
		"function Server.Start",
		"function helper",
		"variable Version",
	}
	if diff := cmp.Diff(want, symbolSet(parsed.Symbols)); diff != "" {
		t.Errorf("symbols (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Println", "helper"}, callNames(parsed.Calls)); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if _, ok := importSources(parsed.Imports)["fmt"]; !ok {
		t.Errorf("expected import fmt, got %+v", parsed.Imports)
	}
}

func TestParse_C(t *testing.T) {
	parsed := parseOrFail(t, `
#include <stdio.h>
#include "util.h"

struct point {
	int x;
	int y;
};

int counter = 0;
int proto(void);

int add(int a, int b) {
	return helper(a) + b;
}
`, "c")

	want := []string{
		"class point",
		"function add",
		"variable counter",
	}
	if diff := cmp.Diff(want, symbolSet(parsed.Symbols)); diff != "" {
		t.Errorf("symbols (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"helper"}, callNames(parsed.Calls)); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	wantImports := map[string]bool{"stdio.h": false, "util.h": true}
	if diff := cmp.Diff(wantImports, importSources(parsed.Imports)); diff != "" {
		t.Errorf("includes (-want +got):\n%s", diff)
	}
}

func TestParse_Java(t *testing.T) {
	parsed := parseOrFail(t, `
import java.util.List;

public class Foo {
	private int count;

	public void bar() {
		baz();
		list.add(1);
	}
}
`, "java")

	want := []string{
		"class Foo",
		"function Foo.bar",
		"variable Foo.count",
	}
	if diff := cmp.Diff(want, symbolSet(parsed.Symbols)); diff != "" {
		t.Errorf("symbols (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"add", "baz"}, callNames(parsed.Calls)); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
	if _, ok := importSources(parsed.Imports)["java.util.List"]; !ok {
		t.Errorf("expected import java.util.List, got %+v", parsed.Imports)
	}
}

func TestParse_UnsupportedLanguage(t *testing.T) {
	if _, err := NewParser().Parse(context.Background(), []byte("x"), "cobol"); err == nil {
		t.Error("expected error for unsupported language")
	}
}

func TestEnclosing(t *testing.T) {
	parsed := parseOrFail(t, `
top();

function outer() {
  first();
  function inner() {
    second();
  }
}
`, "js")

	enclosing := make(map[string]string)
	for _, call := range parsed.Calls {
		name := ""
		if sym := parsed.Enclosing(call.Range); sym != nil {
			name = sym.Name
		}
		enclosing[call.CalleeName] = name
	}

	want := map[string]string{"top": "", "first": "outer", "second": "inner"}
	if diff := cmp.Diff(want, enclosing); diff != "" {
		t.Errorf("enclosing (-want +got):\n%s", diff)
	}
}

func TestDetectLang(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"src/app.ts", LangTS},
		{"src/App.JSX", LangJS},
		{"pkg/mod.py", LangPython},
		{"cmd/main.go", LangGo},
		{"lib/util.h", LangC},
		{"src/Foo.java", LangJava},
		{"README.md", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := DetectLang(tt.path); got != tt.expected {
				t.Errorf("DetectLang(%s) = %q, expected %q", tt.path, got, tt.expected)
			}
		})
	}
}

func TestImportCandidates(t *testing.T) {
	tests := []struct {
		name     string
		from     string
		lang     string
		source   string
		expected []string
	}{
		{
			name:     "js sibling",
			from:     "src/app.js",
			lang:     LangJS,
			source:   "./util",
			expected: []string{"src/util.ts", "src/util.tsx", "src/util.js", "src/util.jsx", "src/util/index.ts", "src/util/index.tsx", "src/util/index.js", "src/util/index.jsx"},
		},
		{
			name:     "js with extension",
			from:     "src/app.ts",
			lang:     LangTS,
			source:   "../lib/x.js",
			expected: []string{"lib/x.js"},
		},
		{
			name:     "python sibling module",
			from:     "pkg/sub/mod.py",
			lang:     LangPython,
			source:   ".util",
			expected: []string{"pkg/sub/util.py", "pkg/sub/util/__init__.py"},
		},
		{
			name:     "python parent package",
			from:     "pkg/sub/mod.py",
			lang:     LangPython,
			source:   "..core.db",
			expected: []string{"pkg/core/db.py", "pkg/core/db/__init__.py"},
		},
		{
			name:     "python package itself",
			from:     "pkg/sub/mod.py",
			lang:     LangPython,
			source:   ".",
			expected: []string{"pkg/sub/__init__.py"},
		},
		{
			name:     "c include",
			from:     "src/net/http.c",
			lang:     LangC,
			source:   "../util.h",
			expected: []string{"src/util.h"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ImportCandidates(tt.from, tt.lang, &Import{Source: tt.source, IsRelative: true})
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("ImportCandidates (-want +got):\n%s", diff)
			}
		})
	}

	if got := ImportCandidates("src/app.js", LangJS, &Import{Source: "lodash"}); got != nil {
		t.Errorf("expected no candidates for package import, got %v", got)
	}
}
