package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// modes runs each extraction test against the tree-sitter path and the regex
// fallback; both must agree on the facts asserted.
var modes = []struct {
	name string
	opts []Option
}{
	{"grammar", nil},
	{"heuristic", []Option{WithoutGrammar()}},
}

const tsSource = `import React, { useState as useS } from 'react';
import * as path from 'path';
import { helper } from './util';

export async function handleRequest(req: Request, res: Response): Promise<void> {
  const name = req.body.name;
  await helper(name);
}

export const add = (a: number, b: number): number => {
  return a + b;
};

function internal() {
  return 1;
}

export class UserService extends BaseService implements Auditable, Loggable {
  private repo: Repo;

  constructor(repo: Repo) {
    super();
    this.repo = repo;
  }

  async findUser(id: string): Promise<User> {
    return this.repo.find(id);
  }
}
`

func findFunc(t *testing.T, fns []FunctionInfo, name string) FunctionInfo {
	t.Helper()
	for _, fn := range fns {
		if fn.Name == name {
			return fn
		}
	}
	require.Failf(t, "function not found", "%s", name)
	return FunctionInfo{}
}

func findClass(t *testing.T, classes []ClassInfo, name string) ClassInfo {
	t.Helper()
	for _, c := range classes {
		if c.Name == name {
			return c
		}
	}
	require.Failf(t, "class not found", "%s", name)
	return ClassInfo{}
}

func methodNames(c ClassInfo) []string {
	names := make([]string, len(c.Methods))
	for i, m := range c.Methods {
		names[i] = m.Name
	}
	return names
}

func TestTypeScript_Extraction(t *testing.T) {
	t.Parallel()
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			r := NewRegistry(mode.opts...)
			pf, ok := r.Parse([]byte(tsSource), "src/user.service.ts")
			require.True(t, ok)
			assert.Equal(t, TypeScript, pf.Language)

			require.Len(t, pf.Functions, 3)
			h := findFunc(t, pf.Functions, "handleRequest")
			assert.True(t, h.IsExported)
			assert.True(t, h.IsAsync)
			assert.Equal(t, []string{"req", "res"}, h.ParamNames())
			assert.Equal(t, "Request", h.Params[0].Type)
			assert.Equal(t, "Promise<void>", h.ReturnType)
			assert.Equal(t, 5, h.StartLine)
			assert.Equal(t, 8, h.EndLine)
			assert.Contains(t, h.Body, "req.body.name")

			add := findFunc(t, pf.Functions, "add")
			assert.True(t, add.IsExported)
			assert.False(t, add.IsAsync)
			assert.Equal(t, []string{"a", "b"}, add.ParamNames())
			assert.Equal(t, "number", add.ReturnType)
			assert.Equal(t, 10, add.StartLine)
			assert.Equal(t, 12, add.EndLine)

			internal := findFunc(t, pf.Functions, "internal")
			assert.False(t, internal.IsExported)

			require.Len(t, pf.Classes, 1)
			svc := pf.Classes[0]
			assert.Equal(t, "UserService", svc.Name)
			assert.True(t, svc.IsExported)
			assert.Equal(t, "BaseService", svc.Extends)
			assert.Equal(t, []string{"Auditable", "Loggable"}, svc.Implements)
			assert.Equal(t, []string{"repo"}, svc.Properties)
			assert.Equal(t, []string{"constructor", "findUser"}, methodNames(svc))
			assert.True(t, svc.Methods[1].IsAsync)
			assert.Equal(t, 18, svc.StartLine)
			assert.Equal(t, 29, svc.EndLine)

			require.Len(t, pf.Imports, 3)
			react := pf.Imports[0]
			assert.Equal(t, "react", react.Source)
			assert.Equal(t, 1, react.Line)
			require.Len(t, react.Specifiers, 2)
			assert.Equal(t, ImportSpecifier{Name: "React", IsDefault: true}, react.Specifiers[0])
			assert.Equal(t, ImportSpecifier{Name: "useState", Alias: "useS"}, react.Specifiers[1])
			assert.Equal(t, []string{"React", "useS"}, react.SymbolNames())

			ns := pf.Imports[1]
			assert.Equal(t, "path", ns.Source)
			assert.Equal(t, []ImportSpecifier{{Name: "*", Alias: "path", IsNamespace: true}}, ns.Specifiers)

			assert.ElementsMatch(t, []string{"handleRequest", "add", "UserService"}, pf.Exports)
		})
	}
}

func TestTypeScript_AnonymousDefaultExport(t *testing.T) {
	t.Parallel()
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			pf, ok := NewRegistry(mode.opts...).Parse([]byte("export default function (a) {\n  return a;\n}\n"), "a.js")
			require.True(t, ok)
			assert.Equal(t, JavaScript, pf.Language)
			require.Len(t, pf.Functions, 1)
			assert.Equal(t, "anonymous_1", pf.Functions[0].Name)
			assert.True(t, pf.Functions[0].IsExported)
		})
	}
}

func TestTypeScript_CommonJSRequire(t *testing.T) {
	t.Parallel()
	src := "const express = require('express');\nconst { join, resolve } = require('path');\n"
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			pf, ok := NewRegistry(mode.opts...).Parse([]byte(src), "server.js")
			require.True(t, ok)
			require.Len(t, pf.Imports, 2)
			assert.Equal(t, "express", pf.Imports[0].Source)
			assert.True(t, pf.Imports[0].Specifiers[0].IsDefault)
			assert.Equal(t, "path", pf.Imports[1].Source)
			assert.Equal(t, []string{"join", "resolve"}, pf.Imports[1].SymbolNames())
		})
	}
}

const javaSource = `package com.example.web;

import java.util.List;
import static org.junit.Assert.*;

public class UserController extends BaseController implements Handler {
    private final UserService service;

    public UserController(UserService service) {
        this.service = service;
    }

    public String show(String id, int page) {
        return service.find(id);
    }

    void helper() {
    }
}
`

func TestJava_Extraction(t *testing.T) {
	t.Parallel()
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			pf, ok := NewRegistry(mode.opts...).Parse([]byte(javaSource), "src/main/java/com/example/web/UserController.java")
			require.True(t, ok)
			assert.Equal(t, Java, pf.Language)
			assert.Empty(t, pf.Functions)

			require.Len(t, pf.Imports, 2)
			assert.Equal(t, "java.util.List", pf.Imports[0].Source)
			assert.Equal(t, []string{"List"}, pf.Imports[0].SymbolNames())
			assert.Equal(t, "org.junit.Assert", pf.Imports[1].Source)
			assert.True(t, pf.Imports[1].Specifiers[0].IsNamespace)

			require.Len(t, pf.Classes, 1)
			c := pf.Classes[0]
			assert.Equal(t, "UserController", c.Name)
			assert.True(t, c.IsExported)
			assert.Equal(t, "BaseController", c.Extends)
			assert.Equal(t, []string{"Handler"}, c.Implements)
			assert.Equal(t, []string{"service"}, c.Properties)
			assert.Equal(t, []string{"UserController", "show", "helper"}, methodNames(c))

			show := c.Methods[1]
			assert.True(t, show.IsExported)
			assert.Equal(t, "String", show.ReturnType)
			assert.Equal(t, []Param{{Name: "id", Type: "String"}, {Name: "page", Type: "int"}}, show.Params)
			assert.Equal(t, 13, show.StartLine)
			assert.Equal(t, 15, show.EndLine)
			assert.False(t, c.Methods[2].IsExported)
			assert.Equal(t, []string{"UserController"}, pf.Exports)
		})
	}
}

const dartSource = `import 'package:flutter/material.dart';
import 'src/api.dart' as api;

class LoginPage extends StatelessWidget with Logger implements Page {
  final String title;

  LoginPage(this.title);

  Future<void> submit(String user, {required String password}) async {
    await api.login(user, password);
  }

  void _reset() {
  }
}

String formatName(String first, String last) => '$first $last';
`

func TestDart_Extraction(t *testing.T) {
	t.Parallel()
	pf, ok := NewRegistry().Parse([]byte(dartSource), "lib/login_page.dart")
	require.True(t, ok)
	assert.Equal(t, Dart, pf.Language)

	require.Len(t, pf.Imports, 2)
	assert.Equal(t, "package:flutter/material.dart", pf.Imports[0].Source)
	assert.Equal(t, "src/api.dart", pf.Imports[1].Source)
	assert.Equal(t, []string{"api"}, pf.Imports[1].SymbolNames())

	require.Len(t, pf.Classes, 1)
	c := pf.Classes[0]
	assert.Equal(t, "LoginPage", c.Name)
	assert.Equal(t, "StatelessWidget", c.Extends)
	assert.Equal(t, []string{"Logger", "Page"}, c.Implements)
	assert.Equal(t, []string{"title"}, c.Properties)
	assert.Equal(t, []string{"submit", "_reset"}, methodNames(c))
	assert.True(t, c.Methods[0].IsAsync)
	assert.Equal(t, []string{"user", "password"}, c.Methods[0].ParamNames())
	assert.True(t, c.Methods[0].IsExported)
	assert.False(t, c.Methods[1].IsExported)

	require.Len(t, pf.Functions, 1)
	f := pf.Functions[0]
	assert.Equal(t, "formatName", f.Name)
	assert.Equal(t, "String", f.ReturnType)
	assert.Equal(t, 17, f.StartLine)
	assert.Equal(t, 17, f.EndLine)
	assert.ElementsMatch(t, []string{"LoginPage", "formatName"}, pf.Exports)
}

const ftlSource = `<#import "/common/lib.ftl" as lib>
<#include "header.ftl">
<#macro renderUser user showEmail=false>
  <div>${user.name}</div>
</#macro>
<#function fullName first last>
  <#return first + " " + last>
</#function>
`

func TestFreeMarker_Extraction(t *testing.T) {
	t.Parallel()
	pf, ok := NewRegistry().Parse([]byte(ftlSource), "webapp/templates/user.ftl")
	require.True(t, ok)
	assert.Equal(t, FreeMarker, pf.Language)

	require.Len(t, pf.Imports, 2)
	assert.Equal(t, "/common/lib.ftl", pf.Imports[0].Source)
	assert.Equal(t, []string{"lib"}, pf.Imports[0].SymbolNames())
	assert.Equal(t, "header.ftl", pf.Imports[1].Source)

	require.Len(t, pf.Functions, 2)
	assert.Equal(t, "renderUser", pf.Functions[0].Name)
	assert.Equal(t, []string{"user", "showEmail"}, pf.Functions[0].ParamNames())
	assert.Equal(t, 3, pf.Functions[0].StartLine)
	assert.Equal(t, 5, pf.Functions[0].EndLine)
	assert.Equal(t, "fullName", pf.Functions[1].Name)
	assert.Equal(t, []string{"first", "last"}, pf.Functions[1].ParamNames())
}

type panickyParser struct{}

func (panickyParser) Language() string     { return "boom" }
func (panickyParser) Extensions() []string { return []string{".boom"} }
func (panickyParser) Parse([]byte, string) *ParsedFile {
	panic("grammar exploded")
}

func TestRegistry_Dispatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	p, ok := r.ForFile("App.TSX")
	require.True(t, ok)
	assert.Equal(t, TypeScript, p.Language())

	_, ok = r.ForFile("README.md")
	assert.False(t, ok)
	assert.False(t, r.Supports("go.mod"))

	exts := r.Extensions()
	assert.Contains(t, exts, ".java")
	assert.Contains(t, exts, ".dart")
	assert.Contains(t, exts, ".ftl")
	assert.IsIncreasing(t, exts)

	_, ok = r.Parse([]byte("x"), "notes.txt")
	assert.False(t, ok)
}

func TestRegistry_PanicDegradesToEmptyFile(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register(panickyParser{})

	pf, ok := r.Parse([]byte("anything"), "x.boom")
	require.True(t, ok)
	require.NotNil(t, pf)
	assert.True(t, pf.Empty())
	assert.Equal(t, "x.boom", pf.FilePath)
	assert.Equal(t, ContentHash([]byte("anything")), pf.Hash)
}

func TestRegistry_BrokenSourceNeverFails(t *testing.T) {
	t.Parallel()
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			pf, ok := NewRegistry(mode.opts...).Parse([]byte("class {{{ ((( export function"), "broken.ts")
			require.True(t, ok)
			require.NotNil(t, pf)
			assert.Equal(t, "broken.ts", pf.FilePath)
		})
	}
}

func TestContentHash(t *testing.T) {
	t.Parallel()
	a := ContentHash([]byte("hello"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, ContentHash([]byte("hello")))
	assert.NotEqual(t, a, ContentHash([]byte("hello!")))
}

func TestSnippets(t *testing.T) {
	t.Parallel()
	pf := &ParsedFile{
		FilePath: "src/a.ts",
		Functions: []FunctionInfo{
			{Name: "top", Body: "function top() {}", StartLine: 1, EndLine: 1},
		},
		Classes: []ClassInfo{{
			Name:       "Svc",
			Extends:    "Base",
			Properties: []string{"repo"},
			StartLine:  3,
			EndLine:    9,
			Methods: []FunctionInfo{
				{Name: "run", Params: []Param{{Name: "id", Type: "string"}}, ReturnType: "void", IsAsync: true, Body: "async run(id: string) {}", StartLine: 5, EndLine: 7},
			},
		}},
	}

	snips := Snippets(pf)
	require.Len(t, snips, 3)
	assert.Equal(t, "top", snips[0].Name)
	assert.Equal(t, "Svc.run", snips[1].Name)
	assert.Equal(t, 5, snips[1].StartLine)
	assert.Equal(t, "Svc", snips[2].Name)
	assert.Contains(t, snips[2].Code, "class Svc extends Base {")
	assert.Contains(t, snips[2].Code, "  repo;")
	assert.Contains(t, snips[2].Code, "async run(id: string): void;")
	for _, s := range snips {
		assert.Equal(t, "src/a.ts", s.File)
	}
}

func TestSnippets_CapsCode(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", MaxSnippetChars)
	pf := &ParsedFile{FilePath: "a.ts", Functions: []FunctionInfo{{Name: "big", Body: long}}}
	snips := Snippets(pf)
	require.Len(t, snips, 1)
	assert.LessOrEqual(t, len(snips[0].Code), MaxSnippetChars)
	assert.True(t, strings.HasPrefix(long, snips[0].Code))
}
