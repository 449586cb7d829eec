package closure

import (
	"errors"
	"strconv"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func file(s string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(s)}
}

// =============================================================================
// Import Form Tests
// =============================================================================

func TestScan_ImportForms(t *testing.T) {
	fsys := fstest.MapFS{
		"main.ts": file(`
import Default from './a';
import * as ns from "./b";
import { x, y as z } from './c';
import type { T } from './types';
import './side-effect';
export { q } from './d';
export * from './e';
const f = require('./f');
const g = () => import('./g');
import {
    multi,
    line,
} from 'lodash';
// import './commented';
/* require('./blocked') */
const url = "http://example.com"; // trailing
obj.import('./not-an-import');
`),
		"a.ts":           file("export default 1;\n"),
		"b.ts":           file("export const b = 1;\n"),
		"c.ts":           file("export const x = 1, y = 2;\n"),
		"side-effect.ts": file("console.log('loaded');\n"),
		"d.ts":           file("export const q = 1;\n"),
		"e.ts":           file("export const e = 1;\n"),
		"f.js":           file("module.exports = 1;\n"),
		"g.ts":           file("export const g = 1;\n"),
	}

	c, err := Scan(fsys, "main.ts", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"main.ts", "a.ts", "b.ts", "c.ts", "side-effect.ts", "d.ts", "e.ts", "f.js", "g.ts"}, c.SourceFiles)
	assert.Equal(t, []string{"lodash"}, c.Packages)
}

func TestScan_IgnoresImportTextInLiterals(t *testing.T) {
	fsys := fstest.MapFS{
		"main.ts": file("const help = \"usage: import x from './plugin'\";\n" +
			"const tpl = `require('left-pad')`;\n" +
			"const re = /import('.\\/regex')/;\n" +
			"export default () => [help, tpl, re];\n"),
	}

	c, err := Scan(fsys, "main.ts", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"main.ts"}, c.SourceFiles)
	assert.Empty(t, c.Packages)
}

func TestScan_Dedupes(t *testing.T) {
	fsys := fstest.MapFS{
		"main.js": file("import a from 'x';\nconst b = require('x/sub');\nimport './lib';\nrequire('./lib.js');\n"),
		"lib.js":  file(""),
	}

	c, err := Scan(fsys, "main.js", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"main.js", "lib.js"}, c.SourceFiles)
	assert.Equal(t, []string{"x"}, c.Packages)
}

func TestScan_SyntaxError(t *testing.T) {
	fsys := fstest.MapFS{
		"main.ts": file("import './bad';\n"),
		"bad.ts":  file("export const = ;\n"),
	}

	_, err := Scan(fsys, "main.ts", NewContext(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyntax)
	assert.Contains(t, err.Error(), "bad.ts:1:")
}

// =============================================================================
// Context Tests
// =============================================================================

func TestContext_IsBuiltin(t *testing.T) {
	ctx := NewContext(nil)

	tests := []struct {
		specifier string
		want      bool
	}{
		{"fs", true},
		{"fs/promises", true},
		{"node:crypto", true},
		{"node:test", true},
		{"lodash", false},
		{"@scope/fs", false},
	}
	for _, tt := range tests {
		t.Run(tt.specifier, func(t *testing.T) {
			assert.Equal(t, tt.want, ctx.IsBuiltin(tt.specifier))
		})
	}
}

func TestPackageName(t *testing.T) {
	tests := []struct {
		specifier string
		want      string
	}{
		{"lodash", "lodash"},
		{"lodash/fp", "lodash"},
		{"@scope/pkg", "@scope/pkg"},
		{"@scope/pkg/deep/path", "@scope/pkg"},
	}
	for _, tt := range tests {
		t.Run(tt.specifier, func(t *testing.T) {
			assert.Equal(t, tt.want, PackageName(tt.specifier))
		})
	}
}

func TestNewContext_DefaultExclusions(t *testing.T) {
	ctx := NewContext(nil)
	assert.True(t, ctx.Excludes("@aws-sdk/client-s3"))
	assert.True(t, ctx.Excludes("@aws-sdk/lib-dynamodb"))
	assert.False(t, ctx.Excludes("aws-sdk"), "v2 SDK is not in current runtimes")
	assert.False(t, ctx.Excludes("@aws-sdkx/other"))
	assert.False(t, NewContext([]string{}).Excludes("@aws-sdk/client-s3"))

	legacy := NewContext([]string{"aws-sdk", "left-pad"})
	assert.True(t, legacy.Excludes("aws-sdk"))
	assert.True(t, legacy.Excludes("left-pad"))
	assert.False(t, legacy.Excludes("@aws-sdk/client-s3"))
}

func TestRuntimeExclusions(t *testing.T) {
	tests := []struct {
		runtime string
		want    []string
	}{
		{"nodejs20.x", DefaultExclusions},
		{"nodejs22.x", DefaultExclusions},
		{"nodejs18.x", DefaultExclusions},
		{"nodejs16.x", LegacyExclusions},
		{"nodejs12.x", LegacyExclusions},
		{"nodejs", LegacyExclusions},
		{"provided.al2023", DefaultExclusions},
	}
	for _, tt := range tests {
		t.Run(tt.runtime, func(t *testing.T) {
			assert.Equal(t, tt.want, RuntimeExclusions(tt.runtime))
		})
	}
}

// =============================================================================
// Scan Tests
// =============================================================================

func TestScan_Basic(t *testing.T) {
	fsys := fstest.MapFS{
		"src/f1.ts":         file("import { helper } from './lib/helper';\nimport * as _ from 'lodash';\nimport * as fs from 'fs';\n"),
		"src/lib/helper.ts": file("import { S3Client } from '@aws-sdk/client-s3';\nimport { v4 } from 'uuid/v4';\nimport Dep from '@scope/dep/sub';\nexport const helper = () => 1;\n"),
	}

	c, err := Scan(fsys, "src/f1", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"src/f1.ts", "src/lib/helper.ts"}, c.SourceFiles)
	assert.Equal(t, []string{"@scope/dep", "lodash", "uuid"}, c.Packages)
}

func TestScan_CyclesVisitOnce(t *testing.T) {
	fsys := fstest.MapFS{
		"a.ts": file("import './b';\nimport './c';\n"),
		"b.ts": file("import './a';\nimport './c.ts';\n"),
		"c.ts": file("import './a.ts';\nimport './b';\n"),
	}

	c, err := Scan(fsys, "a.ts", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts", "b.ts", "c.ts"}, c.SourceFiles)
}

func TestScan_SelfImport(t *testing.T) {
	fsys := fstest.MapFS{"a.js": file("require('./a');\n")}

	c, err := Scan(fsys, "a", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.js"}, c.SourceFiles)
}

func TestScan_SuffixVariants(t *testing.T) {
	fsys := fstest.MapFS{
		"main.ts":      file("import './plain';\nimport './mod';\nimport './dir';\nimport './legacy';\nimport './data.json';\nimport './util.js';\n"),
		"plain.ts":     file(""),
		"mod.mjs":      file(""),
		"dir/index.ts": file(""),
		"legacy.js":    file(""),
		"data.json":    file("{}"),
		"plain.js":     file("not reached: .ts is tried first"),
		"util.ts":      file("export const u = 1;\n"),
	}

	c, err := Scan(fsys, "main.ts", NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"main.ts", "plain.ts", "mod.mjs", "dir/index.ts", "legacy.js", "data.json", "util.ts"}, c.SourceFiles)
}

func TestScan_LargeGraphTerminates(t *testing.T) {
	fsys := fstest.MapFS{}
	const n = 50
	for i := 0; i < n; i++ {
		// Every file imports every other file.
		src := ""
		for j := 0; j < n; j++ {
			src += "import './m" + strconv.Itoa(j) + "';\n"
		}
		fsys["m"+strconv.Itoa(i)+".ts"] = file(src)
	}

	c, err := Scan(fsys, "m0", NewContext(nil))
	require.NoError(t, err)
	assert.Len(t, c.SourceFiles, n)

	seen := map[string]bool{}
	for _, f := range c.SourceFiles {
		assert.False(t, seen[f], f)
		seen[f] = true
	}
}

func TestScan_Errors(t *testing.T) {
	tests := []struct {
		name      string
		fsys      fstest.MapFS
		entry     string
		want      error
		importer  string
		specifier string
	}{
		{
			name:      "missing entry",
			fsys:      fstest.MapFS{},
			entry:     "src/none",
			want:      ErrUnresolved,
			specifier: "src/none",
		},
		{
			name:      "unresolved import reports importer",
			fsys:      fstest.MapFS{"src/a.ts": file("import './b';\nimport './missing';\n"), "src/b.ts": file("")},
			entry:     "src/a",
			want:      ErrUnresolved,
			importer:  "src/a.ts",
			specifier: "./missing",
		},
		{
			name:      "absolute import",
			fsys:      fstest.MapFS{"a.ts": file("import '/etc/passwd';\n")},
			entry:     "a",
			want:      ErrAbsoluteImport,
			importer:  "a.ts",
			specifier: "/etc/passwd",
		},
		{
			name:      "escapes root",
			fsys:      fstest.MapFS{"src/a.ts": file("import '../../outside';\n")},
			entry:     "src/a",
			want:      ErrEscapesRoot,
			importer:  "src/a.ts",
			specifier: "../../outside",
		},
		{
			name:      "absolute entry",
			fsys:      fstest.MapFS{},
			entry:     "/src/a",
			want:      ErrAbsoluteImport,
			specifier: "/src/a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Scan(tt.fsys, tt.entry, NewContext(nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var rerr *ResolutionError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.importer, rerr.Importer)
			assert.Equal(t, tt.specifier, rerr.Specifier)
		})
	}
}

func TestResolutionError_Message(t *testing.T) {
	err := &ResolutionError{Importer: "src/a.ts", Specifier: "./x", Err: ErrUnresolved}
	assert.Equal(t, `unresolved import: "./x" from src/a.ts`, err.Error())
}
