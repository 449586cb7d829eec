package closure

import (
	"strconv"
	"strings"
)

// DefaultSuffixes are tried, in order, after the literal path of a relative
// import.
var DefaultSuffixes = []string{".ts", ".tsx", ".js", ".mjs", ".cjs", "/index.ts", "/index.js"}

// ScriptExtensions are swapped for their TypeScript counterparts when the
// literal path of a relative import does not exist, so "./util.js" finds
// util.ts.
var ScriptExtensions = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts"},
	".cjs": {".cts"},
}

// DefaultExclusions are packages assumed present in the execution
// environment of current Node.js runtimes, which ship the v3 SDK. An entry
// ending in "/" excludes a whole scope.
var DefaultExclusions = []string{"@aws-sdk/"}

// LegacyExclusions apply to runtimes up to nodejs16.x, which ship the v2 SDK.
var LegacyExclusions = []string{"aws-sdk"}

// RuntimeExclusions returns the exclusions matching a function runtime
// identifier such as "nodejs20.x".
func RuntimeExclusions(runtime string) []string {
	version, ok := strings.CutPrefix(runtime, "nodejs")
	if !ok {
		return DefaultExclusions
	}
	if version == "" {
		return LegacyExclusions
	}
	major, _, _ := strings.Cut(version, ".")
	if n, err := strconv.Atoi(major); err == nil && n < 18 {
		return LegacyExclusions
	}
	return DefaultExclusions
}

var nodeBuiltins = []string{
	"assert", "async_hooks", "buffer", "child_process", "cluster", "console",
	"constants", "crypto", "dgram", "diagnostics_channel", "dns", "domain",
	"events", "fs", "http", "http2", "https", "inspector", "module", "net",
	"os", "path", "perf_hooks", "process", "punycode", "querystring",
	"readline", "repl", "stream", "string_decoder", "sys", "timers", "tls",
	"trace_events", "tty", "url", "util", "v8", "vm", "wasi",
	"worker_threads", "zlib",
}

// Context holds the lookup tables of one run. It is built once and passed
// to every Scan.
type Context struct {
	Builtins map[string]bool
	Exclude  map[string]bool
	Suffixes []string
}

// NewContext creates a context with the Node built-in module set, the given
// exclusions and DefaultSuffixes. A nil exclusion list means
// DefaultExclusions.
func NewContext(exclude []string) Context {
	if exclude == nil {
		exclude = DefaultExclusions
	}
	ctx := Context{
		Builtins: make(map[string]bool, len(nodeBuiltins)),
		Exclude:  make(map[string]bool, len(exclude)),
		Suffixes: append([]string(nil), DefaultSuffixes...),
	}
	for _, b := range nodeBuiltins {
		ctx.Builtins[b] = true
	}
	for _, e := range exclude {
		ctx.Exclude[e] = true
	}
	return ctx
}

// IsBuiltin reports whether a specifier names a platform module, including
// "node:" prefixed forms and sub-paths such as "fs/promises".
func (c Context) IsBuiltin(specifier string) bool {
	if strings.HasPrefix(specifier, "node:") {
		return true
	}
	first, _, _ := strings.Cut(specifier, "/")
	return c.Builtins[first]
}

// Excludes reports whether a package is left out of archives, either by
// name or by its scope.
func (c Context) Excludes(name string) bool {
	if c.Exclude[name] {
		return true
	}
	scope, _, found := strings.Cut(name, "/")
	return found && strings.HasPrefix(scope, "@") && c.Exclude[scope+"/"]
}

// PackageName reduces a bare specifier to its package name:
// "@scope/pkg/sub" -> "@scope/pkg", "pkg/sub" -> "pkg".
func PackageName(specifier string) string {
	parts := strings.SplitN(specifier, "/", 3)
	if strings.HasPrefix(specifier, "@") && len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
