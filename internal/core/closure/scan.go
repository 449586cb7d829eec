package closure

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
)

// Closure is the result of a scan.
type Closure struct {
	SourceFiles []string // Root-relative, in visit order
	Packages    []string // Sorted, distinct
}

// namespace marks paths served from the scanned fs.FS.
const namespace = "closure"

// Unused imports are kept: the build may keep them too, and an extra file
// in an archive is harmless where a missing one is not.
const scanTsconfig = `{"compilerOptions":{"verbatimModuleSyntax":true}}`

var loaders = map[string]api.Loader{
	".ts":   api.LoaderTS,
	".mts":  api.LoaderTS,
	".cts":  api.LoaderTS,
	".tsx":  api.LoaderTSX,
	".js":   api.LoaderJS,
	".mjs":  api.LoaderJS,
	".cjs":  api.LoaderJS,
	".jsx":  api.LoaderJSX,
	".json": api.LoaderJSON,
}

// =============================================================================
// Scan
// =============================================================================

// scanner collects what the parser reports. Plugin callbacks run
// concurrently, one goroutine per file.
type scanner struct {
	fsys fs.FS
	ctx  Context

	mu       sync.Mutex
	entry    string
	edges    map[string][]string // importer -> resolved relative imports, in source order
	packages map[string]bool
	errs     []*ResolutionError
}

// Scan follows the imports reachable from entry (a root-relative path,
// extension optional). Sources are parsed by esbuild, so specifiers inside
// strings, template literals and comments are never taken for imports,
// and type-only imports are not followed. Each resolved file is visited
// once, so import cycles terminate.
func Scan(fsys fs.FS, entry string, ctx Context) (*Closure, error) {
	if path.IsAbs(entry) {
		return nil, &ResolutionError{Specifier: entry, Err: ErrAbsoluteImport}
	}
	s := &scanner{
		fsys:     fsys,
		ctx:      ctx,
		edges:    map[string][]string{},
		packages: map[string]bool{},
	}

	result := api.Build(api.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Write:       false,
		Format:      api.FormatESModule,
		Platform:    api.PlatformNode,
		TsconfigRaw: scanTsconfig,
		LogLevel:    api.LogLevelSilent,
		Plugins:     []api.Plugin{{Name: "closure", Setup: s.setup}},
	})

	if len(s.errs) > 0 {
		sort.Slice(s.errs, func(i, j int) bool {
			a, b := s.errs[i], s.errs[j]
			if a.Importer != b.Importer {
				return a.Importer < b.Importer
			}
			return a.Specifier < b.Specifier
		})
		return nil, s.errs[0]
	}
	if len(result.Errors) > 0 {
		return nil, syntaxError(result.Errors[0])
	}

	out := &Closure{SourceFiles: s.order(), Packages: make([]string, 0, len(s.packages))}
	for p := range s.packages {
		out.Packages = append(out.Packages, p)
	}
	sort.Strings(out.Packages)
	return out, nil
}

func (s *scanner) setup(build api.PluginBuild) {
	build.OnResolve(api.OnResolveOptions{Filter: ".*"}, s.onResolve)
	build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: namespace}, s.onLoad)
}

func (s *scanner) onResolve(args api.OnResolveArgs) (api.OnResolveResult, error) {
	if args.Kind == api.ResolveEntryPoint {
		resolved, err := s.resolve(path.Clean(args.Path))
		if err != nil {
			return api.OnResolveResult{}, s.record(&ResolutionError{Specifier: args.Path, Err: err})
		}
		s.mu.Lock()
		s.entry = resolved
		s.mu.Unlock()
		return api.OnResolveResult{Path: resolved, Namespace: namespace}, nil
	}

	specifier := args.Path
	switch {
	case path.IsAbs(specifier):
		return api.OnResolveResult{}, s.record(&ResolutionError{Importer: args.Importer, Specifier: specifier, Err: ErrAbsoluteImport})
	case strings.HasPrefix(specifier, "."):
		target := path.Join(path.Dir(args.Importer), specifier)
		if target == ".." || strings.HasPrefix(target, "../") {
			return api.OnResolveResult{}, s.record(&ResolutionError{Importer: args.Importer, Specifier: specifier, Err: ErrEscapesRoot})
		}
		resolved, err := s.resolve(target)
		if err != nil {
			return api.OnResolveResult{}, s.record(&ResolutionError{Importer: args.Importer, Specifier: specifier, Err: err})
		}
		s.mu.Lock()
		s.edges[args.Importer] = append(s.edges[args.Importer], resolved)
		s.mu.Unlock()
		return api.OnResolveResult{Path: resolved, Namespace: namespace}, nil
	case s.ctx.IsBuiltin(specifier):
	default:
		if name := PackageName(specifier); !s.ctx.Excludes(name) {
			s.mu.Lock()
			s.packages[name] = true
			s.mu.Unlock()
		}
	}
	return api.OnResolveResult{Path: specifier, External: true}, nil
}

func (s *scanner) onLoad(args api.OnLoadArgs) (api.OnLoadResult, error) {
	content, err := fs.ReadFile(s.fsys, args.Path)
	if err != nil {
		return api.OnLoadResult{}, s.record(&ResolutionError{Importer: args.Path, Specifier: args.Path, Err: ErrRead})
	}
	loader, ok := loaders[path.Ext(args.Path)]
	if !ok {
		loader = api.LoaderText
	}
	contents := string(content)
	return api.OnLoadResult{Contents: &contents, Loader: loader}, nil
}

func (s *scanner) record(err *ResolutionError) error {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	return err
}

// order lists the files reachable from the entry depth first, following
// each file's imports in source order.
func (s *scanner) order() []string {
	visited := map[string]bool{}
	var files []string
	var visit func(file string)
	visit = func(file string) {
		if visited[file] {
			return
		}
		visited[file] = true
		files = append(files, file)
		for _, next := range s.edges[file] {
			visit(next)
		}
	}
	visit(s.entry)
	return files
}

// resolve returns the first existing regular file among the literal path,
// its suffix variants and its TypeScript counterparts.
func (s *scanner) resolve(p string) (string, error) {
	candidates := make([]string, 0, len(s.ctx.Suffixes)+3)
	candidates = append(candidates, p)
	for _, suffix := range s.ctx.Suffixes {
		candidates = append(candidates, p+suffix)
	}
	if ext := path.Ext(p); ext != "" {
		for _, swap := range ScriptExtensions[ext] {
			candidates = append(candidates, strings.TrimSuffix(p, ext)+swap)
		}
	}
	for _, c := range candidates {
		if !fs.ValidPath(c) {
			continue
		}
		info, err := fs.Stat(s.fsys, c)
		if err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", ErrUnresolved
}

func syntaxError(m api.Message) error {
	if m.Location == nil {
		return fmt.Errorf("%w: %s", ErrSyntax, m.Text)
	}
	file := strings.TrimPrefix(m.Location.File, namespace+":")
	return fmt.Errorf("%w: %s:%d:%d: %s", ErrSyntax, file, m.Location.Line, m.Location.Column, m.Text)
}
