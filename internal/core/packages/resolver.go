package packages

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ModulesDir is the directory holding installed packages under a root.
const ModulesDir = "node_modules"

// =============================================================================
// Types
// =============================================================================

// Policy decides what happens when a package is installed with different
// versions in more than one root.
type Policy string

const (
	// FailFast rejects the resolution, listing every conflict.
	FailFast Policy = "fail-fast"
	// FirstMatch keeps the installation of the earliest root and reports
	// the conflicts in the Resolution.
	FirstMatch Policy = "first-match"
)

// ParsePolicy converts a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case FailFast, "":
		return FailFast, nil
	case FirstMatch:
		return FirstMatch, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Root is a candidate installation root, e.g. a project directory holding
// node_modules. FS is rooted at Dir.
type Root struct {
	Dir string
	FS  fs.FS
}

// Package is one resolved installation.
type Package struct {
	Name    string
	Version string
	Dir     string // Host directory of the installation
	FS      fs.FS  // Rooted at the installation directory
	Root    int    // Index of the root it was found in
}

// Candidate is one installation of a conflicting package.
type Candidate struct {
	Dir     string
	Version string
}

// Conflict lists the installations of one package, in root order.
type Conflict struct {
	Name       string
	Candidates []Candidate
}

func (c Conflict) String() string {
	parts := make([]string, len(c.Candidates))
	for i, cand := range c.Candidates {
		parts[i] = fmt.Sprintf("%s@%s", cand.Dir, cand.Version)
	}
	return fmt.Sprintf("%s: %s", c.Name, strings.Join(parts, ", "))
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Packages  []Package  // Sorted by name
	Conflicts []Conflict // Sorted by name; empty under FailFast
}

type manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// =============================================================================
// Resolver
// =============================================================================

// Resolver resolves package names against an ordered list of roots.
type Resolver struct {
	roots  []Root
	policy Policy
}

// NewResolver creates a resolver. Roots are searched in order.
func NewResolver(roots []Root, policy Policy) *Resolver {
	if policy == "" {
		policy = FailFast
	}
	return &Resolver{roots: append([]Root(nil), roots...), policy: policy}
}

type request struct {
	name       string
	requiredBy string

	// root and nested locate the dependent when it was found in a root.
	// nested lists the node_modules directories to search before the
	// roots, innermost first.
	root   int
	nested []string
}

// Resolve resolves names and everything they depend on. A dependency
// installed inside a dependent's own node_modules ships with that
// dependent, but its dependencies are still followed: the ones hoisted to
// a root become packages of their own.
func (r *Resolver) Resolve(names []string) (*Resolution, error) {
	queue := make([]request, 0, len(names))
	for _, n := range sortedCopy(names) {
		queue = append(queue, request{name: n})
	}

	resolved := map[string]Package{}
	walked := map[string]bool{} // root:dir of nested installations
	var conflicts []Conflict

	for len(queue) > 0 {
		req := queue[0]
		queue = queue[1:]

		if loc, chain, m, ok, err := r.findNested(req); err != nil {
			return nil, &ResolutionError{Package: req.name, RequiredBy: req.requiredBy, Err: err}
		} else if ok {
			key := fmt.Sprintf("%d:%s", req.root, loc)
			if walked[key] {
				continue
			}
			walked[key] = true
			for _, dep := range sortedKeys(m.Dependencies) {
				queue = append(queue, request{name: dep, requiredBy: req.name, root: req.root, nested: chain})
			}
			continue
		}

		if _, done := resolved[req.name]; done {
			continue
		}

		found, err := r.find(req.name)
		if err != nil {
			return nil, &ResolutionError{Package: req.name, RequiredBy: req.requiredBy, Err: err}
		}
		if len(found) == 0 {
			return nil, &ResolutionError{Package: req.name, RequiredBy: req.requiredBy, Err: ErrPackageNotFound}
		}
		if c, ok := conflictOf(req.name, found); ok {
			conflicts = append(conflicts, c)
		}

		chosen := found[0]
		resolved[req.name] = chosen.pkg

		chain := []string{path.Join(ModulesDir, req.name, ModulesDir)}
		for _, dep := range sortedKeys(chosen.manifest.Dependencies) {
			queue = append(queue, request{name: dep, requiredBy: req.name, root: chosen.pkg.Root, nested: chain})
		}
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Name < conflicts[j].Name })
	if len(conflicts) > 0 && r.policy == FailFast {
		lines := make([]string, len(conflicts))
		for i, c := range conflicts {
			lines[i] = c.String()
		}
		return nil, &ResolutionError{
			Message: fmt.Sprintf("%s: %s", ErrConflict, strings.Join(lines, "; ")),
			Err:     ErrConflict,
		}
	}

	out := &Resolution{Packages: make([]Package, 0, len(resolved)), Conflicts: conflicts}
	for _, p := range resolved {
		out.Packages = append(out.Packages, p)
	}
	sort.Slice(out.Packages, func(i, j int) bool { return out.Packages[i].Name < out.Packages[j].Name })
	return out, nil
}

// findNested looks req.name up in the dependent's node_modules chain. It
// returns the installation directory, the chain its own dependencies are
// searched in and its manifest.
func (r *Resolver) findNested(req request) (string, []string, manifest, bool, error) {
	if len(req.nested) == 0 {
		return "", nil, manifest{}, false, nil
	}
	root := r.roots[req.root]
	for i, modules := range req.nested {
		loc := path.Join(modules, req.name)
		m, err := readManifest(root, loc)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", nil, manifest{}, false, err
		}
		chain := append([]string{path.Join(loc, ModulesDir)}, req.nested[i:]...)
		return loc, chain, m, true, nil
	}
	return "", nil, manifest{}, false, nil
}

type installation struct {
	pkg      Package
	manifest manifest
}

// find returns every installation of name, in root order.
func (r *Resolver) find(name string) ([]installation, error) {
	var out []installation
	for i, root := range r.roots {
		dir := path.Join(ModulesDir, name)
		m, err := readManifest(root, dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sub, err := fs.Sub(root.FS, dir)
		if err != nil {
			return nil, err
		}
		out = append(out, installation{
			pkg: Package{
				Name:    name,
				Version: m.Version,
				Dir:     filepath.Join(root.Dir, filepath.FromSlash(dir)),
				FS:      sub,
				Root:    i,
			},
			manifest: m,
		})
	}
	return out, nil
}

func readManifest(root Root, dir string) (manifest, error) {
	var m manifest
	data, err := fs.ReadFile(root.FS, path.Join(dir, "package.json"))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w in %s: %w", ErrBadManifest, filepath.Join(root.Dir, filepath.FromSlash(dir)), err)
	}
	return m, nil
}

// conflictOf reports a conflict when the installations disagree on version.
// The same version in several roots is not a conflict.
func conflictOf(name string, found []installation) (Conflict, bool) {
	versions := map[string]bool{}
	c := Conflict{Name: name}
	for _, f := range found {
		versions[f.pkg.Version] = true
		c.Candidates = append(c.Candidates, Candidate{Dir: f.pkg.Dir, Version: f.pkg.Version})
	}
	return c, len(versions) > 1
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
