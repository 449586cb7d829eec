// Package packager turns buildable instruments into uploaded code archives.
// This is part of the Imperative Shell - it composes the pure closure,
// package, bundle and runtime cores with the builder and object store.
package packager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/ensemble/internal/core/bundle"
	"github.com/artpar/ensemble/internal/core/closure"
	"github.com/artpar/ensemble/internal/core/model"
	"github.com/artpar/ensemble/internal/core/packages"
	"github.com/artpar/ensemble/internal/core/runtime"
	"github.com/artpar/ensemble/internal/shell/builder"
	"github.com/artpar/ensemble/internal/shell/objectstore"
)

// =============================================================================
// Errors
// =============================================================================

// ErrNotBuildable is returned for instruments whose kind is not packaged.
var ErrNotBuildable = errors.New("instrument kind is not buildable")

// PackageError records which instrument and stage failed.
type PackageError struct {
	Instrument string // Physical name
	Stage      string // scan, resolve, build, bundle, upload
	Err        error
}

func (e *PackageError) Error() string {
	return fmt.Sprintf("package %s: %s: %v", e.Instrument, e.Stage, e.Err)
}

func (e *PackageError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Configuration
// =============================================================================

// Config controls packaging.
type Config struct {
	WorkDir          string // Parent of temporary build directories; empty means the OS default
	CompressionLevel int
	Concurrency      int
	ConflictPolicy   packages.Policy
	Force            bool     // Upload even if the archive already exists
	Exclude          []string // Packages never bundled; nil means the exclusions of each function's runtime
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CompressionLevel: bundle.DefaultCompression,
		Concurrency:      4,
		ConflictPolicy:   packages.FailFast,
	}
}

// Source is the source root of the instruments.
type Source struct {
	Dir string
	FS  fs.FS // Rooted at Dir
}

// NewSource returns the source root at dir on the host filesystem.
func NewSource(dir string) Source {
	return Source{Dir: dir, FS: os.DirFS(dir)}
}

// =============================================================================
// Packager
// =============================================================================

// Artifact is a packaged instrument.
type Artifact struct {
	PhysicalName string
	Digest       string
	Key          string
	URI          string
	Size         int64
	Files        int
	Uploaded     bool // False when an identical archive was already stored
	Conflicts    []packages.Conflict
}

// Packager builds and uploads code archives.
type Packager struct {
	builder builder.Builder
	objects objectstore.ObjectStore
	source  Source
	roots   []packages.Root
	config  Config
	logger  *slog.Logger

	mu    sync.Mutex
	scans map[string]closure.Context // By runtime; "" when Exclude is configured
}

// New creates a packager. Packages are looked up in roots in order; with no
// roots, the source root itself is searched.
func New(b builder.Builder, objects objectstore.ObjectStore, source Source, roots []packages.Root, config Config, logger *slog.Logger) *Packager {
	if len(roots) == 0 {
		roots = []packages.Root{{Dir: source.Dir, FS: source.FS}}
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Packager{
		builder: b,
		objects: objects,
		source:  source,
		roots:   roots,
		config:  config,
		logger:  logger.With("component", "packager"),
		scans:   map[string]closure.Context{},
	}
}

// scanContext returns the closure context for a runtime, built once.
func (p *Packager) scanContext(rt string) closure.Context {
	exclude := p.config.Exclude
	if exclude == nil {
		exclude = closure.RuntimeExclusions(rt)
	} else {
		rt = ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, ok := p.scans[rt]
	if !ok {
		ctx = closure.NewContext(exclude)
		p.scans[rt] = ctx
	}
	return ctx
}

// PackageAll packages every buildable instrument of placed in parallel and
// returns the artifacts keyed by physical name.
func (p *Packager) PackageAll(ctx context.Context, m *model.Model, placed []model.Placed) (map[string]*Artifact, error) {
	var mu sync.Mutex
	out := map[string]*Artifact{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)
	for _, pl := range placed {
		if !m.Handler(pl.Instrument).Buildable() {
			continue
		}
		g.Go(func() error {
			a, err := p.Package(gctx, m, pl)
			if err != nil {
				return err
			}
			mu.Lock()
			out[a.PhysicalName] = a
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Package builds, archives and uploads one instrument.
func (p *Packager) Package(ctx context.Context, m *model.Model, placed model.Placed) (*Artifact, error) {
	inst := placed.Instrument
	physical := m.PhysicalName(placed)
	h := m.Handler(inst)
	if !h.Buildable() {
		return nil, &PackageError{Instrument: physical, Stage: "scan", Err: fmt.Errorf("%w: %s", ErrNotBuildable, inst.Kind())}
	}
	entry := h.EntryPoint(inst)
	logger := p.logger.With("instrument", physical)

	var rt string
	if h.Runtime != nil {
		rt = h.Runtime(inst)
	}
	clo, err := closure.Scan(p.source.FS, entry, p.scanContext(rt))
	if err != nil {
		return nil, &PackageError{Instrument: physical, Stage: "scan", Err: err}
	}

	res, err := packages.NewResolver(p.roots, p.config.ConflictPolicy).Resolve(clo.Packages)
	if err != nil {
		return nil, &PackageError{Instrument: physical, Stage: "resolve", Err: err}
	}
	for _, c := range res.Conflicts {
		logger.Warn("package conflict, using first match", "conflict", c.String())
	}

	b, err := p.assemble(ctx, m, placed, entry, clo, res)
	if err != nil {
		return nil, err
	}

	data, err := b.Archive(p.config.CompressionLevel)
	if err != nil {
		return nil, &PackageError{Instrument: physical, Stage: "bundle", Err: err}
	}

	asm := m.Assembly()
	digest := b.Digest()
	key := objectstore.ArchiveKey(asm.Prefix, physical, digest)
	artifact := &Artifact{
		PhysicalName: physical,
		Digest:       digest,
		Key:          key,
		URI:          objectstore.URI(asm.Bucket, key),
		Size:         int64(len(data)),
		Files:        b.Len(),
		Conflicts:    res.Conflicts,
	}

	if !p.config.Force {
		exists, err := p.objects.Exists(ctx, asm.Bucket, key)
		if err != nil {
			return nil, &PackageError{Instrument: physical, Stage: "upload", Err: err}
		}
		if exists {
			logger.Info("archive unchanged, upload skipped", "uri", artifact.URI)
			return artifact, nil
		}
	}

	err = p.objects.Put(ctx, objectstore.Object{
		Bucket:      asm.Bucket,
		Key:         key,
		Body:        data,
		ContentType: "application/zip",
	})
	if err != nil {
		return nil, &PackageError{Instrument: physical, Stage: "upload", Err: err}
	}
	artifact.Uploaded = true
	logger.Info("archive uploaded", "uri", artifact.URI, "bytes", artifact.Size, "files", artifact.Files, "packages", len(res.Packages))
	return artifact, nil
}

// assemble compiles the closure in a temporary directory and lays out the
// archive tree: compiled sources under build/, packages under node_modules/
// and the generated handler.
func (p *Packager) assemble(ctx context.Context, m *model.Model, placed model.Placed, entry string, clo *closure.Closure, res *packages.Resolution) (*bundle.Bundle, error) {
	physical := m.PhysicalName(placed)
	fail := func(stage string, err error) error {
		return &PackageError{Instrument: physical, Stage: stage, Err: err}
	}

	workDir, err := os.MkdirTemp(p.config.WorkDir, "ensemble-"+physical+"-")
	if err != nil {
		return nil, fail("build", err)
	}
	defer os.RemoveAll(workDir)

	outDir := filepath.Join(workDir, runtime.BuildDir)
	if err := p.builder.Build(ctx, builder.Request{RootDir: p.source.Dir, Sources: clo.SourceFiles, OutDir: outDir}); err != nil {
		return nil, fail("build", err)
	}

	b := bundle.New()
	if err := b.AddTree(runtime.BuildDir, os.DirFS(outDir)); err != nil {
		return nil, fail("bundle", err)
	}
	for _, pkg := range res.Packages {
		if err := b.AddTree(bundle.PackagePath(pkg.Name), pkg.FS); err != nil {
			return nil, fail("bundle", err)
		}
	}

	fqn := placed.Instrument.FullyQualifiedName()
	handler, err := runtime.HandlerSource(fqn, entry, m.Handles(placed))
	if err != nil {
		return nil, fail("bundle", err)
	}
	if err := b.Add(runtime.HandlerPath(fqn), handler); err != nil {
		return nil, fail("bundle", err)
	}
	return b, nil
}
