// Package builder compiles instrument sources into deployable CommonJS.
// This is part of the Imperative Shell - reads and writes the filesystem.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

var (
	// ErrInvalidRequest is returned for a request that cannot be built.
	ErrInvalidRequest = errors.New("invalid build request")

	// ErrCompile is returned when the compiler reports errors.
	ErrCompile = errors.New("compilation failed")
)

// BuildError lists the compiler messages of a failed build.
type BuildError struct {
	RootDir  string
	Messages []string
	Err      error
}

func (e *BuildError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("build %s: %v", e.RootDir, e.Err)
	}
	return fmt.Sprintf("build %s: %v:\n  %s", e.RootDir, e.Err, strings.Join(e.Messages, "\n  "))
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Request describes one compilation. Sources are slash-separated paths
// relative to RootDir; the output tree under OutDir mirrors RootDir.
type Request struct {
	RootDir string
	Sources []string
	OutDir  string
}

// Builder compiles sources.
type Builder interface {
	Build(ctx context.Context, req Request) error
}

// compiled lists the extensions transpiled to .js. Other sources, such as
// JSON data, are copied to the output tree as they are.
var compiled = map[string]bool{
	".ts": true, ".mts": true, ".cts": true, ".tsx": true,
	".js": true, ".mjs": true, ".cjs": true, ".jsx": true,
}

// Esbuild transpiles each script source to CommonJS without bundling.
type Esbuild struct {
	target api.Target
	logger *slog.Logger
}

// NewEsbuild creates an esbuild-backed builder emitting ES2015.
func NewEsbuild(logger *slog.Logger) *Esbuild {
	return &Esbuild{target: api.ES2015, logger: logger.With("component", "builder")}
}

func (b *Esbuild) Build(ctx context.Context, req Request) error {
	if len(req.Sources) == 0 {
		return &BuildError{RootDir: req.RootDir, Err: fmt.Errorf("%w: no sources", ErrInvalidRequest)}
	}
	root, err := filepath.Abs(req.RootDir)
	if err != nil {
		return &BuildError{RootDir: req.RootDir, Err: fmt.Errorf("%w: %w", ErrInvalidRequest, err)}
	}
	if !filepath.IsAbs(req.OutDir) {
		return &BuildError{RootDir: req.RootDir, Err: fmt.Errorf("%w: out dir %q is not absolute", ErrInvalidRequest, req.OutDir)}
	}
	if err := ctx.Err(); err != nil {
		return &BuildError{RootDir: req.RootDir, Err: err}
	}

	entries := make([]string, 0, len(req.Sources))
	var copied int
	for _, src := range req.Sources {
		rel := filepath.FromSlash(src)
		if compiled[strings.ToLower(filepath.Ext(rel))] {
			entries = append(entries, filepath.Join(root, rel))
			continue
		}
		if err := copyFile(filepath.Join(root, rel), filepath.Join(req.OutDir, rel)); err != nil {
			return &BuildError{RootDir: req.RootDir, Err: err}
		}
		copied++
	}
	if len(entries) == 0 {
		b.logger.Debug("copied", "root", root, "files", copied, "out", req.OutDir)
		return nil
	}

	result := api.Build(api.BuildOptions{
		AbsWorkingDir: root,
		EntryPoints:   entries,
		Outbase:       root,
		Outdir:        req.OutDir,
		Bundle:        false,
		Write:         true,
		Format:        api.FormatCommonJS,
		Platform:      api.PlatformNode,
		Target:        b.target,
		Sourcemap:     api.SourceMapLinked,
		LogLevel:      api.LogLevelSilent,
	})

	for _, w := range result.Warnings {
		b.logger.Debug("compiler warning", "message", formatMessage(w))
	}
	if len(result.Errors) > 0 {
		messages := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			messages = append(messages, formatMessage(m))
		}
		return &BuildError{RootDir: req.RootDir, Messages: messages, Err: ErrCompile}
	}

	b.logger.Debug("compiled", "root", root, "files", len(entries), "copied", copied, "out", req.OutDir)
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

func formatMessage(m api.Message) string {
	if m.Location == nil {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text)
}
