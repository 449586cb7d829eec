// Package bundle assembles the virtual file tree of a deployable archive and
// serializes it as a zip.
package bundle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// =============================================================================
// Layout
// =============================================================================

// ModulesDir is the archive directory holding external packages.
const ModulesDir = "node_modules"

// PackagePath returns the archive directory of an external package.
func PackagePath(name string) string {
	return path.Join(ModulesDir, name)
}

// Compression levels accepted by Archive.
const (
	NoCompression      = flate.NoCompression
	BestSpeed          = flate.BestSpeed
	BestCompression    = flate.BestCompression
	DefaultCompression = flate.DefaultCompression
)

var (
	ErrDuplicatePath = errors.New("duplicate path in bundle")
	ErrInvalidPath   = errors.New("invalid bundle path")
	ErrInvalidLevel  = errors.New("invalid compression level")
)

// epoch is the modification time of every archive entry. Zip cannot encode
// times before 1980.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// digestKey separates bundle digests from other BLAKE3 uses.
var digestKey = [32]byte{
	'e', 'n', 's', 'e', 'm', 'b', 'l', 'e', '.', 'b', 'u', 'n', 'd', 'l', 'e',
}

// =============================================================================
// Bundle
// =============================================================================

// Bundle maps virtual paths to content. A path can be added once.
type Bundle struct {
	entries map[string][]byte
	size    int64
}

// New creates an empty bundle.
func New() *Bundle {
	return &Bundle{entries: map[string][]byte{}}
}

// Add inserts one entry. The content is not copied.
func (b *Bundle) Add(name string, content []byte) error {
	clean := path.Clean(name)
	if !fs.ValidPath(clean) || clean == "." {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	if _, exists := b.entries[clean]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, clean)
	}
	b.entries[clean] = content
	b.size += int64(len(content))
	return nil
}

// AddTree inserts every regular file of fsys under prefix.
func (b *Bundle) AddTree(prefix string, fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}
		return b.Add(path.Join(prefix, p), content)
	})
}

// Paths returns the entry paths in sorted order.
func (b *Bundle) Paths() []string {
	out := make([]string, 0, len(b.entries))
	for p := range b.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries.
func (b *Bundle) Len() int { return len(b.entries) }

// Size returns the total uncompressed content size.
func (b *Bundle) Size() int64 { return b.size }

// Archive serializes the bundle as a zip. Entries are written in path order
// with a fixed timestamp so equal bundles produce equal archives. Level is a
// flate level; NoCompression stores entries uncompressed.
func (b *Bundle) Archive(level int) ([]byte, error) {
	if level < DefaultCompression || level > BestCompression {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})

	method := zip.Deflate
	if level == NoCompression {
		method = zip.Store
	}

	for _, p := range b.Paths() {
		hdr := &zip.FileHeader{Name: p, Method: method, Modified: epoch}
		hdr.SetMode(0o644)
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", p, err)
		}
		if _, err := fw.Write(b.entries[p]); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", p, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Digest returns the hex BLAKE3 content address of the bundle. It depends
// only on the entry paths and contents, not on the compression level.
func (b *Bundle) Digest() string {
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var n [8]byte
	for _, p := range b.Paths() {
		content := b.entries[p]
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
		binary.BigEndian.PutUint64(n[:], uint64(len(content)))
		h.Write(n[:])
		h.Write(content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
