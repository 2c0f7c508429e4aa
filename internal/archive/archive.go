// Package archive moves world storage in and out of the server: exports to a
// directory or a zstd-compressed tarball with a BLAKE2b manifest, and imports
// from those or from a bare level directory.
package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

const (
	// ManifestName is the manifest file at the root of an export.
	ManifestName = "worlds-export.yaml"
	// Suffix selects the compressed tarball format for exports.
	Suffix = ".tar.zst"
	// FormatVersion is the manifest format written by Export.
	FormatVersion = 1
)

// Kind classifies an import source.
type Kind int

const (
	// KindExport is a directory written by Export.
	KindExport Kind = iota + 1
	// KindArchive is a .tar.zst file written by Export.
	KindArchive
	// KindLevel is a bare level directory holding level.dat or level.dat_old.
	KindLevel
)

func (k Kind) String() string {
	switch k {
	case KindExport:
		return "export"
	case KindArchive:
		return "archive"
	case KindLevel:
		return "level"
	}
	return "unknown"
}

// FileDigest records one exported file.
type FileDigest struct {
	Path    string `yaml:"path"`
	Size    int64  `yaml:"size"`
	BLAKE2b string `yaml:"blake2b"`
}

// Manifest describes an exported world.
type Manifest struct {
	Format     int                  `yaml:"format"`
	World      string               `yaml:"world"`
	Generation world.GenerationSpec `yaml:"generation"`
	Spawn      world.Location       `yaml:"spawn"`
	ExportedAt time.Time            `yaml:"exported_at"`
	Dirs       []string             `yaml:"dirs,omitempty"`
	Files      []FileDigest         `yaml:"files"`
}

// Validate checks the manifest format and that every path is relative and clean.
//
// Postcondition: Returns nil, or an error wrapping ErrInvalidArchive.
func (m Manifest) Validate() error {
	if m.Format != FormatVersion {
		return fmt.Errorf("%w: unsupported manifest format %d", world.ErrInvalidArchive, m.Format)
	}
	if err := m.Generation.Validate(); err != nil {
		return fmt.Errorf("%w: manifest generation: %v", world.ErrInvalidArchive, err)
	}
	for _, d := range m.Dirs {
		if _, err := safeRel(d); err != nil {
			return err
		}
	}
	for _, f := range m.Files {
		if _, err := safeRel(f.Path); err != nil {
			return err
		}
		if f.Path == ManifestName {
			return fmt.Errorf("%w: manifest lists itself", world.ErrInvalidArchive)
		}
	}
	return nil
}

// Source is an inspected import source.
type Source struct {
	Path string
	Kind Kind
}

// Inspect classifies path as an import source without reading file contents.
//
// Postcondition: Returns the source, or an error wrapping ErrInvalidArchive
// when path is unreadable or not a recognised world layout.
func Inspect(p string) (Source, error) {
	info, err := os.Stat(p)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", world.ErrInvalidArchive, err)
	}
	if !info.IsDir() {
		if info.Mode().IsRegular() && strings.HasSuffix(p, Suffix) {
			return Source{Path: p, Kind: KindArchive}, nil
		}
		return Source{}, fmt.Errorf("%w: %s is neither a directory nor a %s file", world.ErrInvalidArchive, p, Suffix)
	}
	if isFile(filepath.Join(p, ManifestName)) {
		return Source{Path: p, Kind: KindExport}, nil
	}
	if IsLevel(p) {
		return Source{Path: p, Kind: KindLevel}, nil
	}
	return Source{}, fmt.Errorf("%w: %s has no %s, level.dat or level.dat_old", world.ErrInvalidArchive, p, ManifestName)
}

// IsLevel reports whether dir looks like a level directory.
func IsLevel(dir string) bool {
	return isFile(filepath.Join(dir, "level.dat")) || isFile(filepath.Join(dir, "level.dat_old"))
}

// DetectEnvironment infers a level's environment from its dimension folders:
// DIM-1 alone means nether, DIM1 alone means the end, anything else is normal.
func DetectEnvironment(dir string) world.Environment {
	nether := isDir(filepath.Join(dir, "DIM-1"))
	end := isDir(filepath.Join(dir, "DIM1"))
	switch {
	case nether && end:
		return world.EnvironmentNormal
	case end:
		return world.EnvironmentTheEnd
	case nether:
		return world.EnvironmentNether
	}
	return world.EnvironmentNormal
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// safeRel validates an archive-relative slash path.
func safeRel(name string) (string, error) {
	p := path.Clean(strings.TrimPrefix(name, "./"))
	if name == "" || path.IsAbs(name) || p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%w: illegal path %q", world.ErrInvalidArchive, name)
	}
	return p, nil
}

// tree lists the directories and regular files under root as sorted slash paths.
func tree(root string) (dirs, files []string, err error) {
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch {
		case d.IsDir():
			dirs = append(dirs, rel)
		case d.Type().IsRegular():
			files = append(files, rel)
		}
		return nil
	})
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files, err
}

// copyFile copies src to dst, returning the digest of the bytes written.
func copyFile(ctx context.Context, src, dst string, perm fs.FileMode) (FileDigest, error) {
	if err := ctx.Err(); err != nil {
		return FileDigest{}, err
	}
	in, err := os.Open(src)
	if err != nil {
		return FileDigest{}, err
	}
	defer in.Close()
	return writeFile(dst, in, perm)
}

// writeFile streams r into a new file at dst and digests it.
func writeFile(dst string, r io.Reader, perm fs.FileMode) (FileDigest, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return FileDigest{}, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return FileDigest{}, err
	}
	h, _ := blake2b.New256(nil)
	n, err := io.Copy(io.MultiWriter(out, h), r)
	if err != nil {
		_ = out.Close()
		return FileDigest{}, err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return FileDigest{}, err
	}
	if err := out.Close(); err != nil {
		return FileDigest{}, err
	}
	return FileDigest{Size: n, BLAKE2b: hex.EncodeToString(h.Sum(nil))}, nil
}

// HashTree digests every regular file under root, in path order.
func HashTree(root string) ([]FileDigest, error) {
	_, files, err := tree(root)
	if err != nil {
		return nil, err
	}
	out := make([]FileDigest, 0, len(files))
	for _, rel := range files {
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		h, _ := blake2b.New256(nil)
		n, err := io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, FileDigest{Path: rel, Size: n, BLAKE2b: hex.EncodeToString(h.Sum(nil))})
	}
	return out, nil
}

func encodeManifest(m Manifest) ([]byte, error) {
	return yaml.Marshal(m)
}

func decodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: manifest: %v", world.ErrInvalidArchive, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ReadManifest loads the manifest of an export directory.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", world.ErrInvalidArchive, err)
	}
	return decodeManifest(data)
}

// verify checks that got matches the manifest exactly.
func verify(m Manifest, got map[string]FileDigest) error {
	if len(got) != len(m.Files) {
		return fmt.Errorf("%w: manifest lists %d files, found %d", world.ErrInvalidArchive, len(m.Files), len(got))
	}
	for _, want := range m.Files {
		d, ok := got[want.Path]
		if !ok {
			return fmt.Errorf("%w: missing %s", world.ErrInvalidArchive, want.Path)
		}
		if d.Size != want.Size || d.BLAKE2b != want.BLAKE2b {
			return fmt.Errorf("%w: digest mismatch for %s", world.ErrInvalidArchive, want.Path)
		}
	}
	return nil
}
