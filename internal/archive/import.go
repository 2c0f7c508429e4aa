package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/cory-johannsen/worlds/internal/game/world"
)

// maxManifestSize bounds the manifest entry read from a tarball.
const maxManifestSize = 16 << 20

// Materialize copies an import source into the new directory dst and returns
// its manifest. Level directories get a synthesized manifest whose environment
// is inferred from the dimension folders; exports and archives are verified
// against their recorded digests.
//
// Precondition: dst must not exist.
// Postcondition: On success dst holds the world data. On error dst is removed
// and the error wraps ErrInvalidArchive for a bad source, or is a StorageError
// for destination I/O.
func Materialize(ctx context.Context, src Source, dst string) (_ Manifest, err error) {
	if _, err := os.Lstat(dst); err == nil {
		return Manifest{}, fmt.Errorf("%w: import destination %s already exists", world.ErrInvalidArgument, dst)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return Manifest{}, world.NewStorageError("import", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dst)
		}
	}()

	var m Manifest
	switch src.Kind {
	case KindLevel:
		m, err = importLevel(ctx, src.Path, dst)
	case KindExport:
		m, err = importExport(ctx, src.Path, dst)
	case KindArchive:
		m, err = importArchive(ctx, src.Path, dst)
	default:
		err = fmt.Errorf("%w: unknown source kind %s", world.ErrInvalidArchive, src.Kind)
	}
	if err != nil {
		return Manifest{}, classify(err)
	}
	return m, nil
}

// classify keeps source and cancellation errors as they are and reports
// everything else as a storage failure.
func classify(err error) error {
	switch {
	case errors.Is(err, world.ErrInvalidArchive),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return world.NewStorageError("import", err)
}

func importLevel(ctx context.Context, src, dst string) (Manifest, error) {
	dirs, files, err := tree(src)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", world.ErrInvalidArchive, err)
	}
	digests, err := copyTree(ctx, src, dst, dirs, files, nil)
	if err != nil {
		return Manifest{}, err
	}
	gen := world.GenerationSpec{Environment: DetectEnvironment(src)}.WithDefaults()
	return Manifest{
		Format:     FormatVersion,
		Generation: gen,
		Dirs:       dirs,
		Files:      digests,
	}, nil
}

func importExport(ctx context.Context, src, dst string) (Manifest, error) {
	m, err := ReadManifest(src)
	if err != nil {
		return Manifest{}, err
	}
	want := make(map[string]FileDigest, len(m.Files))
	files := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		want[f.Path] = f
		files = append(files, f.Path)
	}
	if _, err := copyTree(ctx, src, dst, m.Dirs, files, want); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func importArchive(ctx context.Context, src, dst string) (Manifest, error) {
	f, err := os.Open(src)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", world.ErrInvalidArchive, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", world.ErrInvalidArchive, err)
	}
	defer zr.Close()

	tr := tar.NewReader(sourceReader{zr})
	got := make(map[string]FileDigest)
	var manifest *Manifest
	for {
		if err := ctx.Err(); err != nil {
			return Manifest{}, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, asInvalid(err)
		}
		name, err := safeRel(hdr.Name)
		if err != nil {
			return Manifest{}, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(filepath.Join(dst, filepath.FromSlash(name)), 0o755); err != nil {
				return Manifest{}, err
			}
		case tar.TypeReg:
			if name == ManifestName {
				if manifest != nil {
					return Manifest{}, fmt.Errorf("%w: duplicate manifest", world.ErrInvalidArchive)
				}
				data, err := io.ReadAll(io.LimitReader(tr, maxManifestSize))
				if err != nil {
					return Manifest{}, asInvalid(err)
				}
				m, err := decodeManifest(data)
				if err != nil {
					return Manifest{}, err
				}
				manifest = &m
				continue
			}
			if _, dup := got[name]; dup {
				return Manifest{}, fmt.Errorf("%w: duplicate entry %s", world.ErrInvalidArchive, name)
			}
			d, err := writeFile(filepath.Join(dst, filepath.FromSlash(name)), sourceReader{tr}, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return Manifest{}, fmt.Errorf("extracting %s: %w", name, err)
			}
			d.Path = name
			got[name] = d
		default:
			return Manifest{}, fmt.Errorf("%w: unsupported entry type %q for %s", world.ErrInvalidArchive, hdr.Typeflag, name)
		}
	}
	if manifest == nil {
		return Manifest{}, fmt.Errorf("%w: missing %s", world.ErrInvalidArchive, ManifestName)
	}
	if err := verify(*manifest, got); err != nil {
		return Manifest{}, err
	}
	return *manifest, nil
}

// sourceReader tags read failures from the compressed stream as archive
// corruption so they are not mistaken for destination I/O errors.
type sourceReader struct {
	r io.Reader
}

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = asInvalid(err)
	}
	return n, err
}

func asInvalid(err error) error {
	if errors.Is(err, world.ErrInvalidArchive) {
		return err
	}
	return fmt.Errorf("%w: %v", world.ErrInvalidArchive, err)
}
