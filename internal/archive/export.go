package archive

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/worlds/internal/game/world"
	"github.com/cory-johannsen/worlds/internal/storage/filestore"
)

// copyWorkers bounds concurrent file copies.
const copyWorkers = 4

// Export copies the world tree at src to dst. A dst ending in Suffix is written
// as a zstd-compressed tarball, anything else as a plain directory. The
// manifest m is completed with the directory list and file digests and
// written alongside the data.
//
// Precondition: src must be quiescent for the duration of the call.
// Postcondition: Returns the written manifest; on error nothing is left at dst.
func Export(ctx context.Context, src, dst string, m Manifest) (Manifest, error) {
	if _, err := os.Lstat(dst); err == nil {
		return Manifest{}, fmt.Errorf("%w: export destination %s already exists", world.ErrInvalidArgument, dst)
	}
	dirs, files, err := tree(src)
	if err != nil {
		return Manifest{}, fmt.Errorf("listing %s: %w", src, err)
	}
	for _, f := range files {
		if f == ManifestName {
			return Manifest{}, fmt.Errorf("%w: world storage already contains %s", world.ErrInvalidArgument, ManifestName)
		}
	}
	m.Format = FormatVersion
	m.Dirs = dirs
	if strings.HasSuffix(dst, Suffix) {
		return exportArchive(ctx, src, dst, m, files)
	}
	return exportDir(ctx, src, dst, m, files)
}

// copyTree copies the listed dirs and files from src to dst in parallel.
// When want is non-nil each copied file must match its recorded digest.
func copyTree(ctx context.Context, src, dst string, dirs []string, files []string, want map[string]FileDigest) ([]FileDigest, error) {
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(dst, filepath.FromSlash(d)), 0o755); err != nil {
			return nil, err
		}
	}
	digests := make([]FileDigest, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(copyWorkers)
	for i, rel := range files {
		g.Go(func() error {
			from := filepath.Join(src, filepath.FromSlash(rel))
			info, err := os.Stat(from)
			if err != nil {
				if want != nil {
					return fmt.Errorf("%w: %v", world.ErrInvalidArchive, err)
				}
				return err
			}
			d, err := copyFile(gctx, from, filepath.Join(dst, filepath.FromSlash(rel)), info.Mode().Perm())
			if err != nil {
				return fmt.Errorf("copying %s: %w", rel, err)
			}
			d.Path = rel
			if w, ok := want[rel]; ok && (w.Size != d.Size || w.BLAKE2b != d.BLAKE2b) {
				return fmt.Errorf("%w: digest mismatch for %s", world.ErrInvalidArchive, rel)
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return digests, nil
}

func exportDir(ctx context.Context, src, dst string, m Manifest, files []string) (_ Manifest, err error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return Manifest{}, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dst)
		}
	}()

	m.Files, err = copyTree(ctx, src, dst, m.Dirs, files, nil)
	if err != nil {
		return Manifest{}, err
	}
	data, err := encodeManifest(m)
	if err != nil {
		return Manifest{}, err
	}
	if err := filestore.WriteFileAtomic(filepath.Join(dst, ManifestName), data, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("writing manifest: %w", err)
	}
	return m, nil
}

func exportArchive(ctx context.Context, src, dst string, m Manifest, files []string) (_ Manifest, err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Manifest{}, err
	}
	tmp := dst + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Manifest{}, err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return Manifest{}, err
	}
	tw := tar.NewWriter(zw)

	for _, d := range m.Dirs {
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeDir,
			Name:     d + "/",
			Mode:     0o755,
			ModTime:  m.ExportedAt,
		}); err != nil {
			return Manifest{}, err
		}
	}
	m.Files = make([]FileDigest, 0, len(files))
	for _, rel := range files {
		d, err := appendFile(ctx, tw, filepath.Join(src, filepath.FromSlash(rel)), rel)
		if err != nil {
			return Manifest{}, fmt.Errorf("archiving %s: %w", rel, err)
		}
		m.Files = append(m.Files, d)
	}

	data, err := encodeManifest(m)
	if err != nil {
		return Manifest{}, err
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ManifestName,
		Size:     int64(len(data)),
		Mode:     0o644,
		ModTime:  m.ExportedAt,
	}); err != nil {
		return Manifest{}, err
	}
	if _, err := tw.Write(data); err != nil {
		return Manifest{}, err
	}
	if err := tw.Close(); err != nil {
		return Manifest{}, err
	}
	if err := zw.Close(); err != nil {
		return Manifest{}, err
	}
	if err := f.Sync(); err != nil {
		return Manifest{}, err
	}
	if err := f.Close(); err != nil {
		return Manifest{}, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func appendFile(ctx context.Context, tw *tar.Writer, from, rel string) (FileDigest, error) {
	if err := ctx.Err(); err != nil {
		return FileDigest{}, err
	}
	in, err := os.Open(from)
	if err != nil {
		return FileDigest{}, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return FileDigest{}, err
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     rel,
		Size:     info.Size(),
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime(),
	}); err != nil {
		return FileDigest{}, err
	}
	h, _ := blake2b.New256(nil)
	n, err := io.Copy(io.MultiWriter(tw, h), in)
	if err != nil {
		return FileDigest{}, err
	}
	if n != info.Size() {
		return FileDigest{}, fmt.Errorf("size changed during export: %d != %d", n, info.Size())
	}
	return FileDigest{Path: rel, Size: n, BLAKE2b: hex.EncodeToString(h.Sum(nil))}, nil
}
