// Package archive builds configuration backups and unpacks deploy bundles.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

var (
	// ErrUnsupportedFormat is returned for bundles that are not tar, tar.gz, tgz or zip.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	// ErrUnsafePath is returned when an entry would land outside the destination.
	ErrUnsafePath = errors.New("archive entry escapes destination")
)

// Format is a supported bundle encoding.
type Format string

const (
	FormatTar   Format = "tar"
	FormatTarGz Format = "tar.gz"
	FormatZip   Format = "zip"
)

// DetectFormat picks the format from a file name.
func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, nil
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
}

// WriteBackup streams a gzipped tarball of paths to w. Each path is stored
// under its base name; directories are added recursively. Missing paths are
// skipped, as are files that cannot be read.
func WriteBackup(w io.Writer, paths []string, logger *zap.SugaredLogger) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, root := range paths {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if _, err := os.Lstat(abs); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warnw("Skipping backup path", "path", root, "error", err)
			}
			continue
		}

		base := filepath.Dir(abs)
		walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.Warnw("Skipping unreadable backup entry", "path", path, "error", err)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			return addEntry(tw, path, filepath.ToSlash(rel), d, logger)
		})
		if walkErr != nil {
			return fmt.Errorf("failed to archive %s: %w", root, walkErr)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry, logger *zap.SugaredLogger) error {
	info, err := d.Info()
	if err != nil {
		logger.Warnw("Skipping backup entry", "path", path, "error", err)
		return nil
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return nil
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}

	if !info.Mode().IsRegular() {
		return tw.WriteHeader(hdr)
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Warnw("Skipping unreadable backup file", "path", path, "error", err)
		return nil
	}
	defer func() { _ = f.Close() }()

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// ExtractFile unpacks the bundle at src into dest according to format.
func ExtractFile(src string, format Format, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	switch format {
	case FormatZip:
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return extractZip(f, info.Size(), dest)
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		return extractTar(gz, dest)
	case FormatTar:
		return extractTar(f, dest)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invalid tar stream: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr.FileInfo().Mode())); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLink(dest, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// devices, fifos and hard links are not deployed
		}
	}
}

func extractZip(r io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("invalid zip archive: %w", err)
	}

	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}

		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, dirMode(mode)); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := zf.Open()
			if err != nil {
				return err
			}
			err = writeFile(target, rc, mode)
			_ = rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// safeJoin resolves name under dest and rejects anything that would leave it.
func safeJoin(dest, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !within(dest, target) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}

func checkLink(dest, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: symlink to %q", ErrUnsafePath, linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	if !within(dest, resolved) {
		return fmt.Errorf("%w: symlink to %q", ErrUnsafePath, linkname)
	}
	return nil
}

func within(dest, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dest), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func writeFile(target string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func dirMode(mode fs.FileMode) fs.FileMode {
	if perm := mode.Perm(); perm != 0 {
		return perm | 0o700
	}
	return 0o755
}
