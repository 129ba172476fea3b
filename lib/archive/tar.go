package archive

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

func extractTarGz(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()
	return extractTarStream(gzr, destDir, maxBytes)
}

func extractTarXz(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	xzr, err := xz.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("xz reader: %w", err)
	}
	return extractTarStream(xzr, destDir, maxBytes)
}

func extractTarZstd(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()
	return extractTarStream(zr, destDir, maxBytes)
}

// extractTarStream is shared by every tar-based Kind; only the
// decompression wrapper differs between gzip, xz and zstd.
func extractTarStream(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	tr := tar.NewReader(r)
	var extracted int64

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("read tar header: %w", err)
		}

		targetPath, err := safeJoin(destDir, header.Name)
		if err != nil {
			return extracted, err
		}

		if extracted+header.Size > maxBytes {
			return extracted, fmt.Errorf("%w: would exceed %d bytes", ErrTooLarge, maxBytes)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, header.FileInfo().Mode().Perm()); err != nil {
				return extracted, fmt.Errorf("create dir %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			n, err := writeEntryFile(targetPath, header.FileInfo().Mode(), tr, maxBytes-extracted)
			extracted += n
			if err != nil {
				return extracted, err
			}

		case tar.TypeSymlink:
			if err := extractSymlink(destDir, targetPath, header.Linkname); err != nil {
				return extracted, err
			}

		case tar.TypeLink:
			linkTarget, err := securejoin.SecureJoin(destDir, header.Linkname)
			if err != nil {
				return extracted, fmt.Errorf("%w: hardlink target unsafe: %v", ErrInvalidPath, err)
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return extracted, fmt.Errorf("create parent dir for hardlink: %w", err)
			}
			if err := os.Link(linkTarget, targetPath); err != nil {
				return extracted, fmt.Errorf("create hardlink %s: %w", header.Name, err)
			}

		default:
			continue
		}
	}

	return extracted, nil
}

// extractSymlink validates and creates a symlink entry, rejecting any
// target that would resolve outside destDir.
func extractSymlink(destDir, targetPath, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: absolute symlink target %q", ErrInvalidPath, linkname)
	}

	cleaned := filepath.Clean(linkname)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: symlink %q escapes destination", ErrInvalidPath, linkname)
	}

	symlinkDir := filepath.Dir(targetPath)
	resolved, err := securejoin.SecureJoin(symlinkDir, linkname)
	if err != nil {
		return fmt.Errorf("%w: symlink target unsafe: %v", ErrInvalidPath, err)
	}

	cleanDest := filepath.Clean(destDir)
	if resolved != cleanDest && !strings.HasPrefix(resolved, cleanDest+string(filepath.Separator)) {
		return fmt.Errorf("%w: symlink %q escapes destination", ErrInvalidPath, linkname)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return fmt.Errorf("create parent dir for symlink: %w", err)
	}
	return os.Symlink(linkname, targetPath)
}
