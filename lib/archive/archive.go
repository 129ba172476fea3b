// Package archive implements safe, size-bounded extraction of the archive
// kinds the Fetcher can resolve (§4.2): zip, tar+gzip, tar+xz, tar+zstd,
// and raw (a single executable with no container format).
//
// Security considerations (runs as the invoking user, before namespace
// entry): every extractor shares one path-safety helper and one cumulative
// byte budget. This is the same layered defense the teacher's volume
// archive extractor uses -- reject-first path validation, securejoin for
// symlink-safe joining, O_NOFOLLOW on file creation, and a LimitReader as
// secondary protection -- generalized across formats instead of tar.gz
// alone.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Kind identifies an archive format dispatch target (§4.2).
type Kind string

const (
	KindZip     Kind = "zip"
	KindTarGz   Kind = "tar+gzip"
	KindTarXz   Kind = "tar+xz"
	KindTarZstd Kind = "tar+zstd"
	KindRaw     Kind = "raw"
)

var (
	// ErrTooLarge is returned when extracted content exceeds the size limit.
	ErrTooLarge = errors.New("archive content exceeds size limit")
	// ErrInvalidPath is returned when an entry has a malicious path (§8
	// invariant 4: no file written outside destination).
	ErrInvalidPath = errors.New("invalid archive path")
	// ErrUnknownKind is returned for an unrecognized Kind.
	ErrUnknownKind = errors.New("unknown archive kind")
)

// DetectKind infers a Kind from a file name's extension, for callers that
// did not receive an explicit kind from the manifest or release index.
func DetectKind(name string) Kind {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return KindZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return KindTarGz
	case strings.HasSuffix(lower, ".tar.xz"):
		return KindTarXz
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tar.zstd"):
		return KindTarZstd
	default:
		return KindRaw
	}
}

// Extract dispatches on kind and extracts src into destDir, creating
// destDir if it does not exist (the caller is expected to pass a fresh
// staging directory, per §4.3's stage-then-rename pattern). Returns the
// total extracted byte count.
func Extract(src io.Reader, destDir string, kind Kind, maxBytes int64, rawName string) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create dest dir: %w", err)
	}

	switch kind {
	case KindTarGz:
		return extractTarGz(src, destDir, maxBytes)
	case KindTarXz:
		return extractTarXz(src, destDir, maxBytes)
	case KindTarZstd:
		return extractTarZstd(src, destDir, maxBytes)
	case KindZip:
		return extractZip(src, destDir, maxBytes)
	case KindRaw:
		return extractRaw(src, destDir, rawName, maxBytes)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// validatePath checks that an archive entry's name is safe to extract:
// not absolute, no ".." traversal component. We reject rather than
// silently sanitize, since a legitimate archive should never contain a
// path-traversal attempt (§4.2, §8 boundary behavior).
func validatePath(name string) error {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || filepath.IsAbs(name) {
		return fmt.Errorf("%w: absolute path %q", ErrInvalidPath, name)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: path traversal in %q", ErrInvalidPath, name)
	}
	return nil
}

// safeJoin resolves name relative to destDir, rejecting traversal and
// symlink escapes via securejoin.
func safeJoin(destDir, name string) (string, error) {
	if err := validatePath(name); err != nil {
		return "", err
	}
	target, err := securejoin.SecureJoin(destDir, name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return target, nil
}

// writeEntryFile creates targetPath with O_NOFOLLOW and copies up to
// remaining bytes from r, stripping setuid/setgid from mode (§8 invariant
// 4). Returns bytes written.
func writeEntryFile(targetPath string, mode os.FileMode, r io.Reader, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}

	mode &^= os.ModeSetuid | os.ModeSetgid

	f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|syscall.O_NOFOLLOW, mode)
	if err != nil {
		return 0, fmt.Errorf("create file %s: %w", targetPath, err)
	}
	defer f.Close()

	limited := io.LimitReader(r, remaining+1)
	n, err := io.Copy(f, limited)
	if err != nil {
		return n, fmt.Errorf("write file %s: %w", targetPath, err)
	}
	if n > remaining {
		return n, fmt.Errorf("%w: exceeded budget while writing %s", ErrTooLarge, targetPath)
	}
	return n, nil
}
