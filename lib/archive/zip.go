package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
)

// extractZip extracts a zip archive. archive/zip requires a ReaderAt, so
// the stream is first staged to a temp file inside destDir, removed once
// extraction returns.
func extractZip(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	tmp, err := os.CreateTemp(destDir, ".zip-stage-*")
	if err != nil {
		return 0, fmt.Errorf("stage zip: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, io.LimitReader(r, maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("buffer zip: %w", err)
	}
	if size > maxBytes {
		return 0, fmt.Errorf("%w: archive exceeds %d bytes", ErrTooLarge, maxBytes)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return 0, fmt.Errorf("zip reader: %w", err)
	}

	var extracted int64
	for _, f := range zr.File {
		targetPath, err := safeJoin(destDir, f.Name)
		if err != nil {
			return extracted, err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, f.Mode().Perm()); err != nil {
				return extracted, fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}

		if extracted+int64(f.UncompressedSize64) > maxBytes {
			return extracted, fmt.Errorf("%w: would exceed %d bytes", ErrTooLarge, maxBytes)
		}

		rc, err := f.Open()
		if err != nil {
			return extracted, fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		n, err := writeEntryFile(targetPath, f.Mode(), rc, maxBytes-extracted)
		rc.Close()
		extracted += n
		if err != nil {
			return extracted, err
		}
	}

	return extracted, nil
}
