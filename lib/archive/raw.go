package archive

import (
	"io"
)

// extractRaw handles the `raw` Kind: a single executable with no container
// format, placed at rawName relative to destDir with the executable bit
// set for owner (§4.2: "preserves executable bits for owner").
func extractRaw(r io.Reader, destDir, rawName string, maxBytes int64) (int64, error) {
	if rawName == "" {
		rawName = "bin"
	}
	targetPath, err := safeJoin(destDir, rawName)
	if err != nil {
		return 0, err
	}

	n, err := writeEntryFile(targetPath, 0755, r, maxBytes)
	if err != nil {
		return n, err
	}
	return n, nil
}
