package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	for name, content := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	return buf.Bytes()
}

func TestExtractTarGz_Basic(t *testing.T) {
	dest := t.TempDir()
	data := createTestTarGz(t, map[string]string{
		"opt/demo/demo": "#!/bin/sh\necho hello\n",
		"opt/demo/README.md": "hello",
	})

	n, err := Extract(bytes.NewReader(data), dest, KindTarGz, 1<<20, "")
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))

	content, err := os.ReadFile(filepath.Join(dest, "opt/demo/demo"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello")
}

func TestExtractTarGz_SizeLimitExceeded(t *testing.T) {
	dest := t.TempDir()
	data := createTestTarGz(t, map[string]string{
		"big.bin": string(make([]byte, 1024)),
	})

	_, err := Extract(bytes.NewReader(data), dest, KindTarGz, 10, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestExtractTarGz_PathTraversal(t *testing.T) {
	dest := t.TempDir()
	data := createTestTarGz(t, map[string]string{
		"../../etc/passwd": "root:x:0:0",
	})

	_, err := Extract(bytes.NewReader(data), dest, KindTarGz, 1<<20, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPath)

	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries)
}

func TestExtractTarGz_AbsolutePathRejected(t *testing.T) {
	dest := t.TempDir()
	data := createTestTarGz(t, map[string]string{
		"/etc/passwd": "root:x:0:0",
	})

	_, err := Extract(bytes.NewReader(data), dest, KindTarGz, 1<<20, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestExtractTarGz_StripsSetuid(t *testing.T) {
	dest := t.TempDir()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	hdr := &tar.Header{
		Name: "suid-bin",
		Mode: 0755 | 04000, // setuid bit
		Size: 4,
	}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write([]byte("test"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())

	_, err = Extract(&buf, dest, KindTarGz, 1<<20, "")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dest, "suid-bin"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSetuid)
}

func TestDetectKind(t *testing.T) {
	assert.Equal(t, KindTarGz, DetectKind("app-1.0.tar.gz"))
	assert.Equal(t, KindTarGz, DetectKind("app-1.0.tgz"))
	assert.Equal(t, KindTarXz, DetectKind("app-1.0.tar.xz"))
	assert.Equal(t, KindTarZstd, DetectKind("app-1.0.tar.zst"))
	assert.Equal(t, KindZip, DetectKind("app-1.0.zip"))
	assert.Equal(t, KindRaw, DetectKind("app-binary"))
}

func TestExtractRaw(t *testing.T) {
	dest := t.TempDir()
	n, err := Extract(bytes.NewReader([]byte("#!/bin/sh\necho hi\n")), dest, KindRaw, 1<<20, "demo")
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))

	info, err := os.Stat(filepath.Join(dest, "demo"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}
