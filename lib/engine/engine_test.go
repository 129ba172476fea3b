package engine

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidbox/voidbox/lib/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dataDir := t.TempDir()
	cfg := config.Config{
		DataDir:                dataDir,
		MaxArchiveSize:         1 << 30,
		DownloadTimeoutSeconds: 5,
		GracePeriodSeconds:     5,
	}
	return New(cfg, "/usr/bin/voidbox")
}

// seedInstalled writes a manifest to disk and inserts a matching index
// record directly, bypassing Install so tests that only exercise
// List/Info/Remove don't need a live base-image download.
func seedInstalled(t *testing.T, e *Engine, name string) InstalledRecord {
	t.Helper()
	require.NoError(t, os.MkdirAll(e.paths.ManifestsDir(), 0755))
	manifestPath := e.paths.ManifestPath(name)
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
[app]
name = "`+name+`"

[source]
type = "direct"
url = "https://example.invalid/app.tar.gz"

[runtime]
distro = "ubuntu"
version = "24.04"
arch = "x86_64"

[binary]
relative_path = "bin/app"
`), 0644))

	rec := InstalledRecord{
		Name:         name,
		ManifestPath: manifestPath,
		Version:      "1.0.0",
		BaseID:       "ubuntu-24.04-x86_64",
		DepKey:       "",
		InstalledAt:  time.Now().UTC(),
	}
	require.NoError(t, e.index.Put(rec))
	return rec
}

func TestList_ReturnsSeededRecord(t *testing.T) {
	e := newTestEngine(t)
	seedInstalled(t, e, "firefox")

	recs, err := e.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "firefox", recs[0].Name)
}

func TestInfo_ReturnsParsedManifest(t *testing.T) {
	e := newTestEngine(t)
	seedInstalled(t, e, "firefox")

	details, err := e.Info(context.Background(), "firefox")
	require.NoError(t, err)
	assert.Equal(t, "firefox", details.App.Name)
	assert.Equal(t, "bin/app", details.App.Binary.RelativePath)
}

func TestInfo_UnknownAppReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Info(context.Background(), "nope")
	require.Error(t, err)
}

func TestRemove_PurgeDeletesAppDirAndIndexEntry(t *testing.T) {
	e := newTestEngine(t)
	seedInstalled(t, e, "firefox")
	require.NoError(t, os.MkdirAll(e.paths.AppLayer("firefox"), 0755))

	require.NoError(t, e.Remove(context.Background(), "firefox", true))

	_, ok, err := e.index.Get("firefox")
	require.NoError(t, err)
	assert.False(t, ok)

	_, statErr := os.Stat(e.paths.AppDir("firefox"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemove_UnknownAppReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	err := e.Remove(context.Background(), "nope", false)
	require.Error(t, err)
}

func TestLockApp_SecondAcquireFailsWhileHeld(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, os.MkdirAll(e.paths.AppDir("firefox"), 0755))

	unlock, err := e.lockApp("firefox")
	require.NoError(t, err)
	defer unlock()

	_, err = e.lockApp("firefox")
	require.Error(t, err)
}

// TestUpdateOne_ReportsDistinctOldAndNewVersions guards against the
// records'-field-mutated-before-read bug: updateOne must report the
// version the app was installed at, not the version it was just updated
// to, in both the returned outcome and the persisted index entry.
func TestUpdateOne_ReportsDistinctOldAndNewVersions(t *testing.T) {
	archiveData := createTestTarGz(t, map[string]string{"bin/app": "#!/bin/sh\necho hi\n"})

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/releases":
			fmt.Fprintf(w, `{"releases":[{"version":"2.0.0","assets":[{"name":"app.tar.gz","url":"%s/app.tar.gz","os":"linux","arch":"amd64"}]}]}`, srv.URL)
		case "/app.tar.gz":
			w.Write(archiveData)
		}
	}))
	defer srv.Close()

	e := newTestEngine(t)
	require.NoError(t, os.MkdirAll(e.paths.ManifestsDir(), 0755))
	manifestPath := e.paths.ManifestPath("demo")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
[app]
name = "demo"

[source]
type = "release-index"
index_url = "`+srv.URL+`/releases"
asset_os = "linux"
asset_arch = "amd64"

[runtime]
distro = "ubuntu"
version = "24.04"
arch = "x86_64"

[binary]
relative_path = "bin/app"
`), 0644))

	require.NoError(t, e.index.Put(InstalledRecord{
		Name:         "demo",
		ManifestPath: manifestPath,
		Version:      "1.0.0",
		BaseID:       "ubuntu-24.04-x86_64",
		InstalledAt:  time.Now().UTC(),
	}))

	oc, err := e.updateOne(context.Background(), "demo")
	require.NoError(t, err)
	assert.True(t, oc.Updated)
	assert.Equal(t, "1.0.0", oc.OldVersion)
	assert.Equal(t, "2.0.0", oc.NewVersion)

	rec, ok, err := e.index.Get("demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2.0.0", rec.Version)
}

func createTestTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	return buf.Bytes()
}

func TestCopyFile_PreservesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0644))

	require.NoError(t, copyFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}
