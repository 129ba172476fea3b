package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidbox/voidbox/lib/manifest"
)

func TestResolveDirect(t *testing.T) {
	f := New(t.TempDir(), 5*time.Second, 1<<20)
	url, version, err := f.Resolve(context.Background(), manifest.Source{
		Type:   "direct",
		Direct: &manifest.DirectSource{URL: "https://example.com/app.tar.gz"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/app.tar.gz", url)
	assert.Equal(t, "unknown", version)
}

func TestResolveDirect_FallsBackToStaticVersion(t *testing.T) {
	f := New(t.TempDir(), 5*time.Second, 1<<20)
	_, version, err := f.Resolve(context.Background(), manifest.Source{
		Type:   "direct",
		Direct: &manifest.DirectSource{URL: "https://example.com/app.tar.gz", StaticVersion: "3.1.4"},
	})
	require.NoError(t, err)
	assert.Equal(t, "3.1.4", version)
}

func TestResolveReleaseIndex_VersionRegexStripsTagPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"releases": [{"version": "v2.5.0", "assets": [{"name": "app.tar.gz", "url": "https://dl.example.com/app.tar.gz", "os": "linux", "arch": "amd64"}]}]}`))
	}))
	defer srv.Close()

	f := New(t.TempDir(), 5*time.Second, 1<<20)
	_, version, err := f.Resolve(context.Background(), manifest.Source{
		Type: "release-index",
		ReleaseIndex: &manifest.ReleaseIndexSource{
			IndexURL:     srv.URL,
			AssetOS:      "linux",
			AssetArch:    "amd64",
			VersionRegex: `^v(.+)$`,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "2.5.0", version)
}

func TestResolveReleaseIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"releases": [
				{"version": "1.0.0", "assets": [{"name": "app-linux-amd64.tar.gz", "url": "https://dl.example.com/1.0.0/app-linux-amd64.tar.gz", "os": "linux", "arch": "amd64"}]},
				{"version": "0.9.0", "assets": [{"name": "app-linux-amd64.tar.gz", "url": "https://dl.example.com/0.9.0/app-linux-amd64.tar.gz", "os": "linux", "arch": "amd64"}]}
			]
		}`))
	}))
	defer srv.Close()

	f := New(t.TempDir(), 5*time.Second, 1<<20)
	url, version, err := f.Resolve(context.Background(), manifest.Source{
		Type: "release-index",
		ReleaseIndex: &manifest.ReleaseIndexSource{
			IndexURL:  srv.URL,
			AssetOS:   "linux",
			AssetArch: "amd64",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version)
	assert.Contains(t, url, "1.0.0")
}

func TestDownload_RetriesOn503ThenFails(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(filepath.Join(dir, "tmp"), 2*time.Second, 1<<20)

	_, _, err := f.Download(context.Background(), srv.URL, filepath.Join(dir, "dest.bin"), nil)
	require.Error(t, err)
	assert.GreaterOrEqual(t, attempts, 2)

	_, statErr := os.Stat(filepath.Join(dir, "dest.bin"))
	assert.True(t, os.IsNotExist(statErr), "no partial artifact should be left behind")
}

func TestDownload_Success(t *testing.T) {
	body := strings.Repeat("a", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(filepath.Join(dir, "tmp"), 5*time.Second, 1<<20)

	path, digest, err := f.Download(context.Background(), srv.URL, filepath.Join(dir, "dest.bin"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, digest)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(content))
}

func TestDownload_NonRetryable4xxFailsFast(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New(filepath.Join(dir, "tmp"), 2*time.Second, 1<<20)

	_, _, err := f.Download(context.Background(), srv.URL, filepath.Join(dir, "dest.bin"), nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
