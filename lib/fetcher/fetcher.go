// Package fetcher resolves source descriptors to download URLs, downloads
// archives with retry/backoff, and extracts them into a target directory
// (§4.2).
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nrednav/cuid2"
	"github.com/opencontainers/go-digest"

	"github.com/voidbox/voidbox/lib/archive"
	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/manifest"
)

// Fetcher resolves, downloads and extracts application sources.
type Fetcher struct {
	client   *http.Client
	tmpDir   string
	maxBytes int64
}

// New constructs a Fetcher that stages downloads under tmpDir.
func New(tmpDir string, timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return nil // follow redirects, matching the teacher's kernel downloader
			},
		},
		tmpDir:   tmpDir,
		maxBytes: maxBytes,
	}
}

// Resolve dispatches on the source's tagged type and returns the concrete
// download URL and resolved version (§4.2 resolve operation).
func (f *Fetcher) Resolve(ctx context.Context, src manifest.Source) (downloadURL, version string, err error) {
	switch src.Type {
	case "direct":
		return f.resolveDirect(ctx, src.Direct)
	case "release-index":
		return f.resolveReleaseIndex(ctx, src.ReleaseIndex)
	default:
		return "", "", errs.New(errs.KindConfiguration, fmt.Sprintf("unknown source type %q", src.Type))
	}
}

// Download streams url to a unique staging file under the Fetcher's tmpDir,
// retrying transient errors with exponential backoff, then atomically
// publishes it to destPath via rename-if-absent (§5 concurrency model).
// Returns the final path (either the newly published file, or the
// pre-existing winner of a publish race) and its digest.
func (f *Fetcher) Download(ctx context.Context, url, destPath string, expectedSize *int64) (path string, digest string, err error) {
	if _, statErr := os.Stat(destPath); statErr == nil {
		// Another process already published this artifact; observe it.
		d, herr := hashFile(destPath)
		return destPath, d, herr
	}

	if err := os.MkdirAll(f.tmpDir, 0755); err != nil {
		return "", "", errs.Wrap(errs.KindFilesystem, "create tmp dir", err)
	}

	stagePath := filepath.Join(f.tmpDir, cuid2.Generate())

	operation := func() (string, error) {
		return stagePath, f.downloadOnce(ctx, url, stagePath, expectedSize)
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(4),
	)
	if err != nil {
		os.Remove(stagePath)
		return "", "", errs.Wrap(errs.KindNetwork, "download failed", err).With("url", url)
	}

	digest, err = hashFile(stagePath)
	if err != nil {
		os.Remove(stagePath)
		return "", "", err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		os.Remove(stagePath)
		return "", "", errs.Wrap(errs.KindFilesystem, "create dest parent dir", err)
	}

	// rename-if-absent: if the destination appeared while we were
	// downloading, discard our copy and observe the winner (§5). os.Link
	// fails when destPath exists, where os.Rename would replace it.
	if err := os.Link(stagePath, destPath); err != nil {
		os.Remove(stagePath)
		if _, statErr := os.Stat(destPath); statErr == nil {
			d, herr := hashFile(destPath)
			return destPath, d, herr
		}
		return "", "", errs.Wrap(errs.KindFilesystem, "publish download", err)
	}
	os.Remove(stagePath)

	return destPath, digest, nil
}

func (f *Fetcher) downloadOnce(ctx context.Context, url, stagePath string, expectedSize *int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err) // retried: network error
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("transient status %d from %s", resp.StatusCode, url)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("non-retryable status %d from %s", resp.StatusCode, url))
	}

	out, err := os.Create(stagePath)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create stage file: %w", err))
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return fmt.Errorf("copy body: %w", err)
	}
	if n > f.maxBytes {
		return backoff.Permanent(fmt.Errorf("%w: response exceeds %d bytes", errs.ErrDownloadFailed, f.maxBytes))
	}
	if expectedSize != nil && n != *expectedSize {
		return backoff.Permanent(fmt.Errorf("size mismatch: got %d, expected %d", n, *expectedSize))
	}

	return nil
}

// Extract extracts archivePath into destDir using the detected or supplied
// archive kind (§4.2 extract operation).
func (f *Fetcher) Extract(archivePath, destDir string, kind archive.Kind, rawName string) (int64, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return 0, errs.Wrap(errs.KindFilesystem, "open archive", err)
	}
	defer file.Close()

	n, err := archive.Extract(file, destDir, kind, f.maxBytes, rawName)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", errs.ErrExtractionFailed, err)
		return n, errs.Wrap(errs.KindIntegrity, "extraction failed", wrapped).With("archive", archivePath).With("destination", destDir)
	}
	return n, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.KindFilesystem, "open for hashing", err)
	}
	defer f.Close()

	d, err := digest.SHA256.FromReader(f)
	if err != nil {
		return "", errs.Wrap(errs.KindFilesystem, "hash file", err)
	}
	return d.String(), nil
}
