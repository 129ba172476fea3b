// Package layers builds the three on-disk tree kinds described by §4.3:
// base images, shared dependency layers, and per-app writable layers. It
// orchestrates the fetcher and store packages and, for dependency layers,
// an injected PackageInstaller that performs the actual install inside a
// one-shot namespace (§4.3 "enter the namespace engine in install mode").
package layers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/voidbox/voidbox/lib/archive"
	"github.com/voidbox/voidbox/lib/basecatalog"
	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/fetcher"
	"github.com/voidbox/voidbox/lib/manifest"
	"github.com/voidbox/voidbox/lib/paths"
	"github.com/voidbox/voidbox/lib/store"
)

// PackageInstaller installs a set of packages into an upperdir overlaid on
// top of a base rootfs, by entering a one-shot namespace and invoking the
// base distro's package tooling. Implemented by lib/runtime; declared
// here to avoid layers depending on the namespace/overlay machinery.
type PackageInstaller interface {
	InstallPackages(ctx context.Context, baseRootfs, upperdir, workdir string, packages []string) error
}

// Builder constructs base images, dependency layers, and app layers.
type Builder struct {
	paths     *paths.Paths
	fetcher   *fetcher.Fetcher
	baseStore *store.Store
	depsStore *store.Store
	installer PackageInstaller
}

// NewBuilder constructs a Builder rooted at p's data directory.
func NewBuilder(p *paths.Paths, f *fetcher.Fetcher, installer PackageInstaller) *Builder {
	return &Builder{
		paths:     p,
		fetcher:   f,
		baseStore: store.New(p.BasesDir(), p.TmpDir(), "rootfs"),
		depsStore: store.New(p.DepsRootDir(), p.TmpDir(), "upper"),
		installer: installer,
	}
}

// DepKey computes the stable, order-independent key for a (base id,
// package set) pair, per the pinned algorithm in spec §9:
// sha256(base_id || "\n" || "\n".join(sorted(packages))).
func DepKey(baseID string, packages []string) string {
	sorted := lo.Uniq(append([]string(nil), packages...))
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(baseID))
	h.Write([]byte("\n"))
	h.Write([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// EnsureBase guarantees the base image for baseID exists on disk, fetching
// and extracting it if absent. Concurrency-safe: a losing racer discards
// its staging copy and observes the winner's tree (§4.3, §5).
func (b *Builder) EnsureBase(ctx context.Context, baseID string) (rootfsPath string, err error) {
	if b.baseStore.Exists(baseID) {
		return b.baseStore.TreePath(baseID), nil
	}

	entry, ok := basecatalog.Lookup(baseID)
	if !ok {
		return "", errs.New(errs.KindConfiguration, "unknown base id").With("base_id", baseID)
	}

	stagingDir, err := b.baseStore.Stage()
	if err != nil {
		return "", err
	}
	stagingRootfs := filepath.Join(stagingDir, "rootfs")
	if err := os.MkdirAll(stagingRootfs, 0755); err != nil {
		os.RemoveAll(stagingDir)
		return "", errs.Wrap(errs.KindFilesystem, "create staging rootfs dir", err)
	}

	archivePath := filepath.Join(stagingDir, "base.tar")
	downloadPath, tarballDigest, err := b.fetcher.Download(ctx, entry.TarballURL, archivePath, nil)
	if err != nil {
		os.RemoveAll(stagingDir)
		return "", err
	}

	kind := archive.DetectKind(entry.TarballURL)
	if _, err := b.fetcher.Extract(downloadPath, stagingRootfs, kind, ""); err != nil {
		os.RemoveAll(stagingDir)
		return "", err
	}
	os.Remove(downloadPath)

	listing, err := ListingDigest(stagingRootfs)
	if err != nil {
		os.RemoveAll(stagingDir)
		return "", err
	}
	if entry.RootListHash != "" && listing != entry.RootListHash {
		// Integrity mismatch against the pinned catalog hash (§6.1).
		os.RemoveAll(stagingDir)
		return "", errs.New(errs.KindIntegrity, "base rootfs listing digest mismatch").
			With("base_id", baseID).With("got", listing).With("want", entry.RootListHash)
	}

	size, _ := dirSize(stagingRootfs)
	if _, err := b.baseStore.Publish(baseID, stagingDir, size, map[string]string{
		"distro": entry.Distro, "version": entry.Version, "arch": entry.Arch,
		"tarball_digest": tarballDigest,
	}); err != nil {
		return "", err
	}
	return b.baseStore.TreePath(baseID), nil
}

// ListingDigest computes the sha256 of a tree's sorted relative file
// listing, one path per line -- the content identity §6.1 pins for each
// recognized base image.
func ListingDigest(root string) (string, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel != "." {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return "", errs.Wrap(errs.KindFilesystem, "walk rootfs for listing digest", err)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte("\n"))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// EnsureDependencyLayer guarantees the dependency layer for (baseID,
// packages) exists, building it by composing a one-shot overlay over the
// base and invoking the injected PackageInstaller (§4.3). If packages is
// empty, there is nothing to build and an empty-but-present layer key is
// returned so callers can uniformly treat "no deps" as a degenerate layer.
func (b *Builder) EnsureDependencyLayer(ctx context.Context, baseID string, packages []string) (upperPath, depKey string, err error) {
	// The store directory is named <base-id>-<dep-hash> (lib/paths layout).
	depKey = baseID + "-" + DepKey(baseID, packages)
	if b.depsStore.Exists(depKey) {
		return b.depsStore.TreePath(depKey), depKey, nil
	}

	if len(packages) == 0 {
		emptyDir, err := b.depsStore.Stage()
		if err != nil {
			return "", "", err
		}
		emptyUpper := filepath.Join(emptyDir, "upper")
		if err := os.MkdirAll(emptyUpper, 0755); err != nil {
			os.RemoveAll(emptyDir)
			return "", "", errs.Wrap(errs.KindFilesystem, "create empty dependency upper", err)
		}
		if _, err := b.depsStore.Publish(depKey, emptyDir, 0, map[string]string{"base_id": baseID, "empty": "true"}); err != nil {
			return "", "", err
		}
		return b.depsStore.TreePath(depKey), depKey, nil
	}

	baseRootfs, err := b.EnsureBase(ctx, baseID)
	if err != nil {
		return "", "", err
	}

	stagingDir, err := b.depsStore.Stage()
	if err != nil {
		return "", "", err
	}
	stagingUpper := filepath.Join(stagingDir, "upper")
	stagingWork := filepath.Join(stagingDir, "work")
	if err := os.MkdirAll(stagingUpper, 0755); err != nil {
		os.RemoveAll(stagingDir)
		return "", "", errs.Wrap(errs.KindFilesystem, "create staging upper dir", err)
	}
	if err := os.MkdirAll(stagingWork, 0755); err != nil {
		os.RemoveAll(stagingDir)
		return "", "", errs.Wrap(errs.KindFilesystem, "create staging work dir", err)
	}

	if err := b.installer.InstallPackages(ctx, baseRootfs, stagingUpper, stagingWork, packages); err != nil {
		os.RemoveAll(stagingDir)
		return "", "", errs.Wrap(errs.KindRuntime, "install dependency packages", err).With("base_id", baseID)
	}

	// The one-shot install's workdir is scratch; only the upper layer is
	// published.
	os.RemoveAll(stagingWork)

	size, _ := dirSize(stagingUpper)
	if _, err := b.depsStore.Publish(depKey, stagingDir, size, map[string]string{"base_id": baseID}); err != nil {
		return "", "", err
	}
	return b.depsStore.TreePath(depKey), depKey, nil
}

// BuildAppLayer extracts the app's downloaded source archive into its
// writable layer directory under the canonical install prefix
// (§4.3 "App layer"). Returns the install prefix and the binary's
// absolute path inside the future merged view, after verifying the
// declared binary actually came out of the archive. Any previous
// content under the prefix is replaced, so reinstalling or updating the
// same app never accretes stale files.
func (b *Builder) BuildAppLayer(app *manifest.App, archivePath string, kind archive.Kind) (installPrefix, binaryPath string, extractedBytes int64, err error) {
	layerDir := b.paths.AppLayer(app.Name)
	installPrefix = "/opt/" + app.Name
	destDir := filepath.Join(layerDir, installPrefix)
	if err := os.RemoveAll(destDir); err != nil {
		return "", "", 0, errs.Wrap(errs.KindFilesystem, "clear app layer prefix dir", err)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", "", 0, errs.Wrap(errs.KindFilesystem, "create app layer prefix dir", err)
	}

	n, err := b.fetcher.Extract(archivePath, destDir, kind, app.Binary.RelativePath)
	if err != nil {
		return "", "", 0, err
	}

	extractedBin := filepath.Join(destDir, app.Binary.RelativePath)
	info, err := os.Stat(extractedBin)
	if err != nil {
		return "", "", 0, errs.New(errs.KindIntegrity, "declared binary missing from archive").
			With("binary", app.Binary.RelativePath).With("archive", archivePath)
	}
	if info.Mode()&0111 == 0 {
		// Some upstream archives ship the entry point without its
		// executable bit; restore it for the owner.
		if err := os.Chmod(extractedBin, info.Mode()|0755); err != nil {
			return "", "", 0, errs.Wrap(errs.KindFilesystem, "mark binary executable", err)
		}
	}

	return installPrefix, filepath.Join(installPrefix, app.Binary.RelativePath), n, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
