// Package engine implements voidbox's top-level operations (§6.4):
// Install, Run, Shell, Remove, Update, List, and Info. Each mutating
// operation follows a numbered validate -> resolve -> allocate ->
// mutate-with-rollback -> persist structure using the cleanup
// rollback-stack idiom, grounded on the teacher's instance-creation flow.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/voidbox/voidbox/lib/archive"
	"github.com/voidbox/voidbox/lib/config"
	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/fetcher"
	"github.com/voidbox/voidbox/lib/layers"
	"github.com/voidbox/voidbox/lib/logger"
	"github.com/voidbox/voidbox/lib/manifest"
	"github.com/voidbox/voidbox/lib/paths"
	"github.com/voidbox/voidbox/lib/runtime"
	"github.com/voidbox/voidbox/lib/store"
)

// InstalledRecord is the persisted record of one installed app (§6.3).
type InstalledRecord = store.Record

// Engine owns every package voidbox's operations depend on and exposes
// them as the CLI's sole entrypoint.
type Engine struct {
	paths     *paths.Paths
	fetcher   *fetcher.Fetcher
	builder   *layers.Builder
	runtime   *runtime.Runtime
	index     *store.Index
	baseStore *store.Store
	depsStore *store.Store
}

// New constructs an Engine rooted at cfg.DataDir. selfPath is the
// voidbox binary's own path, passed through to lib/runtime for its
// namespace re-exec (§4.5).
func New(cfg config.Config, selfPath string) *Engine {
	p := paths.New(cfg.DataDir)
	f := fetcher.New(p.TmpDir(), time.Duration(cfg.DownloadTimeoutSeconds)*time.Second, int64(cfg.MaxArchiveSize))
	rt := runtime.New(selfPath, p.TmpDir(), time.Duration(cfg.GracePeriodSeconds)*time.Second)
	b := layers.NewBuilder(p, f, rt)

	return &Engine{
		paths:     p,
		fetcher:   f,
		builder:   b,
		runtime:   rt,
		index:     store.NewIndex(p.InstalledIndex()),
		baseStore: store.New(p.BasesDir(), p.TmpDir(), "rootfs"),
		depsStore: store.New(p.DepsRootDir(), p.TmpDir(), "upper"),
	}
}

// Install parses the manifest at manifestPath, ensures its base image
// and dependency layer exist, downloads and extracts its source archive,
// and records it in the installed-apps index (§6.4 install, §4.3).
func (e *Engine) Install(ctx context.Context, manifestPath string) (InstalledRecord, error) {
	log := logger.FromContext(ctx)

	// 1. validate
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return InstalledRecord{}, fmt.Errorf("%w: %v", errs.ErrManifestInvalid, err)
	}
	app, err := manifest.Parse(data)
	if err != nil {
		return InstalledRecord{}, fmt.Errorf("%w: %v", errs.ErrManifestInvalid, err)
	}

	log = logger.ForApp(log, app.Name)
	ctx = logger.AddToContext(ctx, log)

	unlock, err := e.lockApp(app.Name)
	if err != nil {
		return InstalledRecord{}, err
	}
	defer unlock()

	cu := cleanup.Make(func() {
		log.DebugContext(ctx, "rolling back failed install", "name", app.Name)
	})
	defer cu.Clean()

	// 2. resolve
	downloadURL, version, err := e.fetcher.Resolve(ctx, app.Source)
	if err != nil {
		return InstalledRecord{}, err
	}

	// 3. allocate: ensure base and dependency layer exist
	if _, err := e.builder.EnsureBase(ctx, app.BaseID()); err != nil {
		return InstalledRecord{}, err
	}
	_, depKey, err := e.builder.EnsureDependencyLayer(ctx, app.BaseID(), app.Packages)
	if err != nil {
		return InstalledRecord{}, err
	}

	// 4. mutate, with rollback of the app layer on any later failure
	archivePath := e.paths.TmpStagingDir(app.Name + "-install-" + depKey)
	downloadedPath, _, err := e.fetcher.Download(ctx, downloadURL, archivePath, nil)
	if err != nil {
		return InstalledRecord{}, err
	}
	cu.Add(func() { os.Remove(downloadedPath) })

	kind := archive.DetectKind(downloadURL)
	installPrefix, binaryPath, _, err := e.builder.BuildAppLayer(app, downloadedPath, kind)
	if err != nil {
		return InstalledRecord{}, err
	}
	cu.Add(func() { os.RemoveAll(e.paths.AppLayer(app.Name)) })

	if err := os.MkdirAll(e.paths.ManifestsDir(), 0755); err != nil {
		return InstalledRecord{}, errs.Wrap(errs.KindFilesystem, "create manifests dir", err)
	}
	manifestStorePath := e.paths.ManifestPath(app.Name)
	if err := copyFile(manifestPath, manifestStorePath); err != nil {
		return InstalledRecord{}, err
	}
	cu.Add(func() { os.Remove(manifestStorePath) })

	// 5. persist
	rec := InstalledRecord{
		Name:         app.Name,
		ManifestPath: manifestStorePath,
		Version:      version,
		BaseID:       app.BaseID(),
		DepKey:       depKey,
		InstalledAt:  time.Now().UTC(),
	}
	if err := e.writeAppMetadata(app, rec, installPrefix, binaryPath); err != nil {
		return InstalledRecord{}, err
	}
	if err := e.index.Put(rec); err != nil {
		return InstalledRecord{}, err
	}

	cu.Release()
	log.InfoContext(ctx, "installed app", "name", app.Name, "version", version)
	return rec, nil
}

// Remove deletes name's installed record and, if purge is set, its
// writable app layer; it then runs the garbage collector so any base
// image or dependency layer no longer referenced is reclaimed (§6.4, §9).
func (e *Engine) Remove(ctx context.Context, name string, purge bool) error {
	log := logger.ForApp(logger.FromContext(ctx), name)
	ctx = logger.AddToContext(ctx, log)

	unlock, err := e.lockApp(name)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok, err := e.index.Get(name); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", errs.ErrNotFound, name)
	}

	if purge {
		if err := os.RemoveAll(e.paths.AppDir(name)); err != nil {
			return errs.Wrap(errs.KindFilesystem, "remove app directory", err)
		}
		os.Remove(e.paths.ManifestPath(name))
		os.Remove(e.paths.SettingsPath(name))
	}

	if err := e.index.Delete(name); err != nil {
		return err
	}

	if err := store.GC(e.index, e.baseStore, e.depsStore); err != nil {
		log.WarnContext(ctx, "garbage collection after remove failed", "error", err)
	}

	log.InfoContext(ctx, "removed app", "name", name, "purge", purge)
	return nil
}

// Run launches name's app, appending userArgs to its binary descriptor's
// argv, and blocks until it exits (§6.4 run).
func (e *Engine) Run(ctx context.Context, name string, userArgs []string) (int, error) {
	ctx = logger.AddToContext(ctx, logger.ForApp(logger.FromContext(ctx), name))

	app, rec, err := e.loadInstalled(name)
	if err != nil {
		return 0, err
	}

	cfg, err := e.launchConfig(app, rec)
	if err != nil {
		return 0, err
	}
	cfg.UserArgs = userArgs

	return e.runtime.Run(ctx, cfg)
}

// Shell launches name's app environment with /bin/sh in place of its own
// binary, for interactive debugging (§6.4 shell).
func (e *Engine) Shell(ctx context.Context, name string) (int, error) {
	ctx = logger.AddToContext(ctx, logger.ForApp(logger.FromContext(ctx), name))

	app, rec, err := e.loadInstalled(name)
	if err != nil {
		return 0, err
	}

	cfg, err := e.launchConfig(app, rec)
	if err != nil {
		return 0, err
	}
	cfg.Argv = []string{"/bin/sh"}

	return e.runtime.Run(ctx, cfg)
}

// List returns every installed app's record.
func (e *Engine) List(ctx context.Context) ([]InstalledRecord, error) {
	return e.index.List()
}

// AppDetails is the combined record+manifest view Info returns.
type AppDetails struct {
	Record InstalledRecord
	App    *manifest.App
}

// Info returns name's installed record together with its parsed
// manifest (§6.4 info).
func (e *Engine) Info(ctx context.Context, name string) (AppDetails, error) {
	app, rec, err := e.loadInstalled(name)
	if err != nil {
		return AppDetails{}, err
	}
	return AppDetails{Record: rec, App: app}, nil
}

// UpdateOutcome reports whether a single app was updated by Update.
type UpdateOutcome struct {
	Name       string
	OldVersion string
	NewVersion string
	Updated    bool
}

// Update re-resolves name's source (or every installed app's, if name is
// empty) and rebuilds the app layer when a newer version is found
// (§6.4 update).
func (e *Engine) Update(ctx context.Context, name string) ([]UpdateOutcome, error) {
	var names []string
	if name != "" {
		names = []string{name}
	} else {
		recs, err := e.index.List()
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			names = append(names, r.Name)
		}
	}

	outcomes := make([]UpdateOutcome, 0, len(names))
	for _, n := range names {
		oc, err := e.updateOne(ctx, n)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, oc)
	}
	return outcomes, nil
}

func (e *Engine) updateOne(ctx context.Context, name string) (UpdateOutcome, error) {
	log := logger.ForApp(logger.FromContext(ctx), name)
	ctx = logger.AddToContext(ctx, log)

	rec, ok, err := e.index.Get(name)
	if err != nil {
		return UpdateOutcome{}, err
	}
	if !ok {
		return UpdateOutcome{}, fmt.Errorf("%w: %s", errs.ErrNotFound, name)
	}

	data, err := os.ReadFile(rec.ManifestPath)
	if err != nil {
		return UpdateOutcome{}, errs.Wrap(errs.KindFilesystem, "read stored manifest", err)
	}
	app, err := manifest.Parse(data)
	if err != nil {
		return UpdateOutcome{}, err
	}

	downloadURL, newVersion, err := e.fetcher.Resolve(ctx, app.Source)
	if err != nil {
		return UpdateOutcome{}, err
	}

	if newVersion == rec.Version {
		return UpdateOutcome{Name: name, OldVersion: rec.Version, NewVersion: newVersion, Updated: false}, nil
	}

	unlock, err := e.lockApp(name)
	if err != nil {
		return UpdateOutcome{}, err
	}
	defer unlock()

	archivePath := e.paths.TmpStagingDir(name + "-update-" + newVersion)
	downloadedPath, _, err := e.fetcher.Download(ctx, downloadURL, archivePath, nil)
	if err != nil {
		return UpdateOutcome{}, err
	}

	kind := archive.DetectKind(downloadURL)
	installPrefix, binaryPath, _, err := e.builder.BuildAppLayer(app, downloadedPath, kind)
	if err != nil {
		return UpdateOutcome{}, err
	}

	oldVersion := rec.Version
	rec.Version = newVersion
	rec.InstalledAt = time.Now().UTC()
	if err := e.writeAppMetadata(app, rec, installPrefix, binaryPath); err != nil {
		return UpdateOutcome{}, err
	}
	if err := e.index.Put(rec); err != nil {
		return UpdateOutcome{}, err
	}

	log.InfoContext(ctx, "updated app", "name", name, "old_version", oldVersion, "new_version", newVersion)
	return UpdateOutcome{Name: name, OldVersion: oldVersion, NewVersion: newVersion, Updated: true}, nil
}

func (e *Engine) launchConfig(app *manifest.App, rec InstalledRecord) (runtime.LaunchConfig, error) {
	launchPID := os.Getpid()
	return runtime.LaunchConfig{
		App:           app,
		BaseRootfs:    e.paths.BaseRootfs(rec.BaseID),
		DepsUpper:     e.paths.DepsUpper(rec.DepKey),
		AppLayerUpper: e.paths.AppLayer(app.Name),
		InstallPrefix: "/opt/" + app.Name,
		Mountpoint:    e.paths.AppLaunchMountpoint(app.Name, launchPID),
		Workdir:       e.paths.AppLaunchWorkdir(app.Name, launchPID),
	}, nil
}

func (e *Engine) loadInstalled(name string) (*manifest.App, InstalledRecord, error) {
	rec, ok, err := e.index.Get(name)
	if err != nil {
		return nil, InstalledRecord{}, err
	}
	if !ok {
		return nil, InstalledRecord{}, fmt.Errorf("%w: %s", errs.ErrNotFound, name)
	}
	data, err := os.ReadFile(rec.ManifestPath)
	if err != nil {
		return nil, InstalledRecord{}, errs.Wrap(errs.KindFilesystem, "read stored manifest", err)
	}
	app, err := manifest.Parse(data)
	if err != nil {
		return nil, InstalledRecord{}, err
	}
	return app, rec, nil
}

// lockApp acquires name's advisory install lock (§14 supplemented
// feature), so two `voidbox install`/`remove`/`update` invocations for
// the same app never race each other's mutation of its on-disk layers.
func (e *Engine) lockApp(name string) (unlock func(), err error) {
	if err := os.MkdirAll(e.paths.AppDir(name), 0755); err != nil {
		return nil, errs.Wrap(errs.KindFilesystem, "create app directory", err)
	}

	f, err := os.OpenFile(e.paths.AppLockFile(name), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(errs.KindFilesystem, "open install lock file", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", errs.ErrLocked, name)
		}
		return nil, errs.Wrap(errs.KindFilesystem, "acquire install lock", err)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// appMeta is persisted as apps/<name>/meta.json (§6.3, §4.3: "recorded
// metadata includes the archive's declared version and the resolved
// binary absolute path inside the future merged view").
type appMeta struct {
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	InstallPrefix string    `json:"install_prefix"`
	BinaryPath    string    `json:"binary_path"`
	InstalledAt   time.Time `json:"installed_at"`
}

// appBaseMeta is persisted as apps/<name>/base.json, recording the layer
// references the launch path resolves through.
type appBaseMeta struct {
	BaseID string `json:"base_id"`
	DepKey string `json:"dependency_layer_key"`
}

func (e *Engine) writeAppMetadata(app *manifest.App, rec InstalledRecord, installPrefix, binaryPath string) error {
	meta := appMeta{
		Name:          app.Name,
		Version:       rec.Version,
		InstallPrefix: installPrefix,
		BinaryPath:    binaryPath,
		InstalledAt:   rec.InstalledAt,
	}
	if err := writeJSONFile(e.paths.AppMetadata(app.Name), meta); err != nil {
		return err
	}
	return writeJSONFile(e.paths.AppBaseMetadata(app.Name), appBaseMeta{BaseID: rec.BaseID, DepKey: rec.DepKey})
}

// writeJSONFile persists v via write-temp-then-rename, the same publish
// discipline every other on-disk mutation follows (§5).
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIntegrity, "marshal app metadata", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.Wrap(errs.KindFilesystem, "create app metadata dir", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errs.Wrap(errs.KindFilesystem, "write app metadata temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Wrap(errs.KindFilesystem, "publish app metadata", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errs.Wrap(errs.KindFilesystem, "read manifest", err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return errs.Wrap(errs.KindFilesystem, "write stored manifest", err)
	}
	return nil
}
