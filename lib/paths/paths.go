// Package paths provides centralized path construction for the voidbox
// data directory.
//
// Directory Structure:
//
//	{dataDir}/
//	  bases/{distro}-{version}-{arch}/...
//	  deps/{base-id}-{dep-hash}/...
//	  apps/{name}/
//	    layer/
//	    work/
//	    rootfs/        (always empty on disk; mountpoint only)
//	    base.json
//	    meta.json
//	  manifests/{name}.toml
//	  settings/{name}.toml
//	  installed.json
//	  tmp/
package paths

import (
	"path/filepath"
	"strconv"
)

// Paths provides typed path construction for the voidbox data directory.
type Paths struct {
	dataDir string
}

// New creates a new Paths instance for the given data directory.
func New(dataDir string) *Paths {
	return &Paths{dataDir: dataDir}
}

// DataDir returns the root data directory.
func (p *Paths) DataDir() string {
	return p.dataDir
}

// TmpDir returns the directory used for staging downloads and layer builds
// before they are published via rename-if-absent.
func (p *Paths) TmpDir() string {
	return filepath.Join(p.dataDir, "tmp")
}

// TmpStagingDir returns a unique staging directory under TmpDir for name.
func (p *Paths) TmpStagingDir(name string) string {
	return filepath.Join(p.TmpDir(), name)
}

// BaseID returns the canonical identifier for a (distro, version, arch) triple.
func BaseID(distro, version, arch string) string {
	return distro + "-" + version + "-" + arch
}

// BaseDir returns the directory for a base image.
func (p *Paths) BaseDir(baseID string) string {
	return filepath.Join(p.dataDir, "bases", baseID)
}

// BaseMetadata returns the path to a base image's metadata.json.
func (p *Paths) BaseMetadata(baseID string) string {
	return filepath.Join(p.BaseDir(baseID), "metadata.json")
}

// BaseRootfs returns the path to the base image's extracted root tree.
func (p *Paths) BaseRootfs(baseID string) string {
	return filepath.Join(p.BaseDir(baseID), "rootfs")
}

// BasesDir returns the root bases directory.
func (p *Paths) BasesDir() string {
	return filepath.Join(p.dataDir, "bases")
}

// DepsDir returns the directory for a dependency layer keyed by depKey.
func (p *Paths) DepsDir(depKey string) string {
	return filepath.Join(p.dataDir, "deps", depKey)
}

// DepsUpper returns the upperdir holding the dependency layer's files.
func (p *Paths) DepsUpper(depKey string) string {
	return filepath.Join(p.DepsDir(depKey), "upper")
}

// DepsMetadata returns the path to a dependency layer's metadata.json.
func (p *Paths) DepsMetadata(depKey string) string {
	return filepath.Join(p.DepsDir(depKey), "metadata.json")
}

// DepsRootDir returns the root deps directory.
func (p *Paths) DepsRootDir() string {
	return filepath.Join(p.dataDir, "deps")
}

// AppDir returns the directory for an installed app.
func (p *Paths) AppDir(name string) string {
	return filepath.Join(p.dataDir, "apps", name)
}

// AppLayer returns the app's writable layer directory (the AppLayer/upperdir).
func (p *Paths) AppLayer(name string) string {
	return filepath.Join(p.AppDir(name), "layer")
}

// AppWork returns the app's scratch directory, used both as the parent of
// the overlay workdir and of per-launch mountpoints.
func (p *Paths) AppWork(name string) string {
	return filepath.Join(p.AppDir(name), "work")
}

// AppLaunchWorkdir returns a per-launch overlay workdir (must share a
// filesystem with AppLayer). The kernel requires each overlay mount to
// own its workdir exclusively, so concurrent launches cannot share one
// the way they share the upperdir.
func (p *Paths) AppLaunchWorkdir(name string, launchPID int) string {
	return filepath.Join(p.AppWork(name), "overlay-work", strconv.Itoa(launchPID))
}

// AppRootfs returns the app's merged-view mountpoint directory. Always
// empty on disk; it exists only to be mounted onto.
func (p *Paths) AppRootfs(name string) string {
	return filepath.Join(p.AppDir(name), "rootfs")
}

// AppLaunchMountpoint returns a per-launch mountpoint namespaced by the
// supervisor's PID, so concurrent runs of the same app never collide.
func (p *Paths) AppLaunchMountpoint(name string, launchPID int) string {
	return filepath.Join(p.AppWork(name), "mnt", strconv.Itoa(launchPID))
}

// AppBaseMetadata returns the path to the app's recorded base.json.
func (p *Paths) AppBaseMetadata(name string) string {
	return filepath.Join(p.AppDir(name), "base.json")
}

// AppMetadata returns the path to the app's recorded meta.json.
func (p *Paths) AppMetadata(name string) string {
	return filepath.Join(p.AppDir(name), "meta.json")
}

// AppLockFile returns the path to the app's advisory install lock.
func (p *Paths) AppLockFile(name string) string {
	return filepath.Join(p.AppDir(name), ".install.lock")
}

// AppLogFile returns the path to the app's aggregated log file.
func (p *Paths) AppLogFile(name string) string {
	return filepath.Join(p.AppWork(name), "voidbox.log")
}

// AppsDir returns the root apps directory.
func (p *Paths) AppsDir() string {
	return filepath.Join(p.dataDir, "apps")
}

// ManifestPath returns the stored manifest path for an app name.
func (p *Paths) ManifestPath(name string) string {
	return filepath.Join(p.dataDir, "manifests", name+".toml")
}

// ManifestsDir returns the manifests directory.
func (p *Paths) ManifestsDir() string {
	return filepath.Join(p.dataDir, "manifests")
}

// SettingsPath returns the per-app settings override path.
func (p *Paths) SettingsPath(name string) string {
	return filepath.Join(p.dataDir, "settings", name+".toml")
}

// InstalledIndex returns the path to the installed-apps index.
func (p *Paths) InstalledIndex() string {
	return filepath.Join(p.dataDir, "installed.json")
}
