package runtime

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidbox/voidbox/lib/manifest"
)

func TestBuildLowerdirs_NativeModeHostRootWinsOverBase(t *testing.T) {
	cfg := LaunchConfig{
		App:        &manifest.App{Permissions: manifest.PermissionSet{NativeMode: true}},
		BaseRootfs: "/data/bases/ubuntu-24.04-x86_64/rootfs",
		DepsUpper:  "/data/deps/abc123/upper",
	}
	got := buildLowerdirs(cfg)
	// Lowest precedence first: the host root shadows the base image, and
	// the dependency layer is skipped entirely.
	assert.Equal(t, []string{cfg.BaseRootfs, "/"}, got)
}

func TestBuildLowerdirs_DefaultUsesBaseThenDeps(t *testing.T) {
	cfg := LaunchConfig{
		App:        &manifest.App{},
		BaseRootfs: "/data/bases/ubuntu-24.04-x86_64/rootfs",
		DepsUpper:  "/data/deps/abc123/upper",
	}
	got := buildLowerdirs(cfg)
	assert.Equal(t, []string{cfg.BaseRootfs, cfg.DepsUpper}, got)
}

func TestCombinedExitCode_NilIsZero(t *testing.T) {
	assert.Equal(t, 0, combinedExitCode(nil))
}

func TestCombinedExitCode_NonExitErrorFallsBackToOne(t *testing.T) {
	assert.Equal(t, 1, combinedExitCode(errors.New("boom")))
}

func TestPackageManagerArgv_AlpineUsesApk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/etc/apk", 0755))
	argv := packageManagerArgv(dir, []string{"curl"})
	assert.Equal(t, "apk", argv[0])
}

func TestPackageManagerArgv_DefaultsToApt(t *testing.T) {
	argv := packageManagerArgv(t.TempDir(), []string{"curl"})
	assert.Equal(t, "apt-get", argv[0])
}
