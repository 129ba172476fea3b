package nsengine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidbox/voidbox/lib/overlay"
)

func TestWriteLoadConfig_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Overlay: overlay.Spec{
			Lowerdirs:  []string{filepath.Join(dir, "base"), filepath.Join(dir, "deps")},
			Upperdir:   filepath.Join(dir, "layer"),
			Workdir:    filepath.Join(dir, "work"),
			Mountpoint: filepath.Join(dir, "merged"),
		},
		Hostname:     "testapp",
		Argv:         []string{"/opt/testapp/bin/app", "--flag"},
		Env:          []string{"HOME=/home/app"},
		Dir:          "/opt/testapp",
		GraceSeconds: 5,
	}

	path, err := WriteConfig(dir, cfg)
	require.NoError(t, err)

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestPrepareCommand_SetsCloneflagsAndIdentityMap(t *testing.T) {
	cmd := PrepareCommand("/usr/bin/voidbox", "/tmp/nscfg.json", 1000, 1000)
	require.NotNil(t, cmd.SysProcAttr)
	assert.Equal(t, ReexecArg, cmd.Args[1])
	assert.Len(t, cmd.SysProcAttr.UidMappings, 1)
	assert.Equal(t, 1000, cmd.SysProcAttr.UidMappings[0].HostID)
	assert.Equal(t, 0, cmd.SysProcAttr.UidMappings[0].ContainerID)
	assert.False(t, cmd.SysProcAttr.GidMappingsEnableSetgroups)
}
