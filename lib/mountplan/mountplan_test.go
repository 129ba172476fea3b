package mountplan

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voidbox/voidbox/lib/manifest"
)

func TestPlan_EmptyPermissionsYieldsOnlyStandardMounts(t *testing.T) {
	host := HostEnv{Tmp: t.TempDir()}
	ops := Plan(manifest.PermissionSet{}, host)
	for _, op := range ops {
		assert.NotEqual(t, "home", op.Target)
	}
}

func TestPlan_HomeAppliedAfterNarrowerTags(t *testing.T) {
	home := t.TempDir()
	host := HostEnv{Home: home, Tmp: t.TempDir()}
	ops := Plan(manifest.PermissionSet{Home: true, Fonts: true}, host)

	var homeIdx = -1
	for i, op := range ops {
		if op.Source == home {
			homeIdx = i
		}
	}
	assert.NotEqual(t, -1, homeIdx, "expected a home bind mount")
	assert.Equal(t, len(ops)-1, homeIdx, "home must be the last applied bind so it shadows the narrower binds before it")
}

func TestBindIfExists_SkipsMissingSource(t *testing.T) {
	ops := bindIfExists("/does/not/exist/anywhere", "target")
	assert.Empty(t, ops)
}

func TestInstallModeOps_BindsResolvConfWhenPresent(t *testing.T) {
	ops := InstallModeOps()
	// dev tmpfs + up to seven device nodes + run tmpfs + resolv.conf.
	assert.LessOrEqual(t, len(ops), len(requiredDevNodes)+3)

	if _, err := os.Stat("/etc/resolv.conf"); err == nil {
		var resolv *MountOp
		for i := range ops {
			if ops[i].Target == "etc/resolv.conf" {
				resolv = &ops[i]
			}
		}
		require.NotNil(t, resolv, "expected /etc/resolv.conf to be bound")
		assert.True(t, resolv.ReadOnly)
	}
}

func TestPlan_AlwaysIncludesRequiredDevNodes(t *testing.T) {
	host := HostEnv{Tmp: t.TempDir()}
	ops := Plan(manifest.PermissionSet{}, host)

	require.NotEmpty(t, ops)
	assert.Equal(t, "dev", ops[0].Target, "the dev tmpfs must be mounted before any node is bound into it")
	assert.Equal(t, "tmpfs", ops[0].FSType)
	assert.False(t, ops[0].Bind)

	bound := make(map[string]bool)
	for _, op := range ops {
		bound[op.Target] = true
	}
	for _, name := range requiredDevNodes {
		if _, err := os.Stat("/dev/" + name); err == nil {
			assert.True(t, bound["dev/"+name], "expected dev/%s to be bound", name)
		}
	}
}

func TestPlan_ResolvConfAndFontsAreReadOnly(t *testing.T) {
	fonts := t.TempDir()
	resolv := t.TempDir() + "/resolv.conf"
	require.NoError(t, os.WriteFile(resolv, []byte("nameserver 127.0.0.53\n"), 0644))

	host := HostEnv{Tmp: t.TempDir(), ResolvConf: resolv, FontsDirs: []string{fonts}}
	ops := Plan(manifest.PermissionSet{Fonts: true}, host)

	for _, op := range ops {
		switch op.Source {
		case resolv, fonts:
			assert.True(t, op.ReadOnly, "%s must be bound read-only", op.Source)
		}
	}
}
