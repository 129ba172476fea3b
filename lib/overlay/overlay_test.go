package overlay

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMount_RequiresLowerdirs(t *testing.T) {
	c := New()
	err := c.Mount(Spec{Mountpoint: t.TempDir()})
	require.Error(t, err)
}

func TestMount_RejectsNonEmptyMountpoint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/existing", []byte("x"), 0644))

	c := New()
	err := c.Mount(Spec{
		Lowerdirs:  []string{t.TempDir()},
		Upperdir:   t.TempDir(),
		Workdir:    t.TempDir(),
		Mountpoint: dir,
	})
	require.Error(t, err)
}

func TestMountOptions_LaterLowerdirsTakePrecedence(t *testing.T) {
	opts := mountOptions(Spec{
		Lowerdirs: []string{"/base", "/deps"},
		Upperdir:  "/upper",
		Workdir:   "/work",
	})
	// /deps shadows /base, so it must come first in the kernel option
	// string.
	assert.Equal(t, "lowerdir=/deps:/base,upperdir=/upper,workdir=/work", opts)
}

func TestUnmountAll_EmptyIsNoop(t *testing.T) {
	c := New()
	assert.NoError(t, c.UnmountAll())
	assert.Empty(t, c.Mounted())
}
