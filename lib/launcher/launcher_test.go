package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_RejectsEmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), Spec{})
	require.Error(t, err)
}

func TestRun_UnknownBinaryReturns127(t *testing.T) {
	code, err := Run(context.Background(), Spec{Argv: []string{"voidbox-nonexistent-binary-xyz"}})
	require.Error(t, err)
	assert.Equal(t, 127, code)
}

func TestRun_ExitsWithAppCode(t *testing.T) {
	code, err := Run(context.Background(), Spec{
		Argv:         []string{"/bin/sh", "-c", "exit 7"},
		GraceTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestBuildEnv_ExtraEnvWinsOverPassthrough(t *testing.T) {
	t.Setenv("SOME_VAR", "from-host")
	env := BuildEnv("/home/app", "app", "", "", "", "", "", false,
		[]string{"SOME_VAR"}, map[string]string{"SOME_VAR": "from-extra"})

	found := false
	for _, kv := range env {
		if kv == "SOME_VAR=from-extra" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBuildEnv_DropsNonUTF8Lang(t *testing.T) {
	env := BuildEnv("/home/app", "app", "", "", "", "", "POSIX", false, nil, nil)
	for _, kv := range env {
		assert.NotContains(t, kv, "LANG=")
	}

	env = BuildEnv("/home/app", "app", "", "", "", "", "en_US.UTF-8", false, nil, nil)
	found := false
	for _, kv := range env {
		if kv == "LANG=en_US.UTF-8" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectAudioEnv_PointsAtPulseSocketWhenPresent(t *testing.T) {
	runtimeDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(runtimeDir, "pulse"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(runtimeDir, "pulse", "native"), nil, 0644))

	env := DetectAudioEnv(runtimeDir)
	assert.Equal(t, "unix:"+filepath.Join(runtimeDir, "pulse", "native"), env["PULSE_SERVER"])
}

func TestDetectAudioEnv_EmptyRuntimeDir(t *testing.T) {
	assert.Empty(t, DetectAudioEnv(""))
}

func TestBuildEnv_DevModePrependsHostBin(t *testing.T) {
	env := BuildEnv("/home/app", "app", "", "", "", "", "", true, nil, nil)
	var path string
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			path = kv
		}
	}
	assert.Contains(t, path, "/host/bin")
}
