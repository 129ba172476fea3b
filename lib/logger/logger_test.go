package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForApp_RoutesRecordsToPerAppLogFile(t *testing.T) {
	dir := t.TempDir()
	appLogPath := func(app string) string {
		return filepath.Join(dir, app, "work", "voidbox.log")
	}

	l := New(Config{Level: slog.LevelInfo}, appLogPath)
	appLogger := ForApp(l, "firefox")

	appLogger.InfoContext(context.Background(), "installed app", "version", "1.0.0")

	data, err := os.ReadFile(appLogPath("firefox"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "installed app")
	assert.Contains(t, string(data), "version=1.0.0")
}

func TestForApp_DoesNotWriteOtherAppsLogs(t *testing.T) {
	dir := t.TempDir()
	appLogPath := func(app string) string {
		return filepath.Join(dir, app, "work", "voidbox.log")
	}

	l := New(Config{Level: slog.LevelInfo}, appLogPath)
	ForApp(l, "firefox").InfoContext(context.Background(), "hello")

	_, err := os.Stat(appLogPath("chromium"))
	assert.True(t, os.IsNotExist(err))
}
