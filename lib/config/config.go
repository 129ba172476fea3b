// Package config loads process-wide configuration from the environment,
// with an optional .env file in the data root for local overrides.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds the knobs voidbox reads from the environment.
type Config struct {
	// DataDir is the root of the on-disk store (§6.3). Defaults to
	// $XDG_DATA_HOME/voidbox, falling back to $HOME/.local/share/voidbox.
	DataDir string

	// MaxArchiveSize bounds a single archive's extracted content (§4.2, §7
	// Integrity). Defaults to 4 GiB.
	MaxArchiveSize uint64

	// DownloadTimeoutSeconds bounds a single download attempt before it is
	// treated as a Network-kind timeout eligible for retry.
	DownloadTimeoutSeconds int

	// GracePeriodSeconds is the SIGTERM-to-SIGKILL grace period described
	// in §4.8/§5 (default 5s).
	GracePeriodSeconds int

	// OTelEnabled turns on the optional tracer bootstrap in lib/otelboot.
	OTelEnabled bool
}

const defaultMaxArchiveSize = 4 * uint64(datasize.GB)

// Load reads configuration from the environment. It first loads an
// optional .env file located at <dataDir>/.env if dataDir can be resolved
// without reading config (so VOIDBOX_DATA_DIR itself must come from the
// real environment, matching the teacher's godotenv-then-os.Getenv order).
func Load() (Config, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Config{}, err
	}
	if v := os.Getenv("VOIDBOX_DATA_DIR"); v != "" {
		dataDir = v
	}

	// Best-effort .env load; a missing file is not an error, matching
	// godotenv.Load's behavior used by the teacher's config loader.
	_ = godotenv.Load(filepath.Join(dataDir, ".env"))

	cfg := Config{
		DataDir:                dataDir,
		MaxArchiveSize:         defaultMaxArchiveSize,
		DownloadTimeoutSeconds: 30,
		GracePeriodSeconds:     5,
		OTelEnabled:            false,
	}

	if v := os.Getenv("VOIDBOX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VOIDBOX_MAX_ARCHIVE_SIZE"); v != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(v)); err == nil {
			cfg.MaxArchiveSize = uint64(sz.Bytes())
		}
	}
	if v := os.Getenv("VOIDBOX_DOWNLOAD_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DownloadTimeoutSeconds = n
		}
	}
	if v := os.Getenv("VOIDBOX_GRACE_PERIOD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GracePeriodSeconds = n
		}
	}
	if v := os.Getenv("VOIDBOX_OTEL_ENABLED"); v == "true" || v == "1" {
		cfg.OTelEnabled = true
	}

	return cfg, nil
}

func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "voidbox"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "voidbox"), nil
}
