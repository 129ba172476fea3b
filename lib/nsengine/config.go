// Package nsengine drives the per-launch namespace and pivot_root
// sequence described in §4.5: user, mount, pid, uts, and ipc namespaces
// all created together at process-creation time via Go's os/exec clone
// flags (the kernel equivalent of the double fork the teacher's init
// binary performed by hand -- CLONE_NEWPID already makes the spawned
// process PID 1 of its own namespace, so no second explicit fork is
// needed), followed by the bind-mount-then-pivot_root dance that
// replaces the old root with the merged overlay tree.
//
// cmd/voidbox re-execs itself with nsengine.ReexecArg as argv[1] to cross
// the namespace boundary, mirroring apptainer's single-binary starter
// rather than the teacher's separate lib/system/init binary.
package nsengine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/nrednav/cuid2"

	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/mountplan"
	"github.com/voidbox/voidbox/lib/overlay"
)

// ReexecArg is the hidden argv[1] sentinel cmd/voidbox dispatches on to
// become the container-init entrypoint inside the new namespaces.
const ReexecArg = "__voidbox_init__"

// Config is serialized to a JSON file and handed to the re-exec'd child
// as its second argv entry, carrying everything EnterRoot and the
// launcher need once the process is already running inside the new
// namespaces. The overlay spec rides along because the merged mount can
// only be composed from inside the new user namespace -- an unprivileged
// process in the initial namespace is refused the mount outright.
type Config struct {
	Overlay      overlay.Spec        `json:"overlay"`
	MountOps     []mountplan.MountOp `json:"mount_ops"`
	Hostname     string              `json:"hostname"`
	Argv         []string            `json:"argv"`
	Env          []string            `json:"env"`
	Dir          string              `json:"dir"`
	GraceSeconds int                 `json:"grace_seconds"`
}

// WriteConfig writes cfg as JSON to a unique file under dir and returns
// its path.
func WriteConfig(dir string, cfg Config) (string, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", errs.Wrap(errs.KindIntegrity, "marshal namespace config", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errs.Wrap(errs.KindFilesystem, "create namespace config dir", err)
	}
	path := filepath.Join(dir, "nscfg-"+cuid2.Generate()+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", errs.Wrap(errs.KindFilesystem, "write namespace config", err)
	}
	return path, nil
}

// LoadConfig reads back a Config written by WriteConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.Wrap(errs.KindFilesystem, "read namespace config", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errs.Wrap(errs.KindIntegrity, "decode namespace config", err)
	}
	return cfg, nil
}
