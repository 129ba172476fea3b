// Package mountplan translates a manifest's permission set into an
// ordered list of bind mounts to apply onto a merged overlay tree before
// pivot_root (§4.5 step 4, §4.6). Plan, DevNodeBinds and InstallModeOps
// only compute the list and are unit-testable on their own; Apply performs
// the mounts and is called by lib/nsengine from inside the new namespaces.
package mountplan

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/manifest"
)

// MountOp describes one bind (or plain) mount to perform once the
// caller's mountpoint root is known. Target is relative to that root.
type MountOp struct {
	Target   string
	Source   string
	FSType   string
	Data     string
	Bind     bool
	ReadOnly bool
}

// HostEnv carries the host-side paths and environment the permission set
// binds into the container (§4.6). DetectHostEnv fills it from the
// calling process's own environment; tests construct it directly.
type HostEnv struct {
	Home           string
	Downloads      string
	RuntimeDir     string
	Display        string
	WaylandDisplay string
	ResolvConf     string
	Tmp            string
	FontsDirs      []string
	ThemesDirs     []string
	IconsDirs      []string
	DBusSystemBus  string
}

// DetectHostEnv reads the host environment the calling process is
// running in.
func DetectHostEnv() HostEnv {
	home, _ := os.UserHomeDir()
	return HostEnv{
		Home:           home,
		Downloads:      filepath.Join(home, "Downloads"),
		RuntimeDir:     os.Getenv("XDG_RUNTIME_DIR"),
		Display:        os.Getenv("DISPLAY"),
		WaylandDisplay: os.Getenv("WAYLAND_DISPLAY"),
		ResolvConf:     "/etc/resolv.conf",
		Tmp:            "/tmp",
		FontsDirs:      []string{"/usr/share/fonts", filepath.Join(home, ".fonts"), filepath.Join(home, ".local/share/fonts")},
		ThemesDirs:     []string{"/usr/share/themes"},
		IconsDirs:      []string{"/usr/share/icons"},
		DBusSystemBus:  "/run/dbus/system_bus_socket",
	}
}

// requiredDevNodes are the device nodes §4.6 requires present regardless
// of permission tags. An unprivileged user namespace cannot mknod a
// character device, so each is bind-mounted individually from the host
// instead of created fresh, rather than binding the whole of host /dev
// into the new root the way the teacher does.
var requiredDevNodes = []string{"null", "zero", "full", "random", "urandom", "tty", "ptmx"}

// DevNodeBinds returns a tmpfs mount at /dev followed by the bind-mount
// ops for the standard device nodes every container needs, regardless of
// its permission set. The tmpfs comes first so the bind targets (and any
// later permission-driven device binds) land on scratch memory instead of
// persisting as empty files in the app's writable layer.
func DevNodeBinds() []MountOp {
	ops := []MountOp{{Target: "dev", FSType: "tmpfs", Source: "tmpfs", Data: "mode=755"}}
	for _, name := range requiredDevNodes {
		ops = append(ops, bindIfExists("/dev/"+name, "dev/"+name)...)
	}
	return ops
}

// Plan builds the ordered bind-mount list for perm given host, following
// §4.6's ordering rule: the user-visible data binds (downloads, then
// home) come last, so they shadow any earlier bind at an overlapping path.
func Plan(perm manifest.PermissionSet, host HostEnv) []MountOp {
	ops := DevNodeBinds()

	// The /run tmpfs goes down before the runtime-dir bind so the bind
	// lands inside it rather than being shadowed by a later mount.
	ops = append(ops, runTmpfs())
	ops = append(ops, bindIfExists(host.Tmp, "tmp")...)
	ops = append(ops, bindROIfExists(host.ResolvConf, "etc/resolv.conf")...)

	if host.RuntimeDir != "" {
		ops = append(ops, bindIfExists(host.RuntimeDir, strings.TrimPrefix(host.RuntimeDir, "/"))...)
	}

	if perm.GPU {
		ops = append(ops, globBinds("/dev/dri/*", "dev/dri")...)
	}
	if perm.Camera {
		ops = append(ops, globBinds("/dev/video*", "dev")...)
	}
	if perm.Audio || perm.Microphone {
		ops = append(ops, globBinds("/dev/snd/*", "dev/snd")...)
	}

	if perm.SystemDBus {
		ops = append(ops, bindIfExists(host.DBusSystemBus, strings.TrimPrefix(host.DBusSystemBus, "/"))...)
	}
	if perm.HostBridge && host.RuntimeDir != "" {
		sock := filepath.Join(host.RuntimeDir, "voidbox-bridge.sock")
		ops = append(ops, bindIfExists(sock, strings.TrimPrefix(sock, "/"))...)
	}
	if perm.DevMode {
		ops = append(ops, MountOp{Target: "host/bin", Source: "/usr/bin", Bind: true, ReadOnly: true})
	}
	if perm.NativeMode {
		for _, f := range []string{"/etc/passwd", "/etc/group", "/etc/nsswitch.conf"} {
			ops = append(ops, bindROIfExists(f, strings.TrimPrefix(f, "/"))...)
		}
	}
	if perm.Fonts {
		for _, d := range host.FontsDirs {
			ops = append(ops, bindROIfExists(d, strings.TrimPrefix(d, "/"))...)
		}
	}
	if perm.Themes {
		for _, d := range host.ThemesDirs {
			ops = append(ops, bindROIfExists(d, strings.TrimPrefix(d, "/"))...)
		}
	}
	if perm.Icons {
		for _, d := range host.IconsDirs {
			ops = append(ops, bindROIfExists(d, strings.TrimPrefix(d, "/"))...)
		}
	}

	// User-visible data directories shadow the narrower tags above, so
	// they are applied last.
	if perm.Downloads {
		ops = append(ops, bindIfExists(host.Downloads, strings.TrimPrefix(host.Downloads, "/"))...)
	}
	if perm.Home {
		ops = append(ops, bindIfExists(host.Home, strings.TrimPrefix(host.Home, "/"))...)
	}

	return ops
}

func bindIfExists(source, target string) []MountOp {
	if source == "" {
		return nil
	}
	if _, err := os.Stat(source); err != nil {
		return nil
	}
	return []MountOp{{Target: target, Source: source, Bind: true}}
}

func bindROIfExists(source, target string) []MountOp {
	ops := bindIfExists(source, target)
	for i := range ops {
		ops[i].ReadOnly = true
	}
	return ops
}

func globBinds(pattern, targetDir string) []MountOp {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	ops := make([]MountOp, 0, len(matches))
	for _, m := range matches {
		ops = append(ops, MountOp{Target: filepath.Join(targetDir, filepath.Base(m)), Source: m, Bind: true})
	}
	return ops
}

func runTmpfs() MountOp {
	return MountOp{Target: "run", FSType: "tmpfs", Source: "tmpfs", Data: "mode=755"}
}

// InstallModeOps returns the minimal bind set a one-shot package-install
// namespace needs: the standard device nodes most package tooling
// expects to exist, a scratch /run, plus enough DNS resolution for the
// base distro's package manager to reach its configured mirrors (§4.3).
func InstallModeOps() []MountOp {
	ops := append(DevNodeBinds(), runTmpfs())
	return append(ops, bindROIfExists("/etc/resolv.conf", "etc/resolv.conf")...)
}

// Apply performs every op in ops against root, in order, creating missing
// target directories and files (and their parents) as needed. Ordering is
// the caller's responsibility: a later mount at or above an earlier
// target's path hides it.
func Apply(ops []MountOp, root string) error {
	for _, op := range ops {
		target := filepath.Join(root, op.Target)
		if err := ensureTarget(op, target); err != nil {
			return err
		}

		var flags uintptr
		if op.Bind {
			flags |= unix.MS_BIND
		}
		if err := unix.Mount(op.Source, target, op.FSType, flags, op.Data); err != nil {
			return errs.Wrap(errs.KindKernel, "bind mount", err).With("target", target).With("source", op.Source)
		}

		if op.ReadOnly {
			if err := unix.Mount("", target, "", flags|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return errs.Wrap(errs.KindKernel, "remount read-only", err).With("target", target)
			}
		}
	}
	return nil
}

// ensureTarget creates the mount target: a directory for filesystem
// mounts and directory binds, a plain file for file binds.
func ensureTarget(op MountOp, target string) error {
	if !op.Bind {
		return os.MkdirAll(target, 0755)
	}

	info, err := os.Stat(op.Source)
	if err == nil && info.IsDir() {
		return os.MkdirAll(target, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return errs.Wrap(errs.KindFilesystem, "create bind target parent dir", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return errs.Wrap(errs.KindFilesystem, "create bind target file", err)
	}
	return f.Close()
}
