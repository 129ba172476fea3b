// Package runtime orchestrates the overlay, namespace, mount-plan, and
// launcher packages for one app launch, implementing the data flow
// §4 describes for `run`/`shell`: Store -> Overlay Composer -> Namespace
// Engine -> Mount Planner -> Launcher. The merged overlay lives in the
// launched child's private mount namespace and dies with it, so it is
// always torn down regardless of how the launch ends (§4.4 invariant,
// §8 invariant 3).
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/launcher"
	"github.com/voidbox/voidbox/lib/manifest"
	"github.com/voidbox/voidbox/lib/mountplan"
	"github.com/voidbox/voidbox/lib/nsengine"
	"github.com/voidbox/voidbox/lib/overlay"
)

// defaultKillTimeout bounds how long the supervisor waits for the
// container-init process to exit after being signaled before escalating
// to SIGKILL (§5 cancellation).
const defaultKillTimeout = 5 * time.Second

// LaunchConfig assembles everything one run/shell invocation needs to
// compose a merged mount and execute inside it.
type LaunchConfig struct {
	App           *manifest.App
	BaseRootfs    string
	DepsUpper     string
	AppLayerUpper string
	InstallPrefix string
	Mountpoint    string
	Workdir       string // overlay workdir; must share a filesystem with AppLayerUpper

	// Argv overrides the app's own binary descriptor when set (used by
	// Shell to run /bin/sh instead).
	Argv []string

	// UserArgs are appended to the computed argv.
	UserArgs []string
}

// Runtime orchestrates one launch at a time; it is safe for concurrent
// use because every method is self-contained given its LaunchConfig.
type Runtime struct {
	selfPath string
	tmpDir   string
	grace    time.Duration
}

// New constructs a Runtime. selfPath is the voidbox binary's own path,
// re-exec'd as the container-init process (§4.5 double-fork boundary).
// grace bounds the SIGTERM-to-SIGKILL escalation on cancellation (§5).
func New(selfPath, tmpDir string, grace time.Duration) *Runtime {
	if grace <= 0 {
		grace = defaultKillTimeout
	}
	return &Runtime{selfPath: selfPath, tmpDir: tmpDir, grace: grace}
}

// Run enters the namespace engine for cfg and executes the app (or
// /bin/sh, for Shell) as a child of the container's PID 1 init. The
// merged overlay is composed by the re-exec'd child from inside its new
// user namespace --
// an unprivileged process in the initial namespace is not allowed the
// mount at all -- and lives in that child's private mount namespace, so
// the kernel dismantles it when the namespace's last process exits, on
// every exit path.
func (r *Runtime) Run(ctx context.Context, cfg LaunchConfig) (exitCode int, err error) {
	defer func() {
		// The per-launch mountpoint and workdir are scratch state; remove
		// them so nothing lingers under the app's work directory after
		// exit.
		os.Remove(cfg.Mountpoint)
		os.RemoveAll(cfg.Workdir)
	}()

	host := mountplan.DetectHostEnv()
	ops := mountplan.Plan(cfg.App.Permissions, host)

	argv := cfg.Argv
	if len(argv) == 0 {
		binaryPath := filepath.Join(cfg.InstallPrefix, cfg.App.Binary.RelativePath)
		argv = append(append([]string(nil), cfg.App.Binary.ArgvPrefix...), binaryPath)
	}
	argv = append(argv, cfg.UserArgs...)

	workdir := cfg.App.Binary.Workdir
	if workdir == "" {
		workdir = cfg.InstallPrefix
	}

	var audioEnv map[string]string
	if cfg.App.Permissions.Audio || cfg.App.Permissions.Microphone {
		audioEnv = launcher.DetectAudioEnv(host.RuntimeDir)
	}

	env := launcher.BuildEnv(
		containerHome(cfg.App.Permissions, host),
		currentUsername(),
		host.Display, host.WaylandDisplay, host.RuntimeDir,
		os.Getenv("TERM"), os.Getenv("LANG"),
		cfg.App.Permissions.DevMode,
		cfg.App.Binary.PassthroughEnv,
		audioEnv,
	)

	nsCfg := nsengine.Config{
		Overlay: overlay.Spec{
			Lowerdirs:  buildLowerdirs(cfg),
			Upperdir:   cfg.AppLayerUpper,
			Workdir:    cfg.Workdir,
			Mountpoint: cfg.Mountpoint,
		},
		MountOps:     ops,
		Hostname:     cfg.App.Name,
		Argv:         argv,
		Env:          env,
		Dir:          workdir,
		GraceSeconds: int(r.grace.Seconds()),
	}

	cfgPath, err := nsengine.WriteConfig(r.tmpDir, nsCfg)
	if err != nil {
		return 0, err
	}
	defer os.Remove(cfgPath)

	if nserr := nsengine.CheckUserns(); nserr != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrNamespaceSetupFailed, nserr)
	}

	cmd := nsengine.PrepareCommand(r.selfPath, cfgPath, os.Getuid(), os.Getgid())
	if err := cmd.Start(); err != nil {
		if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOSYS) {
			return 0, fmt.Errorf("%w: unprivileged user namespaces appear disabled: %v", errs.ErrNamespaceSetupFailed, err)
		}
		return 0, fmt.Errorf("%w: %v", errs.ErrNamespaceSetupFailed, err)
	}

	return supervise(ctx, cmd, r.grace)
}

// InstallPackages implements layers.PackageInstaller (§4.3 "enter the
// namespace engine in install mode"): the re-exec'd child composes a
// one-shot overlay over baseRootfs inside its namespace and invokes the
// base distro's package manager; the upperdir's content lands on the
// host filesystem for the caller to publish into the shared
// dependency-layer store.
func (r *Runtime) InstallPackages(ctx context.Context, baseRootfs, upperdir, workdir string, packages []string) error {
	if len(packages) == 0 {
		return nil
	}

	mountpoint := filepath.Join(filepath.Dir(upperdir), "merged")
	defer os.Remove(mountpoint)

	nsCfg := nsengine.Config{
		Overlay: overlay.Spec{
			Lowerdirs:  []string{baseRootfs},
			Upperdir:   upperdir,
			Workdir:    workdir,
			Mountpoint: mountpoint,
		},
		MountOps:     mountplan.InstallModeOps(),
		Hostname:     "voidbox-install",
		Argv:         packageManagerArgv(baseRootfs, packages),
		Env:          []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin", "DEBIAN_FRONTEND=noninteractive"},
		Dir:          "/",
		GraceSeconds: 30,
	}

	cfgPath, err := nsengine.WriteConfig(r.tmpDir, nsCfg)
	if err != nil {
		return err
	}
	defer os.Remove(cfgPath)

	if nserr := nsengine.CheckUserns(); nserr != nil {
		return fmt.Errorf("%w: %v", errs.ErrNamespaceSetupFailed, nserr)
	}

	cmd := nsengine.PrepareCommand(r.selfPath, cfgPath, os.Getuid(), os.Getgid())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNamespaceSetupFailed, err)
	}
	if err := cmd.Wait(); err != nil {
		return errs.Wrap(errs.KindRuntime, "package install failed", err)
	}
	return nil
}

// buildLowerdirs returns the overlay's lower layers, lowest-precedence
// first (the composer's ordering contract). native_mode skips the
// dependency layer and rides the host's root tree on top of the base
// image instead -- a subtree like /usr cannot be grafted at its own
// sub-path through a lowerdir, so the whole host root joins the view
// read-only, which is precisely the documented host-system-plus-app
// result: host binaries and libraries win any conflict with the base,
// and the app's writable layer still applies above both.
func buildLowerdirs(cfg LaunchConfig) []string {
	if cfg.App.Permissions.NativeMode {
		return []string{cfg.BaseRootfs, "/"}
	}
	return []string{cfg.BaseRootfs, cfg.DepsUpper}
}

func containerHome(perm manifest.PermissionSet, host mountplan.HostEnv) string {
	if perm.Home {
		return host.Home
	}
	return "/home/app"
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "app"
}

func packageManagerArgv(baseRootfs string, packages []string) []string {
	if _, err := os.Stat(filepath.Join(baseRootfs, "etc", "apk")); err == nil {
		return append([]string{"apk", "add", "--no-cache"}, packages...)
	}
	return append([]string{"apt-get", "install", "-y"}, packages...)
}

// supervise waits for the container-init child, relaying SIGINT/SIGTERM
// it receives to the child and escalating to SIGKILL after the grace
// period (§5 cancellation, §4.8).
func supervise(ctx context.Context, cmd *exec.Cmd, grace time.Duration) (int, error) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	waitOrKill := func() (int, error) {
		select {
		case err := <-done:
			return combinedExitCode(err), nil
		case <-time.After(grace):
			cmd.Process.Kill()
			<-done
			return 128 + int(syscall.SIGKILL), nil
		}
	}

	select {
	case sig := <-sigCh:
		cmd.Process.Signal(sig)
		return waitOrKill()
	case err := <-done:
		return combinedExitCode(err), nil
	case <-ctx.Done():
		cmd.Process.Signal(syscall.SIGTERM)
		return waitOrKill()
	}
}

func combinedExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
