package nsengine

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/mountplan"
	"github.com/voidbox/voidbox/lib/overlay"
)

// PrepareCommand builds the *exec.Cmd that, once started, places the new
// process into fresh user/mount/pid/uts/ipc namespaces in the same
// clone(2) call that creates it (§4.5 steps 1-2). Go's exec package
// writes the new process's one-line uid_map/gid_map and setgroups=deny
// for us from UidMappings/GidMappings -- exactly the single-entry
// identity map step 1 requires -- before the child ever runs user code.
func PrepareCommand(selfPath, cfgPath string, realUID, realGID int) *exec.Cmd {
	cmd := exec.Command(selfPath, ReexecArg, cfgPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS | unix.CLONE_NEWIPC,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: realUID, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: realGID, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
	return cmd
}

// CheckUserns reports whether unprivileged user namespace creation is
// administratively disabled, consulting the Debian-style sysctl when the
// kernel exposes it, so the failure can name the exact knob to flip.
func CheckUserns() error {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil && strings.TrimSpace(string(data)) == "0" {
		return errs.New(errs.KindKernel, "unprivileged user namespaces are disabled").
			With("sysctl", "kernel.unprivileged_userns_clone")
	}
	return nil
}

// EnterRoot performs §4.5 steps 3-6 from inside the re-exec'd child,
// which PrepareCommand's Cloneflags have already placed in the new
// namespaces: it privatizes the mount tree, composes the merged overlay
// (only here does the process hold CAP_SYS_ADMIN over its own mount
// namespace, so this is the first point an unprivileged invoker can
// perform the mount at all), applies the permission-driven bind-mount
// plan, pivots into the merged view, and brings up /proc, /sys and
// /dev/pts. Every mount lives in this process's private mount
// namespace, so the kernel tears all of them down when the namespace's
// last process exits, on every exit path.
func EnterRoot(cfg Config) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return errs.Wrap(errs.KindKernel, "remount / private", err)
	}

	composer := overlay.New()
	if err := composer.Mount(cfg.Overlay); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrOverlayMountFailed, err)
	}

	if err := mountplan.Apply(cfg.MountOps, cfg.Overlay.Mountpoint); err != nil {
		return err
	}

	if err := pivotRoot(cfg.Overlay.Mountpoint); err != nil {
		return err
	}

	if err := mountEssentials(); err != nil {
		return err
	}

	if cfg.Hostname != "" {
		if err := unix.Sethostname([]byte(cfg.Hostname)); err != nil {
			return errs.Wrap(errs.KindKernel, "set hostname", err)
		}
	}

	return nil
}

// pivotRoot swaps the process's root to newroot and lazily unmounts the
// old one, following the standard pivot_root(2) dance: the old root must
// be a subdirectory of the new one at call time (§4.5 step 5).
func pivotRoot(newroot string) error {
	const oldrootRel = ".voidbox-old-root"
	oldroot := filepath.Join(newroot, oldrootRel)

	if err := os.MkdirAll(oldroot, 0700); err != nil {
		return errs.Wrap(errs.KindFilesystem, "create pivot_root staging dir", err)
	}
	if err := unix.PivotRoot(newroot, oldroot); err != nil {
		return errs.Wrap(errs.KindKernel, "pivot_root", err).With("newroot", newroot)
	}
	if err := unix.Chdir("/"); err != nil {
		return errs.Wrap(errs.KindKernel, "chdir to new root", err)
	}
	if err := unix.Unmount("/"+oldrootRel, unix.MNT_DETACH); err != nil {
		return errs.Wrap(errs.KindKernel, "lazy unmount old root", err)
	}
	if err := os.RemoveAll("/" + oldrootRel); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errs.Wrap(errs.KindFilesystem, "remove old root staging dir", err)
	}
	return nil
}

// mountEssentials mounts the kernel-backed filesystems every container
// needs regardless of its permission set (§4.5 step 6): /proc, /sys, and
// a fresh devpts instance. The /dev tmpfs with its standard device nodes
// and the /run tmpfs were already set up inside the merged tree by the
// mount plan before pivot_root -- /run in particular must exist before
// the runtime-dir bind lands inside it -- so this only overlays a
// private devpts instance on top. It tolerates an already-bound target
// so a namespace config that pre-bound one of these is left alone.
func mountEssentials() error {
	targets := []struct {
		path, fstype, data string
		flags              uintptr
	}{
		{"/proc", "proc", "", 0},
		{"/sys", "sysfs", "", unix.MS_RDONLY},
		{"/dev/pts", "devpts", "newinstance,ptmxmode=0666,mode=620", 0},
	}
	for _, t := range targets {
		if err := os.MkdirAll(t.path, 0755); err != nil {
			return errs.Wrap(errs.KindFilesystem, "create "+t.path, err)
		}
		if err := unix.Mount(t.fstype, t.path, t.fstype, t.flags, t.data); err != nil {
			if errors.Is(err, unix.EBUSY) {
				continue
			}
			return errs.Wrap(errs.KindKernel, "mount "+t.path, err)
		}
	}
	return nil
}
