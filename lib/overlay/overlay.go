// Package overlay composes a merged OverlayFS view from an ordered list of
// lowerdirs and one upperdir/workdir pair, and tracks every mount it
// performs so callers can unwind them in reverse order on exit (§4.4).
package overlay

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/voidbox/voidbox/lib/errs"
)

// ErrUnsupportedKernel is returned when the running kernel does not
// support OverlayFS inside a user namespace (§4.4: "kernel 5.11+
// recommended; the engine must detect unsupported kernels and fail with
// a specific error").
var ErrUnsupportedKernel = errors.New("kernel does not support overlayfs in a user namespace")

// Spec describes one overlay mount to perform. Lowerdirs are ordered
// lowest-precedence first: paths in later entries shadow earlier ones,
// and the upperdir shadows them all. Specs cross the namespace re-exec
// boundary as JSON, since the mount itself must happen from inside the
// new user namespace.
type Spec struct {
	Lowerdirs  []string `json:"lowerdirs"`
	Upperdir   string   `json:"upperdir"`
	Workdir    string   `json:"workdir"`
	Mountpoint string   `json:"mountpoint"`
}

// Composer mounts overlay filesystems and remembers them so they can be
// torn down in LIFO order (§4.4 invariant).
type Composer struct {
	mu     sync.Mutex
	mounts []string // mountpoints, in mount order
}

// New constructs an empty Composer.
func New() *Composer {
	return &Composer{}
}

// Mount validates the spec's invariants, performs the overlay mount, and
// records it for later unwinding.
func (c *Composer) Mount(spec Spec) error {
	if len(spec.Lowerdirs) == 0 {
		return errs.New(errs.KindConfiguration, "overlay requires at least one lowerdir")
	}
	for _, d := range []string{spec.Upperdir, spec.Workdir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return errs.Wrap(errs.KindFilesystem, "create overlay layer dir", err)
		}
	}
	if err := requireEmptyDir(spec.Mountpoint); err != nil {
		return err
	}

	if err := unix.Mount("overlay", spec.Mountpoint, "overlay", 0, mountOptions(spec)); err != nil {
		// EINVAL/ENODEV: overlayfs missing or options unsupported.
		// EPERM from inside a user namespace: the kernel predates
		// unprivileged overlay mounts (5.11).
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EPERM) {
			return fmt.Errorf("%w: %v", ErrUnsupportedKernel, err)
		}
		return errs.Wrap(errs.KindKernel, "mount overlay", err).
			With("mountpoint", spec.Mountpoint)
	}

	c.mu.Lock()
	c.mounts = append(c.mounts, spec.Mountpoint)
	c.mu.Unlock()
	return nil
}

// UnmountAll unwinds every mount this Composer performed, most recent
// first, continuing past individual failures so a single stuck mount
// does not prevent cleanup of the rest. It returns the first error
// encountered, if any.
func (c *Composer) UnmountAll() error {
	c.mu.Lock()
	mounts := c.mounts
	c.mounts = nil
	c.mu.Unlock()

	var firstErr error
	for i := len(mounts) - 1; i >= 0; i-- {
		if err := unix.Unmount(mounts[i], unix.MNT_DETACH); err != nil && !errors.Is(err, unix.EINVAL) {
			if firstErr == nil {
				firstErr = errs.Wrap(errs.KindKernel, "unmount overlay", err).With("mountpoint", mounts[i])
			}
		}
	}
	return firstErr
}

// Mounted returns the mountpoints currently tracked as mounted, in mount
// order.
func (c *Composer) Mounted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.mounts...)
}

// mountOptions renders the kernel option string. The kernel gives the
// leftmost lowerdir= entry the highest precedence, the opposite of
// Spec.Lowerdirs' lowest-first ordering, so the list is reversed here.
func mountOptions(spec Spec) string {
	reversed := make([]string, len(spec.Lowerdirs))
	for i, d := range spec.Lowerdirs {
		reversed[len(spec.Lowerdirs)-1-i] = d
	}
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(reversed, ":"), spec.Upperdir, spec.Workdir)
}

func requireEmptyDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
				return errs.Wrap(errs.KindFilesystem, "create mountpoint", mkErr)
			}
			return nil
		}
		return errs.Wrap(errs.KindFilesystem, "stat mountpoint", err)
	}
	if len(entries) != 0 {
		return errs.New(errs.KindFilesystem, "mountpoint is not empty").With("path", path)
	}
	return nil
}

// Supported probes whether the running kernel can mount overlayfs inside
// the current (user) namespace by attempting a throwaway mount in a
// scratch directory. Callers typically call this once at startup rather
// than relying solely on Mount's error classification.
func Supported(scratchDir string) bool {
	lower := scratchDir + "/lower"
	upper := scratchDir + "/upper"
	work := scratchDir + "/work"
	merged := scratchDir + "/merged"
	for _, d := range []string{lower, upper, work, merged} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return false
		}
	}
	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	err := unix.Mount("overlay", merged, "overlay", 0, options)
	if err != nil {
		return false
	}
	unix.Unmount(merged, unix.MNT_DETACH)
	return true
}
