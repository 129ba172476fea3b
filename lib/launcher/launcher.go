// Package launcher implements the container's PID 1 responsibilities
// described in §4.8: forward termination signals to the app, act as a
// subreaper so orphaned descendants do not escape to the host's init,
// execute the app with a curated environment, and upon its exit reap any
// remaining children within a bounded deadline before propagating the
// app's exit status.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/voidbox/voidbox/lib/errs"
)

// defaultGraceTimeout bounds how long Run waits, after the app exits,
// for orphaned descendants to be reaped before giving up (§4.8, §5).
const defaultGraceTimeout = 5 * time.Second

// Spec describes the app invocation a container-init process executes
// as PID 1 of its private process tree.
type Spec struct {
	Argv         []string
	Env          []string
	Dir          string
	GraceTimeout time.Duration
}

// Run acts as the container's PID 1: becomes a subreaper, starts Argv as
// a child in its own process group, forwards SIGTERM/SIGINT/SIGHUP to
// that group, and upon the child's exit reaps any remaining orphaned
// descendants before returning the exit code to propagate.
func Run(ctx context.Context, spec Spec) (int, error) {
	if len(spec.Argv) == 0 {
		return 0, errs.New(errs.KindRuntime, "empty argv")
	}

	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return 0, errs.Wrap(errs.KindRuntime, "set child subreaper", err)
	}

	bin, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return 127, fmt.Errorf("%w: %s", errs.ErrBinaryNotFound, spec.Argv[0])
		}
		return 126, fmt.Errorf("%w: %s", errs.ErrBinaryNotExecutable, spec.Argv[0])
	}

	cmd := exec.Command(bin, spec.Argv[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return 126, fmt.Errorf("%w: %s", errs.ErrBinaryNotExecutable, bin)
		}
		return 0, errs.Wrap(errs.KindRuntime, "start app", err)
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	relayCtx, cancelRelay := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(relayCtx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig, ok := <-sigCh:
				if !ok {
					return nil
				}
				unix.Kill(-cmd.Process.Pid, sig.(syscall.Signal))
			}
		}
	})

	waitErr := cmd.Wait()
	cancelRelay()
	_ = g.Wait()

	grace := spec.GraceTimeout
	if grace == 0 {
		grace = defaultGraceTimeout
	}
	reapOrphans(grace)

	return exitCodeFromWait(waitErr), nil
}

// BuildEnv composes the curated environment per §4.7: computed defaults
// (PATH, HOME, USER, DISPLAY...) are overridden by any matching
// host-environment variable the manifest explicitly named in
// passthroughEnv, and both are overridden by extraEnv entries, which
// always win. LANG is carried over only when it names a UTF-8 locale.
func BuildEnv(home, user, display, waylandDisplay, xdgRuntimeDir, term, lang string, devMode bool, passthroughEnv []string, extraEnv map[string]string) []string {
	result := map[string]string{
		"HOME":    home,
		"USER":    user,
		"LOGNAME": user,
		"PATH":    buildPath(devMode),
	}
	if term != "" {
		result["TERM"] = term
	}
	if isUTF8Locale(lang) {
		result["LANG"] = lang
	}
	if display != "" {
		result["DISPLAY"] = display
	}
	if waylandDisplay != "" {
		result["WAYLAND_DISPLAY"] = waylandDisplay
	}
	if xdgRuntimeDir != "" {
		result["XDG_RUNTIME_DIR"] = xdgRuntimeDir
	}

	for _, name := range passthroughEnv {
		if v, ok := os.LookupEnv(name); ok {
			result[name] = v
		}
	}
	for k, v := range extraEnv {
		result[k] = v
	}

	out := make([]string, 0, len(result))
	for k, v := range result {
		out = append(out, k+"="+v)
	}
	return out
}

// DetectAudioEnv returns the audio-server variables §4.7 carries into
// the container when the host exposes the corresponding sockets under
// its runtime dir: PULSE_SERVER pointing at the bound native socket,
// plus any PIPEWIRE_-prefixed host variables.
func DetectAudioEnv(runtimeDir string) map[string]string {
	env := make(map[string]string)
	if runtimeDir == "" {
		return env
	}
	pulseSock := filepath.Join(runtimeDir, "pulse", "native")
	if _, err := os.Stat(pulseSock); err == nil {
		env["PULSE_SERVER"] = "unix:" + pulseSock
	}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "PIPEWIRE_") {
			continue
		}
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

func isUTF8Locale(lang string) bool {
	if lang == "" {
		return false
	}
	l := strings.ToLower(lang)
	return strings.HasSuffix(l, ".utf-8") || strings.HasSuffix(l, ".utf8") || l == "c.utf-8" || l == "c.utf8"
}

func buildPath(devMode bool) string {
	const base = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	if devMode {
		return "/host/bin:" + base
	}
	return base
}

func exitCodeFromWait(err error) int {
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

// reapOrphans waits on any remaining descendants (adopted by this
// process as subreaper) until none remain or deadline elapses. ECHILD
// means nothing is left, so the common no-orphans case returns without
// waiting out the deadline.
func reapOrphans(deadline time.Duration) {
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err != nil:
			return
		case pid > 0:
			// Reaped one; try for another right away.
		default:
			// Children remain but none has exited yet.
			time.Sleep(50 * time.Millisecond)
		}
	}
}
