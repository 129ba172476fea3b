package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/launcher"
	"github.com/voidbox/voidbox/lib/nsengine"
)

// ContainerInitMain is the entrypoint cmd/voidbox dispatches to when
// os.Args[1] == nsengine.ReexecArg. By the time it runs, PrepareCommand's
// Cloneflags have already placed this process in fresh user/mount/pid/
// uts/ipc namespaces as PID 1 of its own tree, so it performs §4.5 steps
// 3-7 and then becomes the container's PID 1 per §4.8. It never returns.
func ContainerInitMain(cfgPath string) {
	cfg, err := nsengine.LoadConfig(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errs.CLIExitCode(err))
	}

	if err := nsengine.EnterRoot(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errs.CLIExitCode(err))
	}

	code, err := launcher.Run(context.Background(), launcher.Spec{
		Argv:         cfg.Argv,
		Env:          cfg.Env,
		Dir:          cfg.Dir,
		GraceTimeout: time.Duration(cfg.GraceSeconds) * time.Second,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errs.CLIExitCode(err))
	}
	os.Exit(code)
}
