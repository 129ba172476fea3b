// Command voidbox is the single binary that implements every §6.4
// operation (install, run, shell, remove, update, list, info) and, via a
// hidden re-exec, the container-init role lib/nsengine's double-fork
// boundary needs (§4.5).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/term"

	"github.com/voidbox/voidbox/lib/config"
	"github.com/voidbox/voidbox/lib/engine"
	"github.com/voidbox/voidbox/lib/errs"
	"github.com/voidbox/voidbox/lib/logger"
	"github.com/voidbox/voidbox/lib/nsengine"
	"github.com/voidbox/voidbox/lib/otelboot"
	"github.com/voidbox/voidbox/lib/paths"
	"github.com/voidbox/voidbox/lib/runtime"
)

func main() {
	// Hidden re-exec entrypoint: cmd/voidbox dispatches here instead of
	// the normal CLI surface when PrepareCommand spawned this process
	// inside fresh namespaces (§4.5).
	if len(os.Args) > 1 && os.Args[1] == nsengine.ReexecArg {
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "voidbox: missing namespace config path")
			os.Exit(1)
		}
		runtime.ContainerInitMain(os.Args[2])
		return // unreachable: ContainerInitMain always calls os.Exit
	}

	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: load config: %v\n", err)
		return 1
	}

	p := paths.New(cfg.DataDir)
	log := logger.New(logger.NewConfig(), p.AppLogFile)
	ctx := logger.AddToContext(context.Background(), log)

	tracer, shutdown := otelboot.Init(cfg.OTelEnabled, "voidbox")
	defer shutdown(ctx)

	selfPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: resolve own executable path: %v\n", err)
		return 1
	}

	eng := engine.New(cfg, selfPath)

	if len(os.Args) < 2 {
		printUsage()
		return 1
	}

	ctx, span := tracer.Start(ctx, os.Args[1])
	defer span.End()

	code := dispatch(ctx, eng, os.Args[1], os.Args[2:])
	if code != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", code))
	}
	return code
}

func dispatch(ctx context.Context, eng *engine.Engine, cmd string, args []string) int {
	switch cmd {
	case "install":
		return cmdInstall(ctx, eng, args)
	case "run":
		return cmdRun(ctx, eng, args)
	case "shell":
		return cmdShell(ctx, eng, args)
	case "remove":
		return cmdRemove(ctx, eng, args)
	case "update":
		return cmdUpdate(ctx, eng, args)
	case "list":
		return cmdList(ctx, eng, args)
	case "info":
		return cmdInfo(ctx, eng, args)
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "voidbox: unknown command %q\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: voidbox <install|run|shell|remove|update|list|info> [options] [args...]")
}

func cmdInstall(ctx context.Context, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: voidbox install <manifest.toml>")
		return 1
	}

	rec, err := eng.Install(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: install failed: %v\n", err)
		return errs.CLIExitCode(err)
	}
	fmt.Printf("installed %s %s\n", rec.Name, rec.Version)
	return 0
}

func cmdRun(ctx context.Context, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: voidbox run <name> [-- args...]")
		return 1
	}

	code, err := eng.Run(ctx, fs.Arg(0), fs.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: run failed: %v\n", err)
		return errs.CLIExitCode(err)
	}
	return code
}

func cmdShell(ctx context.Context, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("shell", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: voidbox shell <name>")
		return 1
	}

	restoreTTY := enterRawMode()
	defer restoreTTY()

	code, err := eng.Shell(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: shell failed: %v\n", err)
		return errs.CLIExitCode(err)
	}
	return code
}

func cmdRemove(ctx context.Context, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	purge := fs.Bool("purge", false, "also delete the app's writable layer")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: voidbox remove [-purge] <name>")
		return 1
	}

	if err := eng.Remove(ctx, fs.Arg(0), *purge); err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: remove failed: %v\n", err)
		return errs.CLIExitCode(err)
	}
	fmt.Printf("removed %s\n", fs.Arg(0))
	return 0
}

func cmdUpdate(ctx context.Context, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	fs.Parse(args)
	name := ""
	if fs.NArg() > 0 {
		name = fs.Arg(0)
	}

	outcomes, err := eng.Update(ctx, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: update failed: %v\n", err)
		return errs.CLIExitCode(err)
	}
	for _, oc := range outcomes {
		if oc.Updated {
			fmt.Printf("%s: %s -> %s\n", oc.Name, oc.OldVersion, oc.NewVersion)
		} else {
			fmt.Printf("%s: up to date (%s)\n", oc.Name, oc.OldVersion)
		}
	}
	return 0
}

func cmdList(ctx context.Context, eng *engine.Engine, args []string) int {
	recs, err := eng.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: list failed: %v\n", err)
		return errs.CLIExitCode(err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tBASE\tINSTALLED")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.Name, rec.Version, rec.BaseID, rec.InstalledAt.Format(time.RFC3339))
	}
	tw.Flush()
	return 0
}

func cmdInfo(ctx context.Context, eng *engine.Engine, args []string) int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: voidbox info <name>")
		return 1
	}

	details, err := eng.Info(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "voidbox: info failed: %v\n", err)
		return errs.CLIExitCode(err)
	}

	fmt.Printf("name:       %s\n", details.Record.Name)
	fmt.Printf("version:    %s\n", details.Record.Version)
	fmt.Printf("base:       %s\n", details.Record.BaseID)
	fmt.Printf("installed:  %s\n", details.Record.InstalledAt.Format(time.RFC3339))
	fmt.Printf("binary:     %s\n", details.App.Binary.RelativePath)
	return 0
}

// enterRawMode puts stdin into raw mode for interactive shell sessions
// when it's a TTY, returning a restore func that is a no-op otherwise.
// `run` leaves the terminal alone so a non-interactive app's output is
// not post-processed away.
func enterRawMode() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}
	}
	return func() { term.Restore(fd, oldState) }
}
