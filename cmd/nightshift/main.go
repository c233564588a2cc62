// Command nightshift drives tasks through the lifecycle: intake, staged
// persona dispatch, and escalation to a human when limits trip.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nightshift-dev/nightshift/internal/audit"
	"github.com/nightshift-dev/nightshift/internal/buildinfo"
	"github.com/nightshift-dev/nightshift/internal/config"
	"github.com/nightshift-dev/nightshift/internal/limits"
	"github.com/nightshift-dev/nightshift/internal/persona"
	"github.com/nightshift-dev/nightshift/internal/recurring"
	"github.com/nightshift-dev/nightshift/internal/run"
	"github.com/nightshift-dev/nightshift/internal/runlock"
	"github.com/nightshift-dev/nightshift/internal/schedule"
	"github.com/nightshift-dev/nightshift/internal/status"
	"github.com/nightshift-dev/nightshift/internal/store"
	"github.com/nightshift-dev/nightshift/internal/task"
	"github.com/nightshift-dev/nightshift/internal/tui"
	"github.com/nightshift-dev/nightshift/internal/workspace"
)

const usage = `nightshift - overnight task lifecycle orchestrator

USAGE:
    nightshift <command> [command options]

COMMANDS:
    run              Poll the task store and dispatch personas until interrupted
    once             Process a single tick and exit
    add              Parse task record files and admit them to the store
    release          Return an awaiting-human task to its escalated stage
    status           Display per-stage task counts and the active-task table
    version          Print version and build information

Run 'nightshift <command> -h' for command-specific help.

Configuration is read from config.yaml, /etc/nightshift/config.yaml, or the
file named by -config where the command accepts it.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	command := os.Args[1]
	commandArgs := os.Args[2:]

	switch command {
	case "run":
		runRun(commandArgs)
	case "once":
		runOnce(commandArgs)
	case "add":
		runAdd(commandArgs)
	case "release":
		runRelease(commandArgs)
	case "status":
		runStatus(commandArgs)
	case "version":
		runVersion()
	case "-h", "--help", "help":
		fmt.Fprint(os.Stderr, usage)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "nightshift: unknown command %q\n\n", command)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// app bundles the collaborators a command needs once config is loaded.
type app struct {
	cfg          config.Config
	store        *store.Store
	orchestrator *run.Orchestrator
	lock         *runlock.Lock
	logger       *slog.Logger
}

// close releases resources in reverse acquisition order.
func (a *app) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			a.logger.Warn("release run lock", "error", err)
		}
	}
}

// buildApp loads config and wires the full orchestrator stack. Commands that
// only read the store pass wantOrchestrator=false and skip the run lock.
func buildApp(configPath string, wantOrchestrator bool) (*app, error) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	warn := func(message string) { logger.Warn(message) }

	cfg, err := config.Load(configPath, warn)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	a := &app{cfg: cfg, logger: logger}

	if wantOrchestrator {
		lock, err := runlock.Acquire(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		a.lock = lock
	}

	taskStore, err := store.Open(filepath.Join(cfg.DataDir, "nightshift.db"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = taskStore

	if !wantOrchestrator {
		return a, nil
	}

	location, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Schedule.Timezone, err)
	}

	enforcer, err := limits.NewEnforcer(taskStore, cfg.Limits, location)
	if err != nil {
		a.close()
		return nil, err
	}
	recurrence, err := recurring.NewTracker(taskStore)
	if err != nil {
		a.close()
		return nil, err
	}
	workspaces, err := workspace.NewManager(cfg.Workspace.Root, cfg.Workspace.RemoteTemplate)
	if err != nil {
		a.close()
		return nil, err
	}
	dispatcher, err := persona.NewDispatcher(cfg.Agent, cfg.DataDir)
	if err != nil {
		a.close()
		return nil, err
	}
	auditor, err := audit.NewLogger(cfg.DataDir, os.Stderr)
	if err != nil {
		a.close()
		return nil, err
	}

	orchestrator, err := run.NewOrchestrator(run.Options{
		Store:      taskStore,
		Enforcer:   enforcer,
		Recurrence: recurrence,
		Selector:   schedule.NewSelector(cfg.Schedule, location),
		Workspaces: workspaces,
		Invoker:    dispatcher,
		Auditor:    auditor,
		Limits:     cfg.Limits,
		Human:      cfg.Tracker.Human,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.orchestrator = orchestrator
	return a, nil
}

func runRun(args []string) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    nightshift run [options]

DESCRIPTION:
    Acquire the run lock and poll the task store on the configured interval,
    dispatching personas until interrupted. SIGINT or SIGTERM stops the loop
    cleanly between tasks; in-flight dispatch is terminated and the task's
    stage is left unchanged.

OPTIONS:
    -config PATH    Configuration file to load
`)
	}
	configPath := flags.String("config", "", "")
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}

	a, err := buildApp(*configPath, true)
	if err != nil {
		fail(err)
	}
	defer a.close()

	loop, err := run.NewLoop(a.orchestrator, time.Duration(a.cfg.PollingIntervalMinutes)*time.Minute)
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("poll loop starting",
		"interval_minutes", a.cfg.PollingIntervalMinutes,
		"data_dir", a.cfg.DataDir)
	if err := loop.Run(ctx); err != nil {
		a.close()
		fail(err)
	}
	a.logger.Info("poll loop stopped")
}

func runOnce(args []string) {
	flags := flag.NewFlagSet("once", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    nightshift once [options]

DESCRIPTION:
    Process every task through a single tick, print the tick summary, and
    exit. Intended for cron-style invocation and debugging.

OPTIONS:
    -config PATH    Configuration file to load
`)
	}
	configPath := flags.String("config", "", "")
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}

	a, err := buildApp(*configPath, true)
	if err != nil {
		fail(err)
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := a.orchestrator.Tick(ctx)
	if err != nil {
		a.close()
		fail(err)
	}
	fmt.Printf("examined=%d dispatched=%d transitions=%d escalated=%d failed=%d denied=%d spawned=%d\n",
		summary.Examined, summary.Dispatched, summary.Transitions,
		summary.Escalated, summary.Failed, summary.Denied, summary.Spawned)
}

func runAdd(args []string) {
	flags := flag.NewFlagSet("add", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    nightshift add [options] <record.md> [record.md ...]

DESCRIPTION:
    Parse task record files (YAML frontmatter plus Task/Context/Acceptance
    Criteria sections) and admit them to the store at the ready stage. The
    record id is the file name without extension; the title is the first
    line of the Task section unless -title is given.

OPTIONS:
    -config PATH    Configuration file to load
    -id ID          Record id override (single file only)
    -title TITLE    Record title override (single file only)
`)
	}
	configPath := flags.String("config", "", "")
	idOverride := flags.String("id", "", "")
	titleOverride := flags.String("title", "", "")
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}
	files := flags.Args()
	if len(files) == 0 {
		flags.Usage()
		os.Exit(2)
	}
	if (*idOverride != "" || *titleOverride != "") && len(files) > 1 {
		fail(errors.New("-id and -title apply to a single record file"))
	}

	a, err := buildApp(*configPath, false)
	if err != nil {
		fail(err)
	}
	defer a.close()

	for _, file := range files {
		record, err := recordFromFile(file, *idOverride, *titleOverride)
		if err != nil {
			fail(err)
		}
		parsed, err := task.Parse(record)
		if err != nil {
			fail(err)
		}
		if parsed.Title == "" {
			parsed.Title = firstLine(parsed.TaskSection)
		}
		if err := a.store.CreateTask(parsed); err != nil {
			fail(fmt.Errorf("add %s: %w", parsed.ID, err))
		}
		fmt.Printf("added %s stage=%s priority=%s repo=%s\n",
			parsed.ID, parsed.Stage, parsed.Priority, parsed.Repo)
	}
}

// firstLine returns the first non-empty line of a section.
func firstLine(section string) string {
	for _, line := range strings.Split(section, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// recordFromFile builds a tracker record from a markdown file on disk.
func recordFromFile(path, idOverride, titleOverride string) (task.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return task.Record{}, fmt.Errorf("read record %s: %w", path, err)
	}
	id := idOverride
	if id == "" {
		base := filepath.Base(path)
		id = base[:len(base)-len(filepath.Ext(base))]
	}
	return task.Record{
		ID:        id,
		Title:     titleOverride,
		Body:      string(data),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func runRelease(args []string) {
	flags := flag.NewFlagSet("release", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    nightshift release [options] <task-id>

DESCRIPTION:
    Return an awaiting-human task to the stage it escalated from, with its
    cycle counters preserved. Used after the human resolves whatever caused
    the escalation.

OPTIONS:
    -config PATH    Configuration file to load
`)
	}
	configPath := flags.String("config", "", "")
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	a, err := buildApp(*configPath, true)
	if err != nil {
		fail(err)
	}
	defer a.close()

	released, err := a.orchestrator.ReleaseTask(context.Background(), flags.Arg(0))
	if err != nil {
		a.close()
		fail(err)
	}
	fmt.Printf("released %s stage=%s\n", released.ID, released.Stage)
}

func runStatus(args []string) {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, `USAGE:
    nightshift status [options]

DESCRIPTION:
    Show per-stage task counts and the table of active tasks. The default
    interactive view refreshes every two seconds; -plain prints one snapshot
    for scripts and logs.

OPTIONS:
    -config PATH    Configuration file to load
    -plain          Print a plain-text snapshot instead of the interactive view
`)
	}
	configPath := flags.String("config", "", "")
	plain := flags.Bool("plain", false, "")
	if err := flags.Parse(args); err != nil {
		os.Exit(2)
	}

	a, err := buildApp(*configPath, false)
	if err != nil {
		fail(err)
	}
	defer a.close()

	if *plain {
		summary, err := status.GetSummary(a.store)
		if err != nil {
			a.close()
			fail(err)
		}
		fmt.Println(summary.String())
		return
	}
	if err := tui.Run(a.store); err != nil {
		a.close()
		fail(err)
	}
}

func runVersion() {
	fmt.Println(buildinfo.String())
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
