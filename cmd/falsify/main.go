package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/haricheung/adas-falsify/internal/agent"
	"github.com/haricheung/adas-falsify/internal/auditor"
	"github.com/haricheung/adas-falsify/internal/bus"
	"github.com/haricheung/adas-falsify/internal/config"
	"github.com/haricheung/adas-falsify/internal/llm"
	"github.com/haricheung/adas-falsify/internal/store"
	"github.com/haricheung/adas-falsify/internal/tasklog"
	"github.com/haricheung/adas-falsify/internal/ui"
)

const usage = `usage: falsify [--config file.yaml] [command]

commands:
  run [scenario|all ...]   search the named scenarios (default: all, or the campaign file's list)
  runs [N]                 list the N most recent stored runs (default 10)
  show <run-id>            print the stored front of a run
  (none)                   interactive shell`

func main() {
	// Load env
	_ = godotenv.Load(".env")

	fs := flag.NewFlagSet("falsify", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML campaign file (overrides FALSIFY_CONFIG)")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "falsify: %v\n", err)
		os.Exit(2)
	}

	// Agent transport, only needed when the model under test is remote
	var gen agent.Generator
	if cfg.Agent.Mode == agent.ModeLLM {
		client := llm.NewTier("AGENT")
		if err := client.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "falsify: %v\n", err)
			os.Exit(2)
		}
		gen = client
		log.Printf("[MAIN] agent=llm provider=%s model=%s", client.Provider(), client.Model())
	} else {
		log.Printf("[MAIN] agent=stub action=%s", cfg.Agent.StubAction)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "falsify: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// Build the bus; display and auditor observe it
	b := bus.New()
	disp := ui.New(b.Tap())
	aud := auditor.New(b.NewTap(), filepath.Join(cfg.LogDir, "audit.jsonl"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := &app{
		camp: &campaign{
			cfg:  cfg,
			gen:  gen,
			bus:  b,
			st:   st,
			logs: tasklog.NewRegistry(cfg.LogDir),
		},
		disp:  disp,
		color: isatty.IsTerminal(os.Stdout.Fd()),
	}

	// Ctrl-C aborts the running search first; a second one (or one while idle) exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if app.abortRun() {
				continue
			}
			fmt.Println("\nfalsify: shutting down")
			cancel()
			return
		}
	}()

	go disp.Run(ctx)
	go aud.Run(ctx)

	args := fs.Args()
	if len(args) > 0 {
		os.Exit(app.oneShot(ctx, cancel, args))
	}
	app.repl(ctx, cancel, filepath.Join(filepath.Dir(cfg.DBPath), "history"))
}

// app dispatches commands from the one-shot CLI and the REPL.
type app struct {
	camp  *campaign
	disp  *ui.Display
	color bool

	mu        sync.Mutex
	cancelRun context.CancelFunc
}

// oneShot runs a single command, then stops the observers and closes the
// store. main calls os.Exit with the result, which skips deferred calls.
func (a *app) oneShot(ctx context.Context, cancel context.CancelFunc, args []string) int {
	code := a.exec(ctx, args)
	cancel()
	// Give the display and auditor a moment to flush.
	time.Sleep(200 * time.Millisecond)
	if err := a.camp.st.Close(); err != nil {
		log.Printf("[MAIN] WARNING: close store: %v", err)
	}
	return code
}

// abortRun cancels the search in progress. Reports false when idle.
func (a *app) abortRun() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelRun == nil {
		return false
	}
	a.cancelRun()
	a.cancelRun = nil
	a.disp.Abort()
	return true
}

// exec runs one command and returns a process exit code.
func (a *app) exec(ctx context.Context, args []string) int {
	switch args[0] {
	case "run":
		return a.runCmd(ctx, args[1:])
	case "runs":
		limit := 10
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "runs: bad count %q\n", args[1])
				return 2
			}
			limit = n
		}
		runs, err := a.camp.st.Runs(ctx, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		ui.RenderRuns(os.Stdout, runs)
		return 0
	case "show":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: show <run-id>")
			return 2
		}
		rep, err := storedReport(ctx, a.camp.st, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		ui.RenderReport(os.Stdout, []ui.ScenarioReport{rep}, a.color)
		return 0
	case "help", "-h", "--help":
		fmt.Println(usage)
		return 0
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", args[0], usage)
	return 2
}

func (a *app) runCmd(ctx context.Context, names []string) int {
	cfg := a.camp.cfg
	if len(names) > 0 {
		cfg.Scenarios = names
	}
	kinds, err := cfg.Kinds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelRun = cancel
	a.mu.Unlock()
	a.disp.Resume()
	defer func() {
		a.mu.Lock()
		a.cancelRun = nil
		a.mu.Unlock()
		cancel()
	}()

	reports, err := a.camp.run(runCtx, kinds)
	// Let the display close its box before the report is printed.
	time.Sleep(150 * time.Millisecond)
	ui.RenderReport(os.Stdout, reports, a.color)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("\nsearch cancelled")
			return 130
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) repl(ctx context.Context, cancel context.CancelFunc, historyFile string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mfalsify>\033[0m ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("run",
				readline.PcItem("all"),
				readline.PcItem("pedestrian"),
				readline.PcItem("lead_vehicle"),
				readline.PcItem("static_obstacle"),
			),
			readline.PcItem("runs"),
			readline.PcItem("show"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "falsify: readline: %v\n", err)
		return
	}
	defer rl.Close()

	fmt.Println("falsify — ADAS falsification shell (type 'help', 'exit' to quit)")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "exit" || fields[0] == "quit" {
			break
		}
		a.exec(ctx, fields)
	}
	cancel()
}
