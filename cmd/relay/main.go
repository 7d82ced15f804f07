// Command relay runs the multi-provider LLM gateway from a terminal:
// one-shot prompts with --prompt, or an interactive REPL with slash
// commands for steering models, health, and sessions.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/loopworks/relay/internal/bus"
	"github.com/loopworks/relay/internal/commands"
	"github.com/loopworks/relay/internal/config"
	"github.com/loopworks/relay/internal/gateway"
	"github.com/loopworks/relay/internal/llm"
	. "github.com/loopworks/relay/internal/logging"
	. "github.com/loopworks/relay/internal/metrics"
	"github.com/loopworks/relay/internal/paths"
	"github.com/loopworks/relay/internal/session"
	"github.com/loopworks/relay/internal/tools"
	"github.com/loopworks/relay/internal/trace"
)

const version = "0.1.0"

var cli struct {
	Config   string           `help:"Path to relay.json (default: ./relay.json, then ~/.relay/relay.json)." short:"c" type:"path"`
	LogLevel string           `help:"Log level: trace, debug, info, warn, error." short:"l"`
	Prompt   string           `help:"Run one prompt and exit instead of starting the REPL." short:"p"`
	Session  string           `help:"Session key for the conversation." default:"cli"`
	Resume   string           `help:"Resume a checkpointed run by its run id."`
	Trace    bool             `help:"Echo reasoning-loop trace events to stderr."`
	Version  kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("relay"),
		kong.Description("Multi-provider LLM gateway with a tool-calling reasoning loop."),
		kong.Vars{"version": "relay " + version},
	)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	Init(&Config{Level: ParseLevel(level), ShowCaller: true})
	L_info("relay %s starting", version)

	if err := cfg.Validate(); err != nil {
		L_fatal("invalid config: %v", err)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	start := time.Now()
	a, err := wire(cfg)
	if err != nil {
		return err
	}
	defer a.shutdown()
	L_elapsed(start, "relay: ready", "primary", a.manager.Primary().Ref())

	if cli.Resume != "" {
		cp, err := session.LoadCheckpoint(cli.Resume)
		if err != nil {
			return fmt.Errorf("resume %s: %w", cli.Resume, err)
		}
		sess := a.gw.RestoreSession(cp)
		cli.Session = sess.ID()
		L_info("relay: resumed run", "run", cli.Resume, "session", sess.ID(), "turns", cp.TurnCount)
	}

	if cli.Prompt != "" {
		// One-shot: Ctrl-C cancels the run through the request context.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.oneShot(ctx, cli.Prompt)
	}

	// REPL: SIGTERM ends the process; Ctrl-C is handled per prompt so it
	// cancels the in-flight run instead of the shell.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	a.watchConfig(ctx)
	a.repl(ctx)
	return nil
}

// app bundles the wired stack so the REPL, the reload handler, and shutdown
// can reach each part.
type app struct {
	cfg      *config.Config
	gw       *gateway.Gateway
	manager  *llm.Manager
	health   *llm.HealthTracker
	registry *tools.Registry
	cmds     *commands.Manager
	costLog  *session.CostLog
}

// wire builds the stack: model metadata, manager, health tracker, fallback
// engine, tool registry, gateway, JSONL logs, slash commands, and the bus
// bridge for model switches.
func wire(cfg *config.Config) (*app, error) {
	meta := llm.NewMetadata()
	if dir, err := paths.ModelsOverrideDir(); err == nil {
		meta.LoadTOMLDir(dir)
	}
	meta.ApplyOverrides(cfg.ModelOverrides)

	manager, err := llm.NewManager(cfg.Models, cfg.Providers, meta)
	if err != nil {
		return nil, err
	}
	manager.SetSaveHook(cfg.SetPrimary)

	health := llm.NewHealthTracker()
	health.SetCooldownOverrides(cfg.Models.FallbackCooldowns)
	engine := llm.NewEngine(manager, health)

	registry := tools.NewRegistry()
	registry.SetTimeoutOverrides(cfg.ToolTimeouts)
	registerDemoTools(registry)

	gw := gateway.New(manager, engine, registry)
	gw.SetPersonality(cfg.Personality)
	if cli.Trace {
		gw.SetTraceSink(stderrTraceSink)
	}

	a := &app{
		cfg:      cfg,
		gw:       gw,
		manager:  manager,
		health:   health,
		registry: registry,
		cmds:     commands.NewManager(gw),
	}

	if costLog, err := session.DefaultCostLog(); err != nil {
		L_warn("cost log unavailable", "error", err)
	} else {
		gw.SetCostLog(costLog)
		a.costLog = costLog
	}
	if chatLog, err := session.DefaultChatLog(); err != nil {
		L_warn("chat log unavailable", "error", err)
	} else {
		gw.SetChatLog(chatLog)
	}

	// Model switches ride the command bus. A switch issued mid-turn queues
	// and lands at turn exit; issued between turns it applies immediately.
	bus.RegisterCommand("models", "switch", func(cmd bus.Command) bus.CommandResult {
		sw, ok := cmd.Payload.(commands.ModelSwitch)
		if !ok {
			return bus.CommandResult{
				Error:   fmt.Errorf("unexpected payload %T", cmd.Payload),
				Message: "internal error: bad switch payload",
			}
		}
		if err := manager.QueueSwitch(sw.Provider, sw.Model, sw.Persist); err != nil {
			return bus.CommandResult{Error: err, Message: err.Error()}
		}
		if sel, applied := manager.ApplyQueuedSwitch(); applied {
			msg := fmt.Sprintf("Primary switched to %s.", sel.Ref())
			if sw.Persist {
				msg = fmt.Sprintf("Primary switched to %s and saved.", sel.Ref())
			}
			return bus.CommandResult{Success: true, Message: msg}
		}
		return bus.CommandResult{
			Success: true,
			Message: fmt.Sprintf("Switch to %s/%s queued; applies at turn exit.", sw.Provider, sw.Model),
		}
	})

	return a, nil
}

// shutdown flushes the JSONL logs and persists the metrics snapshot.
func (a *app) shutdown() {
	SetShuttingDown()
	if a.costLog != nil {
		a.costLog.Close()
	}
	if err := SaveSnapshot(); err != nil {
		L_warn("metrics snapshot failed", "error", err)
	}
}

// watchConfig hot-reloads runtime knobs when relay.json changes on disk.
func (a *app) watchConfig(ctx context.Context) {
	if a.cfg.Path() == "" {
		return // running on built-in defaults, nothing to watch
	}
	w, err := config.NewWatcher(a.cfg.Path())
	if err != nil {
		L_warn("config watcher unavailable", "error", err)
		return
	}
	if err := w.Start(ctx); err != nil {
		L_warn("config watcher failed to start", "error", err)
		return
	}
	bus.SubscribeEvent("config.reloaded", func(ev bus.Event) {
		next, ok := ev.Data.(*config.Config)
		if !ok {
			return
		}
		a.applyReload(next)
	})
}

// applyReload applies the knobs that can change at runtime. Provider
// topology changes (new entries, new keys) still need a restart.
func (a *app) applyReload(next *config.Config) {
	if next.LogLevel != "" {
		SetLevel(ParseLevel(next.LogLevel))
	}
	a.health.SetCooldownOverrides(next.Models.FallbackCooldowns)
	a.registry.SetTimeoutOverrides(next.ToolTimeouts)
	a.manager.Metadata().ApplyOverrides(next.ModelOverrides)
	a.gw.SetPersonality(next.Personality)

	cur := a.manager.Primary()
	if next.Models.PrimaryProvider != cur.Provider || next.Models.PrimaryModel != cur.Model {
		if err := a.manager.QueueSwitch(next.Models.PrimaryProvider, next.Models.PrimaryModel, false); err != nil {
			L_warn("reload: cannot switch primary", "error", err)
		} else {
			L_info("reload: primary switch queued",
				"to", next.Models.PrimaryProvider+"/"+next.Models.PrimaryModel)
		}
	}
	L_info("config reload applied")
}

// oneShot runs a single prompt and prints the final answer to stdout.
func (a *app) oneShot(ctx context.Context, prompt string) error {
	answer, err := a.gw.Speak(ctx, gateway.Request{
		Text:          prompt,
		Context:       cli.Session,
		CorrelationID: "cli",
	})
	if err != nil {
		return err
	}
	fmt.Println(answer)
	return nil
}

// repl reads prompts from stdin until EOF. Slash commands hit the command
// registry; everything else goes through the reasoning loop.
func (a *app) repl(ctx context.Context) {
	fmt.Printf("relay %s (primary %s)\n", version, a.manager.Primary().Ref())
	fmt.Println("Type a prompt, /help for commands, or Ctrl-D to quit.")

	// Turn activity shows as dots so a 50-turn run does not look hung.
	a.gw.SetOnTyping(func(string) { fmt.Fprint(os.Stderr, ".") })

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		if commands.IsCommand(line) {
			res := a.cmds.Execute(ctx, line, cli.Session)
			fmt.Println(strings.TrimRight(res.Text, "\n"))
			continue
		}

		a.speakInterruptible(ctx, interrupts, line)
	}
}

// speakInterruptible runs one prompt; Ctrl-C during the run cancels it via
// the gateway's correlation handle without killing the REPL.
func (a *app) speakInterruptible(ctx context.Context, interrupts <-chan os.Signal, line string) {
	const corrID = "repl"

	type outcome struct {
		answer string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		answer, err := a.gw.Speak(ctx, gateway.Request{
			Text:          line,
			Context:       cli.Session,
			CorrelationID: corrID,
		})
		done <- outcome{answer: answer, err: err}
	}()

	for {
		select {
		case out := <-done:
			fmt.Fprintln(os.Stderr)
			if out.err != nil {
				fmt.Printf("error: %v\n", out.err)
				return
			}
			fmt.Println(out.answer)
			return
		case <-interrupts:
			fmt.Fprintln(os.Stderr, "\n(cancelling run)")
			a.gw.Cancel(corrID)
		}
	}
}

// stderrTraceSink echoes trace events for --trace runs.
func stderrTraceSink(ev trace.Event) {
	switch ev.Phase {
	case trace.PhaseLLMResponse, trace.PhaseThinking, trace.PhaseToolResult:
		// Content-heavy phases stay in trace.jsonl; the terminal gets the
		// control flow.
		fmt.Fprintf(os.Stderr, "[trace] turn=%d %s\n", ev.Turn, ev.Phase)
	default:
		fmt.Fprintf(os.Stderr, "[trace] turn=%d %s %v\n", ev.Turn, ev.Phase, ev.Data)
	}
}
