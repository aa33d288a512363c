// orchestratorctl is the operator-facing entrypoint for the orchestration
// core (spec.md §6 CLI surface): a single binary that either runs the full
// scheduling/maintenance loop ("serve") or performs a one-shot operation
// directly against the embedded store, mirroring the teacher's cmd/dbctl
// one-action-per-invocation style generalized to a positional subcommand
// per spec.md's larger surface (task/agent/status/gate/pr/events).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/swarmctl/orchestrator/internal/accountability"
	"github.com/swarmctl/orchestrator/internal/agent"
	"github.com/swarmctl/orchestrator/internal/agentregistry"
	"github.com/swarmctl/orchestrator/internal/config"
	"github.com/swarmctl/orchestrator/internal/confidence"
	"github.com/swarmctl/orchestrator/internal/events"
	"github.com/swarmctl/orchestrator/internal/httpapi"
	"github.com/swarmctl/orchestrator/internal/nats"
	"github.com/swarmctl/orchestrator/internal/orcherr"
	"github.com/swarmctl/orchestrator/internal/orchestrator"
	"github.com/swarmctl/orchestrator/internal/qualitygate"
	"github.com/swarmctl/orchestrator/internal/store"
	"github.com/swarmctl/orchestrator/internal/tasks"
	"github.com/swarmctl/orchestrator/internal/vcs"
)

// Exit codes per spec.md §6: 0 success, 1 generic failure, 2 invariant
// violation, 3 quality gate blocked.
const (
	exitOK        = 0
	exitFailure   = 1
	exitInvariant = 2
	exitGateBlock = 3
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: maxprocs: %v\n", err)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitFailure)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	var err error
	switch cmd {
	case "serve":
		err = runServe(args, log)
	case "task":
		err = runTask(args)
	case "agent":
		err = runAgent(args)
	case "status":
		err = runStatus(args)
	case "gate":
		err = runGate(args)
	case "pr":
		err = runPR(args, log)
	case "events":
		err = runEvents(args)
	case "-h", "--help", "help":
		usage()
		os.Exit(exitOK)
	default:
		fmt.Fprintf(os.Stderr, "orchestratorctl: unknown command %q\n", cmd)
		usage()
		os.Exit(exitFailure)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratorctl: %v\n", err)
		switch {
		case orcherr.IsInvariant(err):
			os.Exit(exitInvariant)
		case orcherr.IsGateBlocked(err):
			os.Exit(exitGateBlock)
		default:
			os.Exit(exitFailure)
		}
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: orchestratorctl <command> [flags]

commands:
  serve                 run the scheduling and maintenance loop
  task add|list|cancel  manage the task queue
  agent register|list|heartbeat|sleep|wake   manage registered agents
  status                print a summary of tasks and agents
  gate check <file>     evaluate a quality-gate artifact JSON file
  pr integrate <id>     merge a single PR through the integration pipeline
  pr batch <prefix>     integrate every open PR matching a branch prefix
  events tail|history    print durably-stored events`)
}

// openStore opens the embedded database at the path named by -db, the same
// flag name the teacher's cmd/dbctl used.
func openStore(fs *flag.FlagSet, args []string, log zerolog.Logger) (*store.Store, error) {
	dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return store.Open(*dbPath, log)
}

// --- serve ---------------------------------------------------------------

func runServe(args []string, log zerolog.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
	configPath := fs.String("config", "", "optional YAML config overlay")
	httpAddr := fs.String("http-addr", ":8080", "operator HTTP surface listen address")
	natsPort := fs.Int("nats-port", 4222, "embedded NATS server port")
	natsWSPort := fs.Int("nats-ws-port", 0, "embedded NATS websocket port (0 disables)")
	repoPath := fs.String("repo", "", "local git repository path for PR integration (empty disables it)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		cfg, err = config.LoadYAML(data)
		if err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}

	st, err := store.Open(*dbPath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	natsSrv, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{
		Port:          *natsPort,
		WebSocketPort: *natsWSPort,
	})
	if err != nil {
		return fmt.Errorf("configure nats server: %w", err)
	}
	if err := natsSrv.Start(); err != nil {
		return fmt.Errorf("start nats server: %w", err)
	}
	defer natsSrv.Shutdown()

	natsClient, err := nats.NewClient(natsSrv.URL())
	if err != nil {
		return fmt.Errorf("connect to embedded nats: %w", err)
	}

	bus := events.NewBus(events.Config{
		BufferSize:    cfg.EventBuffer,
		FlushInterval: cfg.FlushInterval,
		BatchSize:     cfg.BatchSize,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
	}, st, log)

	hub := events.NewHub(false, log)
	go hub.Run()
	bus.Subscribe("websocket-hub", hub.BroadcastBatch)

	queue := tasks.NewQueue(cfg.QueueMaxSize)
	transport := agent.NewRemoteAgent(natsClient, cfg.AgentStartupTimeout)
	registry := agentregistry.New(agentregistry.Config{
		HeartbeatInterval:      cfg.HeartbeatInterval,
		TimeoutThreshold:       cfg.TimeoutThreshold,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		MaxRecoveryAttempts:    cfg.MaxRecoveryAttempts,
		AgentStartupTimeout:    cfg.AgentStartupTimeout,
	}, transport, st, bus, log)

	tracker := confidence.New(st, cfg, log)
	gate := qualitygate.New(qualitygate.Config{
		MaxPRSize:             cfg.MaxPRSize,
		MinCoverage:           cfg.MinCoverage,
		CriticalCoverageFloor: qualitygate.DefaultConfig().CriticalCoverageFloor,
		MaxComplexity:         qualitygate.DefaultConfig().MaxComplexity,
		TestFileSuffix:        qualitygate.DefaultConfig().TestFileSuffix,
	})

	var integrator *vcs.PRIntegrator
	if *repoPath != "" {
		gw := vcs.NewLocalGateway(*repoPath)
		integrator, err = vcs.NewPRIntegrator(gw, gate, bus, []string{`^task/`}, log)
		if err != nil {
			return fmt.Errorf("configure pr integrator: %w", err)
		}
	}

	accEngine := accountability.New(queue, registry, st, bus, time.Minute, log)
	reports := make(chan agent.Report, 256)

	o := orchestrator.New(cfg, queue, bus, st, registry, tracker, gate, integrator, accEngine, transport, reports, log)

	apiServer := httpapi.New(*httpAddr, queue, registry, gate, st, hub, log)
	apiServer.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining orchestrator")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := o.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("orchestrator shutdown error")
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	return <-runErr
}

// --- task ------------------------------------------------------------------

func runTask(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("task requires a subcommand: add|list|cancel")
	}
	log := zerolog.Nop()
	sub, rest := args[0], args[1:]

	switch sub {
	case "add":
		fs := flag.NewFlagSet("task add", flag.ExitOnError)
		taskType := fs.String("type", "", "capability tag required to run this task")
		description := fs.String("description", "", "human-readable task description")
		priority := fs.Int("priority", 0, "scheduling priority, higher runs first")
		dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *taskType == "" {
			return fmt.Errorf("-type is required")
		}
		st, err := store.Open(*dbPath, log)
		if err != nil {
			return err
		}
		defer st.Close()

		t := tasks.NewTask("", *taskType, *description, *priority)
		if err := st.PutTask(t); err != nil {
			return err
		}
		fmt.Println(t.ID)
		return nil

	case "list":
		fs := flag.NewFlagSet("task list", flag.ExitOnError)
		status := fs.String("status", "", "filter by status (empty lists every status)")
		dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		st, err := store.Open(*dbPath, log)
		if err != nil {
			return err
		}
		defer st.Close()

		var all []*tasks.Task
		if *status != "" {
			got, err := st.ListTasksByStatus(tasks.Status(*status))
			if err != nil {
				return err
			}
			all = got
		} else {
			for _, s := range []tasks.Status{
				tasks.StatusPending, tasks.StatusWaitingDependency, tasks.StatusAssigned,
				tasks.StatusInProgress, tasks.StatusCompleted, tasks.StatusFailed,
				tasks.StatusCancelled, tasks.StatusBlocked,
			} {
				got, err := st.ListTasksByStatus(s)
				if err != nil {
					return err
				}
				all = append(all, got...)
			}
		}
		return printJSON(all)

	case "cancel":
		fs := flag.NewFlagSet("task cancel", flag.ExitOnError)
		dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() < 1 {
			return fmt.Errorf("task cancel requires a task id")
		}
		st, err := store.Open(*dbPath, log)
		if err != nil {
			return err
		}
		defer st.Close()

		t, err := st.GetTask(fs.Arg(0))
		if err != nil {
			return err
		}
		t.Status = tasks.StatusCancelled
		return st.PutTask(t)

	default:
		return fmt.Errorf("unknown task subcommand %q", sub)
	}
}

// --- agent -------------------------------------------------------------

func runAgent(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("agent requires a subcommand: register|list|heartbeat|sleep|wake")
	}
	log := zerolog.Nop()
	sub, rest := args[0], args[1:]

	switch sub {
	case "register":
		fs := flag.NewFlagSet("agent register", flag.ExitOnError)
		id := fs.String("id", "", "agent id")
		caps := fs.String("capabilities", "", "comma-separated capability tags")
		dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *id == "" {
			return fmt.Errorf("-id is required")
		}
		st, err := store.Open(*dbPath, log)
		if err != nil {
			return err
		}
		defer st.Close()

		a := agentregistry.NewAgent(*id, splitCSV(*caps))
		return st.PutAgent(a)

	case "list":
		fs := flag.NewFlagSet("agent list", flag.ExitOnError)
		dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		st, err := store.Open(*dbPath, log)
		if err != nil {
			return err
		}
		defer st.Close()

		all, err := st.ListAgents()
		if err != nil {
			return err
		}
		return printJSON(all)

	case "heartbeat":
		fs := flag.NewFlagSet("agent heartbeat", flag.ExitOnError)
		dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() < 1 {
			return fmt.Errorf("agent heartbeat requires an agent id")
		}
		st, err := store.Open(*dbPath, log)
		if err != nil {
			return err
		}
		defer st.Close()

		a, err := st.GetAgent(fs.Arg(0))
		if err != nil {
			return err
		}
		a.LastHeartbeat = time.Now()
		return st.PutAgent(a)

	case "sleep":
		fs := flag.NewFlagSet("agent sleep", flag.ExitOnError)
		payload := fs.String("payload", "", "memory snapshot payload to persist")
		dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() < 1 {
			return fmt.Errorf("agent sleep requires an agent id")
		}
		st, err := store.Open(*dbPath, log)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.SaveMemorySnapshot(fs.Arg(0), "sleep", *payload)

	case "wake":
		fs := flag.NewFlagSet("agent wake", flag.ExitOnError)
		dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() < 1 {
			return fmt.Errorf("agent wake requires an agent id")
		}
		st, err := store.Open(*dbPath, log)
		if err != nil {
			return err
		}
		defer st.Close()

		payload, found, err := st.LatestMemorySnapshot(fs.Arg(0))
		if err != nil {
			return err
		}
		if !found {
			fmt.Println("")
			return nil
		}
		fmt.Println(payload)
		return nil

	default:
		return fmt.Errorf("unknown agent subcommand %q", sub)
	}
}

// --- status --------------------------------------------------------------

type statusReport struct {
	TasksByStatus map[string]int `json:"tasks_by_status"`
	Agents        int            `json:"agents"`
	AgentsByState map[string]int `json:"agents_by_state"`
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	log := zerolog.Nop()
	st, err := openStore(fs, args, log)
	if err != nil {
		return err
	}
	defer st.Close()

	report := statusReport{TasksByStatus: map[string]int{}, AgentsByState: map[string]int{}}
	for _, s := range []tasks.Status{
		tasks.StatusPending, tasks.StatusWaitingDependency, tasks.StatusAssigned,
		tasks.StatusInProgress, tasks.StatusCompleted, tasks.StatusFailed,
		tasks.StatusCancelled, tasks.StatusBlocked,
	} {
		got, err := st.ListTasksByStatus(s)
		if err != nil {
			return err
		}
		report.TasksByStatus[string(s)] = len(got)
	}

	agents, err := st.ListAgents()
	if err != nil {
		return err
	}
	report.Agents = len(agents)
	for _, a := range agents {
		report.AgentsByState[string(a.State)]++
	}

	return printJSON(report)
}

// --- gate ------------------------------------------------------------------

func runGate(args []string) error {
	if len(args) < 1 || args[0] != "check" {
		return fmt.Errorf("usage: gate check <artifact.json>")
	}
	fs := flag.NewFlagSet("gate check", flag.ExitOnError)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("gate check requires a path to an artifact JSON file")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read artifact: %w", err)
	}
	var artifact qualitygate.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return fmt.Errorf("parse artifact: %w", err)
	}

	gate := qualitygate.New(qualitygate.DefaultConfig())
	result := gate.Evaluate(artifact)
	if err := printJSON(result); err != nil {
		return err
	}
	if result.Decision == qualitygate.Block {
		return orcherr.GateBlocked("orchestratorctl", fmt.Sprintf("artifact blocked: %v", result.Issues))
	}
	return nil
}

// --- pr ----------------------------------------------------------------

func runPR(args []string, log zerolog.Logger) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: pr integrate <id> | pr batch <branch-prefix>")
	}
	fs := flag.NewFlagSet("pr", flag.ExitOnError)
	repoPath := fs.String("repo", ".", "local git repository path")
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}

	gw := vcs.NewLocalGateway(*repoPath)
	gate := qualitygate.New(qualitygate.DefaultConfig())
	bus := events.NewBus(events.Config{}, nil, log)
	defer bus.Close(context.Background())
	integrator, err := vcs.NewPRIntegrator(gw, gate, bus, []string{`^task/`}, log)
	if err != nil {
		return err
	}

	switch args[0] {
	case "integrate":
		outcome, err := integrator.Integrate(args[1])
		if err != nil {
			printJSON(outcome)
			return err
		}
		return printJSON(outcome)

	case "batch":
		outcomes, err := integrator.IntegrateReady(args[1])
		if err != nil {
			return err
		}
		return printJSON(outcomes)

	default:
		return fmt.Errorf("unknown pr subcommand %q", args[0])
	}
}

// --- events ------------------------------------------------------------

func runEvents(args []string) error {
	if len(args) < 1 || args[0] != "history" {
		return fmt.Errorf("usage: events history [-type <event-type>] [-since <RFC3339>]")
	}
	fs := flag.NewFlagSet("events history", flag.ExitOnError)
	typeFilter := fs.String("type", "", "filter by event type")
	since := fs.String("since", "", "RFC3339 timestamp; defaults to one hour ago")
	dbPath := fs.String("db", "data/orchestrator.db", "path to the sqlite database")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cutoff := time.Now().Add(-time.Hour)
	if *since != "" {
		parsed, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			return fmt.Errorf("parse -since: %w", err)
		}
		cutoff = parsed
	}

	log := zerolog.Nop()
	st, err := store.Open(*dbPath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	evs, err := st.ListEventsSince(cutoff)
	if err != nil {
		return err
	}
	if *typeFilter != "" {
		filtered := make([]*events.Event, 0, len(evs))
		for _, e := range evs {
			if string(e.Type) == *typeFilter {
				filtered = append(filtered, e)
			}
		}
		evs = filtered
	}
	return printJSON(evs)
}

// --- shared helpers ------------------------------------------------------

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
