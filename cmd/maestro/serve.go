package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"maestro/internal/bus"
	"maestro/internal/codex"
	"maestro/internal/comms"
	"maestro/internal/config"
	"maestro/internal/dispatch"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/mission"
	"maestro/internal/operator"
	"maestro/internal/prompts"
	"maestro/internal/state"
	"maestro/internal/team"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator MCP tools on stdio",
	Long: "Starts the codex child, the loopback comms service and the\n" +
		"operator MCP server. The operator channel owns stdout; logs go to\n" +
		"the debug log file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("maestro")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := state.NewStore(
		state.WithDefaultModel(cfg.DefaultModel),
		state.WithLogger(logging.NewComponentLogger("state")),
	)
	msgBus := bus.NewBus(logging.NewComponentLogger("bus"))
	promMetrics := metrics.New(func() int { return len(store.Teams()) })

	adapter := codex.NewAdapter(codex.AdapterConfig{
		Command:      cfg.CodexCommand,
		Args:         cfg.CodexArgs,
		CallDeadline: cfg.CallDeadline,
	}, store, logging.NewComponentLogger("codex"))
	adapter.SetInstructions(func(teamID string, agent state.Agent) string {
		return composeInstructions(store, teamID, agent)
	})
	adapter.SetCallObserver(func(outcome string) {
		promMetrics.AdapterCalls.WithLabelValues(outcome).Inc()
	})
	if err := adapter.Start(ctx); err != nil {
		return err
	}

	commsServer := comms.NewServer(store, msgBus, adapter, promMetrics,
		cfg.CommsHost, logging.NewComponentLogger("comms"))
	commsURL, err := commsServer.Start()
	if err != nil {
		return err
	}
	adapter.SetCommsURL(commsURL)

	teams := team.NewService(store, msgBus, adapter, logging.NewComponentLogger("team"))
	dispatcher := dispatch.NewDispatcher(store, msgBus, adapter,
		cfg.DispatchTimeout, logging.NewComponentLogger("dispatch"))
	missions := mission.NewEngine(store, msgBus, adapter, mission.Config{
		VerifyTimeout: cfg.VerifyTimeout,
		AwaitPoll:     cfg.AwaitPoll,
		AwaitTimeout:  cfg.AwaitTimeout,
		Retention:     cfg.MissionRetention,
		OnTerminal: func(phase mission.Phase) {
			promMetrics.Missions.WithLabelValues(string(phase)).Inc()
		},
	}, logging.NewComponentLogger("mission"))

	operatorServer := operator.NewServer(operator.Deps{
		Store:      store,
		Teams:      teams,
		Dispatcher: dispatcher,
		Missions:   missions,
		Tokens:     adapter,
	}, os.Stdin, os.Stdout, logging.NewComponentLogger("operator"))

	logger.Info("serving operator tools (comms at %s)", commsURL)
	runErr := operatorServer.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := commsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("comms shutdown: %v", err)
	}
	if err := adapter.Shutdown(shutdownCtx); err != nil {
		logger.Warn("adapter shutdown: %v", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// composeInstructions renders an agent's standing instructions from the
// live roster. Leads additionally see the other teams.
func composeInstructions(store *state.Store, teamID string, agent state.Agent) string {
	in := prompts.ComposeInput{Agent: agent, Addendum: agent.Instructions}
	if snapshot, err := store.Team(teamID); err == nil {
		in.Team = &snapshot
		for _, other := range store.Teams() {
			if other.ID != teamID {
				in.Others = append(in.Others, other)
			}
		}
	}
	return prompts.Compose(in)
}
