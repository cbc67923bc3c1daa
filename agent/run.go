package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sentinel-agent/agent/internal/apiclient"
	"sentinel-agent/agent/internal/command"
	"sentinel-agent/agent/internal/config"
	"sentinel-agent/agent/internal/connection"
	"sentinel-agent/agent/internal/db"
	"sentinel-agent/agent/internal/dedupe"
	"sentinel-agent/agent/internal/diagnose"
	"sentinel-agent/agent/internal/discovery"
	"sentinel-agent/agent/internal/heartbeat"
	"sentinel-agent/agent/internal/identity"
	"sentinel-agent/agent/internal/logger"
	"sentinel-agent/agent/internal/policy"
	"sentinel-agent/agent/internal/privilege"
	"sentinel-agent/agent/internal/process"
	"sentinel-agent/agent/internal/queue"
	"sentinel-agent/agent/internal/report"
	"sentinel-agent/agent/internal/script"
	"sentinel-agent/agent/internal/supervisor"

	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const finalFlushTimeout = 10 * time.Second

func loadConfig() (config.AppConfig, error) {
	return config.NewLoader(flagConfigPath).Load()
}

func doRun(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(flagConfigPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	log, closer, err := logger.New(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closer.Close()

	loader.Watch(func(next config.AppConfig, e fsnotify.Event) {
		lvl := logger.SetLevel(next.LogLevel)
		log.Info().Str("file", e.Name).Str("level", lvl.String()).Msg("configuration reloaded")
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	a, err := newAgent(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	log.Info().
		Str("control_plane", cfg.ControlPlaneURL).
		Str("channel_mode", cfg.Channel.Mode).
		Str("version", cfg.Version).
		Bool("elevated", privilege.IsElevated()).
		Msg("agent starting")

	err = a.run(ctx)

	flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if st, ferr := a.reporter.Flush(flushCtx); ferr != nil {
		log.Warn().Err(ferr).Msg("final report flush incomplete")
	} else if st.Reported > 0 {
		log.Info().Int("reported", st.Reported).Msg("final report flush")
	}
	log.Info().Msg("agent stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// agent holds the wired components for one process lifetime.
type agent struct {
	cfg        config.AppConfig
	log        zerolog.Logger
	store      *db.Store
	commands   *queue.Queue[command.Command]
	dispatcher *command.Dispatcher
	policies   *policy.Orchestrator
	reporter   *report.Reporter
	discovery  *discovery.Orchestrator
	channel    *connection.Manager
	heartbeat  *heartbeat.Sender
	legacy     *command.Legacy
	inline     sync.WaitGroup
}

func newAgent(ctx context.Context, cfg config.AppConfig, store *db.Store, log zerolog.Logger) (*agent, error) {
	a := &agent{cfg: cfg, log: log, store: store, commands: queue.New[command.Command]()}

	base, err := apiclient.New(cfg.ControlPlaneURL, cfg.HTTPTimeout, logger.Component(log, "api"))
	if err != nil {
		return nil, err
	}
	host := identity.DescribeHost(ctx, cfg.Version)
	ids := identity.NewRegistrar(store, base, host, logger.Component(log, "identity"))
	api := base.WithAuth(ids)

	scripts := script.NewService(
		process.NewExecutor(logger.Component(log, "process")),
		script.HostPlatform(),
		logger.Component(log, "script"),
		cfg.Script,
	)

	a.reporter = report.New(report.RetryPolicy{
		MaxAttempts: cfg.Report.MaxAttempts,
		BaseDelay:   cfg.Report.BaseDelay,
		MaxDelay:    cfg.Report.MaxDelay,
	}, store, cfg.Report.BatchSize, logger.Component(log, "report"))

	runner := policy.NewRunner(scripts, store, logger.Component(log, "policy"), policy.RunnerOptions{
		OnFinalized: func(policy.ExecutionResult) { a.reporter.Notify() },
	})
	a.policies = policy.NewOrchestrator(store, runner, api, ids, logger.Component(log, "policy"))
	a.reporter.Register(a.policies.ReportChannel(store.PolicyResults()))
	a.reporter.Register(command.ReportChannel(api, store.CommandResults()))

	a.discovery = discovery.New(discovery.DefaultCollectors(), store, api, ids, cfg.Version, logger.Component(log, "discovery"))

	registry := command.NewRegistry()
	command.RegisterDefaults(registry, scripts, a.discovery, a.policies)
	a.dispatcher = command.NewDispatcher(registry, store, logger.Component(log, "command"), a.reporter.Notify)

	if cfg.Channel.Mode == config.ChannelModeLegacy {
		a.legacy = command.NewLegacy(scripts, api, ids, logger.Component(log, "legacy"))
	}

	a.channel = connection.New(cfg.WebSocketURL(), ids, newDedupe(ctx, cfg.Redis, log), a.intake, logger.Component(log, "channel"), connection.Options{
		ReconnectDelay: cfg.Channel.ReconnectDelay,
		PingInterval:   cfg.Channel.PingInterval,
	})
	a.heartbeat = heartbeat.New(api, ids, heartbeat.Options{
		Version:   cfg.Version,
		Hostname:  host.Hostname,
		Active:    a.policies.Active,
		Connected: a.channel.IsConnected,
		Deliver:   a.channel.Deliver,
	}, logger.Component(log, "heartbeat"))
	return a, nil
}

func newDedupe(ctx context.Context, cfg config.Redis, log zerolog.Logger) dedupe.Set {
	if cfg.Addr == "" {
		return dedupe.NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable, command ids are checked fail-open until it recovers")
	}
	return dedupe.NewRedis(client, "sentinel:cmd:")
}

// intake routes a de-duplicated command to exactly one path. In legacy mode
// shell commands run inline and report directly; everything else is queued.
func (a *agent) intake(ctx context.Context, cmd command.Command) {
	if a.legacy != nil && cmd.Type == command.TypeShell {
		a.inline.Add(1)
		go func() {
			defer a.inline.Done()
			if err := a.legacy.Handle(ctx, cmd); err != nil {
				a.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("legacy command failed")
			}
		}()
		return
	}
	if err := a.commands.Push(cmd); err != nil {
		a.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("command queue closed, dropping command")
	}
}

func (a *agent) run(ctx context.Context) error {
	defer a.inline.Wait()

	if err := a.policies.Recover(ctx); err != nil {
		a.log.Error().Err(err).Msg("policy recovery failed")
	}

	discoveryInterval := time.Duration(0)
	if a.cfg.Discovery.Enabled {
		discoveryInterval = a.cfg.Discovery.Interval
	}

	sup := supervisor.New(a.cfg.RestartDelay, logger.Component(a.log, "supervisor"))
	return sup.Run(ctx,
		supervisor.Loop{Name: "channel", Run: a.channel.Run},
		supervisor.Loop{Name: "commands", Run: func(ctx context.Context) error { return a.dispatcher.Run(ctx, a.commands) }},
		supervisor.Loop{Name: "policy-poller", Run: func(ctx context.Context) error { return a.policies.RunPoller(ctx, a.cfg.PollInterval) }},
		supervisor.Loop{Name: "policy-workers", Run: a.policies.RunWorkers},
		supervisor.Loop{Name: "reporter", Run: func(ctx context.Context) error { return a.reporter.Run(ctx, a.cfg.Report.Interval) }},
		supervisor.Loop{Name: "retention", Run: func(ctx context.Context) error {
			return a.reporter.RunRetention(ctx, a.store, a.cfg.Report.Retention, a.cfg.Report.PruneInterval)
		}},
		supervisor.Loop{Name: "discovery", Run: func(ctx context.Context) error { return a.discovery.Run(ctx, discoveryInterval) }},
		supervisor.Loop{Name: "heartbeat", Run: func(ctx context.Context) error { return a.heartbeat.Run(ctx, a.cfg.HeartbeatInterval) }},
	)
}

func doDiagnose(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	scripts := script.NewService(process.NewExecutor(zerolog.Nop()), script.HostPlatform(), zerolog.Nop(), cfg.Script)
	probe := func(ctx context.Context) (diagnose.Snapshot, error) {
		snap := diagnose.Snapshot{
			ControlPlaneURL: cfg.ControlPlaneURL,
			ChannelMode:     cfg.Channel.Mode,
			Store:           cfg.DBDriver + " " + cfg.DBDSN,
			Elevated:        privilege.IsElevated(),
			Capabilities:    scripts.Capabilities(ctx),
		}
		var err error
		if snap.PendingPolicyResults, err = store.PolicyResults().CountUnreported(ctx); err != nil {
			return snap, fmt.Errorf("count policy results: %w", err)
		}
		if snap.PendingCommandResults, err = store.CommandResults().CountUnreported(ctx); err != nil {
			return snap, fmt.Errorf("count command results: %w", err)
		}
		return snap, nil
	}

	if flagInteractive {
		return diagnose.Run(cmd.Context(), probe)
	}
	snap, err := probe(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), diagnose.Render(snap))
	return nil
}
