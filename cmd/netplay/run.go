package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/netplay-project/netplay/internal/api"
	"github.com/netplay-project/netplay/internal/cli"
	"github.com/netplay-project/netplay/internal/config"
	"github.com/netplay-project/netplay/internal/connector"
	"github.com/netplay-project/netplay/internal/db"
	"github.com/netplay-project/netplay/internal/events"
	"github.com/netplay-project/netplay/internal/facts"
	"github.com/netplay-project/netplay/internal/game"
	"github.com/netplay-project/netplay/internal/health"
	"github.com/netplay-project/netplay/internal/scheduler"
	"github.com/netplay-project/netplay/internal/telemetry"
	"github.com/netplay-project/netplay/internal/util"
)

func runCmd() *cobra.Command {
	var (
		configDir string
		noConsole bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured server and run the client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(configDir, !noConsole)
		},
	}

	cmd.Flags().StringVarP(&configDir, "config-dir", "c", config.DefaultConfigDir, "directory holding config.json")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read commands from stdin")

	return cmd
}

func runClient(configDir string, console bool) error {
	printBanner()

	// Initialize logger with defaults first (will be reconfigured after config load)
	logCloser, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting netplay")

	cfg, err := config.Load(configDir)
	if err != nil {
		logCloser.Close()
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logging := cfg.GetLogging()
	if closer, err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else {
		logCloser.Close()
		logCloser = closer
	}
	defer logCloser.Close()

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if !cfg.IsFirstRun() {
			return fmt.Errorf("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core components
	eventBus := events.NewEventBus()
	metrics := telemetry.NewMetrics()
	client := connector.NewClient(connector.SettingsFromConfig(cfg), eventBus, metrics)
	conn := cfg.GetConnection()

	// Facts already known on this profile survive restarts.
	var persister facts.Persister
	var factsDB *db.FactsDatabase
	if storage := cfg.GetStorage(); storage.Enabled {
		factsDB, err = db.NewFactsDatabase(storage.DatabasePath, db.ProfileKey(conn.Username, conn.Host, conn.Port))
		if err != nil {
			log.Warn().Err(err).Msg("fact database unavailable, facts are kept in memory only")
		} else {
			persister = factsDB
			defer factsDB.Close()
		}
	}
	store := facts.NewStore(persister)
	if _, err := store.Bootstrap(); err != nil {
		log.Warn().Err(err).Msg("failed to restore facts")
	}
	relay := facts.NewRelay(store, client, eventBus, metrics)
	if factsDB != nil {
		if _, err := relay.Restore(factsDB); err != nil {
			log.Warn().Err(err).Msg("failed to restore pending facts")
		}
	}

	session := game.NewSession(client, relay)
	dispatcher := connector.NewDispatcher(client.Inbox(), metrics)
	session.Attach(dispatcher, eventBus)

	supervisor := connector.NewSupervisor(client, func() connector.Params {
		return connector.ParamsFromConfig(cfg.GetConnection())
	}, cfg.GetReconnect(), conn.AutoReconnect, metrics)

	healthMgr := health.NewManager(cfg.GetTimers(), client, client.Inbox(), relay, metrics)

	sched := scheduler.NewScheduler()
	addJobs(sched, cfg, client, relay, factsDB)

	var apiServer *api.Server
	if cfg.GetAPI().Enabled {
		apiServer = api.NewServer(api.Deps{
			Config:     cfg,
			Client:     client,
			Supervisor: supervisor,
			Relay:      relay,
			Metrics:    metrics,
			Version:    version,
		})
	}

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg.GetMQTT(), eventBus, version)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var consoleUI *cli.CLI
	if console {
		consoleUI = cli.NewCLI(cli.Deps{
			Config:     cfg,
			Client:     client,
			Supervisor: supervisor,
			Session:    session,
			Relay:      relay,
		}, os.Stdin, os.Stdout)
	}

	// 'quit' on the console arrives as a shutdown event.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		select {
		case quitCh <- struct{}{}:
		default:
		}
		return nil
	})

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup

	// Task 1: connection supervisor (initial connect, reconnects)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Bool("auto_connect", conn.AutoConnect).Msg("starting connection supervisor")
		supervisor.Run(ctx, conn.AutoConnect)
	}()

	// Task 2: frame loop, the only place listeners run
	wg.Add(1)
	go func() {
		defer wg.Done()
		timers := cfg.GetTimers()
		dispatcher.Run(ctx, timers.FrameTick(), cfg.GetInbox().PumpBatch)
	}()

	// Task 3: local API (with retry for port binding)
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", cfg.GetAPI().Port).Msg("starting local API")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	// Task 4: health checks
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	// Task 5: MQTT telemetry
	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// Task 6: scheduler (database maintenance, stats)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	// Task 7: interactive console. It is not waited for: a blocked stdin
	// read cannot be interrupted.
	if consoleUI != nil {
		go consoleUI.Start(ctx)
	}

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		// Shutdown handlers, e.g. the MQTT status message, finish before
		// the tasks are cancelled.
		if err := eventBus.EmitSync(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "main",
		}); err != nil {
			log.Warn().Err(err).Msg("shutdown handler failed")
		}
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Stop the event bus last
	eventBus.Stop()

	log.Info().Msg("netplay stopped")
	return nil
}

// addJobs registers the periodic maintenance jobs.
func addJobs(sched *scheduler.Scheduler, cfg *config.Config, client *connector.Client, relay *facts.Relay, factsDB *db.FactsDatabase) {
	if factsDB != nil && cfg.GetStorage().MaintenanceTime != "" {
		err := sched.Add(scheduler.Job{
			Name: "facts-maintenance",
			At:   cfg.GetStorage().MaintenanceTime,
			Run: func(ctx context.Context) error {
				report, err := factsDB.Maintain()
				if err != nil {
					return err
				}
				log.Info().
					Int("facts", report.Facts).
					Str("size_before", scheduler.FormatBytes(report.SizeBefore)).
					Str("size_after", scheduler.FormatBytes(report.SizeAfter)).
					Dur("took", report.Duration).
					Msg("fact database maintained")
				return nil
			},
		})
		if err != nil {
			log.Warn().Err(err).Msg("fact database maintenance not scheduled")
		}
	}

	sched.Add(scheduler.Job{
		Name:  "session-stats",
		Every: time.Hour,
		Run: func(ctx context.Context) error {
			st := client.Status()
			log.Info().
				Str("state", st.State.String()).
				Int("inbox_depth", st.InboxDepth).
				Int("facts_known", relay.Store().Len()).
				Int("facts_pending", len(relay.Outstanding())).
				Msg("hourly session stats")
			return nil
		},
	})
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
// Uses a fixed 3-second interval between retries.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
