package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/corralhq/corral/pkg/api"
	"github.com/corralhq/corral/pkg/command"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/doctor"
	"github.com/corralhq/corral/pkg/events"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/queue"
	"github.com/corralhq/corral/pkg/registry"
	"github.com/corralhq/corral/pkg/scaler"
	"github.com/corralhq/corral/pkg/store"
	"github.com/corralhq/corral/pkg/vision"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane server",
	Long: `Start the Corral control plane: HTTP/WebSocket API, node
registry, job queue, vision scheduler, auto-scaler, doctor loop,
and metrics collector. State lives in Redis; workers and operator
dashboards connect over HTTP.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file (overrides CONFIG_FILE)")
	serverCmd.Flags().String("listen", "", "Listen address (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("listen", cfg.ListenAddr).Msg("Starting Corral control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewRedisStore(ctx, cfg.StateStoreURL)
	if err != nil {
		return fmt.Errorf("failed to connect to state store: %v", err)
	}
	defer st.Close()
	logger.Info().Str("url", cfg.StateStoreURL).Msg("Connected to state store")

	bus := events.NewBus(st)
	reg := registry.New(st, bus, cfg.HeartbeatTTL())
	q := queue.New(st, bus)
	visionSched := vision.NewScheduler(st, bus, vision.NewHTTPWorkerClient())
	autoScaler := scaler.New(st, bus, reg, q, cfg.Scaler)

	// The doctor's remediation actions POST back to this process's
	// own maintenance endpoints
	executor := doctor.NewExecutor("http://127.0.0.1" + cfg.ListenAddr)
	llm := doctor.NewOllamaClient(cfg.LLM.Endpoint, cfg.LLM.Model)
	doc := doctor.New(st, bus, reg, q, llm, executor, cfg.Doctor)

	collector := metrics.NewCollector(reg, q, visionSched, doc, autoScaler)

	server := api.NewServer(api.Deps{
		Store:      st,
		Registry:   reg,
		Queue:      q,
		Vision:     visionSched,
		Doctor:     doc,
		Scaler:     autoScaler,
		Dispatcher: command.NewDispatcher(st),
	})

	visionSched.Start(ctx)
	autoScaler.Start(ctx)
	doc.Start(ctx)
	collector.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown failed")
	}

	collector.Stop()
	doc.Stop()
	autoScaler.Stop()
	visionSched.Stop()
	cancel()

	logger.Info().Msg("Shutdown complete")
	return nil
}
