package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskmesh/config"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/orchestrator"
	"github.com/vinayprograms/taskmesh/ratelimit"
	"github.com/vinayprograms/taskmesh/server"
	"github.com/vinayprograms/taskmesh/shutdown"
)

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		Long: `Run the orchestrator: task lifecycle, agent registry, dispatcher,
heartbeat monitor and the HTTP/websocket API.

Examples:
  taskmeshd serve
  taskmeshd serve --config /etc/taskmesh/taskmesh.toml --listen :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, used, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			return runServe(cmd.Context(), cfg, used)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides server.listen)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, used string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))
	log := logger.WithComponent("taskmeshd")
	if used != "" {
		log.Info("config loaded", map[string]interface{}{"path": used})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Close(context.Background())
		return err
	}

	var opts []server.Option
	if cfg.Server.CreateRate > 0 {
		limiter, err := createLimiter(cfg, svc)
		if err != nil {
			svc.Close(context.Background())
			return err
		}
		defer limiter.Close()
		opts = append(opts, server.WithCreateLimiter(limiter))
	}
	srv := server.New(cfg.Server, svc, svc.Events(), logger, opts...)

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout: cfg.Server.ShutdownTimeout,
		Logger:  logger,
	})
	coord.RegisterFunc("http", shutdown.PhaseIntake, srv.Shutdown)
	svc.RegisterShutdown(coord)
	stop := coord.HandleSignals()
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", map[string]interface{}{"error": err.Error()})
			coord.ShutdownWithTimeout()
			return fmt.Errorf("serve: %w", err)
		}
	case <-coord.Done():
	}
	<-coord.Done()
	cancel()

	if r := coord.Result(); r != nil {
		log.Info("shutdown complete", map[string]interface{}{
			"duration": r.TotalDuration.String(),
			"failed":   r.FailedHandlers(),
		})
	}
	return coord.Err()
}

// createLimiter shares counters through the KV bucket on the nats backend
// so every daemon enforces one limit.
func createLimiter(cfg *config.Config, svc *orchestrator.Service) (ratelimit.Limiter, error) {
	rc := ratelimit.Config{Capacity: cfg.Server.CreateRate, Window: cfg.Server.CreateWindow}
	if cfg.Store.Backend == config.StoreNATS {
		return ratelimit.NewKVLimiter(svc.StateStore(), "tasks", rc, nil)
	}
	return ratelimit.NewMemoryLimiter(rc, nil)
}
