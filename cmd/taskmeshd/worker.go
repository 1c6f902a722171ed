package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskmesh/bus"
	"github.com/vinayprograms/taskmesh/config"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/tasks"
	"github.com/vinayprograms/taskmesh/worker"
)

// workerCmd runs an agent that echoes each task back as its result. It is
// meant for smoke-testing a deployment's dispatch path.
func workerCmd() *cobra.Command {
	var (
		agentID  string
		capacity int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an echo agent against the orchestrator's NATS bus",
		Long: `Run an agent that completes every task it receives with an echo of
the task's type and context. The agent must already be registered.

Examples:
  taskmeshd worker --agent writer-1
  TASKMESH_NATS_URL=nats://nats:4222 taskmeshd worker --agent writer-1 --capacity 4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.NATS.URL == "" {
				return fmt.Errorf("worker needs nats.url (or %s)", config.EnvNATSURL)
			}
			logger := logging.New()
			logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

			natsCfg := bus.DefaultNATSConfig()
			natsCfg.URL = cfg.NATS.URL
			natsCfg.Name = "taskmesh-worker-" + agentID
			natsCfg.Token = cfg.NATS.Token
			natsCfg.User = cfg.NATS.User
			natsCfg.Password = cfg.NATS.Password
			msgBus, err := bus.NewNATSBus(natsCfg)
			if err != nil {
				return err
			}
			defer msgBus.Close()

			w, err := worker.New(msgBus, worker.Config{AgentID: agentID, Capacity: capacity}, echo,
				worker.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := w.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return w.Stop()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "registered agent id")
	cmd.Flags().IntVar(&capacity, "capacity", 1, "tasks run at once")
	cmd.MarkFlagRequired("agent")
	return cmd
}

func echo(_ context.Context, msg *tasks.TaskMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"type":    msg.Type,
		"attempt": msg.Attempt,
		"context": msg.Context,
	})
}
