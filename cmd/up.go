package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"stackctl/internal/config"
	"stackctl/internal/descriptor"
	"stackctl/internal/orchestrator"
	"stackctl/internal/runner"
	"stackctl/internal/supervisor"
	"stackctl/pkg/logging"
)

func newUpCmd() *cobra.Command {
	var (
		file        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the deployment and supervise it until interrupted",
		Long: `Loads and validates the declaration, then launches services batch by
batch in dependency order. The process stays in the foreground
supervising the deployment; Ctrl-C tears everything down in reverse
dependency order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			logging.Init(logging.ParseLevel(settings.LogLevel), settings.LogFormat, os.Stderr)

			dep, err := descriptor.LoadFile(file)
			if err != nil {
				return err
			}

			deploymentID := uuid.NewString()[:8]
			dockerRunner, err := runner.NewDockerRunner(deploymentID)
			if err != nil {
				return err
			}

			orch, err := orchestrator.New(dep, orchestrator.Options{
				ID:        deploymentID,
				Runner:    dockerRunner,
				Resources: dockerRunner,
				Backoff: supervisor.Backoff{
					Base: settings.RestartBackoffBase,
					Cap:  settings.RestartBackoffCap,
				},
				MaxRestarts: settings.MaxRestarts,
				StopGrace:   settings.StopGraceTimeout,
			})
			if err != nil {
				return err
			}

			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}

			events := orch.SubscribeToStateChanges()
			go logEvents(events)

			handle, err := orch.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deployment %s started (%d services)\n", handle.ID, len(dep.ServiceOrder))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			var fatal error
			select {
			case fatal = <-handle.Fatal():
				logging.Error("CLI", fatal, "Deployment %s hit a fatal condition, shutting down", handle.ID)
			case sig := <-sigCh:
				logging.Info("CLI", "Received %s, shutting down deployment %s", sig, handle.ID)
			}

			downCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := orch.Down(downCtx); err != nil {
				return err
			}

			fmt.Println(renderSnapshotTable(orch.Status()))
			return fatal
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "stackctl.yaml", "deployment declaration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logging.Info("CLI", "Serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Error("CLI", err, "Metrics endpoint stopped")
	}
}

func logEvents(events <-chan orchestrator.ServiceStateChangedEvent) {
	for e := range events {
		if e.Err != nil {
			logging.Warn("CLI", "Service %s: %s -> %s (%v)", e.Service, e.From, e.To, e.Err)
			continue
		}
		logging.Info("CLI", "Service %s: %s -> %s", e.Service, e.From, e.To)
	}
}
