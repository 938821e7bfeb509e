package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/alphaforge/internal/config"
	httpserver "github.com/sawpanic/alphaforge/internal/interfaces/http"
	"github.com/sawpanic/alphaforge/internal/persistence"
)

func newMonitorCmd(loadConfig func() (*config.AppConfig, error)) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve health, metrics and run status over HTTP",
		Long: `Serve /health, /metrics, /runs/{id} and /runs/{id}/rebalances.csv.

Run statuses are read from Redis or the database when configured, so runs
started by other processes can be polled here.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appCfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				appCfg.HTTP.Port = port
			}
			return runMonitor(cmd.Context(), appCfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Listen port")
	return cmd
}

func runMonitor(ctx context.Context, appCfg *config.AppConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appCfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	host := a.host(appCfg.Report.OutputDir, false)

	var dbHealth persistence.RepositoryHealth
	if a.manager.IsEnabled() {
		dbHealth = a.manager.Health()
	}

	serverCfg := httpserver.DefaultServerConfig()
	serverCfg.Host = appCfg.HTTP.Host
	serverCfg.Port = appCfg.HTTP.Port
	serverCfg.ReadTimeout = appCfg.HTTP.ReadTimeout
	serverCfg.WriteTimeout = appCfg.HTTP.WriteTimeout
	serverCfg.IdleTimeout = appCfg.HTTP.IdleTimeout
	server := httpserver.NewServer(serverCfg, host, a.metrics.Handler(), dbHealth, version)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := host.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Runs did not stop before shutdown deadline")
	}
	return server.Shutdown(shutdownCtx)
}
