// cmd/run.go
package cmd

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/aceteam-ai/envoy-bridge/internal/bridge"
	"github.com/aceteam-ai/envoy-bridge/internal/status"
	"github.com/spf13/cobra"
)

var dryRun bool

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the gateway and publish readings (default command)",
	Long: `Polls the gateway on a fixed interval and publishes production totals and
per-inverter readings to the configured bus. Runs until SIGINT or SIGTERM.

A status server on HTTP_LISTEN_ADDRESS:HTTP_LISTEN_PORT serves /_health,
/inspect, /status and /metrics. Set HTTP_LISTEN_PORT=0 to disable it.`,
	Example: `  # Run with a long-lived token
  ENVOY_HOST=envoy.local ENVOY_TOKEN=eyJ... MQTT_ADDRESS=broker.local envoy-bridge run

  # Print readings instead of publishing them
  envoy-bridge run --dry-run --debug`,
	Args: cobra.NoArgs,
	RunE: runBridge,
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", Version).
		Str("gateway", cfg.Envoy.Host).
		Str("auth", cfg.Mode()).
		Msg("starting envoy-bridge")
	logTokenExpiry(cfg, logger)

	client, err := newEnvoyClient(cfg, &logger)
	if err != nil {
		return err
	}

	pub, err := newPublisher(ctx, cfg, &logger, dryRun)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close message bus")
		}
	}()

	br, err := bridge.New(bridge.Config{
		Source:    client,
		Publisher: pub,
		Interval:  cfg.PollInterval,
		Prefix:    cfg.Bus.TopicPrefix,
		Logger:    &logger,
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	if cfg.HTTP.Port != 0 {
		srv := status.NewServer(status.ServerConfig{
			Address:   cfg.HTTP.Address,
			Port:      cfg.HTTP.Port,
			Version:   Version,
			Bridge:    br,
			Session:   client.Session(),
			Inspector: client,
			Logger:    &logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				serverErr <- err
				stop()
			}
		}()
	}

	err = br.Start(ctx)
	wg.Wait()

	select {
	case err := <-serverErr:
		return err
	default:
	}
	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("shutdown complete")
		return nil
	}
	return err
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log readings instead of publishing them")
	rootCmd.AddCommand(runCmd)
}
