// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/aceteam-ai/envoy-bridge/internal/config"
	"github.com/aceteam-ai/envoy-bridge/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var cfgFile string
var envFile string
var debugMode bool

// appConfig is loaded once per invocation, unvalidated; each command
// validates the parts it needs.
var appConfig *config.Config

var logger zerolog.Logger

// rootCmd runs the bridge when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "envoy-bridge",
	Short: "Publishes Enphase IQ Gateway readings onto a message bus",
	Long: `A long-running bridge that polls a local Enphase IQ Gateway for solar
production and inverter readings and republishes them to MQTT (or Redis, or
Kafka) so dashboards and loggers can consume them without the gateway UI.

Gateway credentials are either a long-lived token (ENVOY_TOKEN) or Enlighten
account credentials exchanged for a token on demand.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{
			File:           cfgFile,
			EnvFile:        envFile,
			SkipValidation: true,
		})
		if err != nil {
			return err
		}
		appConfig = cfg

		logger, err = logging.New(logging.Options{
			App:    "envoy-bridge",
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Debug:  debugMode,
			Out:    os.Stderr,
		})
		if err != nil {
			return err
		}

		if debugMode {
			logger.Debug().Str("command", commandLine(cmd, args)).Msg("starting")
		}
		return nil
	},
	RunE: runBridge,
}

// commandLine reconstructs the invocation for debug logs without secrets.
func commandLine(cmd *cobra.Command, args []string) string {
	full := cmd.CommandPath()
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "debug" {
			return
		}
		if f.Value.Type() == "bool" {
			full += " --" + f.Name
		} else if strings.Contains(f.Name, "password") || strings.Contains(f.Name, "token") {
			full += " --" + f.Name + "=***"
		} else {
			full += " --" + f.Name + "=" + f.Value.String()
		}
	})
	if len(args) > 0 {
		full += " " + strings.Join(args, " ")
	}
	return full
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (environment variables take precedence)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded at startup if present")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log readings instead of publishing them")
}
