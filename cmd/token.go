// cmd/token.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aceteam-ai/envoy-bridge/internal/config"
	"github.com/aceteam-ai/envoy-bridge/internal/envoy"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	fetchUsername string
	fetchSerial   string
	fetchTimeout  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect or fetch gateway tokens",
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect [TOKEN|-]",
	Short: "Decode a gateway token and show when it expires",
	Long: `Decodes a gateway token without verifying its signature and prints its
subject, gateway serial and validity window. With no argument the configured
ENVOY_TOKEN is used; "-" reads the token from stdin.`,
	Example: `  envoy-bridge token inspect eyJhbGciOi...
  cat token.txt | envoy-bridge token inspect -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		raw, err := tokenArg(cmd.InOrStdin(), args, appConfig)
		if err != nil {
			return err
		}
		info, err := envoy.DecodeToken(raw)
		if err != nil {
			return err
		}
		printTokenInfo(cmd.OutOrStdout(), info, time.Now())
		return nil
	},
}

var tokenFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Exchange Enlighten credentials for a gateway token",
	Long: `Logs in to Enlighten and requests a token for the given gateway serial.
The token is written to stdout so it can be stored as ENVOY_TOKEN. The password
is taken from ENVOY_PASSWORD, or prompted for when stdin is a terminal.`,
	Example: `  envoy-bridge token fetch --username owner@example.com --serial 122233445566 > token.txt`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		username := firstNonEmpty(fetchUsername, cfg.Envoy.Username)
		serial := firstNonEmpty(fetchSerial, cfg.Envoy.Serial)
		if username == "" || serial == "" {
			return errors.New("--username and --serial (or ENVOY_USERNAME and ENVOY_SERIAL) are required")
		}

		password := cfg.Envoy.Password
		if password == "" {
			var err error
			password, err = readPassword(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
		}

		acq, err := envoy.NewEnlightenAcquirer(envoy.EnlightenConfig{
			LoginURL:      cfg.Envoy.LoginURL,
			TokenURL:      cfg.Envoy.TokenURL,
			Username:      username,
			Password:      password,
			GatewaySerial: serial,
			Logger:        &logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), fetchTimeout)
		defer cancel()
		cred, err := acq.Acquire(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), cred.Token)
		logger.Info().
			Str("subject", cred.Info.SubjectLabel).
			Time("expires_at", cred.Info.ExpiresAt).
			Msg("token issued")
		return nil
	},
}

// tokenArg resolves the token to inspect from args, stdin or config.
func tokenArg(stdin io.Reader, args []string, cfg *config.Config) (string, error) {
	switch {
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(io.LimitReader(stdin, 64<<10))
		if err != nil {
			return "", fmt.Errorf("failed to read token from stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case len(args) == 1:
		return strings.TrimSpace(args[0]), nil
	case cfg != nil && cfg.Envoy.Token != "":
		return cfg.Envoy.Token, nil
	default:
		return "", errors.New("no token given and ENVOY_TOKEN is not set")
	}
}

func printTokenInfo(w io.Writer, info *envoy.TokenInfo, now time.Time) {
	remaining := info.ExpiresAt.Sub(now)
	state := goodColor.Sprint("valid")
	switch {
	case info.ExpiresWithin(envoy.ExpiryMargin, now):
		state = badColor.Sprint("expired")
	case remaining < 7*24*time.Hour:
		state = warnColor.Sprint("expiring soon")
	}

	headerColor.Fprintln(w, "--- Gateway Token ---")
	fmt.Fprintf(w, "  %s: %s\n", labelColor.Sprint("Status"), state)
	fmt.Fprintf(w, "  %s: %s\n", labelColor.Sprint("Subject"), info.SubjectLabel)
	if info.Username != "" {
		fmt.Fprintf(w, "  %s: %s\n", labelColor.Sprint("Username"), info.Username)
	}
	if info.Audience != "" {
		fmt.Fprintf(w, "  %s: %s\n", labelColor.Sprint("Gateway"), info.Audience)
	}
	if info.Issuer != "" {
		fmt.Fprintf(w, "  %s: %s\n", labelColor.Sprint("Issuer"), info.Issuer)
	}
	fmt.Fprintf(w, "  %s: %s\n", labelColor.Sprint("Issued"), info.IssuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "  %s: %s (%s)\n", labelColor.Sprint("Expires"),
		info.ExpiresAt.UTC().Format(time.RFC3339), colorizeRemaining(remaining))
}

// readPassword prompts without echo on a terminal, otherwise reads one line.
func readPassword(prompt io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(prompt, "Enlighten password: ")
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	tokenInspectCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable color output")
	tokenFetchCmd.Flags().StringVar(&fetchUsername, "username", "", "Enlighten account email (default: ENVOY_USERNAME)")
	tokenFetchCmd.Flags().StringVar(&fetchSerial, "serial", "", "Gateway serial number (default: ENVOY_SERIAL)")
	tokenFetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 30*time.Second, "Timeout for the login and exchange")

	tokenCmd.AddCommand(tokenInspectCmd)
	tokenCmd.AddCommand(tokenFetchCmd)
	rootCmd.AddCommand(tokenCmd)
}
