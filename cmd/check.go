// cmd/check.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/aceteam-ai/envoy-bridge/internal/envoy"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
	noColor     bool
)

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"status"},
	Short:   "Authenticate to the gateway and print one reading",
	Long: `Runs a single authenticated fetch against the gateway and prints the
production totals and inverter table. Nothing is published. Useful to confirm
credentials before starting the bridge.`,
	Example: `  # Check the configured gateway
  envoy-bridge check

  # Without colors (for scripts/logging)
  envoy-bridge check --no-color`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		cfg := appConfig
		if err := cfg.ValidateEnvoy(); err != nil {
			return err
		}

		client, err := newEnvoyClient(cfg, &logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
		defer cancel()

		prod, err := client.GetProduction(ctx)
		if err != nil {
			return err
		}
		inverters, err := client.GetInverters(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		defer w.Flush()

		headerColor.Fprintf(w, "--- Envoy Gateway (%s) ---\n", client.BaseURL())
		printSessionInfo(w, cfg.Mode(), client.Session().Snapshot(), time.Now())

		headerColor.Fprintln(w, "\nPRODUCTION")
		printProduction(w, prod)

		headerColor.Fprintf(w, "\nINVERTERS (%d)\n", len(inverters))
		printInverters(w, inverters)
		return nil
	},
}

func printSessionInfo(w io.Writer, mode string, snap envoy.SessionSnapshot, now time.Time) {
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Auth mode"), mode)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Session"), snap.State)
	if snap.SubjectLabel != "" {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Subject"), snap.SubjectLabel)
	}
	if snap.ExpiresAt != nil {
		fmt.Fprintf(w, "  %s:\t%s (%s)\n", labelColor.Sprint("Token expires"),
			snap.ExpiresAt.Local().Format(time.RFC1123), colorizeRemaining(snap.ExpiresAt.Sub(now)))
	}
}

func printProduction(w io.Writer, prod *envoy.ProdResponse) {
	if len(prod.Production) == 0 {
		fmt.Fprintf(w, "  %s\n", warnColor.Sprint("(no production entries)"))
		return
	}
	p := prod.Production[0]
	fmt.Fprintf(w, "  %s:\t%d\n", labelColor.Sprint("Active inverters"), p.ActiveCount)
	fmt.Fprintf(w, "  %s:\t%s W\n", labelColor.Sprint("Now"), goodColor.Sprintf("%.1f", p.WNow))
	fmt.Fprintf(w, "  %s:\t%.3f kWh\n", labelColor.Sprint("Lifetime"), p.WhLifetime/1000)
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Last reading"), p.ReadingAt().Local().Format(time.RFC1123))
}

func printInverters(w io.Writer, inverters []envoy.Inverter) {
	if len(inverters) == 0 {
		fmt.Fprintf(w, "  (none reported)\n")
		return
	}
	sorted := append([]envoy.Inverter(nil), inverters...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SerialNumber < sorted[j].SerialNumber })

	fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
		labelColor.Sprint("SERIAL"), labelColor.Sprint("WATTS"), labelColor.Sprint("MAX"), labelColor.Sprint("LAST REPORT"))
	for _, inv := range sorted {
		watts := fmt.Sprintf("%d", inv.LastReportWatts)
		if inv.LastReportWatts == 0 {
			watts = warnColor.Sprint(watts)
		}
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", inv.SerialNumber, watts, inv.MaxReportWatts,
			inv.LastReportAt().Local().Format("2006-01-02 15:04:05"))
	}
}

// colorizeRemaining returns the time left on a token with a traffic-light color.
func colorizeRemaining(d time.Duration) string {
	s := formatRemaining(d)
	switch {
	case d <= 0:
		return badColor.Sprint(s)
	case d < 7*24*time.Hour:
		return warnColor.Sprint(s)
	default:
		return goodColor.Sprint(s)
	}
}

func init() {
	checkCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable color output")
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 30*time.Second, "Overall timeout for the check")
	rootCmd.AddCommand(checkCmd)
}
