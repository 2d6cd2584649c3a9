// cmd/helpers.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/aceteam-ai/envoy-bridge/internal/bus"
	"github.com/aceteam-ai/envoy-bridge/internal/config"
	"github.com/aceteam-ai/envoy-bridge/internal/envoy"
	"github.com/rs/zerolog"
)

// newAcquirer picks the credential flow the config selects.
func newAcquirer(cfg *config.Config, log *zerolog.Logger) (envoy.Acquirer, error) {
	if cfg.Mode() == config.ModeStatic {
		return envoy.NewStaticAcquirer(cfg.Envoy.Token), nil
	}
	return envoy.NewEnlightenAcquirer(envoy.EnlightenConfig{
		LoginURL:      cfg.Envoy.LoginURL,
		TokenURL:      cfg.Envoy.TokenURL,
		Username:      cfg.Envoy.Username,
		Password:      cfg.Envoy.Password,
		GatewaySerial: cfg.Envoy.Serial,
		Logger:        log,
	})
}

// newEnvoyClient builds the authenticated gateway client.
func newEnvoyClient(cfg *config.Config, log *zerolog.Logger) (*envoy.Client, error) {
	acq, err := newAcquirer(cfg, log)
	if err != nil {
		return nil, err
	}
	return envoy.NewClient(envoy.ClientConfig{
		BaseURL:  cfg.Envoy.Host,
		Acquirer: acq,
		Logger:   log,
	})
}

// newPublisher connects to the configured bus, or returns a logging
// publisher when dryRun is set.
func newPublisher(ctx context.Context, cfg *config.Config, log *zerolog.Logger, dryRun bool) (bus.Publisher, error) {
	if dryRun {
		return bus.NewLogPublisher(*log), nil
	}
	pub, err := bus.Dial(ctx, bus.Config{
		Address:  cfg.Bus.Address,
		Username: cfg.Bus.Username,
		Password: cfg.Bus.Password,
		ClientID: cfg.Bus.ClientID,
		Retain:   cfg.Bus.Retain,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message bus: %w", err)
	}
	return pub, nil
}

// logTokenExpiry reports when a configured static token expires.
func logTokenExpiry(cfg *config.Config, log zerolog.Logger) {
	if cfg.Mode() != config.ModeStatic {
		return
	}
	info, err := envoy.DecodeToken(cfg.Envoy.Token)
	if err != nil {
		log.Warn().Err(err).Msg("configured token could not be decoded")
		return
	}
	ev := log.Info()
	if remaining := time.Until(info.ExpiresAt); remaining < 7*24*time.Hour {
		ev = log.Warn()
	}
	ev.Time("expires_at", info.ExpiresAt).Str("subject", info.SubjectLabel).Msg("token will expire")
}

// formatRemaining renders a duration in days/hours for humans.
func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}
