// Package bridge polls the gateway on a fixed interval and republishes
// readings onto the message bus.
//
// Architecture:
//
//	Gateway                      Bridge                         Bus
//	┌─────────────┐  GET (60s)  ┌─────────────┐   PUBLISH     ┌─────────────┐
//	│ /production │ ◀────────── │   Poller    │ ────────────▶ │ envoy/...   │
//	│ /inverters  │ ──────────▶ │             │               │             │
//	└─────────────┘    JSON     └─────────────┘               └─────────────┘
//
// Production totals are published every cycle. Inverter readings are
// published only when an inverter's report date has advanced.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/envoy-bridge/internal/bus"
	"github.com/aceteam-ai/envoy-bridge/internal/envoy"
	"github.com/aceteam-ai/envoy-bridge/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// readTimeLayout is ISO-8601 in UTC with millisecond precision.
const readTimeLayout = "2006-01-02T15:04:05.000Z"

// Source provides gateway readings. *envoy.Client satisfies it.
type Source interface {
	GetProduction(ctx context.Context) (*envoy.ProdResponse, error)
	GetInverters(ctx context.Context) ([]envoy.Inverter, error)
}

// Config holds configuration for the bridge.
type Config struct {
	Source    Source
	Publisher bus.Publisher

	// Interval is the time between polls (default: 60s)
	Interval time.Duration

	// Prefix is prepended to every topic (default: "envoy/")
	Prefix string

	// Now is overridable for tests
	Now func() time.Time

	Logger *zerolog.Logger
}

// Bridge polls a Source and publishes what it reads.
type Bridge struct {
	source   Source
	pub      bus.Publisher
	interval time.Duration
	prefix   string
	now      func() time.Time
	log      zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu              sync.Mutex
	lastReadingTime int64
	inverterSeen    map[string]int64
	polls           uint64
	skipped         uint64
	lastPoll        time.Time
	lastPublish     time.Time
	lastError       string
}

// New creates a bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("bridge source is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("bridge publisher is required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "envoy/"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var log zerolog.Logger
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("component", "bridge").Logger()
	} else {
		log = zerolog.Nop()
	}

	return &Bridge{
		source:       cfg.Source,
		pub:          cfg.Publisher,
		interval:     cfg.Interval,
		prefix:       cfg.Prefix,
		now:          cfg.Now,
		log:          log,
		inverterSeen: make(map[string]int64),
	}, nil
}

// Start polls immediately and then on every interval tick.
// This method blocks until the context is cancelled, then waits for an
// in-flight poll to finish.
func (b *Bridge) Start(ctx context.Context) error {
	b.log.Info().Dur("interval", b.interval).Str("prefix", b.prefix).Msg("starting bridge")

	b.tick(ctx)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("stopping bridge")
			b.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

// tick starts a poll unless the previous one is still running.
func (b *Bridge) tick(ctx context.Context) {
	if !b.running.CompareAndSwap(false, true) {
		b.mu.Lock()
		b.skipped++
		b.mu.Unlock()
		metrics.PollTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		b.log.Warn().Msg("previous poll still running, skipping tick")
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.running.Store(false)
		if err := b.PollOnce(ctx); err != nil {
			b.log.Warn().Err(err).Msg("poll failed")
		}
	}()
}

// PollOnce runs a single poll cycle. A failure fetching one data set does
// not prevent publishing the other; all failures are joined in the result.
func (b *Bridge) PollOnce(ctx context.Context) error {
	start := time.Now()
	log := b.log.With().Str("cycle", uuid.NewString()).Logger()

	err := errors.Join(
		b.pollProduction(ctx, log),
		b.pollInverters(ctx, log),
	)

	metrics.PollDuration.Observe(time.Since(start).Seconds())
	metrics.PollTotal.WithLabelValues(metrics.Result(err)).Inc()

	b.mu.Lock()
	b.polls++
	b.lastPoll = b.now()
	if err != nil {
		b.lastError = err.Error()
	} else {
		b.lastError = ""
	}
	b.mu.Unlock()

	return err
}

type reading struct {
	topic   string
	payload string
}

func (b *Bridge) pollProduction(ctx context.Context, log zerolog.Logger) error {
	resp, err := b.source.GetProduction(ctx)
	if err != nil {
		return fmt.Errorf("production: %w", err)
	}
	if len(resp.Production) == 0 {
		return fmt.Errorf("production: response contained no readings")
	}
	p := resp.Production[0]
	readAt := p.ReadingAt()

	b.mu.Lock()
	unchanged := b.lastReadingTime == p.ReadingTime
	b.lastReadingTime = p.ReadingTime
	b.mu.Unlock()

	if unchanged {
		log.Debug().Int64("reading_time", p.ReadingTime).Msg("no update from envoy")
	} else {
		log.Info().
			Float64("watt_now", p.WNow).
			Float64("watt_lifetime", p.WhLifetime).
			Time("read_at", readAt).
			Msg("updating with last reading")
	}
	metrics.ProductionWattsGauge.Set(p.WNow)

	return b.publishAll(ctx, b.prefix, []reading{
		{"active_count", strconv.Itoa(p.ActiveCount)},
		{"watt_now", formatFloat(p.WNow)},
		{"watt_lifetime", formatFloat(p.WhLifetime)},
		{"last_read", readAt.UTC().Format(readTimeLayout)},
		{"last_read_epoch", strconv.FormatInt(p.ReadingTime, 10)},
	})
}

func (b *Bridge) pollInverters(ctx context.Context, log zerolog.Logger) error {
	inverters, err := b.source.GetInverters(ctx)
	if err != nil {
		return fmt.Errorf("inverters: %w", err)
	}

	var errs []error
	updated := 0
	for _, inv := range inverters {
		if inv.SerialNumber == "" {
			continue
		}

		b.mu.Lock()
		seen, ok := b.inverterSeen[inv.SerialNumber]
		b.mu.Unlock()
		if ok && inv.LastReportDate <= seen {
			continue
		}

		prefix := b.prefix + "inverter/" + inv.SerialNumber + "/"
		err := b.publishAll(ctx, prefix, []reading{
			{"last_watts", strconv.Itoa(inv.LastReportWatts)},
			{"max_watts", strconv.Itoa(inv.MaxReportWatts)},
			{"last_read", inv.LastReportAt().UTC().Format(readTimeLayout)},
			{"last_read_epoch", strconv.FormatInt(inv.LastReportDate, 10)},
		})
		if err != nil {
			// high-water mark stays put so the reading goes out next cycle
			errs = append(errs, fmt.Errorf("inverter %s: %w", inv.SerialNumber, err))
			continue
		}

		metrics.InverterWattsGauge.WithLabelValues(inv.SerialNumber).Set(float64(inv.LastReportWatts))
		b.mu.Lock()
		b.inverterSeen[inv.SerialNumber] = inv.LastReportDate
		b.mu.Unlock()
		updated++
	}

	log.Debug().Int("inverters", len(inverters)).Int("updated", updated).Msg("inverters polled")
	return errors.Join(errs...)
}

// publishAll publishes every reading under prefix, continuing past failures.
func (b *Bridge) publishAll(ctx context.Context, prefix string, readings []reading) error {
	var errs []error
	for _, r := range readings {
		err := b.pub.Publish(ctx, prefix+r.topic, r.payload)
		metrics.PublishTotal.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		now := b.now()
		metrics.LastPublishGauge.Set(float64(now.Unix()))
		b.mu.Lock()
		b.lastPublish = now
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// LastPublish returns the time of the last successful publish, or the zero
// time if nothing has been published yet.
func (b *Bridge) LastPublish() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPublish
}

// Healthy reports whether a publish succeeded within maxAge.
func (b *Bridge) Healthy(maxAge time.Duration) bool {
	last := b.LastPublish()
	return !last.IsZero() && b.now().Sub(last) <= maxAge
}

// Snapshot is a point-in-time view of the bridge for the status endpoint.
type Snapshot struct {
	Interval        string     `json:"interval"`
	Prefix          string     `json:"prefix"`
	Polls           uint64     `json:"polls"`
	SkippedTicks    uint64     `json:"skipped_ticks"`
	LastPoll        *time.Time `json:"last_poll,omitempty"`
	LastPublish     *time.Time `json:"last_publish,omitempty"`
	LastReadingTime *time.Time `json:"last_reading_time,omitempty"`
	InvertersSeen   int        `json:"inverters_seen"`
	LastError       string     `json:"last_error,omitempty"`
}

// Snapshot returns the current bridge state.
func (b *Bridge) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Interval:      b.interval.String(),
		Prefix:        b.prefix,
		Polls:         b.polls,
		SkippedTicks:  b.skipped,
		InvertersSeen: len(b.inverterSeen),
		LastError:     b.lastError,
	}
	if !b.lastPoll.IsZero() {
		t := b.lastPoll
		snap.LastPoll = &t
	}
	if !b.lastPublish.IsZero() {
		t := b.lastPublish
		snap.LastPublish = &t
	}
	if b.lastReadingTime != 0 {
		t := time.Unix(b.lastReadingTime, 0).UTC()
		snap.LastReadingTime = &t
	}
	return snap
}

// Interval returns the configured poll interval.
func (b *Bridge) Interval() time.Duration {
	return b.interval
}
