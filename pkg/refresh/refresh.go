// Package refresh runs the fetch, normalize, enrich and upsert pipeline on an
// interval with at most one pass in flight.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/relaymap/pkg/enricher"
	"github.com/malbeclabs/relaymap/pkg/metrics"
	"github.com/malbeclabs/relaymap/pkg/onionoo"
	"github.com/malbeclabs/relaymap/pkg/relay"
)

const DefaultInterval = 60 * time.Minute

var (
	ErrRefreshInProgress = errors.New("refresh already in progress")
	ErrSourceUnavailable = errors.New("relay source unavailable")
	ErrStoreUnavailable  = errors.New("relay store unavailable")
)

type Source interface {
	FetchDescriptors(ctx context.Context) ([]onionoo.Descriptor, error)
}

type Enricher interface {
	Enrich(ctx context.Context, relays []relay.Relay) (enricher.Result, error)
}

type Store interface {
	Upsert(ctx context.Context, relays []relay.Relay) error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Source   Source
	Enricher Enricher
	Store    Store

	Interval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Enricher == nil {
		return errors.New("enricher is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Interval < 0 {
		return errors.New("interval must not be negative")
	}

	// Optional with default
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result describes one completed pass.
type Result struct {
	RunID      string
	StartedAt  time.Time
	Duration   time.Duration
	Fetched    int
	Valid      int
	Dropped    int
	Geolocated int
}

// Orchestrator is Idle or Running. A trigger while Running is skipped.
type Orchestrator struct {
	log *slog.Logger
	cfg Config

	running atomic.Bool

	mu   sync.Mutex
	last *Result

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Orchestrator{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

// Ready reports whether a pass has completed successfully.
func (o *Orchestrator) Ready() bool {
	select {
	case <-o.readyCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) WaitReady(ctx context.Context) error {
	select {
	case <-o.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for refresh: %w", ctx.Err())
	}
}

func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// LastResult returns the most recent successful pass, if any.
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

// Run refreshes immediately and then on every interval tick until ctx is
// done. Pass failures are logged and retried on the next tick.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("refresh: starting loop", "interval", o.cfg.Interval)

	ticker := o.cfg.Clock.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	o.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			o.log.Info("refresh: stopping loop", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			o.trigger(ctx)
		}
	}
}

func (o *Orchestrator) trigger(ctx context.Context) {
	_, err := o.Refresh(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRefreshInProgress):
		o.log.Warn("refresh: previous pass still running, skipping tick")
	case errors.Is(err, context.Canceled):
	default:
		o.log.Error("refresh: pass failed", "error", err)
	}
}

// Refresh runs one pass. It returns ErrRefreshInProgress without doing any
// work when another pass is running. A fetch failure leaves the store
// untouched.
func (o *Orchestrator) Refresh(ctx context.Context) (Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		metrics.RefreshTotal.WithLabelValues(metrics.RefreshResultSkipped).Inc()
		return Result{}, ErrRefreshInProgress
	}
	defer o.running.Store(false)

	res := Result{
		RunID:     uuid.NewString(),
		StartedAt: o.cfg.Clock.Now(),
	}
	log := o.log.With("run_id", res.RunID)
	log.Debug("refresh: started")

	if err := o.refresh(ctx, log, &res); err != nil {
		metrics.RefreshTotal.WithLabelValues(metrics.RefreshResultError).Inc()
		return res, err
	}

	res.Duration = o.cfg.Clock.Since(res.StartedAt)
	metrics.RefreshTotal.WithLabelValues(metrics.RefreshResultSuccess).Inc()
	metrics.RefreshDuration.Observe(res.Duration.Seconds())
	metrics.RefreshRelays.WithLabelValues("fetched").Set(float64(res.Fetched))
	metrics.RefreshRelays.WithLabelValues("valid").Set(float64(res.Valid))
	metrics.RefreshRelays.WithLabelValues("dropped").Set(float64(res.Dropped))
	metrics.RefreshRelays.WithLabelValues("geolocated").Set(float64(res.Geolocated))

	log.Info(fmt.Sprintf("refresh: geolocated %d/%d", res.Geolocated, res.Valid),
		"geolocated", res.Geolocated,
		"total", res.Valid,
		"duration", res.Duration.String(),
	)

	o.mu.Lock()
	last := res
	o.last = &last
	o.mu.Unlock()

	o.readyOnce.Do(func() {
		close(o.readyCh)
		log.Info("refresh: store is now ready")
	})
	return res, nil
}

func (o *Orchestrator) refresh(ctx context.Context, log *slog.Logger, res *Result) error {
	descs, err := o.cfg.Source.FetchDescriptors(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	res.Fetched = len(descs)
	log.Info("refresh: fetched relays", "fetched", res.Fetched)

	normalized := onionoo.NormalizeAll(descs)
	res.Valid = len(normalized.Relays)
	res.Dropped = normalized.Dropped
	if res.Dropped > 0 {
		log.Info("refresh: dropped descriptors without fingerprint or ipv4 address", "dropped", res.Dropped)
	}

	enriched, err := o.cfg.Enricher.Enrich(ctx, normalized.Relays)
	if err != nil {
		return fmt.Errorf("failed to enrich relays: %w", err)
	}
	res.Geolocated = enriched.Geolocated

	if err := o.cfg.Store.Upsert(ctx, enriched.Relays); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
