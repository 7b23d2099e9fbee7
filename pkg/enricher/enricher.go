// Package enricher attaches geographic fields to relays.
package enricher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alitto/pond/v2"

	"github.com/malbeclabs/relaymap/pkg/geoip"
	"github.com/malbeclabs/relaymap/pkg/metrics"
	"github.com/malbeclabs/relaymap/pkg/relay"
)

const DefaultMaxConcurrency = 16

type Config struct {
	Logger         *slog.Logger
	Provider       geoip.Provider
	MaxConcurrency int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Provider == nil {
		return errors.New("geoip provider is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return nil
}

type Enricher struct {
	log  *slog.Logger
	cfg  Config
	pool pond.ResultPool[relay.Relay]
}

func New(cfg Config) (*Enricher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Enricher{
		log:  cfg.Logger,
		cfg:  cfg,
		pool: pond.NewResultPool[relay.Relay](cfg.MaxConcurrency),
	}, nil
}

// Result is the enriched batch, same length and order as the input.
type Result struct {
	Relays     []relay.Relay
	Geolocated int
}

// Enrich opens one geoip session for the batch and resolves every relay's
// address. A failed lookup leaves that relay's geographic fields absent and
// never stops the batch. Only context cancellation returns an error.
func (e *Enricher) Enrich(ctx context.Context, relays []relay.Relay) (Result, error) {
	if len(relays) == 0 {
		return Result{Relays: []relay.Relay{}}, nil
	}

	session, err := e.cfg.Provider.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		e.log.Warn("enricher: geoip unavailable, relays left unmapped", "relays", len(relays), "error", err)
		metrics.GeoIPLookupFailures.WithLabelValues("unavailable").Add(float64(len(relays)))
		out := make([]relay.Relay, len(relays))
		for i, r := range relays {
			r.ClearGeo()
			out[i] = r
		}
		return Result{Relays: out}, nil
	}
	defer func() {
		if err := session.Close(); err != nil {
			e.log.Warn("enricher: failed to close geoip session", "error", err)
		}
	}()

	group := e.pool.NewGroupContext(ctx)
	for _, r := range relays {
		group.Submit(func() relay.Relay {
			return e.enrichOne(session, r)
		})
	}
	out, err := group.Wait()
	if err != nil {
		return Result{}, fmt.Errorf("failed to enrich relays: %w", err)
	}

	res := Result{Relays: out}
	for _, r := range out {
		if r.Mapped() {
			res.Geolocated++
		}
	}
	return res, nil
}

func (e *Enricher) enrichOne(resolver geoip.Resolver, r relay.Relay) relay.Relay {
	r.ClearGeo()
	rec, err := geoip.ResolveAddr(resolver, r.Address)
	if err != nil {
		reason := "lookup"
		switch {
		case errors.Is(err, geoip.ErrAddressNotFound):
			reason = "not_found"
		case errors.Is(err, geoip.ErrInvalidAddress):
			reason = "invalid_address"
		}
		e.log.Debug("enricher: lookup failed", "fingerprint", r.Fingerprint, "address", r.Address, "error", err)
		metrics.GeoIPLookupFailures.WithLabelValues(reason).Inc()
		return r
	}
	if rec.HasLocation {
		r.Location = &relay.Location{Latitude: rec.Latitude, Longitude: rec.Longitude}
	}
	r.Country = rec.CountryCode
	r.City = rec.City
	return r
}

// Close stops the worker pool.
func (e *Enricher) Close() {
	e.pool.StopAndWait()
}
