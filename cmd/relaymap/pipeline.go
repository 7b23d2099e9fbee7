package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/relaymap/pkg/enricher"
	"github.com/malbeclabs/relaymap/pkg/geoip"
	"github.com/malbeclabs/relaymap/pkg/onionoo"
	"github.com/malbeclabs/relaymap/pkg/refresh"
	"github.com/malbeclabs/relaymap/pkg/store"
)

// pipeline owns everything a refresh pass needs.
type pipeline struct {
	store    store.Store
	enricher *enricher.Enricher
	refresh  *refresh.Orchestrator
}

func newPipeline(ctx context.Context, log *slog.Logger, o options) (*pipeline, error) {
	st, err := store.Open(ctx, log, o.storeURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	provider, err := geoip.NewMMDBProvider(geoip.MMDBProviderConfig{
		Logger:     log,
		CityDBPath: o.geoipCityDBPath,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create geoip provider: %w", err)
	}

	enr, err := enricher.New(enricher.Config{
		Logger:         log,
		Provider:       provider,
		MaxConcurrency: o.geoipConcurrency,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create enricher: %w", err)
	}

	source, err := onionoo.NewClient(onionoo.ClientConfig{
		Logger:     log,
		BaseURL:    o.onionooURL,
		Timeout:    o.fetchTimeout,
		MaxRetries: o.fetchMaxRetries,
	})
	if err != nil {
		enr.Close()
		st.Close()
		return nil, fmt.Errorf("failed to create onionoo client: %w", err)
	}

	orch, err := refresh.New(refresh.Config{
		Logger:   log,
		Source:   source,
		Enricher: enr,
		Store:    st,
		Interval: o.refreshInterval,
	})
	if err != nil {
		enr.Close()
		st.Close()
		return nil, fmt.Errorf("failed to create refresh orchestrator: %w", err)
	}

	return &pipeline{store: st, enricher: enr, refresh: orch}, nil
}

func (p *pipeline) Close() error {
	p.enricher.Close()
	return p.store.Close()
}
