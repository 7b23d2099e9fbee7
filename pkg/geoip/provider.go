package geoip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/oschwald/geoip2-golang"
)

const DefaultCityDBPath = "/usr/share/GeoIP/GeoLite2-City.mmdb"

type MMDBProviderConfig struct {
	Logger     *slog.Logger
	CityDBPath string
}

func (cfg *MMDBProviderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.CityDBPath == "" {
		cfg.CityDBPath = DefaultCityDBPath
	}
	return nil
}

// MMDBProvider opens the City database from disk for every session, so an
// updated file on disk is picked up by the next batch.
type MMDBProvider struct {
	log *slog.Logger
	cfg MMDBProviderConfig
}

func NewMMDBProvider(cfg MMDBProviderConfig) (*MMDBProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	if _, err := os.Stat(cfg.CityDBPath); err != nil {
		// Not fatal: lookups degrade to absent until the file appears.
		cfg.Logger.Warn("geoip: city database not readable", "path", cfg.CityDBPath, "error", err)
	}
	return &MMDBProvider{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (p *MMDBProvider) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := geoip2.Open(p.cfg.CityDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open city database %s: %w", p.cfg.CityDBPath, err)
	}
	r, err := NewResolver(p.log, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}
