package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/malbeclabs/relaymap/pkg/query"
	"github.com/malbeclabs/relaymap/pkg/relay"
)

const (
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
)

type Querier interface {
	ParseFilter(values url.Values) (relay.Filter, error)
	Relays(ctx context.Context, filter relay.Filter) (query.Response, error)
	Stats(ctx context.Context) (relay.Stats, error)
}

type Config struct {
	Logger   *slog.Logger
	Listener net.Listener
	Query    Querier

	// Ready reports whether the store has been populated. Nil means always
	// ready.
	Ready func() bool

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	RequestTimeout    time.Duration

	// CORSAllowedOrigins enables CORS on /api routes when non-empty.
	CORSAllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Listener == nil {
		return errors.New("listener is required")
	}
	if cfg.Query == nil {
		return errors.New("query service is required")
	}

	// Optional with default
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	return nil
}
