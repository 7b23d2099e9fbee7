// Package query turns external relay requests into store filters and shapes
// the results.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/malbeclabs/relaymap/pkg/relay"
)

const (
	DefaultLimit = 5000
	MaxLimit     = 50000
)

var ErrInvalidParameter = errors.New("invalid query parameter")

type Store interface {
	Query(ctx context.Context, filter relay.Filter) ([]relay.Relay, error)
	Stats(ctx context.Context) (relay.Stats, error)
}

type Config struct {
	Logger       *slog.Logger
	Store        Store
	DefaultLimit int
	MaxLimit     int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.DefaultLimit < 0 || cfg.MaxLimit < 0 {
		return errors.New("limits must not be negative")
	}

	// Optional with default
	if cfg.MaxLimit == 0 {
		cfg.MaxLimit = MaxLimit
	}
	if cfg.DefaultLimit == 0 {
		cfg.DefaultLimit = min(DefaultLimit, cfg.MaxLimit)
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		return fmt.Errorf("default limit %d exceeds max limit %d", cfg.DefaultLimit, cfg.MaxLimit)
	}
	return nil
}

// Item is one relay as returned to callers. Absent optional fields encode as
// null.
type Item struct {
	Fingerprint string   `json:"fingerprint"`
	Nickname    *string  `json:"nickname"`
	Address     *string  `json:"address"`
	Flags       []string `json:"flags"`
	Bandwidth   *int64   `json:"bandwidth"`
	LastSeen    *string  `json:"last_seen"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Country     *string  `json:"country"`
	City        *string  `json:"city"`
	Role        string   `json:"role"`
}

type Response struct {
	Items []Item `json:"items"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func NewItem(r relay.Relay) Item {
	item := Item{
		Fingerprint: r.Fingerprint,
		Nickname:    optional(r.Nickname),
		Address:     optional(r.Address),
		Flags:       r.Flags,
		Bandwidth:   r.Bandwidth,
		LastSeen:    optional(r.LastSeen),
		Country:     optional(r.Country),
		City:        optional(r.City),
		Role:        string(r.Role()),
	}
	if item.Flags == nil {
		item.Flags = []string{}
	}
	if r.Location != nil {
		lat, lon := r.Location.Latitude, r.Location.Longitude
		item.Latitude = &lat
		item.Longitude = &lon
	}
	return item
}

type Service struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

// ParseFilter reads role (or its alias type), country and limit. Limits above
// the configured maximum are clamped.
func (s *Service) ParseFilter(values url.Values) (relay.Filter, error) {
	raw := values.Get("role")
	if !values.Has("role") {
		raw = values.Get("type")
	}
	role, err := relay.ParseRoleFilter(raw)
	if err != nil {
		return relay.Filter{}, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}

	filter := relay.Filter{
		Role:    role,
		Country: values.Get("country"),
		Limit:   s.cfg.DefaultLimit,
	}

	if values.Has("limit") {
		limit, err := strconv.Atoi(strings.TrimSpace(values.Get("limit")))
		if err != nil {
			return relay.Filter{}, fmt.Errorf("%w: limit must be an integer", ErrInvalidParameter)
		}
		if limit <= 0 {
			return relay.Filter{}, fmt.Errorf("%w: limit must be greater than 0", ErrInvalidParameter)
		}
		filter.Limit = min(limit, s.cfg.MaxLimit)
	}
	return filter, nil
}

// Relays runs one store query and wraps the rows in the items envelope.
func (s *Service) Relays(ctx context.Context, filter relay.Filter) (Response, error) {
	if err := filter.Validate(); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
	filter.Limit = min(filter.Limit, s.cfg.MaxLimit)

	relays, err := s.cfg.Store.Query(ctx, filter)
	if err != nil {
		return Response{}, fmt.Errorf("failed to query relays: %w", err)
	}
	resp := Response{Items: make([]Item, 0, len(relays))}
	for _, r := range relays {
		resp.Items = append(resp.Items, NewItem(r))
	}
	s.log.Debug("query: relays", "role", filter.Role, "country", filter.Country, "limit", filter.Limit, "items", len(resp.Items))
	return resp, nil
}

func (s *Service) Stats(ctx context.Context) (relay.Stats, error) {
	stats, err := s.cfg.Store.Stats(ctx)
	if err != nil {
		return relay.Stats{}, fmt.Errorf("failed to get relay stats: %w", err)
	}
	return stats, nil
}
