// Package onionoo fetches relay descriptors from an Onionoo details endpoint
// and normalizes them into relay records.
package onionoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultBaseURL    = "https://onionoo.torproject.org"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3

	userAgent = "relaymap/1.0"
)

// detailsFields are the only descriptor fields the normalizer reads.
var detailsFields = []string{
	"fingerprint",
	"nickname",
	"or_addresses",
	"flags",
	"observed_bandwidth",
	"advertised_bandwidth",
	"last_seen",
}

var ErrUnexpectedStatus = errors.New("unexpected status code")

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Descriptor is one relay entry as published by Onionoo.
type Descriptor struct {
	Fingerprint         string   `json:"fingerprint"`
	Nickname            string   `json:"nickname"`
	ORAddresses         []string `json:"or_addresses"`
	Flags               []string `json:"flags"`
	ObservedBandwidth   *int64   `json:"observed_bandwidth"`
	AdvertisedBandwidth *int64   `json:"advertised_bandwidth"`
	LastSeen            string   `json:"last_seen"`
}

type detailsResponse struct {
	Version         string       `json:"version"`
	RelaysPublished string       `json:"relays_published"`
	Relays          []Descriptor `json:"relays"`
}

type ClientConfig struct {
	Logger     *slog.Logger
	BaseURL    string
	HTTPClient HTTPClient
	Timeout    time.Duration
	MaxRetries uint

	// NewBackOff overrides the retry schedule, mainly for tests.
	NewBackOff func() backoff.BackOff
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		}
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (c *Client) detailsURL() string {
	q := url.Values{}
	q.Set("type", "relay")
	q.Set("fields", strings.Join(detailsFields, ","))
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/details?" + q.Encode()
}

// FetchDescriptors returns every relay descriptor currently published.
// Transport errors and 5xx responses are retried; anything else fails fast.
func (c *Client) FetchDescriptors(ctx context.Context) ([]Descriptor, error) {
	attempt := 0
	descs, err := backoff.Retry(ctx, func() ([]Descriptor, error) {
		attempt++
		if attempt > 1 {
			c.log.Warn("onionoo: retrying details fetch", "attempt", attempt)
		}
		return c.fetchOnce(ctx)
	},
		backoff.WithBackOff(c.cfg.NewBackOff()),
		backoff.WithMaxTries(c.cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch relay details: %w", err)
	}
	return descs, nil
}

func (c *Client) fetchOnce(ctx context.Context) ([]Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.detailsURL(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var details detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}

	c.log.Debug("onionoo: fetched details", "relays", len(details.Relays), "published", details.RelaysPublished)
	return details.Relays, nil
}
