// Package geoip resolves relay addresses against a MaxMind City database.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

var (
	ErrInvalidAddress  = errors.New("invalid address")
	ErrAddressNotFound = errors.New("address not found")
)

type Record struct {
	IP             net.IP
	CountryCode    string
	Country        string
	City           string
	Latitude       float64
	Longitude      float64
	AccuracyRadius int
	HasLocation    bool
}

type Resolver interface {
	Resolve(ip net.IP) (*Record, error)
}

// Session is a resolver bound to an open database handle.
type Session interface {
	Resolver
	Close() error
}

// Provider hands out sessions. Callers hold a session for one batch of
// lookups and close it afterwards.
type Provider interface {
	Open(ctx context.Context) (Session, error)
}

// ResolveAddr parses addr and resolves it.
func ResolveAddr(r Resolver, addr string) (*Record, error) {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return r.Resolve(ip)
}

type resolver struct {
	log    *slog.Logger
	cityDB *geoip2.Reader
}

func NewResolver(log *slog.Logger, cityDB *geoip2.Reader) (*resolver, error) {
	if log == nil {
		return nil, fmt.Errorf("log is nil")
	}
	if cityDB == nil {
		return nil, fmt.Errorf("cityDB is nil")
	}
	return &resolver{
		log:    log,
		cityDB: cityDB,
	}, nil
}

func (r *resolver) Resolve(ip net.IP) (*Record, error) {
	if ip == nil {
		return nil, ErrInvalidAddress
	}

	rec, err := r.cityDB.City(ip)
	if err != nil {
		r.log.Debug("geoip: city lookup failed", "ip", ip.String(), "error", err)
		return nil, fmt.Errorf("failed to lookup city: %w", err)
	}

	// The City reader returns a zero record for addresses outside every
	// network in the database. (0, 0) with no accuracy radius means the
	// location block was absent.
	hasLocation := rec.Location.Latitude != 0 || rec.Location.Longitude != 0 || rec.Location.AccuracyRadius != 0
	countryCode := rec.Country.IsoCode
	city := rec.City.Names["en"]
	if countryCode == "" && city == "" && !hasLocation {
		return nil, ErrAddressNotFound
	}

	return &Record{
		IP:             ip,
		CountryCode:    countryCode,
		Country:        rec.Country.Names["en"],
		City:           city,
		Latitude:       rec.Location.Latitude,
		Longitude:      rec.Location.Longitude,
		AccuracyRadius: int(rec.Location.AccuracyRadius),
		HasLocation:    hasLocation,
	}, nil
}

func (r *resolver) Close() error {
	return r.cityDB.Close()
}
