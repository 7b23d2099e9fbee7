// Package geoiptest builds GeoLite2-City databases for tests.
package geoiptest

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
	"github.com/stretchr/testify/require"
)

type City struct {
	CountryCode string
	CountryName string
	CityName    string
	// Coordinates are written only when HasLocation is set.
	HasLocation    bool
	Latitude       float64
	Longitude      float64
	AccuracyRadius uint16
}

func (c City) mmdb() mmdbtype.Map {
	rec := mmdbtype.Map{}
	if c.CountryCode != "" || c.CountryName != "" {
		country := mmdbtype.Map{}
		if c.CountryCode != "" {
			country["iso_code"] = mmdbtype.String(c.CountryCode)
		}
		if c.CountryName != "" {
			country["names"] = mmdbtype.Map{"en": mmdbtype.String(c.CountryName)}
		}
		rec["country"] = country
	}
	if c.CityName != "" {
		rec["city"] = mmdbtype.Map{
			"names": mmdbtype.Map{"en": mmdbtype.String(c.CityName)},
		}
	}
	if c.HasLocation {
		radius := c.AccuracyRadius
		if radius == 0 {
			radius = 50
		}
		rec["location"] = mmdbtype.Map{
			"latitude":        mmdbtype.Float64(c.Latitude),
			"longitude":       mmdbtype.Float64(c.Longitude),
			"accuracy_radius": mmdbtype.Uint16(radius),
		}
	}
	return rec
}

// WriteCityDB writes a GeoLite2-City database containing the given networks
// and returns its path.
func WriteCityDB(t testing.TB, networks map[string]City) string {
	t.Helper()
	w, err := mmdbwriter.New(mmdbwriter.Options{DatabaseType: "GeoLite2-City", RecordSize: 24})
	require.NoError(t, err)
	for cidr, city := range networks {
		_, n, err := net.ParseCIDR(cidr)
		require.NoError(t, err)
		require.NoError(t, w.Insert(n, city.mmdb()))
	}

	path := filepath.Join(t.TempDir(), "GeoLite2-City.mmdb")
	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	_, err = w.WriteTo(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return path
}
