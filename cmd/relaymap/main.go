package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/relaymap/pkg/enricher"
	"github.com/malbeclabs/relaymap/pkg/geoip"
	"github.com/malbeclabs/relaymap/pkg/onionoo"
	"github.com/malbeclabs/relaymap/pkg/query"
	"github.com/malbeclabs/relaymap/pkg/refresh"
	"github.com/malbeclabs/relaymap/pkg/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8000"
	defaultMetricsAddr = "0.0.0.0:2112"
	envPrefix          = "RELAYMAP_"
)

type options struct {
	verbose            bool
	storeURI           string
	geoipCityDBPath    string
	onionooURL         string
	fetchTimeout       time.Duration
	fetchMaxRetries    uint
	geoipConcurrency   int
	refreshInterval    time.Duration
	listenAddr         string
	metricsAddr        string
	defaultLimit       int
	maxLimit           int
	corsAllowedOrigins []string
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "relaymap",
	Short: "Tor relay map",
	Long: `relaymap collects Tor relay descriptors from Onionoo, geolocates them
with a MaxMind GeoLite2-City database and serves them for a world map.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyEnv(cmd.Flags(), os.LookupEnv)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relaymap %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&opts.verbose, "verbose", false, "enable verbose (debug) logging")
	pf.StringVar(&opts.storeURI, "store-uri", store.DefaultURI, "relay store URI (sqlite://, duckdb://, postgres://, clickhouse://)")
	pf.StringVar(&opts.geoipCityDBPath, "geoip-city-db-path", geoip.DefaultCityDBPath, "path to MaxMind GeoIP2 City database file")
	pf.StringVar(&opts.onionooURL, "onionoo-url", onionoo.DefaultBaseURL, "Onionoo base URL")
	pf.DurationVar(&opts.fetchTimeout, "fetch-timeout", onionoo.DefaultTimeout, "timeout for one Onionoo request")
	pf.UintVar(&opts.fetchMaxRetries, "fetch-max-retries", onionoo.DefaultMaxRetries, "maximum Onionoo fetch attempts per refresh")
	pf.IntVar(&opts.geoipConcurrency, "geoip-concurrency", enricher.DefaultMaxConcurrency, "maximum concurrent geoip lookups")
	pf.DurationVar(&opts.refreshInterval, "refresh-interval", refresh.DefaultInterval, "interval between refresh passes")
	pf.StringVar(&opts.listenAddr, "listen-addr", defaultListenAddr, "HTTP server listen address")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics (empty disables)")
	pf.IntVar(&opts.defaultLimit, "default-limit", query.DefaultLimit, "relays returned when a request names no limit")
	pf.IntVar(&opts.maxLimit, "max-limit", query.MaxLimit, "upper bound on the limit a request may ask for")
	pf.StringSliceVar(&opts.corsAllowedOrigins, "cors-allowed-origins", nil, "origins allowed to call the API cross-origin")

	rootCmd.AddCommand(serveCmd, refreshCmd, statsCmd, versionCmd)
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
