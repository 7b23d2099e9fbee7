package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/relaymap/pkg/logger"
	"github.com/malbeclabs/relaymap/pkg/metrics"
	"github.com/malbeclabs/relaymap/pkg/query"
	"github.com/malbeclabs/relaymap/pkg/server"
	"github.com/malbeclabs/relaymap/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Refresh relays on an interval and serve the map and query API",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(opts.verbose)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		p, err := newPipeline(ctx, log, opts)
		if err != nil {
			return err
		}
		defer p.Close()

		q, err := query.New(query.Config{
			Logger:       log,
			Store:        p.store,
			DefaultLimit: opts.defaultLimit,
			MaxLimit:     opts.maxLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to create query service: %w", err)
		}

		listener, err := net.Listen("tcp", opts.listenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", opts.listenAddr, err)
		}
		srv, err := server.New(server.Config{
			Logger:             log,
			Listener:           listener,
			Query:              q,
			Ready:              p.refresh.Ready,
			CORSAllowedOrigins: opts.corsAllowedOrigins,
		})
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to create server: %w", err)
		}

		metricsServerErrCh := make(chan error, 1)
		if opts.metricsAddr != "" {
			metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
			metricsListener, err := net.Listen("tcp", opts.metricsAddr)
			if err != nil {
				return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			go func() {
				log.Info("prometheus metrics server listening", "address", metricsListener.Addr().String())
				if err := http.Serve(metricsListener, mux); err != nil {
					metricsServerErrCh <- err
				}
			}()
			defer metricsListener.Close()
		}

		log.Info("relaymap: starting",
			"version", version,
			"store", store.RedactedURI(opts.storeURI),
			"refresh_interval", opts.refreshInterval.String(),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return p.refresh.Run(gctx) })
		g.Go(func() error { return srv.Run(gctx) })
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-metricsServerErrCh:
				return fmt.Errorf("metrics server error: %w", err)
			}
		})

		if err := g.Wait(); err != nil {
			log.Error("relaymap: stopped with error", "error", err)
			return err
		}
		log.Info("relaymap: stopped")
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a single refresh pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(opts.verbose)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		p, err := newPipeline(ctx, log, opts)
		if err != nil {
			return err
		}
		defer p.Close()

		res, err := p.refresh.Refresh(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("relaymap: refresh cancelled by signal")
			}
			return fmt.Errorf("refresh failed: %w", err)
		}
		log.Info("relaymap: refresh completed",
			"run_id", res.RunID,
			"fetched", res.Fetched,
			"valid", res.Valid,
			"dropped", res.Dropped,
			"geolocated", res.Geolocated,
			"duration", res.Duration.String(),
		)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print relay store statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(opts.verbose)
		ctx := cmd.Context()

		st, err := store.Open(ctx, log, opts.storeURI)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		stats, err := st.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}
