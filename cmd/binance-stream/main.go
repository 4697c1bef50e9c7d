// File: cmd/binance-stream/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// binance-stream subscribes to Binance market streams and logs what arrives,
// reconnecting with back-off until interrupted.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/binance-ws/control"
	"github.com/momentics/binance-ws/internal/config"
	"github.com/momentics/binance-ws/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "binance-stream",
		Short:         "Stream Binance market data over websocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(cfgFile)
			if err := loader.BindFlags(cmd.Flags(), map[string]string{
				"streams":      "stream.streams",
				"mode":         "stream.mode",
				"metrics-addr": "metrics.addr",
				"log-level":    "logging.level",
			}); err != nil {
				return err
			}
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, loader, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgFile, "config", "", "path to a YAML config file")
	f.StringSlice("streams", nil, "streams to subscribe to, e.g. btcusdt@trade,ethusdt@depth")
	f.String("mode", "", "run mode: blocking or nonblocking")
	f.String("metrics-addr", "", "listen address of the Prometheus endpoint, empty disables it")
	f.String("log-level", "", "debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, loader *config.Loader, cfg *config.Config) error {
	lg, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer lg.Sync()
	log := lg.Zap()

	store := control.NewConfigStore(cfg)
	store.OnReload(func(old, cur *config.Config) {
		if old.Logging.Level != cur.Logging.Level {
			if err := lg.SetLevel(cur.Logging.Level); err != nil {
				log.Error("log level not changed", zap.Error(err))
				return
			}
			log.Info("log level changed", zap.String("level", cur.Logging.Level))
		}
	})
	loader.Watch(store, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)

	s := newStreamer(store, log, control.NewMetrics(reg), probes)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           adminMux(cfg.Metrics.Path, reg, probes),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error { return s.run(gctx) })

	err = g.Wait()
	log.Info("stopped", zap.Any("probes", probes.DumpState()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// adminMux serves metrics and a JSON dump of the debug probes.
func adminMux(metricsPath string, reg *prometheus.Registry, probes *control.DebugProbes) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/probes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(probes.DumpState())
	})
	return mux
}
