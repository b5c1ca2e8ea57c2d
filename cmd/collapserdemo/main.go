// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Command collapserdemo wires a Collapser over an in-process bulk lookup
// provider and a resilient cache over Redis, exposing both through a
// small HTTP surface: a lookup endpoint that exercises the collapser, and
// a metrics/health endpoint for observing it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	ocprom "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats/view"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/batchflow/collapser/collapse"
	"github.com/batchflow/collapser/metricid"
	"github.com/batchflow/collapser/rescache"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; defaults are used otherwise)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "collapserdemo: building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("collapserdemo exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	maxWait, err := cfg.maxWaitDuration()
	if err != nil {
		return fmt.Errorf("parsing max_wait: %w", err)
	}
	cacheTimeout, err := cfg.cacheTimeoutDuration()
	if err != nil {
		return fmt.Errorf("parsing cache_timeout: %w", err)
	}

	promReg := prometheus.NewRegistry()
	metrics := metricid.NewRegistry(promReg)

	// The opencensus exporter scrapes this same promReg, so the hierarchical
	// metrics metricid.Registry records through go.opencensus.io/stats
	// surface on the same /metrics endpoint as the dimensional ones it
	// records directly into promReg.
	ocExporter, err := ocprom.NewExporter(ocprom.Options{Registry: promReg, Namespace: "collapserdemo"})
	if err != nil {
		return fmt.Errorf("building opencensus prometheus exporter: %w", err)
	}
	view.RegisterExporter(ocExporter)

	collapserID := metricid.ID{
		Hierarchical:       cfg.HierarchicalPrefix,
		Dimensional:        cfg.DimensionalPrefix,
		EnableHierarchical: true,
		EnableDimensional:  true,
	}
	cacheID := metricid.ID{
		Hierarchical:       "reactive-cache." + cfg.CacheName,
		Dimensional:        "cache",
		Tags:               []metricid.Tag{{Key: "name", Value: cfg.CacheName}},
		EnableHierarchical: true,
		EnableDimensional:  true,
	}

	collapser := collapse.New[string, lookupResult](
		collapse.WithBulkProvider[string, lookupResult](bulkLookup),
		collapse.WithContextValueMatcher[string, lookupResult](func(key string, v lookupResult) bool {
			return key == v.Key
		}),
		collapse.WithBatchSize[string, lookupResult](cfg.BatchSize),
		collapse.WithMaximumWaitTime[string, lookupResult](maxWait),
		collapse.WithBatchMaxConcurrency[string, lookupResult](cfg.MaxConcurrency),
		collapse.WithMetrics[string, lookupResult](metrics, collapserID),
		collapse.WithLogger[string, lookupResult](logger),
	)
	defer collapser.Cancel()

	cache, err := rescache.NewRedisCache(cfg.RedisAddr, rescache.Config{
		Name:    cfg.CacheName,
		Timeout: cacheTimeout,
		Metrics: metrics,
		ID:      cacheID,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("constructing redis cache: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", ocExporter)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/lookup", lookupHandler(collapser, cache, logger))

	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	logger.Info("collapserdemo listening", zap.String("addr", cfg.MetricsAddr))

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return multierr.Append(err, shutdown(server, collapser))
	}
	return nil
}

func shutdown(server *http.Server, collapser *collapse.Collapser[string, lookupResult]) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, server.Shutdown(ctx))
	collapser.Cancel()
	collapser.Wait()
	return errs
}

// lookupResult is the per-key reply the demo's bulk provider produces.
type lookupResult struct {
	Key   string
	Value string
}

// bulkLookup is a stand-in downstream provider: it echoes each key back
// with a derived value, standing in for whatever real batched RPC or
// database query a production collapser would wrap.
func bulkLookup(_ context.Context, keys []string) ([]lookupResult, error) {
	out := make([]lookupResult, 0, len(keys))
	for _, k := range keys {
		out = append(out, lookupResult{Key: k, Value: "v-" + k})
	}
	return out, nil
}

func lookupHandler(collapser *collapse.Collapser[string, lookupResult], cache *rescache.Cache, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key query parameter", http.StatusBadRequest)
			return
		}

		ctx := r.Context()

		if cached, hit, err := cache.Get(ctx, key); err == nil && hit {
			writeJSON(w, lookupResponse{Key: key, Value: string(cached), Source: "cache"})
			return
		} else if err != nil {
			logger.Debug("cache lookup failed, falling through to collapser", zap.Error(err))
		}

		done := make(chan lookupResponse, 1)
		collapser.Subscribe(ctx, key, func(_ context.Context, res collapse.Result[lookupResult]) {
			switch {
			case res.Err != nil:
				done <- lookupResponse{Key: key, Err: res.Err.Error()}
			case !res.Ok:
				done <- lookupResponse{Key: key, Err: "no value for key"}
			default:
				if err := cache.Put(ctx, key, []byte(res.Value.Value), time.Minute); err != nil {
					logger.Debug("cache put failed", zap.Error(err))
				}
				done <- lookupResponse{Key: key, Value: res.Value.Value, Source: "collapser"}
			}
		})

		select {
		case resp := <-done:
			writeJSON(w, resp)
		case <-ctx.Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		}
	}
}

type lookupResponse struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Source string `json:"source,omitempty"`
	Err    string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, resp lookupResponse) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Err != "" {
		w.WriteHeader(http.StatusBadGateway)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
