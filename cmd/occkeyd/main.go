// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of occkey

// Command occkeyd runs the occurrence-key allocation service against a real
// HBase cluster, exposing its Prometheus metrics over HTTP.
//
// Grounded on the teacher's pkg/metrics/registry.go for the
// "prometheus.NewPedanticRegistry + promhttp.HandlerFor + http.Server"
// shape, simplified here into a plain main() since the teacher's
// hive/cell dependency-injection framework has no role in this single-
// binary daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/darwincore/occkey/pkg/keyservice"
	"github.com/darwincore/occkey/pkg/kv/hbase"
)

type daemonConfig struct {
	zkQuorum        string
	lookupTable     string
	counterTable    string
	occurrenceTable string
	columnFamily    string
	datasetID       string
	batchSize       int64
	metricsAddr     string
	logLevel        string
}

func main() {
	cfg := parseFlags(pflag.CommandLine, os.Args[1:])

	logger := newLogger(cfg.logLevel)
	slog.SetDefault(logger)

	registry := prometheus.NewPedanticRegistry()
	metrics := keyservice.NewMetrics(registry)

	backend := hbase.New(cfg.zkQuorum, cfg.columnFamily)
	defer backend.Close()

	coordinator := keyservice.New(backend, keyservice.Config{
		LookupTable:     cfg.lookupTable,
		CounterTable:    cfg.counterTable,
		OccurrenceTable: cfg.occurrenceTable,
		ColumnFamily:    cfg.columnFamily,
		DatasetID:       cfg.datasetID,
		BatchSize:       cfg.batchSize,
	}, keyservice.WithLogger(logger), keyservice.WithMetrics(metrics))
	_ = coordinator // wired for upstream collaborators via an RPC/embedding layer outside this repo's scope

	srv := newMetricsServer(cfg.metricsAddr, registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("serving prometheus metrics", "addr", cfg.metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
}

func parseFlags(flags *pflag.FlagSet, args []string) daemonConfig {
	var cfg daemonConfig
	flags.StringVar(&cfg.zkQuorum, "zk-quorum", "localhost:2181", "ZooKeeper quorum for the HBase cluster")
	flags.StringVar(&cfg.lookupTable, "lookup-table", "occurrence_lookup", "HBase table holding lookup rows")
	flags.StringVar(&cfg.counterTable, "counter-table", "occurrence_counter", "HBase table holding the atomic counter row")
	flags.StringVar(&cfg.occurrenceTable, "occurrence-table", "occurrence", "HBase table holding occurrence records")
	flags.StringVar(&cfg.columnFamily, "column-family", "o", "HBase column family used by every table")
	flags.StringVar(&cfg.datasetID, "dataset-id", "", "default scope when callers omit one")
	flags.Int64Var(&cfg.batchSize, "batch-size", 100, "counter batch size reserved per IncrementColumn call")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	flags.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := flags.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux}
}
