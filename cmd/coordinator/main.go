// Package main implements the cryovault coordinator: the control plane of
// a distributed, chunked object store.
//
// Architecture:
//
//	┌──────────────────────────────────────────────┐
//	│                 Coordinator                    │
//	├──────────────────────────────────────────────┤
//	│  HTTP API:                                     │
//	│    /upload        - Chunk, replicate, store    │
//	│    /download/*    - Reconstruct and serve       │
//	│    /metadata/*    - Inspect file metadata       │
//	│    /nodes         - Liveness + leadership       │
//	│    /cache-status  - LRU cache occupancy         │
//	│    /health        - Health check                │
//	│    /metrics       - Prometheus exposition       │
//	├──────────────────────────────────────────────┤
//	│  Background loops:                              │
//	│    lease          - Fenced leader election       │
//	│    rebalancer     - Heal under-replicated chunks │
//	│    precache       - Evacuate imminent blackouts  │
//	└──────────────────────────────────────────────┘
//
// Only the elected leader runs the rebalancer and pre-cache loops and
// accepts uploads; every coordinator process, leader or not, serves reads
// and reports cluster status.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/cryovault/internal/cache"
	"github.com/dreamware/cryovault/internal/config"
	"github.com/dreamware/cryovault/internal/httpapi"
	"github.com/dreamware/cryovault/internal/kvstore"
	"github.com/dreamware/cryovault/internal/lease"
	"github.com/dreamware/cryovault/internal/metrics"
	"github.com/dreamware/cryovault/internal/placement"
	"github.com/dreamware/cryovault/internal/precache"
	"github.com/dreamware/cryovault/internal/reader"
	"github.com/dreamware/cryovault/internal/rebalancer"
	"github.com/dreamware/cryovault/internal/registry"
	"github.com/dreamware/cryovault/internal/writer"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cryovault",
		Short: "cryovault coordinates a distributed chunked object store",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (YAML)")
	root.PersistentFlags().Int("port", 0, "HTTP listen port")
	root.PersistentFlags().String("redis-url", "", "external metadata store URL")
	root.PersistentFlags().StringSlice("nodes", nil, "storage node base URLs")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP server and background loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cryovault %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}

	root.AddCommand(serveCmd, versionCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := newLogger(cfg)
	log.WithFields(logrus.Fields{
		"port":  cfg.Port,
		"nodes": len(cfg.Nodes),
	}).Info("starting coordinator")

	kv, err := kvstore.NewFromURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to metadata store: %w", err)
	}

	reg := registry.New(kv, cfg.Nodes).WithHeartbeatDeadline(cfg.HeartbeatDeadline)
	fileCache := cache.New(cfg.CacheMaxEntries, cfg.CacheMaxBytes)
	rr := placement.NewRoundRobin()

	masterID := uuid.NewString()
	ld := lease.New(kv, masterID, log).WithTiming(cfg.LeaseTick, cfg.LeaseTTL)
	ld.Start(context.Background())
	defer ld.Stop()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	w := writer.New(kv, reg, rr, fileCache, log).WithChunkSize(cfg.ChunkSize)
	rdr := reader.New(kv, fileCache, log)
	precacheReader := reader.New(kv, nil, log)

	rb := rebalancer.New(kv, reg, ld.AmILeader, m, log).WithInterval(cfg.RebalanceInterval)
	pc := precache.New(kv, reg, precacheReader, fileCache, ld.AmILeader, m, log).
		WithInterval(cfg.PrecacheInterval).
		WithThreshold(cfg.PrecacheThresholdMs)

	rb.Start(context.Background())
	defer rb.Stop()
	pc.Start(context.Background())
	defer pc.Stop()

	api := httpapi.New(w, rdr, reg, ld, fileCache, m, cfg.MaxUploadBytes, log)

	mux := http.NewServeMux()
	mux.Handle("/", api.Routes())
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", httpSrv.Addr).Info("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}
	log.Info("coordinator stopped")
	return nil
}

func newLogger(cfg config.Config) *logrus.Entry {
	l := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		l.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l)
}
