package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kvmapd/kvmapd/internal/audit"
	"github.com/kvmapd/kvmapd/internal/authtoken"
	"github.com/kvmapd/kvmapd/internal/cache"
	"github.com/kvmapd/kvmapd/internal/cache/memorycache"
	"github.com/kvmapd/kvmapd/internal/cache/rediscache"
	"github.com/kvmapd/kvmapd/internal/cluster"
	"github.com/kvmapd/kvmapd/internal/config"
	"github.com/kvmapd/kvmapd/internal/httpapi"
	"github.com/kvmapd/kvmapd/internal/listen"
	"github.com/kvmapd/kvmapd/internal/logger"
	"github.com/kvmapd/kvmapd/internal/metrics"
)

func main() {
	var configPath string
	var env string

	root := &cobra.Command{
		Use:   "kvmapd-node",
		Short: "Raft-replicated transactional key-value map node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, env)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (env vars always override)")
	root.Flags().StringVar(&env, "env", "dev", "logger environment: dev|prod")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(configPath, env string) error {
	_ = godotenv.Load()

	logger.Init(logger.Config{Env: env, Level: "info", ServiceName: "kvmapd-node"})
	log := logger.L()
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := metrics.RegisterRaft(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register raft metrics: %w", err)
	}
	if err := metrics.RegisterKVMap(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register kvmap metrics: %w", err)
	}

	var sink cluster.EventSink
	var redisClient *rdb.Client
	if cfg.Listen.RedisAddr != "" {
		redisClient = rdb.NewClient(&rdb.Options{Addr: cfg.Listen.RedisAddr})
		sink = listen.NewPublisher(redisClient, log.Named("listen"), cfg.Listen.Topic)
	}

	node, err := cluster.NewNode(cluster.NodeOptions{
		NodeID:        cfg.Node.ID,
		RaftAddr:      cfg.Node.RaftAddr,
		DataDir:       cfg.Node.DataDir,
		Peers:         cfg.Node.Peers,
		Bootstrap:     cfg.Node.Bootstrap,
		SnapshotEvery: cfg.Node.SnapshotEvery,
		Logger:        log.Named("cluster"),
		Sink:          sink,
	})
	if err != nil {
		return fmt.Errorf("start raft node: %w", err)
	}
	defer node.Close()

	httpapi.SetSnapshotArchiveDir(cfg.Node.DataDir + "/manual-snapshots")

	cacheClient, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	var pgSink *audit.PgSink
	if cfg.Audit.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pgSink, err = audit.NewPgSink(ctx, cfg.Audit.PgDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		defer pgSink.Close()
	}

	var issuer *authtoken.Issuer
	if cfg.Auth.Enabled {
		issuer = authtoken.New(cfg.Auth.Secret, cfg.Auth.Issuer, 0)
	}

	server := httpapi.NewServer(httpapi.Options{
		Node:   node,
		Cache:  cacheClient,
		Audit:  pgSink,
		Issuer: issuer,
		Logger: log.Named("httpapi"),
	})

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: server.Router()}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		log.Info("http api listening", logger.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
		}
	}()

	audit.Log(context.Background(), "node_started", map[string]any{"node_id": cfg.Node.ID, "raft_addr": cfg.Node.RaftAddr})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	return nil
}

func buildCache(cfg *config.Config) (cache.Client, error) {
	switch cfg.Cache.Driver {
	case "redis":
		return rediscache.New(cfg.Cache.RedisAddr, cfg.Cache.Password, cfg.Cache.RedisDB, cfg.Cache.Prefix), nil
	case "memory", "":
		return memorycache.New(cfg.Cache.DefaultTTL, cfg.Cache.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}
