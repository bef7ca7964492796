package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewgoldstein/velocitydb/internal/adminhttp"
	"github.com/andrewgoldstein/velocitydb/internal/config"
	"github.com/andrewgoldstein/velocitydb/internal/engine"
	"github.com/andrewgoldstein/velocitydb/internal/identity"
	"github.com/andrewgoldstein/velocitydb/internal/metrics"
	"github.com/andrewgoldstein/velocitydb/internal/protocol"
	"github.com/andrewgoldstein/velocitydb/internal/ratelimit"
	"github.com/andrewgoldstein/velocitydb/internal/walog"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := "./velocityd.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Printf("velocityd: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logger)
	slog.SetDefault(logger)

	logger.Info("velocityd starting", "data_dir", cfg.Engine.DataDir, "listen", cfg.Server.ListenAddress)

	walMode, err := parseWALMode(cfg.Engine.WALMode)
	if err != nil {
		logger.Error("invalid wal_mode", "err", err)
		os.Exit(1)
	}

	var collector metrics.Collector = metrics.NoOp{}
	if cfg.Engine.EnableMetrics {
		collector = metrics.New()
	}

	eng, err := engine.Open(engine.Options{
		Dir:                    cfg.Engine.DataDir,
		MaxMemtableSize:        cfg.Engine.MaxMemtableSize,
		CacheSize:              cfg.Engine.CacheSize,
		BloomFalsePositiveRate: cfg.Engine.BloomFalsePositiveRate,
		CompactionThreshold:    cfg.Engine.CompactionThreshold,
		EnableCompression:      cfg.Engine.EnableCompression,
		WALMode:                walMode,
		FlushQueueSoftLimit:    cfg.Engine.FlushQueueSoftLimit,
		FlushQueueDepthMax:     cfg.Engine.FlushQueueDepthMax,
		Metrics:                collector,
	})
	if err != nil {
		logger.Error("failed to open engine", "err", err)
		os.Exit(1)
	}
	defer eng.Close()

	creds, err := protocol.LoadCredentialStore(cfg.Auth.CredentialsFile)
	if err != nil {
		logger.Error("failed to load credentials", "err", err)
		os.Exit(1)
	}

	var cert *tls.Certificate
	if cfg.TLS.Enabled {
		loaded, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			logger.Error("failed to load TLS certificate", "err", err)
			os.Exit(1)
		}
		cert = &loaded
	}
	fpHex, err := identity.Fingerprint(cfg.Engine.DataDir, cert)
	if err != nil {
		logger.Error("failed to compute server fingerprint", "err", err)
		os.Exit(1)
	}
	fpBytes, err := hex.DecodeString(fpHex)
	if err != nil {
		logger.Error("server fingerprint is not valid hex", "err", err)
		os.Exit(1)
	}
	var fingerprint [32]byte
	copy(fingerprint[:], fpBytes)

	var userLimiter *ratelimit.PerUser
	if cfg.RateLimit.PerUserEnabled {
		userLimiter = ratelimit.NewPerUser(cfg.RateLimit.UserOpsPerSecond, cfg.RateLimit.UserBurst)
	}

	admin := adminhttp.NewServer(eng, cfg.Server.AdminAddress, logger)
	admin.Start()
	defer admin.Stop()

	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	defer ln.Close()

	connOpts := protocol.Options{
		Fingerprint: fingerprint,
		Creds:       creds,
		ConnLimiter: func() *ratelimit.Bucket {
			return ratelimit.NewBucket(cfg.RateLimit.ConnOpsPerSecond, cfg.RateLimit.ConnBurst)
		},
		UserLimiter:     userLimiter,
		IdleTimeout:     cfg.Server.IdleTimeout,
		RequestDeadline: cfg.Server.RequestDeadline,
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		Logger:          logger,
	}

	go acceptLoop(ctx, ln, eng, connOpts, logger)

	if cfg.Engine.EnableMetrics && cfg.Engine.MetricsIntervalSeconds > 0 {
		go reportMetrics(ctx, eng, cfg.Engine.MetricsIntervalSeconds, logger)
	}

	logger.Info("velocityd ready")
	<-ctx.Done()
	logger.Info("velocityd shutting down")
}

func acceptLoop(ctx context.Context, ln net.Listener, eng *engine.Engine, opts protocol.Options, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		conn := protocol.NewConn(nc, eng, opts)
		go conn.Serve()
	}
}

func reportMetrics(ctx context.Context, eng *engine.Engine, intervalSeconds int, logger *slog.Logger) {
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := eng.Stats()
			logger.Info("stats", "active_memtable_bytes", st.ActiveMemtableBytes,
				"sealed_memtables", st.SealedMemtables, "live_tables", st.LiveTables,
				"cache_entries", st.CacheEntries, "op_counters", st.OpCounters,
				"get_p50_us", st.LatencyP50Micros, "get_p99_us", st.LatencyP99Micros)
		}
	}
}

func newLogger(cfg config.LoggerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parseWALMode(s string) (walog.Mode, error) {
	switch s {
	case "per-record":
		return walog.ModePerRecord, nil
	case "adaptive", "":
		return walog.ModeAdaptive, nil
	case "off":
		return walog.ModeOff, nil
	default:
		return "", fmt.Errorf("unknown wal_mode %q", s)
	}
}
