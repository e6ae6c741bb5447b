package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/debughttp"
	"github.com/koltyakov/relayhub/internal/domain"
	ilog "github.com/koltyakov/relayhub/internal/log"
	"github.com/koltyakov/relayhub/internal/registry"
	"github.com/koltyakov/relayhub/internal/server"
)

func runServer(ctx context.Context, args []string) int {
	config.LoadDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		return configError("server config error", err)
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	db, err := openSQLite(cfg.StoreConfig)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	pepper, err := resolveServerPepper(ctx, db, cfg.APIKeyPepper)
	if err != nil {
		fmt.Fprintln(stderr, "server config error:", err)
		return 2
	}
	cfg.APIKeyPepper = pepper

	snapshots, closeSnapshots, err := openSnapshotStore(ctx, cfg.StoreConfig, db)
	if err != nil {
		fmt.Fprintln(stderr, "store error:", err)
		return 1
	}
	defer func() { _ = closeSnapshots() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc := registry.New(snapshots, registry.Options{
		LivenessWindow: cfg.LivenessWindow,
		Logger:         logger,
		Metrics:        registry.NewMetrics(promReg),
	})
	// Serving starts either way; requests answer 503 until the snapshot exists.
	if _, err := svc.Snapshot(ctx); errors.Is(err, domain.ErrSnapshotMissing) {
		logger.Warn("registry snapshot not initialized; run \"relayhub registry init\"", "store", cfg.Backend)
	}

	if err := debughttp.StartOpsServer(ctx, cfg.OpsListen, promReg, logger); err != nil {
		fmt.Fprintln(stderr, "ops listener error:", err)
		return 1
	}

	logger.Info("starting relayhub", "version", Version, "store", cfg.Backend, "liveness_window", cfg.LivenessWindow.String())
	s := server.New(cfg, svc, db, logger, promReg)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(stderr, "server error:", err)
		return 1
	}
	return 0
}
