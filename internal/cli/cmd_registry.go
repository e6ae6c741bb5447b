package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/koltyakov/relayhub/internal/config"
)

func runRegistry(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: relayhub registry <init|evict> [flags]")
		return 2
	}
	switch args[0] {
	case "init":
		return runRegistryInit(ctx, args[1:])
	case "evict":
		return runRegistryEvict(ctx, args[1:])
	default:
		fmt.Fprintln(stderr, "unknown registry command:", args[0])
		return 2
	}
}

// runRegistryInit writes the empty snapshot the server refuses to invent.
func runRegistryInit(ctx context.Context, args []string) int {
	var force bool
	cfg, _, err := config.ParseStoreFlags("registry-init", args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&force, "force", false, "Overwrite an existing snapshot (drops all registrations)")
	})
	if err != nil {
		return configError("registry init config error", err)
	}

	db, err := openSQLite(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	store, closeStore, err := openSnapshotStore(ctx, cfg, db)
	if err != nil {
		fmt.Fprintln(stderr, "store error:", err)
		return 1
	}
	defer func() { _ = closeStore() }()

	created, err := store.Init(ctx, force)
	if err != nil {
		fmt.Fprintln(stderr, "registry init error:", err)
		return 1
	}
	if !created {
		fmt.Fprintln(stdout, "registry already initialized; use --force to reset it")
		return 0
	}
	fmt.Fprintf(stdout, "registry initialized (%s)\n", cfg.Backend)
	return 0
}

func runRegistryEvict(ctx context.Context, args []string) int {
	var olderThan time.Duration
	cfg, _, err := config.ParseClientFlags("registry-evict", args, func(fs *pflag.FlagSet) {
		fs.DurationVar(&olderThan, "older-than", 24*time.Hour, "Remove relays idle for longer than this")
	})
	if err != nil {
		return configError("registry evict config error", err)
	}
	if cfg.AdminToken == "" {
		fmt.Fprintln(stderr, "missing --admin-token or RELAYHUB_ADMIN_TOKEN")
		return 2
	}

	n, err := newAPIClient(cfg).Evict(ctx, olderThan)
	if err != nil {
		fmt.Fprintln(stderr, "registry evict error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "evicted:", n)
	return 0
}
