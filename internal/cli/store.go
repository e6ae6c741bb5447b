package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/domain"
	redisstore "github.com/koltyakov/relayhub/internal/store/redis"
	"github.com/koltyakov/relayhub/internal/store/sqlite"
)

// snapshotStore is implemented by both snapshot backends.
type snapshotStore interface {
	Load(ctx context.Context) (domain.Registry, error)
	Save(ctx context.Context, r domain.Registry) error
	Init(ctx context.Context, force bool) (bool, error)
}

func openSQLite(cfg config.StoreConfig) (*sqlite.Store, error) {
	return sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
}

// openSnapshotStore picks the configured backend. SQLite reuses db; the
// returned close func only releases what was opened here.
func openSnapshotStore(ctx context.Context, cfg config.StoreConfig, db *sqlite.Store) (snapshotStore, func() error, error) {
	if cfg.Backend != config.StoreRedis {
		return db, func() error { return nil }, nil
	}
	rs, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPrefix)
	if err != nil {
		return nil, nil, err
	}
	return rs, rs.Close, nil
}

func resolveServerPepper(ctx context.Context, store *sqlite.Store, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return store.ResolveServerPepper(ctx, configured)
	}

	current, exists, err := store.GetServerPepper(ctx)
	if err != nil {
		return "", err
	}
	if exists {
		return current, nil
	}
	return store.ResolveServerPepper(ctx, chooseServerPepper())
}

func chooseServerPepper() string {
	machineID := detectMachineID()
	if machineID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("relayhub-pepper:" + machineID))
	return hex.EncodeToString(sum[:])
}

func detectMachineID() string {
	for _, p := range []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	} {
		if b, err := os.ReadFile(p); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				return v
			}
		}
	}
	if runtime.GOOS == "darwin" {
		if out, err := exec.Command("sysctl", "-n", "kern.uuid").Output(); err == nil {
			return strings.TrimSpace(string(out))
		}
	}
	return ""
}
