package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"

	"github.com/koltyakov/relayhub/internal/auth"
	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/store/sqlite"
)

func runAPIKeyAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: relayhub apikey <create|list|revoke> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runAPIKeyCreate(ctx, args[1:])
	case "list":
		return runAPIKeyList(ctx, args[1:])
	case "revoke":
		return runAPIKeyRevoke(ctx, args[1:])
	default:
		fmt.Fprintln(stderr, "unknown apikey command:", args[0])
		return 2
	}
}

func runAPIKeyCreate(ctx context.Context, args []string) int {
	var name string
	cfg, _, err := config.ParseStoreFlags("apikey-create", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&name, "name", "default", "Key label")
	})
	if err != nil {
		return configError("apikey config error", err)
	}

	store, code := openKeyStore(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	pepper, err := resolveServerPepper(ctx, store, cfg.APIKeyPepper)
	if err != nil {
		fmt.Fprintln(stderr, "apikey create error:", err)
		return 1
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintln(stderr, "generate key:", err)
		return 1
	}
	rec, err := store.CreateAPIKey(ctx, strings.TrimSpace(name), auth.HashAPIKey(plain, pepper))
	if err != nil {
		fmt.Fprintln(stderr, "create key:", err)
		return 1
	}
	// The id is the relay identity used by reputation and eviction.
	fmt.Fprintln(stdout, "id:", rec.ID)
	fmt.Fprintln(stdout, "name:", rec.Name)
	fmt.Fprintln(stdout, "api_key:", plain)
	return 0
}

func runAPIKeyList(ctx context.Context, args []string) int {
	cfg, _, err := config.ParseStoreFlags("apikey-list", args, nil)
	if err != nil {
		return configError("apikey config error", err)
	}

	store, code := openKeyStore(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	keys, err := store.ListAPIKeys(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "list keys:", err)
		return 1
	}
	if len(keys) == 0 {
		fmt.Fprintln(stdout, "no api keys")
		return 0
	}
	table := tablewriter.NewWriter(stdout)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"ID", "Name", "Created", "Revoked"})
	for _, k := range keys {
		revoked := ""
		if k.RevokedAt != nil {
			revoked = k.RevokedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		table.Append([]string{k.ID, k.Name, k.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), revoked})
	}
	table.Render()
	return 0
}

func runAPIKeyRevoke(ctx context.Context, args []string) int {
	var id string
	cfg, _, err := config.ParseStoreFlags("apikey-revoke", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&id, "id", "", "Key id")
	})
	if err != nil {
		return configError("apikey config error", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		fmt.Fprintln(stderr, "missing --id")
		return 2
	}

	store, code := openKeyStore(cfg)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.RevokeAPIKey(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			fmt.Fprintln(stderr, "revoke key: no active key with id", id)
			return 1
		}
		fmt.Fprintln(stderr, "revoke key:", err)
		return 1
	}
	// The registry record stays until evicted; the key just stops
	// authenticating.
	fmt.Fprintln(stdout, "revoked:", id)
	return 0
}

func openKeyStore(cfg config.StoreConfig) (*sqlite.Store, int) {
	store, err := openSQLite(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
