package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/koltyakov/relayhub/internal/client"
	"github.com/koltyakov/relayhub/internal/config"
	ilog "github.com/koltyakov/relayhub/internal/log"
	"github.com/koltyakov/relayhub/internal/node"
)

func runNode(ctx context.Context, args []string) int {
	config.LoadDotEnv(".env")

	cfg, err := config.ParseNodeFlags(args)
	if err != nil {
		return configError("node config error", err)
	}
	// stdout is reserved for the assigned client key.
	logger := ilog.NewWithWriter(stderr, cfg.LogLevel, cfg.LogFormat)

	api := client.New(cfg.ServerURL, client.Options{APIKey: cfg.APIKey, Timeout: cfg.Timeout})
	clientKey, err := node.New(cfg, api, logger).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return 0
	}
	if err != nil {
		if client.IsTLSProvisioningError(err) {
			fmt.Fprintln(stderr, "node error: server certificate not trusted yet; it may still be provisioning")
		}
		fmt.Fprintln(stderr, "node error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "client_public_key:", clientKey)
	return 0
}
