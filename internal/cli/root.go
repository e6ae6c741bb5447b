// Package cli implements the relayhub command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return run(ctx, args)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "node":
		return runNode(ctx, args[1:])
	case "list":
		return runList(ctx, args[1:])
	case "select":
		return runSelect(ctx, args[1:])
	case "reputation":
		return runReputation(ctx, args[1:])
	case "registry":
		return runRegistry(ctx, args[1:])
	case "apikey":
		return runAPIKeyAdmin(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion(stdout)
		return 0
	case "-h", "--help", "help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage(stderr)
		return 2
	}
}

// configError reports a flag or validation error and returns the exit code.
// --help is not an error.
func configError(prefix string, err error) int {
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	fmt.Fprintln(stderr, prefix+":", err)
	return 2
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `relayhub - rendezvous and liveness registry for relay nodes

Usage:
  relayhub server [flags]                       Run the registry HTTP server
  relayhub node --name N --public-key K --address A
                                                Register this relay and heartbeat until a client is assigned
  relayhub list                                 Print active relays
  relayhub select --name N --client-key K       Match a client to a relay and print its endpoint
  relayhub reputation --identity I --delta D    Adjust a relay's reputation (admin)
  relayhub registry init [--force]              Write an empty registry snapshot
  relayhub registry evict --older-than 24h      Remove idle relays (admin)
  relayhub apikey create --name NAME            Create a node API key
  relayhub apikey list                          List API keys
  relayhub apikey revoke --id ID                Revoke an API key
  relayhub version                              Print version
  relayhub help                                 Show this help

Quick Start:
  1. relayhub registry init                     # create the registry
  2. relayhub apikey create --name relay-1      # issue a node key
  3. relayhub server --admin-token SECRET       # start server
  4. relayhub node --api-key KEY --name eu-1 --public-key PUB --address 203.0.113.7:51820
  5. relayhub select --name eu-1 --client-key CLIENTPUB

Environment Variables:
  RELAYHUB_SERVER           Registry server URL for node and client commands
  RELAYHUB_API_KEY          Node API key
  RELAYHUB_ADMIN_TOKEN      Admin token for reputation and eviction
  RELAYHUB_STORE            Snapshot backend: sqlite|redis (default: sqlite)
  RELAYHUB_DB_PATH          SQLite database path (default: ./relayhub.db)
  RELAYHUB_REDIS_ADDR       Redis URL for the redis backend
  RELAYHUB_LIVENESS_WINDOW  Max heartbeat age for the active list (default: 30s)
  RELAYHUB_LOG_LEVEL        Log level: debug|info|warn|error (default: info)

Run "relayhub <command> --help" for all flags.`)
}
