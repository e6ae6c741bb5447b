package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"

	"github.com/koltyakov/relayhub/internal/client"
	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/domain"
)

func newAPIClient(cfg config.ClientConfig) *client.Client {
	return client.New(cfg.ServerURL, client.Options{AdminToken: cfg.AdminToken, Timeout: cfg.Timeout})
}

func runList(ctx context.Context, args []string) int {
	cfg, _, err := config.ParseClientFlags("list", args, nil)
	if err != nil {
		return configError("list config error", err)
	}
	servers, err := newAPIClient(cfg).ActiveServers(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "list error:", err)
		return 1
	}
	renderServers(stdout, servers)
	return 0
}

func renderServers(w io.Writer, servers []domain.ActiveServer) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "no active servers")
		return
	}
	rows := make([][]string, 0, len(servers))
	for _, s := range servers {
		rows = append(rows, []string{s.Name, s.Address, s.PublicKey, strconv.FormatInt(s.Reputation, 10)})
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"Name", "Address", "Public Key", "Reputation"})
	table.AppendBulk(rows)
	table.Render()
}

func runSelect(ctx context.Context, args []string) int {
	var name, clientKey string
	cfg, _, err := config.ParseClientFlags("select", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&name, "name", "", "Relay name")
		fs.StringVar(&clientKey, "client-key", "", "Client public key to hand to the relay")
	})
	if err != nil {
		return configError("select config error", err)
	}
	name = strings.TrimSpace(name)
	clientKey = strings.TrimSpace(clientKey)
	if name == "" || clientKey == "" {
		fmt.Fprintln(stderr, "missing --name or --client-key")
		return 2
	}

	ep, err := newAPIClient(cfg).Select(ctx, name, clientKey)
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Fprintf(stderr, "no relay named %q\n", name)
		return 1
	}
	if err != nil {
		fmt.Fprintln(stderr, "select error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "public_key:", ep.PublicKey)
	fmt.Fprintln(stdout, "address:", ep.Address)
	return 0
}

func runReputation(ctx context.Context, args []string) int {
	var identity string
	var delta int64
	cfg, _, err := config.ParseClientFlags("reputation", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&identity, "identity", "", "Relay identity (API key id)")
		fs.Int64Var(&delta, "delta", 0, "Signed reputation change")
	})
	if err != nil {
		return configError("reputation config error", err)
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		fmt.Fprintln(stderr, "missing --identity")
		return 2
	}
	if cfg.AdminToken == "" {
		fmt.Fprintln(stderr, "missing --admin-token or RELAYHUB_ADMIN_TOKEN")
		return 2
	}

	res, err := newAPIClient(cfg).AdjustReputation(ctx, domain.Identity(identity), delta)
	if err != nil {
		fmt.Fprintln(stderr, "reputation error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "identity:", res.Identity)
	fmt.Fprintln(stdout, "reputation:", res.Reputation)
	return 0
}
