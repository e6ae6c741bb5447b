package cli

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	Version = normalizeVersion(Version)
}

// normalizeVersion adds the "v" prefix release tooling strips, leaving
// "dev" alone.
func normalizeVersion(v string) string {
	if v == "" || v == "dev" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func printVersion(w io.Writer) {
	fmt.Fprintln(w, "relayhub", Version)
}
