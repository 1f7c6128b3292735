// Package agents inspects the local commands that configured executors run.
package agents

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/tollgate/internal/config"
)

// Executor availability.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBlocked = "blocked"
)

const versionTimeout = 2 * time.Second

// Agent describes one configured executor as found on this host.
type Agent struct {
	Role    string `json:"role"`
	Name    string `json:"name"`
	Command string `json:"command"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
	Status  string `json:"status"`
}

// Probe resolves each executor's command. An executor whose command is not
// in the allowlist is blocked without being looked up.
func Probe(ctx context.Context, execs []config.Executor, allowlist []string) []Agent {
	allowed := make(map[string]bool, len(allowlist))
	for _, c := range allowlist {
		allowed[c] = true
	}

	out := make([]Agent, 0, len(execs))
	for _, e := range execs {
		a := Agent{Role: e.Role, Name: e.Name, Command: e.Command, Status: StatusOffline}
		if a.Name == "" {
			a.Name = "localexec:" + filepath.Base(e.Command)
		}
		if !allowed[filepath.Base(e.Command)] {
			a.Status = StatusBlocked
			out = append(out, a)
			continue
		}
		if path, err := exec.LookPath(e.Command); err == nil {
			a.Path = path
			a.Status = StatusOnline
			a.Version = commandVersion(ctx, path)
		}
		out = append(out, a)
	}
	return out
}

func commandVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// First line only
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
