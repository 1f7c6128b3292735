// Package localexec provides an executor backed by an allowlisted local
// command. The request is written to the command's stdin as JSON; stdout is
// read back as a JSON result, or wrapped as a plain text message.
package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/tollgate/internal/connectors"
	"github.com/fentz26/tollgate/internal/models"
)

// Spec describes one local executor.
type Spec struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
	// ComputeResource, when set, is debited with the wall-clock minutes the
	// command ran.
	ComputeResource models.ResourceKey `yaml:"compute_resource"`
}

// LocalExec implements connectors.Executor for a local command.
type LocalExec struct {
	spec    Spec
	allowed map[string]bool
}

// New creates a LocalExec. allowlist names the command basenames that may be
// run; a spec whose command is not listed fails at Execute time.
func New(spec Spec, allowlist []string) *LocalExec {
	allowed := make(map[string]bool, len(allowlist))
	for _, c := range allowlist {
		allowed[c] = true
	}
	return &LocalExec{spec: spec, allowed: allowed}
}

// Name returns the executor identifier.
func (l *LocalExec) Name() string {
	if l.spec.Name != "" {
		return l.spec.Name
	}
	return "localexec:" + filepath.Base(l.spec.Command)
}

// IsAllowed checks if the configured command is in the allowlist.
func (l *LocalExec) IsAllowed() bool {
	return l.allowed[filepath.Base(l.spec.Command)]
}

// Execute runs the command for one task step.
func (l *LocalExec) Execute(ctx context.Context, req connectors.Request) (*connectors.Result, error) {
	if !l.IsAllowed() {
		return nil, fmt.Errorf("command not allowed: %s %s", l.spec.Command, strings.Join(l.spec.Args, " "))
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.spec.Command, l.spec.Args...)
	if l.spec.WorkDir != "" {
		cmd.Dir = l.spec.WorkDir
	}
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("exec error: %w", runErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		res := &connectors.Result{Status: connectors.StatusError, Error: msg}
		l.addUsage(res, elapsed)
		return res, nil
	}

	res := parseOutput(stdout.Bytes())
	l.addUsage(res, elapsed)
	return res, nil
}

// addUsage meters one invocation: a single api call unless the command
// reported its own count, plus compute minutes when configured. Search,
// storage, speech and workflow usage is only metered if the command reports
// it in its JSON result.
func (l *LocalExec) addUsage(res *connectors.Result, elapsed time.Duration) {
	if res.Usage == nil {
		res.Usage = make(map[models.ResourceKey]float64)
	}
	if _, ok := res.Usage[models.ResourceAPICalls]; !ok {
		res.Usage[models.ResourceAPICalls] = 1
	}
	if l.spec.ComputeResource != "" {
		res.Usage[l.spec.ComputeResource] += elapsed.Minutes()
	}
}

// parseOutput accepts either a JSON result or free text.
func parseOutput(out []byte) *connectors.Result {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res connectors.Result
		if err := json.Unmarshal(trimmed, &res); err == nil && res.Status != "" {
			for i := range res.Messages {
				if res.Messages[i].Role == "" {
					res.Messages[i].Role = models.RoleAgent
				}
			}
			return &res
		}
	}
	return &connectors.Result{
		Status: connectors.StatusSuccess,
		Messages: []models.Message{{
			Role:  models.RoleAgent,
			Parts: []models.Part{models.TextPart(string(trimmed))},
		}},
	}
}
