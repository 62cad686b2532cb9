// Package runtime implements the ephemeral LLM child-process adapter
// for the spawner: a thin os/exec boundary invoking
// one of the supported runtime binaries (claude_code, codex, opencode)
// with a strictly-allowlisted environment, capturing its terminal
// result and tool calls.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/butler-fleet/butlers/pkg/config"
	"github.com/butler-fleet/butlers/pkg/models"
)

// Invocation is everything the adapter needs to run one LLM session.
type Invocation struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Env          map[string]string // already filtered to declared vars only
	Timeout      time.Duration
}

// Result is what one invocation produces.
type Result struct {
	Success      bool
	Text         string
	ToolCalls    models.ToolCalls
	InputTokens  int64
	OutputTokens int64
	Error        string
}

// Adapter invokes one runtime binary. Each RuntimeType gets its own
// Adapter because each binary's CLI contract (stdin/stdout framing,
// flags) differs; the binary itself is an opaque external
// collaborator, so this package only defines the invocation contract,
// not the binaries.
type Adapter interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// wireRequest is the JSON payload written to the child process's stdin.
// It's deliberately minimal: system/user prompt plus the model name; the
// binary owns its own tool-calling loop and reports back a single JSON
// result object on stdout.
type wireRequest struct {
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
	Model        string `json:"model"`
}

// wireResult is the JSON payload expected on the child process's stdout
// after it exits 0.
type wireResult struct {
	Success      bool             `json:"success"`
	Text         string           `json:"text"`
	ToolCalls    models.ToolCalls `json:"tool_calls"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	Error        string           `json:"error"`
}

// ExecAdapter invokes a runtime binary as a child process, writing the
// wire request to stdin and parsing a wireResult from stdout. Only the
// env vars explicitly passed in Invocation.Env reach the child.
type ExecAdapter struct {
	BinaryPath string
	ExtraArgs  []string
}

// NewExecAdapter builds the adapter for one runtime type, per the
// manifest's [butler.runtime] block.
func NewExecAdapter(rt config.RuntimeType, binaryPath string) (*ExecAdapter, error) {
	if binaryPath == "" {
		switch rt {
		case config.RuntimeClaudeCode:
			binaryPath = "claude"
		case config.RuntimeCodex:
			binaryPath = "codex"
		case config.RuntimeOpencode:
			binaryPath = "opencode"
		default:
			return nil, fmt.Errorf("runtime: unsupported runtime type %q", rt)
		}
	}
	return &ExecAdapter{BinaryPath: binaryPath, ExtraArgs: []string{"--json"}}, nil
}

// Invoke runs the child process, bounded by inv.Timeout.
func (a *ExecAdapter) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	req := wireRequest{SystemPrompt: inv.SystemPrompt, UserPrompt: inv.UserPrompt, Model: inv.Model}
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("runtime: marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.BinaryPath, a.ExtraArgs...)
	cmd.Env = flattenEnv(inv.Env)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return Result{}, fmt.Errorf("runtime: invocation timed out: %w", ctx.Err())
	}
	if runErr != nil {
		return Result{
			Success: false,
			Error:   fmt.Sprintf("runtime process failed: %v: %s", runErr, stderr.String()),
		}, nil
	}

	var wr wireResult
	if err := json.Unmarshal(stdout.Bytes(), &wr); err != nil {
		return Result{}, fmt.Errorf("runtime: parse output: %w (stdout=%q)", err, stdout.String())
	}

	return Result{
		Success:      wr.Success,
		Text:         wr.Text,
		ToolCalls:    wr.ToolCalls,
		InputTokens:  wr.InputTokens,
		OutputTokens: wr.OutputTokens,
		Error:        wr.Error,
	}, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
