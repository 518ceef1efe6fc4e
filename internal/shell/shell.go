// Package shell runs local commands without going through a shell interpreter.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result is the outcome of a finished command.
type Result struct {
	Code   int    `json:"code"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// OK reports whether the command exited with status zero.
func (r Result) OK() bool { return r.Code == 0 }

// Runner executes an argv and captures its output.
type Runner interface {
	Run(ctx context.Context, argv ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Env is appended to the current process environment.
	Env []string
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes argv. A non-zero exit is reported in Result.Code, not as an error;
// errors are reserved for commands that could not be started.
func (r *ExecRunner) Run(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return Result{Code: -1, Stderr: "command timed out"}, nil
	}

	res := Result{
		Stdout: Decode(stdout.Bytes()),
		Stderr: Decode(stderr.Bytes()),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}

	return res, nil
}

// Decode converts raw process output to text, replacing invalid UTF-8 sequences.
func Decode(raw []byte) string {
	return strings.ToValidUTF8(string(raw), "�")
}
