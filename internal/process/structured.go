package process

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

// ExecuteStructured runs the command with "--format json" appended unless args
// already select a format, and decodes stdout into out.
//
// Unlike Execute, a non-zero exit is returned as *pluginerr.ExecutionError.
// Empty or undecodable stdout yields *pluginerr.ParseError. The Result is
// returned alongside any error when the process ran.
func (r *Runner) ExecuteStructured(ctx context.Context, args []string, opts Options, out any) (*Result, error) {
	if !HasFormatFlag(args) {
		args = append(append([]string{}, args...), "--format", "json")
	}

	res, err := r.Execute(ctx, args, opts)
	if err != nil {
		return res, err
	}

	if !res.Success {
		return res, &pluginerr.ExecutionError{
			Message:  res.Error,
			Plugin:   r.plugin,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}

	if err := DecodeJSON(res.Stdout, out); err != nil {
		if pe, ok := err.(*pluginerr.ParseError); ok {
			pe.Plugin = r.plugin
		}
		return res, err
	}
	return res, nil
}

// DecodeJSON decodes raw into out, returning *pluginerr.ParseError for empty
// or malformed input.
func DecodeJSON(raw string, out any) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return &pluginerr.ParseError{Message: "empty output from command"}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		return &pluginerr.ParseError{
			Message: "failed to parse JSON output",
			Raw:     raw,
			Err:     err,
		}
	}
	return nil
}

// HasFormatFlag reports whether args already carry a --format flag.
func HasFormatFlag(args []string) bool {
	for _, a := range args {
		if a == "--format" || strings.HasPrefix(a, "--format=") {
			return true
		}
	}
	return false
}
