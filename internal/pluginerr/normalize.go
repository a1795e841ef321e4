package pluginerr

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/cockroachdb/errors"
)

// Normalized is the uniform, serializable view of any plugin failure.
type Normalized struct {
	Code       Code           `json:"code"`
	PluginName string         `json:"plugin_name,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (n *Normalized) Error() string {
	if n.PluginName != "" {
		return fmt.Sprintf("%s: %s", n.PluginName, n.Message)
	}
	return n.Message
}

// Normalize maps v onto the taxonomy. Taxonomy errors pass through unchanged
// apart from filling in pluginName when the error did not record one.
func Normalize(v any, pluginName string) *Normalized {
	switch val := v.(type) {
	case nil:
		return &Normalized{Code: CodeUnknown, PluginName: pluginName, Message: "unknown error"}
	case *Normalized:
		if val == nil {
			return &Normalized{Code: CodeUnknown, PluginName: pluginName, Message: "unknown error"}
		}
		out := *val
		if out.PluginName == "" {
			out.PluginName = pluginName
		}
		return &out
	case error:
		return normalizeError(val, pluginName)
	case string:
		return &Normalized{Code: CodeUnknown, PluginName: pluginName, Message: val}
	default:
		return &Normalized{Code: CodeUnknown, PluginName: pluginName, Message: fmt.Sprint(val)}
	}
}

func normalizeError(err error, pluginName string) *Normalized {
	var n *Normalized
	if errors.As(err, &n) {
		return Normalize(n, pluginName)
	}

	var coded Coded
	if errors.As(err, &coded) {
		out := &Normalized{
			Code:       coded.Code(),
			PluginName: pluginName,
			Message:    err.Error(),
			Details:    detailsOf(coded),
		}
		if tagged, ok := coded.(pluginTagged); ok && tagged.PluginName() != "" {
			out.PluginName = tagged.PluginName()
		}
		return out
	}

	out := &Normalized{PluginName: pluginName, Message: err.Error()}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Code = CodeTimeout
	case errors.Is(err, context.Canceled):
		out.Code = CodePlugin
		out.Details = map[string]any{"cancelled": true}
	case isNetError(err):
		out.Code = CodeConnection
	default:
		kind := fmt.Sprintf("%T", errors.UnwrapAll(err))
		if code, ok := ClassifyText(kind + " " + err.Error()); ok {
			out.Code = code
		} else {
			out.Code = CodePlugin
		}
	}
	return out
}

func isNetError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func detailsOf(err Coded) map[string]any {
	switch e := err.(type) {
	case *ExecutionError:
		return map[string]any{
			"exit_code": e.ExitCode,
			"stdout":    e.Stdout,
			"stderr":    e.Stderr,
		}
	case *ParseError:
		return map[string]any{"raw": e.Raw}
	case *TimeoutError:
		return map[string]any{"timeout_ms": e.Timeout.Milliseconds()}
	case *TaskParameterError:
		params := make(map[string]any, len(e.Params))
		for k, v := range e.Params {
			params[k] = v
		}
		return map[string]any{"task": e.Task, "parameters": params}
	case *Error:
		if len(e.Details) == 0 {
			return nil
		}
		out := make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			out[k] = v
		}
		return out
	}
	return nil
}

// CodeOf returns the taxonomy code of err without building a full Normalized value.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return normalizeError(err, "").Code
}

// IsCode reports whether err normalizes to code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Summary renders a one-line description used in execution records.
func (n *Normalized) Summary() string {
	var b strings.Builder
	b.WriteString(string(n.Code))
	if n.Message != "" {
		b.WriteString(": ")
		b.WriteString(n.Message)
	}
	return b.String()
}
