package pluginerr

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_TaxonomyErrorsPassThrough(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"execution", &ExecutionError{ExitCode: 2, Stderr: "boom"}, CodeExecution},
		{"parse", &ParseError{Raw: "{", Err: fmt.Errorf("unexpected EOF")}, CodeParse},
		{"timeout", &TimeoutError{Timeout: time.Second}, CodeTimeout},
		{"task parameter", &TaskParameterError{Task: "pkg"}, CodeTaskParameter},
		{"node unreachable", NodeUnreachable("web01", "host down"), CodeNodeUnreachable},
		{"inventory", InventoryNotFound("no inventory"), CodeInventoryNotFound},
		{"configuration", Configuration("missing url"), CodeConfiguration},
		{"wrapped", fmt.Errorf("outer: %w", TaskNotFound("foo", "no such task")), CodeTaskNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Normalize(tt.err, "bolt")
			assert.Equal(t, tt.want, n.Code)
			assert.Equal(t, "bolt", n.PluginName)
			assert.True(t, n.Code.Valid())
		})
	}
}

func TestNormalize_KeepsRecordedPluginName(t *testing.T) {
	err := &ExecutionError{Plugin: "bolt", ExitCode: 1}
	n := Normalize(err, "router")
	assert.Equal(t, "bolt", n.PluginName)
}

func TestNormalize_StructuredDetails(t *testing.T) {
	n := Normalize(&ExecutionError{ExitCode: 3, Stdout: "out", Stderr: "err"}, "bolt")
	require.NotNil(t, n.Details)
	assert.Equal(t, 3, n.Details["exit_code"])
	assert.Equal(t, "out", n.Details["stdout"])
	assert.Equal(t, "err", n.Details["stderr"])

	n = Normalize(&TimeoutError{Timeout: 1500 * time.Millisecond}, "bolt")
	assert.Equal(t, int64(1500), n.Details["timeout_ms"])

	n = Normalize(&ParseError{Raw: "not json"}, "bolt")
	assert.Equal(t, "not json", n.Details["raw"])

	n = Normalize(&TaskParameterError{Task: "package", Params: map[string]string{"name": "is required"}}, "bolt")
	params, ok := n.Details["parameters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "is required", params["name"])
}

func TestNormalize_ConnectionRefused(t *testing.T) {
	n := Normalize(errors.New("dial failed: connection refused"), "puppetdb")
	assert.Equal(t, CodeConnection, n.Code)

	// The CLI rules treat the same text as an unreachable node.
	err := FromProcessFailure(ProcessFailure{Plugin: "bolt", Node: "web01", ExitCode: 1, Stderr: "ssh: connect to host web01: Connection refused"})
	assert.Equal(t, CodeNodeUnreachable, CodeOf(err))
}

func TestNormalize_UnrecognizedFallsBackToPluginError(t *testing.T) {
	n := Normalize(errors.New("the flux capacitor misbehaved"), "prometheus")
	assert.Equal(t, CodePlugin, n.Code)
	assert.Equal(t, "the flux capacitor misbehaved", n.Message)
}

func TestNormalize_NonErrorValues(t *testing.T) {
	assert.Equal(t, CodeUnknown, Normalize(nil, "x").Code)
	assert.Equal(t, CodeUnknown, Normalize("plain string", "x").Code)
	assert.Equal(t, CodeUnknown, Normalize(42, "x").Code)
	assert.Equal(t, "42", Normalize(42, "x").Message)
}

func TestNormalize_ContextAndNetErrors(t *testing.T) {
	assert.Equal(t, CodeTimeout, Normalize(context.DeadlineExceeded, "x").Code)

	cancelled := Normalize(fmt.Errorf("call: %w", context.Canceled), "x")
	assert.Equal(t, CodePlugin, cancelled.Code)
	assert.Equal(t, true, cancelled.Details["cancelled"])

	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("boom")}
	assert.Equal(t, CodeConnection, Normalize(opErr, "x").Code)
}

func TestNormalize_AlreadyNormalized(t *testing.T) {
	in := &Normalized{Code: CodeQuery, Message: "bad query"}
	out := Normalize(in, "puppetdb")
	assert.Equal(t, CodeQuery, out.Code)
	assert.Equal(t, "puppetdb", out.PluginName)
	assert.Empty(t, in.PluginName, "input must not be mutated")
}

func TestNormalize_TypedNilNormalized(t *testing.T) {
	var missing *Normalized
	var out *Normalized
	require.NotPanics(t, func() { out = Normalize(missing, "bolt") })
	assert.Equal(t, CodeUnknown, out.Code)
	assert.Equal(t, "bolt", out.PluginName)
	assert.NotEmpty(t, out.Message)
}

func TestClassifyText_FirstMatchWins(t *testing.T) {
	tests := []struct {
		text string
		want Code
	}{
		{"401 Unauthorized", CodeAuthentication},
		{"request timed out while connection refused", CodeTimeout},
		{"Host is down", CodeNodeUnreachable},
		{"dial tcp 10.0.0.1:4013: connect: connection refused", CodeConnection},
		{"inventory file not found", CodeInventoryNotFound},
		{"Could not find task foo", CodeTaskNotFound},
		{"parameter 'name' is required", CodeTaskParameter},
		{"resource not found", CodeNotFound},
		{"failed to parse response", CodeParse},
		{"bad query syntax", CodeQuery},
		{"puppetdb is not configured", CodeConfiguration},
		{"process exited with status 3", CodeExecution},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, ok := ClassifyText(tt.text)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := ClassifyText("everything is fine")
	assert.False(t, ok)
}

func TestFromProcessFailure(t *testing.T) {
	t.Run("task not found", func(t *testing.T) {
		err := FromProcessFailure(ProcessFailure{Plugin: "bolt", Task: "foo", ExitCode: 1, Stderr: "Error: could not find task 'foo'"})
		assert.Equal(t, CodeTaskNotFound, CodeOf(err))
		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, "foo", e.Details["task"])
	})

	t.Run("parameter error", func(t *testing.T) {
		stderr := "Task package:\n parameter 'action' is required\n parameter 'name' expects a String value"
		err := FromProcessFailure(ProcessFailure{Plugin: "bolt", Task: "package", ExitCode: 1, Stderr: stderr})
		var pe *TaskParameterError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "is required", pe.Params["action"])
		assert.Equal(t, "expects a String value", pe.Params["name"])
	})

	t.Run("inventory", func(t *testing.T) {
		err := FromProcessFailure(ProcessFailure{Plugin: "bolt", ExitCode: 1, Stderr: "Could not find inventory file /tmp/inventory.yaml"})
		assert.Equal(t, CodeInventoryNotFound, CodeOf(err))
	})

	t.Run("generic execution failure", func(t *testing.T) {
		err := FromProcessFailure(ProcessFailure{Plugin: "bolt", ExitCode: 5, Stdout: "o", Stderr: "segfault"})
		var ee *ExecutionError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, 5, ee.ExitCode)
		assert.Equal(t, "o", ee.Stdout)
	})

	t.Run("empty output", func(t *testing.T) {
		err := FromProcessFailure(ProcessFailure{ExitCode: 1})
		assert.Equal(t, "command failed with no output", err.Error())
	})
}

func TestParameterMessages_Unattributed(t *testing.T) {
	got := ParameterMessages("Invalid parameter value supplied")
	assert.Equal(t, map[string]string{"": "Invalid parameter value supplied"}, got)
}
