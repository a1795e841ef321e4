package pluginerr

import "strings"

// Text classification is heuristic: it depends on the exact wording of upstream
// tools and is neither exhaustive nor mutually exclusive. Rules are evaluated in
// order and the first match wins, so more specific rules come first.

type rule struct {
	code Code
	// all terms must be present.
	all []string
	// at least one term must be present when non-empty.
	any []string
}

func (r rule) match(text string) bool {
	for _, term := range r.all {
		if !strings.Contains(text, term) {
			return false
		}
	}
	if len(r.any) == 0 {
		return len(r.all) > 0
	}
	for _, term := range r.any {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// processRules classify stderr of a CLI backend that exited non-zero.
var processRules = []rule{
	{code: CodeNodeUnreachable, any: []string{"unreachable", "connection refused", "no route to host", "failed to connect", "could not connect"}},
	{code: CodeInventoryNotFound, all: []string{"inventory"}, any: []string{"could not find", "not found", "no such file", "does not exist"}},
	{code: CodeTaskNotFound, any: []string{"could not find", "no such task", "task not found", "unknown task"}},
	{code: CodeTaskParameter, all: []string{"parameter"}, any: []string{"required", "missing", "invalid"}},
	{code: CodeAuthentication, any: []string{"authentication failed", "permission denied (publickey", "access denied"}},
}

// genericRules classify errors from any backend, CLI or HTTP.
var genericRules = []rule{
	{code: CodeAuthentication, any: []string{"unauthorized", "authentication", "forbidden", "status 401", "status 403", "invalid token", "access denied"}},
	{code: CodeTimeout, any: []string{"timed out", "timeout", "deadline exceeded", "etimedout"}},
	{code: CodeNodeUnreachable, any: []string{"unreachable", "no route to host", "host is down"}},
	{code: CodeConnection, any: []string{"connection refused", "econnrefused", "connection reset", "enotfound", "no such host", "dial tcp", "network error"}},
	{code: CodeInventoryNotFound, all: []string{"inventory"}, any: []string{"not found", "could not find", "no such file", "does not exist"}},
	{code: CodeTaskNotFound, any: []string{"no such task", "could not find task", "task not found", "unknown task"}},
	{code: CodeTaskParameter, all: []string{"parameter"}, any: []string{"required", "missing", "invalid"}},
	{code: CodeNotFound, any: []string{"not found", "could not find", "status 404", "no such"}},
	{code: CodeParse, any: []string{"parse", "unmarshal", "unexpected token", "invalid json", "invalid character"}},
	{code: CodeQuery, any: []string{"query"}},
	{code: CodeConfiguration, any: []string{"configuration", "not configured", "misconfigured"}},
	{code: CodeExecution, any: []string{"exit code", "exited with", "execution failed", "command failed"}},
}

func classify(rules []rule, text string) (Code, bool) {
	text = strings.ToLower(text)
	for _, r := range rules {
		if r.match(text) {
			return r.code, true
		}
	}
	return "", false
}

// ClassifyText maps free-form error text to a taxonomy code using the generic
// rules. ok is false when nothing matched.
func ClassifyText(text string) (code Code, ok bool) {
	return classify(genericRules, text)
}

// ProcessFailure describes a CLI invocation that exited non-zero.
type ProcessFailure struct {
	Plugin   string
	Node     string
	Task     string
	ExitCode int
	Stdout   string
	Stderr   string
}

// FromProcessFailure returns the most specific taxonomy error for a failed CLI
// invocation, falling back to *ExecutionError when stderr matches no rule.
func FromProcessFailure(f ProcessFailure) error {
	msg := strings.TrimSpace(f.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(f.Stdout)
	}
	if msg == "" {
		msg = "command failed with no output"
	}

	code, ok := classify(processRules, msg)
	if !ok {
		return &ExecutionError{
			Message:  msg,
			Plugin:   f.Plugin,
			ExitCode: f.ExitCode,
			Stdout:   f.Stdout,
			Stderr:   f.Stderr,
		}
	}

	switch code {
	case CodeTaskParameter:
		return &TaskParameterError{
			Task:    f.Task,
			Message: msg,
			Plugin:  f.Plugin,
			Params:  ParameterMessages(msg),
		}
	case CodeNodeUnreachable:
		e := NodeUnreachable(f.Node, msg)
		e.Plugin = f.Plugin
		return e
	case CodeTaskNotFound:
		e := TaskNotFound(f.Task, msg)
		e.Plugin = f.Plugin
		return e
	default:
		return &Error{Kind: code, Plugin: f.Plugin, Message: msg}
	}
}

// ParameterMessages extracts per-parameter complaints from backend text of the
// form "parameter 'name' <reason>" (one per line). Unattributable lines are
// collected under the empty key.
func ParameterMessages(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		idx := strings.Index(lower, "parameter ")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("parameter "):]
		name, reason := splitQuotedName(rest)
		if name == "" {
			if _, seen := out[""]; !seen {
				out[""] = line
			}
			continue
		}
		out[name] = strings.TrimSpace(reason)
	}
	return out
}

func splitQuotedName(s string) (string, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	quote := s[0]
	if quote != '\'' && quote != '"' && quote != '`' {
		return "", s
	}
	end := strings.IndexByte(s[1:], quote)
	if end < 0 {
		return "", s
	}
	return s[1 : end+1], s[end+2:]
}
