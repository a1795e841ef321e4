// Package pluginerr defines the closed error taxonomy shared by every backend
// integration, and the normalizer that maps arbitrary errors onto it.
//
// Backends raise the most specific typed error they can (ExecutionError,
// ParseError, TimeoutError, TaskParameterError, or *Error with a Code). Callers
// that need a uniform shape call Normalize, which never fails: anything outside
// the taxonomy is classified by message text and falls back to PLUGIN_ERROR, and
// non-error values fall back to UNKNOWN_ERROR.
package pluginerr

import (
	"fmt"
	"strings"
	"time"
)

// Code is a member of the closed error taxonomy.
type Code string

const (
	CodeConnection        Code = "CONNECTION_ERROR"
	CodeAuthentication    Code = "AUTHENTICATION_ERROR"
	CodeQuery             Code = "QUERY_ERROR"
	CodeExecution         Code = "EXECUTION_ERROR"
	CodeParse             Code = "PARSE_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeNodeUnreachable   Code = "NODE_UNREACHABLE"
	CodeInventoryNotFound Code = "INVENTORY_NOT_FOUND"
	CodeTaskNotFound      Code = "TASK_NOT_FOUND"
	CodeTaskParameter     Code = "TASK_PARAMETER_ERROR"
	CodeTimeout           Code = "TIMEOUT_ERROR"
	CodeConfiguration     Code = "CONFIGURATION_ERROR"
	CodePlugin            Code = "PLUGIN_ERROR"
	CodeUnknown           Code = "UNKNOWN_ERROR"
)

var allCodes = []Code{
	CodeConnection, CodeAuthentication, CodeQuery, CodeExecution, CodeParse,
	CodeNotFound, CodeNodeUnreachable, CodeInventoryNotFound, CodeTaskNotFound,
	CodeTaskParameter, CodeTimeout, CodeConfiguration, CodePlugin, CodeUnknown,
}

// Valid reports whether c belongs to the taxonomy.
func (c Code) Valid() bool {
	for _, known := range allCodes {
		if c == known {
			return true
		}
	}
	return false
}

// Coded is implemented by every taxonomy error.
type Coded interface {
	error
	Code() Code
}

// pluginTagged is implemented by taxonomy errors that remember which plugin raised them.
type pluginTagged interface {
	PluginName() string
}

// Error is the general-purpose taxonomy error for codes that carry no
// structured payload beyond free-form details.
type Error struct {
	Kind    Code
	Plugin  string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " "))
	}
	if e.Err != nil && !strings.Contains(msg, e.Err.Error()) {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Code() Code         { return e.Kind }
func (e *Error) Unwrap() error      { return e.Err }
func (e *Error) PluginName() string { return e.Plugin }

// New creates a taxonomy error with the given code.
func New(code Code, message string) *Error {
	return &Error{Kind: code, Message: message}
}

// Wrap creates a taxonomy error with the given code around cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Kind: code, Message: message, Err: cause}
}

// Connection reports that a backend could not be reached.
func Connection(message string, cause error) *Error {
	return Wrap(CodeConnection, cause, message)
}

// Authentication reports rejected credentials.
func Authentication(message string, cause error) *Error {
	return Wrap(CodeAuthentication, cause, message)
}

// Query reports a rejected or failed backend query.
func Query(message string, cause error) *Error {
	return Wrap(CodeQuery, cause, message)
}

// NotFound reports a missing resource.
func NotFound(message string) *Error {
	return New(CodeNotFound, message)
}

// Configuration reports a misconfigured backend.
func Configuration(message string) *Error {
	return New(CodeConfiguration, message)
}

// NodeUnreachable reports that a target node could not be contacted.
func NodeUnreachable(node, message string) *Error {
	e := New(CodeNodeUnreachable, message)
	if node != "" {
		e.Details = map[string]any{"node": node}
	}
	return e
}

// InventoryNotFound reports a missing inventory source.
func InventoryNotFound(message string) *Error {
	return New(CodeInventoryNotFound, message)
}

// TaskNotFound reports an unknown task name.
func TaskNotFound(task, message string) *Error {
	e := New(CodeTaskNotFound, message)
	if task != "" {
		e.Details = map[string]any{"task": task}
	}
	return e
}

// ExecutionError reports a backend process that ran and failed.
type ExecutionError struct {
	Message  string
	Plugin   string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("execution failed with exit code %d", e.ExitCode)
}

func (e *ExecutionError) Code() Code         { return CodeExecution }
func (e *ExecutionError) PluginName() string { return e.Plugin }

// ParseError reports backend output that could not be decoded.
type ParseError struct {
	Message string
	Plugin  string
	Raw     string
	Err     error
}

func (e *ParseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "failed to parse output"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Code() Code         { return CodeParse }
func (e *ParseError) Unwrap() error      { return e.Err }
func (e *ParseError) PluginName() string { return e.Plugin }

// TimeoutError reports an operation that exceeded its wall-clock bound.
type TimeoutError struct {
	Timeout time.Duration
	Plugin  string
	// Stdout and Stderr hold whatever was captured before termination.
	Stdout string
	Stderr string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %v", e.Timeout)
}

func (e *TimeoutError) Code() Code         { return CodeTimeout }
func (e *TimeoutError) PluginName() string { return e.Plugin }

// TaskParameterError reports invalid task parameters. Params maps a parameter
// name to the reason it was rejected; it may be empty when the backend did not
// say which parameter was at fault.
type TaskParameterError struct {
	Task    string
	Message string
	Plugin  string
	Params  map[string]string
}

func (e *TaskParameterError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("invalid parameters for task %s", e.Task)
}

func (e *TaskParameterError) Code() Code         { return CodeTaskParameter }
func (e *TaskParameterError) PluginName() string { return e.Plugin }
