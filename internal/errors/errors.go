// Package errors provides the error taxonomy of the bridge.
//
// Sentinel errors classify failures that callers are expected to branch on:
// a capability the backend never advertised, an operation issued before the
// session is ready, or a transport that went away. BackendError carries the
// verbatim message of an MI ^error record or a DAP error response.
// DebugError is the structured form returned to MCP clients; it adds a
// machine-readable code and an actionable hint.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

var (
	// ErrNotSupported is returned for a request whose capability the backend
	// did not advertise. Nothing is sent.
	ErrNotSupported = stderrors.New("not supported by the debug backend")

	// ErrNotReady is reported for breakpoint operations issued before the
	// session finished initializing.
	ErrNotReady = stderrors.New("debug session is not ready")

	// ErrTransportClosed fails every pending request once its transport is
	// torn down or the debugger process exits.
	ErrTransportClosed = stderrors.New("transport closed")

	// ErrSessionTerminated is returned by operations on a terminated session.
	ErrSessionTerminated = stderrors.New("debug session terminated")
)

// IsNotSupported reports whether err means "feature unavailable".
func IsNotSupported(err error) bool {
	return stderrors.Is(err, ErrNotSupported)
}

// IsTransportClosed reports whether err was caused by transport death.
func IsTransportClosed(err error) bool {
	return stderrors.Is(err, ErrTransportClosed)
}

// BackendError is a failure reported by the debugger backend.
type BackendError struct {
	// Source is "mi" or "dap".
	Source  string
	Command string
	Message string
}

func (e *BackendError) Error() string {
	if e.Command == "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s: %s", e.Source, e.Command, e.Message)
}

// BackendMessage returns the backend's own text when err is a BackendError,
// otherwise err.Error().
func BackendMessage(err error) string {
	var be *BackendError
	if stderrors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Session errors
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"
	CodeSessionTerminated   ErrorCode = "SESSION_TERMINATED"

	// Backend errors
	CodeBackendConnectFailed ErrorCode = "BACKEND_CONNECT_FAILED"
	CodeBackendStartFailed   ErrorCode = "BACKEND_START_FAILED"
	CodeNotSupported         ErrorCode = "NOT_SUPPORTED"

	// DAP protocol errors
	CodeDAPInitFailed   ErrorCode = "DAP_INIT_FAILED"
	CodeDAPLaunchFailed ErrorCode = "DAP_LAUNCH_FAILED"
	CodeDAPAttachFailed ErrorCode = "DAP_ATTACH_FAILED"
	CodeDAPTimeout      ErrorCode = "DAP_TIMEOUT"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeInvalidJSON      ErrorCode = "INVALID_JSON"

	// Permission errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// launch.json errors
	CodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	CodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// Runtime errors
	CodeBreakpointFailed ErrorCode = "BREAKPOINT_FAILED"
	CodeEvaluationFailed ErrorCode = "EVALUATION_FAILED"
	CodeStepFailed       ErrorCode = "STEP_FAILED"
	CodeNoThreads        ErrorCode = "NO_THREADS"
)

// DebugError is a structured error type that includes helpful information
// for the client to understand what went wrong and how to fix it.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the invalid value, expected format)
	Details map[string]any `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value any) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// --- Session Errors ---

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use debug_list_sessions to see active sessions, or use debug_launch to create a new session.",
		Details: map[string]any{"sessionId": sessionID},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Use debug_disconnect to terminate an existing session before creating a new one.",
		Details: map[string]any{"maxSessions": maxSessions},
	}
}

// SessionTerminated creates an error for operations on a finished session
func SessionTerminated(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionTerminated,
		Message: fmt.Sprintf("session '%s' has terminated", sessionID),
		Hint:    "The debuggee or gdb exited. Use debug_disconnect to clean up and debug_launch to start again.",
		Cause:   ErrSessionTerminated,
		Details: map[string]any{"sessionId": sessionID},
	}
}

// --- Backend Errors ---

// BackendConnectFailed creates an error when the DAP backend cannot be reached
func BackendConnectFailed(address string, err error) *DebugError {
	return &DebugError{
		Code:    CodeBackendConnectFailed,
		Message: fmt.Sprintf("failed to connect to debug backend at %s: %v", address, err),
		Hint:    "Check that 'dap-gdb serve' is listening on that address, or leave server.backendAddress empty to use the in-process backend.",
		Cause:   err,
		Details: map[string]any{"address": address},
	}
}

// BackendStartFailed creates an error when gdb cannot be started
func BackendStartFailed(path string, err error) *DebugError {
	return &DebugError{
		Code:    CodeBackendStartFailed,
		Message: fmt.Sprintf("failed to start gdb (%s): %v", path, err),
		Hint:    "Ensure gdb is installed and gdb.path points to it. GDB 7.12 or later is required for MI3.",
		Cause:   err,
		Details: map[string]any{"path": path},
	}
}

// NotSupported creates an error for a request the backend did not advertise
func NotSupported(feature string) *DebugError {
	return &DebugError{
		Code:    CodeNotSupported,
		Message: fmt.Sprintf("%s is not supported by this debug backend", feature),
		Hint:    "The feature depends on gdb configuration (for example reverse debugging requires gdb.reverse: true).",
		Cause:   ErrNotSupported,
		Details: map[string]any{"feature": feature},
	}
}

// --- DAP Protocol Errors ---

// DAPInitFailed creates an error for DAP initialization failures
func DAPInitFailed(err error) *DebugError {
	return &DebugError{
		Code:    CodeDAPInitFailed,
		Message: fmt.Sprintf("debug adapter initialization failed: %v", err),
		Hint:    "The backend may be incompatible or crashed during startup. Try disconnecting and launching a new session.",
		Cause:   err,
	}
}

// DAPLaunchFailed creates an error for launch failures
func DAPLaunchFailed(program string, err error) *DebugError {
	return &DebugError{
		Code:    CodeDAPLaunchFailed,
		Message: fmt.Sprintf("failed to launch program: %v", err),
		Hint:    "Check that the program path is correct and that it was built with debug information (-g).",
		Cause:   err,
		Details: map[string]any{"program": program},
	}
}

// DAPAttachFailed creates an error for attach failures
func DAPAttachFailed(err error) *DebugError {
	return &DebugError{
		Code:    CodeDAPAttachFailed,
		Message: fmt.Sprintf("failed to attach to process: %v", err),
		Hint:    "Ensure the target process is running and that ptrace is permitted (see /proc/sys/kernel/yama/ptrace_scope).",
		Cause:   err,
	}
}

// DAPTimeout creates an error for DAP timeouts
func DAPTimeout(operation string, timeoutSeconds int) *DebugError {
	return &DebugError{
		Code:    CodeDAPTimeout,
		Message: fmt.Sprintf("%s timed out after %d seconds", operation, timeoutSeconds),
		Hint:    "The program may be running, stuck, or waiting for input. Try using debug_pause to interrupt execution.",
		Details: map[string]any{
			"operation":      operation,
			"timeoutSeconds": timeoutSeconds,
		},
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]any{"parameter": paramName},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value any, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]any{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// InvalidJSON creates an error for JSON parsing failures
func InvalidJSON(paramName string, err error, example string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidJSON,
		Message: fmt.Sprintf("invalid JSON in parameter '%s': %v", paramName, err),
		Hint:    fmt.Sprintf("Provide valid JSON. Example: %s", example),
		Cause:   err,
		Details: map[string]any{
			"parameter": paramName,
			"example":   example,
		},
	}
}

// --- Permission Errors ---

// PermissionDenied creates an error for permission denied
func PermissionDenied(operation, mode string) *DebugError {
	var hint string
	switch operation {
	case "spawn":
		hint = "The server is configured to disallow launching programs. Enable 'allowSpawn' in the configuration."
	case "attach":
		hint = "The server is configured to disallow attaching to processes. Enable 'allowAttach' in the configuration."
	case "evaluate":
		hint = "Expression evaluation is disabled in the current server mode."
	case "modify":
		hint = "Variable modification is disabled in the current server mode. The server may be in read-only mode."
	default:
		hint = fmt.Sprintf("This operation is not allowed in '%s' mode.", mode)
	}

	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s is not allowed in current server mode", operation),
		Hint:    hint,
		Details: map[string]any{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// --- launch.json Errors ---

// ConfigNotFound creates an error for missing launch.json configurations
func ConfigNotFound(configName string, availableConfigs []string) *DebugError {
	hint := "No gdb configurations found in launch.json."
	if len(availableConfigs) > 0 {
		hint = fmt.Sprintf("Available configurations: %s", strings.Join(availableConfigs, ", "))
	}

	return &DebugError{
		Code:    CodeConfigNotFound,
		Message: fmt.Sprintf("configuration '%s' not found in launch.json", configName),
		Hint:    hint,
		Details: map[string]any{
			"configName":       configName,
			"availableConfigs": availableConfigs,
		},
	}
}

// ConfigInvalid creates an error for invalid configuration
func ConfigInvalid(configName, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration '%s' is invalid: %s", configName, reason),
		Hint:    "Check the launch.json file for syntax errors and ensure all required fields are present.",
		Details: map[string]any{
			"configName": configName,
			"reason":     reason,
		},
	}
}

// --- Runtime Errors ---

// BreakpointFailed creates an error for breakpoint failures
func BreakpointFailed(path string, line int, reason string) *DebugError {
	return &DebugError{
		Code:    CodeBreakpointFailed,
		Message: fmt.Sprintf("could not set breakpoint at %s:%d", path, line),
		Hint:    fmt.Sprintf("Reason: %s. Ensure the file path is correct and the line contains executable code.", reason),
		Details: map[string]any{
			"path":   path,
			"line":   line,
			"reason": reason,
		},
	}
}

// EvaluationFailed creates an error for expression evaluation failures
func EvaluationFailed(expression string, err error) *DebugError {
	return &DebugError{
		Code:    CodeEvaluationFailed,
		Message: fmt.Sprintf("failed to evaluate expression '%s': %s", expression, BackendMessage(err)),
		Hint:    "Check the expression syntax and that referenced variables are in scope of the selected frame.",
		Cause:   err,
		Details: map[string]any{"expression": expression},
	}
}

// StepFailed creates an error for step failures
func StepFailed(stepType string, err error) *DebugError {
	var hint string
	switch stepType {
	case "over":
		hint = "Step over failed. The program may have terminated. Use debug_snapshot to check the current state."
	case "into":
		hint = "Step into failed. There may be no function call on the current line, or the program has terminated."
	case "out":
		hint = "Step out failed. You may already be in the outermost frame, or the program has terminated."
	case "back":
		hint = "Step back requires reverse debugging (gdb.reverse: true) and recorded history."
	default:
		hint = "The step operation failed. Use debug_snapshot to check the current program state."
	}

	return &DebugError{
		Code:    CodeStepFailed,
		Message: fmt.Sprintf("step %s failed: %v", stepType, err),
		Hint:    hint,
		Cause:   err,
		Details: map[string]any{"stepType": stepType},
	}
}

// NoThreads creates an error when no threads are available
func NoThreads() *DebugError {
	return &DebugError{
		Code:    CodeNoThreads,
		Message: "no threads available",
		Hint:    "The program may have terminated or not started yet. Use debug_snapshot to check the session status.",
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	if stderrors.Is(err, ErrNotSupported) {
		return NotSupported("this request")
	}
	return &DebugError{
		Code:    "UNKNOWN_ERROR",
		Message: err.Error(),
		Hint:    "An unexpected error occurred. Please check the error message for details.",
		Cause:   err,
	}
}
