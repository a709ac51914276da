// Package types defines the JSON views shared by the MCP tools and the
// coordinator.
//
// This package provides type definitions for:
//   - SessionKind and SessionStatus: how a session was started and where it is
//   - SessionInfo: one entry of the session list
//   - ThreadInfo, StackFrame, Scope, Variable: inspection results
//   - DebugSnapshot: threads, stacks, scopes and output in one response
//
// Values here are presentation types. The coordinator keeps go-dap types
// internally and converts at the tool boundary.
package types

import "time"

// SessionKind tells whether a session launched or attached to its debuggee.
type SessionKind string

const (
	SessionKindLaunch SessionKind = "launch"
	SessionKindAttach SessionKind = "attach"
)

// SessionStatus represents the status of a debug session
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusStopped      SessionStatus = "stopped"
	SessionStatusTerminated   SessionStatus = "terminated"
)

// SessionInfo represents information about a debug session
type SessionInfo struct {
	SessionID string        `json:"sessionId"`
	Kind      SessionKind   `json:"kind"`
	Status    SessionStatus `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Program   string        `json:"program,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	ExitCode  *int          `json:"exitCode,omitempty"`
}

// ThreadInfo represents information about a thread
type ThreadInfo struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

// StackFrame represents a stack frame
type StackFrame struct {
	ID                          int         `json:"id"`
	Name                        string      `json:"name"`
	Source                      *SourceInfo `json:"source,omitempty"`
	Line                        int         `json:"line"`
	Column                      int         `json:"column,omitempty"`
	InstructionPointerReference string      `json:"instructionPointerReference,omitempty"`
}

// SourceInfo represents source file information
type SourceInfo struct {
	Name            string `json:"name,omitempty"`
	Path            string `json:"path,omitempty"`
	SourceReference int    `json:"sourceReference,omitempty"`
}

// Scope represents a variable scope
type Scope struct {
	Name               string     `json:"name"`
	VariablesReference int        `json:"variablesReference"`
	Expensive          bool       `json:"expensive,omitempty"`
	Variables          []Variable `json:"variables,omitempty"`
}

// Variable represents a variable
type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	MemoryReference    string `json:"memoryReference,omitempty"`
}

// EvaluateResult represents the result of evaluating an expression
type EvaluateResult struct {
	Result             string `json:"result"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference"`
	MemoryReference    string `json:"memoryReference,omitempty"`
}

// StopInfo describes why the debuggee last stopped.
type StopInfo struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
	ThreadID    int    `json:"threadId"`
	Breakpoints []int  `json:"hitBreakpointIds,omitempty"`
}

// DebugSnapshot represents a complete snapshot of debug state
type DebugSnapshot struct {
	SessionID string               `json:"sessionId"`
	Status    SessionStatus        `json:"status"`
	Stop      *StopInfo            `json:"stop,omitempty"`
	Threads   []ThreadInfo         `json:"threads"`
	Stacks    map[int][]StackFrame `json:"stacks"`           // threadId -> stack frames
	Scopes    map[int][]Scope      `json:"scopes,omitempty"` // frameId -> scopes with variables
	Output    string               `json:"output,omitempty"`
	ExitCode  *int                 `json:"exitCode,omitempty"`
}

// Instruction is one disassembled instruction.
type Instruction struct {
	Address     string `json:"address"`
	Bytes       string `json:"bytes,omitempty"`
	Instruction string `json:"instruction"`
	Symbol      string `json:"symbol,omitempty"`
	Line        int    `json:"line,omitempty"`
}
