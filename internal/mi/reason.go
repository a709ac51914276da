package mi

// StopReason is the reason field of a *stopped record.
type StopReason int

const (
	ReasonUnknown StopReason = iota
	ReasonBreakpointHit
	ReasonWatchpointTrigger
	ReasonReadWatchpointTrigger
	ReasonAccessWatchpointTrigger
	ReasonFunctionFinished
	ReasonLocationReached
	ReasonWatchpointScope
	ReasonEndSteppingRange
	ReasonExitedSignalled
	ReasonExited
	ReasonExitedNormally
	ReasonSignalReceived
	ReasonSolibEvent
	ReasonFork
	ReasonVfork
	ReasonSyscallEntry
	ReasonSyscallReturn
	ReasonExec
	ReasonNoHistory
)

// reasonNames is the single mapping between reasons and gdb's vocabulary.
var reasonNames = [...]string{
	ReasonUnknown:                 "",
	ReasonBreakpointHit:           "breakpoint-hit",
	ReasonWatchpointTrigger:       "watchpoint-trigger",
	ReasonReadWatchpointTrigger:   "read-watchpoint-trigger",
	ReasonAccessWatchpointTrigger: "access-watchpoint-trigger",
	ReasonFunctionFinished:        "function-finished",
	ReasonLocationReached:         "location-reached",
	ReasonWatchpointScope:         "watchpoint-scope",
	ReasonEndSteppingRange:        "end-stepping-range",
	ReasonExitedSignalled:         "exited-signalled",
	ReasonExited:                  "exited",
	ReasonExitedNormally:          "exited-normally",
	ReasonSignalReceived:          "signal-received",
	ReasonSolibEvent:              "solib-event",
	ReasonFork:                    "fork",
	ReasonVfork:                   "vfork",
	ReasonSyscallEntry:            "syscall-entry",
	ReasonSyscallReturn:           "syscall-return",
	ReasonExec:                    "exec",
	ReasonNoHistory:               "no-history",
}

var reasonByName = func() map[string]StopReason {
	m := make(map[string]StopReason, len(reasonNames))
	for r, name := range reasonNames {
		if name != "" {
			m[name] = StopReason(r)
		}
	}
	return m
}()

// ParseStopReason maps gdb's reason string. Unrecognized strings map to
// ReasonUnknown.
func ParseStopReason(s string) StopReason {
	return reasonByName[s]
}

// String returns gdb's spelling of the reason, or "unknown".
func (r StopReason) String() string {
	if r > ReasonUnknown && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// Exited reports whether the reason ends the inferior.
func (r StopReason) Exited() bool {
	switch r {
	case ReasonExited, ReasonExitedNormally, ReasonExitedSignalled:
		return true
	}
	return false
}

// DAP stop reasons.
const (
	DAPReasonStep           = "step"
	DAPReasonBreakpoint     = "breakpoint"
	DAPReasonException      = "exception"
	DAPReasonPause          = "pause"
	DAPReasonEntry          = "entry"
	DAPReasonGoto           = "goto"
	DAPReasonFunctionBP     = "function breakpoint"
	DAPReasonDataBreakpoint = "data breakpoint"
)

// DAPReason translates a stop into the reason of a DAP stopped event.
// signal is the signal-name of a signal-received stop.
func (r StopReason) DAPReason(signal string) string {
	switch r {
	case ReasonBreakpointHit:
		return DAPReasonBreakpoint
	case ReasonWatchpointTrigger, ReasonReadWatchpointTrigger, ReasonAccessWatchpointTrigger, ReasonWatchpointScope:
		return DAPReasonDataBreakpoint
	case ReasonEndSteppingRange, ReasonFunctionFinished, ReasonLocationReached, ReasonNoHistory:
		return DAPReasonStep
	case ReasonSignalReceived:
		if signal == "SIGINT" || signal == "SIGTRAP" || signal == "0" {
			return DAPReasonPause
		}
		return DAPReasonException
	case ReasonExitedSignalled:
		return DAPReasonException
	default:
		return DAPReasonPause
	}
}
