package dap

import (
	"encoding/json"

	"github.com/google/go-dap"
)

// capabilityGates lists the requests that belong to an optional DAP
// capability. A gated request is never sent unless the adapter advertised
// the capability.
var capabilityGates = map[string]func(*dap.Capabilities) bool{
	"configurationDone":         func(c *dap.Capabilities) bool { return c.SupportsConfigurationDoneRequest },
	"setFunctionBreakpoints":    func(c *dap.Capabilities) bool { return c.SupportsFunctionBreakpoints },
	"setExceptionBreakpoints":   func(c *dap.Capabilities) bool { return len(c.ExceptionBreakpointFilters) > 0 },
	"dataBreakpointInfo":        func(c *dap.Capabilities) bool { return c.SupportsDataBreakpoints },
	"setDataBreakpoints":        func(c *dap.Capabilities) bool { return c.SupportsDataBreakpoints },
	"setInstructionBreakpoints": func(c *dap.Capabilities) bool { return c.SupportsInstructionBreakpoints },
	"stepBack":                  func(c *dap.Capabilities) bool { return c.SupportsStepBack },
	"reverseContinue":           func(c *dap.Capabilities) bool { return c.SupportsStepBack },
	"restartFrame":              func(c *dap.Capabilities) bool { return c.SupportsRestartFrame },
	"goto":                      func(c *dap.Capabilities) bool { return c.SupportsGotoTargetsRequest },
	"gotoTargets":               func(c *dap.Capabilities) bool { return c.SupportsGotoTargetsRequest },
	"setVariable":               func(c *dap.Capabilities) bool { return c.SupportsSetVariable },
	"modules":                   func(c *dap.Capabilities) bool { return c.SupportsModulesRequest },
	"loadedSources":             func(c *dap.Capabilities) bool { return c.SupportsLoadedSourcesRequest },
	"completions":               func(c *dap.Capabilities) bool { return c.SupportsCompletionsRequest },
	"disassemble":               func(c *dap.Capabilities) bool { return c.SupportsDisassembleRequest },
	"readMemory":                func(c *dap.Capabilities) bool { return c.SupportsReadMemoryRequest },
	"terminate":                 func(c *dap.Capabilities) bool { return c.SupportsTerminateRequest },
	"restart":                   func(c *dap.Capabilities) bool { return c.SupportsRestartRequest },
}

// Supported reports whether caps allows command. Commands outside the gate
// table are part of the mandatory request set.
func Supported(caps *dap.Capabilities, command string) bool {
	gate, ok := capabilityGates[command]
	return !ok || gate(caps)
}

// mergeCapabilities applies a capabilities event delta onto base. Only the
// fields present in the delta change. Every field of dap.Capabilities is
// omitempty, so a delta cannot switch a capability back off.
func mergeCapabilities(base dap.Capabilities, delta dap.Capabilities) (dap.Capabilities, error) {
	raw, err := json.Marshal(delta)
	if err != nil {
		return base, err
	}
	merged := base
	if err := json.Unmarshal(raw, &merged); err != nil {
		return base, err
	}
	return merged, nil
}
