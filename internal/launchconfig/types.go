// Package launchconfig reads VS Code launch.json files and turns their gdb
// configurations into launch and attach arguments for the DAP server.
package launchconfig

import (
	"encoding/json"
	"strings"
)

// LaunchJSON represents a VS Code launch.json file structure.
type LaunchJSON struct {
	Version        string               `json:"version"`
	Configurations []DebugConfiguration `json:"configurations"`
	Inputs         []InputConfig        `json:"inputs,omitempty"`
}

// DebugConfiguration is one entry of launch.json. Native gdb ("gdb") and
// cpptools ("cppdbg") configurations are understood; fields of other
// debuggers are kept in Extra.
type DebugConfiguration struct {
	Type    string `json:"type"`
	Request string `json:"request"` // "launch" or "attach"
	Name    string `json:"name"`

	Program     string            `json:"program,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StopOnEntry bool              `json:"stopOnEntry,omitempty"`

	StopAtBeginningOfMainSubprogram bool `json:"stopAtBeginningOfMainSubprogram,omitempty"`

	// Attach
	ProcessID flexString `json:"processId,omitempty"`
	PID       flexString `json:"pid,omitempty"`
	Target    string     `json:"target,omitempty"`

	// cppdbg spellings
	MIMode              string        `json:"MIMode,omitempty"`
	MIDebuggerPath      string        `json:"miDebuggerPath,omitempty"`
	MIDebuggerServer    string        `json:"miDebuggerServerAddress,omitempty"`
	Environment         []EnvEntry    `json:"environment,omitempty"`
	SetupCommands       []GDBCommand  `json:"setupCommands,omitempty"`
	InitCommands        []string      `json:"initCommands,omitempty"`
	PreLaunchTask       string        `json:"preLaunchTask,omitempty"`
	Presentation        *Presentation `json:"presentation,omitempty"`
	ExternalConsole     bool          `json:"externalConsole,omitempty"`
	StopAtConnect       bool          `json:"stopAtConnect,omitempty"`
	AdditionalSOLibPath string        `json:"additionalSOLibSearchPath,omitempty"`

	// Everything else, kept verbatim.
	Extra map[string]any `json:"-"`
}

// EnvEntry is the cppdbg form of one environment variable.
type EnvEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// GDBCommand is one cppdbg setup command.
type GDBCommand struct {
	Text           string `json:"text"`
	Description    string `json:"description,omitempty"`
	IgnoreFailures bool   `json:"ignoreFailures,omitempty"`
}

// InputConfig represents a user input variable definition.
type InputConfig struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"` // "promptString", "pickString", "command"
	Description string   `json:"description,omitempty"`
	Default     string   `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
}

type Presentation struct {
	Hidden bool   `json:"hidden,omitempty"`
	Group  string `json:"group,omitempty"`
	Order  int    `json:"order,omitempty"`
}

// ResolutionContext provides context for variable resolution.
type ResolutionContext struct {
	WorkspaceFolder string
	CurrentFile     string            // for ${file} and friends
	InputValues     map[string]string // values for ${input:} variables
	EnvOverrides    map[string]string // consulted before the process environment
	// PickProcess answers ${command:pickProcess}. Nil makes it an error.
	PickProcess func() (string, error)
}

// flexString accepts a JSON string or number, so "processId": 42 and
// "processId": "${command:pickProcess}" both load.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

var knownFields = map[string]bool{
	"type": true, "request": true, "name": true,
	"program": true, "args": true, "cwd": true, "env": true, "stopOnEntry": true,
	"stopAtBeginningOfMainSubprogram": true,
	"processId": true, "pid": true, "target": true,
	"MIMode": true, "miDebuggerPath": true, "miDebuggerServerAddress": true,
	"environment": true, "setupCommands": true, "initCommands": true,
	"preLaunchTask": true, "presentation": true, "externalConsole": true,
	"stopAtConnect": true, "additionalSOLibSearchPath": true,
}

// UnmarshalJSON keeps unknown fields in Extra.
func (c *DebugConfiguration) UnmarshalJSON(data []byte) error {
	type alias DebugConfiguration
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = DebugConfiguration(a)
	for key, value := range raw {
		if knownFields[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return err
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[key] = v
	}
	return nil
}

// IsLaunchRequest returns true if this is a launch configuration (not attach).
func (c *DebugConfiguration) IsLaunchRequest() bool {
	return c.Request == "launch"
}

// IsAttachRequest returns true if this is an attach configuration.
func (c *DebugConfiguration) IsAttachRequest() bool {
	return c.Request == "attach"
}

// IsGDBType reports whether the configuration is debugged with gdb: native
// "gdb" configurations and cppdbg ones whose MIMode is gdb or unset.
func (c *DebugConfiguration) IsGDBType() bool {
	switch c.Type {
	case "gdb":
		return true
	case "cppdbg":
		return c.MIMode == "" || strings.EqualFold(c.MIMode, "gdb")
	}
	return false
}
