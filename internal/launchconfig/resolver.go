package launchconfig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ResolvedConfiguration is a gdb configuration with every variable
// substituted and the cppdbg spellings folded into the native ones.
type ResolvedConfiguration struct {
	Name    string
	Request string

	Program     string
	Args        []string
	Cwd         string
	Env         map[string]string
	StopAtEntry bool

	PID    int
	Target string

	// InitCommands run in gdb before the program is loaded.
	InitCommands []string
	// GDBPath is the debugger the configuration asks for, if any.
	GDBPath string
}

// MissingInputsError is returned when required ${input:} values are not provided.
type MissingInputsError struct {
	Inputs []string
}

func (e *MissingInputsError) Error() string {
	return "missing values for inputs: " + strings.Join(e.Inputs, ", ")
}

// IsMissingInputsError reports whether err carries a MissingInputsError.
func IsMissingInputsError(err error) (*MissingInputsError, bool) {
	var mie *MissingInputsError
	ok := errors.As(err, &mie)
	return mie, ok
}

// ResolveConfiguration validates cfg and resolves all of its variables.
func ResolveConfiguration(cfg *DebugConfiguration, ctx *ResolutionContext) (*ResolvedConfiguration, error) {
	if cfg == nil {
		return nil, errors.New("configuration is nil")
	}
	if err := ValidateConfiguration(cfg); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = &ResolutionContext{}
	}
	if missing := MissingInputs(cfg, ctx.InputValues); len(missing) > 0 {
		return nil, &MissingInputsError{Inputs: missing}
	}

	r := &ResolvedConfiguration{
		Name:        cfg.Name,
		Request:     cfg.Request,
		StopAtEntry: cfg.StopOnEntry || cfg.StopAtBeginningOfMainSubprogram,
	}
	// resolve runs each substitution, keeping the first error.
	var err error
	resolve := func(field, value string) string {
		if err != nil || value == "" {
			return value
		}
		var out string
		out, err = ResolveVariables(value, ctx)
		if err != nil {
			err = fmt.Errorf("failed to resolve %s: %w", field, err)
		}
		return out
	}

	r.Program = resolve("program", cfg.Program)
	r.Cwd = resolve("cwd", cfg.Cwd)
	r.Target = resolve("target", firstNonEmpty(cfg.Target, cfg.MIDebuggerServer))
	r.GDBPath = resolve("miDebuggerPath", cfg.MIDebuggerPath)
	pid := resolve("processId", firstNonEmpty(string(cfg.PID), string(cfg.ProcessID)))
	if err != nil {
		return nil, err
	}
	if pid != "" {
		n, perr := strconv.Atoi(strings.TrimSpace(pid))
		if perr != nil || n <= 0 {
			return nil, fmt.Errorf("invalid process id %q", pid)
		}
		r.PID = n
	}

	if r.Args, err = ResolveStringSlice(cfg.Args, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve args: %w", err)
	}
	env := make(map[string]string, len(cfg.Env)+len(cfg.Environment))
	for _, e := range cfg.Environment {
		env[e.Name] = e.Value
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	if r.Env, err = ResolveStringMap(env, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve env: %w", err)
	}

	commands := make([]string, 0, len(cfg.SetupCommands)+len(cfg.InitCommands))
	for _, c := range cfg.SetupCommands {
		commands = append(commands, c.Text)
	}
	commands = append(commands, cfg.InitCommands...)
	if cfg.AdditionalSOLibPath != "" {
		commands = append(commands, "set solib-search-path "+cfg.AdditionalSOLibPath)
	}
	if r.InitCommands, err = ResolveStringSlice(commands, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve setup commands: %w", err)
	}
	return r, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// LaunchArgs returns the arguments of the DAP launch request.
func (r *ResolvedConfiguration) LaunchArgs() map[string]any {
	args := map[string]any{"name": r.Name, "program": r.Program}
	if len(r.Args) > 0 {
		args["args"] = r.Args
	}
	if r.Cwd != "" {
		args["cwd"] = r.Cwd
	}
	if len(r.Env) > 0 {
		args["env"] = r.Env
	}
	if r.StopAtEntry {
		args["stopOnEntry"] = true
	}
	if len(r.InitCommands) > 0 {
		args["initCommands"] = r.InitCommands
	}
	return args
}

// AttachArgs returns the arguments of the DAP attach request.
func (r *ResolvedConfiguration) AttachArgs() map[string]any {
	args := map[string]any{"name": r.Name}
	if r.PID > 0 {
		args["pid"] = r.PID
	}
	if r.Target != "" {
		args["target"] = r.Target
	}
	if r.Program != "" {
		args["program"] = r.Program
	}
	if len(r.InitCommands) > 0 {
		args["initCommands"] = r.InitCommands
	}
	return args
}

// MergeOverrides applies tool arguments over a configuration loaded from
// launch.json. Recognized keys are program, args, cwd, env, stopOnEntry,
// pid and target.
func MergeOverrides(cfg *DebugConfiguration, overrides map[string]any) *DebugConfiguration {
	out := *cfg
	for k, v := range overrides {
		switch k {
		case "program":
			if s, ok := v.(string); ok {
				out.Program = s
			}
		case "cwd":
			if s, ok := v.(string); ok {
				out.Cwd = s
			}
		case "target":
			if s, ok := v.(string); ok {
				out.Target = s
			}
		case "stopOnEntry":
			if b, ok := v.(bool); ok {
				out.StopOnEntry = b
			}
		case "pid":
			switch n := v.(type) {
			case float64:
				out.PID = flexString(strconv.Itoa(int(n)))
			case int:
				out.PID = flexString(strconv.Itoa(n))
			case string:
				out.PID = flexString(n)
			}
		case "args":
			if list, ok := v.([]any); ok {
				out.Args = nil
				for _, a := range list {
					out.Args = append(out.Args, fmt.Sprint(a))
				}
			}
		case "env":
			if m, ok := v.(map[string]any); ok {
				env := make(map[string]string, len(cfg.Env)+len(m))
				for ek, ev := range cfg.Env {
					env[ek] = ev
				}
				for ek, ev := range m {
					env[ek] = fmt.Sprint(ev)
				}
				out.Env = env
			}
		}
	}
	return &out
}
