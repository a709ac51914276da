package launchconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveVariables replaces all ${...} variables in the given text. The
// first failing variable is reported and left in place.
func ResolveVariables(text string, ctx *ResolutionContext) (string, error) {
	if ctx == nil {
		ctx = &ResolutionContext{}
	}
	var firstErr error
	result := variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		resolved, err := resolveVariable(match[2:len(match)-1], ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return resolved
	})
	return result, firstErr
}

func resolveVariable(expr string, ctx *ResolutionContext) (string, error) {
	if name, arg, ok := strings.Cut(expr, ":"); ok {
		switch name {
		case "env":
			if v, ok := ctx.EnvOverrides[arg]; ok {
				return v, nil
			}
			return os.Getenv(arg), nil
		case "config":
			return resolveConfigVariable(arg, ctx.WorkspaceFolder)
		case "input":
			if v, ok := ctx.InputValues[arg]; ok {
				return v, nil
			}
			return "", fmt.Errorf("missing input value for ${input:%s}", arg)
		case "command":
			return resolveCommandVariable(arg, ctx)
		case "workspaceFolder":
			// multi-root form ${workspaceFolder:name}; only one root exists here
			return ctx.WorkspaceFolder, nil
		}
		return "", fmt.Errorf("unknown variable: ${%s}", expr)
	}

	file := ctx.CurrentFile
	switch expr {
	case "workspaceFolder", "workspaceRoot":
		return ctx.WorkspaceFolder, nil
	case "workspaceFolderBasename":
		return filepath.Base(ctx.WorkspaceFolder), nil
	case "file":
		return file, nil
	case "fileBasename":
		return filepath.Base(file), nil
	case "fileDirname":
		return filepath.Dir(file), nil
	case "fileBasenameNoExtension":
		base := filepath.Base(file)
		return strings.TrimSuffix(base, filepath.Ext(base)), nil
	case "fileExtname":
		return filepath.Ext(file), nil
	case "relativeFile":
		if rel, err := filepath.Rel(ctx.WorkspaceFolder, file); err == nil && ctx.WorkspaceFolder != "" {
			return rel, nil
		}
		return file, nil
	case "userHome":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home: %w", err)
		}
		return home, nil
	case "cwd":
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get cwd: %w", err)
		}
		return cwd, nil
	case "pathSeparator", "/":
		return string(os.PathSeparator), nil
	}
	return "", fmt.Errorf("unknown variable: ${%s}", expr)
}

// resolveConfigVariable reads a setting from the workspace's
// .vscode/settings.json. A missing file or setting resolves to "".
func resolveConfigVariable(settingID, workspaceFolder string) (string, error) {
	if workspaceFolder == "" {
		return "", fmt.Errorf("workspaceFolder required for ${config:%s}", settingID)
	}
	data, err := os.ReadFile(filepath.Join(workspaceFolder, VSCodeDirName, "settings.json"))
	if err != nil {
		return "", nil
	}
	var settings map[string]any
	if err := json.Unmarshal(stripJSONC(data), &settings); err != nil {
		return "", fmt.Errorf("failed to parse settings.json: %w", err)
	}

	// Dotted IDs are usually flat keys ("cmake.buildDirectory") but may also
	// be nested objects.
	var current any = settings
	if v, ok := settings[settingID]; ok {
		current = v
	} else {
		for _, part := range strings.Split(settingID, ".") {
			m, ok := current.(map[string]any)
			if !ok {
				return "", nil
			}
			current = m[part]
		}
	}

	switch v := current.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		data, _ := json.Marshal(v)
		return string(data), nil
	}
}

// resolveCommandVariable supports the process pickers of the gdb and cppdbg
// extensions.
func resolveCommandVariable(commandID string, ctx *ResolutionContext) (string, error) {
	switch commandID {
	case "pickProcess", "pickRemoteProcess", "cpptools.pickProcess":
		if ctx.PickProcess == nil {
			return "", fmt.Errorf("${command:%s} needs a process id; pass pid explicitly", commandID)
		}
		return ctx.PickProcess()
	}
	return "", fmt.Errorf("unsupported command variable ${command:%s}", commandID)
}

// ResolveStringSlice resolves variables in all strings in a slice.
func ResolveStringSlice(values []string, ctx *ResolutionContext) ([]string, error) {
	if values == nil {
		return nil, nil
	}
	result := make([]string, len(values))
	for i, v := range values {
		resolved, err := ResolveVariables(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		result[i] = resolved
	}
	return result, nil
}

// ResolveStringMap resolves variables in all values (not keys) of a string map.
func ResolveStringMap(values map[string]string, ctx *ResolutionContext) (map[string]string, error) {
	if values == nil {
		return nil, nil
	}
	result := make(map[string]string, len(values))
	for k, v := range values {
		resolved, err := ResolveVariables(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		result[k] = resolved
	}
	return result, nil
}

// FindRequiredInputs scans a text for ${input:...} variables and returns their IDs.
func FindRequiredInputs(text string) []string {
	var inputs []string
	for _, match := range variablePattern.FindAllStringSubmatch(text, -1) {
		if id, ok := strings.CutPrefix(match[1], "input:"); ok {
			inputs = append(inputs, id)
		}
	}
	return inputs
}

// MissingInputs lists the ${input:} variables of cfg that have no value,
// each once, in order of appearance.
func MissingInputs(cfg *DebugConfiguration, values map[string]string) []string {
	// Marshal the whole configuration so every string field is scanned.
	data, err := json.Marshal(struct {
		*DebugConfiguration
		Extra map[string]any `json:"extra,omitempty"`
	}{cfg, cfg.Extra})
	if err != nil {
		return nil
	}
	var missing []string
	seen := make(map[string]bool)
	for _, id := range FindRequiredInputs(string(data)) {
		if _, ok := values[id]; ok || seen[id] {
			continue
		}
		seen[id] = true
		missing = append(missing, id)
	}
	return missing
}
