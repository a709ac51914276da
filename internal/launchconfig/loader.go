package launchconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

const (
	LaunchJSONFileName = "launch.json"
	VSCodeDirName      = ".vscode"
)

// LoadFromPath loads a launch.json file from an explicit path.
func LoadFromPath(path string) (*LaunchJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read launch.json: %w", err)
	}
	return Parse(data)
}

// Parse decodes launch.json content. Comments and trailing commas, which
// VS Code allows, are accepted.
func Parse(data []byte) (*LaunchJSON, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse launch.json: %w", err)
	}
	var lj LaunchJSON
	if err := json.Unmarshal(std, &lj); err != nil {
		return nil, fmt.Errorf("failed to parse launch.json: %w", err)
	}
	return &lj, nil
}

// Discover searches for a .vscode/launch.json file starting from the given path
// and walking up the directory tree until found or reaching the root.
func Discover(startPath string) (string, error) {
	if startPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		startPath = cwd
	}
	current, err := filepath.Abs(startPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	info, err := os.Stat(current)
	if err != nil {
		return "", fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		current = filepath.Dir(current)
	}

	for {
		launchPath := filepath.Join(current, VSCodeDirName, LaunchJSONFileName)
		if _, err := os.Stat(launchPath); err == nil {
			return launchPath, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return "", fmt.Errorf("no %s/%s found in %s or parent directories", VSCodeDirName, LaunchJSONFileName, startPath)
}

// LoadAndDiscover finds the launch.json governing startPath and loads it.
func LoadAndDiscover(startPath string) (*LaunchJSON, string, error) {
	path, err := Discover(startPath)
	if err != nil {
		return nil, "", err
	}
	lj, err := LoadFromPath(path)
	if err != nil {
		return nil, "", err
	}
	return lj, path, nil
}

// FindConfiguration finds a configuration by name in the LaunchJSON.
func FindConfiguration(lj *LaunchJSON, name string) (*DebugConfiguration, error) {
	for i := range lj.Configurations {
		if lj.Configurations[i].Name == name {
			return &lj.Configurations[i], nil
		}
	}
	return nil, fmt.Errorf("configuration %q not found", name)
}

// ConfigurationInfo provides summary information about a configuration.
type ConfigurationInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Request string `json:"request"`
	GDB     bool   `json:"gdb"`
}

// ListConfigurations returns summary information about all configurations.
func ListConfigurations(lj *LaunchJSON) []ConfigurationInfo {
	infos := make([]ConfigurationInfo, len(lj.Configurations))
	for i := range lj.Configurations {
		cfg := &lj.Configurations[i]
		infos[i] = ConfigurationInfo{Name: cfg.Name, Type: cfg.Type, Request: cfg.Request, GDB: cfg.IsGDBType()}
	}
	return infos
}

// GetWorkspaceFolder derives the workspace folder, the parent of the
// .vscode directory, from the launch.json path.
func GetWorkspaceFolder(launchJSONPath string) string {
	return filepath.ToSlash(filepath.Dir(filepath.Dir(launchJSONPath)))
}

// ValidateConfiguration checks that a configuration can drive gdb.
func ValidateConfiguration(cfg *DebugConfiguration) error {
	var errs []error
	if cfg.Name == "" {
		errs = append(errs, errors.New("configuration name is required"))
	}
	if !cfg.IsGDBType() {
		errs = append(errs, fmt.Errorf("configuration type %q is not debugged with gdb", cfg.Type))
	}
	switch {
	case cfg.IsLaunchRequest():
		if cfg.Program == "" {
			errs = append(errs, errors.New("launch configuration needs a program"))
		}
	case cfg.IsAttachRequest():
		if cfg.ProcessID == "" && cfg.PID == "" && cfg.Target == "" && cfg.MIDebuggerServer == "" {
			errs = append(errs, errors.New("attach configuration needs processId or target"))
		}
	default:
		errs = append(errs, fmt.Errorf("configuration request must be 'launch' or 'attach', got %q", cfg.Request))
	}
	return errors.Join(errs...)
}
