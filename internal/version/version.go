// Package version reports the dap-gdb version and checks for newer releases.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// Version is the release this binary was cut from.
	Version = "0.1.0"

	GitHubRepo   = "ctagard/dap-gdb"
	GitHubAPIURL = "https://api.github.com/repos/%s/releases/latest"

	checkTimeout = 5 * time.Second
)

// String returns the version with the VCS revision when the binary was
// built from a checkout.
func String() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return Version
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return Version + " (" + rev + ")"
}

// UpdateInfo contains information about available updates
type UpdateInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
	Error           string    `json:"error,omitempty"`
}

// UpdateMessage returns a human-readable message about the update, or ""
// when there is none.
func (u *UpdateInfo) UpdateMessage() string {
	if u.Error != "" || !u.UpdateAvailable {
		return ""
	}
	return fmt.Sprintf("dap-gdb v%s is available (current: v%s): %s",
		u.LatestVersion, u.CurrentVersion, u.ReleaseURL)
}

// Checker caches the result of the last release check.
type Checker struct {
	mu     sync.RWMutex
	info   *UpdateInfo
	url    string
	client *http.Client
}

// NewChecker creates a checker against the GitHub releases API.
func NewChecker() *Checker {
	return &Checker{
		url:    fmt.Sprintf(GitHubAPIURL, GitHubRepo),
		client: &http.Client{Timeout: checkTimeout},
	}
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// CheckForUpdates asks GitHub for the latest release. Failures are reported
// in UpdateInfo.Error.
func (c *Checker) CheckForUpdates(ctx context.Context) *UpdateInfo {
	info := &UpdateInfo{CurrentVersion: Version, CheckedAt: time.Now()}
	latest, url, err := c.latest(ctx)
	if err != nil {
		info.Error = err.Error()
	} else {
		info.LatestVersion = latest
		info.ReleaseURL = url
		info.UpdateAvailable = compareVersions(Version, latest) < 0
	}

	c.mu.Lock()
	c.info = info
	c.mu.Unlock()
	return info
}

func (c *Checker) latest(ctx context.Context) (version, url string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "dap-gdb/"+Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", "", fmt.Errorf("failed to parse response: %w", err)
	}
	return strings.TrimPrefix(release.TagName, "v"), release.HTMLURL, nil
}

// Last returns the result of the most recent check, or nil.
func (c *Checker) Last() *UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// compareVersions compares two semver strings, ignoring pre-release
// suffixes. Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2
func compareVersions(v1, v2 string) int {
	a, b := parseVersion(v1), parseVersion(v2)
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

func parseVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	for i, p := range parts {
		p, _, _ = strings.Cut(p, "-")
		out[i], _ = strconv.Atoi(p)
	}
	return out
}
