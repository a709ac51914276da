package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v1, v2 string
		want   int
	}{
		{"0.1.0", "0.1.0", 0},
		{"0.1.0", "v0.1.1", -1},
		{"1.0.0", "0.9.9", 1},
		{"1.2.0-beta", "1.2.0", 0},
		{"1.10.0", "1.9.0", 1},
		{"2", "1.9.9", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareVersions(tt.v1, tt.v2), "%s vs %s", tt.v1, tt.v2)
	}
}

func TestCheckForUpdates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dap-gdb/"+Version, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"tag_name": "v99.0.0", "html_url": "https://example.com/r"}`))
	}))
	defer srv.Close()

	c := NewChecker()
	c.url = srv.URL
	assert.Nil(t, c.Last())

	info := c.CheckForUpdates(context.Background())
	require.Empty(t, info.Error)
	assert.True(t, info.UpdateAvailable)
	assert.Equal(t, "99.0.0", info.LatestVersion)
	assert.Contains(t, info.UpdateMessage(), "v99.0.0")
	assert.Same(t, info, c.Last())
}

func TestCheckForUpdatesFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChecker()
	c.url = srv.URL
	info := c.CheckForUpdates(context.Background())
	assert.Contains(t, info.Error, "status 403")
	assert.Empty(t, info.UpdateMessage())
}
