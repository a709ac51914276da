package debugger

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/google/go-dap"

	dapclient "github.com/ctagard/dap-gdb/internal/dap"
)

// SourceCache deduplicates Source values and caches their contents. Sources
// with a path are keyed by path; synthetic ones by sourceReference.
type SourceCache struct {
	mu       sync.Mutex
	sources  map[string]*dap.Source
	contents map[string]string
}

func NewSourceCache() *SourceCache {
	return &SourceCache{
		sources:  make(map[string]*dap.Source),
		contents: make(map[string]string),
	}
}

func sourceKey(src *dap.Source) string {
	if src.SourceReference > 0 {
		return "ref:" + strconv.Itoa(src.SourceReference)
	}
	return "path:" + src.Path
}

// Intern returns the cached Source for src's identity, storing src if it is
// the first one seen. Nil and empty sources are returned unchanged.
func (c *SourceCache) Intern(src *dap.Source) *dap.Source {
	if src == nil || (src.Path == "" && src.SourceReference == 0) {
		return src
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := sourceKey(src)
	if existing, ok := c.sources[key]; ok {
		return existing
	}
	c.sources[key] = src
	return src
}

// Content returns the text of src. Synthetic sources are fetched once with a
// source request; sources with only a path are read from disk.
func (c *SourceCache) Content(ctx context.Context, raw *dapclient.RawSession, src dap.Source) (string, error) {
	key := sourceKey(&src)

	c.mu.Lock()
	content, ok := c.contents[key]
	c.mu.Unlock()
	if ok {
		return content, nil
	}

	switch {
	case src.SourceReference > 0:
		resp, err := raw.Source(dap.SourceArguments{Source: &src, SourceReference: src.SourceReference}).Wait(ctx)
		if err != nil {
			return "", err
		}
		content = resp.Body.Content
	case src.Path != "":
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return "", fmt.Errorf("failed to read source %s: %w", src.Path, err)
		}
		content = string(data)
	default:
		return "", fmt.Errorf("source has neither path nor reference")
	}

	c.mu.Lock()
	c.contents[key] = content
	c.mu.Unlock()
	return content, nil
}

// Clear drops every cached source.
func (c *SourceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = make(map[string]*dap.Source)
	c.contents = make(map[string]string)
}
