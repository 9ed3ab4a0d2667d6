// Package artifact stages run evidence (screenshots, log tails, downloaded
// statements) and flushes it to blob storage under the deterministic key
// layout runs/{run_id}/attempt_{k}/{name}.{ext}.
package artifact

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Sink writes immutable objects to blob storage. Keys under a run prefix are
// distinct, so sinks need no internal locking beyond what the backend gives.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Key builds the canonical artifact key. The name is sanitized; the extension
// is normalized to a bare lowercase suffix.
func Key(runID string, attempt int, name, ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	return path.Join(
		"runs", runID,
		fmt.Sprintf("attempt_%d", attempt),
		SanitizeName(name)+"."+ext,
	)
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// SanitizeName lowercases a scraper-chosen descriptor and collapses anything
// outside [a-z0-9_-] so keys stay portable across backends and shells.
func SanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "artifact"
	}
	return name
}
