// Package artifacts captures screenshots and accessibility-tree dumps for
// a run. Capture failures are reported as errors but callers treat them as
// non-fatal: a run never dies because a screenshot did.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/stephengodman/ios-agent-runner/internal/screenmap"
)

var labelSanitizeRE = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Capturer writes run artifacts under a per-run directory.
type Capturer struct {
	udid string
	dir  string
}

// NewCapturer returns a capturer for one simulator writing under dir.
func NewCapturer(udid, dir string) *Capturer {
	return &Capturer{udid: udid, dir: dir}
}

// Dir returns the artifact directory.
func (c *Capturer) Dir() string { return c.dir }

// CaptureWithLabel takes a screenshot via simctl and returns its path. The
// label is sanitized into the filename alongside a timestamp.
func (c *Capturer) CaptureWithLabel(ctx context.Context, label string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create dir: %w", err)
	}
	path := filepath.Join(c.dir, fmt.Sprintf("%s_%s.png", timestamp(), sanitizeLabel(label)))
	out, err := exec.CommandContext(ctx, "xcrun", "simctl", "io", c.udid, "screenshot", path).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("artifacts: screenshot: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return path, nil
}

// SaveTreeJSON writes the flattened element list as JSON and returns its
// path.
func (c *Capturer) SaveTreeJSON(elements []screenmap.Element, label string) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create dir: %w", err)
	}
	data, err := json.MarshalIndent(elements, "", "  ")
	if err != nil {
		return "", fmt.Errorf("artifacts: marshal tree: %w", err)
	}
	path := filepath.Join(c.dir, fmt.Sprintf("%s_%s.json", timestamp(), sanitizeLabel(label)))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write tree: %w", err)
	}
	return path, nil
}

func sanitizeLabel(label string) string {
	clean := labelSanitizeRE.ReplaceAllString(label, "_")
	clean = strings.Trim(clean, "_")
	if clean == "" {
		clean = "shot"
	}
	if len(clean) > 60 {
		clean = clean[:60]
	}
	return clean
}

func timestamp() string {
	return time.Now().UTC().Format("20060102T150405.000Z")
}
