// Package policy implements the safe-mode guardrails for unattended
// automation runs: which tools may execute, which apps may be targeted,
// and how large a step budget a run may request.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stephengodman/ios-agent-runner/internal/action"
)

// defaultBundlePrefixes are the app-id prefixes a safe-mode run may target.
var defaultBundlePrefixes = []string{
	"com.apple.",
	"com.google.",
	"com.microsoft.",
	"com.openai.",
	"com.anthropic.",
}

// Policy is the guardrail configuration for one run. Constructed once at
// run start (or rebuilt from a persisted snapshot on resume) and read-only
// during execution.
type Policy struct {
	Enabled               bool
	MaxSteps              int
	AllowTapXY            bool
	AllowOpenApp          bool
	AllowedBundlePrefixes []string
	BlockedTools          map[action.Name]struct{}
}

// Default returns the standard safe-mode policy.
func Default() Policy {
	return Policy{
		Enabled:               true,
		MaxSteps:              25,
		AllowTapXY:            false,
		AllowOpenApp:          true,
		AllowedBundlePrefixes: append([]string(nil), defaultBundlePrefixes...),
		BlockedTools:          map[action.Name]struct{}{},
	}
}

// Disabled returns an unrestricted policy.
func Disabled() Policy {
	return Policy{
		Enabled:      false,
		MaxSteps:     200,
		AllowTapXY:   true,
		AllowOpenApp: true,
		BlockedTools: map[action.Name]struct{}{},
	}
}

// EffectiveMaxSteps clamps the requested step budget to [1, MaxSteps] when
// safe mode is enabled; disabled policies pass the request through.
func (p Policy) EffectiveMaxSteps(requested int) int {
	if !p.Enabled {
		return requested
	}
	if requested < 1 {
		return 1
	}
	if requested > p.MaxSteps {
		return p.MaxSteps
	}
	return requested
}

// ValidateBundle checks a target bundle id before launch.
func (p Policy) ValidateBundle(bundleID string) (bool, string) {
	if !p.Enabled {
		return true, "safe mode disabled"
	}
	if bundleID == "" {
		return false, "bundle_id is required in safe mode"
	}
	for _, prefix := range p.AllowedBundlePrefixes {
		if strings.HasPrefix(bundleID, prefix) {
			return true, "allowed by prefix"
		}
	}
	return false, fmt.Sprintf("bundle '%s' does not match allowed safe-mode prefixes", bundleID)
}

// ValidateAction checks a planned tool call before execution. The returned
// reason is human-readable and recorded verbatim on policy blocks.
func (p Policy) ValidateAction(name action.Name, params action.Params) (bool, string) {
	if !p.Enabled {
		return true, "safe mode disabled"
	}

	if _, blocked := p.BlockedTools[name]; blocked {
		return false, fmt.Sprintf("tool '%s' is blocked by policy", name)
	}

	if !action.Known(name) {
		return false, fmt.Sprintf("tool '%s' is not in allowed safe-mode tool set", name)
	}

	switch name {
	case action.TapXY:
		if !p.AllowTapXY {
			return false, "tap_xy disabled in safe mode"
		}
	case action.OpenApp:
		if !p.AllowOpenApp {
			return false, "open_app disabled in safe mode"
		}
		return p.ValidateBundle(strings.TrimSpace(params.BundleID))
	case action.Wait:
		if params.Seconds > 5 {
			return false, "wait longer than 5 seconds is blocked in safe mode"
		}
	}

	return true, "allowed"
}

// Snapshot is the persisted form of a policy, stored in the run-state
// document so a resumed run or an offline validation reconstructs the
// guardrails that were in force.
type Snapshot struct {
	AllowTapXY            bool     `json:"allow_tap_xy"`
	AllowOpenApp          bool     `json:"allow_open_app"`
	AllowedBundlePrefixes []string `json:"allowed_bundle_prefixes"`
	BlockedTools          []string `json:"blocked_tools"`
}

// Snapshot captures the policy's persistable fields.
func (p Policy) Snapshot() Snapshot {
	blocked := make([]string, 0, len(p.BlockedTools))
	for name := range p.BlockedTools {
		blocked = append(blocked, string(name))
	}
	sort.Strings(blocked)
	return Snapshot{
		AllowTapXY:            p.AllowTapXY,
		AllowOpenApp:          p.AllowOpenApp,
		AllowedBundlePrefixes: append([]string(nil), p.AllowedBundlePrefixes...),
		BlockedTools:          blocked,
	}
}

// FromSnapshot rebuilds a policy from a persisted snapshot, starting from
// the default (or disabled) base so that zero-value snapshots from older
// documents still produce a usable policy.
func FromSnapshot(safeMode bool, s Snapshot) Policy {
	p := Disabled()
	if safeMode {
		p = Default()
	}
	if s.AllowTapXY {
		p.AllowTapXY = true
	}
	if len(s.AllowedBundlePrefixes) > 0 {
		p.AllowedBundlePrefixes = append([]string(nil), s.AllowedBundlePrefixes...)
	}
	for _, name := range s.BlockedTools {
		p.BlockedTools[action.Name(name)] = struct{}{}
	}
	return p
}

// MergePrefixes appends extra allowed bundle prefixes, preserving order and
// dropping duplicates.
func (p *Policy) MergePrefixes(extra []string) {
	seen := make(map[string]struct{}, len(p.AllowedBundlePrefixes))
	for _, prefix := range p.AllowedBundlePrefixes {
		seen[prefix] = struct{}{}
	}
	for _, prefix := range extra {
		if _, dup := seen[prefix]; dup || prefix == "" {
			continue
		}
		seen[prefix] = struct{}{}
		p.AllowedBundlePrefixes = append(p.AllowedBundlePrefixes, prefix)
	}
}
