package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephengodman/ios-agent-runner/internal/action"
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	assert.True(t, p.Enabled)
	assert.Equal(t, 25, p.MaxSteps)
	assert.False(t, p.AllowTapXY)
	assert.True(t, p.AllowOpenApp)
	assert.Contains(t, p.AllowedBundlePrefixes, "com.apple.")
}

func TestDisabledPolicy(t *testing.T) {
	p := Disabled()
	assert.False(t, p.Enabled)
	assert.Equal(t, 200, p.MaxSteps)
	assert.True(t, p.AllowTapXY)
}

func TestEffectiveMaxSteps(t *testing.T) {
	p := Default()
	assert.Equal(t, 10, p.EffectiveMaxSteps(10))
	assert.Equal(t, 25, p.EffectiveMaxSteps(100))
	assert.Equal(t, 1, p.EffectiveMaxSteps(0))
	assert.Equal(t, 1, p.EffectiveMaxSteps(-5))

	d := Disabled()
	assert.Equal(t, 100, d.EffectiveMaxSteps(100))
}

func TestValidateBundle(t *testing.T) {
	p := Default()

	ok, reason := p.ValidateBundle("com.apple.Preferences")
	assert.True(t, ok)
	assert.Equal(t, "allowed by prefix", reason)

	ok, reason = p.ValidateBundle("com.sketchy.app")
	assert.False(t, ok)
	assert.Equal(t, "bundle 'com.sketchy.app' does not match allowed safe-mode prefixes", reason)

	ok, reason = p.ValidateBundle("")
	assert.False(t, ok)
	assert.Equal(t, "bundle_id is required in safe mode", reason)

	ok, reason = Disabled().ValidateBundle("")
	assert.True(t, ok)
	assert.Equal(t, "safe mode disabled", reason)
}

func TestValidateAction(t *testing.T) {
	p := Default()

	cases := []struct {
		name   string
		tool   action.Name
		params action.Params
		ok     bool
		reason string
	}{
		{"tap allowed", action.Tap, action.Params{Text: "OK"}, true, "allowed"},
		{"tap_xy denied", action.TapXY, action.Params{X: 1, Y: 2}, false, "tap_xy disabled in safe mode"},
		{"unknown tool", action.Name("extract_info"), action.Params{}, false, "tool 'extract_info' is not in allowed safe-mode tool set"},
		{"long wait denied", action.Wait, action.Params{Seconds: 6}, false, "wait longer than 5 seconds is blocked in safe mode"},
		{"short wait allowed", action.Wait, action.Params{Seconds: 5}, true, "allowed"},
		{"open_app allowed bundle", action.OpenApp, action.Params{BundleID: "com.google.Maps"}, true, "allowed by prefix"},
		{"open_app denied bundle", action.OpenApp, action.Params{BundleID: "org.other.app"}, false, "bundle 'org.other.app' does not match allowed safe-mode prefixes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := p.ValidateAction(tc.tool, tc.params)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestValidateActionBlockedSet(t *testing.T) {
	p := Default()
	p.BlockedTools[action.Scroll] = struct{}{}

	ok, reason := p.ValidateAction(action.Scroll, action.Params{Direction: "down"})
	assert.False(t, ok)
	assert.Equal(t, "tool 'scroll' is blocked by policy", reason)
}

func TestValidateActionOpenAppDisabled(t *testing.T) {
	p := Default()
	p.AllowOpenApp = false
	ok, reason := p.ValidateAction(action.OpenApp, action.Params{BundleID: "com.apple.Maps"})
	assert.False(t, ok)
	assert.Equal(t, "open_app disabled in safe mode", reason)
}

func TestValidateActionDisabledPolicy(t *testing.T) {
	p := Disabled()
	ok, reason := p.ValidateAction(action.TapXY, action.Params{X: 1, Y: 1})
	assert.True(t, ok)
	assert.Equal(t, "safe mode disabled", reason)
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := Default()
	p.AllowTapXY = true
	p.MergePrefixes([]string{"com.example."})
	p.BlockedTools[action.Scroll] = struct{}{}

	s := p.Snapshot()
	assert.True(t, s.AllowTapXY)
	assert.Contains(t, s.AllowedBundlePrefixes, "com.example.")
	assert.Equal(t, []string{"scroll"}, s.BlockedTools)

	rebuilt := FromSnapshot(true, s)
	assert.True(t, rebuilt.Enabled)
	assert.True(t, rebuilt.AllowTapXY)
	assert.Contains(t, rebuilt.AllowedBundlePrefixes, "com.example.")
	_, blocked := rebuilt.BlockedTools[action.Scroll]
	assert.True(t, blocked)
}

func TestFromSnapshotZeroValue(t *testing.T) {
	// Older state documents may carry an empty policy object; the rebuilt
	// policy must still be the usable safe-mode default.
	p := FromSnapshot(true, Snapshot{})
	require.True(t, p.Enabled)
	assert.Equal(t, Default().AllowedBundlePrefixes, p.AllowedBundlePrefixes)
	assert.False(t, p.AllowTapXY)
}

func TestMergePrefixesDeduplicates(t *testing.T) {
	p := Default()
	before := len(p.AllowedBundlePrefixes)
	p.MergePrefixes([]string{"com.apple.", "com.new.", "com.new.", ""})
	assert.Len(t, p.AllowedBundlePrefixes, before+1)
}
