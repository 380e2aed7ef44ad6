package report

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephengodman/ios-agent-runner/internal/action"
	"github.com/stephengodman/ios-agent-runner/internal/policy"
	"github.com/stephengodman/ios-agent-runner/internal/runstate"
)

func TestRenderProducesReport(t *testing.T) {
	store := runstate.NewStore(t.TempDir(), nil)
	st, err := store.CreateRun("run_r", "open settings", "com.apple.Preferences", "UDID", 10, true, policy.Default())
	require.NoError(t, err)

	require.NoError(t, store.AppendHistory(st, runstate.StepRecord{
		Step: 1, Tool: action.Tap, Params: action.Params{Text: "General"},
		Result: "TAPPED General [score=100]", TreePath: "/tmp/tree.json",
	}))
	require.NoError(t, store.FinalizeRun(st, runstate.StatusCompleted, "DONE: opened"))

	path, err := Render(store, "run_r")
	require.NoError(t, err)
	assert.Equal(t, store.Paths("run_r").Report, path)

	html, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(html)
	assert.Contains(t, body, "run_r")
	assert.Contains(t, body, "open settings")
	assert.Contains(t, body, "TAPPED General [score=100]")
	assert.Contains(t, body, "model_calls")
	assert.Contains(t, body, "run_finished")
	assert.Contains(t, body, `class="status-completed"`)
}

func TestRenderEscapesUntrustedText(t *testing.T) {
	store := runstate.NewStore(t.TempDir(), nil)
	st, err := store.CreateRun("run_x", "<script>alert(1)</script>", "", "", 5, true, policy.Default())
	require.NoError(t, err)
	require.NoError(t, store.FinalizeRun(st, runstate.StatusFailed, "FAIL: <b>bad</b>"))

	path, err := Render(store, "run_x")
	require.NoError(t, err)

	html, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(html), "<script>alert(1)</script>")
	assert.Contains(t, string(html), "&lt;script&gt;")
}

func TestRenderUnknownRun(t *testing.T) {
	store := runstate.NewStore(t.TempDir(), nil)
	_, err := Render(store, "run_missing")
	require.Error(t, err)
}
