package runstate

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephengodman/ios-agent-runner/internal/action"
	"github.com/stephengodman/ios-agent-runner/internal/policy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestNewRunIDFormat(t *testing.T) {
	id := NewRunID()
	assert.Regexp(t, regexp.MustCompile(`^run_\d{8}T\d{6}Z_[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewRunID())
}

func TestCreateRunInitializesDocument(t *testing.T) {
	store := newTestStore(t)

	st, err := store.CreateRun("run_x", "open settings", "com.apple.Preferences", "UDID-1", 10, true, policy.Default())
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, 10, st.MaxSteps)
	assert.True(t, st.SafeMode)
	assert.Empty(t, st.History)
	for _, key := range []string{"model_calls", "model_retries", "model_failures", "policy_blocks", "action_failures", "recoveries"} {
		_, ok := st.Metrics[key]
		assert.True(t, ok, "metric %s missing", key)
	}

	loaded, err := store.LoadState("run_x")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, st.Goal, loaded.Goal)
	assert.Equal(t, st.Policy, loaded.Policy)

	events, err := store.ReplayRun("run_x")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "run_started", events[0].Type)
}

func TestLoadStateAbsentReturnsNilNil(t *testing.T) {
	store := newTestStore(t)
	st, err := store.LoadState("run_missing")
	assert.NoError(t, err)
	assert.Nil(t, st)
}

func TestLoadStateCorruptReturnsNilNil(t *testing.T) {
	store := newTestStore(t)
	paths := store.Paths("run_bad")
	require.NoError(t, os.MkdirAll(paths.Dir, 0o755))
	require.NoError(t, os.WriteFile(paths.State, []byte("{not json"), 0o644))

	st, err := store.LoadState("run_bad")
	assert.NoError(t, err)
	assert.Nil(t, st)
}

func TestAppendHistoryAdvancesLastStep(t *testing.T) {
	store := newTestStore(t)
	st, err := store.CreateRun("run_h", "goal", "", "", 5, true, policy.Default())
	require.NoError(t, err)

	require.NoError(t, store.AppendHistory(st, StepRecord{Step: 1, Tool: action.Tap, Result: "TAPPED OK"}))
	require.NoError(t, store.AppendHistory(st, StepRecord{Step: 2, Tool: action.Wait, Result: "WAITED 2s"}))

	loaded, err := store.LoadState("run_h")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 2, loaded.LastStep)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, action.Tap, loaded.History[0].Tool)
}

func TestIncrementMetricPersists(t *testing.T) {
	store := newTestStore(t)
	st, err := store.CreateRun("run_m", "goal", "", "", 5, true, policy.Default())
	require.NoError(t, err)

	require.NoError(t, store.IncrementMetric(st, "model_calls"))
	require.NoError(t, store.IncrementMetric(st, "model_calls"))
	require.NoError(t, store.IncrementMetric(st, "policy_blocks"))

	loaded, err := store.LoadState("run_m")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Metrics["model_calls"])
	assert.Equal(t, 1, loaded.Metrics["policy_blocks"])
}

func TestFinalizeRunStampsCompletion(t *testing.T) {
	store := newTestStore(t)
	st, err := store.CreateRun("run_f", "goal", "", "", 5, true, policy.Default())
	require.NoError(t, err)
	st.LastStep = 3

	require.NoError(t, store.FinalizeRun(st, StatusCompleted, "done: settings opened"))

	loaded, err := store.LoadState("run_f")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, "done: settings opened", loaded.Summary)
	assert.NotEmpty(t, loaded.CompletedAt)

	events, err := store.ReplayRun("run_f")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "run_finished", last.Type)
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 3, last.Steps)
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateRun("run_r", "goal", "", "", 5, true, policy.Default())
	require.NoError(t, err)

	store.AppendEvent("run_r", Event{Type: "tool_executed", Step: 1, Tool: "tap", Result: "TAPPED OK"})

	f, err := os.OpenFile(store.Paths("run_r").Events, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{torn line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	store.AppendEvent("run_r", Event{Type: "run_finished", Status: StatusFailed})

	events, err := store.ReplayRun("run_r")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "run_started", events[0].Type)
	assert.Equal(t, "tool_executed", events[1].Type)
	assert.Equal(t, "run_finished", events[2].Type)
}

func TestReplayMissingRunErrors(t *testing.T) {
	store := newTestStore(t)
	_, err := store.ReplayRun("run_nope")
	assert.Error(t, err)
}

func TestListRunsNewestFirstAndSkipsCorrupt(t *testing.T) {
	store := newTestStore(t)

	older, err := store.CreateRun("run_old", "first", "", "", 5, true, policy.Default())
	require.NoError(t, err)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	require.NoError(t, store.SaveState(older))

	_, err = store.CreateRun("run_new", "second", "", "", 5, true, policy.Default())
	require.NoError(t, err)

	// A directory with no readable state document is skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "run_junk"), 0o755))

	runs, err := store.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run_new", runs[0].RunID)
	assert.Equal(t, "run_old", runs[1].RunID)

	limited, err := store.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "run_new", limited[0].RunID)

	assert.Equal(t, "run_new", store.LatestRunID())
}

func TestListRunsEmptyRoot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	runs, err := store.ListRuns(0)
	assert.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, store.LatestRunID())
}
