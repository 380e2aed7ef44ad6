// Package runstate persists run documents, step history, and event logs as
// flat per-run files so runs can be paused, resumed, replayed, and audited
// offline.
//
// Layout under the store root:
//
//	<root>/<run_id>/state.json    full run document, rewritten on save
//	<root>/<run_id>/events.jsonl  append-only event stream
//	<root>/<run_id>/report.html   rendered summary (written by the reporter)
package runstate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stephengodman/ios-agent-runner/internal/action"
	"github.com/stephengodman/ios-agent-runner/internal/policy"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
)

// metricKeys are the counters every run document carries, initialized to
// zero at creation so reports always render the full set.
var metricKeys = []string{
	"model_calls",
	"model_retries",
	"model_failures",
	"policy_blocks",
	"action_failures",
	"recoveries",
}

// StepRecord is one executed (or bookkeeping) step in a run's history.
type StepRecord struct {
	Step           int           `json:"step"`
	Tool           action.Name   `json:"tool"`
	Params         action.Params `json:"params"`
	Result         string        `json:"result"`
	ScreenshotPath string        `json:"screenshot_path,omitempty"`
	TreePath       string        `json:"tree_path,omitempty"`
}

// State is the persisted run document.
type State struct {
	RunID       string          `json:"run_id"`
	Goal        string          `json:"goal"`
	BundleID    string          `json:"bundle_id,omitempty"`
	UDID        string          `json:"udid,omitempty"`
	MaxSteps    int             `json:"max_steps"`
	SafeMode    bool            `json:"safe_mode"`
	Status      string          `json:"status"`
	Summary     string          `json:"summary,omitempty"`
	Policy      policy.Snapshot `json:"policy"`
	History     []StepRecord    `json:"history"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	CompletedAt string          `json:"completed_at,omitempty"`
	LastStep    int             `json:"last_step"`
	Metrics     map[string]int  `json:"metrics"`
}

// Event is one line of the append-only event stream. Fields beyond type and
// timestamp are populated per event kind and omitted otherwise.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Step      int    `json:"step,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Result    string `json:"result,omitempty"`
	Path      string `json:"path,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Retries   int    `json:"retries,omitempty"`
	Status    string `json:"status,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Steps     int    `json:"steps,omitempty"`
}

// RunPaths locates a run's artifacts on disk.
type RunPaths struct {
	Dir    string
	State  string
	Events string
	Report string
}

// Store reads and writes run documents under a root directory.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore returns a store rooted at dir. The directory is created on
// first write, not here.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: dir, logger: logger}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// NewRunID generates a sortable run identifier:
// run_<UTC timestamp>_<8 hex chars>.
func NewRunID() string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("run_%s_%s", ts, suffix)
}

// Paths returns the artifact locations for a run id. Pure; the run need
// not exist.
func (s *Store) Paths(runID string) RunPaths {
	dir := filepath.Join(s.root, runID)
	return RunPaths{
		Dir:    dir,
		State:  filepath.Join(dir, "state.json"),
		Events: filepath.Join(dir, "events.jsonl"),
		Report: filepath.Join(dir, "report.html"),
	}
}

// CreateRun initializes a new run document on disk with zeroed metrics and
// emits the run_started event.
func (s *Store) CreateRun(runID, goal, bundleID, udid string, maxSteps int, safeMode bool, pol policy.Policy) (*State, error) {
	now := timestamp()
	metrics := make(map[string]int, len(metricKeys))
	for _, key := range metricKeys {
		metrics[key] = 0
	}
	st := &State{
		RunID:     runID,
		Goal:      goal,
		BundleID:  bundleID,
		UDID:      udid,
		MaxSteps:  maxSteps,
		SafeMode:  safeMode,
		Status:    StatusRunning,
		Policy:    pol.Snapshot(),
		History:   []StepRecord{},
		CreatedAt: now,
		UpdatedAt: now,
		Metrics:   metrics,
	}
	if err := s.SaveState(st); err != nil {
		return nil, err
	}
	s.AppendEvent(runID, Event{Type: "run_started", Reason: goal})
	return st, nil
}

// SaveState writes the full document atomically enough for a single-writer
// store (temp file then rename), refreshing UpdatedAt.
func (s *Store) SaveState(st *State) error {
	st.UpdatedAt = timestamp()
	paths := s.Paths(st.RunID)
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return fmt.Errorf("runstate: create run dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: marshal state: %w", err)
	}
	tmp := paths.State + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("runstate: write state: %w", err)
	}
	if err := os.Rename(tmp, paths.State); err != nil {
		return fmt.Errorf("runstate: replace state: %w", err)
	}
	return nil
}

// LoadState reads a run document. Absent or unreadable documents return
// (nil, nil): the caller treats both as "no such run".
func (s *Store) LoadState(runID string) (*State, error) {
	data, err := os.ReadFile(s.Paths(runID).State)
	if err != nil {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("runstate: skipping corrupt state document", "run_id", runID, "error", err)
		return nil, nil
	}
	return &st, nil
}

// AppendEvent stamps and appends one event line. Event logging never fails
// a run; write errors are logged and swallowed.
func (s *Store) AppendEvent(runID string, ev Event) {
	ev.Timestamp = timestamp()
	paths := s.Paths(runID)
	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		s.logger.Warn("runstate: create run dir for event", "run_id", runID, "error", err)
		return
	}
	f, err := os.OpenFile(paths.Events, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("runstate: open event log", "run_id", runID, "error", err)
		return
	}
	defer f.Close()
	line, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("runstate: marshal event", "run_id", runID, "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("runstate: append event", "run_id", runID, "error", err)
	}
}

// AppendHistory appends a step record, advances LastStep, and persists.
func (s *Store) AppendHistory(st *State, rec StepRecord) error {
	st.History = append(st.History, rec)
	if rec.Step > st.LastStep {
		st.LastStep = rec.Step
	}
	return s.SaveState(st)
}

// IncrementMetric bumps a counter and persists. Unknown keys are created.
func (s *Store) IncrementMetric(st *State, key string) error {
	if st.Metrics == nil {
		st.Metrics = map[string]int{}
	}
	st.Metrics[key]++
	return s.SaveState(st)
}

// FinalizeRun marks the terminal status, stamps CompletedAt, and emits the
// run_finished event.
func (s *Store) FinalizeRun(st *State, status, summary string) error {
	st.Status = status
	st.Summary = summary
	st.CompletedAt = timestamp()
	if err := s.SaveState(st); err != nil {
		return err
	}
	s.AppendEvent(st.RunID, Event{
		Type:    "run_finished",
		Status:  status,
		Summary: summary,
		Steps:   st.LastStep,
	})
	return nil
}

// RunSummary is one row of a run listing.
type RunSummary struct {
	RunID     string `json:"run_id"`
	Goal      string `json:"goal"`
	Status    string `json:"status"`
	Steps     int    `json:"steps"`
	CreatedAt string `json:"created_at"`
}

// ListRuns returns run summaries sorted newest first, skipping entries
// whose state documents are missing or corrupt.
func (s *Store) ListRuns(limit int) ([]RunSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("runstate: read store root: %w", err)
	}
	var out []RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, _ := s.LoadState(entry.Name())
		if st == nil {
			continue
		}
		out = append(out, RunSummary{
			RunID:     st.RunID,
			Goal:      st.Goal,
			Status:    st.Status,
			Steps:     st.LastStep,
			CreatedAt: st.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LatestRunID returns the most recently created run id, or empty when the
// store has none.
func (s *Store) LatestRunID() string {
	runs, err := s.ListRuns(1)
	if err != nil || len(runs) == 0 {
		return ""
	}
	return runs[0].RunID
}

// ReplayRun reads a run's event stream in order. Malformed lines are
// skipped, not fatal: a crashed writer may leave a torn last line.
func (s *Store) ReplayRun(runID string) ([]Event, error) {
	f, err := os.Open(s.Paths(runID).Events)
	if err != nil {
		return nil, fmt.Errorf("runstate: open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Warn("runstate: skipping malformed event line", "run_id", runID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("runstate: scan event log: %w", err)
	}
	return events, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
