// Package dryrun re-validates a persisted run offline: every recorded step
// is replayed through the policy that was in force, and referenced
// artifacts are checked on disk. Nothing touches the simulator.
package dryrun

import (
	"fmt"
	"os"
	"strings"

	"github.com/stephengodman/ios-agent-runner/internal/policy"
	"github.com/stephengodman/ios-agent-runner/internal/runstate"
)

// Counts summarizes what the validator examined.
type Counts struct {
	Steps              int `json:"steps"`
	PolicyBlocks       int `json:"policy_blocks"`
	PolicyViolations   int `json:"policy_violations"`
	MissingScreenshots int `json:"missing_screenshots"`
	MissingTrees       int `json:"missing_trees"`
}

// Report is the validator's verdict on one run.
type Report struct {
	RunID    string   `json:"run_id"`
	OK       bool     `json:"ok"`
	SafeMode bool     `json:"safe_mode"`
	Status   string   `json:"status"`
	Goal     string   `json:"goal"`
	BundleID string   `json:"bundle_id,omitempty"`
	Counts   Counts   `json:"counts"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate replays a run's history through its persisted policy. In strict
// mode a step that the policy would deny (but that was executed anyway) is
// an error; otherwise it is a warning. Missing artifact files are always
// errors: the run document promises them. Steps that never recorded an
// artifact path warn in strict mode only.
func Validate(store *runstate.Store, runID string, strict bool) (*Report, error) {
	st, err := store.LoadState(runID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("dryrun: run %s not found", runID)
	}

	pol := policy.FromSnapshot(st.SafeMode, st.Policy)
	rep := &Report{
		RunID:    st.RunID,
		SafeMode: st.SafeMode,
		Status:   st.Status,
		Goal:     st.Goal,
		BundleID: st.BundleID,
	}

	for _, rec := range st.History {
		// Bookkeeping records (recoveries, model failures) are not
		// planner-chosen tools and bypass the gate.
		if rec.Tool.Internal() {
			continue
		}
		rep.Counts.Steps++

		ok, reason := pol.ValidateAction(rec.Tool, rec.Params)
		wasBlocked := strings.HasPrefix(rec.Result, "POLICY BLOCKED")
		switch {
		case wasBlocked:
			rep.Counts.PolicyBlocks++
		case !ok:
			rep.Counts.PolicyViolations++
			msg := fmt.Sprintf("step %d: tool '%s' executed but policy denies it: %s", rec.Step, rec.Tool, reason)
			if strict {
				rep.Errors = append(rep.Errors, msg)
			} else {
				rep.Warnings = append(rep.Warnings, msg)
			}
		}

		if rec.ScreenshotPath == "" {
			if strict {
				rep.Warnings = append(rep.Warnings, fmt.Sprintf("step %d: no screenshot_path recorded", rec.Step))
			}
		} else if _, err := os.Stat(rec.ScreenshotPath); err != nil {
			rep.Counts.MissingScreenshots++
			rep.Errors = append(rep.Errors, fmt.Sprintf("step %d: screenshot missing: %s", rec.Step, rec.ScreenshotPath))
		}
		if rec.TreePath == "" {
			if strict {
				rep.Warnings = append(rep.Warnings, fmt.Sprintf("step %d: no tree_path recorded", rec.Step))
			}
		} else if _, err := os.Stat(rec.TreePath); err != nil {
			rep.Counts.MissingTrees++
			rep.Errors = append(rep.Errors, fmt.Sprintf("step %d: tree dump missing: %s", rec.Step, rec.TreePath))
		}
	}

	rep.OK = len(rep.Errors) == 0
	return rep, nil
}
