// Package agent runs the perceive-decide-act-record loop: read the screen,
// ask the planner for one tool call, gate it through policy, execute it,
// and persist every step so runs can be paused, resumed, and audited.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stephengodman/ios-agent-runner/internal/action"
	"github.com/stephengodman/ios-agent-runner/internal/artifacts"
	"github.com/stephengodman/ios-agent-runner/internal/device"
	"github.com/stephengodman/ios-agent-runner/internal/locator"
	"github.com/stephengodman/ios-agent-runner/internal/planner"
	"github.com/stephengodman/ios-agent-runner/internal/policy"
	"github.com/stephengodman/ios-agent-runner/internal/report"
	"github.com/stephengodman/ios-agent-runner/internal/runstate"
	"github.com/stephengodman/ios-agent-runner/internal/screenmap"
	"github.com/stephengodman/ios-agent-runner/internal/telemetry"
)

const (
	// signatureWindow is how many consecutive identical screen signatures
	// count as a stuck tree.
	signatureWindow = 3
	// failureStreakLimit is how many consecutive failed actions count as
	// stuck.
	failureStreakLimit = 3
	// maxRecoveryEpisodes bounds the recovery ladder; the next stuck
	// detection after the last rung fails the run.
	maxRecoveryEpisodes = 3
	// maxConsecutiveNudges bounds text-only planner responses before the
	// run is declared failed.
	maxConsecutiveNudges = 3
	// sparseTreeThreshold is the labeled-element count below which the
	// observation attaches a screenshot for vision.
	sparseTreeThreshold = 8
	// resultTruncateLen caps result strings in the event stream.
	resultTruncateLen = 300

	nudgeText = "You must call exactly one tool per turn. Please call a tool now."
)

// Options configures one Run invocation.
type Options struct {
	Goal          string
	BundleID      string
	MaxSteps      int
	SafeMode      bool
	ResumeRunID   string
	StopAfterStep int

	// Policy overrides merged on top of the safe-mode defaults.
	AllowTapXY            bool
	AllowedBundlePrefixes []string
}

// Result is the outcome of a Run.
type Result struct {
	RunID   string
	Status  string
	Success bool
	Paused  bool
	Steps   int
	Summary string
	Paths   runstate.RunPaths
}

// Agent owns the collaborators for a run. One Agent drives one simulator
// session; construct a fresh one per process.
type Agent struct {
	device      device.Device
	planner     planner.Planner
	store       *runstate.Store
	capturer    *artifacts.Capturer
	logger      *slog.Logger
	retry       planner.RetryPolicy
	geom        device.Geometry
	settleDelay time.Duration
	launchDelay time.Duration

	// sleep is injectable so tests run without wall-clock delays.
	sleep func(ctx context.Context, d time.Duration) error

	tracer       trace.Tracer
	stepCounter  metric.Int64Counter
	blockCounter metric.Int64Counter
	modelCounter metric.Int64Counter
}

// Deps are the collaborators an Agent needs.
type Deps struct {
	Device      device.Device
	Planner     planner.Planner
	Store       *runstate.Store
	Capturer    *artifacts.Capturer
	Logger      *slog.Logger
	Retry       planner.RetryPolicy
	Geometry    device.Geometry
	SettleDelay time.Duration
	LaunchDelay time.Duration
}

// New assembles an agent. Zero-value retry and delays get defaults.
func New(deps Deps) *Agent {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := deps.Retry
	if retry.MaxAttempts == 0 {
		retry = planner.DefaultRetryPolicy()
	}
	settle := deps.SettleDelay
	if settle == 0 {
		settle = time.Second
	}
	launch := deps.LaunchDelay
	if launch == 0 {
		launch = 3 * time.Second
	}
	geom := deps.Geometry
	if geom.Width == 0 {
		if sim, ok := deps.Device.(*device.Simulator); ok {
			geom = sim.Geometry
		} else {
			geom = device.DefaultGeometry()
		}
	}

	meter := telemetry.Meter("agent")
	stepCounter, _ := meter.Int64Counter("agent.steps")
	blockCounter, _ := meter.Int64Counter("agent.policy_blocks")
	modelCounter, _ := meter.Int64Counter("agent.model_calls")

	return &Agent{
		device:       deps.Device,
		planner:      deps.Planner,
		store:        deps.Store,
		capturer:     deps.Capturer,
		logger:       logger,
		retry:        retry,
		geom:         geom,
		settleDelay:  settle,
		launchDelay:  launch,
		sleep:        sleepCtx,
		tracer:       telemetry.Tracer("agent"),
		stepCounter:  stepCounter,
		blockCounter: blockCounter,
		modelCounter: modelCounter,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runContext is the mutable state of one run in flight.
type runContext struct {
	state    *runstate.State
	pol      policy.Policy
	history  []planner.Message
	elements []screenmap.Element

	signatures      []string
	lastSignature   string
	failureStreak   int
	recoveryEpisode int
	stuckReason     string
}

// Run executes a goal to completion, pause, or failure. The returned error
// covers infrastructure collapse only; goal failure is reported through
// Result.
func (a *Agent) Run(ctx context.Context, opts Options) (Result, error) {
	if opts.ResumeRunID != "" {
		return a.runResumed(ctx, opts)
	}
	return a.runFresh(ctx, opts)
}

func (a *Agent) runFresh(ctx context.Context, opts Options) (Result, error) {
	pol := a.buildPolicy(opts)

	// The start bundle is gated before any state exists: a denied run
	// leaves no trace on disk.
	if opts.BundleID != "" {
		if ok, reason := pol.ValidateBundle(opts.BundleID); !ok {
			return Result{
				Status:  runstate.StatusFailed,
				Summary: "POLICY BLOCKED: " + reason,
			}, nil
		}
	}

	runID := runstate.NewRunID()
	maxSteps := pol.EffectiveMaxSteps(opts.MaxSteps)
	st, err := a.store.CreateRun(runID, opts.Goal, opts.BundleID, a.udid(), maxSteps, opts.SafeMode, pol)
	if err != nil {
		return Result{}, err
	}
	a.logger.Info("run started", "run_id", runID, "goal", opts.Goal, "max_steps", maxSteps, "safe_mode", opts.SafeMode)

	rc := &runContext{state: st, pol: pol}

	if opts.BundleID != "" {
		if err := a.device.LaunchApp(ctx, opts.BundleID); err != nil {
			return a.finalize(rc, runstate.StatusFailed, fmt.Sprintf("Failed to launch %s: %v", opts.BundleID, err))
		}
		a.sleep(ctx, a.launchDelay)
	}

	if err := a.observe(ctx, rc); err != nil {
		return a.finalize(rc, runstate.StatusFailed, fmt.Sprintf("Failed to read screen: %v", err))
	}
	rc.history = append(rc.history, a.initialMessage(ctx, rc))

	return a.loop(ctx, rc, 1, opts.StopAfterStep)
}

func (a *Agent) runResumed(ctx context.Context, opts Options) (Result, error) {
	st, err := a.store.LoadState(opts.ResumeRunID)
	if err != nil {
		return Result{}, err
	}
	if st == nil {
		return Result{}, fmt.Errorf("agent: run %s not found", opts.ResumeRunID)
	}

	// Persisted values win over fresh arguments; CLI policy overrides are
	// merged on top of the snapshot.
	pol := policy.FromSnapshot(st.SafeMode, st.Policy)
	if opts.AllowTapXY {
		pol.AllowTapXY = true
	}
	pol.MergePrefixes(opts.AllowedBundlePrefixes)

	st.Status = runstate.StatusRunning
	st.Summary = ""
	st.CompletedAt = ""
	st.Policy = pol.Snapshot()
	if err := a.store.SaveState(st); err != nil {
		return Result{}, err
	}
	a.logger.Info("run resumed", "run_id", st.RunID, "last_step", st.LastStep)

	rc := &runContext{state: st, pol: pol}

	if st.BundleID != "" {
		if err := a.device.LaunchApp(ctx, st.BundleID); err != nil {
			return a.finalize(rc, runstate.StatusFailed, fmt.Sprintf("Failed to relaunch %s: %v", st.BundleID, err))
		}
		a.sleep(ctx, a.launchDelay)
	}

	if err := a.observe(ctx, rc); err != nil {
		return a.finalize(rc, runstate.StatusFailed, fmt.Sprintf("Failed to read screen: %v", err))
	}
	rc.history = append(rc.history, a.resumeMessage(ctx, rc))

	return a.loop(ctx, rc, st.LastStep+1, opts.StopAfterStep)
}

func (a *Agent) buildPolicy(opts Options) policy.Policy {
	pol := policy.Disabled()
	if opts.SafeMode {
		pol = policy.Default()
	}
	if opts.AllowTapXY {
		pol.AllowTapXY = true
	}
	pol.MergePrefixes(opts.AllowedBundlePrefixes)
	return pol
}

// loop drives steps from startStep until a terminal tool, exhaustion,
// pause, or collapse.
func (a *Agent) loop(ctx context.Context, rc *runContext, startStep, stopAfter int) (Result, error) {
	st := rc.state
	step := startStep

	for {
		if stopAfter > 0 && step > stopAfter {
			return a.pause(rc, step-1, stopAfter)
		}
		if step > st.MaxSteps {
			return a.finalize(rc, runstate.StatusFailed,
				fmt.Sprintf("Reached max steps (%d) without completing goal", st.MaxSteps))
		}
		if err := ctx.Err(); err != nil {
			return a.finalize(rc, runstate.StatusFailed, fmt.Sprintf("Run cancelled: %v", err))
		}

		// Stuck handling happens before planning so the recovery action's
		// effect is visible in the next observation.
		if rc.stuckReason != "" {
			if res, done, err := a.recover(ctx, rc, step); done {
				return res, err
			}
		}

		decision, _, planErr := a.plan(ctx, rc, step)
		if planErr != nil {
			a.store.IncrementMetric(st, "model_failures")
			rec := runstate.StepRecord{
				Step:   step,
				Tool:   action.ModelCall,
				Result: fmt.Sprintf("MODEL ERROR: %v", planErr),
			}
			a.store.AppendHistory(st, rec)
			return a.finalize(rc, runstate.StatusFailed, fmt.Sprintf("Model call failed: %v", planErr))
		}

		if decision.Call == nil {
			if res, done, err := a.nudge(ctx, rc, step, decision.Text); done {
				return res, err
			}
			continue
		}

		call := decision.Call
		res, done, err := a.step(ctx, rc, step, call)
		if done {
			return res, err
		}

		if stopAfter > 0 && step >= stopAfter {
			return a.pause(rc, step, stopAfter)
		}
		step++
	}
}

// plan asks the planner with retry and records the model metrics/events.
func (a *Agent) plan(ctx context.Context, rc *runContext, step int) (planner.Decision, int, error) {
	st := rc.state
	spanCtx, span := a.tracer.Start(ctx, "agent.plan",
		trace.WithAttributes(attribute.Int("step", step)))
	defer span.End()

	start := time.Now()
	decision, retries, err := planner.PlanWithRetry(spanCtx, a.planner, rc.history, a.retry)
	latency := time.Since(start).Milliseconds()

	a.store.IncrementMetric(st, "model_calls")
	a.modelCounter.Add(ctx, 1)
	if retries > 0 {
		for i := 0; i < retries; i++ {
			a.store.IncrementMetric(st, "model_retries")
		}
	}
	if err != nil {
		span.RecordError(err)
		return planner.Decision{}, retries, err
	}

	a.store.AppendEvent(st.RunID, runstate.Event{
		Type:      "model_response",
		Step:      step,
		LatencyMS: latency,
		Retries:   retries,
	})
	return decision, retries, nil
}

// nudge handles a text-only planner response. The step index is not
// consumed; after three consecutive nudges the run fails. Returns done
// when the run ended.
func (a *Agent) nudge(ctx context.Context, rc *runContext, step int, text string) (Result, bool, error) {
	st := rc.state
	a.store.AppendEvent(st.RunID, runstate.Event{Type: "planner_no_action", Step: step})
	a.logger.Warn("planner returned no tool call", "step", step)

	rc.history = append(rc.history,
		planner.Message{Role: planner.RoleAssistant, Text: text},
		planner.Message{Role: planner.RoleUser, Text: nudgeText},
	)

	consecutive := 0
	for i := len(rc.history) - 2; i >= 0; i -= 2 {
		if rc.history[i].Role == planner.RoleAssistant && rc.history[i].Call == nil && rc.history[i].Text != "" {
			consecutive++
		} else {
			break
		}
	}
	if consecutive >= maxConsecutiveNudges {
		res, err := a.finalize(rc, runstate.StatusFailed,
			"Planner produced no tool call after repeated prompts")
		return res, true, err
	}
	return Result{}, false, nil
}

// step executes one planned call end to end: gate, execute, record,
// observe. Returns done when the run reached a terminal state.
func (a *Agent) step(ctx context.Context, rc *runContext, step int, call *action.Call) (Result, bool, error) {
	st := rc.state
	stepCtx, span := a.tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.Int("step", step),
		attribute.String("tool", string(call.Name)),
	))
	defer span.End()
	a.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", string(call.Name))))

	rc.history = append(rc.history, planner.Message{Call: call})

	// Terminal tools end the run without touching the device.
	if call.Name.Terminal() {
		result := terminalResult(call)
		a.store.AppendHistory(st, runstate.StepRecord{
			Step: step, Tool: call.Name, Params: call.Params, Result: result,
		})
		a.store.AppendEvent(st.RunID, runstate.Event{
			Type: "tool_executed", Step: step, Tool: string(call.Name), Result: truncate(result, resultTruncateLen),
		})
		status := runstate.StatusCompleted
		if call.Name == action.Fail {
			status = runstate.StatusFailed
		}
		res, err := a.finalize(rc, status, result)
		return res, true, err
	}

	var out outcome
	if ok, reason := a.gate(rc, step, call); !ok {
		out = outcome{Result: "POLICY BLOCKED: " + reason}
	} else if verr := action.Validate(call.Name, call.Params); verr != nil {
		out = outcome{Result: fmt.Sprintf("EXECUTION FAILED: %v", verr)}
	} else {
		out = a.execute(stepCtx, call, rc.elements)
	}

	rec := runstate.StepRecord{Step: step, Tool: call.Name, Params: call.Params, Result: out.Result}

	// Audit screenshot, best effort.
	if shot, err := a.capturer.CaptureWithLabel(stepCtx, fmt.Sprintf("step%02d_%s", step, call.Name)); err == nil {
		rec.ScreenshotPath = shot
		a.store.AppendEvent(st.RunID, runstate.Event{Type: "screenshot_captured", Step: step, Path: shot})
	} else {
		a.logger.Warn("screenshot capture failed", "step", step, "error", err)
	}

	if err := a.store.AppendHistory(st, rec); err != nil {
		return Result{}, true, err
	}
	a.store.AppendEvent(st.RunID, runstate.Event{
		Type: "tool_executed", Step: step, Tool: string(call.Name), Result: truncate(out.Result, resultTruncateLen),
	})
	a.logger.Info("step executed", "step", step, "tool", call.Name, "result", truncate(out.Result, 120))

	if out.failed() {
		a.store.IncrementMetric(st, "action_failures")
		rc.failureStreak++
	} else {
		rc.failureStreak = 0
	}

	// Settle, re-read the screen, and persist the refreshed tree.
	a.sleep(stepCtx, a.settleDelay)
	if err := a.observe(stepCtx, rc); err != nil {
		a.logger.Warn("screen refresh failed", "step", step, "error", err)
	} else if treePath, err := a.capturer.SaveTreeJSON(rc.elements, fmt.Sprintf("step%02d_tree", step)); err == nil {
		a.store.AppendEvent(st.RunID, runstate.Event{Type: "tree_saved", Step: step, Path: treePath})
		// Back-fill onto the record just appended.
		st.History[len(st.History)-1].TreePath = treePath
		a.store.SaveState(st)
	}

	a.updateStuck(rc)
	rc.history = append(rc.history, a.resultMessage(ctx, rc, call, out))
	return Result{}, false, nil
}

// gate applies the policy to one call, recording a block when denied.
func (a *Agent) gate(rc *runContext, step int, call *action.Call) (bool, string) {
	ok, reason := rc.pol.ValidateAction(call.Name, call.Params)
	if !ok {
		a.store.IncrementMetric(rc.state, "policy_blocks")
		a.blockCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tool", string(call.Name))))
		a.store.AppendEvent(rc.state.RunID, runstate.Event{
			Type: "policy_block", Step: step, Tool: string(call.Name), Reason: reason,
		})
		a.logger.Warn("policy blocked action", "step", step, "tool", call.Name, "reason", reason)
	}
	return ok, reason
}

// updateStuck refreshes the stuck verdict after an observation. The
// identical-tree reason wins when both conditions hold. A changed screen
// counts as progress and restarts the recovery ladder from rung one.
func (a *Agent) updateStuck(rc *runContext) {
	sig := screenmap.Signature(rc.elements)
	if rc.lastSignature != "" && sig != rc.lastSignature {
		rc.recoveryEpisode = 0
	}
	rc.lastSignature = sig
	rc.signatures = append(rc.signatures, sig)
	if len(rc.signatures) > signatureWindow {
		rc.signatures = rc.signatures[len(rc.signatures)-signatureWindow:]
	}

	treeStuck := len(rc.signatures) == signatureWindow
	for _, s := range rc.signatures {
		if s != sig {
			treeStuck = false
			break
		}
	}

	switch {
	case treeStuck:
		rc.stuckReason = fmt.Sprintf("identical tree %d turns", signatureWindow)
	case rc.failureStreak >= failureStreakLimit:
		rc.stuckReason = fmt.Sprintf("%d consecutive failed actions", rc.failureStreak)
	default:
		rc.stuckReason = ""
	}
}

// recover climbs the recovery ladder: scroll down, scroll up, then tap a
// likely dismiss control. Each episode is recorded as a bookkeeping step;
// exhausting the ladder fails the run.
func (a *Agent) recover(ctx context.Context, rc *runContext, step int) (Result, bool, error) {
	st := rc.state
	reason := rc.stuckReason
	rc.recoveryEpisode++
	if rc.recoveryEpisode > maxRecoveryEpisodes {
		res, err := a.finalize(rc, runstate.StatusFailed,
			fmt.Sprintf("Stuck: %s, all recovery attempts exhausted", reason))
		return res, true, err
	}

	attempt := rc.recoveryEpisode
	var result string
	switch attempt {
	case 1:
		if err := a.device.Scroll(ctx, "down"); err != nil {
			result = fmt.Sprintf("RECOVERY: scroll down failed: %v", err)
		} else {
			result = "RECOVERY: scrolled down"
		}
	case 2:
		if err := a.device.Scroll(ctx, "up"); err != nil {
			result = fmt.Sprintf("RECOVERY: scroll up failed: %v", err)
		} else {
			result = "RECOVERY: scrolled up"
		}
	default:
		result = a.recoverDismiss(ctx, rc)
	}

	a.store.IncrementMetric(st, "recoveries")
	a.store.AppendHistory(st, runstate.StepRecord{
		Step:   step,
		Tool:   action.Recover,
		Params: action.Params{Attempt: attempt, Reason: reason},
		Result: result,
	})
	a.logger.Info("recovery attempted", "attempt", attempt, "reason", reason, "result", result)

	// A recovery resets the evidence that triggered it.
	rc.signatures = nil
	rc.failureStreak = 0
	rc.stuckReason = ""

	a.sleep(ctx, a.settleDelay)
	if err := a.observe(ctx, rc); err != nil {
		a.logger.Warn("screen refresh after recovery failed", "error", err)
	}
	rc.history = append(rc.history, planner.Message{
		Role: planner.RoleUser,
		Text: fmt.Sprintf("%s\n\nCurrent screen:\n%s", result, screenmap.Compact(rc.elements)),
	})
	return Result{}, false, nil
}

// recoverDismiss taps Back when it scores confidently, otherwise the first
// dismiss-like control scoring strictly above the threshold, otherwise
// presses home.
func (a *Agent) recoverDismiss(ctx context.Context, rc *runContext) string {
	if el, score := locator.FindElement("Back", rc.elements, locator.DefaultThreshold); el != nil && el.Frame.HasArea() {
		x, y := el.Center()
		if err := a.device.Tap(ctx, x, y); err == nil {
			return fmt.Sprintf("RECOVERY: tapped 'Back' [score=%d]", score)
		}
	}
	for _, label := range []string{"Close", "Cancel", "Done", "Home"} {
		el, score := locator.FindElement(label, rc.elements, locator.DefaultThreshold)
		if el == nil || score <= locator.DefaultThreshold || !el.Frame.HasArea() {
			continue
		}
		x, y := el.Center()
		if err := a.device.Tap(ctx, x, y); err == nil {
			return fmt.Sprintf("RECOVERY: tapped '%s' [score=%d]", el.DisplayText(), score)
		}
	}
	if err := a.device.PressHome(ctx); err != nil {
		return fmt.Sprintf("RECOVERY: press home failed: %v", err)
	}
	return "RECOVERY: pressed home"
}

// observe re-reads and flattens the accessibility tree.
func (a *Agent) observe(ctx context.Context, rc *runContext) error {
	raw, err := a.device.DescribeAll(ctx)
	if err != nil {
		return fmt.Errorf("agent: describe screen: %w", err)
	}
	rc.elements = screenmap.Flatten(screenmap.Parse(raw))
	return nil
}

// initialMessage builds the opening user turn: goal plus screen listing,
// with a screenshot attached when the tree is too sparse to navigate by
// text alone.
func (a *Agent) initialMessage(ctx context.Context, rc *runContext) planner.Message {
	msg := planner.Message{
		Role: planner.RoleUser,
		Text: fmt.Sprintf("Goal: %s\n\nCurrent screen:\n%s", rc.state.Goal, screenmap.Compact(rc.elements)),
	}
	msg.Image = a.sparseTreeImage(ctx, rc)
	return msg
}

func (a *Agent) resumeMessage(ctx context.Context, rc *runContext) planner.Message {
	var prior strings.Builder
	for _, rec := range rc.state.History {
		if rec.Tool.Internal() {
			continue
		}
		fmt.Fprintf(&prior, "step %d: %s -> %s\n", rec.Step, rec.Tool, truncate(rec.Result, 120))
	}
	msg := planner.Message{
		Role: planner.RoleUser,
		Text: fmt.Sprintf("Goal: %s\n\nThis run is resuming. Previous steps:\n%s\nCurrent screen:\n%s",
			rc.state.Goal, prior.String(), screenmap.Compact(rc.elements)),
	}
	msg.Image = a.sparseTreeImage(ctx, rc)
	return msg
}

// resultMessage feeds an executed call's outcome plus the refreshed screen
// back to the planner.
func (a *Agent) resultMessage(ctx context.Context, rc *runContext, call *action.Call, out outcome) planner.Message {
	text := fmt.Sprintf("%s\n\nCurrent screen:\n%s", out.Result, screenmap.Compact(rc.elements))
	image := out.Image
	if image == nil {
		image = a.sparseTreeImage(ctx, rc)
	}
	if call.ID != "" {
		return planner.Message{Result: &planner.ToolResult{CallID: call.ID, Text: text, Image: image}}
	}
	return planner.Message{Role: planner.RoleUser, Text: text, Image: image}
}

// sparseTreeImage captures a screenshot when too few elements carry text,
// so the planner can fall back to vision.
func (a *Agent) sparseTreeImage(ctx context.Context, rc *runContext) []byte {
	labeled := 0
	for _, el := range rc.elements {
		if el.DisplayText() != "" {
			labeled++
		}
	}
	if labeled >= sparseTreeThreshold {
		return nil
	}
	path, err := a.capturer.CaptureWithLabel(ctx, "sparse_tree")
	if err != nil {
		return nil
	}
	png, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return png
}

// pause finalizes the run as paused. A paused run is a terminal exit like
// completed or failed: it gets a summary, a run_finished event, and a
// rendered report, and stays resumable afterward.
func (a *Agent) pause(rc *runContext, steps, stopAfter int) (Result, error) {
	st := rc.state
	summary := fmt.Sprintf("Paused after step %d (stop_after_step=%d)", steps, stopAfter)
	if err := a.store.FinalizeRun(st, runstate.StatusPaused, summary); err != nil {
		return Result{}, err
	}
	a.renderReport(st.RunID)
	a.logger.Info("run paused", "run_id", st.RunID, "last_step", st.LastStep)
	return Result{
		RunID:   st.RunID,
		Status:  runstate.StatusPaused,
		Paused:  true,
		Steps:   steps,
		Summary: summary,
		Paths:   a.store.Paths(st.RunID),
	}, nil
}

func (a *Agent) finalize(rc *runContext, status, summary string) (Result, error) {
	st := rc.state
	if err := a.store.FinalizeRun(st, status, summary); err != nil {
		return Result{}, err
	}
	a.renderReport(st.RunID)
	a.logger.Info("run finished", "run_id", st.RunID, "status", status, "steps", st.LastStep, "summary", truncate(summary, 200))
	return Result{
		RunID:   st.RunID,
		Status:  status,
		Success: status == runstate.StatusCompleted,
		Steps:   st.LastStep,
		Summary: summary,
		Paths:   a.store.Paths(st.RunID),
	}, nil
}

// renderReport writes report.html for the run, best effort.
func (a *Agent) renderReport(runID string) {
	if _, err := report.Render(a.store, runID); err != nil {
		a.logger.Warn("report render failed", "run_id", runID, "error", err)
	}
}

func (a *Agent) udid() string {
	if sim, ok := a.device.(*device.Simulator); ok {
		return sim.UDID
	}
	return ""
}

func terminalResult(call *action.Call) string {
	if call.Name == action.Done {
		return "DONE: " + call.Params.Summary
	}
	return "FAIL: " + call.Params.Reason
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
