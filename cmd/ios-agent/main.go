// Command ios-agent runs autonomous goals against a booted iOS simulator
// and manages the persisted runs they leave behind.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stephengodman/ios-agent-runner/internal/agent"
	"github.com/stephengodman/ios-agent-runner/internal/artifacts"
	"github.com/stephengodman/ios-agent-runner/internal/config"
	"github.com/stephengodman/ios-agent-runner/internal/device"
	"github.com/stephengodman/ios-agent-runner/internal/dryrun"
	"github.com/stephengodman/ios-agent-runner/internal/locator"
	"github.com/stephengodman/ios-agent-runner/internal/planner"
	"github.com/stephengodman/ios-agent-runner/internal/report"
	"github.com/stephengodman/ios-agent-runner/internal/runstate"
	"github.com/stephengodman/ios-agent-runner/internal/screenmap"
	"github.com/stephengodman/ios-agent-runner/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	os.Exit(run0())
}

func run0() int {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("IOSAGENT_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	var (
		goal          = flag.String("goal", "", "natural language goal to accomplish")
		bundleID      = flag.String("bundle-id", "", "app to launch first, e.g. com.apple.Preferences")
		maxSteps      = flag.Int("max-steps", 25, "step budget for the run")
		unsafe        = flag.Bool("unsafe", false, "disable safe-mode guardrails")
		allowTapXY    = flag.Bool("allow-tap-xy", false, "allow coordinate taps in safe mode")
		resumeRunID   = flag.String("resume-run-id", "", "resume a paused run by id")
		stopAfterStep = flag.Int("stop-after-step", 0, "pause the run after this step")
		listRuns      = flag.Bool("list-runs", false, "list persisted runs and exit")
		replayRun     = flag.String("replay-run", "", "replay a run's event stream and exit")
		dryRunID      = flag.String("dry-run-run-id", "", "validate a persisted run offline and exit")
		strict        = flag.Bool("strict", false, "treat dry-run policy violations as errors")
		renderReport  = flag.String("render-report", "", "render a run's HTML report and exit")
		dumpTree      = flag.Bool("dump-tree", false, "dump the current accessibility tree and exit")
		tapText       = flag.String("tap-text", "", "tap the element matching this text and exit")
		typeText      = flag.String("type-text", "", "type into the focused field and exit")
		screenshot    = flag.Bool("screenshot", false, "capture a screenshot and exit")
	)
	var allowPrefixes stringList
	flag.Var(&allowPrefixes, "allow-bundle-prefix", "extra allowed safe-mode bundle prefix (repeatable)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store := runstate.NewStore(cfg.RunsRoot, logger)

	// Offline subcommands never touch the simulator.
	switch {
	case *listRuns:
		return printRuns(store)
	case *replayRun != "":
		return printReplay(store, *replayRun)
	case *dryRunID != "":
		return printDryRun(store, *dryRunID, *strict)
	case *renderReport != "":
		path, err := report.Render(store, *renderReport)
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	}

	shutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	sim, err := device.EnsureBooted(ctx, logger)
	if err != nil {
		return err
	}
	capturer := artifacts.NewCapturer(sim.UDID, cfg.ArtifactsRoot)

	// One-shot device helpers.
	switch {
	case *dumpTree:
		return printTree(ctx, sim, *bundleID)
	case *screenshot:
		path, err := capturer.CaptureWithLabel(ctx, "manual")
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	case *tapText != "":
		return tapByText(ctx, sim, *tapText)
	case *typeText != "":
		return sim.TypeText(ctx, *typeText)
	}

	if *goal == "" && *resumeRunID == "" {
		flag.Usage()
		return fmt.Errorf("either -goal or -resume-run-id is required")
	}

	plnr, err := planner.NewAnthropic(cfg, sim.Geometry, logger)
	if err != nil {
		return err
	}

	a := agent.New(agent.Deps{
		Device:      sim,
		Planner:     plnr,
		Store:       store,
		Capturer:    capturer,
		Geometry:    sim.Geometry,
		Logger:      logger,
		SettleDelay: cfg.SettleDelay,
		LaunchDelay: cfg.LaunchDelay,
	})

	res, err := a.Run(ctx, agent.Options{
		Goal:                  *goal,
		BundleID:              *bundleID,
		MaxSteps:              *maxSteps,
		SafeMode:              !*unsafe,
		ResumeRunID:           *resumeRunID,
		StopAfterStep:         *stopAfterStep,
		AllowTapXY:            *allowTapXY,
		AllowedBundlePrefixes: allowPrefixes,
	})
	if err != nil {
		return err
	}

	printJSON(map[string]any{
		"run_id":  res.RunID,
		"status":  res.Status,
		"success": res.Success,
		"steps":   res.Steps,
		"summary": res.Summary,
	})
	if !res.Success && !res.Paused {
		return fmt.Errorf("run %s failed", res.RunID)
	}
	return nil
}

func printRuns(store *runstate.Store) error {
	runs, err := store.ListRuns(0)
	if err != nil {
		return err
	}
	printJSON(runs)
	return nil
}

func printReplay(store *runstate.Store, runID string) error {
	events, err := store.ReplayRun(runID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Println(string(line))
	}
	return nil
}

func printDryRun(store *runstate.Store, runID string, strict bool) error {
	rep, err := dryrun.Validate(store, runID, strict)
	if err != nil {
		return err
	}
	printJSON(rep)
	if !rep.OK {
		return fmt.Errorf("dry-run validation failed for %s", runID)
	}
	return nil
}

func printTree(ctx context.Context, sim *device.Simulator, bundleID string) error {
	if bundleID != "" {
		if err := sim.LaunchApp(ctx, bundleID); err != nil {
			return err
		}
	}
	raw, err := sim.DescribeAll(ctx)
	if err != nil {
		return err
	}
	printJSON(screenmap.Flatten(screenmap.Parse(raw)))
	return nil
}

func tapByText(ctx context.Context, sim *device.Simulator, text string) error {
	raw, err := sim.DescribeAll(ctx)
	if err != nil {
		return err
	}
	elements := screenmap.Flatten(screenmap.Parse(raw))
	el, score := locator.FindElement(text, elements, locator.DefaultThreshold)
	if el == nil {
		return fmt.Errorf("no element matching %q; screen has: %s", text, screenmap.Summary(elements, 15))
	}
	x, y := el.Center()
	if err := sim.Tap(ctx, x, y); err != nil {
		return err
	}
	fmt.Printf("tapped %q [score=%d] at (%d, %d)\n", el.DisplayText(), score, x, y)
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(data))
}
