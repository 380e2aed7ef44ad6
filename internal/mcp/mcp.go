// Package mcp exposes the agent over the Model Context Protocol, so
// MCP-compatible clients can launch goals, inspect the simulator screen,
// and audit persisted runs through stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/stephengodman/ios-agent-runner/internal/agent"
	"github.com/stephengodman/ios-agent-runner/internal/artifacts"
	"github.com/stephengodman/ios-agent-runner/internal/config"
	"github.com/stephengodman/ios-agent-runner/internal/device"
	"github.com/stephengodman/ios-agent-runner/internal/dryrun"
	"github.com/stephengodman/ios-agent-runner/internal/planner"
	"github.com/stephengodman/ios-agent-runner/internal/runstate"
	"github.com/stephengodman/ios-agent-runner/internal/screenmap"
)

// Server wraps the MCP server around the agent's collaborators. The
// simulator session boots lazily on the first tool that needs it and is
// reused afterward.
type Server struct {
	mcpServer *mcpserver.MCPServer
	cfg       config.Config
	store     *runstate.Store
	logger    *slog.Logger

	mu  sync.Mutex
	sim *device.Simulator
}

// New creates and configures the MCP server with all tools registered.
func New(cfg config.Config, store *runstate.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"ios-agent",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving the stdio transport.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("ios_run_goal",
			mcplib.WithDescription("Run an autonomous goal against the booted iOS simulator and return the outcome"),
			mcplib.WithString("goal", mcplib.Description("Natural language goal to accomplish"), mcplib.Required()),
			mcplib.WithString("bundle_id", mcplib.Description("App to launch first, e.g. com.apple.Preferences")),
			mcplib.WithNumber("max_steps", mcplib.Description("Step budget for the run")),
		),
		s.handleRunGoal,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("ios_screenshot",
			mcplib.WithDescription("Capture a screenshot of the current simulator screen"),
		),
		s.handleScreenshot,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("ios_dump_tree",
			mcplib.WithDescription("Dump the current accessibility tree as a flat element list"),
			mcplib.WithString("bundle_id", mcplib.Description("Optional app to launch before dumping")),
		),
		s.handleDumpTree,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("ios_list_runs",
			mcplib.WithDescription("List persisted runs, newest first"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum runs to return")),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("ios_replay_run",
			mcplib.WithDescription("Replay a persisted run's event stream"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
		),
		s.handleReplayRun,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("ios_dry_run",
			mcplib.WithDescription("Validate a persisted run offline against its recorded policy and artifacts"),
			mcplib.WithString("run_id", mcplib.Description("Run identifier"), mcplib.Required()),
			mcplib.WithBoolean("strict", mcplib.Description("Treat policy violations as errors")),
		),
		s.handleDryRun,
	)
}

// simulator returns the shared simulator session, booting one on first use.
func (s *Server) simulator(ctx context.Context) (*device.Simulator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sim != nil {
		return s.sim, nil
	}
	sim, err := device.EnsureBooted(ctx, s.logger)
	if err != nil {
		return nil, err
	}
	s.sim = sim
	return sim, nil
}

func (s *Server) handleRunGoal(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	goal := request.GetString("goal", "")
	if goal == "" {
		return errorResult("goal is required"), nil
	}
	bundleID := request.GetString("bundle_id", "")
	maxSteps := request.GetInt("max_steps", 25)

	sim, err := s.simulator(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("simulator unavailable: %v", err)), nil
	}
	plnr, err := planner.NewAnthropic(s.cfg, sim.Geometry, s.logger)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	a := agent.New(agent.Deps{
		Device:      sim,
		Planner:     plnr,
		Store:       s.store,
		Capturer:    artifacts.NewCapturer(sim.UDID, s.cfg.ArtifactsRoot),
		Geometry:    sim.Geometry,
		Logger:      s.logger,
		SettleDelay: s.cfg.SettleDelay,
		LaunchDelay: s.cfg.LaunchDelay,
	})

	res, err := a.Run(ctx, agent.Options{
		Goal:     goal,
		BundleID: bundleID,
		MaxSteps: maxSteps,
		SafeMode: true,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("run failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"run_id":  res.RunID,
		"status":  res.Status,
		"success": res.Success,
		"steps":   res.Steps,
		"summary": res.Summary,
	})
}

func (s *Server) handleScreenshot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sim, err := s.simulator(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("simulator unavailable: %v", err)), nil
	}
	capturer := artifacts.NewCapturer(sim.UDID, s.cfg.ArtifactsRoot)
	path, err := capturer.CaptureWithLabel(ctx, "mcp")
	if err != nil {
		return errorResult(fmt.Sprintf("screenshot failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"path": path})
}

func (s *Server) handleDumpTree(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sim, err := s.simulator(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("simulator unavailable: %v", err)), nil
	}
	if bundleID := request.GetString("bundle_id", ""); bundleID != "" {
		if err := sim.LaunchApp(ctx, bundleID); err != nil {
			return errorResult(fmt.Sprintf("launch failed: %v", err)), nil
		}
	}
	raw, err := sim.DescribeAll(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("describe failed: %v", err)), nil
	}
	elements := screenmap.Flatten(screenmap.Parse(raw))
	return jsonResult(elements)
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}
	return jsonResult(runs)
}

func (s *Server) handleReplayRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	events, err := s.store.ReplayRun(runID)
	if err != nil {
		return errorResult(fmt.Sprintf("replay failed: %v", err)), nil
	}
	return jsonResult(events)
}

func (s *Server) handleDryRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if runID == "" {
		return errorResult("run_id is required"), nil
	}
	strict := request.GetBool("strict", false)
	rep, err := dryrun.Validate(s.store, runID, strict)
	if err != nil {
		return errorResult(fmt.Sprintf("validation failed: %v", err)), nil
	}
	return jsonResult(rep)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return mcplib.NewToolResultError(msg)
}
