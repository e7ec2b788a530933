package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"runbook/internal/core"
	"runbook/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the engine over the Model Context Protocol on stdio.
type MCPServer struct {
	service *core.Service
	store   *store.Store
	logger  *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(service *core.Service, st *store.Store, logger *slog.Logger) *MCPServer {
	return &MCPServer{service: service, store: st, logger: logger}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"runbook",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("playbook_list",
		mcp.WithDescription("List all available playbooks"),
	), s.handleListPlaybooks)

	mcpServer.AddTool(mcp.NewTool("playbook_plan",
		mcp.WithDescription("Resolve a playbook into its staged execution plan without running anything"),
		mcp.WithString("playbook",
			mcp.Required(),
			mcp.Description("Playbook name"),
		),
	), s.handlePlanPlaybook)

	mcpServer.AddTool(mcp.NewTool("playbook_run",
		mcp.WithDescription("Execute a playbook and wait for the aggregate result"),
		mcp.WithString("playbook",
			mcp.Required(),
			mcp.Description("Playbook name"),
		),
		mcp.WithBoolean("dry_run",
			mcp.Description("Validate and plan only, launch nothing"),
		),
		mcp.WithBoolean("parallel",
			mcp.Description("Run parallel-eligible stages concurrently"),
		),
		mcp.WithNumber("concurrency",
			mcp.Description("Worker pool size for parallel stages"),
			mcp.Min(1),
		),
		mcp.WithBoolean("continue_on_error",
			mcp.Description("Keep running after a task failure"),
		),
		mcp.WithString("variables",
			mcp.Description("Variable overrides as Name=Value pairs separated by commas"),
		),
	), s.handleRunPlaybook)

	mcpServer.AddTool(mcp.NewTool("playbook_dry_run",
		mcp.WithDescription("Validate and plan a playbook end to end without launching any task"),
		mcp.WithString("playbook",
			mcp.Required(),
			mcp.Description("Playbook name"),
		),
		mcp.WithString("variables",
			mcp.Description("Variable overrides as Name=Value pairs separated by commas"),
		),
	), s.handleDryRunPlaybook)

	mcpServer.AddTool(mcp.NewTool("run_list",
		mcp.WithDescription("List recent runs, newest first"),
		mcp.WithString("playbook",
			mcp.Description("Filter by playbook name"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs to return, default 10"),
			mcp.Min(1),
		),
	), s.handleListRuns)

	mcpServer.AddTool(mcp.NewTool("run_get",
		mcp.WithDescription("Get one run with its per-task outcomes"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleGetRun)
}

func (s *MCPServer) handleListPlaybooks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := s.service.Playbooks.List()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list playbooks: %v", err)), nil
	}
	if len(names) == 0 {
		return mcp.NewToolResultText("No playbooks found."), nil
	}
	return mcp.NewToolResultText("Playbooks:\n" + strings.Join(names, "\n")), nil
}

func (s *MCPServer) handlePlanPlaybook(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "playbook", "")
	plan, err := s.service.Plan(name, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve %q: %v", name, err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %q: %d stage(s)\n", plan.Playbook, len(plan.Stages))
	for _, st := range plan.Stages {
		mode := "sequential"
		if st.Parallel {
			mode = "parallel"
		}
		fmt.Fprintf(&b, "\n%s (%s):\n", st.Name, mode)
		for _, inv := range st.Invocations {
			fmt.Fprintf(&b, "  %s %s\n", inv.Task.Number, strings.Join(inv.Args, " "))
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunPlaybook(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "playbook", "")
	opts := core.Options{
		Strategy:        core.StrategySequential,
		DryRun:          mcp.ParseBoolean(request, "dry_run", false),
		Concurrency:     int(mcp.ParseFloat64(request, "concurrency", 0)),
		ContinueOnError: mcp.ParseBoolean(request, "continue_on_error", false),
	}
	if mcp.ParseBoolean(request, "parallel", false) {
		opts.Strategy = core.StrategyParallel
	}

	overrides, err := parseVariables(mcp.ParseString(request, "variables", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run, err := s.service.RunPlaybook(ctx, name, overrides, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %q: %v", name, err)), nil
	}
	return mcp.NewToolResultText(formatRun(run, true)), nil
}

func (s *MCPServer) handleDryRunPlaybook(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "playbook", "")
	overrides, err := parseVariables(mcp.ParseString(request, "variables", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run, err := s.service.RunPlaybook(ctx, name, overrides, core.Options{DryRun: true})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dry run %q: %v", name, err)), nil
	}
	return mcp.NewToolResultText(formatRun(run, true)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	playbook := mcp.ParseString(request, "playbook", "")
	limit := int(mcp.ParseFloat64(request, "limit", 10))

	runs, err := s.store.ListRuns(ctx, playbook, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs found."), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d run(s):\n\n", len(runs))
	for _, run := range runs {
		b.WriteString(formatRun(run, false))
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get run: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRun(run, true)), nil
}

func parseVariables(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable pair %q: want Name=Value", pair)
		}
		out[key] = val
	}
	return out, nil
}

func formatRun(run *core.RunResult, detailed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", run.ID)
	fmt.Fprintf(&b, "  Playbook: %s\n", run.Playbook)
	fmt.Fprintf(&b, "  Status: %s (exit code %d)\n", run.OverallStatus, core.ExitCode(run.OverallStatus))
	fmt.Fprintf(&b, "  Started: %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "  Duration: %s\n", run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if run.DryRun {
		b.WriteString("  Dry run: yes\n")
	}
	if !detailed {
		return b.String()
	}
	for _, o := range run.Outcomes {
		fmt.Fprintf(&b, "  [%s] %s: %s", o.Stage, o.Number, o.Status)
		if o.ExitCode != nil {
			fmt.Fprintf(&b, " (exit %d)", *o.ExitCode)
		}
		if o.Error != nil {
			fmt.Fprintf(&b, " - %s", *o.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}
