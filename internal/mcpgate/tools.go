package mcpgate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agoramesh/internal/auth"
	"agoramesh/internal/metrics"
	"agoramesh/internal/nodeproxy"
	"agoramesh/internal/task"
	"agoramesh/pkg/logging"
)

// hireWaitBudget bounds the synchronous wait inside hire_agent: the
// worker timeout ceiling plus a margin for queueing.
const hireWaitBudget = 65 * time.Second

// serverName and serverVersion identify the MCP server to clients.
const (
	serverName    = "agoramesh"
	serverVersion = "1.0.0"
)

// ToolRouter translates MCP tool calls into discovery and task
// operations.
type ToolRouter struct {
	node       *nodeproxy.Client
	dispatcher *task.Dispatcher
}

// NewToolServer builds the MCP server with the six marketplace tools
// registered.
func NewToolServer(node *nodeproxy.Client, dispatcher *task.Dispatcher) *server.MCPServer {
	router := &ToolRouter{node: node, dispatcher: dispatcher}

	s := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(true),
	)

	s.AddTool(mcp.NewTool("search_agents",
		mcp.WithDescription("Search the agent marketplace by capability or keyword"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search terms, e.g. 'code review'")),
		mcp.WithNumber("min_trust", mcp.Description("Minimum network trust score between 0 and 1")),
		mcp.WithNumber("limit", mcp.Description("Maximum results, 1-50 (default 10)")),
	), router.handleSearchAgents)

	s.AddTool(mcp.NewTool("list_agents",
		mcp.WithDescription("List agents registered on the marketplace"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithNumber("limit", mcp.Description("Maximum results, 1-50 (default 10)")),
	), router.handleListAgents)

	s.AddTool(mcp.NewTool("get_agent",
		mcp.WithDescription("Fetch one agent's card by DID"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("did", mcp.Required(), mcp.Description("The agent's DID")),
	), router.handleGetAgent)

	s.AddTool(mcp.NewTool("check_trust",
		mcp.WithDescription("Fetch the network trust report for an agent DID"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("did", mcp.Required(), mcp.Description("The agent's DID")),
	), router.handleCheckTrust)

	s.AddTool(mcp.NewTool("hire_agent",
		mcp.WithDescription("Hire an agent to run a task and wait for the result. Consumes daily quota."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
		mcp.WithString("agent_did", mcp.Required(), mcp.Description("DID of the agent to hire")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Task prompt for the agent")),
		mcp.WithString("task_type", mcp.Description("Task type: prompt, code-review, refactor, debug, or custom")),
		mcp.WithNumber("timeout", mcp.Description("Task timeout in seconds, 1-300")),
	), router.handleHireAgent)

	s.AddTool(mcp.NewTool("check_task",
		mcp.WithDescription("Check the status of a previously submitted task"),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("The task id returned by hire_agent")),
	), router.handleCheckTask)

	return s
}

// callerIdentity derives the quota identity for an MCP tool call. Each
// transport session gets its own free-tier identity so quotas apply per
// client.
func callerIdentity(ctx context.Context) auth.Identity {
	subject := "mcp"
	if session := server.ClientSessionFromContext(ctx); session != nil {
		subject = "mcp-" + session.SessionID()
	}
	return auth.Identity{Scheme: auth.SchemeFree, Subject: subject, Class: auth.ClassAnonymousFree}
}

func toolError(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf("Error: "+format, args...)), nil
}

func clampLimit(v float64) int {
	limit := int(v)
	if limit < 1 {
		return 10
	}
	if limit > 50 {
		return 50
	}
	return limit
}

func (t *ToolRouter) handleSearchAgents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metrics.McpToolCalls.WithLabelValues("search_agents").Inc()

	if t.node == nil {
		return toolError("no discovery node configured")
	}
	query, err := request.RequireString("query")
	if err != nil {
		return toolError("query is required")
	}
	args := request.GetArguments()
	minTrust, _ := args["min_trust"].(float64)
	if minTrust < 0 || minTrust > 1 {
		return toolError("min_trust must be between 0 and 1")
	}
	limitArg, _ := args["limit"].(float64)

	agents, err := t.node.SearchAgents(ctx, query, minTrust, clampLimit(limitArg))
	if err != nil {
		return toolError("%v", err)
	}
	return mcp.NewToolResultText(formatAgentList(agents)), nil
}

func (t *ToolRouter) handleListAgents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metrics.McpToolCalls.WithLabelValues("list_agents").Inc()

	if t.node == nil {
		return toolError("no discovery node configured")
	}
	limitArg, _ := request.GetArguments()["limit"].(float64)
	agents, err := t.node.SearchAgents(ctx, "", 0, clampLimit(limitArg))
	if err != nil {
		return toolError("%v", err)
	}
	return mcp.NewToolResultText(formatAgentList(agents)), nil
}

func (t *ToolRouter) handleGetAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metrics.McpToolCalls.WithLabelValues("get_agent").Inc()

	if t.node == nil {
		return toolError("no discovery node configured")
	}
	did, err := request.RequireString("did")
	if err != nil {
		return toolError("did is required")
	}
	agent, err := t.node.GetAgent(ctx, did)
	if err != nil {
		return toolError("%v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", agent.Name)
	fmt.Fprintf(&b, "- DID: %s\n", agent.DID)
	if agent.Description != "" {
		fmt.Fprintf(&b, "- Description: %s\n", agent.Description)
	}
	if agent.Endpoint != "" {
		fmt.Fprintf(&b, "- Endpoint: %s\n", agent.Endpoint)
	}
	fmt.Fprintf(&b, "- Trust score: %.2f\n", agent.TrustScore)
	return mcp.NewToolResultText(b.String()), nil
}

func (t *ToolRouter) handleCheckTrust(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metrics.McpToolCalls.WithLabelValues("check_trust").Inc()

	if t.node == nil {
		return toolError("no discovery node configured")
	}
	did, err := request.RequireString("did")
	if err != nil {
		return toolError("did is required")
	}
	report, err := t.node.GetTrust(ctx, did)
	if err != nil {
		return toolError("%v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Trust report for %s\n\n", report.DID)
	fmt.Fprintf(&b, "- Trust score: %.2f\n", report.TrustScore)
	fmt.Fprintf(&b, "- Completed tasks: %d\n", report.TaskCount)
	fmt.Fprintf(&b, "- Reviews: %d\n", report.Reviews)
	return mcp.NewToolResultText(b.String()), nil
}

func (t *ToolRouter) handleHireAgent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metrics.McpToolCalls.WithLabelValues("hire_agent").Inc()

	agentDID, err := request.RequireString("agent_did")
	if err != nil {
		return toolError("agent_did is required")
	}
	if err := nodeproxy.ValidateDID(agentDID); err != nil {
		return toolError("%v", err)
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return toolError("prompt is required")
	}

	args := request.GetArguments()
	taskType, _ := args["task_type"].(string)
	timeout, _ := args["timeout"].(float64)

	identity := callerIdentity(ctx)
	rec, err := t.dispatcher.Submit(identity, task.Request{
		Type:       taskType,
		Prompt:     prompt,
		TimeoutSec: int(timeout),
	})
	if err != nil {
		return toolError("%v", err)
	}
	logging.Info("ToolRouter", "hire_agent submitted task %s for %s", rec.ID, agentDID)

	waitCtx, cancel := context.WithTimeout(ctx, hireWaitBudget)
	defer cancel()
	final, err := t.dispatcher.Wait(waitCtx, rec.ID)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Task %s is still running. Use check_task with this id to fetch the result.", rec.ID)), nil
	}
	return mcp.NewToolResultText(formatTaskRecord(final)), nil
}

func (t *ToolRouter) handleCheckTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metrics.McpToolCalls.WithLabelValues("check_task").Inc()

	taskID, err := request.RequireString("task_id")
	if err != nil {
		return toolError("task_id is required")
	}
	rec, err := t.dispatcher.Lookup(callerIdentity(ctx), taskID)
	if err != nil {
		return toolError("%v", err)
	}
	return mcp.NewToolResultText(formatTaskRecord(rec)), nil
}

// formatAgentList renders agents deterministically, sorted by DID.
func formatAgentList(agents []nodeproxy.Agent) string {
	if len(agents) == 0 {
		return "No agents found."
	}
	sorted := make([]nodeproxy.Agent, len(agents))
	copy(sorted, agents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].DID < sorted[j].DID })

	var b strings.Builder
	fmt.Fprintf(&b, "# Agents (%d)\n", len(sorted))
	for _, a := range sorted {
		fmt.Fprintf(&b, "\n## %s\n- DID: %s\n- Trust score: %.2f\n", a.Name, a.DID, a.TrustScore)
		if a.Description != "" {
			fmt.Fprintf(&b, "- Description: %s\n", a.Description)
		}
	}
	return b.String()
}

func formatTaskRecord(rec task.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s\n\n- Status: %s\n", rec.ID, rec.Status)
	if rec.DurationSec > 0 {
		fmt.Fprintf(&b, "- Duration: %.2fs\n", rec.DurationSec)
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", rec.Error)
	}
	if rec.Output != "" {
		fmt.Fprintf(&b, "\n## Output\n\n%s\n", strings.TrimRight(rec.Output, "\n"))
	}
	return b.String()
}
