package mcpgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agoramesh/internal/config"
	"agoramesh/internal/nodeproxy"
	"agoramesh/internal/task"
	"agoramesh/internal/trust"
	"agoramesh/internal/worker"
)

func indexOf(s, sub string) int { return strings.Index(s, sub) }

func callReq(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	content, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return content.Text
}

func newTestRouter(t *testing.T, nodeURL string) *ToolRouter {
	t.Helper()
	cfg := config.GetDefaultConfig().Bridge
	cfg.WorkspaceDir = t.TempDir()
	cfg.AllowedCommands = []string{"echo", "sleep"}
	cfg.WorkerCommand = []string{"echo"}

	store := trust.NewStore(0)
	pool := worker.NewPool(worker.Policy{
		AllowedCommands: cfg.AllowedCommands,
		WorkspaceRoot:   cfg.WorkspaceDir,
	}, 2)
	dispatcher := task.NewDispatcher(context.Background(), cfg, task.NewRegistry(0), pool, store, trust.NewLimiter(store, 0))

	var node *nodeproxy.Client
	if nodeURL != "" {
		node = nodeproxy.NewClient(nodeURL)
	}
	return &ToolRouter{node: node, dispatcher: dispatcher}
}

func fakeNode(t *testing.T) string {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/agents":
			w.Write([]byte(`{"agents":[
				{"did":"did:key:z6MkB","name":"Beta","trustScore":0.6},
				{"did":"did:key:z6MkA","name":"Alpha","trustScore":0.9,"description":"Code review agent"}
			]}`))
		case r.URL.Path == "/agents/did:key:z6MkA":
			w.Write([]byte(`{"did":"did:key:z6MkA","name":"Alpha","trustScore":0.9,"endpoint":"https://alpha.example"}`))
		case r.URL.Path == "/trust/did:key:z6MkA":
			w.Write([]byte(`{"did":"did:key:z6MkA","trustScore":0.9,"taskCount":120,"reviews":34}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)
	return upstream.URL
}

func TestSearchAgentsTool(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleSearchAgents(context.Background(), callReq("search_agents", map[string]interface{}{
		"query": "review",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := textOf(t, result)
	assert.Contains(t, text, "# Agents (2)")
	// Deterministic ordering by DID.
	assert.Less(t, indexOf(text, "z6MkA"), indexOf(text, "z6MkB"))
}

func TestSearchAgentsToolValidation(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleSearchAgents(context.Background(), callReq("search_agents", map[string]interface{}{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = router.handleSearchAgents(context.Background(), callReq("search_agents", map[string]interface{}{
		"query":     "x",
		"min_trust": 1.5,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "min_trust")
}

func TestListAgentsTool(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleListAgents(context.Background(), callReq("list_agents", map[string]interface{}{
		"limit": float64(5),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, textOf(t, result), "Alpha")
}

func TestGetAgentTool(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleGetAgent(context.Background(), callReq("get_agent", map[string]interface{}{
		"did": "did:key:z6MkA",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := textOf(t, result)
	assert.Contains(t, text, "# Alpha")
	assert.Contains(t, text, "https://alpha.example")
}

func TestGetAgentToolNotFound(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleGetAgent(context.Background(), callReq("get_agent", map[string]interface{}{
		"did": "did:key:z6MkMissing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, textOf(t, result), "Error:")
}

func TestCheckTrustTool(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleCheckTrust(context.Background(), callReq("check_trust", map[string]interface{}{
		"did": "did:key:z6MkA",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := textOf(t, result)
	assert.Contains(t, text, "0.90")
	assert.Contains(t, text, "120")
}

func TestHireAgentTool(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleHireAgent(context.Background(), callReq("hire_agent", map[string]interface{}{
		"agent_did": "did:key:z6MkA",
		"prompt":    "say hello",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := textOf(t, result)
	assert.Contains(t, text, "Status: completed")
	assert.Contains(t, text, "say hello")
}

func TestHireAgentToolBadDID(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleHireAgent(context.Background(), callReq("hire_agent", map[string]interface{}{
		"agent_did": "not-a-did",
		"prompt":    "hi",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCheckTaskToolIdempotent(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	hire, err := router.handleHireAgent(context.Background(), callReq("hire_agent", map[string]interface{}{
		"agent_did": "did:key:z6MkA",
		"prompt":    "one off",
	}))
	require.NoError(t, err)
	require.False(t, hire.IsError)

	// Extract the task id from the hire output heading.
	text := textOf(t, hire)
	var taskID string
	_, scanErr := fmt.Sscanf(text, "# Task %s", &taskID)
	require.NoError(t, scanErr)

	first, err := router.handleCheckTask(context.Background(), callReq("check_task", map[string]interface{}{
		"task_id": taskID,
	}))
	require.NoError(t, err)
	second, err := router.handleCheckTask(context.Background(), callReq("check_task", map[string]interface{}{
		"task_id": taskID,
	}))
	require.NoError(t, err)
	assert.Equal(t, textOf(t, first), textOf(t, second))
}

func TestToolAnnotationHints(t *testing.T) {
	router := newTestRouter(t, "")
	srv := NewToolServer(router.node, router.dispatcher)

	ctx := context.Background()
	srv.HandleMessage(ctx, json.RawMessage(initializeBody))
	raw := srv.HandleMessage(ctx, json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	out, err := json.Marshal(raw)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				Annotations struct {
					ReadOnlyHint    *bool `json:"readOnlyHint"`
					DestructiveHint *bool `json:"destructiveHint"`
					IdempotentHint  *bool `json:"idempotentHint"`
					OpenWorldHint   *bool `json:"openWorldHint"`
				} `json:"annotations"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Result.Tools, 6)

	isTrue := func(b *bool) bool { return b != nil && *b }
	for _, tool := range resp.Result.Tools {
		ann := tool.Annotations
		switch tool.Name {
		case "search_agents", "list_agents", "get_agent", "check_trust":
			assert.True(t, isTrue(ann.ReadOnlyHint), "%s should hint read-only", tool.Name)
		case "hire_agent":
			assert.True(t, isTrue(ann.DestructiveHint), "hire_agent should hint destructive")
			assert.True(t, isTrue(ann.OpenWorldHint), "hire_agent should hint open-world")
		case "check_task":
			assert.True(t, isTrue(ann.ReadOnlyHint), "check_task should hint read-only")
			assert.True(t, isTrue(ann.IdempotentHint), "check_task should hint idempotent")
		default:
			t.Errorf("unexpected tool %s", tool.Name)
		}
	}
}

func TestCheckTaskToolUnknown(t *testing.T) {
	router := newTestRouter(t, fakeNode(t))

	result, err := router.handleCheckTask(context.Background(), callReq("check_task", map[string]interface{}{
		"task_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
