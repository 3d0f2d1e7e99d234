// Package metrics exposes the process's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agoramesh_tasks_total",
		Help: "Tasks by terminal status.",
	}, []string{"status"})

	QuotaDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agoramesh_quota_denials_total",
		Help: "Task submissions denied by daily quota.",
	})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agoramesh_auth_failures_total",
		Help: "Authentication failures by error code.",
	}, []string{"code"})

	WorkerBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agoramesh_worker_busy_slots",
		Help: "Worker slots currently running a subprocess.",
	})

	McpSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agoramesh_mcp_sessions_active",
		Help: "Open MCP sessions.",
	})

	McpToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agoramesh_mcp_tool_calls_total",
		Help: "MCP tool invocations by tool name.",
	}, []string{"tool"})

	NodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agoramesh_node_requests_total",
		Help: "Discovery node requests by outcome.",
	}, []string{"outcome"})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
