package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"agoramesh/internal/metrics"
	"agoramesh/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"uptimeSec": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.AgentCard)
}

func (s *Server) handleLLMsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, `# AgoraMesh Bridge

Dispatch tasks to a local AI worker with progressive-trust daily quotas.

## Quickstart
POST /task with {"type":"prompt","prompt":"..."} and optional ?wait=true.
Authenticate with "Authorization: FreeTier <tag>" for the free tier, or
a did:key signature for higher limits. See /.well-known/agent.json.

## Endpoints
- GET  /health
- GET  /.well-known/agent.json
- POST /task?wait={true|false}
- GET  /task/{taskId}
- DELETE /task/{taskId}
- GET  /trust/{did}
- GET  /agents?q=...
- POST /mcp (MCP streamable HTTP)
`)
}

// handleSubmitTask serves POST /task. ?wait=true blocks for the result;
// otherwise the queued record is returned with 202.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	var req task.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "ValidationError", "request body exceeds 1 MiB", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "ValidationError", "request body is not valid JSON", nil)
		return
	}

	rec, err := s.dispatcher.Submit(id, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, rec)
		return
	}

	// The sync wait is bounded by the task timeout plus a margin, so a
	// stuck worker cannot pin the handler.
	ctx, cancel := contextWithMargin(r, rec.TimeoutSec)
	defer cancel()
	final, err := s.dispatcher.Wait(ctx, rec.ID)
	if err != nil {
		// The task keeps running; hand back the queued record.
		writeJSON(w, http.StatusAccepted, rec)
		return
	}
	writeJSON(w, http.StatusOK, final)
}

// contextWithMargin bounds a sync wait by the task timeout plus a small
// margin on top of the caller's own context.
func contextWithMargin(r *http.Request, timeoutSec int) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), time.Duration(timeoutSec)*time.Second+5*time.Second)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	taskID := mux.Vars(r)["taskId"]

	rec, err := s.dispatcher.Lookup(id, taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	taskID := mux.Vars(r)["taskId"]

	rec, err := s.dispatcher.Cancel(id, taskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleTrust serves the local trust profile, with the network view
// attached when a discovery node is configured and answers in time.
func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]

	resp := map[string]interface{}{"did": did}
	now := time.Now()
	if profile, ok := s.store.Get("did:" + did); ok {
		resp["local"] = map[string]interface{}{
			"tier":        profile.Tier(now).String(),
			"completions": profile.Completions,
			"failures":    profile.Failures,
			"firstSeenAt": profile.FirstSeenAt.UTC().Format(time.RFC3339),
			"dailyLimit":  profile.Tier(now).DailyLimit(),
		}
	} else {
		resp["local"] = map[string]interface{}{
			"tier":       "NEW",
			"dailyLimit": 10,
		}
	}

	if s.node != nil {
		if report, err := s.node.GetTrust(r.Context(), did); err == nil {
			resp["network"] = report
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchAgents(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeError(w, http.StatusServiceUnavailable, "NodeUnavailable", "no discovery node configured", nil)
		return
	}
	query := r.URL.Query().Get("q")
	minTrust := 0.0
	fmt.Sscanf(r.URL.Query().Get("minTrust"), "%f", &minTrust)
	limit := 0
	fmt.Sscanf(r.URL.Query().Get("limit"), "%d", &limit)

	agents, err := s.node.SearchAgents(r.Context(), query, minTrust, limit)
	if err != nil {
		metrics.NodeRequests.WithLabelValues("error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.NodeRequests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeError(w, http.StatusServiceUnavailable, "NodeUnavailable", "no discovery node configured", nil)
		return
	}
	did := mux.Vars(r)["did"]

	agent, err := s.node.GetAgent(r.Context(), did)
	if err != nil {
		metrics.NodeRequests.WithLabelValues("error").Inc()
		writeDomainError(w, err)
		return
	}
	metrics.NodeRequests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, agent)
}
