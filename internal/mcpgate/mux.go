package mcpgate

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"agoramesh/internal/config"
	"agoramesh/pkg/logging"
)

// sessionHeader is the streamable-HTTP session id header.
const sessionHeader = "Mcp-Session-Id"

// JSON-RPC error codes used by the transport layer.
const (
	rpcInvalidRequest = -32600
	rpcParseError     = -32700
	rpcInternalError  = -32603
)

// Mux is the streamable-HTTP MCP endpoint: the mcp-go transport wrapped
// with session accounting, body caps, auth, and CORS.
type Mux struct {
	cfg       config.MCPConfig
	sessions  *SessionRegistry
	transport *server.StreamableHTTPServer
}

func NewMux(cfg config.MCPConfig, mcpServer *server.MCPServer) *Mux {
	m := &Mux{
		cfg:       cfg,
		sessions:  NewSessionRegistry(cfg.MaxSessions),
		transport: server.NewStreamableHTTPServer(mcpServer),
	}
	return m
}

// Sessions exposes the registry for lifecycle wiring and tests.
func (m *Mux) Sessions() *SessionRegistry {
	return m.sessions
}

// Handler returns the handler tree for the /mcp prefix plus the public
// discovery document.
func (m *Mux) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/mcp.json", m.handleDiscovery)
	mux.Handle("/mcp", http.HandlerFunc(m.serveMCP))
	return mux
}

func (m *Mux) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	m.setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"mcpVersion": "2025-03-26",
		"transport":  "streamable-http",
		"url":        m.cfg.PublicURL,
	})
}

func (m *Mux) serveMCP(w http.ResponseWriter, r *http.Request) {
	m.setCORS(w)
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !m.authorized(r) {
		writeRPCError(w, http.StatusUnauthorized, rpcInvalidRequest, "unauthorized")
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID != "" && r.Method != http.MethodDelete {
		m.sessions.Touch(sessionID)
	}

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, m.cfg.MaxBodyBytes+1))
		if err != nil {
			writeRPCError(w, http.StatusBadRequest, rpcParseError, "failed to read request body")
			return
		}
		if int64(len(body)) > m.cfg.MaxBodyBytes {
			writeRPCError(w, http.StatusRequestEntityTooLarge, rpcInvalidRequest, "request body exceeds limit")
			return
		}
		if !json.Valid(body) {
			writeRPCError(w, http.StatusBadRequest, rpcParseError, "request body is not valid JSON")
			return
		}

		if sessionID == "" {
			// Initialize request: enforce the session cap before the
			// transport allocates anything.
			if err := m.sessions.Reserve(); err != nil {
				logging.Warn("McpSessionMux", "Rejecting session: %v", err)
				writeRPCError(w, http.StatusServiceUnavailable, rpcInternalError, err.Error())
				return
			}
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if r.Method == http.MethodDelete && sessionID != "" {
		m.sessions.Remove(sessionID)
	}

	m.transport.ServeHTTP(w, r)

	// The transport assigns the id on the initialize response.
	if newID := w.Header().Get(sessionHeader); newID != "" && newID != sessionID {
		m.sessions.Register(newID)
	}
}

// authorized checks the optional bearer gate in constant time.
func (m *Mux) authorized(r *http.Request) bool {
	if m.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.cfg.AuthToken)) == 1
}

func (m *Mux) setCORS(w http.ResponseWriter) {
	origin := m.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+sessionHeader)
	w.Header().Set("Access-Control-Expose-Headers", sessionHeader)
}

func writeRPCError(w http.ResponseWriter, httpStatus, rpcCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]interface{}{
			"code":    rpcCode,
			"message": message,
		},
	})
}
