package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"agoramesh/internal/auth"
	"agoramesh/internal/config"
	"agoramesh/internal/metrics"
	"agoramesh/internal/nodeproxy"
	"agoramesh/internal/task"
	"agoramesh/internal/trust"
	"agoramesh/pkg/logging"
)

// Server is the bridge's HTTP and WebSocket front. It owns the router
// and the listener; domain logic lives in the injected collaborators.
type Server struct {
	cfg           config.BridgeConfig
	authenticator *auth.Authenticator
	dispatcher    *task.Dispatcher
	store         *trust.Store
	node          *nodeproxy.Client

	httpServer *http.Server
	// extraMount lets the MCP layer share this listener.
	mounts map[string]http.Handler

	version   string
	startedAt time.Time
}

func NewServer(cfg config.BridgeConfig, authenticator *auth.Authenticator, dispatcher *task.Dispatcher, store *trust.Store, node *nodeproxy.Client) *Server {
	return &Server{
		cfg:           cfg,
		authenticator: authenticator,
		dispatcher:    dispatcher,
		store:         store,
		node:          node,
		mounts:        make(map[string]http.Handler),
		version:       "dev",
		startedAt:     time.Now(),
	}
}

// SetBuildInfo records the binary version reported by /health.
func (s *Server) SetBuildInfo(version string) {
	if version != "" {
		s.version = version
	}
}

// Mount attaches an extra handler subtree (the MCP endpoint) to the
// shared listener. Must be called before Start.
func (s *Server) Mount(prefix string, handler http.Handler) {
	s.mounts[prefix] = handler
}

// mountedPath reports whether the request targets a mounted subtree.
func (s *Server) mountedPath(r *http.Request) bool {
	for prefix := range s.mounts {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/agent.json", s.handleAgentCard).Methods(http.MethodGet)
	r.HandleFunc("/llms.txt", s.handleLLMsTxt).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.Handle("/task", s.authMiddleware(http.HandlerFunc(s.handleSubmitTask))).Methods(http.MethodPost)
	r.Handle("/task/{taskId}", s.authMiddleware(http.HandlerFunc(s.handleGetTask))).Methods(http.MethodGet)
	r.Handle("/task/{taskId}", s.authMiddleware(http.HandlerFunc(s.handleCancelTask))).Methods(http.MethodDelete)

	r.HandleFunc("/trust/{did}", s.handleTrust).Methods(http.MethodGet)
	r.HandleFunc("/agents", s.handleSearchAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{did}", s.handleGetAgent).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	for prefix, handler := range s.mounts {
		r.PathPrefix(prefix).Handler(handler)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "NotFound", fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path), nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "ValidationError", "method not allowed", nil)
	})

	var handler http.Handler = r
	handler = jsonContentMiddleware(handler)
	handler = bodyLimitMiddleware(handler, s.mountedPath)
	handler = corsMiddleware(s.cfg)(handler)
	return handler
}

// Start runs the listener until ctx is cancelled, then drains with the
// given shutdown budget.
func (s *Server) Start(ctx context.Context, shutdownBudget time.Duration) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("HttpFront", "Listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	logging.Info("HttpFront", "Draining connections")
	return s.httpServer.Shutdown(shutdownCtx)
}
