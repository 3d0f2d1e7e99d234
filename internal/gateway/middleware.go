package gateway

import (
	"context"
	"net/http"
	"strings"

	"agoramesh/internal/auth"
	"agoramesh/internal/config"
)

type contextKey string

const identityKey contextKey = "identity"

// identityFrom returns the authenticated identity stored by the auth
// middleware. The second return is false on public routes.
func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// bodyLimitMiddleware enforces the 1 MiB request body cap before any
// handler reads the body. Mounted subtrees that enforce their own cap
// and error shape are exempt.
func bodyLimitMiddleware(next http.Handler, exempt func(*http.Request) bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt != nil && exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > config.MaxRequestBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "ValidationError", "request body exceeds 1 MiB", nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// jsonContentMiddleware requires application/json on write methods.
func jsonContentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			ct := r.Header.Get("Content-Type")
			if ct != "" && !strings.HasPrefix(ct, "application/json") {
				writeError(w, http.StatusUnsupportedMediaType, "ValidationError", "content type must be application/json", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware applies the configured CORS policy. Development mode
// relaxes the origin to *.
func corsMiddleware(cfg config.BridgeConfig) func(http.Handler) http.Handler {
	origin := cfg.CORSOrigin
	if cfg.Development {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Payment")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware authenticates the request and stores the identity in
// the context. Routes wrapped with it never see an unauthenticated
// request.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.authenticator.Authenticate(auth.Request{
			Authorization: r.Header.Get("Authorization"),
			Payment:       r.Header.Get("X-Payment"),
			Method:        r.Method,
			Path:          r.URL.Path,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}
