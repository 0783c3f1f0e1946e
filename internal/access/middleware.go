package access

import (
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
)

// Middleware wires access gating into HTTP handlers.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// RequirePermission lets the request through only when the current user holds code.
func (m Middleware) RequirePermission(code string) func(http.Handler) http.Handler {
	return m.require(Requirement{Permission: code})
}

// RequireFeature lets the request through only when the feature behind code is on.
func (m Middleware) RequireFeature(code string) func(http.Handler) http.Handler {
	return m.require(Requirement{Feature: code})
}

// Require gates on an arbitrary requirement.
func (m Middleware) Require(req Requirement) func(http.Handler) http.Handler {
	return m.require(req)
}

func (m Middleware) require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch m.Engine.Gate(req) {
			case OutcomeAllow:
				next.ServeHTTP(w, r)
			case OutcomeLoading:
				httpx.Unavailable(w, httpx.DefaultRetryAfter)
			default:
				m.deny(r, req)
				httpx.RespondError(w, httpx.ErrForbidden)
			}
		})
	}
}

// RequireElevated admits only the elevated platform role.
func (m Middleware) RequireElevated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.Engine.IsLoading() {
				httpx.Unavailable(w, httpx.DefaultRetryAfter)
				return
			}
			session := m.Engine.Session()
			if !session.IsAuthenticated {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if !m.Engine.Scopes().IsElevated(session.Role) {
				m.deny(r, Requirement{})
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) deny(r *http.Request, req Requirement) {
	if m.Logger == nil {
		return
	}
	m.Logger.Debug("access denied",
		slog.String("path", r.URL.Path),
		slog.String("permission", req.Permission),
		slog.String("feature", req.Feature))
}
