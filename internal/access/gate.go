package access

import (
	"log/slog"

	"github.com/odyssey-erp/gatekeeper/internal/permission"
)

// Outcome is what a gated surface should do right now.
type Outcome int

const (
	// OutcomeDeny means redirect or show the no-access affordance.
	OutcomeDeny Outcome = iota
	// OutcomeLoading means render a placeholder and ask again later.
	OutcomeLoading
	// OutcomeAllow means render.
	OutcomeAllow
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeLoading:
		return "loading"
	default:
		return "deny"
	}
}

// Requirement names what a gated surface needs. Both fields set means both must
// hold.
type Requirement struct {
	Permission string
	Feature    string
}

func (r Requirement) empty() bool {
	return permission.Normalize(r.Permission) == "" && permission.Normalize(r.Feature) == ""
}

// Gate decides a requirement for a surface that asked for one. Unlike Can, an
// empty requirement here is a misconfiguration and is denied.
func (e *Engine) Gate(req Requirement) Outcome {
	e.mustInit()
	if req.empty() {
		if !e.production {
			e.logger.Warn("gate called with empty requirement, denying",
				slog.String("permission", req.Permission),
				slog.String("feature", req.Feature))
		}
		e.metrics.RecordDecision("gate", false)
		return OutcomeDeny
	}
	if e.IsLoading() || e.EntLoading() {
		return OutcomeLoading
	}

	session := e.sessions.Current()
	snap := e.Snapshot()
	allowed := true
	if req.Permission != "" && !e.can(session, snap, req.Permission) {
		allowed = false
	}
	if allowed && req.Feature != "" && !e.hasFeature(session, snap, req.Feature) {
		allowed = false
	}
	e.metrics.RecordDecision("gate", allowed)
	if allowed {
		return OutcomeAllow
	}
	return OutcomeDeny
}
