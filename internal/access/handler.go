package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/gatekeeper/internal/entitlements"
	"github.com/odyssey-erp/gatekeeper/internal/platform/httpx"
	"github.com/odyssey-erp/gatekeeper/internal/shared"
)

// Signaler receives the "dashboard became active" signal.
type Signaler interface {
	Signal(ctx context.Context) bool
}

// Handler exposes the engine over a JSON API.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	scheduler Signaler
	access    Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler. scheduler may be nil, in which case activity
// signals are acknowledged without refreshing.
func NewHandler(logger *slog.Logger, engine *Engine, scheduler Signaler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		engine:    engine,
		scheduler: scheduler,
		access:    Middleware{Engine: engine, Logger: logger},
		validator: validator.New(),
	}
}

// MountRoutes registers the access API.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/state", h.state)
	r.Get("/decisions", h.decisions)
	r.Get("/can/{code}", h.can)
	r.Get("/features/{code}", h.feature)
	r.Get("/quotas/{code}", h.quota)
	r.Group(func(r chi.Router) {
		r.Use(h.access.RequireElevated())
		r.Put("/scope", h.setScope)
		r.Delete("/scope", h.clearScope)
	})
	r.Post("/refresh/auth", h.refreshAuth)
	r.Post("/refresh/entitlements", h.refreshEntitlements)
	r.Post("/activity", h.activity)
	r.Post("/logout", h.logout)
}

type decisionResponse struct {
	Code    string `json:"code"`
	Allowed bool   `json:"allowed"`
}

type quotaResponse struct {
	Quota  entitlements.QuotaRecord `json:"quota"`
	Amount int64                    `json:"amount"`
	Check  QuotaCheck               `json:"check"`
}

type scopeRequest struct {
	BusinessID   string `json:"selectedBusinessId" validate:"required,max=128"`
	BusinessName string `json:"selectedBusinessName" validate:"max=256"`
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.engine.State())
}

func (h *Handler) decisions(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.engine.Matrix(shared.CoreScopes(), shared.QuotaKeys()))
}

func (h *Handler) can(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	httpx.JSON(w, http.StatusOK, decisionResponse{Code: code, Allowed: h.engine.Can(code)})
}

func (h *Handler) feature(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	httpx.JSON(w, http.StatusOK, decisionResponse{Code: code, Allowed: h.engine.HasFeature(code)})
}

func (h *Handler) quota(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	amount := int64(1)
	if raw := strings.TrimSpace(r.URL.Query().Get("amount")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: amount must be an integer", httpx.ErrValidation))
			return
		}
		amount = n
	}
	httpx.JSON(w, http.StatusOK, quotaResponse{
		Quota:  h.engine.GetQuota(code),
		Amount: amount,
		Check:  h.engine.CanUseQuota(code, amount),
	})
}

func (h *Handler) setScope(w http.ResponseWriter, r *http.Request) {
	var req scopeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	if err := h.validator.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			err = fmt.Errorf("%w: %s failed on %s", httpx.ErrValidation, fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		httpx.RespondError(w, err)
		return
	}
	sel := h.engine.SetScope(r.Context(), req.BusinessID, req.BusinessName)
	h.logger.Info("scope selected", slog.String("business_id", sel.BusinessID))
	httpx.JSON(w, http.StatusOK, h.engine.State())
}

func (h *Handler) clearScope(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearScope(r.Context())
	httpx.JSON(w, http.StatusOK, h.engine.State())
}

func (h *Handler) refreshAuth(w http.ResponseWriter, r *http.Request) {
	h.engine.RefreshAuthContext(r.Context())
	httpx.JSON(w, http.StatusOK, h.engine.State())
}

func (h *Handler) refreshEntitlements(w http.ResponseWriter, r *http.Request) {
	h.engine.RefreshEntitlements(r.Context())
	httpx.JSON(w, http.StatusOK, h.engine.State())
}

func (h *Handler) activity(w http.ResponseWriter, r *http.Request) {
	triggered := false
	if h.scheduler != nil {
		triggered = h.scheduler.Signal(r.Context())
	}
	httpx.JSON(w, http.StatusAccepted, map[string]bool{"refreshed": triggered})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.engine.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
