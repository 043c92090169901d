package routing

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/georgemunganga/printa-routing/internal/modules/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// Handler exposes routing HTTP endpoints.
type Handler struct {
	service Service
	authn   func(http.Handler) http.Handler
	now     func() time.Time
}

// NewHandler builds the routing handler. authn authenticates every request and
// must put an auth.Session in the request context.
func NewHandler(service Service, authn func(http.Handler) http.Handler) *Handler {
	return &Handler{service: service, authn: authn, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *chi.Mux) {
	r.Route("/api/v1/routing", func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn)
		}
		can := func(c auth.Capability) chi.Router { return r.With(auth.RequireCapability(c)) }

		// Order routing
		can(auth.CapRouteOrders).Post("/route", h.routeOrder)
		can(auth.CapReadDecisions).Get("/decisions/order/{order_id}", h.getDecision)
		can(auth.CapOverrideRoutes).Post("/decisions/order/{order_id}/override", h.override)
		can(auth.CapAcknowledge).Post("/decisions/order/{order_id}/ack", h.acknowledge)
		can(auth.CapReadDecisions).Get("/decisions/order/{order_id}/sla", h.decisionSla)
		can(auth.CapReadDecisions).Get("/decisions/vendor/{vendor_id}", h.listVendorDecisions)

		// Policies
		can(auth.CapManagePolicies).Post("/policies", h.createPolicy)
		can(auth.CapReadPolicies).Get("/policies", h.listPolicies)
		can(auth.CapReadPolicies).Get("/policies/{id}", h.getPolicy)
		can(auth.CapManagePolicies).Post("/policies/{id}/changes", h.applyChange)
		can(auth.CapReadPolicies).Get("/policies/{id}/audit", h.listAudit)
		can(auth.CapRunSimulations).Post("/policies/{id}/simulations", h.simulate)
		can(auth.CapReadPolicies).Get("/policies/{id}/simulations", h.listSimulations)
	})
}

// ── Decisions ─────────────────────────────────────────────────────────────────

func (h *Handler) routeOrder(w http.ResponseWriter, r *http.Request) {
	var req RouteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	decision, err := h.service.Route(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, decision)
}

func (h *Handler) getDecision(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDecision(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusOK, d)
}

func (h *Handler) override(w http.ResponseWriter, r *http.Request) {
	orderID, ok := uuidParam(w, r, "order_id")
	if !ok {
		return
	}
	var req OverrideRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	d, err := h.service.OverrideRoute(r.Context(), orderID, req, actorOf(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, d)
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDecision(w, r)
	if !ok {
		return
	}
	d, err := h.service.AcknowledgeDecision(r.Context(), d.OrderID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, d)
}

func (h *Handler) decisionSla(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDecision(w, r)
	if !ok {
		return
	}
	at := h.now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respond(w, http.StatusBadRequest, map[string]string{"error": "at must be an RFC3339 timestamp"})
			return
		}
		at = parsed
	}
	report, err := h.service.EvaluateSla(r.Context(), d, at)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, report)
}

func (h *Handler) listVendorDecisions(w http.ResponseWriter, r *http.Request) {
	vendorID, ok := uuidParam(w, r, "vendor_id")
	if !ok {
		return
	}
	if !ownsVendor(r, &vendorID) {
		respond(w, http.StatusForbidden, map[string]string{"error": auth.ErrForbidden.Error()})
		return
	}
	decisions, err := h.service.ListVendorDecisions(r.Context(), vendorID)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, decisions)
}

// loadDecision reads the latest decision of the order in the URL. Vendors only
// see decisions assigned to them.
func (h *Handler) loadDecision(w http.ResponseWriter, r *http.Request) (*RoutingDecision, bool) {
	orderID, ok := uuidParam(w, r, "order_id")
	if !ok {
		return nil, false
	}
	d, err := h.service.GetDecision(r.Context(), orderID)
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	if !ownsVendor(r, d.VendorID) {
		respond(w, http.StatusNotFound, map[string]string{"error": ErrDecisionNotFound.Error()})
		return nil, false
	}
	return d, true
}

// ── Policies ──────────────────────────────────────────────────────────────────

func (h *Handler) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	p, err := h.service.CreatePolicy(r.Context(), req, actorOf(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, p)
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.ListPolicies(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, policies)
}

func (h *Handler) getPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	snap, err := h.service.GetPolicy(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, snap)
}

func (h *Handler) applyChange(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var change PolicyChange
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := validate.Struct(change); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	result, err := h.service.ApplyPolicyChange(r.Context(), id, change, actorOf(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.service.ListAudit(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, entries)
}

func (h *Handler) simulate(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var scenario Scenario
	if err := json.NewDecoder(r.Body).Decode(&scenario); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sim, err := h.service.Simulate(r.Context(), id, scenario)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, sim)
}

func (h *Handler) listSimulations(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	sims, err := h.service.ListSimulations(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respond(w, http.StatusOK, sims)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func actorOf(r *http.Request) Actor {
	s := auth.FromContext(r.Context())
	if s == nil {
		return Actor{}
	}
	return Actor{ID: s.Subject, Role: string(s.Role)}
}

// ownsVendor reports whether the caller may see data for vendorID. Only vendor
// sessions are restricted.
func ownsVendor(r *http.Request, vendorID *uuid.UUID) bool {
	s := auth.FromContext(r.Context())
	if s == nil || s.Role != auth.RoleVendor {
		return true
	}
	return vendorID != nil && vendorID.String() == s.VendorID
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNoEligibleVendor),
		errors.Is(err, ErrNoMatchingRule),
		errors.Is(err, ErrPartialNotAllowed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrActivePolicyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCriteria),
		errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrPolicyNotFound),
		errors.Is(err, ErrNoActivePolicy),
		errors.Is(err, ErrRuleNotFound),
		errors.Is(err, ErrVendorNotFound),
		errors.Is(err, ErrSlaTargetNotFound),
		errors.Is(err, ErrDecisionNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func respondError(w http.ResponseWriter, err error) {
	respond(w, statusFor(err), map[string]string{"error": err.Error()})
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
