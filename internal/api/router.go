// Package api serves the local HTTP surface the rendering layer reads
// entitlements, ad decisions and trial notices from.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rcourtman/lotto-entitlements/internal/logging"
	"github.com/rcourtman/lotto-entitlements/internal/trial"
	"github.com/rcourtman/lotto-entitlements/internal/verification"
	"github.com/rcourtman/lotto-entitlements/internal/websocket"
	"github.com/rcourtman/lotto-entitlements/pkg/adpolicy"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

const maxBodyBytes = 16 << 10

// Entitlements is the resolver as seen by the HTTP layer.
// *resolver.Resolver implements it.
type Entitlements interface {
	Current() entitlement.Entitlement
	StartTrial(ctx context.Context) (time.Time, error)
	Purchase(ctx context.Context, productID string) error
	CancelSubscription(ctx context.Context) (verification.CancelResult, error)
	Foreground(ctx context.Context) error
}

// Router is the local API handler.
type Router struct {
	mux      *http.ServeMux
	ents     Entitlements
	ads      *adpolicy.Holder
	warnings *trial.Warnings
	wsHub    *websocket.Hub
	version  string
}

// NewRouter creates the router. hub may be nil to disable /ws.
func NewRouter(ents Entitlements, ads *adpolicy.Holder, warnings *trial.Warnings, hub *websocket.Hub, version string) http.Handler {
	r := &Router{
		mux:      http.NewServeMux(),
		ents:     ents,
		ads:      ads,
		warnings: warnings,
		wsHub:    hub,
		version:  version,
	}
	r.setupRoutes()
	return logging.Middleware(recoverer(r.mux))
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealth)

	r.mux.HandleFunc("GET /api/entitlement", r.handleEntitlement)
	r.mux.HandleFunc("GET /api/ads", r.handleAdDecision)
	r.mux.HandleFunc("GET /api/ads/table", r.handleAdTable)

	r.mux.HandleFunc("POST /api/trial/start", r.handleStartTrial)
	r.mux.HandleFunc("GET /api/trial/warning", r.handleTrialWarning)
	r.mux.HandleFunc("POST /api/trial/warning/dismiss", r.handleDismissWarning)

	r.mux.HandleFunc("POST /api/purchase", r.handlePurchase)
	r.mux.HandleFunc("POST /api/subscription/cancel", r.handleCancel)
	r.mux.HandleFunc("POST /api/foreground", r.handleForeground)

	if r.wsHub != nil {
		r.mux.HandleFunc("GET /ws", r.wsHub.HandleWebSocket)
	}
}

// EntitlementPayload is the entitlement plus the derived gates the UI reads.
type EntitlementPayload struct {
	entitlement.Entitlement
	HasAccess bool `json:"has_access"`
}

// NewEntitlementPayload wraps ent for the HTTP and websocket surfaces.
func NewEntitlementPayload(ent entitlement.Entitlement) EntitlementPayload {
	return EntitlementPayload{Entitlement: ent, HasAccess: ent.HasAccess()}
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": r.version,
		"tier":    r.ents.Current().Tier,
	})
}

func (r *Router) handleEntitlement(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NewEntitlementPayload(r.ents.Current()))
}

type adDecision struct {
	Surface adpolicy.Surface `json:"surface"`
	ShowAd  bool             `json:"show_ad"`
	Tier    entitlement.Tier `json:"tier"`
}

func (r *Router) handleAdDecision(w http.ResponseWriter, req *http.Request) {
	surface := strings.TrimSpace(req.URL.Query().Get("surface"))
	if surface == "" {
		writeErrorResponse(w, req, http.StatusBadRequest, "validation", "surface is required")
		return
	}
	ent := r.ents.Current()
	writeJSON(w, http.StatusOK, adDecision{
		Surface: adpolicy.Surface(surface),
		ShowAd:  r.ads.Policy().ShouldShowAd(ent, adpolicy.Surface(surface)),
		Tier:    ent.Tier,
	})
}

type adTableRow struct {
	Surface adpolicy.Surface `json:"surface"`
	Rule    adpolicy.Rule    `json:"rule"`
	ShowAd  bool             `json:"show_ad"`
}

func (r *Router) handleAdTable(w http.ResponseWriter, _ *http.Request) {
	policy := r.ads.Policy()
	ent := r.ents.Current()
	surfaces := policy.Surfaces()
	rows := make([]adTableRow, 0, len(surfaces))
	for _, s := range surfaces {
		rule, _ := policy.Rule(s)
		rows = append(rows, adTableRow{Surface: s, Rule: rule, ShowAd: policy.ShouldShowAd(ent, s)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":     ent.Tier,
		"surfaces": rows,
	})
}

func (r *Router) handleStartTrial(w http.ResponseWriter, req *http.Request) {
	started, err := r.ents.StartTrial(req.Context())
	if err != nil {
		writeError(w, req, "start_trial", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trial_start": started.UTC(),
		"entitlement": NewEntitlementPayload(r.ents.Current()),
	})
}

func (r *Router) handleTrialWarning(w http.ResponseWriter, req *http.Request) {
	warning, due, err := r.warnings.Due(r.ents.Current())
	if err != nil {
		writeError(w, req, "trial_warning", err)
		return
	}
	if !due {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, warning)
}

type dismissRequest struct {
	DaysRemaining int `json:"days_remaining"`
}

func (r *Router) handleDismissWarning(w http.ResponseWriter, req *http.Request) {
	var body dismissRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if !slices.Contains(trial.Milestones, body.DaysRemaining) {
		writeErrorResponse(w, req, http.StatusBadRequest, "validation", "days_remaining is not a warning milestone")
		return
	}
	if err := r.warnings.Dismiss(body.DaysRemaining); err != nil {
		writeError(w, req, "dismiss_trial_warning", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type purchaseRequest struct {
	ProductID string `json:"product_id"`
}

func (r *Router) handlePurchase(w http.ResponseWriter, req *http.Request) {
	var body purchaseRequest
	if req.ContentLength != 0 && !decodeBody(w, req, &body) {
		return
	}
	if err := r.ents.Purchase(req.Context(), strings.TrimSpace(body.ProductID)); err != nil {
		writeError(w, req, "purchase", err)
		return
	}
	// The purchase itself arrives later through the billing event stream.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "launched"})
}

func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) {
	res, err := r.ents.CancelSubscription(req.Context())
	if err != nil {
		writeError(w, req, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":               res.Success,
		"message":               res.Message,
		"subscription_end_date": res.SubscriptionEndDate,
		"entitlement":           NewEntitlementPayload(r.ents.Current()),
	})
}

func (r *Router) handleForeground(w http.ResponseWriter, req *http.Request) {
	if err := r.ents.Foreground(req.Context()); err != nil {
		writeError(w, req, "foreground", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "validation", "invalid JSON body")
		return false
	}
	return true
}
