package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/lotto-entitlements/internal/backend/registry"
	"github.com/rcourtman/lotto-entitlements/internal/logging"
	"github.com/rcourtman/lotto-entitlements/internal/metrics"
)

const maxBodyBytes = 16 << 10

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Service   *Service
	Registry  *registry.Registry
	JWTSecret []byte
	AdminKey  string
	Version   string
	Now       func() time.Time
}

// NewHandler wires every route onto a fresh mux.
func NewHandler(deps *Deps) http.Handler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	userAuth := func(next http.HandlerFunc) http.Handler {
		return deps.trackUser(RequireUser(deps.JWTSecret, now, next))
	}
	adminAuth := func(next http.HandlerFunc) http.Handler {
		return AdminKeyMiddleware(deps.AdminKey, next)
	}

	mux := http.NewServeMux()

	// Health and readiness checks are unauthenticated.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": deps.Version})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if err := deps.Registry.Ping(); err != nil {
			writeDetail(w, http.StatusServiceUnavailable, "registry unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.Handle("GET /metrics", adminAuth(promhttp.Handler().ServeHTTP))

	mux.Handle("POST /subscription/start-trial", userAuth(deps.handleStartTrial))
	mux.Handle("GET /subscription/status", userAuth(deps.handleStatus))
	mux.Handle("POST /subscription/verify-purchase", userAuth(deps.handleVerifyPurchase))
	mux.Handle("POST /subscription/cancel", userAuth(deps.handleCancel))

	mux.Handle("GET /subscription/admin/stats", adminAuth(deps.handleStats))
	mux.Handle("GET /subscription/admin/expiring-trials", adminAuth(deps.handleExpiringTrials))

	return logging.Middleware(countRequests(mux))
}

// trackUser records the caller in the users table.
func (d *Deps) trackUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		if p, ok := PrincipalFromContext(r.Context()); ok {
			if err := d.Registry.TouchUser(p.UserID, p.Email, time.Now().UTC()); err != nil {
				log.Warn().Err(err).Str("user_id", p.UserID).Msg("Failed to record user")
			}
		}
	})
}

func (d *Deps) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	status, err := d.Service.Status(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *Deps) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	status, err := d.Service.StartTrial(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, "start_trial", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *Deps) handleVerifyPurchase(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	var req PurchaseRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	resp, err := d.Service.VerifyPurchase(r.Context(), p.UserID, req)
	if err != nil {
		writeServiceError(w, r, "verify_purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Deps) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	res, err := d.Service.Cancel(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Deps) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := d.Service.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (d *Deps) handleExpiringTrials(w http.ResponseWriter, r *http.Request) {
	days := 3
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}
	users, err := d.Service.ExpiringTrials(r.Context(), days)
	if err != nil {
		writeServiceError(w, r, "expiring_trials", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":                len(users),
		"expiring_within_days": days,
		"users":                users,
	})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		writeDetail(w, httpErr.Status, httpErr.Detail)
		return
	}
	logger := logging.FromContext(r.Context())
	logger.Error().Err(err).Str("op", op).Msg("Subscription request failed")
	writeDetail(w, http.StatusInternalServerError, "internal error")
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// countRequests records each request by matched route pattern and status.
func countRequests(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		metrics.BackendRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}
