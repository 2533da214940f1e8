// Package httpapi exposes the application services over REST.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/menudeck/menudeck/internal/app"
	"github.com/menudeck/menudeck/internal/app/domain/agent"
	"github.com/menudeck/menudeck/internal/app/domain/tokenrequest"
	"github.com/menudeck/menudeck/internal/app/domain/user"
	"github.com/menudeck/menudeck/internal/app/metrics"
	"github.com/menudeck/menudeck/internal/app/services/identity"
	"github.com/menudeck/menudeck/internal/app/services/provisioning"
	"github.com/menudeck/menudeck/internal/apperr"
	"github.com/menudeck/menudeck/pkg/logger"
)

// Config tunes the HTTP surface.
type Config struct {
	JWTSecret []byte
	TokenTTL  time.Duration

	AuditMax  int
	AuditPath string

	RateRPS   float64
	RateBurst int
}

type handler struct {
	app    *app.Application
	secret []byte
	ttl    time.Duration
	audit  *auditLog
	log    *logger.Logger
}

// NewHandler returns the fully middleware-wrapped REST API.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) (http.Handler, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	sink, err := newFileAuditSink(cfg.AuditPath)
	if err != nil {
		return nil, err
	}
	var auditDest auditSink
	if sink != nil {
		auditDest = sink
	}

	h := &handler{
		app:    application,
		secret: cfg.JWTSecret,
		ttl:    cfg.TokenTTL,
		audit:  newAuditLog(cfg.AuditMax, auditDest),
		log:    log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.health)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/auth/register", h.register)
	mux.HandleFunc("/auth/login", h.login)
	mux.HandleFunc("/agents", h.agents)
	mux.HandleFunc("/agents/", h.agentResources)
	mux.HandleFunc("/token-requests", h.tokenRequests)
	mux.HandleFunc("/token-requests/", h.tokenRequestByID)
	mux.HandleFunc("/restaurants", h.restaurants)
	mux.HandleFunc("/restaurants/", h.restaurantByID)
	mux.HandleFunc("/admin/", h.admin)

	limiter := newRateLimiter(cfg.RateRPS, cfg.RateBurst)
	var wrapped http.Handler = mux
	wrapped = h.audit.wrap(wrapped)
	wrapped = limiter.wrap(wrapped)
	wrapped = wrapWithAuth(wrapped, cfg.JWTSecret, log)
	wrapped = withCORS(wrapped)
	return metrics.InstrumentHandler(wrapped), nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- auth -------------------------------------------------------------------

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	u, err := h.app.Identity.Register(r.Context(), identity.Credentials{
		Username: payload.Username,
		Email:    payload.Email,
		Password: payload.Password,
	}, user.RoleAgent)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       u.ID,
		"username": u.Username,
		"role":     string(u.Role),
	})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	u, err := h.app.Identity.Authenticate(r.Context(), payload.Username, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	token, err := IssueToken(h.secret, u.ID, string(u.Role), h.ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   token,
		"user_id": u.ID,
		"role":    string(u.Role),
	})
}

// --- agents -----------------------------------------------------------------

func (h *handler) agents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name        string   `json:"name"`
			DateOfBirth string   `json:"date_of_birth"`
			Address     string   `json:"address"`
			GovIDType   string   `json:"gov_id_type"`
			GovIDNumber string   `json:"gov_id_number"`
			Documents   []string `json:"documents"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		a, err := h.app.Registry.Submit(r.Context(), userID(r.Context()), agent.Profile{
			Name:        payload.Name,
			DateOfBirth: payload.DateOfBirth,
			Address:     payload.Address,
			GovIDType:   payload.GovIDType,
			GovIDNumber: payload.GovIDNumber,
			Documents:   payload.Documents,
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)

	case http.MethodGet:
		if !isAdmin(r.Context()) {
			writeError(w, http.StatusForbidden, apperr.NotEligible("admin role required"))
			return
		}
		list, err := h.app.Registry.List(r.Context(), agent.ApprovalStatus(r.URL.Query().Get("status")))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) agentResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/agents"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	agentID := parts[0]

	a, err := h.app.Registry.Get(r.Context(), agentID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if a.UserID != userID(r.Context()) && !isAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, apperr.NotEligible("not your agent record"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, a)
		return
	}

	switch parts[1] {
	case "balance":
		h.agentBalance(w, r, agentID)
	case "transactions":
		h.agentTransactions(w, r, agentID)
	case "requests":
		h.agentRequests(w, r, agentID)
	case "restaurants":
		h.agentRestaurants(w, r, agentID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) agentBalance(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	balance, err := h.app.Ledger.BalanceOf(r.Context(), agentID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": agentID, "balance": balance})
}

func (h *handler) agentTransactions(w http.ResponseWriter, r *http.Request, agentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.app.Ledger.History(r.Context(), agentID, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *handler) agentRequests(w http.ResponseWriter, r *http.Request, agentID string) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Tokens int64  `json:"tokens"`
			Notes  string `json:"notes"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req, err := h.app.Requests.Submit(r.Context(), agentID, payload.Tokens, payload.Notes)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, req)

	case http.MethodGet:
		list, err := h.app.Requests.List(r.Context(), agentID, tokenrequest.Status(r.URL.Query().Get("status")))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) agentRestaurants(w http.ResponseWriter, r *http.Request, agentID string) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Name          string `json:"name"`
			Address       string `json:"address"`
			Phone         string `json:"phone"`
			PremiumMonths int    `json:"premium_months"`
			Owner         struct {
				Username string `json:"username"`
				Email    string `json:"email"`
				Password string `json:"password"`
			} `json:"owner"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		out, err := h.app.Provisioning.Provision(r.Context(), provisioning.Input{
			AgentID:           agentID,
			RestaurantName:    payload.Name,
			RestaurantAddress: payload.Address,
			RestaurantPhone:   payload.Phone,
			PremiumMonths:     payload.PremiumMonths,
			Owner: identity.Credentials{
				Username: payload.Owner.Username,
				Email:    payload.Owner.Email,
				Password: payload.Owner.Password,
			},
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			writeAppError(w, err)
			return
		}
		status := http.StatusCreated
		if out.Replayed {
			status = http.StatusOK
		}
		writeJSON(w, status, out)

	case http.MethodGet:
		list, err := h.app.Provisioning.List(r.Context(), agentID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// --- token requests ---------------------------------------------------------

func (h *handler) tokenRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, apperr.NotEligible("admin role required"))
		return
	}
	list, err := h.app.Requests.List(r.Context(),
		r.URL.Query().Get("agent_id"),
		tokenrequest.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) tokenRequestByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/token-requests"), "/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := h.app.Requests.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if !isAdmin(r.Context()) {
		a, err := h.app.Registry.Get(r.Context(), req.AgentID)
		if err != nil || a.UserID != userID(r.Context()) {
			writeError(w, http.StatusForbidden, apperr.NotEligible("not your request"))
			return
		}
	}
	writeJSON(w, http.StatusOK, req)
}

// --- restaurants ------------------------------------------------------------

func (h *handler) restaurants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, apperr.NotEligible("admin role required"))
		return
	}
	list, err := h.app.Provisioning.List(r.Context(), r.URL.Query().Get("agent_id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handler) restaurantByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/restaurants"), "/")
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest, err := h.app.Provisioning.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	ctx := r.Context()
	if !isAdmin(ctx) && rest.OwnerID != userID(ctx) {
		a, err := h.app.Registry.Get(ctx, rest.AgentID)
		if err != nil || a.UserID != userID(ctx) {
			writeError(w, http.StatusForbidden, apperr.NotEligible("not your restaurant"))
			return
		}
	}
	writeJSON(w, http.StatusOK, rest)
}

// --- admin ------------------------------------------------------------------

func (h *handler) admin(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, apperr.NotEligible("admin role required"))
		return
	}

	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin"), "/")
	parts := strings.Split(trimmed, "/")
	switch {
	case len(parts) == 1 && parts[0] == "audit":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, h.audit.list(limit))

	case len(parts) == 3 && parts[0] == "agents":
		h.adminAgent(w, r, parts[1], parts[2])

	case len(parts) == 3 && parts[0] == "token-requests":
		h.adminTokenRequest(w, r, parts[1], parts[2])

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) adminAgent(w http.ResponseWriter, r *http.Request, agentID, action string) {
	ctx := r.Context()

	if action == "audit" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cached, computed, err := h.app.Ledger.Audit(ctx, agentID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"agent_id":   agentID,
			"cached":     cached,
			"computed":   computed,
			"consistent": cached == computed,
		})
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "approve":
		var payload struct {
			ReviewNotes string `json:"review_notes"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a, err := h.app.Registry.Approve(ctx, agentID, payload.ReviewNotes)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)

	case "reject":
		var payload struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a, err := h.app.Registry.Reject(ctx, agentID, payload.Reason)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)

	case "activate", "deactivate":
		a, err := h.app.Registry.SetActive(ctx, agentID, action == "activate")
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)

	case "adjust":
		var payload struct {
			Amount int64  `json:"amount"`
			Note   string `json:"note"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		entry, err := h.app.Ledger.Adjust(ctx, agentID, payload.Amount, payload.Note)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) adminTokenRequest(w http.ResponseWriter, r *http.Request, requestID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Notes string `json:"notes"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	adminID := userID(r.Context())
	switch action {
	case "approve":
		req, err := h.app.Requests.Approve(r.Context(), requestID, adminID, payload.Notes)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	case "reject":
		req, err := h.app.Requests.Reject(r.Context(), requestID, adminID, payload.Notes)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
