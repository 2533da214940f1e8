package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	app "github.com/menudeck/menudeck/internal/app"
	"github.com/menudeck/menudeck/internal/app/domain/user"
	"github.com/menudeck/menudeck/internal/app/services/identity"
)

func identityCreds(username, password string) identity.Credentials {
	return identity.Credentials{Username: username, Password: password}
}

var testSecret = []byte("test-signing-secret")

func newTestHandler(t *testing.T) (http.Handler, *app.Application) {
	t.Helper()
	application, err := app.New(app.Options{ReconcilerSchedule: "off"}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	handler, err := NewHandler(application, Config{JWTSecret: testSecret}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler, application
}

func adminToken(t *testing.T, application *app.Application) string {
	t.Helper()
	admin, err := application.Identity.Register(context.Background(),
		identityCreds("root-admin", "adminpassword"), user.RoleAdmin)
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	token, err := IssueToken(testSecret, admin.ID, "admin", 0)
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	return token
}

func TestHandlerLifecycle(t *testing.T) {
	handler, application := newTestHandler(t)
	admin := adminToken(t, application)

	// Register and log in an agent user.
	resp := do(handler, request(http.MethodPost, "/auth/register", marshal(map[string]any{
		"username": "asha",
		"email":    "asha@example.com",
		"password": "longenough",
	}), ""))
	if resp.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = do(handler, request(http.MethodPost, "/auth/login", marshal(map[string]any{
		"username": "asha",
		"password": "longenough",
	}), ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", resp.Code)
	}
	var login map[string]string
	mustUnmarshal(t, resp.Body.Bytes(), &login)
	agentUser := login["token"]

	// Submit the agent profile.
	resp = do(handler, request(http.MethodPost, "/agents", marshal(map[string]any{
		"name":          "Asha Verma",
		"date_of_birth": "1991-04-02",
		"address":       "12 Ring Road",
		"gov_id_type":   "passport",
		"gov_id_number": "P123456",
	}), agentUser))
	if resp.Code != http.StatusCreated {
		t.Fatalf("submit agent: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var submitted map[string]any
	mustUnmarshal(t, resp.Body.Bytes(), &submitted)
	agentID := submitted["ID"].(string)

	// Requests are rejected while pending approval.
	resp = do(handler, request(http.MethodPost, "/agents/"+agentID+"/requests", marshal(map[string]any{
		"tokens": 100,
	}), agentUser))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("pending agent request: expected 403, got %d", resp.Code)
	}

	// Admin approves the agent.
	resp = do(handler, request(http.MethodPost, "/admin/agents/"+agentID+"/approve", marshal(map[string]any{
		"review_notes": "documents verified",
	}), admin))
	if resp.Code != http.StatusOK {
		t.Fatalf("approve agent: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	// File and approve a token request.
	resp = do(handler, request(http.MethodPost, "/agents/"+agentID+"/requests", marshal(map[string]any{
		"tokens": 5,
		"notes":  "first batch",
	}), agentUser))
	if resp.Code != http.StatusCreated {
		t.Fatalf("submit request: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var tokenReq map[string]any
	mustUnmarshal(t, resp.Body.Bytes(), &tokenReq)
	requestID := tokenReq["ID"].(string)

	resp = do(handler, request(http.MethodPost, "/admin/token-requests/"+requestID+"/approve", marshal(map[string]any{
		"notes": "ok",
	}), admin))
	if resp.Code != http.StatusOK {
		t.Fatalf("approve request: expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	// Second resolution conflicts.
	resp = do(handler, request(http.MethodPost, "/admin/token-requests/"+requestID+"/reject", marshal(map[string]any{
		"notes": "changed my mind",
	}), admin))
	if resp.Code != http.StatusConflict {
		t.Fatalf("re-resolve request: expected 409, got %d", resp.Code)
	}

	resp = do(handler, request(http.MethodGet, "/agents/"+agentID+"/balance", nil, agentUser))
	if resp.Code != http.StatusOK {
		t.Fatalf("balance: expected 200, got %d", resp.Code)
	}
	var balance map[string]any
	mustUnmarshal(t, resp.Body.Bytes(), &balance)
	if balance["balance"].(float64) != 5 {
		t.Fatalf("expected balance 5, got %v", balance["balance"])
	}

	// Provision a restaurant for 3 months (one token per month).
	provisionBody := marshal(map[string]any{
		"name":           "Spice Route",
		"address":        "9 Harbor Street",
		"phone":          "+91-555-0101",
		"premium_months": 3,
		"owner": map[string]any{
			"username": "spiceroute",
			"email":    "owner@spiceroute.example",
			"password": "ownerpassword",
		},
	})
	resp = do(handler, request(http.MethodPost, "/agents/"+agentID+"/restaurants", provisionBody, agentUser))
	if resp.Code != http.StatusCreated {
		t.Fatalf("provision: expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = do(handler, request(http.MethodGet, "/agents/"+agentID+"/balance", nil, agentUser))
	mustUnmarshal(t, resp.Body.Bytes(), &balance)
	if balance["balance"].(float64) != 2 {
		t.Fatalf("expected balance 2 after provisioning, got %v", balance["balance"])
	}

	// A provisioning attempt beyond the balance returns 422 and charges nothing.
	tooBig := marshal(map[string]any{
		"name":           "Palace",
		"premium_months": 12,
		"owner": map[string]any{
			"username": "palace",
			"password": "ownerpassword",
		},
	})
	resp = do(handler, request(http.MethodPost, "/agents/"+agentID+"/restaurants", tooBig, agentUser))
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over-budget provision: expected 422, got %d: %s", resp.Code, resp.Body.String())
	}

	// Ledger history and the admin balance audit agree.
	resp = do(handler, request(http.MethodGet, "/agents/"+agentID+"/transactions", nil, agentUser))
	if resp.Code != http.StatusOK {
		t.Fatalf("transactions: expected 200, got %d", resp.Code)
	}
	var history []map[string]any
	mustUnmarshal(t, resp.Body.Bytes(), &history)
	if len(history) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(history))
	}

	resp = do(handler, request(http.MethodGet, "/admin/agents/"+agentID+"/audit", nil, admin))
	if resp.Code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", resp.Code)
	}
	var audit map[string]any
	mustUnmarshal(t, resp.Body.Bytes(), &audit)
	if audit["consistent"] != true {
		t.Fatalf("expected consistent balances, got %v", audit)
	}

	// The admin audit log recorded the mutating calls.
	resp = do(handler, request(http.MethodGet, "/admin/audit", nil, admin))
	if resp.Code != http.StatusOK {
		t.Fatalf("audit log: expected 200, got %d", resp.Code)
	}
	var entries []map[string]any
	mustUnmarshal(t, resp.Body.Bytes(), &entries)
	if len(entries) == 0 {
		t.Fatal("expected audit log entries for mutating requests")
	}
}

func TestHandlerRequiresAuth(t *testing.T) {
	handler, _ := newTestHandler(t)

	resp := do(handler, request(http.MethodGet, "/agents", nil, ""))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	resp = do(handler, request(http.MethodGet, "/agents", nil, "not-a-jwt"))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad token, got %d", resp.Code)
	}

	resp = do(handler, request(http.MethodGet, "/healthz", nil, ""))
	if resp.Code != http.StatusOK {
		t.Fatalf("healthz must be public, got %d", resp.Code)
	}
}

func TestAdminEndpointsRejectAgents(t *testing.T) {
	handler, application := newTestHandler(t)

	u, err := application.Identity.Register(context.Background(),
		identityCreds("plain-agent", "longenough"), user.RoleAgent)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := IssueToken(testSecret, u.ID, "agent", 0)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	resp := do(handler, request(http.MethodGet, "/admin/audit", nil, token))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.Code)
	}
	resp = do(handler, request(http.MethodGet, "/agents", nil, token))
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 listing agents as non-admin, got %d", resp.Code)
	}
}

func request(method, url string, body []byte, token string) *http.Request {
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func do(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	return resp
}

func marshal(v any) []byte {
	buf, _ := json.Marshal(v)
	return buf
}

func mustUnmarshal(t *testing.T, data []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
}
