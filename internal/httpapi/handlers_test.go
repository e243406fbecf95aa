package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dukan/backend/internal/cache"
	"dukan/backend/internal/domain"
	"dukan/backend/internal/service"
	"dukan/backend/internal/store/memory"
)

// newTestAPI builds a full API on the seeded in-memory store with a real
// AuthManager and Service, so handler tests cover the complete request path.
func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, cache.NoopComplianceProfileCache{})
	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, repo)
	api := New(svc, auth, "http://127.0.0.1:3000", "connector-secret", "org-demo")
	return api, api.Handler()
}

func loginToken(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("login response decode: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("login returned an empty token")
	}
	return resp.AccessToken
}

// doJSON performs an authenticated request with a fresh CSRF token attached.
func doJSON(t *testing.T, api *API, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-CSRF-Token", api.generateCSRFToken())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestLoginEndpointIssuesToken(t *testing.T) {
	api, handler := newTestAPI(t)

	token := loginToken(t, handler, "admin", "admin123")
	actor, err := api.auth.ParseToken(token)
	if err != nil {
		t.Fatalf("issued token does not parse: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin || actor.OrganizationID != "org-demo" {
		t.Fatalf("unexpected actor from token: %+v", actor)
	}
}

func TestPosSaleFlowOverHTTP(t *testing.T) {
	api, handler := newTestAPI(t)
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/pos/shifts/open", token, domain.ShiftOpenRequest{
		RegisterID:     "reg-centre-1",
		OpeningCashKgs: 100,
		IdempotencyKey: "http-open-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("open shift: status %d body %s", rec.Code, rec.Body.String())
	}
	var opened domain.ShiftResponse
	decodeBody(t, rec, &opened)

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/sales", token, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("draft: status %d body %s", rec.Code, rec.Body.String())
	}
	var draft domain.OrderResponse
	decodeBody(t, rec, &draft)

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/sales/"+draft.Order.ID+"/lines", token, domain.SaleLineRequest{
		ProductID: "p-cola",
		Qty:       2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add line: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/sales/"+draft.Order.ID+"/complete", token, domain.SaleCompleteRequest{
		IdempotencyKey: "http-sale-1",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 170}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", rec.Code, rec.Body.String())
	}
	var completed domain.OrderResponse
	decodeBody(t, rec, &completed)
	if completed.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Order.Status)
	}
	if completed.Order.TotalKgs != 170 {
		t.Fatalf("expected total 170, got %d", completed.Order.TotalKgs)
	}

	// the sale is visible through the read path
	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/sales/"+draft.Order.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: status %d body %s", rec.Code, rec.Body.String())
	}

	// and the payment settled into the shift drawer
	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/pos/shifts/payments?shift_id="+opened.Shift.ID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("shift payments: status %d body %s", rec.Code, rec.Body.String())
	}
	var drawer domain.ShiftPaymentsResponse
	decodeBody(t, rec, &drawer)
	if len(drawer.Payments) != 1 || drawer.Payments[0].AmountKgs != 170 {
		t.Fatalf("expected one settled payment of 170, got %+v", drawer.Payments)
	}
}

func TestRoleEnforcedAtRouter(t *testing.T) {
	api, handler := newTestAPI(t)
	cashierToken := loginToken(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/inventory/adjust", cashierToken, domain.StockAdjustRequest{
		StoreID:        "store-centre",
		ProductID:      "p-cola",
		QtyDelta:       -1,
		IdempotencyKey: "http-adj",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier adjust: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/audit-logs", cashierToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier audit logs: expected 403, got %d", rec.Code)
	}
}

func TestMissingOrBadTokenUnauthorized(t *testing.T) {
	api, handler := newTestAPI(t)

	rec := doJSON(t, api, handler, http.MethodGet, "/api/v1/stores", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/stores", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: expected 401, got %d", rec.Code)
	}
}

func TestUnknownOrderReturnsNotFound(t *testing.T) {
	api, handler := newTestAPI(t)
	token := loginToken(t, handler, "manager", "manager123")

	rec := doJSON(t, api, handler, http.MethodGet, "/api/v1/sales/ord-missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownJSONFieldRejected(t *testing.T) {
	api, handler := newTestAPI(t)
	token := loginToken(t, handler, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pos/shifts/open", bytes.NewReader([]byte(`{"register_id":"reg-centre-1","surprise":true}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestDoubleShiftOpenConflictsOverHTTP(t *testing.T) {
	api, handler := newTestAPI(t)
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/pos/shifts/open", token, domain.ShiftOpenRequest{
		RegisterID:     "reg-bazaar-1",
		IdempotencyKey: "http-open-a",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first open: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, handler, http.MethodPost, "/api/v1/pos/shifts/open", token, domain.ShiftOpenRequest{
		RegisterID:     "reg-bazaar-1",
		IdempotencyKey: "http-open-b",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second open: expected 409, got %d body %s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, handler := newTestAPI(t)
	token := loginToken(t, handler, "cashier", "cashier123")

	rec := doJSON(t, api, handler, http.MethodDelete, "/api/v1/stores", token, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestCashierProvisioningOverHTTP(t *testing.T) {
	api, handler := newTestAPI(t)
	adminToken := loginToken(t, handler, "admin", "admin123")

	rec := doJSON(t, api, handler, http.MethodPost, "/api/v1/users/cashiers", adminToken, domain.CashierCreateRequest{
		Username: "aibek",
		Password: "secret1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cashier: status %d body %s", rec.Code, rec.Body.String())
	}

	// the new account can log in right away
	loginToken(t, handler, "aibek", "secret1")

	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/users/cashiers", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list cashiers: status %d", rec.Code)
	}
	var listed struct {
		Cashiers []domain.CashierUser `json:"cashiers"`
	}
	decodeBody(t, rec, &listed)
	found := false
	for _, c := range listed.Cashiers {
		if c.Username == "aibek" {
			found = true
		}
	}
	if !found {
		t.Fatalf("new cashier missing from list: %+v", listed.Cashiers)
	}

	// only admins manage accounts
	cashierToken := loginToken(t, handler, "cashier", "cashier123")
	rec = doJSON(t, api, handler, http.MethodGet, "/api/v1/users/cashiers", cashierToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cashier listing accounts: expected 403, got %d", rec.Code)
	}
}
