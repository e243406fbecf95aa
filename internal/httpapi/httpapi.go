package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/service"
	"dukan/backend/internal/store"
)

type API struct {
	service        *service.Service
	auth           *AuthManager
	allowedOrigin  string
	connectorToken string
	connectorOrgID string
	loginLimiter   *attemptLimiter
	csrfSecret     []byte
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, connectorToken string, connectorOrgID string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// crypto/rand failing is not survivable for a fresh secret
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:        svc,
		auth:           auth,
		allowedOrigin:  allowedOrigin,
		connectorToken: strings.TrimSpace(connectorToken),
		connectorOrgID: connectorOrgID,
		loginLimiter:   newAttemptLimiter(5, time.Minute),
		csrfSecret:     csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current or previous hour bucket, giving a
// 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

var (
	cashierUp = []string{domain.RoleCashier, domain.RoleManager, domain.RoleAdmin}
	managerUp = []string{domain.RoleManager, domain.RoleAdmin}
	adminOnly = []string{domain.RoleAdmin}
)

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/stores", a.requireAuth(a.handleStores, cashierUp...))
	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, cashierUp...))

	mux.HandleFunc("/api/v1/inventory/adjust", a.requireAuth(a.handleStockAdjust, managerUp...))
	mux.HandleFunc("/api/v1/inventory/receive", a.requireAuth(a.handleStockReceive, managerUp...))
	mux.HandleFunc("/api/v1/inventory/snapshots", a.requireAuth(a.handleSnapshots, cashierUp...))
	mux.HandleFunc("/api/v1/inventory/movements", a.requireAuth(a.handleMovements, managerUp...))

	mux.HandleFunc("/api/v1/pos/shifts/open", a.requireAuth(a.handleShiftOpen, cashierUp...))
	mux.HandleFunc("/api/v1/pos/shifts/close", a.requireAuth(a.handleShiftClose, cashierUp...))
	mux.HandleFunc("/api/v1/pos/shifts/current", a.requireAuth(a.handleShiftCurrent, cashierUp...))
	mux.HandleFunc("/api/v1/pos/shifts/payments", a.requireAuth(a.handleShiftPayments, cashierUp...))
	mux.HandleFunc("/api/v1/pos/cash", a.requireAuth(a.handleCashRecord, cashierUp...))

	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, cashierUp...))
	mux.HandleFunc("/api/v1/sales/metrics", a.requireAuth(a.handleSalesMetrics, managerUp...))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, cashierUp...))

	mux.HandleFunc("/api/v1/returns", a.requireAuth(a.handleReturns, managerUp...))
	mux.HandleFunc("/api/v1/returns/", a.requireAuth(a.handleReturnActions, managerUp...))
	mux.HandleFunc("/api/v1/refund-requests/", a.requireAuth(a.handleRefundRequest, managerUp...))

	mux.HandleFunc("/api/v1/connector/fiscal/pull", a.requireConnector(a.handleFiscalPull))
	mux.HandleFunc("/api/v1/connector/fiscal/push", a.requireConnector(a.handleFiscalPush))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, adminOnly...))
	mux.HandleFunc("/api/v1/users/cashiers", a.requireAuth(a.handleCashiers, adminOnly...))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

// requireConnector authenticates the KKM connector by its static pairing
// token instead of a user account.
func (a *API) requireConnector(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.connectorToken == "" {
			writeError(w, http.StatusForbidden, errors.New("connector is not configured"))
			return
		}
		provided := strings.TrimSpace(r.Header.Get("X-Connector-Token"))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(a.connectorToken)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("invalid connector token"))
			return
		}
		next(w, r)
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour
// bucket. Clients send it back in the X-CSRF-Token header on mutations.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// csrfExemptPaths lists paths exempt from CSRF validation: login happens
// before a token can be fetched, and the connector is a machine client
// authenticated by its pairing token.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
	"/api/v1/connector/fiscal/pull",
	"/api/v1/connector/fiscal/push",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleStores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stores, err := a.service.ListStores(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stores": stores})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleStockAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.StockAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.AdjustStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStockReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.StockReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.ReceiveStock(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
	if storeID == "" {
		writeError(w, http.StatusBadRequest, errors.New("store_id is required"))
		return
	}
	snapshots, err := a.service.ListSnapshots(r.Context(), storeID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SnapshotListResponse{Snapshots: snapshots})
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)
	movements, err := a.service.ListMovements(r.Context(), strings.TrimSpace(query.Get("store_id")), strings.TrimSpace(query.Get("product_id")), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.MovementListResponse{Movements: movements})
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ShiftOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.OpenShift(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ShiftCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CloseShift(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	registerID := strings.TrimSpace(r.URL.Query().Get("register_id"))
	if registerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("register_id is required"))
		return
	}
	resp, err := a.service.CurrentShift(r.Context(), registerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleShiftPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	shiftID := strings.TrimSpace(r.URL.Query().Get("shift_id"))
	if shiftID == "" {
		writeError(w, http.StatusBadRequest, errors.New("shift_id is required"))
		return
	}
	resp, err := a.service.ShiftPayments(r.Context(), shiftID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCashRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.CashRecordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	movement, err := a.service.RecordCashMovement(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, movement)
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domain.SaleDraftRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.CreateSaleDraft(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	case http.MethodGet:
		query := r.URL.Query()
		limit := parsePositiveLimit(query.Get("limit"), 50, 200)
		resp, err := a.service.ListOrders(r.Context(), strings.TrimSpace(query.Get("store_id")), strings.TrimSpace(query.Get("status")), limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSalesMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	from, to, err := parseDateRange(query.Get("from"), query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	metrics, err := a.service.SalesMetrics(r.Context(), strings.TrimSpace(query.Get("store_id")), from, to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleSaleActions routes /api/v1/sales/{id} and /api/v1/sales/{id}/{action}.
func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sales/")
	orderID, action, _ := strings.Cut(rest, "/")
	if orderID == "" {
		writeError(w, http.StatusNotFound, errors.New("order id is required"))
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		resp, err := a.service.GetOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	switch action {
	case "lines":
		var req domain.SaleLineRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.AddSaleLine(r.Context(), orderID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "marking-codes":
		var req domain.MarkingCodesRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.SetMarkingCodes(r.Context(), orderID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "confirm":
		resp, err := a.service.ConfirmOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "ready":
		resp, err := a.service.MarkOrderReady(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "complete":
		var req domain.SaleCompleteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.CompleteSale(r.Context(), orderID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "cancel":
		resp, err := a.service.CancelOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown sale action"))
	}
}

func (a *API) handleReturns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ReturnDraftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ret, err := a.service.CreateReturnDraft(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ret)
}

// handleReturnActions routes /api/v1/returns/{id} and /api/v1/returns/{id}/{action}.
func (a *API) handleReturnActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/returns/")
	returnID, action, _ := strings.Cut(rest, "/")
	if returnID == "" {
		writeError(w, http.StatusNotFound, errors.New("return id is required"))
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		ret, err := a.service.GetReturn(r.Context(), returnID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ret)
		return
	}

	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	switch action {
	case "lines":
		var req domain.ReturnLineRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ret, err := a.service.AddReturnLine(r.Context(), returnID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ret)
	case "complete":
		var req domain.ReturnCompleteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.service.CompleteReturn(r.Context(), returnID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown return action"))
	}
}

func (a *API) handleRefundRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	requestID := strings.TrimPrefix(r.URL.Path, "/api/v1/refund-requests/")
	if requestID == "" || strings.Contains(requestID, "/") {
		writeError(w, http.StatusNotFound, errors.New("refund request id is required"))
		return
	}
	request, err := a.service.GetRefundRequest(r.Context(), requestID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (a *API) handleFiscalPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	resp, err := a.service.PullFiscalReceipts(r.Context(), a.connectorOrgID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFiscalPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.FiscalPushRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receipt, err := a.service.AckFiscalReceipt(r.Context(), a.connectorOrgID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	from, to, err := parseDateRange(query.Get("from"), query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := parsePositiveLimit(query.Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), strings.TrimSpace(query.Get("store_id")), from, to, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleCashiers(w http.ResponseWriter, r *http.Request) {
	actor, _ := service.ActorFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(actor.OrganizationID)})
	case http.MethodPost:
		var req domain.CashierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.auth.CreateCashier(actor.OrganizationID, req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Connector-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// parseDateRange interprets from/to as RFC3339 or YYYY-MM-DD, defaulting to
// the last 24 hours. The range is half-open: [from, to).
func parseDateRange(fromRaw string, toRaw string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	parse := func(raw string) (time.Time, error) {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts.UTC(), nil
		}
		ts, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date %q", raw)
		}
		return ts.UTC(), nil
	}

	if trimmed := strings.TrimSpace(fromRaw); trimmed != "" {
		parsed, err := parse(trimmed)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	if trimmed := strings.TrimSpace(toRaw); trimmed != "" {
		parsed, err := parse(trimmed)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeServiceError maps the store sentinel errors onto HTTP statuses.
// Cross-tenant access surfaces as not-found by construction: the repository
// reports rows outside the caller's organization as store.ErrNotFound.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrOutOfStock):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing; 5xx bodies stay generic and the detail
	// goes to the log
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
