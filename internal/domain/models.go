package domain

import "time"

// Amounts are whole Kyrgyz som (KGS). The engines never do fractional money
// math, so int64 is used everywhere a monetary value appears.

type Store struct {
	ID                 string `json:"id"`
	OrganizationID     string `json:"organization_id"`
	Name               string `json:"name"`
	AllowNegativeStock bool   `json:"allow_negative_stock"`
}

// ComplianceProfile carries the store-level regulatory flags the sale engine
// consults at completion time. It is read-only input for the engines.
type ComplianceProfile struct {
	StoreID     string `json:"store_id"`
	MarkingMode string `json:"marking_mode"`
	KKMMode     string `json:"kkm_mode"`
	KKMProvider string `json:"kkm_provider,omitempty"`
}

type Product struct {
	ID              string `json:"id"`
	OrganizationID  string `json:"organization_id"`
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	PriceKgs        int64  `json:"price_kgs"`
	RequiresMarking bool   `json:"requires_marking"`
	IsBundle        bool   `json:"is_bundle"`
	Active          bool   `json:"active"`
}

// BundleComponent is one fixed-quantity component of a bundle product.
type BundleComponent struct {
	BundleProductID    string `json:"bundle_product_id"`
	ComponentProductID string `json:"component_product_id"`
	Qty                int    `json:"qty"`
}

// VariantKeyBase is the stock identity of an unvaried product.
const VariantKeyBase = "BASE"

type StorePrice struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	PriceKgs  int64  `json:"price_kgs"`
}

type ProductCost struct {
	ProductID  string `json:"product_id"`
	VariantKey string `json:"variant_key"`
	AvgCostKgs int64  `json:"avg_cost_kgs"`
}

// InventorySnapshot is the derived on-hand state for one
// (store, product, variant key). It is mutated only by the stock ledger.
type InventorySnapshot struct {
	StoreID            string `json:"store_id"`
	ProductID          string `json:"product_id"`
	VariantKey         string `json:"variant_key"`
	OnHand             int    `json:"on_hand"`
	OnOrder            int    `json:"on_order"`
	AllowNegativeStock bool   `json:"allow_negative_stock"`
}

// StockMovement is an append-only ledger row. Rows are never updated or
// deleted; a snapshot's on-hand always equals the sum of its deltas.
type StockMovement struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	StoreID        string    `json:"store_id"`
	ProductID      string    `json:"product_id"`
	VariantKey     string    `json:"variant_key"`
	Type           string    `json:"type"`
	QtyDelta       int       `json:"qty_delta"`
	ReferenceType  string    `json:"reference_type,omitempty"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedBy      string    `json:"created_by"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type PosRegister struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	StoreID        string `json:"store_id"`
	Name           string `json:"name"`
}

type RegisterShift struct {
	ID                    string     `json:"id"`
	OrganizationID        string     `json:"organization_id"`
	RegisterID            string     `json:"register_id"`
	StoreID               string     `json:"store_id"`
	Status                string     `json:"status"`
	OpeningCashKgs        int64      `json:"opening_cash_kgs"`
	ClosingCashCountedKgs int64      `json:"closing_cash_counted_kgs"`
	ExpectedCashKgs       int64      `json:"expected_cash_kgs"`
	DiscrepancyKgs        int64      `json:"discrepancy_kgs"`
	OpenedBy              string     `json:"opened_by"`
	ClosedBy              string     `json:"closed_by,omitempty"`
	OpenedAt              time.Time  `json:"opened_at"`
	ClosedAt              *time.Time `json:"closed_at,omitempty"`
}

type CashDrawerMovement struct {
	ID             string    `json:"id"`
	ShiftID        string    `json:"shift_id"`
	Type           string    `json:"type"`
	AmountKgs      int64     `json:"amount_kgs"`
	Reason         string    `json:"reason,omitempty"`
	CreatedBy      string    `json:"created_by"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type CustomerOrderLine struct {
	ID               string   `json:"id"`
	OrderID          string   `json:"order_id"`
	ProductID        string   `json:"product_id"`
	VariantKey       string   `json:"variant_key"`
	Qty              int      `json:"qty"`
	UnitPriceKgs     int64    `json:"unit_price_kgs"`
	UnitCostKgs      int64    `json:"unit_cost_kgs"`
	LineTotalKgs     int64    `json:"line_total_kgs"`
	LineCostTotalKgs int64    `json:"line_cost_total_kgs"`
	MarkingCodes     []string `json:"marking_codes,omitempty"`
}

type CustomerOrder struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	StoreID        string              `json:"store_id"`
	RegisterID     string              `json:"register_id,omitempty"`
	ShiftID        string              `json:"shift_id,omitempty"`
	IsPosSale      bool                `json:"is_pos_sale"`
	Status         string              `json:"status"`
	CustomerName   string              `json:"customer_name,omitempty"`
	SubtotalKgs    int64               `json:"subtotal_kgs"`
	TotalKgs       int64               `json:"total_kgs"`
	TotalCostKgs   int64               `json:"total_cost_kgs"`
	KKMStatus      string              `json:"kkm_status,omitempty"`
	KKMReceiptID   string              `json:"kkm_receipt_id,omitempty"`
	CreatedBy      string              `json:"created_by"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	Lines          []CustomerOrderLine `json:"lines"`
}

type SalePayment struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Method         string    `json:"method"`
	AmountKgs      int64     `json:"amount_kgs"`
	IsRefund       bool      `json:"is_refund"`
	OrderID        string    `json:"order_id,omitempty"`
	ReturnID       string    `json:"return_id,omitempty"`
	ShiftID        string    `json:"shift_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type SaleReturnLine struct {
	ID             string `json:"id"`
	ReturnID       string `json:"return_id"`
	OriginalLineID string `json:"original_line_id"`
	ProductID      string `json:"product_id"`
	VariantKey     string `json:"variant_key"`
	Qty            int    `json:"qty"`
	UnitPriceKgs   int64  `json:"unit_price_kgs"`
}

type SaleReturn struct {
	ID              string           `json:"id"`
	OrganizationID  string           `json:"organization_id"`
	StoreID         string           `json:"store_id"`
	ShiftID         string           `json:"shift_id"`
	OriginalOrderID string           `json:"original_order_id"`
	Status          string           `json:"status"`
	TotalKgs        int64            `json:"total_kgs"`
	CreatedBy       string           `json:"created_by"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	Lines           []SaleReturnLine `json:"lines"`
}

// RefundRequest is the manual-refund fallback record opened when a return
// cannot be refunded programmatically (transfer and other manual-settlement
// methods). The refund and the stock restore happen out of band.
type RefundRequest struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ReturnID       string    `json:"return_id"`
	OrderID        string    `json:"order_id"`
	Status         string    `json:"status"`
	ReasonCode     string    `json:"reason_code"`
	AmountKgs      int64     `json:"amount_kgs"`
	CreatedAt      time.Time `json:"created_at"`
}

type FiscalReceipt struct {
	ID                string     `json:"id"`
	OrganizationID    string     `json:"organization_id"`
	StoreID           string     `json:"store_id"`
	OrderID           string     `json:"order_id"`
	Status            string     `json:"status"`
	Payload           string     `json:"payload"`
	ProviderReceiptID string     `json:"provider_receipt_id,omitempty"`
	FiscalNumber      string     `json:"fiscal_number,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	AckedAt           *time.Time `json:"acked_at,omitempty"`
}

type AuditLog struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	StoreID        string    `json:"store_id"`
	ActorUsername  string    `json:"actor_username"`
	ActorRole      string    `json:"actor_role"`
	Action         string    `json:"action"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Detail         string    `json:"detail"`
	CreatedAt      time.Time `json:"created_at"`
}

type Actor struct {
	Username       string
	Role           string
	OrganizationID string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username       string
	Password       string
	Role           string
	OrganizationID string
	Active         bool
	CreatedAt      time.Time
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// --- request / response payloads ---

type BundleComponentInput struct {
	ComponentProductID string `json:"component_product_id"`
	Qty                int    `json:"qty"`
}

type ProductCreateRequest struct {
	SKU             string                 `json:"sku"`
	Name            string                 `json:"name"`
	PriceKgs        int64                  `json:"price_kgs"`
	RequiresMarking bool                   `json:"requires_marking"`
	IsBundle        bool                   `json:"is_bundle"`
	AvgCostKgs      int64                  `json:"avg_cost_kgs"`
	Components      []BundleComponentInput `json:"components,omitempty"`
}

type StockAdjustRequest struct {
	StoreID        string `json:"store_id"`
	ProductID      string `json:"product_id"`
	VariantKey     string `json:"variant_key,omitempty"`
	QtyDelta       int    `json:"qty_delta"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type StockReceiveRequest struct {
	StoreID        string `json:"store_id"`
	ProductID      string `json:"product_id"`
	VariantKey     string `json:"variant_key,omitempty"`
	Qty            int    `json:"qty"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type StockMovementResponse struct {
	Movement StockMovement     `json:"movement"`
	Snapshot InventorySnapshot `json:"snapshot"`
}

type ShiftOpenRequest struct {
	RegisterID     string `json:"register_id"`
	OpeningCashKgs int64  `json:"opening_cash_kgs"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ShiftCloseRequest struct {
	ShiftID               string `json:"shift_id"`
	ClosingCashCountedKgs int64  `json:"closing_cash_counted_kgs"`
	IdempotencyKey        string `json:"idempotency_key"`
}

type CashRecordRequest struct {
	ShiftID        string `json:"shift_id"`
	Type           string `json:"type"`
	AmountKgs      int64  `json:"amount_kgs"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ShiftResponse struct {
	Shift RegisterShift `json:"shift"`
}

// ShiftPaymentsResponse is the drawer-side view of a shift: every capture and
// refund settled into it, alongside the shift itself.
type ShiftPaymentsResponse struct {
	Shift    RegisterShift `json:"shift"`
	Payments []SalePayment `json:"payments"`
}

type SaleDraftRequest struct {
	StoreID      string `json:"store_id"`
	RegisterID   string `json:"register_id,omitempty"`
	IsPosSale    bool   `json:"is_pos_sale"`
	CustomerName string `json:"customer_name,omitempty"`
}

type SaleLineRequest struct {
	ProductID  string `json:"product_id"`
	VariantKey string `json:"variant_key,omitempty"`
	Qty        int    `json:"qty"`
}

type PaymentInput struct {
	Method    string `json:"method"`
	AmountKgs int64  `json:"amount_kgs"`
}

type SaleCompleteRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Payments       []PaymentInput `json:"payments"`
}

type MarkingCodesRequest struct {
	LineID string   `json:"line_id"`
	Codes  []string `json:"codes"`
}

type OrderResponse struct {
	Order CustomerOrder `json:"order"`
}

type OrderListResponse struct {
	Orders []CustomerOrder `json:"orders"`
}

type SalesMetrics struct {
	CompletedOrders int64 `json:"completed_orders"`
	RevenueKgs      int64 `json:"revenue_kgs"`
	CostKgs         int64 `json:"cost_kgs"`
	MarginKgs       int64 `json:"margin_kgs"`
}

type ReturnDraftRequest struct {
	ShiftID         string `json:"shift_id"`
	OriginalOrderID string `json:"original_order_id"`
}

type ReturnLineRequest struct {
	OriginalLineID string `json:"original_line_id"`
	Qty            int    `json:"qty"`
}

type ReturnCompleteRequest struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Payments       []PaymentInput `json:"payments"`
}

// ReturnCompleteResponse doubles as the designed partial-success path: when
// the payment method cannot be refunded programmatically, ManualRequired is
// true, the return is canceled and a RefundRequest is opened instead.
type ReturnCompleteResponse struct {
	Return          SaleReturn    `json:"return"`
	ManualRequired  bool          `json:"manual_required"`
	RefundRequestID string        `json:"refund_request_id,omitempty"`
	RefundPayments  []SalePayment `json:"refund_payments,omitempty"`
}

type FiscalPullResponse struct {
	Receipts []FiscalReceipt `json:"receipts"`
}

type FiscalPushRequest struct {
	ReceiptID         string `json:"receipt_id"`
	Status            string `json:"status"`
	ProviderReceiptID string `json:"provider_receipt_id,omitempty"`
	FiscalNumber      string `json:"fiscal_number,omitempty"`
}

type SnapshotListResponse struct {
	Snapshots []InventorySnapshot `json:"snapshots"`
}

type MovementListResponse struct {
	Movements []StockMovement `json:"movements"`
}

// --- status and type constants ---

const (
	MovementTypeReceipt    = "RECEIPT"
	MovementTypeSale       = "SALE"
	MovementTypeReturn     = "RETURN"
	MovementTypeAdjustment = "ADJUSTMENT"
)

const (
	ReferenceTypeOrder  = "customer_order"
	ReferenceTypeReturn = "sale_return"
	ReferenceTypeManual = "manual"
)

const (
	ShiftStatusOpen   = "OPEN"
	ShiftStatusClosed = "CLOSED"
)

const (
	CashMovePayIn  = "PAY_IN"
	CashMovePayOut = "PAY_OUT"
)

const (
	OrderStatusDraft     = "DRAFT"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusReady     = "READY"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCanceled  = "CANCELED"
)

const (
	ReturnStatusDraft     = "DRAFT"
	ReturnStatusCompleted = "COMPLETED"
	ReturnStatusCanceled  = "CANCELED"
)

const (
	PaymentMethodCash     = "CASH"
	PaymentMethodCard     = "CARD"
	PaymentMethodTransfer = "TRANSFER"
)

const (
	MarkingModeNone           = "NONE"
	MarkingModeRequiredOnSale = "REQUIRED_ON_SALE"
)

const (
	KKMModeNone      = "NONE"
	KKMModeConnector = "CONNECTOR"
)

const (
	KKMStatusNotSent = "NOT_SENT"
	KKMStatusSent    = "SENT"
	KKMStatusFailed  = "FAILED"
)

const (
	FiscalStatusQueued = "QUEUED"
	FiscalStatusSent   = "SENT"
	FiscalStatusFailed = "FAILED"
)

const RefundRequestStatusOpen = "OPEN"

// ReasonCodeManualTransferRefund documents why an automatic refund was not
// possible: the original payment settled over a manual channel.
const ReasonCodeManualTransferRefund = "manualTransferRefund"

// ConflictCodeCardRefundShiftMismatch is surfaced when a card-paid return is
// completed outside the shift that captured the original payment.
const ConflictCodeCardRefundShiftMismatch = "posCardRefundShiftMismatch"

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)
