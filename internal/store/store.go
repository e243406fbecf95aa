package store

import (
	"context"
	"errors"
	"time"

	"dukan/backend/internal/domain"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInvalid    = errors.New("invalid request")
	ErrOutOfStock = errors.New("out of stock")
	ErrForbidden  = errors.New("forbidden")
)

// Repository is the persistence port for the engines. Every call is scoped by
// the caller's organization id; a row that exists in another organization is
// reported as ErrNotFound, never ErrForbidden.
//
// Composite methods (ApplyStockMovement, OpenShift, CloseShift, CompleteOrder,
// CompleteReturn, CancelReturnWithRefundRequest, AckFiscalReceipt) must check
// preconditions and apply all effects in a single transaction. Idempotency is
// enforced inside those transactions via uniqueness on the key, never via
// read-then-write.
type Repository interface {
	// stores / products / pricing / costs
	GetStore(ctx context.Context, orgID string, storeID string) (*domain.Store, error)
	ListStores(ctx context.Context, orgID string) ([]domain.Store, error)
	GetComplianceProfile(ctx context.Context, orgID string, storeID string) (*domain.ComplianceProfile, error)
	GetProduct(ctx context.Context, orgID string, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context, orgID string) ([]domain.Product, error)
	CreateProduct(ctx context.Context, orgID string, product domain.Product) (*domain.Product, error)
	GetStorePrice(ctx context.Context, orgID string, storeID string, productID string) (int64, bool, error)
	GetProductCost(ctx context.Context, orgID string, productID string, variantKey string) (int64, error)
	UpsertProductCost(ctx context.Context, orgID string, cost domain.ProductCost) error
	ListBundleComponents(ctx context.Context, orgID string, bundleProductID string) ([]domain.BundleComponent, error)
	UpsertBundleComponents(ctx context.Context, orgID string, bundleProductID string, components []domain.BundleComponent) error

	// inventory ledger
	ApplyStockMovement(ctx context.Context, orgID string, movement domain.StockMovement) (*domain.StockMovement, *domain.InventorySnapshot, error)
	GetSnapshot(ctx context.Context, orgID string, storeID string, productID string, variantKey string) (*domain.InventorySnapshot, error)
	ListSnapshots(ctx context.Context, orgID string, storeID string) ([]domain.InventorySnapshot, error)
	ListMovementsByReference(ctx context.Context, orgID string, referenceType string, referenceID string) ([]domain.StockMovement, error)
	ListMovements(ctx context.Context, orgID string, storeID string, productID string, limit int) ([]domain.StockMovement, error)

	// registers / shifts / cash drawer
	GetRegister(ctx context.Context, orgID string, registerID string) (*domain.PosRegister, error)
	OpenShift(ctx context.Context, orgID string, shift domain.RegisterShift, idempotencyKey string) (*domain.RegisterShift, error)
	GetShift(ctx context.Context, orgID string, shiftID string) (*domain.RegisterShift, error)
	GetOpenShiftByRegister(ctx context.Context, orgID string, registerID string) (*domain.RegisterShift, error)
	RecordCashMovement(ctx context.Context, orgID string, movement domain.CashDrawerMovement) (*domain.CashDrawerMovement, error)
	CloseShift(ctx context.Context, orgID string, shiftID string, closingCountedKgs int64, closedBy string, idempotencyKey string, closedAt time.Time) (*domain.RegisterShift, error)

	// customer orders (POS and back-office sales)
	CreateDraftOrder(ctx context.Context, orgID string, order domain.CustomerOrder) (*domain.CustomerOrder, error)
	GetOrder(ctx context.Context, orgID string, orderID string) (*domain.CustomerOrder, error)
	ListOrders(ctx context.Context, orgID string, storeID string, status string, limit int) ([]domain.CustomerOrder, error)
	AddOrderLine(ctx context.Context, orgID string, orderID string, line domain.CustomerOrderLine) (*domain.CustomerOrder, error)
	SetOrderStatus(ctx context.Context, orgID string, orderID string, fromStatuses []string, toStatus string) (*domain.CustomerOrder, error)
	UpsertMarkingCodes(ctx context.Context, orgID string, orderID string, lineID string, codes []string) (*domain.CustomerOrder, error)
	CompleteOrder(ctx context.Context, orgID string, orderID string, idempotencyKey string, movements []domain.StockMovement, payments []domain.SalePayment, receipt *domain.FiscalReceipt, completedAt time.Time) (*domain.CustomerOrder, error)
	GetSalesMetrics(ctx context.Context, orgID string, storeID string, from time.Time, to time.Time) (domain.SalesMetrics, error)

	// returns / refunds
	CreateReturnDraft(ctx context.Context, orgID string, ret domain.SaleReturn) (*domain.SaleReturn, error)
	GetReturn(ctx context.Context, orgID string, returnID string) (*domain.SaleReturn, error)
	AddReturnLine(ctx context.Context, orgID string, returnID string, line domain.SaleReturnLine) (*domain.SaleReturn, error)
	GetReturnedQtyByOrder(ctx context.Context, orgID string, orderID string) (map[string]int, error)
	CompleteReturn(ctx context.Context, orgID string, returnID string, idempotencyKey string, movements []domain.StockMovement, payments []domain.SalePayment, completedAt time.Time) (*domain.SaleReturn, error)
	CancelReturnWithRefundRequest(ctx context.Context, orgID string, returnID string, request domain.RefundRequest) (*domain.RefundRequest, error)
	GetRefundRequest(ctx context.Context, orgID string, requestID string) (*domain.RefundRequest, error)
	GetRefundRequestByReturn(ctx context.Context, orgID string, returnID string) (*domain.RefundRequest, error)

	// payments
	ListPaymentsByOrder(ctx context.Context, orgID string, orderID string) ([]domain.SalePayment, error)
	ListPaymentsByReturn(ctx context.Context, orgID string, returnID string) ([]domain.SalePayment, error)
	ListPaymentsByShift(ctx context.Context, orgID string, shiftID string) ([]domain.SalePayment, error)

	// fiscal receipt queue
	PullFiscalReceipts(ctx context.Context, orgID string, limit int) ([]domain.FiscalReceipt, error)
	AckFiscalReceipt(ctx context.Context, orgID string, receiptID string, status string, providerReceiptID string, fiscalNumber string, ackedAt time.Time) (*domain.FiscalReceipt, error)

	// audit / users
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, orgID string, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
