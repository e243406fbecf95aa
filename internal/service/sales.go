package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
)

// CreateSaleDraft starts a new order. A POS draft is bound to a register with
// an open shift, and at most one POS draft exists per register: concurrent
// creates for the same register converge on the same order.
func (s *Service) CreateSaleDraft(ctx context.Context, req domain.SaleDraftRequest) (*domain.OrderResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	if req.StoreID == "" {
		return nil, fmt.Errorf("%w: store_id is required", store.ErrInvalid)
	}

	order := domain.CustomerOrder{
		StoreID:      req.StoreID,
		RegisterID:   req.RegisterID,
		IsPosSale:    req.IsPosSale,
		CustomerName: strings.TrimSpace(req.CustomerName),
		CreatedBy:    actor.Username,
		CreatedAt:    time.Now().UTC(),
	}
	if req.IsPosSale {
		if req.RegisterID == "" {
			return nil, fmt.Errorf("%w: a pos sale requires a register_id", store.ErrInvalid)
		}
		shift, err := s.repo.GetOpenShiftByRegister(ctx, actor.OrganizationID, req.RegisterID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: an open shift is required", store.ErrConflict)
			}
			return nil, err
		}
		order.ShiftID = shift.ID
	}

	created, err := s.repo.CreateDraftOrder(ctx, actor.OrganizationID, order)
	if err != nil {
		return nil, err
	}
	return &domain.OrderResponse{Order: *created}, nil
}

// AddSaleLine appends one line to a draft. The unit price is the store
// override when one exists, the base price otherwise; the unit cost is
// resolved once here and stays fixed on the line.
func (s *Service) AddSaleLine(ctx context.Context, orderID string, req domain.SaleLineRequest) (*domain.OrderResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	if req.ProductID == "" || req.Qty < 1 {
		return nil, fmt.Errorf("%w: product_id and a positive qty are required", store.ErrInvalid)
	}
	variantKey := req.VariantKey
	if variantKey == "" {
		variantKey = domain.VariantKeyBase
	}

	order, err := s.repo.GetOrder(ctx, actor.OrganizationID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusDraft {
		return nil, fmt.Errorf("%w: lines can only be added to a draft", store.ErrConflict)
	}

	product, err := s.repo.GetProduct(ctx, actor.OrganizationID, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, fmt.Errorf("%w: product %s is inactive", store.ErrInvalid, product.ID)
	}

	price, err := s.effectivePrice(ctx, actor.OrganizationID, order.StoreID, product)
	if err != nil {
		return nil, err
	}
	cost, err := s.resolveUnitCost(ctx, actor.OrganizationID, product, variantKey)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.AddOrderLine(ctx, actor.OrganizationID, orderID, domain.CustomerOrderLine{
		ProductID:    product.ID,
		VariantKey:   variantKey,
		Qty:          req.Qty,
		UnitPriceKgs: price,
		UnitCostKgs:  cost,
	})
	if err != nil {
		return nil, err
	}
	return &domain.OrderResponse{Order: *updated}, nil
}

// SetMarkingCodes stores the scanned marking codes for one line of an order
// that has not reached a terminal status.
func (s *Service) SetMarkingCodes(ctx context.Context, orderID string, req domain.MarkingCodesRequest) (*domain.OrderResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}
	if req.LineID == "" {
		return nil, fmt.Errorf("%w: line_id is required", store.ErrInvalid)
	}

	codes := make([]string, 0, len(req.Codes))
	for _, code := range req.Codes {
		code = strings.TrimSpace(code)
		if code != "" {
			codes = append(codes, code)
		}
	}

	updated, err := s.repo.UpsertMarkingCodes(ctx, actor.OrganizationID, orderID, req.LineID, codes)
	if err != nil {
		return nil, err
	}
	return &domain.OrderResponse{Order: *updated}, nil
}

// ConfirmOrder is the back-office DRAFT to CONFIRMED transition.
func (s *Service) ConfirmOrder(ctx context.Context, orderID string) (*domain.OrderResponse, error) {
	return s.transitionOrder(ctx, orderID, []string{domain.OrderStatusDraft}, domain.OrderStatusConfirmed, "order_confirm")
}

// MarkOrderReady is the back-office CONFIRMED to READY transition.
func (s *Service) MarkOrderReady(ctx context.Context, orderID string) (*domain.OrderResponse, error) {
	return s.transitionOrder(ctx, orderID, []string{domain.OrderStatusConfirmed}, domain.OrderStatusReady, "order_ready")
}

// CancelOrder voids an order that has not completed. It never touches the
// stock ledger.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*domain.OrderResponse, error) {
	return s.transitionOrder(ctx, orderID,
		[]string{domain.OrderStatusDraft, domain.OrderStatusConfirmed, domain.OrderStatusReady},
		domain.OrderStatusCanceled, "order_cancel")
}

func (s *Service) transitionOrder(ctx context.Context, orderID string, from []string, to string, auditAction string) (*domain.OrderResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.SetOrderStatus(ctx, actor.OrganizationID, orderID, from, to)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.OrganizationID, updated.StoreID, auditAction, "order", updated.ID, "status="+to)
	return &domain.OrderResponse{Order: *updated}, nil
}

// CompleteSale finalizes an order in one transaction: marking gate, one SALE
// movement per line, payment rows, COMPLETED status and, for stores on a KKM
// connector, a queued fiscal receipt. A POS draft may complete directly; a
// back-office order completes from CONFIRMED or READY as well. Replays of the
// same completion return the completed order without re-posting anything.
func (s *Service) CompleteSale(ctx context.Context, orderID string, req domain.SaleCompleteRequest) (*domain.OrderResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency_key is required", store.ErrInvalid)
	}

	order, err := s.repo.GetOrder(ctx, actor.OrganizationID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderStatusCompleted {
		return &domain.OrderResponse{Order: *order}, nil
	}
	if order.Status == domain.OrderStatusCanceled {
		return nil, fmt.Errorf("%w: a canceled order cannot be completed", store.ErrConflict)
	}
	if len(order.Lines) == 0 {
		return nil, fmt.Errorf("%w: an empty order cannot be completed", store.ErrInvalid)
	}

	profile, err := s.complianceProfile(ctx, actor.OrganizationID, order.StoreID)
	if err != nil {
		return nil, err
	}
	if profile.MarkingMode == domain.MarkingModeRequiredOnSale {
		for _, line := range order.Lines {
			product, err := s.repo.GetProduct(ctx, actor.OrganizationID, line.ProductID)
			if err != nil {
				return nil, err
			}
			// exactly one code per unit
			if product.RequiresMarking && len(line.MarkingCodes) != line.Qty {
				return nil, fmt.Errorf("%w: %s needs one marking code per unit (%d captured for qty %d)", store.ErrInvalid, product.SKU, len(line.MarkingCodes), line.Qty)
			}
		}
	}

	var paid int64
	for _, p := range req.Payments {
		if p.AmountKgs < 1 {
			return nil, fmt.Errorf("%w: payment amounts must be positive", store.ErrInvalid)
		}
		switch p.Method {
		case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodTransfer:
		default:
			return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrInvalid, p.Method)
		}
		paid += p.AmountKgs
	}
	if paid != order.TotalKgs {
		return nil, fmt.Errorf("%w: payments total %d does not match order total %d", store.ErrInvalid, paid, order.TotalKgs)
	}

	shiftID := order.ShiftID
	if order.IsPosSale {
		shift, err := s.repo.GetOpenShiftByRegister(ctx, actor.OrganizationID, order.RegisterID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: an open shift is required", store.ErrConflict)
			}
			return nil, err
		}
		shiftID = shift.ID
	}

	now := time.Now().UTC()
	movements := make([]domain.StockMovement, 0, len(order.Lines))
	for _, line := range order.Lines {
		movements = append(movements, domain.StockMovement{
			StoreID:       order.StoreID,
			ProductID:     line.ProductID,
			VariantKey:    line.VariantKey,
			Type:          domain.MovementTypeSale,
			QtyDelta:      -line.Qty,
			ReferenceType: domain.ReferenceTypeOrder,
			ReferenceID:   order.ID,
			CreatedBy:     actor.Username,
			CreatedAt:     now,
		})
	}

	payments := make([]domain.SalePayment, 0, len(req.Payments))
	for _, p := range req.Payments {
		payments = append(payments, domain.SalePayment{
			Method:    p.Method,
			AmountKgs: p.AmountKgs,
			ShiftID:   shiftID,
			CreatedAt: now,
		})
	}

	var receipt *domain.FiscalReceipt
	if profile.KKMMode == domain.KKMModeConnector {
		payload, err := json.Marshal(map[string]any{
			"order_id":  order.ID,
			"store_id":  order.StoreID,
			"total_kgs": order.TotalKgs,
			"lines":     order.Lines,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal fiscal payload: %w", err)
		}
		receipt = &domain.FiscalReceipt{
			StoreID:   order.StoreID,
			Payload:   string(payload),
			CreatedAt: now,
		}
	}

	completed, err := s.repo.CompleteOrder(ctx, actor.OrganizationID, orderID, strings.TrimSpace(req.IdempotencyKey), movements, payments, receipt, now)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.OrganizationID, completed.StoreID, "sale_complete", "order", completed.ID, fmt.Sprintf("total=%d,payments=%d", completed.TotalKgs, len(req.Payments)))
	if receipt != nil {
		log.Printf("[service] queued fiscal receipt order=%s store=%s", completed.ID, completed.StoreID)
	}
	return &domain.OrderResponse{Order: *completed}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.OrderResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, actor.OrganizationID, orderID)
	if err != nil {
		return nil, err
	}
	return &domain.OrderResponse{Order: *order}, nil
}

func (s *Service) ListOrders(ctx context.Context, storeID string, status string, limit int) (*domain.OrderListResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	orders, err := s.repo.ListOrders(ctx, actor.OrganizationID, storeID, status, limit)
	if err != nil {
		return nil, err
	}
	return &domain.OrderListResponse{Orders: orders}, nil
}

// SalesMetrics aggregates completed orders in [from, to).
func (s *Service) SalesMetrics(ctx context.Context, storeID string, from time.Time, to time.Time) (*domain.SalesMetrics, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}

	metrics, err := s.repo.GetSalesMetrics(ctx, actor.OrganizationID, storeID, from, to)
	if err != nil {
		return nil, err
	}
	return &metrics, nil
}
