package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
)

// AdjustStock writes one signed ledger movement and returns it with the
// resulting snapshot. Negative results are rejected unless the store allows
// negative stock. Replays of the same idempotency key return the original
// movement without touching the ledger.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustRequest) (*domain.StockMovementResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}

	if req.StoreID == "" || req.ProductID == "" || req.QtyDelta == 0 {
		return nil, fmt.Errorf("%w: store_id, product_id and a non-zero qty_delta are required", store.ErrInvalid)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency_key is required", store.ErrInvalid)
	}

	movement, snapshot, err := s.repo.ApplyStockMovement(ctx, actor.OrganizationID, domain.StockMovement{
		StoreID:        req.StoreID,
		ProductID:      req.ProductID,
		VariantKey:     req.VariantKey,
		Type:           domain.MovementTypeAdjustment,
		QtyDelta:       req.QtyDelta,
		ReferenceType:  domain.ReferenceTypeManual,
		Reason:         strings.TrimSpace(req.Reason),
		CreatedBy:      actor.Username,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.OrganizationID, req.StoreID, "stock_adjust", "stock_movement", movement.ID, fmt.Sprintf("product=%s,delta=%d", req.ProductID, req.QtyDelta))
	return &domain.StockMovementResponse{Movement: *movement, Snapshot: *snapshot}, nil
}

// ReceiveStock is the positive goods-in path.
func (s *Service) ReceiveStock(ctx context.Context, req domain.StockReceiveRequest) (*domain.StockMovementResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}

	if req.StoreID == "" || req.ProductID == "" || req.Qty < 1 {
		return nil, fmt.Errorf("%w: store_id, product_id and a positive qty are required", store.ErrInvalid)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency_key is required", store.ErrInvalid)
	}

	movement, snapshot, err := s.repo.ApplyStockMovement(ctx, actor.OrganizationID, domain.StockMovement{
		StoreID:        req.StoreID,
		ProductID:      req.ProductID,
		VariantKey:     req.VariantKey,
		Type:           domain.MovementTypeReceipt,
		QtyDelta:       req.Qty,
		ReferenceType:  domain.ReferenceTypeManual,
		Reason:         strings.TrimSpace(req.Reason),
		CreatedBy:      actor.Username,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.OrganizationID, req.StoreID, "stock_receive", "stock_movement", movement.ID, fmt.Sprintf("product=%s,qty=%d", req.ProductID, req.Qty))
	return &domain.StockMovementResponse{Movement: *movement, Snapshot: *snapshot}, nil
}

func (s *Service) ListSnapshots(ctx context.Context, storeID string) ([]domain.InventorySnapshot, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSnapshots(ctx, actor.OrganizationID, storeID)
}

func (s *Service) GetSnapshot(ctx context.Context, storeID string, productID string, variantKey string) (*domain.InventorySnapshot, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}
	return s.repo.GetSnapshot(ctx, actor.OrganizationID, storeID, productID, variantKey)
}

func (s *Service) ListMovements(ctx context.Context, storeID string, productID string, limit int) ([]domain.StockMovement, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	return s.repo.ListMovements(ctx, actor.OrganizationID, storeID, productID, limit)
}
