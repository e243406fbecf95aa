package service

import (
	"context"
	"fmt"
	"time"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
)

// PullFiscalReceipts hands queued receipts to the KKM connector. The
// connector authenticates with a pairing token at the HTTP boundary, so these
// calls carry the organization id directly instead of an actor.
func (s *Service) PullFiscalReceipts(ctx context.Context, orgID string, limit int) (*domain.FiscalPullResponse, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization is required", store.ErrInvalid)
	}

	receipts, err := s.repo.PullFiscalReceipts(ctx, orgID, limit)
	if err != nil {
		return nil, err
	}
	return &domain.FiscalPullResponse{Receipts: receipts}, nil
}

// AckFiscalReceipt records the connector's result for one receipt. The first
// ack moves the receipt out of the queue and stamps the order's fiscal state
// exactly once; repeating the same result is a no-op, a different result for
// an already-acked receipt is a conflict.
func (s *Service) AckFiscalReceipt(ctx context.Context, orgID string, req domain.FiscalPushRequest) (*domain.FiscalReceipt, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization is required", store.ErrInvalid)
	}
	if req.ReceiptID == "" {
		return nil, fmt.Errorf("%w: receipt_id is required", store.ErrInvalid)
	}
	if req.Status != domain.FiscalStatusSent && req.Status != domain.FiscalStatusFailed {
		return nil, fmt.Errorf("%w: status must be %s or %s", store.ErrInvalid, domain.FiscalStatusSent, domain.FiscalStatusFailed)
	}
	if req.Status == domain.FiscalStatusSent && req.ProviderReceiptID == "" {
		return nil, fmt.Errorf("%w: a sent receipt needs a provider_receipt_id", store.ErrInvalid)
	}

	receipt, err := s.repo.AckFiscalReceipt(ctx, orgID, req.ReceiptID, req.Status, req.ProviderReceiptID, req.FiscalNumber, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, orgID, receipt.StoreID, "fiscal_ack", "fiscal_receipt", receipt.ID, fmt.Sprintf("status=%s,order=%s", receipt.Status, receipt.OrderID))
	return receipt, nil
}
