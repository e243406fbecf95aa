package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
)

// CreateReturnDraft starts a return against a completed sale. Returns are a
// manager operation and require an open shift to settle the refund into.
func (s *Service) CreateReturnDraft(ctx context.Context, req domain.ReturnDraftRequest) (*domain.SaleReturn, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}

	if req.ShiftID == "" || req.OriginalOrderID == "" {
		return nil, fmt.Errorf("%w: shift_id and original_order_id are required", store.ErrInvalid)
	}

	ret, err := s.repo.CreateReturnDraft(ctx, actor.OrganizationID, domain.SaleReturn{
		ShiftID:         req.ShiftID,
		OriginalOrderID: req.OriginalOrderID,
		CreatedBy:       actor.Username,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// AddReturnLine adds one line of the original sale to the return draft. The
// returnable quantity is the original line quantity minus everything already
// returned across non-canceled returns minus what this draft already holds.
func (s *Service) AddReturnLine(ctx context.Context, returnID string, req domain.ReturnLineRequest) (*domain.SaleReturn, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}

	if req.OriginalLineID == "" || req.Qty < 1 {
		return nil, fmt.Errorf("%w: original_line_id and a positive qty are required", store.ErrInvalid)
	}

	ret, err := s.repo.GetReturn(ctx, actor.OrganizationID, returnID)
	if err != nil {
		return nil, err
	}
	if ret.Status != domain.ReturnStatusDraft {
		return nil, fmt.Errorf("%w: lines can only be added to a draft return", store.ErrConflict)
	}

	original, err := s.repo.GetOrder(ctx, actor.OrganizationID, ret.OriginalOrderID)
	if err != nil {
		return nil, err
	}

	var originalLine *domain.CustomerOrderLine
	for i := range original.Lines {
		if original.Lines[i].ID == req.OriginalLineID {
			originalLine = &original.Lines[i]
			break
		}
	}
	if originalLine == nil {
		return nil, fmt.Errorf("%w: line %s is not part of order %s", store.ErrNotFound, req.OriginalLineID, original.ID)
	}

	returned, err := s.repo.GetReturnedQtyByOrder(ctx, actor.OrganizationID, original.ID)
	if err != nil {
		return nil, err
	}
	remaining := originalLine.Qty - returned[req.OriginalLineID]
	for _, line := range ret.Lines {
		if line.OriginalLineID == req.OriginalLineID {
			remaining -= line.Qty
		}
	}
	if req.Qty > remaining {
		return nil, fmt.Errorf("%w: only %d of line %s can still be returned", store.ErrConflict, remaining, req.OriginalLineID)
	}

	updated, err := s.repo.AddReturnLine(ctx, actor.OrganizationID, returnID, domain.SaleReturnLine{
		OriginalLineID: req.OriginalLineID,
		ProductID:      originalLine.ProductID,
		VariantKey:     originalLine.VariantKey,
		Qty:            req.Qty,
		UnitPriceKgs:   originalLine.UnitPriceKgs,
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CompleteReturn settles a return draft according to the refund policy of the
// payment method:
//
//   - CASH refunds always settle immediately: RETURN movements restore the
//     stock and refund payment rows are written against the return's shift.
//   - CARD refunds settle only inside the shift that captured the original
//     payment. Outside that shift the completion is a conflict and the caller
//     must route the refund manually.
//   - TRANSFER cannot be refunded programmatically at all: the draft is
//     canceled, a manual refund request is opened and the response carries
//     manual_required with zero movements and zero payments.
func (s *Service) CompleteReturn(ctx context.Context, returnID string, req domain.ReturnCompleteRequest) (*domain.ReturnCompleteResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency_key is required", store.ErrInvalid)
	}
	if len(req.Payments) == 0 {
		return nil, fmt.Errorf("%w: at least one refund payment is required", store.ErrInvalid)
	}

	ret, err := s.repo.GetReturn(ctx, actor.OrganizationID, returnID)
	if err != nil {
		return nil, err
	}
	switch ret.Status {
	case domain.ReturnStatusCompleted:
		refunds, err := s.repo.ListPaymentsByReturn(ctx, actor.OrganizationID, returnID)
		if err != nil {
			return nil, err
		}
		return &domain.ReturnCompleteResponse{Return: *ret, RefundPayments: refunds}, nil
	case domain.ReturnStatusCanceled:
		// a canceled return with an open refund request is the replayed
		// manual-fallback outcome
		if request, err := s.repo.GetRefundRequestByReturn(ctx, actor.OrganizationID, returnID); err == nil {
			return &domain.ReturnCompleteResponse{Return: *ret, ManualRequired: true, RefundRequestID: request.ID}, nil
		}
		return nil, fmt.Errorf("%w: return %s is canceled", store.ErrConflict, returnID)
	}
	if len(ret.Lines) == 0 {
		return nil, fmt.Errorf("%w: an empty return cannot be completed", store.ErrInvalid)
	}

	var refunded int64
	hasTransfer := false
	hasCard := false
	for _, p := range req.Payments {
		if p.AmountKgs < 1 {
			return nil, fmt.Errorf("%w: refund amounts must be positive", store.ErrInvalid)
		}
		switch p.Method {
		case domain.PaymentMethodCash:
		case domain.PaymentMethodCard:
			hasCard = true
		case domain.PaymentMethodTransfer:
			hasTransfer = true
		default:
			return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrInvalid, p.Method)
		}
		refunded += p.AmountKgs
	}
	if refunded != ret.TotalKgs {
		return nil, fmt.Errorf("%w: refund total %d does not match return total %d", store.ErrInvalid, refunded, ret.TotalKgs)
	}

	if hasTransfer {
		request, err := s.repo.CancelReturnWithRefundRequest(ctx, actor.OrganizationID, returnID, domain.RefundRequest{
			ReasonCode: domain.ReasonCodeManualTransferRefund,
			AmountKgs:  ret.TotalKgs,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		canceled, err := s.repo.GetReturn(ctx, actor.OrganizationID, returnID)
		if err != nil {
			return nil, err
		}
		s.logAudit(ctx, actor.OrganizationID, ret.StoreID, "return_manual_fallback", "sale_return", returnID, "reason="+request.ReasonCode)
		return &domain.ReturnCompleteResponse{Return: *canceled, ManualRequired: true, RefundRequestID: request.ID}, nil
	}

	shift, err := s.repo.GetShift(ctx, actor.OrganizationID, ret.ShiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, fmt.Errorf("%w: the return's shift is closed", store.ErrConflict)
	}

	if hasCard {
		if err := s.checkCardRefundShift(ctx, actor.OrganizationID, ret); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	movements := make([]domain.StockMovement, 0, len(ret.Lines))
	for _, line := range ret.Lines {
		movements = append(movements, domain.StockMovement{
			StoreID:       ret.StoreID,
			ProductID:     line.ProductID,
			VariantKey:    line.VariantKey,
			Type:          domain.MovementTypeReturn,
			QtyDelta:      line.Qty,
			ReferenceType: domain.ReferenceTypeReturn,
			ReferenceID:   ret.ID,
			CreatedBy:     actor.Username,
			CreatedAt:     now,
		})
	}
	payments := make([]domain.SalePayment, 0, len(req.Payments))
	for _, p := range req.Payments {
		payments = append(payments, domain.SalePayment{
			Method:    p.Method,
			AmountKgs: p.AmountKgs,
			IsRefund:  true,
			ShiftID:   ret.ShiftID,
			CreatedAt: now,
		})
	}

	completed, err := s.repo.CompleteReturn(ctx, actor.OrganizationID, returnID, strings.TrimSpace(req.IdempotencyKey), movements, payments, now)
	if err != nil {
		return nil, err
	}
	refunds, err := s.repo.ListPaymentsByReturn(ctx, actor.OrganizationID, completed.ID)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.OrganizationID, completed.StoreID, "return_complete", "sale_return", completed.ID, fmt.Sprintf("total=%d,order=%s", completed.TotalKgs, completed.OriginalOrderID))
	return &domain.ReturnCompleteResponse{Return: *completed, RefundPayments: refunds}, nil
}

// checkCardRefundShift enforces that a card refund happens in the shift that
// captured the original card payment. Acquirers void same-batch only; a later
// shift cannot reverse the capture.
func (s *Service) checkCardRefundShift(ctx context.Context, orgID string, ret *domain.SaleReturn) error {
	originalPayments, err := s.repo.ListPaymentsByOrder(ctx, orgID, ret.OriginalOrderID)
	if err != nil {
		return err
	}
	for _, p := range originalPayments {
		if p.IsRefund || p.Method != domain.PaymentMethodCard {
			continue
		}
		if p.ShiftID != ret.ShiftID {
			return fmt.Errorf("%w: %s", store.ErrConflict, domain.ConflictCodeCardRefundShiftMismatch)
		}
		return nil
	}
	return fmt.Errorf("%w: the original sale has no card payment", store.ErrConflict)
}

func (s *Service) GetReturn(ctx context.Context, returnID string) (*domain.SaleReturn, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	return s.repo.GetReturn(ctx, actor.OrganizationID, returnID)
}

func (s *Service) GetRefundRequest(ctx context.Context, requestID string) (*domain.RefundRequest, error) {
	actor, err := s.requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}

	return s.repo.GetRefundRequest(ctx, actor.OrganizationID, requestID)
}
