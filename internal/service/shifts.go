package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
)

// OpenShift opens a register shift with a counted opening float. At most one
// shift per register can be open; a second open attempt is a conflict, while a
// replay of the same idempotency key returns the shift already opened.
func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (*domain.ShiftResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	if req.RegisterID == "" {
		return nil, fmt.Errorf("%w: register_id is required", store.ErrInvalid)
	}
	if req.OpeningCashKgs < 0 {
		return nil, fmt.Errorf("%w: opening cash cannot be negative", store.ErrInvalid)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency_key is required", store.ErrInvalid)
	}

	shift, err := s.repo.OpenShift(ctx, actor.OrganizationID, domain.RegisterShift{
		RegisterID:     req.RegisterID,
		OpeningCashKgs: req.OpeningCashKgs,
		OpenedBy:       actor.Username,
		OpenedAt:       time.Now().UTC(),
	}, strings.TrimSpace(req.IdempotencyKey))
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.OrganizationID, shift.StoreID, "shift_open", "shift", shift.ID, fmt.Sprintf("register=%s,opening_cash=%d", req.RegisterID, req.OpeningCashKgs))
	return &domain.ShiftResponse{Shift: *shift}, nil
}

// CurrentShift returns the register's open shift, or not-found when the
// register is closed.
func (s *Service) CurrentShift(ctx context.Context, registerID string) (*domain.ShiftResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	shift, err := s.repo.GetOpenShiftByRegister(ctx, actor.OrganizationID, registerID)
	if err != nil {
		return nil, err
	}
	return &domain.ShiftResponse{Shift: *shift}, nil
}

// RecordCashMovement registers a pay-in or pay-out against an open shift's
// drawer. The amount is always positive; the type carries the direction.
func (s *Service) RecordCashMovement(ctx context.Context, req domain.CashRecordRequest) (*domain.CashDrawerMovement, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	if req.ShiftID == "" || req.AmountKgs < 1 {
		return nil, fmt.Errorf("%w: shift_id and a positive amount are required", store.ErrInvalid)
	}
	if req.Type != domain.CashMovePayIn && req.Type != domain.CashMovePayOut {
		return nil, fmt.Errorf("%w: type must be %s or %s", store.ErrInvalid, domain.CashMovePayIn, domain.CashMovePayOut)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency_key is required", store.ErrInvalid)
	}

	movement, err := s.repo.RecordCashMovement(ctx, actor.OrganizationID, domain.CashDrawerMovement{
		ShiftID:        req.ShiftID,
		Type:           req.Type,
		AmountKgs:      req.AmountKgs,
		Reason:         strings.TrimSpace(req.Reason),
		CreatedBy:      actor.Username,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.OrganizationID, "", "cash_movement", "shift", req.ShiftID, fmt.Sprintf("type=%s,amount=%d", req.Type, req.AmountKgs))
	return movement, nil
}

// CloseShift reconciles the drawer and closes the shift. Expected cash is
// opening float plus cash sales minus cash refunds plus pay-ins minus
// pay-outs; the discrepancy is counted minus expected. Replaying a close that
// already happened with the same key is a no-op success.
func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (*domain.ShiftResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	if req.ShiftID == "" {
		return nil, fmt.Errorf("%w: shift_id is required", store.ErrInvalid)
	}
	if req.ClosingCashCountedKgs < 0 {
		return nil, fmt.Errorf("%w: counted cash cannot be negative", store.ErrInvalid)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency_key is required", store.ErrInvalid)
	}

	shift, err := s.repo.CloseShift(ctx, actor.OrganizationID, req.ShiftID, req.ClosingCashCountedKgs, actor.Username, strings.TrimSpace(req.IdempotencyKey), time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.OrganizationID, shift.StoreID, "shift_close", "shift", shift.ID, fmt.Sprintf("counted=%d,expected=%d,discrepancy=%d", shift.ClosingCashCountedKgs, shift.ExpectedCashKgs, shift.DiscrepancyKgs))
	return &domain.ShiftResponse{Shift: *shift}, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (*domain.ShiftResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}

	shift, err := s.repo.GetShift(ctx, actor.OrganizationID, shiftID)
	if err != nil {
		return nil, err
	}
	return &domain.ShiftResponse{Shift: *shift}, nil
}

// ShiftPayments lists every payment settled into a shift, captures and
// refunds alike, alongside the shift itself. Backs the drawer review after a
// close with a discrepancy.
func (s *Service) ShiftPayments(ctx context.Context, shiftID string) (*domain.ShiftPaymentsResponse, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}
	if shiftID == "" {
		return nil, fmt.Errorf("%w: shift_id is required", store.ErrInvalid)
	}

	shift, err := s.repo.GetShift(ctx, actor.OrganizationID, shiftID)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPaymentsByShift(ctx, actor.OrganizationID, shiftID)
	if err != nil {
		return nil, err
	}
	return &domain.ShiftPaymentsResponse{Shift: *shift, Payments: payments}, nil
}
