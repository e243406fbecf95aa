package service

import (
	"errors"
	"sync"
	"testing"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
)

func TestPosSaleRequiresOpenShift(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateSaleDraft(actorCtx(domain.RoleCashier), domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict without an open shift, got %v", err)
	}
}

func TestPosDraftSingletonPerRegister(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-draft")

	first, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("first draft failed: %v", err)
	}
	second, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("second draft failed: %v", err)
	}
	if first.Order.ID != second.Order.ID {
		t.Fatalf("expected one pos draft per register, got %s and %s", first.Order.ID, second.Order.ID)
	}
}

func TestPosDraftSingletonUnderConcurrency(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-race")

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
				StoreID:    "store-centre",
				RegisterID: "reg-centre-1",
				IsPosSale:  true,
			})
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = resp.Order.ID
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("concurrent drafts diverged: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestAddSaleLineUsesStorePriceOverride(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-bazaar-1", 0, "open-price")

	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-bazaar",
		RegisterID: "reg-bazaar-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}

	updated, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-cola", Qty: 2})
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	line := updated.Order.Lines[0]
	if line.UnitPriceKgs != 80 {
		t.Fatalf("expected bazaar override price 80, got %d", line.UnitPriceKgs)
	}
	if updated.Order.TotalKgs != 160 {
		t.Fatalf("expected total 160, got %d", updated.Order.TotalKgs)
	}
}

func TestBundleLineCostFromComponents(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-bundle")

	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}

	updated, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-breakfast", Qty: 3})
	if err != nil {
		t.Fatalf("add bundle line failed: %v", err)
	}
	line := updated.Order.Lines[0]
	// 2 x tea @40 + 1 x milk @60
	if line.UnitCostKgs != 140 {
		t.Fatalf("expected bundle unit cost 140, got %d", line.UnitCostKgs)
	}
	if line.LineCostTotalKgs != 420 {
		t.Fatalf("expected line cost total 420, got %d", line.LineCostTotalKgs)
	}
}

func TestCompleteSaleIdempotent(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-idem")

	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	if _, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-cola", Qty: 3}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	req := domain.SaleCompleteRequest{
		IdempotencyKey: "sale-idem",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 255}},
	}
	first, err := svc.CompleteSale(cashier, draft.Order.ID, req)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if first.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", first.Order.Status)
	}

	replay, err := svc.CompleteSale(cashier, draft.Order.ID, req)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.Order.ID != first.Order.ID {
		t.Fatalf("replay returned a different order")
	}

	snap, err := svc.GetSnapshot(cashier, "store-centre", "p-cola", "")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.OnHand != 117 {
		t.Fatalf("expected one decrement of 3 from 120, got %d", snap.OnHand)
	}

	movements, err := svc.ListMovements(actorCtx(domain.RoleManager), "store-centre", "p-cola", 100)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	saleCount := 0
	for _, m := range movements {
		if m.Type == domain.MovementTypeSale && m.ReferenceID == draft.Order.ID {
			saleCount++
		}
	}
	if saleCount != 1 {
		t.Fatalf("expected exactly one SALE movement for the order, got %d", saleCount)
	}
}

func TestCompleteSalePaymentTotalMustMatch(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-pay")

	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	if _, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-cola", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	_, err = svc.CompleteSale(cashier, draft.Order.ID, domain.SaleCompleteRequest{
		IdempotencyKey: "sale-short",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 80}},
	})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("expected invalid for underpayment, got %v", err)
	}
}

func TestMarkingGateOnSale(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-mark")

	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	updated, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-cig", Qty: 2})
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	req := domain.SaleCompleteRequest{
		IdempotencyKey: "sale-mark",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 380}},
	}
	_, err = svc.CompleteSale(cashier, draft.Order.ID, req)
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("expected invalid without marking codes, got %v", err)
	}

	lineID := updated.Order.Lines[0].ID
	if _, err := svc.SetMarkingCodes(cashier, draft.Order.ID, domain.MarkingCodesRequest{
		LineID: lineID,
		Codes:  []string{"0104600000000001", "0104600000000002"},
	}); err != nil {
		t.Fatalf("set codes failed: %v", err)
	}

	completed, err := svc.CompleteSale(cashier, draft.Order.ID, req)
	if err != nil {
		t.Fatalf("complete with codes failed: %v", err)
	}
	if completed.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Order.Status)
	}
}

func TestMarkingGateRejectsExtraCodes(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-extra")

	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	updated, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-cig", Qty: 2})
	if err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	// three codes scanned for two units
	if _, err := svc.SetMarkingCodes(cashier, draft.Order.ID, domain.MarkingCodesRequest{
		LineID: updated.Order.Lines[0].ID,
		Codes:  []string{"0104600000000001", "0104600000000002", "0104600000000003"},
	}); err != nil {
		t.Fatalf("set codes failed: %v", err)
	}

	_, err = svc.CompleteSale(cashier, draft.Order.ID, domain.SaleCompleteRequest{
		IdempotencyKey: "sale-extra",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 380}},
	})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("expected invalid for code count above qty, got %v", err)
	}
}

func TestMarkingNotEnforcedWhereModeIsNone(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-bazaar-1", 0, "open-nomark")

	// cigarettes sold at the bazaar store, which has no marking mode
	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-bazaar",
		RegisterID: "reg-bazaar-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	if _, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-cig", Qty: 1}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	_, err = svc.CompleteSale(cashier, draft.Order.ID, domain.SaleCompleteRequest{
		IdempotencyKey: "sale-nomark",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 190}},
	})
	if err != nil {
		t.Fatalf("expected completion without codes at store-bazaar, got %v", err)
	}
}

func TestBackOfficeOrderLifecycle(t *testing.T) {
	svc := newTestService()
	manager := actorCtx(domain.RoleManager)

	draft, err := svc.CreateSaleDraft(manager, domain.SaleDraftRequest{
		StoreID:      "store-centre",
		CustomerName: "Aigerim",
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	if _, err := svc.AddSaleLine(manager, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-milk", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	if _, err := svc.ConfirmOrder(manager, draft.Order.ID); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := svc.MarkOrderReady(manager, draft.Order.ID); err != nil {
		t.Fatalf("ready failed: %v", err)
	}

	completed, err := svc.CompleteSale(manager, draft.Order.ID, domain.SaleCompleteRequest{
		IdempotencyKey: "sale-office",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodTransfer, AmountKgs: 190}},
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", completed.Order.Status)
	}
}

func TestCancelOrderBlocksCompletionAndSkipsLedger(t *testing.T) {
	svc := newTestService()
	manager := actorCtx(domain.RoleManager)

	draft, err := svc.CreateSaleDraft(manager, domain.SaleDraftRequest{StoreID: "store-centre"})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	if _, err := svc.AddSaleLine(manager, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-cola", Qty: 2}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}
	if _, err := svc.CancelOrder(manager, draft.Order.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	_, err = svc.CompleteSale(manager, draft.Order.ID, domain.SaleCompleteRequest{
		IdempotencyKey: "sale-cancel",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 170}},
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict completing a canceled order, got %v", err)
	}

	snap, err := svc.GetSnapshot(manager, "store-centre", "p-cola", "")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.OnHand != 120 {
		t.Fatalf("cancel must not touch the ledger, on hand = %d", snap.OnHand)
	}
}

func TestOutOfStockSaleConflicts(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-oos")

	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	if _, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-milk", Qty: 41}); err != nil {
		t.Fatalf("add line failed: %v", err)
	}

	_, err = svc.CompleteSale(cashier, draft.Order.ID, domain.SaleCompleteRequest{
		IdempotencyKey: "sale-oos",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 3895}},
	})
	if !errors.Is(err, store.ErrOutOfStock) {
		t.Fatalf("expected out-of-stock for 41 of 40 milk, got %v", err)
	}

	// the failed completion must not leave partial state behind
	order, err := svc.GetOrder(cashier, draft.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.Order.Status == domain.OrderStatusCompleted {
		t.Fatalf("failed completion left the order COMPLETED")
	}
}

func TestDuplicateLineSaleChecksCombinedQty(t *testing.T) {
	svc := newTestService()
	cashier := actorCtx(domain.RoleCashier)
	openShift(t, svc, cashier, "reg-centre-1", 0, "open-dup")

	draft, err := svc.CreateSaleDraft(cashier, domain.SaleDraftRequest{
		StoreID:    "store-centre",
		RegisterID: "reg-centre-1",
		IsPosSale:  true,
	})
	if err != nil {
		t.Fatalf("draft failed: %v", err)
	}
	// two lines of the same product, each within the 60 on hand alone but
	// 62 combined
	for i := 0; i < 2; i++ {
		if _, err := svc.AddSaleLine(cashier, draft.Order.ID, domain.SaleLineRequest{ProductID: "p-tea", Qty: 31}); err != nil {
			t.Fatalf("add line %d failed: %v", i, err)
		}
	}

	req := domain.SaleCompleteRequest{
		IdempotencyKey: "sale-dup",
		Payments:       []domain.PaymentInput{{Method: domain.PaymentMethodCash, AmountKgs: 4340}},
	}
	_, err = svc.CompleteSale(cashier, draft.Order.ID, req)
	if !errors.Is(err, store.ErrOutOfStock) {
		t.Fatalf("expected out-of-stock for 62 of 60 tea, got %v", err)
	}

	snap, err := svc.GetSnapshot(cashier, "store-centre", "p-tea", "")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.OnHand != 60 {
		t.Fatalf("failed completion must not touch the ledger, on hand = %d", snap.OnHand)
	}

	movements, err := svc.ListMovements(actorCtx(domain.RoleManager), "store-centre", "p-tea", 100)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	for _, m := range movements {
		if m.ReferenceID == draft.Order.ID {
			t.Fatalf("failed completion wrote a %s movement", m.Type)
		}
	}

	// the retry must fail the same way, not replay a phantom success
	_, err = svc.CompleteSale(cashier, draft.Order.ID, req)
	if !errors.Is(err, store.ErrOutOfStock) {
		t.Fatalf("expected out-of-stock on retry, got %v", err)
	}
	order, err := svc.GetOrder(cashier, draft.Order.ID)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if order.Order.Status == domain.OrderStatusCompleted {
		t.Fatalf("failed completion left the order COMPLETED")
	}
}
