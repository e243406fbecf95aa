package service

import (
	"errors"
	"testing"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
)

func TestAdjustStockMovesSnapshot(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx(domain.RoleManager)

	resp, err := svc.AdjustStock(ctx, domain.StockAdjustRequest{
		StoreID:        "store-centre",
		ProductID:      "p-cola",
		QtyDelta:       -5,
		Reason:         "breakage",
		IdempotencyKey: "adj-1",
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if resp.Snapshot.OnHand != 115 {
		t.Fatalf("expected on hand 115 after -5 from 120, got %d", resp.Snapshot.OnHand)
	}
	if resp.Movement.Type != domain.MovementTypeAdjustment {
		t.Fatalf("expected ADJUSTMENT movement, got %s", resp.Movement.Type)
	}
}

func TestAdjustStockReplaySameKey(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx(domain.RoleManager)

	first, err := svc.AdjustStock(ctx, domain.StockAdjustRequest{
		StoreID:        "store-centre",
		ProductID:      "p-cola",
		QtyDelta:       -10,
		IdempotencyKey: "adj-replay",
	})
	if err != nil {
		t.Fatalf("first adjust failed: %v", err)
	}

	second, err := svc.AdjustStock(ctx, domain.StockAdjustRequest{
		StoreID:        "store-centre",
		ProductID:      "p-cola",
		QtyDelta:       -10,
		IdempotencyKey: "adj-replay",
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if second.Movement.ID != first.Movement.ID {
		t.Fatalf("replay produced a new movement: %s vs %s", second.Movement.ID, first.Movement.ID)
	}
	if second.Snapshot.OnHand != 110 {
		t.Fatalf("replay must not re-apply the delta, on hand = %d", second.Snapshot.OnHand)
	}
}

func TestNegativeStockPolicy(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx(domain.RoleManager)

	_, err := svc.AdjustStock(ctx, domain.StockAdjustRequest{
		StoreID:        "store-centre",
		ProductID:      "p-cola",
		QtyDelta:       -121,
		IdempotencyKey: "adj-over",
	})
	if !errors.Is(err, store.ErrOutOfStock) {
		t.Fatalf("expected out-of-stock at store-centre, got %v", err)
	}

	resp, err := svc.AdjustStock(ctx, domain.StockAdjustRequest{
		StoreID:        "store-bazaar",
		ProductID:      "p-cola",
		QtyDelta:       -95,
		IdempotencyKey: "adj-neg",
	})
	if err != nil {
		t.Fatalf("store-bazaar allows negative stock, got %v", err)
	}
	if resp.Snapshot.OnHand != -5 {
		t.Fatalf("expected on hand -5, got %d", resp.Snapshot.OnHand)
	}
}

func TestSnapshotEqualsLedgerSum(t *testing.T) {
	svc := newTestService()
	ctx := actorCtx(domain.RoleManager)

	if _, err := svc.ReceiveStock(ctx, domain.StockReceiveRequest{
		StoreID:        "store-centre",
		ProductID:      "p-cola",
		Qty:            30,
		IdempotencyKey: "rcv-1",
	}); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if _, err := svc.AdjustStock(ctx, domain.StockAdjustRequest{
		StoreID:        "store-centre",
		ProductID:      "p-cola",
		QtyDelta:       -7,
		IdempotencyKey: "adj-sum",
	}); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	snap, err := svc.GetSnapshot(ctx, "store-centre", "p-cola", "")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	movements, err := svc.ListMovements(ctx, "store-centre", "p-cola", 1000)
	if err != nil {
		t.Fatalf("list movements failed: %v", err)
	}
	var sum int
	for _, m := range movements {
		sum += m.QtyDelta
	}
	if snap.OnHand != sum {
		t.Fatalf("snapshot %d diverged from ledger sum %d", snap.OnHand, sum)
	}
}

func TestReceiveStockRejectsNonPositiveQty(t *testing.T) {
	svc := newTestService()

	_, err := svc.ReceiveStock(actorCtx(domain.RoleManager), domain.StockReceiveRequest{
		StoreID:        "store-centre",
		ProductID:      "p-cola",
		Qty:            0,
		IdempotencyKey: "rcv-zero",
	})
	if !errors.Is(err, store.ErrInvalid) {
		t.Fatalf("expected invalid for qty 0, got %v", err)
	}
}
