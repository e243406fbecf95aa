package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"dukan/backend/internal/domain"
)

func TestStockMovementIdempotencyAgainstPostgres(t *testing.T) {
	databaseURL := os.Getenv("DUKAN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DUKAN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	orgID := fmt.Sprintf("org-it-%d", stamp)
	storeID := fmt.Sprintf("store-it-%d", stamp)
	productID := fmt.Sprintf("p-it-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE organization_id = $1`, orgID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_snapshots WHERE store_id = $1`, storeID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stores WHERE id = $1`, storeID)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (id, organization_id, name, allow_negative_stock)
		VALUES ($1, $2, 'Integration Store', false)
	`, storeID, orgID); err != nil {
		t.Fatalf("insert store: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, organization_id, sku, name, price_kgs, requires_marking, is_bundle, active, created_at)
		VALUES ($1, $2, $3, 'Integration Product', 100, false, false, true, now())
	`, productID, orgID, fmt.Sprintf("SKU-IT-%d", stamp)); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_snapshots (store_id, product_id, variant_key, on_hand, on_order, allow_negative_stock)
		VALUES ($1, $2, $3, 10, 0, false)
	`, storeID, productID, domain.VariantKeyBase); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	movement := domain.StockMovement{
		StoreID:        storeID,
		ProductID:      productID,
		VariantKey:     domain.VariantKeyBase,
		Type:           domain.MovementTypeAdjustment,
		QtyDelta:       -3,
		Reason:         "integration test adjustment",
		CreatedBy:      "integration",
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	first, snap, err := s.ApplyStockMovement(ctx, orgID, movement)
	if err != nil {
		t.Fatalf("apply movement: %v", err)
	}
	if snap.OnHand != 7 {
		t.Fatalf("expected on hand 7, got %d", snap.OnHand)
	}

	// replaying the same key must not move the snapshot again
	replay, snap2, err := s.ApplyStockMovement(ctx, orgID, movement)
	if err != nil {
		t.Fatalf("replay movement: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay created a new movement: %s vs %s", replay.ID, first.ID)
	}
	if snap2.OnHand != 7 {
		t.Fatalf("replay moved the snapshot to %d", snap2.OnHand)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM stock_movements
		WHERE organization_id = $1 AND idempotency_key = $2
	`, orgID, idempotencyKey).Scan(&count); err != nil {
		t.Fatalf("count movements: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one ledger row, got %d", count)
	}
}
