package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
	"dukan/backend/internal/xid"
)

// Store is the postgres Repository. Composite operations run in serializable
// transactions with row locks; idempotency keys are enforced by unique
// indexes, with a replay re-read when the insert collides.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- stores / products / pricing / costs ---

func (s *Store) GetStore(ctx context.Context, orgID string, storeID string) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, allow_negative_stock
		FROM stores
		WHERE id = $1 AND organization_id = $2
	`, storeID, orgID).Scan(&st.ID, &st.OrganizationID, &st.Name, &st.AllowNegativeStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListStores(ctx context.Context, orgID string) ([]domain.Store, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, allow_negative_stock
		FROM stores
		WHERE organization_id = $1
		ORDER BY id
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stores := make([]domain.Store, 0, 8)
	for rows.Next() {
		var st domain.Store
		if err := rows.Scan(&st.ID, &st.OrganizationID, &st.Name, &st.AllowNegativeStock); err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	return stores, rows.Err()
}

func (s *Store) GetComplianceProfile(ctx context.Context, orgID string, storeID string) (*domain.ComplianceProfile, error) {
	if _, err := s.GetStore(ctx, orgID, storeID); err != nil {
		return nil, err
	}

	var profile domain.ComplianceProfile
	var provider sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, marking_mode, kkm_mode, kkm_provider
		FROM compliance_profiles
		WHERE store_id = $1
	`, storeID).Scan(&profile.StoreID, &profile.MarkingMode, &profile.KKMMode, &provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.ComplianceProfile{StoreID: storeID, MarkingMode: domain.MarkingModeNone, KKMMode: domain.KKMModeNone}, nil
		}
		return nil, err
	}
	profile.KKMProvider = provider.String
	return &profile, nil
}

func (s *Store) GetProduct(ctx context.Context, orgID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, sku, name, price_kgs, requires_marking, is_bundle, active
		FROM products
		WHERE id = $1 AND organization_id = $2
	`, productID, orgID).Scan(&p.ID, &p.OrganizationID, &p.SKU, &p.Name, &p.PriceKgs, &p.RequiresMarking, &p.IsBundle, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, orgID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, sku, name, price_kgs, requires_marking, is_bundle, active
		FROM products
		WHERE organization_id = $1
		ORDER BY sku
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.SKU, &p.Name, &p.PriceKgs, &p.RequiresMarking, &p.IsBundle, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, orgID string, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceKgs < 0 {
		return nil, store.ErrInvalid
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.OrganizationID = orgID
	product.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, organization_id, sku, name, price_kgs, requires_marking, is_bundle, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, product.ID, orgID, product.SKU, product.Name, product.PriceKgs, product.RequiresMarking, product.IsBundle, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	// one snapshot per store, inheriting the store's negative stock policy
	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory_snapshots (store_id, product_id, variant_key, on_hand, on_order, allow_negative_stock)
		SELECT id, $1, $2, 0, 0, allow_negative_stock
		FROM stores
		WHERE organization_id = $3
	`, product.ID, domain.VariantKeyBase, orgID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) GetStorePrice(ctx context.Context, orgID string, storeID string, productID string) (int64, bool, error) {
	if _, err := s.GetStore(ctx, orgID, storeID); err != nil {
		return 0, false, err
	}

	var price int64
	err := s.db.QueryRowContext(ctx, `
		SELECT price_kgs FROM store_prices WHERE store_id = $1 AND product_id = $2
	`, storeID, productID).Scan(&price)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return price, true, nil
}

func (s *Store) GetProductCost(ctx context.Context, orgID string, productID string, variantKey string) (int64, error) {
	if _, err := s.GetProduct(ctx, orgID, productID); err != nil {
		return 0, err
	}
	if variantKey == "" {
		variantKey = domain.VariantKeyBase
	}

	var cost int64
	err := s.db.QueryRowContext(ctx, `
		SELECT avg_cost_kgs FROM product_costs WHERE product_id = $1 AND variant_key = $2
	`, productID, variantKey).Scan(&cost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return cost, nil
}

func (s *Store) UpsertProductCost(ctx context.Context, orgID string, cost domain.ProductCost) error {
	if _, err := s.GetProduct(ctx, orgID, cost.ProductID); err != nil {
		return err
	}
	if cost.VariantKey == "" {
		cost.VariantKey = domain.VariantKeyBase
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_costs (product_id, variant_key, avg_cost_kgs, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (product_id, variant_key) DO UPDATE SET avg_cost_kgs = EXCLUDED.avg_cost_kgs, updated_at = now()
	`, cost.ProductID, cost.VariantKey, cost.AvgCostKgs)
	return err
}

func (s *Store) ListBundleComponents(ctx context.Context, orgID string, bundleProductID string) ([]domain.BundleComponent, error) {
	if _, err := s.GetProduct(ctx, orgID, bundleProductID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT bundle_product_id, component_product_id, qty
		FROM bundle_components
		WHERE bundle_product_id = $1
		ORDER BY component_product_id
	`, bundleProductID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	components := make([]domain.BundleComponent, 0, 4)
	for rows.Next() {
		var c domain.BundleComponent
		if err := rows.Scan(&c.BundleProductID, &c.ComponentProductID, &c.Qty); err != nil {
			return nil, err
		}
		components = append(components, c)
	}
	return components, rows.Err()
}

func (s *Store) UpsertBundleComponents(ctx context.Context, orgID string, bundleProductID string, components []domain.BundleComponent) error {
	product, err := s.GetProduct(ctx, orgID, bundleProductID)
	if err != nil {
		return err
	}
	if !product.IsBundle {
		return store.ErrInvalid
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bundle_components WHERE bundle_product_id = $1`, bundleProductID); err != nil {
		return err
	}
	for _, c := range components {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bundle_components (bundle_product_id, component_product_id, qty)
			VALUES ($1,$2,$3)
		`, bundleProductID, c.ComponentProductID, c.Qty)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// --- inventory ledger ---

func (s *Store) ApplyStockMovement(ctx context.Context, orgID string, movement domain.StockMovement) (*domain.StockMovement, *domain.InventorySnapshot, error) {
	if movement.StoreID == "" || movement.ProductID == "" || movement.QtyDelta == 0 || movement.Type == "" {
		return nil, nil, store.ErrInvalid
	}
	if movement.VariantKey == "" {
		movement.VariantKey = domain.VariantKeyBase
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	movement.OrganizationID = orgID

	if _, err := s.GetStore(ctx, orgID, movement.StoreID); err != nil {
		return nil, nil, err
	}
	if _, err := s.GetProduct(ctx, orgID, movement.ProductID); err != nil {
		return nil, nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	applied, snap, err := applyMovementTx(ctx, tx, movement)
	if err != nil {
		if isUniqueViolation(err) {
			// the key already produced a movement, replay it
			_ = tx.Rollback()
			return s.findMovementByIdempotency(ctx, orgID, movement.IdempotencyKey)
		}
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return applied, snap, nil
}

// applyMovementTx inserts one ledger row and adjusts the snapshot inside the
// caller's transaction. The snapshot row is locked first so concurrent
// movements serialize per (store, product, variant).
func applyMovementTx(ctx context.Context, tx *sql.Tx, movement domain.StockMovement) (*domain.StockMovement, *domain.InventorySnapshot, error) {
	var snap domain.InventorySnapshot
	err := tx.QueryRowContext(ctx, `
		SELECT store_id, product_id, variant_key, on_hand, on_order, allow_negative_stock
		FROM inventory_snapshots
		WHERE store_id = $1 AND product_id = $2 AND variant_key = $3
		FOR UPDATE
	`, movement.StoreID, movement.ProductID, movement.VariantKey).
		Scan(&snap.StoreID, &snap.ProductID, &snap.VariantKey, &snap.OnHand, &snap.OnOrder, &snap.AllowNegativeStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}

	next := snap.OnHand + movement.QtyDelta
	if next < 0 && !snap.AllowNegativeStock {
		return nil, nil, store.ErrOutOfStock
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, organization_id, store_id, product_id, variant_key, type, qty_delta,
			reference_type, reference_id, reason, created_by, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''),$13)
	`, movement.ID, movement.OrganizationID, movement.StoreID, movement.ProductID, movement.VariantKey,
		movement.Type, movement.QtyDelta, movement.ReferenceType, movement.ReferenceID, movement.Reason,
		movement.CreatedBy, movement.IdempotencyKey, movement.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory_snapshots SET on_hand = $1
		WHERE store_id = $2 AND product_id = $3 AND variant_key = $4
	`, next, movement.StoreID, movement.ProductID, movement.VariantKey)
	if err != nil {
		return nil, nil, err
	}

	snap.OnHand = next
	applied := movement
	return &applied, &snap, nil
}

func (s *Store) findMovementByIdempotency(ctx context.Context, orgID string, key string) (*domain.StockMovement, *domain.InventorySnapshot, error) {
	if key == "" {
		return nil, nil, store.ErrConflict
	}
	var m domain.StockMovement
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, store_id, product_id, variant_key, type, qty_delta,
			reference_type, reference_id, reason, created_by, COALESCE(idempotency_key,''), created_at
		FROM stock_movements
		WHERE organization_id = $1 AND idempotency_key = $2
	`, orgID, key).Scan(&m.ID, &m.OrganizationID, &m.StoreID, &m.ProductID, &m.VariantKey, &m.Type, &m.QtyDelta,
		&m.ReferenceType, &m.ReferenceID, &m.Reason, &m.CreatedBy, &m.IdempotencyKey, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrConflict
		}
		return nil, nil, err
	}

	snap, err := s.GetSnapshot(ctx, orgID, m.StoreID, m.ProductID, m.VariantKey)
	if err != nil {
		return nil, nil, err
	}
	return &m, snap, nil
}

func (s *Store) GetSnapshot(ctx context.Context, orgID string, storeID string, productID string, variantKey string) (*domain.InventorySnapshot, error) {
	if _, err := s.GetStore(ctx, orgID, storeID); err != nil {
		return nil, err
	}
	if variantKey == "" {
		variantKey = domain.VariantKeyBase
	}

	var snap domain.InventorySnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, product_id, variant_key, on_hand, on_order, allow_negative_stock
		FROM inventory_snapshots
		WHERE store_id = $1 AND product_id = $2 AND variant_key = $3
	`, storeID, productID, variantKey).
		Scan(&snap.StoreID, &snap.ProductID, &snap.VariantKey, &snap.OnHand, &snap.OnOrder, &snap.AllowNegativeStock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, orgID string, storeID string) ([]domain.InventorySnapshot, error) {
	if _, err := s.GetStore(ctx, orgID, storeID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT store_id, product_id, variant_key, on_hand, on_order, allow_negative_stock
		FROM inventory_snapshots
		WHERE store_id = $1
		ORDER BY product_id, variant_key
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]domain.InventorySnapshot, 0, 64)
	for rows.Next() {
		var snap domain.InventorySnapshot
		if err := rows.Scan(&snap.StoreID, &snap.ProductID, &snap.VariantKey, &snap.OnHand, &snap.OnOrder, &snap.AllowNegativeStock); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

func (s *Store) ListMovementsByReference(ctx context.Context, orgID string, referenceType string, referenceID string) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, store_id, product_id, variant_key, type, qty_delta,
			reference_type, reference_id, reason, created_by, COALESCE(idempotency_key,''), created_at
		FROM stock_movements
		WHERE organization_id = $1 AND reference_type = $2 AND reference_id = $3
		ORDER BY created_at
	`, orgID, referenceType, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMovements(rows)
}

func (s *Store) ListMovements(ctx context.Context, orgID string, storeID string, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, store_id, product_id, variant_key, type, qty_delta,
			reference_type, reference_id, reason, created_by, COALESCE(idempotency_key,''), created_at
		FROM stock_movements
		WHERE organization_id = $1
			AND ($2 = '' OR store_id = $2)
			AND ($3 = '' OR product_id = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, orgID, storeID, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMovements(rows)
}

func scanMovements(rows *sql.Rows) ([]domain.StockMovement, error) {
	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.StoreID, &m.ProductID, &m.VariantKey, &m.Type, &m.QtyDelta,
			&m.ReferenceType, &m.ReferenceID, &m.Reason, &m.CreatedBy, &m.IdempotencyKey, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// --- registers / shifts / cash drawer ---

func (s *Store) GetRegister(ctx context.Context, orgID string, registerID string) (*domain.PosRegister, error) {
	var reg domain.PosRegister
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, store_id, name
		FROM pos_registers
		WHERE id = $1 AND organization_id = $2
	`, registerID, orgID).Scan(&reg.ID, &reg.OrganizationID, &reg.StoreID, &reg.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &reg, nil
}

func (s *Store) OpenShift(ctx context.Context, orgID string, shift domain.RegisterShift, idempotencyKey string) (*domain.RegisterShift, error) {
	if shift.RegisterID == "" {
		return nil, store.ErrInvalid
	}
	reg, err := s.GetRegister(ctx, orgID, shift.RegisterID)
	if err != nil {
		return nil, err
	}

	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	shift.OrganizationID = orgID
	shift.StoreID = reg.StoreID
	shift.Status = domain.ShiftStatusOpen
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// idempotency_keys has a unique (organization_id, scope, key) index
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (organization_id, scope, key, result_id, created_at)
		VALUES ($1,'shift.open',$2,$3,now())
	`, orgID, idempotencyKey, shift.ID); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.replayShift(ctx, orgID, "shift.open", idempotencyKey)
		}
		return nil, err
	}

	// register_shifts has a partial unique index on (register_id) where
	// status = 'OPEN'
	_, err = tx.ExecContext(ctx, `
		INSERT INTO register_shifts (id, organization_id, register_id, store_id, status, opening_cash_kgs,
			closing_cash_counted_kgs, expected_cash_kgs, discrepancy_kgs, opened_by, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,0,0,$7,$8)
	`, shift.ID, orgID, shift.RegisterID, shift.StoreID, shift.Status, shift.OpeningCashKgs, shift.OpenedBy, shift.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := shift
	return &saved, nil
}

func (s *Store) replayShift(ctx context.Context, orgID string, scope string, key string) (*domain.RegisterShift, error) {
	var shiftID string
	err := s.db.QueryRowContext(ctx, `
		SELECT result_id FROM idempotency_keys
		WHERE organization_id = $1 AND scope = $2 AND key = $3
	`, orgID, scope, key).Scan(&shiftID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return s.GetShift(ctx, orgID, shiftID)
}

func (s *Store) GetShift(ctx context.Context, orgID string, shiftID string) (*domain.RegisterShift, error) {
	var shift domain.RegisterShift
	var closedBy sql.NullString
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, register_id, store_id, status, opening_cash_kgs,
			closing_cash_counted_kgs, expected_cash_kgs, discrepancy_kgs, opened_by, closed_by, opened_at, closed_at
		FROM register_shifts
		WHERE id = $1 AND organization_id = $2
	`, shiftID, orgID).Scan(&shift.ID, &shift.OrganizationID, &shift.RegisterID, &shift.StoreID, &shift.Status,
		&shift.OpeningCashKgs, &shift.ClosingCashCountedKgs, &shift.ExpectedCashKgs, &shift.DiscrepancyKgs,
		&shift.OpenedBy, &closedBy, &shift.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.ClosedBy = closedBy.String
	if closedAt.Valid {
		ts := closedAt.Time
		shift.ClosedAt = &ts
	}
	return &shift, nil
}

func (s *Store) GetOpenShiftByRegister(ctx context.Context, orgID string, registerID string) (*domain.RegisterShift, error) {
	if _, err := s.GetRegister(ctx, orgID, registerID); err != nil {
		return nil, err
	}

	var shiftID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM register_shifts
		WHERE register_id = $1 AND organization_id = $2 AND status = 'OPEN'
	`, registerID, orgID).Scan(&shiftID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.GetShift(ctx, orgID, shiftID)
}

func (s *Store) RecordCashMovement(ctx context.Context, orgID string, movement domain.CashDrawerMovement) (*domain.CashDrawerMovement, error) {
	if movement.ShiftID == "" || movement.AmountKgs <= 0 {
		return nil, store.ErrInvalid
	}
	if movement.Type != domain.CashMovePayIn && movement.Type != domain.CashMovePayOut {
		return nil, store.ErrInvalid
	}
	if movement.ID == "" {
		movement.ID = xid.New("cash")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM register_shifts WHERE id = $1 AND organization_id = $2 FOR UPDATE
	`, movement.ShiftID, orgID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.ShiftStatusOpen {
		return nil, store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (organization_id, scope, key, result_id, created_at)
		VALUES ($1,'cash.record',$2,$3,now())
	`, orgID, movement.IdempotencyKey, movement.ID); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.replayCashMovement(ctx, orgID, movement.IdempotencyKey)
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cash_drawer_movements (id, shift_id, type, amount_kgs, reason, created_by, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.ShiftID, movement.Type, movement.AmountKgs, movement.Reason, movement.CreatedBy, movement.IdempotencyKey, movement.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := movement
	return &saved, nil
}

func (s *Store) replayCashMovement(ctx context.Context, orgID string, key string) (*domain.CashDrawerMovement, error) {
	var movementID string
	err := s.db.QueryRowContext(ctx, `
		SELECT result_id FROM idempotency_keys
		WHERE organization_id = $1 AND scope = 'cash.record' AND key = $2
	`, orgID, key).Scan(&movementID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	var m domain.CashDrawerMovement
	err = s.db.QueryRowContext(ctx, `
		SELECT id, shift_id, type, amount_kgs, reason, created_by, idempotency_key, created_at
		FROM cash_drawer_movements
		WHERE id = $1
	`, movementID).Scan(&m.ID, &m.ShiftID, &m.Type, &m.AmountKgs, &m.Reason, &m.CreatedBy, &m.IdempotencyKey, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) CloseShift(ctx context.Context, orgID string, shiftID string, closingCountedKgs int64, closedBy string, idempotencyKey string, closedAt time.Time) (*domain.RegisterShift, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	var openingCash int64
	err = tx.QueryRowContext(ctx, `
		SELECT status, opening_cash_kgs FROM register_shifts
		WHERE id = $1 AND organization_id = $2
		FOR UPDATE
	`, shiftID, orgID).Scan(&status, &openingCash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if status == domain.ShiftStatusClosed {
		_ = tx.Rollback()
		// an already closed shift only replays for the key that closed it
		var resultID string
		err := s.db.QueryRowContext(ctx, `
			SELECT result_id FROM idempotency_keys
			WHERE organization_id = $1 AND scope = 'shift.close' AND key = $2
		`, orgID, idempotencyKey).Scan(&resultID)
		if err == nil && resultID == shiftID {
			return s.GetShift(ctx, orgID, shiftID)
		}
		return nil, store.ErrConflict
	}

	var cashSales, cashRefunds int64
	err = tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_kgs) FILTER (WHERE NOT is_refund), 0),
			COALESCE(SUM(amount_kgs) FILTER (WHERE is_refund), 0)
		FROM sale_payments
		WHERE shift_id = $1 AND method = 'CASH'
	`, shiftID).Scan(&cashSales, &cashRefunds)
	if err != nil {
		return nil, err
	}

	var payIn, payOut int64
	err = tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_kgs) FILTER (WHERE type = 'PAY_IN'), 0),
			COALESCE(SUM(amount_kgs) FILTER (WHERE type = 'PAY_OUT'), 0)
		FROM cash_drawer_movements
		WHERE shift_id = $1
	`, shiftID).Scan(&payIn, &payOut)
	if err != nil {
		return nil, err
	}

	expected := openingCash + cashSales - cashRefunds + payIn - payOut
	discrepancy := closingCountedKgs - expected

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (organization_id, scope, key, result_id, created_at)
		VALUES ($1,'shift.close',$2,$3,now())
	`, orgID, idempotencyKey, shiftID); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.replayShift(ctx, orgID, "shift.close", idempotencyKey)
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE register_shifts
		SET status = 'CLOSED', closing_cash_counted_kgs = $1, expected_cash_kgs = $2,
			discrepancy_kgs = $3, closed_by = $4, closed_at = $5
		WHERE id = $6 AND organization_id = $7 AND status = 'OPEN'
	`, closingCountedKgs, expected, discrepancy, closedBy, closedAt, shiftID, orgID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetShift(ctx, orgID, shiftID)
}

// --- customer orders ---

func (s *Store) CreateDraftOrder(ctx context.Context, orgID string, order domain.CustomerOrder) (*domain.CustomerOrder, error) {
	if order.StoreID == "" {
		return nil, store.ErrInvalid
	}
	if _, err := s.GetStore(ctx, orgID, order.StoreID); err != nil {
		return nil, err
	}
	if order.RegisterID != "" {
		if _, err := s.GetRegister(ctx, orgID, order.RegisterID); err != nil {
			return nil, err
		}
	}

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	order.OrganizationID = orgID
	order.Status = domain.OrderStatusDraft
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	// customer_orders has a partial unique index on
	// (organization_id, register_id) where is_pos_sale and status = 'DRAFT',
	// so concurrent POS draft creates collide and converge on one row
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_orders (id, organization_id, store_id, register_id, shift_id, is_pos_sale, status,
			customer_name, subtotal_kgs, total_kgs, total_cost_kgs, kkm_status, created_by, created_at)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,$8,0,0,0,'',$9,$10)
	`, order.ID, orgID, order.StoreID, order.RegisterID, order.ShiftID, order.IsPosSale, order.Status,
		order.CustomerName, order.CreatedBy, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && order.IsPosSale && order.RegisterID != "" {
			return s.findPosDraft(ctx, orgID, order.RegisterID)
		}
		return nil, err
	}
	return s.GetOrder(ctx, orgID, order.ID)
}

func (s *Store) findPosDraft(ctx context.Context, orgID string, registerID string) (*domain.CustomerOrder, error) {
	var orderID string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM customer_orders
		WHERE organization_id = $1 AND register_id = $2 AND is_pos_sale AND status = 'DRAFT'
	`, orgID, registerID).Scan(&orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return s.GetOrder(ctx, orgID, orderID)
}

func (s *Store) GetOrder(ctx context.Context, orgID string, orderID string) (*domain.CustomerOrder, error) {
	var order domain.CustomerOrder
	var registerID, shiftID, kkmReceiptID sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, store_id, register_id, shift_id, is_pos_sale, status, customer_name,
			subtotal_kgs, total_kgs, total_cost_kgs, kkm_status, kkm_receipt_id, created_by, created_at, completed_at
		FROM customer_orders
		WHERE id = $1 AND organization_id = $2
	`, orderID, orgID).Scan(&order.ID, &order.OrganizationID, &order.StoreID, &registerID, &shiftID, &order.IsPosSale,
		&order.Status, &order.CustomerName, &order.SubtotalKgs, &order.TotalKgs, &order.TotalCostKgs,
		&order.KKMStatus, &kkmReceiptID, &order.CreatedBy, &order.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.RegisterID = registerID.String
	order.ShiftID = shiftID.String
	order.KKMReceiptID = kkmReceiptID.String
	if completedAt.Valid {
		ts := completedAt.Time
		order.CompletedAt = &ts
	}

	lines, err := s.listOrderLines(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Lines = lines
	return &order, nil
}

func (s *Store) listOrderLines(ctx context.Context, orderID string) ([]domain.CustomerOrderLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, variant_key, qty, unit_price_kgs, unit_cost_kgs,
			line_total_kgs, line_cost_total_kgs, marking_codes
		FROM customer_order_lines
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.CustomerOrderLine, 0, 8)
	for rows.Next() {
		var line domain.CustomerOrderLine
		var codes []byte
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.VariantKey, &line.Qty,
			&line.UnitPriceKgs, &line.UnitCostKgs, &line.LineTotalKgs, &line.LineCostTotalKgs, &codes); err != nil {
			return nil, err
		}
		if len(codes) > 0 {
			if err := json.Unmarshal(codes, &line.MarkingCodes); err != nil {
				return nil, err
			}
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *Store) ListOrders(ctx context.Context, orgID string, storeID string, status string, limit int) ([]domain.CustomerOrder, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM customer_orders
		WHERE organization_id = $1
			AND ($2 = '' OR store_id = $2)
			AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, orgID, storeID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.CustomerOrder, 0, len(ids))
	for _, id := range ids {
		order, err := s.GetOrder(ctx, orgID, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

func (s *Store) AddOrderLine(ctx context.Context, orgID string, orderID string, line domain.CustomerOrderLine) (*domain.CustomerOrder, error) {
	if line.ProductID == "" || line.Qty < 1 {
		return nil, store.ErrInvalid
	}
	if line.ID == "" {
		line.ID = xid.New("line")
	}
	if line.VariantKey == "" {
		line.VariantKey = domain.VariantKeyBase
	}
	line.LineTotalKgs = line.UnitPriceKgs * int64(line.Qty)
	line.LineCostTotalKgs = line.UnitCostKgs * int64(line.Qty)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM customer_orders WHERE id = $1 AND organization_id = $2 FOR UPDATE
	`, orderID, orgID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.OrderStatusDraft {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO customer_order_lines (id, order_id, product_id, variant_key, qty, unit_price_kgs,
			unit_cost_kgs, line_total_kgs, line_cost_total_kgs, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
	`, line.ID, orderID, line.ProductID, line.VariantKey, line.Qty, line.UnitPriceKgs, line.UnitCostKgs,
		line.LineTotalKgs, line.LineCostTotalKgs)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE customer_orders SET
			subtotal_kgs = (SELECT COALESCE(SUM(line_total_kgs),0) FROM customer_order_lines WHERE order_id = $1),
			total_kgs = (SELECT COALESCE(SUM(line_total_kgs),0) FROM customer_order_lines WHERE order_id = $1),
			total_cost_kgs = (SELECT COALESCE(SUM(line_cost_total_kgs),0) FROM customer_order_lines WHERE order_id = $1)
		WHERE id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orgID, orderID)
}

func (s *Store) SetOrderStatus(ctx context.Context, orgID string, orderID string, fromStatuses []string, toStatus string) (*domain.CustomerOrder, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE customer_orders SET status = $1
		WHERE id = $2 AND organization_id = $3 AND status = ANY($4)
	`, toStatus, orderID, orgID, fromStatuses)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		order, err := s.GetOrder(ctx, orgID, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status == toStatus {
			return order, nil
		}
		return nil, store.ErrConflict
	}
	return s.GetOrder(ctx, orgID, orderID)
}

func (s *Store) UpsertMarkingCodes(ctx context.Context, orgID string, orderID string, lineID string, codes []string) (*domain.CustomerOrder, error) {
	order, err := s.GetOrder(ctx, orgID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == domain.OrderStatusCompleted || order.Status == domain.OrderStatusCanceled {
		return nil, store.ErrConflict
	}

	payload, err := json.Marshal(codes)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE customer_order_lines SET marking_codes = $1
		WHERE id = $2 AND order_id = $3
	`, payload, lineID, orderID)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetOrder(ctx, orgID, orderID)
}

func (s *Store) CompleteOrder(ctx context.Context, orgID string, orderID string, idempotencyKey string, movements []domain.StockMovement, payments []domain.SalePayment, receipt *domain.FiscalReceipt, completedAt time.Time) (*domain.CustomerOrder, error) {
	if idempotencyKey == "" {
		return nil, store.ErrInvalid
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM customer_orders
		WHERE id = $1 AND organization_id = $2
		FOR UPDATE
	`, orderID, orgID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	// existing SALE movements referencing the order mean the completion
	// already happened
	var movementCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_movements
		WHERE organization_id = $1 AND reference_type = $2 AND reference_id = $3
	`, orgID, domain.ReferenceTypeOrder, orderID).Scan(&movementCount)
	if err != nil {
		return nil, err
	}
	if movementCount > 0 || status == domain.OrderStatusCompleted {
		_ = tx.Rollback()
		return s.GetOrder(ctx, orgID, orderID)
	}
	if status == domain.OrderStatusCanceled {
		return nil, store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (organization_id, scope, key, result_id, created_at)
		VALUES ($1,'sale.complete',$2,$3,now())
	`, orgID, idempotencyKey, orderID); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			var resultID string
			lookupErr := s.db.QueryRowContext(ctx, `
				SELECT result_id FROM idempotency_keys
				WHERE organization_id = $1 AND scope = 'sale.complete' AND key = $2
			`, orgID, idempotencyKey).Scan(&resultID)
			if lookupErr != nil {
				return nil, store.ErrConflict
			}
			return s.GetOrder(ctx, orgID, resultID)
		}
		return nil, err
	}

	for _, m := range movements {
		m.OrganizationID = orgID
		if m.ID == "" {
			m.ID = xid.New("mov")
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = completedAt
		}
		if _, _, err := applyMovementTx(ctx, tx, m); err != nil {
			return nil, err
		}
	}

	for _, p := range payments {
		if p.ID == "" {
			p.ID = xid.New("pay")
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = completedAt
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_payments (id, organization_id, method, amount_kgs, is_refund, order_id, shift_id, created_at)
			VALUES ($1,$2,$3,$4,false,$5,NULLIF($6,''),$7)
		`, p.ID, orgID, p.Method, p.AmountKgs, orderID, p.ShiftID, p.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	kkmStatus := ""
	if receipt != nil {
		kkmStatus = domain.KKMStatusNotSent
		receiptID := receipt.ID
		if receiptID == "" {
			receiptID = xid.New("fr")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO fiscal_receipts (id, organization_id, store_id, order_id, status, payload, created_at)
			VALUES ($1,$2,$3,$4,'QUEUED',$5,$6)
		`, receiptID, orgID, receipt.StoreID, orderID, receipt.Payload, completedAt)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE customer_orders SET status = 'COMPLETED', completed_at = $1, kkm_status = $2
		WHERE id = $3 AND organization_id = $4
	`, completedAt, kkmStatus, orderID, orgID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orgID, orderID)
}

func (s *Store) GetSalesMetrics(ctx context.Context, orgID string, storeID string, from time.Time, to time.Time) (domain.SalesMetrics, error) {
	var metrics domain.SalesMetrics
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_kgs),0), COALESCE(SUM(total_cost_kgs),0)
		FROM customer_orders
		WHERE organization_id = $1
			AND ($2 = '' OR store_id = $2)
			AND status = 'COMPLETED'
			AND completed_at >= $3 AND completed_at < $4
	`, orgID, storeID, from, to).Scan(&metrics.CompletedOrders, &metrics.RevenueKgs, &metrics.CostKgs)
	if err != nil {
		return domain.SalesMetrics{}, err
	}
	metrics.MarginKgs = metrics.RevenueKgs - metrics.CostKgs
	return metrics, nil
}

// --- returns / refunds ---

func (s *Store) CreateReturnDraft(ctx context.Context, orgID string, ret domain.SaleReturn) (*domain.SaleReturn, error) {
	if ret.ShiftID == "" || ret.OriginalOrderID == "" {
		return nil, store.ErrInvalid
	}

	shift, err := s.GetShift(ctx, orgID, ret.ShiftID)
	if err != nil {
		return nil, err
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrConflict
	}
	original, err := s.GetOrder(ctx, orgID, ret.OriginalOrderID)
	if err != nil {
		return nil, err
	}
	if original.Status != domain.OrderStatusCompleted {
		return nil, store.ErrConflict
	}

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	ret.OrganizationID = orgID
	ret.StoreID = original.StoreID
	ret.Status = domain.ReturnStatusDraft
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sale_returns (id, organization_id, store_id, shift_id, original_order_id, status, total_kgs, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
	`, ret.ID, orgID, ret.StoreID, ret.ShiftID, ret.OriginalOrderID, ret.Status, ret.CreatedBy, ret.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s.GetReturn(ctx, orgID, ret.ID)
}

func (s *Store) GetReturn(ctx context.Context, orgID string, returnID string) (*domain.SaleReturn, error) {
	var ret domain.SaleReturn
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, store_id, shift_id, original_order_id, status, total_kgs, created_by, created_at, completed_at
		FROM sale_returns
		WHERE id = $1 AND organization_id = $2
	`, returnID, orgID).Scan(&ret.ID, &ret.OrganizationID, &ret.StoreID, &ret.ShiftID, &ret.OriginalOrderID,
		&ret.Status, &ret.TotalKgs, &ret.CreatedBy, &ret.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if completedAt.Valid {
		ts := completedAt.Time
		ret.CompletedAt = &ts
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, return_id, original_line_id, product_id, variant_key, qty, unit_price_kgs
		FROM sale_return_lines
		WHERE return_id = $1
		ORDER BY created_at, id
	`, returnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.SaleReturnLine
		if err := rows.Scan(&line.ID, &line.ReturnID, &line.OriginalLineID, &line.ProductID, &line.VariantKey, &line.Qty, &line.UnitPriceKgs); err != nil {
			return nil, err
		}
		ret.Lines = append(ret.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Store) AddReturnLine(ctx context.Context, orgID string, returnID string, line domain.SaleReturnLine) (*domain.SaleReturn, error) {
	if line.OriginalLineID == "" || line.Qty < 1 {
		return nil, store.ErrInvalid
	}
	if line.ID == "" {
		line.ID = xid.New("rline")
	}
	if line.VariantKey == "" {
		line.VariantKey = domain.VariantKeyBase
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM sale_returns WHERE id = $1 AND organization_id = $2 FOR UPDATE
	`, returnID, orgID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.ReturnStatusDraft {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sale_return_lines (id, return_id, original_line_id, product_id, variant_key, qty, unit_price_kgs, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, line.ID, returnID, line.OriginalLineID, line.ProductID, line.VariantKey, line.Qty, line.UnitPriceKgs)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sale_returns SET total_kgs =
			(SELECT COALESCE(SUM(qty * unit_price_kgs),0) FROM sale_return_lines WHERE return_id = $1)
		WHERE id = $1
	`, returnID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReturn(ctx, orgID, returnID)
}

func (s *Store) GetReturnedQtyByOrder(ctx context.Context, orgID string, orderID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.original_line_id, COALESCE(SUM(l.qty),0)
		FROM sale_return_lines l
		JOIN sale_returns r ON r.id = l.return_id
		WHERE r.organization_id = $1 AND r.original_order_id = $2 AND r.status <> 'CANCELED'
		GROUP BY l.original_line_id
	`, orgID, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var lineID string
		var qty int
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		result[lineID] = qty
	}
	return result, rows.Err()
}

func (s *Store) CompleteReturn(ctx context.Context, orgID string, returnID string, idempotencyKey string, movements []domain.StockMovement, payments []domain.SalePayment, completedAt time.Time) (*domain.SaleReturn, error) {
	if idempotencyKey == "" {
		return nil, store.ErrInvalid
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM sale_returns WHERE id = $1 AND organization_id = $2 FOR UPDATE
	`, returnID, orgID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var movementCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_movements
		WHERE organization_id = $1 AND reference_type = $2 AND reference_id = $3
	`, orgID, domain.ReferenceTypeReturn, returnID).Scan(&movementCount)
	if err != nil {
		return nil, err
	}
	if movementCount > 0 || status == domain.ReturnStatusCompleted {
		_ = tx.Rollback()
		return s.GetReturn(ctx, orgID, returnID)
	}
	if status == domain.ReturnStatusCanceled {
		return nil, store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (organization_id, scope, key, result_id, created_at)
		VALUES ($1,'return.complete',$2,$3,now())
	`, orgID, idempotencyKey, returnID); err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			var resultID string
			lookupErr := s.db.QueryRowContext(ctx, `
				SELECT result_id FROM idempotency_keys
				WHERE organization_id = $1 AND scope = 'return.complete' AND key = $2
			`, orgID, idempotencyKey).Scan(&resultID)
			if lookupErr != nil {
				return nil, store.ErrConflict
			}
			return s.GetReturn(ctx, orgID, resultID)
		}
		return nil, err
	}

	for _, m := range movements {
		m.OrganizationID = orgID
		if m.ID == "" {
			m.ID = xid.New("mov")
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = completedAt
		}
		if _, _, err := applyMovementTx(ctx, tx, m); err != nil {
			return nil, err
		}
	}

	for _, p := range payments {
		if p.ID == "" {
			p.ID = xid.New("pay")
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = completedAt
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_payments (id, organization_id, method, amount_kgs, is_refund, return_id, shift_id, created_at)
			VALUES ($1,$2,$3,$4,true,$5,NULLIF($6,''),$7)
		`, p.ID, orgID, p.Method, p.AmountKgs, returnID, p.ShiftID, p.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sale_returns SET status = 'COMPLETED', completed_at = $1
		WHERE id = $2 AND organization_id = $3
	`, completedAt, returnID, orgID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReturn(ctx, orgID, returnID)
}

func (s *Store) CancelReturnWithRefundRequest(ctx context.Context, orgID string, returnID string, request domain.RefundRequest) (*domain.RefundRequest, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status, originalOrderID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, original_order_id FROM sale_returns
		WHERE id = $1 AND organization_id = $2
		FOR UPDATE
	`, returnID, orgID).Scan(&status, &originalOrderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status != domain.ReturnStatusDraft {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sale_returns SET status = 'CANCELED' WHERE id = $1 AND organization_id = $2
	`, returnID, orgID)
	if err != nil {
		return nil, err
	}

	if request.ID == "" {
		request.ID = xid.New("rreq")
	}
	request.OrganizationID = orgID
	request.ReturnID = returnID
	request.OrderID = originalOrderID
	request.Status = domain.RefundRequestStatusOpen
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refund_requests (id, organization_id, return_id, order_id, status, reason_code, amount_kgs, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, request.ID, orgID, returnID, originalOrderID, request.Status, request.ReasonCode, request.AmountKgs, request.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	saved := request
	return &saved, nil
}

func (s *Store) GetRefundRequest(ctx context.Context, orgID string, requestID string) (*domain.RefundRequest, error) {
	return s.getRefundRequest(ctx, `id = $2 AND organization_id = $1`, orgID, requestID)
}

func (s *Store) GetRefundRequestByReturn(ctx context.Context, orgID string, returnID string) (*domain.RefundRequest, error) {
	return s.getRefundRequest(ctx, `return_id = $2 AND organization_id = $1`, orgID, returnID)
}

func (s *Store) getRefundRequest(ctx context.Context, where string, args ...any) (*domain.RefundRequest, error) {
	var req domain.RefundRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, return_id, order_id, status, reason_code, amount_kgs, created_at
		FROM refund_requests
		WHERE `+where, args...).
		Scan(&req.ID, &req.OrganizationID, &req.ReturnID, &req.OrderID, &req.Status, &req.ReasonCode, &req.AmountKgs, &req.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// --- payments ---

func (s *Store) ListPaymentsByOrder(ctx context.Context, orgID string, orderID string) ([]domain.SalePayment, error) {
	return s.listPayments(ctx, `organization_id = $1 AND order_id = $2`, orgID, orderID)
}

func (s *Store) ListPaymentsByReturn(ctx context.Context, orgID string, returnID string) ([]domain.SalePayment, error) {
	return s.listPayments(ctx, `organization_id = $1 AND return_id = $2`, orgID, returnID)
}

func (s *Store) ListPaymentsByShift(ctx context.Context, orgID string, shiftID string) ([]domain.SalePayment, error) {
	return s.listPayments(ctx, `organization_id = $1 AND shift_id = $2`, orgID, shiftID)
}

func (s *Store) listPayments(ctx context.Context, where string, args ...any) ([]domain.SalePayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, method, amount_kgs, is_refund,
			COALESCE(order_id,''), COALESCE(return_id,''), COALESCE(shift_id,''), created_at
		FROM sale_payments
		WHERE `+where+`
		ORDER BY created_at
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.SalePayment, 0, 8)
	for rows.Next() {
		var p domain.SalePayment
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Method, &p.AmountKgs, &p.IsRefund,
			&p.OrderID, &p.ReturnID, &p.ShiftID, &p.CreatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// --- fiscal receipt queue ---

func (s *Store) PullFiscalReceipts(ctx context.Context, orgID string, limit int) ([]domain.FiscalReceipt, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, store_id, order_id, status, payload,
			COALESCE(provider_receipt_id,''), COALESCE(fiscal_number,''), created_at, acked_at
		FROM fiscal_receipts
		WHERE organization_id = $1 AND status = 'QUEUED'
		ORDER BY created_at
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := make([]domain.FiscalReceipt, 0, limit)
	for rows.Next() {
		var r domain.FiscalReceipt
		var ackedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.StoreID, &r.OrderID, &r.Status, &r.Payload,
			&r.ProviderReceiptID, &r.FiscalNumber, &r.CreatedAt, &ackedAt); err != nil {
			return nil, err
		}
		if ackedAt.Valid {
			ts := ackedAt.Time
			r.AckedAt = &ts
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *Store) AckFiscalReceipt(ctx context.Context, orgID string, receiptID string, status string, providerReceiptID string, fiscalNumber string, ackedAt time.Time) (*domain.FiscalReceipt, error) {
	if status != domain.FiscalStatusSent && status != domain.FiscalStatusFailed {
		return nil, store.ErrInvalid
	}
	if ackedAt.IsZero() {
		ackedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current string
	var orderID string
	err = tx.QueryRowContext(ctx, `
		SELECT status, order_id FROM fiscal_receipts
		WHERE id = $1 AND organization_id = $2
		FOR UPDATE
	`, receiptID, orgID).Scan(&current, &orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if current == status {
		_ = tx.Rollback()
		return s.getFiscalReceipt(ctx, orgID, receiptID)
	}
	if current != domain.FiscalStatusQueued {
		return nil, store.ErrConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE fiscal_receipts SET status = $1, provider_receipt_id = NULLIF($2,''), fiscal_number = NULLIF($3,''), acked_at = $4
		WHERE id = $5 AND organization_id = $6
	`, status, providerReceiptID, fiscalNumber, ackedAt, receiptID, orgID)
	if err != nil {
		return nil, err
	}

	kkmStatus := domain.KKMStatusFailed
	kkmReceiptID := ""
	if status == domain.FiscalStatusSent {
		kkmStatus = domain.KKMStatusSent
		kkmReceiptID = providerReceiptID
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE customer_orders SET kkm_status = $1, kkm_receipt_id = NULLIF($2,'')
		WHERE id = $3 AND organization_id = $4
	`, kkmStatus, kkmReceiptID, orderID, orgID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.getFiscalReceipt(ctx, orgID, receiptID)
}

func (s *Store) getFiscalReceipt(ctx context.Context, orgID string, receiptID string) (*domain.FiscalReceipt, error) {
	var r domain.FiscalReceipt
	var ackedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, store_id, order_id, status, payload,
			COALESCE(provider_receipt_id,''), COALESCE(fiscal_number,''), created_at, acked_at
		FROM fiscal_receipts
		WHERE id = $1 AND organization_id = $2
	`, receiptID, orgID).Scan(&r.ID, &r.OrganizationID, &r.StoreID, &r.OrderID, &r.Status, &r.Payload,
		&r.ProviderReceiptID, &r.FiscalNumber, &r.CreatedAt, &ackedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if ackedAt.Valid {
		ts := ackedAt.Time
		r.AckedAt = &ts
	}
	return &r, nil
}

// --- audit / users ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, organization_id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.OrganizationID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, orgID string, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE organization_id = $1
			AND ($2 = '' OR store_id = $2)
			AND created_at >= $3 AND created_at < $4
		ORDER BY created_at DESC
		LIMIT $5
	`, orgID, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.OrganizationID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole,
			&entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return store.ErrInvalid
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, organization_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.OrganizationID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, organization_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.OrganizationID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $1 WHERE username = $2
	`, password, username)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
