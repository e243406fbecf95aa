package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
	"dukan/backend/internal/xid"
)

// idempotency scopes for the generic key table
const (
	scopeShiftOpen      = "shift.open"
	scopeShiftClose     = "shift.close"
	scopeCashRecord     = "cash.record"
	scopeSaleComplete   = "sale.complete"
	scopeReturnComplete = "return.complete"
)

type Store struct {
	mu                   sync.RWMutex
	stores               map[string]domain.Store
	profiles             map[string]domain.ComplianceProfile
	products             map[string]domain.Product
	bundleComponents     map[string][]domain.BundleComponent
	storePrices          map[string]map[string]int64
	productCosts         map[string]int64
	snapshots            map[string]*domain.InventorySnapshot
	movements            []domain.StockMovement
	movementsByIdem      map[string]string
	registers            map[string]domain.PosRegister
	shifts               map[string]*domain.RegisterShift
	openShiftByRegister  map[string]string
	cashMovements        map[string][]domain.CashDrawerMovement
	orders               map[string]*domain.CustomerOrder
	draftOrderByRegister map[string]string
	payments             []domain.SalePayment
	returns              map[string]*domain.SaleReturn
	refundRequests       map[string]*domain.RefundRequest
	fiscalReceipts       map[string]*domain.FiscalReceipt
	idemKeys             map[string]string
	auditLogs            []domain.AuditLog
	usersByUsername      map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		stores:               make(map[string]domain.Store),
		profiles:             make(map[string]domain.ComplianceProfile),
		products:             make(map[string]domain.Product),
		bundleComponents:     make(map[string][]domain.BundleComponent),
		storePrices:          make(map[string]map[string]int64),
		productCosts:         make(map[string]int64),
		snapshots:            make(map[string]*domain.InventorySnapshot),
		movements:            make([]domain.StockMovement, 0, 256),
		movementsByIdem:      make(map[string]string),
		registers:            make(map[string]domain.PosRegister),
		shifts:               make(map[string]*domain.RegisterShift),
		openShiftByRegister:  make(map[string]string),
		cashMovements:        make(map[string][]domain.CashDrawerMovement),
		orders:               make(map[string]*domain.CustomerOrder),
		draftOrderByRegister: make(map[string]string),
		payments:             make([]domain.SalePayment, 0, 128),
		returns:              make(map[string]*domain.SaleReturn),
		refundRequests:       make(map[string]*domain.RefundRequest),
		fiscalReceipts:       make(map[string]*domain.FiscalReceipt),
		idemKeys:             make(map[string]string),
		auditLogs:            make([]domain.AuditLog, 0, 128),
		usersByUsername:      make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD environment variables; hardcoded dev defaults are used
// otherwise (never in production, where DATABASE_URL selects postgres).
func seedUsers(orgID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_*_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", managerPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:       u.username,
			Password:       string(hash),
			Role:           u.role,
			OrganizationID: orgID,
			Active:         true,
			CreatedAt:      now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store preloaded with a demo organization: two stores,
// three registers, a product set including a marked product and a bundle, and
// a second organization used to exercise tenant isolation.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	s.stores["store-centre"] = domain.Store{ID: "store-centre", OrganizationID: "org-demo", Name: "Dukan Centre", AllowNegativeStock: false}
	s.stores["store-bazaar"] = domain.Store{ID: "store-bazaar", OrganizationID: "org-demo", Name: "Dukan Osh Bazaar", AllowNegativeStock: true}
	s.stores["store-other"] = domain.Store{ID: "store-other", OrganizationID: "org-other", Name: "Other Org Store", AllowNegativeStock: false}

	s.profiles["store-centre"] = domain.ComplianceProfile{StoreID: "store-centre", MarkingMode: domain.MarkingModeRequiredOnSale, KKMMode: domain.KKMModeConnector, KKMProvider: "kkm-bridge"}
	s.profiles["store-bazaar"] = domain.ComplianceProfile{StoreID: "store-bazaar", MarkingMode: domain.MarkingModeNone, KKMMode: domain.KKMModeNone}
	s.profiles["store-other"] = domain.ComplianceProfile{StoreID: "store-other", MarkingMode: domain.MarkingModeNone, KKMMode: domain.KKMModeNone}

	s.registers["reg-centre-1"] = domain.PosRegister{ID: "reg-centre-1", OrganizationID: "org-demo", StoreID: "store-centre", Name: "Касса 1"}
	s.registers["reg-centre-2"] = domain.PosRegister{ID: "reg-centre-2", OrganizationID: "org-demo", StoreID: "store-centre", Name: "Касса 2"}
	s.registers["reg-bazaar-1"] = domain.PosRegister{ID: "reg-bazaar-1", OrganizationID: "org-demo", StoreID: "store-bazaar", Name: "Касса 1"}
	s.registers["reg-other-1"] = domain.PosRegister{ID: "reg-other-1", OrganizationID: "org-other", StoreID: "store-other", Name: "Till"}

	products := []domain.Product{
		{ID: "p-cola", OrganizationID: "org-demo", SKU: "COLA-05", Name: "Cola 0.5L", PriceKgs: 85, Active: true},
		{ID: "p-nan", OrganizationID: "org-demo", SKU: "NAN-01", Name: "Lepyoshka", PriceKgs: 25, Active: true},
		{ID: "p-tea", OrganizationID: "org-demo", SKU: "TEA-100", Name: "Black Tea 100g", PriceKgs: 70, Active: true},
		{ID: "p-milk", OrganizationID: "org-demo", SKU: "MILK-1L", Name: "Milk 1L", PriceKgs: 95, Active: true},
		{ID: "p-cig", OrganizationID: "org-demo", SKU: "CIG-RED", Name: "Cigarettes Red", PriceKgs: 190, RequiresMarking: true, Active: true},
		{ID: "p-breakfast", OrganizationID: "org-demo", SKU: "SET-BREAKFAST", Name: "Breakfast Set", PriceKgs: 220, IsBundle: true, Active: true},
		{ID: "p-other", OrganizationID: "org-other", SKU: "OTHER-01", Name: "Other Org Product", PriceKgs: 10, Active: true},
	}
	for _, p := range products {
		s.products[p.ID] = p
		for _, st := range s.stores {
			if st.OrganizationID != p.OrganizationID {
				continue
			}
			key := snapKey(st.ID, p.ID, domain.VariantKeyBase)
			s.snapshots[key] = &domain.InventorySnapshot{
				StoreID:            st.ID,
				ProductID:          p.ID,
				VariantKey:         domain.VariantKeyBase,
				AllowNegativeStock: st.AllowNegativeStock,
			}
		}
	}

	// opening stock via RECEIPT movements so the ledger invariant holds from
	// the first row
	for _, seed := range []struct {
		orgID, storeID, productID string
		qty                       int
	}{
		{"org-demo", "store-centre", "p-cola", 120},
		{"org-demo", "store-centre", "p-nan", 80},
		{"org-demo", "store-centre", "p-tea", 60},
		{"org-demo", "store-centre", "p-milk", 40},
		{"org-demo", "store-centre", "p-cig", 50},
		{"org-demo", "store-centre", "p-breakfast", 30},
		{"org-demo", "store-bazaar", "p-cola", 90},
		{"org-demo", "store-bazaar", "p-nan", 70},
		{"org-other", "store-other", "p-other", 10},
	} {
		m := domain.StockMovement{
			ID:             xid.New("mov"),
			OrganizationID: seed.orgID,
			StoreID:        seed.storeID,
			ProductID:      seed.productID,
			VariantKey:     domain.VariantKeyBase,
			Type:           domain.MovementTypeReceipt,
			QtyDelta:       seed.qty,
			ReferenceType:  domain.ReferenceTypeManual,
			Reason:         "opening stock",
			CreatedBy:      "seed",
			CreatedAt:      now,
		}
		s.movements = append(s.movements, m)
		s.snapshots[snapKey(seed.storeID, seed.productID, domain.VariantKeyBase)].OnHand += seed.qty
	}

	s.bundleComponents["p-breakfast"] = []domain.BundleComponent{
		{BundleProductID: "p-breakfast", ComponentProductID: "p-tea", Qty: 2},
		{BundleProductID: "p-breakfast", ComponentProductID: "p-milk", Qty: 1},
	}

	for _, c := range []domain.ProductCost{
		{ProductID: "p-cola", VariantKey: domain.VariantKeyBase, AvgCostKgs: 52},
		{ProductID: "p-nan", VariantKey: domain.VariantKeyBase, AvgCostKgs: 11},
		{ProductID: "p-tea", VariantKey: domain.VariantKeyBase, AvgCostKgs: 40},
		{ProductID: "p-milk", VariantKey: domain.VariantKeyBase, AvgCostKgs: 60},
		{ProductID: "p-cig", VariantKey: domain.VariantKeyBase, AvgCostKgs: 150},
	} {
		s.productCosts[costKey(c.ProductID, c.VariantKey)] = c.AvgCostKgs
	}

	s.storePrices["store-bazaar"] = map[string]int64{"p-cola": 80}

	s.usersByUsername = seedUsers("org-demo")
	return s
}

func snapKey(storeID, productID, variantKey string) string {
	return storeID + "|" + productID + "|" + variantKey
}

func costKey(productID, variantKey string) string {
	return productID + "|" + variantKey
}

func idemKey(orgID, scope, key string) string {
	return orgID + "|" + scope + "|" + key
}

// --- stores / products / pricing / costs ---

func (s *Store) GetStore(_ context.Context, orgID string, storeID string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStoreLocked(orgID, storeID)
}

func (s *Store) getStoreLocked(orgID string, storeID string) (*domain.Store, error) {
	st, ok := s.stores[storeID]
	if !ok || st.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	copied := st
	return &copied, nil
}

func (s *Store) ListStores(_ context.Context, orgID string) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Store, 0, len(s.stores))
	for _, st := range s.stores {
		if st.OrganizationID == orgID {
			result = append(result, st)
		}
	}
	slices.SortFunc(result, func(a, b domain.Store) int { return strings.Compare(a.ID, b.ID) })
	return result, nil
}

func (s *Store) GetComplianceProfile(_ context.Context, orgID string, storeID string) (*domain.ComplianceProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getStoreLocked(orgID, storeID); err != nil {
		return nil, err
	}
	profile, ok := s.profiles[storeID]
	if !ok {
		profile = domain.ComplianceProfile{StoreID: storeID, MarkingMode: domain.MarkingModeNone, KKMMode: domain.KKMModeNone}
	}
	copied := profile
	return &copied, nil
}

func (s *Store) GetProduct(_ context.Context, orgID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProductLocked(orgID, productID)
}

func (s *Store) getProductLocked(orgID string, productID string) (*domain.Product, error) {
	p, ok := s.products[productID]
	if !ok || p.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	copied := p
	return &copied, nil
}

func (s *Store) ListProducts(_ context.Context, orgID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.OrganizationID == orgID {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b domain.Product) int { return strings.Compare(a.SKU, b.SKU) })
	return result, nil
}

// CreateProduct inserts the product and creates an inventory snapshot for
// every existing store of the organization, copying the store's negative
// stock policy onto each snapshot.
func (s *Store) CreateProduct(_ context.Context, orgID string, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceKgs < 0 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	product.OrganizationID = orgID
	for _, existing := range s.products {
		if existing.OrganizationID == orgID && existing.SKU == product.SKU {
			return nil, store.ErrConflict
		}
	}
	product.Active = true
	s.products[product.ID] = product

	for _, st := range s.stores {
		if st.OrganizationID != orgID {
			continue
		}
		key := snapKey(st.ID, product.ID, domain.VariantKeyBase)
		if _, exists := s.snapshots[key]; !exists {
			s.snapshots[key] = &domain.InventorySnapshot{
				StoreID:            st.ID,
				ProductID:          product.ID,
				VariantKey:         domain.VariantKeyBase,
				AllowNegativeStock: st.AllowNegativeStock,
			}
		}
	}

	created := product
	return &created, nil
}

func (s *Store) GetStorePrice(_ context.Context, orgID string, storeID string, productID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getStoreLocked(orgID, storeID); err != nil {
		return 0, false, err
	}
	prices, ok := s.storePrices[storeID]
	if !ok {
		return 0, false, nil
	}
	price, ok := prices[productID]
	return price, ok, nil
}

func (s *Store) GetProductCost(_ context.Context, orgID string, productID string, variantKey string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getProductLocked(orgID, productID); err != nil {
		return 0, err
	}
	return s.productCosts[costKey(productID, variantKey)], nil
}

func (s *Store) UpsertProductCost(_ context.Context, orgID string, cost domain.ProductCost) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getProductLocked(orgID, cost.ProductID); err != nil {
		return err
	}
	if cost.VariantKey == "" {
		cost.VariantKey = domain.VariantKeyBase
	}
	s.productCosts[costKey(cost.ProductID, cost.VariantKey)] = cost.AvgCostKgs
	return nil
}

func (s *Store) ListBundleComponents(_ context.Context, orgID string, bundleProductID string) ([]domain.BundleComponent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getProductLocked(orgID, bundleProductID); err != nil {
		return nil, err
	}
	components := s.bundleComponents[bundleProductID]
	result := make([]domain.BundleComponent, len(components))
	copy(result, components)
	return result, nil
}

func (s *Store) UpsertBundleComponents(_ context.Context, orgID string, bundleProductID string, components []domain.BundleComponent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, err := s.getProductLocked(orgID, bundleProductID)
	if err != nil {
		return err
	}
	if !product.IsBundle {
		return store.ErrInvalid
	}
	stored := make([]domain.BundleComponent, len(components))
	copy(stored, components)
	for i := range stored {
		stored[i].BundleProductID = bundleProductID
	}
	s.bundleComponents[bundleProductID] = stored
	return nil
}

// --- inventory ledger ---

func (s *Store) ApplyStockMovement(_ context.Context, orgID string, movement domain.StockMovement) (*domain.StockMovement, *domain.InventorySnapshot, error) {
	if movement.StoreID == "" || movement.ProductID == "" || movement.QtyDelta == 0 || movement.Type == "" {
		return nil, nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getStoreLocked(orgID, movement.StoreID); err != nil {
		return nil, nil, err
	}
	if _, err := s.getProductLocked(orgID, movement.ProductID); err != nil {
		return nil, nil, err
	}
	if movement.VariantKey == "" {
		movement.VariantKey = domain.VariantKeyBase
	}

	if movement.IdempotencyKey != "" {
		if existingID, seen := s.movementsByIdem[idemKey(orgID, "stock", movement.IdempotencyKey)]; seen {
			for i := range s.movements {
				if s.movements[i].ID == existingID {
					existing := s.movements[i]
					snap := *s.snapshots[snapKey(existing.StoreID, existing.ProductID, existing.VariantKey)]
					return &existing, &snap, nil
				}
			}
		}
	}

	movement.OrganizationID = orgID
	applied, snap, err := s.applyMovementLocked(movement)
	if err != nil {
		return nil, nil, err
	}
	if applied.IdempotencyKey != "" {
		s.movementsByIdem[idemKey(orgID, "stock", applied.IdempotencyKey)] = applied.ID
	}
	snapCopy := *snap
	return applied, &snapCopy, nil
}

// applyMovementLocked appends one ledger row and adjusts the snapshot. The
// caller holds the write lock; failures leave both untouched.
func (s *Store) applyMovementLocked(movement domain.StockMovement) (*domain.StockMovement, *domain.InventorySnapshot, error) {
	key := snapKey(movement.StoreID, movement.ProductID, movement.VariantKey)
	snap, ok := s.snapshots[key]
	if !ok {
		return nil, nil, store.ErrNotFound
	}

	next := snap.OnHand + movement.QtyDelta
	if next < 0 && !snap.AllowNegativeStock {
		return nil, nil, store.ErrOutOfStock
	}

	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	snap.OnHand = next
	s.movements = append(s.movements, movement)
	applied := movement
	return &applied, snap, nil
}

// stageMovementsLocked validates a movement batch against the affected
// snapshots without mutating anything. Running totals are tracked per
// snapshot key, so several movements for the same product are checked
// against their combined delta. Returns the resulting on-hand per key.
func (s *Store) stageMovementsLocked(movements []domain.StockMovement) (map[string]int, error) {
	staged := make(map[string]int, len(movements))
	for _, m := range movements {
		key := snapKey(m.StoreID, m.ProductID, m.VariantKey)
		snap, ok := s.snapshots[key]
		if !ok {
			return nil, store.ErrNotFound
		}
		next, seen := staged[key]
		if !seen {
			next = snap.OnHand
		}
		next += m.QtyDelta
		if next < 0 && !snap.AllowNegativeStock {
			return nil, store.ErrOutOfStock
		}
		staged[key] = next
	}
	return staged, nil
}

// commitMovementsLocked appends a staged batch to the ledger and moves the
// snapshots to their staged on-hand values. The batch must have been staged
// first; the commit itself cannot fail, so a batch lands whole or not at all.
func (s *Store) commitMovementsLocked(orgID string, movements []domain.StockMovement, staged map[string]int) {
	now := time.Now().UTC()
	for _, m := range movements {
		m.OrganizationID = orgID
		if m.ID == "" {
			m.ID = xid.New("mov")
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		s.movements = append(s.movements, m)
	}
	for key, onHand := range staged {
		s.snapshots[key].OnHand = onHand
	}
}

func (s *Store) GetSnapshot(_ context.Context, orgID string, storeID string, productID string, variantKey string) (*domain.InventorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getStoreLocked(orgID, storeID); err != nil {
		return nil, err
	}
	if variantKey == "" {
		variantKey = domain.VariantKeyBase
	}
	snap, ok := s.snapshots[snapKey(storeID, productID, variantKey)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *snap
	return &copied, nil
}

func (s *Store) ListSnapshots(_ context.Context, orgID string, storeID string) ([]domain.InventorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getStoreLocked(orgID, storeID); err != nil {
		return nil, err
	}
	result := make([]domain.InventorySnapshot, 0, 32)
	for _, snap := range s.snapshots {
		if snap.StoreID == storeID {
			result = append(result, *snap)
		}
	}
	slices.SortFunc(result, func(a, b domain.InventorySnapshot) int {
		if a.ProductID == b.ProductID {
			return strings.Compare(a.VariantKey, b.VariantKey)
		}
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return result, nil
}

func (s *Store) ListMovementsByReference(_ context.Context, orgID string, referenceType string, referenceID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMovementsByReferenceLocked(orgID, referenceType, referenceID), nil
}

func (s *Store) listMovementsByReferenceLocked(orgID string, referenceType string, referenceID string) []domain.StockMovement {
	result := make([]domain.StockMovement, 0, 8)
	for _, m := range s.movements {
		if m.OrganizationID == orgID && m.ReferenceType == referenceType && m.ReferenceID == referenceID {
			result = append(result, m)
		}
	}
	return result
}

func (s *Store) ListMovements(_ context.Context, orgID string, storeID string, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(result) < limit; i-- {
		m := s.movements[i]
		if m.OrganizationID != orgID {
			continue
		}
		if storeID != "" && m.StoreID != storeID {
			continue
		}
		if productID != "" && m.ProductID != productID {
			continue
		}
		result = append(result, m)
	}
	return result, nil
}

// --- registers / shifts / cash drawer ---

func (s *Store) GetRegister(_ context.Context, orgID string, registerID string) (*domain.PosRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRegisterLocked(orgID, registerID)
}

func (s *Store) getRegisterLocked(orgID string, registerID string) (*domain.PosRegister, error) {
	reg, ok := s.registers[registerID]
	if !ok || reg.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	copied := reg
	return &copied, nil
}

func (s *Store) OpenShift(_ context.Context, orgID string, shift domain.RegisterShift, idempotencyKey string) (*domain.RegisterShift, error) {
	if shift.RegisterID == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.getRegisterLocked(orgID, shift.RegisterID)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if existingID, seen := s.idemKeys[idemKey(orgID, scopeShiftOpen, idempotencyKey)]; seen {
			if existing, ok := s.shifts[existingID]; ok {
				copied := *existing
				return &copied, nil
			}
		}
	}

	// uniqueness on (register, status=OPEN): exactly one open shift per till
	if _, open := s.openShiftByRegister[shift.RegisterID]; open {
		return nil, store.ErrConflict
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
	shift.ClosedAt = nil

	saved := shift
	s.shifts[shift.ID] = &saved
	s.openShiftByRegister[shift.RegisterID] = shift.ID
	if idempotencyKey != "" {
		s.idemKeys[idemKey(orgID, scopeShiftOpen, idempotencyKey)] = shift.ID
	}
	copied := saved
	return &copied, nil
}

func (s *Store) GetShift(_ context.Context, orgID string, shiftID string) (*domain.RegisterShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getShiftLocked(orgID, shiftID)
}

func (s *Store) getShiftLocked(orgID string, shiftID string) (*domain.RegisterShift, error) {
	shift, ok := s.shifts[shiftID]
	if !ok || shift.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	copied := *shift
	return &copied, nil
}

func (s *Store) GetOpenShiftByRegister(_ context.Context, orgID string, registerID string) (*domain.RegisterShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getRegisterLocked(orgID, registerID); err != nil {
		return nil, err
	}
	shiftID, ok := s.openShiftByRegister[registerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *s.shifts[shiftID]
	return &copied, nil
}

func (s *Store) RecordCashMovement(_ context.Context, orgID string, movement domain.CashDrawerMovement) (*domain.CashDrawerMovement, error) {
	if movement.ShiftID == "" || movement.AmountKgs <= 0 {
		return nil, store.ErrInvalid
	}
	if movement.Type != domain.CashMovePayIn && movement.Type != domain.CashMovePayOut {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shifts[movement.ShiftID]
	if !ok || shift.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrConflict
	}

	if movement.IdempotencyKey != "" {
		if existingID, seen := s.idemKeys[idemKey(orgID, scopeCashRecord, movement.IdempotencyKey)]; seen {
			for _, existing := range s.cashMovements[movement.ShiftID] {
				if existing.ID == existingID {
					copied := existing
					return &copied, nil
				}
			}
		}
	}

	if movement.ID == "" {
		movement.ID = xid.New("cash")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.cashMovements[movement.ShiftID] = append(s.cashMovements[movement.ShiftID], movement)
	if movement.IdempotencyKey != "" {
		s.idemKeys[idemKey(orgID, scopeCashRecord, movement.IdempotencyKey)] = movement.ID
	}
	copied := movement
	return &copied, nil
}

func (s *Store) CloseShift(_ context.Context, orgID string, shiftID string, closingCountedKgs int64, closedBy string, idempotencyKey string, closedAt time.Time) (*domain.RegisterShift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shifts[shiftID]
	if !ok || shift.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}

	if shift.Status == domain.ShiftStatusClosed {
		// replay of the close that already happened is a no-op success
		if idempotencyKey != "" {
			if existingID, seen := s.idemKeys[idemKey(orgID, scopeShiftClose, idempotencyKey)]; seen && existingID == shiftID {
				copied := *shift
				return &copied, nil
			}
		}
		return nil, store.ErrConflict
	}

	expected := shift.OpeningCashKgs
	for _, p := range s.payments {
		if p.ShiftID != shiftID || p.Method != domain.PaymentMethodCash {
			continue
		}
		if p.IsRefund {
			expected -= p.AmountKgs
		} else {
			expected += p.AmountKgs
		}
	}
	for _, cm := range s.cashMovements[shiftID] {
		switch cm.Type {
		case domain.CashMovePayIn:
			expected += cm.AmountKgs
		case domain.CashMovePayOut:
			expected -= cm.AmountKgs
		}
	}

	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusClosed
	shift.ClosingCashCountedKgs = closingCountedKgs
	shift.ExpectedCashKgs = expected
	shift.DiscrepancyKgs = closingCountedKgs - expected
	shift.ClosedBy = closedBy
	shift.ClosedAt = &closedAt
	delete(s.openShiftByRegister, shift.RegisterID)
	if idempotencyKey != "" {
		s.idemKeys[idemKey(orgID, scopeShiftClose, idempotencyKey)] = shiftID
	}

	copied := *shift
	return &copied, nil
}

// --- customer orders ---

func cloneOrder(order *domain.CustomerOrder) *domain.CustomerOrder {
	copied := *order
	copied.Lines = make([]domain.CustomerOrderLine, len(order.Lines))
	copy(copied.Lines, order.Lines)
	for i := range copied.Lines {
		if len(order.Lines[i].MarkingCodes) > 0 {
			codes := make([]string, len(order.Lines[i].MarkingCodes))
			copy(codes, order.Lines[i].MarkingCodes)
			copied.Lines[i].MarkingCodes = codes
		}
	}
	return &copied
}

func posDraftKey(orgID, registerID string) string {
	return orgID + "|" + registerID
}

func (s *Store) CreateDraftOrder(_ context.Context, orgID string, order domain.CustomerOrder) (*domain.CustomerOrder, error) {
	if order.StoreID == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getStoreLocked(orgID, order.StoreID); err != nil {
		return nil, err
	}
	if order.RegisterID != "" {
		if _, err := s.getRegisterLocked(orgID, order.RegisterID); err != nil {
			return nil, err
		}
	}

	// POS draft reuse: concurrent creates for a register converge to one row
	if order.IsPosSale && order.RegisterID != "" {
		if existingID, ok := s.draftOrderByRegister[posDraftKey(orgID, order.RegisterID)]; ok {
			if existing, found := s.orders[existingID]; found && existing.Status == domain.OrderStatusDraft {
				return cloneOrder(existing), nil
			}
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
	order.Lines = nil

	saved := order
	s.orders[order.ID] = &saved
	if order.IsPosSale && order.RegisterID != "" {
		s.draftOrderByRegister[posDraftKey(orgID, order.RegisterID)] = order.ID
	}
	return cloneOrder(&saved), nil
}

func (s *Store) GetOrder(_ context.Context, orgID string, orderID string) (*domain.CustomerOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrderLocked(orgID, orderID)
}

func (s *Store) getOrderLocked(orgID string, orderID string) (*domain.CustomerOrder, error) {
	order, ok := s.orders[orderID]
	if !ok || order.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, orgID string, storeID string, status string, limit int) ([]domain.CustomerOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.CustomerOrder, 0, limit)
	for _, order := range s.orders {
		if order.OrganizationID != orgID {
			continue
		}
		if storeID != "" && order.StoreID != storeID {
			continue
		}
		if status != "" && order.Status != status {
			continue
		}
		result = append(result, *cloneOrder(order))
	}
	slices.SortFunc(result, func(a, b domain.CustomerOrder) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AddOrderLine(_ context.Context, orgID string, orderID string, line domain.CustomerOrderLine) (*domain.CustomerOrder, error) {
	if line.ProductID == "" || line.Qty < 1 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusDraft {
		return nil, store.ErrConflict
	}

	if line.ID == "" {
		line.ID = xid.New("line")
	}
	line.OrderID = orderID
	if line.VariantKey == "" {
		line.VariantKey = domain.VariantKeyBase
	}
	line.LineTotalKgs = line.UnitPriceKgs * int64(line.Qty)
	line.LineCostTotalKgs = line.UnitCostKgs * int64(line.Qty)
	order.Lines = append(order.Lines, line)
	recomputeOrderTotals(order)
	return cloneOrder(order), nil
}

func recomputeOrderTotals(order *domain.CustomerOrder) {
	var subtotal, cost int64
	for _, line := range order.Lines {
		subtotal += line.LineTotalKgs
		cost += line.LineCostTotalKgs
	}
	order.SubtotalKgs = subtotal
	order.TotalKgs = subtotal
	order.TotalCostKgs = cost
}

func (s *Store) SetOrderStatus(_ context.Context, orgID string, orderID string, fromStatuses []string, toStatus string) (*domain.CustomerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	if !slices.Contains(fromStatuses, order.Status) {
		if order.Status == toStatus {
			return cloneOrder(order), nil
		}
		return nil, store.ErrConflict
	}

	order.Status = toStatus
	if toStatus != domain.OrderStatusDraft && order.IsPosSale && order.RegisterID != "" {
		delete(s.draftOrderByRegister, posDraftKey(orgID, order.RegisterID))
	}
	return cloneOrder(order), nil
}

func (s *Store) UpsertMarkingCodes(_ context.Context, orgID string, orderID string, lineID string, codes []string) (*domain.CustomerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	if order.Status == domain.OrderStatusCompleted || order.Status == domain.OrderStatusCanceled {
		return nil, store.ErrConflict
	}

	for i := range order.Lines {
		if order.Lines[i].ID == lineID {
			stored := make([]string, len(codes))
			copy(stored, codes)
			order.Lines[i].MarkingCodes = stored
			return cloneOrder(order), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CompleteOrder(_ context.Context, orgID string, orderID string, idempotencyKey string, movements []domain.StockMovement, payments []domain.SalePayment, receipt *domain.FiscalReceipt, completedAt time.Time) (*domain.CustomerOrder, error) {
	if idempotencyKey == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok || order.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}

	// replay: movements already written for this order mean the completion
	// happened; return it unchanged
	if len(s.listMovementsByReferenceLocked(orgID, domain.ReferenceTypeOrder, orderID)) > 0 {
		return cloneOrder(order), nil
	}
	if existingID, seen := s.idemKeys[idemKey(orgID, scopeSaleComplete, idempotencyKey)]; seen {
		if existing, found := s.orders[existingID]; found {
			return cloneOrder(existing), nil
		}
	}
	if order.Status == domain.OrderStatusCompleted {
		return cloneOrder(order), nil
	}
	if order.Status == domain.OrderStatusCanceled {
		return nil, store.ErrConflict
	}

	// stage the whole batch before committing, so a failed line leaves the
	// ledger untouched
	staged, err := s.stageMovementsLocked(movements)
	if err != nil {
		return nil, err
	}
	s.commitMovementsLocked(orgID, movements, staged)

	for _, p := range payments {
		if p.ID == "" {
			p.ID = xid.New("pay")
		}
		p.OrganizationID = orgID
		p.OrderID = orderID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = completedAt
		}
		s.payments = append(s.payments, p)
	}

	order.Status = domain.OrderStatusCompleted
	order.CompletedAt = &completedAt
	if receipt != nil {
		r := *receipt
		if r.ID == "" {
			r.ID = xid.New("fr")
		}
		r.OrganizationID = orgID
		r.OrderID = orderID
		r.Status = domain.FiscalStatusQueued
		if r.CreatedAt.IsZero() {
			r.CreatedAt = completedAt
		}
		s.fiscalReceipts[r.ID] = &r
		order.KKMStatus = domain.KKMStatusNotSent
	}
	if order.IsPosSale && order.RegisterID != "" {
		delete(s.draftOrderByRegister, posDraftKey(orgID, order.RegisterID))
	}
	s.idemKeys[idemKey(orgID, scopeSaleComplete, idempotencyKey)] = orderID
	return cloneOrder(order), nil
}

func (s *Store) GetSalesMetrics(_ context.Context, orgID string, storeID string, from time.Time, to time.Time) (domain.SalesMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var metrics domain.SalesMetrics
	for _, order := range s.orders {
		if order.OrganizationID != orgID || order.Status != domain.OrderStatusCompleted {
			continue
		}
		if storeID != "" && order.StoreID != storeID {
			continue
		}
		if order.CompletedAt == nil || order.CompletedAt.Before(from) || !order.CompletedAt.Before(to) {
			continue
		}
		metrics.CompletedOrders++
		metrics.RevenueKgs += order.TotalKgs
		metrics.CostKgs += order.TotalCostKgs
	}
	metrics.MarginKgs = metrics.RevenueKgs - metrics.CostKgs
	return metrics, nil
}

// --- returns / refunds ---

func cloneReturn(ret *domain.SaleReturn) *domain.SaleReturn {
	copied := *ret
	copied.Lines = make([]domain.SaleReturnLine, len(ret.Lines))
	copy(copied.Lines, ret.Lines)
	return &copied
}

func (s *Store) CreateReturnDraft(_ context.Context, orgID string, ret domain.SaleReturn) (*domain.SaleReturn, error) {
	if ret.ShiftID == "" || ret.OriginalOrderID == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shifts[ret.ShiftID]
	if !ok || shift.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	if shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrConflict
	}
	original, ok := s.orders[ret.OriginalOrderID]
	if !ok || original.OrganizationID != orgID {
		return nil, store.ErrNotFound
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
	ret.Lines = nil

	saved := ret
	s.returns[ret.ID] = &saved
	return cloneReturn(&saved), nil
}

func (s *Store) GetReturn(_ context.Context, orgID string, returnID string) (*domain.SaleReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returns[returnID]
	if !ok || ret.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	return cloneReturn(ret), nil
}

func (s *Store) AddReturnLine(_ context.Context, orgID string, returnID string, line domain.SaleReturnLine) (*domain.SaleReturn, error) {
	if line.OriginalLineID == "" || line.Qty < 1 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returns[returnID]
	if !ok || ret.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusDraft {
		return nil, store.ErrConflict
	}

	if line.ID == "" {
		line.ID = xid.New("rline")
	}
	line.ReturnID = returnID
	if line.VariantKey == "" {
		line.VariantKey = domain.VariantKeyBase
	}
	ret.Lines = append(ret.Lines, line)

	var total int64
	for _, l := range ret.Lines {
		total += l.UnitPriceKgs * int64(l.Qty)
	}
	ret.TotalKgs = total
	return cloneReturn(ret), nil
}

func (s *Store) GetReturnedQtyByOrder(_ context.Context, orgID string, orderID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int)
	for _, ret := range s.returns {
		if ret.OrganizationID != orgID || ret.OriginalOrderID != orderID {
			continue
		}
		if ret.Status == domain.ReturnStatusCanceled {
			continue
		}
		for _, line := range ret.Lines {
			result[line.OriginalLineID] += line.Qty
		}
	}
	return result, nil
}

func (s *Store) CompleteReturn(_ context.Context, orgID string, returnID string, idempotencyKey string, movements []domain.StockMovement, payments []domain.SalePayment, completedAt time.Time) (*domain.SaleReturn, error) {
	if idempotencyKey == "" {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returns[returnID]
	if !ok || ret.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}

	if len(s.listMovementsByReferenceLocked(orgID, domain.ReferenceTypeReturn, returnID)) > 0 {
		return cloneReturn(ret), nil
	}
	if existingID, seen := s.idemKeys[idemKey(orgID, scopeReturnComplete, idempotencyKey)]; seen {
		if existing, found := s.returns[existingID]; found {
			return cloneReturn(existing), nil
		}
	}
	if ret.Status == domain.ReturnStatusCompleted {
		return cloneReturn(ret), nil
	}
	if ret.Status == domain.ReturnStatusCanceled {
		return nil, store.ErrConflict
	}

	staged, err := s.stageMovementsLocked(movements)
	if err != nil {
		return nil, err
	}
	s.commitMovementsLocked(orgID, movements, staged)
	for _, p := range payments {
		if p.ID == "" {
			p.ID = xid.New("pay")
		}
		p.OrganizationID = orgID
		p.ReturnID = returnID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = completedAt
		}
		s.payments = append(s.payments, p)
	}

	ret.Status = domain.ReturnStatusCompleted
	ret.CompletedAt = &completedAt
	s.idemKeys[idemKey(orgID, scopeReturnComplete, idempotencyKey)] = returnID
	return cloneReturn(ret), nil
}

func (s *Store) CancelReturnWithRefundRequest(_ context.Context, orgID string, returnID string, request domain.RefundRequest) (*domain.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returns[returnID]
	if !ok || ret.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusDraft {
		return nil, store.ErrConflict
	}

	ret.Status = domain.ReturnStatusCanceled

	if request.ID == "" {
		request.ID = xid.New("rreq")
	}
	request.OrganizationID = orgID
	request.ReturnID = returnID
	request.OrderID = ret.OriginalOrderID
	request.Status = domain.RefundRequestStatusOpen
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now().UTC()
	}
	saved := request
	s.refundRequests[request.ID] = &saved
	copied := saved
	return &copied, nil
}

func (s *Store) GetRefundRequest(_ context.Context, orgID string, requestID string) (*domain.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.refundRequests[requestID]
	if !ok || req.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}
	copied := *req
	return &copied, nil
}

func (s *Store) GetRefundRequestByReturn(_ context.Context, orgID string, returnID string) (*domain.RefundRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range s.refundRequests {
		if req.OrganizationID == orgID && req.ReturnID == returnID {
			copied := *req
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- payments ---

func (s *Store) ListPaymentsByOrder(_ context.Context, orgID string, orderID string) ([]domain.SalePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SalePayment, 0, 4)
	for _, p := range s.payments {
		if p.OrganizationID == orgID && p.OrderID == orderID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *Store) ListPaymentsByReturn(_ context.Context, orgID string, returnID string) ([]domain.SalePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SalePayment, 0, 4)
	for _, p := range s.payments {
		if p.OrganizationID == orgID && p.ReturnID == returnID {
			result = append(result, p)
		}
	}
	return result, nil
}

func (s *Store) ListPaymentsByShift(_ context.Context, orgID string, shiftID string) ([]domain.SalePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SalePayment, 0, 16)
	for _, p := range s.payments {
		if p.OrganizationID == orgID && p.ShiftID == shiftID {
			result = append(result, p)
		}
	}
	return result, nil
}

// --- fiscal receipt queue ---

func (s *Store) PullFiscalReceipts(_ context.Context, orgID string, limit int) ([]domain.FiscalReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	result := make([]domain.FiscalReceipt, 0, limit)
	for _, r := range s.fiscalReceipts {
		if r.OrganizationID == orgID && r.Status == domain.FiscalStatusQueued {
			result = append(result, *r)
		}
	}
	slices.SortFunc(result, func(a, b domain.FiscalReceipt) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) AckFiscalReceipt(_ context.Context, orgID string, receiptID string, status string, providerReceiptID string, fiscalNumber string, ackedAt time.Time) (*domain.FiscalReceipt, error) {
	if status != domain.FiscalStatusSent && status != domain.FiscalStatusFailed {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	receipt, ok := s.fiscalReceipts[receiptID]
	if !ok || receipt.OrganizationID != orgID {
		return nil, store.ErrNotFound
	}

	// pushing the same result twice is a no-op
	if receipt.Status == status {
		copied := *receipt
		return &copied, nil
	}
	if receipt.Status != domain.FiscalStatusQueued {
		return nil, store.ErrConflict
	}

	if ackedAt.IsZero() {
		ackedAt = time.Now().UTC()
	}
	receipt.Status = status
	receipt.ProviderReceiptID = providerReceiptID
	receipt.FiscalNumber = fiscalNumber
	receipt.AckedAt = &ackedAt

	if order, found := s.orders[receipt.OrderID]; found {
		if status == domain.FiscalStatusSent {
			order.KKMStatus = domain.KKMStatusSent
			order.KKMReceiptID = providerReceiptID
		} else {
			order.KKMStatus = domain.KKMStatusFailed
		}
	}

	copied := *receipt
	return &copied, nil
}

// --- audit / users ---

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, orgID string, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.OrganizationID != orgID {
			continue
		}
		if storeID != "" && entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalid
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int { return strings.Compare(a.Username, b.Username) })
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
