package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"dukan/backend/internal/cache"
	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
	"dukan/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var roleRank = map[string]int{
	domain.RoleCashier: 1,
	domain.RoleManager: 2,
	domain.RoleAdmin:   3,
}

const profileCacheTTL = 5 * time.Minute

type Service struct {
	repo     store.Repository
	profiles cache.ComplianceProfileCache
}

func New(repo store.Repository, profiles cache.ComplianceProfileCache) *Service {
	if profiles == nil {
		profiles = cache.NoopComplianceProfileCache{}
	}
	return &Service{repo: repo, profiles: profiles}
}

// requireActor resolves the authenticated actor and checks it holds at least
// minRole. Roles are ordered cashier < manager < admin.
func (s *Service) requireActor(ctx context.Context, minRole string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.OrganizationID == "" {
		return domain.Actor{}, fmt.Errorf("%w: authentication required", store.ErrForbidden)
	}
	if roleRank[actor.Role] < roleRank[minRole] {
		return domain.Actor{}, fmt.Errorf("%w: %s role required", store.ErrForbidden, minRole)
	}
	return actor, nil
}

// complianceProfile is a read-through lookup of the store's regulatory flags.
// Cache failures fall back to the repository and only warn.
func (s *Service) complianceProfile(ctx context.Context, orgID string, storeID string) (*domain.ComplianceProfile, error) {
	key := "compliance:" + orgID + ":" + storeID
	if cached, ok, err := s.profiles.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: compliance cache read store=%s: %v", storeID, err)
	} else if ok {
		return cached, nil
	}

	profile, err := s.repo.GetComplianceProfile(ctx, orgID, storeID)
	if err != nil {
		return nil, err
	}
	if err := s.profiles.Set(ctx, key, profile, profileCacheTTL); err != nil {
		log.Printf("[service] WARN: compliance cache write store=%s: %v", storeID, err)
	}
	return profile, nil
}

func (s *Service) logAudit(ctx context.Context, orgID string, storeID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:             xid.New("audit"),
		OrganizationID: orgID,
		StoreID:        storeID,
		ActorUsername:  actor.Username,
		ActorRole:      actor.Role,
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		Detail:         detail,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) ListStores(ctx context.Context) ([]domain.Store, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}
	return s.repo.ListStores(ctx, actor.OrganizationID)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, actor.OrganizationID)
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, err := s.requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, actor.OrganizationID, storeID, from, to, limit)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	actor, err := s.requireActor(ctx, domain.RoleCashier)
	if err != nil {
		return nil, err
	}
	return s.repo.GetProduct(ctx, actor.OrganizationID, productID)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	actor, err := s.requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.SKU == "" || req.Name == "" || req.PriceKgs < 1 {
		return nil, fmt.Errorf("%w: sku, name and a positive price are required", store.ErrInvalid)
	}
	if req.IsBundle && len(req.Components) == 0 {
		return nil, fmt.Errorf("%w: a bundle needs at least one component", store.ErrInvalid)
	}

	created, err := s.repo.CreateProduct(ctx, actor.OrganizationID, domain.Product{
		SKU:             req.SKU,
		Name:            req.Name,
		PriceKgs:        req.PriceKgs,
		RequiresMarking: req.RequiresMarking,
		IsBundle:        req.IsBundle,
	})
	if err != nil {
		return nil, err
	}

	if req.IsBundle {
		components := make([]domain.BundleComponent, 0, len(req.Components))
		for _, c := range req.Components {
			if c.Qty < 1 {
				return nil, fmt.Errorf("%w: component qty must be positive", store.ErrInvalid)
			}
			if _, err := s.repo.GetProduct(ctx, actor.OrganizationID, c.ComponentProductID); err != nil {
				return nil, err
			}
			components = append(components, domain.BundleComponent{ComponentProductID: c.ComponentProductID, Qty: c.Qty})
		}
		if err := s.repo.UpsertBundleComponents(ctx, actor.OrganizationID, created.ID, components); err != nil {
			return nil, err
		}
	} else if req.AvgCostKgs > 0 {
		err := s.repo.UpsertProductCost(ctx, actor.OrganizationID, domain.ProductCost{
			ProductID:  created.ID,
			VariantKey: domain.VariantKeyBase,
			AvgCostKgs: req.AvgCostKgs,
		})
		if err != nil {
			log.Printf("[service] WARN: failed to upsert product cost product=%s: %v", created.ID, err)
		}
	}

	s.logAudit(ctx, actor.OrganizationID, "", "product_create", "product", created.ID, fmt.Sprintf("sku=%s,price=%d,bundle=%t", created.SKU, created.PriceKgs, created.IsBundle))
	return created, nil
}
