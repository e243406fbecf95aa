package service

import (
	"context"
	"fmt"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store"
)

// resolveUnitCost returns the average unit cost for one sale line. A simple
// product reads its cost record directly. A bundle resolves to the sum of its
// components' average costs times their fixed quantities. The result is
// snapshotted on the line at add time and never recomputed afterwards.
func (s *Service) resolveUnitCost(ctx context.Context, orgID string, product *domain.Product, variantKey string) (int64, error) {
	if !product.IsBundle {
		return s.repo.GetProductCost(ctx, orgID, product.ID, variantKey)
	}

	components, err := s.repo.ListBundleComponents(ctx, orgID, product.ID)
	if err != nil {
		return 0, err
	}
	if len(components) == 0 {
		return 0, fmt.Errorf("%w: bundle %s has no components", store.ErrInvalid, product.ID)
	}

	var total int64
	for _, c := range components {
		componentCost, err := s.repo.GetProductCost(ctx, orgID, c.ComponentProductID, domain.VariantKeyBase)
		if err != nil {
			return 0, err
		}
		total += componentCost * int64(c.Qty)
	}
	return total, nil
}

// effectivePrice prefers the store-level price override over the base price.
func (s *Service) effectivePrice(ctx context.Context, orgID string, storeID string, product *domain.Product) (int64, error) {
	price, ok, err := s.repo.GetStorePrice(ctx, orgID, storeID, product.ID)
	if err != nil {
		return 0, err
	}
	if ok {
		return price, nil
	}
	return product.PriceKgs, nil
}
