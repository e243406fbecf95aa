package cache

import (
	"context"
	"time"

	"dukan/backend/internal/domain"
)

// ComplianceProfileCache fronts the per-store regulatory flags that the sale
// engine reads on every completion.
type ComplianceProfileCache interface {
	Get(ctx context.Context, key string) (*domain.ComplianceProfile, bool, error)
	Set(ctx context.Context, key string, value *domain.ComplianceProfile, ttl time.Duration) error
}

type NoopComplianceProfileCache struct{}

func (NoopComplianceProfileCache) Get(_ context.Context, _ string) (*domain.ComplianceProfile, bool, error) {
	return nil, false, nil
}

func (NoopComplianceProfileCache) Set(_ context.Context, _ string, _ *domain.ComplianceProfile, _ time.Duration) error {
	return nil
}
