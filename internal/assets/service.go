package assets

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// Service exposes asset and purchase reads.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a new asset service
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// List returns assets matching filters.
func (s *Service) List(ctx context.Context, filters AssetFilters) ([]*Asset, error) {
	assets, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	if assets == nil {
		assets = []*Asset{}
	}
	return assets, nil
}

// Get returns one asset or a not-found validation error.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Asset, error) {
	asset, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, apperr.NotFound("asset %s not found", id)
	}
	return asset, nil
}

// ListByIssuer returns the caller's own assets. Only issuers hold assets.
func (s *Service) ListByIssuer(ctx context.Context, caller auth.Identity) ([]*Asset, error) {
	if !caller.IsIssuer() {
		return nil, apperr.Forbidden("only issuers can list their assets")
	}
	assets, err := s.repo.ListByIssuer(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if assets == nil {
		assets = []*Asset{}
	}
	return assets, nil
}

// ListMyPurchases returns the caller's purchase history.
func (s *Service) ListMyPurchases(ctx context.Context, caller auth.Identity) ([]*Purchase, error) {
	purchases, err := s.repo.ListPurchasesByBuyer(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if purchases == nil {
		purchases = []*Purchase{}
	}
	return purchases, nil
}
