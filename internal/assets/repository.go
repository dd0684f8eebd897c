package assets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository defines the interface for asset and purchase data access.
// Lookups return nil, nil when nothing matches.
type Repository interface {
	CreateInTx(ctx context.Context, ext sqlx.ExtContext, asset *Asset) error
	Get(ctx context.Context, id uuid.UUID) (*Asset, error)
	GetByOriginRequest(ctx context.Context, requestID uuid.UUID) (*Asset, error)
	List(ctx context.Context, filters AssetFilters) ([]*Asset, error)
	ListByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*Asset, error)
	ListApprovableByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*Asset, error)
	ListActive(ctx context.Context) ([]*Asset, error)

	CreatePurchase(ctx context.Context, p *Purchase) error
	ListPurchasesByBuyer(ctx context.Context, buyerID uuid.UUID) ([]*Purchase, error)
}

type postgresRepository struct {
	db *sqlx.DB
}

// NewRepository creates a new PostgreSQL asset repository
func NewRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

const assetColumns = `id, project_id, issuer_id, vintage_year, asset_code, asset_issuer_address,
	contract_id, is_frozen, total_supply, price_per_unit, origin_request_id, created_at`

func (r *postgresRepository) CreateInTx(ctx context.Context, ext sqlx.ExtContext, asset *Asset) error {
	query := `
		INSERT INTO assets (` + assetColumns + `)
		VALUES (:id, :project_id, :issuer_id, :vintage_year, :asset_code, :asset_issuer_address,
			:contract_id, :is_frozen, :total_supply, :price_per_unit, :origin_request_id, :created_at)
	`
	if _, err := sqlx.NamedExecContext(ctx, ext, query, asset); err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (r *postgresRepository) get(ctx context.Context, where string, arg interface{}) (*Asset, error) {
	var asset Asset
	query := `SELECT ` + assetColumns + ` FROM assets WHERE ` + where
	if err := r.db.GetContext(ctx, &asset, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return &asset, nil
}

func (r *postgresRepository) Get(ctx context.Context, id uuid.UUID) (*Asset, error) {
	return r.get(ctx, "id = $1", id)
}

func (r *postgresRepository) GetByOriginRequest(ctx context.Context, requestID uuid.UUID) (*Asset, error) {
	return r.get(ctx, "origin_request_id = $1", requestID)
}

func (r *postgresRepository) List(ctx context.Context, filters AssetFilters) ([]*Asset, error) {
	var conditions []string
	var args []interface{}

	if filters.ProjectID != nil {
		args = append(args, *filters.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filters.VintageYear != nil {
		args = append(args, *filters.VintageYear)
		conditions = append(conditions, fmt.Sprintf("vintage_year = $%d", len(args)))
	}
	if filters.Frozen != nil {
		args = append(args, *filters.Frozen)
		conditions = append(conditions, fmt.Sprintf("is_frozen = $%d", len(args)))
	}

	query := `SELECT ` + assetColumns + ` FROM assets`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args = append(args, limit, filters.Offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	var assets []*Asset
	if err := r.db.SelectContext(ctx, &assets, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

func (r *postgresRepository) ListByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*Asset, error) {
	var assets []*Asset
	query := `SELECT ` + assetColumns + ` FROM assets WHERE issuer_id = $1 ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &assets, query, issuerID); err != nil {
		return nil, fmt.Errorf("failed to list issuer assets: %w", err)
	}
	return assets, nil
}

func (r *postgresRepository) ListApprovableByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*Asset, error) {
	var assets []*Asset
	query := `SELECT ` + assetColumns + ` FROM assets
		WHERE issuer_id = $1 AND contract_id <> '' AND is_frozen = FALSE
		ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &assets, query, issuerID); err != nil {
		return nil, fmt.Errorf("failed to list approvable assets: %w", err)
	}
	return assets, nil
}

func (r *postgresRepository) ListActive(ctx context.Context) ([]*Asset, error) {
	var assets []*Asset
	query := `SELECT ` + assetColumns + ` FROM assets WHERE is_frozen = FALSE ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &assets, query); err != nil {
		return nil, fmt.Errorf("failed to list active assets: %w", err)
	}
	return assets, nil
}

func (r *postgresRepository) CreatePurchase(ctx context.Context, p *Purchase) error {
	query := `
		INSERT INTO purchases (
			id, asset_id, buyer_id, seller_id, amount, tokens_purchased,
			buyer_payment_hash, token_mint_output, token_tx_hash, seller_payment_hash, created_at
		) VALUES (
			:id, :asset_id, :buyer_id, :seller_id, :amount, :tokens_purchased,
			:buyer_payment_hash, :token_mint_output, :token_tx_hash, :seller_payment_hash, :created_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, p); err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListPurchasesByBuyer(ctx context.Context, buyerID uuid.UUID) ([]*Purchase, error) {
	var purchases []*Purchase
	query := `
		SELECT id, asset_id, buyer_id, seller_id, amount, tokens_purchased,
			buyer_payment_hash, token_mint_output, token_tx_hash, seller_payment_hash, created_at
		FROM purchases WHERE buyer_id = $1 ORDER BY created_at DESC
	`
	if err := r.db.SelectContext(ctx, &purchases, query, buyerID); err != nil {
		return nil, fmt.Errorf("failed to list purchases: %w", err)
	}
	return purchases, nil
}
