package assets

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Asset is a provisioned token contract backing one approved tokenization
// request.
type Asset struct {
	ID                 uuid.UUID           `json:"id" db:"id"`
	ProjectID          uuid.UUID           `json:"project_id" db:"project_id"`
	IssuerID           uuid.UUID           `json:"issuer_id" db:"issuer_id"`
	VintageYear        int                 `json:"vintage_year" db:"vintage_year"`
	AssetCode          string              `json:"asset_code" db:"asset_code"`
	AssetIssuerAddress string              `json:"asset_issuer_address" db:"asset_issuer_address"`
	ContractID         string              `json:"contract_id" db:"contract_id"`
	IsFrozen           bool                `json:"is_frozen" db:"is_frozen"`
	TotalSupply        decimal.Decimal     `json:"total_supply" db:"total_supply"`
	PricePerUnit       decimal.NullDecimal `json:"price_per_unit" db:"price_per_unit"`
	OriginRequestID    uuid.UUID           `json:"origin_request_id" db:"origin_request_id"`
	CreatedAt          time.Time           `json:"created_at" db:"created_at"`
}

// HasPrice reports whether a positive unit price is set. A zero price is
// treated as unset.
func (a *Asset) HasPrice() bool {
	return a.PricePerUnit.Valid && a.PricePerUnit.Decimal.IsPositive()
}

// Purchase is an append-only record of a completed swap.
type Purchase struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	AssetID           uuid.UUID       `json:"asset_id" db:"asset_id"`
	BuyerID           uuid.UUID       `json:"buyer_id" db:"buyer_id"`
	SellerID          uuid.UUID       `json:"seller_id" db:"seller_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	TokensPurchased   decimal.Decimal `json:"tokens_purchased" db:"tokens_purchased"`
	BuyerPaymentHash  *string         `json:"buyer_payment_hash,omitempty" db:"buyer_payment_hash"`
	TokenMintOutput   *string         `json:"token_mint_output,omitempty" db:"token_mint_output"`
	TokenTxHash       *string         `json:"token_tx_hash,omitempty" db:"token_tx_hash"`
	SellerPaymentHash *string         `json:"seller_payment_hash,omitempty" db:"seller_payment_hash"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// AssetFilters narrows List.
type AssetFilters struct {
	ProjectID   *uuid.UUID
	VintageYear *int
	Frozen      *bool
	Limit       int
	Offset      int
}

// AssetCode derives the ledger asset code for a project and vintage.
func AssetCode(projectIdentifier string, vintageYear int) string {
	return fmt.Sprintf("%s_%d", Normalize(projectIdentifier), vintageYear)
}

// Normalize replaces hyphens and spaces with underscores.
func Normalize(identifier string) string {
	return strings.NewReplacer("-", "_", " ", "_").Replace(identifier)
}
