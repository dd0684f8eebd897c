package allowance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/assets"
	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// AssetSource is the part of the asset store remediation reads.
type AssetSource interface {
	Get(ctx context.Context, id uuid.UUID) (*assets.Asset, error)
	ListApprovableByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*assets.Asset, error)
}

// AssetApproval is the outcome of pre-authorizing the operator on one asset.
// Exactly one of Approval, Command or Error is set.
type AssetApproval struct {
	AssetID          uuid.UUID       `json:"asset_id"`
	AssetCode        string          `json:"asset_code"`
	ContractID       string          `json:"contract_id"`
	Owner            string          `json:"owner"`
	Amount           decimal.Decimal `json:"approval_amount"`
	Approval         *Approval       `json:"approval,omitempty"`
	Command          string          `json:"command,omitempty"`
	ExpirationLedger string          `json:"expiration_ledger,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Summary reports an issuer-wide pre-authorization.
type Summary struct {
	Total    int              `json:"total_count"`
	Approved int              `json:"approved_count"`
	Results  []*AssetApproval `json:"results"`
}

// Remediator grants operator allowances after the fact, or tells the owner
// how to grant them.
type Remediator struct {
	manager *Manager
	assets  AssetSource
	logger  *zap.Logger
}

func NewRemediator(manager *Manager, source AssetSource, logger *zap.Logger) *Remediator {
	return &Remediator{manager: manager, assets: source, logger: logger}
}

// PreauthorizeAsset re-runs the blanket approval for one asset. The operator
// can only sign for itself; any other owner gets the command to run.
func (r *Remediator) PreauthorizeAsset(ctx context.Context, caller auth.Identity, assetID uuid.UUID) (*AssetApproval, error) {
	if !caller.IsAdmin() {
		return nil, apperr.Forbidden("Only admins can pre-authorize the operator on an asset")
	}

	asset, err := r.assets.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, apperr.NotFound("asset %s not found", assetID)
	}
	if asset.ContractID == "" {
		return nil, apperr.Invalid("asset %s has no token contract", asset.AssetCode)
	}

	result := r.newResult(asset)
	if asset.AssetIssuerAddress != r.manager.Operator() {
		result.Command, result.ExpirationLedger = r.manager.ManualCommand(ctx, asset.ContractID, asset.AssetIssuerAddress, result.Amount)
		return result, nil
	}

	approval, err := r.manager.Approve(ctx, ApproveRequest{
		ContractID: asset.ContractID,
		Owner:      asset.AssetIssuerAddress,
		Amount:     result.Amount,
		Horizon:    r.manager.BlanketHorizon(),
	})
	if err != nil {
		return nil, err
	}
	result.Approval = approval
	return result, nil
}

// PreauthorizeAll covers every asset the calling issuer owns. With a secret
// each approval is signed server-side and failures are collected per asset;
// without one the manual commands are returned.
func (r *Remediator) PreauthorizeAll(ctx context.Context, caller auth.Identity, secret string) (*Summary, error) {
	if !caller.IsIssuer() {
		return nil, apperr.Forbidden("Only issuers can approve the operator")
	}
	if secret != "" {
		if _, err := r.manager.signerFor(caller.Address, secret); err != nil {
			return nil, err
		}
	}

	owned, err := r.assets.ListApprovableByIssuer(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Results: []*AssetApproval{}}
	for _, asset := range owned {
		if asset.AssetIssuerAddress != caller.Address {
			continue
		}
		summary.Total++
		result := r.newResult(asset)
		summary.Results = append(summary.Results, result)

		if secret == "" {
			result.Command, result.ExpirationLedger = r.manager.ManualCommand(ctx, asset.ContractID, caller.Address, result.Amount)
			continue
		}

		approval, err := r.manager.Approve(ctx, ApproveRequest{
			ContractID:  asset.ContractID,
			Owner:       caller.Address,
			OwnerSecret: secret,
			Amount:      result.Amount,
			Horizon:     r.manager.BlanketHorizon(),
		})
		if err != nil {
			r.logger.Error("Failed to pre-authorize operator",
				zap.String("asset_code", asset.AssetCode),
				zap.Error(err))
			result.Error = err.Error()
			continue
		}
		result.Approval = approval
		summary.Approved++
	}
	return summary, nil
}

func (r *Remediator) newResult(asset *assets.Asset) *AssetApproval {
	return &AssetApproval{
		AssetID:    asset.ID,
		AssetCode:  asset.AssetCode,
		ContractID: asset.ContractID,
		Owner:      asset.AssetIssuerAddress,
		Amount:     r.manager.BlanketAmount(asset.TotalSupply),
	}
}

// Message summarises s for API responses.
func (s *Summary) Message(withSecret bool) string {
	if s.Total == 0 {
		return "No assets found to approve"
	}
	if withSecret {
		return fmt.Sprintf("Approved operator for %d out of %d assets", s.Approved, s.Total)
	}
	return fmt.Sprintf("Found %d assets that need approval", s.Total)
}
