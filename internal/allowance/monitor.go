package allowance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/assets"
	"carbon-scribe/tokenization-engine/internal/ledger"
	"carbon-scribe/tokenization-engine/pkg/alerts"
)

// ActiveAssets lists the assets the monitor watches.
type ActiveAssets interface {
	ListActive(ctx context.Context) ([]*assets.Asset, error)
}

// Shortfall is an asset whose operator allowance cannot cover its supply.
type Shortfall struct {
	AssetCode  string          `json:"asset_code"`
	ContractID string          `json:"contract_id"`
	Owner      string          `json:"owner"`
	Allowance  decimal.Decimal `json:"allowance"`
	Required   decimal.Decimal `json:"required"`
	Known      bool            `json:"known"`
}

// Monitor flags assets whose operator allowance has fallen below their total
// supply, which is when transfer settlement starts to fail.
type Monitor struct {
	manager *Manager
	assets  ActiveAssets
	alerts  alerts.Publisher
	logger  *zap.Logger
}

func NewMonitor(manager *Manager, source ActiveAssets, publisher alerts.Publisher, logger *zap.Logger) *Monitor {
	return &Monitor{manager: manager, assets: source, alerts: publisher, logger: logger}
}

// Check reads every active asset's allowance once and alerts on each
// shortfall. Per-asset read failures are logged and skipped.
func (m *Monitor) Check(ctx context.Context) ([]Shortfall, error) {
	active, err := m.assets.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var shortfalls []Shortfall
	for _, asset := range active {
		if asset.ContractID == "" || asset.AssetIssuerAddress == "" {
			continue
		}
		current, known, err := m.manager.Current(ctx, asset.ContractID, asset.AssetIssuerAddress, m.manager.Operator())
		if err != nil {
			m.logger.Warn("Failed to read operator allowance",
				zap.String("asset_code", asset.AssetCode),
				zap.Error(err))
			continue
		}

		required := ledger.ToStroops(asset.TotalSupply)
		if known && !current.LessThan(required) {
			continue
		}

		s := Shortfall{
			AssetCode:  asset.AssetCode,
			ContractID: asset.ContractID,
			Owner:      asset.AssetIssuerAddress,
			Allowance:  current,
			Required:   required,
			Known:      known,
		}
		shortfalls = append(shortfalls, s)
		m.raise(ctx, s)
	}

	m.logger.Info("Allowance check finished",
		zap.Int("assets", len(active)),
		zap.Int("shortfalls", len(shortfalls)))
	return shortfalls, nil
}

func (m *Monitor) raise(ctx context.Context, s Shortfall) {
	message := fmt.Sprintf("operator allowance on %s is %s, below supply %s", s.AssetCode, s.Allowance, s.Required)
	if !s.Known {
		message = fmt.Sprintf("operator allowance on %s could not be read", s.AssetCode)
	}
	m.logger.Warn("Operator allowance shortfall",
		zap.String("asset_code", s.AssetCode),
		zap.String("owner", s.Owner),
		zap.String("allowance", s.Allowance.String()),
		zap.String("required", s.Required.String()))

	if m.alerts == nil {
		return
	}
	err := m.alerts.Publish(ctx, alerts.Alert{
		Kind:     "allowance_shortfall",
		Severity: alerts.SeverityWarning,
		Subject:  s.AssetCode,
		Message:  message,
		Details: map[string]string{
			"contract_id": s.ContractID,
			"owner":       s.Owner,
			"allowance":   s.Allowance.String(),
			"required":    s.Required.String(),
		},
	})
	if err != nil {
		m.logger.Warn("Failed to publish alert", zap.Error(err))
	}
}
