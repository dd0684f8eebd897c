// Package swap settles purchases of tokenized credits through the operator
// in two phases: the buyer pays the operator, then the operator delivers
// tokens and forwards the payment to the seller.
package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/allowance"
	"carbon-scribe/tokenization-engine/internal/assets"
	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/internal/config"
	"carbon-scribe/tokenization-engine/internal/ledger"
	"carbon-scribe/tokenization-engine/pkg/alerts"
	"carbon-scribe/tokenization-engine/pkg/apperr"
	"carbon-scribe/tokenization-engine/pkg/saga"
)

// Saga step names, in execution order.
const (
	StepDeliver   = "mint"
	StepPaySeller = "pay_seller"
	StepRecord    = "record"
)

const sagaKind = "swap"

// Payments builds and sends native payments.
type Payments interface {
	OperatorAddress() string
	BuildPayment(ctx context.Context, source, destination string, amount decimal.Decimal, memo string) (string, error)
	PayFromOperator(ctx context.Context, destination string, amount decimal.Decimal, memo string) (string, error)
}

// Transfers moves tokens the operator has been approved to spend.
type Transfers interface {
	Balance(ctx context.Context, contractID, holder string) (decimal.Decimal, error)
	TransferFrom(ctx context.Context, req allowance.TransferRequest) (*ledger.InvocationResult, error)
}

// Coordinator runs both swap phases. It keeps no state between them.
type Coordinator struct {
	assets     assets.Repository
	client     ledger.LedgerClient
	transfers  Transfers
	payments   Payments
	runner     *saga.Runner
	alerts     alerts.Publisher
	controller string
	cfg        config.SwapConfig
	logger     *zap.Logger
}

// NewCoordinator creates a swap coordinator
func NewCoordinator(
	assetRepo assets.Repository,
	client ledger.LedgerClient,
	transfers Transfers,
	payments Payments,
	runner *saga.Runner,
	publisher alerts.Publisher,
	controllerAddress string,
	cfg config.SwapConfig,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		assets:     assetRepo,
		client:     client,
		transfers:  transfers,
		payments:   payments,
		runner:     runner,
		alerts:     publisher,
		controller: controllerAddress,
		cfg:        cfg,
		logger:     logger,
	}
}

// TokensFor derives the tokens bought by amount. A missing or zero price
// means one token per unit of currency.
func TokensFor(asset *assets.Asset, amount decimal.Decimal) decimal.Decimal {
	if asset.HasPrice() {
		return amount.DivRound(asset.PricePerUnit.Decimal, ledger.Decimals)
	}
	return amount
}

// Prepare validates the order and builds the unsigned buyer payment to the
// operator. Nothing is submitted.
func (c *Coordinator) Prepare(ctx context.Context, caller auth.Identity, req Request) (*Preparation, error) {
	quote, _, err := c.quote(ctx, caller, req)
	if err != nil {
		return nil, err
	}

	xdr, err := c.payments.BuildPayment(ctx, quote.BuyerAddress, quote.OperatorAddress, quote.Amount,
		ledger.TruncateMemo("Buy "+quote.AssetCode))
	if err != nil {
		return nil, err
	}

	c.logger.Info("Swap prepared",
		zap.String("asset_id", quote.AssetID.String()),
		zap.String("buyer", quote.BuyerAddress),
		zap.String("amount", quote.Amount.String()),
		zap.String("tokens", quote.TokensPurchased.String()))

	return &Preparation{
		Quote:           *quote,
		BuyerPaymentXDR: xdr,
		NextSteps: []string{
			"1. Sign buyer_payment_xdr with your wallet and submit it",
			"2. Once the payment is confirmed, call the complete endpoint with the same amount",
			"3. The operator delivers the tokens and forwards the payment to the seller",
		},
	}, nil
}

// Complete delivers tokens to the buyer, pays the seller and records the
// purchase. It trusts that the buyer's payment to the operator has landed.
// A delivery failure leaves nothing done. A seller payment failure after
// delivery is returned as a consistency gap.
func (c *Coordinator) Complete(ctx context.Context, caller auth.Identity, req Request) (*Completion, error) {
	quote, asset, err := c.quote(ctx, caller, req)
	if err != nil {
		return nil, err
	}

	completion := &Completion{Quote: *quote, SettlementMode: string(c.cfg.SettlementMode)}
	var purchase *assets.Purchase
	var tokenOutput string

	steps := []saga.Step{
		{
			Name:   StepDeliver,
			Policy: saga.Critical,
			Run: func(ctx context.Context) error {
				res, err := c.deliver(ctx, quote)
				if err != nil {
					return err
				}
				completion.TokenTxHash = res.TxHash
				tokenOutput = res.Output
				return nil
			},
		},
		{
			Name:   StepPaySeller,
			Policy: saga.Critical,
			Run: func(ctx context.Context) error {
				hash, err := c.payments.PayFromOperator(ctx, quote.SellerAddress, quote.Amount,
					ledger.TruncateMemo("Pay "+quote.AssetCode))
				if err != nil {
					return err
				}
				completion.SellerPaymentHash = hash
				return nil
			},
		},
		{
			Name:   StepRecord,
			Policy: saga.BestEffort,
			Run: func(ctx context.Context) error {
				current, err := c.assets.Get(ctx, asset.ID)
				if err != nil {
					return err
				}
				if current != nil && current.IsFrozen {
					c.logger.Error("Asset frozen during swap, purchase not recorded",
						zap.String("asset_id", asset.ID.String()),
						zap.String("buyer", quote.BuyerAddress),
						zap.String("token_tx_hash", completion.TokenTxHash),
						zap.String("seller_payment_hash", completion.SellerPaymentHash))
					return apperr.Invalid("asset %s was frozen before the purchase was recorded", asset.AssetCode)
				}

				purchase = &assets.Purchase{
					ID:                uuid.New(),
					AssetID:           asset.ID,
					BuyerID:           caller.UserID,
					SellerID:          asset.IssuerID,
					Amount:            quote.Amount,
					TokensPurchased:   quote.TokensPurchased,
					BuyerPaymentHash:  optional(req.BuyerPaymentHash),
					TokenMintOutput:   optional(tokenOutput),
					TokenTxHash:       optional(completion.TokenTxHash),
					SellerPaymentHash: optional(completion.SellerPaymentHash),
					CreatedAt:         time.Now(),
				}
				return c.assets.CreatePurchase(ctx, purchase)
			},
		},
	}

	run, err := c.runner.Execute(context.WithoutCancel(ctx), sagaKind, quote.AssetID.String(), steps)
	for _, w := range run.Warnings() {
		completion.Warnings = append(completion.Warnings, fmt.Sprintf("%s: %s", w.Name, w.Error))
	}
	if err != nil {
		var gap *apperr.ConsistencyGap
		if errors.As(err, &gap) {
			c.raiseGap(ctx, run, quote, completion, gap)
		}
		return completion, err
	}

	if len(completion.Warnings) == 0 {
		completion.PurchaseID = &purchase.ID
	}
	c.logger.Info("Swap completed",
		zap.String("asset_id", quote.AssetID.String()),
		zap.String("buyer", quote.BuyerAddress),
		zap.String("seller_payment_hash", completion.SellerPaymentHash))
	return completion, nil
}

// deliver puts tokens in the buyer's account: a fresh mint through the
// controller, or a transfer out of the owner's balance under the operator's
// allowance.
func (c *Coordinator) deliver(ctx context.Context, quote *Quote) (*ledger.InvocationResult, error) {
	if c.cfg.SettlementMode == config.SettlementTransfer {
		balance, err := c.transfers.Balance(ctx, quote.TokenContract, quote.SellerAddress)
		if err != nil {
			return nil, err
		}
		if balance.LessThan(quote.TokensStroops) {
			return nil, &apperr.ExecutionError{
				Op:      "transfer_from",
				Message: fmt.Sprintf("insufficient seller balance: holds %s, required %s", balance, quote.TokensStroops),
			}
		}
		return c.transfers.TransferFrom(ctx, allowance.TransferRequest{
			ContractID: quote.TokenContract,
			Owner:      quote.SellerAddress,
			To:         quote.BuyerAddress,
			Amount:     quote.TokensStroops,
		})
	}

	if c.controller == "" {
		return nil, &apperr.EnvironmentError{Op: "mint_to_issuer", Err: errors.New("no carbon controller configured")}
	}
	return c.client.Invoke(ctx, ledger.InvokeRequest{
		ContractID: c.controller,
		Function:   "mint_to_issuer",
		Args: []ledger.NamedArg{
			ledger.Arg("asset_code", quote.AssetCode),
			ledger.Arg("issuer", quote.BuyerAddress),
			ledger.Arg("amount", quote.TokensStroops.String()),
		},
	})
}

// quote validates the order against the current asset and derives the trade.
func (c *Coordinator) quote(ctx context.Context, caller auth.Identity, req Request) (*Quote, *assets.Asset, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, apperr.Invalid("amount must be greater than 0")
	}
	if !ledger.Representable(req.Amount) {
		return nil, nil, apperr.Invalid("amount must have at most %d decimal places", ledger.Decimals)
	}
	if req.BuyerAddress == "" || req.BuyerAddress != caller.Address {
		return nil, nil, apperr.Forbidden("buyer address must match your wallet address")
	}

	asset, err := c.assets.Get(ctx, req.AssetID)
	if err != nil {
		return nil, nil, err
	}
	if asset == nil {
		return nil, nil, apperr.NotFound("asset %s not found", req.AssetID)
	}
	if asset.IsFrozen {
		return nil, nil, apperr.Invalid("asset %s is frozen", asset.AssetCode)
	}
	if asset.IssuerID == caller.UserID || asset.AssetIssuerAddress == req.BuyerAddress {
		return nil, nil, apperr.Invalid("you cannot buy your own asset")
	}

	tokens := TokensFor(asset, req.Amount)
	if !ledger.ToStroops(tokens).IsPositive() {
		return nil, nil, apperr.Invalid("amount buys less than the smallest token unit")
	}

	return &Quote{
		AssetID:         asset.ID,
		AssetCode:       asset.AssetCode,
		Amount:          req.Amount,
		AmountStroops:   ledger.ToStroops(req.Amount),
		TokensPurchased: tokens,
		TokensStroops:   ledger.ToStroops(tokens),
		BuyerAddress:    req.BuyerAddress,
		SellerAddress:   asset.AssetIssuerAddress,
		OperatorAddress: c.payments.OperatorAddress(),
		TokenContract:   asset.ContractID,
	}, asset, nil
}

func (c *Coordinator) raiseGap(ctx context.Context, run *saga.Run, quote *Quote, completion *Completion, gap *apperr.ConsistencyGap) {
	c.logger.Error("CRITICAL: swap left a consistency gap",
		zap.String("asset_id", quote.AssetID.String()),
		zap.String("buyer", quote.BuyerAddress),
		zap.String("failed_step", gap.Failed),
		zap.Error(gap))
	if c.alerts == nil {
		return
	}
	err := c.alerts.Publish(context.WithoutCancel(ctx), alerts.Alert{
		Kind:     "swap_gap",
		Severity: alerts.SeverityCritical,
		Subject:  quote.AssetID.String(),
		Message:  gap.Error(),
		Details: map[string]string{
			"saga_id":       run.ID.String(),
			"buyer":         quote.BuyerAddress,
			"seller":        quote.SellerAddress,
			"amount":        quote.Amount.String(),
			"tokens":        quote.TokensPurchased.String(),
			"token_tx_hash": completion.TokenTxHash,
		},
	})
	if err != nil {
		c.logger.Warn("Failed to publish alert", zap.Error(err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
