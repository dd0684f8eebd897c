package swap

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
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

// MockAssetRepository is a mock implementation of assets.Repository
type MockAssetRepository struct {
	mock.Mock
}

func (m *MockAssetRepository) CreateInTx(ctx context.Context, ext sqlx.ExtContext, asset *assets.Asset) error {
	return m.Called(ctx, ext, asset).Error(0)
}

func (m *MockAssetRepository) Get(ctx context.Context, id uuid.UUID) (*assets.Asset, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*assets.Asset), args.Error(1)
}

func (m *MockAssetRepository) GetByOriginRequest(ctx context.Context, requestID uuid.UUID) (*assets.Asset, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*assets.Asset), args.Error(1)
}

func (m *MockAssetRepository) List(ctx context.Context, filters assets.AssetFilters) ([]*assets.Asset, error) {
	args := m.Called(ctx, filters)
	return args.Get(0).([]*assets.Asset), args.Error(1)
}

func (m *MockAssetRepository) ListByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*assets.Asset, error) {
	args := m.Called(ctx, issuerID)
	return args.Get(0).([]*assets.Asset), args.Error(1)
}

func (m *MockAssetRepository) ListApprovableByIssuer(ctx context.Context, issuerID uuid.UUID) ([]*assets.Asset, error) {
	args := m.Called(ctx, issuerID)
	return args.Get(0).([]*assets.Asset), args.Error(1)
}

func (m *MockAssetRepository) ListActive(ctx context.Context) ([]*assets.Asset, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*assets.Asset), args.Error(1)
}

func (m *MockAssetRepository) CreatePurchase(ctx context.Context, p *assets.Purchase) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockAssetRepository) ListPurchasesByBuyer(ctx context.Context, buyerID uuid.UUID) ([]*assets.Purchase, error) {
	args := m.Called(ctx, buyerID)
	return args.Get(0).([]*assets.Purchase), args.Error(1)
}

// MockLedgerClient is a mock implementation of ledger.LedgerClient
type MockLedgerClient struct {
	mock.Mock
}

func (m *MockLedgerClient) Deploy(ctx context.Context, req ledger.DeployRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerClient) Invoke(ctx context.Context, req ledger.InvokeRequest) (*ledger.InvocationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.InvocationResult), args.Error(1)
}

func (m *MockLedgerClient) Query(ctx context.Context, req ledger.InvokeRequest) (decimal.Decimal, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockLedgerClient) Render(req ledger.InvokeRequest) string {
	return m.Called(req).String(0)
}

// MockPayments is a mock implementation of Payments
type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) OperatorAddress() string { return "GOPERATOR" }

func (m *MockPayments) BuildPayment(ctx context.Context, source, destination string, amount decimal.Decimal, memo string) (string, error) {
	args := m.Called(ctx, source, destination, amount, memo)
	return args.String(0), args.Error(1)
}

func (m *MockPayments) PayFromOperator(ctx context.Context, destination string, amount decimal.Decimal, memo string) (string, error) {
	args := m.Called(ctx, destination, amount, memo)
	return args.String(0), args.Error(1)
}

// MockTransfers is a mock implementation of Transfers
type MockTransfers struct {
	mock.Mock
}

func (m *MockTransfers) Balance(ctx context.Context, contractID, holder string) (decimal.Decimal, error) {
	args := m.Called(ctx, contractID, holder)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *MockTransfers) TransferFrom(ctx context.Context, req allowance.TransferRequest) (*ledger.InvocationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.InvocationResult), args.Error(1)
}

type capturePublisher struct {
	alerts []alerts.Alert
}

func (p *capturePublisher) Publish(ctx context.Context, alert alerts.Alert) error {
	p.alerts = append(p.alerts, alert)
	return nil
}

type fixture struct {
	coord     *Coordinator
	assets    *MockAssetRepository
	client    *MockLedgerClient
	payments  *MockPayments
	transfers *MockTransfers
	published *capturePublisher
}

func newFixture(mode config.SettlementMode) *fixture {
	f := &fixture{
		assets:    new(MockAssetRepository),
		client:    new(MockLedgerClient),
		payments:  new(MockPayments),
		transfers: new(MockTransfers),
		published: &capturePublisher{},
	}
	f.coord = NewCoordinator(f.assets, f.client, f.transfers, f.payments,
		saga.NewRunner(nil, zap.NewNop()), f.published, "CCONTROLLER",
		config.SwapConfig{SettlementMode: mode}, zap.NewNop())
	return f
}

func pricedAsset(price string) *assets.Asset {
	a := &assets.Asset{
		ID:                 uuid.New(),
		IssuerID:           uuid.New(),
		AssetCode:          "VCS_981_2023",
		AssetIssuerAddress: "GSELLER",
		ContractID:         "CTOKEN",
		TotalSupply:        decimal.NewFromInt(1000),
	}
	if price != "" {
		a.PricePerUnit = decimal.NewNullDecimal(decimal.RequireFromString(price))
	}
	return a
}

func buyer() auth.Identity {
	return auth.Identity{UserID: uuid.New(), Address: "GBUYER", Role: auth.RoleInvestor}
}

func order(asset *assets.Asset, amount string) Request {
	return Request{AssetID: asset.ID, Amount: decimal.RequireFromString(amount), BuyerAddress: "GBUYER"}
}

func TestTokensFor(t *testing.T) {
	tests := []struct {
		name   string
		price  string
		amount string
		want   string
	}{
		{"priced", "2.0", "10", "5"},
		{"unpriced", "", "10", "10"},
		{"zero price treated as unset", "0", "10", "10"},
		{"fractional", "3", "10", "3.3333333"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TokensFor(pricedAsset(tt.price), decimal.RequireFromString(tt.amount))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestPrepareQuotesAndBuildsUnsignedPayment(t *testing.T) {
	f := newFixture(config.SettlementMint)
	asset := pricedAsset("2.0")
	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.payments.On("BuildPayment", mock.Anything, "GBUYER", "GOPERATOR",
		mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(decimal.NewFromInt(10)) }),
		"Buy VCS_981_2023").Return("AAAA-xdr", nil)

	prep, err := f.coord.Prepare(context.Background(), buyer(), order(asset, "10"))

	require.NoError(t, err)
	assert.Equal(t, "AAAA-xdr", prep.BuyerPaymentXDR)
	assert.True(t, prep.Quote.TokensPurchased.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, "50000000", prep.Quote.TokensStroops.String())
	assert.Equal(t, "100000000", prep.Quote.AmountStroops.String())
	assert.Equal(t, "GSELLER", prep.Quote.SellerAddress)
	f.payments.AssertNotCalled(t, "PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.client.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestQuoteIsIdenticalAcrossPhases(t *testing.T) {
	f := newFixture(config.SettlementMint)
	asset := pricedAsset("2.0")
	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.payments.On("BuildPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("xdr", nil)
	f.client.On("Invoke", mock.Anything, mock.Anything).Return(&ledger.InvocationResult{}, nil)
	f.payments.On("PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("hash", nil)
	f.assets.On("CreatePurchase", mock.Anything, mock.Anything).Return(nil)

	caller := buyer()
	prep, err := f.coord.Prepare(context.Background(), caller, order(asset, "10"))
	require.NoError(t, err)
	done, err := f.coord.Complete(context.Background(), caller, order(asset, "10"))
	require.NoError(t, err)

	assert.Equal(t, prep.Quote, done.Quote)
}

func TestPrepareRejectsInvalidOrders(t *testing.T) {
	asset := pricedAsset("2.0")
	caller := buyer()

	tests := []struct {
		name   string
		caller auth.Identity
		req    Request
		setup  func(a *assets.Asset)
		status int
	}{
		{"zero amount", caller, order(asset, "0"), nil, 400},
		{"buyer mismatch", caller, Request{AssetID: asset.ID, Amount: decimal.NewFromInt(1), BuyerAddress: "GOTHER"}, nil, 403},
		{"frozen", caller, order(asset, "10"), func(a *assets.Asset) { a.IsFrozen = true }, 400},
		{"own asset by id", auth.Identity{UserID: asset.IssuerID, Address: "GBUYER"}, order(asset, "10"), nil, 400},
		{"own asset by address", caller, order(asset, "10"), func(a *assets.Asset) { a.AssetIssuerAddress = "GBUYER" }, 400},
		{"finer than a stroop", caller, order(asset, "10.00000005"), nil, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(config.SettlementMint)
			a := *asset
			if tt.setup != nil {
				tt.setup(&a)
			}
			f.assets.On("Get", mock.Anything, asset.ID).Return(&a, nil)

			_, err := f.coord.Prepare(context.Background(), tt.caller, tt.req)

			assert.Equal(t, tt.status, apperr.HTTPStatus(err))
			f.payments.AssertNotCalled(t, "BuildPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPrepareUnknownAsset(t *testing.T) {
	f := newFixture(config.SettlementMint)
	id := uuid.New()
	f.assets.On("Get", mock.Anything, id).Return(nil, nil)

	_, err := f.coord.Prepare(context.Background(), buyer(), Request{AssetID: id, Amount: decimal.NewFromInt(1), BuyerAddress: "GBUYER"})

	assert.Equal(t, 404, apperr.HTTPStatus(err))
}

func TestCompleteMintsPaysAndRecords(t *testing.T) {
	f := newFixture(config.SettlementMint)
	asset := pricedAsset("2.0")
	caller := buyer()

	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.client.On("Invoke", mock.Anything, mock.MatchedBy(func(r ledger.InvokeRequest) bool {
		return r.ContractID == "CCONTROLLER" && r.Function == "mint_to_issuer" &&
			assert.ObjectsAreEqual([]ledger.NamedArg{
				ledger.Arg("asset_code", "VCS_981_2023"),
				ledger.Arg("issuer", "GBUYER"),
				ledger.Arg("amount", "50000000"),
			}, r.Args)
	})).Return(&ledger.InvocationResult{Output: "ok", TxHash: "minthash"}, nil)
	f.payments.On("PayFromOperator", mock.Anything, "GSELLER",
		mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(decimal.NewFromInt(10)) }),
		"Pay VCS_981_2023").Return("sellerhash", nil)
	f.assets.On("CreatePurchase", mock.Anything, mock.MatchedBy(func(p *assets.Purchase) bool {
		return p.BuyerID == caller.UserID && p.SellerID == asset.IssuerID &&
			p.TokensPurchased.Equal(decimal.NewFromInt(5)) &&
			p.BuyerPaymentHash != nil && *p.BuyerPaymentHash == "buyerhash"
	})).Return(nil)

	req := order(asset, "10")
	req.BuyerPaymentHash = "buyerhash"
	done, err := f.coord.Complete(context.Background(), caller, req)

	require.NoError(t, err)
	assert.Equal(t, "sellerhash", done.SellerPaymentHash)
	assert.Equal(t, "minthash", done.TokenTxHash)
	assert.NotNil(t, done.PurchaseID)
	assert.Empty(t, done.Warnings)
	f.assets.AssertExpectations(t)
}

func TestCompleteMintFailureSkipsPaymentAndPurchase(t *testing.T) {
	f := newFixture(config.SettlementMint)
	asset := pricedAsset("2.0")
	mintErr := &apperr.ExecutionError{Op: "invoke mint_to_issuer", Message: "HostError: not authorized"}

	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.client.On("Invoke", mock.Anything, mock.Anything).Return(nil, mintErr)

	_, err := f.coord.Complete(context.Background(), buyer(), order(asset, "10"))

	assert.ErrorIs(t, err, mintErr)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
	f.payments.AssertNotCalled(t, "PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.assets.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
	assert.Empty(t, f.published.alerts)
}

func TestCompleteSellerPaymentFailureIsAGap(t *testing.T) {
	f := newFixture(config.SettlementMint)
	asset := pricedAsset("")

	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.client.On("Invoke", mock.Anything, mock.Anything).Return(&ledger.InvocationResult{TxHash: "minthash"}, nil)
	f.payments.On("PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", &apperr.ExecutionError{Op: "submit payment", Message: "op_underfunded"})

	done, err := f.coord.Complete(context.Background(), buyer(), order(asset, "10"))

	var gap *apperr.ConsistencyGap
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, StepPaySeller, gap.Failed)
	assert.Equal(t, []string{StepDeliver}, gap.Completed)
	assert.Equal(t, "minthash", done.TokenTxHash)
	f.assets.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
	require.Len(t, f.published.alerts, 1)
	assert.Equal(t, "swap_gap", f.published.alerts[0].Kind)
}

func TestCompletePurchaseRecordFailureIsOnlyAWarning(t *testing.T) {
	f := newFixture(config.SettlementMint)
	asset := pricedAsset("2.0")

	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.client.On("Invoke", mock.Anything, mock.Anything).Return(&ledger.InvocationResult{}, nil)
	f.payments.On("PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("sellerhash", nil)
	f.assets.On("CreatePurchase", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	done, err := f.coord.Complete(context.Background(), buyer(), order(asset, "10"))

	require.NoError(t, err)
	assert.Equal(t, "sellerhash", done.SellerPaymentHash)
	assert.Nil(t, done.PurchaseID)
	require.Len(t, done.Warnings, 1)
	assert.Contains(t, done.Warnings[0], "connection refused")
}

func TestCompleteTransferModeChecksBalanceThenTransfers(t *testing.T) {
	f := newFixture(config.SettlementTransfer)
	asset := pricedAsset("2.0")

	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.transfers.On("Balance", mock.Anything, "CTOKEN", "GSELLER").Return(decimal.NewFromInt(90000000), nil)
	f.transfers.On("TransferFrom", mock.Anything, mock.MatchedBy(func(r allowance.TransferRequest) bool {
		return r.Owner == "GSELLER" && r.To == "GBUYER" && r.Amount.Equal(decimal.NewFromInt(50000000))
	})).Return(&ledger.InvocationResult{TxHash: "xferhash"}, nil)
	f.payments.On("PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("sellerhash", nil)
	f.assets.On("CreatePurchase", mock.Anything, mock.Anything).Return(nil)

	done, err := f.coord.Complete(context.Background(), buyer(), order(asset, "10"))

	require.NoError(t, err)
	assert.Equal(t, "xferhash", done.TokenTxHash)
	assert.Equal(t, "transfer", done.SettlementMode)
	f.client.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
}

func TestCompleteTransferModeInsufficientBalance(t *testing.T) {
	f := newFixture(config.SettlementTransfer)
	asset := pricedAsset("2.0")

	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.transfers.On("Balance", mock.Anything, "CTOKEN", "GSELLER").Return(decimal.NewFromInt(10), nil)

	_, err := f.coord.Complete(context.Background(), buyer(), order(asset, "10"))

	assert.ErrorContains(t, err, "insufficient seller balance")
	f.transfers.AssertNotCalled(t, "TransferFrom", mock.Anything, mock.Anything)
	f.payments.AssertNotCalled(t, "PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCompleteRechecksOrderBeforeAnyEffect(t *testing.T) {
	asset := pricedAsset("2.0")
	caller := buyer()

	tests := []struct {
		name   string
		caller auth.Identity
		req    Request
		setup  func(a *assets.Asset)
	}{
		{"own asset by id", auth.Identity{UserID: asset.IssuerID, Address: "GBUYER"}, order(asset, "10"), nil},
		{"own asset by address", caller, order(asset, "10"), func(a *assets.Asset) { a.AssetIssuerAddress = "GBUYER" }},
		{"frozen", caller, order(asset, "10"), func(a *assets.Asset) { a.IsFrozen = true }},
		{"finer than a stroop", caller, order(asset, "10.00000005"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, mode := range []config.SettlementMode{config.SettlementMint, config.SettlementTransfer} {
				f := newFixture(mode)
				a := *asset
				if tt.setup != nil {
					tt.setup(&a)
				}
				f.assets.On("Get", mock.Anything, asset.ID).Return(&a, nil)

				_, err := f.coord.Complete(context.Background(), tt.caller, tt.req)

				assert.Equal(t, 400, apperr.HTTPStatus(err))
				f.client.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything)
				f.transfers.AssertNotCalled(t, "TransferFrom", mock.Anything, mock.Anything)
				f.payments.AssertNotCalled(t, "PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
				f.assets.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestCompleteDoesNotRecordPurchaseOnAssetFrozenMidSwap(t *testing.T) {
	f := newFixture(config.SettlementMint)
	asset := pricedAsset("2.0")
	frozen := *asset
	frozen.IsFrozen = true

	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil).Once()
	f.assets.On("Get", mock.Anything, asset.ID).Return(&frozen, nil)
	f.client.On("Invoke", mock.Anything, mock.Anything).Return(&ledger.InvocationResult{TxHash: "minthash"}, nil)
	f.payments.On("PayFromOperator", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("sellerhash", nil)

	done, err := f.coord.Complete(context.Background(), buyer(), order(asset, "10"))

	require.NoError(t, err)
	assert.Equal(t, "sellerhash", done.SellerPaymentHash)
	assert.Nil(t, done.PurchaseID)
	require.Len(t, done.Warnings, 1)
	assert.Contains(t, done.Warnings[0], "frozen")
	f.assets.AssertNotCalled(t, "CreatePurchase", mock.Anything, mock.Anything)
}

func TestQuoteRendersAmountsAsNumbers(t *testing.T) {
	f := newFixture(config.SettlementMint)
	asset := pricedAsset("2.0")
	f.assets.On("Get", mock.Anything, asset.ID).Return(asset, nil)
	f.payments.On("BuildPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("xdr", nil)

	prep, err := f.coord.Prepare(context.Background(), buyer(), order(asset, "10"))
	require.NoError(t, err)

	raw, err := json.Marshal(prep)
	require.NoError(t, err)

	var body struct {
		Details map[string]any `json:"swap_details"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, float64(5), body.Details["tokens_purchased"])
	assert.Equal(t, float64(50000000), body.Details["tokens_stroops"])
	assert.Equal(t, float64(10), body.Details["amount"])
	assert.Equal(t, float64(100000000), body.Details["amount_stroops"])
	assert.Equal(t, "VCS_981_2023", body.Details["asset_code"])
}
