// Package provisioning turns an approved tokenization request into a live
// token contract, a minted supply and an Asset record.
package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/allowance"
	"carbon-scribe/tokenization-engine/internal/assets"
	"carbon-scribe/tokenization-engine/internal/config"
	"carbon-scribe/tokenization-engine/internal/ledger"
	"carbon-scribe/tokenization-engine/internal/tokenization"
	"carbon-scribe/tokenization-engine/pkg/alerts"
	"carbon-scribe/tokenization-engine/pkg/apperr"
	"carbon-scribe/tokenization-engine/pkg/saga"
)

// Saga step names, in execution order.
const (
	StepDeploy       = "deploy"
	StepRegister     = "register"
	StepMint         = "mint"
	StepRecord       = "record"
	StepPreauthorize = "preauthorize"
)

const sagaKind = "provisioning"

var failureLabels = map[string]string{
	StepDeploy:   "Deployment failed",
	StepRegister: "Registration failed",
	StepMint:     "Minting failed",
	StepRecord:   "Recording failed",
}

// Preauthorizer grants the operator its standing allowance over a new asset.
type Preauthorizer interface {
	Operator() string
	BlanketAmount(totalSupply decimal.Decimal) decimal.Decimal
	BlanketHorizon() uint32
	Approve(ctx context.Context, req allowance.ApproveRequest) (*allowance.Approval, error)
	ManualCommand(ctx context.Context, contractID, owner string, amount decimal.Decimal) (string, string)
}

// TxBeginner opens the transaction the record step runs in.
type TxBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// Orchestrator implements tokenization.Provisioner.
type Orchestrator struct {
	db         TxBeginner
	requests   tokenization.Repository
	assets     assets.Repository
	client     ledger.LedgerClient
	allowances Preauthorizer
	runner     *saga.Runner
	alerts     alerts.Publisher
	cfg        *config.StellarConfig
	logger     *zap.Logger
}

// NewOrchestrator creates a provisioning orchestrator
func NewOrchestrator(
	db TxBeginner,
	requests tokenization.Repository,
	assetRepo assets.Repository,
	client ledger.LedgerClient,
	allowances Preauthorizer,
	runner *saga.Runner,
	publisher alerts.Publisher,
	cfg *config.StellarConfig,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:         db,
		requests:   requests,
		assets:     assetRepo,
		client:     client,
		allowances: allowances,
		runner:     runner,
		alerts:     publisher,
		cfg:        cfg,
		logger:     logger,
	}
}

// provision holds what the steps of one run hand to each other.
type provision struct {
	req        *tokenization.Request
	note       string
	assetCode  string
	contractID string
	asset      *assets.Asset
}

// Provision deploys, registers, mints and records the asset for req. The
// caller's cancellation does not reach in-flight ledger calls. On any critical
// failure the request is left APPROVED with a note naming the failed step.
func (o *Orchestrator) Provision(ctx context.Context, req *tokenization.Request, note string) (*tokenization.ProvisionResult, error) {
	if req.IssuerAddress == "" {
		return nil, apperr.Invalid("issuer of request %s has no wallet address", req.ID)
	}
	if req.ProjectIdentifier == "" {
		return nil, apperr.Invalid("request %s has no project identifier", req.ID)
	}

	p := &provision{
		req:       req,
		note:      note,
		assetCode: assets.AssetCode(req.ProjectIdentifier, req.VintageYear),
	}
	noController := func() bool { return !o.cfg.ControllerConfigured() }

	steps := []saga.Step{
		{Name: StepDeploy, Policy: saga.Critical, Run: p.bind(o.deploy)},
		{Name: StepRegister, Policy: saga.Critical, Skip: noController, Run: p.bind(o.register)},
		{Name: StepMint, Policy: saga.Critical, Skip: noController, Run: p.bind(o.mint)},
		{Name: StepRecord, Policy: saga.Critical, Run: p.bind(o.record)},
		{Name: StepPreauthorize, Policy: saga.BestEffort, Run: p.bind(o.preauthorize)},
	}

	run, err := o.runner.Execute(context.WithoutCancel(ctx), sagaKind, req.ID.String(), steps)

	result := &tokenization.ProvisionResult{
		ContractAddress: p.contractID,
		CommittedSteps:  run.Committed(),
	}
	if result.CommittedSteps == nil {
		result.CommittedSteps = []string{}
	}
	for _, w := range run.Warnings() {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", w.Name, w.Error))
	}

	if err == nil {
		result.Status = tokenization.StatusMinted
		result.AssetID = &p.asset.ID
		o.logger.Info("Tokenization request provisioned",
			zap.String("request_id", req.ID.String()),
			zap.String("contract_id", p.contractID),
			zap.String("asset_code", p.assetCode))
		return result, nil
	}

	result.Status = tokenization.StatusApproved
	o.markApproved(ctx, p, failedStep(run), err)

	var gap *apperr.ConsistencyGap
	if errors.As(err, &gap) {
		o.raise(ctx, alerts.Alert{
			Kind:     "provisioning_gap",
			Severity: alerts.SeverityCritical,
			Subject:  req.ID.String(),
			Message:  err.Error(),
			Details: map[string]string{
				"contract_id": p.contractID,
				"asset_code":  p.assetCode,
				"failed_step": gap.Failed,
				"saga_id":     run.ID.String(),
			},
		})
	}
	return result, err
}

func (p *provision) bind(fn func(context.Context, *provision) error) func(context.Context) error {
	return func(ctx context.Context) error { return fn(ctx, p) }
}

func (o *Orchestrator) deploy(ctx context.Context, p *provision) error {
	contractID, err := o.client.Deploy(ctx, ledger.DeployRequest{
		WasmPath: o.cfg.TokenWasmPath,
		Args: []ledger.NamedArg{
			ledger.Arg("admin", o.allowances.Operator()),
			ledger.Arg("decimal", o.cfg.TokenDecimals),
			ledger.Arg("name", fmt.Sprintf("%s %d", p.req.ProjectIdentifier, p.req.VintageYear)),
			ledger.Arg("symbol", p.assetCode),
		},
	})
	if err != nil {
		return err
	}
	p.contractID = contractID
	return nil
}

func (o *Orchestrator) register(ctx context.Context, p *provision) error {
	_, err := o.client.Invoke(ctx, ledger.InvokeRequest{
		ContractID: o.cfg.ControllerAddress,
		Function:   "register_asset",
		Args: []ledger.NamedArg{
			ledger.Arg("asset_code", p.assetCode),
			ledger.Arg("project_id", p.req.ProjectID.String()),
			ledger.Arg("vintage_year", p.req.VintageYear),
			ledger.Arg("token", p.contractID),
			ledger.Arg("admin", o.allowances.Operator()),
		},
	})
	return err
}

func (o *Orchestrator) mint(ctx context.Context, p *provision) error {
	_, err := o.client.Invoke(ctx, ledger.InvokeRequest{
		ContractID: o.cfg.ControllerAddress,
		Function:   "mint_to_issuer",
		Args: []ledger.NamedArg{
			ledger.Arg("asset_code", p.assetCode),
			ledger.Arg("issuer", p.req.IssuerAddress),
			ledger.Arg("amount", ledger.ToStroops(p.req.Quantity).String()),
		},
	})
	return err
}

// record inserts the Asset and marks the request MINTED in one transaction.
func (o *Orchestrator) record(ctx context.Context, p *provision) error {
	asset := &assets.Asset{
		ID:                 uuid.New(),
		ProjectID:          p.req.ProjectID,
		IssuerID:           p.req.IssuerID,
		VintageYear:        p.req.VintageYear,
		AssetCode:          p.assetCode,
		AssetIssuerAddress: p.req.IssuerAddress,
		ContractID:         p.contractID,
		TotalSupply:        p.req.Quantity,
		PricePerUnit:       p.req.PricePerUnit,
		OriginRequestID:    p.req.ID,
		CreatedAt:          time.Now(),
	}

	tx, err := o.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := o.assets.CreateInTx(ctx, tx, asset); err != nil {
		return err
	}
	contract := p.contractID
	if err := o.requests.Resolve(ctx, tx, p.req.ID, tokenization.StatusMinted, optional(p.note), &contract); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	p.asset = asset
	return nil
}

// preauthorize grants the operator a blanket allowance over the issuer's
// minted balance. Only an issuer that is the operator can be approved here;
// any other issuer gets an alert carrying the command to run themselves.
func (o *Orchestrator) preauthorize(ctx context.Context, p *provision) error {
	amount := o.allowances.BlanketAmount(p.req.Quantity)
	_, err := o.allowances.Approve(ctx, allowance.ApproveRequest{
		ContractID: p.contractID,
		Owner:      p.req.IssuerAddress,
		Amount:     amount,
		Horizon:    o.allowances.BlanketHorizon(),
	})
	if err == nil {
		return nil
	}

	details := map[string]string{
		"contract_id": p.contractID,
		"owner":       p.req.IssuerAddress,
		"amount":      amount.String(),
	}
	if errors.Is(err, apperr.ErrUnsupportedSelfService) {
		command, _ := o.allowances.ManualCommand(ctx, p.contractID, p.req.IssuerAddress, amount)
		details["manual_command"] = command
	}
	o.logger.Error("CRITICAL: operator pre-authorization failed; swaps settling by transfer will fail until the issuer approves",
		zap.String("request_id", p.req.ID.String()),
		zap.String("contract_id", p.contractID),
		zap.Error(err))
	o.raise(ctx, alerts.Alert{
		Kind:     "preauthorization_failed",
		Severity: alerts.SeverityWarning,
		Subject:  p.req.ID.String(),
		Message:  err.Error(),
		Details:  details,
	})
	return err
}

// markApproved parks the request in APPROVED with a note naming the failure.
func (o *Orchestrator) markApproved(ctx context.Context, p *provision, step string, cause error) {
	label, ok := failureLabels[step]
	if !ok {
		label = "Provisioning failed"
	}
	note := fmt.Sprintf("%s: %v", label, cause)
	if p.note != "" {
		note = p.note + "\n" + note
	}

	var contract *string
	if p.contractID != "" {
		contract = &p.contractID
	}

	if err := o.requests.Resolve(context.WithoutCancel(ctx), nil, p.req.ID, tokenization.StatusApproved, &note, contract); err != nil {
		o.logger.Error("Failed to mark request approved after provisioning failure",
			zap.String("request_id", p.req.ID.String()),
			zap.String("failed_step", step),
			zap.Error(err))
	}
}

func (o *Orchestrator) raise(ctx context.Context, alert alerts.Alert) {
	if o.alerts == nil {
		return
	}
	if err := o.alerts.Publish(context.WithoutCancel(ctx), alert); err != nil {
		o.logger.Warn("Failed to publish alert", zap.String("kind", alert.Kind), zap.Error(err))
	}
}

func failedStep(run *saga.Run) string {
	for _, s := range run.Steps {
		if s.Status == saga.StepFailed {
			return s.Name
		}
	}
	return ""
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
