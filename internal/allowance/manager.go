// Package allowance manages the operator's standing transfer rights over
// issuer-held token balances.
package allowance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/config"
	"carbon-scribe/tokenization-engine/internal/ledger"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// ApproveRequest grants the operator an allowance over Owner's balance in
// ContractID. Amount is in smallest units. A zero Expiration is resolved from
// the current ledger plus Horizon ledgers, or the default horizon when that
// is zero too.
type ApproveRequest struct {
	ContractID  string
	Owner       string
	OwnerSecret string
	Amount      decimal.Decimal
	Expiration  uint32
	Horizon     uint32
}

// Approval is a granted allowance.
type Approval struct {
	ContractID       string          `json:"contract_id"`
	Owner            string          `json:"owner"`
	Spender          string          `json:"spender"`
	Amount           decimal.Decimal `json:"amount"`
	ExpirationLedger uint32          `json:"expiration_ledger"`
	TxHash           string          `json:"tx_hash,omitempty"`
}

// TransferRequest moves Amount smallest units from Owner to To using the
// operator's allowance.
type TransferRequest struct {
	ContractID string
	Owner      string
	To         string
	Amount     decimal.Decimal
}

// Manager approves, reads and consumes operator allowances.
type Manager struct {
	client   ledger.LedgerClient
	sequence ledger.SequenceSource
	operator string
	cfg      config.AllowanceConfig
	locks    *keyedMutex
	logger   *zap.Logger
}

// NewManager creates an allowance manager for the operator at operatorAddress.
func NewManager(client ledger.LedgerClient, sequence ledger.SequenceSource, operatorAddress string, cfg config.AllowanceConfig, logger *zap.Logger) *Manager {
	return &Manager{
		client:   client,
		sequence: sequence,
		operator: operatorAddress,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// Operator returns the spender address all allowances are granted to.
func (m *Manager) Operator() string {
	return m.operator
}

// BlanketAmount is the allowance granted for a given total supply: the
// safety multiple over the supply in smallest units.
func (m *Manager) BlanketAmount(totalSupply decimal.Decimal) decimal.Decimal {
	return ledger.ToStroops(totalSupply).Mul(decimal.NewFromInt(m.cfg.SafetyMultiple))
}

// BlanketHorizon is the expiry horizon for provisioning-time approvals.
func (m *Manager) BlanketHorizon() uint32 {
	return m.cfg.BlanketHorizonLedgers
}

// Expiration resolves the current ledger plus horizon. It fails rather than
// guessing when no sequence source answers.
func (m *Manager) Expiration(ctx context.Context, horizon uint32) (uint32, error) {
	if horizon == 0 {
		horizon = m.cfg.DefaultHorizonLedgers
	}
	current, err := m.sequence.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("cannot resolve allowance expiration: %w", err)
	}
	return current + horizon, nil
}

// Approve grants the operator an allowance. An owner other than the operator
// must sign with their own secret; the operator's secret is never used on a
// third party's behalf.
func (m *Manager) Approve(ctx context.Context, req ApproveRequest) (*Approval, error) {
	if req.ContractID == "" || req.Owner == "" {
		return nil, apperr.Invalid("contract and owner are required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.Invalid("allowance amount must be positive")
	}

	source, err := m.signerFor(req.Owner, req.OwnerSecret)
	if err != nil {
		return nil, err
	}

	expiration := req.Expiration
	if expiration == 0 {
		expiration, err = m.Expiration(ctx, req.Horizon)
		if err != nil {
			return nil, err
		}
	}

	res, err := m.client.Invoke(ctx, ledger.InvokeRequest{
		ContractID: req.ContractID,
		Function:   "approve",
		Source:     source,
		Args:       m.approveArgs(req.Owner, req.Amount.String(), strconv.FormatUint(uint64(expiration), 10)),
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Operator allowance approved",
		zap.String("contract_id", req.ContractID),
		zap.String("owner", req.Owner),
		zap.String("amount", req.Amount.String()),
		zap.Uint32("expiration_ledger", expiration))

	return &Approval{
		ContractID:       req.ContractID,
		Owner:            req.Owner,
		Spender:          m.operator,
		Amount:           req.Amount,
		ExpirationLedger: expiration,
		TxHash:           res.TxHash,
	}, nil
}

// Current reads the allowance owner has granted spender. known is false when
// the contract answered but the value could not be read.
func (m *Manager) Current(ctx context.Context, contractID, owner, spender string) (amount decimal.Decimal, known bool, err error) {
	value, err := m.client.Query(ctx, ledger.InvokeRequest{
		ContractID: contractID,
		Function:   "allowance",
		Args:       []ledger.NamedArg{ledger.Arg("from", owner), ledger.Arg("spender", spender)},
	})
	if errors.Is(err, ledger.ErrResultUnparsable) {
		m.logger.Warn("Allowance value unreadable",
			zap.String("contract_id", contractID),
			zap.String("owner", owner),
			zap.Error(err))
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return value, true, nil
}

// Balance reads holder's token balance in smallest units.
func (m *Manager) Balance(ctx context.Context, contractID, holder string) (decimal.Decimal, error) {
	return m.client.Query(ctx, ledger.InvokeRequest{
		ContractID: contractID,
		Function:   "balance",
		Args:       []ledger.NamedArg{ledger.Arg("id", holder)},
	})
}

// TransferFrom checks the operator's allowance and then spends it. Transfers
// for the same (contract, owner) are serialised within this process.
func (m *Manager) TransferFrom(ctx context.Context, req TransferRequest) (*ledger.InvocationResult, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Invalid("transfer amount must be positive")
	}

	unlock := m.locks.Lock(req.ContractID + "|" + req.Owner)
	defer unlock()

	current, known, err := m.Current(ctx, req.ContractID, req.Owner, m.operator)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, &apperr.ExecutionError{Op: "transfer_from", Message: "operator allowance could not be determined"}
	}
	if current.LessThan(req.Amount) {
		return nil, &apperr.ExecutionError{
			Op:      "transfer_from",
			Message: fmt.Sprintf("insufficient allowance: approved %s, required %s", current, req.Amount),
		}
	}

	res, err := m.client.Invoke(ctx, ledger.InvokeRequest{
		ContractID: req.ContractID,
		Function:   "transfer_from",
		Args: []ledger.NamedArg{
			ledger.Arg("spender", m.operator),
			ledger.Arg("from", req.Owner),
			ledger.Arg("to", req.To),
			ledger.Arg("amount", req.Amount.String()),
		},
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Tokens transferred under allowance",
		zap.String("contract_id", req.ContractID),
		zap.String("from", req.Owner),
		zap.String("to", req.To),
		zap.String("amount", req.Amount.String()))
	return res, nil
}

// ManualCommand renders the approve invocation an owner can run themselves.
// When the current ledger cannot be resolved the expiration is left as a
// placeholder for the owner to fill in.
func (m *Manager) ManualCommand(ctx context.Context, contractID, owner string, amount decimal.Decimal) (command string, expiration string) {
	expiration = fmt.Sprintf("<CURRENT_LEDGER + %d>", m.cfg.DefaultHorizonLedgers)
	if exp, err := m.Expiration(ctx, m.cfg.DefaultHorizonLedgers); err == nil {
		expiration = strconv.FormatUint(uint64(exp), 10)
	} else {
		m.logger.Warn("Falling back to placeholder expiration", zap.Error(err))
	}

	command = m.client.Render(ledger.InvokeRequest{
		ContractID: contractID,
		Function:   "approve",
		Source:     ledger.OwnerSecretPlaceholder,
		Args:       m.approveArgs(owner, amount.String(), expiration),
	})
	return command, expiration
}

func (m *Manager) approveArgs(owner, amount, expiration string) []ledger.NamedArg {
	return []ledger.NamedArg{
		ledger.Arg("from", owner),
		ledger.Arg("spender", m.operator),
		ledger.Arg("amount", amount),
		ledger.Arg("expiration_ledger", expiration),
	}
}

func (m *Manager) signerFor(owner, secret string) (ledger.SigningIdentity, error) {
	if owner == m.operator {
		return ledger.SigningIdentity{}, nil
	}
	if secret == "" {
		return ledger.SigningIdentity{}, apperr.ErrUnsupportedSelfService
	}
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return ledger.SigningIdentity{}, apperr.Invalid("invalid owner secret key")
	}
	if kp.Address() != owner {
		return ledger.SigningIdentity{}, apperr.Forbidden("secret key does not belong to %s", owner)
	}
	return ledger.AdHocIdentity(secret), nil
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
