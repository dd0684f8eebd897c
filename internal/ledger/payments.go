package ledger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/pkg/apperr"
)

// MaxMemoBytes is the classic text memo limit.
const MaxMemoBytes = 28

// HorizonAPI is the part of horizonclient.Client the engine uses.
type HorizonAPI interface {
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransaction(transaction *txnbuild.Transaction) (hProtocol.Transaction, error)
	Ledgers(request horizonclient.LedgerRequest) (hProtocol.LedgersPage, error)
}

// PaymentDesk builds and submits native XLM payments.
type PaymentDesk struct {
	horizon    HorizonAPI
	operator   *keypair.Full
	passphrase string
	baseFee    int64
	timeout    int64
	logger     *zap.Logger
}

// NewPaymentDesk creates a payment desk signing as operator.
func NewPaymentDesk(horizon HorizonAPI, operator *keypair.Full, passphrase string, baseFee, timeoutSeconds int64, logger *zap.Logger) *PaymentDesk {
	if baseFee < txnbuild.MinBaseFee {
		baseFee = txnbuild.MinBaseFee
	}
	return &PaymentDesk{
		horizon:    horizon,
		operator:   operator,
		passphrase: passphrase,
		baseFee:    baseFee,
		timeout:    timeoutSeconds,
		logger:     logger,
	}
}

// OperatorAddress returns the custodial account address.
func (d *PaymentDesk) OperatorAddress() string {
	return d.operator.Address()
}

// BuildPayment returns an unsigned base64 XDR transaction paying amount XLM
// from source to destination. It is never submitted.
func (d *PaymentDesk) BuildPayment(ctx context.Context, source, destination string, amount decimal.Decimal, memo string) (string, error) {
	tx, err := d.build(source, destination, amount, memo)
	if err != nil {
		return "", err
	}

	xdr, err := tx.Base64()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return xdr, nil
}

// PayFromOperator signs and submits a payment from the operator account and
// returns the transaction hash.
func (d *PaymentDesk) PayFromOperator(ctx context.Context, destination string, amount decimal.Decimal, memo string) (string, error) {
	tx, err := d.build(d.operator.Address(), destination, amount, memo)
	if err != nil {
		return "", err
	}

	tx, err = tx.Sign(d.passphrase, d.operator)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	resp, err := d.horizon.SubmitTransaction(tx)
	if err != nil {
		return "", submitError(err)
	}
	if !resp.Successful {
		return "", &apperr.ExecutionError{Op: "payment", Message: "transaction failed: " + resp.ResultXdr}
	}

	d.logger.Info("Operator payment submitted",
		zap.String("destination", destination),
		zap.String("amount", amount.StringFixed(Decimals)),
		zap.String("tx_hash", resp.Hash))
	return resp.Hash, nil
}

func (d *PaymentDesk) build(source, destination string, amount decimal.Decimal, memo string) (*txnbuild.Transaction, error) {
	if !amount.IsPositive() {
		return nil, apperr.Invalid("payment amount must be positive")
	}
	if !Representable(amount) {
		return nil, apperr.Invalid("payment amount %s has more than %d decimal places", amount, Decimals)
	}

	account, err := d.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: source})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return nil, apperr.Invalid("account %s does not exist on the network", source)
		}
		return nil, environmentError("account_detail", err)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: destination,
				Amount:      amount.StringFixed(Decimals),
				Asset:       txnbuild.NativeAsset{},
			},
		},
		BaseFee:       d.baseFee,
		Memo:          txnbuild.MemoText(TruncateMemo(memo)),
		Preconditions: txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(d.timeout)},
	})
	if err != nil {
		return nil, apperr.Invalid("failed to build payment: %v", err)
	}
	return tx, nil
}

// TruncateMemo cuts memo to MaxMemoBytes without splitting a rune.
func TruncateMemo(memo string) string {
	if len(memo) <= MaxMemoBytes {
		return memo
	}
	cut := MaxMemoBytes
	for cut > 0 && !utf8.RuneStart(memo[cut]) {
		cut--
	}
	return memo[:cut]
}

func submitError(err error) error {
	herr := horizonclient.GetError(err)
	if herr == nil {
		return environmentError("payment", err)
	}

	msg := herr.Problem.Title
	if codes, cerr := herr.ResultCodes(); cerr == nil && codes != nil {
		msg = fmt.Sprintf("%s: %s [%s]", msg, codes.TransactionCode, strings.Join(codes.OperationCodes, ","))
	}
	return &apperr.ExecutionError{Op: "payment", Message: msg, Err: err}
}
