// Package ledger is the boundary to the Stellar network: contract deploys and
// invocations through the stellar CLI, ledger sequence lookups and classic
// native payments.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"carbon-scribe/tokenization-engine/pkg/apperr"
)

var (
	ErrEnvironmentUnavailable = errors.New("contract execution environment unavailable")
	ErrExecutionFailed        = errors.New("contract execution failed")
	ErrResultUnparsable       = errors.New("contract output not in expected shape")
)

// LedgerClient deploys, invokes and queries Soroban contracts.
type LedgerClient interface {
	Deploy(ctx context.Context, req DeployRequest) (string, error)
	Invoke(ctx context.Context, req InvokeRequest) (*InvocationResult, error)
	Query(ctx context.Context, req InvokeRequest) (decimal.Decimal, error)
	Render(req InvokeRequest) string
}

// Target is the network an execution request is aimed at. RPCURL is an
// optional override and is only valid together with Passphrase.
type Target struct {
	Network    string
	RPCURL     string
	Passphrase string
}

func (t Target) validate() error {
	if t.Network == "" {
		return errors.New("network is required")
	}
	if t.RPCURL != "" && t.Passphrase == "" {
		return errors.New("rpc url override requires a network passphrase")
	}
	return nil
}

// SigningIdentity is either a named local identity whose secret is handed to
// the child process through its environment, or a raw secret passed ad hoc
// as the transaction source.
type SigningIdentity struct {
	name   string
	secret string
}

// NamedIdentity refers to a local identity such as "admin".
func NamedIdentity(name, secret string) SigningIdentity {
	return SigningIdentity{name: name, secret: secret}
}

// AdHocIdentity presents secret directly as the source account.
func AdHocIdentity(secret string) SigningIdentity {
	return SigningIdentity{secret: secret}
}

// OwnerSecretPlaceholder stands in for a secret the engine does not hold.
var OwnerSecretPlaceholder = AdHocIdentity("<OWNER_SECRET_KEY>")

func (s SigningIdentity) IsZero() bool { return s.name == "" && s.secret == "" }

func (s SigningIdentity) IsNamed() bool { return s.name != "" }

func (s SigningIdentity) source() string {
	if s.name != "" {
		return s.name
	}
	return s.secret
}

func (s SigningIdentity) redactedSource() string {
	if s.name != "" {
		return s.name
	}
	return "<OWNER_SECRET_KEY>"
}

// NamedArg is a contract argument rendered as --name value.
type NamedArg struct {
	Name  string
	Value string
}

func Arg(name string, value any) NamedArg {
	return NamedArg{Name: name, Value: fmt.Sprint(value)}
}

// DeployRequest deploys WasmPath with constructor Args.
type DeployRequest struct {
	WasmPath string
	Source   SigningIdentity
	Args     []NamedArg
	Target   *Target
}

// InvokeRequest calls Function on ContractID. A zero Source falls back to the
// gateway's operator identity.
type InvokeRequest struct {
	ContractID string
	Function   string
	Args       []NamedArg
	Source     SigningIdentity
	Target     *Target
}

// InvocationResult is the raw output of a successful invocation.
type InvocationResult struct {
	Output string
	TxHash string
}

func environmentError(op string, err error) error {
	return &apperr.EnvironmentError{Op: op, Err: fmt.Errorf("%w: %v", ErrEnvironmentUnavailable, err)}
}

func executionError(op, diagnostic string) error {
	return &apperr.ExecutionError{Op: op, Message: diagnostic, Err: ErrExecutionFailed}
}

func unparsableError(op, output string) error {
	return &apperr.ExecutionError{
		Op:      op,
		Message: fmt.Sprintf("unexpected output: %q", output),
		Err:     ErrResultUnparsable,
	}
}
