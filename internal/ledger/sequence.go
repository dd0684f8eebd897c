package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	rpcclient "github.com/stellar/go/clients/rpcclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	rpcProtocol "github.com/stellar/go/protocols/rpc"
	"go.uber.org/zap"
)

// SequenceSource reports the network's current ledger sequence.
type SequenceSource interface {
	Latest(ctx context.Context) (uint32, error)
}

// RPCLedgers is the part of rpcclient.Client used for the primary lookup.
type RPCLedgers interface {
	GetLatestLedger(ctx context.Context) (rpcProtocol.GetLatestLedgerResponse, error)
}

// HorizonLedgers is the part of horizonclient used for the fallback lookup.
type HorizonLedgers interface {
	Ledgers(request horizonclient.LedgerRequest) (hProtocol.LedgersPage, error)
}

var defaultRPCURLs = map[string]string{
	"testnet":   "https://soroban-testnet.stellar.org",
	"futurenet": "https://rpc-futurenet.stellar.org",
}

// DefaultRPCURL returns the public Soroban RPC endpoint for network, if any.
func DefaultRPCURL(network string) string {
	return defaultRPCURLs[network]
}

// NewRPCClient returns a Soroban RPC client for url, or nil when url is empty.
func NewRPCClient(url string, timeout time.Duration) RPCLedgers {
	if url == "" {
		return nil
	}
	return rpcclient.NewClient(url, &http.Client{Timeout: timeout})
}

// LedgerSequence asks Soroban RPC first and falls back to Horizon.
type LedgerSequence struct {
	rpc     RPCLedgers
	horizon HorizonLedgers
	logger  *zap.Logger
}

// NewLedgerSequence creates a sequence source. rpc may be nil when no RPC
// endpoint is known for the network.
func NewLedgerSequence(rpc RPCLedgers, horizon HorizonLedgers, logger *zap.Logger) *LedgerSequence {
	return &LedgerSequence{rpc: rpc, horizon: horizon, logger: logger}
}

// Latest returns the current ledger sequence. It never invents a value: when
// both sources fail the call fails.
func (s *LedgerSequence) Latest(ctx context.Context) (uint32, error) {
	seq, rpcErr := s.fromRPC(ctx)
	if rpcErr == nil {
		return seq, nil
	}
	s.logger.Warn("RPC ledger lookup failed, falling back to Horizon", zap.Error(rpcErr))

	seq, horizonErr := s.fromHorizon()
	if horizonErr == nil {
		return seq, nil
	}

	return 0, environmentError("latest_ledger", errors.Join(rpcErr, horizonErr))
}

func (s *LedgerSequence) fromRPC(ctx context.Context) (uint32, error) {
	if s.rpc == nil {
		return 0, errors.New("no rpc endpoint configured")
	}
	resp, err := s.rpc.GetLatestLedger(ctx)
	if err != nil {
		return 0, fmt.Errorf("rpc getLatestLedger failed: %w", err)
	}
	if resp.Sequence == 0 {
		return 0, errors.New("rpc response carried no sequence")
	}
	return resp.Sequence, nil
}

func (s *LedgerSequence) fromHorizon() (uint32, error) {
	if s.horizon == nil {
		return 0, errors.New("no horizon client configured")
	}

	page, err := s.horizon.Ledgers(horizonclient.LedgerRequest{
		Order: horizonclient.OrderDesc,
		Limit: 1,
	})
	if err != nil {
		return 0, fmt.Errorf("horizon ledgers request failed: %w", err)
	}
	if len(page.Embedded.Records) == 0 {
		return 0, errors.New("horizon returned no ledgers")
	}
	return uint32(page.Embedded.Records[0].Sequence), nil
}
