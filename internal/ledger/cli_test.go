package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/config"
	"carbon-scribe/tokenization-engine/pkg/apperr"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, cmd Command) (*RunResult, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RunResult), args.Error(1)
}

const testContract = "CDLZFC3SYJYDZT7K67VZ75HPJVIEUVNIXF47ZG2FB2RMQQVU2HHGCYSC"

func newTestGateway(runner Runner, mutate ...func(*config.StellarConfig)) *CLIGateway {
	cfg := &config.StellarConfig{
		Network:           "testnet",
		NetworkPassphrase: "Test SDF Network ; September 2015",
		OperatorIdentity:  "admin",
		OperatorSecret:    "SOPERATORSECRET",
		CLIPath:           "stellar",
		CommandTimeout:    time.Second,
	}
	for _, f := range mutate {
		f(cfg)
	}
	return NewCLIGateway(runner, cfg, zap.NewNop())
}

func TestDeployParsesContractID(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.MatchedBy(func(cmd Command) bool {
		return assert.ObjectsAreEqual([]string{
			"contract", "deploy", "--wasm", "token.wasm",
			"--source", "admin", "--network", "testnet",
			"--", "--admin", "GADMIN", "--decimal", "7", "--name", "VCS-1 2021", "--symbol", "VCS_1_2021",
		}, cmd.Args) && assert.ObjectsAreEqual([]string{
			"STELLAR_SECRET_KEY=SOPERATORSECRET",
		}, cmd.Env)
	})).Return(&RunResult{Stdout: "Contract ID: " + testContract + "\n"}, nil)

	gw := newTestGateway(runner)
	addr, err := gw.Deploy(context.Background(), DeployRequest{
		WasmPath: "token.wasm",
		Args: []NamedArg{
			Arg("admin", "GADMIN"),
			Arg("decimal", 7),
			Arg("name", "VCS-1 2021"),
			Arg("symbol", "VCS_1_2021"),
		},
	})

	require.NoError(t, err)
	assert.Equal(t, testContract, addr)
	runner.AssertExpectations(t)
}

func TestDeployWithRPCOverridePassesPassphrase(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.MatchedBy(func(cmd Command) bool {
		return assert.ObjectsAreEqual([]string{
			"contract", "deploy", "--wasm", "token.wasm",
			"--source", "admin",
			"--rpc-url", "http://localhost:8000/rpc",
			"--network-passphrase", "Standalone Network ; February 2017",
			"--network", "standalone", "--",
		}, cmd.Args)
	})).Return(&RunResult{Stdout: testContract}, nil)

	gw := newTestGateway(runner, func(c *config.StellarConfig) {
		c.Network = "standalone"
		c.RPCURL = "http://localhost:8000/rpc"
		c.NetworkPassphrase = "Standalone Network ; February 2017"
	})
	addr, err := gw.Deploy(context.Background(), DeployRequest{WasmPath: "token.wasm"})

	require.NoError(t, err)
	assert.Equal(t, testContract, addr)
}

func TestDeployUnparsableOutput(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything).Return(&RunResult{Stdout: "all good"}, nil)

	_, err := newTestGateway(runner).Deploy(context.Background(), DeployRequest{WasmPath: "token.wasm"})

	assert.ErrorIs(t, err, ErrResultUnparsable)
	assert.Equal(t, apperr.KindExecution, apperr.KindOf(err))
}

func TestInvokeNonZeroExitCarriesDiagnostic(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything).
		Return(&RunResult{Stderr: "error: HostError: Error(Contract, #2)\n", ExitCode: 1}, nil)

	_, err := newTestGateway(runner).Invoke(context.Background(), InvokeRequest{
		ContractID: testContract,
		Function:   "mint_to_issuer",
	})

	assert.ErrorIs(t, err, ErrExecutionFailed)
	var xe *apperr.ExecutionError
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, "error: HostError: Error(Contract, #2)", xe.Message)
}

func TestInvokeMissingBinaryIsEnvironmentError(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything).Return(nil, errors.New(`exec: "stellar": executable file not found in $PATH`))

	_, err := newTestGateway(runner).Invoke(context.Background(), InvokeRequest{ContractID: testContract, Function: "approve"})

	assert.ErrorIs(t, err, ErrEnvironmentUnavailable)
	assert.Equal(t, apperr.KindEnvironment, apperr.KindOf(err))
}

func TestInvokeExtractsTxHash(t *testing.T) {
	hash := strings.Repeat("3f", 32)
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.Anything).Return(&RunResult{Stdout: "Transaction hash is " + hash + "\n"}, nil)

	res, err := newTestGateway(runner).Invoke(context.Background(), InvokeRequest{ContractID: testContract, Function: "approve"})

	require.NoError(t, err)
	assert.Equal(t, hash, res.TxHash)
}

func TestQueryWithAdHocIdentity(t *testing.T) {
	runner := new(MockRunner)
	runner.On("Run", mock.Anything, mock.MatchedBy(func(cmd Command) bool {
		return assert.ObjectsAreEqual([]string{
			"contract", "invoke", "--id", testContract,
			"--source", "SOWNERSECRET", "--network", "testnet",
			"--", "allowance", "--from", "GOWNER", "--spender", "GOPERATOR",
		}, cmd.Args) && len(cmd.Env) == 0
	})).Return(&RunResult{Stdout: "\"1500000000\"\n"}, nil)

	value, err := newTestGateway(runner).Query(context.Background(), InvokeRequest{
		ContractID: testContract,
		Function:   "allowance",
		Source:     AdHocIdentity("SOWNERSECRET"),
		Args:       []NamedArg{Arg("from", "GOWNER"), Arg("spender", "GOPERATOR")},
	})

	require.NoError(t, err)
	assert.Equal(t, "1500000000", value.String())
}

func TestRenderRedactsAdHocSecret(t *testing.T) {
	gw := newTestGateway(new(MockRunner))

	line := gw.Render(InvokeRequest{
		ContractID: testContract,
		Function:   "approve",
		Source:     AdHocIdentity("SOWNERSECRET"),
		Args: []NamedArg{
			Arg("from", "GOWNER"),
			Arg("expiration_ledger", "<CURRENT_LEDGER + 120960>"),
		},
	})

	assert.NotContains(t, line, "SOWNERSECRET")
	assert.Contains(t, line, "--source <OWNER_SECRET_KEY>")
	assert.Contains(t, line, `--expiration_ledger "<CURRENT_LEDGER + 120960>"`)
	assert.Contains(t, line, "stellar contract invoke --id "+testContract)
}

func TestTargetRequiresPassphraseWithRPCOverride(t *testing.T) {
	runner := new(MockRunner)
	_, err := newTestGateway(runner).Invoke(context.Background(), InvokeRequest{
		ContractID: testContract,
		Function:   "balance",
		Target:     &Target{Network: "custom", RPCURL: "http://rpc"},
	})

	assert.Equal(t, apperr.KindEnvironment, apperr.KindOf(err))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}
