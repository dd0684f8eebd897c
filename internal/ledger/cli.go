package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/config"
)

// Command is one process invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// RunResult is what a finished process produced.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands. It returns an error only when the process could
// not be started or did not finish in time; a non-zero exit is reported in
// RunResult.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*RunResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (*RunResult, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s did not finish: %w", c.Path, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
	case errors.As(err, &exitErr):
		return &RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}, nil
	default:
		return nil, err
	}
}

// CLIGateway implements LedgerClient on top of the stellar CLI.
type CLIGateway struct {
	runner   Runner
	binary   string
	target   Target
	operator SigningIdentity
	timeout  time.Duration
	logger   *zap.Logger
}

// NewCLIGateway creates a gateway for the configured network, signing as the
// operator's named identity unless a request says otherwise.
func NewCLIGateway(runner Runner, cfg *config.StellarConfig, logger *zap.Logger) *CLIGateway {
	target := Target{Network: cfg.Network}
	if cfg.RPCURL != "" {
		target.RPCURL = cfg.RPCURL
		target.Passphrase = cfg.NetworkPassphrase
	}
	return &CLIGateway{
		runner:   runner,
		binary:   cfg.CLIPath,
		target:   target,
		operator: NamedIdentity(cfg.OperatorIdentity, cfg.OperatorSecret),
		timeout:  cfg.CommandTimeout,
		logger:   logger,
	}
}

// Deploy deploys a contract and returns its address.
func (g *CLIGateway) Deploy(ctx context.Context, req DeployRequest) (string, error) {
	source := g.sourceOr(req.Source)
	target, err := g.targetOr(req.Target)
	if err != nil {
		return "", err
	}

	args := []string{"contract", "deploy", "--wasm", req.WasmPath}
	args = append(args, g.commonFlags(source.source(), target)...)
	args = append(args, "--")
	args = append(args, flatten(req.Args)...)

	out, err := g.run(ctx, "deploy", Command{Path: g.binary, Args: args, Env: g.env(source, target)})
	if err != nil {
		return "", err
	}

	address, ok := ParseContractAddress(out)
	if !ok {
		return "", unparsableError("deploy", out)
	}

	g.logger.Info("Contract deployed",
		zap.String("wasm", req.WasmPath),
		zap.String("contract_id", address))
	return address, nil
}

// Invoke calls a contract entry point.
func (g *CLIGateway) Invoke(ctx context.Context, req InvokeRequest) (*InvocationResult, error) {
	cmd, err := g.invokeCommand(req)
	if err != nil {
		return nil, err
	}

	out, err := g.run(ctx, req.Function, cmd)
	if err != nil {
		return nil, err
	}

	result := &InvocationResult{Output: out, TxHash: ParseTxHash(out)}
	g.logger.Info("Contract invoked",
		zap.String("contract_id", req.ContractID),
		zap.String("function", req.Function),
		zap.String("tx_hash", result.TxHash))
	return result, nil
}

// Query calls a read-only entry point and parses the last integer in its output.
func (g *CLIGateway) Query(ctx context.Context, req InvokeRequest) (decimal.Decimal, error) {
	cmd, err := g.invokeCommand(req)
	if err != nil {
		return decimal.Zero, err
	}

	out, err := g.run(ctx, req.Function, cmd)
	if err != nil {
		return decimal.Zero, err
	}

	value, ok := ParseLastInteger(out)
	if !ok {
		return decimal.Zero, unparsableError(req.Function, out)
	}
	return value, nil
}

// Render returns the command line for req with ad hoc secrets redacted, for
// an owner to run themselves.
func (g *CLIGateway) Render(req InvokeRequest) string {
	source := g.sourceOr(req.Source)
	target := g.target
	if req.Target != nil {
		target = *req.Target
	}

	args := []string{g.binary, "contract", "invoke", "--id", req.ContractID}
	args = append(args, g.commonFlags(source.redactedSource(), target)...)
	args = append(args, "--", req.Function)
	args = append(args, flatten(req.Args)...)

	for i, a := range args {
		if strings.ContainsAny(a, " \t\"") || a == "" {
			args[i] = fmt.Sprintf("%q", a)
		}
	}
	return strings.Join(args, " ")
}

func (g *CLIGateway) invokeCommand(req InvokeRequest) (Command, error) {
	source := g.sourceOr(req.Source)
	target, err := g.targetOr(req.Target)
	if err != nil {
		return Command{}, err
	}

	args := []string{"contract", "invoke", "--id", req.ContractID}
	args = append(args, g.commonFlags(source.source(), target)...)
	args = append(args, "--", req.Function)
	args = append(args, flatten(req.Args)...)

	return Command{Path: g.binary, Args: args, Env: g.env(source, target)}, nil
}

func (g *CLIGateway) commonFlags(source string, target Target) []string {
	flags := []string{"--source", source}
	if target.RPCURL != "" {
		flags = append(flags, "--rpc-url", target.RPCURL, "--network-passphrase", target.Passphrase)
	}
	return append(flags, "--network", target.Network)
}

func (g *CLIGateway) env(source SigningIdentity, target Target) []string {
	var env []string
	if source.IsNamed() && source.secret != "" {
		env = append(env, "STELLAR_SECRET_KEY="+source.secret)
	}
	if target.Passphrase != "" {
		env = append(env, "STELLAR_NETWORK_PASSPHRASE="+target.Passphrase)
	}
	return env
}

func (g *CLIGateway) sourceOr(s SigningIdentity) SigningIdentity {
	if s.IsZero() {
		return g.operator
	}
	return s
}

func (g *CLIGateway) targetOr(t *Target) (Target, error) {
	target := g.target
	if t != nil {
		target = *t
	}
	if err := target.validate(); err != nil {
		return Target{}, environmentError("configure", err)
	}
	return target, nil
}

func (g *CLIGateway) run(ctx context.Context, op string, cmd Command) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	res, err := g.runner.Run(ctx, cmd)
	if err != nil {
		g.logger.Error("Stellar CLI unavailable", zap.String("op", op), zap.Error(err))
		return "", environmentError(op, err)
	}

	if res.ExitCode != 0 {
		diagnostic := strings.TrimSpace(res.Stderr)
		if diagnostic == "" {
			diagnostic = strings.TrimSpace(res.Stdout)
		}
		g.logger.Warn("Stellar CLI command failed",
			zap.String("op", op),
			zap.Int("exit_code", res.ExitCode),
			zap.String("diagnostic", diagnostic))
		return "", executionError(op, diagnostic)
	}

	g.logger.Debug("Stellar CLI command finished",
		zap.String("op", op),
		zap.Duration("duration", time.Since(start)))
	return res.Stdout, nil
}

func flatten(args []NamedArg) []string {
	out := make([]string, 0, len(args)*2)
	for _, a := range args {
		out = append(out, "--"+a.Name, a.Value)
	}
	return out
}
