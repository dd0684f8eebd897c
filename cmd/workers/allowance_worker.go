package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/stellar/go/clients/horizonclient"
	"go.uber.org/zap"

	"carbon-scribe/tokenization-engine/internal/allowance"
	"carbon-scribe/tokenization-engine/internal/assets"
	"carbon-scribe/tokenization-engine/internal/config"
	"carbon-scribe/tokenization-engine/internal/ledger"
	"carbon-scribe/tokenization-engine/pkg/alerts"
	"carbon-scribe/tokenization-engine/pkg/storage"
)

// AllowanceWorker periodically checks operator allowances on active assets.
type AllowanceWorker struct {
	monitor  *allowance.Monitor
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewAllowanceWorker creates a worker running monitor on schedule, a cron
// expression with a seconds field.
func NewAllowanceWorker(monitor *allowance.Monitor, schedule string, timeout time.Duration, logger *zap.Logger) *AllowanceWorker {
	return &AllowanceWorker{
		monitor:  monitor,
		cron:     cron.New(cron.WithSeconds()),
		schedule: schedule,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start registers the check and starts the scheduler.
func (w *AllowanceWorker) Start(ctx context.Context) error {
	if _, err := w.cron.AddFunc(w.schedule, func() { w.runCheck(ctx) }); err != nil {
		return fmt.Errorf("invalid monitor schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()

	w.logger.Info("Allowance worker started", zap.String("schedule", w.schedule))

	// First check runs immediately
	go w.runCheck(ctx)
	return nil
}

// Stop waits for a running check to finish.
func (w *AllowanceWorker) Stop() {
	<-w.cron.Stop().Done()
	w.logger.Info("Allowance worker stopped")
}

func (w *AllowanceWorker) runCheck(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	shortfalls, err := w.monitor.Check(checkCtx)
	if err != nil {
		w.logger.Error("Allowance check failed", zap.Error(err))
		return
	}
	w.logger.Info("Allowance check completed",
		zap.Int("shortfalls", len(shortfalls)),
		zap.Duration("duration", time.Since(start)))
}

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := sqlx.Connect("postgres", cfg.Database.GetDatabaseURL())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	logger.Info("Connected to database")

	ctx, cancel := context.WithCancel(context.Background())

	var publisher alerts.Publisher = alerts.NewLogPublisher(logger)
	if cfg.Alerts.SNSTopicARN != "" {
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.Alerts.Region, cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey)
		if err != nil {
			logger.Fatal("Failed to load alert credentials", zap.Error(err))
		}
		publisher = alerts.NewSNSPublisher(alerts.NewSNSClient(awsCfg), cfg.Alerts.SNSTopicARN, logger)
	}

	horizon := &horizonclient.Client{
		HorizonURL: cfg.Stellar.HorizonURL,
		HTTP:       &http.Client{Timeout: cfg.Stellar.HorizonTimeout},
	}
	rpcURL := cfg.Stellar.RPCURL
	if rpcURL == "" {
		rpcURL = ledger.DefaultRPCURL(cfg.Stellar.Network)
	}
	sequence := ledger.NewLedgerSequence(ledger.NewRPCClient(rpcURL, cfg.Stellar.RPCTimeout), horizon, logger)
	gateway := ledger.NewCLIGateway(ledger.ExecRunner{}, &cfg.Stellar, logger)

	manager := allowance.NewManager(gateway, sequence, cfg.Stellar.OperatorAddress, cfg.Allowance, logger)
	monitor := allowance.NewMonitor(manager, assets.NewRepository(db), publisher, logger)

	worker := NewAllowanceWorker(monitor, cfg.Allowance.MonitorSchedule, 10*time.Minute, logger)
	if err := worker.Start(ctx); err != nil {
		logger.Fatal("Failed to start allowance worker", zap.Error(err))
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Received shutdown signal")
	cancel()
	worker.Stop()
}
