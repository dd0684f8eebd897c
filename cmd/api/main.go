package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"carbon-scribe/tokenization-engine/internal/allowance"
	"carbon-scribe/tokenization-engine/internal/assets"
	"carbon-scribe/tokenization-engine/internal/auth"
	"carbon-scribe/tokenization-engine/internal/config"
	"carbon-scribe/tokenization-engine/internal/journal"
	"carbon-scribe/tokenization-engine/internal/ledger"
	"carbon-scribe/tokenization-engine/internal/provisioning"
	"carbon-scribe/tokenization-engine/internal/swap"
	"carbon-scribe/tokenization-engine/internal/tokenization"
	"carbon-scribe/tokenization-engine/pkg/alerts"
	"carbon-scribe/tokenization-engine/pkg/saga"
	"carbon-scribe/tokenization-engine/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		// No logger yet; config decides its level.
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger := newLogger(cfg.Logging.Level)
	defer logger.Sync()

	db, err := sqlx.Connect("postgres", cfg.Database.GetDatabaseURL())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	gormDB, err := gorm.Open(postgres.Open(cfg.Database.GetDatabaseURL()), &gorm.Config{})
	if err != nil {
		logger.Fatal("Failed to open journal database", zap.Error(err))
	}
	runJournal := journal.NewGormJournal(gormDB)
	if err := runJournal.Migrate(); err != nil {
		logger.Fatal("Failed to migrate saga journal", zap.Error(err))
	}

	ctx := context.Background()

	// Object storage for proof documents
	storageAWS, err := storage.LoadAWSConfig(ctx, cfg.Storage.Region, cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey)
	if err != nil {
		logger.Fatal("Failed to load storage credentials", zap.Error(err))
	}
	proofs := storage.NewProofStore(storage.NewS3Client(storageAWS, cfg.Storage.Endpoint), cfg.Storage.Bucket, cfg.Storage.PresignTTL)

	publisher := newPublisher(ctx, cfg, logger)

	// Ledger access
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

	operator, err := keypair.ParseFull(cfg.Stellar.OperatorSecret)
	if err != nil {
		logger.Fatal("Failed to parse operator secret", zap.Error(err))
	}
	payments := ledger.NewPaymentDesk(horizon, operator, cfg.Stellar.NetworkPassphrase,
		cfg.Swap.BaseFee, int64(cfg.Swap.TxTimeout.Seconds()), logger)

	runner := saga.NewRunner(runJournal, logger)

	// Domain components
	assetRepo := assets.NewRepository(db)
	allowances := allowance.NewManager(gateway, sequence, cfg.Stellar.OperatorAddress, cfg.Allowance, logger)
	remediator := allowance.NewRemediator(allowances, assetRepo, logger)

	requestRepo := tokenization.NewRepository(db)
	orchestrator := provisioning.NewOrchestrator(db, requestRepo, assetRepo, gateway, allowances, runner, publisher, &cfg.Stellar, logger)
	tokenizationService := tokenization.NewService(requestRepo, proofs, orchestrator, cfg.Storage.MaxProofSize, logger)

	coordinator := swap.NewCoordinator(assetRepo, gateway, allowances, payments, runner, publisher,
		cfg.Stellar.ControllerAddress, cfg.Swap, logger)

	verifier := auth.NewVerifier(cfg.Security.JWTSecret, cfg.Security.CookieName, logger)

	// Setup Router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = cfg.Storage.MaxProofSize + 1<<20

	public := router.Group("/api/v1")
	api := router.Group("/api/v1", verifier.Middleware())
	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	{
		auth.RegisterRoutes(public, api, auth.NewHandler())
		tokenization.NewHandler(tokenizationService, logger).RegisterRoutes(api, admin)
		assets.NewHandler(assets.NewService(assetRepo, logger), logger).RegisterRoutes(api)
		swap.NewHandler(coordinator, logger).RegisterRoutes(api)
		allowance.NewHandler(remediator, allowances, assetRepo, logger).RegisterRoutes(api, admin)
		journal.NewHandler(runJournal, logger).RegisterRoutes(admin)
	}

	// Health Check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"network":   cfg.Stellar.Network,
			"timestamp": time.Now(),
		})
	})

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("addr", srv.Addr),
		zap.String("network", cfg.Stellar.Network),
		zap.String("operator", cfg.Stellar.OperatorAddress),
		zap.Bool("controller_configured", cfg.Stellar.ControllerConfigured()),
		zap.String("settlement_mode", string(cfg.Swap.SettlementMode)))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) alerts.Publisher {
	if cfg.Alerts.SNSTopicARN == "" {
		logger.Warn("No alert topic configured, alerts will only be logged")
		return alerts.NewLogPublisher(logger)
	}
	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.Alerts.Region, cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey)
	if err != nil {
		logger.Fatal("Failed to load alert credentials", zap.Error(err))
	}
	return alerts.NewSNSPublisher(alerts.NewSNSClient(awsCfg), cfg.Alerts.SNSTopicARN, logger)
}
