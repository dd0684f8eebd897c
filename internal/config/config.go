package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
)

// Config represents the application configuration. It is loaded once at
// startup and passed by reference into every component; nothing reads
// process-global state after that.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Stellar   StellarConfig   `json:"stellar"`
	Allowance AllowanceConfig `json:"allowance"`
	Swap      SwapConfig      `json:"swap"`
	Storage   StorageConfig   `json:"storage"`
	Alerts    AlertsConfig    `json:"alerts"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// StellarConfig describes the network, the operator identity and the
// contract execution environment.
type StellarConfig struct {
	Network           string `json:"network"` // testnet, mainnet, futurenet
	NetworkPassphrase string `json:"network_passphrase"`
	RPCURL            string `json:"rpc_url"`
	HorizonURL        string `json:"horizon_url"`

	OperatorSecret   string `json:"operator_secret"`
	OperatorIdentity string `json:"operator_identity"`
	OperatorAddress  string `json:"-"`

	ControllerAddress string        `json:"controller_address"`
	TokenWasmPath     string        `json:"token_wasm_path"`
	TokenDecimals     int           `json:"token_decimals"`
	CLIPath           string        `json:"cli_path"`
	CommandTimeout    time.Duration `json:"command_timeout"`
	RPCTimeout        time.Duration `json:"rpc_timeout"`
	HorizonTimeout    time.Duration `json:"horizon_timeout"`

	passphraseOverride bool
}

// AllowanceConfig controls operator allowance sizing and expiry.
type AllowanceConfig struct {
	DefaultHorizonLedgers uint32 `json:"default_horizon_ledgers"`
	BlanketHorizonLedgers uint32 `json:"blanket_horizon_ledgers"`
	SafetyMultiple        int64  `json:"safety_multiple"`
	MonitorSchedule       string `json:"monitor_schedule"`
}

// SettlementMode selects how phase two of a swap delivers tokens.
type SettlementMode string

const (
	SettlementMint     SettlementMode = "mint"
	SettlementTransfer SettlementMode = "transfer"
)

// SwapConfig
type SwapConfig struct {
	SettlementMode SettlementMode `json:"settlement_mode"`
	TxTimeout      time.Duration  `json:"tx_timeout"`
	BaseFee        int64          `json:"base_fee"`
}

// StorageConfig points at the proof document bucket.
type StorageConfig struct {
	Bucket          string        `json:"bucket"`
	Region          string        `json:"region"`
	Endpoint        string        `json:"endpoint"` // S3-compatible endpoint, path-style addressing
	AccessKeyID     string        `json:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key"`
	MaxProofSize    int64         `json:"max_proof_size"`
	PresignTTL      time.Duration `json:"presign_ttl"`
}

// AlertsConfig
type AlertsConfig struct {
	SNSTopicARN string `json:"sns_topic_arn"`
	Region      string `json:"region"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret  string `json:"jwt_secret"`
	CookieName string `json:"cookie_name"`
}

// LoggingConfig
type LoggingConfig struct {
	Level string `json:"level"`
}

var networkPassphrases = map[string]string{
	"testnet":   network.TestNetworkPassphrase,
	"mainnet":   network.PublicNetworkPassphrase,
	"public":    network.PublicNetworkPassphrase,
	"futurenet": network.FutureNetworkPassphrase,
}

var defaultHorizonURLs = map[string]string{
	"testnet":   "https://horizon-testnet.stellar.org",
	"mainnet":   "https://horizon.stellar.org",
	"public":    "https://horizon.stellar.org",
	"futurenet": "https://horizon-futurenet.stellar.org",
}

// Default returns the built-in configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "carbonscribe_exchange",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
		},
		Stellar: StellarConfig{
			Network:          "testnet",
			OperatorIdentity: "admin",
			TokenWasmPath:    "contracts/soroban_token_contract.wasm",
			TokenDecimals:    7,
			CLIPath:          "stellar",
			CommandTimeout:   2 * time.Minute,
			RPCTimeout:       10 * time.Second,
			HorizonTimeout:   30 * time.Second,
		},
		Allowance: AllowanceConfig{
			DefaultHorizonLedgers: 120960,  // ~7 days at 5s per ledger
			BlanketHorizonLedgers: 6307200, // ~1 year
			SafetyMultiple:        100,
			MonitorSchedule:       "0 */30 * * * *",
		},
		Swap: SwapConfig{
			SettlementMode: SettlementMint,
			TxTimeout:      5 * time.Minute,
			BaseFee:        100,
		},
		Storage: StorageConfig{
			Bucket:       "carbonscribe-proofs",
			Region:       "us-east-1",
			MaxProofSize: 10 * 1024 * 1024,
			PresignTTL:   15 * time.Minute,
		},
		Alerts: AlertsConfig{
			Region: "us-east-1",
		},
		Security: SecurityConfig{
			CookieName: "auth_token",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a .env file, the JSON config file and
// environment variables, in that order of increasing precedence.
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	config := Default()

	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if config.Stellar.NetworkPassphrase != "" {
		config.Stellar.passphraseOverride = true
	}

	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func overrideWithEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}

	if v := os.Getenv("STELLAR_NETWORK"); v != "" {
		config.Stellar.Network = strings.ToLower(v)
	}
	if v := os.Getenv("STELLAR_NETWORK_PASSPHRASE"); v != "" {
		config.Stellar.NetworkPassphrase = v
		config.Stellar.passphraseOverride = true
	}
	if v := os.Getenv("STELLAR_RPC_URL"); v != "" {
		config.Stellar.RPCURL = v
	}
	if v := os.Getenv("STELLAR_HORIZON_URL"); v != "" {
		config.Stellar.HorizonURL = v
	}
	if v := os.Getenv("ADMIN_SECRET_KEY"); v != "" {
		config.Stellar.OperatorSecret = v
	}
	// Both names are accepted for the controller contract.
	if v := os.Getenv("CARBON_CONTROLLER_ADDRESS"); v != "" {
		config.Stellar.ControllerAddress = v
	} else if v := os.Getenv("CARBON_CONTROLLER_ID"); v != "" {
		config.Stellar.ControllerAddress = v
	}
	if v := os.Getenv("TOKEN_WASM_PATH"); v != "" {
		config.Stellar.TokenWasmPath = v
	}
	if v := os.Getenv("STELLAR_CLI_PATH"); v != "" {
		config.Stellar.CLIPath = v
	}

	if v := os.Getenv("SWAP_SETTLEMENT_MODE"); v != "" {
		config.Swap.SettlementMode = SettlementMode(strings.ToLower(v))
	}
	if v := os.Getenv("PROOF_BUCKET"); v != "" {
		config.Storage.Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Storage.Region = v
		config.Alerts.Region = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		config.Storage.Endpoint = v
	}
	if v := os.Getenv("ALERTS_SNS_TOPIC_ARN"); v != "" {
		config.Alerts.SNSTopicARN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		config.Security.JWTSecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
}

// Validate resolves derived stellar settings and rejects inconsistent ones.
func (c *Config) Validate() error {
	s := &c.Stellar
	s.Network = strings.ToLower(s.Network)

	if s.NetworkPassphrase == "" {
		s.NetworkPassphrase = networkPassphrases[s.Network]
	}
	if s.passphraseOverride && s.RPCURL == "" {
		return errors.New("stellar: a network passphrase override requires an rpc_url override")
	}
	if s.RPCURL != "" && s.NetworkPassphrase == "" {
		return fmt.Errorf("stellar: rpc_url override for unknown network %q requires a network passphrase", s.Network)
	}
	if s.NetworkPassphrase == "" {
		return fmt.Errorf("stellar: unknown network %q", s.Network)
	}
	if s.HorizonURL == "" {
		s.HorizonURL = defaultHorizonURLs[s.Network]
	}

	if s.OperatorSecret == "" {
		return errors.New("stellar: operator secret (ADMIN_SECRET_KEY) is required")
	}
	kp, err := keypair.ParseFull(s.OperatorSecret)
	if err != nil {
		return fmt.Errorf("stellar: failed to parse operator secret: %w", err)
	}
	s.OperatorAddress = kp.Address()

	switch c.Swap.SettlementMode {
	case SettlementMint, SettlementTransfer:
	default:
		return fmt.Errorf("swap: unknown settlement mode %q", c.Swap.SettlementMode)
	}

	if c.Allowance.SafetyMultiple <= 0 {
		return errors.New("allowance: safety_multiple must be positive")
	}
	return nil
}

// ControllerConfigured reports whether asset registration and minting can run.
func (s *StellarConfig) ControllerConfigured() bool {
	return s.ControllerAddress != ""
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
