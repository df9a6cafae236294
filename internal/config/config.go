package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Ledger    LedgerConfig
	Issuance  IssuanceConfig
	Sweeper   SweeperConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Slack     SlackConfig
}

// ObservabilityConfig follows the OTEL_* variable names so collectors and
// sidecars configured for other services work unchanged.
type ObservabilityConfig struct {
	ServiceName   string
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelEndpoint  string
	OtelProtocol  string
	SamplingRatio float64
}

type LedgerConfig struct {
	Mode              string
	RPCURL            string
	ContractAddress   string
	SignerPrivateKey  string
	Confirmations     int64
	GasEstimateFactor float64
	FromBlock         int64
	RequestTimeout    time.Duration

	// Memory ledger tuning.
	MemoryConfirmAfterPolls int
}

type IssuanceConfig struct {
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	LeaseDuration       time.Duration
	ResubmitGrace       time.Duration
	DriveTimeout        time.Duration
	// SweepConfirmationWait bounds how long a sweeper re-query of a
	// SUBMITTED request waits for its receipt.
	SweepConfirmationWait time.Duration
}

type SweeperConfig struct {
	Enabled               bool
	Interval              time.Duration
	BatchSize             int
	JobTimeout            time.Duration
	CreatedThreshold      time.Duration
	PersistRetryThreshold time.Duration
	MaxAttempts           int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RateLimitConfig struct {
	Enabled        bool
	SubmitRate     float64
	SubmitBurst    int
	SweeperLockTTL time.Duration
}

type SlackConfig struct {
	WebhookURL string
	Channel    string
}

const (
	LedgerModeMemory   = "memory"
	LedgerModeEthereum = "ethereum"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "insurecard"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Observability: ObservabilityConfig{
			ServiceName:   strings.TrimSpace(getenv("OTEL_SERVICE_NAME", "")),
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OtelEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:  otlpProtocol(),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "insurecard"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Ledger: LedgerConfig{
			Mode:                    normalizeLedgerMode(getenv("LEDGER_MODE", LedgerModeMemory)),
			RPCURL:                  strings.TrimSpace(getenv("LEDGER_RPC_URL", "")),
			ContractAddress:         strings.TrimSpace(getenv("LEDGER_CONTRACT_ADDRESS", "")),
			SignerPrivateKey:        strings.TrimSpace(getenv("LEDGER_SIGNER_PRIVATE_KEY", "")),
			Confirmations:           getenvInt64("LEDGER_CONFIRMATIONS", 1),
			GasEstimateFactor:       getenvFloat("LEDGER_GAS_ESTIMATE_FACTOR", 1.5),
			FromBlock:               getenvInt64("LEDGER_FROM_BLOCK", 0),
			RequestTimeout:          getenvDuration("LEDGER_REQUEST_TIMEOUT", 30*time.Second),
			MemoryConfirmAfterPolls: getenvInt("LEDGER_MEMORY_CONFIRM_AFTER_POLLS", 1),
		},
		Issuance: IssuanceConfig{
			ConfirmationTimeout:   getenvDuration("ISSUANCE_CONFIRMATION_TIMEOUT", 2*time.Minute),
			PollInterval:          getenvDuration("ISSUANCE_POLL_INTERVAL", 2*time.Second),
			LeaseDuration:         getenvDuration("ISSUANCE_LEASE_DURATION", 5*time.Minute),
			ResubmitGrace:         getenvDuration("ISSUANCE_RESUBMIT_GRACE", 10*time.Minute),
			DriveTimeout:          getenvDuration("ISSUANCE_DRIVE_TIMEOUT", 10*time.Minute),
			SweepConfirmationWait: getenvDuration("ISSUANCE_SWEEP_CONFIRMATION_WAIT", 5*time.Second),
		},
		Sweeper: SweeperConfig{
			Enabled:               getenvBool("SWEEPER_ENABLED", true),
			Interval:              getenvDuration("SWEEPER_INTERVAL", 30*time.Second),
			BatchSize:             getenvInt("SWEEPER_BATCH_SIZE", 50),
			JobTimeout:            getenvDuration("SWEEPER_JOB_TIMEOUT", 5*time.Minute),
			CreatedThreshold:      getenvDuration("SWEEPER_CREATED_THRESHOLD", time.Minute),
			PersistRetryThreshold: getenvDuration("SWEEPER_PERSIST_RETRY_THRESHOLD", 30*time.Second),
			MaxAttempts:           getenvInt("SWEEPER_MAX_ATTEMPTS", 5),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			SubmitRate:     getenvFloat("RATE_LIMIT_SUBMIT_RATE", 5),
			SubmitBurst:    getenvInt("RATE_LIMIT_SUBMIT_BURST", 20),
			SweeperLockTTL: getenvDuration("RATE_LIMIT_SWEEPER_LOCK_TTL", 2*time.Minute),
		},
		Slack: SlackConfig{
			WebhookURL: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
			Channel:    strings.TrimSpace(getenv("SLACK_ALERT_CHANNEL", "#card-issuance-ops")),
		},
	}

	return cfg
}

// otlpProtocol lets the traces-specific variable win over the shared one.
func otlpProtocol() string {
	protocol := getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
	return strings.ToLower(strings.TrimSpace(protocol))
}

func normalizeLedgerMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case LedgerModeEthereum, "eth", "evm":
		return LedgerModeEthereum
	default:
		return LedgerModeMemory
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
