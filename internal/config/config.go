package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Ledger        LedgerConfig        `json:"ledger"`
	Escrow        EscrowConfig        `json:"escrow"`
	Gamification  GamificationConfig  `json:"gamification"`
	AI            AIConfig            `json:"ai"`
	Notifications NotificationsConfig `json:"notifications"`
	Storage       StorageConfig       `json:"storage"`
	AWS           AWSConfig           `json:"aws"`
	Redis         RedisConfig         `json:"redis"`
	Workers       WorkersConfig       `json:"workers"`
	Logging       LoggingConfig       `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `json:"idle_timeout_seconds"`
}

// DatabaseConfig represents database configuration. Driver "memory" runs
// without Postgres.
type DatabaseConfig struct {
	Driver             string `json:"driver"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	User               string `json:"user"`
	Password           string `json:"password"`
	DBName             string `json:"db_name"`
	SSLMode            string `json:"ssl_mode"`
	MaxConnections     int    `json:"max_connections"`
	MaxIdleConns       int    `json:"max_idle_conns"`
	MaxLifetimeMinutes int    `json:"max_lifetime_minutes"`
	AutoMigrate        bool   `json:"auto_migrate"`
}

// LedgerConfig selects and configures the ledger gateway. Driver "memory"
// uses the in-process ledger.
type LedgerConfig struct {
	Driver            string  `json:"driver"`
	RelayURL          string  `json:"relay_url"`
	APIKey            string  `json:"api_key"`
	OperatorAccount   string  `json:"operator_account"`
	PlatformAccount   string  `json:"platform_account"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// EscrowConfig
type EscrowConfig struct {
	PlatformFeePercent decimal.Decimal `json:"platform_fee_percent"`
}

// GamificationConfig holds the points granted per scored action
type GamificationConfig struct {
	RequestCreatedPoints    int64 `json:"request_created_points"`
	RequestCompletedPoints  int64 `json:"request_completed_points"`
	PropertyTokenizedPoints int64 `json:"property_tokenized_points"`
}

// AIConfig points at the valuation model service
type AIConfig struct {
	ServiceURL     string `json:"service_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// NotificationsConfig
type NotificationsConfig struct {
	WebSocketEnabled bool   `json:"websocket_enabled"`
	SNSTopicARN      string `json:"sns_topic_arn"`
	PublishTimeoutMS int    `json:"publish_timeout_ms"`
}

// StorageConfig
type StorageConfig struct {
	MetadataBucket string `json:"metadata_bucket"`
}

// AWSConfig
type AWSConfig struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// RedisConfig enables distributed request locks when Addr is set
type RedisConfig struct {
	Addr          string `json:"addr"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	LockTTLSecond int    `json:"lock_ttl_seconds"`
}

// WorkersConfig
type WorkersConfig struct {
	ReconcileSchedule string `json:"reconcile_schedule"`
	ReconcileBatch    int    `json:"reconcile_batch"`
}

// LoggingConfig
type LoggingConfig struct {
	Level string `json:"level"`
}

// Default returns the configuration used when no file or environment is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 60,
			IdleTimeoutSeconds:  60,
		},
		Database: DatabaseConfig{
			Driver:             "postgres",
			Host:               "localhost",
			Port:               5432,
			User:               os.Getenv("USER"),
			DBName:             "valuation_portal",
			SSLMode:            "disable",
			MaxConnections:     25,
			MaxIdleConns:       5,
			MaxLifetimeMinutes: 30,
			AutoMigrate:        true,
		},
		Ledger: LedgerConfig{
			Driver:            "memory",
			OperatorAccount:   "0.0.2",
			PlatformAccount:   "0.0.98",
			TimeoutSeconds:    30,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Escrow: EscrowConfig{
			PlatformFeePercent: decimal.NewFromInt(10),
		},
		Gamification: GamificationConfig{
			RequestCreatedPoints:    10,
			RequestCompletedPoints:  50,
			PropertyTokenizedPoints: 25,
		},
		AI: AIConfig{
			ServiceURL:     "http://localhost:8000",
			TimeoutSeconds: 10,
		},
		Notifications: NotificationsConfig{
			WebSocketEnabled: true,
			PublishTimeoutMS: 3000,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Redis: RedisConfig{
			LockTTLSecond: 30,
		},
		Workers: WorkersConfig{
			ReconcileSchedule: "@every 1m",
			ReconcileBatch:    50,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env file is normal outside development
	_ = godotenv.Load()

	config := Default()

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	overrideWithEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	if c.Escrow.PlatformFeePercent.IsNegative() || c.Escrow.PlatformFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("escrow.platform_fee_percent must be in [0, 100)")
	}
	if c.Ledger.Driver == "relay" && c.Ledger.RelayURL == "" {
		return fmt.Errorf("ledger.relay_url is required for the relay driver")
	}
	if c.Ledger.Driver != "relay" && c.Ledger.Driver != "memory" {
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
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
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			config.Database.Port = p
		}
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
	if driver := os.Getenv("LEDGER_DRIVER"); driver != "" {
		config.Ledger.Driver = driver
	}
	if relay := os.Getenv("LEDGER_RELAY_URL"); relay != "" {
		config.Ledger.RelayURL = relay
	}
	if key := os.Getenv("LEDGER_API_KEY"); key != "" {
		config.Ledger.APIKey = key
	}
	if operator := os.Getenv("LEDGER_OPERATOR_ACCOUNT"); operator != "" {
		config.Ledger.OperatorAccount = operator
	}
	if fee := os.Getenv("ESCROW_PLATFORM_FEE_PERCENT"); fee != "" {
		if d, err := decimal.NewFromString(fee); err == nil {
			config.Escrow.PlatformFeePercent = d
		}
	}
	if aiURL := os.Getenv("AI_SERVICE_URL"); aiURL != "" {
		config.AI.ServiceURL = aiURL
	}
	if topic := os.Getenv("SNS_TOPIC_ARN"); topic != "" {
		config.Notifications.SNSTopicARN = topic
	}
	if bucket := os.Getenv("METADATA_BUCKET"); bucket != "" {
		config.Storage.MetadataBucket = bucket
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		config.AWS.Region = region
	}
	if keyID := os.Getenv("AWS_ACCESS_KEY_ID"); keyID != "" {
		config.AWS.AccessKeyID = keyID
	}
	if secret := os.Getenv("AWS_SECRET_ACCESS_KEY"); secret != "" {
		config.AWS.SecretAccessKey = secret
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		config.Redis.Password = pass
	}
	if schedule := os.Getenv("RECONCILE_SCHEDULE"); schedule != "" {
		config.Workers.ReconcileSchedule = schedule
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
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

// Timeout returns the ledger call timeout
func (c *LedgerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the AI service call timeout
func (c *AIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PublishTimeout bounds a single notification publish
func (c *NotificationsConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMS) * time.Millisecond
}
