package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Registry     RegistryConfig     `json:"registry"`
	Verification VerificationConfig `json:"verification"`
	Storage      StorageConfig      `json:"storage"`
	Security     SecurityConfig     `json:"security"`
	Logging      LoggingConfig      `json:"logging"`
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

// RegistryConfig holds marketplace and ledger parameters
type RegistryConfig struct {
	FeeRateBps         int64         `json:"fee_rate_bps"`
	MaxFeeRateBps      int64         `json:"max_fee_rate_bps"`
	FeeRecipient       string        `json:"fee_recipient"`
	MinAuctionDuration time.Duration `json:"min_auction_duration"`
	MaxAuctionDuration time.Duration `json:"max_auction_duration"`
	CreditValidity     time.Duration `json:"credit_validity"`
}

// VerificationConfig holds scoring thresholds and the scorer endpoint
type VerificationConfig struct {
	HighThreshold int    `json:"high_threshold"`
	LowThreshold  int    `json:"low_threshold"`
	ScorerURL     string `json:"scorer_url"`
}

// Validate enforces the threshold invariant
func (c *VerificationConfig) Validate() error {
	if c.LowThreshold < 0 || c.HighThreshold > 100 {
		return fmt.Errorf("thresholds must lie in [0,100], got low=%d high=%d", c.LowThreshold, c.HighThreshold)
	}
	if c.LowThreshold >= c.HighThreshold {
		return fmt.Errorf("low threshold %d must be below high threshold %d", c.LowThreshold, c.HighThreshold)
	}
	return nil
}

// StorageConfig configures the evidence blob store
type StorageConfig struct {
	S3Bucket string `json:"s3_bucket"`
	S3Region string `json:"s3_region"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// LoggingConfig
type LoggingConfig struct {
	Level string `json:"level"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// Default config
	config := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    os.Getenv("USER"),
			DBName:  "carbon_registry",
			SSLMode: "disable",
		},
		Registry: RegistryConfig{
			FeeRateBps:         250,
			MaxFeeRateBps:      1000,
			MinAuctionDuration: time.Hour,
			MaxAuctionDuration: 7 * 24 * time.Hour,
			CreditValidity:     10 * 365 * 24 * time.Hour,
		},
		Verification: VerificationConfig{
			HighThreshold: 90,
			LowThreshold:  60,
		},
		Storage: StorageConfig{
			S3Bucket: "carbon-registry-evidence",
			S3Region: "us-east-1",
		},
	}

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

	if err := config.Verification.Validate(); err != nil {
		return nil, fmt.Errorf("invalid verification config: %w", err)
	}
	if config.Registry.FeeRateBps < 0 || config.Registry.FeeRateBps > config.Registry.MaxFeeRateBps {
		return nil, fmt.Errorf("fee rate %d bps outside [0,%d]", config.Registry.FeeRateBps, config.Registry.MaxFeeRateBps)
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
	if fee := os.Getenv("REGISTRY_FEE_RATE_BPS"); fee != "" {
		if f, err := strconv.ParseInt(fee, 10, 64); err == nil {
			config.Registry.FeeRateBps = f
		}
	}
	if recipient := os.Getenv("REGISTRY_FEE_RECIPIENT"); recipient != "" {
		config.Registry.FeeRecipient = recipient
	}
	if high := os.Getenv("VERIFICATION_HIGH_THRESHOLD"); high != "" {
		if h, err := strconv.Atoi(high); err == nil {
			config.Verification.HighThreshold = h
		}
	}
	if low := os.Getenv("VERIFICATION_LOW_THRESHOLD"); low != "" {
		if l, err := strconv.Atoi(low); err == nil {
			config.Verification.LowThreshold = l
		}
	}
	if scorer := os.Getenv("VERIFICATION_SCORER_URL"); scorer != "" {
		config.Verification.ScorerURL = scorer
	}
	if bucket := os.Getenv("STORAGE_S3_BUCKET"); bucket != "" {
		config.Storage.S3Bucket = bucket
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Security.JWTSecret = secret
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
