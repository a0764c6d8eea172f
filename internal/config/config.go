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
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Ledger     LedgerConfig     `json:"ledger"`
	Settlement SettlementConfig `json:"settlement"`
	Storage    StorageConfig    `json:"storage"`
	Security   SecurityConfig   `json:"security"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ReadTimeout     Duration `json:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// DatabaseConfig represents database configuration. With Enabled unset the
// settlement state lives in memory and is carried across restarts by snapshots.
type DatabaseConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	User           string   `json:"user"`
	Password       string   `json:"password"`
	DBName         string   `json:"db_name"`
	SSLMode        string   `json:"ssl_mode"`
	MaxConnections int      `json:"max_connections"`
	MaxIdleConns   int      `json:"max_idle_conns"`
	MaxLifetime    Duration `json:"max_lifetime"`
}

// LedgerConfig describes the token ledger and the principal that owns project accounts.
// An empty GatewayURL selects the in-process ledger.
type LedgerConfig struct {
	GatewayURL        string   `json:"gateway_url"`
	CanisterPrincipal string   `json:"canister_principal"`
	Fee               uint64   `json:"fee"`
	Timeout           Duration `json:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	Burst             int      `json:"burst"`
}

// SettlementConfig controls the balance watcher
type SettlementConfig struct {
	WatchSchedule string   `json:"watch_schedule"`
	CacheTTL      Duration `json:"cache_ttl"`
}

// StorageConfig selects where snapshots of in-memory state are kept
type StorageConfig struct {
	Backend         string `json:"backend"` // none, file or s3
	Dir             string `json:"dir"`
	Bucket          string `json:"bucket"`
	Prefix          string `json:"prefix"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// LoggingConfig
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// Duration accepts either a Go duration string ("30s") or nanoseconds in JSON
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}

	var nanos int64
	if err := json.Unmarshal(data, &nanos); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", data)
	}
	*d = Duration(nanos)
	return nil
}

// Default returns the configuration used when neither file nor environment say otherwise
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "deforger_marketplace",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    Duration(time.Hour),
		},
		Ledger: LedgerConfig{
			Fee:               10_000,
			Timeout:           Duration(10 * time.Second),
			RequestsPerSecond: 20,
			Burst:             5,
		},
		Settlement: SettlementConfig{
			WatchSchedule: "@every 30s",
			CacheTTL:      Duration(time.Minute),
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "data",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
// A .env file next to the process is loaded first when present; variables
// already set in the environment win over it.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := Default()

	// Load from file if exists
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func overrideWithEnv(config *Config) error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("SERVER_HOST", &config.Server.Host)
	if port := os.Getenv("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		config.Server.Port = p
	}

	if enabled := os.Getenv("DATABASE_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("DATABASE_ENABLED: %w", err)
		}
		config.Database.Enabled = b
	}
	setString("DATABASE_HOST", &config.Database.Host)
	setString("DATABASE_USER", &config.Database.User)
	setString("DATABASE_PASSWORD", &config.Database.Password)
	setString("DATABASE_DBNAME", &config.Database.DBName)
	setString("DATABASE_SSLMODE", &config.Database.SSLMode)

	setString("LEDGER_GATEWAY_URL", &config.Ledger.GatewayURL)
	setString("LEDGER_CANISTER_PRINCIPAL", &config.Ledger.CanisterPrincipal)
	if fee := os.Getenv("LEDGER_FEE"); fee != "" {
		f, err := strconv.ParseUint(fee, 10, 64)
		if err != nil {
			return fmt.Errorf("LEDGER_FEE: %w", err)
		}
		config.Ledger.Fee = f
	}
	if timeout := os.Getenv("LEDGER_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("LEDGER_TIMEOUT: %w", err)
		}
		config.Ledger.Timeout = Duration(d)
	}

	setString("SETTLEMENT_WATCH_SCHEDULE", &config.Settlement.WatchSchedule)

	setString("STORAGE_BACKEND", &config.Storage.Backend)
	setString("STORAGE_DIR", &config.Storage.Dir)
	setString("STORAGE_S3_BUCKET", &config.Storage.Bucket)
	setString("STORAGE_S3_PREFIX", &config.Storage.Prefix)
	setString("STORAGE_S3_ENDPOINT", &config.Storage.Endpoint)
	setString("AWS_REGION", &config.Storage.Region)
	setString("AWS_ACCESS_KEY_ID", &config.Storage.AccessKeyID)
	setString("AWS_SECRET_ACCESS_KEY", &config.Storage.SecretAccessKey)

	setString("JWT_SECRET", &config.Security.JWTSecret)
	setString("LOG_LEVEL", &config.Logging.Level)

	return nil
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret (JWT_SECRET) is required")
	}
	if c.Ledger.CanisterPrincipal == "" {
		return errors.New("ledger.canister_principal (LEDGER_CANISTER_PRINCIPAL) is required")
	}
	if c.Ledger.Fee == 0 {
		return errors.New("ledger.fee must be positive")
	}

	switch strings.ToLower(c.Storage.Backend) {
	case "", "none", "file":
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	return nil
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
