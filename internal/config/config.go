// Package config loads and validates the processor's configuration from
// environment variables or an override file passed as the last CLI argument
// (spec.md §6). Each process loads it once at startup: the Supervisor before
// it spawns any Worker, and every Worker again when it starts, so a bad
// configuration stops the Supervisor before a Worker is ever spawned.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chainledger/processor/internal/cryptoutil"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DB      DBConfig
	Signing SigningConfig
	Log     LogConfig
	Mining  MiningConfig
	Sentry  SentryConfig
	Health  HealthConfig
}

type DBConfig struct {
	User     string
	Name     string
	Host     string
	Port     int
	Password string
}

type SigningConfig struct {
	PrivateKeyWIF  string
	PrivateKey     *cryptoutil.PrivateKey
	SignPrefix     string
	AddressVersion byte
}

type LogConfig struct {
	Level  int
	Format string
}

type MiningConfig struct {
	BlockIntervalSeconds    int
	MinBlockIntervalSeconds int
	TransactionsPerBlock    int
	MaxBlockSizeBytes       int
	ExcludeRejected         bool
	PacingSlackMS           int
	EmissionSlackMS         int
}

type SentryConfig struct {
	URL string
}

type HealthConfig struct {
	MaxMemoryMB int
	Port        int
}

const (
	defaultBlockIntervalSeconds    = 60
	defaultMinBlockIntervalSeconds = 5
	defaultTransactionsPerBlock    = 500
	defaultMaxBlockSizeBytes       = 1_000_000
	minAllowedMaxBlockSizeBytes    = 110_000
	defaultMaxMemoryMB             = 1024
	minAllowedMaxMemoryMB          = 128
	defaultHealthPort              = 8080
	defaultSlackMS                 = 500
)

// Load builds a Config from the environment, optionally overlaid by a JSON
// or YAML file named in the final CLI argument (args[len(args)-1] when it
// is a readable file path), then validates it. args is normally os.Args[1:];
// passing it explicitly keeps Load testable without touching the process's
// real argv.
func Load(args []string) (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			User: getEnv("DBUSER", "processor"),
			Name: getEnv("DBNAME", "blockchain"),
			Host: getEnv("DBHOST", "localhost"),
			Port: getEnvInt("DBPORT", 5432),
		},
		Log: LogConfig{
			Level:  getEnvInt("LOG_LEVEL", 0),
			Format: getEnv("LOG_FORMAT", ""),
		},
		Mining: MiningConfig{
			BlockIntervalSeconds:    getEnvInt("BLOCK_INTERVAL", defaultBlockIntervalSeconds),
			MinBlockIntervalSeconds: getEnvInt("MIN_BLOCK_INTERVAL", defaultMinBlockIntervalSeconds),
			TransactionsPerBlock:    getEnvInt("TRANSACTIONS_PER_BLOCK", defaultTransactionsPerBlock),
			MaxBlockSizeBytes:       getEnvInt("MAX_BLOCK_SIZE", defaultMaxBlockSizeBytes),
			ExcludeRejected:         getEnvBool("EXCLUDE_REJECTED", false),
			PacingSlackMS:           getEnvInt("PACING_SLACK_MS", defaultSlackMS),
			EmissionSlackMS:         getEnvInt("EMISSION_SLACK_MS", defaultSlackMS),
		},
		Health: HealthConfig{
			MaxMemoryMB: getEnvInt("MAX_MEMORY", defaultMaxMemoryMB),
			Port:        getEnvInt("HEALTH_PORT", defaultHealthPort),
		},
		Sentry: SentryConfig{
			URL: getEnv("SENTRY_URL", ""),
		},
	}
	cfg.DB.Password = os.Getenv("DBPASSWORD")
	cfg.Signing.PrivateKeyWIF = os.Getenv("PRIVATE_KEY")
	cfg.Signing.SignPrefix = os.Getenv("SIGN_PREFIX")
	cfg.Signing.AddressVersion = byte(getEnvInt("ADDRESS_VERSION", 0))

	if len(args) > 0 {
		if overridePath := args[len(args)-1]; looksLikeConfigFile(overridePath) {
			if err := applyFileOverride(cfg, overridePath); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", overridePath, err)
			}
		}
	}

	if err := cfg.finalizeAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeConfigFile(path string) bool {
	if path == "" || strings.HasPrefix(path, "-") {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// fileOverride mirrors the spec.md §6 env-settable fields for JSON/YAML
// decoding; ADDRESS_VERSION, PACING_SLACK_MS, EMISSION_SLACK_MS and
// HEALTH_PORT can only be set from the environment. Every key present in the
// file overrides what the environment set, even when its value is empty or
// zero; absent keys leave the environment's value in place.
type fileOverride struct {
	DBUser               *string `json:"DBUSER" yaml:"DBUSER"`
	DBNAME               *string `json:"DBNAME" yaml:"DBNAME"`
	DBHOST               *string `json:"DBHOST" yaml:"DBHOST"`
	DBPORT               *int    `json:"DBPORT" yaml:"DBPORT"`
	DBPASSWORD           *string `json:"DBPASSWORD" yaml:"DBPASSWORD"`
	PrivateKey           *string `json:"PRIVATE_KEY" yaml:"PRIVATE_KEY"`
	SignPrefix           *string `json:"SIGN_PREFIX" yaml:"SIGN_PREFIX"`
	LogLevel             *int    `json:"LOG_LEVEL" yaml:"LOG_LEVEL"`
	LogFormat            *string `json:"LOG_FORMAT" yaml:"LOG_FORMAT"`
	BlockInterval        *int    `json:"BLOCK_INTERVAL" yaml:"BLOCK_INTERVAL"`
	MinBlockInterval     *int    `json:"MIN_BLOCK_INTERVAL" yaml:"MIN_BLOCK_INTERVAL"`
	TransactionsPerBlock *int    `json:"TRANSACTIONS_PER_BLOCK" yaml:"TRANSACTIONS_PER_BLOCK"`
	MaxBlockSize         *int    `json:"MAX_BLOCK_SIZE" yaml:"MAX_BLOCK_SIZE"`
	MaxMemory            *int    `json:"MAX_MEMORY" yaml:"MAX_MEMORY"`
	ExcludeRejected      *bool   `json:"EXCLUDE_REJECTED" yaml:"EXCLUDE_REJECTED"`
	SentryURL            *string `json:"SENTRY_URL" yaml:"SENTRY_URL"`
}

func applyFileOverride(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	var ov fileOverride
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(raw, &ov); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
	} else {
		if err := json.Unmarshal(raw, &ov); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
	}

	if ov.DBUser != nil {
		cfg.DB.User = *ov.DBUser
	}
	if ov.DBNAME != nil {
		cfg.DB.Name = *ov.DBNAME
	}
	if ov.DBHOST != nil {
		cfg.DB.Host = *ov.DBHOST
	}
	if ov.DBPORT != nil {
		cfg.DB.Port = *ov.DBPORT
	}
	if ov.DBPASSWORD != nil {
		cfg.DB.Password = *ov.DBPASSWORD
	}
	if ov.PrivateKey != nil {
		cfg.Signing.PrivateKeyWIF = *ov.PrivateKey
	}
	if ov.SignPrefix != nil {
		cfg.Signing.SignPrefix = *ov.SignPrefix
	}
	if ov.LogLevel != nil {
		cfg.Log.Level = *ov.LogLevel
	}
	if ov.LogFormat != nil {
		cfg.Log.Format = *ov.LogFormat
	}
	if ov.BlockInterval != nil {
		cfg.Mining.BlockIntervalSeconds = *ov.BlockInterval
	}
	if ov.MinBlockInterval != nil {
		cfg.Mining.MinBlockIntervalSeconds = *ov.MinBlockInterval
	}
	if ov.TransactionsPerBlock != nil {
		cfg.Mining.TransactionsPerBlock = *ov.TransactionsPerBlock
	}
	if ov.MaxBlockSize != nil {
		cfg.Mining.MaxBlockSizeBytes = *ov.MaxBlockSize
	}
	if ov.MaxMemory != nil {
		cfg.Health.MaxMemoryMB = *ov.MaxMemory
	}
	if ov.ExcludeRejected != nil {
		cfg.Mining.ExcludeRejected = *ov.ExcludeRejected
	}
	if ov.SentryURL != nil {
		cfg.Sentry.URL = *ov.SentryURL
	}
	return nil
}

func (c *Config) finalizeAndValidate() error {
	if c.DB.Password == "" {
		return fmt.Errorf("DBPASSWORD is required")
	}
	if c.Signing.PrivateKeyWIF == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	priv, err := cryptoutil.ParseWIF(c.Signing.PrivateKeyWIF)
	if err != nil {
		return fmt.Errorf("PRIVATE_KEY: %w", err)
	}
	c.Signing.PrivateKey = priv

	if c.Signing.SignPrefix == "" {
		return fmt.Errorf("SIGN_PREFIX is required")
	}
	if len(c.Signing.SignPrefix) > 255 {
		return fmt.Errorf("SIGN_PREFIX must be at most 255 UTF-8 bytes")
	}

	if c.Mining.MinBlockIntervalSeconds < 1 {
		return fmt.Errorf("MIN_BLOCK_INTERVAL must be >= 1")
	}
	if c.Mining.MinBlockIntervalSeconds > c.Mining.BlockIntervalSeconds {
		return fmt.Errorf("MIN_BLOCK_INTERVAL must be <= BLOCK_INTERVAL")
	}
	if c.Mining.TransactionsPerBlock < 1 {
		return fmt.Errorf("TRANSACTIONS_PER_BLOCK must be >= 1")
	}
	if c.Mining.MaxBlockSizeBytes < minAllowedMaxBlockSizeBytes {
		return fmt.Errorf("MAX_BLOCK_SIZE must be >= %d", minAllowedMaxBlockSizeBytes)
	}
	if c.Health.MaxMemoryMB < minAllowedMaxMemoryMB {
		return fmt.Errorf("MAX_MEMORY must be >= %d", minAllowedMaxMemoryMB)
	}
	if c.Log.Level < 0 || c.Log.Level > 5 {
		return fmt.Errorf("LOG_LEVEL must be within [0, 5]")
	}
	return nil
}

// DSN renders the libpq connection string for DB.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
