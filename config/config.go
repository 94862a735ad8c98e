// Package config loads runtime settings from .env, an optional YAML file and
// ESCROWDESK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "escrowdesk"

type Config struct {
	DatabaseURL string `yaml:"databaseUrl" envconfig:"DATABASE_URL"`
	ListenAddr  string `yaml:"listenAddr"  envconfig:"LISTEN_ADDR"`
	BaseURL     string `yaml:"baseUrl"     envconfig:"BASE_URL"`
	MetricsAddr string `yaml:"metricsAddr" envconfig:"METRICS_ADDR"`

	JWTSecret  string        `yaml:"jwtSecret"  envconfig:"JWT_SECRET"`
	SessionTTL time.Duration `yaml:"sessionTtl" envconfig:"SESSION_TTL"`
	CSRFSecret string        `yaml:"csrfSecret" envconfig:"CSRF_SECRET"`

	RedisAddr     string `yaml:"redisAddr"     envconfig:"REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb"       envconfig:"REDIS_DB"`

	SellerSubmitWindow time.Duration `yaml:"sellerSubmitWindow" envconfig:"SELLER_SUBMIT_WINDOW"`
	BuyerVerifyWindow  time.Duration `yaml:"buyerVerifyWindow"  envconfig:"BUYER_VERIFY_WINDOW"`
	SweepInterval      time.Duration `yaml:"sweepInterval"      envconfig:"SWEEP_INTERVAL"`
	WorkerConcurrency  int           `yaml:"workerConcurrency"  envconfig:"WORKER_CONCURRENCY"`

	// CredentialViewRate is view_credentials calls per second per user.
	CredentialViewRate  float64 `yaml:"credentialViewRate"  envconfig:"CREDENTIAL_VIEW_RATE"`
	CredentialViewBurst int     `yaml:"credentialViewBurst" envconfig:"CREDENTIAL_VIEW_BURST"`

	PerPageDefault int `yaml:"perPageDefault" envconfig:"PER_PAGE_DEFAULT"`
	PerPageMax     int `yaml:"perPageMax"     envconfig:"PER_PAGE_MAX"`

	Debug bool `yaml:"debug" envconfig:"DEBUG"`
}

// Default returns the built-in values every source overlays.
func Default() Config {
	return Config{
		ListenAddr:          ":8080",
		BaseURL:             "http://localhost:8080",
		SessionTTL:          24 * time.Hour,
		SellerSubmitWindow:  48 * time.Hour,
		BuyerVerifyWindow:   7 * 24 * time.Hour,
		SweepInterval:       15 * time.Minute,
		WorkerConcurrency:   2,
		CredentialViewRate:  0.2,
		CredentialViewBurst: 5,
		PerPageDefault:      20,
		PerPageMax:          100,
	}
}

// Load builds a Config. A missing .env is ignored; a missing YAML file named
// explicitly is an error.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if cfg.CSRFSecret == "" {
		cfg.CSRFSecret = cfg.JWTSecret
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

// Validate checks the fields the server and worker cannot run without.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "database url is required")
	}
	if len(c.JWTSecret) < 16 {
		problems = append(problems, "jwt secret must be at least 16 characters")
	}
	if c.SessionTTL <= 0 {
		problems = append(problems, "session ttl must be positive")
	}
	if c.SellerSubmitWindow <= 0 || c.BuyerVerifyWindow <= 0 {
		problems = append(problems, "deadline windows must be positive")
	}
	if c.PerPageDefault <= 0 || c.PerPageMax < c.PerPageDefault {
		problems = append(problems, "per page default must be positive and not above the max")
	}
	if c.CredentialViewRate <= 0 || c.CredentialViewBurst <= 0 {
		problems = append(problems, "credential view rate and burst must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ViewLimit is the per-user credential view limit.
func (c Config) ViewLimit() rate.Limit {
	return rate.Limit(c.CredentialViewRate)
}

// WorkerEnabled reports whether Redis is configured for background jobs.
func (c Config) WorkerEnabled() bool {
	return c.RedisAddr != ""
}
