// Package config loads keygate settings from defaults, an optional YAML file
// and KEYGATE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "KEYGATE_"

type Config struct {
	DBPath      string `yaml:"db_path" env:"DB_PATH" validate:"required"`
	GatewayAddr string `yaml:"gateway_addr" env:"GATEWAY_ADDR" validate:"required"`
	AdminAddr   string `yaml:"admin_addr" env:"ADMIN_ADDR"`
	UpstreamURL string `yaml:"upstream_url" env:"UPSTREAM_URL" validate:"omitempty,url"`
	AdminToken  string `yaml:"admin_token" env:"ADMIN_TOKEN"`

	RequireHTTPS         bool `yaml:"require_https" env:"REQUIRE_HTTPS"`
	DefaultRateLimit     int  `yaml:"default_rate_limit" env:"DEFAULT_RATE_LIMIT" validate:"min=0"`
	DefaultKeyLength     int  `yaml:"default_key_length" env:"DEFAULT_KEY_LENGTH" validate:"min=32,max=256"`
	DefaultKeyExpiryDays int  `yaml:"default_key_expiry_days" env:"DEFAULT_KEY_EXPIRY_DAYS" validate:"min=0"`
	LogRequests          bool `yaml:"log_requests" env:"LOG_REQUESTS"`

	CORSOrigins       []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	PublicEndpoints   []string `yaml:"public_endpoints" env:"PUBLIC_ENDPOINTS"`
	EndpointPrefix    string   `yaml:"endpoint_prefix" env:"ENDPOINT_PREFIX"`
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`

	RedisAddr        string `yaml:"redis_addr" env:"REDIS_ADDR"`
	SweepSchedule    string `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`
	LogRetentionDays int    `yaml:"log_retention_days" env:"LOG_RETENTION_DAYS" validate:"min=0"`

	TLSCertFile string   `yaml:"tls_cert" env:"TLS_CERT" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string   `yaml:"tls_key" env:"TLS_KEY" validate:"required_with=TLSCertFile"`
	ACMEDomains []string `yaml:"acme_domains" env:"ACME_DOMAINS" validate:"dive,hostname"`
	ACMEEmail   string   `yaml:"acme_email" env:"ACME_EMAIL" validate:"omitempty,email"`
	ACMEStaging bool     `yaml:"acme_staging" env:"ACME_STAGING"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		DBPath:               "keygate.db",
		GatewayAddr:          ":8080",
		AdminAddr:            "127.0.0.1:8081",
		RequireHTTPS:         true,
		DefaultRateLimit:     1000,
		DefaultKeyLength:     64,
		DefaultKeyExpiryDays: 365,
		LogRequests:          true,
		SweepSchedule:        "@daily",
		LogRetentionDays:     90,
	}
}

// Load builds a Config from Default, then path (if non-empty), then the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.EndpointPrefix = strings.Trim(strings.TrimSpace(c.EndpointPrefix), "/")
	if c.EndpointPrefix != "" {
		c.EndpointPrefix += "/"
	}
	c.CORSOrigins = trimAll(c.CORSOrigins)
	c.PublicEndpoints = trimAll(c.PublicEndpoints)
	c.ACMEDomains = trimAll(c.ACMEDomains)
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.ACMEDomains) > 0 && c.TLSCertFile != "" {
		return errors.New("invalid config: acme_domains and tls_cert are mutually exclusive")
	}
	return nil
}

// TLSEnabled reports whether the gateway should terminate TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" || len(c.ACMEDomains) > 0
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
