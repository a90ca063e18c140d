// Package config loads and validates the NovaOS operational configuration.
// The loaded Config is a read-only snapshot: reconfiguration means loading a
// new snapshot and swapping the pointer at startup, never mutating in place.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	KVS           KVSConfig           `yaml:"kvs"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimits    RateLimitsConfig    `yaml:"rate_limits"`
	SSRF          SSRFConfig          `yaml:"ssrf"`
	LLM           LLMConfig           `yaml:"llm"`
	Sword         SwordConfig         `yaml:"sword"`
	Retention     RetentionConfig     `yaml:"retention"`
	Observability ObservabilityConfig `yaml:"observability"`
	CORS          CORSConfig          `yaml:"cors"`
}

type ServerConfig struct {
	Port              int    `yaml:"port"`
	Host              string `yaml:"host"`
	ShutdownTimeoutMs int    `yaml:"shutdown_timeout_ms"`
	TrustProxy        bool   `yaml:"trust_proxy"`
}

type KVSConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	TLS            bool   `yaml:"tls"`
	KeyPrefix      string `yaml:"key_prefix"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
	CommandTimeout int    `yaml:"command_timeout_ms"`
	MaxRetries     int    `yaml:"max_retries"`
}

type AuthConfig struct {
	JWTSecret          string `yaml:"jwt_secret"`
	Issuer             string `yaml:"issuer"`
	Audience           string `yaml:"audience"`
	TokenExpirySeconds int    `yaml:"token_expiry_seconds"`
	Required           bool   `yaml:"required"`
}

// RateLimitRule parameterizes one token bucket.
type RateLimitRule struct {
	MaxTokens  int     `yaml:"max_tokens"`
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
	WindowMs   int     `yaml:"window_ms"`
}

type RateLimitsConfig struct {
	API             RateLimitRule `yaml:"api"`
	SSRF            RateLimitRule `yaml:"ssrf"`
	GoalCreation    RateLimitRule `yaml:"goal_creation"`
	SparkGeneration RateLimitRule `yaml:"spark_generation"`
	Multiplier      float64       `yaml:"multiplier"`
}

type SSRFConfig struct {
	AllowedPorts        []int    `yaml:"allowed_ports"`
	ConnectTimeoutMs    int      `yaml:"connect_timeout_ms"`
	ReadTimeoutMs       int      `yaml:"read_timeout_ms"`
	DNSTimeoutMs        int      `yaml:"dns_timeout_ms"`
	MaxResponseBytes    int64    `yaml:"max_response_bytes"`
	MaxRedirects        int      `yaml:"max_redirects"`
	AllowPrivate        bool     `yaml:"allow_private"`
	AllowLocalhost      bool     `yaml:"allow_localhost"`
	ValidateCerts       bool     `yaml:"validate_certs"`
	PreventDNSRebinding bool     `yaml:"prevent_dns_rebinding"`
	BlockedDomains      []string `yaml:"blocked_domains"`
}

type LLMConfig struct {
	Provider          string  `yaml:"provider"` // openai | gemini | mock
	Model             string  `yaml:"model"`
	SecondaryProvider string  `yaml:"secondary_provider"`
	SecondaryModel    string  `yaml:"secondary_model"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	TimeoutMs         int     `yaml:"timeout_ms"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
}

type SwordConfig struct {
	MaxGoalsPerUser  int `yaml:"max_goals_per_user"`
	MaxActiveGoals   int `yaml:"max_active_goals"`
	SparkMinMinutes  int `yaml:"spark_min_minutes"`
	SparkMaxMinutes  int `yaml:"spark_max_minutes"`
	StepGenHour      int `yaml:"step_generation_hour"`
	SparkMorningHour int `yaml:"spark_morning_hour"`
	DayEndHour       int `yaml:"day_end_hour"`
}

type RetentionConfig struct {
	AuditDays        int `yaml:"audit_days"`
	SnapshotDays     int `yaml:"snapshot_days"`
	GoalDays         int `yaml:"goal_days"`
	QuestDays        int `yaml:"quest_days"`
	SparkDays        int `yaml:"spark_days"`
	NotificationDays int `yaml:"notification_days"`
}

type ObservabilityConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	RedactPII bool   `yaml:"redact_pii"`
	LogLevel  string `yaml:"log_level"` // debug | info | warn | error
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the enumerated defaults from the operations runbook.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Host: "0.0.0.0", ShutdownTimeoutMs: 10000},
		KVS: KVSConfig{
			Host: "localhost", Port: 6379, KeyPrefix: "nova:",
			ConnectTimeout: 3000, CommandTimeout: 2000, MaxRetries: 2,
		},
		Auth: AuthConfig{Issuer: "novaos", Audience: "novaos-clients", TokenExpirySeconds: 3600},
		RateLimits: RateLimitsConfig{
			API:             RateLimitRule{MaxTokens: 60, RefillRate: 1, WindowMs: 60000},
			SSRF:            RateLimitRule{MaxTokens: 30, RefillRate: 0.5, WindowMs: 60000},
			GoalCreation:    RateLimitRule{MaxTokens: 10, RefillRate: 0.05, WindowMs: 3600000},
			SparkGeneration: RateLimitRule{MaxTokens: 20, RefillRate: 0.1, WindowMs: 3600000},
			Multiplier:      1.0,
		},
		SSRF: SSRFConfig{
			AllowedPorts:        []int{80, 443},
			ConnectTimeoutMs:    5000,
			ReadTimeoutMs:       10000,
			DNSTimeoutMs:        3000,
			MaxResponseBytes:    5 * 1024 * 1024,
			MaxRedirects:        3,
			ValidateCerts:       true,
			PreventDNSRebinding: true,
		},
		LLM: LLMConfig{
			Provider: "mock", Model: "nova-stub",
			TimeoutMs: 15000, MaxTokens: 1024, Temperature: 0.7,
		},
		Sword: SwordConfig{
			MaxGoalsPerUser: 25, MaxActiveGoals: 5,
			SparkMinMinutes: 5, SparkMaxMinutes: 120,
			StepGenHour: 21, SparkMorningHour: 7, DayEndHour: 23,
		},
		Retention: RetentionConfig{
			AuditDays: 90, SnapshotDays: 90,
			GoalDays: 365, QuestDays: 180, SparkDays: 7,
			NotificationDays: 14,
		},
		Observability: ObservabilityConfig{RedactPII: true, LogLevel: "info"},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the documented ranges. A config that fails validation is
// rejected at startup; there is no partial acceptance.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Auth.Required && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters when auth is required")
	}
	if c.Auth.TokenExpirySeconds < 60 {
		return fmt.Errorf("auth.token_expiry_seconds must be >= 60, got %d", c.Auth.TokenExpirySeconds)
	}
	if c.RateLimits.Multiplier < 0.1 || c.RateLimits.Multiplier > 10 {
		return fmt.Errorf("rate_limits.multiplier must be in [0.1, 10], got %v", c.RateLimits.Multiplier)
	}
	if c.SSRF.MaxRedirects < 0 || c.SSRF.MaxRedirects > 10 {
		return fmt.Errorf("ssrf.max_redirects must be in [0, 10], got %d", c.SSRF.MaxRedirects)
	}
	if len(c.SSRF.AllowedPorts) == 0 {
		return fmt.Errorf("ssrf.allowed_ports must not be empty")
	}
	switch c.LLM.Provider {
	case "openai", "gemini", "mock":
	default:
		return fmt.Errorf("llm.provider must be one of openai|gemini|mock, got %q", c.LLM.Provider)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be in [0, 2], got %v", c.LLM.Temperature)
	}
	if c.Sword.MaxGoalsPerUser < 1 || c.Sword.MaxGoalsPerUser > 100 {
		return fmt.Errorf("sword.max_goals_per_user must be in [1, 100], got %d", c.Sword.MaxGoalsPerUser)
	}
	if c.Sword.MaxActiveGoals < 1 || c.Sword.MaxActiveGoals > 20 {
		return fmt.Errorf("sword.max_active_goals must be in [1, 20], got %d", c.Sword.MaxActiveGoals)
	}
	for _, h := range []int{c.Sword.StepGenHour, c.Sword.SparkMorningHour, c.Sword.DayEndHour} {
		if h < 0 || h > 23 {
			return fmt.Errorf("sword scheduling hour out of range: %d", h)
		}
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be debug|info|warn|error, got %q", c.Observability.LogLevel)
	}
	return nil
}

// ShutdownTimeout returns the graceful shutdown budget as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutMs) * time.Millisecond
}
