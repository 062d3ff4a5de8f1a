package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	ClearNode  ClearNodeConfig  `yaml:"clearnode"`
	KMS        KMSConfig        `yaml:"kms"`
	LifRust    LifRustConfig    `yaml:"lifRust"`
	Chains     []ChainConfig    `yaml:"chains"`
	NATS       NATSConfig       `yaml:"nats"`
	Solver     SolverConfig     `yaml:"solver"`
	Delegation DelegationConfig `yaml:"delegation"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Admin      AdminConfig      `yaml:"admin"`
	CORS       CORSConfig       `yaml:"cors"`
	Log        LogConfig        `yaml:"log"`
	Workers    WorkersConfig    `yaml:"workers"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"` // postgres | sqlite
}

// ClearNodeConfig ClearNode websocket connection settings
type ClearNodeConfig struct {
	WSSURL               string `yaml:"wssUrl"`
	Application          string `yaml:"application"`
	ConnectTimeoutMs     int    `yaml:"connectTimeoutMs"`
	RequestTimeoutMs     int    `yaml:"requestTimeoutMs"`
	ReconnectBaseMs      int    `yaml:"reconnectBaseMs"`
	ReconnectMaxMs       int    `yaml:"reconnectMaxMs"`
	MaxReconnectAttempts int    `yaml:"maxReconnectAttempts"`
	AuthScope            string `yaml:"authScope"`
	AuthTTLSeconds       int    `yaml:"authTtlSeconds"`
}

func (c ClearNodeConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c ClearNodeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c ClearNodeConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

func (c ClearNodeConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

// KMSConfig signing backend configuration
type KMSConfig struct {
	Provider        string `yaml:"provider"` // local | remote
	LocalPrivateKey string `yaml:"localPrivateKey"`
	ServiceURL      string `yaml:"serviceUrl"`
	AuthToken       string `yaml:"authToken"`
	KeyAlias        string `yaml:"keyAlias"`
	Timeout         int    `yaml:"timeout"` // seconds
}

// LifRustConfig bridging microservice client configuration
type LifRustConfig struct {
	BaseURL     string `yaml:"baseUrl"`
	Timeout     int    `yaml:"timeout"` // seconds
	MaxRetries  int    `yaml:"maxRetries"`
	BaseDelayMs int    `yaml:"baseDelayMs"`
	MaxDelayMs  int    `yaml:"maxDelayMs"`
}

// ChainConfig RPC endpoint for one supported chain
type ChainConfig struct {
	ChainID int64  `yaml:"chainId"`
	Name    string `yaml:"name"`
	RPCURL  string `yaml:"rpcUrl"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Subject       string `yaml:"subject"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// SolverConfig intent fulfillment thresholds
type SolverConfig struct {
	MinSpreadBps    int64   `yaml:"minSpreadBps"`
	MinReserveRatio float64 `yaml:"minReserveRatio"`
	FallbackCostBps int64   `yaml:"fallbackCostBps"`
	RewardBps       int64   `yaml:"rewardBps"`
}

// DelegationConfig session key defaults and EIP-712 domain
type DelegationConfig struct {
	DefaultTTLSeconds int64  `yaml:"defaultTtlSeconds"`
	DomainName        string `yaml:"domainName"`
	DomainChainID     int64  `yaml:"domainChainId"`
}

// RateLimitConfig per-client request limits
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	Username      string `yaml:"username"`
	PasswordHash  string `yaml:"passwordHash"` // bcrypt
	TOTPSecret    string `yaml:"totpSecret"`
	JWTSecret     string `yaml:"jwtSecret"`
	TokenTTLHours int    `yaml:"tokenTtlHours"`

	// AllowedIPs may scrape /metrics besides loopback.
	AllowedIPs []string `yaml:"allowedIps"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// WorkersConfig background loop intervals
type WorkersConfig struct {
	MonitorIntervalSeconds   int `yaml:"monitorIntervalSeconds"`
	WithdrawalSweepSeconds   int `yaml:"withdrawalSweepSeconds"`
	WithdrawalTimeoutSeconds int `yaml:"withdrawalTimeoutSeconds"`
	PendingRetryAfterSeconds int `yaml:"pendingRetryAfterSeconds"`
}

// LogConfig logger output configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json | text
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig Load configuration file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, fills defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	overrideFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3001
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	cn := &cfg.ClearNode
	if cn.Application == "" {
		cn.Application = "uxwallet"
	}
	if cn.ConnectTimeoutMs == 0 {
		cn.ConnectTimeoutMs = 10000
	}
	if cn.RequestTimeoutMs == 0 {
		cn.RequestTimeoutMs = 30000
	}
	if cn.ReconnectBaseMs == 0 {
		cn.ReconnectBaseMs = 1000
	}
	if cn.ReconnectMaxMs == 0 {
		cn.ReconnectMaxMs = 30000
	}
	if cn.MaxReconnectAttempts == 0 {
		cn.MaxReconnectAttempts = 10
	}
	if cn.AuthScope == "" {
		cn.AuthScope = "nitrolite_state_update"
	}
	if cn.AuthTTLSeconds == 0 {
		cn.AuthTTLSeconds = 3600
	}

	if cfg.KMS.Provider == "" {
		cfg.KMS.Provider = "local"
	}
	if cfg.KMS.Timeout == 0 {
		cfg.KMS.Timeout = 30
	}

	lr := &cfg.LifRust
	if lr.BaseURL == "" {
		lr.BaseURL = "http://localhost:8080"
	}
	if lr.Timeout == 0 {
		lr.Timeout = 15
	}
	if lr.MaxRetries == 0 {
		lr.MaxRetries = 3
	}
	if lr.BaseDelayMs == 0 {
		lr.BaseDelayMs = 500
	}
	if lr.MaxDelayMs == 0 {
		lr.MaxDelayMs = 5000
	}

	if len(cfg.Chains) == 0 {
		cfg.Chains = []ChainConfig{
			{ChainID: 12345, Name: "yellow-l3"},
			{ChainID: 1, Name: "ethereum"},
			{ChainID: 8453, Name: "base"},
		}
	}

	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "uxwallet.balance"
	}
	if cfg.NATS.Timeout == 0 {
		cfg.NATS.Timeout = 10
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = 5
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = -1
	}

	if cfg.Solver.MinSpreadBps == 0 {
		cfg.Solver.MinSpreadBps = 10
	}
	if cfg.Solver.MinReserveRatio == 0 {
		cfg.Solver.MinReserveRatio = 0.2
	}
	if cfg.Solver.FallbackCostBps == 0 {
		cfg.Solver.FallbackCostBps = 5
	}

	if cfg.Delegation.DefaultTTLSeconds == 0 {
		cfg.Delegation.DefaultTTLSeconds = 86400
	}
	if cfg.Delegation.DomainName == "" {
		cfg.Delegation.DomainName = "UXWallet"
	}
	if cfg.Delegation.DomainChainID == 0 {
		cfg.Delegation.DomainChainID = 12345
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}

	if cfg.Admin.Username == "" {
		cfg.Admin.Username = "admin"
	}
	if cfg.Admin.TokenTTLHours == 0 {
		cfg.Admin.TokenTTLHours = 24
	}

	w := &cfg.Workers
	if w.MonitorIntervalSeconds == 0 {
		w.MonitorIntervalSeconds = 10
	}
	if w.WithdrawalSweepSeconds == 0 {
		w.WithdrawalSweepSeconds = 30
	}
	if w.WithdrawalTimeoutSeconds == 0 {
		w.WithdrawalTimeoutSeconds = 300
	}
	if w.PendingRetryAfterSeconds == 0 {
		w.PendingRetryAfterSeconds = 60
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 14
	}
}

// overrideFromEnv Override configuration from environment
func overrideFromEnv(cfg *Config) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if url := os.Getenv("CLEARNODE_WSS_URL"); url != "" {
		cfg.ClearNode.WSSURL = url
	}
	if app := os.Getenv("CLEARNODE_APPLICATION"); app != "" {
		cfg.ClearNode.Application = app
	}

	if provider := os.Getenv("KMS_PROVIDER"); provider != "" {
		cfg.KMS.Provider = provider
	}
	if key := os.Getenv("KMS_LOCAL_PRIVATE_KEY"); key != "" {
		cfg.KMS.LocalPrivateKey = key
	}

	if url := os.Getenv("LIF_RUST_BASE_URL"); url != "" {
		cfg.LifRust.BaseURL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}

	if ttl := os.Getenv("SESSION_KEY_DEFAULT_TTL_SECONDS"); ttl != "" {
		if t, err := strconv.ParseInt(ttl, 10, 64); err == nil {
			cfg.Delegation.DefaultTTLSeconds = t
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		cfg.Admin.JWTSecret = secret
	}
	if secret := os.Getenv("ADMIN_TOTP_SECRET"); secret != "" {
		cfg.Admin.TOTPSecret = secret
	}
	if ips := os.Getenv("METRICS_ALLOWED_IPS"); ips != "" {
		cfg.Admin.AllowedIPs = strings.Split(ips, ",")
	}
	if hash := os.Getenv("ADMIN_PASSWORD_HASH"); hash != "" {
		cfg.Admin.PasswordHash = hash
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		cfg.CORS.AllowedOrigins = cfg.CORS.AllowedOrigins[:0]
		for _, o := range parts {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}

	switch c.KMS.Provider {
	case "local", "remote":
	default:
		errs = append(errs, fmt.Errorf("unsupported kms provider %q", c.KMS.Provider))
	}

	if c.Solver.MinReserveRatio < 0 || c.Solver.MinReserveRatio > 1 {
		errs = append(errs, fmt.Errorf("solver.minReserveRatio must be within [0,1], got %v", c.Solver.MinReserveRatio))
	}
	if c.ClearNode.RequestTimeoutMs <= 0 {
		errs = append(errs, errors.New("clearnode.requestTimeoutMs must be positive"))
	}

	return errors.Join(errs...)
}
