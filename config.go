package workflow

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/voronode/invoiceflow/circuit"
	"github.com/voronode/invoiceflow/retry"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Finalize.
const (
	EnvStoreDSN  = "INVOICEFLOW_STORE_DSN"
	EnvRedisAddr = "INVOICEFLOW_REDIS_ADDR"
	EnvLogLevel  = "INVOICEFLOW_LOG_LEVEL"
)

// Store drivers understood by the CLI.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
)

// Config is the engine configuration, usually loaded from YAML.
type Config struct {
	Retry                retry.Policy         `yaml:"retry"`
	Routing              RoutingPolicy        `yaml:"routing"`
	Timeouts             TimeoutConfig        `yaml:"timeouts"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
	Store                StoreConfig          `yaml:"store"`
	Stages               map[Node]StageConfig `yaml:"stages"`
	Log                  LogConfig            `yaml:"log"`
	StageLog             string               `yaml:"stage_log"`
	AcceptedContentTypes []string             `yaml:"accepted_content_types"`
	RecoverConcurrency   int                  `yaml:"recover_concurrency"`
}

// TimeoutConfig bounds how long the engine waits for each stage.
type TimeoutConfig struct {
	Extract         time.Duration `yaml:"extract"`
	Validate        time.Duration `yaml:"validate"`
	ComplianceAudit time.Duration `yaml:"compliance_audit"`
	InsertGraph     time.Duration `yaml:"insert_graph"`
}

// For returns the timeout of a node.
func (t TimeoutConfig) For(node Node) time.Duration {
	switch node {
	case NodeExtract:
		return t.Extract
	case NodeValidate:
		return t.Validate
	case NodeComplianceAudit:
		return t.ComplianceAudit
	case NodeInsertGraph:
		return t.InsertGraph
	default:
		return 0
	}
}

// CircuitBreakerConfig configures the breaker registry.
type CircuitBreakerConfig struct {
	FailureThreshold int                          `yaml:"failure_threshold"`
	Cooldown         time.Duration                `yaml:"cooldown"`
	Tools            map[string]ToolBreakerConfig `yaml:"tools"`
}

// ToolBreakerConfig overrides the breaker settings of one tool.
type ToolBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RegistryOptions converts the section into circuit registry options.
func (c CircuitBreakerConfig) RegistryOptions() circuit.RegistryOptions {
	tools := make(map[string]circuit.Config, len(c.Tools))
	for name, t := range c.Tools {
		tools[name] = circuit.Config{FailureThreshold: t.FailureThreshold, Cooldown: t.Cooldown}
	}
	return circuit.RegistryOptions{
		Config: circuit.Config{FailureThreshold: c.FailureThreshold, Cooldown: c.Cooldown},
		Tools:  tools,
	}
}

// StoreConfig selects the checkpoint store.
type StoreConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	Dir       string `yaml:"dir"`
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
}

// StageConfig points a node at a remote service.
type StageConfig struct {
	URL     string            `yaml:"url"`
	Tool    string            `yaml:"tool"`
	Headers map[string]string `yaml:"headers"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	breaker := circuit.DefaultConfig()
	return Config{
		Retry:   retry.DefaultPolicy(),
		Routing: DefaultRoutingPolicy(),
		Timeouts: TimeoutConfig{
			Extract:         30 * time.Second,
			Validate:        10 * time.Second,
			ComplianceAudit: 10 * time.Second,
			InsertGraph:     15 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			Cooldown:         breaker.Cooldown,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			Prefix: "invoiceflow",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		AcceptedContentTypes: []string{"application/pdf", "image/png", "image/jpeg"},
		RecoverConcurrency:   4,
	}
}

// LoadConfig reads and finalizes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML over the defaults and finalizes the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Finalize applies defaults, environment variable overrides, and validation.
func (c *Config) Finalize() error {
	c.loadDefaults()
	c.loadEnv()
	return c.validate()
}

func (c *Config) loadDefaults() {
	defaults := DefaultConfig()
	// MaxRetries is taken as given: zero disables retries.
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if c.Retry.BackoffRate == 0 {
		c.Retry.BackoffRate = 1
	}
	if c.Retry.JitterStrategy == "" {
		c.Retry.JitterStrategy = retry.JitterNone
	}
	if c.Timeouts.Extract == 0 {
		c.Timeouts.Extract = defaults.Timeouts.Extract
	}
	if c.Timeouts.Validate == 0 {
		c.Timeouts.Validate = defaults.Timeouts.Validate
	}
	if c.Timeouts.ComplianceAudit == 0 {
		c.Timeouts.ComplianceAudit = defaults.Timeouts.ComplianceAudit
	}
	if c.Timeouts.InsertGraph == 0 {
		c.Timeouts.InsertGraph = defaults.Timeouts.InsertGraph
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = defaults.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.Cooldown == 0 {
		c.CircuitBreaker.Cooldown = defaults.CircuitBreaker.Cooldown
	}
	if c.Store.Driver == "" {
		c.Store.Driver = defaults.Store.Driver
	}
	if c.Store.Prefix == "" {
		c.Store.Prefix = defaults.Store.Prefix
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if len(c.AcceptedContentTypes) == 0 {
		c.AcceptedContentTypes = defaults.AcceptedContentTypes
	}
	if c.RecoverConcurrency == 0 {
		c.RecoverConcurrency = defaults.RecoverConcurrency
	}
}

func (c *Config) loadEnv() {
	if v := os.Getenv(EnvStoreDSN); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must not be negative"))
	}
	if c.Retry.JitterStrategy != retry.JitterNone && c.Retry.JitterStrategy != retry.JitterFull {
		errs = append(errs, fmt.Errorf("unknown retry.jitter_strategy %q", c.Retry.JitterStrategy))
	}
	if c.Routing.ComplianceCriticalThreshold < 0 || c.Routing.ComplianceHighThreshold < 0 {
		errs = append(errs, fmt.Errorf("routing compliance thresholds must not be negative"))
	}
	if c.CircuitBreaker.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("circuit_breaker.failure_threshold must not be negative"))
	}
	switch c.Store.Driver {
	case StoreMemory, StoreFile:
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn required for %s", c.Store.Driver))
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("store.redis_addr required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	for node := range c.Stages {
		if !node.Valid() || node == NodeComplete {
			errs = append(errs, fmt.Errorf("unknown stage %q", node))
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	for i, ct := range c.AcceptedContentTypes {
		c.AcceptedContentTypes[i] = strings.ToLower(strings.TrimSpace(ct))
	}
	return errors.Join(errs...)
}
