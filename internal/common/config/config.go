// Package config provides bootstrap configuration for the agent runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EssentialConfig holds everything the runtime needs to bootstrap. It is
// loaded once at startup and never mutated afterwards; live configuration
// is owned by the graph-backed config service.
type EssentialConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Services  ServicesConfig  `mapstructure:"services"`
	Security  SecurityConfig  `mapstructure:"security"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Resources ResourcesConfig `mapstructure:"resources"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

// ServerConfig holds the HTTP boundary configuration.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	ReadTimeout       int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout      int    `mapstructure:"writeTimeout"` // in seconds
	RequestsPerMinute int    `mapstructure:"requestsPerMinute"`
}

// DatabaseConfig holds the SQLite database paths. MainDSN switches the main
// store to PostgreSQL when set; the audit chain and secrets stores are
// always SQLite.
type DatabaseConfig struct {
	MainDB    string `mapstructure:"mainDb"`
	SecretsDB string `mapstructure:"secretsDb"`
	AuditDB   string `mapstructure:"auditDb"`
	MainDSN   string `mapstructure:"mainDsn"`
	MaxConns  int    `mapstructure:"maxConns"`
	MinConns  int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ServicesConfig holds external service endpoints.
type ServicesConfig struct {
	LLMEndpoint   string `mapstructure:"llmEndpoint"`
	LLMModel      string `mapstructure:"llmModel"`
	LLMTimeout    int    `mapstructure:"llmTimeout"` // in seconds
	LLMMaxRetries int    `mapstructure:"llmMaxRetries"`
}

// SecurityConfig holds audit and secrets hardening knobs.
type SecurityConfig struct {
	AuditRetentionDays      int    `mapstructure:"auditRetentionDays"`
	SecretsEncryptionKeyEnv string `mapstructure:"secretsEncryptionKeyEnv"`
	SecretsKeyPath          string `mapstructure:"secretsKeyPath"`
	AuditKeyPath            string `mapstructure:"auditKeyPath"`
	EnableSignedAudit       bool   `mapstructure:"enableSignedAudit"`
	MaxThoughtDepth         int    `mapstructure:"maxThoughtDepth"`
}

// LimitsConfig bounds the processor workload.
type LimitsConfig struct {
	MaxActiveTasks        int     `mapstructure:"maxActiveTasks"`
	MaxActiveThoughts     int     `mapstructure:"maxActiveThoughts"`
	RoundDelaySeconds     float64 `mapstructure:"roundDelaySeconds"`
	MockLLMRoundDelay     float64 `mapstructure:"mockLlmRoundDelay"`
	DMARetryLimit         int     `mapstructure:"dmaRetryLimit"`
	DMATimeoutSeconds     float64 `mapstructure:"dmaTimeoutSeconds"`
	ConscienceRetryLimit  int     `mapstructure:"conscienceRetryLimit"`
	PassiveContextLimit   int     `mapstructure:"passiveContextLimit"`
	SinkMaxQueueSize      int     `mapstructure:"sinkMaxQueueSize"`
	AuditCacheSize        int     `mapstructure:"auditCacheSize"`
	AuditExportPath       string  `mapstructure:"auditExportPath"`
	AuditExportFormat     string  `mapstructure:"auditExportFormat"`
	ToolCallTimeoutSecond float64 `mapstructure:"toolCallTimeoutSeconds"`
}

// TelemetryConfig controls the metrics surface.
type TelemetryConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	ExportIntervalSeconds int  `mapstructure:"exportIntervalSeconds"`
	RetentionHours        int  `mapstructure:"retentionHours"`
}

// WorkflowConfig bounds the processing loop.
type WorkflowConfig struct {
	MaxRounds           int     `mapstructure:"maxRounds"`
	RoundTimeoutSeconds float64 `mapstructure:"roundTimeoutSeconds"`
	EnableAutoDefer     bool    `mapstructure:"enableAutoDefer"`
}

// RuntimeConfig holds agent identity bootstrap and debug options.
type RuntimeConfig struct {
	LogLevel          string `mapstructure:"logLevel"`
	DebugMode         bool   `mapstructure:"debugMode"`
	TemplateDirectory string `mapstructure:"templateDirectory"`
	DefaultTemplate   string `mapstructure:"defaultTemplate"`
}

// ResourcesConfig holds per-resource thresholds for the monitor.
type ResourcesConfig struct {
	MemoryMB       ResourceLimit `mapstructure:"memoryMb"`
	CPUPercent     ResourceLimit `mapstructure:"cpuPercent"`
	TokensHour     ResourceLimit `mapstructure:"tokensHour"`
	TokensDay      ResourceLimit `mapstructure:"tokensDay"`
	ThoughtsActive ResourceLimit `mapstructure:"thoughtsActive"`
}

// ResourceLimit describes warning/critical thresholds and the action taken
// when the critical bound is crossed.
type ResourceLimit struct {
	Warning         float64 `mapstructure:"warning"`
	Critical        float64 `mapstructure:"critical"`
	Limit           float64 `mapstructure:"limit"`
	Action          string  `mapstructure:"action"` // log, warn, throttle, defer, reject, shutdown
	CooldownSeconds int     `mapstructure:"cooldownSeconds"`
}

// LoggingConfig holds logging configuration. Level falls back to
// runtime.logLevel when unset.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MCPConfig holds the embedded MCP operations server configuration.
type MCPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Port       int    `mapstructure:"port"`
	RuntimeURL string `mapstructure:"runtimeUrl"`
}

// LLMTimeoutDuration returns the LLM call timeout as a time.Duration.
func (s *ServicesConfig) LLMTimeoutDuration() time.Duration {
	return time.Duration(s.LLMTimeout) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RoundDelayDuration returns the inter-round delay as a time.Duration.
func (l *LimitsConfig) RoundDelayDuration() time.Duration {
	return time.Duration(l.RoundDelaySeconds * float64(time.Second))
}

// DMATimeoutDuration returns the decision-making timeout as a time.Duration.
func (l *LimitsConfig) DMATimeoutDuration() time.Duration {
	return time.Duration(l.DMATimeoutSeconds * float64(time.Second))
}

// ToolCallTimeout returns the tool bus timeout as a time.Duration.
func (l *LimitsConfig) ToolCallTimeout() time.Duration {
	return time.Duration(l.ToolCallTimeoutSecond * float64(time.Second))
}

// RoundTimeoutDuration returns the per-round timeout as a time.Duration.
func (w *WorkflowConfig) RoundTimeoutDuration() time.Duration {
	return time.Duration(w.RoundTimeoutSeconds * float64(time.Second))
}

// ExportIntervalDuration returns the telemetry export interval as a time.Duration.
func (t *TelemetryConfig) ExportIntervalDuration() time.Duration {
	return time.Duration(t.ExportIntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ANIMA_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.requestsPerMinute", 60)

	// Database defaults - paths relative to the working directory
	v.SetDefault("database.mainDb", "data/anima.db")
	v.SetDefault("database.secretsDb", "data/secrets.db")
	v.SetDefault("database.auditDb", "data/audit.db")
	v.SetDefault("database.mainDsn", "") // empty means SQLite
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "anima-cluster")
	v.SetDefault("nats.clientId", "anima-client")
	v.SetDefault("nats.maxReconnects", 10)

	// External service defaults
	v.SetDefault("services.llmEndpoint", "")
	v.SetDefault("services.llmModel", "mock")
	v.SetDefault("services.llmTimeout", 60)
	v.SetDefault("services.llmMaxRetries", 3)

	// Security defaults
	v.SetDefault("security.auditRetentionDays", 90)
	v.SetDefault("security.secretsEncryptionKeyEnv", "ANIMA_SECRETS_KEY")
	v.SetDefault("security.secretsKeyPath", "data/secrets_master.key")
	v.SetDefault("security.auditKeyPath", "data/audit_keys")
	v.SetDefault("security.enableSignedAudit", true)
	v.SetDefault("security.maxThoughtDepth", 7)

	// Workload limits
	v.SetDefault("limits.maxActiveTasks", 10)
	v.SetDefault("limits.maxActiveThoughts", 50)
	v.SetDefault("limits.roundDelaySeconds", 5.0)
	v.SetDefault("limits.mockLlmRoundDelay", 0.1)
	v.SetDefault("limits.dmaRetryLimit", 3)
	v.SetDefault("limits.dmaTimeoutSeconds", 30.0)
	v.SetDefault("limits.conscienceRetryLimit", 2)
	v.SetDefault("limits.passiveContextLimit", 10)
	v.SetDefault("limits.sinkMaxQueueSize", 100)
	v.SetDefault("limits.auditCacheSize", 1000)
	v.SetDefault("limits.auditExportPath", "")
	v.SetDefault("limits.auditExportFormat", "jsonl")
	v.SetDefault("limits.toolCallTimeoutSeconds", 30.0)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.exportIntervalSeconds", 60)
	v.SetDefault("telemetry.retentionHours", 24)

	// Workflow defaults
	v.SetDefault("workflow.maxRounds", 0) // 0 means unbounded
	v.SetDefault("workflow.roundTimeoutSeconds", 300.0)
	v.SetDefault("workflow.enableAutoDefer", true)

	// Runtime defaults
	v.SetDefault("runtime.logLevel", "info")
	v.SetDefault("runtime.debugMode", false)
	v.SetDefault("runtime.templateDirectory", "templates")
	v.SetDefault("runtime.defaultTemplate", "default")

	// Resource thresholds. Zero critical disables a resource check.
	v.SetDefault("resources.memoryMb.warning", 3072.0)
	v.SetDefault("resources.memoryMb.critical", 3840.0)
	v.SetDefault("resources.memoryMb.limit", 4096.0)
	v.SetDefault("resources.memoryMb.action", "defer")
	v.SetDefault("resources.memoryMb.cooldownSeconds", 60)
	v.SetDefault("resources.cpuPercent.warning", 80.0)
	v.SetDefault("resources.cpuPercent.critical", 95.0)
	v.SetDefault("resources.cpuPercent.limit", 100.0)
	v.SetDefault("resources.cpuPercent.action", "throttle")
	v.SetDefault("resources.cpuPercent.cooldownSeconds", 60)
	v.SetDefault("resources.tokensHour.warning", 8000.0)
	v.SetDefault("resources.tokensHour.critical", 9500.0)
	v.SetDefault("resources.tokensHour.limit", 10000.0)
	v.SetDefault("resources.tokensHour.action", "throttle")
	v.SetDefault("resources.tokensHour.cooldownSeconds", 300)
	v.SetDefault("resources.tokensDay.warning", 80000.0)
	v.SetDefault("resources.tokensDay.critical", 95000.0)
	v.SetDefault("resources.tokensDay.limit", 100000.0)
	v.SetDefault("resources.tokensDay.action", "reject")
	v.SetDefault("resources.tokensDay.cooldownSeconds", 3600)
	v.SetDefault("resources.thoughtsActive.warning", 40.0)
	v.SetDefault("resources.thoughtsActive.critical", 48.0)
	v.SetDefault("resources.thoughtsActive.limit", 50.0)
	v.SetDefault("resources.thoughtsActive.action", "defer")
	v.SetDefault("resources.thoughtsActive.cooldownSeconds", 30)

	// Logging defaults
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// MCP operations server defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)
	v.SetDefault("mcp.runtimeUrl", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ANIMA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/anima/.
func Load() (*EssentialConfig, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*EssentialConfig, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ANIMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.mainDb", "ANIMA_DATABASE_MAIN_DB")
	_ = v.BindEnv("database.secretsDb", "ANIMA_DATABASE_SECRETS_DB")
	_ = v.BindEnv("database.auditDb", "ANIMA_DATABASE_AUDIT_DB")
	_ = v.BindEnv("runtime.templateDirectory", "ANIMA_RUNTIME_TEMPLATE_DIRECTORY")
	_ = v.BindEnv("runtime.defaultTemplate", "ANIMA_RUNTIME_DEFAULT_TEMPLATE")
	_ = v.BindEnv("security.auditKeyPath", "ANIMA_SECURITY_AUDIT_KEY_PATH")
	_ = v.BindEnv("server.requestsPerMinute", "ANIMA_SERVER_REQUESTS_PER_MINUTE")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/anima/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg EssentialConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = cfg.Runtime.LogLevel
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validAction is the set of resource actions the monitor understands.
var validAction = map[string]bool{
	"log": true, "warn": true, "throttle": true,
	"defer": true, "reject": true, "shutdown": true,
}

// validate checks that all required configuration fields are set.
func validate(cfg *EssentialConfig) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.RequestsPerMinute <= 0 {
		errs = append(errs, "server.requestsPerMinute must be positive")
	}

	if cfg.Database.MainDB == "" && cfg.Database.MainDSN == "" {
		errs = append(errs, "database.mainDb or database.mainDsn is required")
	}
	if cfg.Database.SecretsDB == "" {
		errs = append(errs, "database.secretsDb is required")
	}
	if cfg.Database.AuditDB == "" {
		errs = append(errs, "database.auditDb is required")
	}

	if cfg.Security.MaxThoughtDepth <= 0 {
		errs = append(errs, "security.maxThoughtDepth must be positive")
	}
	if cfg.Security.AuditRetentionDays <= 0 {
		errs = append(errs, "security.auditRetentionDays must be positive")
	}
	if cfg.Security.EnableSignedAudit && cfg.Security.AuditKeyPath == "" {
		errs = append(errs, "security.auditKeyPath is required when signed audit is enabled")
	}

	if cfg.Limits.MaxActiveThoughts <= 0 {
		errs = append(errs, "limits.maxActiveThoughts must be positive")
	}
	if cfg.Limits.SinkMaxQueueSize <= 0 {
		errs = append(errs, "limits.sinkMaxQueueSize must be positive")
	}
	switch cfg.Limits.AuditExportFormat {
	case "jsonl", "csv", "sqlite":
	default:
		errs = append(errs, "limits.auditExportFormat must be one of: jsonl, csv, sqlite")
	}

	for name, rl := range map[string]ResourceLimit{
		"memoryMb":       cfg.Resources.MemoryMB,
		"cpuPercent":     cfg.Resources.CPUPercent,
		"tokensHour":     cfg.Resources.TokensHour,
		"tokensDay":      cfg.Resources.TokensDay,
		"thoughtsActive": cfg.Resources.ThoughtsActive,
	} {
		if rl.Action != "" && !validAction[strings.ToLower(rl.Action)] {
			errs = append(errs, fmt.Sprintf("resources.%s.action must be one of: log, warn, throttle, defer, reject, shutdown", name))
		}
		if rl.Critical > 0 && rl.Warning > rl.Critical {
			errs = append(errs, fmt.Sprintf("resources.%s.warning must not exceed critical", name))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
