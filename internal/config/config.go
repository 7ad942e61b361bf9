package config

import (
	"fmt"
	"log"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is the full application configuration. Defaults are defined in
// DefaultConfig; a user-provided YAML file is deep-merged over them after
// environment variable substitution.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
	Memory     MemoryConfig     `yaml:"memory"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Routing    RoutingConfig    `yaml:"routing"`
	Backends   BackendsConfig   `yaml:"backends"`
	Sunrise    SunriseConfig    `yaml:"sunrise"`
	RequestLog RequestLogConfig `yaml:"request_log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                   string `yaml:"port"`
	GinMode                string `yaml:"gin_mode"`
	CORSAllowedOrigins     string `yaml:"cors_allowed_origins"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// AuthConfig holds the optional API-key gate settings.
// When Enabled is true and APIKey is empty the server fails closed (503).
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	Header  string `yaml:"header"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MemoryConfig holds memory store, retrieval, and extraction settings.
type MemoryConfig struct {
	Path       string           `yaml:"path"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Validator  ValidatorConfig  `yaml:"validator"`
}

// RetrievalConfig controls semantic recall and injection budgeting.
type RetrievalConfig struct {
	Limit                int     `yaml:"limit"`
	MinScore             float64 `yaml:"min_score"`
	TokenBudget          int     `yaml:"token_budget"`
	RecencyBoost         bool    `yaml:"recency_boost"`
	HalfLifeHours        float64 `yaml:"half_life_hours"`
	QueryContextMessages int     `yaml:"query_context_messages"`
}

// ExtractionConfig controls LLM-driven memory extraction.
type ExtractionConfig struct {
	Enabled              bool    `yaml:"enabled"`
	Model                string  `yaml:"model"`
	MinConfidence        float64 `yaml:"min_confidence"`
	ExtractFromAssistant bool    `yaml:"extract_from_assistant"`
	QueueSize            int     `yaml:"queue_size"`
}

// ValidatorConfig controls the persistence-claim validator.
// Mode is one of "off", "auto_fix", "warn", "log_only".
type ValidatorConfig struct {
	Mode string `yaml:"mode"`
}

// EmbeddingConfig selects and configures the embedding provider.
// Provider is "local" (per-item HTTP endpoint) or "openai" (native batch).
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
}

// RoutingConfig holds the rule table and routing overrides.
type RoutingConfig struct {
	DefaultModel   string              `yaml:"default_model"`
	Rules          []RuleConfig        `yaml:"rules"`
	AgentOverrides map[string]string   `yaml:"agent_overrides"`
	Fallbacks      map[string][]string `yaml:"fallbacks"`
	CustomKeywords map[string]string   `yaml:"custom_keywords"`
}

// RuleConfig is one declarative routing rule. Unset match fields mean
// "don't care". Tokens is a comparator expression like "<=500" or "500".
type RuleConfig struct {
	Name     string      `yaml:"name"`
	Priority int         `yaml:"priority"`
	Default  bool        `yaml:"default"`
	Model    string      `yaml:"model"`
	Match    MatchConfig `yaml:"match"`
}

// MatchConfig is the predicate set of a routing rule.
type MatchConfig struct {
	Complexity    *string `yaml:"complexity"`
	Type          *string `yaml:"type"`
	Sensitive     *bool   `yaml:"sensitive"`
	RequiresTools *bool   `yaml:"requires_tools"`
	Tokens        *string `yaml:"tokens"`
}

// BackendsConfig configures provider adapters and the shared retry policy.
type BackendsConfig struct {
	OpenAI         OpenAIConfig    `yaml:"openai"`
	Anthropic      AnthropicConfig `yaml:"anthropic"`
	Local          LocalConfig     `yaml:"local"`
	Retry          RetryConfig     `yaml:"retry"`
	TimeoutSeconds int             `yaml:"timeout_seconds"`
}

// OpenAIConfig configures the OpenAI-shaped adapter.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig configures the Anthropic-shaped adapter, including the
// shared OAuth credentials file used by anthropic-max models.
type AnthropicConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	CredentialsPath   string `yaml:"credentials_path"`
	OAuthClientID     string `yaml:"oauth_client_id"`
	OAuthClientSecret string `yaml:"oauth_client_secret"`
	OAuthTokenURL     string `yaml:"oauth_token_url"`
}

// LocalConfig configures the local NDJSON-streaming adapter.
type LocalConfig struct {
	BaseURL string `yaml:"base_url"`
}

// RetryConfig is the backoff policy for retryable backend errors.
type RetryConfig struct {
	Retries     int     `yaml:"retries"`
	BaseDelayMs int     `yaml:"base_delay_ms"`
	Factor      float64 `yaml:"factor"`
	MaxDelayMs  int     `yaml:"max_delay_ms"`
}

// SunriseConfig controls session-gap recovery.
type SunriseConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Model          string `yaml:"model"`
	GapThresholdMs int64  `yaml:"gap_threshold_ms"`
	LookbackMs     int64  `yaml:"lookback_ms"`
	MaxMessages    int    `yaml:"max_messages"`
	MinMessages    int    `yaml:"min_messages"`
	TranscriptDir  string `yaml:"transcript_dir"`
}

// RequestLogConfig controls the per-request JSONL log.
type RequestLogConfig struct {
	Path       string `yaml:"path"`
	BufferSize int    `yaml:"buffer_size"`
	Workers    int    `yaml:"workers"`
}

// DefaultConfig returns the built-in defaults. User config is merged on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   "8080",
			GinMode:                "release",
			CORSAllowedOrigins:     "*",
			ShutdownTimeoutSeconds: 30,
		},
		Auth: AuthConfig{
			Enabled: false,
			Header:  "X-API-Key",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Memory: MemoryConfig{
			Path: "~/.pearl/memories.db",
			Retrieval: RetrievalConfig{
				Limit:                5,
				MinScore:             0.3,
				TokenBudget:          1000,
				RecencyBoost:         true,
				HalfLifeHours:        168,
				QueryContextMessages: 1,
			},
			Extraction: ExtractionConfig{
				Enabled:       true,
				Model:         "local/extractor",
				MinConfidence: 0.7,
				QueueSize:     1024,
			},
			Validator: ValidatorConfig{
				Mode: "off",
			},
		},
		Embedding: EmbeddingConfig{
			Provider:   "local",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			BaseURL:    "http://localhost:11434",
		},
		Routing: RoutingConfig{
			DefaultModel: "openai/gpt-4o-mini",
		},
		Backends: BackendsConfig{
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
			},
			Anthropic: AnthropicConfig{
				BaseURL:         "https://api.anthropic.com",
				CredentialsPath: "~/.pearl/credentials.json",
				OAuthTokenURL:   "https://console.anthropic.com/v1/oauth/token",
			},
			Local: LocalConfig{
				BaseURL: "http://localhost:8081",
			},
			Retry: RetryConfig{
				Retries:     2,
				BaseDelayMs: 500,
				Factor:      2.0,
				MaxDelayMs:  8000,
			},
			TimeoutSeconds: 120,
		},
		Sunrise: SunriseConfig{
			Enabled:        false,
			Model:          "openai/gpt-4o-mini",
			GapThresholdMs: 4 * 60 * 60 * 1000,
			LookbackMs:     24 * 60 * 60 * 1000,
			MaxMessages:    50,
			MinMessages:    4,
			TranscriptDir:  "~/.pearl/transcripts",
		},
		RequestLog: RequestLogConfig{
			Path:       "~/.pearl/requests.jsonl",
			BufferSize: 1000,
			Workers:    2,
		},
	}
}

// Load reads the configuration file at path, substitutes environment
// variables, deep-merges it over the defaults, and expands tilde paths.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			merged, err := MergeYAML(cfg, data)
			if err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
			cfg = merged
		}
	}

	cfg.expandPaths()

	return cfg, nil
}

// MergeYAML substitutes environment variables in the raw YAML document and
// deep-merges the result over the provided base configuration.
func MergeYAML(base *Config, data []byte) (*Config, error) {
	var user map[string]interface{}
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	user = substituteTree(user).(map[string]interface{})

	baseBytes, err := yaml.Marshal(base)
	if err != nil {
		return nil, err
	}

	var baseMap map[string]interface{}
	if err := yaml.Unmarshal(baseBytes, &baseMap); err != nil {
		return nil, err
	}

	merged := DeepMerge(baseMap, user)

	mergedBytes, err := yaml.Marshal(merged)
	if err != nil {
		return nil, err
	}

	var out Config
	if err := yaml.Unmarshal(mergedBytes, &out); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &out, nil
}

// DeepMerge merges override into base recursively. Map values merge key by
// key; any other value in override replaces the base value.
func DeepMerge(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}

	for k, v := range override {
		if overrideMap, ok := v.(map[string]interface{}); ok {
			if baseMap, ok := out[k].(map[string]interface{}); ok {
				out[k] = DeepMerge(baseMap, overrideMap)
				continue
			}
		}
		out[k] = v
	}

	return out
}

func (c *Config) expandPaths() {
	c.Memory.Path = ExpandTilde(c.Memory.Path)
	c.Sunrise.TranscriptDir = ExpandTilde(c.Sunrise.TranscriptDir)
	c.RequestLog.Path = ExpandTilde(c.RequestLog.Path)
	c.Backends.Anthropic.CredentialsPath = ExpandTilde(c.Backends.Anthropic.CredentialsPath)
}
