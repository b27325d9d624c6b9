package model

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the complete Evidentia configuration
type Config struct {
	Thresholds    ThresholdConfig    `yaml:"thresholds" mapstructure:"thresholds"`
	HealthWeights HealthWeights      `yaml:"health_weights" mapstructure:"health_weights"`
	Concurrency   ConcurrencyConfig  `yaml:"concurrency" mapstructure:"concurrency"`
	Collaborator  CollaboratorConfig `yaml:"collaborator" mapstructure:"collaborator"`
	LLM           LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Cache         CacheConfig        `yaml:"cache" mapstructure:"cache"`
	HTTP          HTTPConfig         `yaml:"http" mapstructure:"http"`
	RateLimiting  RateLimitConfig    `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	Storage       StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Server        ServerConfig       `yaml:"server" mapstructure:"server"`
	Archive       ArchiveConfig      `yaml:"archive" mapstructure:"archive"`
	Logging       LoggingConfig      `yaml:"logging" mapstructure:"logging"`
}

// ThresholdConfig holds routing, health and detection thresholds
type ThresholdConfig struct {
	AutoIntegrate       float64 `yaml:"auto_integrate" mapstructure:"auto_integrate" validate:"gt=0,lte=1"`
	DecisionFloor       float64 `yaml:"decision_floor" mapstructure:"decision_floor" validate:"gte=0,ltfield=AutoIntegrate"`
	ConflictConfidence  float64 `yaml:"conflict_confidence" mapstructure:"conflict_confidence" validate:"gte=0,lte=1"` // existing content at or above this blocks auto-integration
	Healthy             float64 `yaml:"healthy" mapstructure:"healthy" validate:"gt=0,lte=1,ltefield=Complete"`
	Complete            float64 `yaml:"complete" mapstructure:"complete" validate:"gt=0,lte=1"`
	PropagationDelta    float64 `yaml:"propagation_delta" mapstructure:"propagation_delta" validate:"gte=0,lte=1"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold" validate:"gte=0,lte=1"`
	AmbiguityThreshold  float64 `yaml:"ambiguity_threshold" mapstructure:"ambiguity_threshold" validate:"gte=0,lte=1"`
	MaxInterpretations  int     `yaml:"max_interpretations" mapstructure:"max_interpretations" validate:"gte=2,lte=5"`
	AutoAcknowledgeRead bool    `yaml:"auto_acknowledge_on_read" mapstructure:"auto_acknowledge_on_read"`
	ResurfaceDeferred   bool    `yaml:"resurface_deferred" mapstructure:"resurface_deferred"`
}

// HealthWeights are the weights of the health score components
type HealthWeights struct {
	Saturation  float64 `yaml:"saturation" mapstructure:"saturation" validate:"gte=0"`
	Confidence  float64 `yaml:"confidence" mapstructure:"confidence" validate:"gte=0"`
	Coherence   float64 `yaml:"coherence" mapstructure:"coherence" validate:"gte=0"`
	Coverage    float64 `yaml:"coverage" mapstructure:"coverage" validate:"gte=0"`
	Predicament float64 `yaml:"predicament" mapstructure:"predicament" validate:"gte=0"`
}

// Sum returns the total of all weights
func (w HealthWeights) Sum() float64 {
	return w.Saturation + w.Confidence + w.Coherence + w.Coverage + w.Predicament
}

// ConcurrencyConfig bounds background and collaborator work
type ConcurrencyConfig struct {
	Workers       int           `yaml:"workers" mapstructure:"workers" validate:"gte=1"`              // concurrent collaborator tasks
	ScanWorkers   int           `yaml:"scan_workers" mapstructure:"scan_workers" validate:"gte=1"`    // background health/scan tasks
	QueueSize     int           `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=1"`
	AuditParallel int           `yaml:"audit_parallel" mapstructure:"audit_parallel" validate:"gte=1"`
	TaskTimeout   time.Duration `yaml:"task_timeout" mapstructure:"task_timeout" validate:"gt=0"`
}

// CollaboratorConfig configures calls to the extraction and research collaborators
type CollaboratorConfig struct {
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	Retries           int           `yaml:"retries" mapstructure:"retries" validate:"gte=0,lte=10"`
	Backoff           time.Duration `yaml:"backoff" mapstructure:"backoff" validate:"gte=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	BurstSize         int           `yaml:"burst_size" mapstructure:"burst_size" validate:"gte=1"`
	MaxContextUnits   int           `yaml:"max_context_units" mapstructure:"max_context_units" validate:"gte=0"`
}

// LLMConfig configures the language-model provider behind the collaborators
type LLMConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Provider    string  `yaml:"provider" mapstructure:"provider" validate:"omitempty,oneof=openai anthropic ollama"`
	Model       string  `yaml:"model" mapstructure:"model"`
	APIKey      string  `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL     string  `yaml:"base_url,omitempty" mapstructure:"base_url" validate:"omitempty,url"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens" validate:"gte=0"`
	Temperature float32 `yaml:"temperature" mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// CacheConfig configures the collaborator response cache
type CacheConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	TTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Dir     string        `yaml:"dir" mapstructure:"dir"`
}

// HTTPConfig configures evidence fetching
type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout" validate:"gt=0"`
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"gt=0"`
	Retries      int           `yaml:"retries" mapstructure:"retries" validate:"gte=0"`
	InsecureTLS  bool          `yaml:"insecure_tls" mapstructure:"insecure_tls"`
	RespectRobot bool          `yaml:"respect_robots" mapstructure:"respect_robots"`
	HTTPProxy    string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy   string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy      string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// RateLimitConfig configures per-domain rate limiting of evidence fetches
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	BurstSize         int     `yaml:"burst_size" mapstructure:"burst_size" validate:"gte=1"`
}

// StorageConfig configures persistence
type StorageConfig struct {
	Path     string `yaml:"path" mapstructure:"path"` // badger directory
	InMemory bool   `yaml:"in_memory" mapstructure:"in_memory"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr" validate:"required"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	Metrics      bool          `yaml:"metrics" mapstructure:"metrics"`
}

// ArchiveConfig configures the audit report archive
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Thresholds: ThresholdConfig{
			AutoIntegrate:       0.85,
			DecisionFloor:       0.60,
			ConflictConfidence:  0.85,
			Healthy:             0.70,
			Complete:            0.80,
			PropagationDelta:    0.05,
			SimilarityThreshold: 0.30,
			AmbiguityThreshold:  0.75,
			MaxInterpretations:  5,
			AutoAcknowledgeRead: true,
			ResurfaceDeferred:   true,
		},
		HealthWeights: HealthWeights{
			Saturation:  0.25,
			Confidence:  0.25,
			Coherence:   0.20,
			Coverage:    0.20,
			Predicament: 0.10,
		},
		Concurrency: ConcurrencyConfig{
			Workers:       4,
			ScanWorkers:   2,
			QueueSize:     64,
			AuditParallel: 4,
			TaskTimeout:   60 * time.Second,
		},
		Collaborator: CollaboratorConfig{
			Timeout:           30 * time.Second,
			Retries:           3,
			Backoff:           time.Second,
			RequestsPerSecond: 2.0,
			BurstSize:         2,
			MaxContextUnits:   25,
		},
		LLM: LLMConfig{
			Enabled:     false,
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   2000,
			Temperature: 0.2,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     24 * time.Hour,
			Dir:     "~/.evidentia/cache",
		},
		HTTP: HTTPConfig{
			Timeout:      15 * time.Second,
			UserAgent:    "Evidentia/0.1 (+https://github.com/ppiankov/evidentia)",
			MaxBodyBytes: 5 * 1024 * 1024,
			Retries:      2,
			RespectRobot: true,
		},
		RateLimiting: RateLimitConfig{
			RequestsPerSecond: 2.0,
			BurstSize:         5,
		},
		Storage: StorageConfig{
			Path: "~/.evidentia/data",
		},
		Server: ServerConfig{
			Addr:         ":8088",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			Metrics:      true,
		},
		Archive: ArchiveConfig{
			Enabled: true,
			Path:    "~/.evidentia/audits.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var configValidator = validator.New()

// Validate checks the configuration for out-of-range or inconsistent values
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.HealthWeights.Sum() <= 0 {
		return fmt.Errorf("invalid config: health weights must not all be zero")
	}
	return nil
}

// ValidateFragment checks a fragment submitted by a caller
func ValidateFragment(f *EvidenceFragment) error {
	if err := configValidator.Struct(f); err != nil {
		return fmt.Errorf("invalid fragment: %w", err)
	}
	return nil
}
