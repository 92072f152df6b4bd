package config

import (
	"fmt"
	"net"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the rehearsal gateway service
type Config struct {
	// Server configuration
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port string `envconfig:"PORT" default:"8080"`

	// Audio defaults, used when a session's start message does not carry
	// its own values
	SampleRate       int     `envconfig:"SAMPLE_RATE" default:"48000"`      // Capture rate in Hz
	BufferSize       int     `envconfig:"BUFFER_SIZE" default:"1024"`       // Analysis frame size in samples
	NoiseThreshold   float64 `envconfig:"NOISE_THRESHOLD" default:"0.01"`   // RMS floor above which audio counts as speech
	SilenceThreshold float64 `envconfig:"SILENCE_THRESHOLD" default:"0.05"` // RMS level treated as fully confident speech

	// Analysis offload
	OffloadEnabled bool `envconfig:"OFFLOAD_ENABLED" default:"true"` // Allow worker offload on multi-core hosts

	// Power and memory telemetry
	BatteryPollInterval int     `envconfig:"BATTERY_POLL_INTERVAL" default:"1000"` // Battery sampling interval in milliseconds
	MemoryThreshold     float64 `envconfig:"MEMORY_THRESHOLD" default:"90"`        // Host memory percent that triggers pressure events
	MemoryPollInterval  int     `envconfig:"MEMORY_POLL_INTERVAL" default:"5000"`  // Memory sampling interval in milliseconds

	// Transcription service
	TranscriberURL  string `envconfig:"TRANSCRIBER_URL" default:""`       // ws:// endpoint; empty disables forwarding
	TranscriberRate int    `envconfig:"TRANSCRIBER_RATE" default:"16000"` // Sample rate the transcriber expects

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	LogFile        string `envconfig:"LOG_FILE" default:""`            // Rotating log file path; empty logs to stderr only
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the detection engine could not run with.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("BUFFER_SIZE must be positive, got %d", c.BufferSize)
	}
	if c.NoiseThreshold < 0 || c.NoiseThreshold >= 1 {
		return fmt.Errorf("NOISE_THRESHOLD must be in [0, 1), got %f", c.NoiseThreshold)
	}
	if c.SilenceThreshold <= c.NoiseThreshold {
		return fmt.Errorf("SILENCE_THRESHOLD %f must exceed NOISE_THRESHOLD %f",
			c.SilenceThreshold, c.NoiseThreshold)
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 100 {
		return fmt.Errorf("MEMORY_THRESHOLD must be in (0, 100], got %f", c.MemoryThreshold)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
