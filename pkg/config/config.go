// Package config loads application settings from an optional YAML file
// and the environment. Environment variables always win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Settings holds every tunable of the benchmark server.
type Settings struct {
	HTTPPort string `yaml:"http_port"`

	// LLM API
	APIKey     string `yaml:"api_key"`
	LLMBaseURL string `yaml:"llm_base_url"`
	// SSLVerify disables TLS certificate verification when false.
	// Development only.
	SSLVerify          bool `yaml:"ssl_verify"`
	RateLimitPerMinute int  `yaml:"rate_limit_per_minute"`

	// CORS
	CORSOrigins []string `yaml:"cors_origins"`

	// Timeouts
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	LLMTimeout       time.Duration `yaml:"llm_timeout"`
	LLMReadTimeout   time.Duration `yaml:"llm_read_timeout"`
	WSConnectTimeout time.Duration `yaml:"ws_connect_timeout"`

	// Benchmark limits
	MaxSteps                int `yaml:"max_steps"`
	MaxLoops                int `yaml:"max_loops"`
	MaxHallucinationRetries int `yaml:"max_hallucination_retries"`
	HistorySize             int `yaml:"history_size"`

	// Archive
	ArchiveBasePath string `yaml:"archive_base_path"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Wikipedia API
	WikipediaUserAgent string `yaml:"wikipedia_user_agent"`
}

// Defaults returns the baseline settings before file and env overrides.
func Defaults() *Settings {
	return &Settings{
		HTTPPort:                "8080",
		LLMBaseURL:              "https://nano-gpt.com/api/v1",
		SSLVerify:               true,
		CORSOrigins:             []string{"*"},
		HTTPTimeout:             30 * time.Second,
		LLMTimeout:              120 * time.Second,
		LLMReadTimeout:          300 * time.Second,
		WSConnectTimeout:        10 * time.Second,
		MaxSteps:                20,
		MaxLoops:                3,
		MaxHallucinationRetries: 3,
		HistorySize:             5,
		ArchiveBasePath:         "archives",
		LogLevel:                "info",
		WikipediaUserAgent:      "WikiNavBenchmark/1.0 (research project)",
	}
}

// Load builds the settings: defaults, then the YAML file named by
// WIKINAV_CONFIG (if any), then environment variables.
func Load() (*Settings, error) {
	s := Defaults()

	if path := os.Getenv("WIKINAV_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	s.applyEnv()

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyEnv() {
	setString(&s.HTTPPort, "HTTP_PORT")
	setString(&s.APIKey, "LLM_API_KEY")
	setString(&s.LLMBaseURL, "LLM_BASE_URL")
	setBool(&s.SSLVerify, "SSL_VERIFY")
	setInt(&s.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		s.CORSOrigins = origins
	}
	setDuration(&s.HTTPTimeout, "HTTP_TIMEOUT")
	setDuration(&s.LLMTimeout, "LLM_TIMEOUT")
	setDuration(&s.LLMReadTimeout, "LLM_READ_TIMEOUT")
	setDuration(&s.WSConnectTimeout, "WS_CONNECT_TIMEOUT")
	setInt(&s.MaxSteps, "MAX_STEPS")
	setInt(&s.MaxLoops, "MAX_LOOPS")
	setInt(&s.MaxHallucinationRetries, "MAX_HALLUCINATION_RETRIES")
	setInt(&s.HistorySize, "HISTORY_SIZE")
	setString(&s.ArchiveBasePath, "ARCHIVE_BASE_PATH")
	setString(&s.LogLevel, "LOG_LEVEL")
	setString(&s.WikipediaUserAgent, "WIKIPEDIA_USER_AGENT")
}

func (s *Settings) validate() error {
	if s.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", s.MaxSteps)
	}
	if s.MaxLoops <= 0 {
		return fmt.Errorf("max_loops must be positive, got %d", s.MaxLoops)
	}
	if s.MaxHallucinationRetries <= 0 {
		return fmt.Errorf("max_hallucination_retries must be positive, got %d", s.MaxHallucinationRetries)
	}
	if s.HistorySize <= 0 {
		return fmt.Errorf("history_size must be positive, got %d", s.HistorySize)
	}
	if s.ArchiveBasePath == "" {
		return fmt.Errorf("archive_base_path must not be empty")
	}
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel resolves a textual log level to a slog.Level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring non-integer environment value", "key", key, "value", v)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			slog.Warn("Ignoring non-boolean environment value", "key", key, "value", v)
		}
	}
}

// setDuration accepts Go duration syntax ("30s") or plain seconds ("30").
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
		return
	}
	slog.Warn("Ignoring unparseable duration environment value", "key", key, "value", v)
}
