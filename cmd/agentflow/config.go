package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/agentflow/internal/engine"
)

// Config holds all agentflow configuration.
// Priority: flags > AGENTFLOW_* env vars > settings.yaml > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	ServerURL  string `mapstructure:"server_url"`
	DBPath     string `mapstructure:"db_path"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	OpenAI struct {
		APIKey      string  `mapstructure:"api_key"`
		BaseURL     string  `mapstructure:"base_url"`
		Model       string  `mapstructure:"model"`
		Temperature float64 `mapstructure:"temperature"`
		MaxTokens   int     `mapstructure:"max_tokens"`
	} `mapstructure:"openai"`

	Limits struct {
		MaxConcurrentWorkflows int `mapstructure:"max_concurrent_workflows"`
		APIRequests            int `mapstructure:"api_requests"`
	} `mapstructure:"limits"`

	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
		SuccessThreshold int           `mapstructure:"success_threshold"`
	} `mapstructure:"breaker"`

	Retry struct {
		MaxRetries      int           `mapstructure:"max_retries"`
		BaseDelay       time.Duration `mapstructure:"base_delay"`
		MaxDelay        time.Duration `mapstructure:"max_delay"`
		ExponentialBase float64       `mapstructure:"exponential_base"`
		Jitter          bool          `mapstructure:"jitter"`
	} `mapstructure:"retry"`

	Timeouts struct {
		Admission  time.Duration `mapstructure:"admission"`
		Step       time.Duration `mapstructure:"step"`
		Fetch      time.Duration `mapstructure:"fetch"`
		APIAcquire time.Duration `mapstructure:"api_acquire"`
	} `mapstructure:"timeouts"`

	Quality struct {
		ResearchThreshold   int    `mapstructure:"research_threshold"`
		DisqualifyThreshold int    `mapstructure:"disqualify_threshold"`
		DisqualifyPolicy    string `mapstructure:"disqualify_policy"`
		ReadinessExpression string `mapstructure:"readiness_expression"`
	} `mapstructure:"quality"`

	Tail struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		MaxDuration  time.Duration `mapstructure:"max_duration"`
	} `mapstructure:"tail"`

	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("server_url", "")
	v.SetDefault("db_path", filepath.Join(agentflowDir(), "agentflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.max_tokens", 2000)

	v.SetDefault("limits.max_concurrent_workflows", 10)
	v.SetDefault("limits.api_requests", 20)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.success_threshold", 2)

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.exponential_base", 2.0)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("timeouts.admission", 30*time.Second)
	v.SetDefault("timeouts.step", 120*time.Second)
	v.SetDefault("timeouts.fetch", 20*time.Second)
	v.SetDefault("timeouts.api_acquire", 30*time.Second)

	v.SetDefault("quality.research_threshold", 55)
	v.SetDefault("quality.disqualify_threshold", 40)
	v.SetDefault("quality.disqualify_policy", "")
	v.SetDefault("quality.readiness_expression", "")

	v.SetDefault("tail.poll_interval", 500*time.Millisecond)
	v.SetDefault("tail.max_duration", 10*time.Minute)

	v.SetDefault("scheduler_interval", 60*time.Second)
}

func agentflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentflow"
	}
	return filepath.Join(home, ".agentflow")
}

func settingsPath() string {
	return filepath.Join(agentflowDir(), "settings.yaml")
}

// loadConfig layers defaults, the settings file, the environment and any
// flags already bound to v. An explicit configFile must exist; the default
// settings file is optional.
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("AGENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The conventional OpenAI variable is honoured as a fallback.
	_ = v.BindEnv("openai.api_key", "AGENTFLOW_OPENAI_API_KEY", "OPENAI_API_KEY")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigFile(settingsPath())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missingDefault := configFile == "" && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist))
		if !missingDefault {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	// Derive server_url from listen_addr if empty.
	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://localhost" + cfg.ListenAddr
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.Limits.MaxConcurrentWorkflows < 1 {
		errs = append(errs, errors.New("limits.max_concurrent_workflows must be at least 1"))
	}
	if c.Limits.APIRequests < 1 {
		errs = append(errs, errors.New("limits.api_requests must be at least 1"))
	}
	if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, errors.New("breaker thresholds must be at least 1"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.max_retries must not be negative"))
	}
	if c.Retry.ExponentialBase < 1 {
		errs = append(errs, errors.New("retry.exponential_base must be at least 1"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be json or text", c.LogFormat))
	}
	return errors.Join(errs...)
}

// retryPolicy is the step retry policy with the configured overrides applied.
func (c *Config) retryPolicy() engine.RetryPolicy {
	p := engine.StepRetryPolicy()
	p.MaxRetries = c.Retry.MaxRetries
	p.BaseDelay = c.Retry.BaseDelay
	p.MaxDelay = c.Retry.MaxDelay
	p.ExponentialBase = c.Retry.ExponentialBase
	p.Jitter = c.Retry.Jitter
	return p
}
