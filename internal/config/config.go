// Package config loads the extractor configuration from a YAML file, a .env
// file and EXTRACTOR_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "EXTRACTOR"

type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys" yaml:"api_keys"`
	// HashedKeys maps a key description to the bcrypt hash of the key
	HashedKeys map[string]string `mapstructure:"hashed_keys" yaml:"hashed_keys"`
}

type DatabaseConfig struct {
	Type         string `mapstructure:"type" yaml:"type"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
}

type QueueConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	Workers       int    `mapstructure:"workers" yaml:"workers"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisKey      string `mapstructure:"redis_key" yaml:"redis_key"`
	SQSQueueURL   string `mapstructure:"sqs_queue_url" yaml:"sqs_queue_url"`
	SQSRegion     string `mapstructure:"sqs_region" yaml:"sqs_region"`
}

// EvaluatorConfig selects the evaluators. With an empty URL every job kind
// runs on the built-in rule evaluators.
type EvaluatorConfig struct {
	URL      string              `mapstructure:"url" yaml:"url"`
	APIKey   string              `mapstructure:"api_key" yaml:"api_key"`
	Timeout  time.Duration       `mapstructure:"timeout" yaml:"timeout"`
	Remote   []string            `mapstructure:"remote_kinds" yaml:"remote_kinds"`
	Keywords map[string][]string `mapstructure:"keywords" yaml:"keywords"`
}

type PipelineConfig struct {
	FewShotMaxExamples int      `mapstructure:"few_shot_max_examples" yaml:"few_shot_max_examples"`
	EvaluationSource   string   `mapstructure:"evaluation_source" yaml:"evaluation_source"`
	AutomatedSources   []string `mapstructure:"automated_sources" yaml:"automated_sources"`
	MaxJobConcurrency  int      `mapstructure:"max_job_concurrency" yaml:"max_job_concurrency"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RPS     float64       `mapstructure:"rps" yaml:"rps"`
	Burst   int           `mapstructure:"burst" yaml:"burst"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// Config is the full extractor configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Evaluator EvaluatorConfig `mapstructure:"evaluator" yaml:"evaluator"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Webhook   WebhookConfig   `mapstructure:"webhook" yaml:"webhook"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth:     AuthConfig{APIKeys: []string{}, HashedKeys: map[string]string{}},
		Database: DatabaseConfig{Type: "sqlite", DSN: "extractor.db", MaxOpenConns: 25, MaxIdleConns: 5},
		Queue:    QueueConfig{Backend: "memory", Workers: 4, RedisAddr: "localhost:6379", RedisKey: "extractor:work"},
		Evaluator: EvaluatorConfig{
			Timeout:  60 * time.Second,
			Remote:   []string{"event_detection", "evaluation", "sentiment"},
			Keywords: map[string][]string{},
		},
		Pipeline: PipelineConfig{
			FewShotMaxExamples: 10,
			EvaluationSource:   "phospho-6",
			AutomatedSources:   []string{"phospho", "phospho-4", "phospho-6"},
		},
		Webhook:   WebhookConfig{Timeout: 10 * time.Second, RPS: 5, Burst: 10},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Logging:   LoggingConfig{Level: "info"},
		Tracing:   TracingConfig{Endpoint: "localhost:4318", Insecure: true, Environment: "development"},
	}
}

// Load reads the configuration. path may be empty, in which case
// extractor.yaml is looked up in the working directory and in
// $HOME/.extractor. A .env file in the working directory is loaded first
// without overriding variables already set.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("extractor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".extractor"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Database.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	case "sqs":
		if c.Queue.SQSQueueURL == "" {
			return errors.New("queue.sqs_queue_url is required for the sqs backend")
		}
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}
	if c.Pipeline.FewShotMaxExamples < 0 {
		return errors.New("pipeline.few_shot_max_examples must not be negative")
	}
	return nil
}

// WriteYAML writes c to path, creating parent directories
func WriteYAML(c Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0600)
}

// setDefaults registers every key so that environment variables can
// override keys absent from the config file.
func setDefaults(v *viper.Viper, def Config) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return
	}
	flatten(v, "", tree)
}

func flatten(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]interface{}); ok && len(sub) > 0 && !isFreeForm(key) {
			flatten(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// isFreeForm reports whether the key holds a user-keyed map rather than a section
func isFreeForm(key string) bool {
	return key == "auth.hashed_keys" || key == "evaluator.keywords"
}
