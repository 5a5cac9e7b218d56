package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the agent system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug       bool          `mapstructure:"debug"`
	LogLevel    string        `mapstructure:"log_level"`
	TurnTimeout time.Duration `mapstructure:"turn_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address            string `mapstructure:"address"`
	JWTSecret          string `mapstructure:"jwt_secret"`
	MaxConcurrentTurns int    `mapstructure:"max_concurrent_turns"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Routing   LLMRoutingConfig             `mapstructure:"routing"`
}

// LLMProviderConfig represents a single LLM provider configuration
type LLMProviderConfig struct {
	Type           string        `mapstructure:"type"` // openai-compatible
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Classification string `mapstructure:"classification"` // intent classification
	Synthesis      string `mapstructure:"synthesis"`      // plan synthesis
	Response       string `mapstructure:"response"`       // final response generation
	Fallback       string `mapstructure:"fallback"`
}

// MatchingConfig controls workflow matching behaviour.
type MatchingConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	TopK                int     `mapstructure:"top_k"`
}

func (m MatchingConfig) Normalize() MatchingConfig {
	if m.SimilarityThreshold <= 0 {
		m.SimilarityThreshold = 0.75
	}
	if m.TopK <= 0 {
		m.TopK = 5
	}
	return m
}

// ExecutorConfig controls step execution, retries and async waiting.
type ExecutorConfig struct {
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	WaitBudget   time.Duration `mapstructure:"wait_budget"`
	MaxReplans   int           `mapstructure:"max_replans"`
}

func (e ExecutorConfig) Normalize() ExecutorConfig {
	if e.StepTimeout <= 0 {
		e.StepTimeout = 30 * time.Second
	}
	if e.MaxRetries < 0 {
		e.MaxRetries = 0
	}
	if e.RetryBackoff <= 0 {
		e.RetryBackoff = time.Second
	}
	if e.PollInterval <= 0 {
		e.PollInterval = 2 * time.Second
	}
	if e.WaitBudget <= 0 {
		e.WaitBudget = 2 * time.Minute
	}
	if e.MaxReplans <= 0 {
		e.MaxReplans = 1
	}
	return e
}

// ToolsConfig configures the domain tool gateway.
type ToolsConfig struct {
	BaseURL   string            `mapstructure:"base_url"`
	AuthToken string            `mapstructure:"auth_token"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Endpoints map[string]string `mapstructure:"endpoints"` // optional per-tool overrides
}

func (t ToolsConfig) Validate() error {
	if strings.TrimSpace(t.BaseURL) == "" {
		return fmt.Errorf("tools.base_url is required")
	}
	return nil
}

// KnowledgeConfig configures the retrieval collaborator.
type KnowledgeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	TopK    int           `mapstructure:"top_k"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// CatalogConfig controls workflow catalog refresh behaviour.
type CatalogConfig struct {
	RefreshCron string `mapstructure:"refresh_cron"`
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.turn_timeout", "5m")
	viper.SetDefault("server.max_concurrent_turns", 16)
	viper.SetDefault("matching.similarity_threshold", 0.75)
	viper.SetDefault("matching.top_k", 5)
	viper.SetDefault("executor.max_retries", 2)
	viper.SetDefault("executor.max_replans", 1)
	viper.SetDefault("knowledge.top_k", 5)
	viper.SetDefault("catalog.refresh_cron", "*/5 * * * *")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("WGAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Matching = config.Matching.Normalize()
	config.Executor = config.Executor.Normalize()

	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Tools.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	return &config
}
