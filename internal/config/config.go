package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Models     ModelsConfig     `mapstructure:"models"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	ElevatedDSN string `mapstructure:"elevated_dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ModelsConfig struct {
	Endpoints []ModelEndpoint   `mapstructure:"endpoints"`
	Cheapest  string            `mapstructure:"cheapest"`
	ByPlan    map[string]string `mapstructure:"by_plan"`
}

type ModelEndpoint struct {
	Name    string      `mapstructure:"name"`
	BaseURL string      `mapstructure:"base_url"`
	APIKey  string      `mapstructure:"api_key"`
	Models  []ModelInfo `mapstructure:"models"`
}

type ModelInfo struct {
	ID        string `mapstructure:"id"`
	Name      string `mapstructure:"name"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type EmbeddingConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	SimilarityThreshold float32       `mapstructure:"similarity_threshold"`
	TTL                 time.Duration `mapstructure:"ttl"`
}

type QuotaConfig struct {
	Limits map[string]int64 `mapstructure:"limits"` // plan -> monthly messages, overrides defaults
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type RetrievalConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	TopK          int    `mapstructure:"top_k"`
	ExcerptLength int    `mapstructure:"excerpt_length"`
	TokenBuffer   int    `mapstructure:"token_buffer"`
}

type ModerationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type PipelineConfig struct {
	StreamChunkSize  int           `mapstructure:"stream_chunk_size"`
	StreamChunkDelay time.Duration `mapstructure:"stream_chunk_delay"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	TopicsEnabled    bool          `mapstructure:"topics_enabled"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Directory       string   `mapstructure:"directory"`
	Languages       []string `mapstructure:"languages"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	viper.BindEnv("postgres.dsn", "DATABASE_URL")
	viper.BindEnv("postgres.elevated_dsn", "DATABASE_SERVICE_URL")
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	viper.BindEnv("embedding.api_key", "EMBEDDING_API_KEY")
	viper.BindEnv("moderation.api_key", "MODERATION_API_KEY")

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 5*time.Minute) // streams stay open
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.similarity_threshold", 0.98)
	viper.SetDefault("cache.ttl", 7*24*time.Hour)
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_minute", 60)
	viper.SetDefault("rate_limit.burst", 10)
	viper.SetDefault("retrieval.top_k", 4)
	viper.SetDefault("retrieval.excerpt_length", 320)
	viper.SetDefault("retrieval.token_buffer", 500)
	viper.SetDefault("pipeline.stream_chunk_size", 15)
	viper.SetDefault("pipeline.stream_chunk_delay", 20*time.Millisecond)
	viper.SetDefault("pipeline.history_limit", 20)
	viper.SetDefault("pipeline.topics_enabled", true)
	viper.SetDefault("embedding.timeout", 10*time.Second)
	viper.SetDefault("i18n.default_language", "en")
	viper.SetDefault("i18n.directory", "configs/i18n")
	viper.SetDefault("i18n.languages", []string{"en"})
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

func validateConfig(cfg *Config) error {
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required")
	}
	if len(cfg.Models.Endpoints) == 0 {
		return fmt.Errorf("at least one model endpoint is required")
	}
	if cfg.Models.Cheapest == "" {
		return fmt.Errorf("models.cheapest is required")
	}
	if cfg.Cache.SimilarityThreshold <= 0 || cfg.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache.similarity_threshold must be in (0,1]")
	}
	return nil
}
