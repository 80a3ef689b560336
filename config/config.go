package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the document pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Search    SearchConfig    `mapstructure:"search"`
	Taxonomy  TaxonomyConfig  `mapstructure:"taxonomy"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Listen   string `mapstructure:"listen"`
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabasesConfig groups the backing stores.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig describes the metadata store connection.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a Postgres DSN, preferring an explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig describes the redis connection used for ingest nudges and sweep locks.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

// BlobConfig describes the MinIO object store holding raw document bytes.
type BlobConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Bucket    string        `mapstructure:"bucket"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

func (b BlobConfig) Validate() error {
	if strings.TrimSpace(b.Endpoint) == "" {
		return fmt.Errorf("blob.endpoint is required")
	}
	if strings.TrimSpace(b.Bucket) == "" {
		return fmt.Errorf("blob.bucket is required")
	}
	return nil
}

// OracleConfig configures the classification oracle endpoint.
type OracleConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (o OracleConfig) Validate() error {
	if strings.TrimSpace(o.APIKey) == "" {
		return fmt.Errorf("oracle.api_key is required")
	}
	if strings.TrimSpace(o.Model) == "" {
		return fmt.Errorf("oracle.model is required")
	}
	return nil
}

// EmbeddingConfig configures the embedding endpoint and vector dimensions.
type EmbeddingConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ExtractConfig configures content extraction.
type ExtractConfig struct {
	// RemoteURL points at the parsing service used for binary formats
	// (PDF, Office, OCR). Plain text and HTML are handled natively.
	RemoteURL string        `mapstructure:"remote_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// WorkerConfig sizes the processing pool and retry behaviour.
type WorkerConfig struct {
	Pool          int           `mapstructure:"pool"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepCron     string        `mapstructure:"sweep_cron"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
}

// Normalize applies defaults for unset worker values.
func (w WorkerConfig) Normalize() WorkerConfig {
	if w.Pool <= 0 {
		w.Pool = 4
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.StaleAfter <= 0 {
		w.StaleAfter = 10 * time.Minute
	}
	if w.SweepCron == "" {
		w.SweepCron = "@hourly"
	}
	if w.ConsumerGroup == "" {
		w.ConsumerGroup = "docflow-workers"
	}
	return w
}

// SearchConfig tunes retrieval.
type SearchConfig struct {
	TopK          int     `mapstructure:"top_k"`
	MaxCandidates int     `mapstructure:"max_candidates"`
	Threshold     float64 `mapstructure:"threshold"`
}

// Normalize applies defaults for unset search values.
func (s SearchConfig) Normalize() SearchConfig {
	if s.TopK <= 0 {
		s.TopK = 10
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = 50
	}
	return s
}

// TaxonomyConfig fixes the department taxonomy and its fallback.
type TaxonomyConfig struct {
	Departments []string `mapstructure:"departments"`
	Fallback    string   `mapstructure:"fallback"`
}

// Normalize applies the default taxonomy when none is configured.
func (t TaxonomyConfig) Normalize() TaxonomyConfig {
	if len(t.Departments) == 0 {
		t.Departments = []string{"Finance", "Engineering", "Operations", "HR", "Safety", "General"}
	}
	if t.Fallback == "" {
		t.Fallback = "General"
	}
	return t
}

func (t TaxonomyConfig) Validate() error {
	for _, d := range t.Departments {
		if d == t.Fallback {
			return nil
		}
	}
	return fmt.Errorf("taxonomy.fallback %q must be one of taxonomy.departments", t.Fallback)
}

// AuthConfig carries JWT and webhook credentials.
type AuthConfig struct {
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	WebhookToken string        `mapstructure:"webhook_token"`
}

func (a AuthConfig) Validate() error {
	if strings.TrimSpace(a.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// LoadConfig reads configuration from the optional file path, falling back to
// ./config.yaml, and overlays DOCFLOW_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/docflow")
	}
	v.SetEnvPrefix("DOCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing default file is fine; env and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Worker = cfg.Worker.Normalize()
	cfg.Search = cfg.Search.Normalize()
	cfg.Taxonomy = cfg.Taxonomy.Normalize()
	if err := cfg.Taxonomy.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.listen", ":10020")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("databases.postgres.host", "localhost")
	v.SetDefault("databases.postgres.port", "5432")
	v.SetDefault("databases.postgres.sslmode", "disable")
	v.SetDefault("databases.redis.host", "localhost")
	v.SetDefault("databases.redis.port", "6379")
	v.SetDefault("blob.bucket", "documents")
	v.SetDefault("blob.url_expiry", time.Hour)
	v.SetDefault("oracle.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("oracle.max_tokens", 800)
	v.SetDefault("oracle.temperature", 0.3)
	v.SetDefault("oracle.timeout", 30*time.Second)
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", 15*time.Second)
	v.SetDefault("extract.timeout", 60*time.Second)
	v.SetDefault("worker.pool", 4)
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.stale_after", 10*time.Minute)
	v.SetDefault("worker.sweep_cron", "@hourly")
	v.SetDefault("search.top_k", 10)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
}
