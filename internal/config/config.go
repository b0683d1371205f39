package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/timmy/platecal/internal/vision"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Vision     VisionConfig     `mapstructure:"vision"`
	Imaging    ImagingConfig    `mapstructure:"imaging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	App        AppConfig        `mapstructure:"app"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Mode           string        `mapstructure:"mode"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORS           CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres

	// SQLite
	Path string `mapstructure:"path"`

	// PostgreSQL
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// DSN returns the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
	return c.Path
}

type VisionConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffUnit    time.Duration `mapstructure:"backoff_unit"`
	PollInterval   time.Duration `mapstructure:"reachability_poll_interval"`
	PollAttempts   int           `mapstructure:"reachability_poll_attempts"`
	CancelInFlight bool          `mapstructure:"cancel_in_flight"`

	// ProbeInterval drives the background reachability monitor.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// ClientConfig maps the section onto the vision client settings.
func (c VisionConfig) ClientConfig() vision.Config {
	return vision.Config{
		BaseURL:                  c.BaseURL,
		APIKey:                   c.APIKey,
		Model:                    c.Model,
		MaxTokens:                c.MaxTokens,
		Timeout:                  c.Timeout,
		MaxRetries:               c.MaxRetries,
		BackoffUnit:              c.BackoffUnit,
		ReachabilityPollInterval: c.PollInterval,
		ReachabilityPollAttempts: c.PollAttempts,
		CancelInFlight:           c.CancelInFlight,
	}
}

type ImagingConfig struct {
	MaxDimension int `mapstructure:"max_dimension"`
	Quality      int `mapstructure:"quality"`
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // r2, s3, s3compatible; empty detects from endpoint
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

type SimilarityConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	TopK      int             `mapstructure:"top_k"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

type AppConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// Location resolves the configured timezone, falling back to local time.
func (c AppConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid app.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.request_timeout", 2*time.Minute)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/platecal.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "platecal")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_queries", false)

	v.SetDefault("vision.base_url", "https://api.openai.com/v1")
	v.SetDefault("vision.model", "gpt-4o")
	v.SetDefault("vision.max_tokens", 500)
	v.SetDefault("vision.timeout", 30*time.Second)
	v.SetDefault("vision.max_retries", 3)
	v.SetDefault("vision.backoff_unit", time.Second)
	v.SetDefault("vision.reachability_poll_interval", time.Second)
	v.SetDefault("vision.reachability_poll_attempts", 10)
	v.SetDefault("vision.cancel_in_flight", false)
	v.SetDefault("vision.probe_interval", 5*time.Second)

	v.SetDefault("imaging.max_dimension", 1024)
	v.SetDefault("imaging.quality", 70)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.bucket", "platecal")
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("similarity.enabled", false)
	v.SetDefault("similarity.top_k", 5)
	v.SetDefault("similarity.qdrant.host", "localhost")
	v.SetDefault("similarity.qdrant.port", 6334)
	v.SetDefault("similarity.qdrant.collection", "meals")
	v.SetDefault("similarity.embedding.model", "text-embedding-3-small")
	v.SetDefault("similarity.embedding.dimensions", 1536)

	v.SetDefault("app.timezone", "Local")
}

// Bind environment variables explicitly for sensitive data
func bindEnv(v *viper.Viper) {
	v.BindEnv("vision.api_key", "OPENAI_API_KEY")
	v.BindEnv("vision.base_url", "OPENAI_BASE_URL")
	v.BindEnv("vision.model", "VISION_MODEL")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.bucket", "S3_BUCKET")
	v.BindEnv("storage.public_url", "S3_PUBLIC_URL")
	v.BindEnv("similarity.qdrant.host", "QDRANT_HOST")
	v.BindEnv("similarity.qdrant.port", "QDRANT_PORT")
	v.BindEnv("similarity.qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("similarity.embedding.api_key", "EMBEDDING_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("similarity.embedding.base_url", "EMBEDDING_BASE_URL", "OPENAI_BASE_URL")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.path", "DATABASE_PATH")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")
}

// Validate rejects settings that would make the service unusable.
func (c *Config) Validate() error {
	if c.Vision.BaseURL == "" {
		return errors.New("vision.base_url is required")
	}
	u, err := url.Parse(c.Vision.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("vision.base_url %q must be an absolute URL", c.Vision.BaseURL)
	}
	if c.Vision.MaxRetries < 0 {
		return fmt.Errorf("vision.max_retries must be non-negative, got %d", c.Vision.MaxRetries)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return errors.New("storage.bucket is required when storage is enabled")
	}
	if c.Similarity.Enabled {
		if err := c.Similarity.Embedding.Validate(); err != nil {
			return err
		}
	}
	if _, err := c.App.Location(); err != nil {
		return err
	}
	return nil
}
