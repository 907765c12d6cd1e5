package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Qdrant       QdrantConfig       `mapstructure:"qdrant"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Embedding    ModelConfig        `mapstructure:"embedding"`
	Vision       VisionConfig       `mapstructure:"vision"`
	Validator    ValidatorConfig    `mapstructure:"validator"`
	Reranker     ModelConfig        `mapstructure:"reranker"`
	Describer    ModelConfig        `mapstructure:"describer"`
	Matcher      MatcherConfig      `mapstructure:"matcher"`
	VisualSearch VisualSearchConfig `mapstructure:"visual_search"`
	Events       EventsConfig       `mapstructure:"events"`
	Import       ImportConfig       `mapstructure:"import"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls"`
	Collection string `mapstructure:"collection"`
	Enabled    bool   `mapstructure:"enabled"`
}

type StorageConfig struct {
	Type      string `mapstructure:"type"` // s3, r2, minio
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
}

// ModelConfig describes one remote model endpoint.
type ModelConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
	CacheSize  int    `mapstructure:"cache_size"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

// Validate checks the fields every provider needs.
func (c ModelConfig) Validate(name string) error {
	if c.Provider == "" {
		return fmt.Errorf("%s: provider is required", name)
	}
	if c.Model == "" {
		return fmt.Errorf("%s: model is required", name)
	}
	return nil
}

// VisionConfig configures the joint image/text encoder used for photos.
type VisionConfig struct {
	ModelConfig `mapstructure:",squash"`
	InputSize   int `mapstructure:"input_size"`
	MaxBytes    int `mapstructure:"max_bytes"`
}

type ValidatorConfig struct {
	// Model is a separate encoder instance; it may point at the same
	// endpoint as Vision.
	Model          ModelConfig `mapstructure:"model"`
	LowConfidence  float64     `mapstructure:"low_confidence"`
	HighConfidence float64     `mapstructure:"high_confidence"`
	LogitScale     float64     `mapstructure:"logit_scale"`
}

type MatcherConfig struct {
	Threshold         float64 `mapstructure:"threshold"`
	TextGate          float64 `mapstructure:"text_gate"`
	RerankGate        float64 `mapstructure:"rerank_gate"`
	DescriptionWeight float64 `mapstructure:"description_weight"`
	GenericLost       float64 `mapstructure:"generic_lost_penalty"`
	GenericFound      float64 `mapstructure:"generic_found_penalty"`
	GenericMaxWords   int     `mapstructure:"generic_max_words"`
	BrandBoost        float64 `mapstructure:"brand_boost"`
	BrandPenalty      float64 `mapstructure:"brand_penalty"`
	ColorBoost        float64 `mapstructure:"color_boost"`
	NumericPenalty    float64 `mapstructure:"numeric_penalty"`
	VariantPenalty    float64 `mapstructure:"variant_penalty"`
	VisualWeight      float64 `mapstructure:"visual_weight"`
	VisualOverride    float64 `mapstructure:"visual_override"`
	VerifiedScore     float64 `mapstructure:"verified_score"`
	MinKeypointMatch  int     `mapstructure:"min_keypoint_matches"`
	TimeoutSec        int     `mapstructure:"timeout_sec"`
}

type VisualSearchConfig struct {
	Floor       float64 `mapstructure:"floor"`
	DefaultTopK int     `mapstructure:"default_top_k"`
	MaxTopK     int     `mapstructure:"max_top_k"`
}

type EventsConfig struct {
	// Driver is "kafka" or "log".
	Driver      string   `mapstructure:"driver"`
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	Compression string   `mapstructure:"compression"`
}

type ImportConfig struct {
	Workers     int    `mapstructure:"workers"`
	StagingPath string `mapstructure:"staging_path"`
}

// Load reads configs/config.yaml (or configPath), .env and the environment.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets and deployment endpoints come from the environment.
	v.BindEnv("database.dsn", "DATABASE_URL")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("qdrant.host", "QDRANT_HOST")
	v.BindEnv("qdrant.port", "QDRANT_PORT")
	v.BindEnv("qdrant.api_key", "QDRANT_API_KEY")
	v.BindEnv("storage.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "S3_SECRET_KEY")
	v.BindEnv("storage.bucket", "S3_BUCKET")
	v.BindEnv("storage.region", "S3_REGION")
	v.BindEnv("embedding.api_key", "JINA_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("embedding.base_url", "EMBEDDING_BASE_URL")
	v.BindEnv("vision.api_key", "JINA_API_KEY")
	v.BindEnv("validator.model.api_key", "JINA_API_KEY")
	v.BindEnv("reranker.api_key", "RERANKER_API_KEY", "JINA_API_KEY")
	v.BindEnv("reranker.base_url", "RERANKER_URL")
	v.BindEnv("describer.api_key", "DESCRIBER_API_KEY", "OPENAI_API_KEY")
	v.BindEnv("describer.base_url", "DESCRIBER_BASE_URL")
	v.BindEnv("matcher.threshold", "MATCH_THRESHOLD")
	v.BindEnv("events.brokers", "KAFKA_BROKERS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/reclaim.db")

	v.SetDefault("qdrant.enabled", true)
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "item_photos")

	v.SetDefault("storage.type", "s3")
	v.SetDefault("storage.bucket", "reclaim-photos")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.use_ssl", true)

	v.SetDefault("embedding.provider", "jina")
	v.SetDefault("embedding.model", "jina-embeddings-v3")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.cache_size", 2048)
	v.SetDefault("embedding.timeout_sec", 30)

	v.SetDefault("vision.provider", "jina")
	v.SetDefault("vision.model", "jina-clip-v2")
	v.SetDefault("vision.dimensions", 1024)
	v.SetDefault("vision.timeout_sec", 60)
	v.SetDefault("vision.input_size", 224)
	v.SetDefault("vision.max_bytes", 10<<20)

	v.SetDefault("validator.model.provider", "jina")
	v.SetDefault("validator.model.model", "jina-clip-v2")
	v.SetDefault("validator.model.dimensions", 1024)
	v.SetDefault("validator.model.timeout_sec", 60)
	v.SetDefault("validator.low_confidence", 0.30)
	v.SetDefault("validator.high_confidence", 0.60)
	v.SetDefault("validator.logit_scale", 100.0)

	v.SetDefault("reranker.provider", "jina")
	v.SetDefault("reranker.model", "jina-reranker-v2-base-multilingual")
	v.SetDefault("reranker.timeout_sec", 30)

	v.SetDefault("describer.provider", "none")
	v.SetDefault("describer.model", "gpt-4o-mini")
	v.SetDefault("describer.timeout_sec", 60)

	v.SetDefault("matcher.threshold", 0.65)
	v.SetDefault("matcher.text_gate", 0.35)
	v.SetDefault("matcher.rerank_gate", 0.45)
	v.SetDefault("matcher.description_weight", 0.70)
	v.SetDefault("matcher.generic_lost_penalty", 0.75)
	v.SetDefault("matcher.generic_found_penalty", 0.85)
	v.SetDefault("matcher.generic_max_words", 2)
	v.SetDefault("matcher.brand_boost", 0.15)
	v.SetDefault("matcher.brand_penalty", 0.05)
	v.SetDefault("matcher.color_boost", 0.05)
	v.SetDefault("matcher.numeric_penalty", 0.5)
	v.SetDefault("matcher.variant_penalty", 0.6)
	v.SetDefault("matcher.visual_weight", 0.25)
	v.SetDefault("matcher.visual_override", 0.85)
	v.SetDefault("matcher.verified_score", 0.95)
	v.SetDefault("matcher.min_keypoint_matches", 25)
	v.SetDefault("matcher.timeout_sec", 120)

	v.SetDefault("visual_search.floor", 0.62)
	v.SetDefault("visual_search.default_top_k", 5)
	v.SetDefault("visual_search.max_top_k", 50)

	v.SetDefault("events.driver", "log")
	v.SetDefault("events.topic", "reclaim.matches")
	v.SetDefault("events.compression", "snappy")

	v.SetDefault("import.workers", 4)
	v.SetDefault("import.staging_path", "./data/staging")
}

// Validate rejects configurations the matching engine cannot run with.
func (c *Config) Validate() error {
	if err := c.Embedding.Validate("embedding"); err != nil {
		return err
	}
	if err := c.Vision.Validate("vision"); err != nil {
		return err
	}
	if err := c.Validator.Model.Validate("validator.model"); err != nil {
		return err
	}
	if c.Validator.LowConfidence > c.Validator.HighConfidence {
		return fmt.Errorf("validator: low_confidence %.2f exceeds high_confidence %.2f",
			c.Validator.LowConfidence, c.Validator.HighConfidence)
	}
	if c.Matcher.RerankGate <= c.Matcher.TextGate {
		return fmt.Errorf("matcher: rerank_gate %.2f must exceed text_gate %.2f",
			c.Matcher.RerankGate, c.Matcher.TextGate)
	}
	if c.Matcher.Threshold <= 0 || c.Matcher.Threshold > 1 {
		return fmt.Errorf("matcher: threshold must be in (0, 1], got %.2f", c.Matcher.Threshold)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}
	return nil
}
