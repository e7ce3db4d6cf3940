package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

// Dispatch modes.
const (
	ModeInline = "inline"
	ModeQueue  = "queue"
)

type ServerConfig struct {
	Addr string `yaml:"addr"`
	Mode string `yaml:"mode"`
	// GinMode is passed to gin.SetMode.
	GinMode string `yaml:"ginMode"`
}

type PipelineConfig struct {
	ChunkSize          int           `yaml:"chunkSize"`
	MaxAttempts        int           `yaml:"maxAttempts"`
	BaseDelay          time.Duration `yaml:"baseDelay"`
	MaxDelay           time.Duration `yaml:"maxDelay"`
	DuplicateThreshold float64       `yaml:"duplicateThreshold"`
	DuplicateAttempts  int           `yaml:"duplicateAttempts"`
	// Retention keeps finished batches queryable; 0 evicts them on the next
	// cleanup tick.
	Retention        time.Duration `yaml:"retention"`
	CleanupInterval  time.Duration `yaml:"cleanupInterval"`
	PlaceholderImage string        `yaml:"placeholderImage"`
	// ReportRetention removes stored reports older than this; 0 keeps them.
	ReportRetention time.Duration `yaml:"reportRetention"`
	// GlobalHistorySize enables the shared fingerprint history when > 0.
	GlobalHistorySize int `yaml:"globalHistorySize"`
}

type ObserverConfig struct {
	StaleAfter    time.Duration `yaml:"staleAfter"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Buffer        int           `yaml:"buffer"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	Type          string      `yaml:"type"`
	PublicBaseURL string      `yaml:"publicBaseURL"`
	Minio         MinioConfig `yaml:"minio"`
	S3            S3Config    `yaml:"s3"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
}

type LLMConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"maxTokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxPoolSize int           `yaml:"maxPoolSize"`
	PoolTimeout time.Duration `yaml:"poolTimeout"`
}

type ImageGenConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model"`
	Size    string        `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the whole process configuration.
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Observers ObserverConfig `yaml:"observers"`
	Redis     RedisConfig    `yaml:"redis"`
	Storage   StorageConfig  `yaml:"storage"`
	Database  DatabaseConfig `yaml:"database"`
	LLM       LLMConfig      `yaml:"llm"`
	ImageGen  ImageGenConfig `yaml:"imagegen"`
	Logger    logger.Config  `yaml:"logger"`
}

// Load reads path (optional), then .env next to it, then the environment.
func Load(path string) (*Config, error) {
	cfg := newConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	envPath := ".env"
	if path != "" {
		envPath = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: .env file not found at %s, falling back to environment variables", envPath)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newConfig presets the fields whose zero value is a valid setting, so an
// explicit 0 in the file survives decoding and applyDefaults.
func newConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{Retention: time.Hour},
		LLM:      LLMConfig{Temperature: 0.7},
	}
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Server.Mode, "DISPATCH_MODE")
	setString(&c.Server.GinMode, "GIN_MODE")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setString(&c.Storage.Type, "STORAGE_TYPE")
	setString(&c.Storage.PublicBaseURL, "STORAGE_PUBLIC_BASE_URL")
	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.LLM.Endpoint, "OLLAMA_ENDPOINT")
	setString(&c.LLM.Model, "OLLAMA_MODEL")
	setString(&c.ImageGen.BaseURL, "IMAGEGEN_BASE_URL")
	setString(&c.ImageGen.APIKey, "IMAGEGEN_API_KEY")
	setString(&c.ImageGen.Model, "IMAGEGEN_MODEL")
	setString(&c.Logger.Level, "LOG_LEVEL")
	c.Storage.Minio.applyEnv()
	c.Storage.S3.applyEnv()
}

func (c *Config) applyDefaults() {
	def(&c.Server.Addr, ":8080")
	def(&c.Server.Mode, ModeInline)
	def(&c.Server.GinMode, "release")

	p := &c.Pipeline
	def(&p.ChunkSize, 5)
	def(&p.MaxAttempts, 3)
	def(&p.BaseDelay, 500*time.Millisecond)
	def(&p.MaxDelay, 8*time.Second)
	def(&p.DuplicateThreshold, 0.95)
	def(&p.DuplicateAttempts, 3)
	def(&p.CleanupInterval, time.Minute)

	o := &c.Observers
	def(&o.StaleAfter, 5*time.Minute)
	def(&o.SweepInterval, 30*time.Second)
	def(&o.Buffer, 64)
	def(&o.Heartbeat, 15*time.Second)

	def(&c.Redis.Addr, "localhost:6379")
	def(&c.Storage.Type, "minio")
	def(&c.Database.MaxConns, int32(10))

	def(&c.LLM.Endpoint, "http://localhost:11434")
	def(&c.LLM.Model, "llama3.1")
	def(&c.LLM.MaxTokens, 4096)
	def(&c.LLM.Timeout, 120*time.Second)
	def(&c.LLM.MaxPoolSize, 4)
	def(&c.LLM.PoolTimeout, 30*time.Second)

	def(&c.ImageGen.Model, "gpt-image-1")
	def(&c.ImageGen.Size, "1024x1024")
	def(&c.ImageGen.Timeout, 120*time.Second)

	def(&c.Logger.Level, "info")
	def(&c.Logger.Encoding, "json")
	if len(c.Logger.OutputPaths) == 0 {
		c.Logger.OutputPaths = []string{"stdout"}
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case ModeInline, ModeQueue:
	default:
		return fmt.Errorf("unsupported dispatch mode: %s", c.Server.Mode)
	}
	switch c.Storage.Type {
	case "minio", "s3":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Pipeline.DuplicateThreshold > 1 {
		return fmt.Errorf("duplicate threshold must be at most 1, got %.2f", c.Pipeline.DuplicateThreshold)
	}
	if c.Pipeline.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	if t := c.LLM.Temperature; t < 0 || t > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %.2f", t)
	}
	return nil
}

func def[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
