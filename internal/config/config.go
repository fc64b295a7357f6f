package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration, loaded once at startup and
// passed around as a value. Environment variables prefixed ADVAULT_
// override file keys (ADVAULT_API_ACCESS_TOKEN, and so on).
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Timeouts    TimeoutConfig     `mapstructure:"timeouts"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Scrape      ScrapeConfig      `mapstructure:"scrape"`
	Log         LogConfig         `mapstructure:"log"`
	Serve       ServeConfig       `mapstructure:"serve"`
}

type APIConfig struct {
	AccessToken string `mapstructure:"access_token" validate:"required"`
	BaseURL     string `mapstructure:"base_url" validate:"omitempty,url"`
}

type RateLimitConfig struct {
	BucketCapacity int     `mapstructure:"bucket_capacity" validate:"min=1"`
	RefillPerSec   float64 `mapstructure:"refill_per_sec" validate:"gt=0"`
}

type PipelineConfig struct {
	WorkerCount int `mapstructure:"worker_count" validate:"min=1,max=64"`
}

type TimeoutConfig struct {
	RequestSec  int `mapstructure:"request_sec" validate:"min=1"`
	DownloadSec int `mapstructure:"download_sec" validate:"min=1"`
	ItemSec     int `mapstructure:"item_sec" validate:"min=1"`
	RunSec      int `mapstructure:"run_sec" validate:"min=0"`
}

func (t TimeoutConfig) Request() time.Duration  { return time.Duration(t.RequestSec) * time.Second }
func (t TimeoutConfig) Download() time.Duration { return time.Duration(t.DownloadSec) * time.Second }
func (t TimeoutConfig) Item() time.Duration     { return time.Duration(t.ItemSec) * time.Second }

// Run returns the whole-run deadline, zero meaning no deadline.
func (t TimeoutConfig) Run() time.Duration { return time.Duration(t.RunSec) * time.Second }

type RetryConfig struct {
	MaxRetries      int `mapstructure:"max_retries" validate:"min=0,max=10"`
	InitialDelaySec int `mapstructure:"initial_delay_sec" validate:"min=1"`
	MaxDelaySec     int `mapstructure:"max_delay_sec" validate:"min=1"`
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelaySec) * time.Second
}
func (r RetryConfig) MaxDelay() time.Duration { return time.Duration(r.MaxDelaySec) * time.Second }

type FetchConfig struct {
	MinBodyBytes int64 `mapstructure:"min_body_bytes" validate:"min=1"`
	ChunkBytes   int   `mapstructure:"chunk_bytes" validate:"min=512"`
}

type ObjectStoreConfig struct {
	LocalRoot     string `mapstructure:"local_root" validate:"required"`
	PublicBase    string `mapstructure:"public_base" validate:"required,url"`
	Remote        string `mapstructure:"remote" validate:"oneof=static cloudinary"`
	CloudinaryURL string `mapstructure:"cloudinary_url" validate:"required_if=Remote cloudinary"`
}

type CheckpointConfig struct {
	Path       string `mapstructure:"path" validate:"required"`
	FlushEvery int    `mapstructure:"flush_every" validate:"min=1"`
}

type ScrapeConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BrowserURL string `mapstructure:"browser_url"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File  string `mapstructure:"file"`
}

type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads the YAML config file (plus .env, if present) and validates the
// result. An empty path falls back to advault.yaml in the working directory,
// tolerated missing.
func Load(path string) (Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ADVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("advault")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Retry.MaxDelaySec < cfg.Retry.InitialDelaySec {
		return Config{}, fmt.Errorf("invalid config: retry.max_delay_sec below retry.initial_delay_sec")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://graph.facebook.com/v22.0")
	v.SetDefault("rate_limit.bucket_capacity", 10)
	v.SetDefault("rate_limit.refill_per_sec", 2.0)
	v.SetDefault("pipeline.worker_count", 4)
	v.SetDefault("timeouts.request_sec", 30)
	v.SetDefault("timeouts.download_sec", 120)
	v.SetDefault("timeouts.item_sec", 300)
	v.SetDefault("timeouts.run_sec", 0)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay_sec", 1)
	v.SetDefault("retry.max_delay_sec", 30)
	v.SetDefault("fetch.min_body_bytes", 1024)
	v.SetDefault("fetch.chunk_bytes", 8192)
	v.SetDefault("object_store.remote", "static")
	v.SetDefault("checkpoint.flush_every", 5)
	v.SetDefault("scrape.enabled", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("serve.addr", ":8080")
}
