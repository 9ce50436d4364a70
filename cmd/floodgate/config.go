package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config aggregates the service configuration. Values come from an optional
// YAML file (FLOODGATE_CONFIG_FILE) with environment variables taking
// precedence, so container deployments can override single knobs.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	PostgresDSN string `yaml:"postgres_dsn"`

	Broker struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"broker"`

	Queue struct {
		Stream    string        `yaml:"stream"`
		PollBlock time.Duration `yaml:"poll_block"`
	} `yaml:"queue"`

	ProfileCacheTTL    time.Duration `yaml:"profile_cache_ttl"`
	LastValueTTL       time.Duration `yaml:"last_value_ttl"`
	CredentialCacheTTL time.Duration `yaml:"credential_cache_ttl"`

	Workers int `yaml:"workers"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.HTTPAddr = ":8080"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Broker.Timeout = 10 * time.Second
	cfg.Queue.Stream = "floodgate:tasks"
	cfg.Queue.PollBlock = time.Second
	cfg.ProfileCacheTTL = 5 * time.Minute
	cfg.LastValueTTL = time.Hour
	cfg.CredentialCacheTTL = 5 * time.Minute
	cfg.Workers = 1
	return cfg
}

// LoadConfig builds the configuration from defaults, the optional YAML file,
// and environment overrides, then validates it.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("FLOODGATE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
		}
	}

	applyString(&cfg.HTTPAddr, "FLOODGATE_HTTP_ADDR")
	applyString(&cfg.Redis.Addr, "FLOODGATE_REDIS_ADDR")
	applyString(&cfg.Redis.Password, "FLOODGATE_REDIS_PASSWORD")
	applyString(&cfg.PostgresDSN, "FLOODGATE_POSTGRES_DSN")
	applyString(&cfg.Broker.BaseURL, "FLOODGATE_BROKER_URL")
	applyString(&cfg.Queue.Stream, "FLOODGATE_QUEUE_STREAM")

	if v := os.Getenv("FLOODGATE_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid FLOODGATE_REDIS_DB %q", v)
		}
		cfg.Redis.DB = n
	}
	if v := os.Getenv("FLOODGATE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid FLOODGATE_WORKERS %q", v)
		}
		cfg.Workers = n
	}
	for env, target := range map[string]*time.Duration{
		"FLOODGATE_PROFILE_CACHE_TTL":    &cfg.ProfileCacheTTL,
		"FLOODGATE_LAST_VALUE_TTL":       &cfg.LastValueTTL,
		"FLOODGATE_CREDENTIAL_CACHE_TTL": &cfg.CredentialCacheTTL,
		"FLOODGATE_QUEUE_POLL_BLOCK":     &cfg.Queue.PollBlock,
	} {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("invalid %s %q", env, v)
			}
			*target = d
		}
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("FLOODGATE_POSTGRES_DSN environment variable not set")
	}
	if cfg.Broker.BaseURL == "" {
		return nil, fmt.Errorf("FLOODGATE_BROKER_URL environment variable not set")
	}
	return cfg, nil
}

func applyString(target *string, env string) {
	if v := os.Getenv(env); v != "" {
		*target = v
	}
}
