package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTokenSecret - секрет подписи токенов по умолчанию, непригодный для продакшена.
const DefaultTokenSecret = "your-secret-key"

type Config struct {
	Server struct {
		Port        string        `yaml:"port"`
		TokenSecret string        `yaml:"token_secret"`
		TokenTTL    time.Duration `yaml:"token_ttl"`
	} `yaml:"server"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Redis struct {
		Addr       string        `yaml:"addr"`
		ProfileTTL time.Duration `yaml:"profile_ttl"`
	} `yaml:"redis"`
	Feed struct {
		NotificationLimit int `yaml:"notification_limit"`
		SnippetLength     int `yaml:"snippet_length"`
	} `yaml:"feed"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default возвращает конфигурацию со значениями по умолчанию.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.TokenSecret = DefaultTokenSecret
	cfg.Server.TokenTTL = 24 * time.Hour
	cfg.Redis.ProfileTTL = 5 * time.Minute
	cfg.Feed.NotificationLimit = 20
	cfg.Feed.SnippetLength = 50
	cfg.Log.Level = "info"
	return cfg
}

// Load читает YAML-файл поверх значений по умолчанию и применяет переменные окружения.
// Отсутствующий файл не считается ошибкой.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FEEDSYNC_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("FEEDSYNC_TOKEN_SECRET"); v != "" {
		c.Server.TokenSecret = v
	}
	if v := os.Getenv("FEEDSYNC_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("FEEDSYNC_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("FEEDSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if c.Server.TokenSecret == "" {
		return errors.New("server.token_secret is required")
	}
	if c.Server.TokenTTL <= 0 {
		return errors.New("server.token_ttl must be positive")
	}
	if c.Feed.NotificationLimit <= 0 {
		return errors.New("feed.notification_limit must be positive")
	}
	if c.Feed.SnippetLength <= 0 {
		return errors.New("feed.snippet_length must be positive")
	}
	return nil
}

// InsecureTokenSecret сообщает, что токены подписываются секретом по умолчанию.
func (c *Config) InsecureTokenSecret() bool {
	return c.Server.TokenSecret == DefaultTokenSecret
}
