// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Values come from defaults, then an optional YAML
// file named by CONFIG_FILE, then environment variables.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	JWTSecret   string   `yaml:"jwt_secret"`
	DatabaseURL string   `yaml:"database_url"`
	RedisAddr   string   `yaml:"redis_addr"`
	RedisDB     int      `yaml:"redis_db"`
	Origins     []string `yaml:"origins"`

	Deezer DeezerConfig `yaml:"deezer"`
	Game   GameConfig   `yaml:"game"`
}

type DeezerConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSec     int    `yaml:"timeout_seconds"`
	ChartTTLSec    int    `yaml:"chart_ttl_seconds"`
	GenreTTLSec    int    `yaml:"genre_ttl_seconds"`
	ChartLimit     int    `yaml:"chart_limit"`
	MirrorTTLHours int    `yaml:"mirror_ttl_hours"`
}

type GameConfig struct {
	RoundSec        int `yaml:"round_seconds"`
	ThinkSec        int `yaml:"think_seconds"`
	RoomIdleMin     int `yaml:"room_idle_minutes"`
	SoloSessionSec  int `yaml:"solo_session_seconds"`
	AuthDeadlineSec int `yaml:"auth_deadline_seconds"`
}

func defaults() Config {
	return Config{
		Port:      "8000",
		LogLevel:  "info",
		LogFormat: "text",
		JWTSecret: "changeme",
		RedisDB:   0,
		Origins:   []string{"http://localhost:5173"},
		Deezer: DeezerConfig{
			BaseURL:        "https://api.deezer.com",
			TimeoutSec:     10,
			ChartTTLSec:    600,
			GenreTTLSec:    3600,
			ChartLimit:     50,
			MirrorTTLHours: 24,
		},
		Game: GameConfig{
			RoundSec:        30,
			ThinkSec:        10,
			RoomIdleMin:     30,
			SoloSessionSec:  300,
			AuthDeadlineSec: 10,
		},
	}
}

// Load builds the configuration.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	if origins := os.Getenv("FRONTEND_URL"); origins != "" {
		cfg.Origins = splitList(origins)
	}

	cfg.Deezer.BaseURL = strings.TrimRight(getEnv("DEEZER_BASE_URL", cfg.Deezer.BaseURL), "/")
	cfg.Deezer.TimeoutSec = getEnvInt("UPSTREAM_TIMEOUT_SECONDS", cfg.Deezer.TimeoutSec)
	cfg.Deezer.ChartTTLSec = getEnvInt("CHART_TTL_SECONDS", cfg.Deezer.ChartTTLSec)
	cfg.Deezer.GenreTTLSec = getEnvInt("GENRE_TTL_SECONDS", cfg.Deezer.GenreTTLSec)

	cfg.Game.RoundSec = getEnvInt("ROUND_SECONDS", cfg.Game.RoundSec)
	cfg.Game.ThinkSec = getEnvInt("THINK_SECONDS", cfg.Game.ThinkSec)
	cfg.Game.RoomIdleMin = getEnvInt("ROOM_IDLE_MINUTES", cfg.Game.RoomIdleMin)
	cfg.Game.SoloSessionSec = getEnvInt("SOLO_SESSION_SECONDS", cfg.Game.SoloSessionSec)
	cfg.Game.AuthDeadlineSec = getEnvInt("AUTH_DEADLINE_SECONDS", cfg.Game.AuthDeadlineSec)

	if cfg.Game.RoundSec <= 0 || cfg.Game.ThinkSec <= 0 {
		return nil, fmt.Errorf("round and think durations must be positive (round=%d think=%d)", cfg.Game.RoundSec, cfg.Game.ThinkSec)
	}
	return &cfg, nil
}

func (c *Config) RoundDuration() time.Duration { return seconds(c.Game.RoundSec) }
func (c *Config) ThinkDuration() time.Duration { return seconds(c.Game.ThinkSec) }
func (c *Config) RoomIdleTTL() time.Duration   { return time.Duration(c.Game.RoomIdleMin) * time.Minute }
func (c *Config) SoloSessionTTL() time.Duration {
	return seconds(c.Game.SoloSessionSec)
}
func (c *Config) AuthDeadline() time.Duration    { return seconds(c.Game.AuthDeadlineSec) }
func (c *Config) UpstreamTimeout() time.Duration { return seconds(c.Deezer.TimeoutSec) }
func (c *Config) ChartTTL() time.Duration        { return seconds(c.Deezer.ChartTTLSec) }
func (c *Config) GenreTTL() time.Duration        { return seconds(c.Deezer.GenreTTLSec) }
func (c *Config) MirrorTTL() time.Duration {
	return time.Duration(c.Deezer.MirrorTTLHours) * time.Hour
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
