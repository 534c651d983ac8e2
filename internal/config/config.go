package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App struct {
		ENV string
	}

	Log struct {
		Level     string
		Format    string
		Component string
		Source    bool
	}

	DB struct {
		Driver   string
		DSN      string
		Host     string
		Port     string
		User     string
		Password string
		Name     string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	GRPC struct {
		Host string
		Port string
	}

	HTTP struct {
		Host           string
		Port           string
		AllowedOrigins []string
	}

	Auth struct {
		Secret   string
		TokenTTL time.Duration
	}

	// Battle timing rules shared by the engine and the sweeper.
	Battle struct {
		VotingWindow  time.Duration
		AcceptWindow  time.Duration
		TallyCacheTTL time.Duration
	}

	Sweep struct {
		Interval  time.Duration
		BatchSize int
		LockTTL   time.Duration
		UseLock   bool
	}
}

func New() *Config {
	// .env is optional; real environment variables always win.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.App.ENV = getEnvDefault("APP_ENV", "production")

	// Logger
	cfg.Log.Level = getEnvDefault("LOG_LEVEL", "info")
	cfg.Log.Format = getEnvDefault("LOG_FORMAT", "text")
	cfg.Log.Component = getEnvDefault("LOG_COMPONENT", "battle_server")
	cfg.Log.Source = isTruthy(os.Getenv("LOG_SOURCE"))

	// Database
	cfg.DB.Driver = getEnvDefault("DB_DRIVER", "mysql")
	cfg.DB.DSN = os.Getenv("MYSQL_DSN")
	if cfg.DB.Driver == "sqlite" {
		cfg.DB.DSN = getEnvDefault("SQLITE_DSN", "file:battles.db?_busy_timeout=5000")
	}
	if cfg.DB.DSN == "" {
		cfg.DB.Host = getEnvDefault("DB_HOST", "localhost")
		cfg.DB.Port = getEnvDefault("DB_PORT", "3306")
		cfg.DB.User = getEnvDefault("DB_USER", "root")
		cfg.DB.Password = getEnvDefault("DB_PASSWORD", "root")
		cfg.DB.Name = getEnvDefault("DB_NAME", "battles")

		cfg.DB.DSN = fmt.Sprintf(
			"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
			cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name,
		)
	}

	// Redis
	cfg.Redis.Addr = getEnvDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvDefault("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// gRPC
	cfg.GRPC.Host = getEnvDefault("GRPC_HOST", "127.0.0.1")
	cfg.GRPC.Port = getEnvDefault("GRPC_PORT", "50051")

	// HTTP (websocket + health)
	cfg.HTTP.Host = getEnvDefault("HTTP_HOST", "127.0.0.1")
	cfg.HTTP.Port = getEnvDefault("HTTP_PORT", "8080")
	cfg.HTTP.AllowedOrigins = splitList(getEnvDefault("HTTP_ALLOWED_ORIGINS", "*"))

	// Auth
	cfg.Auth.Secret = getEnvDefault("JWT_SECRET", "dev-secret-change-me")
	cfg.Auth.TokenTTL = getEnvDuration("JWT_TTL", 24*time.Hour)

	// Battle
	cfg.Battle.VotingWindow = getEnvDuration("BATTLE_VOTING_WINDOW", 24*time.Hour)
	cfg.Battle.AcceptWindow = getEnvDuration("BATTLE_ACCEPT_WINDOW", 2*time.Hour)
	cfg.Battle.TallyCacheTTL = getEnvDuration("BATTLE_TALLY_CACHE_TTL", 5*time.Second)

	// Sweeper
	cfg.Sweep.Interval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.Sweep.BatchSize = getEnvInt("SWEEP_BATCH_SIZE", 100)
	cfg.Sweep.LockTTL = getEnvDuration("SWEEP_LOCK_TTL", 30*time.Second)
	cfg.Sweep.UseLock = isTruthy(getEnvDefault("SWEEP_USE_LOCK", "true"))

	return cfg
}

func getEnvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if n, err := strconv.Atoi(getEnvDefault(k, "")); err == nil {
		return n
	}
	return def
}

func getEnvDuration(k string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnvDefault(k, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
