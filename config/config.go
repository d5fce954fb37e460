// Package config loads relay configuration from the environment (.env file
// if present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment    string
	Host           string
	Port           string
	LogLevel       string
	AllowedOrigins []string

	// STUN servers handed to mesh clients; no TURN relay is configured.
	STUNServers []string
	// PendingTimeout bounds peer negotiation before teardown.
	PendingTimeout time.Duration

	Redis RedisConfig

	DB struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
	}

	WSReadBufferSize  int
	WSWriteBufferSize int

	// WorkerConcurrency sizes the background task pool.
	WorkerConcurrency int
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Load reads configuration from the environment, applying development
// defaults.
func Load() *Config {
	_ = godotenv.Load()

	readBuf, _ := strconv.Atoi(getEnv("WS_READ_BUFFER_SIZE", "1024"))
	writeBuf, _ := strconv.Atoi(getEnv("WS_WRITE_BUFFER_SIZE", "1024"))
	concurrency, _ := strconv.Atoi(getEnv("WORKER_CONCURRENCY", "10"))
	pendingSecs, _ := strconv.Atoi(getEnv("PENDING_TIMEOUT_SECONDS", "30"))

	cfg := &Config{
		Environment:       getEnv("ENVIRONMENT", "development"),
		Host:              getEnv("HOST", "0.0.0.0"),
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
		STUNServers:       splitList(getEnv("STUN_SERVERS", "stun:stun.l.google.com:19302")),
		PendingTimeout:    time.Duration(pendingSecs) * time.Second,
		WSReadBufferSize:  readBuf,
		WSWriteBufferSize: writeBuf,
		WorkerConcurrency: concurrency,
	}
	cfg.Redis = RedisConfig{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       0,
	}
	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "3306")
	cfg.DB.User = getEnv("DB_USER", "liveclass")
	// No default: Validate rejects an empty password in production.
	cfg.DB.Password = os.Getenv("DB_PASSWORD")
	cfg.DB.Database = getEnv("DB_DATABASE", "liveclass")
	return cfg
}

// Validate checks required fields and production safety.
func (c *Config) Validate() error {
	if c.DB.Host == "" {
		return errors.New("config: DB_HOST is required")
	}
	if c.DB.Database == "" {
		return errors.New("config: DB_DATABASE is required")
	}
	if c.Environment == "production" && c.DB.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	return nil
}

// DSN returns the MySQL connection string for GORM.
func (c *Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Database)
}

// RedisAddr returns host:port for Redis clients.
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + c.Redis.Port
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
