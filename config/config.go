package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	Live     LiveConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/classlive?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds STUN/TURN ICE server URLs handed to joining clients.
type WebRTCConfig struct {
	ICEUrls      []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
	TURNUsername string
	TURNPassword string
}

// LiveConfig holds the live-session coordination tunables.
type LiveConfig struct {
	GracePeriodSec       int // reconnection grace window after a drop
	TokenTTLMin          int // reconnection token lifetime
	MaxReconnectAttempts int
	SessionMaxHours      int // hard ceiling before the reaper force-ends a session
	ReaperIntervalMin    int
	QualityHistorySize   int
	BreakoutRetentionMin int // closed breakout config kept queryable this long
	BreakoutWarningSec   int // closing-soon warning lead before auto-close
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// GracePeriod returns the reconnection grace window as a duration.
func (c LiveConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSec) * time.Second
}

// TokenTTL returns the reconnection token lifetime as a duration.
func (c LiveConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMin) * time.Minute
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/classlive?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "classlive"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls:      splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
			TURNUsername: getEnv("WEBRTC_TURN_USERNAME", ""),
			TURNPassword: getEnv("WEBRTC_TURN_PASSWORD", ""),
		},
		Live: LiveConfig{
			GracePeriodSec:       getEnvInt("LIVE_GRACE_PERIOD_SEC", 120),
			TokenTTLMin:          getEnvInt("LIVE_TOKEN_TTL_MIN", 30),
			MaxReconnectAttempts: getEnvInt("LIVE_MAX_RECONNECT_ATTEMPTS", 5),
			SessionMaxHours:      getEnvInt("LIVE_SESSION_MAX_HOURS", 6),
			ReaperIntervalMin:    getEnvInt("LIVE_REAPER_INTERVAL_MIN", 5),
			QualityHistorySize:   getEnvInt("LIVE_QUALITY_HISTORY_SIZE", 30),
			BreakoutRetentionMin: getEnvInt("LIVE_BREAKOUT_RETENTION_MIN", 5),
			BreakoutWarningSec:   getEnvInt("LIVE_BREAKOUT_WARNING_SEC", 60),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
