package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Journal backends.
const (
	JournalSQLite = "sqlite"
	JournalFile   = "file"
	JournalMemory = "memory"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DataDir     string
	DatabaseURL string // Postgres DSN; empty selects SQLite lite mode
	Journal     string

	BaselinePath    string
	RiskProfilePath string
	Staleness       time.Duration
	RefreshInterval time.Duration

	StrictIDs  bool
	MaxPayload int

	CORSOrigins    []string
	// RateRPS of zero turns per-client rate limiting off.
	RateRPS        float64
	RateBurst      int
	MaxInFlight    int
	ReadTimeoutMax time.Duration
	RedisAddr      string
	JWTSecret      string
	OTLPEndpoint   string

	// Warnings lists variables that were set but unparseable and fell back
	// to their defaults.
	Warnings []string
}

// Load loads configuration from environment variables.
func Load() *Config {
	l := &loader{}
	cfg := &Config{
		Port:        l.str("FOODTRACE_PORT", "8001"),
		LogLevel:    l.str("LOG_LEVEL", "INFO"),
		DataDir:     l.str("FOODTRACE_DATA_DIR", "data"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Journal:     strings.ToLower(l.str("FOODTRACE_JOURNAL", JournalSQLite)),

		BaselinePath:    os.Getenv("FOODTRACE_BASELINE"),
		RiskProfilePath: os.Getenv("FOODTRACE_RISK_PROFILE"),
		Staleness:       l.duration("FOODTRACE_STALENESS", 30*time.Second),
		RefreshInterval: l.duration("FOODTRACE_REFRESH_INTERVAL", 0),

		StrictIDs:  l.boolean("FOODTRACE_STRICT_IDS", true),
		MaxPayload: l.integer("FOODTRACE_MAX_PAYLOAD", 64<<10),

		CORSOrigins:    l.list("FOODTRACE_CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
		RateRPS:        l.float("FOODTRACE_RATE_RPS", 50),
		RateBurst:      l.integer("FOODTRACE_RATE_BURST", 100),
		MaxInFlight:    l.integer("FOODTRACE_MAX_INFLIGHT", 64),
		ReadTimeoutMax: l.duration("FOODTRACE_READ_TIMEOUT_MAX", 10*time.Second),
		RedisAddr:      os.Getenv("FOODTRACE_REDIS_ADDR"),
		JWTSecret:      os.Getenv("FOODTRACE_JWT_SECRET"),
		OTLPEndpoint:   os.Getenv("FOODTRACE_OTEL_ENDPOINT"),
	}

	switch cfg.Journal {
	case JournalSQLite, JournalFile, JournalMemory:
	default:
		l.warn("FOODTRACE_JOURNAL", cfg.Journal)
		cfg.Journal = JournalSQLite
	}
	cfg.Warnings = l.warnings
	return cfg
}

// Addr is the listen address.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

type loader struct {
	warnings []string
}

func (l *loader) warn(key, value string) {
	l.warnings = append(l.warnings, fmt.Sprintf("%s=%q is invalid, using default", key, value))
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		l.warn(key, v)
		return def
	}
	return d
}

func (l *loader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		l.warn(key, v)
		return def
	}
	return n
}

func (l *loader) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		l.warn(key, v)
		return def
	}
	return f
}

func (l *loader) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.warn(key, v)
		return def
	}
	return b
}

func (l *loader) list(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
