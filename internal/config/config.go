package config

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	UsageBackendPostgres = "postgres"
	UsageBackendRedis    = "redis"

	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
)

type Config struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	RunMigrations  bool

	LogLevel  string
	LogPretty bool

	UsageBackend string
	RedisAddr    string
	TierLimits   map[string]int

	TypingTimeout  time.Duration
	EventRate      float64
	EventBurst     int
	PresenceShards int
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, splitCSV(value)...)
	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret decodes to an empty key")
	}

	return key, nil
}

// LoadDotEnv loads variables from an env file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}

	return nil
}

// Load defines the server flags on flags, with defaults taken from the
// environment, parses args and validates the result.
func Load(flags *flag.FlagSet, args []string) (*Config, error) {
	var (
		addr, driver, dsn, signingKey string
		logLevel, usageBackend        string
		redisAddr, tierLimits         string
		allowedOrigins                stringSliceFlag
		logPretty, migrations         bool
		typingTimeout                 time.Duration
		eventRate                     float64
		eventBurst, shards            int
	)

	allowedOrigins = splitCSV(getenv("ALLOWED_ORIGINS", ""))

	flags.StringVar(&addr, "addr", getenv("SERVER_ADDR", "localhost:8000"), "server address")
	flags.StringVar(&driver, "db-driver", getenv("DB_DRIVER", "postgres"), "database/sql driver: postgres or pgx")
	flags.StringVar(&dsn, "dsn", getenv("DB_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flags.StringVar(&signingKey, "signing-key", getenv("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flags.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flags.BoolVar(&migrations, "migrate", getbool("RUN_MIGRATIONS", true), "apply database migrations on startup")
	flags.StringVar(&logLevel, "log-level", getenv("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flags.BoolVar(&logPretty, "log-pretty", getbool("LOG_PRETTY", false), "human readable console logs")
	flags.StringVar(&usageBackend, "usage-backend", getenv("USAGE_BACKEND", UsageBackendPostgres), "usage counter store: postgres or redis")
	flags.StringVar(&redisAddr, "redis-addr", getenv("REDIS_ADDR", "localhost:6379"), "redis address for the redis usage backend")
	flags.StringVar(&tierLimits, "tier-limits", getenv("TIER_LIMITS", "free=50,pro=500,premium=-1"), "monthly message limits per tier, -1 is unlimited")
	flags.DurationVar(&typingTimeout, "typing-timeout", getdur("TYPING_TIMEOUT", 3*time.Second), "quiet period after which a typing indicator expires")
	flags.Float64Var(&eventRate, "event-rate", getfloat("EVENT_RATE", 10), "inbound websocket events per second per connection")
	flags.IntVar(&eventBurst, "event-burst", getint("EVENT_BURST", 20), "inbound websocket event burst per connection")
	flags.IntVar(&shards, "presence-shards", getint("PRESENCE_SHARDS", 16), "number of presence and room partitions")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		return nil, err
	}

	limits, err := ParseTierLimits(tierLimits)
	if err != nil {
		return nil, err
	}

	cfg.DatabaseDriver = driver
	cfg.RunMigrations = migrations
	cfg.LogLevel = strings.ToLower(logLevel)
	cfg.LogPretty = logPretty
	cfg.UsageBackend = strings.ToLower(usageBackend)
	cfg.RedisAddr = redisAddr
	cfg.TierLimits = limits
	cfg.TypingTimeout = typingTimeout
	cfg.EventRate = eventRate
	cfg.EventBurst = eventBurst
	cfg.PresenceShards = shards

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDriver: "postgres",
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		LogLevel:       "info",
		UsageBackend:   UsageBackendPostgres,
		TierLimits:     map[string]int{"free": 50},
		TypingTimeout:  3 * time.Second,
		EventRate:      10,
		EventBurst:     20,
		PresenceShards: 16,
	}, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}

	switch c.UsageBackend {
	case UsageBackendPostgres:
	case UsageBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty with the redis usage backend")
		}
	default:
		return fmt.Errorf("unsupported usage backend %q", c.UsageBackend)
	}

	if c.TypingTimeout <= 0 {
		return fmt.Errorf("typing timeout must be positive")
	}
	if c.EventRate <= 0 || c.EventBurst < 1 {
		return fmt.Errorf("event rate must be positive and burst at least 1")
	}
	if c.PresenceShards < 1 {
		return fmt.Errorf("presence shards must be at least 1")
	}

	return nil
}

// ParseTierLimits parses "free=3,pro=100,premium=-1". A "free" entry is required
// since it is the fallback for unknown tiers.
func ParseTierLimits(s string) (map[string]int, error) {
	limits := make(map[string]int)
	for _, pair := range splitCSV(s) {
		tier, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid tier limit %q", pair)
		}

		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < -1 {
			return nil, fmt.Errorf("invalid limit for tier %q: %q", tier, value)
		}

		limits[strings.ToLower(strings.TrimSpace(tier))] = n
	}

	if _, ok := limits["free"]; !ok {
		return nil, fmt.Errorf("tier limits must include the free tier")
	}

	return limits, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
