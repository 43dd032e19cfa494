package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string
	Env        string
	Store      string // "postgres" or "memory"

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisURL  string
	JWTSecret string

	KafkaBrokers   []string
	KafkaPushTopic string

	SendRateLimit  int64
	SendRateWindow time.Duration
	SendRetryDelay time.Duration

	BroadcastConcurrency int
	BroadcastPlanTTL     time.Duration

	RetentionEnabled bool
	RetentionCron    string
	RetentionDays    int

	OTELEndpoint string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		Env:        getEnv("APP_ENV", "development"),
		Store:      getEnv("STORE", "postgres"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "courtside"),
		DBPassword: getEnv("DB_PASSWORD", "courtside_dev_password"),
		DBName:     getEnv("DB_NAME", "courtside"),

		RedisURL:  getEnv("REDIS_URL", ""),
		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),

		KafkaBrokers:   splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaPushTopic: getEnv("KAFKA_PUSH_TOPIC", "messages.created"),

		SendRateLimit:  int64(getInt("SEND_RATE_LIMIT", 30)),
		SendRateWindow: getDuration("SEND_RATE_WINDOW", 10*time.Second),
		SendRetryDelay: getDuration("SEND_RETRY_DELAY", 250*time.Millisecond),

		BroadcastConcurrency: getInt("BROADCAST_CONCURRENCY", 8),
		BroadcastPlanTTL:     getDuration("BROADCAST_PLAN_TTL", 10*time.Minute),

		RetentionEnabled: getEnv("RETENTION_ENABLED", "false") == "true",
		RetentionCron:    getEnv("RETENTION_CRON", "0 3 * * *"),
		RetentionDays:    getInt("RETENTION_DAYS", 90),

		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}

func getEnv(key, fallback string) string {
	val, exists := os.LookupEnv(key)

	if exists {
		return val
	}

	return fallback
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
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
