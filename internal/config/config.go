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
	UserID   string
	Location *time.Location

	Logging struct {
		Dir   string
		Level string
	}
	Redis struct {
		Addr   string
		Prefix string
	}
	DB struct {
		DSN string
	}
	Kafka struct {
		Brokers []string
		Topic   string
		GroupID string
	}
	Telegram struct {
		BotToken  string
		ChatID    int64
		RateLimit int
	}
	API struct {
		Port     string
		BasePath string
	}
	Notification struct {
		QueueSize  int
		MaxWorkers int
	}
	Retry struct {
		MaxAttempts int
		BaseDelay   time.Duration
		MaxDelay    time.Duration
		Interval    time.Duration
	}
	History struct {
		Retention  time.Duration
		MaxBackups int
		CronSpec   string
	}
	Adherence struct {
		WindowDays int
		CacheTTL   time.Duration
	}
}

// Load reads .env if present, then the environment, applies defaults and
// validates required settings.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (Config, error) {
	var cfg Config
	var errs []string
	intVar := func(key string, dst *int, def int) {
		*dst = def
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				errs = append(errs, fmt.Sprintf("%s must be a positive integer", key))
				return
			}
			*dst = n
		}
	}
	durVar := func(key string, dst *time.Duration, def time.Duration) {
		*dst = def
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				errs = append(errs, fmt.Sprintf("%s must be a positive duration", key))
				return
			}
			*dst = d
		}
	}

	cfg.UserID = os.Getenv("USER_ID")

	cfg.Location = time.Local
	if tz := os.Getenv("TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Sprintf("TIMEZONE %q: %v", tz, err))
		} else {
			cfg.Location = loc
		}
	}

	cfg.Logging.Dir = getenv("LOG_DIR", "logs")
	cfg.Logging.Level = getenv("LOG_LEVEL", "info")

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Prefix = getenv("REDIS_PREFIX", "notifier")

	cfg.DB.DSN = os.Getenv("DB_DSN")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	cfg.Kafka.Topic = getenv("KAFKA_TOPIC", "notification_events")
	cfg.Kafka.GroupID = getenv("KAFKA_GROUP_ID", "protocol-notifier")

	cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, "TELEGRAM_CHAT_ID must be an integer")
		}
		cfg.Telegram.ChatID = id
	}
	intVar("TELEGRAM_RATE_LIMIT", &cfg.Telegram.RateLimit, 1)

	cfg.API.Port = getenv("API_PORT", ":9191")
	cfg.API.BasePath = getenv("API_BASE_PATH", "/api/v0")

	intVar("QUEUE_SIZE", &cfg.Notification.QueueSize, 500)
	intVar("MAX_WORKERS", &cfg.Notification.MaxWorkers, 4)

	intVar("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts, 5)
	durVar("RETRY_BASE_DELAY", &cfg.Retry.BaseDelay, time.Minute)
	durVar("RETRY_MAX_DELAY", &cfg.Retry.MaxDelay, time.Hour)
	durVar("RETRY_INTERVAL", &cfg.Retry.Interval, 30*time.Second)

	var retentionDays int
	intVar("HISTORY_RETENTION_DAYS", &retentionDays, 30)
	cfg.History.Retention = time.Duration(retentionDays) * 24 * time.Hour
	intVar("HISTORY_MAX_BACKUPS", &cfg.History.MaxBackups, 5)
	cfg.History.CronSpec = getenv("HISTORY_CLEANUP_CRON", "0 3 * * *")

	intVar("ADHERENCE_WINDOW_DAYS", &cfg.Adherence.WindowDays, 14)
	durVar("ADHERENCE_CACHE_TTL", &cfg.Adherence.CacheTTL, time.Hour)

	missing := []string{}
	if cfg.UserID == "" {
		missing = append(missing, "USER_ID")
	}
	if cfg.Redis.Addr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required configurations: %v", missing)
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// TelegramEnabled reports whether both bot token and chat id are set.
func (c Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != 0
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
