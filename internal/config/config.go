// Package config loads settings from the environment, reading a .env file
// first when one exists.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database. DatabaseURL wins over the discrete fields.
	DatabaseURL string
	DBHost      string
	DBPort      int
	DBUser      string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	DBMaxConns  int

	// Redis config. An unreachable Redis falls back to in-process leases and
	// disables rate limiting.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RateLimit     int

	AWSRegion   string
	AWSEndpoint string // LocalStack or another custom endpoint

	// Shared secret for the /v1 routes
	CronSecret string

	// Email transport
	EmailProvider   string
	EmailAPIKey     string
	EmailAPIBaseURL string
	EmailFrom       string

	// Rendering and routing
	NotificationsAdminEmail string
	PortalBaseURL           string
	FirmName                string
	ContactEmail            string

	// Scheduler
	SchedulerTimezone    string
	Location             *time.Location
	SchedulerConcurrency int
	PassLeaseTTL         time.Duration
	DefaultOffsetDays    int

	// Optional AWS integrations, disabled when empty
	SNSTopicARN    string
	ReviewQueueURL string

	MigrationsDir string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "accflow",
		DBName:     "accflow",
		DBSSLMode:  "disable",
		DBMaxConns: 10,

		RedisHost: "localhost",
		RedisPort: 6379,
		RateLimit: 60,

		AWSRegion: "eu-west-2",

		EmailProvider: "http",
		EmailFrom:     "reminders@accflow.local",

		PortalBaseURL: "http://localhost:3000",
		FirmName:      "Your Accountants",

		SchedulerTimezone:    "UTC",
		SchedulerConcurrency: 4,
		PassLeaseTTL:         10 * time.Minute,
		DefaultOffsetDays:    30,

		MigrationsDir: "migrations",
	}

	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = n
	}

	num("PORT", &cfg.Port)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)

	str("DATABASE_URL", &cfg.DatabaseURL)
	str("DB_HOST", &cfg.DBHost)
	num("DB_PORT", &cfg.DBPort)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)
	num("DB_MAX_CONNS", &cfg.DBMaxConns)

	str("REDIS_HOST", &cfg.RedisHost)
	num("REDIS_PORT", &cfg.RedisPort)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	num("RATE_LIMIT_PER_MINUTE", &cfg.RateLimit)

	str("AWS_REGION", &cfg.AWSRegion)
	str("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)
	str("CRON_SECRET", &cfg.CronSecret)

	str("EMAIL_PROVIDER", &cfg.EmailProvider)
	str("EMAIL_API_KEY", &cfg.EmailAPIKey)
	str("EMAIL_API_BASE_URL", &cfg.EmailAPIBaseURL)
	str("EMAIL_FROM", &cfg.EmailFrom)

	str("NOTIFICATIONS_ADMIN_EMAIL", &cfg.NotificationsAdminEmail)
	str("PORTAL_BASE_URL", &cfg.PortalBaseURL)
	str("FIRM_NAME", &cfg.FirmName)
	str("CONTACT_EMAIL", &cfg.ContactEmail)
	if cfg.ContactEmail == "" {
		cfg.ContactEmail = cfg.NotificationsAdminEmail
	}

	str("SCHEDULER_TIMEZONE", &cfg.SchedulerTimezone)
	num("SCHEDULER_CONCURRENCY", &cfg.SchedulerConcurrency)
	ttl := int(cfg.PassLeaseTTL / time.Second)
	num("PASS_LEASE_TTL_SECONDS", &ttl)
	cfg.PassLeaseTTL = time.Duration(ttl) * time.Second
	num("DEFAULT_OFFSET_DAYS", &cfg.DefaultOffsetDays)

	str("SNS_TOPIC_ARN", &cfg.SNSTopicARN)
	str("REVIEW_QUEUE_URL", &cfg.ReviewQueueURL)
	str("MIGRATIONS_DIR", &cfg.MigrationsDir)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	loc, err := time.LoadLocation(cfg.SchedulerTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if cfg.SchedulerConcurrency < 1 {
		return nil, fmt.Errorf("invalid SCHEDULER_CONCURRENCY: %d", cfg.SchedulerConcurrency)
	}
	if cfg.DefaultOffsetDays < 0 {
		return nil, fmt.Errorf("invalid DEFAULT_OFFSET_DAYS: %d", cfg.DefaultOffsetDays)
	}

	return cfg, nil
}

// ValidateEmail reports the settings a real send needs. It runs before every
// pass and test send.
func (c *Config) ValidateEmail() error {
	var errs []error
	if c.EmailFrom == "" {
		errs = append(errs, errors.New("EMAIL_FROM is required"))
	}
	switch c.EmailProvider {
	case "http":
		if c.EmailAPIKey == "" {
			errs = append(errs, errors.New("EMAIL_API_KEY is required for the http provider"))
		}
	case "ses", "log":
	default:
		errs = append(errs, fmt.Errorf("unknown EMAIL_PROVIDER %q", c.EmailProvider))
	}
	if c.PortalBaseURL == "" {
		errs = append(errs, errors.New("PORTAL_BASE_URL is required"))
	}
	return errors.Join(errs...)
}

// ValidateServer reports the settings the HTTP gateway needs.
func (c *Config) ValidateServer() error {
	if c.CronSecret == "" {
		return errors.New("CRON_SECRET is required")
	}
	return nil
}
