// Package app wires configuration into the reminder components shared by
// the gateway and the one-shot binary.
package app

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/fcarle/accflow/internal/alerts"
	"github.com/fcarle/accflow/internal/circuitbreaker"
	"github.com/fcarle/accflow/internal/config"
	"github.com/fcarle/accflow/internal/db"
	"github.com/fcarle/accflow/internal/dispatch"
	"github.com/fcarle/accflow/internal/email"
	"github.com/fcarle/accflow/internal/gaps"
	"github.com/fcarle/accflow/internal/metrics"
	"github.com/fcarle/accflow/internal/redis"
	"github.com/fcarle/accflow/internal/render"
	"github.com/fcarle/accflow/internal/scheduler"
	"github.com/fcarle/accflow/internal/sns"
	"github.com/fcarle/accflow/internal/sqs"
)

// App holds the wired components.
type App struct {
	DB          *db.DB
	Repo        *db.Repository
	Redis       *redis.Client // nil when Redis is unreachable
	RateLimiter *redis.RateLimiter
	Breaker     *circuitbreaker.CircuitBreaker
	Scheduler   *scheduler.Scheduler
	Gaps        *gaps.Detector
	Alerts      *alerts.Service

	logger *zap.Logger
}

// New connects to the database and optional services and builds the
// components. Optional services that fail to initialize are logged and
// left out.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &App{
		DB:     database,
		Repo:   db.NewRepository(database, logger),
		logger: logger,
	}

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, using in-process leases and no rate limiting",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var locker scheduler.Locker = scheduler.NewLocalLocker()
	if redisClient != nil {
		a.Redis = redisClient
		locker = redis.NewLeaseService(redisClient, logger, "accflow:lease")
		a.RateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: time.Minute,
		})
	}

	mailer, err := email.New(ctx, email.Config{
		Provider:   cfg.EmailProvider,
		From:       cfg.EmailFrom,
		APIKey:     cfg.EmailAPIKey,
		APIBaseURL: cfg.EmailAPIBaseURL,
		Region:     cfg.AWSRegion,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create mailer: %w", err)
	}

	breakerCfg := circuitbreaker.DefaultConfig("email")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	a.Breaker = circuitbreaker.New(breakerCfg, logger)
	protected := circuitbreaker.NewProtectedMailer(mailer, a.Breaker, logger)

	var queue dispatch.ReviewQueue
	if cfg.ReviewQueueURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{Region: cfg.AWSRegion, QueueURL: cfg.ReviewQueueURL}, logger)
		if err != nil {
			logger.Warn("review queue unavailable, drafts will not be announced", zap.Error(err))
		} else {
			queue = producer
		}
	}

	var publisher scheduler.SummaryPublisher
	if cfg.SNSTopicARN != "" {
		p, err := newPublisher(ctx, cfg)
		if err != nil {
			logger.Warn("sns publisher unavailable, pass summaries disabled", zap.Error(err))
		} else {
			publisher = p
		}
	}

	router := dispatch.NewRouter(protected, a.Repo, queue, dispatch.Config{AdminCC: cfg.NotificationsAdminEmail}, logger)
	renderer := render.New(render.Config{
		PortalBaseURL: cfg.PortalBaseURL,
		FirmName:      cfg.FirmName,
		ContactEmail:  cfg.ContactEmail,
	})

	a.Scheduler = scheduler.New(a.Repo, renderer, router, locker, publisher, scheduler.Config{
		Location:    cfg.Location,
		Concurrency: cfg.SchedulerConcurrency,
		LeaseTTL:    cfg.PassLeaseTTL,
		CheckConfig: cfg.ValidateEmail,
	}, logger)
	a.Gaps = gaps.New(a.Repo, cfg.Location, logger)
	a.Alerts = alerts.NewService(a.Repo, alerts.Config{
		Location:          cfg.Location,
		DefaultOffsetDays: cfg.DefaultOffsetDays,
	}, logger)

	logger.Info("reminder components initialized",
		zap.String("email_provider", cfg.EmailProvider),
		zap.Bool("redis", a.Redis != nil),
		zap.Bool("review_queue", queue != nil),
		zap.Bool("pass_summaries", publisher != nil),
		zap.String("timezone", cfg.Location.String()),
	)

	return a, nil
}

func newPublisher(ctx context.Context, cfg *config.Config) (*sns.Publisher, error) {
	if cfg.AWSEndpoint != "" {
		return sns.NewPublisherWithEndpoint(ctx, cfg.SNSTopicARN, cfg.AWSEndpoint, cfg.AWSRegion)
	}
	return sns.NewPublisher(ctx, cfg.SNSTopicARN, awsconfig.WithRegion(cfg.AWSRegion))
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	a.DB.Close()
}
