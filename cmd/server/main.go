package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/dispatch-engine/internal/api"
	"github.com/ignite/dispatch-engine/internal/config"
	"github.com/ignite/dispatch-engine/internal/esp"
	"github.com/ignite/dispatch-engine/internal/pkg/distlock"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
	"github.com/ignite/dispatch-engine/internal/render"
	"github.com/ignite/dispatch-engine/internal/repository/memory"
	"github.com/ignite/dispatch-engine/internal/repository/postgres"
	"github.com/ignite/dispatch-engine/internal/service/analytics"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
	"github.com/ignite/dispatch-engine/internal/service/recipient"
	"github.com/ignite/dispatch-engine/internal/service/sending"
	"github.com/ignite/dispatch-engine/internal/storage"
	"github.com/ignite/dispatch-engine/internal/tracking"
	"github.com/ignite/dispatch-engine/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v", addr, err)
	}
	return ln.Close()
}

// stores bundles the repositories the services run on.
type stores struct {
	campaigns  campaign.Repository
	deliveries campaign.DeliveryRepository
	totals     analytics.Totals
	templates  campaign.TemplateStore
	contacts   interface {
		recipient.ContactStore
		analytics.ContactCounter
	}
}

func openStores(cfg config.DatabaseConfig) (*stores, *sql.DB, error) {
	if cfg.URL == "" {
		log.Println("DATABASE_URL not set, using in-memory stores")
		repo := memory.NewCampaignRepo()
		return &stores{
			campaigns:  repo,
			deliveries: repo,
			totals:     repo,
			templates:  memory.NewTemplateRepo(),
			contacts:   memory.NewContactRepo(),
		}, nil, nil
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	repo := postgres.NewCampaignRepo(db)
	return &stores{
		campaigns:  repo,
		deliveries: repo,
		totals:     repo,
		templates:  postgres.NewTemplateRepo(db),
		contacts:   postgres.NewContactRepo(db),
	}, db, nil
}

func openRedis(url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newArchiver(ctx context.Context, cfg config.AuditConfig) (campaign.Archiver, error) {
	switch cfg.Type {
	case "local":
		local, err := storage.NewLocalStore(cfg.LocalPath)
		if err != nil {
			return nil, err
		}
		return storage.New(local, nil, cfg.Prefix), nil
	case "aws":
		return storage.NewAWS(ctx, storage.AWSConfig{
			Bucket:  cfg.Bucket,
			Table:   cfg.Table,
			Region:  cfg.Region,
			Profile: cfg.Profile,
			Prefix:  cfg.Prefix,
		})
	}
	return nil, nil
}

func newSender(ctx context.Context, cfg config.TransportConfig) (sending.Sender, error) {
	return esp.New(ctx, esp.Config{
		Kind: cfg.Kind,
		SMTP: esp.SMTPConfig{
			URL:       cfg.SMTP.URL,
			User:      cfg.SMTP.User,
			Pass:      cfg.SMTP.Pass,
			FromName:  cfg.FromName,
			FromEmail: cfg.FromEmail,
		},
		SES: esp.SESConfig{
			Region:           cfg.SES.Region,
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			FromName:         cfg.FromName,
			FromEmail:        cfg.FromEmail,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		},
	})
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	log.Println("Campaign dispatch engine starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, db, err := openStores(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	if db != nil {
		defer db.Close()
		log.Println("Connected to PostgreSQL")
	}

	redisClient, err := openRedis(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
		log.Println("Connected to Redis, distributed locks enabled")
	}
	locks := distlock.NewFactory(redisClient)

	sender, err := newSender(ctx, cfg.Transport)
	if err != nil {
		log.Fatalf("Failed to initialize %s transport: %v", cfg.Transport.Kind, err)
	}
	log.Printf("Transport: %s", cfg.Transport.Kind)

	var limiter worker.Limiter
	if cfg.Dispatch.RateLimited() {
		if redisClient == nil {
			log.Fatalf("dispatch rate limits require redis.url")
		}
		limiter = worker.NewRateLimiter(redisClient, cfg.Transport.Kind, worker.RateLimit{
			PerSecond: cfg.Dispatch.RatePerSecond,
			PerMinute: cfg.Dispatch.RatePerMinute,
			PerDay:    cfg.Dispatch.RatePerDay,
		})
		log.Printf("Send rate limits: %d/s %d/min %d/day",
			cfg.Dispatch.RatePerSecond, cfg.Dispatch.RatePerMinute, cfg.Dispatch.RatePerDay)
	}

	pool := worker.NewPool(worker.Config{
		Concurrency:    cfg.Dispatch.Concurrency,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		BaseDelay:      cfg.Dispatch.BaseDelay,
		MaxDelay:       cfg.Dispatch.MaxDelay,
	}, sender, render.New(), limiter)

	archiver, err := newArchiver(ctx, cfg.Audit)
	if err != nil {
		log.Fatalf("Failed to initialize audit archive: %v", err)
	}
	if archiver != nil {
		log.Printf("Audit archive enabled (%s)", cfg.Audit.Type)
	}

	campaignSvc := campaign.NewService(campaign.Deps{
		Campaigns:  st.campaigns,
		Deliveries: st.deliveries,
		Templates:  st.templates,
		Contacts:   st.contacts,
		Pool:       pool,
		Locks:      locks,
		Archiver:   archiver,
	})
	analyticsSvc := analytics.NewService(campaignSvc, st.totals, st.contacts,
		analytics.ParseDeliveredMode(cfg.Tracking.DeliveredTracking))

	var scheduler *worker.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler = worker.NewScheduler(campaignSvc, locks, cfg.Scheduler.Interval)
		if err := scheduler.Start(ctx); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	}

	// Events go through SQS when a queue is configured so the webhook path and
	// the consumer share one idempotent write path.
	var publisher tracking.EventPublisher = tracking.Direct(campaignSvc)
	var consumer *tracking.Consumer
	if cfg.Tracking.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Tracking.Region))
		if err != nil {
			log.Fatalf("Failed to load AWS config for tracking queue: %v", err)
		}
		sqsClient := sqs.NewFromConfig(awsCfg)
		publisher = tracking.NewPublisher(sqsClient, cfg.Tracking.QueueURL)
		consumer = tracking.NewConsumer(sqsClient, cfg.Tracking.QueueURL, campaignSvc)
		consumer.Start(ctx)
	}
	var signer *tracking.Signer
	if cfg.Tracking.SigningKey != "" {
		signer = tracking.NewSigner(cfg.Tracking.SigningKey)
	}

	router := api.SetupRoutes(api.NewHandlers(campaignSvc, analyticsSvc), api.RouteOptions{
		Health:      api.NewHealthChecker(db, redisClient),
		Tracking:    tracking.NewHandler(publisher, signer),
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	server := api.NewServer(router)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if scheduler != nil {
		scheduler.Stop()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if consumer != nil {
		consumer.Stop()
	}
	if err := campaignSvc.Shutdown(shutdownCtx); err != nil {
		log.Printf("Dispatch runs still active at shutdown: %v", err)
	}
	cancel()
	log.Println("Server stopped")
}
