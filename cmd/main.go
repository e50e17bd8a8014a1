/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/darajaclient: Client for the mobile-money payout API.
 * - pkg/advisory: Client for the optional matching/anomaly advisory service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chumapay/ledger-service/internal/api"
	"github.com/chumapay/ledger-service/internal/app"
	"github.com/chumapay/ledger-service/internal/config"
	"github.com/chumapay/ledger-service/internal/store"
	"github.com/chumapay/ledger-service/pkg/advisory"
	"github.com/chumapay/ledger-service/pkg/darajaclient"
	rmrabbit "github.com/chumapay/ledger-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalJWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal jwt secret must be configured\" env=INTERNAL_JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish ledger events. An unavailable
	// broker degrades to a no-op publisher; it never blocks startup.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the resolver cache and the withdrawal rate limiter. Missing or
	// unreachable Redis disables both; money movement continues.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; resolver cache and rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; resolver cache and rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; resolver cache and rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the payout gateway client.
	payoutClient := darajaclient.NewClient(darajaclient.Config{
		BaseURL:        cfg.DarajaBaseURL,
		ConsumerKey:    cfg.DarajaConsumerKey,
		ConsumerSecret: cfg.DarajaConsumerSecret,
		ShortCode:      cfg.DarajaShortCode,
		InitiatorName:  cfg.DarajaInitiatorName,
		Credential:     cfg.DarajaSecurityCredential,
		ResultURL:      cfg.DarajaResultURL,
		TimeoutURL:     cfg.DarajaTimeoutURL,
	})

	// The advisory service is optional. Without it the resolver stops at fuzzy
	// matching and the risk gate runs on heuristics alone.
	var advisoryClient *advisory.Client
	if strings.TrimSpace(cfg.AdvisoryBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"advisory service not configured; resolver and risk gate run without it\"")
	} else {
		advisoryClient = advisory.NewClient(cfg.AdvisoryBaseURL, cfg.AdvisoryAPIKey)
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Reference resolver with its optional Redis cache and advisory matcher.
	var resolutionCache app.ResolutionCache
	if redisClient != nil {
		resolutionCache = app.NewRedisResolutionCache(redisClient, cfg.RedisKeyPrefix)
	}
	var matcher app.AccountMatcher
	if advisoryClient != nil {
		matcher = advisoryClient
	}
	resolver := app.NewResolver(repository, resolutionCache, matcher, app.ResolverConfig{
		StripPrefixes:     cfg.StripPrefixes(),
		FuzzyThreshold:    cfg.FuzzyMatchThreshold,
		AdvisoryThreshold: cfg.AdvisoryThreshold,
		CacheTTL:          time.Duration(cfg.ResolverCacheTTLSec) * time.Second,
	})

	// Risk gate with its optional Redis rate limiter and advisory anomaly scorer.
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"invalid timezone; falling back to UTC\" timezone=%s err=%v", cfg.Timezone, err)
		location = time.UTC
	}
	var rateLimiter app.RateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
	}
	var anomaly app.AnomalyScorer
	if advisoryClient != nil {
		anomaly = advisoryClient
	}
	gate := app.NewGate(repository, rateLimiter, anomaly, app.RiskConfig{
		RateLimitPerWindow:    cfg.RateLimitPerMinute,
		RateLimitWindow:       time.Minute,
		PerTransactionCap:     config.DecimalSetting("PER_TRANSACTION_CAP", cfg.PerTransactionCap),
		DailyDebitCap:         config.DecimalSetting("DAILY_DEBIT_CAP", cfg.DailyDebitCap),
		LargeAmountThreshold:  config.DecimalSetting("LARGE_AMOUNT_THRESHOLD", cfg.LargeAmountThreshold),
		HourlyWithdrawalLimit: cfg.HourlyWithdrawalLimit,
		DailyWithdrawalLimit:  cfg.DailyWithdrawalLimit,
		AnomalyHoldThreshold:  cfg.AnomalyHoldScore,
		Location:              location,
	})

	// Initialize the core application service with its dependencies.
	ledgerService := app.NewService(repository, resolver, gate, payoutClient, producer)

	// Start the scheduled balance-invariant and stale-withdrawal sweep.
	auditor := app.NewAuditor(ledgerService, app.AuditorConfig{
		Schedule:           cfg.AuditSchedule,
		BatchSize:          cfg.AuditBatchSize,
		StaleWithdrawalAge: time.Duration(cfg.StaleWithdrawalHours) * time.Hour,
	})
	if err := auditor.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"audit scheduler start failed\" err=%v", err)
	}
	defer auditor.Stop()

	// Initialize the API handlers.
	ledgerHandlers := api.NewLedgerHandlers(ledgerService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/ledger", api.LedgerRoutes(ledgerHandlers, cfg.InternalJWTSecret))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Payout results also arrive over the broker for deployments where the
	// provider callback is routed through a gateway service. The consumer is
	// optional; the HTTP callback endpoints remain the primary path.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; payout results accepted over http only\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		payoutConsumer := app.NewPayoutResultConsumer(ledgerService)
		payoutBindings := map[string]rmrabbit.Handler{
			"payout.result.success": payoutConsumer.HandleMessage,
			"payout.result.failure": payoutConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings("chumapay.events", cfg.PayoutResultQueue, payoutBindings); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"payout consumer start failed; payout results accepted over http only\" err=%v", err)
		}
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
