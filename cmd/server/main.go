package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/kiemusic/internal/auth"
	"github.com/makeasinger/kiemusic/internal/client"
	"github.com/makeasinger/kiemusic/internal/config"
	"github.com/makeasinger/kiemusic/internal/handler"
	"github.com/makeasinger/kiemusic/internal/hub"
	"github.com/makeasinger/kiemusic/internal/middleware"
	"github.com/makeasinger/kiemusic/internal/reconcile"
	"github.com/makeasinger/kiemusic/internal/service"
	"github.com/makeasinger/kiemusic/internal/store"
	"github.com/makeasinger/kiemusic/internal/store/memory"
	"github.com/makeasinger/kiemusic/internal/store/postgres"
	"github.com/makeasinger/kiemusic/internal/store/sqlite"
	"github.com/makeasinger/kiemusic/internal/worker"
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config) error {
	if level, err := zerolog.ParseLevel(cfg.Server.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if cfg.Server.Env == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	eventHub := hub.New()

	kieClient := client.NewKieClient(&cfg.Kie)
	if !kieClient.IsConfigured() {
		log.Warn().Msg("KIE API key not configured, submissions will be rejected by the provider")
	}

	// R2 snapshot archiving is optional
	var archiver client.SnapshotArchiver
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Warn().Err(err).Msg("R2 client not initialized")
		} else {
			archiver = r2Client
		}
	} else {
		log.Info().Msg("R2 storage not configured, snapshots stay in the database only")
	}

	engine := reconcile.New(st, kieClient, eventHub, reconcile.Options{
		Interval:    cfg.Poll.Interval,
		MaxAttempts: cfg.Poll.MaxAttempts,
		Archiver:    archiver,
	})
	svc := service.NewGenerationService(st, kieClient, engine, eventHub, cfg.Dispatch.Concurrency)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	redisOK := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisOK = false
		log.Warn().Err(err).Msg("Redis not available, rate limiting disabled")
	}

	var workerSrv *asynq.Server
	if cfg.Dispatch.Mode == config.DispatchAsynq {
		asynqClient := asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		svc.UseQueue(asynqClient)

		workerSrv = newWorkerServer(cfg, redisOpt)
	}

	// Resume interrupted jobs before accepting new ones
	if _, err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	if workerSrv != nil {
		mux := asynq.NewServeMux()
		mux.HandleFunc(service.TaskTypeSubmit, worker.NewSubmitWorker(svc).ProcessTask)
		if err := workerSrv.Start(mux); err != nil {
			return fmt.Errorf("failed to start asynq worker: %w", err)
		}
	}

	// Zitadel JWKS verification is optional and falls back to the legacy secret
	var verifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			log.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			defer jwksVerifier.Close()
			verifier = jwksVerifier
		}
	}
	authenticator := auth.NewAuthenticator(verifier, cfg.JWT.Secret)
	if cfg.Gateway.Enabled {
		log.Info().Msg("gateway mode enabled, using header-based auth")
	}

	var rateLimiter *middleware.RateLimiter
	if redisOK {
		rateLimiter = middleware.NewRateLimiter(redisClient)
	}

	events := handler.NewEventsHandler(eventHub, handler.DefaultKeepAlive)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1024 * 1024,
	})
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	handler.SetupRouter(app, handler.RouterConfig{
		Service:       svc,
		Engine:        engine,
		Hub:           eventHub,
		Events:        events,
		Authenticator: authenticator,
		Gateway:       cfg.Gateway.Enabled,
		RateLimiter:   rateLimiter,
		SubmitPerHour: cfg.RateLimit.SubmitPerHour,
		Services: map[string]bool{
			"kie":   kieClient.IsConfigured(),
			"r2":    archiver != nil,
			"redis": redisOK,
			"queue": workerSrv != nil,
			"auth":  authenticator.Configured(),
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		log.Info().Str("addr", addr).Str("store", cfg.Database.Driver).Str("dispatch", cfg.Dispatch.Mode).Msg("server starting")
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		events.Close()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		if workerSrv != nil {
			workerSrv.Shutdown()
		}
		svc.Wait()
		// Loops stop without touching their jobs; the next start recovers them
		engine.Stop()
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, generations will not survive a restart")
		return memory.New(), nil
	case config.DriverPostgres:
		return postgres.Connect(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return sqlite.Open(cfg.DSN)
	}
}

func newWorkerServer(cfg *config.Config, opt asynq.RedisClientOpt) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Dispatch.Concurrency,
		Queues: map[string]int{
			service.QueueSubmit: 1,
		},
		Logger:   asynqLogger{},
		LogLevel: asynqLogLevel,
	})
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
