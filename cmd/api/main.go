package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime-chat/internal/config"
	"realtime-chat/internal/db"
	"realtime-chat/internal/email"
	apihttp "realtime-chat/internal/http"
	"realtime-chat/internal/realtime"
	"realtime-chat/internal/repository"
	"realtime-chat/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			logger.Warn("redis ping failed", zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		}
		cancel()
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	feed, err := newFeed(ctx, cfg, pool, redisClient, logger)
	if err != nil {
		logger.Fatal("feed init", zap.Error(err))
	}
	defer feed.Close()

	userRepo := repository.NewPgUserRepository(pool)
	profileRepo := repository.NewPgProfileRepository(pool)
	conversationRepo := repository.NewPgConversationRepository(pool)
	messageRepo := repository.NewPgMessageRepository(pool)

	emailSender := email.NewDisabledSender("email sender not configured")
	if cfg.EmailLogCodes {
		emailSender = email.NewLogSender(logger)
	}
	if cfg.SMTPHost != "" {
		sender, err := email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPFrom, cfg.SMTPFromName, cfg.SMTPUseTLS)
		if err != nil {
			logger.Warn("smtp sender init failed", zap.Error(err))
		} else {
			emailSender = sender
		}
	}

	var (
		resendLimiter service.RateLimiter
		tokenStore    service.RefreshTokenStore
	)
	if redisClient != nil {
		resendLimiter = service.NewRedisRateLimiter(redisClient, "chat:resend:", 10*time.Minute, 3)
		tokenStore = service.NewRedisRefreshTokenStore(redisClient)
	} else {
		resendLimiter = service.NewRateLimiter(10*time.Minute, 3)
		tokenStore = service.NewMemoryRefreshTokenStore()
	}
	jwtSvc := service.NewJWTServiceWithStore(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute,
		time.Duration(cfg.JWTRefreshTTLMinutes)*time.Minute,
		tokenStore,
	)
	if cfg.JWTSecret == "" {
		logger.Warn("jwt secret not configured")
	}

	userSvc := service.NewUserService(logger, userRepo, emailSender, resendLimiter, feed)
	profileSvc := service.NewProfileService(profileRepo)
	conversationSvc := service.NewConversationService(conversationRepo)
	messageSvc := service.NewMessageService(messageRepo, conversationSvc, feed, logger)

	router := apihttp.NewRouter(
		logger,
		apihttp.JWTAuthMiddleware(jwtSvc),
		apihttp.NewUserHandler(logger, userSvc, jwtSvc),
		apihttp.NewProfileHandler(logger, profileSvc),
		apihttp.NewChatHandler(logger, conversationSvc, messageSvc),
		apihttp.NewRealtimeHandler(logger, feed, conversationSvc),
		func(ctx context.Context) error { return db.Ping(ctx, pool) },
	)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Cerrar el feed primero termina los websockets abiertos.
		_ = feed.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort), zap.String("feed", cfg.FeedDriver))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newFeed(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, redisClient *redis.Client, logger *zap.Logger) (realtime.Feed, error) {
	switch cfg.FeedDriver {
	case config.FeedDriverRedis:
		if redisClient == nil {
			return nil, errors.New("redis feed requires REDIS_ADDR")
		}
		return realtime.NewRedisFeed(ctx, redisClient, logger)
	case config.FeedDriverPostgres:
		return realtime.NewPostgresFeed(pool, logger), nil
	case config.FeedDriverMemory, "":
		return realtime.NewHub(logger), nil
	}
	return nil, errors.New("unknown feed driver: " + cfg.FeedDriver)
}
