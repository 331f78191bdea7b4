package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go-privchat/internal/chat"
	"go-privchat/internal/config"
	"go-privchat/internal/db"
	"go-privchat/internal/logger"
	"go-privchat/internal/media"
	myMiddleware "go-privchat/internal/middleware"
	"go-privchat/internal/presence"
	"go-privchat/internal/secrets"
	"go-privchat/internal/user"
)

func main() {
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// AWS is only needed for SSM secrets and the S3 media backend
	var awsCfg *aws.Config
	if cfg.JWTSecret == "" || cfg.MediaBackend == config.MediaBackendS3 {
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load AWS config")
		}
		awsCfg = &c
	}

	var params *secrets.ParamStore
	if cfg.JWTSecret == "" {
		if params, err = secrets.NewParamStore(ssm.NewFromConfig(*awsCfg)); err != nil {
			log.Fatal().Err(err).Msg("failed to create parameter store")
		}
	}
	jwtSecret, err := secrets.ResolveJWTSecret(ctx, cfg.JWTSecret, cfg.JWTSecretParam, params)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve JWT secret")
	}

	database, err := db.NewDatabase(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer database.Close()
	log.Info().Msg("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("database schema initialized")

	var (
		redisClient *redis.Client
		broker      chat.Broker
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer redisClient.Close()
		broker = chat.NewRedisBroker(redisClient, log)
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis, cross-instance delivery enabled")
	} else {
		log.Info().Msg("REDIS_ADDR not set, delivering in-process only")
	}

	var blobs media.BlobStore
	switch cfg.MediaBackend {
	case config.MediaBackendS3:
		blobs, err = media.NewS3Store(s3.NewFromConfig(*awsCfg), cfg.MediaBucket, "attachments/")
	default:
		blobs, err = media.NewFSStore(cfg.MediaDir)
	}
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.MediaBackend).Msg("failed to initialize media store")
	}
	ingest := media.NewIngest(blobs, cfg.PublicBaseURL, cfg.MaxAttachmentBytes, cfg.MaxAttachments, log)

	userService := user.NewService(user.NewRepository(database.Conn), jwtSecret, cfg.TokenTTL)
	userHandler := user.NewHandler(userService, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	hub := chat.NewHub(presence.NewRegistry(), broker, log)
	go hub.Run(ctx)

	chatService := chat.NewService(chat.NewRepository(database.Conn), ingest, hub, log)
	chatHandler := chat.NewHandler(hub, chatService, ingest, authMiddleware, cfg.MaxRequestBytes(), cfg.AllowedOrigins, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(myMiddleware.Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	// Public routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/media/{key}", chatHandler.ServeMedia)
	r.Get("/health", healthHandler(database, redisClient))
	r.Handle("/metrics", promhttp.Handler())

	// The socket accepts anonymous clients; they can authenticate in-band.
	r.With(authMiddleware.Optional).Get("/ws", chatHandler.ServeWs)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Post("/messages", chatHandler.SendMessage)
		r.Post("/api/messages", chatHandler.SendMessage)
		r.Get("/api/messages", chatHandler.GetChatHistory)
		r.Get("/api/messages/export", chatHandler.ExportHistory)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Str("env", cfg.Env).Msg("starting privchat server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}

func healthHandler(database *db.Database, rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok", "postgres": "ok"}
		code := http.StatusOK
		if err := database.Ping(ctx); err != nil {
			status["postgres"] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
		if rdb != nil {
			status["redis"] = "ok"
			if err := rdb.Ping(ctx).Err(); err != nil {
				status["redis"] = err.Error()
				status["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}
