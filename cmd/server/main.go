package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"study-portal/internal/api/handlers"
	"study-portal/internal/api/routes"
	"study-portal/internal/config"
	"study-portal/internal/models"
	"study-portal/internal/repository"
	"study-portal/internal/services"
	"study-portal/internal/websocket"
	"study-portal/pkg/database"
	"study-portal/pkg/jwt"
	"study-portal/pkg/logging"
	"study-portal/pkg/metrics"
	"study-portal/pkg/ratelimit"
	"study-portal/pkg/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger := logging.Must(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
}

// issueToken prints a signed token for a portal or another API client.
func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	clientID := fs.String("client", "portal", "client id carried in the token")
	role := fs.String("role", jwt.RoleEditor, "editor or viewer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *role != jwt.RoleEditor && *role != jwt.RoleViewer {
		return fmt.Errorf("unknown role %q", *role)
	}

	token, err := jwt.NewJWTUtil(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer).GenerateToken(*clientID, *role)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, storage, closeStorage, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStorage()

	// Redis carries the change feed to portals that subscribe to it and backs
	// the rate limiter. It is optional.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(cfg.Redis, logger)
		defer func() { _ = redisClient.Close() }()

		healthStatus := redisClient.HealthCheck()
		if healthStatus.IsConnected {
			logger.Info("Redis connected", zap.String("addr", healthStatus.ConnectionInfo))
		} else {
			logger.Warn("Redis connection failed, will retry automatically", zap.String("error", healthStatus.Error))
		}
	}

	hub := websocket.NewHub(cfg.Server.AllowedOrigins, logger)
	hub.Start()
	defer hub.Stop()

	publisher := services.MultiPublisher{hub}
	if redisClient != nil {
		publisher = append(publisher, redisClient)
	}
	recordService := services.NewRecordService(repo, publisher, logger)

	var limiter ratelimit.RateLimiter
	if cfg.Server.RateLimit {
		limitConfig := ratelimit.DefaultConfig()
		if n := cfg.Server.WritesPerMinute; n > 0 {
			write := limitConfig.Limits[ratelimit.CategoryWrite]
			write.RequestsPerMinute = n
			write.BurstSize = min(write.BurstSize, n)
			limitConfig.Limits[ratelimit.CategoryWrite] = write
		}
		if redisClient != nil {
			limiter = ratelimit.NewRedisRateLimiter(redisClient.GetClient(), limitConfig)
		} else {
			memory := ratelimit.NewMemoryRateLimiter(limitConfig)
			defer memory.Stop()
			limiter = memory
		}
	}

	collector := metrics.NewCollector("study_portal_server")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), collector.Middleware())
	router.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))

	routes.SetupRoutes(router, routes.Dependencies{
		Records: recordService,
		Hub:     hub,
		JWT:     jwt.NewJWTUtil(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer),
		Storage: storage,
		Limiter: limiter,
		Metrics: collector,
		Redis:   redisClient,
		Logger:  logger,
	})

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", zap.String("port", cfg.Server.Port), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStorage connects the configured record store and returns its
// repository, a health probe and a close function.
func openStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (repository.RecordRepository, handlers.StoragePinger, func(), error) {
	switch cfg.Driver {
	case "mongo":
		db, err := database.Connect(ctx, cfg.MongoURI, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := repository.NewMongoRecordRepository(db)
		if err := repo.CreateIndexes(ctx); err != nil {
			logger.Warn("Failed to create indexes", zap.Error(err))
		}
		pinger := handlers.PingFunc{Driver: "mongo", Fn: func(ctx context.Context) error {
			return database.Health(ctx, db)
		}}
		closeFn := func() {
			if err := database.Disconnect(db.Client()); err != nil {
				logger.Warn("Failed to disconnect from MongoDB", zap.Error(err))
			}
		}
		return repo, pinger, closeFn, nil

	default:
		db, err := database.OpenSQLite(cfg.SQLitePath, false, &models.Record{})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		logger.Info("Opened SQLite database", zap.String("path", cfg.SQLitePath))
		pinger := handlers.PingFunc{Driver: "sqlite", Fn: func(ctx context.Context) error {
			return database.PingSQL(ctx, db)
		}}
		closeFn := func() {
			if err := database.CloseSQL(db); err != nil {
				logger.Warn("Failed to close SQLite database", zap.Error(err))
			}
		}
		return repository.NewSQLRecordRepository(db), pinger, closeFn, nil
	}
}

func corsConfig(allowedOrigins []string) cors.Config {
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
	}

	// Handle wildcard origin for development
	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	return corsConfig
}
