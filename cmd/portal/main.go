package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"study-portal/internal/config"
	"study-portal/internal/portal"
	"study-portal/pkg/feed"
	"study-portal/pkg/logging"
	"study-portal/pkg/metrics"
	"study-portal/pkg/redis"
	"study-portal/pkg/remote"
	"study-portal/pkg/workspace"

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

	logger := logging.Must(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Portal stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsConfig, err := cfg.Sync.Workspace()
	if err != nil {
		return fmt.Errorf("invalid sync configuration: %w", err)
	}

	remoteConfig := remote.DefaultConfig(cfg.Sync.ServerURL)
	remoteConfig.Token = cfg.Sync.Token
	remoteConfig.Timeout = cfg.Sync.RequestTimeout
	api := remote.NewClient(remoteConfig, logger.Named("remote"))

	collector := metrics.NewCollector("study_portal")
	opts := []workspace.Option{workspace.WithMetrics(collector)}

	switch cfg.Sync.FeedSource {
	case "websocket":
		opts = append(opts, workspace.WithFeed(&feed.WebSocketSource{
			URL:   cfg.Sync.FeedURL,
			Token: cfg.Sync.Token,
		}))
	case "redis":
		redisClient := redis.NewClient(cfg.Redis, logger)
		defer func() { _ = redisClient.Close() }()
		opts = append(opts, workspace.WithFeed(&feed.RedisSource{
			Client:  redisClient,
			Channel: redisClient.Channel(),
		}))
	default:
		logger.Warn("No change feed configured; entries refresh only on expiry and local edits")
	}

	ws := workspace.New(api, api, wsConfig, logger, opts...)
	defer ws.Close()
	if err := ws.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), collector.Middleware())
	router.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))
	portal.NewHandler(ws, cfg.Server.AllowedOrigins, logger.Named("portal")).Register(router, collector)

	srv := &http.Server{Addr: ":" + cfg.Server.PortalPort, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Portal starting",
			zap.String("port", cfg.Server.PortalPort),
			zap.String("server", cfg.Sync.ServerURL),
			zap.String("feed", cfg.Sync.FeedSource),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		statuses := ws.WatchFeed(8)
		if statuses == nil {
			return nil
		}
		defer statuses.Close()
		for {
			select {
			case s, ok := <-statuses.C():
				if !ok {
					return nil
				}
				logger.Info("Change feed status", zap.Stringer("status", s))
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down portal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func corsConfig(allowedOrigins []string) cors.Config {
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Protocol"},
		ExposeHeaders: []string{"Content-Length"},
	}
	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = allowedOrigins
		corsConfig.AllowCredentials = true
	}
	return corsConfig
}
