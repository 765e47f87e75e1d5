// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/oidomusical/rooms/internal/auth"
	"github.com/oidomusical/rooms/internal/cache"
	"github.com/oidomusical/rooms/internal/catalog"
	"github.com/oidomusical/rooms/internal/config"
	"github.com/oidomusical/rooms/internal/database"
	"github.com/oidomusical/rooms/internal/handlers"
	"github.com/oidomusical/rooms/internal/room"
	"github.com/oidomusical/rooms/internal/solo"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	configureLogger(logger, cfg)

	auth.Init(cfg.JWTSecret)
	if cfg.JWTSecret == "changeme" {
		logger.Warn("JWT_SECRET is not set, using the development default")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Friend checks need the account database.
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}
	pool, err := database.ConnectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("database: %v", err)
	}
	defer pool.Close()

	// The Redis mirror is optional; without it the catalogue cache is process-local.
	var mirror catalog.Mirror
	if cfg.RedisAddr != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.Warnf("redis unavailable, continuing without catalogue mirror: %v", err)
		} else {
			defer rdb.Close()
			mirror = cache.NewMirror(rdb, cfg.MirrorTTL())
			logger.Infof("catalogue mirror enabled at %s", cfg.RedisAddr)
		}
	}

	source := catalog.New(catalog.Options{
		BaseURL:    cfg.Deezer.BaseURL,
		Client:     &http.Client{Timeout: cfg.UpstreamTimeout()},
		ChartTTL:   cfg.ChartTTL(),
		GenreTTL:   cfg.GenreTTL(),
		ChartLimit: cfg.Deezer.ChartLimit,
		Mirror:     mirror,
		Logger:     logger,
	})

	rooms := room.NewRegistry(room.RegistryOptions{
		Friends: database.NewFriendGraph(pool),
		Drawer:  source,
		Settings: room.Settings{
			RoundDuration: cfg.RoundDuration(),
			ThinkDuration: cfg.ThinkDuration(),
			DrawTimeout:   cfg.UpstreamTimeout() + 5*time.Second,
		},
		IdleTTL: cfg.RoomIdleTTL(),
		Logger:  logger,
	})
	sessions := solo.NewRegistry(source, cfg.SoloSessionTTL())

	gs := handlers.NewGameServer(rooms, sessions, source, logger)
	gs.AuthDeadline = cfg.AuthDeadline()
	gs.Origins = cfg.Origins

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           gs.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Running on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server exited: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	rooms.Shutdown("The server is restarting")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("graceful shutdown failed: %v", err)
	}
}

func configureLogger(logger *logrus.Logger, cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
