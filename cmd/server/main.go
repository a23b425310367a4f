// Package main runs the live classroom HTTP server with the signaling relay and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-learn/liveclass/config"
	"github.com/aura-learn/liveclass/internal/apperrors"
	"github.com/aura-learn/liveclass/internal/auth"
	"github.com/aura-learn/liveclass/internal/courses"
	"github.com/aura-learn/liveclass/internal/enrollments"
	"github.com/aura-learn/liveclass/internal/livesession"
	"github.com/aura-learn/liveclass/internal/meeting"
	"github.com/aura-learn/liveclass/internal/middleware"
	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/internal/notify"
	"github.com/aura-learn/liveclass/internal/realtime"
	"github.com/aura-learn/liveclass/internal/users"
	"github.com/aura-learn/liveclass/pkg/database"
	"github.com/aura-learn/liveclass/pkg/queue"
	"github.com/aura-learn/liveclass/pkg/redis"
	"github.com/aura-learn/liveclass/pkg/response"
	"github.com/aura-learn/liveclass/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger level comes from config, so fall back to a default one here
		newLogger("info").Fatal("load config", zap.Error(err))
	}
	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, database.PoolOptions{
		DSN:             cfg.Database.DSN(),
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Meeting providers
	meetings := meeting.NewRegistry(strings.TrimRight(cfg.Email.AppBaseURL, "/") + "/live")
	if cfg.Zego.Enabled() {
		zego, err := meeting.NewZego(meeting.ZegoConfig{
			AppID:        cfg.Zego.AppID,
			ServerSecret: cfg.Zego.ServerSecret,
			JoinBaseURL:  cfg.Zego.JoinBaseURL,
			TokenTTL:     cfg.Zego.TokenTTL,
		})
		if err != nil {
			logger.Warn("zego provider disabled", zap.Error(err))
		} else {
			meetings.Register(models.ProviderZego, zego)
		}
	}

	ice := livesession.NewICEProvider(cfg.WebRTC.ICEUrls, cfg.WebRTC.TURNUrls, cfg.WebRTC.TURNSecret, cfg.WebRTC.CredentialTTL)

	// Live sessions
	sessionRepo := livesession.NewRepository(pool)
	svc := livesession.NewService(
		sessionRepo,
		enrollments.NewRepository(pool),
		courses.NewRepository(pool),
		meetings,
		ice,
		livesession.Options{
			HeartbeatInterval: cfg.Live.HeartbeatInterval,
			MutationRetries:   cfg.Live.MutationRetries,
			SignalingPath:     cfg.Live.SignalingPath,
		},
		logger.With(zap.String("component", "livesession")),
	)

	// Signaling relay, fanned out across instances through Redis
	reaper := realtime.NewReaper(cfg.Live.DisconnectGrace, svc, logger)
	relay := realtime.NewRelay(realtime.NewRedisBus(rdb.Client, logger), reaper, logger.With(zap.String("component", "relay")))
	defer relay.Close()
	svc.SetBroadcaster(relay)
	svc.SetDisconnectTimers(reaper)

	// Notifications are delivered by cmd/worker
	jobQueue := queue.NewQueue(rdb.Client, logger)
	svc.SetNotifier(notify.NewDispatcher(users.NewRepository(pool), jobQueue, cfg.Email.AppBaseURL, logger))

	if cfg.AWS.ExportsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("attendance export disabled", zap.Error(err))
		} else {
			svc.SetExportStore(s3Client)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			response.Error(c, apperrors.Unavailable("database unreachable"))
			return
		}
		if err := rdb.Healthy(ctx); err != nil {
			response.Error(c, apperrors.Unavailable("redis unreachable"))
			return
		}
		response.OK(c, gin.H{"status": "ok", "signaling_clients": relay.Clients()})
	})

	// Signaling (key in query; no Authorization header required)
	router.GET(cfg.Live.SignalingPath, realtime.ServeWs(relay, svc, logger))

	// Protected API (JWT required)
	live := router.Group("/live")
	live.Use(middleware.JWT(jwtService))
	livesession.NewHandler(svc).Register(live, cfg.Live.RequestTimeout)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		config.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, _ := config.Build()
	return logger
}
