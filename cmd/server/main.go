// Package main runs the live classroom coordination server with WebSocket
// signaling and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/classlive/backend/config"
	"github.com/classlive/backend/internal/auth"
	"github.com/classlive/backend/internal/live"
	"github.com/classlive/backend/internal/middleware"
	"github.com/classlive/backend/internal/realtime"
	"github.com/classlive/backend/internal/sessions"
	"github.com/classlive/backend/pkg/database"
	"github.com/classlive/backend/pkg/redis"
	"github.com/classlive/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.WebRTC.ICEUrls))
	for _, u := range cfg.WebRTC.ICEUrls {
		if u == "" {
			continue
		}
		srv := webrtc.ICEServer{URLs: []string{u}}
		if cfg.WebRTC.TURNUsername != "" {
			srv.Username = cfg.WebRTC.TURNUsername
			srv.Credential = cfg.WebRTC.TURNPassword
		}
		iceServers = append(iceServers, srv)
	}

	liveCfg := live.DefaultConfig()
	liveCfg.GracePeriod = cfg.Live.GracePeriod()
	liveCfg.TokenTTL = cfg.Live.TokenTTL()
	liveCfg.MaxReconnectAttempts = cfg.Live.MaxReconnectAttempts
	liveCfg.MaxSessionDuration = time.Duration(cfg.Live.SessionMaxHours) * time.Hour
	liveCfg.ReaperInterval = time.Duration(cfg.Live.ReaperIntervalMin) * time.Minute
	liveCfg.QualityHistorySize = cfg.Live.QualityHistorySize
	liveCfg.BreakoutRetention = time.Duration(cfg.Live.BreakoutRetentionMin) * time.Minute
	liveCfg.BreakoutWarningLead = time.Duration(cfg.Live.BreakoutWarningSec) * time.Second

	sessionRepo := sessions.NewRepository(pool)
	coordinator := live.NewCoordinator(liveCfg, sessionRepo, hub, iceServers, logger)
	sessionHandler := sessions.NewHandler(sessionRepo, coordinator, logger)

	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()
	go coordinator.RunReaper(reaperCtx)

	authenticate := func(token string) (realtime.Principal, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return realtime.Principal{}, err
		}
		return realtime.Principal{UserID: claims.UserID, DisplayName: claims.DisplayName}, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// ICE config for clients bootstrapping a peer connection before the
	// WebSocket is up.
	router.GET("/ice-servers", func(c *gin.Context) {
		response.OK(c, gin.H{"ice_servers": coordinator.ICEServers()})
	})

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/classes/:id/sessions", sessionHandler.Schedule)
		api.GET("/classes/:id/sessions", sessionHandler.ListByClass)
		api.GET("/sessions/:id", sessionHandler.GetByID)
		api.GET("/sessions/:id/participants", sessionHandler.Participants)
		api.GET("/sessions/:id/disconnected", sessionHandler.Disconnected)
		api.GET("/sessions/:id/quality", sessionHandler.Quality)
		api.GET("/sessions/:id/participants/:userId/quality", sessionHandler.ParticipantQuality)
		api.GET("/sessions/:id/breakouts", sessionHandler.Breakouts)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, coordinator, logger, authenticate))

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

	reaperCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
