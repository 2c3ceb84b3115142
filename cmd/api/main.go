package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/handlers"
	"crash-mines-backend/internal/middleware"
	"crash-mines-backend/internal/services"
)

func main() {
	log := logrus.New()

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setupLogger(log, cfg)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func setupLogger(log *logrus.Logger, cfg *config.Config) {
	if cfg.LogFormat == "json" || (cfg.LogFormat == "" && cfg.IsProduction()) {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

func run(cfg *config.Config, log *logrus.Logger) error {
	redisService, err := services.NewRedisService(cfg)
	if err != nil {
		return err
	}
	defer redisService.Close()

	var ledger services.Ledger = redisService
	if cfg.LedgerBackend == config.LedgerPostgres {
		pg, err := services.OpenPostgresLedger(cfg.DatabaseURL, cfg.DBAutoMigrate)
		if err != nil {
			return err
		}
		ledger = pg
	}
	log.WithField("backend", cfg.LedgerBackend).Info("ledger ready")

	if cfg.AllowDevIdentity {
		log.WithField("dev_bypass", true).Warn("development identity enabled")
	}

	hub := handlers.NewHub(log)
	fairness := services.NewFairness()
	settlement := services.NewSettlement(ledger, redisService, log)
	crash := services.NewCrashGame(cfg, fairness, settlement, hub, redisService, redisService, log)
	mines := services.NewMinesEngine(cfg, fairness, settlement, hub, redisService, redisService, log)

	jwtService := services.NewJWTService(cfg)
	identity := services.NewTokenVerifier(jwtService, cfg.AllowDevIdentity, log)

	wsHandler := handlers.NewWebSocketHandler(hub, crash, mines, ledger, identity, redisService, log)
	authHandler := handlers.NewAuthHandler(ledger, services.NewTelegramVerifier(cfg.BotToken), jwtService, cfg.SignupBonusStars, cfg.AllowDevIdentity, log)
	userHandler := handlers.NewUserHandler(ledger, crash, mines)
	gameHandler := handlers.NewGameHandler(cfg, crash, mines, settlement, redisService)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log), middleware.CORS())

	router.GET("/health", func(c *gin.Context) {
		if err := redisService.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/auth/telegram", authHandler.Authenticate)
	router.GET("/ws", wsHandler.HandleWebSocket)

	public := router.Group("/api")
	{
		public.GET("/crash/state", gameHandler.GetCrashState)
		public.GET("/crash/history", gameHandler.GetCrashHistory)
		public.GET("/mines/multipliers", gameHandler.GetMinesMultipliers)

		audit := public.Group("/fairness")
		{
			audit.GET("/rounds/:id", gameHandler.GetRoundRecord)
			audit.GET("/mines/:id", gameHandler.GetMinesRecord)
			audit.POST("/verify", gameHandler.VerifyGame)
		}
	}

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(jwtService), middleware.RateLimitMiddleware(redisService, 120, time.Minute, log))
	{
		protected.GET("/me", userHandler.GetCurrentUser)
		protected.GET("/transactions", userHandler.GetTransactions)
		protected.GET("/mines/active", gameHandler.GetActiveMines)
	}

	if cfg.OpsToken == "" {
		log.Warn("OPS_TOKEN not set, operator routes are closed")
	}
	ops := router.Group("/api/ops")
	ops.Use(middleware.OpsMiddleware(cfg.OpsToken, log))
	{
		ops.GET("/reconcile", gameHandler.GetReconcileStatus)
		ops.POST("/reconcile", gameHandler.RunReconcile)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := crash.Init(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return crash.Run(gctx) })
	g.Go(func() error { return settlement.RunReconciler(gctx, cfg.ReconcileInterval) })
	g.Go(func() error {
		log.Infof("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	settlement.Wait()
	if pending := settlement.Pending(); len(pending) > 0 {
		log.WithField("count", len(pending)).Warn("shutting down with unreconciled credits")
	}
	return err
}
