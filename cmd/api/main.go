package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/orchids/queuepulse/internal/config"
	"github.com/orchids/queuepulse/internal/handler"
	"github.com/orchids/queuepulse/internal/metrics"
	"github.com/orchids/queuepulse/internal/service"
	"github.com/orchids/queuepulse/internal/store"
	"github.com/orchids/queuepulse/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Environment, cfg.LogLevel)
	log.Info(context.Background(), "Starting queue telemetry API", map[string]interface{}{
		"environment": cfg.Server.Environment,
		"port":        cfg.Server.Port,
	})

	redisClient, err := initRedis(cfg)
	if err != nil {
		log.Fatal(context.Background(), "Failed to initialize Redis", err, nil)
	}
	defer redisClient.Close()
	log.Info(context.Background(), "Redis connection established", nil)

	st := store.New(redisClient, cfg.Metrics.KeyPrefix)
	ledger := metrics.NewLedger(st, cfg.Metrics, log)
	aggregator := metrics.NewAggregator(ledger, cfg.Metrics, log)
	baselines := metrics.NewBaselineEngine(st, ledger, cfg.Baseline, log)
	deviations := metrics.NewDeviationDetector(ledger, baselines, cfg.Deviation, log)
	trends := metrics.NewTrendEngine(st, cfg.Trend, log)
	heartbeats := metrics.NewHeartbeatEngine(st, cfg.Heartbeat, log)
	serverMetrics := service.NewServerMetricsService(30*time.Second, log)

	metricsHandler := handler.NewMetricsHandler(
		ledger, aggregator, baselines, deviations, trends, heartbeats, serverMetrics, log)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggerMiddleware(log))

	router.GET("/health", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unhealthy",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	api := router.Group("/api")
	metricsHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(context.Background(), "HTTP server failed", err, nil)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(context.Background(), "Shutting down API server...", nil)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(context.Background(), "Forced shutdown", map[string]interface{}{"error": err.Error()})
	}

	log.Info(context.Background(), "API server exited gracefully", nil)
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return client, nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info(c.Request.Context(), "request completed", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
