package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/middlewares"
	"github.com/verenigingen/eboekhouden/migration"
	"github.com/verenigingen/eboekhouden/models"
	"github.com/verenigingen/eboekhouden/store"
	"github.com/verenigingen/eboekhouden/utils"
	"github.com/verenigingen/eboekhouden/workflow"
)

const (
	defaultPort  = "8080"
	pushPath     = "/pubsub/eboekhouden-run"
	subscription = "eboekhouden-run-push"
)

func main() {
	port := os.Getenv("EBOEKHOUDEN_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Handlers close over svc; its dependencies are filled in once the backends are up.
	svc := migration.NewService(nil, nil)
	var ready atomic.Bool

	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware(uuid.NewString))
	r.Use(func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		if !ready.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api/eboekhouden", middlewares.SessionMiddleware(), middlewares.AuthMiddleware())
	svc.RegisterRoutes(api)
	api.POST("/logout", middlewares.LogoutHandler())

	r.POST(pushPath, svc.PushHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	if err := config.ConnectDatabaseWithRetry(0); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err)
	}
	if err := config.ConnectRedisWithRetry(0); err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Fatal(err)
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !config.EnvBool("SKIP_MIGRATIONS", false) {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	gormStore := store.NewGormStore(db)
	svc.Store = gormStore
	svc.Messages = gormStore
	svc.Locker = &workflow.RedisRunLocker{Client: config.GetRedisLock()}
	svc.Progress = &migration.RedisProgress{Client: config.GetRedisDB()}
	svc.Cancel = &migration.RedisCancelFlag{Client: config.GetRedisDB()}
	svc.Logger = logger

	if config.InlineRuns() {
		logger.WithFields(logrus.Fields{"field": "queue"}).Warn("EBOEKHOUDEN_INLINE_RUNS=true; runs execute in this process")
	} else {
		svc.Queue = migration.PubSubQueue{Topic: config.RunTopicName()}
		defer config.ClosePubSub()
		if endpoint := strings.TrimSpace(os.Getenv("EBOEKHOUDEN_PUSH_ENDPOINT")); endpoint != "" {
			if err := ensurePushSubscription(sigCtx, endpoint); err != nil {
				config.LogError(logger, "main", "main", "ensure push subscription", endpoint, err)
			}
		}
	}

	if bucket := config.ReportBucket(); bucket != "" {
		client, err := utils.GetGCSClient(sigCtx)
		if err != nil {
			config.LogError(logger, "main", "main", "report storage client", bucket, err)
		} else {
			defer client.Close()
			svc.Reports = client
			svc.ReportBucket = bucket
		}
	}

	ready.Store(true)
	logger.WithFields(logrus.Fields{"port": port}).Info("eboekhouden service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// ensurePushSubscription points the run topic at this service.
func ensurePushSubscription(ctx context.Context, endpoint string) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, config.RunTopicName())
	if err != nil {
		return err
	}
	sub, err := config.CreatePushSubscriptionIfNotExists(ctx, client, subscription, topic, strings.TrimRight(endpoint, "/")+pushPath)
	if err != nil {
		return err
	}
	config.GetLogger().WithFields(logrus.Fields{"subscription": sub.ID(), "topic": topic.ID()}).Info("push subscription ready")
	return nil
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(utils.LogFields(c.Request.Context())).WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(start).String(),
		}).Info("request")
	}
}
