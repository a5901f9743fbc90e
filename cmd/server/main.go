package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"github.com/pingline/pingline-backend/internal/breaker"
	"github.com/pingline/pingline-backend/internal/cache"
	"github.com/pingline/pingline-backend/internal/handlers"
	"github.com/pingline/pingline-backend/internal/handlers/ws"
	"github.com/pingline/pingline-backend/internal/locking"
	"github.com/pingline/pingline-backend/internal/middleware"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/repository"
	"github.com/pingline/pingline-backend/internal/service"
	"github.com/pingline/pingline-backend/internal/status"
	"github.com/pingline/pingline-backend/internal/transport"
	"github.com/sirupsen/logrus"
)

type resyncMessages interface {
	MessagesForRecipientSince(recipientID uint, since time.Time, limit int) ([]models.Message, error)
}

type resyncQueue interface {
	DrainForUser(ctx context.Context, userID uint) (int, error)
}

type resyncTransport interface {
	Deliver(ctx context.Context, userID uint, payload interface{}) error
}

// resyncSink pushes missed messages to a freshly recovered connection and
// drains the user's offline queue.
type resyncSink struct {
	messages resyncMessages
	offline  resyncQueue
	hub      resyncTransport
}

func (s *resyncSink) OnRecovered(ctx context.Context, userID uint, since time.Time) {
	// Replay in batches until the backlog is exhausted; the cursor follows
	// the last delivered message so a long gap is never cut short.
	cursor := since
	for {
		missed, err := s.messages.MessagesForRecipientSince(userID, cursor, service.DrainBatchSize)
		if err != nil {
			logrus.WithError(err).WithField("user_id", userID).Warn("resync fetch failed")
			break
		}
		delivered := 0
		for i := range missed {
			if err := s.hub.Deliver(ctx, userID, missed[i].ToResponse()); err != nil {
				break
			}
			cursor = missed[i].CreatedAt
			delivered++
		}
		if delivered < len(missed) || len(missed) < service.DrainBatchSize {
			break
		}
	}
	if _, err := s.offline.DrainForUser(ctx, userID); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("post-recovery drain failed")
	}
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using system environment variables")
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(lvl)
	}

	if os.Getenv("JWT_SECRET") == "" {
		logrus.Fatal("JWT_SECRET is required")
	}

	app := fiber.New(fiber.Config{
		AppName:   "Pingline Backend",
		BodyLimit: 1 * 1024 * 1024, // 1MB, text messages only
	})

	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     os.Getenv("ALLOWED_ORIGINS"),
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowMethods:     "GET, POST, OPTIONS",
		AllowCredentials: true,
	}))

	db, err := repository.InitDB()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	// Redis is best-effort: caches degrade gracefully when it is absent.
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if parsedDB, err := strconv.Atoi(dbStr); err == nil {
			redisDB = parsedDB
		}
	}
	redisCache := cache.NewRedisCache(redisAddr, os.Getenv("REDIS_PASSWORD"), redisDB)
	if err := redisCache.Ping(); err != nil {
		logrus.WithError(err).Warn("Redis connection failed, running without cache")
		redisCache = nil
	} else {
		logrus.Info("Redis cache connected")
	}

	messageCache := cache.NewMessageCache(redisCache)
	presenceCache := cache.NewPresenceCache(redisCache)
	receiptCache := cache.NewReceiptCache(redisCache)

	messageRepo := repository.NewMessageRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	presenceRepo := repository.NewPresenceRepository(db)

	locks := locking.NewLockManager()
	cb := breaker.New()
	hub := ws.NewHub()

	statusMgr := status.NewManager(messageRepo, locks, hub)
	messageService := service.NewMessageService(messageRepo, locks, statusMgr)

	webhookTimeout := service.DeliveryTimeout
	fallback := transport.NewWebhookFallback(os.Getenv("PUSH_WEBHOOK_URL"), webhookTimeout)

	retryManager := service.NewRetryManager(messageRepo, queueRepo, statusMgr, cb, hub, fallback)
	offlineQueue := service.NewOfflineQueueService(queueRepo, statusMgr, hub)
	receipts := service.NewReadReceiptService(messageRepo, statusMgr, receiptCache, hub)
	presence := service.NewPresenceService(presenceCache, presenceRepo, hub)
	syncService := service.NewSyncService(hub)
	delivery := service.NewDeliveryService(messageService, statusMgr, presence, retryManager, offlineQueue, messageCache, hub)

	// A reconnect probe succeeds once the user holds a live session again.
	probe := func(ctx context.Context, userID uint, connectionID string) error {
		if hub.IsOnline(userID) {
			return nil
		}
		return errors.New("no live session")
	}
	recovery := service.NewRecoveryService(probe, &resyncSink{
		messages: messageService,
		offline:  offlineQueue,
		hub:      hub,
	})

	wsHandler := handlers.NewWebSocketHandler(hub, delivery, messageService, receipts, syncService, presence, recovery, offlineQueue)
	messageHandler := handlers.NewMessageHandler(delivery, messageService, receipts, retryManager, messageCache)
	presenceHandler := handlers.NewPresenceHandler(presence)

	// Background workers
	ctx := context.Background()
	retryManager.StartWorker(ctx, 5*time.Second, 50)
	offlineQueue.StartSweeper(ctx, time.Hour)
	presence.StartSweeper(ctx, 30*time.Second)
	syncService.StartGC(ctx, time.Minute)
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if purged, err := messageService.PurgeOldFailed(); err != nil {
				logrus.WithError(err).Warn("failed message purge error")
			} else if purged > 0 {
				logrus.WithField("purged", purged).Info("purged old failed messages")
			}
		}
	}()

	api := app.Group("/api")

	protected := api.Group("/", middleware.AuthRequired())
	protected.Post("/messages", limiter.New(limiter.Config{
		Max:        60,
		Expiration: time.Minute,
	}), messageHandler.SendMessage)
	protected.Get("/messages", messageHandler.GetMessages)
	protected.Post("/messages/:id/requeue", messageHandler.RequeueMessage)
	protected.Post("/conversations/:peer_id/read", messageHandler.MarkConversationRead)
	protected.Get("/presence/:user_id", presenceHandler.GetPresence)

	// WebSocket route (websocket upgrade needs special handling)
	app.Use(
		"/ws",
		middleware.AuthRequired(),
		func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		},
	)
	app.Get("/ws", websocket.New(wsHandler.HandleWebSocket))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"message": "Pingline is running",
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logrus.WithField("port", port).Info("Server starting")
	if err := app.Listen(":" + port); err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}
}
