// cmd/api/main.go
// Main entry point for the notification service
// This file bootstraps all components and starts the server

package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/imadgeboyega/studyhub-backend/internal/auth"
	"github.com/imadgeboyega/studyhub-backend/internal/common/database"
	"github.com/imadgeboyega/studyhub-backend/internal/common/logger"
	"github.com/imadgeboyega/studyhub-backend/internal/common/security"
	"github.com/imadgeboyega/studyhub-backend/internal/common/utils"
	"github.com/imadgeboyega/studyhub-backend/internal/config"
	"github.com/imadgeboyega/studyhub-backend/internal/notification"
)

var startTime = time.Now()

type job interface {
	Start(ctx context.Context)
	Stop()
}

func main() {
	// 1. Load environment variables
	envErr := godotenv.Load()

	// 2. Load and validate configuration
	cfg := config.Load()

	// 3. Logger
	log, err := logger.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	log.Info("========================================")
	log.Info("🚀 Starting StudyHub Notification Service")
	log.Info("========================================")

	if envErr != nil {
		log.Warn("📁 Step 1: No .env file found, using environment variables", zap.Error(envErr))
	} else {
		log.Info("📁 Step 1: .env file loaded")
	}

	log.Info("✔️  Step 2: Validating configuration...")
	if err := cfg.Validate(); err != nil {
		log.Fatal("❌ Configuration validation failed", zap.Error(err))
	}
	log.Info("✅ Configuration is valid", zap.String("environment", cfg.Environment))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Storage
	log.Info("🗄️  Step 4: Initializing storage...", zap.String("driver", cfg.StorageDriver))
	var (
		repo      notification.Repository
		directory notification.RecipientDirectory
	)
	switch cfg.StorageDriver {
	case "postgres":
		db, err := database.NewPostgresDB(ctx, &database.PostgresConfig{
			URL:          cfg.DatabaseURL,
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
			MaxLifetime:  cfg.DBMaxLifetime,
		})
		if err != nil {
			log.Fatal("❌ Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer db.Close()
		log.Info("✅ Connected to PostgreSQL")

		// 5. Run database migrations
		log.Info("🔨 Step 5: Running database migrations...")
		if err := runMigrations(ctx, db, log); err != nil {
			log.Fatal("❌ Failed to run migrations", zap.Error(err))
		}

		repo, directory = postgresStorage(db)
	default:
		memRepo := notification.NewMemoryRepository(time.Now)
		memDirectory := notification.NewMemoryDirectory(memRepo)
		seedDemoRecipients(memDirectory)
		repo, directory = memRepo, memDirectory
		log.Warn("⚠️  Using in-memory storage, data is lost on restart")
	}

	// 6. Connect to Redis (optional)
	log.Info("📮 Step 6: Connecting to Redis...")
	var limiter notification.RateLimiter
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedisClientFromURL(ctx, cfg.RedisURL)
		if err != nil {
			log.Warn("⚠️  Redis unavailable, continuing with in-process rate limits", zap.Error(err))
		} else {
			defer redisClient.Close()
			log.Info("✅ Connected to Redis")
		}
	}
	if redisClient != nil {
		limiter = notification.NewRedisRateLimiter(redisClient)
	} else {
		limiter = notification.NewMemoryRateLimiter(time.Now)
	}

	// 7. Channel credential sealing
	log.Info("🔐 Step 7: Preparing channel credential sealing...")
	secret, _ := hex.DecodeString(cfg.ChannelConfigKey)
	if len(secret) == 0 {
		log.Warn("⚠️  CHANNEL_CONFIG_KEY not set, deriving channel key from JWT secret")
		secret = []byte(cfg.JWTSecret)
	}
	sealer, err := security.NewSealer(secret, "notification-channel-config")
	if err != nil {
		log.Fatal("❌ Failed to create sealer", zap.Error(err))
	}

	// 8. Delivery providers
	log.Info("📡 Step 8: Registering delivery providers...")
	hub := notification.NewHub(log.Named("hub"))
	senders := registerSenders(ctx, cfg, repo, hub, log)

	// 9. Notification service
	log.Info("🔔 Step 9: Initializing notification service...")
	service := notification.NewService(repo, directory, senders, sealer, log.Named("notification"),
		notification.WithRateLimiter(limiter),
	)

	if err := notification.SeedDefaults(ctx, service, defaultChannels(cfg)); err != nil {
		log.Fatal("❌ Failed to seed defaults", zap.Error(err))
	}
	log.Info("✅ Default templates and channels ready")

	// 10. Background jobs
	var jobs []job
	if cfg.EnableJobs {
		log.Info("⏱️  Step 10: Starting background jobs...")
		jobLog := log.Named("jobs")
		jobs = []job{
			notification.NewDispatchJob(service, cfg.DispatchInterval, cfg.DispatchBatchSize, cfg.DispatchWorkers, jobLog),
			notification.NewStaleSendingJob(service, 0, cfg.StaleSendingTimeout, jobLog),
			notification.NewSchedulePoller(service, cfg.SchedulePollInterval, jobLog),
			notification.NewLogCleanupJob(service, cfg.LogCleanupInterval, cfg.LogRetention, jobLog),
		}
		for _, j := range jobs {
			go j.Start(ctx)
		}
	} else {
		log.Warn("⚠️  Background jobs disabled, notifications will not be dispatched")
	}

	// 11. Setup routes
	log.Info("🛣️  Step 11: Setting up routes...")
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret, cfg.StaffRoles, log.Named("auth"))
	handler := notification.NewHandler(service, hub, authMiddleware, log.Named("http"))

	api := mux.NewRouter()
	notification.RegisterRoutes(api, handler, authMiddleware)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(log.Named("access")))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthCheck(hub))
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/api/v1/notifications/*", api)

	// 12. Create and start HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("========================================")
		log.Info("🚀 Server starting", zap.String("addr", cfg.BaseURL))
		log.Info("========================================")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("❌ Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("⚠️  Shutdown signal received...")

	for _, j := range jobs {
		j.Stop()
	}
	cancel()

	log.Info("   - Closing live connections...")
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("❌ Server forced to shutdown", zap.Error(err))
	}

	log.Info("✅ Server exited gracefully")
}

func postgresStorage(db *sqlx.DB) (notification.Repository, notification.RecipientDirectory) {
	repo := notification.NewPostgresRepository(db)
	return repo, notification.NewPostgresDirectory(db, repo)
}

func registerSenders(ctx context.Context, cfg *config.Config, tokens notification.PushTokenStore, hub *notification.Hub, log *zap.Logger) *notification.SenderRegistry {
	registry := notification.NewSenderRegistry(log.Named("senders"))
	client := &http.Client{Timeout: 30 * time.Second}

	email := notification.EmailDefaults{
		From:           cfg.EmailFrom,
		FromName:       cfg.EmailFromName,
		SMTPHost:       cfg.SMTPHost,
		SMTPPort:       cfg.SMTPPort,
		SMTPUsername:   cfg.SMTPUser,
		SMTPPassword:   cfg.SMTPPassword,
		SendGridAPIKey: cfg.SendGridAPIKey,
		AWSRegion:      cfg.AWSRegion,
	}
	emailOnly := []notification.ChannelType{notification.ChannelEmail}
	registry.Register("smtp", emailOnly, notification.NewSMTPSenderFactory(email))
	registry.Register("sendgrid", emailOnly, notification.NewSendGridSenderFactory(email))
	registry.Register("ses", emailOnly, notification.NewSESSenderFactory(email))

	registry.Register("twilio",
		[]notification.ChannelType{notification.ChannelSMS, notification.ChannelWhatsApp},
		notification.NewTwilioSenderFactory(notification.TwilioDefaults{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioFromNumber,
		}))

	registry.Register("fcm", []notification.ChannelType{notification.ChannelPush},
		notification.NewFCMSenderFactory(ctx, notification.FirebaseDefaults{
			CredentialsPath: cfg.FirebaseCredentialsPath,
			CredentialsJSON: cfg.FirebaseCredentialsJSON,
		}, tokens, log.Named("fcm")))

	registry.Register("hub", []notification.ChannelType{notification.ChannelInApp}, notification.NewInAppSenderFactory(hub))
	registry.Register("http", []notification.ChannelType{notification.ChannelWebhook}, notification.NewWebhookSenderFactory(client))

	chat := notification.NewChatSenderFactory(client)
	registry.Register("slack", []notification.ChannelType{notification.ChannelSlack}, chat)
	registry.Register("discord", []notification.ChannelType{notification.ChannelDiscord}, chat)
	registry.Register("teams", []notification.ChannelType{notification.ChannelTeams}, chat)
	registry.Register("telegram", []notification.ChannelType{notification.ChannelTelegram}, chat)

	if !cfg.IsProduction() {
		registry.RegisterMock(notification.NewMockSender(log.Named("mock")))
		log.Info("   ⚠️  Mock provider enabled (development mode)")
	}

	return registry
}

// defaultChannels are created for channel types that have none yet
func defaultChannels(cfg *config.Config) []notification.CreateChannelRequest {
	channels := []notification.CreateChannelRequest{
		{Name: "Default email", ChannelType: notification.ChannelEmail, Provider: cfg.EmailProvider, IsDefault: true},
		{Name: "In-app", ChannelType: notification.ChannelInApp, Provider: "hub", IsDefault: true},
	}

	smsProvider := cfg.SMSProvider
	if smsProvider == "" && !cfg.IsProduction() {
		smsProvider = "mock"
	}
	if smsProvider != "" {
		channels = append(channels, notification.CreateChannelRequest{
			Name: "Default SMS", ChannelType: notification.ChannelSMS, Provider: smsProvider, IsDefault: true,
		})
	}
	if cfg.FirebaseCredentialsPath != "" || cfg.FirebaseCredentialsJSON != "" {
		channels = append(channels, notification.CreateChannelRequest{
			Name: "Firebase push", ChannelType: notification.ChannelPush, Provider: "fcm", IsDefault: true,
		})
	}
	return channels
}

// seedDemoRecipients gives the in-memory directory someone to deliver to
func seedDemoRecipients(d *notification.MemoryDirectory) {
	d.Add(notification.Recipient{UserID: 1, Email: "ada@studyhub.test", Username: "ada", FullName: "Ada Lovelace"})
	d.Add(notification.Recipient{UserID: 2, Email: "alan@studyhub.test", Username: "alan", FullName: "Alan Turing"})
}

// requestLogger logs one line per request
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// healthCheck returns server health status
func healthCheck(hub *notification.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"status":             "healthy",
			"timestamp":          time.Now().Format(time.RFC3339),
			"uptime":             time.Since(startTime).String(),
			"active_connections": hub.ActiveConnections(),
		})
	}
}
