package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"contest-settlement-system/handlers"
	"contest-settlement-system/middleware"
	"contest-settlement-system/models"
	"contest-settlement-system/services"
	"contest-settlement-system/utils"
	"contest-settlement-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("⚠️  Invalid %s=%q, using default %s", key, v, fallback)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("⚠️  Invalid %s=%q, using default %d", key, v, fallback)
	}
	return fallback
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	// Only Gateway requests allowed, no exceptions
	app.Use(middleware.GatewayAuthMiddleware())
	app.Use(cors.New())

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	// TranslateError maps driver unique-violations onto gorm.ErrDuplicatedKey,
	// which the idempotent write paths rely on.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.ContestTemplate{},
		&models.ContestInstance{},
		&models.ContestEntry{},
		&models.ContestStateTransition{},
		&models.ScoreSnapshot{},
		&models.ScoreEntry{},
		&models.SettlementRecord{},
		&models.PayoutJob{},
		&models.PayoutTransfer{},
		&models.LedgerEntry{},
		&models.WalletAccount{},
		&models.AuditLog{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	if err := utils.InitArchive(); err != nil {
		log.Fatal("failed to initialize settlement archive:", err)
	}

	registry := services.DefaultStrategyRegistry()
	settlementService := services.NewSettlementService(db, registry)
	readiness := services.NewSnapshotReadiness(db)
	lifecycleService := services.NewLifecycleService(db, readiness, settlementService)
	ledgerService := services.NewLedgerService(db)
	contestService := services.NewContestService(db, lifecycleService, ledgerService)
	payoutStatusService := services.NewPayoutStatusService(db)

	providerURL := os.Getenv("PAYMENT_PROVIDER_URL")
	if providerURL == "" {
		log.Fatal("PAYMENT_PROVIDER_URL environment variable not set")
	}
	provider := services.NewHTTPPaymentProvider(providerURL, os.Getenv("PAYMENT_PROVIDER_TOKEN"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	advancer := workers.NewAdvancerWorker(db, lifecycleService, envDuration("ADVANCER_INTERVAL", time.Minute))
	if err := advancer.Start(); err != nil {
		log.Fatal("failed to start lifecycle advancer:", err)
	}
	defer advancer.Stop()

	payoutWorker := workers.NewPayoutWorker(
		db,
		provider,
		ledgerService,
		envDuration("PAYOUT_INTERVAL", 15*time.Second),
		envInt("PAYOUT_BATCH_SIZE", 20),
		envInt("PAYOUT_CONCURRENCY", 4),
	)
	payoutWorker.Start(ctx)

	handlers.SetupContestRoutes(app, contestService)
	handlers.SetupPayoutRoutes(app, payoutStatusService)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5300"
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Println("✅ GatewayAuthMiddleware enforced globally, all requests must come from Gateway")

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
