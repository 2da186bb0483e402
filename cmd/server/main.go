package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/naglyadservice/dash-backend/internal/api"
	"github.com/naglyadservice/dash-backend/internal/config"
	"github.com/naglyadservice/dash-backend/internal/data/mongo"
	"github.com/naglyadservice/dash-backend/internal/data/postgres"
	"github.com/naglyadservice/dash-backend/internal/fiscal"
	"github.com/naglyadservice/dash-backend/internal/gateway"
	"github.com/naglyadservice/dash-backend/internal/ingest"
	"github.com/naglyadservice/dash-backend/internal/iot"
	"github.com/naglyadservice/dash-backend/internal/logger"
	"github.com/naglyadservice/dash-backend/internal/platform/messaging/producers"
	"github.com/naglyadservice/dash-backend/internal/platform/mqtt"
	"github.com/naglyadservice/dash-backend/internal/platform/persistence"
	"github.com/naglyadservice/dash-backend/internal/recon"
)

func main() {
	// Create base context with cancellation
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	// Initialize configuration
	cfg, err := config.LoadConfig("server")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.NewLogger(cfg)

	// Initialize databases with app context
	postgresDB, err := persistence.NewPostgresDB(appCtx, log, &cfg.Postgres)
	if err != nil {
		log.Error("Failed to initialize PostgreSQL", "error", err)
		os.Exit(1)
	}

	mongoDB, err := persistence.NewMongoDB(appCtx, log, &cfg.MongoDB)
	if err != nil {
		log.Error("Failed to initialize MongoDB", "error", err)
		os.Exit(1)
	}

	redisStore, err := persistence.NewRedisStore(appCtx, log, &cfg.Redis)
	if err != nil {
		log.Error("Failed to initialize Redis", "error", err)
		os.Exit(1)
	}

	// Initialize device transport and the command channel on top of it
	mqttClient, err := mqtt.NewClient(log, &cfg.MQTT)
	if err != nil {
		log.Error("Failed to connect to MQTT broker", "error", err)
		os.Exit(1)
	}

	channel := iot.NewChannel(mqttClient, cfg.MQTT.TopicPrefix, log)
	dispatcher := iot.NewDispatcher(mqttClient, channel, cfg.MQTT.TopicPrefix, log)

	// Controllers confirm settings pushes with a bare ack on the config
	// route; it resolves the waiter without payload validation
	dispatcher.RegisterAckRoute("config")

	// Initialize Kafka producer for fleet events
	fleetProducer, err := producers.NewFleetEventProducer(appCtx, log, &cfg.Kafka)
	if err != nil {
		log.Error("Failed to initialize fleet event producer", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	deviceRepo := postgres.NewDeviceRepository(log, postgresDB)
	paymentRepo := postgres.NewPaymentRepository(log, postgresDB)
	transactionRepo := postgres.NewTransactionRepository(log, postgresDB)
	eventRepo := mongo.NewPaymentEventRepository(log, mongoDB.Database())

	// Initialize gateway clients
	liqpayClient := gateway.NewLiqPayClient(log, &cfg.Gateways.LiqPay, redisStore)
	monoClient := gateway.NewMonoClient(log, &cfg.Gateways.Mono, redisStore)

	// Initialize fiscal receipt queue
	fiscalClient := fiscal.NewClient(log, &cfg.Fiscal)
	fiscalQueue, err := fiscal.NewQueue(fiscalClient, &cfg.Fiscal, &cfg.WorkerPool, log)
	if err != nil {
		log.Error("Failed to initialize fiscal queue", "error", err)
		os.Exit(1)
	}

	// Initialize the reconciliation engine
	engine := recon.NewEngine(
		[]gateway.Client{liqpayClient, monoClient},
		paymentRepo,
		deviceRepo,
		eventRepo,
		channel,
		fiscalQueue,
		fleetProducer,
		redisStore,
		redisStore,
		log,
	)

	// Initialize device event ingestion and subscribe to the fleet
	ingestService := ingest.NewService(transactionRepo, paymentRepo, deviceRepo, channel, fleetProducer, log)
	ingestService.Register(dispatcher)

	if err := dispatcher.Start(appCtx); err != nil {
		log.Error("Failed to subscribe to device topics", "error", err)
		os.Exit(1)
	}

	// Initialize REST server
	server := api.NewServer(log, cfg, engine, deviceRepo, paymentRepo, transactionRepo, eventRepo, channel)
	log.Info("REST server initialized")

	// Create error channel for server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		log.Info("Starting HTTP server", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Set up signal handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	// Wait for a shutdown signal or error
	var serverErr error
	select {
	case <-quit:
		log.Info("Shutdown signal received")
	case err := <-errChan:
		log.Error("Server error occurred", "error", err)
		serverErr = err
	}

	// Cancel the application context
	cancelAppCtx()

	// Create a shutdown context with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Graceful shutdown sequence
	log.Info("Starting graceful shutdown...")

	// Stop accepting HTTP traffic before tearing down dependencies
	if err = server.Stop(shutdownCtx); err != nil {
		log.Error("Error during server shutdown", "error", err)
	}

	// Disconnect from the device transport; in-flight waiters fail fast
	mqttClient.Close()

	// Drain queued fiscal receipts
	fiscalQueue.Shutdown()

	if err = fleetProducer.Close(); err != nil {
		log.Error("Error closing fleet event producer", "error", err)
	}

	postgresDB.Close()

	if err = mongoDB.Close(shutdownCtx); err != nil {
		log.Error("Error closing MongoDB connection", "error", err)
	}

	if err = redisStore.Close(); err != nil {
		log.Error("Error closing Redis connection", "error", err)
	}

	// Final status
	if serverErr != nil {
		log.Error("HTTP server shutdown with errors", "error", serverErr)
	} else {
		log.Info("Server shutdown completed successfully")
	}
}
