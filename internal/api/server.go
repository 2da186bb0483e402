package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/naglyadservice/dash-backend/internal/api/handler"
	"github.com/naglyadservice/dash-backend/internal/config"
	"github.com/naglyadservice/dash-backend/internal/domain/device"
	"github.com/naglyadservice/dash-backend/internal/domain/payment"
	"github.com/naglyadservice/dash-backend/internal/domain/transaction"
	"github.com/naglyadservice/dash-backend/internal/recon"
)

// Server handles HTTP requests and manages the application's lifecycle
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	httpRouter *gin.Engine
}

// NewServer creates and configures a new HTTP server with the given dependencies
func NewServer(
	log *slog.Logger,
	cfg *config.Config,
	engine *recon.Engine,
	devices device.Repository,
	payments payment.Repository,
	transactions transaction.Repository,
	events payment.EventRepository,
	commands handler.CommandSender,
) *Server {
	if cfg.Application.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	httpRouter := gin.New()

	deviceHandler := handler.NewDeviceHandler(log, devices, transactions, commands)
	paymentHandler := handler.NewPaymentHandler(log, engine, payments, devices, events)
	webhookHandler := handler.NewWebhookHandler(log, engine)

	setupRouter(log, httpRouter, deviceHandler, paymentHandler, webhookHandler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		logger:     log,
		httpServer: httpServer,
		httpRouter: httpRouter,
	}
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server with a timeout
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.httpServer.WriteTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}

	return nil
}
