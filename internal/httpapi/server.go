// Package httpapi exposes the minimal request surface over the pipeline.
// Authentication lives in the fronting gateway; the verified caller
// identity arrives in the X-User-ID header.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autoscope/expertise/internal/ledger"
	"github.com/autoscope/expertise/internal/metrics"
	"github.com/autoscope/expertise/internal/report"
	"github.com/autoscope/expertise/internal/service"
)

const userIDHeader = "X-User-ID"

// Config carries the HTTP server settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// API is the submission service surface consumed by the handlers.
// *service.Service satisfies it; tests substitute a stub.
type API interface {
	StartAnalysis(ctx context.Context, req service.StartRequest) (report.Report, error)
	GetReport(ctx context.Context, reportID, userID string) (report.Report, error)
	GetBalance(ctx context.Context, userID string) (ledger.BalanceSnapshot, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error)
}

// Server hosts the gin router.
type Server struct {
	cfg     Config
	api     API
	logger  *zap.Logger
	metrics *metrics.Metrics
	router  *gin.Engine
}

// New wires a Server and its routes.
func New(cfg Config, api API, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{cfg: cfg, api: api, logger: logger, metrics: m}
	server.router = server.setupRouter()
	return server
}

// Router exposes the engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", zap.String("addr", s.cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(s.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", userIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(requireUserID())

	api.POST("/reports", s.handleStartAnalysis)
	api.GET("/reports/:id", s.handleGetReport)
	api.GET("/balance", s.handleGetBalance)
	api.GET("/transactions", s.handleListTransactions)

	return router
}

func requireUserID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID := ctx.GetHeader(userIDHeader)
		if userID == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + userIDHeader + " header"})
			return
		}
		ctx.Set("user_id", userID)
		ctx.Next()
	}
}

func currentUserID(ctx *gin.Context) string {
	return ctx.GetString("user_id")
}
