// Package api exposes the guardian over HTTP for the trading engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"compliance-guardian/internal/config"
	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/logging"
	"compliance-guardian/internal/metrics"
)

// Server serves the guardian entry points.
type Server struct {
	cfg      config.ServerConfig
	router   *gin.Engine
	guardian *guardian.Guardian
	auth     *Authenticator
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// NewServer wires routes over g.
func NewServer(cfg config.ServerConfig, g *guardian.Guardian, auth *Authenticator, collector *metrics.Collector, logger zerolog.Logger) *Server {
	if collector == nil {
		collector = metrics.New()
	}
	s := &Server{
		cfg:      cfg,
		router:   gin.New(),
		guardian: g,
		auth:     auth,
		metrics:  collector,
		logger:   logging.Component(logger, "api"),
	}
	s.router.Use(gin.Recovery(), s.requestID(), s.observe())
	s.registerRoutes()
	return s
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.router.Group("/v1", s.authenticate())
	{
		trusted := s.requireRole(guardian.RoleTrustedContract)
		monitor := s.requireRole(guardian.RoleMonitor)
		auditor := s.requireRole(guardian.RoleAuditor)
		admin := s.requireRole(guardian.RoleAdmin)

		v1.POST("/settlements/authorize", trusted, s.authorizeSettlement)
		v1.POST("/settlements/execute", trusted, s.executeSettlement)
		v1.GET("/funds/:user", s.fundsStatus)
		v1.GET("/funds/:user/check", s.checkFunds)

		v1.POST("/markets/:market/price", trusted, s.monitorPrice)
		v1.POST("/markets/:market/suspicious", monitor, s.reportSuspicious)
		v1.GET("/markets/:market", s.marketStatus)

		v1.POST("/balances/:user", trusted, s.checkBalance)
		v1.PUT("/balances/:user/cap", admin, s.setBalanceCap)
		v1.GET("/balances/:user", s.balanceStatus)

		v1.GET("/violations", s.listViolations)
		v1.GET("/violations/:id", s.getViolation)
		v1.POST("/violations/:id/resolve", auditor, s.resolveViolation)

		v1.GET("/compliance", s.complianceStatus)
		v1.POST("/compliance/check", auditor, s.complianceCheck)

		adminGroup := v1.Group("/admin", admin)
		adminGroup.PUT("/trusted/:address", s.setTrusted)
		adminGroup.PUT("/roles/:role/:address", s.grantRole)
		adminGroup.DELETE("/roles/:role/:address", s.revokeRole)
		adminGroup.PUT("/laws/:law", s.setLaw)
		adminGroup.POST("/enforcement/disable", s.disableEnforcement)
		adminGroup.POST("/enforcement/restore", s.restoreEnforcement)
		adminGroup.POST("/emergency/clear", s.clearEmergency)
	}
}
