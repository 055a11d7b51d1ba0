// Package app boots the authentication service: database, session store,
// credential engines and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/idgate/idgate/internal/config"
	"github.com/idgate/idgate/internal/db"
	"github.com/idgate/idgate/internal/http/api/auth"
	"github.com/idgate/idgate/internal/security"
	"github.com/idgate/idgate/internal/session"
)

const (
	shutdownTimeout      = 10 * time.Second
	sessionSweepInterval = 10 * time.Minute
)

// RunServer starts the service and blocks until ctx is cancelled, then shuts
// the HTTP server down gracefully.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	dsn, errDSN := config.LoadDatabaseDSN(cfg.ConfigPath)
	if errDSN != nil {
		return errDSN
	}
	conn, errOpen := db.Open(dsn)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	sessionCfg, errSessionCfg := config.LoadSessionConfig(cfg.ConfigPath)
	if errSessionCfg != nil {
		return errSessionCfg
	}
	sessions := session.NewStore(conn, sessionCfg)
	go sweepSessions(ctx, sessions)

	webauthnCfg, errWebAuthnCfg := config.LoadWebAuthnConfig(cfg.ConfigPath)
	if errWebAuthnCfg != nil {
		return errWebAuthnCfg
	}
	engine, errEngine := security.NewWebAuthnEngine(webauthnCfg)
	if errEngine != nil {
		return errEngine
	}

	var oidcClient *security.OIDCClient
	oidcCfg, errOidcCfg := config.LoadOIDCConfig(cfg.ConfigPath)
	switch {
	case errors.Is(errOidcCfg, config.ErrOIDCNotConfigured):
		log.Info("oidc login disabled: not configured")
	case errOidcCfg != nil:
		return errOidcCfg
	default:
		oidcClient, errOidcCfg = security.DiscoverOIDC(ctx, oidcCfg)
		if errOidcCfg != nil {
			return errOidcCfg
		}
		log.WithField("issuer", oidcCfg.IssuerURL).Info("oidc login enabled")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	auth.RegisterRoutes(router, conn, sessions, engine, oidcClient)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	errServe := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("server listening")
		errServe <- server.ListenAndServe()
	}()

	select {
	case err := <-errServe:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	log.Info("server stopped")
	return nil
}

// sweepSessions periodically removes expired sessions.
func sweepSessions(ctx context.Context, sessions *session.Store) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, errSweep := sessions.DeleteExpired(ctx)
			if errSweep != nil {
				log.WithError(errSweep).Warn("session sweep failed")
				continue
			}
			if removed > 0 {
				log.WithField("count", removed).Debug("expired sessions removed")
			}
		}
	}
}
