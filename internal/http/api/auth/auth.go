// Package auth wires the authentication endpoints onto a gin engine.
package auth

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/idgate/idgate/internal/http/api/auth/handlers"
	"github.com/idgate/idgate/internal/security"
	"github.com/idgate/idgate/internal/session"
	"github.com/idgate/idgate/internal/store"
)

// RegisterRoutes mounts all authentication endpoints. oidcClient may be nil;
// the oidc routes then answer that federated login is unavailable.
func RegisterRoutes(r *gin.Engine, conn *gorm.DB, sessions *session.Store, engine *security.WebAuthnEngine, oidcClient *security.OIDCClient) {
	health := handlers.NewHealthHandler(conn)
	r.GET("/healthz", health.Healthz)

	h := handlers.NewAuthHandler(store.NewGormStore(conn), engine, oidcClient)

	g := r.Group("/", sessions.Middleware())

	// Flow discovery and sessions.
	g.GET("/login", h.GetLoginFlow)
	g.POST("/logout", h.Logout)
	g.GET("/me", h.Me)

	// Local login.
	g.POST("/login/local/password", h.LoginLocalPassword)
	g.POST("/login/local/start-webauthn", h.StartWebAuthnLogin)
	g.POST("/login/local/finish-webauthn", h.FinishWebAuthnLogin)

	// Federated login.
	g.POST("/login/oidc/start", h.StartOidcLogin)
	g.GET("/login/oidc/finish", h.FinishOidcLogin)
	g.POST("/login/oidc/finish", h.FinishOidcLogin)

	// Credential management for the logged-in local account.
	g.PUT("/local/password", h.SetPassword)
	g.DELETE("/local/password", h.DeletePassword)
	g.POST("/local/webauthn/register/start", h.StartWebAuthnRegistration)
	g.POST("/local/webauthn/register/finish", h.FinishWebAuthnRegistration)
	g.GET("/local/webauthn", h.ListWebAuthnKeys)
	g.DELETE("/local/webauthn/:uuid", h.DeleteWebAuthnKey)
	g.POST("/local/totp/prepare", h.PrepareTotp)
	g.POST("/local/totp/confirm", h.ConfirmTotp)
	g.GET("/local/totp", h.ListTotpKeys)
	g.DELETE("/local/totp/:uuid", h.DeleteTotpKey)
}
