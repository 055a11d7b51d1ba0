// Package handlers implements the HTTP endpoints of the authentication
// service.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/idgate/idgate/internal/models"
	"github.com/idgate/idgate/internal/security"
	"github.com/idgate/idgate/internal/session"
	"github.com/idgate/idgate/internal/store"
)

// Client-facing error messages. Credential failures share one message so the
// response never reveals which part of a login attempt was wrong.
const (
	msgLoginFailed        = "login failed"
	msgNoOngoingChallenge = "no ongoing challenge"
	msgNoOtherLoginMethod = "no other login method"
	msgUnauthenticated    = "unauthenticated"
	msgInternalError      = "internal error"
)

// AuthHandler carries the dependencies of all authentication endpoints.
type AuthHandler struct {
	store  store.Store
	engine *security.WebAuthnEngine
	oidc   *security.OIDCClient
}

// NewAuthHandler builds the handler set. oidcClient may be nil when
// federated login is not configured.
func NewAuthHandler(s store.Store, engine *security.WebAuthnEngine, oidcClient *security.OIDCClient) *AuthHandler {
	return &AuthHandler{store: s, engine: engine, oidc: oidcClient}
}

func respondLoginFailed(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msgLoginFailed})
}

func respondInternalError(c *gin.Context, context string, err error) {
	log.WithError(err).Error(context)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternalError})
}

// requireAccount resolves the logged-in account or terminates the request
// with 401.
func (h *AuthHandler) requireAccount(c *gin.Context) (*models.Account, bool) {
	handle := session.FromContext(c)
	if handle == nil {
		respondInternalError(c, "session missing from request context", errors.New("no session handle"))
		return nil, false
	}
	accountUUID, ok, errAccount := handle.AccountUUID(c.Request.Context())
	if errAccount != nil {
		respondInternalError(c, "read session account", errAccount)
		return nil, false
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": msgUnauthenticated})
		return nil, false
	}

	account, errGet := h.store.GetAccount(c.Request.Context(), accountUUID)
	if errors.Is(errGet, store.ErrNotFound) {
		// The account was deleted underneath the session.
		c.JSON(http.StatusUnauthorized, gin.H{"error": msgUnauthenticated})
		return nil, false
	}
	if errGet != nil {
		respondInternalError(c, "load session account", errGet)
		return nil, false
	}
	return account, true
}

// requireLocalAccount resolves the logged-in account and its local
// credentials row, terminating the request when the account is not local.
func (h *AuthHandler) requireLocalAccount(c *gin.Context) (*models.Account, *models.LocalAccount, bool) {
	account, ok := h.requireAccount(c)
	if !ok {
		return nil, nil, false
	}
	local, errLocal := h.store.GetLocalAccount(c.Request.Context(), account.UUID)
	if errors.Is(errLocal, store.ErrNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a local account"})
		return nil, nil, false
	}
	if errLocal != nil {
		respondInternalError(c, "load local account", errLocal)
		return nil, nil, false
	}
	return account, local, true
}
