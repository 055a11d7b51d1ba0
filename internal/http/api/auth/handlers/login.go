package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/idgate/idgate/internal/models"
	"github.com/idgate/idgate/internal/security"
	"github.com/idgate/idgate/internal/session"
	"github.com/idgate/idgate/internal/store"
)

// GetLoginFlow tells the client how the given identifier can log in. Unknown
// identifiers answer null so the endpoint enumerates nothing beyond
// existence, which the subsequent flow would reveal anyway.
func (h *AuthHandler) GetLoginFlow(c *gin.Context) {
	identifier := c.Query("identifier")
	if identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing identifier"})
		return
	}

	ctx := c.Request.Context()
	account, errResolve := h.store.ResolveAccount(ctx, identifier)
	if errors.Is(errResolve, store.ErrNotFound) {
		c.JSON(http.StatusOK, nil)
		return
	}
	if errResolve != nil {
		respondInternalError(c, "resolve account", errResolve)
		return
	}

	_, errOidc := h.store.GetOidcAccountForAccount(ctx, account.UUID)
	if errOidc != nil && !errors.Is(errOidc, store.ErrNotFound) {
		respondInternalError(c, "load oidc account", errOidc)
		return
	}
	hasOidc := errOidc == nil

	local, errLocal := h.store.GetLocalAccount(ctx, account.UUID)
	if errLocal != nil && !errors.Is(errLocal, store.ErrNotFound) {
		respondInternalError(c, "load local account", errLocal)
		return
	}
	hasLocal := errLocal == nil

	// Every account links to exactly one credential backend; one with both or
	// neither is corrupt.
	if hasOidc == hasLocal {
		respondInternalError(c, "account not linked to exactly one login backend",
			fmt.Errorf("account %s: oidc=%t local=%t", account.UUID, hasOidc, hasLocal))
		return
	}
	if hasOidc {
		c.JSON(http.StatusOK, gin.H{"kind": "oidc"})
		return
	}

	keys, errKeys := h.store.ListWebAuthnKeys(ctx, local.UUID)
	if errKeys != nil {
		respondInternalError(c, "list webauthn keys", errKeys)
		return
	}
	hasWebAuthn, errAttested := models.AnyAttested(keys)
	if errAttested != nil {
		respondInternalError(c, "classify webauthn keys", errAttested)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"kind":     "local",
		"password": local.Password != nil,
		"webauthn": hasWebAuthn,
	})
}

// LoginLocalPassword verifies an identifier/password pair and logs the
// session in. All failure modes share one response.
func (h *AuthHandler) LoginLocalPassword(c *gin.Context) {
	var request struct {
		Identifier string `json:"identifier" binding:"required"`
		Password   string `json:"password" binding:"required"`
	}
	if errBind := c.ShouldBindJSON(&request); errBind != nil {
		respondLoginFailed(c)
		return
	}

	ctx := c.Request.Context()
	account, errResolve := h.store.ResolveAccount(ctx, request.Identifier)
	if errors.Is(errResolve, store.ErrNotFound) {
		respondLoginFailed(c)
		return
	}
	if errResolve != nil {
		respondInternalError(c, "resolve account", errResolve)
		return
	}

	local, errLocal := h.store.GetLocalAccount(ctx, account.UUID)
	if errors.Is(errLocal, store.ErrNotFound) {
		respondLoginFailed(c)
		return
	}
	if errLocal != nil {
		respondInternalError(c, "load local account", errLocal)
		return
	}

	if errVerify := security.VerifyLocalPassword(local.Password, request.Password); errVerify != nil {
		respondLoginFailed(c)
		return
	}

	if errSession := session.FromContext(c).SetAccount(ctx, account.UUID); errSession != nil {
		respondInternalError(c, "persist login", errSession)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Logout drops the account marker and any in-flight challenge state.
func (h *AuthHandler) Logout(c *gin.Context) {
	if errClear := session.FromContext(c).ClearAccount(c.Request.Context()); errClear != nil {
		respondInternalError(c, "clear session", errClear)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Me returns the logged-in account.
func (h *AuthHandler) Me(c *gin.Context) {
	account, ok := h.requireAccount(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": gin.H{
		"uuid":       account.UUID,
		"identifier": account.Identifier,
	}})
}
