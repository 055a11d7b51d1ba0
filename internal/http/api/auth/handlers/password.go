package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/idgate/idgate/internal/models"
	"github.com/idgate/idgate/internal/security"
	"github.com/idgate/idgate/internal/store"
)

// SetPassword sets or replaces the password of the logged-in local account.
func (h *AuthHandler) SetPassword(c *gin.Context) {
	_, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	// The body is a bare JSON string.
	var password string
	if errBind := c.ShouldBindJSON(&password); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	if password == "" || len(password) > security.MaxPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}

	if errSet := h.store.SetLocalPassword(c.Request.Context(), local.UUID, &password); errSet != nil {
		respondInternalError(c, "set password", errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeletePassword removes the password factor. Refused unless an attested
// webauthn key remains; deleting an already absent password is a no-op.
func (h *AuthHandler) DeletePassword(c *gin.Context) {
	_, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	errTx := h.store.InTx(ctx, func(tx store.Store) error {
		keys, errKeys := tx.ListWebAuthnKeys(ctx, local.UUID)
		if errKeys != nil {
			return errKeys
		}
		hasAttested, errAttested := models.AnyAttested(keys)
		if errAttested != nil {
			return errAttested
		}
		if !hasAttested {
			return errLastLoginMethod
		}
		return tx.SetLocalPassword(ctx, local.UUID, nil)
	})
	if errors.Is(errTx, errLastLoginMethod) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoOtherLoginMethod})
		return
	}
	if errors.Is(errTx, store.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": msgUnauthenticated})
		return
	}
	if errTx != nil {
		respondInternalError(c, "delete password", errTx)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
