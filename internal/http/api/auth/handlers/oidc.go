package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/idgate/idgate/internal/models"
	"github.com/idgate/idgate/internal/security"
	"github.com/idgate/idgate/internal/session"
	"github.com/idgate/idgate/internal/store"
)

// maxIdentityLength caps issuer and subject values at the column width.
// Longer values from a provider are a server-side problem, not a client one.
const maxIdentityLength = 255

// StartOidcLogin mints an authorization request and redirects the browser to
// the provider.
func (h *AuthHandler) StartOidcLogin(c *gin.Context) {
	if h.oidc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "oidc login unavailable"})
		return
	}

	authURL, st, errBegin := h.oidc.BeginLogin()
	if errBegin != nil {
		respondInternalError(c, "begin oidc login", errBegin)
		return
	}
	if errPut := session.FromContext(c).PutOidcLogin(c.Request.Context(), st); errPut != nil {
		respondInternalError(c, "stash oidc challenge", errPut)
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, authURL)
}

// FinishOidcLogin handles the provider callback: it consumes the stashed
// challenge, completes the code exchange and logs the session in, creating
// the account on first login.
func (h *AuthHandler) FinishOidcLogin(c *gin.Context) {
	if h.oidc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "oidc login unavailable"})
		return
	}

	ctx := c.Request.Context()
	handle := session.FromContext(c)

	st, errTake := handle.TakeOidcLogin(ctx)
	if errors.Is(errTake, session.ErrNoEntry) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoOngoingChallenge})
		return
	}
	if errTake != nil {
		respondInternalError(c, "consume oidc challenge", errTake)
		return
	}

	code, state := callbackParams(c)
	identity, errFinish := h.oidc.FinishLogin(ctx, st, code, state)
	if errors.Is(errFinish, security.ErrStateMismatch) || errors.Is(errFinish, security.ErrUnauthenticated) {
		respondLoginFailed(c)
		return
	}
	if errFinish != nil {
		respondInternalError(c, "finish oidc login", errFinish)
		return
	}

	identifier := identity.AccountIdentifier()
	if len(identity.Issuer) > maxIdentityLength || len(identity.Subject) > maxIdentityLength ||
		len(identifier) > maxIdentityLength {
		respondInternalError(c, "oidc identity exceeds storage limits",
			fmt.Errorf("issuer %d bytes, subject %d bytes, identifier %d bytes",
				len(identity.Issuer), len(identity.Subject), len(identifier)))
		return
	}

	var accountUUID uuid.UUID
	errTx := h.store.InTx(ctx, func(tx store.Store) error {
		linked, errFind := tx.FindOidcAccount(ctx, identity.Issuer, identity.Subject)
		if errFind == nil {
			accountUUID = linked.AccountUUID
			return nil
		}
		if !errors.Is(errFind, store.ErrNotFound) {
			return errFind
		}

		account := models.Account{Identifier: identifier}
		if errCreate := tx.CreateAccount(ctx, &account); errCreate != nil {
			return errCreate
		}
		oidcAccount := models.OidcAccount{
			Issuer:      identity.Issuer,
			Subject:     identity.Subject,
			AccountUUID: account.UUID,
		}
		if errCreate := tx.CreateOidcAccount(ctx, &oidcAccount); errCreate != nil {
			return errCreate
		}
		accountUUID = account.UUID
		return nil
	})
	if errTx != nil {
		respondInternalError(c, "persist oidc login", errTx)
		return
	}

	if errSession := handle.SetAccount(ctx, accountUUID); errSession != nil {
		respondInternalError(c, "persist login", errSession)
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, "/")
}

// callbackParams reads code and state from the query (GET callback) or the
// form body (form_post response mode).
func callbackParams(c *gin.Context) (string, string) {
	code := c.Query("code")
	state := c.Query("state")
	if code == "" && state == "" {
		code = c.PostForm("code")
		state = c.PostForm("state")
	}
	return code, state
}
