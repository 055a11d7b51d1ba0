package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"

	"github.com/idgate/idgate/internal/models"
	"github.com/idgate/idgate/internal/security"
	"github.com/idgate/idgate/internal/session"
	"github.com/idgate/idgate/internal/store"
)

// StartWebAuthnLogin begins an assertion ceremony over the account's
// attested keys and stashes the challenge in the session.
func (h *AuthHandler) StartWebAuthnLogin(c *gin.Context) {
	var request struct {
		Identifier string `json:"identifier" binding:"required"`
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

	keys, errKeys := h.store.ListWebAuthnKeys(ctx, local.UUID)
	if errKeys != nil {
		respondInternalError(c, "list webauthn keys", errKeys)
		return
	}

	options, state, errBegin := h.engine.BeginAttestedLogin(account, keys)
	if errors.Is(errBegin, security.ErrNoAttestedKeys) {
		respondLoginFailed(c)
		return
	}
	if errBegin != nil {
		respondInternalError(c, "begin webauthn login", errBegin)
		return
	}

	errPut := session.FromContext(c).PutWebAuthnLogin(ctx, session.WebAuthnLoginState{
		Identifier: request.Identifier,
		State:      *state,
	})
	if errPut != nil {
		respondInternalError(c, "stash webauthn challenge", errPut)
		return
	}
	c.JSON(http.StatusOK, options)
}

// FinishWebAuthnLogin consumes the stashed challenge, validates the
// assertion and logs the session in. The challenge is removed before
// verification, so a failed attempt cannot be retried against it.
func (h *AuthHandler) FinishWebAuthnLogin(c *gin.Context) {
	ctx := c.Request.Context()
	handle := session.FromContext(c)

	st, errTake := handle.TakeWebAuthnLogin(ctx)
	if errors.Is(errTake, session.ErrNoEntry) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoOngoingChallenge})
		return
	}
	if errTake != nil {
		respondInternalError(c, "consume webauthn challenge", errTake)
		return
	}

	response, errParse := protocol.ParseCredentialRequestResponseBody(c.Request.Body)
	if errParse != nil {
		respondLoginFailed(c)
		return
	}

	var accountUUID uuid.UUID
	errTx := h.store.InTx(ctx, func(tx store.Store) error {
		account, errResolve := tx.ResolveAccount(ctx, st.Identifier)
		if errResolve != nil {
			return errResolve
		}
		local, errLocal := tx.GetLocalAccount(ctx, account.UUID)
		if errLocal != nil {
			return errLocal
		}
		keys, errKeys := tx.ListWebAuthnKeys(ctx, local.UUID)
		if errKeys != nil {
			return errKeys
		}

		validated, errValidate := h.engine.FinishAttestedLogin(account, keys, st.State, response)
		if errValidate != nil {
			return fmt.Errorf("%w: %v", errCredentialRejected, errValidate)
		}

		matched, errMatch := matchKey(keys, validated.ID)
		if errMatch != nil {
			return errMatch
		}
		passkey, errKey := matched.Passkey()
		if errKey != nil {
			return errKey
		}
		// Persist the updated authenticator state (sign counter).
		passkey.Credential = *validated
		if errSet := matched.SetPasskey(passkey); errSet != nil {
			return errSet
		}
		if errUpdate := tx.UpdateWebAuthnKey(ctx, matched); errUpdate != nil {
			return errUpdate
		}

		accountUUID = account.UUID
		return nil
	})
	if errors.Is(errTx, store.ErrNotFound) || errors.Is(errTx, errCredentialRejected) || errors.Is(errTx, security.ErrNoAttestedKeys) {
		respondLoginFailed(c)
		return
	}
	if errTx != nil {
		respondInternalError(c, "finish webauthn login", errTx)
		return
	}

	if errSession := handle.SetAccount(ctx, accountUUID); errSession != nil {
		respondInternalError(c, "persist login", errSession)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// errCredentialRejected marks failures attributable to the submitted
// credential rather than the service.
var errCredentialRejected = errors.New("credential rejected")

func matchKey(keys []models.WebAuthnKey, credentialID []byte) (*models.WebAuthnKey, error) {
	for i := range keys {
		passkey, errKey := keys[i].Passkey()
		if errKey != nil {
			return nil, errKey
		}
		if bytes.Equal(passkey.Credential.ID, credentialID) {
			return &keys[i], nil
		}
	}
	return nil, fmt.Errorf("%w: unknown credential", errCredentialRejected)
}

// StartWebAuthnRegistration begins a registration ceremony for the logged-in
// local account.
func (h *AuthHandler) StartWebAuthnRegistration(c *gin.Context) {
	account, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	var request struct {
		Label string `json:"label" binding:"required,max=255"`
	}
	if errBind := c.ShouldBindJSON(&request); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid label"})
		return
	}

	ctx := c.Request.Context()
	keys, errKeys := h.store.ListWebAuthnKeys(ctx, local.UUID)
	if errKeys != nil {
		respondInternalError(c, "list webauthn keys", errKeys)
		return
	}

	options, state, errBegin := h.engine.BeginRegistration(account, keys)
	if errBegin != nil {
		respondInternalError(c, "begin webauthn registration", errBegin)
		return
	}

	errPut := session.FromContext(c).PutWebAuthnRegistration(ctx, session.WebAuthnRegistrationState{
		Label: request.Label,
		State: *state,
	})
	if errPut != nil {
		respondInternalError(c, "stash webauthn challenge", errPut)
		return
	}
	c.JSON(http.StatusOK, options)
}

// FinishWebAuthnRegistration consumes the stashed challenge, validates the
// attestation, classifies it and stores the new key.
func (h *AuthHandler) FinishWebAuthnRegistration(c *gin.Context) {
	account, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	st, errTake := session.FromContext(c).TakeWebAuthnRegistration(ctx)
	if errors.Is(errTake, session.ErrNoEntry) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoOngoingChallenge})
		return
	}
	if errTake != nil {
		respondInternalError(c, "consume webauthn challenge", errTake)
		return
	}

	response, errParse := protocol.ParseCredentialCreationResponseBody(c.Request.Body)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "registration failed"})
		return
	}

	passkey, errFinish := h.engine.FinishRegistration(account, st.State, response)
	if errFinish != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "registration failed"})
		return
	}

	key := models.WebAuthnKey{Label: st.Label, LocalAccountUUID: local.UUID}
	if errSet := key.SetPasskey(passkey); errSet != nil {
		respondInternalError(c, "serialize webauthn key", errSet)
		return
	}
	if errCreate := h.store.CreateWebAuthnKey(ctx, &key); errCreate != nil {
		respondInternalError(c, "store webauthn key", errCreate)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"uuid":        key.UUID,
		"label":       key.Label,
		"attestation": passkey.Attestation,
	})
}

// ListWebAuthnKeys returns the registered authenticators of the logged-in
// local account.
func (h *AuthHandler) ListWebAuthnKeys(c *gin.Context) {
	_, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	keys, errKeys := h.store.ListWebAuthnKeys(c.Request.Context(), local.UUID)
	if errKeys != nil {
		respondInternalError(c, "list webauthn keys", errKeys)
		return
	}

	result := make([]gin.H, 0, len(keys))
	for i := range keys {
		passkey, errKey := keys[i].Passkey()
		if errKey != nil {
			respondInternalError(c, "decode webauthn key", errKey)
			return
		}
		result = append(result, gin.H{
			"uuid":        keys[i].UUID,
			"label":       keys[i].Label,
			"attestation": passkey.Attestation,
			"created_at":  keys[i].CreatedAt,
		})
	}
	c.JSON(http.StatusOK, result)
}

// DeleteWebAuthnKey removes one authenticator. Removing the last attested
// key is refused unless a password remains, so an account can never lock
// itself out.
func (h *AuthHandler) DeleteWebAuthnKey(c *gin.Context) {
	account, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	keyUUID, errParse := uuid.Parse(c.Param("uuid"))
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key uuid"})
		return
	}

	ctx := c.Request.Context()
	errTx := h.store.InTx(ctx, func(tx store.Store) error {
		// Re-read the password inside the transaction: a concurrent password
		// delete must not slip past the last-factor check.
		freshLocal, errLocal := tx.GetLocalAccount(ctx, account.UUID)
		if errLocal != nil {
			return errLocal
		}
		keys, errKeys := tx.ListWebAuthnKeys(ctx, local.UUID)
		if errKeys != nil {
			return errKeys
		}

		var target *models.WebAuthnKey
		remaining := make([]models.WebAuthnKey, 0, len(keys))
		for i := range keys {
			if keys[i].UUID == keyUUID {
				target = &keys[i]
				continue
			}
			remaining = append(remaining, keys[i])
		}
		if target == nil {
			return store.ErrNotFound
		}

		passkey, errKey := target.Passkey()
		if errKey != nil {
			return errKey
		}
		usable, errTag := passkey.Usable()
		if errTag != nil {
			return errTag
		}
		if usable {
			otherAttested, errAttested := models.AnyAttested(remaining)
			if errAttested != nil {
				return errAttested
			}
			if !otherAttested && freshLocal.Password == nil {
				return errLastLoginMethod
			}
		}
		return tx.DeleteWebAuthnKey(ctx, local.UUID, keyUUID)
	})
	if errors.Is(errTx, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such key"})
		return
	}
	if errors.Is(errTx, errLastLoginMethod) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoOtherLoginMethod})
		return
	}
	if errTx != nil {
		respondInternalError(c, "delete webauthn key", errTx)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// errLastLoginMethod marks a credential removal that would lock the account
// out.
var errLastLoginMethod = errors.New("last login method")
