package handlers

import (
	"encoding/base32"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/idgate/idgate/internal/models"
	"github.com/idgate/idgate/internal/session"
	"github.com/idgate/idgate/internal/store"
)

// totpIssuer is the issuer name shown in authenticator apps.
const totpIssuer = "idgate"

// PrepareTotp provisions a new TOTP secret. The secret stays in the session
// until the client proves possession by confirming a code.
func (h *AuthHandler) PrepareTotp(c *gin.Context) {
	account, _, ok := h.requireLocalAccount(c)
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

	key, errGenerate := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: account.Identifier,
		SecretSize:  32,
	})
	if errGenerate != nil {
		respondInternalError(c, "generate totp secret", errGenerate)
		return
	}

	errPut := session.FromContext(c).PutTotpEnrollment(c.Request.Context(), session.TotpEnrollmentState{
		Label:  request.Label,
		Secret: key.Secret(),
	})
	if errPut != nil {
		respondInternalError(c, "stash totp enrollment", errPut)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"secret": key.Secret(),
		"url":    key.URL(),
	})
}

// ConfirmTotp validates a code against the provisioned secret and persists
// the key. The enrollment is consumed either way.
func (h *AuthHandler) ConfirmTotp(c *gin.Context) {
	_, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	var request struct {
		Code string `json:"code" binding:"required"`
	}
	if errBind := c.ShouldBindJSON(&request); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid code"})
		return
	}

	ctx := c.Request.Context()
	st, errTake := session.FromContext(c).TakeTotpEnrollment(ctx)
	if errors.Is(errTake, session.ErrNoEntry) {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoOngoingChallenge})
		return
	}
	if errTake != nil {
		respondInternalError(c, "consume totp enrollment", errTake)
		return
	}

	if !totp.Validate(request.Code, st.Secret) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid code"})
		return
	}

	secret, errDecode := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(st.Secret)
	if errDecode != nil {
		respondInternalError(c, "decode totp secret", errDecode)
		return
	}

	key := models.TotpKey{Label: st.Label, Secret: secret, LocalAccountUUID: local.UUID}
	if errCreate := h.store.CreateTotpKey(ctx, &key); errCreate != nil {
		respondInternalError(c, "store totp key", errCreate)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uuid": key.UUID, "label": key.Label})
}

// ListTotpKeys returns the confirmed TOTP keys of the logged-in local
// account.
func (h *AuthHandler) ListTotpKeys(c *gin.Context) {
	_, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	keys, errKeys := h.store.ListTotpKeys(c.Request.Context(), local.UUID)
	if errKeys != nil {
		respondInternalError(c, "list totp keys", errKeys)
		return
	}

	result := make([]gin.H, 0, len(keys))
	for i := range keys {
		result = append(result, gin.H{
			"uuid":       keys[i].UUID,
			"label":      keys[i].Label,
			"created_at": keys[i].CreatedAt,
		})
	}
	c.JSON(http.StatusOK, result)
}

// DeleteTotpKey removes one confirmed TOTP key.
func (h *AuthHandler) DeleteTotpKey(c *gin.Context) {
	_, local, ok := h.requireLocalAccount(c)
	if !ok {
		return
	}

	keyUUID, errParse := uuid.Parse(c.Param("uuid"))
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key uuid"})
		return
	}

	errDelete := h.store.DeleteTotpKey(c.Request.Context(), local.UUID, keyUUID)
	if errors.Is(errDelete, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such key"})
		return
	}
	if errDelete != nil {
		respondInternalError(c, "delete totp key", errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
