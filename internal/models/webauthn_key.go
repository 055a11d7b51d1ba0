package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PasskeyAttestation is the trust level recorded for a registered
// authenticator. It is a tagged union discriminator, not a boolean: future
// consumers may need to treat not-attested keys specially (e.g. prompt for
// re-registration) instead of just filtering them.
type PasskeyAttestation string

const (
	// PasskeyAttested marks a key whose attestation chained to one of the
	// configured attestation CAs at registration time. Only attested keys
	// count as a usable login factor.
	PasskeyAttested PasskeyAttestation = "attested"
	// PasskeyNotAttested marks a self-attested key. Kept in storage but
	// excluded from authentication and second-factor checks.
	PasskeyNotAttested PasskeyAttestation = "not_attested"
)

// StoredPasskey is the serialized form of a registered authenticator.
type StoredPasskey struct {
	Attestation PasskeyAttestation  `json:"attestation"`
	Credential  webauthn.Credential `json:"credential"`
}

// Usable reports whether the key may satisfy authentication and
// "has another login method" checks. The switch is exhaustive on purpose:
// an unknown tag is an error, never silently unusable.
func (p StoredPasskey) Usable() (bool, error) {
	switch p.Attestation {
	case PasskeyAttested:
		return true, nil
	case PasskeyNotAttested:
		return false, nil
	default:
		return false, fmt.Errorf("models: unknown passkey attestation tag %q", p.Attestation)
	}
}

// WebAuthnKey is one registered authenticator of a local account.
type WebAuthnKey struct {
	UUID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	Label string         `gorm:"type:varchar(255);not null"` // User-chosen display label.
	Key   datatypes.JSON `gorm:"not null"`                   // Serialized StoredPasskey.

	LocalAccountUUID uuid.UUID    `gorm:"type:uuid;not null;index"`                                                       // Owning local account.
	LocalAccount     LocalAccount `gorm:"foreignKey:LocalAccountUUID;references:UUID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"` // Owning local account.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Passkey deserializes the stored key material.
func (k *WebAuthnKey) Passkey() (StoredPasskey, error) {
	var p StoredPasskey
	if errUnmarshal := json.Unmarshal(k.Key, &p); errUnmarshal != nil {
		return StoredPasskey{}, fmt.Errorf("models: unmarshal passkey %s: %w", k.UUID, errUnmarshal)
	}
	if _, errTag := p.Usable(); errTag != nil {
		return StoredPasskey{}, errTag
	}
	return p, nil
}

// SetPasskey serializes key material into the row.
func (k *WebAuthnKey) SetPasskey(p StoredPasskey) error {
	if _, errTag := p.Usable(); errTag != nil {
		return errTag
	}
	payload, errMarshal := json.Marshal(p)
	if errMarshal != nil {
		return fmt.Errorf("models: marshal passkey: %w", errMarshal)
	}
	k.Key = datatypes.JSON(payload)
	return nil
}

// AnyAttested reports whether at least one key in the list is attested.
func AnyAttested(keys []WebAuthnKey) (bool, error) {
	for i := range keys {
		p, errKey := keys[i].Passkey()
		if errKey != nil {
			return false, errKey
		}
		usable, errTag := p.Usable()
		if errTag != nil {
			return false, errTag
		}
		if usable {
			return true, nil
		}
	}
	return false, nil
}
