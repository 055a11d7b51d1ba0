package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is the global identity every login mechanism resolves to.
// An account is linked to exactly one of LocalAccount or OidcAccount.
type Account struct {
	UUID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	Identifier string `gorm:"type:varchar(255);not null;uniqueIndex"` // Human-facing unique login identifier.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// LocalAccount links an account to locally held credentials.
type LocalAccount struct {
	UUID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	// Password is the local password factor. Nil means no password is
	// configured and the account relies on its attested webauthn keys.
	Password *string `gorm:"type:varchar(1024)"`

	AccountUUID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`                                            // Owning account.
	Account     Account   `gorm:"foreignKey:AccountUUID;references:UUID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"` // Owning account.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// OidcAccount links an account to a federated identity. The (issuer,
// subject) pair identifies at most one account.
type OidcAccount struct {
	UUID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	Issuer  string `gorm:"type:varchar(255);not null;uniqueIndex:idx_oidc_identity"` // Provider issuer URL.
	Subject string `gorm:"type:varchar(255);not null;uniqueIndex:idx_oidc_identity"` // Provider-scoped subject.

	AccountUUID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`                                            // Owning account.
	Account     Account   `gorm:"foreignKey:AccountUUID;references:UUID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"` // Owning account.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TotpKey is a provisioned TOTP secret. It is stored for a future second
// factor and is not consumed by any login flow yet.
type TotpKey struct {
	UUID uuid.UUID `gorm:"type:uuid;primaryKey"` // Primary key.

	Label  string `gorm:"type:varchar(255);not null"` // User-chosen display label.
	Secret []byte `gorm:"type:bytea;not null"`        // Shared secret (32 bytes).

	LocalAccountUUID uuid.UUID    `gorm:"type:uuid;not null;index"`                                                       // Owning local account.
	LocalAccount     LocalAccount `gorm:"foreignKey:LocalAccountUUID;references:UUID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"` // Owning local account.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
