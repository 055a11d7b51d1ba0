package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session is a server-side browser session. The token is the opaque value
// delivered in the session cookie; Data is a key to JSON-value map holding
// the logged-in account marker and in-flight challenge state.
type Session struct {
	Token string `gorm:"type:varchar(64);primaryKey"` // Opaque session token.

	Data datatypes.JSON `gorm:""` // JSON object of named entries.

	ExpiresAt time.Time `gorm:"not null;index"`          // Absolute expiry.
	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
