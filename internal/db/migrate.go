package db

import (
	"fmt"

	"github.com/idgate/idgate/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errAutoMigrate := conn.AutoMigrate(
		&models.Account{},
		&models.LocalAccount{},
		&models.OidcAccount{},
		&models.WebAuthnKey{},
		&models.TotpKey{},
		&models.Session{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return nil
}
