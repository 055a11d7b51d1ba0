package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/idgate/idgate/internal/models"
)

// ErrNotFound is returned by lookups when no matching row exists.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence surface of the authentication service. Handlers
// never touch gorm directly; keeping the capability set fixed here keeps the
// flows reviewable and lets tests substitute storage wholesale.
type Store interface {
	// InTx runs fn inside a transaction. The Store passed to fn routes every
	// call through the transaction; the transaction commits when fn returns
	// nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Store) error) error

	ResolveAccount(ctx context.Context, identifier string) (*models.Account, error)
	GetAccount(ctx context.Context, accountUUID uuid.UUID) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error

	GetLocalAccount(ctx context.Context, accountUUID uuid.UUID) (*models.LocalAccount, error)
	SetLocalPassword(ctx context.Context, localUUID uuid.UUID, password *string) error

	ListWebAuthnKeys(ctx context.Context, localUUID uuid.UUID) ([]models.WebAuthnKey, error)
	CreateWebAuthnKey(ctx context.Context, key *models.WebAuthnKey) error
	UpdateWebAuthnKey(ctx context.Context, key *models.WebAuthnKey) error
	DeleteWebAuthnKey(ctx context.Context, localUUID, keyUUID uuid.UUID) error

	FindOidcAccount(ctx context.Context, issuer, subject string) (*models.OidcAccount, error)
	GetOidcAccountForAccount(ctx context.Context, accountUUID uuid.UUID) (*models.OidcAccount, error)
	CreateOidcAccount(ctx context.Context, oidcAccount *models.OidcAccount) error

	ListTotpKeys(ctx context.Context, localUUID uuid.UUID) ([]models.TotpKey, error)
	CreateTotpKey(ctx context.Context, key *models.TotpKey) error
	DeleteTotpKey(ctx context.Context, localUUID, keyUUID uuid.UUID) error
}

// GormStore implements Store on a gorm connection.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a gorm connection.
func NewGormStore(conn *gorm.DB) *GormStore {
	return &GormStore{db: conn}
}

// InTx runs fn inside a gorm transaction.
func (s *GormStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// ResolveAccount looks up an account by its login identifier.
func (s *GormStore) ResolveAccount(ctx context.Context, identifier string) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&account).Error; err != nil {
		return nil, mapError("resolve account", err)
	}
	return &account, nil
}

// GetAccount loads an account by primary key.
func (s *GormStore) GetAccount(ctx context.Context, accountUUID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("uuid = ?", accountUUID).First(&account).Error; err != nil {
		return nil, mapError("get account", err)
	}
	return &account, nil
}

// CreateAccount inserts a new account row.
func (s *GormStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.UUID == uuid.Nil {
		account.UUID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("store: create account: %w", err)
	}
	return nil
}

// GetLocalAccount loads the local credentials row for an account.
func (s *GormStore) GetLocalAccount(ctx context.Context, accountUUID uuid.UUID) (*models.LocalAccount, error) {
	var local models.LocalAccount
	if err := s.db.WithContext(ctx).Where("account_uuid = ?", accountUUID).First(&local).Error; err != nil {
		return nil, mapError("get local account", err)
	}
	return &local, nil
}

// SetLocalPassword sets or clears (nil) the password of a local account.
func (s *GormStore) SetLocalPassword(ctx context.Context, localUUID uuid.UUID, password *string) error {
	result := s.db.WithContext(ctx).
		Model(&models.LocalAccount{}).
		Where("uuid = ?", localUUID).
		Update("password", password)
	if result.Error != nil {
		return fmt.Errorf("store: set local password: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWebAuthnKeys returns all authenticators of a local account.
func (s *GormStore) ListWebAuthnKeys(ctx context.Context, localUUID uuid.UUID) ([]models.WebAuthnKey, error) {
	var keys []models.WebAuthnKey
	if err := s.db.WithContext(ctx).
		Where("local_account_uuid = ?", localUUID).
		Order("created_at ASC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("store: list webauthn keys: %w", err)
	}
	return keys, nil
}

// CreateWebAuthnKey inserts a registered authenticator.
func (s *GormStore) CreateWebAuthnKey(ctx context.Context, key *models.WebAuthnKey) error {
	if key.UUID == uuid.Nil {
		key.UUID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("store: create webauthn key: %w", err)
	}
	return nil
}

// UpdateWebAuthnKey persists changed key material (e.g. sign counter).
func (s *GormStore) UpdateWebAuthnKey(ctx context.Context, key *models.WebAuthnKey) error {
	result := s.db.WithContext(ctx).
		Model(&models.WebAuthnKey{}).
		Where("uuid = ?", key.UUID).
		Updates(map[string]any{"label": key.Label, "key": key.Key})
	if result.Error != nil {
		return fmt.Errorf("store: update webauthn key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWebAuthnKey removes one authenticator of a local account.
func (s *GormStore) DeleteWebAuthnKey(ctx context.Context, localUUID, keyUUID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Where("uuid = ? AND local_account_uuid = ?", keyUUID, localUUID).
		Delete(&models.WebAuthnKey{})
	if result.Error != nil {
		return fmt.Errorf("store: delete webauthn key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOidcAccount looks up a federated identity by (issuer, subject).
func (s *GormStore) FindOidcAccount(ctx context.Context, issuer, subject string) (*models.OidcAccount, error) {
	var oidcAccount models.OidcAccount
	if err := s.db.WithContext(ctx).
		Where("issuer = ? AND subject = ?", issuer, subject).
		First(&oidcAccount).Error; err != nil {
		return nil, mapError("find oidc account", err)
	}
	return &oidcAccount, nil
}

// GetOidcAccountForAccount loads the federated link of an account.
func (s *GormStore) GetOidcAccountForAccount(ctx context.Context, accountUUID uuid.UUID) (*models.OidcAccount, error) {
	var oidcAccount models.OidcAccount
	if err := s.db.WithContext(ctx).
		Where("account_uuid = ?", accountUUID).
		First(&oidcAccount).Error; err != nil {
		return nil, mapError("get oidc account", err)
	}
	return &oidcAccount, nil
}

// CreateOidcAccount inserts a federated identity link.
func (s *GormStore) CreateOidcAccount(ctx context.Context, oidcAccount *models.OidcAccount) error {
	if oidcAccount.UUID == uuid.Nil {
		oidcAccount.UUID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(oidcAccount).Error; err != nil {
		return fmt.Errorf("store: create oidc account: %w", err)
	}
	return nil
}

// ListTotpKeys returns all provisioned TOTP secrets of a local account.
func (s *GormStore) ListTotpKeys(ctx context.Context, localUUID uuid.UUID) ([]models.TotpKey, error) {
	var keys []models.TotpKey
	if err := s.db.WithContext(ctx).
		Where("local_account_uuid = ?", localUUID).
		Order("created_at ASC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("store: list totp keys: %w", err)
	}
	return keys, nil
}

// CreateTotpKey inserts a confirmed TOTP secret.
func (s *GormStore) CreateTotpKey(ctx context.Context, key *models.TotpKey) error {
	if key.UUID == uuid.Nil {
		key.UUID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return fmt.Errorf("store: create totp key: %w", err)
	}
	return nil
}

// DeleteTotpKey removes one TOTP secret of a local account.
func (s *GormStore) DeleteTotpKey(ctx context.Context, localUUID, keyUUID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Where("uuid = ? AND local_account_uuid = ?", keyUUID, localUUID).
		Delete(&models.TotpKey{})
	if result.Error != nil {
		return fmt.Errorf("store: delete totp key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func mapError(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
