// Package session implements server-side browser sessions backed by the
// database. The cookie carries only an opaque random token; all state,
// including in-flight login challenges, lives in the session row.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/idgate/idgate/internal/config"
	"github.com/idgate/idgate/internal/db"
	"github.com/idgate/idgate/internal/models"
)

// contextKey is the gin context key the middleware stores the handle under.
const contextKey = "idgate.session"

// accountKey is the session entry marking a completed login.
const accountKey = "account"

// ErrNoEntry is returned when a session entry is absent.
var ErrNoEntry = errors.New("session: no such entry")

// Store creates, loads and expires sessions.
type Store struct {
	db         *gorm.DB
	cookieName string
	ttl        time.Duration
}

// NewStore builds a session store over the given connection.
func NewStore(conn *gorm.DB, cfg config.SessionConfig) *Store {
	return &Store{db: conn, cookieName: cfg.CookieName, ttl: cfg.TTL}
}

// Handle is a live session bound to one request. Mutations write through to
// the database immediately.
type Handle struct {
	store *Store
	row   models.Session
}

// Token returns the opaque session token.
func (h *Handle) Token() string {
	return h.row.Token
}

// Middleware loads the request's session, creating a fresh one when the
// cookie is absent, expired or unknown, and re-issues the cookie.
func (m *Store) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle, errLoad := m.loadOrCreate(c)
		if errLoad != nil {
			log.WithError(errLoad).Error("session middleware failed")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		maxAge := int(m.ttl / time.Second)
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(m.cookieName, handle.Token(), maxAge, "/", "", false, true)

		c.Set(contextKey, handle)
		c.Next()
	}
}

// FromContext returns the session handle set by Middleware.
func FromContext(c *gin.Context) *Handle {
	value, ok := c.Get(contextKey)
	if !ok {
		return nil
	}
	handle, _ := value.(*Handle)
	return handle
}

func (m *Store) loadOrCreate(c *gin.Context) (*Handle, error) {
	ctx := c.Request.Context()
	token, errCookie := c.Cookie(m.cookieName)
	if errCookie == nil && token != "" {
		handle, errGet := m.Get(ctx, token)
		if errGet == nil {
			return handle, nil
		}
		if !errors.Is(errGet, ErrNoEntry) {
			return nil, errGet
		}
	}
	return m.Create(ctx)
}

// Create inserts a fresh empty session.
func (m *Store) Create(ctx context.Context) (*Handle, error) {
	token, errToken := newToken()
	if errToken != nil {
		return nil, errToken
	}
	row := models.Session{
		Token:     token,
		Data:      datatypes.JSON([]byte("{}")),
		ExpiresAt: time.Now().Add(m.ttl),
	}
	if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return &Handle{store: m, row: row}, nil
}

// Get loads an unexpired session by token. Expired or unknown tokens return
// ErrNoEntry.
func (m *Store) Get(ctx context.Context, token string) (*Handle, error) {
	var row models.Session
	err := m.db.WithContext(ctx).
		Where("token = ? AND expires_at > ?", token, time.Now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	return &Handle{store: m, row: row}, nil
}

// DeleteExpired removes all sessions past their expiry. Returns the number
// of rows removed.
func (m *Store) DeleteExpired(ctx context.Context) (int64, error) {
	result := m.db.WithContext(ctx).
		Where("expires_at <= ?", time.Now()).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session: delete expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Put stores value under key, replacing any previous entry.
func (h *Handle) Put(ctx context.Context, key string, value any) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("session: marshal %q: %w", key, errMarshal)
	}
	return h.mutate(ctx, func(data map[string]json.RawMessage) error {
		data[key] = payload
		return nil
	})
}

// Get reads the entry under key into out without removing it.
func (h *Handle) Get(ctx context.Context, key string, out any) error {
	data, errData := h.data()
	if errData != nil {
		return errData
	}
	raw, ok := data[key]
	if !ok {
		return ErrNoEntry
	}
	if errUnmarshal := json.Unmarshal(raw, out); errUnmarshal != nil {
		return fmt.Errorf("session: unmarshal %q: %w", key, errUnmarshal)
	}
	return nil
}

// Take reads and removes the entry under key in one step. Challenge state is
// always consumed this way so a response can never be replayed against the
// same challenge, even when verification fails afterwards.
func (h *Handle) Take(ctx context.Context, key string, out any) error {
	var raw json.RawMessage
	found := false
	errMutate := h.mutate(ctx, func(data map[string]json.RawMessage) error {
		raw, found = data[key]
		delete(data, key)
		return nil
	})
	if errMutate != nil {
		return errMutate
	}
	if !found {
		return ErrNoEntry
	}
	if errUnmarshal := json.Unmarshal(raw, out); errUnmarshal != nil {
		return fmt.Errorf("session: unmarshal %q: %w", key, errUnmarshal)
	}
	return nil
}

// Delete removes the entry under key if present.
func (h *Handle) Delete(ctx context.Context, key string) error {
	return h.mutate(ctx, func(data map[string]json.RawMessage) error {
		delete(data, key)
		return nil
	})
}

// AccountUUID returns the logged-in account, or false when the session is
// anonymous.
func (h *Handle) AccountUUID(ctx context.Context) (uuid.UUID, bool, error) {
	var id uuid.UUID
	errGet := h.Get(ctx, accountKey, &id)
	if errors.Is(errGet, ErrNoEntry) {
		return uuid.Nil, false, nil
	}
	if errGet != nil {
		return uuid.Nil, false, errGet
	}
	return id, true, nil
}

// SetAccount marks the session as logged in.
func (h *Handle) SetAccount(ctx context.Context, accountUUID uuid.UUID) error {
	return h.Put(ctx, accountKey, accountUUID)
}

// ClearAccount logs the session out, dropping any in-flight challenge state
// along with the account marker.
func (h *Handle) ClearAccount(ctx context.Context) error {
	return h.mutate(ctx, func(data map[string]json.RawMessage) error {
		for key := range data {
			delete(data, key)
		}
		return nil
	})
}

func (h *Handle) data() (map[string]json.RawMessage, error) {
	data := map[string]json.RawMessage{}
	if len(h.row.Data) > 0 {
		if errUnmarshal := json.Unmarshal(h.row.Data, &data); errUnmarshal != nil {
			return nil, fmt.Errorf("session: corrupt data: %w", errUnmarshal)
		}
	}
	return data, nil
}

// mutate applies fn to the session data inside a transaction holding a row
// lock, then persists the result. SQLite serializes writers already, so the
// explicit lock is skipped there.
func (h *Handle) mutate(ctx context.Context, fn func(data map[string]json.RawMessage) error) error {
	errTx := h.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("token = ?", h.row.Token)
		if !db.IsSQLite(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var row models.Session
		if errFirst := query.First(&row).Error; errFirst != nil {
			if errors.Is(errFirst, gorm.ErrRecordNotFound) {
				return ErrNoEntry
			}
			return fmt.Errorf("session: load for update: %w", errFirst)
		}

		data := map[string]json.RawMessage{}
		if len(row.Data) > 0 {
			if errUnmarshal := json.Unmarshal(row.Data, &data); errUnmarshal != nil {
				return fmt.Errorf("session: corrupt data: %w", errUnmarshal)
			}
		}
		if errFn := fn(data); errFn != nil {
			return errFn
		}

		payload, errMarshal := json.Marshal(data)
		if errMarshal != nil {
			return fmt.Errorf("session: marshal data: %w", errMarshal)
		}
		row.Data = datatypes.JSON(payload)
		if errSave := tx.Model(&models.Session{}).
			Where("token = ?", row.Token).
			Update("data", row.Data).Error; errSave != nil {
			return fmt.Errorf("session: save: %w", errSave)
		}

		h.row = row
		return nil
	})
	return errTx
}
