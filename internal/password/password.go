// Package password guards settings access with a locally stored admin
// password. Only the bcrypt hash is ever persisted.
package password

import (
	"context"
	"errors"
	"fmt"

	"github.com/devicelock/devicelock-agent/internal/settings"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Settings keys.
const (
	HashKey          = "admin_password_hash"
	SetupCompleteKey = "setup_complete"
)

// Cost is the bcrypt work factor.
const Cost = 12

var (
	ErrEmptyPassword = errors.New("password must not be empty")
	ErrWrongPassword = errors.New("current password is incorrect")
)

// Manager 管理员密码
type Manager struct {
	store  settings.Store
	cost   int
	logger *logrus.Logger
}

func NewManager(store settings.Store, logger *logrus.Logger) *Manager {
	return &Manager{store: store, cost: Cost, logger: logger}
}

// CreateAndSave hashes plain, stores the hash and marks setup complete.
func (m *Manager) CreateAndSave(ctx context.Context, plain string) error {
	if plain == "" {
		return ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), m.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := m.store.Set(ctx, HashKey, string(hash)); err != nil {
		return fmt.Errorf("save password hash: %w", err)
	}
	if err := settings.SetBool(ctx, m.store, SetupCompleteKey, true); err != nil {
		return fmt.Errorf("mark setup complete: %w", err)
	}
	m.logger.Info("Admin password saved")
	return nil
}

// Verify reports whether plain matches the stored hash. It is false when
// no password has been set or the store cannot be read.
func (m *Manager) Verify(ctx context.Context, plain string) bool {
	hash, ok, err := m.store.Get(ctx, HashKey)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read password hash")
		return false
	}
	if !ok || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// IsSet reports whether a password hash is stored.
func (m *Manager) IsSet(ctx context.Context) (bool, error) {
	hash, ok, err := m.store.Get(ctx, HashKey)
	if err != nil {
		return false, err
	}
	return ok && hash != "", nil
}

// Change replaces the password after checking the current one.
func (m *Manager) Change(ctx context.Context, current, next string) error {
	if !m.Verify(ctx, current) {
		m.logger.Warn("Password change rejected")
		return ErrWrongPassword
	}
	return m.CreateAndSave(ctx, next)
}

// SetupComplete reports whether initial setup finished.
func (m *Manager) SetupComplete(ctx context.Context) (bool, error) {
	return settings.GetBool(ctx, m.store, SetupCompleteKey, false)
}
