package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zeroornull/FireMail/internal/api"
	"github.com/zeroornull/FireMail/pkg/models"
)

// ErrExpiredToken means the persisted credential is past its expiry.
var ErrExpiredToken = errors.New("credential expired")

// ErrNotAdmin means the current identity lacks admin rights.
var ErrNotAdmin = errors.New("admin rights required")

// API is the slice of the request channel the session layer uses.
type API interface {
	Login(ctx context.Context, username, password string) (*api.LoginResult, error)
	Register(ctx context.Context, username, password string) error
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (*models.User, error)
	ChangePassword(ctx context.Context, oldPassword, newPassword string) error
	GetConfig(ctx context.Context) (*api.ServerConfig, error)
	Users(ctx context.Context) ([]models.User, error)
	CreateUser(ctx context.Context, username, password string, isAdmin bool) error
	DeleteUser(ctx context.Context, id int64) error
	ResetUserPassword(ctx context.Context, id int64, newPassword string) error
}

// TokenStore persists the bearer credential across runs.
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// Manager holds the bearer credential and the identity decoded from it, and
// signals session changes so the event channel lifecycle can follow.
type Manager struct {
	apic   API
	tokens TokenStore
	logger *slog.Logger

	mu            sync.RWMutex
	token         string
	user          *models.User
	allowRegister bool
	changeFns     []func(authenticated bool)
}

// NewManager creates a session manager with no active session.
func NewManager(apic API, tokens TokenStore, logger *slog.Logger) *Manager {
	return &Manager{
		apic:          apic,
		tokens:        tokens,
		logger:        logger.With("component", "session"),
		allowRegister: true,
	}
}

// claims is the backend's token payload. The signature is not verified
// client-side; claims are decoded for display and guard decisions only,
// the server re-checks every request.
type claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

func decodeIdentity(token string) (*models.User, error) {
	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return nil, fmt.Errorf("invalid credential: %w", err)
	}
	if c.ExpiresAt != nil && c.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}
	return &models.User{ID: c.UserID, Username: c.Username, IsAdmin: c.IsAdmin}, nil
}

// Restore rehydrates the session from the persisted credential. An absent,
// invalid or expired credential leaves the session logged out and clears
// the store; none of these is an error.
func (m *Manager) Restore() {
	token, err := m.tokens.Load()
	if err != nil {
		m.logger.Warn("failed to load persisted credential", "error", err)
		return
	}
	if token == "" {
		return
	}

	user, err := decodeIdentity(token)
	if err != nil {
		m.logger.Info("discarding persisted credential", "reason", err)
		if err := m.tokens.Clear(); err != nil {
			m.logger.Warn("failed to clear credential", "error", err)
		}
		return
	}

	m.mu.Lock()
	m.token = token
	m.user = user
	m.mu.Unlock()
	m.logger.Info("session restored", "username", user.Username)
	m.notifyChange(true)
}

// Login authenticates and persists the returned credential.
func (m *Manager) Login(ctx context.Context, username, password string) (*models.User, error) {
	result, err := m.apic.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	if err := m.tokens.Save(result.Token); err != nil {
		m.logger.Warn("failed to persist credential", "error", err)
	}

	user := result.User
	m.mu.Lock()
	m.token = result.Token
	m.user = &user
	m.mu.Unlock()
	m.logger.Info("logged in", "username", user.Username, "is_admin", user.IsAdmin)
	m.notifyChange(true)
	return &user, nil
}

// Register creates a new user account. It does not log in.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	if err := m.apic.Register(ctx, username, password); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	return nil
}

// Logout ends the session. The server call is best-effort; local state is
// cleared regardless.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.apic.Logout(ctx); err != nil {
		m.logger.Warn("server logout failed", "error", err)
	}
	m.Invalidate()
}

// Invalidate clears the session without a server call. Wired to the request
// channel's 401 hook: a rejected credential anywhere ends the session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	wasAuthenticated := m.token != ""
	m.token = ""
	m.user = nil
	m.mu.Unlock()

	if err := m.tokens.Clear(); err != nil {
		m.logger.Warn("failed to clear credential", "error", err)
	}
	if wasAuthenticated {
		m.logger.Info("session invalidated")
		m.notifyChange(false)
	}
}

// RefreshUser re-reads the identity from the server.
func (m *Manager) RefreshUser(ctx context.Context) (*models.User, error) {
	if !m.IsAuthenticated() {
		return nil, nil
	}
	user, err := m.apic.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh user: %w", err)
	}
	m.mu.Lock()
	m.user = user
	m.mu.Unlock()
	return user, nil
}

// ChangePassword changes the current user's password.
func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if err := m.apic.ChangePassword(ctx, oldPassword, newPassword); err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}
	return nil
}

// LoadServerConfig fetches the registration-allowed flag.
func (m *Manager) LoadServerConfig(ctx context.Context) error {
	cfg, err := m.apic.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load server config: %w", err)
	}
	m.mu.Lock()
	m.allowRegister = cfg.AllowRegister
	m.mu.Unlock()
	return nil
}

// Token returns the current bearer credential, or "" when logged out. It
// satisfies the TokenSource contract of both channels.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// IsAuthenticated reports whether a session is active.
func (m *Manager) IsAuthenticated() bool {
	return m.Token() != ""
}

// IsAdmin reports whether the current identity has admin rights.
func (m *Manager) IsAdmin() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user != nil && m.user.IsAdmin
}

// User returns the current identity.
func (m *Manager) User() (models.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return models.User{}, false
	}
	return *m.user, true
}

// AllowRegister reports whether the backend accepts registrations.
func (m *Manager) AllowRegister() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allowRegister
}

// OnChange registers a hook invoked with the new authentication state on
// every login, restore and invalidation. Returns an unregistration handle.
func (m *Manager) OnChange(fn func(authenticated bool)) func() {
	m.mu.Lock()
	m.changeFns = append(m.changeFns, fn)
	index := len(m.changeFns) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if index < len(m.changeFns) {
			m.changeFns[index] = nil
		}
	}
}

func (m *Manager) notifyChange(authenticated bool) {
	m.mu.RLock()
	fns := make([]func(bool), len(m.changeFns))
	copy(fns, m.changeFns)
	m.mu.RUnlock()

	for _, fn := range fns {
		if fn != nil {
			fn(authenticated)
		}
	}
}

// --- admin operations ---

// ListUsers returns all users. Admin only.
func (m *Manager) ListUsers(ctx context.Context) ([]models.User, error) {
	if !m.IsAdmin() {
		return nil, ErrNotAdmin
	}
	return m.apic.Users(ctx)
}

// CreateUser creates a user. Admin only.
func (m *Manager) CreateUser(ctx context.Context, username, password string, isAdmin bool) error {
	if !m.IsAdmin() {
		return ErrNotAdmin
	}
	return m.apic.CreateUser(ctx, username, password, isAdmin)
}

// DeleteUser removes a user. Admin only.
func (m *Manager) DeleteUser(ctx context.Context, id int64) error {
	if !m.IsAdmin() {
		return ErrNotAdmin
	}
	return m.apic.DeleteUser(ctx, id)
}

// ResetUserPassword sets a new password for a user. Admin only.
func (m *Manager) ResetUserPassword(ctx context.Context, id int64, newPassword string) error {
	if !m.IsAdmin() {
		return ErrNotAdmin
	}
	return m.apic.ResetUserPassword(ctx, id, newPassword)
}
