package userstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/plusme/authcore"
)

// Memory is a map-backed UserStore with the same case-insensitive uniqueness
// semantics as [Postgres]. Intended for tests and examples.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]*authcore.User
	index map[string]string // lowercased email/username -> id
}

func NewMemory() *Memory {
	return &Memory{
		byID:  make(map[string]*authcore.User),
		index: make(map[string]string),
	}
}

func (m *Memory) GetByIdentifier(ctx context.Context, identifier string) (*authcore.User, error) {
	return m.lookup(identifier)
}

func (m *Memory) GetByEmail(ctx context.Context, email string) (*authcore.User, error) {
	return m.lookup(email)
}

func (m *Memory) GetByUsername(ctx context.Context, username string) (*authcore.User, error) {
	return m.lookup(username)
}

func (m *Memory) GetByID(ctx context.Context, id string) (*authcore.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.byID[id]
	if !ok {
		return nil, authcore.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *Memory) Create(ctx context.Context, u *authcore.User) (*authcore.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	emailKey := strings.ToLower(u.Email)
	usernameKey := strings.ToLower(u.Username)
	if _, taken := m.index[emailKey]; taken {
		return nil, authcore.ErrUserExists
	}
	if _, taken := m.index[usernameKey]; taken {
		return nil, authcore.ErrUserExists
	}

	now := time.Now().UTC()
	created := *u
	created.CreatedAt = now
	created.UpdatedAt = now

	m.byID[created.ID] = &created
	m.index[emailKey] = created.ID
	m.index[usernameKey] = created.ID

	copied := created
	return &copied, nil
}

func (m *Memory) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byID[id]
	if !ok {
		return authcore.ErrUserNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) lookup(identifier string) (*authcore.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.index[strings.ToLower(identifier)]
	if !ok {
		return nil, authcore.ErrUserNotFound
	}
	copied := *m.byID[id]
	return &copied, nil
}
