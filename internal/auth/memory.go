package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"llacademy.ng/internal/ids"
)

var (
	_ RevocationStore = (*MemoryRevocations)(nil)
	_ UserStore       = (*MemoryUsers)(nil)
)

// MemoryRevocations keeps revocations in process memory.
type MemoryRevocations struct {
	mu      sync.RWMutex
	entries map[string]RevocationEntry
}

func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: make(map[string]RevocationEntry)}
}

func (m *MemoryRevocations) Insert(_ context.Context, entry RevocationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.TokenID]; ok {
		return nil
	}
	m.entries[entry.TokenID] = entry
	return nil
}

func (m *MemoryRevocations) Contains(_ context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[tokenID]
	return ok, nil
}

func (m *MemoryRevocations) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entries {
		if !e.ExpiresAt.After(now) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored entries.
func (m *MemoryRevocations) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// MemoryUsers keeps users in process memory.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]User)}
}

func (m *MemoryUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrAlreadyExists
		}
		if u.ExternalID != "" && existing.ExternalID == u.ExternalID {
			return ErrAlreadyExists
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	return m.findBy(func(u User) bool { return strings.EqualFold(u.Email, email) })
}

func (m *MemoryUsers) FindByExternalID(_ context.Context, externalID string) (*User, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	return m.findBy(func(u User) bool { return u.ExternalID == externalID })
}

func (m *MemoryUsers) findBy(match func(User) bool) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryUsers) LinkExternalID(_ context.Context, userID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.users {
		if id != userID && other.ExternalID == externalID {
			return ErrAlreadyExists
		}
	}
	u.ExternalID = externalID
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemoryUsers) UpdateRole(_ context.Context, userID string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return nil
}
