package authcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/plusme/authcore/password"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func newTestHasher(t *testing.T) *password.Argon2 {
	t.Helper()

	h, err := password.NewArgon2(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.Secret = []byte("test-secret-test-secret-test-secret")
	cfg.Login.RateLimit = 100
	cfg.Login.MaxFailedLogins = 3
	cfg.Signup.RateLimit = 100
	cfg.Signup.MaxVerifyAttempts = 3
	cfg.PasswordReset.RateLimit = 100
	cfg.PasswordReset.MaxAttempts = 3
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.KeyLength = 16
	cfg.Audit.Enabled = false
	cfg.Sweep.Enabled = false
	return cfg
}

func newTestEngine(t *testing.T, rdb *redis.Client, users UserStore, mailer Mailer, cfg Config) *Engine {
	t.Helper()

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithMailer(mailer).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine
}

// mockUserStore mirrors the durable store's case-insensitive uniqueness
// semantics in memory.
type mockUserStore struct {
	mu    sync.Mutex
	users map[string]*User // id -> user
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]*User)}
}

func (m *mockUserStore) add(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *u
	m.users[u.ID] = &copied
}

func (m *mockUserStore) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

func (m *mockUserStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

func (m *mockUserStore) GetByIdentifier(ctx context.Context, identifier string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, identifier) || strings.EqualFold(u.Username, identifier) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockUserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Username, username) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *mockUserStore) GetByID(ctx context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (m *mockUserStore) Create(ctx context.Context, u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) || strings.EqualFold(existing.Username, u.Username) {
			return nil, ErrUserExists
		}
	}

	now := time.Now().UTC()
	created := *u
	created.CreatedAt = now
	created.UpdatedAt = now
	m.users[created.ID] = &created

	copied := created
	return &copied, nil
}

func (m *mockUserStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

// stubMailer records the last code and token handed to each sender. failFor
// makes the next N sends fail, to exercise retry and cleanup paths.
type stubMailer struct {
	mu              sync.Mutex
	verifyCalls     int
	resetCalls      int
	lastEmail       string
	lastCode        string
	lastSignupToken string
	lastResetToken  string
	failFor         int
}

func (s *stubMailer) SendVerificationCode(ctx context.Context, to, code, signupToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++
	if s.failFor > 0 {
		s.failFor--
		return errors.New("smtp unavailable")
	}
	s.lastEmail = to
	s.lastCode = code
	s.lastSignupToken = signupToken
	return nil
}

func (s *stubMailer) SendResetCode(ctx context.Context, to, code, resetToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls++
	if s.failFor > 0 {
		s.failFor--
		return errors.New("smtp unavailable")
	}
	s.lastEmail = to
	s.lastCode = code
	s.lastResetToken = resetToken
	return nil
}

func (s *stubMailer) last() (code, signupToken, resetToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode, s.lastSignupToken, s.lastResetToken
}

func clientContextFor(ip, userAgent string) context.Context {
	ctx := WithClientIP(context.Background(), ip)
	return WithUserAgent(ctx, userAgent)
}

func seedVerifiedUser(t *testing.T, store *mockUserStore, hasher *password.Argon2, plaintext string) *User {
	t.Helper()

	hash, err := hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	user := &User{
		ID:            "u1",
		Name:          "Alice Example",
		Username:      "alice",
		Email:         "alice@example.com",
		PasswordHash:  hash,
		EmailVerified: true,
	}
	store.add(user)
	return user
}
