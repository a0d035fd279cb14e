package authcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoginSuccessReturnsTokenPair(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	user := seedVerifiedUser(t, store, newTestHasher(t), "Str0ngPass!word")
	engine := newTestEngine(t, rdb, store, &stubMailer{}, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")
	result, err := engine.Login(ctx, "alice", "Str0ngPass!word")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.UserID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, result.UserID)
	}
	if result.AccessToken == "" || result.RefreshToken == "" {
		t.Fatal("expected both tokens to be set")
	}

	identity, err := engine.ValidateAccess(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if identity.UserID != user.ID || identity.Username != "alice" || identity.Email != "alice@example.com" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestLoginByEmailIdentifier(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), "Str0ngPass!word")
	engine := newTestEngine(t, rdb, store, &stubMailer{}, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")
	if _, err := engine.Login(ctx, "ALICE@example.com", "Str0ngPass!word"); err != nil {
		t.Fatalf("Login by email failed: %v", err)
	}
}

func TestLoginUniformErrorForUnknownUserAndWrongPassword(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), "Str0ngPass!word")
	engine := newTestEngine(t, rdb, store, &stubMailer{}, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")

	_, unknownErr := engine.Login(ctx, "nobody", "Str0ngPass!word")
	_, wrongErr := engine.Login(ctx, "alice", "wrong-password-1A")

	if !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Fatalf("unknown user: expected ErrInvalidCredentials, got %v", unknownErr)
	}
	if !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", wrongErr)
	}
	if unknownErr.Error() != wrongErr.Error() {
		t.Fatalf("errors must be indistinguishable: %q vs %q", unknownErr, wrongErr)
	}
}

func TestLoginLocksAfterRepeatedFailures(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), "Str0ngPass!word")
	cfg := testConfig()
	engine := newTestEngine(t, rdb, store, &stubMailer{}, cfg)

	ctx := clientContextFor("198.51.100.7", "test-agent")
	for i := 0; i < cfg.Login.MaxFailedLogins; i++ {
		if _, err := engine.Login(ctx, "alice", "wrong-password-1A"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	// The correct password is rejected while the lock flag is set.
	if _, err := engine.Login(ctx, "alice", "Str0ngPass!word"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestLoginLockExpiresWithTime(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), "Str0ngPass!word")
	cfg := testConfig()
	engine := newTestEngine(t, rdb, store, &stubMailer{}, cfg)

	ctx := clientContextFor("198.51.100.7", "test-agent")
	for i := 0; i < cfg.Login.MaxFailedLogins; i++ {
		_, _ = engine.Login(ctx, "alice", "wrong-password-1A")
	}
	if _, err := engine.Login(ctx, "alice", "Str0ngPass!word"); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	mr.FastForward(cfg.Login.LockDuration + time.Second)

	if _, err := engine.Login(ctx, "alice", "Str0ngPass!word"); err != nil {
		t.Fatalf("Login after lock expiry failed: %v", err)
	}
}

func TestLoginSuccessClearsFailureCounters(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), "Str0ngPass!word")
	cfg := testConfig()
	engine := newTestEngine(t, rdb, store, &stubMailer{}, cfg)

	ctx := clientContextFor("198.51.100.7", "test-agent")
	for i := 0; i < cfg.Login.MaxFailedLogins-1; i++ {
		_, _ = engine.Login(ctx, "alice", "wrong-password-1A")
	}
	if _, err := engine.Login(ctx, "alice", "Str0ngPass!word"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// The counter restarted from zero: the same number of fresh failures must
	// not lock the account.
	for i := 0; i < cfg.Login.MaxFailedLogins-1; i++ {
		_, _ = engine.Login(ctx, "alice", "wrong-password-1A")
	}
	if _, err := engine.Login(ctx, "alice", "Str0ngPass!word"); err != nil {
		t.Fatalf("Login after counter reset failed: %v", err)
	}
}

func TestLoginRateLimitPerIP(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), "Str0ngPass!word")
	cfg := testConfig()
	cfg.Login.RateLimit = 3
	engine := newTestEngine(t, rdb, store, &stubMailer{}, cfg)

	ctx := clientContextFor("198.51.100.7", "test-agent")
	for i := 0; i < cfg.Login.RateLimit; i++ {
		if _, err := engine.Login(ctx, "alice", "Str0ngPass!word"); err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
	}

	if _, err := engine.Login(ctx, "alice", "Str0ngPass!word"); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited, got %v", err)
	}

	// A different IP has its own window.
	otherCtx := clientContextFor("203.0.113.9", "test-agent")
	if _, err := engine.Login(otherCtx, "alice", "Str0ngPass!word"); err != nil {
		t.Fatalf("Login from second IP failed: %v", err)
	}
}

func TestLoginRejectsUnverifiedWithoutRecordingFailure(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	hasher := newTestHasher(t)
	hash, err := hasher.Hash("Str0ngPass!word")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	store.add(&User{
		ID:           "u2",
		Name:         "Bob Example",
		Username:     "bob",
		Email:        "bob@example.com",
		PasswordHash: hash,
	})
	cfg := testConfig()
	engine := newTestEngine(t, rdb, store, &stubMailer{}, cfg)

	ctx := clientContextFor("198.51.100.7", "test-agent")
	for i := 0; i < cfg.Login.MaxFailedLogins+1; i++ {
		if _, err := engine.Login(ctx, "bob", "Str0ngPass!word"); !errors.Is(err, ErrAccountUnverified) {
			t.Fatalf("attempt %d: expected ErrAccountUnverified, got %v", i+1, err)
		}
	}

	// Correct-password attempts against an unverified account never lock it.
	if mr.Exists(lockUserKey("u2")) {
		t.Fatal("unverified rejections must not set the lock flag")
	}
}

func TestLoginBlockedIP(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), "Str0ngPass!word")
	engine := newTestEngine(t, rdb, store, &stubMailer{}, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")
	if err := engine.lockout.BlockIP(ctx, "198.51.100.7"); err != nil {
		t.Fatalf("BlockIP failed: %v", err)
	}

	if _, err := engine.Login(ctx, "alice", "Str0ngPass!word"); !errors.Is(err, ErrIPBlocked) {
		t.Fatalf("expected ErrIPBlocked, got %v", err)
	}
}

func TestValidateAccessRejectsGarbage(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine := newTestEngine(t, rdb, newMockUserStore(), &stubMailer{}, testConfig())

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := engine.ValidateAccess(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected ErrUnauthorized, got %v", token, err)
		}
	}
}
