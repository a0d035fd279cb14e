package authcore

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

const strongPassword = "C0rrect-horse-battery!"

func signupRequestFixture() SignupRequest {
	return SignupRequest{
		Name:     "Carol Example",
		Username: "carol",
		Email:    "carol@example.com",
		Password: strongPassword,
	}
}

func TestSignupFullFlowCreatesExactlyOneUser(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	mailer := &stubMailer{}
	engine := newTestEngine(t, rdb, store, mailer, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")
	token, err := engine.RequestSignup(ctx, signupRequestFixture())
	if err != nil {
		t.Fatalf("RequestSignup failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty signup token")
	}
	if store.count() != 0 {
		t.Fatal("no user row may exist before confirmation")
	}

	code, sentToken, _ := mailer.last()
	if sentToken != token {
		t.Fatalf("emailed token %q differs from returned token %q", sentToken, token)
	}

	user, err := engine.ConfirmSignup(ctx, token, code)
	if err != nil {
		t.Fatalf("ConfirmSignup failed: %v", err)
	}
	if !user.EmailVerified {
		t.Fatal("confirmed user must be email-verified")
	}
	if user.Username != "carol" || user.Email != "carol@example.com" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if store.count() != 1 {
		t.Fatalf("expected exactly one user, got %d", store.count())
	}

	// The token is spent: confirming again must fail.
	if _, err := engine.ConfirmSignup(ctx, token, code); !errors.Is(err, ErrSignupInvalid) {
		t.Fatalf("expected ErrSignupInvalid on reuse, got %v", err)
	}

	// And the new account can log in right away.
	if _, err := engine.Login(ctx, "carol", strongPassword); err != nil {
		t.Fatalf("Login after signup failed: %v", err)
	}
}

func TestSignupRejectsWeakPasswordWithoutStaging(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	mailer := &stubMailer{}
	engine := newTestEngine(t, rdb, newMockUserStore(), mailer, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")
	req := signupRequestFixture()
	req.Password = "abc"

	if _, err := engine.RequestSignup(ctx, req); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if mailer.verifyCalls != 0 {
		t.Fatal("no email may be sent for a rejected signup")
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("no state may be staged for a rejected signup, found keys: %v", mr.Keys())
	}
}

func TestSignupRejectsInvalidInput(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine := newTestEngine(t, rdb, newMockUserStore(), &stubMailer{}, testConfig())
	ctx := clientContextFor("198.51.100.7", "test-agent")

	cases := []struct {
		name   string
		mutate func(*SignupRequest)
	}{
		{"empty name", func(r *SignupRequest) { r.Name = "   " }},
		{"short username", func(r *SignupRequest) { r.Username = "ab" }},
		{"username with symbols", func(r *SignupRequest) { r.Username = "carol!" }},
		{"bad email", func(r *SignupRequest) { r.Email = "not-an-email" }},
		{"email with spaces", func(r *SignupRequest) { r.Email = "a b@example.com" }},
	}

	for _, tc := range cases {
		req := signupRequestFixture()
		tc.mutate(&req)
		if _, err := engine.RequestSignup(ctx, req); !errors.Is(err, ErrSignupInvalid) {
			t.Fatalf("%s: expected ErrSignupInvalid, got %v", tc.name, err)
		}
	}
}

func TestSignupRejectsTakenIdentity(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), strongPassword)
	engine := newTestEngine(t, rdb, store, &stubMailer{}, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")

	req := signupRequestFixture()
	req.Email = "ALICE@example.com"
	if _, err := engine.RequestSignup(ctx, req); !errors.Is(err, ErrUserExists) {
		t.Fatalf("taken email: expected ErrUserExists, got %v", err)
	}

	req = signupRequestFixture()
	req.Username = "Alice"
	if _, err := engine.RequestSignup(ctx, req); !errors.Is(err, ErrUserExists) {
		t.Fatalf("taken username: expected ErrUserExists, got %v", err)
	}
}

func TestConfirmSignupBlocksAfterAttemptBudget(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	mailer := &stubMailer{}
	cfg := testConfig()
	engine := newTestEngine(t, rdb, newMockUserStore(), mailer, cfg)

	ctx := clientContextFor("198.51.100.7", "test-agent")
	token, err := engine.RequestSignup(ctx, signupRequestFixture())
	if err != nil {
		t.Fatalf("RequestSignup failed: %v", err)
	}
	code, _, _ := mailer.last()

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	for i := 0; i < cfg.Signup.MaxVerifyAttempts; i++ {
		_, err := engine.ConfirmSignup(ctx, token, wrong)
		if i < cfg.Signup.MaxVerifyAttempts-1 {
			if !errors.Is(err, ErrSignupInvalid) {
				t.Fatalf("attempt %d: expected ErrSignupInvalid, got %v", i+1, err)
			}
		} else if !errors.Is(err, ErrSignupTokenBlocked) {
			t.Fatalf("final attempt: expected ErrSignupTokenBlocked, got %v", err)
		}
	}

	// The correct code no longer lands once the token is blocked.
	if _, err := engine.ConfirmSignup(ctx, token, code); !errors.Is(err, ErrSignupTokenBlocked) {
		t.Fatalf("expected ErrSignupTokenBlocked for correct code, got %v", err)
	}
}

func TestResendSignupCodeReplacesCodeAndEnforcesCooldown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	mailer := &stubMailer{}
	engine := newTestEngine(t, rdb, newMockUserStore(), mailer, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")
	token, err := engine.RequestSignup(ctx, signupRequestFixture())
	if err != nil {
		t.Fatalf("RequestSignup failed: %v", err)
	}
	firstCode, _, _ := mailer.last()

	if err := engine.ResendSignupCode(ctx, token); err != nil {
		t.Fatalf("ResendSignupCode failed: %v", err)
	}
	secondCode, _, _ := mailer.last()

	if err := engine.ResendSignupCode(ctx, token); !errors.Is(err, ErrSignupCooldown) {
		t.Fatalf("expected ErrSignupCooldown, got %v", err)
	}

	// The old code is dead after a resend.
	if firstCode != secondCode {
		if _, err := engine.ConfirmSignup(ctx, token, firstCode); !errors.Is(err, ErrSignupInvalid) {
			t.Fatalf("expected stale code to fail, got %v", err)
		}
	}

	if _, err := engine.ConfirmSignup(ctx, token, secondCode); err != nil {
		t.Fatalf("ConfirmSignup with resent code failed: %v", err)
	}
}

func TestSignupEmailFailureCleansUpStagedRecord(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	mailer := &stubMailer{failFor: emailSendAttempts}
	engine := newTestEngine(t, rdb, newMockUserStore(), mailer, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")
	if _, err := engine.RequestSignup(ctx, signupRequestFixture()); !errors.Is(err, ErrEmailDelivery) {
		t.Fatalf("expected ErrEmailDelivery, got %v", err)
	}

	for _, key := range mr.Keys() {
		if len(key) > len(pendingUserKeyPrefix) && key[:len(pendingUserKeyPrefix)] == pendingUserKeyPrefix {
			t.Fatalf("staged record %q must be cleaned up after delivery failure", key)
		}
	}
}

func TestSignupEmailRetrySucceedsAfterTransientFailure(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	mailer := &stubMailer{failFor: 1}
	engine := newTestEngine(t, rdb, newMockUserStore(), mailer, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")
	token, err := engine.RequestSignup(ctx, signupRequestFixture())
	if err != nil {
		t.Fatalf("RequestSignup failed despite retry: %v", err)
	}
	if token == "" {
		t.Fatal("expected signup token")
	}
	if mailer.verifyCalls != 2 {
		t.Fatalf("expected 2 send attempts, got %d", mailer.verifyCalls)
	}
}

func TestAccountCreationBudgetBlocksIP(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	cfg := testConfig()
	cfg.Signup.MaxAccountsPerIP = 2
	mailer := &stubMailer{}
	engine := newTestEngine(t, rdb, newMockUserStore(), mailer, cfg)

	ctx := clientContextFor("198.51.100.7", "test-agent")
	for i := 0; i < cfg.Signup.MaxAccountsPerIP; i++ {
		req := signupRequestFixture()
		req.Username = req.Username + string(rune('a'+i))
		req.Email = req.Username + "@example.com"
		if _, err := engine.RequestSignup(ctx, req); err != nil {
			t.Fatalf("signup %d failed: %v", i+1, err)
		}
	}

	req := signupRequestFixture()
	req.Username = "carolz"
	req.Email = "carolz@example.com"
	if _, err := engine.RequestSignup(ctx, req); !errors.Is(err, ErrAccountCreationLimited) {
		t.Fatalf("expected ErrAccountCreationLimited, got %v", err)
	}

	// The IP is now blocked for every flow, not just signup.
	if _, err := engine.Login(ctx, "whoever", "Str0ngPass!word"); !errors.Is(err, ErrIPBlocked) {
		t.Fatalf("expected ErrIPBlocked on login, got %v", err)
	}
}

func TestUsernameAvailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	store := newMockUserStore()
	seedVerifiedUser(t, store, newTestHasher(t), strongPassword)
	engine := newTestEngine(t, rdb, store, &stubMailer{}, testConfig())

	ctx := clientContextFor("198.51.100.7", "test-agent")

	available, err := engine.UsernameAvailable(ctx, "newname")
	if err != nil {
		t.Fatalf("UsernameAvailable failed: %v", err)
	}
	if !available {
		t.Fatal("expected newname to be available")
	}

	available, err = engine.UsernameAvailable(ctx, "Alice")
	if err != nil {
		t.Fatalf("UsernameAvailable failed: %v", err)
	}
	if available {
		t.Fatal("expected alice to be taken")
	}

	if _, err := engine.UsernameAvailable(ctx, "a!"); !errors.Is(err, ErrSignupInvalid) {
		t.Fatalf("expected ErrSignupInvalid for malformed username, got %v", err)
	}
}

func TestResendSignupCodeRateLimitPerEmail(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	cfg := testConfig()
	cfg.Signup.RateLimit = 3
	cfg.Signup.ResendCooldown = time.Millisecond
	mailer := &stubMailer{}
	engine := newTestEngine(t, rdb, newMockUserStore(), mailer, cfg)

	ctx := clientContextFor("198.51.100.7", "test-agent")
	token, err := engine.RequestSignup(ctx, signupRequestFixture())
	if err != nil {
		t.Fatalf("RequestSignup failed: %v", err)
	}

	// Rotating source addresses; the pending email still exhausts its window.
	for i := 0; i < cfg.Signup.RateLimit; i++ {
		mr.FastForward(10 * time.Millisecond)
		ctx := clientContextFor(fmt.Sprintf("10.0.0.%d", i+1), "test-agent")
		if err := engine.ResendSignupCode(ctx, token); err != nil {
			t.Fatalf("resend %d failed: %v", i+1, err)
		}
	}

	mr.FastForward(10 * time.Millisecond)
	ctx = clientContextFor("10.0.0.200", "test-agent")
	if err := engine.ResendSignupCode(ctx, token); !errors.Is(err, ErrSignupRateLimited) {
		t.Fatalf("expected ErrSignupRateLimited, got %v", err)
	}
}

func TestSignupRateLimitPerEmail(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	cfg := testConfig()
	cfg.Signup.RateLimit = 2
	mailer := &stubMailer{}
	engine := newTestEngine(t, rdb, newMockUserStore(), mailer, cfg)

	// Different IP per request; the shared email still exhausts its window.
	for i := 0; i < cfg.Signup.RateLimit; i++ {
		ctx := clientContextFor("198.51.100."+string(rune('1'+i)), "test-agent")
		req := signupRequestFixture()
		if _, err := engine.RequestSignup(ctx, req); err != nil {
			t.Fatalf("signup %d failed: %v", i+1, err)
		}
	}

	ctx := clientContextFor("203.0.113.50", "test-agent")
	if _, err := engine.RequestSignup(ctx, signupRequestFixture()); !errors.Is(err, ErrSignupRateLimited) {
		t.Fatalf("expected ErrSignupRateLimited, got %v", err)
	}
}
