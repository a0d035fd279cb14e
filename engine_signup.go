package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plusme/authcore/internal"
	"github.com/plusme/authcore/password"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const (
	emailSendAttempts = 3
	emailSendBackoff  = time.Second
)

// RequestSignup validates and stages a signup. No user row is created yet:
// the request lives in the pending store under an opaque signup token until
// the emailed code is confirmed. The token is returned to the caller and is
// also embedded in the verification email.
func (e *Engine) RequestSignup(ctx context.Context, req SignupRequest) (string, error) {
	if !e.ready() || e.mailer == nil {
		return "", ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)

	blocked, err := e.lockout.IsIPBlocked(ctx, ip)
	if err != nil && !e.failOpen("ip block check", err) {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if blocked {
		e.metricInc(MetricIPBlocked)
		e.emitAudit(ctx, auditEventSignupRequest, false, "", ErrIPBlocked, nil)
		return "", ErrIPBlocked
	}

	name := strings.TrimSpace(req.Name)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if err := e.allowSignupAction(ctx, rateActionSignup, ip, email); err != nil {
		return "", err
	}

	if err := e.validateSignupInput(name, username, email, req.Password); err != nil {
		e.emitAudit(ctx, auditEventSignupRequest, false, "", err, nil)
		return "", err
	}

	if err := e.checkIdentityAvailable(ctx, email, username); err != nil {
		e.emitAudit(ctx, auditEventSignupRequest, false, "", err, nil)
		return "", err
	}

	withinBudget, err := e.lockout.CountAccountCreation(ctx, ip)
	if err != nil && !e.failOpen("account creation budget", err) {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !withinBudget {
		e.metricInc(MetricAccountCreationLimited)
		e.emitAudit(ctx, auditEventIPBlocked, false, "", ErrAccountCreationLimited, nil)
		return "", ErrAccountCreationLimited
	}

	hash, err := e.passwordHash.Hash(req.Password)
	if err != nil {
		return "", err
	}

	code, err := internal.NewOTP(e.config.Signup.CodeDigits)
	if err != nil {
		return "", err
	}

	signupToken := uuid.NewString()
	now := time.Now()
	record := &pendingSignupRecord{
		Name:         name,
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CodeHash:     internal.HashCode(code),
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(e.config.Signup.PendingTTL).Unix(),
	}
	if err := e.pendingStore.Save(ctx, signupToken, record, e.config.Signup.PendingTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := sendWithRetry(ctx, func(ctx context.Context) error {
		return e.mailer.SendVerificationCode(ctx, email, code, signupToken)
	}); err != nil {
		// Undeliverable signup is unusable; drop the staged record so the
		// address can try again immediately.
		if delErr := e.pendingStore.Delete(ctx, signupToken); delErr != nil {
			log.Printf("authcore: cleaning up undeliverable signup failed: %v", delErr)
		}
		e.emitAudit(ctx, auditEventSignupRequest, false, "", ErrEmailDelivery, nil)
		return "", fmt.Errorf("%w: %v", ErrEmailDelivery, err)
	}

	e.metricInc(MetricSignupRequest)
	e.emitAudit(ctx, auditEventSignupRequest, true, "", nil, func() map[string]string {
		return map[string]string{"email": email}
	})

	return signupToken, nil
}

// ConfirmSignup checks the emailed code against the staged signup and, on a
// match, creates the user with the email already marked verified. Wrong codes
// burn an attempt; at the budget the token is blocked and a later correct
// guess no longer lands.
func (e *Engine) ConfirmSignup(ctx context.Context, signupToken, code string) (*User, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if signupToken == "" || code == "" {
		return nil, ErrSignupInvalid
	}

	ip := clientIPFromContext(ctx)
	if ip != "" {
		allowed, err := e.rateLimiter.Allow(ctx, rateActionVerify, ip, e.config.Signup.RateWindow, e.config.Signup.RateLimit)
		if err != nil {
			if !e.failOpen("verify rate limit", err) {
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		} else if !allowed {
			e.metricInc(MetricSignupRateLimited)
			e.emitAudit(ctx, auditEventSignupConfirm, false, "", ErrSignupRateLimited, nil)
			return nil, ErrSignupRateLimited
		}
	}

	record, err := e.pendingStore.VerifyCode(
		ctx,
		signupToken,
		internal.HashCode(code),
		e.config.Signup.MaxVerifyAttempts,
		e.config.Signup.VerifyBlockDuration,
	)
	if err != nil {
		switch {
		case errors.Is(err, errPendingBlocked):
			e.metricInc(MetricSignupAttemptsExceeded)
			e.emitAudit(ctx, auditEventSignupBlocked, false, "", ErrSignupTokenBlocked, nil)
			return nil, ErrSignupTokenBlocked
		case errors.Is(err, errPendingCodeMismatch), errors.Is(err, errPendingNotFound):
			e.metricInc(MetricSignupConfirmFailure)
			e.emitAudit(ctx, auditEventSignupConfirm, false, "", ErrSignupInvalid, nil)
			return nil, ErrSignupInvalid
		default:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	user, err := e.users.Create(ctx, &User{
		ID:            uuid.NewString(),
		Name:          record.Name,
		Username:      record.Username,
		Email:         record.Email,
		PasswordHash:  record.PasswordHash,
		EmailVerified: true,
	})
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			// Someone claimed the identity while the signup was pending. The
			// staged record is useless now.
			if delErr := e.pendingStore.Delete(ctx, signupToken); delErr != nil {
				log.Printf("authcore: cleaning up conflicting signup failed: %v", delErr)
			}
			e.metricInc(MetricSignupConfirmFailure)
			e.emitAudit(ctx, auditEventSignupConfirm, false, "", ErrUserExists, nil)
			return nil, ErrUserExists
		}
		return nil, err
	}

	if err := e.pendingStore.Delete(ctx, signupToken); err != nil {
		log.Printf("authcore: deleting confirmed signup failed: %v", err)
	}

	e.metricInc(MetricSignupConfirmSuccess)
	e.emitAudit(ctx, auditEventSignupConfirm, true, user.ID, nil, nil)

	return user, nil
}

// ResendSignupCode replaces the staged code with a fresh one and re-sends the
// email. The pending record's remaining lifetime is preserved; resending
// never extends the signup window.
func (e *Engine) ResendSignupCode(ctx context.Context, signupToken string) error {
	if !e.ready() || e.mailer == nil {
		return ErrEngineNotReady
	}
	if signupToken == "" {
		return ErrSignupInvalid
	}

	ip := clientIPFromContext(ctx)
	if ip != "" {
		allowed, err := e.rateLimiter.Allow(ctx, rateActionResendCode, ip, e.config.Signup.RateWindow, e.config.Signup.RateLimit)
		if err != nil {
			if !e.failOpen("resend rate limit", err) {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		} else if !allowed {
			e.metricInc(MetricSignupRateLimited)
			e.emitAudit(ctx, auditEventSignupResend, false, "", ErrSignupRateLimited, nil)
			return ErrSignupRateLimited
		}
	}

	blocked, err := e.pendingStore.IsBlocked(ctx, signupToken)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if blocked {
		e.emitAudit(ctx, auditEventSignupResend, false, "", ErrSignupTokenBlocked, nil)
		return ErrSignupTokenBlocked
	}

	record, err := e.pendingStore.Get(ctx, signupToken)
	if err != nil {
		if errors.Is(err, errPendingNotFound) {
			e.emitAudit(ctx, auditEventSignupResend, false, "", ErrSignupInvalid, nil)
			return ErrSignupInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// The pending address gets its own window on top of the caller IP's, so
	// rotating source addresses cannot flood one inbox with resends.
	allowed, err := e.rateLimiter.Allow(ctx, rateActionResendCode, record.Email, e.config.Signup.RateWindow, e.config.Signup.RateLimit)
	if err != nil {
		if !e.failOpen("resend rate limit", err) {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	} else if !allowed {
		e.metricInc(MetricSignupRateLimited)
		e.emitAudit(ctx, auditEventSignupResend, false, "", ErrSignupRateLimited, nil)
		return ErrSignupRateLimited
	}

	started, err := e.pendingStore.StartResendCooldown(ctx, signupToken, e.config.Signup.ResendCooldown)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !started {
		e.emitAudit(ctx, auditEventSignupResend, false, "", ErrSignupCooldown, nil)
		return ErrSignupCooldown
	}

	code, err := internal.NewOTP(e.config.Signup.CodeDigits)
	if err != nil {
		return err
	}

	if err := e.pendingStore.UpdateCode(ctx, signupToken, internal.HashCode(code)); err != nil {
		if errors.Is(err, errPendingNotFound) {
			return ErrSignupInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := sendWithRetry(ctx, func(ctx context.Context) error {
		return e.mailer.SendVerificationCode(ctx, record.Email, code, signupToken)
	}); err != nil {
		e.emitAudit(ctx, auditEventSignupResend, false, "", ErrEmailDelivery, nil)
		return fmt.Errorf("%w: %v", ErrEmailDelivery, err)
	}

	e.metricInc(MetricSignupResend)
	e.emitAudit(ctx, auditEventSignupResend, true, "", nil, nil)

	return nil
}

// UsernameAvailable reports whether a username is syntactically valid and
// not yet taken. Pending signups do not reserve usernames.
func (e *Engine) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	if !e.ready() {
		return false, ErrEngineNotReady
	}

	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern.MatchString(username) {
		return false, fmt.Errorf("%w: invalid username", ErrSignupInvalid)
	}

	ip := clientIPFromContext(ctx)
	if ip != "" {
		allowed, err := e.rateLimiter.Allow(ctx, rateActionCheckUser, ip, e.config.Signup.RateWindow, e.config.Signup.RateLimit)
		if err != nil {
			if !e.failOpen("username check rate limit", err) {
				return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		} else if !allowed {
			return false, ErrSignupRateLimited
		}
	}

	_, err := e.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// allowSignupAction applies the per-IP and per-email windows for one signup
// flow action. Both windows share the same budget.
func (e *Engine) allowSignupAction(ctx context.Context, action, ip, email string) error {
	for _, identity := range []string{ip, email} {
		if identity == "" {
			continue
		}
		allowed, err := e.rateLimiter.Allow(ctx, action, identity, e.config.Signup.RateWindow, e.config.Signup.RateLimit)
		if err != nil {
			if !e.failOpen(action+" rate limit", err) {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			continue
		}
		if !allowed {
			e.metricInc(MetricSignupRateLimited)
			e.emitAudit(ctx, auditEventSignupRequest, false, "", ErrSignupRateLimited, nil)
			return ErrSignupRateLimited
		}
	}
	return nil
}

func (e *Engine) validateSignupInput(name, username, email, plaintext string) error {
	if name == "" || len(name) > e.config.Signup.MaxNameLength {
		return fmt.Errorf("%w: invalid name", ErrSignupInvalid)
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: invalid username", ErrSignupInvalid)
	}
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: invalid email", ErrSignupInvalid)
	}
	if len(plaintext) < e.config.Password.MinLength || len(plaintext) > e.config.Password.MaxLength {
		return ErrWeakPassword
	}
	if password.Score(plaintext) < e.config.Password.MinScore {
		return ErrWeakPassword
	}
	return nil
}

func (e *Engine) checkIdentityAvailable(ctx context.Context, email, username string) error {
	if _, err := e.users.GetByEmail(ctx, email); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	if _, err := e.users.GetByUsername(ctx, username); err == nil {
		return ErrUserExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	return nil
}

// sendWithRetry retries a transient email failure with linear backoff. Three
// attempts total; the context can cut the wait short.
func sendWithRetry(ctx context.Context, send func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= emailSendAttempts; attempt++ {
		if lastErr = send(ctx); lastErr == nil {
			return nil
		}
		if attempt == emailSendAttempts {
			break
		}
		select {
		case <-time.After(emailSendBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
