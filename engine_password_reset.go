package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/plusme/authcore/internal"
	"github.com/plusme/authcore/password"
)

// ForgotPassword starts a password reset. For a known email it stages a reset
// record under an opaque token and emails the code; for an unknown email it
// returns an empty token and no error, so the caller cannot probe which
// addresses have accounts.
func (e *Engine) ForgotPassword(ctx context.Context, email string) (string, error) {
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
		e.emitAudit(ctx, auditEventResetRequest, false, "", ErrIPBlocked, nil)
		return "", ErrIPBlocked
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(email) {
		return "", fmt.Errorf("%w: invalid email", ErrResetInvalid)
	}

	if err := e.allowResetAction(ctx, ip, email); err != nil {
		return "", err
	}

	user, err := e.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Indistinguishable from success on the outside.
			e.metricInc(MetricPasswordResetRequest)
			e.emitAudit(ctx, auditEventResetRequest, false, "", ErrUserNotFound, nil)
			return "", nil
		}
		return "", err
	}

	started, err := e.resetStore.StartResendCooldown(ctx, user.ID, e.config.PasswordReset.ResendCooldown)
	if err != nil {
		if !e.failOpen("reset cooldown", err) {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		started = true
	}
	if !started {
		e.emitAudit(ctx, auditEventResetRequest, false, user.ID, ErrResetCooldown, nil)
		return "", ErrResetCooldown
	}

	token, err := e.issueResetToken(ctx, user)
	if err != nil {
		return "", err
	}

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventResetRequest, true, user.ID, nil, nil)

	return token, nil
}

// ResendResetCode issues a fresh code under a fresh token and retires the old
// token. The per-user cooldown is keyed by account, so swapping tokens does
// not reset the clock.
func (e *Engine) ResendResetCode(ctx context.Context, resetToken string) (string, error) {
	if !e.ready() || e.mailer == nil {
		return "", ErrEngineNotReady
	}
	if resetToken == "" {
		return "", ErrResetInvalid
	}

	ip := clientIPFromContext(ctx)
	if ip != "" {
		allowed, err := e.rateLimiter.Allow(ctx, rateActionResetResend, ip, e.config.PasswordReset.RateWindow, e.config.PasswordReset.RateLimit)
		if err != nil {
			if !e.failOpen("reset resend rate limit", err) {
				return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		} else if !allowed {
			e.metricInc(MetricPasswordResetRateLimited)
			e.emitAudit(ctx, auditEventResetResend, false, "", ErrResetRateLimited, nil)
			return "", ErrResetRateLimited
		}
	}

	blocked, err := e.resetStore.IsBlocked(ctx, resetToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if blocked {
		e.emitAudit(ctx, auditEventResetResend, false, "", ErrResetAttempts, nil)
		return "", ErrResetAttempts
	}

	record, err := e.resetStore.Get(ctx, resetToken)
	if err != nil {
		if errors.Is(err, errResetNotFound) {
			e.emitAudit(ctx, auditEventResetResend, false, "", ErrResetInvalid, nil)
			return "", ErrResetInvalid
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	user, err := e.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.emitAudit(ctx, auditEventResetResend, false, record.UserID, ErrUserNotFound, nil)
			return "", ErrUserNotFound
		}
		return "", err
	}

	started, err := e.resetStore.StartResendCooldown(ctx, user.ID, e.config.PasswordReset.ResendCooldown)
	if err != nil {
		if !e.failOpen("reset cooldown", err) {
			return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		started = true
	}
	if !started {
		e.emitAudit(ctx, auditEventResetResend, false, user.ID, ErrResetCooldown, nil)
		return "", ErrResetCooldown
	}

	newToken, err := e.issueResetToken(ctx, user)
	if err != nil {
		return "", err
	}

	if err := e.resetStore.Delete(ctx, resetToken); err != nil {
		log.Printf("authcore: retiring old reset token failed: %v", err)
	}

	e.metricInc(MetricPasswordResetResend)
	e.emitAudit(ctx, auditEventResetResend, true, user.ID, nil, nil)

	return newToken, nil
}

// ResetPassword checks the code against the staged reset and, on a match,
// persists the new password hash and retires the token. The password policy
// is checked before the code so callers can fix a weak password without
// burning attempts.
func (e *Engine) ResetPassword(ctx context.Context, resetToken, code, newPassword string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if resetToken == "" || code == "" {
		return ErrResetInvalid
	}

	ip := clientIPFromContext(ctx)
	if ip != "" {
		allowed, err := e.rateLimiter.Allow(ctx, rateActionReset, ip, e.config.PasswordReset.RateWindow, e.config.PasswordReset.RateLimit)
		if err != nil {
			if !e.failOpen("reset rate limit", err) {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		} else if !allowed {
			e.metricInc(MetricPasswordResetRateLimited)
			e.emitAudit(ctx, auditEventResetConfirm, false, "", ErrResetRateLimited, nil)
			return ErrResetRateLimited
		}
	}

	if err := e.validateResetPassword(newPassword); err != nil {
		e.emitAudit(ctx, auditEventResetConfirm, false, "", err, nil)
		return err
	}

	record, err := e.resetStore.VerifyCode(
		ctx,
		resetToken,
		internal.HashCode(code),
		e.config.PasswordReset.MaxAttempts,
		e.config.PasswordReset.BlockDuration,
	)
	if err != nil {
		switch {
		case errors.Is(err, errResetBlocked):
			e.metricInc(MetricPasswordResetAttemptsExceeded)
			e.emitAudit(ctx, auditEventResetBlocked, false, "", ErrResetAttempts, nil)
			return ErrResetAttempts
		case errors.Is(err, errResetCodeMismatch), errors.Is(err, errResetNotFound):
			e.metricInc(MetricPasswordResetFailure)
			e.emitAudit(ctx, auditEventResetConfirm, false, "", ErrResetInvalid, nil)
			return ErrResetInvalid
		default:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	hash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return err
	}

	// The hash is persisted before the token is deleted: a crash in between
	// leaves a reusable token, never a half-applied reset.
	if err := e.users.UpdatePasswordHash(ctx, record.UserID, hash); err != nil {
		return err
	}

	if err := e.resetStore.Delete(ctx, resetToken); err != nil {
		log.Printf("authcore: retiring consumed reset token failed: %v", err)
	}

	if err := e.lockout.ClearFailures(ctx, record.UserID, ip); err != nil {
		e.failOpen("failure reset", err)
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, auditEventResetConfirm, true, record.UserID, nil, nil)

	return nil
}

func (e *Engine) issueResetToken(ctx context.Context, user *User) (string, error) {
	code, err := internal.NewOTP(e.config.PasswordReset.CodeDigits)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	record := &passwordResetRecord{
		UserID:    user.ID,
		CodeHash:  internal.HashCode(code),
		ExpiresAt: time.Now().Add(e.config.PasswordReset.ResetTTL).Unix(),
	}
	if err := e.resetStore.Save(ctx, token, record, e.config.PasswordReset.ResetTTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := sendWithRetry(ctx, func(ctx context.Context) error {
		return e.mailer.SendResetCode(ctx, user.Email, code, token)
	}); err != nil {
		if delErr := e.resetStore.Delete(ctx, token); delErr != nil {
			log.Printf("authcore: cleaning up undeliverable reset failed: %v", delErr)
		}
		e.emitAudit(ctx, auditEventResetRequest, false, user.ID, ErrEmailDelivery, nil)
		return "", fmt.Errorf("%w: %v", ErrEmailDelivery, err)
	}

	return token, nil
}

func (e *Engine) allowResetAction(ctx context.Context, ip, email string) error {
	for _, identity := range []string{ip, email} {
		if identity == "" {
			continue
		}
		allowed, err := e.rateLimiter.Allow(ctx, rateActionReset, identity, e.config.PasswordReset.RateWindow, e.config.PasswordReset.RateLimit)
		if err != nil {
			if !e.failOpen("reset rate limit", err) {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			continue
		}
		if !allowed {
			e.metricInc(MetricPasswordResetRateLimited)
			e.emitAudit(ctx, auditEventResetRequest, false, "", ErrResetRateLimited, nil)
			return ErrResetRateLimited
		}
	}
	return nil
}

// validateResetPassword enforces the reset policy: bounded length with at
// least one lower case letter, one upper case letter, and one digit. The
// signup strength score is not applied here.
func (e *Engine) validateResetPassword(plaintext string) error {
	if len(plaintext) < e.config.Password.MinLength || len(plaintext) > e.config.Password.MaxLength {
		return ErrPasswordPolicy
	}
	if !password.HasBasicClasses(plaintext) {
		return ErrPasswordPolicy
	}
	return nil
}
