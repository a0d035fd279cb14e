package authcore

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess     = "login_success"
	auditEventLoginFailure     = "login_failure"
	auditEventLoginRateLimited = "login_rate_limited"
	auditEventAccountLocked    = "account_locked"
	auditEventRefreshSuccess   = "refresh_success"
	auditEventRefreshFailure   = "refresh_failure"
	auditEventRefreshMismatch  = "refresh_fingerprint_mismatch"
	auditEventLogout           = "logout"
	auditEventSignupRequest    = "signup_request"
	auditEventSignupConfirm    = "signup_confirm"
	auditEventSignupResend     = "signup_resend"
	auditEventSignupBlocked    = "signup_blocked"
	auditEventIPBlocked        = "ip_blocked"
	auditEventResetRequest     = "password_reset_request"
	auditEventResetResend      = "password_reset_resend"
	auditEventResetConfirm     = "password_reset_confirm"
	auditEventResetBlocked     = "password_reset_blocked"
)

// AuditErrorCode is the stable machine-readable failure tag attached to audit
// events. Codes are coarser than the sentinel errors on purpose.
type AuditErrorCode string

const (
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrCooldown           AuditErrorCode = "cooldown"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccountUnverified  AuditErrorCode = "account_unverified"
	auditErrIPBlocked          AuditErrorCode = "ip_blocked"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrFingerprint        AuditErrorCode = "fingerprint_mismatch"
	auditErrAttemptsExceeded   AuditErrorCode = "attempts_exceeded"
	auditErrDuplicate          AuditErrorCode = "duplicate"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrUserNotFound       AuditErrorCode = "user_not_found"
	auditErrEmailDelivery      AuditErrorCode = "email_delivery"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrLoginRateLimited),
		errors.Is(err, ErrSignupRateLimited),
		errors.Is(err, ErrResetRateLimited),
		errors.Is(err, ErrAccountCreationLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrSignupCooldown),
		errors.Is(err, ErrResetCooldown):
		return auditErrCooldown
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccountUnverified):
		return auditErrAccountUnverified
	case errors.Is(err, ErrIPBlocked):
		return auditErrIPBlocked
	case errors.Is(err, ErrRefreshInvalid),
		errors.Is(err, ErrSignupInvalid),
		errors.Is(err, ErrResetInvalid):
		return auditErrInvalidToken
	case errors.Is(err, ErrRefreshFingerprint):
		return auditErrFingerprint
	case errors.Is(err, ErrSignupTokenBlocked),
		errors.Is(err, ErrResetAttempts):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrUserExists):
		return auditErrDuplicate
	case errors.Is(err, ErrWeakPassword),
		errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrUserNotFound):
		return auditErrUserNotFound
	case errors.Is(err, ErrEmailDelivery):
		return auditErrEmailDelivery
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
