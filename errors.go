package authcore

import "errors"

var (
	// ErrEngineNotReady is returned when a flow is invoked on an Engine that
	// was not fully constructed through the [Builder].
	ErrEngineNotReady = errors.New("engine not ready")
	// ErrUnauthorized is returned for missing, malformed, or expired access tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidCredentials covers unknown identifier, missing password hash,
	// and password mismatch. The three cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while the account lock flag is set.
	ErrAccountLocked = errors.New("account temporarily locked")
	// ErrAccountUnverified is returned when the account exists and the password
	// matches but the email was never verified.
	ErrAccountUnverified = errors.New("email not verified")
	// ErrIPBlocked is returned while the caller's IP carries a block flag.
	ErrIPBlocked = errors.New("ip temporarily blocked")
	// ErrLoginRateLimited is returned when the per-IP login window is exhausted.
	ErrLoginRateLimited = errors.New("login rate limited")

	// ErrSignupInvalid covers malformed signup input and expired or unknown
	// signup tokens and codes, without distinguishing which.
	ErrSignupInvalid = errors.New("invalid signup request")
	// ErrSignupRateLimited is returned when a signup-flow window is exhausted.
	ErrSignupRateLimited = errors.New("signup rate limited")
	// ErrSignupTokenBlocked is returned once a signup token has exceeded its
	// failed-verification budget, regardless of code correctness.
	ErrSignupTokenBlocked = errors.New("signup token blocked")
	// ErrSignupCooldown is returned when a code resend is requested before the
	// per-token cooldown elapsed.
	ErrSignupCooldown = errors.New("signup resend cooldown active")
	// ErrAccountCreationLimited is returned when an IP exceeds its account
	// creation budget; the IP is blocked as a side effect.
	ErrAccountCreationLimited = errors.New("account creation limited")
	// ErrUserExists is returned when the email or username is already taken,
	// case-insensitively.
	ErrUserExists = errors.New("user already exists")
	// ErrWeakPassword is returned when the signup password scores below the
	// configured strength threshold.
	ErrWeakPassword = errors.New("weak password")
	// ErrPasswordPolicy is returned when a new password violates the length or
	// composition policy of the reset flow.
	ErrPasswordPolicy = errors.New("password policy violation")

	// ErrResetInvalid covers expired, unknown, or mismatched reset tokens and
	// codes, without distinguishing which.
	ErrResetInvalid = errors.New("reset code expired or invalid")
	// ErrResetRateLimited is returned when a reset-flow window is exhausted.
	ErrResetRateLimited = errors.New("password reset rate limited")
	// ErrResetCooldown is returned when a reset code is requested before the
	// per-user cooldown elapsed.
	ErrResetCooldown = errors.New("password reset cooldown active")
	// ErrResetAttempts is returned once a reset token has exceeded its failed
	// attempt budget.
	ErrResetAttempts = errors.New("password reset attempts exceeded")

	// ErrRefreshInvalid is returned for unknown or expired refresh tokens.
	ErrRefreshInvalid = errors.New("invalid or expired refresh token")
	// ErrRefreshFingerprint is returned when a refresh token is presented from
	// a different IP or user agent than the one that created it. The token is
	// revoked before this error is returned.
	ErrRefreshFingerprint = errors.New("refresh token fingerprint mismatch")

	// ErrUserNotFound is returned by [UserStore] implementations.
	ErrUserNotFound = errors.New("user not found")

	// ErrStoreUnavailable wraps ephemeral-store failures that could not be
	// absorbed by the fail-open policy.
	ErrStoreUnavailable = errors.New("ephemeral store unavailable")
	// ErrEmailDelivery is returned when outbound email could not be delivered
	// after the configured retries.
	ErrEmailDelivery = errors.New("email delivery failed")
)
