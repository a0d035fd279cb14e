package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/plusme/authcore/internal"
	"github.com/plusme/authcore/internal/rate"
	"github.com/plusme/authcore/jwt"
	"github.com/plusme/authcore/password"
)

const (
	rateActionLogin       = "login"
	rateActionSignup      = "signup"
	rateActionVerify      = "verify"
	rateActionReset       = "reset"
	rateActionCheckUser   = "checkuser"
	rateActionResendCode  = "resend"
	rateActionResetResend = "resetresend"
)

// Engine is the authentication core. It owns every flow: login with
// progressive lockout, token refresh and rotation, email-verified signup, and
// multi-step password reset. Construct one through the [Builder]; an Engine
// is immutable and safe for concurrent use once built.
type Engine struct {
	config       Config
	redis        redis.UniversalClient
	users        UserStore
	mailer       Mailer
	rateLimiter  *rate.Limiter
	lockout      *lockoutTracker
	pendingStore *pendingSignupStore
	resetStore   *passwordResetStore
	refreshStore *refreshTokenStore
	audit        *auditDispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	jwtManager   *jwt.Manager
}

// Close stops background workers. Call it on shutdown.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were shed under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of every engine counter.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.users != nil && e.redis != nil &&
		e.jwtManager != nil && e.passwordHash != nil
}

// failOpen absorbs ephemeral-store outages on read paths: a Redis failure on
// a rate-limit or block check must not take logins down with it. The outage
// is logged; the caller proceeds as if the check passed.
func (e *Engine) failOpen(op string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rate.ErrRedisUnavailable) ||
		errors.Is(err, errLockoutUnavailable) ||
		errors.Is(err, errPendingRedisUnavailable) ||
		errors.Is(err, errResetRedisUnavailable) ||
		errors.Is(err, errRefreshRedisUnavailable) {
		log.Printf("authcore: %s degraded, failing open: %v", op, err)
		return true
	}
	return false
}

// Login authenticates an identifier (email or username) and password and
// mints an access/refresh token pair. Failure reasons that would reveal
// whether the account exists are collapsed into [ErrInvalidCredentials].
func (e *Engine) Login(ctx context.Context, identifier, plaintext string) (*LoginResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)

	blocked, err := e.lockout.IsIPBlocked(ctx, ip)
	if err != nil && !e.failOpen("ip block check", err) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if blocked {
		e.metricInc(MetricIPBlocked)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", ErrIPBlocked, nil)
		return nil, ErrIPBlocked
	}

	if ip != "" {
		allowed, err := e.rateLimiter.Allow(ctx, rateActionLogin, ip, e.config.Login.RateWindow, e.config.Login.RateLimit)
		if err != nil {
			if !e.failOpen("login rate limit", err) {
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		} else if !allowed {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginRateLimited, false, "", ErrLoginRateLimited, nil)
			return nil, ErrLoginRateLimited
		}
	}

	user, err := e.users.GetByIdentifier(ctx, strings.ToLower(strings.TrimSpace(identifier)))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", ErrInvalidCredentials, nil)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	// Lock check comes before the password compare so a locked account leaks
	// nothing about password correctness.
	locked, err := e.lockout.IsLocked(ctx, user.ID)
	if err != nil && !e.failOpen("lockout check", err) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if locked {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, ErrAccountLocked, nil)
		return nil, ErrAccountLocked
	}

	match, err := e.passwordHash.Verify(plaintext, user.PasswordHash)
	if err != nil || !match {
		if count, recErr := e.lockout.RecordFailure(ctx, user.ID, ip); recErr != nil {
			e.failOpen("failure tracking", recErr)
		} else if count >= int64(e.config.Login.MaxFailedLogins) {
			e.emitAudit(ctx, auditEventAccountLocked, false, user.ID, ErrAccountLocked, func() map[string]string {
				return map[string]string{"failed_attempts": fmt.Sprintf("%d", count)}
			})
		}
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	}

	if !user.EmailVerified {
		// Correct password, unverified email: no failure is recorded.
		e.metricInc(MetricLoginUnverified)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.ID, ErrAccountUnverified, nil)
		return nil, ErrAccountUnverified
	}

	if err := e.lockout.ClearFailures(ctx, user.ID, ip); err != nil {
		e.failOpen("failure reset", err)
	}

	if e.config.Password.UpgradeOnLogin {
		e.maybeUpgradeHash(ctx, user, plaintext)
	}

	result, err := e.mintTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, nil, nil)

	return result, nil
}

// Refresh rotates a refresh token: the presented token is validated against
// the stored client fingerprint, a fresh pair is minted, and the old token is
// deleted. A fingerprint mismatch revokes the token before returning.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if refreshToken == "" {
		return nil, ErrRefreshInvalid
	}

	record, err := e.refreshStore.Get(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, errRefreshNotFound) {
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshFailure, false, "", ErrRefreshInvalid, nil)
			return nil, ErrRefreshInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	ipHash := internal.HashFingerprint(clientIPFromContext(ctx))
	uaHash := internal.HashFingerprint(userAgentFromContext(ctx))
	if !internal.HashesEqual(record.IPHash, ipHash) || !internal.HashesEqual(record.UAHash, uaHash) {
		// Probable theft: revoke the token so neither party can use it again.
		if delErr := e.refreshStore.Delete(ctx, refreshToken); delErr != nil {
			log.Printf("authcore: revoking mismatched refresh token failed: %v", delErr)
		}
		e.metricInc(MetricRefreshFingerprintMismatch)
		e.emitAudit(ctx, auditEventRefreshMismatch, false, record.UserID, ErrRefreshFingerprint, nil)
		return nil, ErrRefreshFingerprint
	}

	user, err := e.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			if delErr := e.refreshStore.Delete(ctx, refreshToken); delErr != nil {
				log.Printf("authcore: deleting orphaned refresh token failed: %v", delErr)
			}
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshFailure, false, record.UserID, ErrRefreshInvalid, nil)
			return nil, ErrRefreshInvalid
		}
		return nil, err
	}

	result, err := e.mintTokens(ctx, user)
	if err != nil {
		return nil, err
	}

	// Rotation: the new token is persisted before the old one is removed, so
	// a crash between the two steps strands a token rather than the user.
	if err := e.refreshStore.Delete(ctx, refreshToken); err != nil {
		log.Printf("authcore: deleting rotated refresh token failed: %v", err)
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, user.ID, nil, nil)

	return result, nil
}

// Logout revokes a refresh token. It is best-effort and always succeeds:
// an unknown token or a store outage still leaves the client logged out once
// its cookies are cleared.
func (e *Engine) Logout(ctx context.Context, refreshToken string) {
	if e == nil || e.refreshStore == nil || refreshToken == "" {
		return
	}

	if err := e.refreshStore.Delete(ctx, refreshToken); err != nil {
		log.Printf("authcore: logout revocation failed: %v", err)
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, "", nil, nil)
}

// ValidateAccess verifies an access token and returns the identity it
// carries. Every failure maps to [ErrUnauthorized].
func (e *Engine) ValidateAccess(ctx context.Context, accessToken string) (*Identity, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	if accessToken == "" {
		return nil, ErrUnauthorized
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	return &Identity{
		UserID:   claims.UID,
		Username: claims.Username,
		Email:    claims.Email,
	}, nil
}

// CurrentUser resolves the identity behind an access token to the full user
// record.
func (e *Engine) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	identity, err := e.ValidateAccess(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	user, err := e.users.GetByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return user, nil
}

func (e *Engine) mintTokens(ctx context.Context, user *User) (*LoginResult, error) {
	accessToken, err := e.jwtManager.CreateAccess(user.ID, user.Username, user.Email)
	if err != nil {
		return nil, err
	}

	refreshToken := uuid.NewString()
	record := &refreshTokenRecord{
		UserID:    user.ID,
		IPHash:    internal.HashFingerprint(clientIPFromContext(ctx)),
		UAHash:    internal.HashFingerprint(userAgentFromContext(ctx)),
		CreatedAt: time.Now().Unix(),
	}
	if err := e.refreshStore.Save(ctx, refreshToken, record, e.config.Refresh.TTL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &LoginResult{
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// maybeUpgradeHash transparently re-hashes the password on login when the
// stored hash predates the current cost parameters. Failures are logged and
// swallowed; the login already succeeded.
func (e *Engine) maybeUpgradeHash(ctx context.Context, user *User, plaintext string) {
	needs, err := e.passwordHash.NeedsUpgrade(user.PasswordHash)
	if err != nil || !needs {
		return
	}

	newHash, err := e.passwordHash.Hash(plaintext)
	if err != nil {
		log.Printf("authcore: hash upgrade failed for user %s: %v", user.ID, err)
		return
	}
	if err := e.users.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
		log.Printf("authcore: persisting upgraded hash failed for user %s: %v", user.ID, err)
	}
}
