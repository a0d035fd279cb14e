package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var errLockoutUnavailable = errors.New("lockout backend unavailable")

// lockoutTracker counts failed logins per account and per IP and escalates to
// a temporary lock once the account threshold is crossed. The failure counter
// is informational; the lock flag is the authoritative gate and keeps its own
// TTL even if the counters are cleared in the meantime. It also owns the IP
// block flag and the accounts-created-per-IP budget used by signup.
type lockoutTracker struct {
	redis  redis.UniversalClient
	login  LoginConfig
	signup SignupConfig
}

func newLockoutTracker(redisClient redis.UniversalClient, login LoginConfig, signup SignupConfig) *lockoutTracker {
	return &lockoutTracker{
		redis:  redisClient,
		login:  login,
		signup: signup,
	}
}

func failedLoginKey(userID string) string { return "failedlogin:" + userID }
func failedLoginIPKey(ip string) string   { return "failedloginip:" + ip }
func lockUserKey(userID string) string    { return "lockuser:" + userID }
func blockIPKey(ip string) string         { return "blockip:" + ip }
func accountsCreatedKey(ip string) string { return "accounts_created:" + ip }

// RecordFailure increments the per-account and per-IP failure counters and
// sets the lock flag when the account counter reaches the threshold. The
// returned count is the post-increment account failure count.
func (t *lockoutTracker) RecordFailure(ctx context.Context, userID, ip string) (int64, error) {
	key := failedLoginKey(userID)
	count, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
	}
	if count == 1 {
		if err := t.redis.Expire(ctx, key, t.login.LockDuration).Err(); err != nil {
			return count, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
		}
	}

	if count >= int64(t.login.MaxFailedLogins) {
		if err := t.redis.Set(ctx, lockUserKey(userID), "1", t.login.LockDuration).Err(); err != nil {
			return count, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
		}
	}

	if ip != "" {
		ipKey := failedLoginIPKey(ip)
		ipCount, err := t.redis.Incr(ctx, ipKey).Result()
		if err != nil {
			return count, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
		}
		if ipCount == 1 {
			if err := t.redis.Expire(ctx, ipKey, t.login.LockDuration).Err(); err != nil {
				return count, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
			}
		}
	}

	return count, nil
}

// IsLocked checks the lock flag, not the counter.
func (t *lockoutTracker) IsLocked(ctx context.Context, userID string) (bool, error) {
	n, err := t.redis.Exists(ctx, lockUserKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
	}
	return n > 0, nil
}

// ClearFailures removes the account and IP failure counters after a
// successful authentication. The lock flag is left to expire on its own.
func (t *lockoutTracker) ClearFailures(ctx context.Context, userID, ip string) error {
	keys := []string{failedLoginKey(userID)}
	if ip != "" {
		keys = append(keys, failedLoginIPKey(ip))
	}
	if err := t.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLockoutUnavailable, err)
	}
	return nil
}

// IsIPBlocked checks the IP block flag.
func (t *lockoutTracker) IsIPBlocked(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return false, nil
	}
	n, err := t.redis.Exists(ctx, blockIPKey(ip)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
	}
	return n > 0, nil
}

// BlockIP sets the IP block flag for the configured duration.
func (t *lockoutTracker) BlockIP(ctx context.Context, ip string) error {
	if ip == "" {
		return nil
	}
	if err := t.redis.Set(ctx, blockIPKey(ip), "1", t.signup.IPBlockDuration).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLockoutUnavailable, err)
	}
	return nil
}

// CountAccountCreation records one account creation for the IP and reports
// whether the IP is still within its budget. An IP over budget is blocked as
// a side effect.
func (t *lockoutTracker) CountAccountCreation(ctx context.Context, ip string) (bool, error) {
	if ip == "" {
		return true, nil
	}

	key := accountsCreatedKey(ip)
	count, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return true, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
	}
	if count == 1 {
		if err := t.redis.Expire(ctx, key, t.signup.AccountWindow).Err(); err != nil {
			return true, fmt.Errorf("%w: %v", errLockoutUnavailable, err)
		}
	}

	if count > int64(t.signup.MaxAccountsPerIP) {
		if err := t.BlockIP(ctx, ip); err != nil {
			return false, err
		}
		return false, nil
	}

	return true, nil
}
