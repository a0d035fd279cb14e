package authcore

import (
	"errors"
	"time"
)

// Config holds every tunable of the authentication core. Sub-configs are
// grouped per flow. Use [DefaultConfig] as the starting point; a zero Config
// does not validate.
type Config struct {
	JWT           JWTConfig
	Login         LoginConfig
	Signup        SignupConfig
	PasswordReset PasswordResetConfig
	Refresh       RefreshConfig
	Password      PasswordConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
	Sweep         SweepConfig
}

// JWTConfig configures access-token signing. Secret is mandatory: the Builder
// refuses to construct an Engine without one.
type JWTConfig struct {
	Secret    []byte
	AccessTTL time.Duration
	Issuer    string
	Leeway    time.Duration
}

// LoginConfig tunes the login rate limit and the account lockout tracker.
type LoginConfig struct {
	RateLimit       int
	RateWindow      time.Duration
	MaxFailedLogins int
	LockDuration    time.Duration
}

// SignupConfig tunes the signup and verification flow.
type SignupConfig struct {
	RateLimit           int
	RateWindow          time.Duration
	MaxAccountsPerIP    int
	AccountWindow       time.Duration
	IPBlockDuration     time.Duration
	PendingTTL          time.Duration
	CodeDigits          int
	ResendCooldown      time.Duration
	MaxVerifyAttempts   int
	VerifyBlockDuration time.Duration
	MaxNameLength       int
}

// PasswordResetConfig tunes the password reset flow. MaxAttempts and
// BlockDuration mirror the signup verification budget: a reset token that
// accumulates MaxAttempts code mismatches is blocked outright.
type PasswordResetConfig struct {
	RateLimit      int
	RateWindow     time.Duration
	ResetTTL       time.Duration
	CodeDigits     int
	ResendCooldown time.Duration
	MaxAttempts    int
	BlockDuration  time.Duration
}

// RefreshConfig tunes refresh-token lifetime.
type RefreshConfig struct {
	TTL time.Duration
}

// PasswordConfig carries argon2id parameters and the password policy shared
// by signup and reset.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	MaxLength      int
	MinScore       int
	UpgradeOnLogin bool
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// SweepConfig controls the background sweep for pending-signup keys that
// lost their TTL.
type SweepConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig returns the production defaults. The numbers match the
// deployed service: 10 requests per 60s window per action, 20 failed logins
// before a 1h lock, 7-day pending signups with 6-digit codes, 10-minute reset
// sessions with 8-digit codes, 1h access tokens and 7-day refresh tokens.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL: time.Hour,
			Issuer:    "authcore",
			Leeway:    30 * time.Second,
		},
		Login: LoginConfig{
			RateLimit:       10,
			RateWindow:      60 * time.Second,
			MaxFailedLogins: 20,
			LockDuration:    time.Hour,
		},
		Signup: SignupConfig{
			RateLimit:           10,
			RateWindow:          60 * time.Second,
			MaxAccountsPerIP:    3000,
			AccountWindow:       24 * time.Hour,
			IPBlockDuration:     time.Hour,
			PendingTTL:          7 * 24 * time.Hour,
			CodeDigits:          6,
			ResendCooldown:      5 * time.Minute,
			MaxVerifyAttempts:   10,
			VerifyBlockDuration: 2 * time.Hour,
			MaxNameLength:       50,
		},
		PasswordReset: PasswordResetConfig{
			RateLimit:      10,
			RateWindow:     60 * time.Second,
			ResetTTL:       10 * time.Minute,
			CodeDigits:     8,
			ResendCooldown: 60 * time.Second,
			MaxAttempts:    10,
			BlockDuration:  2 * time.Hour,
		},
		Refresh: RefreshConfig{
			TTL: 7 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   8,
			MaxLength:   100,
			MinScore:    3,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Sweep: SweepConfig{
			Enabled:   true,
			Interval:  time.Hour,
			BatchSize: 100,
		},
	}
}

// Validate rejects configurations that would make a flow inert or unsafe.
func (c Config) Validate() error {
	if len(c.JWT.Secret) == 0 {
		return errors.New("jwt secret is required")
	}
	if c.JWT.AccessTTL <= 0 {
		return errors.New("jwt access ttl must be positive")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("jwt leeway out of range")
	}
	if c.Login.RateLimit <= 0 || c.Login.RateWindow <= 0 {
		return errors.New("login rate limit and window must be positive")
	}
	if c.Login.MaxFailedLogins <= 0 || c.Login.LockDuration <= 0 {
		return errors.New("login lockout threshold and duration must be positive")
	}
	if c.Signup.RateLimit <= 0 || c.Signup.RateWindow <= 0 {
		return errors.New("signup rate limit and window must be positive")
	}
	if c.Signup.MaxAccountsPerIP <= 0 || c.Signup.AccountWindow <= 0 {
		return errors.New("signup account budget must be positive")
	}
	if c.Signup.PendingTTL <= 0 {
		return errors.New("signup pending ttl must be positive")
	}
	if c.Signup.CodeDigits < 6 || c.Signup.CodeDigits > 10 {
		return errors.New("signup code digits must be between 6 and 10")
	}
	if c.Signup.MaxVerifyAttempts <= 0 || c.Signup.VerifyBlockDuration <= 0 {
		return errors.New("signup verification budget must be positive")
	}
	if c.Signup.MaxNameLength <= 0 {
		return errors.New("signup max name length must be positive")
	}
	if c.PasswordReset.RateLimit <= 0 || c.PasswordReset.RateWindow <= 0 {
		return errors.New("reset rate limit and window must be positive")
	}
	if c.PasswordReset.ResetTTL <= 0 {
		return errors.New("reset ttl must be positive")
	}
	if c.PasswordReset.CodeDigits < 6 || c.PasswordReset.CodeDigits > 10 {
		return errors.New("reset code digits must be between 6 and 10")
	}
	if c.PasswordReset.MaxAttempts <= 0 || c.PasswordReset.BlockDuration <= 0 {
		return errors.New("reset attempt budget must be positive")
	}
	if c.Refresh.TTL <= 0 {
		return errors.New("refresh ttl must be positive")
	}
	if c.Password.MinLength < 8 {
		return errors.New("password min length must be >= 8")
	}
	if c.Password.MaxLength < c.Password.MinLength {
		return errors.New("password max length below min length")
	}
	if c.Password.MinScore < 0 || c.Password.MinScore > 4 {
		return errors.New("password min score out of range")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.Secret = append([]byte(nil), cfg.JWT.Secret...)
	return out
}
