package authcore

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/plusme/authcore/internal/rate"
	"github.com/plusme/authcore/jwt"
	"github.com/plusme/authcore/password"
)

// Builder assembles an [Engine]. Redis, a [UserStore], and a JWT secret are
// mandatory; a [Mailer] is required only when the signup or reset flows are
// used. A Builder is single-use: Build can be called once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users     UserStore
	mailer    Mailer
	auditSink AuditSink

	built bool
}

// New returns a Builder preloaded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.users = store
	return b
}

func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates the configuration and wires every component. The returned
// Engine is ready for concurrent use.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.users == nil {
		return nil, errors.New("user store is required")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		Secret:    b.config.JWT.Secret,
		AccessTTL: b.config.JWT.AccessTTL,
		Issuer:    b.config.JWT.Issuer,
		Leeway:    b.config.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      b.config.Password.Memory,
		Time:        b.config.Password.Time,
		Parallelism: b.config.Password.Parallelism,
		SaltLength:  b.config.Password.SaltLength,
		KeyLength:   b.config.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       b.config,
		redis:        b.redis,
		users:        b.users,
		mailer:       b.mailer,
		rateLimiter:  rate.New(b.redis, "rate"),
		lockout:      newLockoutTracker(b.redis, b.config.Login, b.config.Signup),
		pendingStore: newPendingSignupStore(b.redis),
		resetStore:   newPasswordResetStore(b.redis),
		refreshStore: newRefreshTokenStore(b.redis),
		audit:        newAuditDispatcher(b.config.Audit, b.auditSink),
		metrics:      NewMetrics(b.config.Metrics),
		passwordHash: hasher,
		jwtManager:   jwtManager,
	}

	b.built = true
	return engine, nil
}
