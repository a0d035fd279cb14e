package authcore

import (
	"context"
	"time"
)

// User is the durable account record owned by the [UserStore]. Email and
// username are stored lowercase and are globally unique. Users are only ever
// created through signup confirmation, never directly from a signup request.
type User struct {
	ID            string
	Name          string
	Username      string
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserStore is the interface the Engine consumes for durable user state.
// Lookups are case-insensitive on email and username. Implementations return
// [ErrUserNotFound] for missing records and [ErrUserExists] when Create would
// violate email or username uniqueness.
type UserStore interface {
	GetByIdentifier(ctx context.Context, identifier string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, u *User) (*User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
}

// Mailer is the outbound email collaborator. Implementations live in the
// mail package; the Engine only depends on this contract.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to, code, signupToken string) error
	SendResetCode(ctx context.Context, to, code, resetToken string) error
}

// SignupRequest carries the raw signup input. The Engine trims the name and
// lowercases username and email before validation.
type SignupRequest struct {
	Name     string
	Username string
	Email    string
	Password string
}

// LoginResult is returned by [Engine.Login] and [Engine.Refresh].
type LoginResult struct {
	UserID       string
	Username     string
	Email        string
	AccessToken  string
	RefreshToken string
}

// Identity is the decoded access-token payload returned by
// [Engine.ValidateAccess].
type Identity struct {
	UserID   string
	Username string
	Email    string
}
