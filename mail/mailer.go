// Package mail contains the outbound email senders and the HTML page shown
// after a link-based verification.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// Config holds the SMTP endpoint and the sender identity. BaseURL is the
// public origin used to build verification links.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	BaseURL  string
}

// SMTPSender delivers codes over plain SMTP with AUTH PLAIN. Safe for
// concurrent use; net/smtp opens a fresh connection per message.
type SMTPSender struct {
	config Config
}

func NewSMTPSender(cfg Config) *SMTPSender {
	return &SMTPSender{config: cfg}
}

func (s *SMTPSender) SendVerificationCode(ctx context.Context, to, code, signupToken string) error {
	link := fmt.Sprintf("%s/verify/%s/%s", strings.TrimRight(s.config.BaseURL, "/"), signupToken, code)
	body := fmt.Sprintf(
		"Your verification code is %s.\r\n\r\nYou can also confirm your account directly:\r\n%s\r\n\r\nThe code expires with your signup request. If you did not sign up, ignore this email.\r\n",
		code, link,
	)
	return s.send(ctx, to, "Verify your email", body)
}

func (s *SMTPSender) SendResetCode(ctx context.Context, to, code, resetToken string) error {
	body := fmt.Sprintf(
		"Your password reset code is %s.\r\n\r\nThe code expires in a few minutes. If you did not request a reset, ignore this email; your password is unchanged.\r\n",
		code,
	)
	return s.send(ctx, to, "Reset your password", body)
}

func (s *SMTPSender) send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := strings.Join([]string{
		"From: " + s.config.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	if err := smtp.SendMail(addr, auth, s.config.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", s.config.Host, err)
	}
	return nil
}

// LogSender writes codes to the log instead of sending them. For local
// development only: the codes land in the clear in whatever the log feeds.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) SendVerificationCode(ctx context.Context, to, code, signupToken string) error {
	s.log.Info().
		Str("to", to).
		Str("code", code).
		Str("signup_token", signupToken).
		Msg("verification code (not sent)")
	return nil
}

func (s *LogSender) SendResetCode(ctx context.Context, to, code, resetToken string) error {
	s.log.Info().
		Str("to", to).
		Str("code", code).
		Str("reset_token", resetToken).
		Msg("reset code (not sent)")
	return nil
}
