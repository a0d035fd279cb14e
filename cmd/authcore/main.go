// Command authcore runs the authentication service: the engine wired to
// Redis and PostgreSQL behind the HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/plusme/authcore"
	"github.com/plusme/authcore/httpapi"
	"github.com/plusme/authcore/mail"
	"github.com/plusme/authcore/userstore"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("APP_ENV") != "production" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("service exited")
	}
}

func run(log zerolog.Logger) error {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return errors.New("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	defer redisClient.Close()

	users, err := userstore.NewPostgres(ctx, envOr("DATABASE_URL", "postgres://localhost:5432/authcore"))
	if err != nil {
		return err
	}
	defer users.Close()

	cfg := authcore.DefaultConfig()
	cfg.JWT.Secret = []byte(secret)

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(redisClient).
		WithUserStore(users).
		WithMailer(buildMailer(log)).
		WithAuditSink(authcore.NewJSONWriterSink(os.Stdout)).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	go engine.RunSweeper(ctx)

	handler := httpapi.NewHandler(engine, log, httpapi.Options{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.Refresh.TTL,
		SecureCookies: os.Getenv("APP_ENV") == "production",
	})

	server := &http.Server{
		Addr:              envOr("LISTEN_ADDR", ":8080"),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildMailer returns the SMTP sender when SMTP_HOST is configured and a
// log-only sender otherwise, so local setups work without a mail relay.
func buildMailer(log zerolog.Logger) authcore.Mailer {
	host := os.Getenv("SMTP_HOST")
	if host == "" {
		log.Warn().Msg("SMTP_HOST not set, emails will be logged instead of sent")
		return mail.NewLogSender(log)
	}

	port, err := strconv.Atoi(envOr("SMTP_PORT", "587"))
	if err != nil {
		port = 587
	}

	return mail.NewSMTPSender(mail.Config{
		Host:     host,
		Port:     port,
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     envOr("SMTP_FROM", "no-reply@localhost"),
		BaseURL:  envOr("BASE_URL", "http://localhost:8080"),
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
