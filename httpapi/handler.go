// Package httpapi exposes the engine over HTTP: JSON endpoints for the auth
// flows, cookie handling, and the access-token middleware.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/plusme/authcore"
	"github.com/plusme/authcore/mail"
)

// Handler serves the auth endpoints. Construct with [NewHandler] and mount
// the result of [Handler.Router].
type Handler struct {
	engine        *authcore.Engine
	log           zerolog.Logger
	accessTTL     time.Duration
	refreshTTL    time.Duration
	secureCookies bool
}

// Options tunes cookie behavior. SecureCookies should be true everywhere TLS
// terminates in front of the service.
type Options struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SecureCookies bool
}

func NewHandler(engine *authcore.Engine, log zerolog.Logger, opts Options) *Handler {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = time.Hour
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	return &Handler{
		engine:        engine,
		log:           log,
		accessTTL:     opts.AccessTTL,
		refreshTTL:    opts.RefreshTTL,
		secureCookies: opts.SecureCookies,
	}
}

// Router assembles the chi router with the full endpoint surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(clientContext)

	r.Post("/signup", h.handleSignup)
	r.Post("/verify", h.handleVerify)
	r.Get("/verify/{signupToken}/{code}", h.handleVerifyLink)
	r.Post("/resend-code", h.handleResendCode)
	r.Get("/check-username", h.handleCheckUsername)

	r.Post("/login", h.handleLogin)
	r.Post("/refresh-token", h.handleRefresh)
	r.Post("/logout", h.handleLogout)

	r.Post("/forgot-password", h.handleForgotPassword)
	r.Post("/resend-reset-code", h.handleResendResetCode)
	r.Post("/reset-password", h.handleResetPassword)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/me", h.handleMe)
	})

	return r
}

type signupRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.engine.RequestSignup(r.Context(), authcore.SignupRequest{
		Name:     req.Name,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{
		"message":     "Verification code sent",
		"signupToken": token,
	})
}

type verifyRequest struct {
	SignupToken string `json:"signupToken"`
	Code        string `json:"code"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.engine.ConfirmSignup(r.Context(), req.SignupToken, req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"message": "Email verified",
		"userId":  user.ID,
	})
}

// handleVerifyLink is the emailed link variant of /verify: same confirmation,
// HTML landing page instead of JSON.
func (h *Handler) handleVerifyLink(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "signupToken")
	code := chi.URLParam(r, "code")

	user, err := h.engine.ConfirmSignup(r.Context(), token, code)
	if err != nil {
		status, message := errorResponse(err)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("<!DOCTYPE html><html><body><p>" + message + "</p></body></html>"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := mail.RenderWelcomePage(w, mail.WelcomePage{Username: user.Username}); err != nil {
		h.log.Error().Err(err).Msg("welcome page render failed")
	}
}

type resendCodeRequest struct {
	SignupToken string `json:"signupToken"`
}

func (h *Handler) handleResendCode(w http.ResponseWriter, r *http.Request) {
	var req resendCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.engine.ResendSignupCode(r.Context(), req.SignupToken); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Verification code sent"})
}

func (h *Handler) handleCheckUsername(w http.ResponseWriter, r *http.Request) {
	available, err := h.engine.UsernameAvailable(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"available": available})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.engine.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.setAuthCookies(w, result.AccessToken, result.RefreshToken)
	h.writeJSON(w, http.StatusOK, loginResponse(result))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := h.refreshTokenFrom(r)
	if token == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing refresh token"})
		return
	}

	result, err := h.engine.Refresh(r.Context(), token)
	if err != nil {
		h.clearAuthCookies(w)
		h.writeError(w, r, err)
		return
	}

	h.setAuthCookies(w, result.AccessToken, result.RefreshToken)
	h.writeJSON(w, http.StatusOK, loginResponse(result))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := h.refreshTokenFrom(r); token != "" {
		h.engine.Logout(r.Context(), token)
	}

	h.clearAuthCookies(w)
	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (h *Handler) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.engine.ForgotPassword(r.Context(), req.Email)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// The response shape is identical for known and unknown addresses apart
	// from the token the known address needs to continue the flow.
	resp := map[string]string{"message": "If the address exists, a reset code was sent"}
	if token != "" {
		resp["resetToken"] = token
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type resendResetCodeRequest struct {
	ResetToken string `json:"resetToken"`
}

func (h *Handler) handleResendResetCode(w http.ResponseWriter, r *http.Request) {
	var req resendResetCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, err := h.engine.ResendResetCode(r.Context(), req.ResetToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Reset code sent",
		"resetToken": token,
	})
}

type resetPasswordRequest struct {
	ResetToken string `json:"resetToken"`
	Code       string `json:"code"`
	Password   string `json:"password"`
}

func (h *Handler) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.engine.ResetPassword(r.Context(), req.ResetToken, req.Code, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"message": "Password updated"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	if identity == nil {
		h.writeError(w, r, authcore.ErrUnauthorized)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"email":    identity.Email,
	})
}

func loginResponse(result *authcore.LoginResult) map[string]string {
	return map[string]string{
		"id":       result.UserID,
		"username": result.Username,
		"email":    result.Email,
		"token":    result.AccessToken,
	}
}

func (h *Handler) refreshTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(refreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	var req refreshRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			return req.RefreshToken
		}
	}
	return ""
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("response encoding failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request rejected")
	}
	h.writeJSON(w, status, map[string]string{"error": message})
}

// errorResponse maps engine sentinels to HTTP status and a client-safe
// message. Anything unmapped is an internal error and stays opaque.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, authcore.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, authcore.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, authcore.ErrAccountLocked):
		return http.StatusForbidden, "Account temporarily locked"
	case errors.Is(err, authcore.ErrAccountUnverified):
		return http.StatusForbidden, "Email not verified"
	case errors.Is(err, authcore.ErrIPBlocked):
		return http.StatusForbidden, "Your IP is temporarily blocked due to suspicious activity"
	case errors.Is(err, authcore.ErrAccountCreationLimited):
		return http.StatusForbidden, "Too many accounts created from your IP. Try later."
	case errors.Is(err, authcore.ErrSignupTokenBlocked), errors.Is(err, authcore.ErrResetAttempts):
		return http.StatusForbidden, "Too many failed attempts. Please try again later."
	case errors.Is(err, authcore.ErrRefreshFingerprint):
		return http.StatusForbidden, "Invalid refresh token environment"
	case errors.Is(err, authcore.ErrRefreshInvalid):
		return http.StatusForbidden, "Invalid or expired refresh token"
	case errors.Is(err, authcore.ErrLoginRateLimited),
		errors.Is(err, authcore.ErrSignupRateLimited),
		errors.Is(err, authcore.ErrResetRateLimited):
		return http.StatusTooManyRequests, "Too many requests, try later"
	case errors.Is(err, authcore.ErrSignupCooldown):
		return http.StatusTooManyRequests, "Please wait before requesting a new code"
	case errors.Is(err, authcore.ErrResetCooldown):
		return http.StatusTooManyRequests, "Please wait before requesting another code"
	case errors.Is(err, authcore.ErrWeakPassword):
		return http.StatusBadRequest, "Weak password"
	case errors.Is(err, authcore.ErrPasswordPolicy):
		return http.StatusBadRequest, "Password does not meet strength requirements"
	case errors.Is(err, authcore.ErrUserExists):
		return http.StatusBadRequest, "User already exists"
	case errors.Is(err, authcore.ErrSignupInvalid):
		return http.StatusBadRequest, "Invalid signup request"
	case errors.Is(err, authcore.ErrResetInvalid):
		return http.StatusBadRequest, "Code expired or invalid"
	case errors.Is(err, authcore.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, authcore.ErrEmailDelivery):
		return http.StatusInternalServerError, "Failed to send verification email"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
