package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ispadmin/internal/observability"
	"ispadmin/internal/ratelimit"
	"ispadmin/internal/users"
	"ispadmin/pkg/auth"
	"ispadmin/pkg/httpx"
)

type AuthHandler struct {
	verifier *auth.Verifier
	codec    auth.TokenCodec
	authn    *auth.Authenticator
	users    *users.Store
	hash     func(string) (string, error)
	stale    func(string) bool
	limiter  *ratelimit.Limiter
	metrics  *observability.Metrics
	secure   bool
	log      zerolog.Logger
}

type userView struct {
	ID       int64     `json:"id"`
	Username string    `json:"username"`
	Role     auth.Role `json:"role"`
}

func viewOf(c auth.Claims) userView {
	return userView{ID: c.ID, Username: c.Username, Role: c.Role}
}

func (h *AuthHandler) observe(outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveLogin(outcome)
	}
}

// Login is the only place tokens are minted.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	// An undecodable body is empty credentials: 401, and it still counts
	// against the throttle.
	if err := httpx.DecodeJSON(r, &body); err != nil {
		body.Username, body.Password = "", ""
	}
	ip := clientIP(r)
	if h.limiter != nil {
		if d := h.limiter.Allow("login:" + ip); !d.Allowed {
			h.observe("throttled")
			h.log.Warn().Str("remote", ip).Msg("login throttled")
			httpx.WriteRetryAfter(w, http.StatusTooManyRequests, "Too many requests", d.RetryAfter(time.Now()))
			return
		}
	}

	claims, err := h.verifier.VerifyPassword(r.Context(), body.Username, body.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		h.observe("invalid")
		h.log.Info().Str("username", body.Username).Str("remote", ip).Msg("login rejected")
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.observe("error")
		h.log.Error().Err(err).Str("username", body.Username).Msg("verify credentials")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	tok, err := h.codec.Sign(claims)
	if err != nil {
		h.observe("error")
		h.log.Error().Err(err).Int64("user_id", claims.ID).Msg("sign token")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := h.users.RecordLogin(r.Context(), claims.ID); err != nil {
		h.log.Warn().Err(err).Int64("user_id", claims.ID).Msg("record last login")
	}
	h.rehash(r.Context(), claims.ID, body.Password)
	if h.limiter != nil {
		h.limiter.Reset("login:" + ip)
	}

	h.observe("success")
	h.log.Info().Str("username", claims.Username).Str("role", string(claims.Role)).Str("remote", ip).Msg("login")
	auth.SetSessionCookie(w, tok, h.secure)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    viewOf(claims),
		"token":   tok,
	})
}

// rehash upgrades a legacy or weaker stored hash while the plaintext is at
// hand. Failures are logged and never fail the login.
func (h *AuthHandler) rehash(ctx context.Context, id int64, password string) {
	if h.hash == nil || h.stale == nil {
		return
	}
	u, err := h.users.FindByID(id)
	if err != nil || !h.stale(u.PasswordHash) {
		return
	}
	fresh, err := h.hash(password)
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", id).Msg("rehash password")
		return
	}
	_, err = h.users.Update(ctx, id, func(u *users.User) error {
		u.PasswordHash = fresh
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", id).Msg("store rehashed password")
		return
	}
	h.log.Info().Int64("user_id", id).Msg("password hash upgraded")
}

// Me echoes the caller's identity. The echoed value is not a credential.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	c, ok := h.authn.Resolve(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  viewOf(c),
		"token": auth.EncodeEcho(c),
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, h.secure)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
