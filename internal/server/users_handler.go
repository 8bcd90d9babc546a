package server

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/rs/zerolog"

	"ispadmin/internal/users"
	"ispadmin/pkg/auth"
	"ispadmin/pkg/httpx"
)

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var roleRule = validation.In(auth.RoleViewer, auth.RoleOperator, auth.RoleAdministrator)

// sessionsHeader tells the caller until when tokens already issued to the
// affected account stay usable.
const sessionsHeader = "X-Sessions-Valid-Until"

type UsersHandler struct {
	store *users.Store
	hash  func(string) (string, error)
	ttl   time.Duration
	log   zerolog.Logger
}

type accountView struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	Role        auth.Role  `json:"role"`
	Disabled    bool       `json:"disabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func accountOf(u users.User) accountView {
	v := accountView{ID: u.ID, Username: u.Username, Role: u.Role, Disabled: u.Disabled, CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt}
	if !u.LastLoginAt.IsZero() {
		t := u.LastLoginAt
		v.LastLoginAt = &t
	}
	return v
}

type createUserRequest struct {
	Username string    `json:"username"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

func (r createUserRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username, validation.Required, validation.Length(3, 32), validation.Match(usernameRe)),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 128)),
		validation.Field(&r.Role, validation.Required, roleRule),
	)
}

type updateUserRequest struct {
	Password *string    `json:"password"`
	Role     *auth.Role `json:"role"`
	Disabled *bool      `json:"disabled"`
}

func (r updateUserRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Password, validation.NilOrNotEmpty, validation.Length(8, 128)),
		validation.Field(&r.Role, validation.NilOrNotEmpty, roleRule),
	)
}

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.store.List()
	out := make([]accountView, 0, len(list))
	for _, u := range list {
		out = append(out, accountOf(u))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ph, err := h.hash(req.Password)
	if err != nil {
		h.log.Error().Err(err).Msg("hash password")
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	u, err := h.store.Create(r.Context(), users.User{Username: req.Username, PasswordHash: ph, Role: req.Role})
	switch {
	case errors.Is(err, users.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already exists")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("create user")
		writeError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}
	h.actor(r).Str("username", u.Username).Str("role", string(u.Role)).Msg("user created")
	writeJSON(w, http.StatusCreated, accountOf(u))
}

// Update changes password, role or disabled state. Tokens are stateless and
// carry the role they were signed with, so tokens issued before the change
// keep their old password, role and enabled state until they expire. The
// latest such expiry is returned in X-Sessions-Valid-Until.
func (h *UsersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var newHash string
	if req.Password != nil {
		ph, err := h.hash(*req.Password)
		if err != nil {
			h.log.Error().Err(err).Msg("hash password")
			writeError(w, http.StatusInternalServerError, "Failed to update user")
			return
		}
		newHash = ph
	}
	u, err := h.store.Update(r.Context(), id, func(u *users.User) error {
		if newHash != "" {
			u.PasswordHash = newHash
		}
		if req.Role != nil {
			u.Role = *req.Role
		}
		if req.Disabled != nil {
			u.Disabled = *req.Disabled
		}
		return nil
	})
	if !h.storeError(w, err, "Failed to update user") {
		return
	}
	until := h.sessionsValidUntil(w)
	h.actor(r).Int64("user_id", id).Time("sessions_valid_until", until).Msg("user updated")
	writeJSON(w, http.StatusOK, accountOf(u))
}

// Delete removes the account. Tokens already issued to it stay valid until
// they expire; see X-Sessions-Valid-Until.
func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if c, _ := auth.ClaimsFrom(r.Context()); c.ID == id {
		writeError(w, http.StatusConflict, "Cannot delete your own account")
		return
	}
	if !h.storeError(w, h.store.Delete(r.Context(), id), "Failed to delete user") {
		return
	}
	until := h.sessionsValidUntil(w)
	h.actor(r).Int64("user_id", id).Time("sessions_valid_until", until).Msg("user deleted")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *UsersHandler) sessionsValidUntil(w http.ResponseWriter) time.Time {
	until := time.Now().UTC().Add(h.ttl).Truncate(time.Second)
	w.Header().Set(sessionsHeader, until.Format(time.RFC3339))
	return until
}

// storeError writes the response for a failed store call and reports
// whether the caller may continue.
func (h *UsersHandler) storeError(w http.ResponseWriter, err error, msg string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, users.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, users.ErrLastAdministrator):
		writeError(w, http.StatusConflict, "Cannot remove the last administrator")
	case errors.Is(err, users.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already exists")
	default:
		h.log.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
	return false
}

func (h *UsersHandler) actor(r *http.Request) *zerolog.Event {
	c, _ := auth.ClaimsFrom(r.Context())
	return h.log.Info().Str("actor", c.Username)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}
