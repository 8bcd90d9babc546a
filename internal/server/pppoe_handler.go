package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/rs/zerolog"

	"ispadmin/internal/observability"
	"ispadmin/internal/pppoe"
	"ispadmin/internal/routeros"
	"ispadmin/pkg/auth"
	"ispadmin/pkg/httpx"
)

type PPPoEHandler struct {
	svc     *pppoe.Service
	metrics *observability.Metrics
	log     zerolog.Logger
}

// fail maps service errors onto responses.
func (h *PPPoEHandler) fail(w http.ResponseWriter, err error, op string) {
	var verrs validation.Errors
	switch {
	case errors.Is(err, pppoe.ErrInvalidID):
		writeError(w, http.StatusBadRequest, "Invalid id")
	case errors.Is(err, pppoe.ErrNoChanges):
		writeError(w, http.StatusBadRequest, "No changes requested")
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, verrs.Error())
	case errors.Is(err, pppoe.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, routeros.ErrNotConfigured):
		writeError(w, http.StatusBadGateway, "Router not configured")
	case errors.Is(err, routeros.ErrUnavailable), errors.Is(err, routeros.ErrCommand):
		if h.metrics != nil {
			h.metrics.RouterErrors.Inc()
		}
		h.log.Error().Err(err).Str("op", op).Msg("router call failed")
		writeError(w, http.StatusBadGateway, "Router unavailable")
	default:
		h.log.Error().Err(err).Str("op", op).Msg("pppoe operation failed")
		writeError(w, http.StatusInternalServerError, "Failed to "+op)
	}
}

func (h *PPPoEHandler) audit(r *http.Request, msg string) *zerolog.Event {
	c, _ := auth.ClaimsFrom(r.Context())
	return h.log.Info().Str("actor", c.Username).Str("action", msg)
}

func (h *PPPoEHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListActive(r.Context())
	if err != nil {
		h.fail(w, err, "list sessions")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PPPoEHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Disconnect(r.Context(), id); err != nil {
		h.fail(w, err, "disconnect session")
		return
	}
	h.audit(r, "disconnect").Str("id", id).Send()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *PPPoEHandler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListSecrets(r.Context())
	if err != nil {
		h.fail(w, err, "list secrets")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *PPPoEHandler) AddSecret(w http.ResponseWriter, r *http.Request) {
	var in pppoe.NewSecret
	if err := httpx.DecodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id, err := h.svc.AddSecret(r.Context(), in)
	if err != nil {
		h.fail(w, err, "add secret")
		return
	}
	h.audit(r, "add-secret").Str("name", in.Name).Send()
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": id})
}

func (h *PPPoEHandler) SetSecret(w http.ResponseWriter, r *http.Request) {
	var p pppoe.SecretPatch
	if err := httpx.DecodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.SetSecret(r.Context(), id, p); err != nil {
		h.fail(w, err, "update secret")
		return
	}
	h.audit(r, "set-secret").Str("id", id).Send()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *PPPoEHandler) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.RemoveSecret(r.Context(), id); err != nil {
		h.fail(w, err, "remove secret")
		return
	}
	h.audit(r, "remove-secret").Str("id", id).Send()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *PPPoEHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ListProfiles(r.Context())
	if err != nil {
		h.fail(w, err, "list profiles")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
