package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"ispadmin/internal/settings"
	"ispadmin/pkg/auth"
	"ispadmin/pkg/httpx"
)

type SettingsHandler struct {
	app     *settings.AppStore
	billing *settings.BillingStore
	log     zerolog.Logger
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	b, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes))
	if err != nil || len(b) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	return b, true
}

func (h *SettingsHandler) saveFailed(w http.ResponseWriter, err error, which string) {
	var verr *settings.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	h.log.Error().Err(err).Str("document", which).Msg("save settings")
	writeError(w, http.StatusInternalServerError, "Failed to save settings")
}

func (h *SettingsHandler) GetApp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Get().Masked())
}

func (h *SettingsHandler) PutApp(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	got, err := h.app.Put(r.Context(), body)
	if err != nil {
		h.saveFailed(w, err, "app")
		return
	}
	c, _ := auth.ClaimsFrom(r.Context())
	h.log.Info().Str("actor", c.Username).Str("document", "app").Msg("settings updated")
	writeJSON(w, http.StatusOK, got.Masked())
}

func (h *SettingsHandler) GetBilling(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.billing.Get())
}

func (h *SettingsHandler) PutBilling(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	got, err := h.billing.Put(r.Context(), body)
	if err != nil {
		h.saveFailed(w, err, "billing")
		return
	}
	c, _ := auth.ClaimsFrom(r.Context())
	h.log.Info().Str("actor", c.Username).Str("document", "billing").Msg("settings updated")
	writeJSON(w, http.StatusOK, got)
}
