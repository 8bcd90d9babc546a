package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ispadmin/internal/backup"
	"ispadmin/internal/observability"
	"ispadmin/internal/routeros"
	"ispadmin/pkg/auth"
	"ispadmin/pkg/httpx"
)

type BackupsHandler struct {
	mgr     *backup.Manager
	metrics *observability.Metrics
	log     zerolog.Logger
}

func (h *BackupsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.List()
	if err != nil {
		h.log.Error().Err(err).Msg("list backups")
		writeError(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *BackupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IncludeRouter bool `json:"include_router"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// an empty body means defaults
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	info, err := h.mgr.Create(r.Context(), backup.CreateOptions{IncludeRouter: body.IncludeRouter, Trigger: "manual"})
	if h.metrics != nil {
		h.metrics.ObserveBackup(err)
	}
	if err != nil {
		switch {
		case errors.Is(err, routeros.ErrNotConfigured):
			writeError(w, http.StatusBadGateway, "Router not configured")
		case errors.Is(err, routeros.ErrUnavailable), errors.Is(err, routeros.ErrCommand):
			h.log.Error().Err(err).Msg("router backup")
			writeError(w, http.StatusBadGateway, "Router unavailable")
		default:
			h.log.Error().Err(err).Msg("create backup")
			writeError(w, http.StatusInternalServerError, "Failed to create backup")
		}
		return
	}
	c, _ := auth.ClaimsFrom(r.Context())
	h.log.Info().Str("actor", c.Username).Str("name", info.Name).Bool("router", body.IncludeRouter).Msg("backup requested")
	writeJSON(w, http.StatusCreated, info)
}

func (h *BackupsHandler) Download(w http.ResponseWriter, r *http.Request) {
	f, info, err := h.mgr.Open(chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, backup.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "Invalid backup name")
		return
	case errors.Is(err, backup.ErrNotFound):
		writeError(w, http.StatusNotFound, "Backup not found")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("open backup")
		writeError(w, http.StatusInternalServerError, "Failed to open backup")
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))
	http.ServeContent(w, r, info.Name, info.CreatedAt, f)
}
