// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/autothanks/internal/models"
)

// HistoryLister lists recent thank attempts.
type HistoryLister interface {
	List(ctx context.Context, siteKey string, limit int) ([]models.ThankRecord, error)
}

type ActivityHandler struct {
	history HistoryLister
}

func NewActivityHandler(history HistoryLister) *ActivityHandler {
	return &ActivityHandler{history: history}
}

func (h *ActivityHandler) Routes(r chi.Router) {
	r.Get("/activity", h.List)
}

// List returns recent thank outcomes, newest first.
func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := ParseLimitParam(w, r, "limit")
	if !ok {
		return
	}
	site := strings.TrimSpace(r.URL.Query().Get("site"))

	records, err := h.history.List(r.Context(), site, limit)
	if err != nil {
		log.Error().Err(err).Str("site", site).Msg("Failed to list thank history")
		RespondError(w, http.StatusInternalServerError, "Failed to load activity")
		return
	}

	RespondJSON(w, http.StatusOK, records)
}
