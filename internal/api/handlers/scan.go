// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/autothanks/internal/services/scanner"
)

// Scanner runs reconciliation scans. Start claims the scan slot before it
// returns and fails with scanner.ErrScanInProgress when one is running.
type Scanner interface {
	Start(ctx context.Context) error
	Running() bool
	LastResult() (scanner.Result, bool)
}

type ScanHandler struct {
	scanner Scanner
	baseCtx context.Context
}

func NewScanHandler(ctx context.Context, s Scanner) *ScanHandler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ScanHandler{scanner: s, baseCtx: ctx}
}

func (h *ScanHandler) Routes(r chi.Router) {
	r.Route("/scan", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Post("/", h.Start)
	})
}

type scanStatusResponse struct {
	Running bool            `json:"running"`
	Last    *scanner.Result `json:"last,omitempty"`
}

// Status reports whether a scan is running and the summary of the last one.
func (h *ScanHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := scanStatusResponse{Running: h.scanner.Running()}
	if last, ok := h.scanner.LastResult(); ok {
		resp.Last = &last
	}
	RespondJSON(w, http.StatusOK, resp)
}

// Start launches a scan in the background.
func (h *ScanHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.Start(h.baseCtx); err != nil {
		if errors.Is(err, scanner.ErrScanInProgress) {
			RespondError(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to start on-demand scan")
		RespondError(w, http.StatusInternalServerError, "Failed to start scan.")
		return
	}

	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}
