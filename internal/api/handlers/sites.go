// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/autobrr/autothanks/internal/sites"
)

// SiteLister exposes the configured sites.
type SiteLister interface {
	List() []*sites.Site
	Credentials(key string) (sites.Credentials, error)
}

// PendingCounter reports unfinished work per site.
type PendingCounter interface {
	Pending(siteKey string) int
}

type SitesHandler struct {
	sites   SiteLister
	pending PendingCounter
}

func NewSitesHandler(s SiteLister, pending PendingCounter) *SitesHandler {
	return &SitesHandler{sites: s, pending: pending}
}

func (h *SitesHandler) Routes(r chi.Router) {
	r.Get("/sites", h.List)
}

type siteResponse struct {
	Key                   string   `json:"key"`
	Name                  string   `json:"name"`
	BaseURL               string   `json:"baseUrl"`
	CredentialEnv         []string `json:"credentialEnv"`
	CredentialsConfigured bool     `json:"credentialsConfigured"`
	Pending               int      `json:"pending"`
}

// List returns the site registry. Credentials are never included.
func (h *SitesHandler) List(w http.ResponseWriter, r *http.Request) {
	list := h.sites.List()
	resp := make([]siteResponse, 0, len(list))
	for _, s := range list {
		_, err := h.sites.Credentials(s.Key)
		item := siteResponse{
			Key:                   s.Key,
			Name:                  s.Name,
			BaseURL:               s.BaseURL,
			CredentialEnv:         s.CredentialEnvVars(),
			CredentialsConfigured: err == nil,
		}
		if h.pending != nil {
			item.Pending = h.pending.Pending(s.Key)
		}
		resp = append(resp, item)
	}
	RespondJSON(w, http.StatusOK, resp)
}
