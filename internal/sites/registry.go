// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sites holds the registry of tracker sites that can be thanked and
// maps torrent comments back to a site and torrent id.
package sites

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/autobrr/autothanks/internal/domain"
)

var (
	ErrUnknownSite       = errors.New("unknown site")
	ErrDuplicateSite     = errors.New("duplicate site key")
	ErrDuplicateBaseURL  = errors.New("duplicate site base url")
	ErrInvalidSiteConfig = errors.New("invalid site config")
)

// Site is a registered tracker site.
type Site struct {
	domain.SiteConfig

	pattern *regexp.Regexp
}

// Location is a torrent on a registered site.
type Location struct {
	SiteKey   string `json:"siteKey"`
	TorrentID string `json:"torrentId"`
}

// Registry is the ordered, immutable set of configured sites.
type Registry struct {
	sites  []*Site
	byKey  map[string]*Site
	lookup envLookup
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewRegistry validates the site configs and compiles their comment patterns.
// Sites keep the order they were configured in.
func NewRegistry(configs []domain.SiteConfig) (*Registry, error) {
	r := &Registry{
		byKey:  make(map[string]*Site, len(configs)),
		lookup: osLookup,
	}

	seenURLs := make(map[string]string, len(configs))

	for _, cfg := range configs {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

		if err := validate.Struct(cfg); err != nil {
			return nil, errors.Wrapf(ErrInvalidSiteConfig, "site %q: %v", cfg.Key, err)
		}

		if _, ok := r.byKey[cfg.Key]; ok {
			return nil, errors.Wrapf(ErrDuplicateSite, "site %q", cfg.Key)
		}

		normalized, err := normalizeBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidSiteConfig, "site %q: %v", cfg.Key, err)
		}
		if other, ok := seenURLs[normalized]; ok {
			return nil, errors.Wrapf(ErrDuplicateBaseURL, "sites %q and %q share %s", other, cfg.Key, cfg.BaseURL)
		}
		seenURLs[normalized] = cfg.Key

		site := &Site{
			SiteConfig: cfg,
			pattern:    regexp.MustCompile(regexp.QuoteMeta(cfg.BaseURL) + `/torrents/(\d+)`),
		}

		r.sites = append(r.sites, site)
		r.byKey[cfg.Key] = site
	}

	return r, nil
}

func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", raw)
	}
	return strings.ToLower(u.Host) + strings.TrimRight(u.Path, "/"), nil
}

// Get returns the site registered under key.
func (r *Registry) Get(key string) (*Site, bool) {
	s, ok := r.byKey[key]
	return s, ok
}

// Lookup is Get for callers that treat a missing site as an error.
func (r *Registry) Lookup(key string) (*Site, error) {
	s, ok := r.byKey[key]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSite, "%q", key)
	}
	return s, nil
}

// List returns the sites in registry order.
func (r *Registry) List() []*Site {
	out := make([]*Site, len(r.sites))
	copy(out, r.sites)
	return out
}

// Keys returns the site keys in registry order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.sites))
	for _, s := range r.sites {
		keys = append(keys, s.Key)
	}
	return keys
}

// Resolve finds the first site, in registry order, whose torrent URL appears in comment.
// Base URLs are distinct per site, so at most one site is expected to match.
func (r *Registry) Resolve(comment string) (Location, bool) {
	if comment == "" {
		return Location{}, false
	}

	for _, s := range r.sites {
		m := s.pattern.FindStringSubmatch(comment)
		if m == nil {
			continue
		}
		return Location{SiteKey: s.Key, TorrentID: m[1]}, true
	}

	return Location{}, false
}

// TorrentURL is the page of a torrent on this site.
func (s *Site) TorrentURL(torrentID string) string {
	return s.BaseURL + "/torrents/" + torrentID
}
