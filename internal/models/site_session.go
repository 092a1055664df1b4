// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/autobrr/autothanks/internal/dbinterface"
)

var ErrSessionNotFound = errors.New("site session not found")

// StoredCookie is the persisted form of an http.Cookie.
type StoredCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HttpOnly bool      `json:"httpOnly,omitempty"`
}

// SiteSession holds the cookies of a logged-in tracker session.
type SiteSession struct {
	SiteKey   string
	Username  string
	Cookies   []StoredCookie
	UpdatedAt time.Time
}

func CookiesFromHTTP(cookies []*http.Cookie) []StoredCookie {
	out := make([]StoredCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, StoredCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return out
}

func (s *SiteSession) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		})
	}
	return out
}

type SiteSessionStore struct {
	db dbinterface.Querier
}

func NewSiteSessionStore(db dbinterface.Querier) *SiteSessionStore {
	return &SiteSessionStore{db: db}
}

func (s *SiteSessionStore) Get(ctx context.Context, siteKey string) (*SiteSession, error) {
	var (
		session    SiteSession
		cookieJSON string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT site_key, username, cookies_json, updated_at FROM site_sessions WHERE site_key = ?",
		siteKey).Scan(&session.SiteKey, &session.Username, &cookieJSON, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(cookieJSON), &session.Cookies); err != nil {
		return nil, fmt.Errorf("decode cookies for %s: %w", siteKey, err)
	}
	return &session, nil
}

func (s *SiteSessionStore) Upsert(ctx context.Context, session *SiteSession) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}

	cookieJSON, err := json.Marshal(session.Cookies)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO site_sessions (site_key, username, cookies_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(site_key) DO UPDATE SET
			username = excluded.username,
			cookies_json = excluded.cookies_json,
			updated_at = excluded.updated_at`,
		session.SiteKey, session.Username, string(cookieJSON), session.UpdatedAt.UTC())
	return err
}

func (s *SiteSessionStore) Delete(ctx context.Context, siteKey string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM site_sessions WHERE site_key = ?", siteKey)
	return err
}
