// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/autothanks/internal/buildinfo"
)

var (
	ErrLoginFailed = errors.New("qbittorrent login failed")
	ErrNoSession   = errors.New("qbittorrent session missing")
)

const sessionCookie = "SID"

// LoginError describes why qBittorrent refused a login.
type LoginError struct {
	StatusCode int
	Reason     string
}

func (e *LoginError) Error() string {
	if e.StatusCode != 0 && e.StatusCode/100 != 2 {
		return fmt.Sprintf("%s: HTTP %d %s", ErrLoginFailed, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrLoginFailed, e.Reason)
}

func (e *LoginError) Unwrap() error { return ErrLoginFailed }

// APIError is a non-success response from the WebUI API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Status     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("qbittorrent API error on %s: %s", e.Endpoint, e.Status)
}

// TorrentRef identifies a torrent known to qBittorrent.
type TorrentRef struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
}

// SameHash compares torrent hashes the way qBittorrent does, ignoring case.
func SameHash(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

type Config struct {
	Host     string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the qBittorrent WebUI API and owns the SID session.
type Client struct {
	host     string
	username string
	password string
	http     *http.Client

	mu  sync.RWMutex
	sid string

	loginGroup singleflight.Group

	// backoff computes the wait before retry n (0-based); tests wrap it.
	backoff func(n uint, initial time.Duration) time.Duration

	log zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		return nil, errors.New("qbittorrent host is required")
	}
	if _, err := url.ParseRequestURI(host); err != nil {
		return nil, errors.Wrapf(err, "invalid qbittorrent host %q", host)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		host:     host,
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		backoff:  backoffDelay,
		log:      log.With().Str("module", "qbittorrent").Logger(),
	}, nil
}

// Login authenticates against /api/v2/auth/login. Concurrent callers share one request.
func (c *Client) Login(ctx context.Context) error {
	_, err, _ := c.loginGroup.Do("login", func() (any, error) {
		return nil, c.login(ctx)
	})
	return err
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.host)
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "qbittorrent login request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return errors.Wrap(err, "read login response")
	}

	if resp.StatusCode/100 != 2 {
		return &LoginError{StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}
	if string(body) != "Ok." {
		return &LoginError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("%q (check credentials or IP ban)", string(body))}
	}

	var sid string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookie && cookie.Value != "" {
			sid = cookie.Value
			break
		}
	}
	if sid == "" {
		return &LoginError{StatusCode: resp.StatusCode, Reason: "no SID cookie received"}
	}

	c.mu.Lock()
	c.sid = sid
	c.mu.Unlock()

	c.log.Debug().Msg("Authenticated with qBittorrent")
	return nil
}

func (c *Client) session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// clearSession drops sid only if it is still the active session, so a
// concurrent fresh login is not thrown away.
func (c *Client) clearSession(sid string) {
	c.mu.Lock()
	if c.sid == sid {
		c.sid = ""
	}
	c.mu.Unlock()
}

func (c *Client) ensureSession(ctx context.Context) (string, error) {
	if sid := c.session(); sid != "" {
		return sid, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	if sid := c.session(); sid != "" {
		return sid, nil
	}
	return "", ErrNoSession
}

// getJSON performs an authenticated GET and decodes the response into out.
// A 403 clears the session, logs in again and repeats the request once.
func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		sid, err := c.ensureSession(ctx)
		if err != nil {
			return err
		}

		status, err := c.doGet(ctx, sid, endpoint, query, out)
		if err != nil {
			return err
		}

		switch {
		case status == http.StatusForbidden && attempt == 0:
			c.log.Debug().Str("endpoint", endpoint).Msg("Session rejected, logging in again")
			c.clearSession(sid)
			continue
		case status/100 != 2:
			return &APIError{Endpoint: endpoint, StatusCode: status, Status: fmt.Sprintf("%d %s", status, http.StatusText(status))}
		}
		return nil
	}

	return &APIError{Endpoint: endpoint, StatusCode: http.StatusForbidden, Status: "403 Forbidden"}
}

func (c *Client) doGet(ctx context.Context, sid, endpoint string, query url.Values, out any) (int, error) {
	u := c.host + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "build request %s", endpoint)
	}
	req.AddCookie(&http.Cookie{Name: sessionCookie, Value: sid})
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "qbittorrent request %s", endpoint)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, errors.Wrapf(err, "decode %s response", endpoint)
	}
	return resp.StatusCode, nil
}

// ListTorrents returns every torrent in the client.
func (c *Client) ListTorrents(ctx context.Context) ([]TorrentRef, error) {
	var torrents []qbt.Torrent
	if err := c.getJSON(ctx, "/api/v2/torrents/info", nil, &torrents); err != nil {
		return nil, err
	}

	refs := make([]TorrentRef, 0, len(torrents))
	for _, t := range torrents {
		refs = append(refs, TorrentRef{Hash: t.Hash, Name: t.Name})
	}
	return refs, nil
}

// GetComment returns the comment of the torrent with the given hash.
func (c *Client) GetComment(ctx context.Context, hash string) (string, error) {
	query := url.Values{}
	query.Set("hash", strings.ToLower(strings.TrimSpace(hash)))

	var props qbt.TorrentProperties
	if err := c.getJSON(ctx, "/api/v2/torrents/properties", query, &props); err != nil {
		return "", err
	}
	return props.Comment, nil
}
