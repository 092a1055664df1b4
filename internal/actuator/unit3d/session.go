// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package unit3d thanks torrents on UNIT3D based trackers over plain HTTP.
// It logs in through the regular login form and calls the Livewire "store"
// action behind the thanks button of a torrent page.
package unit3d

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/autobrr/autothanks/internal/actuator"
	"github.com/autobrr/autothanks/internal/buildinfo"
	"github.com/autobrr/autothanks/internal/models"
	"github.com/autobrr/autothanks/internal/sites"
)

const (
	defaultTimeout     = 30 * time.Second
	maxPageSize        = 4 << 20
	thanksButtonText   = "Agradecer"
	defaultLivewireURI = "/livewire/update"
)

var errNoLoginForm = errors.New("login form not found")

// SessionStore persists site cookies between restarts.
type SessionStore interface {
	Get(ctx context.Context, siteKey string) (*models.SiteSession, error)
	Upsert(ctx context.Context, session *models.SiteSession) error
	Delete(ctx context.Context, siteKey string) error
}

type Options struct {
	Store   SessionStore
	Timeout time.Duration
	// HTTPClient replaces the default transport; its Jar is overwritten.
	HTTPClient *http.Client
	// ButtonText is the label of the thanks button.
	ButtonText string
}

// Session is an HTTP session against one UNIT3D site.
type Session struct {
	site       *sites.Site
	baseURL    *url.URL
	client     *http.Client
	store      SessionStore
	buttonText string
	creds      *sites.Credentials
	log        zerolog.Logger
}

var _ actuator.Session = (*Session)(nil)

// NewFactory returns an actuator.Factory that opens UNIT3D sessions.
func NewFactory(opts Options) actuator.Factory {
	return func(ctx context.Context, site *sites.Site) (actuator.Session, error) {
		return New(ctx, site, opts)
	}
}

// New opens a session and restores persisted cookies for the site, if any.
func New(ctx context.Context, site *sites.Site, opts Options) (*Session, error) {
	base, err := url.Parse(site.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse base url %q", site.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.Wrap(err, "create cookie jar")
	}

	client := &http.Client{}
	if opts.HTTPClient != nil {
		copied := *opts.HTTPClient
		client = &copied
	}
	client.Jar = jar
	if client.Timeout == 0 {
		client.Timeout = opts.Timeout
		if client.Timeout <= 0 {
			client.Timeout = defaultTimeout
		}
	}

	buttonText := opts.ButtonText
	if buttonText == "" {
		buttonText = thanksButtonText
	}

	s := &Session{
		site:       site,
		baseURL:    base,
		client:     client,
		store:      opts.Store,
		buttonText: buttonText,
		log:        log.With().Str("module", "unit3d").Str("site", site.Key).Logger(),
	}

	s.restoreCookies(ctx)
	return s, nil
}

func (s *Session) restoreCookies(ctx context.Context) {
	if s.store == nil {
		return
	}

	stored, err := s.store.Get(ctx, s.site.Key)
	if err != nil {
		if !errors.Is(err, models.ErrSessionNotFound) {
			s.log.Warn().Err(err).Msg("Failed to load persisted session")
		}
		return
	}

	s.client.Jar.SetCookies(s.baseURL, stored.HTTPCookies())
	s.log.Debug().Int("cookies", len(stored.Cookies)).Msg("Restored persisted session")
}

func (s *Session) persistCookies(ctx context.Context, username string) {
	if s.store == nil {
		return
	}

	session := &models.SiteSession{
		SiteKey:  s.site.Key,
		Username: username,
		Cookies:  models.CookiesFromHTTP(s.client.Jar.Cookies(s.baseURL)),
	}
	if err := s.store.Upsert(ctx, session); err != nil {
		s.log.Warn().Err(err).Msg("Failed to persist session")
	}
}

// EnsureAuthenticated logs in unless the stored session is still valid.
func (s *Session) EnsureAuthenticated(ctx context.Context, creds sites.Credentials) error {
	s.creds = &creds

	pg, err := s.get(ctx, s.site.BaseURL+"/")
	if err != nil {
		return err
	}
	if !isLoginURL(pg.url) {
		return nil
	}

	return s.login(ctx, pg)
}

// Thank clicks the thanks button of a torrent.
func (s *Session) Thank(ctx context.Context, torrentID string) (actuator.Outcome, error) {
	target := s.site.TorrentURL(torrentID)
	s.log.Debug().Str("torrentID", torrentID).Msg("Opening torrent page")

	pg, err := s.get(ctx, target)
	if err != nil {
		return "", err
	}

	if isLoginURL(pg.url) {
		if err := s.login(ctx, pg); err != nil {
			return "", err
		}
		if pg, err = s.get(ctx, target); err != nil {
			return "", err
		}
		if isLoginURL(pg.url) {
			return "", errors.Wrapf(actuator.ErrLoginFailed, "still redirected to login for torrent %s", torrentID)
		}
	}

	if pg.status == http.StatusNotFound {
		return actuator.OutcomeNotFound, nil
	}
	if pg.status/100 != 2 {
		return "", errors.Errorf("torrent page %s returned HTTP %d", target, pg.status)
	}

	button := s.findThanksButton(pg.doc, torrentID)
	if button.Length() == 0 {
		s.log.Info().Str("torrentID", torrentID).Msg("No thanks button found, skipping")
		return actuator.OutcomeNotFound, nil
	}
	if _, disabled := button.Attr("disabled"); disabled {
		s.log.Info().Str("torrentID", torrentID).Msg("Torrent already thanked, skipping")
		return actuator.OutcomeAlreadyThanked, nil
	}

	status, err := s.callStore(ctx, pg, button, torrentID)
	if err != nil {
		return "", err
	}

	s.log.Info().Str("torrentID", torrentID).Int("status", status).Msg("Thanked torrent")
	return actuator.OutcomeThanked, nil
}

// Close forgets the credentials. Persisted cookies stay for the next start.
func (s *Session) Close() error {
	s.creds = nil
	return nil
}

type page struct {
	url    *url.URL
	status int
	doc    *goquery.Document
}

func (s *Session) get(ctx context.Context, target string) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request %s", target)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return s.do(req)
}

func (s *Session) do(req *http.Request) (*page, error) {
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", req.URL.Redacted())
	}

	return &page{url: resp.Request.URL, status: resp.StatusCode, doc: doc}, nil
}

func isLoginURL(u *url.URL) bool {
	return u != nil && strings.Contains(u.Path, "/login")
}

func (s *Session) login(ctx context.Context, loginPage *page) error {
	if s.creds == nil {
		return actuator.ErrNotLoggedIn
	}

	s.log.Info().Msg("Login required, submitting credentials")

	form, submit, err := s.findLoginForm(loginPage.doc)
	if err != nil {
		return err
	}

	values := url.Values{}
	form.Find("input").Each(func(_ int, in *goquery.Selection) {
		name, ok := in.Attr("name")
		if !ok || name == "" {
			return
		}
		typ := strings.ToLower(in.AttrOr("type", "text"))
		switch typ {
		case "checkbox", "radio":
			if _, checked := in.Attr("checked"); !checked && name != "remember" {
				return
			}
			values.Set(name, in.AttrOr("value", "on"))
		case "submit", "button", "image":
		default:
			values.Set(name, in.AttrOr("value", ""))
		}
	})
	values.Set("username", s.creds.Username)
	values.Set("password", s.creds.Password)
	if name, ok := submit.Attr("name"); ok && name != "" {
		values.Set(name, submit.AttrOr("value", ""))
	}

	action, err := loginPage.url.Parse(form.AttrOr("action", loginPage.url.String()))
	if err != nil {
		return errors.Wrap(err, "resolve login form action")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return errors.Wrap(err, "build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", loginPage.url.String())
	req.Header.Set("Origin", s.baseURL.Scheme+"://"+s.baseURL.Host)

	result, err := s.do(req)
	if err != nil {
		return err
	}

	if isLoginURL(result.url) || result.status/100 != 2 {
		return errors.Wrapf(actuator.ErrLoginFailed, "check %s_USERNAME and %s_PASSWORD", s.site.EnvPrefix, s.site.EnvPrefix)
	}

	s.log.Info().Msg("Login successful")
	s.persistCookies(ctx, s.creds.Username)
	return nil
}

// findLoginForm locates the form that holds the password field, and its submit
// button as matched by the site's login button selector.
func (s *Session) findLoginForm(doc *goquery.Document) (*goquery.Selection, *goquery.Selection, error) {
	selector := s.site.LoginButtonSelector
	if selector == "" {
		selector = `button[type="submit"]`
	}

	var submit *goquery.Selection
	if sel := doc.Find(selector); sel.Length() > 0 {
		submit = sel.First()
	}

	var form *goquery.Selection
	if submit != nil {
		if f := submit.Closest("form"); f.Length() > 0 && f.Find(`input[name="password"]`).Length() > 0 {
			form = f
		}
	}
	if form == nil {
		f := doc.Find(`form:has(input[name="password"])`).First()
		if f.Length() == 0 {
			return nil, nil, errors.Wrapf(errNoLoginForm, "site %s", s.site.Key)
		}
		form = f
	}
	if submit == nil {
		submit = form.Find(`button[type="submit"], input[type="submit"]`).First()
	}

	return form, submit, nil
}

func (s *Session) findThanksButton(doc *goquery.Document, torrentID string) *goquery.Selection {
	want := fmt.Sprintf("store(%s)", torrentID)
	return doc.Find("button").FilterFunction(func(_ int, b *goquery.Selection) bool {
		action, ok := b.Attr("wire:click")
		if !ok || strings.TrimSpace(action) != want {
			return false
		}
		return strings.Contains(b.Text(), s.buttonText)
	}).First()
}

type livewireCall struct {
	Path   string `json:"path"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type livewireComponent struct {
	Snapshot string         `json:"snapshot"`
	Updates  map[string]any `json:"updates"`
	Calls    []livewireCall `json:"calls"`
}

type livewireRequest struct {
	Token      string              `json:"_token"`
	Components []livewireComponent `json:"components"`
}

// callStore sends the Livewire request the thanks button would trigger.
func (s *Session) callStore(ctx context.Context, pg *page, button *goquery.Selection, torrentID string) (int, error) {
	snapshot := ""
	for el := button.Parent(); el.Length() > 0; el = el.Parent() {
		if v, ok := el.Attr("wire:snapshot"); ok {
			snapshot = v
			break
		}
	}
	if snapshot == "" {
		return 0, errors.Errorf("livewire component for torrent %s not found", torrentID)
	}

	token := csrfToken(pg.doc)
	if token == "" {
		return 0, errors.Errorf("csrf token missing on torrent %s page", torrentID)
	}

	updateURI := defaultLivewireURI
	if script := pg.doc.Find("script[data-update-uri]").First(); script.Length() > 0 {
		updateURI = script.AttrOr("data-update-uri", defaultLivewireURI)
	}
	endpoint, err := pg.url.Parse(updateURI)
	if err != nil {
		return 0, errors.Wrap(err, "resolve livewire endpoint")
	}

	var param any = torrentID
	if id, err := strconv.ParseInt(torrentID, 10, 64); err == nil {
		param = id
	}

	body, err := json.Marshal(livewireRequest{
		Token: token,
		Components: []livewireComponent{{
			Snapshot: snapshot,
			Updates:  map[string]any{},
			Calls:    []livewireCall{{Path: "", Method: "store", Params: []any{param}}},
		}},
	})
	if err != nil {
		return 0, errors.Wrap(err, "encode livewire request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "build livewire request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Livewire", "")
	req.Header.Set("X-CSRF-TOKEN", token)
	req.Header.Set("Referer", pg.url.String())
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "livewire request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageSize))

	if resp.StatusCode/100 != 2 {
		return resp.StatusCode, errors.Errorf("livewire store for torrent %s returned HTTP %d", torrentID, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func csrfToken(doc *goquery.Document) string {
	if token := doc.Find(`meta[name="csrf-token"]`).AttrOr("content", ""); token != "" {
		return token
	}
	if token := doc.Find("script[data-csrf]").AttrOr("data-csrf", ""); token != "" {
		return token
	}
	return doc.Find(`input[name="_token"]`).AttrOr("value", "")
}
