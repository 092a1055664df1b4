// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQbit is a minimal WebUI API. Every login issues a new SID; only the latest is accepted.
type fakeQbit struct {
	t *testing.T

	mu          sync.Mutex
	logins      int
	currentSID  string
	loginBody   string
	omitCookie  bool
	comments    []string // served in order, the last one repeats
	commentErrs map[int]int
	propsCalls  int
	lastHash    string
	forbidAll   bool
	torrents    []map[string]any
}

func newFakeQbit(t *testing.T) (*fakeQbit, *httptest.Server) {
	f := &fakeQbit{t: t, loginBody: "Ok.", commentErrs: map[int]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", f.handleLogin)
	mux.HandleFunc("/api/v2/torrents/info", f.authed(f.handleInfo))
	mux.HandleFunc("/api/v2/torrents/properties", f.authed(f.handleProperties))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQbit) handleLogin(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseForm())
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "adminadmin" {
		_, _ = w.Write([]byte("Fails."))
		return
	}

	f.logins++
	f.currentSID = "sid-" + string(rune('a'+f.logins))
	if !f.omitCookie {
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: f.currentSID, Path: "/"})
	}
	_, _ = w.Write([]byte(f.loginBody))
}

func (f *fakeQbit) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("SID")
		f.mu.Lock()
		ok := err == nil && cookie.Value == f.currentSID && !f.forbidAll
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("Forbidden"))
			return
		}
		next(w, r)
	}
}

func (f *fakeQbit) handleInfo(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(f.torrents)
}

func (f *fakeQbit) handleProperties(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := f.propsCalls
	f.propsCalls++
	f.lastHash = r.URL.Query().Get("hash")

	if status, ok := f.commentErrs[call]; ok {
		w.WriteHeader(status)
		return
	}

	comment := ""
	if len(f.comments) > 0 {
		idx := call
		if idx >= len(f.comments) {
			idx = len(f.comments) - 1
		}
		comment = f.comments[idx]
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"comment": comment, "save_path": "/downloads"})
}

func (f *fakeQbit) stats() (logins, propsCalls int, lastHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.propsCalls, f.lastHash
}

func newTestClient(t *testing.T, srv *httptest.Server, password string) *Client {
	t.Helper()
	c, err := NewClient(Config{Host: srv.URL, Username: "admin", Password: password, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestLogin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		password   string
		loginBody  string
		omitCookie bool
		wantErr    bool
	}{
		{name: "success", password: "adminadmin", loginBody: "Ok."},
		{name: "wrong_credentials", password: "nope", wantErr: true},
		{name: "unexpected_body", password: "adminadmin", loginBody: "Ok", wantErr: true},
		{name: "missing_cookie", password: "adminadmin", loginBody: "Ok.", omitCookie: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f, srv := newFakeQbit(t)
			f.loginBody = tt.loginBody
			f.omitCookie = tt.omitCookie
			c := newTestClient(t, srv, tt.password)

			err := c.Login(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrLoginFailed)
				var loginErr *LoginError
				assert.ErrorAs(t, err, &loginErr)
				assert.Empty(t, c.session())
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, c.session())
		})
	}
}

func TestLoginNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, "adminadmin")
	err := c.Login(context.Background())

	var loginErr *LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.Equal(t, http.StatusForbidden, loginErr.StatusCode)
}

func TestListTorrents(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	f.torrents = []map[string]any{
		{"hash": "ABCDEF", "name": "Some.Movie.2024", "size": 1},
		{"hash": "123456", "name": "Race.Weekend"},
	}
	c := newTestClient(t, srv, "adminadmin")

	refs, err := c.ListTorrents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []TorrentRef{
		{Hash: "ABCDEF", Name: "Some.Movie.2024"},
		{Hash: "123456", Name: "Race.Weekend"},
	}, refs)
	logins, _, _ := f.stats()
	assert.Equal(t, 1, logins)
}

func TestGetCommentRelogsInOnForbidden(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	f.comments = []string{"https://hd-olimpo.club/torrents/1"}
	c := newTestClient(t, srv, "adminadmin")

	require.NoError(t, c.Login(context.Background()))

	// server-side session expiry
	f.mu.Lock()
	f.currentSID = "rotated"
	f.mu.Unlock()

	comment, err := c.GetComment(context.Background(), "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, "https://hd-olimpo.club/torrents/1", comment)
	logins, _, lastHash := f.stats()
	assert.Equal(t, 2, logins)
	assert.Equal(t, "abcdef", lastHash)
}

func TestGetCommentForbiddenTwiceIsAPIError(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	f.forbidAll = true
	c := newTestClient(t, srv, "adminadmin")

	_, err := c.GetComment(context.Background(), "abc")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	logins, _, _ := f.stats()
	assert.Equal(t, 2, logins)
}

func TestGetCommentServerError(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	f.commentErrs[0] = http.StatusInternalServerError
	c := newTestClient(t, srv, "adminadmin")

	_, err := c.GetComment(context.Background(), "abc")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	logins, _, _ := f.stats()
	assert.Equal(t, 1, logins)
}

func TestConcurrentLoginsAreCollapsed(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		logins.Add(1)
		<-release
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "shared"})
		_, _ = w.Write([]byte("Ok."))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv, "adminadmin")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Login(context.Background()))
		}()
	}

	require.Eventually(t, func() bool { return logins.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, logins.Load(), int32(2))
	assert.Equal(t, "shared", c.session())
}

func recordingBackoff(c *Client) *[]time.Duration {
	var mu sync.Mutex
	delays := &[]time.Duration{}
	c.backoff = func(n uint, initial time.Duration) time.Duration {
		mu.Lock()
		*delays = append(*delays, backoffDelay(n, initial))
		mu.Unlock()
		return time.Millisecond
	}
	return delays
}

func TestGetCommentWithRetryBacksOffExponentially(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	f.comments = []string{"", "", "https://f1carreras.xyz/torrents/42"}
	c := newTestClient(t, srv, "adminadmin")
	delays := recordingBackoff(c)

	comment, err := c.GetCommentWithRetry(context.Background(), "HASH", RetryOptions{MaxAttempts: 5, InitialDelay: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "https://f1carreras.xyz/torrents/42", comment)

	require.Len(t, *delays, 2)
	assert.Equal(t, 5*time.Second, (*delays)[0])
	assert.Equal(t, 2*(*delays)[0], (*delays)[1])
	_, calls, _ := f.stats()
	assert.Equal(t, 3, calls)
}

func TestGetCommentWithRetryStillEmpty(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	c := newTestClient(t, srv, "adminadmin")
	delays := recordingBackoff(c)

	_, err := c.GetCommentWithRetry(context.Background(), "hash", RetryOptions{MaxAttempts: 3, InitialDelay: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommentEmpty)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))

	// no wait after the final attempt
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	_, calls, _ := f.stats()
	assert.Equal(t, 3, calls)
}

func TestGetCommentWithRetryReturnsLastError(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	f.commentErrs = map[int]int{0: http.StatusBadGateway, 1: http.StatusBadGateway, 2: http.StatusBadGateway}
	c := newTestClient(t, srv, "adminadmin")
	recordingBackoff(c)

	_, err := c.GetCommentWithRetry(context.Background(), "hash", RetryOptions{MaxAttempts: 3, InitialDelay: time.Second})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCommentEmpty)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestGetCommentWithRetryErrorThenEmpty(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	f.commentErrs = map[int]int{0: http.StatusBadGateway}
	c := newTestClient(t, srv, "adminadmin")
	recordingBackoff(c)

	_, err := c.GetCommentWithRetry(context.Background(), "hash", RetryOptions{MaxAttempts: 2, InitialDelay: time.Second})
	assert.ErrorIs(t, err, ErrCommentEmpty)
}

func TestGetCommentWithRetryStopsOnLoginFailure(t *testing.T) {
	t.Parallel()

	f, srv := newFakeQbit(t)
	c := newTestClient(t, srv, "wrong")
	delays := recordingBackoff(c)

	_, err := c.GetCommentWithRetry(context.Background(), "hash", RetryOptions{MaxAttempts: 5, InitialDelay: time.Second})
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Empty(t, *delays)
	_, calls, _ := f.stats()
	assert.Zero(t, calls)
}

func TestGetCommentWithRetryHonoursContext(t *testing.T) {
	t.Parallel()

	_, srv := newFakeQbit(t)
	c := newTestClient(t, srv, "adminadmin")
	c.backoff = func(uint, time.Duration) time.Duration { return time.Hour }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.GetCommentWithRetry(ctx, "hash", RetryOptions{MaxAttempts: 5, InitialDelay: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSameHash(t *testing.T) {
	t.Parallel()

	assert.True(t, SameHash("ABCDEF", "abcdef"))
	assert.True(t, SameHash(" abc ", "ABC"))
	assert.False(t, SameHash("abc", "abd"))
}
