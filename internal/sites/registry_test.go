// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sites

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/autothanks/internal/domain"
)

func newDefaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(domain.DefaultSites())
	require.NoError(t, err)
	return r
}

func TestResolve(t *testing.T) {
	t.Parallel()

	r := newDefaultRegistry(t)

	tests := []struct {
		name    string
		comment string
		want    Location
		found   bool
	}{
		{
			name:    "hdo_torrent",
			comment: "Grabbed via https://hd-olimpo.club/torrents/4821",
			want:    Location{SiteKey: "hdo", TorrentID: "4821"},
			found:   true,
		},
		{
			name:    "f1_torrent_with_trailing_text",
			comment: "https://f1carreras.xyz/torrents/77?ref=rss by uploader",
			want:    Location{SiteKey: "f1", TorrentID: "77"},
			found:   true,
		},
		{
			name:    "empty_comment",
			comment: "",
		},
		{
			name:    "unregistered_site",
			comment: "https://other.example/torrents/123",
		},
		{
			name:    "registered_site_without_torrent_path",
			comment: "https://hd-olimpo.club/users/someone",
		},
		{
			name:    "base_url_dot_is_literal",
			comment: "https://hd-olimpoXclub/torrents/1",
		},
		{
			name:    "torrent_id_must_be_digits",
			comment: "https://hd-olimpo.club/torrents/abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := r.Resolve(tt.comment)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveFirstMatchWinsInRegistryOrder(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry([]domain.SiteConfig{
		{Key: "b", Name: "b", BaseURL: "https://b.example", EnvPrefix: "B"},
		{Key: "a", Name: "a", BaseURL: "https://a.example", EnvPrefix: "A"},
	})
	require.NoError(t, err)

	got, ok := r.Resolve("https://a.example/torrents/1 https://b.example/torrents/2")
	require.True(t, ok)
	assert.Equal(t, Location{SiteKey: "b", TorrentID: "2"}, got)
	assert.Equal(t, []string{"b", "a"}, r.Keys())
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		configs []domain.SiteConfig
		wantErr error
	}{
		{
			name: "duplicate_base_url",
			configs: []domain.SiteConfig{
				{Key: "one", Name: "one", BaseURL: "https://same.example", EnvPrefix: "ONE"},
				{Key: "two", Name: "two", BaseURL: "https://SAME.example/", EnvPrefix: "TWO"},
			},
			wantErr: ErrDuplicateBaseURL,
		},
		{
			name: "duplicate_key",
			configs: []domain.SiteConfig{
				{Key: "one", Name: "one", BaseURL: "https://one.example", EnvPrefix: "ONE"},
				{Key: "one", Name: "again", BaseURL: "https://two.example", EnvPrefix: "TWO"},
			},
			wantErr: ErrDuplicateSite,
		},
		{
			name: "missing_base_url",
			configs: []domain.SiteConfig{
				{Key: "one", Name: "one", EnvPrefix: "ONE"},
			},
			wantErr: ErrInvalidSiteConfig,
		},
		{
			name: "missing_env_prefix",
			configs: []domain.SiteConfig{
				{Key: "one", Name: "one", BaseURL: "https://one.example"},
			},
			wantErr: ErrInvalidSiteConfig,
		},
		{
			name: "trailing_slash_is_trimmed",
			configs: []domain.SiteConfig{
				{Key: "one", Name: "one", BaseURL: "https://one.example/", EnvPrefix: "ONE"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, err := NewRegistry(tt.configs)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			site, ok := r.Get("one")
			require.True(t, ok)
			assert.Equal(t, "https://one.example", site.BaseURL)
			assert.Equal(t, "https://one.example/torrents/9", site.TorrentURL("9"))
		})
	}
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	passwordFile := filepath.Join(t.TempDir(), "pw")
	require.NoError(t, os.WriteFile(passwordFile, []byte("from-file\n"), 0o600))

	tests := []struct {
		name    string
		env     map[string]string
		key     string
		want    Credentials
		wantErr error
	}{
		{
			name: "username_and_password",
			env:  map[string]string{"HDO_USERNAME": "alice", "HDO_PASSWORD": "secret"},
			key:  "hdo",
			want: Credentials{Username: "alice", Password: "secret"},
		},
		{
			name: "password_file",
			env:  map[string]string{"F1_USERNAME": "bob", "F1_PASSWORD_FILE": passwordFile},
			key:  "f1",
			want: Credentials{Username: "bob", Password: "from-file"},
		},
		{
			name:    "missing_password",
			env:     map[string]string{"HDO_USERNAME": "alice"},
			key:     "hdo",
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "nothing_set",
			key:     "f1",
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "unknown_site",
			key:     "nope",
			wantErr: ErrUnknownSite,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newDefaultRegistry(t)
			r.lookup = func(key string) (string, bool) {
				v, ok := tt.env[key]
				return v, ok
			}

			got, err := r.Credentials(tt.key)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
