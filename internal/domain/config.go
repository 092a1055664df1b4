// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// Config represents the application configuration
type Config struct {
	Version       string
	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	// qBittorrent WebUI
	QbitURL      string        `toml:"qbitUrl" mapstructure:"qbitUrl"`
	QbitUsername string        `toml:"qbitUsername" mapstructure:"qbitUsername"`
	QbitPassword string        `toml:"qbitPassword" mapstructure:"qbitPassword"`
	QbitTimeout  time.Duration `toml:"qbitTimeout" mapstructure:"qbitTimeout"`

	// CommentMaxAttempts and CommentInitialDelay control how long a webhook grab waits for
	// qBittorrent to populate the torrent comment.
	CommentMaxAttempts  int           `toml:"commentMaxAttempts" mapstructure:"commentMaxAttempts"`
	CommentInitialDelay time.Duration `toml:"commentInitialDelay" mapstructure:"commentInitialDelay"`

	ScanEnabled bool `toml:"scanEnabled" mapstructure:"scanEnabled"`
	ScanHour    int  `toml:"scanHour" mapstructure:"scanHour"`

	WebhookSources        []string      `toml:"webhookSources" mapstructure:"webhookSources"`
	WebhookDedupWindow    time.Duration `toml:"webhookDedupWindow" mapstructure:"webhookDedupWindow"`
	WebhookProcessTimeout time.Duration `toml:"webhookProcessTimeout" mapstructure:"webhookProcessTimeout"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	Sites []SiteConfig `toml:"sites" mapstructure:"sites"`
}

// SiteConfig describes a tracker site that can be thanked.
type SiteConfig struct {
	Key                 string `toml:"key" mapstructure:"key" json:"key" validate:"required,alphanum"`
	Name                string `toml:"name" mapstructure:"name" json:"name" validate:"required"`
	BaseURL             string `toml:"baseUrl" mapstructure:"baseUrl" json:"baseUrl" validate:"required,http_url"`
	EnvPrefix           string `toml:"envPrefix" mapstructure:"envPrefix" json:"envPrefix" validate:"required"`
	LoginButtonSelector string `toml:"loginButtonSelector" mapstructure:"loginButtonSelector" json:"-"`
}

// DefaultSites are the trackers supported out of the box.
func DefaultSites() []SiteConfig {
	return []SiteConfig{
		{
			Key:                 "hdo",
			Name:                "hdo-olimpo",
			BaseURL:             "https://hd-olimpo.club",
			EnvPrefix:           "HDO",
			LoginButtonSelector: `button[type="submit"]`,
		},
		{
			Key:                 "f1",
			Name:                "f1-carreras",
			BaseURL:             "https://f1carreras.xyz",
			EnvPrefix:           "F1",
			LoginButtonSelector: "button.auth-form__primary-button",
		},
	}
}
